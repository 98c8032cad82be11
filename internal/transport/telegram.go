package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// TelegramConfig configures the long-polling Telegram adapter.
type TelegramConfig struct {
	Token string
	// StartupRetryDelay is the pause between boot attempts when the
	// Telegram API is unreachable.
	StartupRetryDelay time.Duration
	// RatePerMinute throttles outbound sends.
	RatePerMinute int
	QueueSize     int
	Logger        *slog.Logger
}

func (c *TelegramConfig) applyDefaults() {
	if c.StartupRetryDelay <= 0 {
		c.StartupRetryDelay = 10 * time.Second
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 60
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Telegram is the chat adapter. Inbound updates become Inbound events
// on a bounded channel; Send pushes replies back through the rate
// limiter.
type Telegram struct {
	cfg     TelegramConfig
	bot     *bot.Bot
	inbound chan Inbound
	limiter *RateLimiter
	logger  *slog.Logger

	mu    sync.Mutex
	chats map[string]int64 // user_id -> chat_id
}

// NewTelegram builds the adapter; Start connects it.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	cfg.applyDefaults()
	return &Telegram{
		cfg:     cfg,
		inbound: make(chan Inbound, cfg.QueueSize),
		limiter: NewRateLimiter(float64(cfg.RatePerMinute)/60.0, 5),
		logger:  cfg.Logger.With("component", "telegram"),
		chats:   map[string]int64{},
	}, nil
}

// Inbound is the event channel consumed by the core. Closed when Start
// returns.
func (t *Telegram) Inbound() <-chan Inbound { return t.inbound }

// Start connects and long-polls until ctx ends. Boot failures retry
// on the configured delay instead of crashing the process.
func (t *Telegram) Start(ctx context.Context) error {
	defer close(t.inbound)
	for {
		b, err := bot.New(t.cfg.Token, bot.WithDefaultHandler(t.handleUpdate))
		if err == nil {
			t.mu.Lock()
			t.bot = b
			t.mu.Unlock()
			t.logger.Info("telegram adapter connected")
			b.Start(ctx) // blocks until ctx is done
			return nil
		}
		t.logger.Warn("telegram startup failed, retrying", "error", err, "delay", t.cfg.StartupRetryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.StartupRetryDelay):
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message
	userID := strconv.FormatInt(msg.From.ID, 10)

	t.mu.Lock()
	t.chats[userID] = msg.Chat.ID
	t.mu.Unlock()

	event := Inbound{
		UserID:       userID,
		ChatID:       msg.Chat.ID,
		Timestamp:    time.Unix(int64(msg.Date), 0).UTC(),
		Text:         msg.Text,
		LanguageHint: msg.From.LanguageCode,
	}
	select {
	case t.inbound <- event:
	case <-ctx.Done():
	default:
		t.logger.Warn("inbound channel full, dropping message", "user", userID)
	}
}

// Send delivers one message to the user's last-seen chat.
func (t *Telegram) Send(userID, text string) error {
	t.mu.Lock()
	b := t.bot
	chatID, known := t.chats[userID]
	t.mu.Unlock()
	if b == nil {
		return fmt.Errorf("telegram: adapter not connected")
	}
	if !known {
		// Fall back to treating the user id as a chat id; proactive
		// sends can predate any inbound message.
		parsed, err := strconv.ParseInt(userID, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram: no chat known for user %s", userID)
		}
		chatID = parsed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate limit wait: %w", err)
	}
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	return nil
}

// PumpNotifications forwards scheduler notifications to the chat until
// the channel closes or ctx ends.
func (t *Telegram) PumpNotifications(ctx context.Context, notifications <-chan Outbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if err := t.Send(n.UserID, n.Text); err != nil {
				t.logger.Warn("notification delivery failed", "user", n.UserID, "error", err)
			}
		}
	}
}
