// Package autonomy manages per-user engagement profiles, the daily
// proactive message slots, and the reflection jobs that tune
// initiative over time.
package autonomy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaheed/HER-Ai/internal/llm"
	"github.com/vaheed/HER-Ai/internal/store"
)

// maxDailyProactive bounds outbound initiative per user per day.
const maxDailyProactive = 3

// Profiles is the persistence surface; *store.Store satisfies it.
type Profiles interface {
	LoadProfile(ctx context.Context, userID string) (*store.AutonomyProfile, error)
	SaveProfile(ctx context.Context, profile *store.AutonomyProfile) error
	ListProfiles(ctx context.Context) ([]*store.AutonomyProfile, error)
	ClaimProactiveSlot(ctx context.Context, userID, dayBucket string, slot int) (bool, error)
	RecordProactiveAudit(ctx context.Context, audit *store.ProactiveAudit) error
	SaveReflection(ctx context.Context, reflection *store.Reflection) error
}

// Notifier delivers proactive messages; the transport adapter
// satisfies it.
type Notifier interface {
	Send(userID, text string) error
}

// EventSink receives audit events; *store.EventWriter satisfies it.
type EventSink interface {
	Decision(event *store.DecisionEvent) bool
}

// Metrics receives one observation per proactive send attempt.
type Metrics interface {
	ProactiveSend(success bool)
}

// Engine owns AutonomyProfile mutation outside the debate pipeline.
type Engine struct {
	profiles Profiles
	notifier Notifier
	events   EventSink
	metrics  Metrics
	llm      llm.Client
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "autonomy")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLLM enables model-composed proactive messages.
func WithLLM(client llm.Client) Option {
	return func(e *Engine) { e.llm = client }
}

// WithEvents wires the decision event sink.
func WithEvents(events EventSink) Option {
	return func(e *Engine) { e.events = events }
}

// WithMetrics wires send observations.
func WithMetrics(metrics Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// New creates the engine. notifier may be nil, which disables
// proactive sends but keeps profile bookkeeping.
func New(profiles Profiles, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		profiles: profiles,
		notifier: notifier,
		logger:   slog.Default().With("component", "autonomy"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecordUserMessage updates the profile after each inbound message,
// creating it lazily on first contact.
func (e *Engine) RecordUserMessage(ctx context.Context, userID string) error {
	now := e.now().UTC()
	profile, err := e.profiles.LoadProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if profile == nil {
		profile = &store.AutonomyProfile{
			UserID:          userID,
			EngagementScore: 0.5,
			InitiativeLevel: 0.5,
		}
	}
	e.rollDay(profile, now)
	profile.LastUserMessageAt = now
	// Interaction is a weak positive signal next to reinforcement.
	profile.EngagementScore += 0.01
	return e.profiles.SaveProfile(ctx, profile)
}

// rollDay resets the daily counters when the proactive day changes.
func (e *Engine) rollDay(profile *store.AutonomyProfile, now time.Time) {
	today := now.Format("2006-01-02")
	if profile.ProactiveDay != today {
		profile.ProactiveDay = today
		profile.MessagesSentToday = 0
		profile.ErrorCountToday = 0
	}
}

// HandleSystemTask dispatches the builtin scheduler jobs. Its
// signature matches scheduler.SystemHandler.
func (e *Engine) HandleSystemTask(ctx context.Context, name string, task *store.Task) error {
	switch name {
	case "proactive_daily_dispatcher":
		return e.DispatchProactive(ctx)
	case "memory_reflection":
		return e.runMemoryReflection(ctx)
	case "weekly_self_optimization":
		return e.runWeeklyOptimization(ctx)
	default:
		return fmt.Errorf("unknown system task %q", name)
	}
}

// minProactiveGap scales with initiative: an eager profile may reach
// out every few hours, a shy one roughly daily.
func minProactiveGap(initiative float64) time.Duration {
	hours := 24 * (1.1 - initiative)
	if hours < 3 {
		hours = 3
	}
	return time.Duration(hours * float64(time.Hour))
}

// DispatchProactive walks every profile and sends at most one message
// per eligible user, claiming the daily slot through the unique index
// so concurrent runners cannot double-send.
func (e *Engine) DispatchProactive(ctx context.Context) error {
	if e.notifier == nil {
		return nil
	}
	now := e.now().UTC()
	profiles, err := e.profiles.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	for _, profile := range profiles {
		if err := e.dispatchFor(ctx, profile, now); err != nil {
			e.logger.Warn("proactive dispatch failed", "user", profile.UserID, "error", err)
		}
	}
	return nil
}

func (e *Engine) dispatchFor(ctx context.Context, profile *store.AutonomyProfile, now time.Time) error {
	e.rollDay(profile, now)
	if profile.MessagesSentToday >= maxDailyProactive {
		return nil
	}
	if !profile.LastProactiveAt.IsZero() && now.Sub(profile.LastProactiveAt) < minProactiveGap(profile.InitiativeLevel) {
		return nil
	}

	day := now.Format("2006-01-02")
	slot := profile.MessagesSentToday + 1
	claimed, err := e.profiles.ClaimProactiveSlot(ctx, profile.UserID, day, slot)
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	if !claimed {
		// Another runner owns this slot; fold it into our counter so
		// the next attempt targets the following slot.
		profile.MessagesSentToday = slot
		return e.profiles.SaveProfile(ctx, profile)
	}

	text := e.composeProactive(ctx, profile)
	sendErr := e.notifier.Send(profile.UserID, text)
	if e.metrics != nil {
		e.metrics.ProactiveSend(sendErr == nil)
	}

	audit := &store.ProactiveAudit{
		UserID:      profile.UserID,
		ScheduledAt: now,
		MessageKind: "check_in",
		Success:     sendErr == nil,
		DayBucket:   day,
		DailySlot:   slot,
	}
	if sendErr == nil {
		audit.SentAt = now
	}
	if err := e.profiles.RecordProactiveAudit(ctx, audit); err != nil {
		e.logger.Warn("proactive audit write failed", "user", profile.UserID, "error", err)
	}
	if e.events != nil {
		e.events.Decision(&store.DecisionEvent{
			EventType: "proactive_dispatch",
			UserID:    profile.UserID,
			Source:    "autonomy",
			Summary:   fmt.Sprintf("slot %d/%d on %s, success=%t", slot, maxDailyProactive, day, sendErr == nil),
			Details:   map[string]any{"slot": slot, "day": day, "success": sendErr == nil},
		})
	}
	if sendErr != nil {
		profile.ErrorCountToday++
		if err := e.profiles.SaveProfile(ctx, profile); err != nil {
			e.logger.Warn("profile save failed", "user", profile.UserID, "error", err)
		}
		return fmt.Errorf("send: %w", sendErr)
	}

	profile.MessagesSentToday = slot
	profile.LastProactiveAt = now
	return e.profiles.SaveProfile(ctx, profile)
}

// composeProactive asks the model for a short check-in when a model is
// wired, with a canned fallback.
func (e *Engine) composeProactive(ctx context.Context, profile *store.AutonomyProfile) string {
	fallback := "Hey, thinking of you — how is your day going?"
	if e.llm == nil {
		return fallback
	}
	text, _, err := e.llm.Complete(ctx, llm.Request{
		System:    "Write one short, warm check-in message to a friend. One or two sentences, no preamble.",
		Messages:  []llm.Message{{Role: "user", Content: "Compose the check-in."}},
		MaxTokens: 128,
	})
	if err != nil || text == "" {
		e.logger.Warn("proactive composition failed, using fallback", "error", err)
		return fallback
	}
	return text
}

// ReflectDaily writes the daily reflection row for one user and nudges
// initiative based on the day's outcomes. Re-running for the same day
// is a no-op at the store layer.
func (e *Engine) ReflectDaily(ctx context.Context, profile *store.AutonomyProfile) error {
	now := e.now().UTC()
	trend := "steady"
	adjustment := 0.0
	switch {
	case profile.ErrorCountToday > 2:
		trend, adjustment = "declining", -0.05
	case profile.MessagesSentToday > 0 && profile.ErrorCountToday == 0:
		trend, adjustment = "rising", 0.05
	}

	reflection := &store.Reflection{
		UserID:               profile.UserID,
		ReflectionDate:       now.Format("2006-01-02"),
		EngagementTrend:      trend,
		InitiativeAdjustment: adjustment,
		Notes:                fmt.Sprintf("sent=%d errors=%d", profile.MessagesSentToday, profile.ErrorCountToday),
		Confidence:           0.6,
	}
	if err := e.profiles.SaveReflection(ctx, reflection); err != nil {
		return fmt.Errorf("save reflection: %w", err)
	}
	if adjustment != 0 {
		profile.InitiativeLevel += adjustment
		if err := e.profiles.SaveProfile(ctx, profile); err != nil {
			return fmt.Errorf("apply reflection adjustment: %w", err)
		}
	}
	return nil
}

// runMemoryReflection emits a per-user summary event. The heavy
// consolidation lives with the memory collaborator; this job keeps the
// audit trail alive even when memory is degraded.
func (e *Engine) runMemoryReflection(ctx context.Context) error {
	profiles, err := e.profiles.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	if e.events == nil {
		return nil
	}
	for _, profile := range profiles {
		e.events.Decision(&store.DecisionEvent{
			EventType: "memory_reflection",
			UserID:    profile.UserID,
			Source:    "autonomy",
			Summary:   fmt.Sprintf("engagement=%.2f initiative=%.2f", profile.EngagementScore, profile.InitiativeLevel),
		})
	}
	return nil
}

// runWeeklyOptimization reflects over every user.
func (e *Engine) runWeeklyOptimization(ctx context.Context) error {
	profiles, err := e.profiles.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	for _, profile := range profiles {
		if err := e.ReflectDaily(ctx, profile); err != nil {
			e.logger.Warn("reflection failed", "user", profile.UserID, "error", err)
		}
	}
	return nil
}
