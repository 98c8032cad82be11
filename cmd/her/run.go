package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/vaheed/HER-Ai/internal/autonomy"
	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/config"
	"github.com/vaheed/HER-Ai/internal/debate"
	"github.com/vaheed/HER-Ai/internal/intent"
	"github.com/vaheed/HER-Ai/internal/llm"
	"github.com/vaheed/HER-Ai/internal/memory"
	"github.com/vaheed/HER-Ai/internal/observability"
	"github.com/vaheed/HER-Ai/internal/registry"
	"github.com/vaheed/HER-Ai/internal/scheduler"
	"github.com/vaheed/HER-Ai/internal/store"
	"github.com/vaheed/HER-Ai/internal/supervisor"
	"github.com/vaheed/HER-Ai/internal/transport"
)

// runApp is the composition root: it builds every component in
// dependency order and blocks until ctx ends.
func runApp(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting", "version", version, "commit", commit)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)
	if cfg.Metrics.Enabled {
		go func() {
			if err := observability.Serve(ctx, cfg.Metrics.Addr, promReg, logger); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	if cfg.Postgres.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.Postgres.MaxConnections)
	}
	if cfg.Postgres.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	}

	kv := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer kv.Close()
	if err := kv.Ping(ctx).Err(); err != nil {
		// Redis outages degrade memory and state mirrors, they do not
		// stop the process.
		logger.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	st := store.New(db, kv,
		store.WithLogger(logger),
		store.WithStatePublishInterval(cfg.Scheduler.StatePublishMinInterval),
	)
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	events := store.NewEventWriter(st, cfg.Scheduler.EventQueueMaxSize, logger)
	defer func() {
		if err := events.Close(5 * time.Second); err != nil {
			logger.Warn("event writer close", "error", err)
		}
	}()

	clockSvc := clock.NewService()

	model, err := buildLLM(cfg.LLM, logger)
	if err != nil {
		return err
	}

	specs := make([]supervisor.Spec, 0, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		specs = append(specs, supervisor.Spec{
			Name:    s.Name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
		})
	}
	sup := supervisor.New(specs,
		supervisor.WithLogger(logger),
		supervisor.WithStartTimeout(cfg.MCP.StartTimeout),
	)
	router := registry.New(func(server string) (registry.ToolCaller, bool) {
		client, ok := sup.Client(server)
		if !ok {
			return nil, false
		}
		return client, true
	}, registry.WithLogger(logger), registry.WithMetrics(metrics))
	sup.Subscribe(router.HandleEvent)
	sup.Start(ctx)
	defer sup.Stop()

	memGuard := memory.NewGuard(memory.NewRedisStore(kv), cfg.Memory.StrictMode, logger)

	var tg *transport.Telegram
	if cfg.Telegram.Enabled {
		tg, err = transport.NewTelegram(transport.TelegramConfig{
			Token:             cfg.Telegram.BotToken,
			StartupRetryDelay: cfg.Telegram.StartupRetry,
			Logger:            logger,
		})
		if err != nil {
			return err
		}
	}

	autonomyOpts := []autonomy.Option{
		autonomy.WithLogger(logger),
		autonomy.WithEvents(events),
		autonomy.WithMetrics(metrics),
		autonomy.WithLLM(model),
	}
	var notifier autonomy.Notifier
	if tg != nil {
		notifier = tg
	}
	auto := autonomy.New(st, notifier, autonomyOpts...)

	sched := scheduler.New(st, clockSvc,
		scheduler.WithLogger(logger),
		scheduler.WithRouter(router),
		scheduler.WithEvents(events),
		scheduler.WithSystemHandler(auto.HandleSystemTask),
		scheduler.WithMetrics(metrics),
		scheduler.WithTick(cfg.Scheduler.TickInterval),
		scheduler.WithLock(cfg.Scheduler.LockTTL, cfg.Scheduler.LockHeartbeat),
		scheduler.WithWorkerPool(cfg.Scheduler.WorkerPoolSize),
		scheduler.WithFetchPolicy(cfg.Scheduler.FetchTimeout, 2),
		scheduler.WithStepTimeout(cfg.Scheduler.StepTimeout),
		scheduler.WithOverlay(cfg.Scheduler.OverlayPath),
	)

	classifier := intent.New(model, clockSvc, events,
		intent.WithLogger(logger),
		intent.WithThreshold(cfg.Intent.ActionThreshold),
	)
	dispatcher := debate.New(model, router, events, st,
		debate.WithLogger(logger),
		debate.WithMaxSteps(cfg.Debate.MaxSteps),
		debate.WithStepTimeout(cfg.Debate.StepTimeout),
	)

	core := &app{
		cfg:        cfg,
		store:      st,
		sched:      sched,
		classifier: classifier,
		dispatcher: dispatcher,
		model:      model,
		memory:     memGuard,
		sup:        sup,
		autonomy:   auto,
		metrics:    metrics,
		logger:     logger.With("component", "app"),
		startedAt:  time.Now(),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	if tg != nil {
		core.sender = tg
		wg.Add(3)
		go func() {
			defer wg.Done()
			if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram adapter stopped", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			tg.PumpNotifications(ctx, bridgeNotifications(ctx, sched.Notifications()))
		}()
		go func() {
			defer wg.Done()
			core.loop(ctx, tg.Inbound())
		}()
	} else {
		logger.Warn("no chat transport enabled, running scheduler only")
		wg.Add(1)
		go func() {
			defer wg.Done()
			drainNotifications(ctx, sched.Notifications(), logger)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}

// buildLLM assembles the completion client: Anthropic primary, OpenAI
// secondary, failover when both are configured.
func buildLLM(cfg config.LLMConfig, logger *slog.Logger) (llm.Client, error) {
	var primary, secondary llm.Client
	if cfg.Anthropic.APIKey != "" {
		client, err := llm.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		primary = client
	}
	if cfg.OpenAI.APIKey != "" {
		client, err := llm.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		secondary = client
	}
	switch {
	case primary != nil && secondary != nil:
		return llm.NewFailover(primary, secondary, logger), nil
	case primary != nil:
		return primary, nil
	case secondary != nil:
		return secondary, nil
	default:
		return nil, fmt.Errorf("no LLM provider configured")
	}
}

// bridgeNotifications adapts scheduler notifications to the transport
// outbound shape.
func bridgeNotifications(ctx context.Context, in <-chan scheduler.Notification) <-chan transport.Outbound {
	out := make(chan transport.Outbound)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- transport.Outbound{UserID: n.UserID, Text: n.Text, ReplyMode: n.ReplyMode}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// drainNotifications logs notifications when no transport is wired so
// the scheduler never blocks.
func drainNotifications(ctx context.Context, in <-chan scheduler.Notification, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-in:
			if !ok {
				return
			}
			logger.Info("notification (no transport)", "user", n.UserID, "text", n.Text)
		}
	}
}
