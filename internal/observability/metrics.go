package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the autonomy core. The
// scheduler consumes it through its Metrics interface.
type Metrics struct {
	taskFires         *prometheus.CounterVec
	notificationDrops prometheus.Counter
	debateOutcomes    *prometheus.CounterVec
	toolCalls         *prometheus.CounterVec
	proactiveSends    *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Pass a fresh registry
// in tests; nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		taskFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "her",
			Subsystem: "scheduler",
			Name:      "task_fires_total",
			Help:      "Task executions by trigger kind and outcome.",
		}, []string{"kind", "status"}),
		notificationDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "her",
			Subsystem: "scheduler",
			Name:      "notification_drops_total",
			Help:      "Outbound notifications dropped because the channel was full.",
		}),
		debateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "her",
			Subsystem: "debate",
			Name:      "outcomes_total",
			Help:      "Debate runs by verifier result.",
		}, []string{"result"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "her",
			Subsystem: "registry",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by server, tool, and outcome.",
		}, []string{"server", "tool", "status"}),
		proactiveSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "her",
			Subsystem: "autonomy",
			Name:      "proactive_sends_total",
			Help:      "Proactive messages by outcome.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.taskFires, m.notificationDrops, m.debateOutcomes, m.toolCalls, m.proactiveSends)
	return m
}

func statusLabel(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}

// TaskFired records one scheduler task execution.
func (m *Metrics) TaskFired(kind string, success bool) {
	m.taskFires.WithLabelValues(kind, statusLabel(success)).Inc()
}

// NotificationDropped records one dropped outbound notification.
func (m *Metrics) NotificationDropped() {
	m.notificationDrops.Inc()
}

// DebateOutcome records one debate run by verifier result.
func (m *Metrics) DebateOutcome(result string) {
	m.debateOutcomes.WithLabelValues(result).Inc()
}

// ToolCalled records one capability router invocation.
func (m *Metrics) ToolCalled(server, tool string, success bool) {
	m.toolCalls.WithLabelValues(server, tool, statusLabel(success)).Inc()
}

// ProactiveSend records one proactive message attempt.
func (m *Metrics) ProactiveSend(success bool) {
	m.proactiveSends.WithLabelValues(statusLabel(success)).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("metrics listener started", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
