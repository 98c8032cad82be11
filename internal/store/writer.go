package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventWriter decouples hot paths from event persistence: appends are
// queued onto a bounded buffer and flushed by a single background
// worker, preserving insertion order per writer.
type EventWriter struct {
	store  *Store
	logger *slog.Logger
	queue  chan queuedEvent

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
}

type queuedEvent struct {
	decision      *DecisionEvent
	reinforcement *ReinforcementEvent
}

// DefaultDrainTimeout bounds how long Close waits for the queue to
// flush on shutdown.
const DefaultDrainTimeout = 5 * time.Second

// NewEventWriter starts the flush worker. maxSize bounds the queue;
// when full, new events are dropped and counted.
func NewEventWriter(store *Store, maxSize int, logger *slog.Logger) *EventWriter {
	if maxSize <= 0 {
		maxSize = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &EventWriter{
		store:  store,
		logger: logger.With("component", "event_writer"),
		queue:  make(chan queuedEvent, maxSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Decision enqueues a decision event. Returns false when the queue is
// full and the event was dropped.
func (w *EventWriter) Decision(event *DecisionEvent) bool {
	if w == nil || event == nil {
		return false
	}
	return w.enqueue(queuedEvent{decision: event})
}

// Reinforcement enqueues a reinforcement event.
func (w *EventWriter) Reinforcement(event *ReinforcementEvent) bool {
	if w == nil || event == nil {
		return false
	}
	return w.enqueue(queuedEvent{reinforcement: event})
}

// Dropped reports how many events were lost to a full queue.
func (w *EventWriter) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Depth reports the current queue depth.
func (w *EventWriter) Depth() int { return len(w.queue) }

// enqueue holds the mutex across the non-blocking send so a concurrent
// Close cannot close the channel mid-send.
func (w *EventWriter) enqueue(item queuedEvent) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	select {
	case w.queue <- item:
		w.mu.Unlock()
		return true
	default:
		w.dropped++
		dropped := w.dropped
		w.mu.Unlock()
		w.logger.Warn("event queue full, dropping event", "dropped_total", dropped)
		return false
	}
}

func (w *EventWriter) run() {
	defer close(w.done)
	for item := range w.queue {
		w.flush(item)
	}
}

func (w *EventWriter) flush(item queuedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	switch {
	case item.decision != nil:
		err = w.store.AppendDecision(ctx, item.decision)
	case item.reinforcement != nil:
		err = w.store.AppendReinforcement(ctx, item.reinforcement)
	}
	if err != nil {
		w.logger.Error("event append failed", "error", err)
	}
}

// Close stops accepting events and drains the queue, waiting at most
// timeout. Events left after the deadline are lost (best effort).
func (w *EventWriter) Close(timeout time.Duration) error {
	if w == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.queue)
	})
	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		w.logger.Warn("event writer drain timed out", "remaining", len(w.queue))
		return context.DeadlineExceeded
	}
}
