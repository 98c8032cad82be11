// Package intent normalizes inbound utterances to one of chat,
// schedule_query, schedule_add, or action_request. Deterministic
// pattern extraction runs first; the LLM interpreter handles everything
// the patterns do not cover.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/llm"
	"github.com/vaheed/HER-Ai/internal/store"
)

// Kind is the classified intent.
type Kind string

const (
	KindChat          Kind = "chat"
	KindScheduleQuery Kind = "schedule_query"
	KindScheduleAdd   Kind = "schedule_add"
	KindActionRequest Kind = "action_request"
)

// Classification is the interpreter output.
type Classification struct {
	Intent     Kind
	Confidence float64
	Language   string
	// English is the canonical English rendering of the utterance.
	English string
	// Confirmation is a reply in the user's language.
	Confirmation string
	// TaskDraft is set for schedule_add.
	TaskDraft *store.Task
	// QueryFilter is set for schedule_query ("list", "next").
	QueryFilter string
	// Goal is set for action_request.
	Goal string
}

// EventSink receives audit events; *store.EventWriter satisfies it.
type EventSink interface {
	Decision(event *store.DecisionEvent) bool
}

// Classifier interprets utterances.
type Classifier struct {
	llm       llm.Client
	clock     *clock.Service
	events    EventSink
	logger    *slog.Logger
	threshold float64
	now       func() time.Time
}

// Option configures the classifier.
type Option func(*Classifier)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger.With("component", "intent")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

// WithThreshold overrides the action confidence gate.
func WithThreshold(threshold float64) Option {
	return func(c *Classifier) {
		if threshold > 0 && threshold <= 1 {
			c.threshold = threshold
		}
	}
}

// New creates a classifier. events may be nil.
func New(client llm.Client, clockSvc *clock.Service, events EventSink, opts ...Option) *Classifier {
	c := &Classifier{
		llm:       client,
		clock:     clockSvc,
		events:    events,
		logger:    slog.Default().With("component", "intent"),
		threshold: 0.8,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request carries one utterance plus the caller's locale context.
type Request struct {
	UserID       string
	Text         string
	UserTimezone string
	LanguageHint string
}

// Classify interprets the utterance. Deterministic schedule extraction
// wins over the LLM; an action intent below the confidence threshold
// degrades to chat.
func (c *Classifier) Classify(ctx context.Context, req Request) (Classification, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Classification{Intent: KindChat, Confidence: 1, Language: fallbackLanguage(req.LanguageHint)}, nil
	}

	if filter, ok := extractScheduleQuery(text); ok {
		return Classification{
			Intent:      KindScheduleQuery,
			Confidence:  1,
			Language:    detectLanguage(text, req.LanguageHint),
			English:     text,
			QueryFilter: filter,
		}, nil
	}

	if draft, ok := c.extractSchedule(text, req); ok {
		result := Classification{
			Intent:       KindScheduleAdd,
			Confidence:   0.95,
			Language:     detectLanguage(text, req.LanguageHint),
			English:      text,
			Confirmation: fmt.Sprintf("Scheduled %q.", draft.ID),
			TaskDraft:    draft,
		}
		return result, nil
	}

	result, err := c.interpret(ctx, req, text)
	if err != nil {
		c.logger.Warn("interpreter failed, treating as chat", "error", err)
		return Classification{
			Intent:     KindChat,
			Confidence: 0,
			Language:   detectLanguage(text, req.LanguageHint),
			English:    text,
		}, nil
	}

	// The confidence gate keeps low-certainty "action" readings in
	// chat mode.
	if result.Intent == KindActionRequest && result.Confidence < c.threshold {
		c.logger.Debug("action intent below threshold",
			"confidence", result.Confidence, "threshold", c.threshold)
		result.Intent = KindChat
	}
	return result, nil
}

// resolveTimezone applies the resolution order: explicit mention, then
// the user's recorded timezone, then UTC. Every resolution is audited.
func (c *Classifier) resolveTimezone(explicit, userTZ, userID, source string) string {
	tz := "UTC"
	origin := "default"
	switch {
	case explicit != "":
		tz = explicit
		origin = "explicit"
	case userTZ != "":
		tz = userTZ
		origin = "profile"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		tz, origin = "UTC", "fallback_invalid"
	}
	if c.events != nil {
		c.events.Decision(&store.DecisionEvent{
			EventType: "timezone_conversion",
			UserID:    userID,
			Source:    "intent",
			Summary:   fmt.Sprintf("resolved timezone %s (%s)", tz, origin),
			Details:   map[string]any{"timezone": tz, "origin": origin, "input": source},
		})
	}
	return tz
}

func fallbackLanguage(hint string) string {
	if hint != "" {
		return hint
	}
	return "en"
}
