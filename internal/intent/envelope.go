package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/llm"
	"github.com/vaheed/HER-Ai/internal/store"
)

const interpreterSystem = `You are an intent interpreter. Answer with a single JSON object and nothing else:
{"intent": "chat|schedule_query|schedule_add|action_request",
 "confidence": 0.0-1.0,
 "language": "ISO 639-1 code of the user's message",
 "english": "the message rendered in English",
 "confirmation": "a short confirmation in the user's language",
 "command": "NONE" | "SCHEDULE {json}" | "SANDBOX <goal>"}
SCHEDULE json fields: name, message, every_seconds OR at ("HH:MM") OR in_seconds, timezone.
Use SANDBOX only when the user asks you to perform a concrete action with tools.`

// envelope is the strict interpreter reply shape. Anything that fails
// to parse into it is treated as chat.
type envelope struct {
	Intent       string  `json:"intent"`
	Confidence   float64 `json:"confidence"`
	Language     string  `json:"language"`
	English      string  `json:"english"`
	Confirmation string  `json:"confirmation"`
	Command      string  `json:"command"`
}

type scheduleCommand struct {
	Name         string `json:"name"`
	Message      string `json:"message"`
	EverySeconds int64  `json:"every_seconds"`
	At           string `json:"at"`
	InSeconds    int64  `json:"in_seconds"`
	Timezone     string `json:"timezone"`
}

func (c *Classifier) interpret(ctx context.Context, req Request, text string) (Classification, error) {
	if c.llm == nil {
		return Classification{Intent: KindChat, Confidence: 1, Language: detectLanguage(text, req.LanguageHint), English: text}, nil
	}
	reply, _, err := c.llm.Complete(ctx, llm.Request{
		System:      interpreterSystem,
		Messages:    []llm.Message{{Role: "user", Content: text}},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("interpreter completion: %w", err)
	}

	env, ok := parseEnvelope(reply)
	if !ok {
		c.logger.Warn("malformed interpreter envelope, treating as chat")
		return Classification{
			Intent:     KindChat,
			Confidence: 0,
			Language:   detectLanguage(text, req.LanguageHint),
			English:    text,
		}, nil
	}

	result := Classification{
		Confidence:   env.Confidence,
		Language:     fallbackLanguage(env.Language),
		English:      strings.TrimSpace(env.English),
		Confirmation: env.Confirmation,
	}
	if result.English == "" {
		result.English = text
	}

	switch env.Intent {
	case string(KindScheduleQuery):
		result.Intent = KindScheduleQuery
		result.QueryFilter = "list"
	case string(KindScheduleAdd):
		result.Intent = KindScheduleAdd
		draft, err := c.scheduleFromCommand(env.Command, req, text)
		if err != nil {
			c.logger.Warn("unusable SCHEDULE command, treating as chat", "error", err)
			result.Intent = KindChat
			result.Confidence = 0
			break
		}
		result.TaskDraft = draft
	case string(KindActionRequest):
		result.Intent = KindActionRequest
		result.Goal = goalFromCommand(env.Command, result.English)
	default:
		result.Intent = KindChat
	}
	return result, nil
}

// parseEnvelope accepts the object either bare or wrapped in a fenced
// code block, which models emit despite instructions.
func parseEnvelope(reply string) (envelope, bool) {
	body := strings.TrimSpace(reply)
	if start := strings.Index(body, "{"); start >= 0 {
		if end := strings.LastIndex(body, "}"); end > start {
			body = body[start : end+1]
		}
	}
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return envelope{}, false
	}
	switch env.Intent {
	case string(KindChat), string(KindScheduleQuery), string(KindScheduleAdd), string(KindActionRequest):
	default:
		return envelope{}, false
	}
	if env.Confidence < 0 || env.Confidence > 1 {
		return envelope{}, false
	}
	return env, true
}

func (c *Classifier) scheduleFromCommand(command string, req Request, text string) (*store.Task, error) {
	payload, ok := strings.CutPrefix(strings.TrimSpace(command), "SCHEDULE ")
	if !ok {
		return nil, fmt.Errorf("command %q is not a SCHEDULE", command)
	}
	var cmd scheduleCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return nil, fmt.Errorf("parse SCHEDULE payload: %w", err)
	}
	if cmd.Message == "" {
		cmd.Message = reminderMessage(text)
	}

	now := c.now().UTC()
	task := newDraft(req.UserID, store.TaskReminder, now)
	if cmd.Name != "" {
		task.ID = slugify(cmd.Name)
	}
	task.Payload = map[string]any{"message": cmd.Message}

	switch {
	case cmd.EverySeconds > 0:
		task.Trigger = clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: cmd.EverySeconds}
	case cmd.InSeconds > 0:
		task.Kind = store.TaskOneShot
		task.Trigger = clock.Trigger{Kind: clock.KindOneShot, At: now.Add(time.Duration(cmd.InSeconds) * time.Second)}
	case cmd.At != "":
		if _, _, err := clock.ParseClock(cmd.At); err != nil {
			return nil, fmt.Errorf("SCHEDULE at: %w", err)
		}
		task.Trigger = clock.Trigger{
			Kind:     clock.KindDailyAt,
			DailyAt:  cmd.At,
			Timezone: c.resolveTimezone(cmd.Timezone, req.UserTimezone, req.UserID, text),
		}
	default:
		return nil, fmt.Errorf("SCHEDULE payload has no trigger")
	}
	return task, task.Trigger.Validate()
}

func goalFromCommand(command, english string) string {
	if goal, ok := strings.CutPrefix(strings.TrimSpace(command), "SANDBOX "); ok {
		return strings.TrimSpace(goal)
	}
	return english
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return fmt.Sprintf("nl-%d", time.Now().UnixNano())
	}
	return slug
}
