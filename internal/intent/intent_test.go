package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/llm"
	"github.com/vaheed/HER-Ai/internal/store"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, llm.Usage, error) {
	f.calls++
	return f.reply, llm.Usage{}, f.err
}

func (f *fakeLLM) Stream(ctx context.Context, req llm.Request, onDelta func(string)) (string, llm.Usage, error) {
	return f.Complete(ctx, req)
}

type recordingSink struct {
	events []*store.DecisionEvent
}

func (r *recordingSink) Decision(event *store.DecisionEvent) bool {
	r.events = append(r.events, event)
	return true
}

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestClassifier(model *fakeLLM, sink EventSink) *Classifier {
	var client llm.Client
	if model != nil {
		client = model
	}
	return New(client, clock.NewService(), sink, WithNow(func() time.Time { return testNow }))
}

func TestClassify_OneShotDelay(t *testing.T) {
	model := &fakeLLM{}
	c := newTestClassifier(model, nil)

	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "Remind me in 15 minutes to stretch"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Intent != KindScheduleAdd {
		t.Fatalf("intent = %q, want schedule_add", result.Intent)
	}
	if model.calls != 0 {
		t.Error("deterministic path must not call the model")
	}
	draft := result.TaskDraft
	if draft == nil || draft.Kind != store.TaskOneShot {
		t.Fatalf("draft = %+v, want one_shot", draft)
	}
	want := testNow.Add(15 * time.Minute)
	if !draft.Trigger.At.Equal(want) {
		t.Errorf("fire at %v, want %v", draft.Trigger.At, want)
	}
	if draft.Payload["message"] != "stretch" {
		t.Errorf("message = %v, want stretch", draft.Payload["message"])
	}
}

func TestClassify_Interval(t *testing.T) {
	c := newTestClassifier(nil, nil)
	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "every 5 minutes remind me to drink water"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	draft := result.TaskDraft
	if draft == nil || draft.Trigger.Kind != clock.KindInterval || draft.Trigger.IntervalSeconds != 300 {
		t.Fatalf("trigger = %+v, want interval 300s", draft)
	}
}

func TestClassify_DailyAtWithExplicitTimezone(t *testing.T) {
	sink := &recordingSink{}
	c := newTestClassifier(nil, sink)

	result, err := c.Classify(context.Background(), Request{
		UserID:       "u1",
		Text:         "every day at 09:00 Europe/Berlin remind me to journal",
		UserTimezone: "America/New_York",
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	draft := result.TaskDraft
	if draft == nil || draft.Trigger.Kind != clock.KindDailyAt {
		t.Fatalf("draft = %+v, want daily_at", draft)
	}
	if draft.Trigger.DailyAt != "09:00" || draft.Trigger.Timezone != "Europe/Berlin" {
		t.Errorf("trigger = %+v, explicit timezone must win", draft.Trigger)
	}
	if len(sink.events) != 1 || sink.events[0].EventType != "timezone_conversion" {
		t.Fatalf("events = %+v, want one timezone_conversion", sink.events)
	}
	if sink.events[0].Details["origin"] != "explicit" {
		t.Errorf("origin = %v, want explicit", sink.events[0].Details["origin"])
	}
}

func TestClassify_DailyAtProfileTimezoneFallback(t *testing.T) {
	sink := &recordingSink{}
	c := newTestClassifier(nil, sink)

	result, err := c.Classify(context.Background(), Request{
		UserID:       "u1",
		Text:         "every day at 07:30 remind me to run",
		UserTimezone: "Asia/Tehran",
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.TaskDraft.Trigger.Timezone != "Asia/Tehran" {
		t.Errorf("timezone = %q, want profile fallback", result.TaskDraft.Trigger.Timezone)
	}
	if sink.events[0].Details["origin"] != "profile" {
		t.Errorf("origin = %v, want profile", sink.events[0].Details["origin"])
	}
}

func TestClassify_WeekdayCron(t *testing.T) {
	c := newTestClassifier(nil, nil)
	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "every monday and wednesday at 18:00 remind me to call home"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	draft := result.TaskDraft
	if draft == nil || draft.Trigger.Kind != clock.KindCron {
		t.Fatalf("draft = %+v, want cron", draft)
	}
	if draft.Trigger.CronExpr != "0 18 * * 1,3" {
		t.Errorf("cron = %q, want 0 18 * * 1,3", draft.Trigger.CronExpr)
	}
}

func TestClassify_ThresholdWorkflow(t *testing.T) {
	c := newTestClassifier(nil, nil)
	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "check every 5 minutes and tell me when bitcoin rises 2%"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	draft := result.TaskDraft
	if draft == nil || draft.Kind != store.TaskWorkflow {
		t.Fatalf("draft = %+v, want workflow", draft)
	}
	if draft.Trigger.IntervalSeconds != 300 {
		t.Errorf("interval = %d, want 300", draft.Trigger.IntervalSeconds)
	}
	if len(draft.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(draft.Steps))
	}
	if draft.Steps[1].Action != store.StepNotify || !strings.Contains(draft.Steps[1].When, ">= 2") {
		t.Errorf("notify guard = %+v", draft.Steps[1])
	}
	if draft.Steps[2].Action != store.StepSetState || draft.Steps[2].Key != "last_price" {
		t.Errorf("state step = %+v", draft.Steps[2])
	}
	if draft.Payload["source_url"] == "" {
		t.Error("workflow draft needs a source_url")
	}
}

func TestClassify_ScheduleQuery(t *testing.T) {
	c := newTestClassifier(nil, nil)
	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "list my reminders"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Intent != KindScheduleQuery || result.QueryFilter != "list" {
		t.Errorf("result = %+v, want schedule_query/list", result)
	}
}

func TestClassify_EnvelopeScheduleAdd(t *testing.T) {
	model := &fakeLLM{reply: `{"intent":"schedule_add","confidence":0.93,"language":"fa","english":"remind me to rest at 22:00","confirmation":"باشه","command":"SCHEDULE {\"name\":\"rest reminder\",\"message\":\"rest\",\"at\":\"22:00\",\"timezone\":\"Asia/Tehran\"}"}`}
	c := newTestClassifier(model, nil)

	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "یادم بنداز ساعت ده شب استراحت کنم"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Intent != KindScheduleAdd || result.Language != "fa" {
		t.Fatalf("result = %+v", result)
	}
	draft := result.TaskDraft
	if draft.ID != "rest-reminder" {
		t.Errorf("id = %q", draft.ID)
	}
	if draft.Trigger.DailyAt != "22:00" || draft.Trigger.Timezone != "Asia/Tehran" {
		t.Errorf("trigger = %+v", draft.Trigger)
	}
}

func TestClassify_ActionBelowThresholdDegradesToChat(t *testing.T) {
	model := &fakeLLM{reply: `{"intent":"action_request","confidence":0.6,"language":"en","english":"maybe check the weather","confirmation":"ok","command":"SANDBOX check the weather"}`}
	c := newTestClassifier(model, nil)

	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "hmm maybe check the weather?"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Intent != KindChat {
		t.Errorf("intent = %q, want chat below threshold", result.Intent)
	}
}

func TestClassify_ActionAboveThreshold(t *testing.T) {
	model := &fakeLLM{reply: `{"intent":"action_request","confidence":0.92,"language":"en","english":"fetch today's top news","confirmation":"on it","command":"SANDBOX fetch today's top news"}`}
	c := newTestClassifier(model, nil)

	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "fetch today's top news"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Intent != KindActionRequest {
		t.Fatalf("intent = %q, want action_request", result.Intent)
	}
	if result.Goal != "fetch today's top news" {
		t.Errorf("goal = %q", result.Goal)
	}
}

func TestClassify_MalformedEnvelopeIsChat(t *testing.T) {
	model := &fakeLLM{reply: "Sure! I'd classify that as an action."}
	c := newTestClassifier(model, nil)

	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "do the thing"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Intent != KindChat {
		t.Errorf("intent = %q, want chat for malformed envelope", result.Intent)
	}
}

func TestClassify_ModelErrorIsChat(t *testing.T) {
	model := &fakeLLM{err: errors.New("boom")}
	c := newTestClassifier(model, nil)

	result, err := c.Classify(context.Background(), Request{UserID: "u1", Text: "do the thing"})
	if err != nil {
		t.Fatalf("Classify() must degrade, got error %v", err)
	}
	if result.Intent != KindChat {
		t.Errorf("intent = %q, want chat", result.Intent)
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"hello there", "en"},
		{"привет, как дела", "ru"},
		{"سلام چطوری", "fa"},
		{"こんにちは", "ja"},
	}
	for _, tc := range cases {
		if got := detectLanguage(tc.text, ""); got != tc.want {
			t.Errorf("detectLanguage(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}
