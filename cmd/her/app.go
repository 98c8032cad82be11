package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vaheed/HER-Ai/internal/autonomy"
	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/config"
	"github.com/vaheed/HER-Ai/internal/debate"
	"github.com/vaheed/HER-Ai/internal/errkind"
	"github.com/vaheed/HER-Ai/internal/intent"
	"github.com/vaheed/HER-Ai/internal/llm"
	"github.com/vaheed/HER-Ai/internal/memory"
	"github.com/vaheed/HER-Ai/internal/observability"
	"github.com/vaheed/HER-Ai/internal/scheduler"
	"github.com/vaheed/HER-Ai/internal/store"
	"github.com/vaheed/HER-Ai/internal/supervisor"
	"github.com/vaheed/HER-Ai/internal/transport"
)

const personaSystem = `You are Her, a warm and attentive companion. Reply in the
user's language, keep answers short and personal, and never invent
facts about the user. Relevant memories, when present, appear before
the message.`

// handleTimeout bounds one inbound message end to end; the debate
// pipeline carries its own per-step budgets inside this window.
const handleTimeout = 5 * time.Minute

// app routes inbound messages to the admin commands, the intent
// classifier, and the debate pipeline.
type app struct {
	cfg        *config.Config
	store      *store.Store
	sched      *scheduler.Engine
	classifier *intent.Classifier
	dispatcher *debate.Dispatcher
	model      llm.Client
	memory     *memory.Guard
	sup        *supervisor.Supervisor
	autonomy   *autonomy.Engine
	metrics    *observability.Metrics
	sender     transport.Sender
	logger     *slog.Logger
	startedAt  time.Time
}

// loop consumes the inbound channel until it closes or ctx ends. Each
// message is handled on its own goroutine so one slow debate cannot
// stall the queue.
func (a *app) loop(ctx context.Context, inbound <-chan transport.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			go a.handle(ctx, msg)
		}
	}
}

func (a *app) handle(ctx context.Context, msg transport.Inbound) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if err := a.autonomy.RecordUserMessage(ctx, msg.UserID); err != nil {
		a.logger.Warn("profile update failed", "user", msg.UserID, "error", err)
	}

	reply, err := a.respond(ctx, msg)
	if err != nil {
		a.logger.Warn("message handling failed", "user", msg.UserID, "error", err)
		reply = errkind.UserMessage(err)
	}
	if reply == "" {
		return
	}
	if err := a.sender.Send(msg.UserID, reply); err != nil {
		a.logger.Warn("reply delivery failed", "user", msg.UserID, "error", err)
	}
}

func (a *app) respond(ctx context.Context, msg transport.Inbound) (string, error) {
	if cmd, ok, err := transport.ParseCommand(msg.Text); ok || err != nil {
		if err != nil {
			return "", err
		}
		return a.runCommand(ctx, msg, cmd)
	}

	cls, err := a.classifier.Classify(ctx, intent.Request{
		UserID:       msg.UserID,
		Text:         msg.Text,
		UserTimezone: a.cfg.Autonomy.DefaultTimezone,
		LanguageHint: msg.LanguageHint,
	})
	if err != nil {
		return "", err
	}

	switch cls.Intent {
	case intent.KindScheduleAdd:
		return a.addSchedule(ctx, msg.UserID, cls)
	case intent.KindScheduleQuery:
		return a.describeSchedule(cls.QueryFilter), nil
	case intent.KindActionRequest:
		outcome, err := a.dispatcher.Run(ctx, debate.Request{
			UserID:   msg.UserID,
			Goal:     cls.Goal,
			Language: cls.Language,
		})
		if err != nil {
			return "", err
		}
		if outcome.Trace != nil {
			a.metrics.DebateOutcome(outcome.Trace.VerifierResult)
		}
		return outcome.Reply, nil
	default:
		return a.chat(ctx, msg)
	}
}

func (a *app) addSchedule(ctx context.Context, userID string, cls intent.Classification) (string, error) {
	task := cls.TaskDraft
	if task == nil {
		return "", errkind.Newf(errkind.KindDomain, "I could not work out the schedule from that.", "schedule_add without draft")
	}
	task.OwnerUser = userID
	if err := a.sched.AddTask(ctx, task); err != nil {
		return "", err
	}
	if cls.Confirmation != "" {
		return cls.Confirmation, nil
	}
	saved, _ := a.sched.Task(task.ID)
	if saved != nil && !saved.NextRunAt.IsZero() {
		return fmt.Sprintf("Scheduled %q — next run %s.", task.ID, saved.NextRunAt.Format(time.RFC1123)), nil
	}
	return fmt.Sprintf("Scheduled %q.", task.ID), nil
}

func (a *app) describeSchedule(filter string) string {
	limit := 10
	if filter == "next" {
		limit = 1
	}
	upcoming := a.sched.Upcoming(limit)
	if len(upcoming) == 0 {
		return "Nothing is scheduled right now."
	}
	var b strings.Builder
	b.WriteString("Upcoming:\n")
	for _, job := range upcoming {
		fmt.Fprintf(&b, "• %s (%s) at %s\n", job.TaskID, job.Kind, job.NextRunAt.Format("Mon 15:04 MST"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// chat is the plain conversational path: recent memories as context,
// one completion, and the exchange written back to memory.
func (a *app) chat(ctx context.Context, msg transport.Inbound) (string, error) {
	system := personaSystem
	hits, err := a.memory.Search(ctx, msg.UserID, msg.Text, 3)
	if err != nil {
		return "", err
	}
	if len(hits) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nMemories about this user:\n")
		for _, hit := range hits {
			b.WriteString("- " + hit.Text + "\n")
		}
		system = b.String()
	}

	reply, _, err := a.model.Complete(ctx, llm.Request{
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: msg.Text}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	if _, err := a.memory.Add(ctx, msg.UserID, msg.Text, map[string]any{"kind": "user_message"}); err != nil {
		a.logger.Warn("memory write failed", "user", msg.UserID, "error", err)
	}
	a.logTurn(ctx, msg.UserID, "user", msg.Text)
	a.logTurn(ctx, msg.UserID, "assistant", reply)
	return reply, nil
}

// logTurn persists one chat turn; the conversation log is an audit
// trail, so a write failure never breaks the reply.
func (a *app) logTurn(ctx context.Context, userID, role, text string) {
	err := a.store.AppendConversation(ctx, &store.ConversationLog{
		UserID:  userID,
		Role:    role,
		Message: text,
	})
	if err != nil {
		a.logger.Warn("conversation log write failed", "user", userID, "error", err)
	}
}

func (a *app) runCommand(ctx context.Context, msg transport.Inbound, cmd transport.Command) (string, error) {
	switch cmd.Kind {
	case transport.CmdStatus:
		return a.statusText(), nil
	case transport.CmdScheduleList:
		return a.scheduleListText(), nil
	case transport.CmdScheduleRun:
		if err := a.sched.RunNow(ctx, cmd.TaskID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Ran %q.", cmd.TaskID), nil
	case transport.CmdScheduleEnable:
		if err := a.sched.SetEnabled(ctx, cmd.TaskID, true); err != nil {
			return "", err
		}
		return fmt.Sprintf("Enabled %q.", cmd.TaskID), nil
	case transport.CmdScheduleDisable:
		if err := a.sched.SetEnabled(ctx, cmd.TaskID, false); err != nil {
			return "", err
		}
		return fmt.Sprintf("Disabled %q.", cmd.TaskID), nil
	case transport.CmdScheduleAdd:
		return a.addScheduleFromCommand(ctx, msg.UserID, cmd)
	case transport.CmdScheduleSet:
		return a.updateScheduleFromCommand(ctx, cmd)
	case transport.CmdMCP:
		return a.mcpText(), nil
	case transport.CmdMemories:
		return a.memoriesText(ctx, msg.UserID, strings.Join(cmd.Words, " "))
	case transport.CmdPersonality:
		return a.personalityText(ctx, msg.UserID)
	case transport.CmdReset:
		return a.resetUser(ctx, msg.UserID)
	case transport.CmdExample:
		return exampleText, nil
	default:
		return "", errkind.Newf(errkind.KindDomain, "I do not know that command.", "unhandled command %s", cmd.Kind)
	}
}

func (a *app) statusText() string {
	tasks := a.sched.Tasks()
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}
	running := 0
	statuses := a.sup.Statuses()
	for _, s := range statuses {
		if s.Status == supervisor.StatusRunning {
			running++
		}
	}
	return fmt.Sprintf("Up %s. Tasks: %d (%d enabled). Tool servers: %d/%d running.",
		time.Since(a.startedAt).Round(time.Second), len(tasks), enabled, running, len(statuses))
}

func (a *app) scheduleListText() string {
	tasks := a.sched.Tasks()
	if len(tasks) == 0 {
		return "No tasks."
	}
	var b strings.Builder
	for _, t := range tasks {
		state := "on"
		if !t.Enabled {
			state = "off"
			if t.DisabledBy != "" {
				state = "off (" + t.DisabledBy + ")"
			}
		}
		next := "-"
		if !t.NextRunAt.IsZero() {
			next = t.NextRunAt.Format("2006-01-02 15:04 MST")
		}
		fmt.Fprintf(&b, "%s [%s] %s next=%s\n", t.ID, t.Kind, state, next)
	}
	return strings.TrimRight(b.String(), "\n")
}

// addScheduleFromCommand builds a task from /schedule add options:
// every=<seconds>, cron=<expr>, at=<HH:MM> (daily), in=<seconds>
// (one-shot), timezone=, message=.
func (a *app) addScheduleFromCommand(ctx context.Context, userID string, cmd transport.Command) (string, error) {
	trigger, kind, err := triggerFromOptions(cmd.Options, time.Now().UTC())
	if err != nil {
		return "", err
	}
	task := &store.Task{
		ID:      cmd.TaskID,
		Kind:    kind,
		Trigger: trigger,
		Enabled: true,
	}
	task.OwnerUser = userID
	if message := cmd.Options["message"]; message != "" {
		task.Payload = map[string]any{"message": message}
		if kind != store.TaskOneShot {
			task.Kind = store.TaskReminder
		}
	}
	if err := a.sched.AddTask(ctx, task); err != nil {
		return "", err
	}
	return fmt.Sprintf("Added %q.", task.ID), nil
}

func (a *app) updateScheduleFromCommand(ctx context.Context, cmd transport.Command) (string, error) {
	task, ok := a.sched.Task(cmd.TaskID)
	if !ok {
		return "", errkind.Newf(errkind.KindDomain, "I do not know that task.", "set on unknown task %s", cmd.TaskID)
	}
	if message := cmd.Options["message"]; message != "" {
		if task.Payload == nil {
			task.Payload = map[string]any{}
		}
		task.Payload["message"] = message
	}
	if err := a.sched.RemoveTask(ctx, task.ID); err != nil {
		return "", err
	}
	if err := a.sched.AddTask(ctx, task); err != nil {
		return "", err
	}
	return fmt.Sprintf("Updated %q.", task.ID), nil
}

func (a *app) mcpText() string {
	statuses := a.sup.Statuses()
	if len(statuses) == 0 {
		return "No tool servers configured."
	}
	var b strings.Builder
	for _, s := range statuses {
		fmt.Fprintf(&b, "%s: %s, %d tools", s.Name, s.Status, s.ToolCount)
		if s.LastError != "" {
			fmt.Fprintf(&b, " (last error: %s)", s.LastError)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *app) memoriesText(ctx context.Context, userID, query string) (string, error) {
	if query == "" {
		query = "recent"
	}
	hits, err := a.memory.Search(ctx, userID, query, 5)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "I have no matching memories.", nil
	}
	var b strings.Builder
	for _, hit := range hits {
		fmt.Fprintf(&b, "• %s (%s)\n", hit.Text, hit.CreatedAt.Format("2006-01-02"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// personalityText renders the current trait snapshot and mood. A user
// without a snapshot gets the baseline persona, persisted as version 1
// so later shifts have a parent to diff against.
func (a *app) personalityText(ctx context.Context, userID string) (string, error) {
	persona, err := a.store.LoadPersonality(ctx, userID)
	if err != nil {
		return "", err
	}
	if persona == nil {
		persona = &store.PersonalityState{
			UserID:         userID,
			Warmth:         0.7,
			Curiosity:      0.6,
			Assertiveness:  0.4,
			Humor:          0.5,
			EmotionalDepth: 0.6,
		}
		if err := a.store.SavePersonalityState(ctx, persona); err != nil {
			return "", err
		}
	}

	mood := "steady"
	if state, err := a.store.LoadEmotionalState(ctx, userID); err != nil {
		a.logger.Warn("emotional state load failed", "user", userID, "error", err)
	} else if state != nil {
		mood = state.CurrentMood
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Right now I'm feeling %s.\n", mood)
	fmt.Fprintf(&b, "Warmth %.2f · curiosity %.2f · assertiveness %.2f · humor %.2f · depth %.2f (v%d)",
		persona.Warmth, persona.Curiosity, persona.Assertiveness,
		persona.Humor, persona.EmotionalDepth, persona.Version)
	if profile, err := a.store.LoadProfile(ctx, userID); err == nil && profile != nil {
		fmt.Fprintf(&b, "\nEngagement %.2f, initiative %.2f. Proactive messages today: %d.",
			profile.EngagementScore, profile.InitiativeLevel, profile.MessagesSentToday)
	}
	return b.String(), nil
}

// resetUser clears the short-term context, the persisted conversation,
// and settles the mood back to neutral. Personality versions and the
// autonomy profile survive a reset.
func (a *app) resetUser(ctx context.Context, userID string) (string, error) {
	if err := a.store.SetUserContext(ctx, userID, map[string]any{}, time.Minute); err != nil {
		return "", err
	}
	deleted, err := a.store.ClearConversation(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := a.store.SaveEmotionalState(ctx, &store.EmotionalState{
		UserID:      userID,
		CurrentMood: "neutral",
	}); err != nil {
		a.logger.Warn("mood reset failed", "user", userID, "error", err)
	}
	return fmt.Sprintf("Context cleared, %d conversation entries forgotten. Fresh start.", deleted), nil
}

// triggerFromOptions maps command options onto a trigger. Exactly one
// of every=, cron=, at=, in= must be present.
func triggerFromOptions(options map[string]string, now time.Time) (clock.Trigger, store.TaskKind, error) {
	var trigger clock.Trigger
	switch {
	case options["every"] != "":
		seconds, err := parseSeconds(options["every"])
		if err != nil {
			return trigger, "", err
		}
		trigger.Kind = clock.KindInterval
		trigger.IntervalSeconds = seconds
		return trigger, store.TaskInterval, nil
	case options["cron"] != "":
		trigger.Kind = clock.KindCron
		trigger.CronExpr = options["cron"]
		trigger.Timezone = options["timezone"]
		return trigger, store.TaskCron, nil
	case options["at"] != "":
		trigger.Kind = clock.KindDailyAt
		trigger.DailyAt = options["at"]
		trigger.Timezone = options["timezone"]
		return trigger, store.TaskReminder, nil
	case options["in"] != "":
		seconds, err := parseSeconds(options["in"])
		if err != nil {
			return trigger, "", err
		}
		trigger.Kind = clock.KindOneShot
		trigger.At = now.Add(time.Duration(seconds) * time.Second)
		return trigger, store.TaskOneShot, nil
	default:
		return trigger, "", errkind.Newf(errkind.KindDomain,
			"Tell me when: every=<seconds>, cron=<expr>, at=<HH:MM>, or in=<seconds>.",
			"schedule add without trigger option")
	}
}

func parseSeconds(value string) (int64, error) {
	var seconds int64
	if _, err := fmt.Sscanf(value, "%d", &seconds); err != nil || seconds <= 0 {
		return 0, errkind.Newf(errkind.KindDomain, "That duration must be a positive number of seconds.", "bad seconds value %q", value)
	}
	return seconds, nil
}

const exampleText = `Things you can try:
• "Remind me in 20 minutes to stretch"
• "Every morning at 08:00 tell me to drink water"
• "Check bitcoin every 5 minutes and alert me when it rises 2%"
• "/schedule list" — see everything scheduled
• "/mcp" — tool server status`
