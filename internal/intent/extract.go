package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/store"
)

var (
	reEveryUnit  = regexp.MustCompile(`(?i)\bevery\s+(\d+)\s+(second|minute|hour|day)s?\b`)
	reEveryDay   = regexp.MustCompile(`(?i)\bevery\s*day\s+at\s+(\d{1,2}):(\d{2})(?:\s+([A-Za-z_]+/[A-Za-z_]+|UTC))?`)
	reInDelay    = regexp.MustCompile(`(?i)\bin\s+(\d+)\s+(second|minute|min|hour|hr)s?\b`)
	reWeekdays   = regexp.MustCompile(`(?i)\bevery\s+((?:mon|tues|wednes|thurs|fri|satur|sun)day(?:s)?(?:\s*(?:,|and|\s)\s*(?:mon|tues|wednes|thurs|fri|satur|sun)day(?:s)?)*)\s+at\s+(\d{1,2}):(\d{2})(?:\s+([A-Za-z_]+/[A-Za-z_]+|UTC))?`)
	reThreshold  = regexp.MustCompile(`(?i)\bwhen\s+([a-z]+)\s+(rises|drops)\s+(?:by\s+)?(\d+(?:\.\d+)?)\s*%`)
	reMessageTo  = regexp.MustCompile(`(?i)\bto\s+(.+)$`)
	reListSched  = regexp.MustCompile(`(?i)^(?:what(?:'s| is) (?:scheduled|on my schedule)|list (?:my )?(?:schedules?|reminders?|tasks?)|show (?:my )?(?:schedules?|reminders?|tasks?))\b`)
	reNextSched  = regexp.MustCompile(`(?i)^what(?:'s| is) (?:next|coming up)\b`)
	weekdayIndex = map[string]int{
		"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
		"thursday": 4, "friday": 5, "saturday": 6,
	}
	// Threshold automations resolve these symbols to a polled quote feed.
	quoteSources = map[string]string{
		"bitcoin":  "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd",
		"btc":      "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd",
		"ethereum": "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd",
		"eth":      "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd",
	}
	quoteIDs = map[string]string{"btc": "bitcoin", "eth": "ethereum"}
)

// extractScheduleQuery matches read-only schedule questions.
func extractScheduleQuery(text string) (filter string, ok bool) {
	if reListSched.MatchString(text) {
		return "list", true
	}
	if reNextSched.MatchString(text) {
		return "next", true
	}
	return "", false
}

// extractSchedule tries the deterministic schedule patterns in priority
// order. Threshold automations beat plain intervals because they often
// co-occur ("check every 5 minutes ... when bitcoin rises 2%").
func (c *Classifier) extractSchedule(text string, req Request) (*store.Task, bool) {
	now := c.now().UTC()

	if m := reThreshold.FindStringSubmatch(text); m != nil {
		return c.thresholdTask(text, req, m, now)
	}
	if m := reWeekdays.FindStringSubmatch(text); m != nil {
		return c.weekdayTask(text, req, m, now)
	}
	if m := reEveryDay.FindStringSubmatch(text); m != nil {
		return c.dailyTask(text, req, m, now)
	}
	if m := reEveryUnit.FindStringSubmatch(text); m != nil {
		return c.intervalTask(text, req, m, now)
	}
	if m := reInDelay.FindStringSubmatch(text); m != nil {
		return c.oneShotTask(text, req, m, now)
	}
	return nil, false
}

func (c *Classifier) intervalTask(text string, req Request, m []string, now time.Time) (*store.Task, bool) {
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n < 1 {
		return nil, false
	}
	seconds := n * unitSeconds(m[2])
	task := newDraft(req.UserID, store.TaskReminder, now)
	task.Trigger = clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: seconds}
	task.Payload = map[string]any{"message": reminderMessage(text)}
	return task, true
}

func (c *Classifier) dailyTask(text string, req Request, m []string, now time.Time) (*store.Task, bool) {
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return nil, false
	}
	tz := c.resolveTimezone(m[3], req.UserTimezone, req.UserID, text)
	task := newDraft(req.UserID, store.TaskReminder, now)
	task.Trigger = clock.Trigger{
		Kind:     clock.KindDailyAt,
		DailyAt:  fmt.Sprintf("%02d:%02d", hour, minute),
		Timezone: tz,
	}
	task.Payload = map[string]any{"message": reminderMessage(text)}
	return task, true
}

func (c *Classifier) weekdayTask(text string, req Request, m []string, now time.Time) (*store.Task, bool) {
	days := parseWeekdays(m[1])
	if len(days) == 0 {
		return nil, false
	}
	hour, _ := strconv.Atoi(m[2])
	minute, _ := strconv.Atoi(m[3])
	if hour > 23 || minute > 59 {
		return nil, false
	}
	tz := c.resolveTimezone(m[4], req.UserTimezone, req.UserID, text)
	task := newDraft(req.UserID, store.TaskReminder, now)
	task.Trigger = clock.Trigger{
		Kind:     clock.KindCron,
		CronExpr: fmt.Sprintf("%d %d * * %s", minute, hour, joinInts(days)),
		Timezone: tz,
	}
	task.Payload = map[string]any{"message": reminderMessage(text)}
	return task, true
}

func (c *Classifier) oneShotTask(text string, req Request, m []string, now time.Time) (*store.Task, bool) {
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return nil, false
	}
	task := newDraft(req.UserID, store.TaskOneShot, now)
	task.Trigger = clock.Trigger{
		Kind: clock.KindOneShot,
		At:   now.Add(time.Duration(n) * time.Duration(unitSeconds(m[2])) * time.Second),
	}
	task.Payload = map[string]any{"message": reminderMessage(text)}
	return task, true
}

// thresholdTask builds a polled workflow for "when X rises/drops P%".
// The comparison keeps a baseline in task state so the rule fires on
// movement relative to the last observation.
func (c *Classifier) thresholdTask(text string, req Request, m []string, now time.Time) (*store.Task, bool) {
	symbol := strings.ToLower(m[1])
	source, ok := quoteSources[symbol]
	if !ok {
		return nil, false
	}
	if id, ok := quoteIDs[symbol]; ok {
		symbol = id
	}
	percent := m[3]
	cmp := ">="
	if strings.EqualFold(m[2], "drops") {
		cmp, percent = "<=", "-"+percent
	}

	intervalSeconds := int64(300)
	if im := reEveryUnit.FindStringSubmatch(text); im != nil {
		if n, err := strconv.ParseInt(im[1], 10, 64); err == nil && n >= 1 {
			intervalSeconds = n * unitSeconds(im[2])
		}
	}

	task := newDraft(req.UserID, store.TaskWorkflow, now)
	task.Trigger = clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: intervalSeconds}
	task.Payload = map[string]any{"source_url": source, "symbol": symbol}
	task.Steps = []store.WorkflowStep{
		{Action: store.StepSet, Key: "price", Expr: fmt.Sprintf("float(source[%q][%q])", symbol, "usd")},
		{
			Action:  store.StepNotify,
			When:    fmt.Sprintf(`state.get("last_price") and ((price - float(state["last_price"])) / float(state["last_price"]) * 100) %s %s`, cmp, percent),
			Message: fmt.Sprintf("%s moved %s%%, price={price}", strings.ToUpper(symbol), m[3]),
		},
		{Action: store.StepSetState, Key: "last_price", Expr: "price"},
	}
	return task, true
}

func newDraft(userID string, kind store.TaskKind, now time.Time) *store.Task {
	return &store.Task{
		ID:        fmt.Sprintf("nl-%s", uuid.NewString()[:8]),
		OwnerUser: userID,
		Kind:      kind,
		Enabled:   true,
		CreatedAt: now,
	}
}

func unitSeconds(unit string) int64 {
	switch strings.ToLower(unit) {
	case "second":
		return 1
	case "hour", "hr":
		return 3600
	case "day":
		return 86400
	default:
		return 60
	}
}

// reminderMessage extracts the payload from "remind me ... to X"; if no
// "to" clause exists the whole utterance is kept.
func reminderMessage(text string) string {
	if m := reMessageTo.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

func parseWeekdays(list string) []int {
	seen := map[int]bool{}
	var days []int
	for name, idx := range weekdayIndex {
		if strings.Contains(strings.ToLower(list), name[:len(name)-3]) && !seen[idx] {
			seen[idx] = true
			days = append(days, idx)
		}
	}
	sortInts(days)
	return days
}

func sortInts(v []int) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
