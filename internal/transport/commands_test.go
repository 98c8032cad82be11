package transport

import (
	"testing"
	"time"
)

func TestParseCommand_NotACommand(t *testing.T) {
	if _, ok, _ := ParseCommand("hello there"); ok {
		t.Fatal("plain text must not parse as a command")
	}
}

func TestParseCommand_Simple(t *testing.T) {
	cases := []struct {
		text string
		want CommandKind
	}{
		{"/status", CmdStatus},
		{"/mcp", CmdMCP},
		{"/memories", CmdMemories},
		{"/personality", CmdPersonality},
		{"/reset", CmdReset},
		{"/example", CmdExample},
		{"/schedule list", CmdScheduleList},
	}
	for _, tc := range cases {
		cmd, ok, err := ParseCommand(tc.text)
		if !ok || err != nil {
			t.Errorf("ParseCommand(%q) = ok=%v err=%v", tc.text, ok, err)
			continue
		}
		if cmd.Kind != tc.want {
			t.Errorf("ParseCommand(%q).Kind = %q, want %q", tc.text, cmd.Kind, tc.want)
		}
	}
}

func TestParseCommand_ScheduleAdd(t *testing.T) {
	cmd, ok, err := ParseCommand("/schedule add hydrate reminder daily at=09:00 timezone=UTC message='drink water'")
	if !ok || err != nil {
		t.Fatalf("parse failed: ok=%v err=%v", ok, err)
	}
	if cmd.Kind != CmdScheduleAdd || cmd.TaskID != "hydrate" {
		t.Fatalf("cmd = %+v", cmd)
	}
	if len(cmd.Words) != 2 || cmd.Words[0] != "reminder" || cmd.Words[1] != "daily" {
		t.Errorf("words = %v", cmd.Words)
	}
	if cmd.Options["at"] != "09:00" || cmd.Options["timezone"] != "UTC" {
		t.Errorf("options = %v", cmd.Options)
	}
	if cmd.Options["message"] != "drink water" {
		t.Errorf("message = %q, want quoted span preserved", cmd.Options["message"])
	}
}

func TestParseCommand_ScheduleRequiresTaskID(t *testing.T) {
	if _, ok, err := ParseCommand("/schedule run"); !ok || err == nil {
		t.Error("run without task id must error")
	}
	if cmd, ok, err := ParseCommand("/schedule enable hydrate"); !ok || err != nil || cmd.TaskID != "hydrate" {
		t.Errorf("enable parse = %+v ok=%v err=%v", cmd, ok, err)
	}
}

func TestParseCommand_UnknownCommand(t *testing.T) {
	if _, ok, err := ParseCommand("/frobnicate"); !ok || err == nil {
		t.Error("unknown command must surface a domain error")
	}
	if _, ok, err := ParseCommand("/schedule explode x"); !ok || err == nil {
		t.Error("unknown subcommand must surface a domain error")
	}
}

func TestRateLimiterBurstThenThrottle(t *testing.T) {
	limiter := NewRateLimiter(10, 3)
	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("burst token %d denied", i)
		}
	}
	if limiter.Allow() {
		t.Fatal("fourth immediate token must be denied")
	}
	time.Sleep(150 * time.Millisecond) // 10/s refills ~1.5 tokens
	if !limiter.Allow() {
		t.Error("token should be available after refill")
	}
}
