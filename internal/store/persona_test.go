package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSavePersonalityState_AssignsVersion(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectQuery("INSERT INTO personality_states").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))

	state := &PersonalityState{
		UserID:         "u1",
		Warmth:         0.7,
		Curiosity:      0.6,
		Assertiveness:  0.4,
		Humor:          0.5,
		EmotionalDepth: 0.8,
	}
	if err := s.SavePersonalityState(context.Background(), state); err != nil {
		t.Fatalf("SavePersonalityState() error = %v", err)
	}
	if state.Version != 3 {
		t.Errorf("version = %d, want 3", state.Version)
	}
	if state.ID == "" {
		t.Error("SavePersonalityState must assign an id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLoadPersonality_MissingIsNil(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectQuery("SELECT (.+) FROM personality_states").
		WillReturnRows(sqlmock.NewRows([]string{
			"state_id", "user_id", "warmth", "curiosity", "assertiveness",
			"humor", "emotional_depth", "version", "created_at",
		}))

	state, err := s.LoadPersonality(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("LoadPersonality() error = %v", err)
	}
	if state != nil {
		t.Errorf("state = %+v, want nil for unknown user", state)
	}
}

func TestClearConversation_ReportsDeleted(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec("DELETE FROM conversation_logs").
		WillReturnResult(sqlmock.NewResult(0, 4))

	deleted, err := s.ClearConversation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ClearConversation() error = %v", err)
	}
	if deleted != 4 {
		t.Errorf("deleted = %d, want 4", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendConversation_FillsIDAndTimestamp(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec("INSERT INTO conversation_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &ConversationLog{UserID: "u1", Role: "user", Message: "hello"}
	if err := s.AppendConversation(context.Background(), entry); err != nil {
		t.Fatalf("AppendConversation() error = %v", err)
	}
	if entry.ID == "" || entry.Timestamp.IsZero() {
		t.Errorf("entry id/timestamp not filled: %+v", entry)
	}
}

func TestEmotionalState_UpsertAndLoad(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec("INSERT INTO emotional_states").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM emotional_states").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "current_mood", "mood_intensity", "last_updated",
			"to_char", "shifts_today",
		}).AddRow("u1", "content", 0.6, s.now(), "2026-08-24", 1))

	if err := s.SaveEmotionalState(context.Background(), &EmotionalState{
		UserID: "u1", CurrentMood: "content", MoodIntensity: 0.6,
		ShiftDate: "2026-08-24", ShiftsToday: 1,
	}); err != nil {
		t.Fatalf("SaveEmotionalState() error = %v", err)
	}

	state, err := s.LoadEmotionalState(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LoadEmotionalState() error = %v", err)
	}
	if state == nil || state.CurrentMood != "content" || state.ShiftDate != "2026-08-24" {
		t.Errorf("state = %+v", state)
	}
}
