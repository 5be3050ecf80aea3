package conversation

import (
	"testing"
	"time"

	"github.com/ashureev/change-assist/internal/domain"
	"github.com/google/go-cmp/cmp"
)

type recordingObserver struct {
	ids   []string
	turns []domain.Turn
}

func (r *recordingObserver) TurnAppended(conversationID string, turn domain.Turn) {
	r.ids = append(r.ids, conversationID)
	r.turns = append(r.turns, turn)
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))

	got := s.Append(domain.UserTurn("hello"))
	if got.ID == "" {
		t.Error("Expected turn ID to be assigned")
	}
	if !got.Timestamp.Equal(fixed) {
		t.Errorf("Expected timestamp %v, got %v", fixed, got.Timestamp)
	}
	if s.Len() != 1 {
		t.Fatalf("Expected 1 turn, got %d", s.Len())
	}
}

func TestTurnsPreserveAppendOrder(t *testing.T) {
	s := New()
	s.Append(domain.UserTurn("one"))
	s.Append(domain.AssistantTurn("two"))
	s.Append(domain.UserTurn("three"))

	want := []domain.HistoryEntry{
		{Role: domain.RoleUser, Content: "one"},
		{Role: domain.RoleAssistant, Content: "two"},
		{Role: domain.RoleUser, Content: "three"},
	}
	if diff := cmp.Diff(want, s.History()); diff != "" {
		t.Errorf("History mismatch (-want +got):\n%s", diff)
	}

	tail := s.Since(1)
	if len(tail) != 2 || tail[0].Content != "two" {
		t.Errorf("Unexpected tail: %+v", tail)
	}
	if s.Since(5) != nil {
		t.Error("Expected nil for out-of-range index")
	}
}

func TestTurnsReturnsCopy(t *testing.T) {
	s := New()
	s.Append(domain.UserTurn("original"))

	turns := s.Turns()
	turns[0].Content = "mutated"

	if s.Turns()[0].Content != "original" {
		t.Error("Expected stored turns to be immutable through the returned slice")
	}
}

func TestSetConversationIDMigratesIdentity(t *testing.T) {
	obs := &recordingObserver{}
	s := New(WithObserver(obs))
	first := s.ConversationID()
	s.Append(domain.UserTurn("hi"))

	if s.SetConversationID("") {
		t.Error("Expected empty id to be ignored")
	}
	if !s.SetConversationID("server-issued") {
		t.Error("Expected migration to report a change")
	}
	s.Append(domain.AssistantTurn("hello"))

	if s.ConversationID() != "server-issued" {
		t.Errorf("Expected migrated id, got %q", s.ConversationID())
	}
	if s.Len() != 2 {
		t.Errorf("Expected turns to survive migration, got %d", s.Len())
	}
	if diff := cmp.Diff([]string{first, "server-issued"}, obs.ids); diff != "" {
		t.Errorf("Observer ids mismatch (-want +got):\n%s", diff)
	}
}

func TestObserversFanOut(t *testing.T) {
	first := &recordingObserver{}
	var seen []string
	s := New(WithObserver(Observers{
		first,
		ObserverFunc(func(_ string, turn domain.Turn) { seen = append(seen, turn.Content) }),
	}))

	s.Append(domain.UserTurn("a"))
	s.Append(domain.AssistantTurn("b"))

	if len(first.turns) != 2 {
		t.Errorf("Expected 2 turns observed, got %d", len(first.turns))
	}
	if diff := cmp.Diff([]string{"a", "b"}, seen); diff != "" {
		t.Errorf("Func observer mismatch (-want +got):\n%s", diff)
	}
}
