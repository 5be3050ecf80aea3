// Package conversation holds the in-memory turn log of one assistant activation.
package conversation

import (
	"time"

	"github.com/ashureev/change-assist/internal/domain"
	"github.com/google/uuid"
)

// Observer is notified of every appended turn, in append order.
type Observer interface {
	TurnAppended(conversationID string, turn domain.Turn)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(conversationID string, turn domain.Turn)

// TurnAppended calls f.
func (f ObserverFunc) TurnAppended(conversationID string, turn domain.Turn) {
	f(conversationID, turn)
}

// Observers fans every appended turn out to each observer in order.
type Observers []Observer

// TurnAppended notifies every observer.
func (o Observers) TurnAppended(conversationID string, turn domain.Turn) {
	for _, obs := range o {
		obs.TurnAppended(conversationID, turn)
	}
}

// Session is an ordered, append-only log of turns plus the conversation identity.
// It is not safe for concurrent use; the dispatcher serialises access.
type Session struct {
	conversationID string
	turns          []domain.Turn
	observer       Observer
	now            func() time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithObserver registers an observer for appended turns.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a session with a fresh conversation id.
func New(opts ...Option) *Session {
	s := &Session{
		conversationID: uuid.NewString(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConversationID returns the current conversation identity token.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// SetConversationID migrates the session to a server-issued identity.
// Empty ids are ignored. The turn log is kept.
func (s *Session) SetConversationID(id string) bool {
	if id == "" || id == s.conversationID {
		return false
	}
	s.conversationID = id
	return true
}

// Append stores a turn, filling in ID and Timestamp when absent,
// and returns the stored turn.
func (s *Session) Append(turn domain.Turn) domain.Turn {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	s.turns = append(s.turns, turn)
	if s.observer != nil {
		s.observer.TurnAppended(s.conversationID, turn)
	}
	return turn
}

// Len returns the number of turns.
func (s *Session) Len() int {
	return len(s.turns)
}

// Turns returns a copy of the turn log.
func (s *Session) Turns() []domain.Turn {
	out := make([]domain.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Since returns the turns appended at or after index i.
func (s *Session) Since(i int) []domain.Turn {
	if i < 0 {
		i = 0
	}
	if i >= len(s.turns) {
		return nil
	}
	out := make([]domain.Turn, len(s.turns)-i)
	copy(out, s.turns[i:])
	return out
}

// History returns role/content pairs for every turn, in order.
func (s *Session) History() []domain.HistoryEntry {
	out := make([]domain.HistoryEntry, 0, len(s.turns))
	for _, t := range s.turns {
		out = append(out, domain.HistoryEntry{Role: t.Role, Content: t.Content})
	}
	return out
}
