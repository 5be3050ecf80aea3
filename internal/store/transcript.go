package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/change-assist/internal/domain"
)

const transcriptWriteTimeout = 5 * time.Second

// Transcript persists the turns of one assistant activation. It implements
// conversation.Observer and follows the conversation across identity
// migrations. Write failures are logged and never reach the user.
type Transcript struct {
	repo      Repository
	userID    string
	sessionID string
	logger    *slog.Logger

	mu     sync.Mutex
	convID string
}

// NewTranscript creates a transcript writer for a user session.
func NewTranscript(repo Repository, userID, sessionID string, logger *slog.Logger) *Transcript {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcript{repo: repo, userID: userID, sessionID: sessionID, logger: logger}
}

// TurnAppended stores the turn, creating or renaming the conversation row first when needed.
func (t *Transcript) TurnAppended(conversationID string, turn domain.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), transcriptWriteTimeout)
	defer cancel()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.convID == "":
		now := turn.Timestamp
		if now.IsZero() {
			now = time.Now()
		}
		err := t.repo.UpsertConversation(ctx, &domain.ConversationRecord{
			UserID:         t.userID,
			SessionID:      t.sessionID,
			ConversationID: conversationID,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			t.logger.Warn("Failed to create conversation record", "conversation_id", conversationID, "error", err)
			return
		}
	case t.convID != conversationID:
		if err := t.repo.RenameConversation(ctx, t.convID, conversationID); err != nil {
			t.logger.Warn("Failed to migrate conversation record",
				"old_conversation_id", t.convID,
				"conversation_id", conversationID,
				"error", err,
			)
			return
		}
	}
	t.convID = conversationID

	if err := t.repo.AppendTurn(ctx, conversationID, turn); err != nil {
		t.logger.Warn("Failed to persist turn", "conversation_id", conversationID, "error", err)
	}
}

// ConversationID returns the id the transcript is currently stored under.
func (t *Transcript) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.convID
}
