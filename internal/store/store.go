// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/change-assist/internal/domain"
)

// ErrNotFound is returned when an update targets a missing row.
var ErrNotFound = errors.New("not found")

// Repository persists anonymous users, conversation transcripts and feedback.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// UpsertConversation creates or refreshes conversation metadata.
	UpsertConversation(ctx context.Context, rec *domain.ConversationRecord) error

	// RenameConversation moves a conversation and its turns to a server-issued id.
	RenameConversation(ctx context.Context, oldID, newID string) error

	// CloseConversation stamps the final mode and closing time.
	CloseConversation(ctx context.Context, conversationID, mode string, closedAt time.Time) error

	// GetConversation returns conversation metadata, or nil, nil when absent.
	GetConversation(ctx context.Context, conversationID string) (*domain.ConversationRecord, error)

	// AppendTurn adds one turn to a conversation transcript.
	AppendTurn(ctx context.Context, conversationID string, turn domain.Turn) error

	// ListTurns returns a transcript in append order.
	ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error)

	// RecordFeedback stores a local copy of submitted feedback.
	RecordFeedback(ctx context.Context, rec domain.FeedbackRecord) error

	// ListFeedback returns a user's feedback, newest first.
	ListFeedback(ctx context.Context, userID string) ([]domain.FeedbackRecord, error)

	// CleanupClosedConversations removes closed conversations older than ttl.
	CleanupClosedConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
