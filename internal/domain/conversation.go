package domain

import (
	"time"
)

// ConversationRecord stores the persisted metadata of one assistant activation.
type ConversationRecord struct {
	UserID         string
	SessionID      string
	ConversationID string
	Mode           string
	TurnCount      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
}

// FeedbackRecord is a locally stored copy of submitted feedback.
type FeedbackRecord struct {
	UserID         string
	ConversationID string
	ToolUsed       string
	Rating         int
	Text           string
	Delivered      bool
	CreatedAt      time.Time
}
