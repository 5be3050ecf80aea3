package domain

import (
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	// RoleUser marks turns typed or chosen by the person using the assistant.
	RoleUser Role = "user"
	// RoleAssistant marks turns produced by the assistant.
	RoleAssistant Role = "assistant"
)

// Source is a knowledge-base citation returned by the chat service. Path
// is the document's location inside the knowledge base.
type Source struct {
	Title string `json:"title,omitempty"`
	Path  string `json:"path,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Location returns where the cited document lives, preferring its path.
func (s Source) Location() string {
	if s.Path != "" {
		return s.Path
	}
	return s.URL
}

// Turn is one message in the conversation log.
type Turn struct {
	ID            string         `json:"id"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	Sources       []Source       `json:"sources,omitempty"`
	ToolID        string         `json:"tool_id,omitempty"`
	Analysis      map[string]any `json:"analysis,omitempty"`
	Visualization map[string]any `json:"visualization,omitempty"`
	IsError       bool           `json:"is_error,omitempty"`
}

// HistoryEntry is the role/content pair sent to the chat service.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserTurn builds an unsaved user turn.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn builds an unsaved assistant turn.
func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// ErrorTurn builds an unsaved assistant turn flagged as an error.
func ErrorTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content, IsError: true}
}
