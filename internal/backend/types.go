// Package backend provides clients for the services the assistant depends on:
// chat completion, tool analysis, registration, feedback and the Jira and
// calendar integrations.
package backend

import (
	"github.com/ashureev/change-assist/internal/domain"
)

// ChatRequest is sent to the chat-completion service.
type ChatRequest struct {
	Message        string                `json:"message"`
	ConversationID *string               `json:"conversation_id"`
	History        []domain.HistoryEntry `json:"history"`
}

// ChatReply is the chat-completion service's answer.
type ChatReply struct {
	Response          string          `json:"response"`
	ConversationID    string          `json:"conversation_id,omitempty"`
	Sources           []domain.Source `json:"sources,omitempty"`
	Analysis          map[string]any  `json:"analysis,omitempty"`
	VisualizationData map[string]any  `json:"visualizationData,omitempty"`
}

// ToolStepRequest advances a step-oriented tool.
type ToolStepRequest struct {
	Step      int            `json:"step"`
	InputData map[string]any `json:"input_data"`
}

// ToolStepReply is the tool-analysis service's answer for one step.
type ToolStepReply struct {
	NextStep          int            `json:"next_step"`
	Prompt            string         `json:"prompt"`
	CurrentData       map[string]any `json:"current_data,omitempty"`
	Analysis          map[string]any `json:"analysis,omitempty"`
	VisualizationData map[string]any `json:"visualization_data,omitempty"`
}

// ReviewRequest asks for a single-shot communication review.
type ReviewRequest struct {
	Draft         string `json:"communication_draft"`
	Audience      string `json:"audience"`
	Purpose       string `json:"purpose"`
	ChangeContext string `json:"change_context"`
}

// ReviewScores are 0-100 ratings of a communication draft.
type ReviewScores struct {
	Clarity       int `json:"clarity"`
	Impact        int `json:"impact"`
	Completeness  int `json:"completeness"`
	EmotionalTone int `json:"emotional_tone"`
	CallToAction  int `json:"call_to_action"`
	Overall       int `json:"overall"`
}

// Review is the structured communication review.
type Review struct {
	QuickAssessment  string        `json:"quick_assessment"`
	Scores           *ReviewScores `json:"scores,omitempty"`
	Strengths        []string      `json:"strengths"`
	ImprovementAreas []string      `json:"improvement_areas"`
	RevisedDraft     string        `json:"revised_draft"`
}

// RegistrationRequest persists a finished technology-change initiative.
type RegistrationRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	TrainingLink      string `json:"training_link"`
	DepartmentIDs     []int  `json:"department_ids"`
	SendNotifications bool   `json:"send_notifications"`
}

// Registration is the registration service's answer.
type Registration struct {
	ID      any    `json:"id"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

// InitiativeMetadata identifies an initiative to the integration services.
type InitiativeMetadata struct {
	Name        string `json:"initiative_name"`
	Description string `json:"initiative_description"`
}

// JiraIssuesRequest asks the issue tracker to create tracking issues.
type JiraIssuesRequest struct {
	ProjectKey string `json:"project_key"`
	InitiativeMetadata
}

// CalendarSessionPayload is one session with combined ISO-8601 start and end.
type CalendarSessionPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Location    string `json:"location"`
}

// CalendarEventsRequest asks the calendar service to schedule sessions.
type CalendarEventsRequest struct {
	InitiativeData InitiativeMetadata       `json:"initiative_data"`
	Sessions       []CalendarSessionPayload `json:"sessions"`
}

// FeedbackRequest rates the assistant or one of its tools.
type FeedbackRequest struct {
	ToolUsed     string `json:"tool_used"`
	Rating       int    `json:"rating"`
	FeedbackText string `json:"feedback_text,omitempty"`
}

type jiraProjectsReply struct {
	Projects []domain.JiraProject `json:"projects"`
}
