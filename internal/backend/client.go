package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/change-assist/internal/domain"
)

// maxErrorBodySize bounds how much of a failed response body is read for the error detail.
const maxErrorBodySize = 64 << 10

var (
	// ErrStatus matches every *StatusError.
	ErrStatus = errors.New("unexpected status from service")
	// ErrUnknownTool is returned for tool ids without an endpoint.
	ErrUnknownTool = errors.New("unknown tool")
)

// StatusError reports a non-2xx answer from a service.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("API error: %d", e.StatusCode)
}

// Is makes errors.Is(err, ErrStatus) true for any StatusError.
func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// toolEndpoints maps step-oriented tool ids to their analysis endpoints.
var toolEndpoints = map[string]string{
	"scope":       "/tools/scope-analysis",
	"stakeholder": "/tools/stakeholder-mapping",
	"resistance":  "/tools/resistance-management",
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	APIBaseURL          string
	IntegrationsBaseURL string
	Timeout             time.Duration
	HTTPClient          *http.Client
}

// Client talks JSON over HTTP to the assistant's backend services.
type Client struct {
	apiBase         string
	integrationBase string
	http            *http.Client
	logger          *slog.Logger
}

// NewClient creates a backend client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		apiBase:         cfg.APIBaseURL,
		integrationBase: cfg.IntegrationsBaseURL,
		http:            httpClient,
		logger:          logger,
	}
}

// Chat sends a free-form message with the prior history.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	if req.History == nil {
		req.History = []domain.HistoryEntry{}
	}
	var reply ChatReply
	if err := c.do(ctx, http.MethodPost, c.apiBase+"/chat/chat", req, &reply); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	return &reply, nil
}

// AdvanceTool runs one step of a step-oriented tool.
func (c *Client) AdvanceTool(ctx context.Context, toolID string, req ToolStepRequest) (*ToolStepReply, error) {
	path, ok := toolEndpoints[toolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolID)
	}
	if req.InputData == nil {
		req.InputData = map[string]any{}
	}
	var reply ToolStepReply
	if err := c.do(ctx, http.MethodPost, c.apiBase+path, req, &reply); err != nil {
		return nil, fmt.Errorf("%s tool step %d: %w", toolID, req.Step, err)
	}
	return &reply, nil
}

// ReviewCommunication reviews a communication draft in one call.
func (c *Client) ReviewCommunication(ctx context.Context, req ReviewRequest) (*Review, error) {
	var review Review
	if err := c.do(ctx, http.MethodPost, c.apiBase+"/tools/communication-review", req, &review); err != nil {
		return nil, fmt.Errorf("communication review: %w", err)
	}
	return &review, nil
}

// RegisterInitiative persists a technology change and triggers notifications.
func (c *Client) RegisterInitiative(ctx context.Context, req RegistrationRequest) (*Registration, error) {
	if req.DepartmentIDs == nil {
		req.DepartmentIDs = []int{}
	}
	var reg Registration
	if err := c.do(ctx, http.MethodPost, c.apiBase+"/technology/technology-changes", req, &reg); err != nil {
		return nil, fmt.Errorf("register initiative: %w", err)
	}
	return &reg, nil
}

// Departments lists the departments an initiative can affect.
func (c *Client) Departments(ctx context.Context) ([]domain.Department, error) {
	var depts []domain.Department
	if err := c.do(ctx, http.MethodGet, c.apiBase+"/technology/departments", nil, &depts); err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	return depts, nil
}

// JiraProjects lists the projects available for tracking issues.
func (c *Client) JiraProjects(ctx context.Context) ([]domain.JiraProject, error) {
	var reply jiraProjectsReply
	if err := c.do(ctx, http.MethodGet, c.integrationBase+"/integrations/jira/projects", nil, &reply); err != nil {
		return nil, fmt.Errorf("list jira projects: %w", err)
	}
	return reply.Projects, nil
}

// CreateJiraIssues creates tracking issues for an initiative.
func (c *Client) CreateJiraIssues(ctx context.Context, req JiraIssuesRequest) (*domain.JiraDetails, error) {
	var details domain.JiraDetails
	if err := c.do(ctx, http.MethodPost, c.integrationBase+"/integrations/jira/create-issues", req, &details); err != nil {
		return nil, fmt.Errorf("create jira issues: %w", err)
	}
	return &details, nil
}

// CreateCalendarEvents schedules training sessions for an initiative.
func (c *Client) CreateCalendarEvents(ctx context.Context, req CalendarEventsRequest) (*domain.CalendarDetails, error) {
	var details domain.CalendarDetails
	if err := c.do(ctx, http.MethodPost, c.integrationBase+"/integrations/calendar/create-events", req, &details); err != nil {
		return nil, fmt.Errorf("create calendar events: %w", err)
	}
	return &details, nil
}

// SubmitFeedback records a rating for the assistant or a tool.
func (c *Client) SubmitFeedback(ctx context.Context, req FeedbackRequest) error {
	if err := c.do(ctx, http.MethodPost, c.apiBase+"/tools/submit-feedback", req, nil); err != nil {
		return fmt.Errorf("submit feedback: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "url", url, "error", closeErr)
		}
	}()

	c.logger.Debug("Backend call completed",
		"method", method,
		"url", url,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(url, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newStatusError(url string, resp *http.Response) *StatusError {
	se := &StatusError{Endpoint: url, StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return se
	}
	var body struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) != nil {
		return se
	}
	switch d := body.Detail.(type) {
	case string:
		se.Detail = d
	case nil:
		se.Detail = body.Message
	default:
		if encoded, err := json.Marshal(d); err == nil {
			se.Detail = string(encoded)
		}
	}
	return se
}
