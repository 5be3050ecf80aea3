// Package assistant routes each user turn to plain chat, the active tool or
// the registration wizard, and owns the rules for switching between them.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/change-assist/internal/backend"
	"github.com/ashureev/change-assist/internal/conversation"
	"github.com/ashureev/change-assist/internal/domain"
	"github.com/ashureev/change-assist/internal/orchestrator"
	"github.com/ashureev/change-assist/internal/tools"
	"github.com/ashureev/change-assist/internal/wizard"
)

// Fixed assistant messages.
const (
	WelcomeMessage    = "Hello! I'm your Change Management Assistant. How can I help you today?"
	ExitAgentMessage  = "I've exited Technology Change Agent mode. How can I help you today?"
	ExitToolMessage   = "I've exited the specialized tool mode. How else can I help you with change management?"
	ChatErrorMessage  = "Sorry, I encountered an error. Please try again later."
	FeedbackThanks    = "Thank you for your feedback! Your input helps us improve the Change Management Assistant."
	FeedbackErrorText = "Sorry, I couldn't submit your feedback. Please try again later."

	registrationErrorPrefix = "Sorry, I encountered an error while registering the technology change: "
)

var (
	// ErrBusy is returned while another turn is being processed.
	ErrBusy = errors.New("another turn is in progress")
	// ErrClosed is returned after the assistant has been torn down.
	ErrClosed = errors.New("assistant session closed")
	// ErrUnknownTool is returned when activating a tool that doesn't exist.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrNotInAgentMode is returned for wizard actions outside agent mode.
	ErrNotInAgentMode = errors.New("agent mode is not active")
	// ErrNotInToolMode is returned when exiting a tool that isn't active.
	ErrNotInToolMode = errors.New("tool mode is not active")
	// ErrEmptyInput is returned for blank chat or tool input.
	ErrEmptyInput = errors.New("input is empty")
	// ErrInvalidRating is returned for feedback ratings outside 1..5.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
)

// ChatService answers free-form messages.
type ChatService interface {
	Chat(ctx context.Context, req backend.ChatRequest) (*backend.ChatReply, error)
}

// DirectoryService lists the reference data offered by the wizard.
type DirectoryService interface {
	Departments(ctx context.Context) ([]domain.Department, error)
	JiraProjects(ctx context.Context) ([]domain.JiraProject, error)
}

// FeedbackService accepts ratings.
type FeedbackService interface {
	SubmitFeedback(ctx context.Context, req backend.FeedbackRequest) error
}

// Finalizer registers a finished wizard run.
type Finalizer interface {
	Finalize(ctx context.Context, data domain.WizardData, sendNotifications bool) (*orchestrator.Result, error)
}

// FeedbackRecorder keeps a local copy of submitted feedback.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, rec domain.FeedbackRecord) error
}

// Services are the external collaborators of a dispatcher.
type Services struct {
	Chat      ChatService
	Tools     tools.Analyzer
	Directory DirectoryService
	Feedback  FeedbackService
	Finalizer Finalizer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithClock overrides the clock for turns, activity tracking and session dates.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithObserver receives every turn appended to the conversation.
func WithObserver(o conversation.Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithFeedbackRecorder stores feedback locally as well as submitting it.
func WithFeedbackRecorder(r FeedbackRecorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithOwner tags feedback records and log lines with the owning user.
func WithOwner(userID string) Option {
	return func(d *Dispatcher) { d.userID = userID }
}

// Dispatcher owns one conversation: its turn log, current mode, the tool
// cursors and the wizard. Every mutating call is serialised by a busy flag;
// a call made while another is running fails with ErrBusy and changes nothing.
// State may be read at any time.
type Dispatcher struct {
	svc      Services
	base     *slog.Logger
	logger   *slog.Logger
	now      func() time.Time
	observer conversation.Observer
	recorder FeedbackRecorder
	userID   string

	busy       atomic.Bool
	closed     atomic.Bool
	lastActive atomic.Int64
	snapshot   atomic.Pointer[Snapshot]

	// Owned by whoever holds busy.
	session  *conversation.Session
	mode     domain.Mode
	protocol *tools.Protocol
	wizard   *wizard.Wizard
	dir      wizard.Directory
}

// New creates a dispatcher in chat mode with an empty conversation.
func New(svc Services, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		svc:    svc,
		logger: slog.Default(),
		now:    time.Now,
		mode:   domain.ChatMode(),
	}
	for _, opt := range opts {
		opt(d)
	}

	sessionOpts := []conversation.Option{conversation.WithClock(d.now)}
	if d.observer != nil {
		sessionOpts = append(sessionOpts, conversation.WithObserver(d.observer))
	}
	d.session = conversation.New(sessionOpts...)
	d.base = d.logger
	d.protocol = tools.NewProtocol(svc.Tools, nil)
	d.bindLogger(d.session.ConversationID())
	d.lastActive.Store(d.now().UnixNano())
	d.publish()
	return d
}

// Start loads the department directory and Jira projects and greets the user.
func (d *Dispatcher) Start(ctx context.Context) ([]domain.Turn, error) {
	end, err := d.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	mark := d.session.Len()
	d.refreshDirectory(ctx)
	d.session.Append(domain.AssistantTurn(WelcomeMessage))
	return d.session.Since(mark), nil
}

// HandleUserInput routes one typed message according to the current mode
// and returns the turns it appended. Service failures become error turns.
func (d *Dispatcher) HandleUserInput(ctx context.Context, text string) ([]domain.Turn, error) {
	end, err := d.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	mark := d.session.Len()
	switch {
	case d.mode.IsAgent():
		d.applyWizard(ctx, d.wizard.Answer(text))
	case d.mode.IsTool():
		if strings.TrimSpace(text) == "" {
			return nil, ErrEmptyInput
		}
		d.session.Append(domain.UserTurn(text))
		d.publish()
		d.session.Append(d.protocol.Advance(ctx, d.mode.ToolID, text))
	default:
		if strings.TrimSpace(text) == "" {
			return nil, ErrEmptyInput
		}
		d.chat(ctx, text)
	}
	return d.session.Since(mark), nil
}

func (d *Dispatcher) chat(ctx context.Context, text string) {
	history := d.session.History()
	conversationID := d.session.ConversationID()

	d.session.Append(domain.UserTurn(text))
	d.publish()

	reply, err := d.svc.Chat.Chat(ctx, backend.ChatRequest{
		Message:        text,
		ConversationID: &conversationID,
		History:        history,
	})
	if err != nil {
		d.logger.Error("Chat request failed", "error", err)
		d.session.Append(domain.ErrorTurn(ChatErrorMessage))
		return
	}

	turn := domain.AssistantTurn(reply.Response)
	turn.Sources = reply.Sources
	turn.Analysis = reply.Analysis
	turn.Visualization = reply.VisualizationData
	d.session.Append(turn)

	previous := d.session.ConversationID()
	if d.session.SetConversationID(reply.ConversationID) {
		d.bindLogger(reply.ConversationID)
		d.logger.Info("Conversation identity migrated", "previous_conversation_id", previous)
	}
}

// bindLogger tags every later log line, including the tool protocol's, with
// the conversation identity.
func (d *Dispatcher) bindLogger(conversationID string) {
	d.logger = d.base.With("conversation_id", conversationID)
	d.protocol.SetLogger(d.logger)
}

// ActivateTool switches to a tool and shows its introduction. An empty intro
// uses the catalog's. The tool's cursor is kept from any earlier visit.
func (d *Dispatcher) ActivateTool(toolID, intro string) ([]domain.Turn, error) {
	def, ok := tools.Lookup(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolID)
	}

	end, err := d.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	mark := d.session.Len()
	d.leaveAgent()
	d.mode = domain.ToolMode(toolID)
	if def.Stepwise {
		d.protocol.Ensure(toolID)
	}
	if intro == "" {
		intro = def.Intro
	}
	d.session.Append(domain.AssistantTurn(intro))
	d.logger.Info("Tool mode activated", "tool", toolID)
	return d.session.Since(mark), nil
}

// ExitTool returns to chat mode.
func (d *Dispatcher) ExitTool() ([]domain.Turn, error) {
	end, err := d.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	if !d.mode.IsTool() {
		return nil, ErrNotInToolMode
	}
	mark := d.session.Len()
	d.logger.Info("Tool mode exited", "tool", d.mode.ToolID)
	d.mode = domain.ChatMode()
	d.session.Append(domain.AssistantTurn(ExitToolMessage))
	return d.session.Since(mark), nil
}

// ActivateAgent starts the registration wizard from scratch.
func (d *Dispatcher) ActivateAgent(ctx context.Context) ([]domain.Turn, error) {
	end, err := d.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	if len(d.dir.Departments) == 0 {
		d.refreshDirectory(ctx)
	}

	mark := d.session.Len()
	d.mode = domain.AgentMode()
	d.wizard = wizard.New(d.dir, wizard.WithClock(d.now))
	d.session.Append(domain.AssistantTurn(wizard.ActivationPrompt))
	d.logger.Info("Agent mode activated")
	return d.session.Since(mark), nil
}

// ExitAgent abandons the wizard and returns to chat mode.
func (d *Dispatcher) ExitAgent() ([]domain.Turn, error) {
	end, err := d.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	if !d.mode.IsAgent() {
		return nil, ErrNotInAgentMode
	}
	mark := d.session.Len()
	d.leaveAgent()
	d.mode = domain.ChatMode()
	d.session.Append(domain.AssistantTurn(ExitAgentMessage))
	d.logger.Info("Agent mode exited")
	return d.session.Since(mark), nil
}

// ForceChat is the external "nothing is active" signal. It returns to chat
// mode without appending anything.
func (d *Dispatcher) ForceChat() error {
	end, err := d.begin()
	if err != nil {
		return err
	}
	defer end()

	if d.mode.IsChat() {
		return nil
	}
	d.logger.Info("Mode released to chat", "from", d.mode.String())
	d.leaveAgent()
	d.mode = domain.ChatMode()
	return nil
}

// ToggleDepartment selects or deselects a department in the wizard.
func (d *Dispatcher) ToggleDepartment(id int) error {
	end, err := d.beginAgent()
	if err != nil {
		return err
	}
	defer end()
	return d.wizard.ToggleDepartment(id)
}

// ConfirmDepartments closes the department selection.
func (d *Dispatcher) ConfirmDepartments(ctx context.Context) ([]domain.Turn, error) {
	return d.wizardStep(ctx, func() (wizard.Reply, error) { return d.wizard.ConfirmDepartments() })
}

// Choose answers the wizard's current yes/no question. Answering the
// notifications question registers the initiative.
func (d *Dispatcher) Choose(ctx context.Context, yes bool) ([]domain.Turn, error) {
	return d.wizardStep(ctx, func() (wizard.Reply, error) { return d.wizard.Choose(yes) })
}

// AddSession adds a training session after the last one.
func (d *Dispatcher) AddSession() (domain.CalendarSession, error) {
	end, err := d.beginAgent()
	if err != nil {
		return domain.CalendarSession{}, err
	}
	defer end()
	return d.wizard.AddSession()
}

// RemoveSession removes a training session. The last one can't be removed.
func (d *Dispatcher) RemoveSession(ctx context.Context, id int) ([]domain.Turn, error) {
	return d.wizardStep(ctx, func() (wizard.Reply, error) { return d.wizard.RemoveSession(id) })
}

// EditSession changes one field of a training session.
func (d *Dispatcher) EditSession(id int, field, value string) error {
	end, err := d.beginAgent()
	if err != nil {
		return err
	}
	defer end()
	return d.wizard.EditSession(id, field, value)
}

// ConfirmSessions closes the training-session editor.
func (d *Dispatcher) ConfirmSessions(ctx context.Context) ([]domain.Turn, error) {
	return d.wizardStep(ctx, func() (wizard.Reply, error) { return d.wizard.ConfirmSessions() })
}

// SubmitFeedback sends a 1..5 rating for the active tool, or for chat.
func (d *Dispatcher) SubmitFeedback(ctx context.Context, rating int, text string) ([]domain.Turn, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}

	end, err := d.begin()
	if err != nil {
		return nil, err
	}
	defer end()

	toolUsed := "chat"
	if d.mode.IsTool() {
		toolUsed = d.mode.ToolID
	}

	mark := d.session.Len()
	err = d.svc.Feedback.SubmitFeedback(ctx, backend.FeedbackRequest{
		ToolUsed:     toolUsed,
		Rating:       rating,
		FeedbackText: text,
	})
	if err != nil {
		d.logger.Warn("Failed to submit feedback", "tool_used", toolUsed, "error", err)
		d.session.Append(domain.ErrorTurn(FeedbackErrorText))
	} else {
		d.session.Append(domain.AssistantTurn(FeedbackThanks))
	}

	if d.recorder != nil {
		rec := domain.FeedbackRecord{
			UserID:         d.userID,
			ConversationID: d.session.ConversationID(),
			ToolUsed:       toolUsed,
			Rating:         rating,
			Text:           text,
			Delivered:      err == nil,
			CreatedAt:      d.now(),
		}
		if recErr := d.recorder.RecordFeedback(ctx, rec); recErr != nil {
			d.logger.Warn("Failed to record feedback locally", "error", recErr)
		}
	}
	return d.session.Since(mark), nil
}

// State returns the latest snapshot.
func (d *Dispatcher) State() Snapshot {
	snap := *d.snapshot.Load()
	snap.Busy = d.busy.Load()
	return snap
}

// ConversationID returns the current conversation identity.
func (d *Dispatcher) ConversationID() string {
	return d.snapshot.Load().ConversationID
}

// LastActive returns when the dispatcher last accepted a call.
func (d *Dispatcher) LastActive() time.Time {
	return time.Unix(0, d.lastActive.Load())
}

// Close tears the dispatcher down. Later calls fail with ErrClosed.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
}

func (d *Dispatcher) begin() (func(), error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if !d.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	d.lastActive.Store(d.now().UnixNano())
	return func() {
		d.publish()
		d.busy.Store(false)
	}, nil
}

func (d *Dispatcher) beginAgent() (func(), error) {
	end, err := d.begin()
	if err != nil {
		return nil, err
	}
	if !d.mode.IsAgent() {
		end()
		return nil, ErrNotInAgentMode
	}
	return end, nil
}

func (d *Dispatcher) wizardStep(ctx context.Context, step func() (wizard.Reply, error)) ([]domain.Turn, error) {
	end, err := d.beginAgent()
	if err != nil {
		return nil, err
	}
	defer end()

	reply, err := step()
	if err != nil {
		return nil, err
	}
	mark := d.session.Len()
	d.applyWizard(ctx, reply)
	return d.session.Since(mark), nil
}

func (d *Dispatcher) applyWizard(ctx context.Context, reply wizard.Reply) {
	for _, turn := range reply.Turns {
		d.session.Append(turn)
	}
	if reply.Reset {
		d.logger.Warn("Wizard reset from an invalid step")
		d.mode = domain.ChatMode()
	}
	if reply.Finalize {
		d.publish()
		d.finalize(ctx, reply.SendNotifications)
	}
}

func (d *Dispatcher) finalize(ctx context.Context, sendNotifications bool) {
	data := d.wizard.Data()
	data.SendNotifications = sendNotifications
	res, err := d.svc.Finalizer.Finalize(ctx, data, sendNotifications)
	if err != nil {
		// Wizard data and agent mode are kept so the user can retry.
		d.session.Append(domain.ErrorTurn(registrationErrorPrefix + orchestrator.FailureDetail(err)))
		return
	}

	d.session.Append(domain.AssistantTurn(res.Summary))
	if res.Details != "" {
		d.session.Append(domain.AssistantTurn(res.Details))
	}
	d.logger.Info("Wizard run finalized",
		"name", data.Name,
		"jira_attempted", res.Outcome.Jira.Attempted,
		"jira_succeeded", res.Outcome.Jira.Succeeded,
		"calendar_attempted", res.Outcome.Calendar.Attempted,
		"calendar_succeeded", res.Outcome.Calendar.Succeeded,
	)
	d.wizard.Reset()
	d.mode = domain.ChatMode()
}

// leaveAgent resets the wizard when agent mode is being left.
func (d *Dispatcher) leaveAgent() {
	if d.mode.IsAgent() && d.wizard != nil {
		d.wizard.Reset()
	}
}

func (d *Dispatcher) refreshDirectory(ctx context.Context) {
	if d.svc.Directory == nil {
		return
	}
	var dir wizard.Directory
	depts, err := d.svc.Directory.Departments(ctx)
	if err != nil {
		d.logger.Warn("Failed to load departments", "error", err)
	} else {
		dir.Departments = depts
	}
	projects, err := d.svc.Directory.JiraProjects(ctx)
	if err != nil {
		d.logger.Warn("Failed to load Jira projects", "error", err)
	} else {
		dir.JiraProjects = projects
	}
	d.dir = dir
}
