package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/change-assist/internal/backend"
	"github.com/ashureev/change-assist/internal/domain"
	"github.com/ashureev/change-assist/internal/orchestrator"
	"github.com/ashureev/change-assist/internal/tools"
	"github.com/ashureev/change-assist/internal/wizard"
	"github.com/google/go-cmp/cmp"
)

// fakeBackend implements every service the dispatcher and orchestrator use.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	chatReqs  []backend.ChatRequest
	chatReply *backend.ChatReply
	chatErr   error
	chatGate  chan struct{}
	chatEnter chan struct{}

	toolReqs []backend.ToolStepRequest
	toolErr  error

	departments []domain.Department
	projects    []domain.JiraProject

	feedbackReqs []backend.FeedbackRequest
	feedbackErr  error

	regReqs []backend.RegistrationRequest
	regErr  error
	jiraErr error
	calErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chatReply: &backend.ChatReply{Response: "ok"},
		departments: []domain.Department{
			{ID: 1, Name: "Finance"},
			{ID: 2, Name: "HR"},
		},
		projects: []domain.JiraProject{{Key: "CHG", Name: "Change Program"}},
	}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) callsOf(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeBackend) Chat(_ context.Context, req backend.ChatRequest) (*backend.ChatReply, error) {
	f.record("chat")
	f.mu.Lock()
	f.chatReqs = append(f.chatReqs, req)
	f.mu.Unlock()
	if f.chatEnter != nil {
		f.chatEnter <- struct{}{}
	}
	if f.chatGate != nil {
		<-f.chatGate
	}
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.chatReply, nil
}

func (f *fakeBackend) AdvanceTool(_ context.Context, toolID string, req backend.ToolStepRequest) (*backend.ToolStepReply, error) {
	f.record("tool:" + toolID)
	f.toolReqs = append(f.toolReqs, req)
	if f.toolErr != nil {
		return nil, f.toolErr
	}
	data := map[string]any{}
	for k, v := range req.InputData {
		data[k] = v
	}
	data["answers"] = req.Step
	return &backend.ToolStepReply{
		NextStep:    req.Step + 1,
		Prompt:      "step prompt",
		CurrentData: data,
	}, nil
}

func (f *fakeBackend) ReviewCommunication(_ context.Context, _ backend.ReviewRequest) (*backend.Review, error) {
	f.record("review")
	return &backend.Review{QuickAssessment: "Fine."}, nil
}

func (f *fakeBackend) Departments(context.Context) ([]domain.Department, error) {
	f.record("departments")
	return f.departments, nil
}

func (f *fakeBackend) JiraProjects(context.Context) ([]domain.JiraProject, error) {
	f.record("projects")
	return f.projects, nil
}

func (f *fakeBackend) SubmitFeedback(_ context.Context, req backend.FeedbackRequest) error {
	f.record("feedback")
	f.feedbackReqs = append(f.feedbackReqs, req)
	return f.feedbackErr
}

func (f *fakeBackend) RegisterInitiative(_ context.Context, req backend.RegistrationRequest) (*backend.Registration, error) {
	f.record("register")
	f.mu.Lock()
	f.regReqs = append(f.regReqs, req)
	f.mu.Unlock()
	if f.regErr != nil {
		return nil, f.regErr
	}
	return &backend.Registration{ID: 1, Name: req.Name}, nil
}

func (f *fakeBackend) CreateJiraIssues(_ context.Context, req backend.JiraIssuesRequest) (*domain.JiraDetails, error) {
	f.record("jira")
	if f.jiraErr != nil {
		return nil, f.jiraErr
	}
	return &domain.JiraDetails{ProjectKey: req.ProjectKey, CreatedItems: []domain.JiraItem{{Type: "Epic", Key: "CHG-1"}}}, nil
}

func (f *fakeBackend) CreateCalendarEvents(_ context.Context, req backend.CalendarEventsRequest) (*domain.CalendarDetails, error) {
	f.record("calendar")
	if f.calErr != nil {
		return nil, f.calErr
	}
	events := make([]domain.CalendarEvent, 0, len(req.Sessions))
	for _, s := range req.Sessions {
		events = append(events, domain.CalendarEvent{Title: s.Title, Date: s.StartDate[:10], Time: s.StartDate[11:16]})
	}
	return &domain.CalendarDetails{Events: events}, nil
}

type recordedFeedback struct {
	records []domain.FeedbackRecord
}

func (r *recordedFeedback) RecordFeedback(_ context.Context, rec domain.FeedbackRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func testClock() time.Time {
	return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
}

func newTestDispatcher(f *fakeBackend, opts ...Option) *Dispatcher {
	svc := Services{
		Chat:      f,
		Tools:     f,
		Directory: f,
		Feedback:  f,
		Finalizer: orchestrator.New(f, f, f, "", nil),
	}
	return New(svc, append([]Option{WithClock(testClock)}, opts...)...)
}

func contents(turns []domain.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = string(t.Role) + ": " + t.Content
	}
	return out
}

func must(t *testing.T) func([]domain.Turn, error) []domain.Turn {
	return func(turns []domain.Turn, err error) []domain.Turn {
		t.Helper()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		return turns
	}
}

// walkToJiraChoice starts the wizard and answers everything up to the Jira question.
func walkToJiraChoice(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx := context.Background()
	must(t)(d.ActivateAgent(ctx))
	must(t)(d.HandleUserInput(ctx, "Salesforce"))
	must(t)(d.HandleUserInput(ctx, "CRM platform"))
	must(t)(d.HandleUserInput(ctx, ""))
	if err := d.ToggleDepartment(1); err != nil {
		t.Fatalf("ToggleDepartment: %v", err)
	}
	must(t)(d.ConfirmDepartments(ctx))
	if step := d.State().Wizard.Step; step != wizard.StepJiraChoice {
		t.Fatalf("Expected jira step, got %s", step)
	}
}

func TestChatAdkarScenario(t *testing.T) {
	f := newFakeBackend()
	f.chatReply = &backend.ChatReply{
		Response: "ADKAR stands for Awareness, Desire, Knowledge, Ability and Reinforcement.",
		Sources:  []domain.Source{{Title: "Prosci ADKAR"}},
	}
	d := newTestDispatcher(f)

	turns := must(t)(d.HandleUserInput(context.Background(), "adkar"))

	want := []string{
		"user: adkar",
		"assistant: ADKAR stands for Awareness, Desire, Knowledge, Ability and Reinforcement.",
	}
	if diff := cmp.Diff(want, contents(turns)); diff != "" {
		t.Errorf("Turns mismatch (-want +got):\n%s", diff)
	}
	if len(turns[1].Sources) != 1 {
		t.Errorf("Expected sources carried through, got %+v", turns[1].Sources)
	}

	state := d.State()
	if !state.Mode.IsChat() || len(state.Turns) != 2 {
		t.Errorf("Unexpected state: mode=%s turns=%d", state.Mode, len(state.Turns))
	}
	req := f.chatReqs[0]
	if len(req.History) != 0 {
		t.Errorf("Expected empty history, got %+v", req.History)
	}
	if req.ConversationID == nil || *req.ConversationID != state.ConversationID {
		t.Errorf("Expected conversation id %q to be sent", state.ConversationID)
	}
}

func TestChatSendsPriorHistoryAndMigratesIdentity(t *testing.T) {
	f := newFakeBackend()
	f.chatReply = &backend.ChatReply{Response: "first", ConversationID: "srv-42"}
	d := newTestDispatcher(f)
	ctx := context.Background()

	must(t)(d.Start(ctx))
	must(t)(d.HandleUserInput(ctx, "hello"))
	if got := d.State().ConversationID; got != "srv-42" {
		t.Errorf("Expected migrated identity, got %q", got)
	}

	f.chatReply = &backend.ChatReply{Response: "second"}
	must(t)(d.HandleUserInput(ctx, "again"))

	req := f.chatReqs[1]
	wantHistory := []domain.HistoryEntry{
		{Role: domain.RoleAssistant, Content: WelcomeMessage},
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleAssistant, Content: "first"},
	}
	if diff := cmp.Diff(wantHistory, req.History); diff != "" {
		t.Errorf("History mismatch (-want +got):\n%s", diff)
	}
	if *req.ConversationID != "srv-42" {
		t.Errorf("Expected server id on follow-up, got %q", *req.ConversationID)
	}
	if got := d.State().ConversationID; got != "srv-42" {
		t.Errorf("Identity should stay when the reply has none, got %q", got)
	}
}

func TestMigratedIdentityTagsLaterLogLines(t *testing.T) {
	f := newFakeBackend()
	f.chatReply = &backend.ChatReply{Response: "first", ConversationID: "srv-7"}
	var buf bytes.Buffer
	d := newTestDispatcher(f, WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	ctx := context.Background()
	local := d.ConversationID()

	must(t)(d.Start(ctx))
	must(t)(d.HandleUserInput(ctx, "hello"))
	buf.Reset()
	must(t)(d.ActivateTool("scope", ""))

	var line struct {
		Msg            string `json:"msg"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	if line.Msg != "Tool mode activated" || line.ConversationID != "srv-7" {
		t.Errorf("Expected log line tagged with srv-7 (was %s), got %+v", local, line)
	}
}

func TestChatFailureBecomesErrorTurn(t *testing.T) {
	f := newFakeBackend()
	f.chatErr = errors.New("connection refused")
	d := newTestDispatcher(f)

	turns, err := d.HandleUserInput(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Service failures must not escape, got %v", err)
	}
	if len(turns) != 2 || !turns[1].IsError || turns[1].Content != ChatErrorMessage {
		t.Errorf("Unexpected turns: %+v", turns)
	}
}

func TestBlankChatInputIsRejected(t *testing.T) {
	d := newTestDispatcher(newFakeBackend())
	if _, err := d.HandleUserInput(context.Background(), "   "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}
	if n := len(d.State().Turns); n != 0 {
		t.Errorf("Expected no turns, got %d", n)
	}
}

func TestStartGreetsAndLoadsDirectory(t *testing.T) {
	f := newFakeBackend()
	d := newTestDispatcher(f)

	turns := must(t)(d.Start(context.Background()))

	if diff := cmp.Diff([]string{"assistant: " + WelcomeMessage}, contents(turns)); diff != "" {
		t.Errorf("Turns mismatch (-want +got):\n%s", diff)
	}
	dir := d.State().Directory
	if len(dir.Departments) != 2 || len(dir.JiraProjects) != 1 {
		t.Errorf("Unexpected directory %+v", dir)
	}
}

func TestToolResumesAfterExit(t *testing.T) {
	f := newFakeBackend()
	d := newTestDispatcher(f)
	ctx := context.Background()

	must(t)(d.ActivateTool(tools.Scope, "Describe your change."))
	must(t)(d.HandleUserInput(ctx, "first"))
	must(t)(d.HandleUserInput(ctx, "second"))
	before := d.State().ToolStates[tools.Scope]
	if before.Step != 2 {
		t.Fatalf("Expected step 2, got %d", before.Step)
	}

	exit := must(t)(d.ExitTool())
	if diff := cmp.Diff([]string{"assistant: " + ExitToolMessage}, contents(exit)); diff != "" {
		t.Errorf("Exit turns mismatch (-want +got):\n%s", diff)
	}
	if !d.State().Mode.IsChat() {
		t.Errorf("Expected chat mode after exit")
	}

	must(t)(d.ActivateTool(tools.Scope, ""))
	after := d.State().ToolStates[tools.Scope]
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("Tool state not retained (-before +after):\n%s", diff)
	}

	must(t)(d.HandleUserInput(ctx, "third"))
	last := f.toolReqs[len(f.toolReqs)-1]
	if last.Step != 2 || last.InputData["user_input"] != "third" || last.InputData["answers"] != 1 {
		t.Errorf("Expected resumed request at step 2 with stored input, got %+v", last)
	}
}

func TestToolIntroAndCatalogDefault(t *testing.T) {
	d := newTestDispatcher(newFakeBackend())

	turns := must(t)(d.ActivateTool(tools.Resistance, ""))
	def, _ := tools.Lookup(tools.Resistance)
	if turns[0].Content != def.Intro {
		t.Errorf("Expected catalog intro, got %q", turns[0].Content)
	}

	if _, err := d.ActivateTool("astrology", ""); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Expected ErrUnknownTool, got %v", err)
	}
	if _, err := d.ExitAgent(); !errors.Is(err, ErrNotInAgentMode) {
		t.Errorf("Expected ErrNotInAgentMode, got %v", err)
	}
}

func TestCommunicationToolHint(t *testing.T) {
	f := newFakeBackend()
	d := newTestDispatcher(f)

	must(t)(d.ActivateTool(tools.Communication, ""))
	if hint := d.State().InputHint; hint != "Paste your communication draft here..." {
		t.Errorf("Unexpected hint %q", hint)
	}
	turns := must(t)(d.HandleUserInput(context.Background(), "Dear all"))
	if !strings.HasPrefix(turns[1].Content, "## Communication Review") {
		t.Errorf("Expected formatted review, got %q", turns[1].Content)
	}
	if _, ok := d.State().ToolStates[tools.Communication]; ok {
		t.Error("Communication review should keep no cursor")
	}
}

func TestToolAndAgentAreMutuallyExclusive(t *testing.T) {
	d := newTestDispatcher(newFakeBackend())
	ctx := context.Background()

	must(t)(d.ActivateAgent(ctx))
	must(t)(d.HandleUserInput(ctx, "Salesforce"))

	must(t)(d.ActivateTool(tools.Stakeholder, ""))
	state := d.State()
	if !state.Mode.IsTool() || state.Wizard != nil {
		t.Errorf("Expected tool mode only, got mode=%s wizard=%+v", state.Mode, state.Wizard)
	}

	turns := must(t)(d.ActivateAgent(ctx))
	state = d.State()
	if !state.Mode.IsAgent() || state.Wizard.Step != wizard.StepName || state.Wizard.Data.Name != "" {
		t.Errorf("Expected fresh wizard, got %+v", state.Wizard)
	}
	if turns[0].Content != wizard.ActivationPrompt {
		t.Errorf("Unexpected activation prompt %q", turns[0].Content)
	}
	if state.InputHint != "Enter technology name" {
		t.Errorf("Unexpected hint %q", state.InputHint)
	}
}

func TestWizardJiraNoSkipsToCalendar(t *testing.T) {
	d := newTestDispatcher(newFakeBackend())
	walkToJiraChoice(t, d)

	turns := must(t)(d.Choose(context.Background(), false))

	want := []string{"user: No", "assistant: Would you like to schedule training sessions in Google Calendar?"}
	if diff := cmp.Diff(want, contents(turns)); diff != "" {
		t.Errorf("Turns mismatch (-want +got):\n%s", diff)
	}
	if step := d.State().Wizard.Step; step != wizard.StepCalendarChoice {
		t.Errorf("Expected step 6, got %d", step)
	}
}

func TestRegistrationFailureKeepsAgentState(t *testing.T) {
	f := newFakeBackend()
	f.regErr = &backend.StatusError{StatusCode: 500, Detail: "database unavailable"}
	d := newTestDispatcher(f)
	ctx := context.Background()

	walkToJiraChoice(t, d)
	must(t)(d.Choose(ctx, true))
	must(t)(d.HandleUserInput(ctx, "CHG"))
	must(t)(d.Choose(ctx, true))
	must(t)(d.ConfirmSessions(ctx))
	before := d.State().Wizard.Data

	turns := must(t)(d.Choose(ctx, true))

	errTurns := 0
	for _, turn := range turns {
		if turn.IsError {
			errTurns++
		}
	}
	if errTurns != 1 {
		t.Errorf("Expected exactly one error turn, got %v", contents(turns))
	}
	wantErr := "Sorry, I encountered an error while registering the technology change: database unavailable"
	if last := turns[len(turns)-1].Content; last != wantErr {
		t.Errorf("Error turn = %q", last)
	}

	state := d.State()
	if !state.Mode.IsAgent() {
		t.Errorf("Expected agent mode to remain, got %s", state.Mode)
	}
	if diff := cmp.Diff(before, state.Wizard.Data); diff != "" {
		t.Errorf("Wizard data changed (-before +after):\n%s", diff)
	}
	if f.callsOf("jira")+f.callsOf("calendar") != 0 {
		t.Errorf("Expected no integration calls, got %v", f.calls)
	}

	// The retry reuses the kept data.
	f.regErr = nil
	turns = must(t)(d.Choose(ctx, true))
	if !strings.Contains(turns[1].Content, "has been successfully registered") {
		t.Errorf("Expected success on retry, got %v", contents(turns))
	}
	if len(f.regReqs) != 2 || !f.regReqs[0].SendNotifications || !f.regReqs[1].SendNotifications {
		t.Errorf("Expected both attempts to ask for notifications, got %+v", f.regReqs)
	}
}

func TestJiraFailsCalendarSucceeds(t *testing.T) {
	f := newFakeBackend()
	f.jiraErr = errors.New("jira down")
	d := newTestDispatcher(f)
	ctx := context.Background()

	walkToJiraChoice(t, d)
	must(t)(d.Choose(ctx, true))
	must(t)(d.HandleUserInput(ctx, ""))
	must(t)(d.Choose(ctx, true))
	must(t)(d.ConfirmSessions(ctx))
	turns := must(t)(d.Choose(ctx, true))

	if len(turns) != 3 {
		t.Fatalf("Expected echo, summary and details turns, got %v", contents(turns))
	}
	summary := turns[1].Content
	if !strings.Contains(summary, "(Failed to create Jira issues)") {
		t.Errorf("Summary lacks Jira failure note: %q", summary)
	}
	if !strings.Contains(summary, "Training sessions have been scheduled in Google Calendar.") {
		t.Errorf("Summary lacks calendar note: %q", summary)
	}
	if !strings.Contains(turns[2].Content, "2 sessions scheduled") {
		t.Errorf("Unexpected details: %q", turns[2].Content)
	}

	state := d.State()
	if !state.Mode.IsChat() || state.Wizard != nil {
		t.Errorf("Expected chat mode with reset wizard, got mode=%s", state.Mode)
	}
	if diff := cmp.Diff([]string{"register", "jira", "calendar"}, f.calls[len(f.calls)-3:]); diff != "" {
		t.Errorf("Call order mismatch (-want +got):\n%s", diff)
	}

	must(t)(d.ActivateAgent(ctx))
	if st := d.State().Wizard; st.Step != wizard.StepName || st.Data.Name != "" {
		t.Errorf("Expected reset wizard after finalize, got %+v", st)
	}
}

func TestNoIntegrationsRegistersOnce(t *testing.T) {
	f := newFakeBackend()
	d := newTestDispatcher(f)
	ctx := context.Background()

	walkToJiraChoice(t, d)
	must(t)(d.Choose(ctx, false))
	must(t)(d.Choose(ctx, false))
	turns := must(t)(d.Choose(ctx, true))

	if f.callsOf("register") != 1 || f.callsOf("jira") != 0 || f.callsOf("calendar") != 0 {
		t.Errorf("Unexpected calls %v", f.calls)
	}
	want := []string{
		"user: Yes",
		`assistant: Technology change "Salesforce" has been successfully registered. Notifications have been sent to the department PICs.`,
	}
	if diff := cmp.Diff(want, contents(turns)); diff != "" {
		t.Errorf("Turns mismatch (-want +got):\n%s", diff)
	}
}

func TestCalendarSessionEditingThroughDispatcher(t *testing.T) {
	d := newTestDispatcher(newFakeBackend())
	ctx := context.Background()

	walkToJiraChoice(t, d)
	must(t)(d.Choose(ctx, false))
	must(t)(d.Choose(ctx, true))

	added, err := d.AddSession()
	if err != nil {
		t.Fatal(err)
	}
	if added.ID != 3 || added.Date != "2026-03-23" {
		t.Errorf("Unexpected added session %+v", added)
	}
	if err := d.EditSession(3, wizard.FieldLocation, "Room 4"); err != nil {
		t.Fatal(err)
	}
	must(t)(d.RemoveSession(ctx, 1))
	must(t)(d.RemoveSession(ctx, 2))
	turns := must(t)(d.RemoveSession(ctx, 3))

	sessions := d.State().Wizard.Data.Integrations.CalendarSessions
	if len(sessions) != 1 || sessions[0].Location != "Room 4" {
		t.Errorf("Expected the edited session to remain, got %+v", sessions)
	}
	if len(turns) != 1 {
		t.Errorf("Expected a notice when removing the last session, got %v", contents(turns))
	}
}

func TestWizardActionsRequireAgentMode(t *testing.T) {
	d := newTestDispatcher(newFakeBackend())
	ctx := context.Background()

	errs := []error{d.ToggleDepartment(1), d.EditSession(1, wizard.FieldTitle, "x")}
	_, err := d.ConfirmDepartments(ctx)
	errs = append(errs, err)
	_, err = d.Choose(ctx, true)
	errs = append(errs, err)
	_, err = d.AddSession()
	errs = append(errs, err)
	_, err = d.ConfirmSessions(ctx)
	errs = append(errs, err)

	for i, err := range errs {
		if !errors.Is(err, ErrNotInAgentMode) {
			t.Errorf("Action %d: expected ErrNotInAgentMode, got %v", i, err)
		}
	}

	must(t)(d.ActivateAgent(ctx))
	if _, err := d.Choose(ctx, true); !errors.Is(err, wizard.ErrWrongStep) {
		t.Errorf("Expected ErrWrongStep, got %v", err)
	}
}

func TestBusyRejectsConcurrentTurn(t *testing.T) {
	f := newFakeBackend()
	f.chatGate = make(chan struct{})
	f.chatEnter = make(chan struct{})
	d := newTestDispatcher(f)

	done := make(chan error, 1)
	go func() {
		_, err := d.HandleUserInput(context.Background(), "slow question")
		done <- err
	}()
	<-f.chatEnter

	if !d.State().Busy {
		t.Error("Expected busy while the chat call is in flight")
	}
	if turns, err := d.HandleUserInput(context.Background(), "impatient"); !errors.Is(err, ErrBusy) || turns != nil {
		t.Errorf("Expected ErrBusy, got turns=%v err=%v", turns, err)
	}
	if _, err := d.ActivateTool(tools.Scope, ""); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for mode switch, got %v", err)
	}
	if n := len(d.State().Turns); n != 1 {
		t.Errorf("Expected only the in-flight user turn, got %d", n)
	}

	close(f.chatGate)
	if err := <-done; err != nil {
		t.Fatalf("In-flight turn failed: %v", err)
	}
	state := d.State()
	if state.Busy || len(state.Turns) != 2 {
		t.Errorf("Unexpected final state: busy=%v turns=%d", state.Busy, len(state.Turns))
	}
}

func TestForceChatAppendsNothing(t *testing.T) {
	d := newTestDispatcher(newFakeBackend())
	ctx := context.Background()

	must(t)(d.ActivateAgent(ctx))
	must(t)(d.HandleUserInput(ctx, "Salesforce"))
	n := len(d.State().Turns)

	if err := d.ForceChat(); err != nil {
		t.Fatal(err)
	}
	state := d.State()
	if !state.Mode.IsChat() || len(state.Turns) != n {
		t.Errorf("Expected silent switch to chat, got mode=%s turns=%d", state.Mode, len(state.Turns))
	}

	must(t)(d.ActivateAgent(ctx))
	if name := d.State().Wizard.Data.Name; name != "" {
		t.Errorf("Expected wizard reset after release, got name %q", name)
	}
}

func TestSubmitFeedback(t *testing.T) {
	f := newFakeBackend()
	rec := &recordedFeedback{}
	d := newTestDispatcher(f, WithFeedbackRecorder(rec), WithOwner("user-1"))
	ctx := context.Background()

	if _, err := d.SubmitFeedback(ctx, 6, ""); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("Expected ErrInvalidRating, got %v", err)
	}

	must(t)(d.ActivateTool(tools.Scope, ""))
	turns := must(t)(d.SubmitFeedback(ctx, 4, "useful"))
	if turns[0].Content != FeedbackThanks {
		t.Errorf("Unexpected feedback turn %q", turns[0].Content)
	}
	if got := f.feedbackReqs[0]; got.ToolUsed != tools.Scope || got.Rating != 4 || got.FeedbackText != "useful" {
		t.Errorf("Unexpected feedback request %+v", got)
	}

	f.feedbackErr = errors.New("unavailable")
	must(t)(d.ExitTool())
	turns = must(t)(d.SubmitFeedback(ctx, 2, ""))
	if !turns[0].IsError {
		t.Errorf("Expected error turn, got %+v", turns[0])
	}
	if f.feedbackReqs[1].ToolUsed != "chat" {
		t.Errorf("Expected chat as tool_used, got %q", f.feedbackReqs[1].ToolUsed)
	}

	if len(rec.records) != 2 || !rec.records[0].Delivered || rec.records[1].Delivered || rec.records[0].UserID != "user-1" {
		t.Errorf("Unexpected local feedback records %+v", rec.records)
	}
}

func TestClosedDispatcherRejectsCalls(t *testing.T) {
	d := newTestDispatcher(newFakeBackend())
	d.Close()
	if _, err := d.HandleUserInput(context.Background(), "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := d.ExitTool(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
