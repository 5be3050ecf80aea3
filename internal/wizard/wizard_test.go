package wizard

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/change-assist/internal/domain"
	"github.com/google/go-cmp/cmp"
)

var testDirectory = Directory{
	Departments: []domain.Department{
		{ID: 1, Name: "Finance"},
		{ID: 2, Name: "HR"},
		{ID: 3, Name: "IT"},
	},
	JiraProjects: []domain.JiraProject{
		{Key: "CHG", Name: "Change Program"},
		{Key: "OPS", Name: "Operations"},
	},
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)
}

func newTestWizard() *Wizard {
	return New(testDirectory, WithClock(fixedClock))
}

func contents(turns []domain.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = string(t.Role) + ": " + t.Content
	}
	return out
}

// toDepartments walks a fresh wizard through the free-text steps.
func toDepartments(t *testing.T, w *Wizard) {
	t.Helper()
	w.Answer("Salesforce")
	w.Answer("CRM platform")
	w.Answer("")
	if w.Step() != StepDepartments {
		t.Fatalf("Expected departments step, got %s", w.Step())
	}
}

func toCalendarSessions(t *testing.T, w *Wizard) {
	t.Helper()
	toDepartments(t, w)
	mustReply(t)(w.ConfirmDepartments())
	mustReply(t)(w.Choose(false))
	mustReply(t)(w.Choose(true))
	if w.Step() != StepCalendarSessions {
		t.Fatalf("Expected calendar sessions step, got %s", w.Step())
	}
}

func mustReply(t *testing.T) func(Reply, error) Reply {
	return func(r Reply, err error) Reply {
		t.Helper()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		return r
	}
}

func TestFreeTextSteps(t *testing.T) {
	w := newTestWizard()

	got := contents(w.Answer("Salesforce").Turns)
	want := []string{"user: Salesforce", "assistant: " + promptDescription}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Step 0 turns mismatch (-want +got):\n%s", diff)
	}

	w.Answer("  CRM platform  ")
	if w.Step() != StepTrainingLink {
		t.Errorf("Expected training link step, got %s", w.Step())
	}

	got = contents(w.Answer("").Turns)
	want = []string{"user: " + skippedEcho, "assistant: " + promptDepartments}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Step 2 turns mismatch (-want +got):\n%s", diff)
	}

	data := w.Data()
	if data.Name != "Salesforce" || data.Description != "CRM platform" || data.TrainingLink != "" {
		t.Errorf("Unexpected data: %+v", data)
	}
}

func TestBlankRequiredAnswersAreRejected(t *testing.T) {
	w := newTestWizard()

	got := contents(w.Answer("   ").Turns)
	want := []string{"user: " + skippedEcho, "assistant: " + promptNameRequired}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Blank name turns mismatch (-want +got):\n%s", diff)
	}
	if w.Step() != StepName {
		t.Errorf("Expected to stay at name step, got %s", w.Step())
	}

	w.Answer("Salesforce")
	got = contents(w.Answer("").Turns)
	want = []string{"user: " + skippedEcho, "assistant: " + promptDescRequired}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Blank description turns mismatch (-want +got):\n%s", diff)
	}
	if w.Step() != StepDescription {
		t.Errorf("Expected to stay at description step, got %s", w.Step())
	}
	if w.Data().Name != "Salesforce" || w.Data().Description != "" {
		t.Errorf("Unexpected data: %+v", w.Data())
	}
}

func TestDepartmentSelection(t *testing.T) {
	w := newTestWizard()

	if err := w.ToggleDepartment(1); !errors.Is(err, ErrWrongStep) {
		t.Errorf("Expected ErrWrongStep before departments step, got %v", err)
	}

	toDepartments(t, w)

	for _, id := range []int{3, 1, 2, 1} {
		if err := w.ToggleDepartment(id); err != nil {
			t.Fatalf("ToggleDepartment(%d) error: %v", id, err)
		}
	}
	if err := w.ToggleDepartment(99); !errors.Is(err, ErrUnknownDepartment) {
		t.Errorf("Expected ErrUnknownDepartment, got %v", err)
	}
	if diff := cmp.Diff([]int{3, 2}, w.Data().DepartmentIDs); diff != "" {
		t.Errorf("Department ids mismatch (-want +got):\n%s", diff)
	}

	reply := mustReply(t)(w.ConfirmDepartments())
	want := []string{"assistant: Selected departments: IT, HR\n\n" + promptJira}
	if diff := cmp.Diff(want, contents(reply.Turns)); diff != "" {
		t.Errorf("Confirm turns mismatch (-want +got):\n%s", diff)
	}
	if w.Step() != StepJiraChoice {
		t.Errorf("Expected jira step, got %s", w.Step())
	}
}

func TestTextAtDepartmentsStepHints(t *testing.T) {
	w := newTestWizard()
	toDepartments(t, w)

	got := contents(w.Answer("Finance").Turns)
	want := []string{"user: Finance", "assistant: " + hintDepartments}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Hint turns mismatch (-want +got):\n%s", diff)
	}
	if w.Step() != StepDepartments {
		t.Errorf("Expected to stay at departments step, got %s", w.Step())
	}
}

func TestJiraNoSkipsProjectStep(t *testing.T) {
	w := newTestWizard()
	toDepartments(t, w)
	mustReply(t)(w.ConfirmDepartments())

	reply := mustReply(t)(w.Choose(false))

	want := []string{"user: No", "assistant: " + promptCalendar}
	if diff := cmp.Diff(want, contents(reply.Turns)); diff != "" {
		t.Errorf("Turns mismatch (-want +got):\n%s", diff)
	}
	if w.Step() != StepCalendarChoice {
		t.Errorf("Expected step 6, got %d", w.Step())
	}
	if w.Data().Integrations.Jira {
		t.Error("Expected jira to be disabled")
	}
}

func TestJiraYesListsProjects(t *testing.T) {
	w := newTestWizard()
	toDepartments(t, w)
	mustReply(t)(w.ConfirmDepartments())

	reply := mustReply(t)(w.Choose(true))

	wantPrompt := promptJiraProject + "\n\nAvailable projects:\n- Change Program (CHG)\n- Operations (OPS)"
	if got := reply.Turns[1].Content; got != wantPrompt {
		t.Errorf("Prompt = %q, want %q", got, wantPrompt)
	}
	if w.Step() != StepJiraProject {
		t.Errorf("Expected step 5, got %d", w.Step())
	}
	if hint := w.InputHint(); hint != "Enter Jira project key" {
		t.Errorf("Unexpected input hint %q", hint)
	}

	w.Answer("OPS")
	if w.Step() != StepCalendarChoice || w.Data().Integrations.JiraProjectKey != "OPS" {
		t.Errorf("Unexpected state after project: step=%s data=%+v", w.Step(), w.Data().Integrations)
	}
}

func TestJiraPromptWithoutProjects(t *testing.T) {
	w := New(Directory{Departments: testDirectory.Departments}, WithClock(fixedClock))
	toDepartments(t, w)
	mustReply(t)(w.ConfirmDepartments())

	reply := mustReply(t)(w.Choose(true))
	if got := reply.Turns[1].Content; got != promptJiraProject {
		t.Errorf("Prompt = %q", got)
	}
}

func TestYesNoWordsAtChoiceSteps(t *testing.T) {
	w := newTestWizard()
	toDepartments(t, w)
	mustReply(t)(w.ConfirmDepartments())

	reply := w.Answer("maybe")
	if w.Step() != StepJiraChoice {
		t.Errorf("Expected to stay at jira step, got %s", w.Step())
	}
	if got := reply.Turns[1].Content; got != hintYesNo {
		t.Errorf("Expected yes/no hint, got %q", got)
	}

	reply = w.Answer("Nope")
	if w.Step() != StepCalendarChoice {
		t.Errorf("Expected calendar step, got %s", w.Step())
	}
	if reply.Turns[0].Content != "No" {
		t.Errorf("Expected normalised echo, got %q", reply.Turns[0].Content)
	}
}

func TestCalendarYesSeedsTwoSessions(t *testing.T) {
	w := newTestWizard()
	toCalendarSessions(t, w)

	want := []domain.CalendarSession{
		{ID: 1, Title: "Salesforce - Training Session 1", Description: "Initial training session", Date: "2026-03-09", StartTime: "10:00", EndTime: "11:30", Location: "Virtual Meeting"},
		{ID: 2, Title: "Salesforce - Training Session 2", Description: "Follow-up training session", Date: "2026-03-16", StartTime: "10:00", EndTime: "11:30", Location: "Virtual Meeting"},
	}
	if diff := cmp.Diff(want, w.Data().Integrations.CalendarSessions); diff != "" {
		t.Errorf("Sessions mismatch (-want +got):\n%s", diff)
	}
}

func TestCalendarNoGoesToNotifications(t *testing.T) {
	w := newTestWizard()
	toDepartments(t, w)
	mustReply(t)(w.ConfirmDepartments())
	mustReply(t)(w.Choose(false))

	reply := mustReply(t)(w.Choose(false))
	if w.Step() != StepNotifications {
		t.Errorf("Expected step 8, got %d", w.Step())
	}
	if got := reply.Turns[1].Content; got != promptNotifications {
		t.Errorf("Unexpected prompt %q", got)
	}
	if len(w.Data().Integrations.CalendarSessions) != 0 {
		t.Error("Expected no sessions without calendar")
	}
}

func TestAddSessionFollowsLastSession(t *testing.T) {
	w := newTestWizard()
	toCalendarSessions(t, w)

	if err := w.EditSession(2, FieldDate, "2026-12-28"); err != nil {
		t.Fatal(err)
	}
	if err := w.EditSession(2, FieldStartTime, "14:00"); err != nil {
		t.Fatal(err)
	}
	if err := w.EditSession(2, FieldLocation, "Room 4"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		sessions := w.Data().Integrations.CalendarSessions
		last := sessions[len(sessions)-1]

		added, err := w.AddSession()
		if err != nil {
			t.Fatalf("AddSession error: %v", err)
		}

		lastDate, _ := time.Parse(dateLayout, last.Date)
		if want := lastDate.AddDate(0, 0, 7).Format(dateLayout); added.Date != want {
			t.Errorf("Added date = %s, want %s", added.Date, want)
		}
		if added.ID != last.ID+1 {
			t.Errorf("Added id = %d, want %d", added.ID, last.ID+1)
		}
		if added.StartTime != last.StartTime || added.EndTime != last.EndTime || added.Location != last.Location {
			t.Errorf("Added session didn't copy times/location: %+v from %+v", added, last)
		}
	}

	sessions := w.Data().Integrations.CalendarSessions
	if got := sessions[2]; got.Date != "2027-01-04" || got.Title != "Salesforce - Training Session 3" {
		t.Errorf("Unexpected third session: %+v", got)
	}
}

func TestRemoveSession(t *testing.T) {
	w := newTestWizard()
	toCalendarSessions(t, w)

	if _, err := w.RemoveSession(42); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}

	reply := mustReply(t)(w.RemoveSession(1))
	if len(reply.Turns) != 0 {
		t.Errorf("Expected silent removal, got %v", contents(reply.Turns))
	}
	before := w.Data().Integrations.CalendarSessions
	if len(before) != 1 || before[0].ID != 2 {
		t.Fatalf("Unexpected sessions after removal: %+v", before)
	}

	reply = mustReply(t)(w.RemoveSession(2))
	if diff := cmp.Diff(before, w.Data().Integrations.CalendarSessions); diff != "" {
		t.Errorf("Removing the last session changed the list (-before +after):\n%s", diff)
	}
	if len(reply.Turns) != 1 || reply.Turns[0].Content != noticeLastSession {
		t.Errorf("Expected last-session notice, got %v", contents(reply.Turns))
	}
}

func TestEditSessionValidation(t *testing.T) {
	w := newTestWizard()
	toCalendarSessions(t, w)

	tests := []struct {
		name  string
		id    int
		field string
		value string
		want  error
	}{
		{"valid title", 1, FieldTitle, "Kickoff", nil},
		{"valid end time", 1, FieldEndTime, "12:15", nil},
		{"bad date", 1, FieldDate, "03/09/2026", ErrInvalidSession},
		{"bad time", 1, FieldStartTime, "10am", ErrInvalidSession},
		{"unknown field", 1, "color", "red", ErrInvalidSession},
		{"unknown session", 9, FieldTitle, "x", ErrUnknownSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.EditSession(tt.id, tt.field, tt.value)
			if !errors.Is(err, tt.want) {
				t.Errorf("EditSession() error = %v, want %v", err, tt.want)
			}
		})
	}

	s := w.Data().Integrations.CalendarSessions[0]
	if s.Title != "Kickoff" || s.EndTime != "12:15" || s.Date != "2026-03-09" {
		t.Errorf("Unexpected session after edits: %+v", s)
	}
}

func TestConfirmSessionsAndNotifications(t *testing.T) {
	w := newTestWizard()
	toCalendarSessions(t, w)

	reply := mustReply(t)(w.ConfirmSessions())
	if got := contents(reply.Turns); len(got) != 1 || got[0] != "assistant: "+promptSessionsDone {
		t.Errorf("Unexpected confirm turns: %v", got)
	}
	if w.Step() != StepNotifications {
		t.Fatalf("Expected notifications step, got %s", w.Step())
	}

	reply = mustReply(t)(w.Choose(true))
	if !reply.Finalize {
		t.Error("Expected finalize after notifications answer")
	}
	if got := contents(reply.Turns); len(got) != 1 || got[0] != "user: Yes" {
		t.Errorf("Expected only the echoed choice, got %v", got)
	}
	if !reply.SendNotifications {
		t.Error("Expected the notifications answer on the reply")
	}
	if w.Data().SendNotifications {
		t.Error("Expected wizard data to stay untouched until registration")
	}
	if w.Step() != StepNotifications {
		t.Errorf("Expected wizard to wait at step 8 until reset, got %s", w.Step())
	}
}

func TestStructuredActionsAtWrongStep(t *testing.T) {
	w := newTestWizard()

	checks := map[string]error{}
	_, checks["confirm departments"] = w.ConfirmDepartments()
	_, checks["choose"] = w.Choose(true)
	_, checks["add"] = w.AddSession()
	_, checks["remove"] = w.RemoveSession(1)
	checks["edit"] = w.EditSession(1, FieldTitle, "x")
	_, checks["confirm sessions"] = w.ConfirmSessions()

	for name, err := range checks {
		if !errors.Is(err, ErrWrongStep) {
			t.Errorf("%s: expected ErrWrongStep, got %v", name, err)
		}
	}
	if w.Step() != StepName {
		t.Errorf("Wrong-step actions moved the wizard to %s", w.Step())
	}
}

func TestInvalidStepResets(t *testing.T) {
	w := newTestWizard()
	w.Answer("Salesforce")
	w.step = Step(12)

	reply := w.Answer("anything")

	if !reply.Reset {
		t.Error("Expected reset flag")
	}
	if got := reply.Turns[len(reply.Turns)-1].Content; got != ResetMessage {
		t.Errorf("Unexpected reset message %q", got)
	}
	if w.Step() != StepName || w.Data().Name != "" {
		t.Errorf("Expected zeroed wizard, got step=%s data=%+v", w.Step(), w.Data())
	}
}

func TestStepsStayInRange(t *testing.T) {
	inputs := []string{"", "x", "yes", "no", "Finance", "maybe", "y", "OPS", "n"}
	w := newTestWizard()
	for i := 0; i < 200; i++ {
		w.Answer(inputs[i%len(inputs)])
		switch i % 5 {
		case 0:
			_, _ = w.ConfirmDepartments()
		case 1:
			_, _ = w.ConfirmSessions()
		case 2:
			_, _ = w.AddSession()
		}
		if !w.Step().Valid() {
			t.Fatalf("Step %d out of range after %d inputs", w.Step(), i+1)
		}
	}
}

func TestYesNoSteps(t *testing.T) {
	want := map[Step]bool{
		StepJiraChoice:     true,
		StepCalendarChoice: true,
		StepNotifications:  true,
	}
	for s := StepName; s <= StepNotifications; s++ {
		if got := s.YesNo(); got != want[s] {
			t.Errorf("%s.YesNo() = %v, want %v", s, got, want[s])
		}
	}
}

func TestStepString(t *testing.T) {
	if got := StepCalendarSessions.String(); got != "calendar_sessions" {
		t.Errorf("String() = %q", got)
	}
	if got := Step(-1).String(); !strings.HasPrefix(got, "invalid") {
		t.Errorf("String() = %q", got)
	}
}
