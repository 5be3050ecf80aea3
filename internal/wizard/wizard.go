package wizard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/change-assist/internal/domain"
)

// ActivationPrompt is shown when the wizard starts.
const ActivationPrompt = "I'm now in Technology Change Agent mode. Please provide the name of the new technology:"

// ResetMessage is shown when the wizard falls back to its initial state.
const ResetMessage = "Agent mode has been reset. How can I help you today?"

const (
	promptDescription    = "Please provide a description of the technology:"
	promptTrainingLink   = "Please provide a training link (optional, press Enter to skip):"
	promptDepartments    = "Please select the affected departments:"
	promptJira           = "Would you like to integrate with Jira to create tracking tickets for this change?"
	promptJiraProject    = "Please select a Jira project key for this change initiative:"
	promptCalendar       = "Would you like to schedule training sessions in Google Calendar?"
	promptSessions       = "Please configure your training sessions:"
	promptNotifications  = "Would you like to send email notifications to the department PICs?"
	promptSessionsDone   = "Training sessions configured. " + promptNotifications
	promptNameRequired   = "The technology name can't be empty. Please provide the name of the new technology:"
	promptDescRequired   = "The description can't be empty. " + promptDescription
	hintYesNo            = "Please answer Yes or No."
	hintDepartments      = "Please select the affected departments and confirm your selection."
	hintSessions         = "Please review the training sessions and confirm them when you're ready."
	noticeLastSession    = "At least one training session is required."
	skippedEcho          = "(skipped)"
	dateLayout           = "2006-01-02"
	timeLayout           = "15:04"
	defaultStartTime     = "10:00"
	defaultEndTime       = "11:30"
	defaultLocation      = "Virtual Meeting"
	sessionSpacingInDays = 7
)

var (
	// ErrWrongStep is returned when an action does not belong to the current step.
	ErrWrongStep = errors.New("action not allowed at the current wizard step")
	// ErrUnknownDepartment is returned for department ids missing from the directory.
	ErrUnknownDepartment = errors.New("unknown department")
	// ErrUnknownSession is returned for calendar session ids that don't exist.
	ErrUnknownSession = errors.New("unknown calendar session")
	// ErrInvalidSession is returned when a session edit has a malformed value.
	ErrInvalidSession = errors.New("invalid calendar session value")
)

// Directory holds the reference data the wizard offers for selection.
type Directory struct {
	Departments  []domain.Department  `json:"departments"`
	JiraProjects []domain.JiraProject `json:"jira_projects"`
}

// Department looks up a department by id.
func (d Directory) Department(id int) (domain.Department, bool) {
	for _, dept := range d.Departments {
		if dept.ID == id {
			return dept, true
		}
	}
	return domain.Department{}, false
}

// Reply is the result of one wizard transition.
type Reply struct {
	// Turns to append, in order.
	Turns []domain.Turn
	// Finalize is set when every answer is collected and registration should run.
	Finalize bool
	// SendNotifications carries the notifications answer when Finalize is set.
	// It is left out of the wizard data until registration succeeds.
	SendNotifications bool
	// Reset is set when the wizard fell back to its initial state; agent mode ends.
	Reset bool
}

// Option configures a Wizard.
type Option func(*Wizard)

// WithClock overrides the clock used to date the default training sessions.
func WithClock(now func() time.Time) Option {
	return func(w *Wizard) { w.now = now }
}

// Wizard is the registration state machine. Not safe for concurrent use.
type Wizard struct {
	step Step
	data domain.WizardData
	dir  Directory
	now  func() time.Time
}

// New creates a wizard at its first step.
func New(dir Directory, opts ...Option) *Wizard {
	w := &Wizard{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	w.Reset()
	return w
}

// Step returns the current step.
func (w *Wizard) Step() Step { return w.step }

// Data returns a copy of the collected data.
func (w *Wizard) Data() domain.WizardData { return w.data.Clone() }

// Reset returns the wizard to step 0 with zeroed data.
func (w *Wizard) Reset() {
	w.step = StepName
	w.data = domain.WizardData{
		DepartmentIDs: []int{},
		Integrations: domain.Integrations{
			CalendarSessions: []domain.CalendarSession{},
		},
	}
}

// InputHint describes what the free-text input expects at the current step.
func (w *Wizard) InputHint() string {
	switch {
	case w.step == StepName:
		return "Enter technology name"
	case w.step == StepDescription:
		return "Enter description"
	case w.step == StepTrainingLink:
		return "Enter training link (optional)"
	case w.step == StepJiraProject && w.data.Integrations.Jira:
		return "Enter Jira project key"
	}
	return "Enter ..."
}

// Answer handles typed input at any step. Selection steps accept yes/no words
// where a choice is expected and otherwise answer with a hint.
func (w *Wizard) Answer(text string) Reply {
	text = strings.TrimSpace(text)

	if !w.step.Valid() {
		w.Reset()
		return Reply{
			Turns: []domain.Turn{echo(text), domain.AssistantTurn(ResetMessage)},
			Reset: true,
		}
	}

	switch w.step {
	case StepName:
		if text == "" {
			return hint(text, promptNameRequired)
		}
		w.data.Name = text
		return w.advance(StepDescription, domain.UserTurn(text), promptDescription)

	case StepDescription:
		if text == "" {
			return hint(text, promptDescRequired)
		}
		w.data.Description = text
		return w.advance(StepTrainingLink, domain.UserTurn(text), promptTrainingLink)

	case StepTrainingLink:
		w.data.TrainingLink = text
		return w.advance(StepDepartments, echo(text), promptDepartments)

	case StepJiraProject:
		w.data.Integrations.JiraProjectKey = text
		return w.advance(StepCalendarChoice, echo(text), promptCalendar)

	case StepDepartments:
		return hint(text, hintDepartments)

	case StepCalendarSessions:
		return hint(text, hintSessions)
	}

	yes, ok := parseYesNo(text)
	if !w.step.YesNo() || !ok {
		return hint(text, hintYesNo)
	}
	reply, err := w.Choose(yes)
	if err != nil {
		return hint(text, hintYesNo)
	}
	return reply
}

// ToggleDepartment selects or deselects a department at the departments step.
func (w *Wizard) ToggleDepartment(id int) error {
	if w.step != StepDepartments {
		return fmt.Errorf("%w: toggle department at %s", ErrWrongStep, w.step)
	}
	for i, existing := range w.data.DepartmentIDs {
		if existing == id {
			w.data.DepartmentIDs = append(w.data.DepartmentIDs[:i], w.data.DepartmentIDs[i+1:]...)
			return nil
		}
	}
	if _, ok := w.dir.Department(id); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDepartment, id)
	}
	w.data.DepartmentIDs = append(w.data.DepartmentIDs, id)
	return nil
}

// ConfirmDepartments closes the department selection and asks about Jira.
func (w *Wizard) ConfirmDepartments() (Reply, error) {
	if w.step != StepDepartments {
		return Reply{}, fmt.Errorf("%w: confirm departments at %s", ErrWrongStep, w.step)
	}

	names := make([]string, 0, len(w.data.DepartmentIDs))
	for _, id := range w.data.DepartmentIDs {
		dept, ok := w.dir.Department(id)
		if !ok {
			return Reply{}, fmt.Errorf("%w: %d", ErrUnknownDepartment, id)
		}
		names = append(names, dept.Name)
	}

	w.step = StepJiraChoice
	content := "Selected departments: " + strings.Join(names, ", ") + "\n\n" + promptJira
	return Reply{Turns: []domain.Turn{domain.AssistantTurn(content)}}, nil
}

// Choose answers the yes/no question of the current step.
func (w *Wizard) Choose(yes bool) (Reply, error) {
	user := domain.UserTurn(yesNo(yes))

	switch w.step {
	case StepJiraChoice:
		w.data.Integrations.Jira = yes
		if !yes {
			return w.advance(StepCalendarChoice, user, promptCalendar), nil
		}
		return w.advance(StepJiraProject, user, w.jiraProjectPrompt()), nil

	case StepCalendarChoice:
		w.data.Integrations.Calendar = yes
		if !yes {
			w.data.Integrations.CalendarSessions = []domain.CalendarSession{}
			return w.advance(StepNotifications, user, promptNotifications), nil
		}
		w.data.Integrations.CalendarSessions = w.defaultSessions()
		return w.advance(StepCalendarSessions, user, promptSessions), nil

	case StepNotifications:
		return Reply{Turns: []domain.Turn{user}, Finalize: true, SendNotifications: yes}, nil
	}

	return Reply{}, fmt.Errorf("%w: yes/no choice at %s", ErrWrongStep, w.step)
}

// AddSession appends a training session one week after the last one,
// copying its times and location.
func (w *Wizard) AddSession() (domain.CalendarSession, error) {
	if w.step != StepCalendarSessions {
		return domain.CalendarSession{}, fmt.Errorf("%w: add session at %s", ErrWrongStep, w.step)
	}

	sessions := w.data.Integrations.CalendarSessions
	if len(sessions) == 0 {
		w.data.Integrations.CalendarSessions = w.defaultSessions()
		return w.data.Integrations.CalendarSessions[len(w.data.Integrations.CalendarSessions)-1], nil
	}

	last := sessions[len(sessions)-1]
	lastDate, err := time.Parse(dateLayout, last.Date)
	if err != nil {
		lastDate = w.today()
	}
	next := domain.CalendarSession{
		ID:          last.ID + 1,
		Title:       fmt.Sprintf("%s - Training Session %d", w.data.Name, last.ID+1),
		Description: "Additional training session",
		Date:        lastDate.AddDate(0, 0, sessionSpacingInDays).Format(dateLayout),
		StartTime:   last.StartTime,
		EndTime:     last.EndTime,
		Location:    last.Location,
	}
	w.data.Integrations.CalendarSessions = append(sessions, next)
	return next, nil
}

// RemoveSession deletes a training session. Removing the only remaining
// session leaves the list unchanged and answers with a notice.
func (w *Wizard) RemoveSession(id int) (Reply, error) {
	if w.step != StepCalendarSessions {
		return Reply{}, fmt.Errorf("%w: remove session at %s", ErrWrongStep, w.step)
	}

	sessions := w.data.Integrations.CalendarSessions
	idx := indexOfSession(sessions, id)
	if idx < 0 {
		return Reply{}, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	if len(sessions) <= 1 {
		return Reply{Turns: []domain.Turn{domain.AssistantTurn(noticeLastSession)}}, nil
	}

	kept := make([]domain.CalendarSession, 0, len(sessions)-1)
	kept = append(kept, sessions[:idx]...)
	kept = append(kept, sessions[idx+1:]...)
	w.data.Integrations.CalendarSessions = kept
	return Reply{}, nil
}

// Session fields that can be edited.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldDate        = "date"
	FieldStartTime   = "start_time"
	FieldEndTime     = "end_time"
	FieldLocation    = "location"
)

// EditSession changes one field of a training session.
func (w *Wizard) EditSession(id int, field, value string) error {
	if w.step != StepCalendarSessions {
		return fmt.Errorf("%w: edit session at %s", ErrWrongStep, w.step)
	}

	idx := indexOfSession(w.data.Integrations.CalendarSessions, id)
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	s := &w.data.Integrations.CalendarSessions[idx]

	switch field {
	case FieldTitle:
		s.Title = value
	case FieldDescription:
		s.Description = value
	case FieldLocation:
		s.Location = value
	case FieldDate:
		if _, err := time.Parse(dateLayout, value); err != nil {
			return fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidSession, value)
		}
		s.Date = value
	case FieldStartTime, FieldEndTime:
		if _, err := time.Parse(timeLayout, value); err != nil {
			return fmt.Errorf("%w: %s %q must be HH:MM", ErrInvalidSession, field, value)
		}
		if field == FieldStartTime {
			s.StartTime = value
		} else {
			s.EndTime = value
		}
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidSession, field)
	}
	return nil
}

// ConfirmSessions closes the session editor and asks about notifications.
func (w *Wizard) ConfirmSessions() (Reply, error) {
	if w.step != StepCalendarSessions {
		return Reply{}, fmt.Errorf("%w: confirm sessions at %s", ErrWrongStep, w.step)
	}
	w.step = StepNotifications
	return Reply{Turns: []domain.Turn{domain.AssistantTurn(promptSessionsDone)}}, nil
}

func (w *Wizard) advance(next Step, user domain.Turn, prompt string) Reply {
	w.step = next
	return Reply{Turns: []domain.Turn{user, domain.AssistantTurn(prompt)}}
}

func (w *Wizard) jiraProjectPrompt() string {
	if len(w.dir.JiraProjects) == 0 {
		return promptJiraProject
	}
	var b strings.Builder
	b.WriteString(promptJiraProject)
	b.WriteString("\n\nAvailable projects:")
	for _, p := range w.dir.JiraProjects {
		fmt.Fprintf(&b, "\n- %s (%s)", p.Name, p.Key)
	}
	return b.String()
}

func (w *Wizard) defaultSessions() []domain.CalendarSession {
	today := w.today()
	return []domain.CalendarSession{
		{
			ID:          1,
			Title:       w.data.Name + " - Training Session 1",
			Description: "Initial training session",
			Date:        today.AddDate(0, 0, sessionSpacingInDays).Format(dateLayout),
			StartTime:   defaultStartTime,
			EndTime:     defaultEndTime,
			Location:    defaultLocation,
		},
		{
			ID:          2,
			Title:       w.data.Name + " - Training Session 2",
			Description: "Follow-up training session",
			Date:        today.AddDate(0, 0, 2*sessionSpacingInDays).Format(dateLayout),
			StartTime:   defaultStartTime,
			EndTime:     defaultEndTime,
			Location:    defaultLocation,
		},
	}
}

func (w *Wizard) today() time.Time {
	now := w.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func indexOfSession(sessions []domain.CalendarSession, id int) int {
	for i, s := range sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func hint(text, msg string) Reply {
	return Reply{Turns: []domain.Turn{echo(text), domain.AssistantTurn(msg)}}
}

func echo(text string) domain.Turn {
	if text == "" {
		return domain.UserTurn(skippedEcho)
	}
	return domain.UserTurn(text)
}

func yesNo(yes bool) string {
	if yes {
		return "Yes"
	}
	return "No"
}

func parseYesNo(text string) (yes, ok bool) {
	switch strings.ToLower(strings.TrimRight(text, ".!")) {
	case "yes", "y", "yeah", "yep", "sure", "ok", "okay":
		return true, true
	case "no", "n", "nope", "skip":
		return false, true
	}
	return false, false
}
