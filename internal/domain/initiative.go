package domain

// Department is an organisational unit that can be affected by a change.
type Department struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// JiraProject is a project that can receive tracking issues.
type JiraProject struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// CalendarSession is one training session scheduled for an initiative.
// Date is YYYY-MM-DD; StartTime and EndTime are HH:MM.
type CalendarSession struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Location    string `json:"location"`
}

// JiraItem is one issue created by the issue tracker.
type JiraItem struct {
	Key     string `json:"key,omitempty"`
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Summary string `json:"summary,omitempty"`
}

// Label returns the summary when present, otherwise the key.
func (i JiraItem) Label() string {
	if i.Summary != "" {
		return i.Summary
	}
	return i.Key
}

// JiraDetails is the issue tracker's answer to an issue creation request.
type JiraDetails struct {
	ProjectKey   string     `json:"project_key"`
	CreatedItems []JiraItem `json:"created_items"`
}

// CalendarEvent is one scheduled event returned by the calendar service.
type CalendarEvent struct {
	Title         string `json:"title"`
	Date          string `json:"date,omitempty"`
	FormattedDate string `json:"formatted_date,omitempty"`
	Time          string `json:"time,omitempty"`
	FormattedTime string `json:"formatted_time,omitempty"`
	Link          string `json:"link,omitempty"`
}

// DisplayDate prefers the service-formatted date.
func (e CalendarEvent) DisplayDate() string {
	if e.FormattedDate != "" {
		return e.FormattedDate
	}
	return e.Date
}

// DisplayTime prefers the service-formatted time.
func (e CalendarEvent) DisplayTime() string {
	if e.FormattedTime != "" {
		return e.FormattedTime
	}
	return e.Time
}

// CalendarDetails is the calendar service's answer to an event creation request.
type CalendarDetails struct {
	Events []CalendarEvent `json:"events"`
}

// Integrations holds the optional post-registration actions chosen in the wizard.
type Integrations struct {
	Jira             bool              `json:"jira"`
	JiraProjectKey   string            `json:"jira_project_key"`
	Calendar         bool              `json:"calendar"`
	CalendarSessions []CalendarSession `json:"calendar_sessions"`
}

// WizardData is everything the wizard collects to register an initiative.
type WizardData struct {
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	TrainingLink      string       `json:"training_link"`
	DepartmentIDs     []int        `json:"department_ids"`
	SendNotifications bool         `json:"send_notifications"`
	Integrations      Integrations `json:"integrations"`
}

// Clone returns a deep copy so callers can't alias the wizard's slices.
func (d WizardData) Clone() WizardData {
	out := d
	out.DepartmentIDs = append([]int(nil), d.DepartmentIDs...)
	out.Integrations.CalendarSessions = append([]CalendarSession(nil), d.Integrations.CalendarSessions...)
	return out
}

// HasDepartment reports whether the department is selected.
func (d WizardData) HasDepartment(id int) bool {
	for _, existing := range d.DepartmentIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// IntegrationResult is the outcome of one best-effort integration.
type IntegrationResult struct {
	Attempted bool   `json:"attempted"`
	Succeeded bool   `json:"succeeded"`
	ErrorNote string `json:"error_note,omitempty"`
}

// IntegrationOutcome aggregates both integrations. Each failure is independent
// and never rolls back the other or the registration.
type IntegrationOutcome struct {
	Jira           IntegrationResult `json:"jira"`
	JiraDetail     *JiraDetails      `json:"jira_detail,omitempty"`
	Calendar       IntegrationResult `json:"calendar"`
	CalendarDetail *CalendarDetails  `json:"calendar_detail,omitempty"`
}

// AnyAttempted reports whether at least one integration ran.
func (o IntegrationOutcome) AnyAttempted() bool {
	return o.Jira.Attempted || o.Calendar.Attempted
}

// ToolStepState is the retained cursor of one step-oriented tool.
type ToolStepState struct {
	Step          int            `json:"step"`
	InputData     map[string]any `json:"input_data"`
	Analysis      map[string]any `json:"analysis,omitempty"`
	Visualization map[string]any `json:"visualization,omitempty"`
}

// Clone returns a copy with its own top-level maps.
func (s ToolStepState) Clone() ToolStepState {
	out := s
	out.InputData = cloneMap(s.InputData)
	out.Analysis = cloneMap(s.Analysis)
	out.Visualization = cloneMap(s.Visualization)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
