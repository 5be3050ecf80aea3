// Package wizard implements the technology-change registration wizard: a
// nine-state machine that collects an initiative's details, affected
// departments, integration choices and training sessions.
package wizard

import "strconv"

// Step is the wizard's current state.
type Step int

const (
	StepName Step = iota
	StepDescription
	StepTrainingLink
	StepDepartments
	StepJiraChoice
	StepJiraProject
	StepCalendarChoice
	StepCalendarSessions
	StepNotifications
)

var stepNames = [...]string{
	StepName:             "name",
	StepDescription:      "description",
	StepTrainingLink:     "training_link",
	StepDepartments:      "departments",
	StepJiraChoice:       "jira",
	StepJiraProject:      "jira_project",
	StepCalendarChoice:   "calendar",
	StepCalendarSessions: "calendar_sessions",
	StepNotifications:    "notifications",
}

// Valid reports whether s is one of the nine known states.
func (s Step) Valid() bool {
	return s >= StepName && s <= StepNotifications
}

// YesNo reports whether the step is answered by a yes/no choice.
func (s Step) YesNo() bool {
	switch s {
	case StepJiraChoice, StepCalendarChoice, StepNotifications:
		return true
	}
	return false
}

func (s Step) String() string {
	if !s.Valid() {
		return "invalid(" + strconv.Itoa(int(s)) + ")"
	}
	return stepNames[s]
}
