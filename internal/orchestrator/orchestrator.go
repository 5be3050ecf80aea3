// Package orchestrator registers a finished technology change and runs the
// follow-up integrations chosen in the wizard.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/change-assist/internal/backend"
	"github.com/ashureev/change-assist/internal/domain"
)

// DefaultJiraProjectKey is used when no project key was entered.
const DefaultJiraProjectKey = "CHANGE"

// Integration failure notes appended to the summary.
const (
	JiraFailureNote     = " (Failed to create Jira issues)"
	CalendarFailureNote = " (Failed to schedule calendar events)"
)

// ErrRegistration wraps every failure of the registration call.
var ErrRegistration = errors.New("registration failed")

// Registrar persists initiatives.
type Registrar interface {
	RegisterInitiative(ctx context.Context, req backend.RegistrationRequest) (*backend.Registration, error)
}

// IssueTracker creates tracking issues.
type IssueTracker interface {
	CreateJiraIssues(ctx context.Context, req backend.JiraIssuesRequest) (*domain.JiraDetails, error)
}

// Calendar schedules training sessions.
type Calendar interface {
	CreateCalendarEvents(ctx context.Context, req backend.CalendarEventsRequest) (*domain.CalendarDetails, error)
}

// Result is the outcome of a successful registration.
type Result struct {
	Registration *backend.Registration
	// Summary is the aggregate status message.
	Summary string
	// Details itemises created issues and sessions; empty when there is nothing to list.
	Details string
	Outcome domain.IntegrationOutcome
}

// Orchestrator runs registration followed by the integrations, sequentially.
type Orchestrator struct {
	registrar  Registrar
	tracker    IssueTracker
	calendar   Calendar
	defaultKey string
	logger     *slog.Logger
}

// New creates an orchestrator. An empty defaultKey falls back to DefaultJiraProjectKey.
func New(registrar Registrar, tracker IssueTracker, calendar Calendar, defaultKey string, logger *slog.Logger) *Orchestrator {
	if defaultKey == "" {
		defaultKey = DefaultJiraProjectKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registrar:  registrar,
		tracker:    tracker,
		calendar:   calendar,
		defaultKey: defaultKey,
		logger:     logger,
	}
}

// Finalize registers the initiative and then runs the selected integrations.
// A registration failure is returned wrapped in ErrRegistration and no
// integration is attempted. Integration failures never abort the run; they
// are noted in the summary.
func (o *Orchestrator) Finalize(ctx context.Context, data domain.WizardData, sendNotifications bool) (*Result, error) {
	reg, err := o.registrar.RegisterInitiative(ctx, backend.RegistrationRequest{
		Name:              data.Name,
		Description:       data.Description,
		TrainingLink:      data.TrainingLink,
		DepartmentIDs:     append([]int{}, data.DepartmentIDs...),
		SendNotifications: sendNotifications,
	})
	if err != nil {
		o.logger.Error("Failed to register technology change", "name", data.Name, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	o.logger.Info("Technology change registered", "name", data.Name, "id", reg.ID)

	var summary strings.Builder
	fmt.Fprintf(&summary, "Technology change \"%s\" has been successfully registered.", data.Name)
	if sendNotifications {
		summary.WriteString(" Notifications have been sent to the department PICs.")
	}

	meta := backend.InitiativeMetadata{Name: data.Name, Description: data.Description}
	var outcome domain.IntegrationOutcome

	if data.Integrations.Jira {
		outcome.Jira.Attempted = true
		key := data.Integrations.JiraProjectKey
		if key == "" {
			key = o.defaultKey
		}
		details, err := o.tracker.CreateJiraIssues(ctx, backend.JiraIssuesRequest{
			ProjectKey:         key,
			InitiativeMetadata: meta,
		})
		if err != nil {
			o.logger.Warn("Failed to create Jira issues", "project_key", key, "error", err)
			outcome.Jira.ErrorNote = strings.TrimSpace(JiraFailureNote)
			summary.WriteString(JiraFailureNote)
		} else {
			outcome.Jira.Succeeded = true
			outcome.JiraDetail = details
			summary.WriteString(" Jira issues have been created for tracking.")
		}
	}

	if data.Integrations.Calendar {
		outcome.Calendar.Attempted = true
		details, err := o.calendar.CreateCalendarEvents(ctx, backend.CalendarEventsRequest{
			InitiativeData: meta,
			Sessions:       SessionPayloads(data.Integrations.CalendarSessions),
		})
		if err != nil {
			o.logger.Warn("Failed to schedule calendar events",
				"sessions", len(data.Integrations.CalendarSessions),
				"error", err,
			)
			outcome.Calendar.ErrorNote = strings.TrimSpace(CalendarFailureNote)
			summary.WriteString(CalendarFailureNote)
		} else {
			outcome.Calendar.Succeeded = true
			outcome.CalendarDetail = details
			summary.WriteString(" Training sessions have been scheduled in Google Calendar.")
		}
	}

	return &Result{
		Registration: reg,
		Summary:      summary.String(),
		Details:      FormatDetails(outcome),
		Outcome:      outcome,
	}, nil
}

// FailureDetail returns the message of the innermost cause of err, which is
// what the user sees after a failed registration.
func FailureDetail(err error) string {
	if err == nil {
		return ""
	}
	var se *backend.StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	for {
		var next error
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			if errs := u.Unwrap(); len(errs) > 0 {
				next = errs[len(errs)-1]
			}
		case interface{ Unwrap() error }:
			next = u.Unwrap()
		}
		if next == nil {
			break
		}
		err = next
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Unknown error"
}

// SessionPayloads converts wizard sessions into calendar requests with
// combined local start and end instants.
func SessionPayloads(sessions []domain.CalendarSession) []backend.CalendarSessionPayload {
	out := make([]backend.CalendarSessionPayload, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, backend.CalendarSessionPayload{
			Title:       s.Title,
			Description: s.Description,
			StartDate:   s.Date + "T" + s.StartTime + ":00",
			EndDate:     s.Date + "T" + s.EndTime + ":00",
			Location:    s.Location,
		})
	}
	return out
}

// FormatDetails itemises what the integrations produced. It returns "" when
// no integration returned details.
func FormatDetails(o domain.IntegrationOutcome) string {
	if !o.AnyAttempted() {
		return ""
	}
	var b strings.Builder

	if jd := o.JiraDetail; o.Jira.Succeeded && jd != nil {
		fmt.Fprintf(&b, "\n\n**Jira Integration**\nProject: %s\nItems created: %d\n", jd.ProjectKey, len(jd.CreatedItems))
		if len(jd.CreatedItems) > 0 {
			b.WriteString("\nCreated items:\n")
			for _, item := range jd.CreatedItems {
				fmt.Fprintf(&b, "- %s: %s\n", item.Type, item.Label())
			}
		}
	}

	if cd := o.CalendarDetail; o.Calendar.Succeeded && cd != nil {
		fmt.Fprintf(&b, "\n\n**Google Calendar Integration**\n%d sessions scheduled\n", len(cd.Events))
		if len(cd.Events) > 0 {
			b.WriteString("\nScheduled sessions:\n")
			for _, ev := range cd.Events {
				fmt.Fprintf(&b, "- %s (%s at %s)\n", ev.Title, ev.DisplayDate(), ev.DisplayTime())
				if ev.Link != "" {
					fmt.Fprintf(&b, "  [Add to calendar](%s)\n", ev.Link)
				}
			}
		}
	}

	if b.Len() == 0 {
		return ""
	}
	return "**Integration Details:**" + b.String()
}
