package assistant

import (
	"time"

	"github.com/ashureev/change-assist/internal/domain"
	"github.com/ashureev/change-assist/internal/tools"
	"github.com/ashureev/change-assist/internal/wizard"
)

// Snapshot is a read-only view of a dispatcher between calls.
type Snapshot struct {
	ConversationID string                          `json:"conversation_id"`
	Mode           domain.Mode                     `json:"mode"`
	Busy           bool                            `json:"busy"`
	InputHint      string                          `json:"input_hint"`
	Wizard         *WizardSnapshot                 `json:"wizard,omitempty"`
	ToolStates     map[string]domain.ToolStepState `json:"tool_states"`
	Directory      wizard.Directory                `json:"directory"`
	Turns          []domain.Turn                   `json:"turns"`
	UpdatedAt      time.Time                       `json:"updated_at"`
}

// WizardSnapshot is the wizard's position and collected data.
type WizardSnapshot struct {
	Step     wizard.Step       `json:"step"`
	StepName string            `json:"step_name"`
	Data     domain.WizardData `json:"data"`
}

// publish stores a fresh snapshot. Only the busy holder (or New) calls it.
func (d *Dispatcher) publish() {
	snap := &Snapshot{
		ConversationID: d.session.ConversationID(),
		Mode:           d.mode,
		InputHint:      d.inputHint(),
		ToolStates:     d.protocol.States(),
		Directory:      d.dir,
		Turns:          d.session.Turns(),
		UpdatedAt:      d.now(),
	}
	if d.mode.IsAgent() && d.wizard != nil {
		step := d.wizard.Step()
		snap.Wizard = &WizardSnapshot{
			Step:     step,
			StepName: step.String(),
			Data:     d.wizard.Data(),
		}
	}
	d.snapshot.Store(snap)
}

func (d *Dispatcher) inputHint() string {
	switch {
	case d.mode.IsAgent() && d.wizard != nil:
		return d.wizard.InputHint()
	case d.mode.IsTool() && d.mode.ToolID == tools.Communication:
		return "Paste your communication draft here..."
	}
	return "Type your message..."
}
