package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/change-assist/internal/backend"
	"github.com/ashureev/change-assist/internal/domain"
)

// userInputKey holds the most recent free-text answer in a tool's input data.
const userInputKey = "user_input"

// Analyzer is the tool-analysis service.
type Analyzer interface {
	AdvanceTool(ctx context.Context, toolID string, req backend.ToolStepRequest) (*backend.ToolStepReply, error)
	ReviewCommunication(ctx context.Context, req backend.ReviewRequest) (*backend.Review, error)
}

// Protocol drives the step-oriented tools and keeps one cursor per tool.
// Cursors survive mode switches so a tool can be resumed where it was left.
// Not safe for concurrent use.
type Protocol struct {
	analyzer Analyzer
	states   map[string]*domain.ToolStepState
	logger   *slog.Logger
}

// NewProtocol creates a protocol backed by the given analyzer.
func NewProtocol(analyzer Analyzer, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		analyzer: analyzer,
		states:   make(map[string]*domain.ToolStepState),
		logger:   logger,
	}
}

// SetLogger replaces the logger used for step failures and progress.
func (p *Protocol) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Ensure lazily creates the cursor for a tool. Existing cursors are kept.
func (p *Protocol) Ensure(toolID string) {
	if _, ok := p.states[toolID]; ok {
		return
	}
	p.states[toolID] = &domain.ToolStepState{Step: 0, InputData: map[string]any{}}
}

// State returns a copy of a tool's cursor.
func (p *Protocol) State(toolID string) (domain.ToolStepState, bool) {
	st, ok := p.states[toolID]
	if !ok {
		return domain.ToolStepState{}, false
	}
	return st.Clone(), true
}

// States returns copies of every cursor.
func (p *Protocol) States() map[string]domain.ToolStepState {
	out := make(map[string]domain.ToolStepState, len(p.states))
	for id, st := range p.states {
		out[id] = st.Clone()
	}
	return out
}

// Advance runs one turn of the tool and returns the assistant turn to append.
// Service failures produce an error turn and leave the cursor untouched so the
// same step can be retried.
func (p *Protocol) Advance(ctx context.Context, toolID, rawInput string) domain.Turn {
	if toolID == Communication {
		return p.review(ctx, rawInput)
	}

	p.Ensure(toolID)
	current := p.states[toolID]

	input := cloneInput(current.InputData)
	if current.Step > 0 {
		input[userInputKey] = rawInput
	}

	reply, err := p.analyzer.AdvanceTool(ctx, toolID, backend.ToolStepRequest{
		Step:      current.Step,
		InputData: input,
	})
	if err != nil {
		p.logger.Warn("Tool step failed", "tool", toolID, "step", current.Step, "error", err)
		return toolErrorTurn(toolID)
	}

	next := &domain.ToolStepState{
		Step:          reply.NextStep,
		InputData:     reply.CurrentData,
		Analysis:      reply.Analysis,
		Visualization: reply.VisualizationData,
	}
	if next.InputData == nil {
		next.InputData = input
	}
	if next.Analysis == nil {
		next.Analysis = current.Analysis
	}
	if next.Visualization == nil {
		next.Visualization = current.Visualization
	}
	p.states[toolID] = next

	p.logger.Debug("Tool step advanced", "tool", toolID, "from", current.Step, "to", next.Step)

	turn := domain.AssistantTurn(reply.Prompt)
	turn.ToolID = toolID
	turn.Analysis = reply.Analysis
	turn.Visualization = reply.VisualizationData
	return turn
}

func (p *Protocol) review(ctx context.Context, draft string) domain.Turn {
	review, err := p.analyzer.ReviewCommunication(ctx, backend.ReviewRequest{
		Draft:         draft,
		Audience:      DefaultAudience,
		Purpose:       DefaultPurpose,
		ChangeContext: DefaultChangeContext,
	})
	if err != nil {
		p.logger.Warn("Communication review failed", "error", err)
		return toolErrorTurn(Communication)
	}

	turn := domain.AssistantTurn(FormatReview(review))
	turn.ToolID = Communication
	turn.Analysis = reviewAnalysis(review)
	return turn
}

func toolErrorTurn(toolID string) domain.Turn {
	turn := domain.ErrorTurn(fmt.Sprintf(
		"Sorry, I encountered an error while using the %s tool. Please try again or use a different approach.", toolID))
	turn.ToolID = toolID
	return turn
}

func reviewAnalysis(r *backend.Review) map[string]any {
	out := map[string]any{
		"quick_assessment":  r.QuickAssessment,
		"strengths":         r.Strengths,
		"improvement_areas": r.ImprovementAreas,
		"revised_draft":     r.RevisedDraft,
	}
	if r.Scores != nil {
		out["scores"] = map[string]any{
			"clarity":        r.Scores.Clarity,
			"impact":         r.Scores.Impact,
			"completeness":   r.Scores.Completeness,
			"emotional_tone": r.Scores.EmotionalTone,
			"call_to_action": r.Scores.CallToAction,
			"overall":        r.Scores.Overall,
		}
	}
	return out
}

func cloneInput(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
