package domain

// ModeKind is the routing target of the dispatcher.
type ModeKind string

const (
	// ModeChat forwards input to the chat-completion service.
	ModeChat ModeKind = "chat"
	// ModeTool forwards input to one tool's step protocol.
	ModeTool ModeKind = "tool"
	// ModeAgent forwards input to the registration wizard.
	ModeAgent ModeKind = "agent"
)

// Mode is exactly one of Chat, Tool(id) or Agent.
// ToolID is set only when Kind is ModeTool.
type Mode struct {
	Kind   ModeKind `json:"kind"`
	ToolID string   `json:"tool_id,omitempty"`
}

// ChatMode returns the plain chat mode.
func ChatMode() Mode { return Mode{Kind: ModeChat} }

// ToolMode returns the mode routing to the given tool.
func ToolMode(toolID string) Mode { return Mode{Kind: ModeTool, ToolID: toolID} }

// AgentMode returns the wizard mode.
func AgentMode() Mode { return Mode{Kind: ModeAgent} }

// IsChat reports whether no tool or agent is active.
func (m Mode) IsChat() bool { return m.Kind == ModeChat || m.Kind == "" }

// IsTool reports whether a tool is active.
func (m Mode) IsTool() bool { return m.Kind == ModeTool }

// IsAgent reports whether the wizard is active.
func (m Mode) IsAgent() bool { return m.Kind == ModeAgent }

func (m Mode) String() string {
	if m.IsTool() {
		return string(ModeTool) + ":" + m.ToolID
	}
	if m.Kind == "" {
		return string(ModeChat)
	}
	return string(m.Kind)
}
