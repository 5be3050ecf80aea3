// Package tools implements the guided analysis tools: a resumable step
// protocol for scope, stakeholder and resistance analysis, and a single-shot
// communication review.
package tools

// Tool ids.
const (
	Scope         = "scope"
	Stakeholder   = "stakeholder"
	Resistance    = "resistance"
	Communication = "communication"
)

// Definition describes a tool as offered to the user.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Intro       string `json:"intro"`
	// Stepwise tools keep a step cursor between turns.
	Stepwise bool `json:"stepwise"`
}

var catalog = []Definition{
	{
		ID:          Scope,
		Name:        "Scope Analysis",
		Description: "Define and analyze the scope of your change initiative",
		Intro:       "Let's analyze the scope of your change initiative. Briefly describe the change you are planning.",
		Stepwise:    true,
	},
	{
		ID:          Communication,
		Name:        "Communication Review",
		Description: "Analyze and improve your change communications",
		Intro:       "Paste the full draft of your change communication and I'll review it for clarity, impact and tone.",
	},
	{
		ID:          Stakeholder,
		Name:        "Stakeholder Mapping",
		Description: "Identify and analyze key stakeholders",
		Intro:       "Let's map the stakeholders of your change. Tell me about the initiative and who it touches.",
		Stepwise:    true,
	},
	{
		ID:          Resistance,
		Name:        "Resistance Management",
		Description: "Strategies to manage emotional responses to change",
		Intro:       "Let's work through resistance to your change. Describe the reactions you are seeing or expecting.",
		Stepwise:    true,
	},
}

// Catalog returns every tool in display order.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the definition for a tool id.
func Lookup(id string) (Definition, bool) {
	for _, d := range catalog {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}
