package tools

import (
	"fmt"
	"strings"

	"github.com/ashureev/change-assist/internal/backend"
)

// Fixed context sent with every communication review.
const (
	DefaultAudience      = "All employees"
	DefaultPurpose       = "Inform about change"
	DefaultChangeContext = "Organizational change"
)

// FormatReview renders a communication review as a Markdown report.
func FormatReview(review *backend.Review) string {
	if review == nil {
		return "Sorry, I couldn't analyze the communication draft."
	}

	var b strings.Builder
	b.WriteString("## Communication Review\n\n")

	assessment := review.QuickAssessment
	if assessment == "" {
		assessment = "No assessment provided."
	}
	fmt.Fprintf(&b, "### Overall Assessment\n%s\n\n", assessment)

	b.WriteString("### Scores\n")
	if s := review.Scores; s != nil {
		b.WriteString("| Dimension | Score |\n|---|---|\n")
		fmt.Fprintf(&b, "| Clarity | %d/100 |\n", s.Clarity)
		fmt.Fprintf(&b, "| Impact | %d/100 |\n", s.Impact)
		fmt.Fprintf(&b, "| Completeness | %d/100 |\n", s.Completeness)
		fmt.Fprintf(&b, "| Emotional Tone | %d/100 |\n", s.EmotionalTone)
		fmt.Fprintf(&b, "| Call to Action | %d/100 |\n", s.CallToAction)
		fmt.Fprintf(&b, "| Overall Score | %d/100 |\n", s.Overall)
	} else {
		b.WriteString("No scores provided.\n")
	}
	b.WriteString("\n")

	b.WriteString("### Strengths\n")
	writeNumbered(&b, review.Strengths, "No specific strengths identified.")
	b.WriteString("\n")

	b.WriteString("### Areas for Improvement\n")
	writeNumbered(&b, review.ImprovementAreas, "No specific improvement areas identified.")
	b.WriteString("\n")

	b.WriteString("### Revised Draft\n\n")
	if review.RevisedDraft != "" {
		b.WriteString(review.RevisedDraft)
	} else {
		b.WriteString("No revised draft available.")
	}

	return b.String()
}

func writeNumbered(b *strings.Builder, items []string, empty string) {
	if len(items) == 0 {
		b.WriteString(empty)
		b.WriteString("\n")
		return
	}
	for i, item := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, item)
	}
}
