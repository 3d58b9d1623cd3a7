// Package summary builds the rolling session summary. The builder is
// rule based and deterministic so identical inputs always produce the
// same markdown, which keeps session continuity reproducible.
package summary

import "strings"

const (
	// MaxLength bounds the rolling summary in characters.
	MaxLength = 4000

	pickLimit = 300
)

// Input carries everything the builder looks at for one completed turn.
type Input struct {
	PreviousSummary string
	UserText        string
	AssistantText   string
	CommandNotes    []string
	ErrorText       string
}

// Build produces the next rolling summary from the prior one and the
// just-finished turn.
func Build(in Input) string {
	goal := pickLine(in.UserText, "- Process the current user request")
	decisions := pickLine(in.AssistantText, "- Assistant response generated")
	constraints := "- Keep Telegram to CLI bridge context stable"

	openIssues := "- none"
	if in.ErrorText != "" {
		openIssues = "- " + in.ErrorText
	}

	artifacts := "- no command execution notes"
	if len(in.CommandNotes) > 0 {
		notes := in.CommandNotes
		if len(notes) > 10 {
			notes = notes[:10]
		}
		lines := make([]string, 0, len(notes))
		for _, note := range notes {
			lines = append(lines, "- "+note)
		}
		artifacts = strings.Join(lines, "\n")
	}

	var b strings.Builder
	if prev := strings.TrimSpace(in.PreviousSummary); prev != "" {
		b.WriteString("## Previous Summary\n")
		b.WriteString(prev)
		b.WriteString("\n\n")
	}
	b.WriteString("## Goal\n")
	b.WriteString(goal)
	b.WriteString("\n\n## Decisions\n")
	b.WriteString(decisions)
	b.WriteString("\n\n## Constraints\n")
	b.WriteString(constraints)
	b.WriteString("\n\n## Open Issues\n")
	b.WriteString(openIssues)
	b.WriteString("\n\n## Key Artifacts\n")
	b.WriteString(artifacts)
	b.WriteString("\n")
	return trim(b.String())
}

// BuildRecoveryPreamble wraps a stored summary for injection ahead of
// the next adapter prompt. Empty summaries yield an empty preamble.
func BuildRecoveryPreamble(summaryMD string) string {
	if strings.TrimSpace(summaryMD) == "" {
		return ""
	}
	return "[Session Memory Summary]\n" +
		"Continue work while preserving prior context using this summary.\n\n" +
		trim(summaryMD)
}

func pickLine(text, fallback string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	single := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	runes := []rune(single)
	if len(runes) <= pickLimit {
		return "- " + single
	}
	return "- " + string(runes[:pickLimit-3]) + "..."
}

func trim(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxLength {
		return text
	}
	return string(runes[:MaxLength-16]) + "\n\n[truncated]"
}
