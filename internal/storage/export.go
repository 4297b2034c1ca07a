package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michaelbrown/fixloop/internal/repair"
)

// ExportMarkdown renders a run and its attempts as a markdown document.
func ExportMarkdown(run *Run, attempts []repair.Attempt) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# %s\n\n", run.Task))
	b.WriteString(fmt.Sprintf("- **Run:** %s\n", run.ID))
	b.WriteString(fmt.Sprintf("- **Language:** %s\n", run.Language))
	if run.Provider != "" {
		b.WriteString(fmt.Sprintf("- **Provider:** %s\n", run.Provider))
	}
	if run.Model != "" {
		b.WriteString(fmt.Sprintf("- **Model:** %s\n", run.Model))
	}
	if run.Profile != "" {
		b.WriteString(fmt.Sprintf("- **Profile:** %s\n", run.Profile))
	}
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", run.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", run.Status))
	if run.Error != "" {
		b.WriteString(fmt.Sprintf("- **Error:** %s\n", run.Error))
	}
	b.WriteString("\n---\n\n")

	for _, a := range attempts {
		b.WriteString(fmt.Sprintf("## Attempt %d: %s\n\n", a.Index, a.Result))
		b.WriteString(fmt.Sprintf("```%s\n%s\n```\n\n", run.Language, strings.TrimRight(a.Source, "\n")))
		if out := a.Output(); out != "" {
			b.WriteString(fmt.Sprintf("<details>\n<summary>Output</summary>\n\n```\n%s\n```\n</details>\n\n", out))
		}
		if errText := a.Error(); errText != "" {
			b.WriteString(fmt.Sprintf("<details>\n<summary>Error</summary>\n\n```\n%s\n```\n</details>\n\n", errText))
		}
	}

	return b.String()
}

// ExportJSON renders a run and its attempts as formatted JSON.
func ExportJSON(run *Run, attempts []repair.Attempt) ([]byte, error) {
	export := struct {
		Run      *Run             `json:"run"`
		Attempts []repair.Attempt `json:"attempts"`
	}{
		Run:      run,
		Attempts: attempts,
	}
	return json.MarshalIndent(export, "", "  ")
}
