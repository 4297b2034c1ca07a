package oracle

import (
	"fmt"
	"strings"

	"github.com/michaelbrown/fixloop/internal/sandbox"
)

// Prompt is a structured request for code. A nil Prior means an initial
// request; otherwise it asks for a repair of the prior attempt.
type Prompt struct {
	Task     string        `json:"task"`
	Language string        `json:"language"`
	Prior    *PriorAttempt `json:"prior,omitempty"`
}

// PriorAttempt carries the failed attempt a repair prompt refers to.
type PriorAttempt struct {
	Attempt int             `json:"attempt"`
	Source  string          `json:"source"`
	Failure sandbox.Failure `json:"failure"`
}

// Initial builds the first prompt for a task.
func Initial(task, language string) Prompt {
	return Prompt{Task: task, Language: language}
}

// Repair builds a prompt asking to fix source that failed with f.
func Repair(task, language string, attempt int, source string, f sandbox.Failure) Prompt {
	return Prompt{
		Task:     task,
		Language: language,
		Prior:    &PriorAttempt{Attempt: attempt, Source: source, Failure: f},
	}
}

// IsRepair reports whether p refers to a prior failed attempt.
func (p Prompt) IsRepair() bool {
	return p.Prior != nil
}

func (p Prompt) language() string {
	if p.Language == "" {
		return sandbox.Python.Display
	}
	return p.Language
}

// Render turns a prompt into the text sent to the model.
func Render(p Prompt) string {
	lang := p.language()
	if !p.IsRepair() {
		return fmt.Sprintf("Write %s code to %s. Do not add any explanation, just the code.", lang, p.Task)
	}

	var sb strings.Builder
	sb.WriteString("The code failed.\n")
	fmt.Fprintf(&sb, "Original task: '%s'.\n", p.Task)
	sb.WriteString("---\n")
	sb.WriteString("Faulty Code:\n")
	sb.WriteString(strings.TrimRight(p.Prior.Source, "\n"))
	sb.WriteString("\n---\n")

	switch p.Prior.Failure.Kind {
	case sandbox.StatusTimeout:
		sb.WriteString("Error Message (the program did not finish within its time budget):\n")
	case sandbox.StatusInfrastructureError:
		sb.WriteString("Error Message (the execution environment failed, not necessarily the code):\n")
	default:
		sb.WriteString("Error Message:\n")
	}
	sb.WriteString(strings.TrimRight(p.Prior.Failure.Message, "\n"))
	sb.WriteString("\n---\n")

	switch p.Prior.Failure.Kind {
	case sandbox.StatusTimeout:
		fmt.Fprintf(&sb, "Fix the code so it terminates quickly. Provide only the complete, corrected %s code.", lang)
	case sandbox.StatusInfrastructureError:
		fmt.Fprintf(&sb, "If the code is correct, return it unchanged. Provide only the complete %s code.", lang)
	default:
		fmt.Fprintf(&sb, "Fix the code. Provide only the complete, corrected %s code.", lang)
	}
	return sb.String()
}
