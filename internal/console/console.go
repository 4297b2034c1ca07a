// Package console prints repair-loop progress for people at a terminal.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/michaelbrown/fixloop/internal/oracle"
	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

// maxShown caps how much program output or error text is echoed per attempt.
const maxShown = 2000

type scheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	dim     *color.Color
}

func newScheme(enabled bool) *scheme {
	s := &scheme{
		success: color.New(color.FgGreen, color.Bold),
		fail:    color.New(color.FgRed, color.Bold),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
		dim:     color.New(color.Faint),
	}
	for _, c := range []*color.Color{s.success, s.fail, s.warn, s.label, s.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

// Printer writes progress lines. It is safe for concurrent use.
type Printer struct {
	w           io.Writer
	mu          sync.Mutex
	colors      *scheme
	maxAttempts int
	showCode    bool
	streaming   bool
}

// NewPrinter creates a Printer. Colors are used only when w is a terminal
// and NO_COLOR is unset.
func NewPrinter(w io.Writer, maxAttempts int) *Printer {
	return &Printer{
		w:           w,
		colors:      newScheme(isTerminal(w)),
		maxAttempts: maxAttempts,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ShowCode makes the printer echo each candidate program.
func (p *Printer) ShowCode(show bool) {
	p.showCode = show
}

// Attach routes the controller's progress hooks to the printer.
func (p *Printer) Attach(c *repair.Controller) {
	c.OnGenerate = p.Generating
	c.OnAttempt = p.Attempt
}

// Generating announces a request to the oracle.
func (p *Printer) Generating(attempt int, prompt oracle.Prompt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kind := "generating code"
	if prompt.IsRepair() {
		kind = "requesting a fix"
	}
	fmt.Fprintf(p.w, "%s %s...\n", p.colors.label.Sprintf("[attempt %d/%d]", attempt, p.maxAttempts), kind)
	p.streaming = false
}

// Delta echoes streamed model text.
func (p *Printer) Delta(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.colors.dim.Fprint(p.w, text)
	p.streaming = true
}

// Attempt reports an execution result.
func (p *Printer) Attempt(a repair.Attempt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streaming {
		fmt.Fprintln(p.w)
		p.streaming = false
	}

	if p.showCode {
		fmt.Fprintf(p.w, "%s\n%s\n", p.colors.dim.Sprint("--- code ---"), strings.TrimRight(a.Source, "\n"))
	}

	label := p.colors.label.Sprintf("[attempt %d/%d]", a.Index, p.maxAttempts)
	switch a.Result.Status {
	case sandbox.StatusSuccess:
		fmt.Fprintf(p.w, "%s %s\n", label, p.colors.success.Sprint("success"))
		if out := a.Output(); out != "" {
			fmt.Fprintf(p.w, "%s\n%s\n", p.colors.dim.Sprint("--- output ---"), clip(out))
		}
	case sandbox.StatusInfrastructureError:
		fmt.Fprintf(p.w, "%s %s %s\n", label, p.colors.warn.Sprint("environment error:"), a.Error())
	default:
		fmt.Fprintf(p.w, "%s %s\n", label, p.colors.fail.Sprint(a.Result.String()))
		fmt.Fprintf(p.w, "%s\n%s\n", p.colors.dim.Sprint("--- error ---"), clip(a.Error()))
	}
	if a.InfraRetries > 0 {
		fmt.Fprintf(p.w, "%s\n", p.colors.warn.Sprintf("(%d environment retries)", a.InfraRetries))
	}
}

// Summary prints the run outcome and, if set, where artifacts were saved.
func (p *Printer) Summary(t *repair.Transcript, savedTo string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch t.Outcome {
	case repair.OutcomeSucceeded:
		fmt.Fprintf(p.w, "%s after %d attempt(s)\n", p.colors.success.Sprint("Succeeded"), t.Len())
	case repair.OutcomeExhausted:
		fmt.Fprintf(p.w, "%s: no working program after %d attempt(s)\n", p.colors.fail.Sprint("Failed"), t.Len())
		if last, ok := t.Last(); ok {
			fmt.Fprintf(p.w, "Last error:\n%s\n", clip(last.Error()))
		}
	default:
		fmt.Fprintf(p.w, "%s: %s\n", p.colors.fail.Sprint("Aborted"), t.Error)
	}
	fmt.Fprintf(p.w, "%s %s\n", p.colors.dim.Sprint("run"), t.ID)
	if savedTo != "" {
		fmt.Fprintf(p.w, "%s %s\n", p.colors.dim.Sprint("saved to"), savedTo)
	}
}

func clip(s string) string {
	if len(s) <= maxShown {
		return s
	}
	return s[:maxShown] + "\n... (truncated)"
}
