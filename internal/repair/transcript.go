package repair

import (
	"time"

	"github.com/michaelbrown/fixloop/internal/sandbox"
)

// Task is the natural-language description of the program to build.
type Task string

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeAborted   Outcome = "aborted"
)

// Attempt is one generate-then-execute cycle. Attempts are immutable once
// appended to a transcript.
type Attempt struct {
	Index        int            `json:"attempt"`
	Source       string         `json:"code"`
	Result       sandbox.Result `json:"result"`
	Repair       bool           `json:"repair"`
	InfraRetries int            `json:"infra_retries,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Output is the captured stdout, empty unless the attempt succeeded.
func (a Attempt) Output() string {
	if a.Result.OK() {
		return a.Result.Stdout
	}
	return ""
}

// Error is the failure detail, empty if the attempt succeeded.
func (a Attempt) Error() string {
	if f, ok := a.Result.Failure(); ok {
		return f.Message
	}
	return ""
}

// Transcript is the ordered record of every attempt made for one task.
type Transcript struct {
	ID         string    `json:"id"`
	Task       Task      `json:"task"`
	Language   string    `json:"language"`
	Outcome    Outcome   `json:"outcome"`
	Attempts   []Attempt `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

func newTranscript(id string, task Task, language string) *Transcript {
	return &Transcript{
		ID:        id,
		Task:      task,
		Language:  language,
		Outcome:   OutcomeRunning,
		StartedAt: time.Now(),
	}
}

// Len returns the number of attempts made.
func (t *Transcript) Len() int {
	return len(t.Attempts)
}

// Last returns the most recent attempt.
func (t *Transcript) Last() (Attempt, bool) {
	if len(t.Attempts) == 0 {
		return Attempt{}, false
	}
	return t.Attempts[len(t.Attempts)-1], true
}

// FinalSource returns the source of the last attempt, or "" if none ran.
func (t *Transcript) FinalSource() string {
	last, ok := t.Last()
	if !ok {
		return ""
	}
	return last.Source
}

// Succeeded reports whether the run ended in success.
func (t *Transcript) Succeeded() bool {
	return t.Outcome == OutcomeSucceeded
}
