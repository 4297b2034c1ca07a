// Package storage persists finished repair runs and their attempts.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/fixloop/internal/repair"
)

var (
	// ErrNotFound is returned when no run matches an ID or prefix.
	ErrNotFound = errors.New("run not found")
	// ErrAmbiguousID is returned when a prefix matches more than one run.
	ErrAmbiguousID = errors.New("ambiguous run id")
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = RunStatus(repair.OutcomeRunning)
	StatusSucceeded RunStatus = RunStatus(repair.OutcomeSucceeded)
	StatusExhausted RunStatus = RunStatus(repair.OutcomeExhausted)
	StatusAborted   RunStatus = RunStatus(repair.OutcomeAborted)
)

// Run is the metadata for a saved repair run.
type Run struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Status    RunStatus `json:"status"`
	Language  string    `json:"language"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Profile   string    `json:"profile"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status RunStatus
	Limit  int
	Offset int
}

// Store is the persistence interface for runs and attempts.
type Store interface {
	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or unique ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by updated_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// UpdateRun updates mutable fields (status, attempts, error, updated_at).
	UpdateRun(ctx context.Context, r *Run) error

	// DeleteRun removes a run and its attempts.
	DeleteRun(ctx context.Context, id string) error

	// SaveAttempts overwrites the attempt history of a run.
	SaveAttempts(ctx context.Context, runID string, attempts []repair.Attempt) error

	// LoadAttempts returns the attempts of a run in order.
	LoadAttempts(ctx context.Context, runID string) ([]repair.Attempt, error)

	// Close releases resources.
	Close() error
}

// RunFromTranscript builds run metadata from a transcript.
func RunFromTranscript(t *repair.Transcript) *Run {
	return &Run{
		ID:       t.ID,
		Task:     string(t.Task),
		Status:   RunStatus(t.Outcome),
		Language: t.Language,
		Attempts: t.Len(),
		Error:    t.Error,
	}
}
