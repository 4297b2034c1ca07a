package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/michaelbrown/fixloop/internal/repair"
)

// Recorder saves transcripts into a Store. It creates the run if it does not
// exist yet and otherwise updates it in place.
type Recorder struct {
	Store    Store
	Provider string
	Model    string
	Profile  string
}

var _ repair.Recorder = (*Recorder)(nil)

func (r *Recorder) Record(ctx context.Context, t *repair.Transcript) error {
	run := RunFromTranscript(t)
	run.Provider, run.Model, run.Profile = r.Provider, r.Model, r.Profile

	existing, err := r.Store.GetRun(ctx, t.ID)
	switch {
	case err == nil && existing.ID == t.ID:
		run.CreatedAt = existing.CreatedAt
		if err := r.Store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("updating run %s: %w", t.ID, err)
		}
	case err == nil || errors.Is(err, ErrNotFound):
		if err := r.Store.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("creating run %s: %w", t.ID, err)
		}
	default:
		return err
	}

	if err := r.Store.SaveAttempts(ctx, t.ID, t.Attempts); err != nil {
		return fmt.Errorf("saving attempts of run %s: %w", t.ID, err)
	}
	return nil
}
