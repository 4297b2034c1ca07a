package repair

import (
	"context"
	"errors"
)

// Recorder persists a transcript once a run reaches a terminal state.
type Recorder interface {
	Record(ctx context.Context, t *Transcript) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, t *Transcript) error

func (f RecorderFunc) Record(ctx context.Context, t *Transcript) error {
	return f(ctx, t)
}

// MultiRecorder fans a transcript out to every recorder, in order. All
// recorders are called even if an earlier one fails.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, t *Transcript) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
