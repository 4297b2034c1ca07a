package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/fixloop/internal/oracle"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

// scriptedGateway returns sources in order and remembers every prompt.
type scriptedGateway struct {
	mu      sync.Mutex
	sources []string
	err     error
	errAt   int // 1-based call that fails; 0 never
	prompts []oracle.Prompt
}

func (g *scriptedGateway) Generate(_ context.Context, p oracle.Prompt) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, p)
	n := len(g.prompts)
	if g.errAt == n {
		return "", g.err
	}
	if n <= len(g.sources) {
		return g.sources[n-1], nil
	}
	return fmt.Sprintf("print(%d)", n), nil
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

// scriptedExecutor returns results in order, repeating the last one.
type scriptedExecutor struct {
	mu      sync.Mutex
	results []sandbox.Result
	sources []string
	err     error
}

func (e *scriptedExecutor) Execute(_ context.Context, source string, spec sandbox.Spec) (sandbox.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := spec.Validate(); err != nil {
		return sandbox.Result{}, err
	}
	e.sources = append(e.sources, source)
	if e.err != nil {
		return sandbox.Result{}, e.err
	}
	i := len(e.sources) - 1
	if i >= len(e.results) {
		i = len(e.results) - 1
	}
	return e.results[i], nil
}

func (e *scriptedExecutor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sources)
}

type captureRecorder struct {
	got []*Transcript
	err error
}

func (r *captureRecorder) Record(_ context.Context, t *Transcript) error {
	r.got = append(r.got, t)
	return r.err
}

func newController(t *testing.T, gw oracle.Gateway, ex sandbox.Executor, opts Options, rec Recorder) *Controller {
	t.Helper()
	c, err := New(gw, ex, opts, WithRecorder(rec))
	require.NoError(t, err)
	return c
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	// Off-by-one output still exits 0, so it counts as success.
	gw := &scriptedGateway{sources: []string{"for i in range(11): print(i, end=' ')"}}
	ex := &scriptedExecutor{results: []sandbox.Result{sandbox.Success("0 1 2 3 4 5 6 7 8 9 10")}}
	rec := &captureRecorder{}

	tr, err := newController(t, gw, ex, Options{MaxAttempts: 3}, rec).Run(context.Background(), "print numbers 0..9 space-separated")
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, tr.Outcome)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, 1, gw.calls())
	assert.False(t, gw.prompts[0].IsRepair())
	assert.Equal(t, "0 1 2 3 4 5 6 7 8 9 10", tr.Attempts[0].Output())
	require.Len(t, rec.got, 1)
	assert.Same(t, tr, rec.got[0])
}

func TestRunRepairPromptCarriesStderr(t *testing.T) {
	stderr := "Traceback (most recent call last):\n  File \"/app/main.py\", line 1, in <module>\nZeroDivisionError: division by zero"
	gw := &scriptedGateway{sources: []string{"print(1/0)", "print('fixed')"}}
	ex := &scriptedExecutor{results: []sandbox.Result{
		sandbox.RuntimeFailure(stderr, 1),
		sandbox.Success("fixed"),
	}}

	tr, err := newController(t, gw, ex, Options{MaxAttempts: 3}, nil).Run(context.Background(), "divide by zero intentionally")
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, tr.Outcome)
	require.Equal(t, 2, tr.Len())
	assert.Equal(t, sandbox.StatusRuntimeFailure, tr.Attempts[0].Result.Status)
	assert.Equal(t, stderr, tr.Attempts[0].Error())
	assert.True(t, tr.Attempts[1].Repair)

	require.Len(t, gw.prompts, 2)
	repair := gw.prompts[1]
	require.True(t, repair.IsRepair())
	assert.Equal(t, 1, repair.Prior.Attempt)
	assert.Equal(t, "print(1/0)", repair.Prior.Source)
	assert.Equal(t, stderr, repair.Prior.Failure.Message)
	assert.Contains(t, oracle.Render(repair), stderr)
}

func TestRunExhaustsAfterMaxAttempts(t *testing.T) {
	gw := &scriptedGateway{}
	ex := &scriptedExecutor{results: []sandbox.Result{sandbox.RuntimeFailure("boom", 1)}}
	rec := &captureRecorder{}

	tr, err := newController(t, gw, ex, Options{MaxAttempts: 3}, rec).Run(context.Background(), "always fails")
	require.NoError(t, err, "exhaustion is not an error")

	assert.Equal(t, OutcomeExhausted, tr.Outcome)
	assert.Equal(t, 3, tr.Len())
	assert.Equal(t, 3, gw.calls(), "no fourth oracle call")
	assert.Equal(t, 3, ex.calls())
	require.Len(t, rec.got, 1)
	assert.Equal(t, OutcomeExhausted, rec.got[0].Outcome)
}

func TestRunNeverExceedsCeiling(t *testing.T) {
	for k := 1; k <= 6; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			gw := &scriptedGateway{}
			ex := &scriptedExecutor{results: []sandbox.Result{sandbox.Timeout(time.Second, time.Second)}}
			tr, err := newController(t, gw, ex, Options{MaxAttempts: k}, nil).Run(context.Background(), "loop forever")
			require.NoError(t, err)
			assert.Equal(t, OutcomeExhausted, tr.Outcome)
			assert.Equal(t, k, tr.Len())
			assert.Equal(t, k, gw.calls())
			for i, a := range tr.Attempts {
				assert.Equal(t, i+1, a.Index)
			}
		})
	}
}

func TestRunStopsAtFirstSuccess(t *testing.T) {
	const k = 5
	for i := 1; i <= k; i++ {
		t.Run(fmt.Sprintf("success at %d", i), func(t *testing.T) {
			results := make([]sandbox.Result, 0, i)
			for j := 1; j < i; j++ {
				results = append(results, sandbox.RuntimeFailure("err", 1))
			}
			results = append(results, sandbox.Success("ok"))
			gw := &scriptedGateway{}
			ex := &scriptedExecutor{results: results}

			tr, err := newController(t, gw, ex, Options{MaxAttempts: k}, nil).Run(context.Background(), "task")
			require.NoError(t, err)
			assert.Equal(t, OutcomeSucceeded, tr.Outcome)
			assert.Equal(t, i, tr.Len())
			assert.Equal(t, i, ex.calls())
		})
	}
}

func TestRunOracleFailureIsFatal(t *testing.T) {
	boom := errors.New("model unavailable")
	gw := &scriptedGateway{err: boom, errAt: 2}
	ex := &scriptedExecutor{results: []sandbox.Result{sandbox.RuntimeFailure("err", 1)}}
	rec := &captureRecorder{}

	tr, err := newController(t, gw, ex, Options{MaxAttempts: 5}, rec).Run(context.Background(), "task")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var oerr *OracleError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, 2, oerr.Attempt)

	assert.Equal(t, OutcomeAborted, tr.Outcome)
	assert.Equal(t, 1, tr.Len(), "already-recorded attempts remain, failed generation adds none")
	assert.Equal(t, 1, ex.calls())
	require.Len(t, rec.got, 1, "aborted runs are still recorded")
	assert.NotEmpty(t, rec.got[0].Error)
}

func TestRunEmptySourceIsOracleFailure(t *testing.T) {
	gw := &scriptedGateway{sources: []string{"  \n"}}
	ex := &scriptedExecutor{results: []sandbox.Result{sandbox.Success("")}}

	tr, err := newController(t, gw, ex, Options{MaxAttempts: 2}, nil).Run(context.Background(), "task")
	assert.ErrorIs(t, err, oracle.ErrEmptyCode)
	assert.Equal(t, OutcomeAborted, tr.Outcome)
	assert.Zero(t, ex.calls())
}

func TestRunInfraConsumesAttempt(t *testing.T) {
	gw := &scriptedGateway{}
	ex := &scriptedExecutor{results: []sandbox.Result{
		sandbox.InfrastructureError("daemon unreachable"),
		sandbox.Success("ok"),
	}}

	tr, err := newController(t, gw, ex, Options{MaxAttempts: 3}, nil).Run(context.Background(), "task")
	require.NoError(t, err)
	require.Equal(t, 2, tr.Len())
	assert.Equal(t, sandbox.StatusInfrastructureError, tr.Attempts[0].Result.Status)

	require.Len(t, gw.prompts, 2)
	assert.True(t, gw.prompts[1].Prior.Failure.Environmental())
	assert.Contains(t, oracle.Render(gw.prompts[1]), "execution environment failed")
}

func TestRunInfraRetryKeepsAttempt(t *testing.T) {
	gw := &scriptedGateway{}
	ex := &scriptedExecutor{results: []sandbox.Result{
		sandbox.InfrastructureError("daemon unreachable"),
		sandbox.InfrastructureError("daemon unreachable"),
		sandbox.Success("ok"),
	}}
	opts := Options{MaxAttempts: 1, InfraPolicy: InfraRetry, InfraRetries: 2, InfraBackoff: time.Millisecond}

	tr, err := newController(t, gw, ex, opts, nil).Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, tr.Outcome)
	require.Equal(t, 1, tr.Len())
	assert.Equal(t, 2, tr.Attempts[0].InfraRetries)
	assert.Equal(t, 1, gw.calls())
	assert.Equal(t, 3, ex.calls())
	assert.Equal(t, []string{"print(1)", "print(1)", "print(1)"}, ex.sources, "same source re-executed")
}

func TestRunInfraRetryGivesUp(t *testing.T) {
	gw := &scriptedGateway{}
	ex := &scriptedExecutor{results: []sandbox.Result{sandbox.InfrastructureError("image unavailable")}}
	opts := Options{MaxAttempts: 2, InfraPolicy: InfraRetry, InfraRetries: 1}

	tr, err := newController(t, gw, ex, opts, nil).Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, tr.Outcome)
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, 4, ex.calls())
}

func TestRunCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := &scriptedGateway{}
	ex := &scriptedExecutor{results: []sandbox.Result{sandbox.RuntimeFailure("err", 1)}}
	rec := &captureRecorder{}
	c := newController(t, gw, ex, Options{MaxAttempts: 5}, rec)
	c.OnAttempt = func(a Attempt) {
		if a.Index == 2 {
			cancel()
		}
	}

	tr, err := c.Run(ctx, "task")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeAborted, tr.Outcome)
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, 2, gw.calls())
	require.Len(t, rec.got, 1)
}

func TestRunExecutorErrorAborts(t *testing.T) {
	gw := &scriptedGateway{}
	ex := &scriptedExecutor{err: context.DeadlineExceeded}

	tr, err := newController(t, gw, ex, Options{MaxAttempts: 3}, nil).Run(context.Background(), "task")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeAborted, tr.Outcome)
	assert.Zero(t, tr.Len())
}

func TestRunRecorderFailurePropagates(t *testing.T) {
	gw := &scriptedGateway{}
	ex := &scriptedExecutor{results: []sandbox.Result{sandbox.Success("ok")}}
	rec := &captureRecorder{err: errors.New("disk full")}

	tr, err := newController(t, gw, ex, Options{MaxAttempts: 1}, rec).Run(context.Background(), "task")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, OutcomeSucceeded, tr.Outcome)
}

func TestRunHooksObserveOrder(t *testing.T) {
	gw := &scriptedGateway{}
	ex := &scriptedExecutor{results: []sandbox.Result{
		sandbox.RuntimeFailure("err", 1),
		sandbox.Success("ok"),
	}}
	c := newController(t, gw, ex, Options{MaxAttempts: 3}, nil)

	var events []string
	c.OnState = func(s State, attempt int) { events = append(events, fmt.Sprintf("%s:%d", s, attempt)) }
	c.OnGenerate = func(attempt int, p oracle.Prompt) {
		events = append(events, fmt.Sprintf("prompt:%d:%t", attempt, p.IsRepair()))
	}
	c.OnAttempt = func(a Attempt) { events = append(events, fmt.Sprintf("attempt:%d", a.Index)) }

	_, err := c.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"init:0",
		"generating:1", "prompt:1:false", "executing:1", "attempt:1", "deciding:1",
		"generating:2", "prompt:2:true", "executing:2", "attempt:2", "deciding:2",
		"done:2",
	}, events)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	gw := &scriptedGateway{}
	ex := &scriptedExecutor{}
	tests := []struct {
		name string
		opts Options
	}{
		{"zero attempts", Options{MaxAttempts: 0}},
		{"negative attempts", Options{MaxAttempts: -1}},
		{"unknown policy", Options{MaxAttempts: 1, InfraPolicy: "ignore"}},
		{"negative retries", Options{MaxAttempts: 1, InfraRetries: -1}},
		{"bad spec", Options{MaxAttempts: 1, Spec: sandbox.Spec{Image: "python:3.12-slim"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(gw, ex, tt.opts)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := New(nil, ex, Options{MaxAttempts: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunRejectsEmptyTask(t *testing.T) {
	gw := &scriptedGateway{}
	rec := &captureRecorder{}
	tr, err := newController(t, gw, &scriptedExecutor{}, Options{MaxAttempts: 1}, rec).Run(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, OutcomeAborted, tr.Outcome)
	assert.Zero(t, gw.calls())
	assert.Len(t, rec.got, 1)
}

func TestDefaultsApplied(t *testing.T) {
	c, err := New(&scriptedGateway{}, &scriptedExecutor{}, Options{MaxAttempts: 2})
	require.NoError(t, err)
	opts := c.Options()
	assert.Equal(t, sandbox.Python.Name, opts.Language.Name)
	assert.Equal(t, sandbox.DefaultSpec(), opts.Spec)
	assert.Equal(t, InfraConsume, opts.InfraPolicy)
}

func TestRunWithID(t *testing.T) {
	ex := &scriptedExecutor{results: []sandbox.Result{sandbox.Success("ok")}}
	c := newController(t, &scriptedGateway{}, ex, Options{MaxAttempts: 1}, nil)

	tr, err := c.RunWithID(context.Background(), "fixed-id", "task")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", tr.ID)

	tr, err = c.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.Len(t, tr.ID, 36)
}
