package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/michaelbrown/fixloop/internal/oracle"
	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

func newController(t *testing.T, exec sandbox.Executor) *repair.Controller {
	t.Helper()
	gw := oracle.GatewayFunc(func(context.Context, oracle.Prompt) (string, error) {
		return "print(1)\n", nil
	})
	c, err := repair.New(gw, exec, repair.Options{MaxAttempts: 2})
	require.NoError(t, err)
	return c
}

func TestRunManager_StartAndFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewRunManager(nil)
	ar := newActiveRun("run-1")
	m.Start(ar, newController(t, &stepExecutor{results: []sandbox.Result{sandbox.Success("1")}}), "print one")

	<-ar.Done()
	tr := ar.Transcript()
	require.NotNil(t, tr)
	assert.Equal(t, "run-1", tr.ID)
	assert.Equal(t, repair.OutcomeSucceeded, tr.Outcome)
	assert.Len(t, ar.Attempts(), 1)

	_, ok := m.Get("run-1")
	assert.False(t, ok)

	history, ch, unsubscribe := ar.Subscribe()
	defer unsubscribe()
	_, open := <-ch
	assert.False(t, open, "subscription to a finished run is closed")
	assert.Equal(t, EventDone, history[len(history)-1].Type)
}

func TestRunManager_SubscribeBeforeFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &stepExecutor{results: []sandbox.Result{sandbox.RuntimeFailure("boom", 1)}, gate: make(chan struct{})}
	m := NewRunManager(nil)
	ar := newActiveRun("run-2")
	m.Start(ar, newController(t, exec), "crash")

	_, ch, unsubscribe := ar.Subscribe()
	defer unsubscribe()
	close(exec.gate)

	var types []string
	for ev := range ch {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventAttempt)
	assert.Equal(t, EventDone, types[len(types)-1])
	assert.Equal(t, repair.OutcomeExhausted, ar.Transcript().Outcome)
}

func TestRunManager_CloseAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewRunManager(nil)
	var runs []*ActiveRun
	for _, id := range []string{"a", "b", "c"} {
		exec := &stepExecutor{results: []sandbox.Result{sandbox.Success("")}, gate: make(chan struct{})}
		ar := newActiveRun(id)
		m.Start(ar, newController(t, exec), "block")
		runs = append(runs, ar)
	}
	assert.Equal(t, 3, m.Len())

	m.CloseAll()
	assert.Equal(t, 0, m.Len())
	for _, ar := range runs {
		assert.Equal(t, repair.OutcomeAborted, ar.Transcript().Outcome)
	}
}

func TestRunManager_RemoveUnknownIsNoop(t *testing.T) {
	m := NewRunManager(nil)
	m.Remove("missing")
	assert.Equal(t, 0, m.Len())
}
