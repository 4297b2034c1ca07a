package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/michaelbrown/fixloop/internal/metrics"
	"github.com/michaelbrown/fixloop/internal/oracle"
	"github.com/michaelbrown/fixloop/internal/repair"
)

// Event types streamed to run subscribers.
const (
	EventState   = "state"
	EventPrompt  = "prompt"
	EventDelta   = "delta"
	EventAttempt = "attempt"
	EventDone    = "done"
	EventError   = "error"
)

// Event is one step of a run as seen by a subscriber.
type Event struct {
	Type    string          `json:"type"`
	Attempt int             `json:"attempt,omitempty"`
	State   repair.State    `json:"state,omitempty"`
	Content string          `json:"content,omitempty"`
	Result  *repair.Attempt `json:"result,omitempty"`
	Outcome repair.Outcome  `json:"outcome,omitempty"`
}

const subscriberBuffer = 256

// ActiveRun tracks a run executing in this process.
type ActiveRun struct {
	ID     string
	Cancel context.CancelFunc

	mu      sync.Mutex
	history []Event // everything but deltas, replayed to late subscribers
	subs    map[chan Event]struct{}
	closed  bool
	done    chan struct{}
	result  *repair.Transcript
}

func newActiveRun(id string) *ActiveRun {
	return &ActiveRun{
		ID:     id,
		Cancel: func() {},
		subs:   make(map[chan Event]struct{}),
		done:   make(chan struct{}),
	}
}

// Done is closed once the run has finished and been recorded.
func (ar *ActiveRun) Done() <-chan struct{} {
	return ar.done
}

// Transcript returns the finished transcript, or nil while running.
func (ar *ActiveRun) Transcript() *repair.Transcript {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.result
}

// Subscribe returns the events published so far and a channel of the ones
// that follow. The channel is closed when the run finishes. Slow subscribers
// miss events rather than stall the run.
func (ar *ActiveRun) Subscribe() ([]Event, <-chan Event, func()) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	history := append([]Event(nil), ar.history...)
	ch := make(chan Event, subscriberBuffer)
	if ar.closed {
		close(ch)
		return history, ch, func() {}
	}
	ar.subs[ch] = struct{}{}

	return history, ch, func() {
		ar.mu.Lock()
		defer ar.mu.Unlock()
		if _, ok := ar.subs[ch]; ok {
			delete(ar.subs, ch)
			close(ch)
		}
	}
}

func (ar *ActiveRun) publish(e Event) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.closed {
		return
	}
	if e.Type != EventDelta {
		ar.history = append(ar.history, e)
	}
	for ch := range ar.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// delta is the stream handler handed to the gateway.
func (ar *ActiveRun) delta(s string) {
	ar.publish(Event{Type: EventDelta, Content: s})
}

func (ar *ActiveRun) attach(c *repair.Controller) {
	c.OnState = func(s repair.State, attempt int) {
		ar.publish(Event{Type: EventState, State: s, Attempt: attempt})
	}
	c.OnGenerate = func(attempt int, p oracle.Prompt) {
		ar.publish(Event{Type: EventPrompt, Attempt: attempt, Content: oracle.Render(p)})
	}
	c.OnAttempt = func(a repair.Attempt) {
		ar.publish(Event{Type: EventAttempt, Attempt: a.Index, Result: &a})
	}
}

func (ar *ActiveRun) finish(t *repair.Transcript, err error) {
	if err != nil {
		ar.publish(Event{Type: EventError, Content: err.Error()})
	}
	if t != nil {
		ar.publish(Event{Type: EventDone, Attempt: t.Len(), Outcome: t.Outcome, Content: t.FinalSource()})
	}

	ar.mu.Lock()
	ar.result = t
	ar.closed = true
	for ch := range ar.subs {
		close(ch)
	}
	ar.subs = nil
	ar.mu.Unlock()
	close(ar.done)
}

// RunManager tracks runs executing in this process.
type RunManager struct {
	mu     sync.RWMutex
	runs   map[string]*ActiveRun
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewRunManager creates a new RunManager.
func NewRunManager(logger *slog.Logger) *RunManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunManager{
		runs:   make(map[string]*ActiveRun),
		logger: logger,
	}
}

// Get returns an active run if it exists.
func (m *RunManager) Get(id string) (*ActiveRun, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ar, ok := m.runs[id]
	return ar, ok
}

// Len returns the number of active runs.
func (m *RunManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

// Start runs c in the background under ar's ID. The run is forgotten once it
// finishes.
func (m *RunManager) Start(ar *ActiveRun, c *repair.Controller, task repair.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	ar.Cancel = cancel
	ar.attach(c)

	m.mu.Lock()
	m.runs[ar.ID] = ar
	m.mu.Unlock()
	metrics.ActiveRuns.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer metrics.ActiveRuns.Dec()
		defer cancel()

		t, err := c.RunWithID(ctx, ar.ID, task)
		if err != nil {
			m.logger.Warn("run failed", "run", ar.ID, "error", err)
		}

		m.mu.Lock()
		delete(m.runs, ar.ID)
		m.mu.Unlock()
		ar.finish(t, err)
	}()
}

// Remove cancels an active run and waits for it to finish.
func (m *RunManager) Remove(id string) {
	ar, ok := m.Get(id)
	if !ok {
		return
	}
	ar.Cancel()
	<-ar.Done()
}

// CloseAll cancels all active runs and waits for them to finish.
func (m *RunManager) CloseAll() {
	m.mu.RLock()
	for _, ar := range m.runs {
		ar.Cancel()
	}
	m.mu.RUnlock()
	m.wg.Wait()
}

// Attempts returns the attempts published so far.
func (ar *ActiveRun) Attempts() []repair.Attempt {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	var out []repair.Attempt
	for _, e := range ar.history {
		if e.Type == EventAttempt && e.Result != nil {
			out = append(out, *e.Result)
		}
	}
	return out
}
