// Package repair drives the generate-execute-repair loop for a single task.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/fixloop/internal/oracle"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

// ErrInvalidConfig is returned by New for unusable options.
var ErrInvalidConfig = errors.New("invalid repair configuration")

// State is a step of the loop.
type State string

const (
	StateInit       State = "init"
	StateGenerating State = "generating"
	StateExecuting  State = "executing"
	StateDeciding   State = "deciding"
	StateDone       State = "done"
)

// InfraPolicy decides what an infrastructure error costs.
type InfraPolicy string

const (
	// InfraConsume spends an attempt on the failure and asks for a repair,
	// telling the oracle the environment failed.
	InfraConsume InfraPolicy = "consume"
	// InfraRetry re-executes the same source without spending an attempt,
	// up to InfraRetries times.
	InfraRetry InfraPolicy = "retry"
)

// DefaultMaxAttempts is the attempt ceiling when none is configured.
const DefaultMaxAttempts = 3

// Options configures a Controller.
type Options struct {
	MaxAttempts  int
	Language     sandbox.Language
	Spec         sandbox.Spec
	InfraPolicy  InfraPolicy
	InfraRetries int
	InfraBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Language.Name == "" {
		o.Language = sandbox.Python
	}
	if o.Spec.Image == "" {
		o.Spec = o.Language.Spec(sandbox.DefaultMemory, sandbox.DefaultTimeout)
	}
	if o.InfraPolicy == "" {
		o.InfraPolicy = InfraConsume
	}
	return o
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
	if o.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidConfig, o.MaxAttempts)
	}
	switch o.InfraPolicy {
	case InfraConsume, InfraRetry:
	default:
		return fmt.Errorf("%w: unknown infrastructure policy %q", ErrInvalidConfig, o.InfraPolicy)
	}
	if o.InfraRetries < 0 || o.InfraBackoff < 0 {
		return fmt.Errorf("%w: infrastructure retries and backoff must not be negative", ErrInvalidConfig)
	}
	if err := o.Spec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// OracleError reports that the gateway failed while generating an attempt.
// It ends the run.
type OracleError struct {
	Attempt int
	Err     error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle failed on attempt %d: %v", e.Attempt, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// Controller runs the repair loop. A Controller holds no per-run state and
// may run several tasks, one at a time or concurrently.
type Controller struct {
	gateway  oracle.Gateway
	executor sandbox.Executor
	recorder Recorder
	opts     Options
	logger   *slog.Logger

	OnState    func(state State, attempt int)
	OnGenerate func(attempt int, p oracle.Prompt)
	OnAttempt  func(a Attempt)
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder sets where finished transcripts go.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Controller.
func New(gateway oracle.Gateway, executor sandbox.Executor, opts Options, options ...Option) (*Controller, error) {
	if gateway == nil || executor == nil {
		return nil, fmt.Errorf("%w: gateway and executor are required", ErrInvalidConfig)
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		gateway:  gateway,
		executor: executor,
		opts:     opts,
		logger:   slog.Default(),
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Options returns the effective options.
func (c *Controller) Options() Options {
	return c.opts
}

// Run drives task to success or exhaustion. The transcript is returned and
// handed to the recorder on every path, including aborts. A non-nil error
// means the run was aborted: by the oracle, by ctx, or by the recorder.
func (c *Controller) Run(ctx context.Context, task Task) (*Transcript, error) {
	return c.RunWithID(ctx, uuid.New().String(), task)
}

// RunWithID is Run with a caller-chosen transcript ID.
func (c *Controller) RunWithID(ctx context.Context, id string, task Task) (*Transcript, error) {
	t := newTranscript(id, task, c.opts.Language.Name)
	c.enter(StateInit, 0)

	var err error
	if strings.TrimSpace(string(task)) == "" {
		err = fmt.Errorf("%w: empty task", ErrInvalidConfig)
	} else {
		err = c.loop(ctx, t)
	}

	t.FinishedAt = time.Now()
	if err != nil {
		t.Outcome = OutcomeAborted
		t.Error = err.Error()
	}
	c.enter(StateDone, t.Len())
	c.logger.Info("run finished",
		"run", t.ID,
		"outcome", t.Outcome,
		"attempts", t.Len(),
		"duration", t.FinishedAt.Sub(t.StartedAt).Round(time.Millisecond))

	if c.recorder != nil {
		// Recording happens even when ctx is already cancelled.
		if rerr := c.recorder.Record(context.WithoutCancel(ctx), t); rerr != nil {
			err = errors.Join(err, fmt.Errorf("recording transcript: %w", rerr))
		}
	}
	return t, err
}

func (c *Controller) loop(ctx context.Context, t *Transcript) error {
	lang := c.opts.Language.Display
	prompt := oracle.Initial(string(t.Task), lang)

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.enter(StateGenerating, attempt)
		if c.OnGenerate != nil {
			c.OnGenerate(attempt, prompt)
		}
		source, err := c.gateway.Generate(ctx, prompt)
		if err == nil && strings.TrimSpace(source) == "" {
			err = oracle.ErrEmptyCode
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &OracleError{Attempt: attempt, Err: err}
		}

		c.enter(StateExecuting, attempt)
		res, retries, err := c.execute(ctx, attempt, source)
		if err != nil {
			return err
		}
		a := Attempt{
			Index:        attempt,
			Source:       source,
			Result:       res,
			Repair:       prompt.IsRepair(),
			InfraRetries: retries,
			Timestamp:    time.Now(),
		}
		t.Attempts = append(t.Attempts, a)
		c.logger.Info("attempt finished", "run", t.ID, "attempt", attempt, "result", res.String())
		if c.OnAttempt != nil {
			c.OnAttempt(a)
		}

		c.enter(StateDeciding, attempt)
		if res.OK() {
			t.Outcome = OutcomeSucceeded
			return nil
		}
		f, _ := res.Failure()
		prompt = oracle.Repair(string(t.Task), lang, attempt, source, f)
	}

	t.Outcome = OutcomeExhausted
	return nil
}

// execute runs source once, or several times for infrastructure errors
// under InfraRetry. Only the final result is returned.
func (c *Controller) execute(ctx context.Context, attempt int, source string) (sandbox.Result, int, error) {
	res, err := c.executor.Execute(ctx, source, c.opts.Spec)
	retries := 0
	for err == nil && res.Status == sandbox.StatusInfrastructureError &&
		c.opts.InfraPolicy == InfraRetry && retries < c.opts.InfraRetries {
		retries++
		wait := c.opts.InfraBackoff * time.Duration(retries)
		c.logger.Warn("infrastructure error, retrying",
			"attempt", attempt, "retry", retries, "wait", wait, "error", res.Message)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return sandbox.Result{}, retries, ctx.Err()
		}
		res, err = c.executor.Execute(ctx, source, c.opts.Spec)
	}
	if err != nil {
		return sandbox.Result{}, retries, fmt.Errorf("executing attempt %d: %w", attempt, err)
	}
	return res, retries, nil
}

func (c *Controller) enter(s State, attempt int) {
	c.logger.Debug("state", "state", s, "attempt", attempt)
	if c.OnState != nil {
		c.OnState(s, attempt)
	}
}
