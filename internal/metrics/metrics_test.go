package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/michaelbrown/fixloop/internal/llm"
	"github.com/michaelbrown/fixloop/internal/oracle"
	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

// TestMetricsRegistered verifies every metric is gatherable from the default
// registry once it has an observation.
func TestMetricsRegistered(t *testing.T) {
	ExecutionsTotal.WithLabelValues("python", "success").Add(0)
	ExecutionDuration.WithLabelValues("python").Observe(0)
	OracleRequestsTotal.WithLabelValues("ok").Add(0)
	OracleTokensTotal.WithLabelValues("input").Add(0)
	RunsTotal.WithLabelValues("succeeded").Add(0)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}

	expected := map[string]bool{
		"fixloop_executions_total":           false,
		"fixloop_execution_duration_seconds": false,
		"fixloop_oracle_requests_total":      false,
		"fixloop_oracle_latency_seconds":     false,
		"fixloop_oracle_tokens_total":        false,
		"fixloop_runs_total":                 false,
		"fixloop_run_attempts":               false,
		"fixloop_runs_active":                false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

type stubExecutor struct {
	res sandbox.Result
	err error
}

func (s stubExecutor) Execute(context.Context, string, sandbox.Spec) (sandbox.Result, error) {
	return s.res, s.err
}

func TestInstrumentExecutor(t *testing.T) {
	ok := ExecutionsTotal.WithLabelValues("ruby", "success")
	timeout := ExecutionsTotal.WithLabelValues("ruby", "timeout")
	failed := ExecutionsTotal.WithLabelValues("ruby", "error")
	beforeOK, beforeTimeout, beforeFailed := testutil.ToFloat64(ok), testutil.ToFloat64(timeout), testutil.ToFloat64(failed)

	ctx := context.Background()
	InstrumentExecutor(stubExecutor{res: sandbox.Success("hi")}, "ruby").Execute(ctx, "puts 1", sandbox.Spec{})
	InstrumentExecutor(stubExecutor{res: sandbox.Timeout(time.Second, time.Second)}, "ruby").Execute(ctx, "loop {}", sandbox.Spec{})
	_, err := InstrumentExecutor(stubExecutor{err: context.Canceled}, "ruby").Execute(ctx, "x", sandbox.Spec{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled passed through", err)
	}

	if got := testutil.ToFloat64(ok) - beforeOK; got != 1 {
		t.Errorf("success delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(timeout) - beforeTimeout; got != 1 {
		t.Errorf("timeout delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(failed) - beforeFailed; got != 1 {
		t.Errorf("error delta = %v, want 1", got)
	}
}

func TestInstrumentGateway(t *testing.T) {
	counters := map[string]prometheus.Counter{
		"ok":        OracleRequestsTotal.WithLabelValues("ok"),
		"empty":     OracleRequestsTotal.WithLabelValues("empty"),
		"error":     OracleRequestsTotal.WithLabelValues("error"),
		"cancelled": OracleRequestsTotal.WithLabelValues("cancelled"),
	}
	before := make(map[string]float64)
	for k, c := range counters {
		before[k] = testutil.ToFloat64(c)
	}

	for _, err := range []error{nil, oracle.ErrEmptyCode, errors.New("boom"), context.Canceled} {
		g := InstrumentGateway(oracle.GatewayFunc(func(context.Context, oracle.Prompt) (string, error) {
			return "print(1)", err
		}))
		g.Generate(context.Background(), oracle.Initial("x", "Python"))
	}

	for k, c := range counters {
		if got := testutil.ToFloat64(c) - before[k]; got != 1 {
			t.Errorf("%s delta = %v, want 1", k, got)
		}
	}
}

type usageClient struct{}

func (usageClient) ChatCompletion(context.Context, []llm.Message) (*llm.Response, error) {
	return &llm.Response{Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 4}}, nil
}

func (c usageClient) ChatCompletionStream(ctx context.Context, m []llm.Message, _ llm.StreamHandler) (*llm.Response, error) {
	return nil, errors.New("stream failed")
}

func TestInstrumentClient(t *testing.T) {
	in := OracleTokensTotal.WithLabelValues("input")
	out := OracleTokensTotal.WithLabelValues("output")
	beforeIn, beforeOut := testutil.ToFloat64(in), testutil.ToFloat64(out)

	c := InstrumentClient(usageClient{})
	if _, err := c.ChatCompletion(context.Background(), nil); err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if _, err := c.ChatCompletionStream(context.Background(), nil, nil); err == nil {
		t.Fatal("expected stream error")
	}

	if got := testutil.ToFloat64(in) - beforeIn; got != 10 {
		t.Errorf("input tokens delta = %v, want 10", got)
	}
	if got := testutil.ToFloat64(out) - beforeOut; got != 4 {
		t.Errorf("output tokens delta = %v, want 4", got)
	}
}

func TestRecorderCountsOutcome(t *testing.T) {
	c := RunsTotal.WithLabelValues("exhausted")
	before := testutil.ToFloat64(c)

	tr := &repair.Transcript{Outcome: repair.OutcomeExhausted, Attempts: make([]repair.Attempt, 3)}
	if err := Recorder.Record(context.Background(), tr); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Errorf("runs delta = %v, want 1", got)
	}
}
