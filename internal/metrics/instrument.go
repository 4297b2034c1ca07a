package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/fixloop/internal/llm"
	"github.com/michaelbrown/fixloop/internal/oracle"
	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

type executor struct {
	next     sandbox.Executor
	language string
}

// InstrumentExecutor records every execution of next under language.
func InstrumentExecutor(next sandbox.Executor, language string) sandbox.Executor {
	return &executor{next: next, language: language}
}

func (e *executor) Execute(ctx context.Context, source string, spec sandbox.Spec) (sandbox.Result, error) {
	start := time.Now()
	res, err := e.next.Execute(ctx, source, spec)
	ExecutionDuration.WithLabelValues(e.language).Observe(time.Since(start).Seconds())
	status := string(res.Status)
	if err != nil {
		status = "error"
	}
	ExecutionsTotal.WithLabelValues(e.language, status).Inc()
	return res, err
}

type gateway struct {
	next oracle.Gateway
}

// InstrumentGateway records every generation request made through next.
func InstrumentGateway(next oracle.Gateway) oracle.Gateway {
	return &gateway{next: next}
}

func (g *gateway) Generate(ctx context.Context, p oracle.Prompt) (string, error) {
	start := time.Now()
	code, err := g.next.Generate(ctx, p)
	OracleLatency.Observe(time.Since(start).Seconds())
	OracleRequestsTotal.WithLabelValues(oracleStatus(err)).Inc()
	return code, err
}

func oracleStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, oracle.ErrEmptyCode):
		return "empty"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}

type client struct {
	next llm.Client
}

// InstrumentClient counts the tokens reported by next.
func InstrumentClient(next llm.Client) llm.Client {
	return &client{next: next}
}

func (c *client) ChatCompletion(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	resp, err := c.next.ChatCompletion(ctx, messages)
	countTokens(resp)
	return resp, err
}

func (c *client) ChatCompletionStream(ctx context.Context, messages []llm.Message, h llm.StreamHandler) (*llm.Response, error) {
	resp, err := c.next.ChatCompletionStream(ctx, messages, h)
	countTokens(resp)
	return resp, err
}

func countTokens(resp *llm.Response) {
	if resp == nil {
		return
	}
	OracleTokensTotal.WithLabelValues("input").Add(float64(resp.Usage.PromptTokens))
	OracleTokensTotal.WithLabelValues("output").Add(float64(resp.Usage.CompletionTokens))
}

// Recorder counts finished runs. Chain it with the persisting recorders.
var Recorder repair.Recorder = repair.RecorderFunc(func(_ context.Context, t *repair.Transcript) error {
	RunsTotal.WithLabelValues(string(t.Outcome)).Inc()
	RunAttempts.Observe(float64(t.Len()))
	return nil
})
