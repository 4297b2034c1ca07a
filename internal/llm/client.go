package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client is the interface for LLM interactions.
type Client interface {
	ChatCompletion(ctx context.Context, messages []Message) (*Response, error)
	ChatCompletionStream(ctx context.Context, messages []Message, handler StreamHandler) (*Response, error)
}

// OpenAICompatClient works with any OpenAI-compatible API (Ollama, Claude, Gemini).
type OpenAICompatClient struct {
	client      *openai.Client
	model       string
	baseURL     string
	temperature float64
	logger      *slog.Logger
}

// ClientOption configures an OpenAICompatClient.
type ClientOption func(*OpenAICompatClient)

// WithTemperature sets the sampling temperature. Negative leaves the provider default.
func WithTemperature(t float64) ClientOption {
	return func(c *OpenAICompatClient) { c.temperature = t }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *OpenAICompatClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates an LLM client for the given provider.
func NewClient(baseURL, apiKey, model string, opts ...ClientOption) *OpenAICompatClient {
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
	)
	c := &OpenAICompatClient{
		client:      &client,
		model:       model,
		baseURL:     baseURL,
		temperature: -1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model name requests are sent to.
func (c *OpenAICompatClient) Model() string {
	return c.model
}

func (c *OpenAICompatClient) params(messages []Message) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convertMessages(messages),
	}
	if c.temperature >= 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	return params
}

func (c *OpenAICompatClient) ChatCompletion(ctx context.Context, messages []Message) (*Response, error) {
	params := c.params(messages)

	var completion *openai.ChatCompletion
	var err error
	for attempt := range 3 {
		completion, err = c.client.Chat.Completions.New(ctx, params)
		if err == nil {
			break
		}
		if !isRateLimited(err) || attempt == 2 {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		if err := c.backoff(ctx, attempt); err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	choice := completion.Choices[0]
	return &Response{
		Message:      AssistantMessage(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}

func isRateLimited(err error) bool {
	return strings.Contains(err.Error(), "429")
}

// backoff waits 2s, 4s, ... before retrying a rate-limited request.
func (c *OpenAICompatClient) backoff(ctx context.Context, attempt int) error {
	wait := time.Duration(2<<attempt) * time.Second
	c.logger.Warn("rate limited, retrying", "model", c.model, "wait", wait)
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		}
	}
	return out
}
