package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/michaelbrown/fixloop/internal/llm"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

// DefaultSystemPrompt is sent ahead of every prompt unless a profile overrides it.
const DefaultSystemPrompt = "You are a careful programmer. Reply with a single complete program in one fenced code block and nothing else."

// LLMGateway generates code by asking a chat model.
type LLMGateway struct {
	client       llm.Client
	systemPrompt string
	onDelta      llm.StreamHandler
	budget       int
	logger       *slog.Logger
}

// GatewayOption configures an LLMGateway.
type GatewayOption func(*LLMGateway)

// WithSystemPrompt replaces the default system prompt. Empty keeps the default.
func WithSystemPrompt(prompt string) GatewayOption {
	return func(g *LLMGateway) {
		if strings.TrimSpace(prompt) != "" {
			g.systemPrompt = prompt
		}
	}
}

// WithStreamHandler streams the reply and passes each text delta to h.
func WithStreamHandler(h llm.StreamHandler) GatewayOption {
	return func(g *LLMGateway) { g.onDelta = h }
}

// WithFailureBudget caps the failure detail in repair prompts, in
// approximate tokens. Zero or less disables the cap.
func WithFailureBudget(tokens int) GatewayOption {
	return func(g *LLMGateway) { g.budget = tokens }
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *LLMGateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewLLMGateway wraps client as a Gateway.
func NewLLMGateway(client llm.Client, opts ...GatewayOption) *LLMGateway {
	g := &LLMGateway{
		client:       client,
		systemPrompt: DefaultSystemPrompt,
		budget:       DefaultFailureBudget,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate renders p, asks the model and extracts the code from its reply.
func (g *LLMGateway) Generate(ctx context.Context, p Prompt) (string, error) {
	messages := []llm.Message{
		llm.SystemMessage(g.systemPrompt),
		llm.UserMessage(Render(fitPrompt(p, g.budget))),
	}

	var resp *llm.Response
	var err error
	if g.onDelta != nil {
		resp, err = g.client.ChatCompletionStream(ctx, messages, g.onDelta)
	} else {
		resp, err = g.client.ChatCompletion(ctx, messages)
	}
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}

	g.logger.Debug("oracle reply",
		"repair", p.IsRepair(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"chars", len(resp.Message.Content))

	if resp.Truncated() {
		g.logger.Warn("oracle reply hit the token limit; the code may be incomplete",
			"completion_tokens", resp.Usage.CompletionTokens)
	}

	code := ExtractCode(resp.Message.Content, fencesFor(p.Language))
	if code == "" {
		return "", ErrEmptyCode
	}
	return code, nil
}

func fencesFor(display string) []string {
	for _, name := range sandbox.LanguageNames() {
		l, _ := sandbox.LookupLanguage(name)
		if strings.EqualFold(l.Display, display) || strings.EqualFold(l.Name, display) {
			return l.Fence
		}
	}
	return sandbox.Python.Fence
}
