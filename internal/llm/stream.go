package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
)

// ChatCompletionStream sends a streaming chat completion request and calls
// handler with each text delta. The accumulated reply is returned once the
// stream ends; rate-limited requests are retried before the first chunk.
func (c *OpenAICompatClient) ChatCompletionStream(ctx context.Context, messages []Message, handler StreamHandler) (*Response, error) {
	params := c.params(messages)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	var stream *ssestream.Stream[openai.ChatCompletionChunk]
	var err error
	for attempt := range 3 {
		stream = c.client.Chat.Completions.NewStreaming(ctx, params)
		err = stream.Err()
		if err == nil {
			break
		}
		if !isRateLimited(err) || attempt == 2 {
			return nil, fmt.Errorf("chat completion stream: %w", err)
		}
		stream.Close()
		if err := c.backoff(ctx, attempt); err != nil {
			return nil, fmt.Errorf("chat completion stream: %w", err)
		}
	}
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	var finish string

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if r := chunk.Choices[0].FinishReason; r != "" {
			finish = r
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" && handler != nil {
			handler(delta)
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("streaming: %w", err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	return &Response{
		Message:      AssistantMessage(acc.Choices[0].Message.Content),
		FinishReason: finish,
		Usage: Usage{
			PromptTokens:     acc.Usage.PromptTokens,
			CompletionTokens: acc.Usage.CompletionTokens,
		},
	}, nil
}
