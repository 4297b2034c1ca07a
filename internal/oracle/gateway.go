// Package oracle turns structured prompts into candidate source code.
package oracle

import (
	"context"
	"errors"
)

// ErrEmptyCode is returned when a reply contains no usable code.
var ErrEmptyCode = errors.New("oracle returned no code")

// Gateway produces source code for a prompt. A returned error is fatal to
// the run that asked.
type Gateway interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, p Prompt) (string, error)

func (f GatewayFunc) Generate(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}
