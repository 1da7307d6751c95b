// Package broker clients the model inference broker that skills use for
// background language tasks: summarizing reports, drafting notifications,
// classifying free text. The broker is deliberately narrow; conversational
// traffic does not go through it.
package broker

import (
	"context"
	"errors"
)

// Broker produces one completion for a background task. Implementations
// must be safe for concurrent use.
type Broker interface {
	Infer(ctx context.Context, taskType, prompt string, maxTokens int, temperature float64) (string, error)
}

// ErrUnavailable reports that the broker is temporarily refusing work,
// either because the circuit is open or the upstream is shedding load.
// Callers should degrade gracefully rather than retry in a loop.
var ErrUnavailable = errors.New("model broker unavailable")

// Func adapts a function to Broker, mainly for tests.
type Func func(ctx context.Context, taskType, prompt string, maxTokens int, temperature float64) (string, error)

// Infer implements Broker.
func (f Func) Infer(ctx context.Context, taskType, prompt string, maxTokens int, temperature float64) (string, error) {
	return f(ctx, taskType, prompt, maxTokens, temperature)
}
