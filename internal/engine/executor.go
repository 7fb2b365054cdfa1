package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/stepflow/internal/config"
)

// Request is one step execution.
type Request struct {
	Step   int
	Prompt string
	// Input is the previous step's output as forwarded by the client; empty
	// for the first step.
	Input string
}

// Executor turns a step prompt into its output.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) (string, error)
}

// EchoExecutor returns the prompt, followed by the chained input when present.
type EchoExecutor struct{}

// Name returns "echo".
func (EchoExecutor) Name() string { return "echo" }

// Execute implements Executor.
func (EchoExecutor) Execute(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Input == "" {
		return req.Prompt, nil
	}
	return req.Prompt + "\n\n" + req.Input, nil
}

// NewExecutor builds the executor selected by cfg.Kind.
func NewExecutor(cfg config.ExecutorConfig, logger *slog.Logger) (Executor, error) {
	switch cfg.Kind {
	case "", "echo":
		return EchoExecutor{}, nil
	case "anthropic":
		return NewAnthropicExecutor(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Kind)
	}
}
