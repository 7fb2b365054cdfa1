package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/stepflow/internal/config"
	"github.com/randalmurphal/stepflow/internal/metrics"
)

// AnthropicExecutor runs each step prompt through the Messages API.
type AnthropicExecutor struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewAnthropicExecutor creates an executor from cfg. Credentials come from
// ANTHROPIC_API_KEY unless opts supply them.
func NewAnthropicExecutor(cfg config.ExecutorConfig, logger *slog.Logger, opts ...option.RequestOption) *AnthropicExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &AnthropicExecutor{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}
}

// Name returns "anthropic".
func (a *AnthropicExecutor) Name() string { return "anthropic" }

// Execute sends the prompt as a user message, prefixed by the chained input.
func (a *AnthropicExecutor) Execute(ctx context.Context, req Request) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	start := time.Now()
	a.logger.Debug("anthropic call starting", "step", req.Step, "model", a.model, "prompt_len", len(req.Prompt))

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(req))),
		},
	})
	if err != nil {
		a.logger.Warn("anthropic call failed", "step", req.Step, "duration", time.Since(start), "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	a.logger.Debug("anthropic call completed",
		"step", req.Step,
		"duration", time.Since(start),
		"stop_reason", msg.StopReason,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)
	metrics.AnthropicTokensTotal.WithLabelValues("input").Add(float64(msg.Usage.InputTokens))
	metrics.AnthropicTokensTotal.WithLabelValues("output").Add(float64(msg.Usage.OutputTokens))

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("no text content in response")
}

func userPrompt(req Request) string {
	if req.Input == "" {
		return req.Prompt
	}
	return fmt.Sprintf("Output of the previous step:\n\n%s\n\n%s", req.Input, req.Prompt)
}
