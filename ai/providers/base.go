// Package providers holds behaviour shared by the model provider adapters.
package providers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
)

// BaseClient carries defaults, logging and overflow mapping for adapters.
type BaseClient struct {
	Provider           string
	DefaultModel       string
	DefaultTemperature float32
	DefaultMaxTokens   int
	OutputCeiling      int
	Logger             core.Logger
	Tokens             *ai.TokenCounter
}

// NewBaseClient derives the shared client state from cfg.
func NewBaseClient(provider string, cfg *ai.ProviderConfig, outputCeiling int) *BaseClient {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return &BaseClient{
		Provider:           provider,
		DefaultModel:       cfg.Model,
		DefaultTemperature: cfg.Temperature,
		DefaultMaxTokens:   maxTokens,
		OutputCeiling:      outputCeiling,
		Logger:             core.ComponentLogger(cfg.Logger, "agentloop/ai/"+provider),
		Tokens:             cfg.Tokens,
	}
}

// MaxOutputTokens implements core.TokenCeiling.
func (b *BaseClient) MaxOutputTokens() int {
	return b.OutputCeiling
}

// ApplyDefaults returns a copy of options with unset fields filled in.
func (b *BaseClient) ApplyDefaults(options *core.CompletionOptions) *core.CompletionOptions {
	opts := options.Clone()
	if opts.Model == "" {
		opts.Model = b.DefaultModel
	}
	if opts.Temperature == nil {
		opts.Temperature = core.Float32(b.DefaultTemperature)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = b.DefaultMaxTokens
	}
	if b.OutputCeiling > 0 && opts.MaxTokens > b.OutputCeiling {
		opts.MaxTokens = b.OutputCeiling
	}
	return opts
}

// SplitSystem joins system messages into one instruction and returns the rest.
func SplitSystem(messages []core.Message) (string, []core.Message) {
	var system []string
	rest := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == core.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// LogRequest records an outgoing call at debug level.
func (b *BaseClient) LogRequest(ctx context.Context, model string, messages []core.Message, maxTokens int) {
	b.Logger.DebugWithContext(ctx, "Model request", map[string]interface{}{
		"operation":     "model_request",
		"provider":      b.Provider,
		"model":         model,
		"message_count": len(messages),
		"max_tokens":    maxTokens,
	})
}

// LogResponse records usage and latency of a successful call.
func (b *BaseClient) LogResponse(ctx context.Context, model string, usage core.TokenUsage, start time.Time) {
	telemetry.Duration("agentloop.model.duration_ms", start, "provider", b.Provider)
	telemetry.Counter("agentloop.model.requests", "provider", b.Provider, "status", "success")
	b.Logger.DebugWithContext(ctx, "Model response", map[string]interface{}{
		"operation":         "model_response",
		"provider":          b.Provider,
		"model":             model,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"duration_ms":       time.Since(start).Milliseconds(),
	})
}

// HandleError logs a failed call and maps context-overflow failures into
// *core.ContextOverflowError. Other errors are wrapped unchanged.
func (b *BaseClient) HandleError(ctx context.Context, model string, messages []core.Message, requestedMax int, err error) error {
	telemetry.Counter("agentloop.model.requests", "provider", b.Provider, "status", "error")
	mapped := b.ParseOverflow(model, messages, requestedMax, err)
	b.Logger.WarnWithContext(ctx, "Model request failed", map[string]interface{}{
		"operation":              "model_request",
		"provider":               b.Provider,
		"model":                  model,
		"overflow":               errors.Is(mapped, core.ErrContextOverflow),
		"error":                  err.Error(),
		"estimated_input_tokens": b.Tokens.CountMessages(messages),
	})
	if mapped != err {
		return mapped
	}
	return fmt.Errorf("%s completion failed: %w", b.Provider, err)
}

var (
	// OpenAI: "This model's maximum context length is 8192 tokens. However, you
	// requested 9000 tokens (7000 in the messages, 2000 in the completion)."
	openAIOverflow = regexp.MustCompile(`(?i)maximum context length is (\d+) tokens.*?(?:requested|resulted in) (\d+) tokens(?: \((\d+) in the messages?,? (\d+) in the completion\))?`)
	// Anthropic: "prompt is too long: 210000 tokens > 200000 maximum"
	anthropicPromptOverflow = regexp.MustCompile(`(?i)prompt is too long: (\d+) tokens > (\d+) maximum`)
	// Anthropic: "input length and `max_tokens` exceed context limit: 190000 + 20000 > 200000"
	anthropicSumOverflow = regexp.MustCompile(`(?i)exceed context limit: (\d+) \+ (\d+) > (\d+)`)
	// Gemini: "The input token count (1100000) exceeds the maximum number of tokens allowed (1048576)."
	geminiOverflow = regexp.MustCompile(`(?i)input token count \(?(\d+)\)? exceeds the maximum number of tokens allowed \(?(\d+)\)?`)
)

var genericOverflowMarkers = []string{
	"context_length_exceeded", "context length", "maximum context",
	"context window", "too many tokens", "prompt is too long",
}

// ParseOverflow converts a provider error message describing a context
// overflow into structured form. When token counts cannot be recovered the
// error is only marked with core.ErrContextOverflow, so recovery skips the
// budget-based strategies. Unrelated errors are returned as-is.
func (b *BaseClient) ParseOverflow(model string, messages []core.Message, requestedMax int, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	if m := openAIOverflow.FindStringSubmatch(msg); m != nil {
		limit := atoi(m[1])
		input := atoi(m[3])
		if input == 0 {
			completion := requestedMax
			if m[4] != "" {
				completion = atoi(m[4])
			}
			input = atoi(m[2]) - completion
		}
		return core.NewContextOverflowError(b.Provider, model, input, limit, requestedMax, err)
	}
	if m := anthropicPromptOverflow.FindStringSubmatch(msg); m != nil {
		return core.NewContextOverflowError(b.Provider, model, atoi(m[1]), atoi(m[2]), requestedMax, err)
	}
	if m := anthropicSumOverflow.FindStringSubmatch(msg); m != nil {
		return core.NewContextOverflowError(b.Provider, model, atoi(m[1]), atoi(m[3]), atoi(m[2]), err)
	}
	if m := geminiOverflow.FindStringSubmatch(msg); m != nil {
		return core.NewContextOverflowError(b.Provider, model, atoi(m[1]), atoi(m[2]), requestedMax, err)
	}

	lower := strings.ToLower(msg)
	for _, marker := range genericOverflowMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %w", core.ErrContextOverflow, err)
		}
	}
	return err
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
