package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// RecoveryStrategy names the step that produced a RecoveryResult.
type RecoveryStrategy string

const (
	RecoveryAdjustAndRetry        RecoveryStrategy = "adjust_and_retry"
	RecoveryHistoryReduction      RecoveryStrategy = "history_reduction"
	RecoveryProviderFallback      RecoveryStrategy = "provider_fallback"
	RecoveryBluntHistoryReduction RecoveryStrategy = "blunt_history_reduction"
	RecoveryNotApplicable         RecoveryStrategy = "not_applicable"
	RecoveryAllFailed             RecoveryStrategy = "all_failed"
)

const (
	minAdjustableTokens      = 100
	tightBudgetTokens        = 500
	tightHistoryThreshold    = 6
	bluntHistoryThreshold    = 10
	keptTailMessages         = 4
	defaultFallbackMaxTokens = 2000
	defaultSafetyMargin      = 50
)

// RecoveryRequest describes the failed model call.
type RecoveryRequest struct {
	Messages []core.Message
	Options  *core.CompletionOptions
	Err      error
}

// RecoveryResult is the outcome of one Recover invocation. On success
// either Response (the model already answered) or Messages (a reduced
// history the caller must retry with) is set.
type RecoveryResult struct {
	Success  bool
	Strategy RecoveryStrategy
	Response *core.Completion
	Messages []core.Message
	Err      error
}

// TokenEstimator counts prompt tokens for logging reduced histories.
type TokenEstimator interface {
	CountMessages(messages []core.Message) int
}

// RecoveryOption configures a TokenRecoveryCoordinator.
type RecoveryOption func(*TokenRecoveryCoordinator)

// WithFallbackProvider sets the provider and model for the fallback strategy.
func WithFallbackProvider(p core.ModelProvider, model string) RecoveryOption {
	return func(c *TokenRecoveryCoordinator) {
		c.fallback = p
		c.fallbackModel = model
	}
}

// WithRecoveryLogger sets the logger.
func WithRecoveryLogger(l core.Logger) RecoveryOption {
	return func(c *TokenRecoveryCoordinator) {
		c.logger = core.ComponentLogger(l, "agentloop/resilience")
	}
}

// WithTokenEstimator attaches a token estimator used in log fields.
func WithTokenEstimator(e TokenEstimator) RecoveryOption {
	return func(c *TokenRecoveryCoordinator) { c.estimator = e }
}

// TokenRecoveryCoordinator degrades a context-overflowed model call step by
// step. Each strategy is tried at most once per Recover call and the
// coordinator never loops; callers handed a reduced history retry themselves.
type TokenRecoveryCoordinator struct {
	primary       core.ModelProvider
	fallback      core.ModelProvider
	fallbackModel string
	estimator     TokenEstimator
	logger        core.Logger
}

// NewTokenRecoveryCoordinator creates a coordinator that retries against primary.
func NewTokenRecoveryCoordinator(primary core.ModelProvider, opts ...RecoveryOption) *TokenRecoveryCoordinator {
	c := &TokenRecoveryCoordinator{
		primary: primary,
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recover runs the strategies in order and returns on the first success.
func (c *TokenRecoveryCoordinator) Recover(ctx context.Context, req RecoveryRequest) *RecoveryResult {
	if !IsContextLengthError(req.Err) {
		return &RecoveryResult{Strategy: RecoveryNotApplicable, Err: req.Err}
	}

	ctx, span := telemetry.StartSpan(ctx, "recovery.recover",
		attribute.Int("messages", len(req.Messages)))
	defer span.End()

	c.logger.WarnWithContext(ctx, "Model call exceeded context window, attempting recovery", map[string]interface{}{
		"operation":     "token_recovery",
		"message_count": len(req.Messages),
		"error":         req.Err.Error(),
	})

	lastErr := req.Err
	var overflow *core.ContextOverflowError
	if errors.As(req.Err, &overflow) {
		if overflow.AvailableTokens >= minAdjustableTokens {
			res := c.adjustAndRetry(ctx, req, overflow)
			if res.Success {
				return c.finish(ctx, res)
			}
			lastErr = res.Err
		}
		if len(req.Messages) > tightHistoryThreshold && overflow.AvailableTokens < tightBudgetTokens {
			return c.finish(ctx, c.reduceHistory(ctx, req.Messages, RecoveryHistoryReduction))
		}
	}

	if c.fallback != nil && c.fallbackModel != "" {
		res := c.providerFallback(ctx, req, overflow)
		if res.Success {
			return c.finish(ctx, res)
		}
		lastErr = res.Err
	}

	if len(req.Messages) > bluntHistoryThreshold {
		return c.finish(ctx, c.reduceHistory(ctx, req.Messages, RecoveryBluntHistoryReduction))
	}

	return c.finish(ctx, &RecoveryResult{Strategy: RecoveryAllFailed, Err: lastErr})
}

func (c *TokenRecoveryCoordinator) adjustAndRetry(ctx context.Context, req RecoveryRequest, o *core.ContextOverflowError) *RecoveryResult {
	opts := req.Options.Clone()
	opts.MaxTokens = safeMaxTokens(o)

	telemetry.AddSpanEvent(ctx, "adjust_and_retry", attribute.Int("max_tokens", opts.MaxTokens))
	resp, err := c.primary.Complete(ctx, req.Messages, opts)
	if err != nil {
		c.logger.WarnWithContext(ctx, "Retry with reduced max tokens failed", map[string]interface{}{
			"operation":  "token_recovery",
			"strategy":   string(RecoveryAdjustAndRetry),
			"max_tokens": opts.MaxTokens,
			"error":      err.Error(),
		})
		return &RecoveryResult{Strategy: RecoveryAdjustAndRetry, Err: err}
	}

	if sink := core.StatusSinkFromContext(ctx); sink != nil {
		go sink.Status("The conversation is long, so this response may be shorter than usual.", core.PhaseGenerating)
	}
	return &RecoveryResult{Success: true, Strategy: RecoveryAdjustAndRetry, Response: resp}
}

func (c *TokenRecoveryCoordinator) providerFallback(ctx context.Context, req RecoveryRequest, o *core.ContextOverflowError) *RecoveryResult {
	suggested := defaultFallbackMaxTokens
	if o != nil && o.SuggestedMaxTokens > 0 {
		suggested = o.SuggestedMaxTokens
	}
	opts := req.Options.Clone()
	opts.Model = c.fallbackModel
	opts.MaxTokens = min(providerCeiling(c.fallback), suggested)

	if sink := core.StatusSinkFromContext(ctx); sink != nil {
		sink.Status(fmt.Sprintf("Switching to %s to handle a long conversation.", c.fallbackModel), core.PhaseGenerating)
	}
	telemetry.AddSpanEvent(ctx, "provider_fallback",
		attribute.String("model", c.fallbackModel),
		attribute.Int("max_tokens", opts.MaxTokens))

	resp, err := c.fallback.Complete(ctx, req.Messages, opts)
	if err != nil {
		c.logger.WarnWithContext(ctx, "Fallback provider failed", map[string]interface{}{
			"operation": "token_recovery",
			"strategy":  string(RecoveryProviderFallback),
			"model":     c.fallbackModel,
			"error":     err.Error(),
		})
		return &RecoveryResult{Strategy: RecoveryProviderFallback, Err: err}
	}
	return &RecoveryResult{Success: true, Strategy: RecoveryProviderFallback, Response: resp}
}

func (c *TokenRecoveryCoordinator) reduceHistory(ctx context.Context, messages []core.Message, strategy RecoveryStrategy) *RecoveryResult {
	reduced := ReduceHistory(messages)
	fields := map[string]interface{}{
		"operation":      "token_recovery",
		"strategy":       string(strategy),
		"original_count": len(messages),
		"reduced_count":  len(reduced),
	}
	if c.estimator != nil {
		fields["estimated_tokens"] = c.estimator.CountMessages(reduced)
	}
	c.logger.InfoWithContext(ctx, "Reduced conversation history", fields)
	return &RecoveryResult{Success: true, Strategy: strategy, Messages: reduced}
}

func (c *TokenRecoveryCoordinator) finish(ctx context.Context, res *RecoveryResult) *RecoveryResult {
	telemetry.Counter("agentloop.recovery.attempts",
		"strategy", string(res.Strategy),
		"success", strconv.FormatBool(res.Success))
	if !res.Success {
		telemetry.RecordSpanError(ctx, res.Err)
		c.logger.ErrorWithContext(ctx, "Context overflow recovery exhausted", map[string]interface{}{
			"operation": "token_recovery",
			"strategy":  string(res.Strategy),
		})
	}
	return res
}

// ReduceHistory keeps the first message and the last four.
func ReduceHistory(messages []core.Message) []core.Message {
	if len(messages) <= keptTailMessages+1 {
		return append([]core.Message(nil), messages...)
	}
	out := make([]core.Message, 0, keptTailMessages+1)
	out = append(out, messages[0])
	out = append(out, messages[len(messages)-keptTailMessages:]...)
	return out
}

// safeMaxTokens leaves a margin below the reported available budget and
// never exceeds the provider's suggestion.
func safeMaxTokens(o *core.ContextOverflowError) int {
	ceiling := o.AvailableTokens - defaultSafetyMargin
	if o.SuggestedMaxTokens > 0 && o.SuggestedMaxTokens < ceiling {
		ceiling = o.SuggestedMaxTokens
	}
	if ceiling < 1 {
		ceiling = max(o.AvailableTokens/2, 1)
	}
	return ceiling
}

func providerCeiling(p core.ModelProvider) int {
	if tc, ok := p.(core.TokenCeiling); ok && tc.MaxOutputTokens() > 0 {
		return tc.MaxOutputTokens()
	}
	return math.MaxInt32
}
