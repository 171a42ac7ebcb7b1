package orchestration

import (
	"context"
	"strings"
	"time"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
)

// DefaultStatusDeadline is how long a narration may take before the
// technical text is used instead.
const DefaultStatusDeadline = 1200 * time.Millisecond

// narrationCallLimit bounds the detached model call itself.
const narrationCallLimit = 15 * time.Second

const narratorSystemPrompt = `You turn technical progress notes into one short, friendly status line for the user.
Reply with the status line only, at most 12 words, no quotes.`

// StatusNarrator rewrites technical progress notes into user-facing status
// lines with a best-effort model call.
type StatusNarrator struct {
	model    core.ModelProvider
	deadline time.Duration
	logger   core.Logger
}

// NewStatusNarrator creates a narrator. A nil model always returns the
// technical text.
func NewStatusNarrator(model core.ModelProvider, deadline time.Duration, logger core.Logger) *StatusNarrator {
	if deadline <= 0 {
		deadline = DefaultStatusDeadline
	}
	return &StatusNarrator{
		model:    model,
		deadline: deadline,
		logger:   core.ComponentLogger(logger, "agentloop/orchestration"),
	}
}

// Narrate returns a friendly version of technical, or technical itself when
// the model fails or misses the deadline. A late reply is discarded; the
// call is not cancelled.
func (n *StatusNarrator) Narrate(ctx context.Context, technical string) string {
	if n == nil || n.model == nil {
		return technical
	}

	out := make(chan string, 1)
	go func() {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), narrationCallLimit)
		defer cancel()
		resp, err := n.model.Complete(callCtx, []core.Message{
			{Role: core.RoleSystem, Content: narratorSystemPrompt},
			{Role: core.RoleUser, Content: technical},
		}, &core.CompletionOptions{Temperature: core.Float32(0.5), MaxTokens: 40})
		if err != nil || resp == nil {
			out <- ""
			return
		}
		out <- strings.TrimSpace(resp.Content)
	}()

	timer := time.NewTimer(n.deadline)
	defer timer.Stop()

	select {
	case line := <-out:
		if line == "" {
			telemetry.Counter("agentloop.narrator.fallbacks", "reason", "empty")
			return technical
		}
		return line
	case <-timer.C:
		telemetry.Counter("agentloop.narrator.fallbacks", "reason", "deadline")
		n.logger.DebugWithContext(ctx, "Status narration missed deadline", map[string]interface{}{
			"operation":   "status_narration",
			"deadline_ms": n.deadline.Milliseconds(),
		})
		return technical
	case <-ctx.Done():
		return technical
	}
}
