package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
)

// DefaultMaxPlannerTools bounds the tool catalog shown to the planning model.
const DefaultMaxPlannerTools = 12

const plannerSystemPrompt = `You plan tool calls that gather the information needed to answer a user's question.

Rules:
- Use the fewest tool calls that can answer the question: one to three at most.
- Only use tools from the catalog, with the argument names they list.
- Never repeat a tool call with identical arguments; a repeated call returns the same result.
- If no tool is needed, return an empty tool_calls array.

Respond with JSON only, in this shape:
{
  "tool_calls": [{"id": "call-1", "name": "<tool name>", "arguments": {"<arg>": "<value>"}}],
  "priority": "high|medium|low",
  "parallelizable": true,
  "estimated_duration_ms": 3000,
  "confidence": 0-100
}`

// DefaultPlan is returned whenever planning fails.
func DefaultPlan() *ExecutionPlan {
	return &ExecutionPlan{
		ToolCalls:           []ToolCall{},
		Priority:            "medium",
		Parallelizable:      true,
		EstimatedDurationMs: 3000,
		Confidence:          30,
	}
}

// ExecutionPlanner asks a model for an initial set of tool calls.
type ExecutionPlanner struct {
	model    core.ModelProvider
	maxTools int
	logger   core.Logger
}

// NewExecutionPlanner creates a planner. maxTools <= 0 uses DefaultMaxPlannerTools.
func NewExecutionPlanner(model core.ModelProvider, maxTools int, logger core.Logger) *ExecutionPlanner {
	if maxTools <= 0 {
		maxTools = DefaultMaxPlannerTools
	}
	return &ExecutionPlanner{
		model:    model,
		maxTools: maxTools,
		logger:   core.ComponentLogger(logger, "agentloop/orchestration"),
	}
}

type planPayload struct {
	ToolCalls           []ToolCall `json:"tool_calls"`
	Priority            string     `json:"priority"`
	Parallelizable      *bool      `json:"parallelizable"`
	EstimatedDurationMs int64      `json:"estimated_duration_ms"`
	Confidence          *float64   `json:"confidence"`
}

// Plan never fails: any problem yields DefaultPlan.
func (p *ExecutionPlanner) Plan(ctx context.Context, question string, intent *IntentAnalysis, tools []core.ToolInfo) (plan *ExecutionPlan) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "planner.plan", attribute.Int("tools.available", len(tools)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorWithContext(ctx, "Plan generation panicked", map[string]interface{}{
				"operation": "plan_generation",
				"panic":     fmt.Sprintf("%v", r),
			})
			plan = p.fallback(ctx, "panic")
		}
	}()

	if p.model == nil {
		return p.fallback(ctx, "no_model")
	}

	messages := []core.Message{
		{Role: core.RoleSystem, Content: plannerSystemPrompt},
		{Role: core.RoleUser, Content: p.buildPrompt(question, intent, tools)},
	}
	resp, err := p.model.Complete(ctx, messages, &core.CompletionOptions{
		Temperature: core.Float32(0.2),
		MaxTokens:   1000,
	})
	if err != nil {
		p.logger.WarnWithContext(ctx, "Plan generation failed", map[string]interface{}{
			"operation": "plan_generation",
			"error":     err.Error(),
		})
		return p.fallback(ctx, "model_error")
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return p.fallback(ctx, "empty_content")
	}

	var payload planPayload
	if err := DecodeJSON(resp.Content, &payload); err != nil {
		p.logger.WarnWithContext(ctx, "Plan response not usable", map[string]interface{}{
			"operation": "plan_generation",
			"error":     err.Error(),
		})
		return p.fallback(ctx, "unparseable_json")
	}

	plan = p.normalize(&payload)
	telemetry.Duration("agentloop.planner.duration_ms", start)
	p.logger.InfoWithContext(ctx, "Plan generated", map[string]interface{}{
		"operation":   "plan_generation",
		"tool_calls":  len(plan.ToolCalls),
		"confidence":  plan.Confidence,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return plan
}

func (p *ExecutionPlanner) fallback(ctx context.Context, reason string) *ExecutionPlan {
	telemetry.AddSpanEvent(ctx, "plan_fallback", attribute.String("reason", reason))
	telemetry.Counter("agentloop.planner.fallbacks", "reason", reason)
	return DefaultPlan()
}

func (p *ExecutionPlanner) normalize(payload *planPayload) *ExecutionPlan {
	plan := DefaultPlan()
	seen := make(map[string]bool)
	for _, call := range payload.ToolCalls {
		if strings.TrimSpace(call.Name) == "" {
			continue
		}
		if call.ID == "" || seen[call.ID] {
			call.ID = uuid.NewString()
		}
		seen[call.ID] = true
		if call.Arguments == nil {
			call.Arguments = map[string]interface{}{}
		}
		plan.ToolCalls = append(plan.ToolCalls, call)
	}
	if payload.Priority != "" {
		plan.Priority = payload.Priority
	}
	if payload.Parallelizable != nil {
		plan.Parallelizable = *payload.Parallelizable
	}
	if payload.EstimatedDurationMs > 0 {
		plan.EstimatedDurationMs = payload.EstimatedDurationMs
	}
	if payload.Confidence != nil {
		plan.Confidence = clampConfidence(*payload.Confidence)
	}
	return plan
}

func (p *ExecutionPlanner) buildPrompt(question string, intent *IntentAnalysis, tools []core.ToolInfo) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	if len(tools) == 0 {
		b.WriteString("(none)\n")
	}
	for i, t := range tools {
		if i >= p.maxTools {
			fmt.Fprintf(&b, "(%d more tools omitted)\n", len(tools)-p.maxTools)
			break
		}
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if len(t.RequiredArgs) > 0 {
			fmt.Fprintf(&b, " (required: %s)", strings.Join(t.RequiredArgs, ", "))
		}
		b.WriteString("\n")
	}

	if intent != nil {
		if data, err := json.Marshal(intent); err == nil {
			fmt.Fprintf(&b, "\nIntent analysis: %s\n", data)
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	return b.String()
}

func clampConfidence(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v)
}
