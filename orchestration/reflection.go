package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/resilience"
	"github.com/itsneelabh/agentloop/telemetry"
)

// resultPreviewLimit bounds the serialized data shown per successful result.
const resultPreviewLimit = 400

const reflectionSystemPrompt = `You review tool results gathered to answer a user's question and decide what happens next.

Decisions:
- "answer": the results are enough to answer the question.
- "retry": a tool failed in a way that different arguments can fix; suggest corrected calls.
- "alternative": a different tool would work better; suggest it.
- "ask_user": the question is ambiguous; ask one clarification question.
- "give_up": the question cannot be answered with the available tools.

Never suggest a tool call identical to one already made.

Respond with JSON only:
{
  "decision": "answer|retry|alternative|ask_user|give_up",
  "reasoning": "short explanation",
  "confidence": 0-100,
  "suggested_tools": [{"tool_name": "<name>", "params": {}, "reasoning": "why"}],
  "partial_response": "optional final answer text",
  "clarification_question": "required when decision is ask_user"
}`

// ReflectionRequest is the input of one reflection call.
type ReflectionRequest struct {
	Question            string
	ToolResults         []*WorkerAgentResult
	FailedAttempts      []*WorkerAgentResult
	PreviousReflections []*ReflectionResponse
	AttemptNumber       int
	MaxAttempts         int
}

// ReflectionService asks a model to judge tool results.
type ReflectionService struct {
	model  core.ModelProvider
	logger core.Logger
}

// NewReflectionService creates a reflection service.
func NewReflectionService(model core.ModelProvider, logger core.Logger) *ReflectionService {
	return &ReflectionService{
		model:  model,
		logger: core.ComponentLogger(logger, "agentloop/orchestration"),
	}
}

// Reflect returns the next decision. A model reply with no text degrades to
// give_up and unparseable text degrades to answer; a parsed object without
// a valid decision or reasoning is an error wrapping core.ErrInvalidReflection.
func (s *ReflectionService) Reflect(ctx context.Context, req ReflectionRequest) (*ReflectionResponse, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "reflection.reflect",
		attribute.Int("attempt", req.AttemptNumber),
		attribute.Int("results.success", len(req.ToolResults)),
		attribute.Int("results.failed", len(req.FailedAttempts)),
	)
	defer span.End()
	defer telemetry.Duration("agentloop.reflection.duration_ms", start)

	if s.model == nil {
		return nil, core.NewFrameworkError("reflection.Reflect", "model", core.ErrModelUnavailable)
	}

	messages := []core.Message{
		{Role: core.RoleSystem, Content: reflectionSystemPrompt},
		{Role: core.RoleUser, Content: BuildReflectionPrompt(req)},
	}
	resp, err := s.model.Complete(ctx, messages, &core.CompletionOptions{
		Temperature: core.Float32(0.2),
		MaxTokens:   1500,
	})
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, fmt.Errorf("reflection model call: %w", err)
	}

	result, err := parseReflection(resp)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		s.logger.ErrorWithContext(ctx, "Reflection response invalid", map[string]interface{}{
			"operation": "reflection",
			"attempt":   req.AttemptNumber,
			"error":     err.Error(),
		})
		return nil, err
	}

	telemetry.Counter("agentloop.reflection.decisions", "decision", string(result.Decision))
	span.SetAttributes(attribute.String("decision", string(result.Decision)))
	s.logger.InfoWithContext(ctx, "Reflection decided", map[string]interface{}{
		"operation":   "reflection",
		"attempt":     req.AttemptNumber,
		"decision":    string(result.Decision),
		"confidence":  result.Confidence,
		"suggestions": len(result.SuggestedTools),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result, nil
}

func parseReflection(resp *core.Completion) (*ReflectionResponse, error) {
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return &ReflectionResponse{
			Decision:   DecisionGiveUp,
			Reasoning:  "Model did not provide a valid response",
			Confidence: 0,
		}, nil
	}

	content := stripFences(resp.Content)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return &ReflectionResponse{
			Decision:   DecisionAnswer,
			Reasoning:  resp.Content,
			Confidence: 50,
		}, nil
	}

	decision := stringField(fields, "decision")
	reasoning := stringField(fields, "reasoning")
	switch {
	case decision == "":
		return nil, fmt.Errorf("%w: missing decision", core.ErrInvalidReflection)
	case reasoning == "":
		return nil, fmt.Errorf("%w: missing reasoning", core.ErrInvalidReflection)
	case !Decision(decision).valid():
		return nil, fmt.Errorf("%w: unknown decision %q", core.ErrInvalidReflection, decision)
	}

	// The remaining fields are advisory; a mistyped value is dropped.
	var suggestions []SuggestedTool
	if raw, ok := fields["suggested_tools"]; ok {
		_ = json.Unmarshal(raw, &suggestions)
	}
	return &ReflectionResponse{
		Decision:              Decision(decision),
		Reasoning:             reasoning,
		Confidence:            clampConfidence(numberField(fields, "confidence")),
		SuggestedTools:        suggestions,
		PartialResponse:       stringField(fields, "partial_response"),
		ClarificationQuestion: stringField(fields, "clarification_question"),
	}, nil
}

// stringField returns fields[key] when it holds a JSON string.
func stringField(fields map[string]json.RawMessage, key string) string {
	var v string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// numberField accepts a JSON number or a numeric string, else 0.
func numberField(fields map[string]json.RawMessage, key string) float64 {
	raw, ok := fields[key]
	if !ok {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n
		}
	}
	return 0
}

// BuildReflectionPrompt renders the user message of a reflection call.
func BuildReflectionPrompt(req ReflectionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", req.Question)
	if req.MaxAttempts > 0 {
		fmt.Fprintf(&b, "Attempt %d of %d.\n", req.AttemptNumber, req.MaxAttempts)
	}

	b.WriteString("\nSuccessful tool results:\n")
	if len(req.ToolResults) == 0 {
		b.WriteString("(none)\n")
	}
	for _, r := range req.ToolResults {
		fmt.Fprintf(&b, "- %s: %s\n", r.ToolName, preview(r.Data, resultPreviewLimit))
	}

	if len(req.FailedAttempts) > 0 {
		b.WriteString("\nFailed tool calls:\n")
		for _, r := range req.FailedAttempts {
			params, _ := json.Marshal(r.Params)
			fmt.Fprintf(&b, "- %s (%s): %s\n  parameters sent: %s\n", r.ToolName, r.Status, r.Error, params)
			c := resilience.Classify(r.Error, r.ToolName)
			fmt.Fprintf(&b, "  category: %s", c.ErrorCategory)
			if c.SuggestedFix != "" {
				fmt.Fprintf(&b, "; suggested fix: %s", c.SuggestedFix)
			}
			b.WriteString("\n")
			if hint := remediationHint(r.Error); hint != "" {
				fmt.Fprintf(&b, "  hint: %s\n", hint)
			}
		}
	}

	if len(req.PreviousReflections) > 0 {
		b.WriteString("\nPrevious reflections:\n")
		for i, r := range req.PreviousReflections {
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, r.Decision, r.Reasoning)
			for _, t := range r.SuggestedTools {
				params, _ := json.Marshal(t.Params)
				fmt.Fprintf(&b, "   tried %s %s\n", t.ToolName, params)
			}
		}
	}
	return b.String()
}

func remediationHint(errText string) string {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "validation failed"):
		return "check parameter names and types against the tool's schema and resend only the documented arguments"
	case strings.Contains(lower, "unknown propert"), strings.Contains(lower, "additional propert"):
		return "remove parameters the tool does not accept"
	}
	return ""
}

// preview serializes data, truncated to limit bytes.
func preview(data interface{}, limit int) string {
	var s string
	switch v := data.(type) {
	case nil:
		return "null"
	case string:
		s = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprintf("%v", v)
		} else {
			s = string(raw)
		}
	}
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
