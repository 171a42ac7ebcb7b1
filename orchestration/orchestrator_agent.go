package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/resilience"
	"github.com/itsneelabh/agentloop/telemetry"
)

const (
	// composeDataLimit bounds each tool summary line sent to the composer.
	composeDataLimit = 2000

	genericFailureMessage  = "Sorry, something went wrong while working on your request. Please try again."
	defaultClarification   = "Could you tell me a bit more about what you're looking for?"
	emptyAnswerPlaceholder = "I couldn't put together an answer from the information I found."
)

// OrchestratorConfig tunes one OrchestratorAgent.
type OrchestratorConfig struct {
	MaxReflectionAttempts int
	ToolTimeout           time.Duration
	WatchInterval         time.Duration
	StatusDeadline        time.Duration
	MaxPlannerTools       int
	ToolRetryAttempts     int
	ToolRetryDelay        time.Duration
}

// DefaultOrchestratorConfig returns the defaults of core.DefaultConfig.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfigFromCore(core.DefaultConfig().Orchestration)
}

// OrchestratorConfigFromCore converts the orchestration config section.
func OrchestratorConfigFromCore(c core.OrchestrationConfig) OrchestratorConfig {
	return OrchestratorConfig{
		MaxReflectionAttempts: c.MaxReflectionAttempts,
		ToolTimeout:           c.ToolTimeout,
		WatchInterval:         c.WatchInterval,
		StatusDeadline:        c.StatusDeadline,
		MaxPlannerTools:       c.MaxPlannerTools,
		ToolRetryAttempts:     c.ToolRetryAttempts,
		ToolRetryDelay:        c.ToolRetryDelay,
	}
}

// AgentOption customizes an OrchestratorAgent.
type AgentOption func(*OrchestratorAgent)

// WithPlanner replaces the planner built from the agent's model.
func WithPlanner(p *ExecutionPlanner) AgentOption {
	return func(a *OrchestratorAgent) { a.planner = p }
}

// WithReflectionService replaces the reflection service.
func WithReflectionService(r *ReflectionService) AgentOption {
	return func(a *OrchestratorAgent) { a.reflector = r }
}

// WithStatusNarrator replaces the narrator. Pass nil to emit technical
// status lines without a model call.
func WithStatusNarrator(n *StatusNarrator) AgentOption {
	return func(a *OrchestratorAgent) { a.narrator = n }
}

// OrchestratorAgent drives plan, execute and reflect for one conversation
// turn at a time. It holds no per-turn state and is safe for concurrent use.
type OrchestratorAgent struct {
	model     core.ModelProvider
	registry  core.ToolRegistry
	planner   *ExecutionPlanner
	reflector *ReflectionService
	narrator  *StatusNarrator
	config    OrchestratorConfig
	logger    core.Logger
}

// NewOrchestratorAgent wires an agent around model and registry.
func NewOrchestratorAgent(model core.ModelProvider, registry core.ToolRegistry, config OrchestratorConfig, logger core.Logger, opts ...AgentOption) *OrchestratorAgent {
	if config.MaxReflectionAttempts <= 0 {
		config.MaxReflectionAttempts = 3
	}
	a := &OrchestratorAgent{
		model:     model,
		registry:  registry,
		planner:   NewExecutionPlanner(model, config.MaxPlannerTools, logger),
		reflector: NewReflectionService(model, logger),
		narrator:  NewStatusNarrator(model, config.StatusDeadline, logger),
		config:    config,
		logger:    core.ComponentLogger(logger, "agentloop/orchestration"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run plans with the registry's tool catalog, then orchestrates.
func (a *OrchestratorAgent) Run(ctx context.Context, req RunRequest, sink core.StatusSink) *OrchestratorResult {
	if sink == nil {
		sink = core.NoOpSink{}
	}
	sink.Status("Working out which tools can help", core.PhaseAnalyzing)

	var tools []core.ToolInfo
	if a.registry != nil {
		tools = a.registry.ListTools()
	}
	plan := a.planner.Plan(core.WithStatusSink(ctx, sink), req.Question, req.Intent, tools)

	return a.Orchestrate(ctx, OrchestrateRequest{
		Question:     req.Question,
		Plan:         plan,
		UserID:       req.UserID,
		History:      req.History,
		SystemPrompt: req.SystemPrompt,
	}, sink)
}

// Orchestrate executes req.Plan and loops on reflection until an answer,
// a clarification question, or the attempt budget is reached. It never
// panics and always returns a result with a response.
func (a *OrchestratorAgent) Orchestrate(ctx context.Context, req OrchestrateRequest, sink core.StatusSink) (result *OrchestratorResult) {
	start := time.Now()
	if sink == nil {
		sink = core.NoOpSink{}
	}
	ctx = core.WithStatusSink(ctx, sink)
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.orchestrate")
	defer span.End()

	t := &turn{
		agent:   a,
		req:     req,
		sink:    sink,
		watcher: NewExecutionWatcher(a.config.WatchInterval, a.logger),
	}
	defer t.watcher.Close()

	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorWithContext(ctx, "Orchestration panicked", map[string]interface{}{
				"operation": "orchestration",
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			result = t.failed(ctx, fmt.Errorf("panic: %v", r))
		}
		result.TotalDurationMs = elapsedMs(start)

		outcome := "success"
		switch {
		case result.Error != "":
			outcome = "error"
		case !result.Success:
			outcome = "failure"
		}
		span.SetAttributes(
			attribute.String("outcome", outcome),
			attribute.Int("attempts", t.attempt),
			attribute.Int("tool_results", len(result.ToolResults)),
		)
		telemetry.Counter("agentloop.orchestrator.runs", "outcome", outcome)
		telemetry.Histogram("agentloop.orchestrator.duration_ms", float64(result.TotalDurationMs))
		a.logger.InfoWithContext(ctx, "Orchestration finished", map[string]interface{}{
			"operation":    "orchestration",
			"outcome":      outcome,
			"attempts":     t.attempt,
			"tool_results": len(result.ToolResults),
			"reflections":  len(result.Reflections),
			"duration_ms":  result.TotalDurationMs,
		})
	}()

	res, err := t.loop(ctx)
	if err != nil {
		return t.failed(ctx, err)
	}
	return res
}

// turn is the state of one Orchestrate call.
type turn struct {
	agent   *OrchestratorAgent
	req     OrchestrateRequest
	sink    core.StatusSink
	watcher *ExecutionWatcher

	attempt     int
	toolResults []*WorkerAgentResult
	reflections []*ReflectionResponse
}

func (t *turn) loop(ctx context.Context) (*OrchestratorResult, error) {
	plan := t.req.Plan
	if plan == nil {
		plan = DefaultPlan()
	}
	if err := t.execute(ctx, plan.ToolCalls); err != nil {
		return nil, err
	}

	maxAttempts := t.agent.config.MaxReflectionAttempts
loop:
	for t.attempt < maxAttempts {
		succeeded, failed := t.partition()
		reflection, err := t.agent.reflector.Reflect(ctx, ReflectionRequest{
			Question:            t.req.Question,
			ToolResults:         succeeded,
			FailedAttempts:      failed,
			PreviousReflections: t.reflections,
			AttemptNumber:       t.attempt + 1,
			MaxAttempts:         maxAttempts,
		})
		if err != nil {
			return nil, err
		}
		t.reflections = append(t.reflections, reflection)

		switch reflection.Decision {
		case DecisionAnswer, DecisionGiveUp:
			text, err := t.compose(ctx, reflection)
			if err != nil {
				return nil, err
			}
			return t.succeeded(text), nil

		case DecisionAskUser:
			question := strings.TrimSpace(reflection.ClarificationQuestion)
			if question == "" {
				question = defaultClarification
			}
			return t.succeeded(question), nil

		case DecisionRetry, DecisionAlternative:
			if len(reflection.SuggestedTools) == 0 {
				break loop
			}
			calls := make([]ToolCall, 0, len(reflection.SuggestedTools))
			for _, s := range reflection.SuggestedTools {
				calls = append(calls, ToolCall{ID: uuid.NewString(), Name: s.ToolName, Arguments: s.Params})
			}
			t.attempt++
			if err := t.execute(ctx, calls); err != nil {
				return nil, err
			}

		default:
			break loop
		}
	}
	return t.exhausted(), nil
}

// execute runs calls concurrently and appends their results in completion order.
func (t *turn) execute(ctx context.Context, calls []ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	a := t.agent
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	t.status(ctx, fmt.Sprintf("Executing %d tool(s): %s", len(calls), strings.Join(names, ", ")), core.PhaseExecuting)

	agents := make([]*WorkerAgent, 0, len(calls))
	for _, call := range calls {
		opts := WorkerOptions{
			UserID:  t.req.UserID,
			Timeout: a.config.ToolTimeout,
			Logger:  a.logger,
		}
		if a.config.ToolRetryAttempts > 1 {
			opts.Retry = resilience.ToolRetryConfig(call.Name, a.config.ToolRetryAttempts, a.config.ToolRetryDelay)
		}
		agent := NewWorkerAgent(call, a.registry, opts)
		t.watcher.Watch(agent, func(r *WorkerAgentResult) error {
			telemetry.AddSpanEvent(ctx, "tool_finished",
				attribute.String("tool", r.ToolName),
				attribute.String("status", string(r.Status)),
			)
			return nil
		})
		agents = append(agents, agent)
	}
	for _, agent := range agents {
		go func(w *WorkerAgent) {
			_, _ = w.Execute(ctx)
		}(agent)
	}

	results, err := t.watcher.WaitForAll(ctx)
	t.toolResults = append(t.toolResults, results...)
	if err != nil {
		return fmt.Errorf("waiting for tools: %w", err)
	}

	ok := 0
	for _, r := range results {
		if r.Status == StatusSuccess {
			ok++
		}
	}
	t.status(ctx, fmt.Sprintf("Finished %d tool(s): %d succeeded, %d failed", len(results), ok, len(results)-ok), core.PhaseRetrieving)
	return nil
}

func (t *turn) status(ctx context.Context, technical string, phase core.Phase) {
	t.sink.Status(t.agent.narrator.Narrate(ctx, technical), phase)
}

func (t *turn) partition() (succeeded, failed []*WorkerAgentResult) {
	for _, r := range t.toolResults {
		if r.Status == StatusSuccess {
			succeeded = append(succeeded, r)
		} else {
			failed = append(failed, r)
		}
	}
	return succeeded, failed
}

// compose produces the final answer text. A partial response supplied by
// reflection is used verbatim.
func (t *turn) compose(ctx context.Context, reflection *ReflectionResponse) (string, error) {
	if text := strings.TrimSpace(reflection.PartialResponse); text != "" {
		return reflection.PartialResponse, nil
	}
	a := t.agent
	if a.model == nil {
		return "", core.NewFrameworkError("orchestrator.compose", "model", core.ErrModelUnavailable)
	}
	t.sink.Status("Writing the answer", core.PhaseGenerating)

	resp, err := a.model.Complete(ctx, t.composeMessages(), &core.CompletionOptions{
		Temperature: core.Float32(0.5),
	})
	if err != nil {
		return "", fmt.Errorf("compose response: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		if reflection.Reasoning != "" {
			return reflection.Reasoning, nil
		}
		return emptyAnswerPlaceholder, nil
	}
	return resp.Content, nil
}

func (t *turn) composeMessages() []core.Message {
	var messages []core.Message
	if t.req.SystemPrompt != "" {
		messages = append(messages, core.Message{Role: core.RoleSystem, Content: t.req.SystemPrompt})
	}
	for _, m := range t.req.History {
		if m.Role == core.RoleSystem {
			continue
		}
		messages = append(messages, m)
	}

	var b strings.Builder
	b.WriteString(t.req.Question)
	b.WriteString("\n\nTool results:\n")
	if len(t.toolResults) == 0 {
		b.WriteString("(no tools were used)\n")
	}
	for _, r := range t.toolResults {
		b.WriteString(summaryLine(r))
		b.WriteString("\n")
	}
	b.WriteString("\nAnswer the question using these results. If they are insufficient, say so plainly.")
	return append(messages, core.Message{Role: core.RoleUser, Content: b.String()})
}

func summaryLine(r *WorkerAgentResult) string {
	switch r.Status {
	case StatusSuccess:
		return fmt.Sprintf("✓ %s: %s", r.ToolName, preview(r.Data, composeDataLimit))
	case StatusTimeout:
		return fmt.Sprintf("⏱ %s: %s", r.ToolName, r.Error)
	default:
		return fmt.Sprintf("✗ %s: %s", r.ToolName, r.Error)
	}
}

func (t *turn) succeeded(text string) *OrchestratorResult {
	t.sink.Status("Response ready", core.PhaseCompleting)
	return &OrchestratorResult{
		Success:     true,
		Response:    text,
		ToolResults: t.results(),
		Reflections: t.reflections,
	}
}

// exhausted reports a loop that ended without a terminal decision.
func (t *turn) exhausted() *OrchestratorResult {
	var b strings.Builder
	if n := len(t.reflections); n > 0 {
		fmt.Fprintf(&b, "I wasn't able to complete this request after %d attempt(s).\n\nWhat I tried:\n", n)
		for i, r := range t.reflections {
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, r.Decision, r.Reasoning)
		}
	} else {
		b.WriteString("I wasn't able to complete this request.")
	}
	t.sink.Status("Could not complete the request", core.PhaseCompleting)
	return &OrchestratorResult{
		Success:     false,
		Response:    strings.TrimRight(b.String(), "\n"),
		ToolResults: t.results(),
		Reflections: t.reflections,
	}
}

func (t *turn) failed(ctx context.Context, err error) *OrchestratorResult {
	telemetry.RecordSpanError(ctx, err)
	fields := map[string]interface{}{
		"operation": "orchestration",
		"error":     err.Error(),
		"attempt":   t.attempt,
	}
	if errors.Is(err, core.ErrInvalidReflection) {
		fields["cause"] = "invalid_reflection"
	}
	t.agent.logger.ErrorWithContext(ctx, "Orchestration failed", fields)
	t.sink.Error(genericFailureMessage, "ORCHESTRATION_FAILED", false)
	return &OrchestratorResult{
		Success:     false,
		Response:    genericFailureMessage,
		ToolResults: t.results(),
		Reflections: t.reflections,
		Error:       err.Error(),
	}
}

func (t *turn) results() []*WorkerAgentResult {
	if t.toolResults == nil {
		return []*WorkerAgentResult{}
	}
	return t.toolResults
}
