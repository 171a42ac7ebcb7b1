package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/resilience"
	"github.com/itsneelabh/agentloop/telemetry"
)

// DefaultToolTimeout bounds a single worker execution.
const DefaultToolTimeout = 30 * time.Second

// WorkerOptions configures a WorkerAgent.
type WorkerOptions struct {
	UserID  string
	Timeout time.Duration
	// Retry re-invokes a failed tool per its policy. Nil means one attempt.
	Retry  *resilience.RetryConfig
	Logger core.Logger
}

// WorkerAgent executes exactly one ToolCall.
// Status moves pending -> running -> success|failed|timeout and never back.
type WorkerAgent struct {
	id       string
	call     ToolCall
	registry core.ToolRegistry
	opts     WorkerOptions
	logger   core.Logger

	mu     sync.RWMutex
	status WorkerStatus
	result *WorkerAgentResult
	done   chan struct{}
}

// NewWorkerAgent creates a pending agent for call.
func NewWorkerAgent(call ToolCall, registry core.ToolRegistry, opts WorkerOptions) *WorkerAgent {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultToolTimeout
	}
	return &WorkerAgent{
		id:       uuid.NewString(),
		call:     call,
		registry: registry,
		opts:     opts,
		logger:   core.ComponentLogger(opts.Logger, "agentloop/orchestration"),
		status:   StatusPending,
		done:     make(chan struct{}),
	}
}

// ID returns the agent id.
func (w *WorkerAgent) ID() string { return w.id }

// Call returns the tool call the agent executes.
func (w *WorkerAgent) Call() ToolCall { return w.call }

// Status returns the current status.
func (w *WorkerAgent) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Result returns the terminal result. ok is false until the agent finishes.
func (w *WorkerAgent) Result() (result *WorkerAgentResult, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.result, w.result != nil
}

// Done is closed when the agent reaches a terminal status.
func (w *WorkerAgent) Done() <-chan struct{} { return w.done }

type invocation struct {
	resp *core.ToolResponse
	err  error
}

// Execute runs the tool call. Tool failures are captured in the result, not
// returned. It returns core.ErrAlreadyStarted if called more than once.
func (w *WorkerAgent) Execute(ctx context.Context) (*WorkerAgentResult, error) {
	w.mu.Lock()
	if w.status != StatusPending {
		w.mu.Unlock()
		return nil, fmt.Errorf("worker %s: %w", w.id, core.ErrAlreadyStarted)
	}
	w.status = StatusRunning
	w.mu.Unlock()

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "worker.execute",
		attribute.String("tool.name", w.call.Name),
		attribute.String("agent.id", w.id),
	)
	defer span.End()

	w.logger.DebugWithContext(ctx, "Executing tool", map[string]interface{}{
		"operation": "tool_execution",
		"agent_id":  w.id,
		"tool":      w.call.Name,
	})

	runCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	out := make(chan invocation, 1)
	go func() {
		resp, err := w.invoke(runCtx)
		out <- invocation{resp: resp, err: err}
	}()

	result := &WorkerAgentResult{
		AgentID:  w.id,
		ToolName: w.call.Name,
		Params:   w.call.Arguments,
	}

	select {
	case inv := <-out:
		switch {
		case inv.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			result.Status = StatusTimeout
			result.Error = w.timeoutMessage()
		case inv.err != nil:
			result.Status = StatusFailed
			result.Error = inv.err.Error()
		default:
			result.Status = StatusSuccess
			result.Data = inv.resp.Data
		}
	case <-runCtx.Done():
		if ctx.Err() == nil {
			result.Status = StatusTimeout
			result.Error = w.timeoutMessage()
		} else {
			result.Status = StatusFailed
			result.Error = ctx.Err().Error()
		}
	}
	result.ExecutionTimeMs = elapsedMs(start)

	w.finish(result)

	telemetry.Counter("agentloop.tool.executions", "tool", w.call.Name, "status", string(result.Status))
	telemetry.Histogram("agentloop.tool.duration_ms", float64(result.ExecutionTimeMs), "tool", w.call.Name)
	span.SetAttributes(attribute.String("tool.status", string(result.Status)))
	if result.Status != StatusSuccess {
		telemetry.RecordSpanError(ctx, errors.New(result.Error))
		w.logger.WarnWithContext(ctx, "Tool execution did not succeed", map[string]interface{}{
			"operation":   "tool_execution",
			"agent_id":    w.id,
			"tool":        w.call.Name,
			"status":      string(result.Status),
			"error":       result.Error,
			"duration_ms": result.ExecutionTimeMs,
		})
	} else {
		w.logger.DebugWithContext(ctx, "Tool execution succeeded", map[string]interface{}{
			"operation":   "tool_execution",
			"agent_id":    w.id,
			"tool":        w.call.Name,
			"duration_ms": result.ExecutionTimeMs,
		})
	}
	return result, nil
}

// invoke calls the registry, applying the retry policy. A response with
// Success=false is turned into an error so the classifier sees its text.
func (w *WorkerAgent) invoke(ctx context.Context) (resp *core.ToolResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorWithContext(ctx, "Tool panicked", map[string]interface{}{
				"operation": "tool_execution",
				"tool":      w.call.Name,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			resp, err = nil, fmt.Errorf("tool %s panicked: %v", w.call.Name, r)
		}
	}()

	if w.registry == nil {
		return nil, fmt.Errorf("tool %s: %w", w.call.Name, core.ErrToolNotFound)
	}

	attempt := func() error {
		r, callErr := w.registry.Execute(ctx, w.call.Name, w.call.Arguments, w.opts.UserID)
		if callErr != nil {
			return callErr
		}
		if r == nil || !r.Success {
			return errors.New(r.ErrorText())
		}
		resp = r
		return nil
	}

	if w.opts.Retry == nil || w.opts.Retry.MaxAttempts <= 1 {
		return resp, attempt()
	}
	attempts := 0
	err = resilience.Retry(ctx, w.opts.Retry, func() error {
		attempts++
		if attempts > 1 {
			telemetry.Counter("agentloop.tool.retries", "tool", w.call.Name)
		}
		return attempt()
	})
	return resp, err
}

func (w *WorkerAgent) finish(result *WorkerAgentResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = result.Status
	w.result = result
	close(w.done)
}

func (w *WorkerAgent) timeoutMessage() string {
	return fmt.Sprintf("tool %s timed out after %s", w.call.Name, w.opts.Timeout)
}
