package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/resilience"
	"github.com/itsneelabh/agentloop/telemetry"
)

// Registry is an in-process core.ToolRegistry. When the breaker config is
// enabled every tool gets its own circuit breaker.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	breaker core.ToolBreakerConfig
	logger  core.Logger
}

type entry struct {
	tool    Tool
	breaker *resilience.CircuitBreaker
}

// NewRegistry creates an empty registry.
func NewRegistry(breaker core.ToolBreakerConfig, logger core.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		breaker: breaker,
		logger:  core.ComponentLogger(logger, "agentloop/tools"),
	}
}

// Register adds tool. Names are unique.
func (r *Registry) Register(tool Tool) error {
	info := tool.Info()
	if strings.TrimSpace(info.Name) == "" {
		return core.NewFrameworkError("Registry.Register", "tool", core.ErrInvalidConfiguration)
	}

	e := &entry{tool: tool}
	if r.breaker.Enabled {
		cb, err := resilience.NewCircuitBreaker(resilience.BreakerConfigFromCore(info.Name, r.breaker, r.logger))
		if err != nil {
			return fmt.Errorf("tool %s: %w", info.Name, err)
		}
		e.breaker = cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.Name]; exists {
		return &core.FrameworkError{Op: "Registry.Register", Kind: "tool", ID: info.Name, Err: core.ErrToolAlreadyExists}
	}
	r.entries[info.Name] = e
	r.order = append(r.order, info.Name)

	r.logger.Info("Tool registered", map[string]interface{}{
		"operation": "tool_register",
		"tool":      info.Name,
		"breaker":   e.breaker != nil,
	})
	return nil
}

// ListTools returns the catalog in registration order.
func (r *Registry) ListTools() []core.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]core.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		infos = append(infos, r.entries[name].tool.Info())
	}
	return infos
}

// Execute invokes the named tool. Unsuccessful responses are returned as
// errors carrying the tool's error text.
func (r *Registry) Execute(ctx context.Context, toolName string, args map[string]interface{}, userID string) (*core.ToolResponse, error) {
	r.mu.RLock()
	e, ok := r.entries[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.FrameworkError{Op: "Registry.Execute", Kind: "tool", ID: toolName, Err: core.ErrToolNotFound}
	}

	ctx, span := telemetry.StartSpan(ctx, "tools.execute", attribute.String("tool", toolName))
	defer span.End()
	start := time.Now()

	if missing := missingArgs(e.tool.Info().RequiredArgs, args); len(missing) > 0 {
		err := fmt.Errorf("validation failed: missing required argument(s): %s", strings.Join(missing, ", "))
		telemetry.RecordSpanError(ctx, err)
		return nil, err
	}

	var resp *core.ToolResponse
	call := func() error {
		var err error
		resp, err = e.tool.Invoke(ctx, args, userID)
		if err != nil {
			return err
		}
		if resp == nil || !resp.Success {
			return errors.New(resp.ErrorText())
		}
		return nil
	}

	var err error
	if e.breaker != nil {
		err = e.breaker.Execute(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		r.logger.WarnWithContext(ctx, "Tool call failed", map[string]interface{}{
			"operation":   "tool_execution",
			"tool":        toolName,
			"user_id":     userID,
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, err
	}

	r.logger.DebugWithContext(ctx, "Tool call succeeded", map[string]interface{}{
		"operation":   "tool_execution",
		"tool":        toolName,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return resp, nil
}

// BreakerStates reports the circuit state per tool; empty when breakers
// are disabled.
func (r *Registry) BreakerStates() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]string)
	for name, e := range r.entries {
		if e.breaker != nil {
			states[name] = e.breaker.GetState()
		}
	}
	return states
}

func missingArgs(required []string, args map[string]interface{}) []string {
	var missing []string
	for _, name := range required {
		v, ok := args[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
