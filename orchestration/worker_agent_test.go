package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/resilience"
)

func TestWorkerAgent_Success(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := newFakeRegistry().add("weather", okTool(map[string]interface{}{"temp": 21}))
	call := ToolCall{ID: "c1", Name: "weather", Arguments: map[string]interface{}{"city": "Paris"}}
	agent := NewWorkerAgent(call, reg, WorkerOptions{UserID: "u1"})

	assert.Equal(t, StatusPending, agent.Status())
	_, ok := agent.Result()
	assert.False(t, ok)

	result, err := agent.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "weather", result.ToolName)
	assert.Equal(t, agent.ID(), result.AgentID)
	assert.Equal(t, map[string]interface{}{"temp": 21}, result.Data)
	assert.Equal(t, call.Arguments, result.Params)
	assert.Empty(t, result.Error)
	assert.Equal(t, StatusSuccess, agent.Status())
	assert.Equal(t, []string{"u1"}, reg.users)

	got, ok := agent.Result()
	require.True(t, ok)
	assert.Same(t, result, got)

	select {
	case <-agent.Done():
	default:
		t.Fatal("Done should be closed after Execute")
	}
}

func TestWorkerAgent_FailureIsCaptured(t *testing.T) {
	tests := []struct {
		name    string
		tool    toolFunc
		wantErr string
	}{
		{
			name:    "returned error",
			tool:    failingTool("validation failed: city is required"),
			wantErr: "validation failed: city is required",
		},
		{
			name: "unsuccessful response",
			tool: func(context.Context, map[string]interface{}) (*core.ToolResponse, error) {
				return &core.ToolResponse{Success: false, Error: &core.ToolError{Code: "NOT_FOUND", Message: "no such city"}}, nil
			},
			wantErr: "[NOT_FOUND] no such city",
		},
		{
			name: "panic",
			tool: func(context.Context, map[string]interface{}) (*core.ToolResponse, error) {
				panic("boom")
			},
			wantErr: "tool search panicked: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistry().add("search", tt.tool)
			agent := NewWorkerAgent(ToolCall{ID: "c", Name: "search"}, reg, WorkerOptions{})

			result, err := agent.Execute(context.Background())
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, result.Status)
			assert.Equal(t, tt.wantErr, result.Error)
			assert.Nil(t, result.Data)
		})
	}
}

func TestWorkerAgent_UnknownTool(t *testing.T) {
	agent := NewWorkerAgent(ToolCall{Name: "missing"}, newFakeRegistry(), WorkerOptions{})
	result, err := agent.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "tool not found")
}

func TestWorkerAgent_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	defer close(release)
	reg := newFakeRegistry().add("slow", blockingTool(release, "late"))
	agent := NewWorkerAgent(ToolCall{ID: "c", Name: "slow"}, reg, WorkerOptions{Timeout: 20 * time.Millisecond})

	result, err := agent.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Contains(t, result.Error, "timed out")
	assert.GreaterOrEqual(t, result.ExecutionTimeMs, int64(20))
}

func TestWorkerAgent_ParentCancelIsFailure(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg := newFakeRegistry().add("slow", blockingTool(release, nil))
	agent := NewWorkerAgent(ToolCall{Name: "slow"}, reg, WorkerOptions{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := agent.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "context canceled")
}

func TestWorkerAgent_ExecuteTwice(t *testing.T) {
	reg := newFakeRegistry().add("t", okTool("x"))
	agent := NewWorkerAgent(ToolCall{Name: "t"}, reg, WorkerOptions{})

	_, err := agent.Execute(context.Background())
	require.NoError(t, err)

	_, err = agent.Execute(context.Background())
	assert.True(t, errors.Is(err, core.ErrAlreadyStarted))
	assert.Equal(t, 1, reg.callCount("t"))
}

func TestWorkerAgent_StatusIsMonotonic(t *testing.T) {
	release := make(chan struct{})
	reg := newFakeRegistry().add("slow", blockingTool(release, "done"))
	agent := NewWorkerAgent(ToolCall{Name: "slow"}, reg, WorkerOptions{})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = agent.Execute(context.Background())
	}()

	require.Eventually(t, func() bool { return agent.Status() == StatusRunning }, time.Second, time.Millisecond)
	_, ok := agent.Result()
	assert.False(t, ok)

	close(release)
	<-finished
	assert.Equal(t, StatusSuccess, agent.Status())
}

func TestWorkerAgent_RetryPolicy(t *testing.T) {
	t.Run("retries service outages", func(t *testing.T) {
		attempts := 0
		reg := newFakeRegistry().add("api", func(context.Context, map[string]interface{}) (*core.ToolResponse, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("503 service unavailable")
			}
			return &core.ToolResponse{Success: true, Data: "ok"}, nil
		})
		agent := NewWorkerAgent(ToolCall{Name: "api"}, reg, WorkerOptions{
			Retry: resilience.ToolRetryConfig("api", 3, time.Millisecond),
		})

		result, err := agent.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, 3, attempts)
	})

	t.Run("does not retry validation errors", func(t *testing.T) {
		reg := newFakeRegistry().add("api", failingTool("validation failed: missing required field city"))
		agent := NewWorkerAgent(ToolCall{Name: "api"}, reg, WorkerOptions{
			Retry: resilience.ToolRetryConfig("api", 3, time.Millisecond),
		})

		result, err := agent.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, 1, reg.callCount("api"))
		assert.Contains(t, result.Error, "validation failed")
	})
}
