package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameworkError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *FrameworkError
		want string
	}{
		{"op with id", &FrameworkError{Op: "Store.Get", ID: "flow-1", Err: ErrJobNotFound}, "Store.Get [flow-1]: job not found"},
		{"op with message", &FrameworkError{Op: "Config.Validate", Message: "bad port", Err: ErrInvalidConfiguration}, "Config.Validate: bad port: invalid configuration"},
		{"op only", &FrameworkError{Op: "Registry.Execute", Err: ErrToolNotFound}, "Registry.Execute: tool not found"},
		{"message only", &FrameworkError{Message: "plain"}, "plain"},
		{"kind only", &FrameworkError{Kind: "job"}, "job error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestFrameworkError_Unwrap(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewFrameworkError("PollingJobStore.Get", "job", ErrJobNotFound))
	assert.True(t, errors.Is(err, ErrJobNotFound))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConfigurationError(err))
}

func TestContextOverflowError(t *testing.T) {
	cause := errors.New("This model's maximum context length is 8192 tokens")
	err := NewContextOverflowError("openai", "gpt-4", 8000, 8192, 1000, cause)

	assert.Equal(t, 192, err.AvailableTokens)
	assert.Equal(t, 192, err.SuggestedMaxTokens)
	assert.True(t, errors.Is(err, ErrContextOverflow))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "openai")

	var target *ContextOverflowError
	wrapped := fmt.Errorf("completion failed: %w", err)
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, 8192, target.ContextLimit)

	t.Run("requested below available", func(t *testing.T) {
		e := NewContextOverflowError("anthropic", "claude", 1000, 200000, 500, nil)
		assert.Equal(t, 199000, e.AvailableTokens)
		assert.Equal(t, 500, e.SuggestedMaxTokens)
	})

	t.Run("input above limit", func(t *testing.T) {
		e := NewContextOverflowError("gemini", "flash", 300, 200, 0, nil)
		assert.Equal(t, 0, e.AvailableTokens)
	})
}

func TestToolResponseErrorText(t *testing.T) {
	var nilResp *ToolResponse
	assert.Equal(t, "tool returned no response", nilResp.ErrorText())
	assert.Equal(t, "[RATE_LIMIT] slow down", (&ToolResponse{Error: &ToolError{Code: "RATE_LIMIT", Message: "slow down"}}).ErrorText())
	assert.Equal(t, "city is required", (&ToolResponse{Error: &ToolError{Message: "city is required"}}).ErrorText())
	assert.NotEmpty(t, (&ToolResponse{}).ErrorText())
	assert.Empty(t, (&ToolResponse{Success: true}).ErrorText())
}
