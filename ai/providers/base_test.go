package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/core"
)

func newBase() *BaseClient {
	return NewBaseClient("test", &ai.ProviderConfig{Model: "m", Temperature: 0.4, MaxTokens: 1000}, 4096)
}

func TestApplyDefaults(t *testing.T) {
	b := newBase()

	opts := b.ApplyDefaults(nil)
	assert.Equal(t, "m", opts.Model)
	require.NotNil(t, opts.Temperature)
	assert.InDelta(t, 0.4, *opts.Temperature, 0.0001)
	assert.Equal(t, 1000, opts.MaxTokens)

	in := &core.CompletionOptions{Model: "other", MaxTokens: 10000, Temperature: core.Float32(0)}
	opts = b.ApplyDefaults(in)
	assert.Equal(t, "other", opts.Model)
	assert.Equal(t, 4096, opts.MaxTokens, "capped at the output ceiling")
	assert.Equal(t, float32(0), *opts.Temperature, "explicit zero temperature is kept")
	assert.Equal(t, 10000, in.MaxTokens, "input is not mutated")
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]core.Message{
		{Role: core.RoleSystem, Content: "a"},
		{Role: core.RoleUser, Content: "q"},
		{Role: core.RoleSystem, Content: "b"},
	})
	assert.Equal(t, "a\n\nb", system)
	assert.Equal(t, []core.Message{{Role: core.RoleUser, Content: "q"}}, rest)
}

func TestParseOverflow(t *testing.T) {
	b := newBase()

	tests := []struct {
		name      string
		msg       string
		limit     int
		input     int
		available int
	}{
		{
			name:      "openai with breakdown",
			msg:       "This model's maximum context length is 8192 tokens. However, you requested 8300 tokens (7800 in the messages, 500 in the completion).",
			limit:     8192,
			input:     7800,
			available: 392,
		},
		{
			name:      "openai without breakdown",
			msg:       "This model's maximum context length is 4096 tokens. However, your messages resulted in 5000 tokens.",
			limit:     4096,
			input:     4000,
			available: 96,
		},
		{
			name:  "anthropic prompt too long",
			msg:   "prompt is too long: 210000 tokens > 200000 maximum",
			limit: 200000,
			input: 210000,
		},
		{
			name:      "anthropic sum",
			msg:       "input length and `max_tokens` exceed context limit: 190000 + 20000 > 200000",
			limit:     200000,
			input:     190000,
			available: 10000,
		},
		{
			name:  "gemini",
			msg:   "The input token count (1100000) exceeds the maximum number of tokens allowed (1048576).",
			limit: 1048576,
			input: 1100000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.ParseOverflow("m", nil, 1000, errors.New(tt.msg))
			var overflow *core.ContextOverflowError
			require.True(t, errors.As(err, &overflow))
			assert.Equal(t, tt.limit, overflow.ContextLimit)
			assert.Equal(t, tt.input, overflow.InputTokens)
			assert.Equal(t, tt.available, overflow.AvailableTokens)
			assert.ErrorIs(t, err, core.ErrContextOverflow)
		})
	}
}

func TestParseOverflow_Generic(t *testing.T) {
	b := newBase()
	cause := errors.New("request exceeds the context window of this model")

	err := b.ParseOverflow("m", nil, 1000, cause)
	assert.ErrorIs(t, err, core.ErrContextOverflow)
	assert.ErrorIs(t, err, cause)
	var overflow *core.ContextOverflowError
	assert.False(t, errors.As(err, &overflow), "no token counts to recover")

	other := errors.New("rate limit exceeded")
	assert.Same(t, other, b.ParseOverflow("m", nil, 1000, other))
	assert.NoError(t, b.ParseOverflow("m", nil, 1000, nil))
}

func TestHandleError(t *testing.T) {
	b := newBase()
	cause := errors.New("connection reset")
	err := b.HandleError(context.Background(), "m", []core.Message{{Content: "x"}}, 100, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "test completion failed")
}
