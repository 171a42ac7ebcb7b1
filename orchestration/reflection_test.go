package orchestration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentloop/ai/providers/mock"
	"github.com/itsneelabh/agentloop/core"
)

func reflectWith(t *testing.T, content string) (*ReflectionResponse, error) {
	t.Helper()
	model := mock.NewClient()
	model.Enqueue(mock.Reply{Content: content})
	svc := NewReflectionService(model, nil)
	return svc.Reflect(context.Background(), ReflectionRequest{Question: "q", AttemptNumber: 1, MaxAttempts: 3})
}

func TestReflect_ValidDecision(t *testing.T) {
	resp, err := reflectWith(t, "```json\n"+`{
		"decision": "retry",
		"reasoning": "city was misspelled",
		"confidence": 140,
		"suggested_tools": [{"tool_name": "weather", "params": {"city": "Paris"}, "reasoning": "fixed spelling"}]
	}`+"\n```")
	require.NoError(t, err)

	assert.Equal(t, DecisionRetry, resp.Decision)
	assert.Equal(t, "city was misspelled", resp.Reasoning)
	assert.Equal(t, 100, resp.Confidence)
	require.Len(t, resp.SuggestedTools, 1)
	assert.Equal(t, "weather", resp.SuggestedTools[0].ToolName)
	assert.Equal(t, map[string]interface{}{"city": "Paris"}, resp.SuggestedTools[0].Params)
}

func TestReflect_FailurePolicies(t *testing.T) {
	t.Run("empty content gives up", func(t *testing.T) {
		resp, err := reflectWith(t, "  ")
		require.NoError(t, err)
		assert.Equal(t, &ReflectionResponse{
			Decision:   DecisionGiveUp,
			Reasoning:  "Model did not provide a valid response",
			Confidence: 0,
		}, resp)
	})

	t.Run("unparseable content answers with raw text", func(t *testing.T) {
		raw := "The weather in Paris is sunny."
		resp, err := reflectWith(t, raw)
		require.NoError(t, err)
		assert.Equal(t, DecisionAnswer, resp.Decision)
		assert.Equal(t, raw, resp.Reasoning)
		assert.Equal(t, 50, resp.Confidence)
	})

	t.Run("mistyped confidence is read leniently", func(t *testing.T) {
		resp, err := reflectWith(t, `{"decision": "retry", "reasoning": "fix the city", "confidence": "80"}`)
		require.NoError(t, err)
		assert.Equal(t, DecisionRetry, resp.Decision)
		assert.Equal(t, "fix the city", resp.Reasoning)
		assert.Equal(t, 80, resp.Confidence)
	})

	t.Run("mistyped suggestions are dropped", func(t *testing.T) {
		resp, err := reflectWith(t, `{"decision": "alternative", "reasoning": "x", "suggested_tools": "weather"}`)
		require.NoError(t, err)
		assert.Equal(t, DecisionAlternative, resp.Decision)
		assert.Empty(t, resp.SuggestedTools)
	})

	invalid := map[string]string{
		"missing decision":             `{"reasoning": "x"}`,
		"missing reasoning":            `{"decision": "answer"}`,
		"unknown decision":             `{"decision": "maybe", "reasoning": "x"}`,
		"unknown decision with string": `{"decision": "bogus", "reasoning": "x", "confidence": "high"}`,
		"non-string decision":          `{"decision": 3, "reasoning": "x"}`,
	}
	for name, content := range invalid {
		t.Run(name+" is an error", func(t *testing.T) {
			resp, err := reflectWith(t, content)
			assert.Nil(t, resp)
			assert.True(t, errors.Is(err, core.ErrInvalidReflection), "got %v", err)
		})
	}
}

func TestReflect_ModelError(t *testing.T) {
	model := mock.NewClient()
	model.QueueError(errors.New("upstream down"))
	_, err := NewReflectionService(model, nil).Reflect(context.Background(), ReflectionRequest{Question: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestReflect_PromptContents(t *testing.T) {
	model := mock.NewClient()
	model.Enqueue(mock.Reply{Content: `{"decision": "answer", "reasoning": "ok"}`})
	svc := NewReflectionService(model, nil)

	_, err := svc.Reflect(context.Background(), ReflectionRequest{
		Question: "What is BTC trading at?",
		ToolResults: []*WorkerAgentResult{
			{ToolName: "search", Status: StatusSuccess, Data: strings.Repeat("x", 1000)},
		},
		FailedAttempts: []*WorkerAgentResult{
			{ToolName: "price", Status: StatusFailed, Error: "validation failed: symbol is required", Params: map[string]interface{}{"coin": "btc"}},
			{ToolName: "fx", Status: StatusFailed, Error: "unknown property 'foo'"},
			{ToolName: "slow", Status: StatusTimeout, Error: "tool slow timed out after 30s"},
		},
		PreviousReflections: []*ReflectionResponse{
			{Decision: DecisionRetry, Reasoning: "first try", SuggestedTools: []SuggestedTool{{ToolName: "price", Params: map[string]interface{}{"coin": "btc"}}}},
		},
		AttemptNumber: 2,
		MaxAttempts:   3,
	})
	require.NoError(t, err)

	calls := model.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, reflectionSystemPrompt, calls[0].Messages[0].Content)
	prompt := calls[0].Messages[1].Content

	assert.Contains(t, prompt, "Question: What is BTC trading at?")
	assert.Contains(t, prompt, "Attempt 2 of 3.")
	assert.Contains(t, prompt, "- search: "+strings.Repeat("x", resultPreviewLimit)+"...")
	assert.NotContains(t, prompt, strings.Repeat("x", resultPreviewLimit+1))
	assert.Contains(t, prompt, `parameters sent: {"coin":"btc"}`)
	assert.Contains(t, prompt, "category: validation")
	assert.Contains(t, prompt, "hint: check parameter names")
	assert.Contains(t, prompt, "hint: remove parameters the tool does not accept")
	assert.Contains(t, prompt, "slow (timeout)")
	assert.Contains(t, prompt, "category: timeout")
	assert.Contains(t, prompt, "1. retry: first try")
	assert.Contains(t, prompt, `tried price {"coin":"btc"}`)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "null", preview(nil, 10))
	assert.Equal(t, "plain", preview("plain", 10))
	assert.Equal(t, `{"a":1}`, preview(map[string]int{"a": 1}, 10))
	assert.Equal(t, "abc...", preview("abcdef", 3))
}
