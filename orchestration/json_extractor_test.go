package orchestration

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMap(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestParseJSON_Stages(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]interface{}
	}{
		{
			name:  "plain object",
			input: `{"decision": "answer"}`,
			want:  map[string]interface{}{"decision": "answer"},
		},
		{
			name:  "wrapped fence with language tag",
			input: "```json\n{\"decision\": \"answer\"}\n```",
			want:  map[string]interface{}{"decision": "answer"},
		},
		{
			name:  "wrapped fence without tag",
			input: "  ```\n{\"n\": 1}\n```  ",
			want:  map[string]interface{}{"n": float64(1)},
		},
		{
			name:  "fence surrounded by prose",
			input: "Here is the plan:\n```json\n{\"tool_calls\": []}\n```\nLet me know.",
			want:  map[string]interface{}{"tool_calls": []interface{}{}},
		},
		{
			name:  "fence markers without newlines",
			input: "```json{\"a\": true}```",
			want:  map[string]interface{}{"a": true},
		},
		{
			name:  "unterminated fence",
			input: "```json\n{\"a\": \"b\"}",
			want:  map[string]interface{}{"a": "b"},
		},
		{
			name:  "leading and trailing prose",
			input: `Sure! {"decision": "retry", "reasoning": "x"} Hope that helps.`,
			want:  map[string]interface{}{"decision": "retry", "reasoning": "x"},
		},
		{
			name:  "missing one closing brace",
			input: `{"a": {"b": 1}`,
			want:  map[string]interface{}{"a": map[string]interface{}{"b": float64(1)}},
		},
		{
			name:  "braces inside strings are not counted",
			input: `{"text": "open { brace", "n": {"m": 2}`,
			want:  map[string]interface{}{"text": "open { brace", "n": map[string]interface{}{"m": float64(2)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := ParseJSON(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decodeMap(t, raw))
		})
	}
}

func TestParseJSON_RepairUpToNestingDepth(t *testing.T) {
	full := `{"a": {"b": {"c": {"d": 1}}}}`
	var want map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(full), &want))

	for n := 1; n <= 4; n++ {
		truncated := full[:len(full)-n]
		raw, err := ParseJSON(truncated)
		require.NoError(t, err, "missing %d braces", n)
		assert.Equal(t, want, decodeMap(t, raw), "missing %d braces", n)
	}
}

func TestParseJSON_Failure(t *testing.T) {
	long := strings.Repeat("not json at all ", 40)

	_, err := ParseJSON(long)
	require.Error(t, err)

	var perr *JSONParseError
	require.True(t, errors.As(err, &perr))
	assert.Len(t, perr.Original, snapshotLimit)
	assert.Len(t, perr.Cleaned, snapshotLimit)
	assert.Empty(t, perr.Extracted)
	assert.NotNil(t, perr.Err)
}

func TestParseJSON_FailureRecordsStages(t *testing.T) {
	_, err := ParseJSON(`prefix {"a": [1, 2} suffix`)
	require.Error(t, err)

	var perr *JSONParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, `{"a": [1, 2}`, perr.Extracted)
	assert.Contains(t, perr.Error(), "no valid JSON")
}

func TestParseJSON_Empty(t *testing.T) {
	_, err := ParseJSON("   ")
	assert.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Decision   string `json:"decision"`
		Confidence int    `json:"confidence"`
	}
	err := DecodeJSON("```json\n{\"decision\": \"answer\", \"confidence\": 80}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, "answer", out.Decision)
	assert.Equal(t, 80, out.Confidence)

	var wrongType struct {
		Decision int `json:"decision"`
	}
	err = DecodeJSON(`{"decision": "answer"}`, &wrongType)
	assert.Error(t, err)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
	assert.Equal(t, "before\n{\"a\":1}\nafter", stripFences("before\n```\n{\"a\":1}\n```\nafter"))
}
