package core

// Message roles understood by every provider adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSchema describes a tool offered to the model for native tool calling.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// CompletionOptions configures a single model call.
// Model overrides the provider's configured model when non-empty.
type CompletionOptions struct {
	Model       string       `json:"model,omitempty"`
	Temperature *float32     `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	ToolSchemas []ToolSchema `json:"tool_schemas,omitempty"`
}

// Clone returns a copy safe to modify. A nil receiver yields empty options.
func (o *CompletionOptions) Clone() *CompletionOptions {
	if o == nil {
		return &CompletionOptions{}
	}
	c := *o
	if o.Temperature != nil {
		t := *o.Temperature
		c.Temperature = &t
	}
	if o.ToolSchemas != nil {
		c.ToolSchemas = append([]ToolSchema(nil), o.ToolSchemas...)
	}
	return &c
}

// Float32 returns a pointer to v, for CompletionOptions.Temperature.
func Float32(v float32) *float32 {
	return &v
}

// ModelToolCall is a tool invocation requested natively by the model.
type ModelToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a model response. An empty Content means the model
// returned no text.
type Completion struct {
	Content   string          `json:"content"`
	ToolCalls []ModelToolCall `json:"tool_calls,omitempty"`
	Model     string          `json:"model,omitempty"`
	Usage     TokenUsage      `json:"usage"`
}

// Phase labels a status line for the client.
type Phase string

const (
	PhaseAnalyzing  Phase = "analyzing"
	PhaseRetrieving Phase = "retrieving"
	PhaseGenerating Phase = "generating"
	PhaseExecuting  Phase = "executing"
	PhaseCompleting Phase = "completing"
)
