// Package anthropic adapts the Anthropic Messages API to core.ModelProvider.
package anthropic

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/ai/providers"
	"github.com/itsneelabh/agentloop/core"
)

const outputCeiling = 8192

// Client implements core.ModelProvider for Claude models.
type Client struct {
	*providers.BaseClient
	api anthropic.Client
}

// NewClient creates a client from cfg.
func NewClient(cfg *ai.ProviderConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		BaseClient: providers.NewBaseClient("anthropic", cfg, outputCeiling),
		api:        anthropic.NewClient(opts...),
	}
}

// Complete implements core.ModelProvider. System messages are sent as the
// system prompt and consecutive turns of the same role are merged, since the
// API requires alternating roles.
func (c *Client) Complete(ctx context.Context, messages []core.Message, options *core.CompletionOptions) (*core.Completion, error) {
	opts := c.ApplyDefaults(options)
	system, turns := providers.SplitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(opts.Model),
		Messages:    convertMessages(turns),
		MaxTokens:   int64(opts.MaxTokens),
		Temperature: anthropic.Float(float64(*opts.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	for _, schema := range opts.ToolSchemas {
		params.Tools = append(params.Tools, anthropic.ToolUnionParamOfTool(inputSchema(schema.Parameters), schema.Name))
	}

	start := time.Now()
	c.LogRequest(ctx, opts.Model, messages, opts.MaxTokens)
	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, c.HandleError(ctx, opts.Model, messages, opts.MaxTokens, err)
	}

	out := &core.Completion{
		Model: string(resp.Model),
		Usage: core.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			use := block.AsToolUse()
			args := map[string]interface{}{}
			_ = json.Unmarshal(use.Input, &args)
			out.ToolCalls = append(out.ToolCalls, core.ModelToolCall{ID: use.ID, Name: use.Name, Arguments: args})
		}
	}
	c.LogResponse(ctx, opts.Model, out.Usage, start)
	return out, nil
}

func convertMessages(messages []core.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	var prevRole string
	for _, m := range messages {
		role := core.RoleUser
		if m.Role == core.RoleAssistant {
			role = core.RoleAssistant
		}
		block := anthropic.NewTextBlock(m.Content)
		if role == prevRole {
			last := &out[len(out)-1]
			last.Content = append(last.Content, block)
			continue
		}
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(role),
			Content: []anthropic.ContentBlockParamUnion{block},
		})
		prevRole = role
	}
	return out
}

func inputSchema(params map[string]interface{}) anthropic.ToolInputSchemaParam {
	schema := anthropic.ToolInputSchemaParam{Type: "object"}
	if props, ok := params["properties"]; ok {
		schema.Properties = props
	}
	switch req := params["required"].(type) {
	case []string:
		schema.Required = req
	case []interface{}:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}
