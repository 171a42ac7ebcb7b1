// Package openai adapts the OpenAI chat completions API, and compatible
// endpoints reachable through a custom base URL, to core.ModelProvider.
package openai

import (
	"context"
	"encoding/json"
	"time"

	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/ai/providers"
	"github.com/itsneelabh/agentloop/core"
	openai "github.com/sashabaranov/go-openai"
)

// outputCeiling is the largest completion the gpt-4o family accepts.
const outputCeiling = 16384

// Client implements core.ModelProvider for OpenAI
type Client struct {
	*providers.BaseClient
	api *openai.Client
}

// NewClient creates a client from cfg. An empty BaseURL targets api.openai.com.
func NewClient(cfg *ai.ProviderConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		BaseClient: providers.NewBaseClient("openai", cfg, outputCeiling),
		api:        openai.NewClientWithConfig(apiCfg),
	}
}

// Complete implements core.ModelProvider.
func (c *Client) Complete(ctx context.Context, messages []core.Message, options *core.CompletionOptions) (*core.Completion, error) {
	opts := c.ApplyDefaults(options)
	req := openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    convertMessages(messages),
		MaxTokens:   opts.MaxTokens,
		Temperature: *opts.Temperature,
	}
	for _, schema := range opts.ToolSchemas {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  parametersOrEmpty(schema.Parameters),
			},
		})
	}

	start := time.Now()
	c.LogRequest(ctx, opts.Model, messages, opts.MaxTokens)
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, c.HandleError(ctx, opts.Model, messages, opts.MaxTokens, err)
	}

	out := &core.Completion{
		Model: resp.Model,
		Usage: core.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		out.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			args := map[string]interface{}{}
			if tc.Function.Arguments != "" {
				// Malformed arguments surface as an empty map; the tool reports
				// the missing fields.
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			}
			out.ToolCalls = append(out.ToolCalls, core.ModelToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
			})
		}
	}
	c.LogResponse(ctx, opts.Model, out.Usage, start)
	return out, nil
}

func convertMessages(messages []core.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case core.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case core.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func parametersOrEmpty(params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return params
}
