// Package gemini adapts the Gemini API (google.golang.org/genai) to
// core.ModelProvider.
package gemini

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/ai/providers"
	"github.com/itsneelabh/agentloop/core"
)

const outputCeiling = 8192

// Client implements core.ModelProvider for Gemini models. The SDK client is
// created on first use because its constructor needs a context.
type Client struct {
	*providers.BaseClient
	apiKey  string
	baseURL string

	mu  sync.Mutex
	api *genai.Client
}

// NewClient creates a client from cfg.
func NewClient(cfg *ai.ProviderConfig) *Client {
	return &Client{
		BaseClient: providers.NewBaseClient("gemini", cfg, outputCeiling),
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
	}
}

func (c *Client) sdk(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	cc := &genai.ClientConfig{APIKey: c.apiKey, Backend: genai.BackendGeminiAPI}
	if c.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	api, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c.api = api
	return api, nil
}

// Complete implements core.ModelProvider.
func (c *Client) Complete(ctx context.Context, messages []core.Message, options *core.CompletionOptions) (*core.Completion, error) {
	api, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	opts := c.ApplyDefaults(options)
	system, turns := providers.SplitSystem(messages)

	config := &genai.GenerateContentConfig{
		Temperature:     opts.Temperature,
		MaxOutputTokens: int32(opts.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(opts.ToolSchemas) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(opts.ToolSchemas))
		for _, schema := range opts.ToolSchemas {
			decl := &genai.FunctionDeclaration{Name: schema.Name, Description: schema.Description}
			if len(schema.Parameters) > 0 {
				decl.ParametersJsonSchema = schema.Parameters
			}
			decls = append(decls, decl)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	start := time.Now()
	c.LogRequest(ctx, opts.Model, messages, opts.MaxTokens)
	result, err := api.Models.GenerateContent(ctx, opts.Model, convertMessages(turns), config)
	if err != nil {
		return nil, c.HandleError(ctx, opts.Model, messages, opts.MaxTokens, err)
	}
	if result == nil {
		return &core.Completion{Model: opts.Model}, nil
	}

	out := &core.Completion{Content: result.Text(), Model: opts.Model}
	if u := result.UsageMetadata; u != nil {
		out.Usage = core.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	for _, call := range result.FunctionCalls() {
		id := call.ID
		if id == "" {
			id = call.Name
		}
		out.ToolCalls = append(out.ToolCalls, core.ModelToolCall{ID: id, Name: call.Name, Arguments: call.Args})
	}
	c.LogResponse(ctx, opts.Model, out.Usage, start)
	return out, nil
}

func convertMessages(messages []core.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := string(genai.RoleUser)
		if m.Role == core.RoleAssistant {
			role = string(genai.RoleModel)
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	return out
}
