// Package mock provides a scripted model provider for tests and offline runs.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/core"
)

// ErrNoMoreResponses is returned when the script is exhausted and no
// fallback content is set.
var ErrNoMoreResponses = errors.New("no more mock responses")

func init() {
	ai.MustRegister(&Factory{})
}

// Factory creates mock clients. It is never selected unless configured
// explicitly with provider "mock".
type Factory struct{}

// Name returns the provider name
func (f *Factory) Name() string {
	return "mock"
}

// Description returns provider description
func (f *Factory) Description() string {
	return "Mock provider for testing"
}

// Create creates a new mock client that answers every call with a fixed text.
func (f *Factory) Create(config *ai.ProviderConfig) (core.ModelProvider, error) {
	c := NewClient()
	if config != nil && config.Model != "" {
		c.Model = config.Model
	}
	c.Fallback = "Mock response"
	return c, nil
}

// Reply is one scripted answer.
type Reply struct {
	Content   string
	ToolCalls []core.ModelToolCall
	Err       error
}

// Call records one Complete invocation.
type Call struct {
	Messages []core.Message
	Options  *core.CompletionOptions
}

// HandlerFunc computes a reply from the request. When set it takes
// precedence over the queued replies.
type HandlerFunc func(ctx context.Context, messages []core.Message, opts *core.CompletionOptions) (*core.Completion, error)

// Client implements core.ModelProvider. It is safe for concurrent use.
type Client struct {
	Model    string
	Ceiling  int
	Fallback string

	mu      sync.Mutex
	replies []Reply
	handler HandlerFunc
	calls   []Call
}

// NewClient creates an empty client.
func NewClient() *Client {
	return &Client{Model: "mock-model", Ceiling: 4096}
}

// Complete returns the next scripted reply.
func (c *Client) Complete(ctx context.Context, messages []core.Message, opts *core.CompletionOptions) (*core.Completion, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{
		Messages: append([]core.Message(nil), messages...),
		Options:  opts.Clone(),
	})
	handler := c.handler
	var next *Reply
	if handler == nil && len(c.replies) > 0 {
		r := c.replies[0]
		c.replies = c.replies[1:]
		next = &r
	}
	fallback := c.Fallback
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler != nil {
		return handler(ctx, messages, opts)
	}
	if next == nil {
		if fallback == "" {
			return nil, ErrNoMoreResponses
		}
		next = &Reply{Content: fallback}
	}
	if next.Err != nil {
		return nil, next.Err
	}

	prompt := 0
	for _, m := range messages {
		prompt += len(m.Content) / 4
	}
	model := c.Model
	if opts != nil && opts.Model != "" {
		model = opts.Model
	}
	return &core.Completion{
		Content:   next.Content,
		ToolCalls: next.ToolCalls,
		Model:     model,
		Usage: core.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: len(next.Content) / 4,
			TotalTokens:      prompt + len(next.Content)/4,
		},
	}, nil
}

// MaxOutputTokens implements core.TokenCeiling.
func (c *Client) MaxOutputTokens() int {
	return c.Ceiling
}

// SetResponses replaces the script with text replies.
func (c *Client) SetResponses(responses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = c.replies[:0]
	for _, r := range responses {
		c.replies = append(c.replies, Reply{Content: r})
	}
}

// Enqueue appends replies to the script.
func (c *Client) Enqueue(replies ...Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, replies...)
}

// QueueError appends a failing reply.
func (c *Client) QueueError(err error) {
	c.Enqueue(Reply{Err: err})
}

// SetHandler routes every call through h.
func (c *Client) SetHandler(h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Calls returns a copy of the recorded calls.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount returns the number of Complete invocations.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Reset clears the script, the handler and the recorded calls.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = nil
	c.calls = nil
	c.handler = nil
}
