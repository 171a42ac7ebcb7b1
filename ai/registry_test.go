package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentloop/core"
)

type stubProvider struct{ cfg *ProviderConfig }

func (s *stubProvider) Complete(ctx context.Context, messages []core.Message, opts *core.CompletionOptions) (*core.Completion, error) {
	return &core.Completion{Content: s.cfg.Model}, nil
}

type stubFactory struct{ name string }

func (f *stubFactory) Name() string        { return f.name }
func (f *stubFactory) Description() string { return "stub" }
func (f *stubFactory) Create(cfg *ProviderConfig) (core.ModelProvider, error) {
	return &stubProvider{cfg: cfg}, nil
}

func TestRegister(t *testing.T) {
	require.NoError(t, Register(&stubFactory{name: "stub-register"}))
	assert.Error(t, Register(&stubFactory{name: "stub-register"}), "duplicate names are rejected")
	assert.Error(t, Register(nil))
	assert.Error(t, Register(&stubFactory{}))

	f, ok := GetProvider("stub-register")
	require.True(t, ok)
	assert.Equal(t, "stub", f.Description())
	assert.Contains(t, ListProviders(), "stub-register")

	assert.Panics(t, func() { MustRegister(&stubFactory{name: "stub-register"}) })
}

func TestNewProvider(t *testing.T) {
	MustRegister(&stubFactory{name: "stub-new"})

	p, err := NewProvider(&ProviderConfig{Provider: "stub-new", Model: "m1"})
	require.NoError(t, err)
	resp, err := p.Complete(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "m1", resp.Content)

	stub := p.(*stubProvider)
	assert.NotNil(t, stub.cfg.Logger, "logger defaulted")
	assert.NotNil(t, stub.cfg.Tokens, "token counter defaulted")

	_, err = NewProvider(&ProviderConfig{Provider: "does-not-exist"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
	assert.True(t, core.IsConfigurationError(err))

	_, err = NewProvider(nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestConfigFromCore(t *testing.T) {
	cfg := core.AIConfig{
		Provider: "openai", Model: "gpt-4o-mini", APIKey: "k", Temperature: 0.3, MaxTokens: 900,
	}
	pc := ProviderConfigFromCore(cfg, nil)
	assert.Equal(t, "openai", pc.Provider)
	assert.Equal(t, 900, pc.MaxTokens)

	assert.Nil(t, FallbackConfigFromCore(cfg, nil))

	cfg.Fallback = core.FallbackAIConfig{Provider: "anthropic", Model: "claude", APIKey: "k2"}
	fb := FallbackConfigFromCore(cfg, nil)
	require.NotNil(t, fb)
	assert.Equal(t, "anthropic", fb.Provider)
	assert.InDelta(t, 0.3, fb.Temperature, 0.0001)
}
