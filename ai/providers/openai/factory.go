package openai

import (
	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/core"
)

// Factory implements ai.ProviderFactory for OpenAI
type Factory struct{}

// Name returns the provider name
func (f *Factory) Name() string {
	return "openai"
}

// Description returns a human-readable description
func (f *Factory) Description() string {
	return "OpenAI chat completions (any OpenAI-compatible endpoint via base_url)"
}

// Create builds a client. The API key is required unless a custom base URL
// points at a local server.
func (f *Factory) Create(config *ai.ProviderConfig) (core.ModelProvider, error) {
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, &core.FrameworkError{
			Op:      "openai.Factory.Create",
			Kind:    "config",
			Message: "api key is required (set AGENTLOOP_AI_API_KEY or OPENAI_API_KEY)",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	return NewClient(config), nil
}

func init() {
	ai.MustRegister(&Factory{})
}
