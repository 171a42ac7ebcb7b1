package anthropic

import (
	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/core"
)

// Factory implements ai.ProviderFactory for Anthropic
type Factory struct{}

// Name returns the provider name
func (f *Factory) Name() string {
	return "anthropic"
}

// Description returns a human-readable description
func (f *Factory) Description() string {
	return "Anthropic Claude models via the Messages API"
}

// Create builds a client. An API key is required.
func (f *Factory) Create(config *ai.ProviderConfig) (core.ModelProvider, error) {
	if config.APIKey == "" {
		return nil, &core.FrameworkError{
			Op:      "anthropic.Factory.Create",
			Kind:    "config",
			Message: "api key is required (set ANTHROPIC_API_KEY)",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if config.Model == "" {
		config.Model = "claude-3-5-haiku-latest"
	}
	return NewClient(config), nil
}

func init() {
	ai.MustRegister(&Factory{})
}
