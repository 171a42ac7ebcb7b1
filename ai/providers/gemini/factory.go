package gemini

import (
	"github.com/itsneelabh/agentloop/ai"
	"github.com/itsneelabh/agentloop/core"
)

// Factory implements ai.ProviderFactory for Gemini
type Factory struct{}

// Name returns the provider name
func (f *Factory) Name() string {
	return "gemini"
}

// Description returns a human-readable description
func (f *Factory) Description() string {
	return "Google Gemini models via the Gemini API"
}

// Create builds a client. An API key is required.
func (f *Factory) Create(config *ai.ProviderConfig) (core.ModelProvider, error) {
	if config.APIKey == "" {
		return nil, &core.FrameworkError{
			Op:      "gemini.Factory.Create",
			Kind:    "config",
			Message: "api key is required (set GEMINI_API_KEY or GOOGLE_API_KEY)",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	return NewClient(config), nil
}

func init() {
	ai.MustRegister(&Factory{})
}
