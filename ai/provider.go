// Package ai builds model providers from configuration and estimates token
// counts. Concrete adapters live under ai/providers and register themselves
// on import.
package ai

import (
	"fmt"

	"github.com/itsneelabh/agentloop/core"
)

// ProviderConfig holds what a factory needs to build a provider.
type ProviderConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int

	Logger core.Logger
	Tokens *TokenCounter
}

// ProviderConfigFromCore converts the primary AI section of core.Config.
func ProviderConfigFromCore(cfg core.AIConfig, logger core.Logger) *ProviderConfig {
	return &ProviderConfig{
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Logger:      logger,
	}
}

// FallbackConfigFromCore converts the fallback section, inheriting sampling
// settings from the primary. It returns nil when no fallback is configured.
func FallbackConfigFromCore(cfg core.AIConfig, logger core.Logger) *ProviderConfig {
	if !cfg.Fallback.Enabled() {
		return nil
	}
	return &ProviderConfig{
		Provider:    cfg.Fallback.Provider,
		Model:       cfg.Fallback.Model,
		APIKey:      cfg.Fallback.APIKey,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Logger:      logger,
	}
}

// NewProvider creates a provider through its registered factory.
func NewProvider(cfg *ProviderConfig) (core.ModelProvider, error) {
	if cfg == nil {
		return nil, core.NewFrameworkError("ai.NewProvider", "config", core.ErrMissingConfiguration)
	}
	factory, ok := GetProvider(cfg.Provider)
	if !ok {
		return nil, &core.FrameworkError{
			Op:      "ai.NewProvider",
			Kind:    "config",
			Message: fmt.Sprintf("provider %q is not registered (available: %v)", cfg.Provider, ListProviders()),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Tokens == nil {
		cfg.Tokens = NewTokenCounter()
	}
	return factory.Create(cfg)
}
