package ai

import (
	"fmt"
	"sort"
	"sync"

	"github.com/itsneelabh/agentloop/core"
)

// ProviderFactory creates model providers. Provider packages register a
// factory from init so that a blank import makes them available:
//
//	import _ "github.com/itsneelabh/agentloop/ai/providers/anthropic"
type ProviderFactory interface {
	Name() string
	Description() string
	Create(config *ProviderConfig) (core.ModelProvider, error)
}

// ProviderRegistry manages registered provider factories
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
}

var registry = &ProviderRegistry{
	providers: make(map[string]ProviderFactory),
}

// Register adds a factory. Registering the same name twice is an error.
func Register(factory ProviderFactory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.providers[name]; exists {
		return fmt.Errorf("provider '%s' already registered", name)
	}

	registry.providers[name] = factory
	return nil
}

// MustRegister registers a factory and panics on error
func MustRegister(factory ProviderFactory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register provider: %v", err))
	}
}

// GetProvider returns a registered factory
func GetProvider(name string) (ProviderFactory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	factory, exists := registry.providers[name]
	return factory, exists
}

// ListProviders returns the sorted names of registered providers
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
