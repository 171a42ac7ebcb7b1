package resilience

import (
	"context"
	"fmt"

	"github.com/itsneelabh/agentloop/core"
)

// ResilientModel wraps a provider with context-overflow recovery. A reduced
// history returned by the coordinator is retried once against the primary.
type ResilientModel struct {
	primary     core.ModelProvider
	coordinator *TokenRecoveryCoordinator
}

// NewResilientModel decorates primary. The coordinator must retry against
// the same undecorated primary.
func NewResilientModel(primary core.ModelProvider, coordinator *TokenRecoveryCoordinator) *ResilientModel {
	return &ResilientModel{primary: primary, coordinator: coordinator}
}

// Complete implements core.ModelProvider.
func (m *ResilientModel) Complete(ctx context.Context, messages []core.Message, opts *core.CompletionOptions) (*core.Completion, error) {
	resp, err := m.primary.Complete(ctx, messages, opts)
	if err == nil {
		return resp, nil
	}
	if m.coordinator == nil || !IsContextLengthError(err) {
		return nil, err
	}

	res := m.coordinator.Recover(ctx, RecoveryRequest{Messages: messages, Options: opts, Err: err})
	switch {
	case res.Success && res.Response != nil:
		return res.Response, nil
	case res.Success && res.Messages != nil:
		resp, retryErr := m.primary.Complete(ctx, res.Messages, opts)
		if retryErr != nil {
			return nil, fmt.Errorf("retry after %s failed: %w", res.Strategy, retryErr)
		}
		return resp, nil
	}
	return nil, err
}

// MaxOutputTokens forwards the primary provider's ceiling.
func (m *ResilientModel) MaxOutputTokens() int {
	if tc, ok := m.primary.(core.TokenCeiling); ok {
		return tc.MaxOutputTokens()
	}
	return 0
}
