package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Tool errors
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolAlreadyExists = errors.New("tool already registered")

	// Job errors
	ErrJobNotFound = errors.New("job not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Model errors
	ErrModelUnavailable  = errors.New("model provider unavailable")
	ErrContextOverflow   = errors.New("context length exceeded")
	ErrInvalidReflection = errors.New("invalid reflection response")

	// State errors
	ErrAlreadyStarted = errors.New("already started")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitOpen        = errors.New("service temporarily unavailable: circuit breaker open")
)

// FrameworkError provides structured error information with context
// It implements the error interface and supports error wrapping
type FrameworkError struct {
	Op      string // Operation that failed (e.g., "PollingJobStore.Get")
	Kind    string // Error kind (e.g., "job", "tool", "config")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// ContextOverflowError is the structured form of a context-length failure.
// Zero fields mean the provider did not report that value.
type ContextOverflowError struct {
	Provider           string
	Model              string
	InputTokens        int
	ContextLimit       int
	AvailableTokens    int
	RequestedMaxTokens int
	SuggestedMaxTokens int
	Err                error
}

func (e *ContextOverflowError) Error() string {
	msg := fmt.Sprintf("context length exceeded: input=%d limit=%d available=%d requested_max_tokens=%d",
		e.InputTokens, e.ContextLimit, e.AvailableTokens, e.RequestedMaxTokens)
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ContextOverflowError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrContextOverflow) match structured overflows.
func (e *ContextOverflowError) Is(target error) bool {
	return target == ErrContextOverflow
}

// NewContextOverflowError derives available and suggested token counts
// from the reported limit, input size and requested output.
func NewContextOverflowError(provider, model string, inputTokens, contextLimit, requestedMaxTokens int, cause error) *ContextOverflowError {
	e := &ContextOverflowError{
		Provider:           provider,
		Model:              model,
		InputTokens:        inputTokens,
		ContextLimit:       contextLimit,
		RequestedMaxTokens: requestedMaxTokens,
		Err:                cause,
	}
	if contextLimit > 0 && inputTokens > 0 {
		e.AvailableTokens = contextLimit - inputTokens
		if e.AvailableTokens < 0 {
			e.AvailableTokens = 0
		}
		e.SuggestedMaxTokens = e.AvailableTokens
		if requestedMaxTokens > 0 && requestedMaxTokens < e.SuggestedMaxTokens {
			e.SuggestedMaxTokens = requestedMaxTokens
		}
	}
	return e
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrToolNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
