package resilience

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/itsneelabh/agentloop/core"
)

// ErrorCategory groups tool failures for retry decisions.
type ErrorCategory string

const (
	CategoryValidation         ErrorCategory = "validation"
	CategoryAuthentication     ErrorCategory = "authentication"
	CategoryRateLimit          ErrorCategory = "rate_limit"
	CategoryServiceUnavailable ErrorCategory = "service_unavailable"
	CategoryNotFound           ErrorCategory = "not_found"
	CategoryTimeout            ErrorCategory = "timeout"
	CategoryUnknown            ErrorCategory = "unknown"
)

// RetryStrategy says how a recoverable failure should be retried.
type RetryStrategy string

const (
	RetryWithModification RetryStrategy = "with_modification"
	RetryWithDelay        RetryStrategy = "with_delay"
	RetryImmediate        RetryStrategy = "immediate"
)

// ErrorClassification is the retry/surface decision for one tool failure.
type ErrorClassification struct {
	IsRecoverable bool          `json:"is_recoverable"`
	ShouldRetry   bool          `json:"should_retry"`
	SurfaceToUser bool          `json:"surface_to_user"`
	RetryStrategy RetryStrategy `json:"retry_strategy,omitempty"`
	SuggestedFix  string        `json:"suggested_fix,omitempty"`
	ErrorCategory ErrorCategory `json:"error_category"`
}

// DefaultMaxRetryAttempts is the attempt budget used by ShouldContinueRetrying callers.
const DefaultMaxRetryAttempts = 3

type patternFamily struct {
	category ErrorCategory
	patterns []string
	class    ErrorClassification
}

// Families are checked in order; the first family with a matching
// substring wins.
var families = []patternFamily{
	{
		category: CategoryValidation,
		patterns: []string{
			"validation failed", "validation error", "failed validation",
			"is required", "are required", "missing required", "required parameter",
			"required field", "required argument", "must be",
			"invalid parameter", "invalid argument", "invalid input", "invalid value",
			"invalid format", "invalid request", "invalid type",
			"unknown properties", "unknown property", "additional properties",
			"unexpected property", "unexpected field", "malformed", "bad request",
			"cannot be empty",
		},
		class: ErrorClassification{IsRecoverable: true, ShouldRetry: true, RetryStrategy: RetryWithModification},
	},
	{
		category: CategoryAuthentication,
		patterns: []string{
			"unauthorized", "unauthenticated", "authentication", "not authenticated",
			"not authorized", "forbidden", "permission denied", "access denied",
			"api key", "api_key", "apikey", "invalid token", "token expired",
			"expired token", "credentials", "login required", "oauth", "401", "403",
			"user intervention", "requires approval", "consent",
		},
		class: ErrorClassification{SurfaceToUser: true},
	},
	{
		category: CategoryRateLimit,
		patterns: []string{
			"rate limit", "rate-limit", "ratelimit", "too many requests", "429",
			"quota", "throttl",
		},
		class: ErrorClassification{IsRecoverable: true, ShouldRetry: true, RetryStrategy: RetryWithDelay},
	},
	{
		category: CategoryServiceUnavailable,
		patterns: []string{
			"service unavailable", "unavailable", "503", "502", "bad gateway",
			"internal server error", "server error", "connection refused",
			"econnrefused", "connection reset", "econnreset", "overloaded",
			"temporarily", "maintenance", "no such host",
		},
		class: ErrorClassification{IsRecoverable: true, ShouldRetry: true, RetryStrategy: RetryWithDelay},
	},
	{
		category: CategoryNotFound,
		patterns: []string{
			"not found", "404", "does not exist", "doesn't exist", "no such",
			"unknown tool", "no results", "no data found",
		},
		class: ErrorClassification{IsRecoverable: true, ShouldRetry: true, RetryStrategy: RetryWithModification},
	},
	{
		category: CategoryTimeout,
		patterns: []string{
			"timeout", "timed out", "time out", "deadline exceeded", "etimedout",
			"took too long",
		},
		class: ErrorClassification{IsRecoverable: true, ShouldRetry: true, RetryStrategy: RetryImmediate},
	},
}

// fieldPatterns pull the offending field name out of validation messages.
var fieldPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)["'\x60]([A-Za-z_][\w.\-]*)["'\x60]\s+(?:is|are)\s+required`),
	regexp.MustCompile(`(?i)missing(?:\s+required)?(?:\s+(?:field|parameter|property|argument|key))?[:\s]+["'\x60]?([A-Za-z_][\w.\-]*)`),
	regexp.MustCompile(`(?i)["'\x60]?([A-Za-z_][\w.\-]*)["'\x60]?\s+must\s+be`),
	regexp.MustCompile(`(?i)invalid\s+(?:value\s+for\s+)?["'\x60]?([A-Za-z_][\w.\-]*)`),
	regexp.MustCompile(`(?i)expected\s+["'\x60]?([A-Za-z_][\w.\-]*)`),
}

// Classify maps a tool failure to its retry/surface decision. It is pure:
// identical inputs always produce identical output.
func Classify(errorText, toolID string) ErrorClassification {
	lower := strings.ToLower(errorText)

	for _, fam := range families {
		for _, p := range fam.patterns {
			if strings.Contains(lower, p) {
				c := fam.class
				c.ErrorCategory = fam.category
				c.SuggestedFix = suggestFix(fam.category, errorText, toolID)
				return c
			}
		}
	}

	return ErrorClassification{
		SurfaceToUser: true,
		ErrorCategory: CategoryUnknown,
		SuggestedFix:  suggestFix(CategoryUnknown, errorText, toolID),
	}
}

// ShouldContinueRetrying reports whether another attempt is allowed.
// maxAttempts <= 0 means DefaultMaxRetryAttempts.
func ShouldContinueRetrying(c ErrorClassification, attemptCount, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetryAttempts
	}
	if attemptCount >= maxAttempts {
		return false
	}
	return c.IsRecoverable && c.ShouldRetry
}

func suggestFix(category ErrorCategory, errorText, toolID string) string {
	tool := toolID
	if tool == "" {
		tool = "the tool"
	}
	switch category {
	case CategoryValidation:
		if field := extractField(errorText); field != "" {
			return fmt.Sprintf("Provide a valid %q argument when calling %s", field, tool)
		}
		return fmt.Sprintf("Check the required arguments and their types for %s, then retry with corrected values", tool)
	case CategoryAuthentication:
		return fmt.Sprintf("%s needs valid credentials or user approval before it can be used", tool)
	case CategoryRateLimit:
		return fmt.Sprintf("Wait before calling %s again", tool)
	case CategoryServiceUnavailable:
		return fmt.Sprintf("%s is temporarily unavailable; retry after a short delay", tool)
	case CategoryNotFound:
		return fmt.Sprintf("Adjust the identifiers or query passed to %s", tool)
	case CategoryTimeout:
		return fmt.Sprintf("Retry %s, optionally with a narrower request", tool)
	}
	return ""
}

func extractField(errorText string) string {
	for _, re := range fieldPatterns {
		if m := re.FindStringSubmatch(errorText); len(m) > 1 && m[1] != "" {
			return m[1]
		}
	}
	return ""
}

var contextLengthPatterns = []string{
	"context length", "context_length", "maximum context", "context window",
	"max tokens", "max_tokens", "maximum tokens", "token limit",
	"too many tokens", "prompt is too long", "input is too long",
	"exceeds the maximum number of tokens", "reduce the length",
}

// IsContextLengthError reports whether err is a model context/length-limit
// failure, either structured (*core.ContextOverflowError) or textual.
func IsContextLengthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, core.ErrContextOverflow) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, p := range contextLengthPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
