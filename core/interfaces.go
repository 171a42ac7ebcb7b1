package core

import "context"

// Logger is the structured logging contract used by every package.
// Fields are flattened into the log record by the implementation.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// Context-aware variants attach trace correlation (trace_id, span_id)
	// when the context carries an active span.
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger can derive a logger tagged with a component name,
// e.g. "agentloop/orchestration".
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// ComponentLogger returns logger scoped to component when supported.
// A nil logger yields a NoOpLogger.
func ComponentLogger(logger Logger, component string) Logger {
	if logger == nil {
		return &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}

// ModelProvider is the language-model contract consumed by the planner,
// the reflection service, the status narrator and the response composer.
//
// Context-overflow failures should be returned as *ContextOverflowError
// when the provider reports token counts, or as any error whose text
// mentions the token limit otherwise.
type ModelProvider interface {
	Complete(ctx context.Context, messages []Message, opts *CompletionOptions) (*Completion, error)
}

// TokenCeiling is implemented by providers that know their maximum output tokens.
type TokenCeiling interface {
	MaxOutputTokens() int
}

// ToolRegistry executes named tools on behalf of a user.
// A returned error or a response with Success=false is treated as an
// opaque failure whose text feeds the tool error classifier.
type ToolRegistry interface {
	Execute(ctx context.Context, toolName string, args map[string]interface{}, userID string) (*ToolResponse, error)
	ListTools() []ToolInfo
}

// StatusSink receives progress for one conversation turn. The transport
// (SSE, polling, terminal) lives behind it.
type StatusSink interface {
	Status(message string, phase Phase)
	End()
	Error(message, code string, fatal bool)
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpSink discards all status output.
type NoOpSink struct{}

func (NoOpSink) Status(message string, phase Phase)     {}
func (NoOpSink) End()                                   {}
func (NoOpSink) Error(message, code string, fatal bool) {}
