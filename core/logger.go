package core

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ProductionLogger implements Logger and ComponentAwareLogger on top of zap.
type ProductionLogger struct {
	zl        *zap.Logger
	component string
}

// NewProductionLogger builds a zap logger from LoggingConfig and tags every
// record with the service name.
func NewProductionLogger(cfg LoggingConfig, service string) (*ProductionLogger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, &FrameworkError{
			Op:      "NewProductionLogger",
			Kind:    "config",
			Message: fmt.Sprintf("invalid log level %q", cfg.Level),
			Err:     ErrInvalidConfiguration,
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	if service != "" {
		zl = zl.With(zap.String("service", service))
	}
	return &ProductionLogger{zl: zl}, nil
}

// NewLoggerFromZap wraps an existing zap logger.
func NewLoggerFromZap(zl *zap.Logger) *ProductionLogger {
	return &ProductionLogger{zl: zl}
}

// WithComponent returns a logger whose records carry component=name.
func (p *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		zl:        p.zl.With(zap.String("component", component)),
		component: component,
	}
}

// Sync flushes buffered records.
func (p *ProductionLogger) Sync() error {
	return p.zl.Sync()
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.zl.Info(msg, toZapFields(fields)...)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.zl.Error(msg, toZapFields(fields)...)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.zl.Warn(msg, toZapFields(fields)...)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.zl.Debug(msg, toZapFields(fields)...)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.zl.Info(msg, withTrace(ctx, toZapFields(fields))...)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.zl.Error(msg, withTrace(ctx, toZapFields(fields))...)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.zl.Warn(msg, withTrace(ctx, toZapFields(fields))...)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.zl.Debug(msg, withTrace(ctx, toZapFields(fields))...)
}

// toZapFields converts map fields in key order so output is stable.
func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys)+2)
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return fields
	}
	return append(fields,
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
