package core

import "context"

type statusSinkKey struct{}

// WithStatusSink attaches sink to ctx so components deep in a model call
// (for example overflow recovery) can notify the user.
func WithStatusSink(ctx context.Context, sink StatusSink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, statusSinkKey{}, sink)
}

// StatusSinkFromContext returns the sink attached by WithStatusSink, or nil.
func StatusSinkFromContext(ctx context.Context) StatusSink {
	if ctx == nil {
		return nil
	}
	sink, _ := ctx.Value(statusSinkKey{}).(StatusSink)
	return sink
}
