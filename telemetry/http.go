package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TracingMiddleware returns HTTP middleware that extracts W3C trace context,
// opens a span per request and records HTTP metrics. Requests whose path
// is in excludedPaths (health checks, /metrics) are not traced.
//
//	mux := http.NewServeMux()
//	handler := telemetry.TracingMiddleware("agentloop", "/health", "/metrics")(mux)
func TracingMiddleware(serviceName string, excludedPaths ...string) func(http.Handler) http.Handler {
	var opts []otelhttp.Option
	if len(excludedPaths) > 0 {
		excluded := make(map[string]bool, len(excludedPaths))
		for _, p := range excludedPaths {
			excluded[p] = true
		}
		opts = append(opts, otelhttp.WithFilter(func(r *http.Request) bool {
			return !excluded[r.URL.Path]
		}))
	}
	opts = append(opts, otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
		return "HTTP " + r.Method + " " + r.URL.Path
	}))

	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName, opts...)
	}
}

// NewTracedHTTPClient creates an HTTP client that propagates trace context
// to downstream services. A nil baseTransport uses a pooled transport.
func NewTracedHTTPClient(baseTransport http.RoundTripper, timeout time.Duration) *http.Client {
	if baseTransport == nil {
		baseTransport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(baseTransport),
		Timeout:   timeout,
	}
}
