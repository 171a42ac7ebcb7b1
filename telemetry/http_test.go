package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func useTraceContextPropagator(t *testing.T) {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })
}

func TestTracingMiddleware_SpansPerRequest(t *testing.T) {
	recorder := setupTestTracer(t)
	useTraceContextPropagator(t)

	var traceID string
	handler := TracingMiddleware("agentloop", "/health", "/metrics")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceContext(r.Context()).TraceID
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/flows", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, traceID)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP POST /api/v1/flows", spans[0].Name())
}

func TestTracingMiddleware_ExcludedPaths(t *testing.T) {
	recorder := setupTestTracer(t)

	handler := TracingMiddleware("agentloop", "/health", "/metrics")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Empty(t, recorder.Ended())
}

func TestTracingMiddleware_ContinuesIncomingTrace(t *testing.T) {
	setupTestTracer(t)
	useTraceContextPropagator(t)

	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	var traceID string
	handler := TracingMiddleware("agentloop")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceContext(r.Context()).TraceID
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows/abc", nil)
	req.Header.Set("traceparent", parent)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traceID)
}

func TestNewTracedHTTPClient(t *testing.T) {
	client := NewTracedHTTPClient(nil, 2*time.Second)
	assert.Equal(t, 2*time.Second, client.Timeout)
	assert.NotNil(t, client.Transport)

	custom := NewTracedHTTPClient(http.DefaultTransport, 0)
	assert.Zero(t, custom.Timeout)
	assert.NotSame(t, http.DefaultTransport, custom.Transport)
}

func TestTracedHTTPClient_PropagatesContext(t *testing.T) {
	setupTestTracer(t)
	useTraceContextPropagator(t)

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_, _ = w.Write([]byte("OK"))
	}))
	defer server.Close()

	ctx, span := StartSpan(context.Background(), "tools.execute")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL, nil)
	require.NoError(t, err)
	resp, err := NewTracedHTTPClient(nil, time.Second).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, traceparent, GetTraceContext(ctx).TraceID)
}
