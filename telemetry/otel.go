package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/itsneelabh/agentloop/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Provider owns the SDK tracer and meter providers installed globally by
// Initialize.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	gatherer       prometheus.Gatherer
}

type providerOptions struct {
	registry    *prometheus.Registry
	traceWriter io.Writer
}

// ProviderOption customises Initialize.
type ProviderOption func(*providerOptions)

// WithPrometheusRegistry registers the Prometheus exporter with reg instead
// of the default registerer.
func WithPrometheusRegistry(reg *prometheus.Registry) ProviderOption {
	return func(o *providerOptions) { o.registry = reg }
}

// WithTraceWriter sends stdout-exported spans to w.
func WithTraceWriter(w io.Writer) ProviderOption {
	return func(o *providerOptions) { o.traceWriter = w }
}

// Initialize installs global tracer and meter providers according to cfg.
// Tracing is exported only when cfg.Enabled is set and an exporter is chosen;
// Prometheus metrics are served whenever cfg.Prometheus is set; OTLP metrics
// are pushed when telemetry is enabled with an endpoint.
func Initialize(ctx context.Context, serviceName string, cfg core.TelemetryConfig, opts ...ProviderOption) (*Provider, error) {
	o := &providerOptions{}
	for _, opt := range opts {
		opt(o)
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	p := &Provider{}

	if cfg.Enabled && cfg.TraceExporter != "" && cfg.TraceExporter != "none" {
		exporter, err := newSpanExporter(ctx, cfg, o)
		if err != nil {
			return nil, err
		}
		rate := cfg.SamplingRate
		if rate <= 0 || rate > 1 {
			rate = 1
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		)
		otel.SetTracerProvider(p.tracerProvider)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var readers []sdkmetric.Option
	if cfg.Prometheus {
		var promOpts []otelprom.Option
		if o.registry != nil {
			promOpts = append(promOpts, otelprom.WithRegisterer(o.registry))
			p.gatherer = o.registry
		} else {
			p.gatherer = prometheus.DefaultGatherer
		}
		exporter, err := otelprom.New(promOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(exporter))
	}
	if cfg.Enabled && cfg.Endpoint != "" {
		exporter, err := newMetricExporter(ctx, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}
	if len(readers) > 0 {
		p.meterProvider = sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
		otel.SetMeterProvider(p.meterProvider)
	}

	return p, nil
}

func newSpanExporter(ctx context.Context, cfg core.TelemetryConfig, o *providerOptions) (sdktrace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case "stdout":
		var stdOpts []stdouttrace.Option
		if o.traceWriter != nil {
			stdOpts = append(stdOpts, stdouttrace.WithWriter(o.traceWriter))
		} else {
			stdOpts = append(stdOpts, stdouttrace.WithPrettyPrint())
		}
		return stdouttrace.New(stdOpts...)
	case "otlp":
		var httpOpts []otlptracehttp.Option
		if strings.Contains(cfg.Endpoint, "://") {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		} else {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP/HTTP trace exporter: %w", err)
		}
		return exp, nil
	case "otlp-grpc":
		var grpcOpts []otlptracegrpc.Option
		if strings.Contains(cfg.Endpoint, "://") {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpointURL(cfg.Endpoint))
		} else {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP/gRPC trace exporter: %w", err)
		}
		return exp, nil
	}
	return nil, &core.FrameworkError{
		Op:      "telemetry.Initialize",
		Kind:    "config",
		Message: fmt.Sprintf("unknown trace exporter %q", cfg.TraceExporter),
		Err:     core.ErrInvalidConfiguration,
	}
}

func newMetricExporter(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
	var opts []otlpmetrichttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlpmetrichttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	return exp, nil
}

// MetricsHandler serves the Prometheus exposition format. It returns 404
// when Prometheus export is disabled.
func (p *Provider) MetricsHandler() http.Handler {
	if p == nil || p.gatherer == nil {
		return http.NotFoundHandler()
	}
	if p.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the installed providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
