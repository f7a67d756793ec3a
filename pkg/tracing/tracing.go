package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/psantana5/taskguard/pkg/logging"
)

// Config holds the tracing configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // host:port of an OTLP HTTP collector, e.g. "localhost:4318"
	SampleRatio    float64 // 0 or >= 1 samples everything
	Insecure       bool
	Enabled        bool
}

// Provider wraps the OpenTelemetry trace provider
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// InitTracer initializes OpenTelemetry tracing. A disabled config returns a
// provider whose spans are never recorded.
func InitTracer(ctx context.Context, cfg Config, logger *logging.Logger) (*Provider, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return Noop(), nil
	}

	logger.Info("Initializing OpenTelemetry tracing", map[string]interface{}{
		"service":  cfg.ServiceName,
		"endpoint": cfg.OTLPEndpoint,
	})

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator())

	return NewProvider(tp, cfg.ServiceName), nil
}

// NewProvider wraps an existing SDK provider.
func NewProvider(tp *sdktrace.TracerProvider, name string) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(name)}
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer("taskguard")}
}

// Shutdown flushes pending spans and shuts down the tracer provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		return p.tp.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer instance
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartSpan starts a new span
func (p *Provider) StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}
