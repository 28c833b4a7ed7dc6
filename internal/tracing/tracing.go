// Package tracing wires OpenTelemetry into the bridge. Sessions and sink
// requests get spans; nothing else is traced.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
)

const (
	serviceName    = "gamesense-bridge"
	serviceVersion = "0.3.0"
)

// Config holds tracing configuration
type Config struct {
	Enabled bool
	// Endpoint is an OTLP/gRPC collector; empty records spans without
	// exporting them
	Endpoint string
	// SampleRate applies to root spans; values outside (0,1) keep all
	SampleRate float64
}

// Provider owns the SDK tracer provider, if any
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider installs a global tracer provider for cfg. Disabled tracing
// returns the global no-op tracer and installs nothing.
func NewProvider(ctx context.Context, cfg Config, logger *logging.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(serviceName)}, nil
	}
	if logger == nil {
		logger = logging.Nop()
	}
	log := logger.WithComponent("tracing")

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	if cfg.Endpoint != "" {
		exp, err := newExporter(ctx, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	sdk := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(sdk)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Warn().Err(err).Msg("Trace export failed")
	}))

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Float64("sample_rate", cfg.SampleRate).
		Msg("Tracing enabled")

	return &Provider{sdk: sdk, tracer: sdk.Tracer(serviceName)}, nil
}

func newExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	exp, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter for %s: %w", endpoint, err)
	}
	return exp, nil
}

// sampler keeps the parent's decision and samples new roots at rate
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the tracer sessions and the sink client start spans on
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// RecordError marks the span in ctx failed
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetStatusCode records the HTTP status the sink answered with
func SetStatusCode(ctx context.Context, code int) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", code))
}

// TraceSink starts a client span for one sink request
func TraceSink(ctx context.Context, tracer trace.Tracer, endpoint, event string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("sink.endpoint", endpoint)}
	if event != "" {
		attrs = append(attrs, attribute.String("sink.event", event))
	}
	return tracer.Start(ctx, "sink."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// TraceSession starts the span covering one tailing session
func TraceSession(ctx context.Context, tracer trace.Tracer, source string, session uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "bridge.session",
		trace.WithAttributes(
			attribute.String("session.source", source),
			attribute.Int64("session.id", int64(session)),
		),
	)
}
