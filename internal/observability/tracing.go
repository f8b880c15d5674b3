package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drostlabs/drost/internal/config"
)

// Tracer wraps span export for turns and tool calls. Disabled config yields
// a no-op tracer; call sites never branch.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracer builds the OTLP exporter per config. The provider is local to
// the gateway; the global otel registry is never touched.
func NewTracer(ctx context.Context, cfg config.OTLPConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("drost")}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "drost-gateway"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Tracer{tracer: provider.Tracer("drost"), provider: provider}, nil
}

func newExporter(ctx context.Context, cfg config.OTLPConfig) (*otlptrace.Exporter, error) {
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpointHost(cfg.Endpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown otlp protocol %q", cfg.Protocol)
	}
}

// endpointHost strips the scheme; both exporters take host:port.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// StartTurn opens a gateway.turn span.
func (t *Tracer) StartTurn(ctx context.Context, sessionID, providerID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "gateway.turn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("provider.id", providerID),
	))
}

// EndTurn closes a turn span with its usage attributes.
func (t *Tracer) EndTurn(span trace.Span, duration time.Duration, promptTokens, completionTokens int) {
	span.SetAttributes(
		attribute.Int64("duration.ms", duration.Milliseconds()),
		attribute.Int("tokens.prompt", promptTokens),
		attribute.Int("tokens.completion", completionTokens),
	)
	span.End()
}

// StartTool opens a gateway.tool span.
func (t *Tracer) StartTool(ctx context.Context, tool string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "gateway.tool", trace.WithAttributes(
		attribute.String("tool.name", tool),
	))
}

// EndTool closes a tool span with its outcome.
func (t *Tracer) EndTool(span trace.Span, ok bool, duration time.Duration) {
	span.SetAttributes(
		attribute.Bool("tool.ok", ok),
		attribute.Int64("duration.ms", duration.Milliseconds()),
	)
	span.End()
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
