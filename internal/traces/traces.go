// Package traces wires OpenTelemetry tracing for escrow operations and
// outbound gateway calls.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mbd888/safehold"

// Settings configures the exporter. An empty Endpoint disables export.
type Settings struct {
	Endpoint    string
	Version     string
	SampleRatio float64 // fraction of root spans kept; <=0 or >=1 keeps all
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a batching OTLP/gRPC tracer provider as the global one.
// Spans started before Init, or when export is disabled, go to the
// default no-op provider.
func Init(ctx context.Context, s Settings, logger *slog.Logger) (Shutdown, error) {
	if s.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT unset")
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(s.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("safehold"),
		semconv.ServiceVersion(s.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(s.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", s.Endpoint, "sample_ratio", s.SampleRatio)
	return tp.Shutdown, nil
}

// Child spans follow the parent's decision so an escrow transition and
// its gateway calls are kept or dropped together.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan opens a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End marks the span failed when err is non-nil, then ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the hex trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

const (
	keyEscrowID  = attribute.Key("escrow.id")
	keyOperation = attribute.Key("escrow.operation")
	keyStatus    = attribute.Key("escrow.status")
	keyAmount    = attribute.Key("escrow.amount")
	keyReference = attribute.Key("payment.reference")
	keyProvider  = attribute.Key("payment.provider")
	keyUserID    = attribute.Key("user.id")
)

func EscrowID(id string) attribute.KeyValue { return keyEscrowID.String(id) }
func Operation(op string) attribute.KeyValue { return keyOperation.String(op) }
func Status(s string) attribute.KeyValue { return keyStatus.String(s) }
func Amount(amount string) attribute.KeyValue { return keyAmount.String(amount) }
func Reference(ref string) attribute.KeyValue { return keyReference.String(ref) }
func Provider(name string) attribute.KeyValue { return keyProvider.String(name) }
func UserID(id string) attribute.KeyValue { return keyUserID.String(id) }
