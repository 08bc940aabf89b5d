package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracerName identifies spans emitted by this module.
const TracerName = "durable-job-queue"

// Tracer returns the tracer from the global provider. Without a configured
// provider the spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// InstallTracing registers a global tracer provider that writes every ended
// span to log at debug level. Call the returned function on shutdown.
func InstallTracing(log *zap.Logger) func(context.Context) error {
	tp := NewTracerProvider(log)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// NewTracerProvider builds a provider whose spans end up in log.
func NewTracerProvider(log *zap.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithSpanProcessor(spanLogger{log: log.Named("trace")}),
	)
}

type spanLogger struct {
	log *zap.Logger
}

func (spanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (l spanLogger) OnEnd(s sdktrace.ReadOnlySpan) {
	if ce := l.log.Check(zap.DebugLevel, "span"); ce != nil {
		fields := []zap.Field{
			zap.String("name", s.Name()),
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.String("span_id", s.SpanContext().SpanID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
			zap.String("status", s.Status().Code.String()),
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		ce.Write(fields...)
	}
}

func (spanLogger) Shutdown(context.Context) error   { return nil }
func (spanLogger) ForceFlush(context.Context) error { return nil }
