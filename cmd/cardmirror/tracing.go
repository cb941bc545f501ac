package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// logSpanExporter writes finished spans to the logger at debug level.
type logSpanExporter struct {
	logger *log.Logger
}

func (e logSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := log.Fields{
			"span":        span.Name(),
			"trace_id":    span.SpanContext().TraceID().String(),
			"duration_ms": span.EndTime().Sub(span.StartTime()).Milliseconds(),
			"status":      span.Status().Code.String(),
		}
		for _, attr := range span.Attributes() {
			fields[string(attr.Key)] = attr.Value.Emit()
		}
		entry := e.logger.WithFields(fields)
		if desc := span.Status().Description; desc != "" {
			entry = entry.WithField("error", desc)
		}
		entry.Debug("span finished")
	}
	return nil
}

func (e logSpanExporter) Shutdown(ctx context.Context) error {
	return nil
}

// newTracerProvider installs a span-logging provider when enabled and a
// no-op one otherwise. The returned func flushes pending spans.
func newTracerProvider(logger *log.Logger, enabled bool) (trace.TracerProvider, func(context.Context) error) {
	if !enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(logSpanExporter{logger: logger})),
	)
	otel.SetTracerProvider(provider)
	return provider, provider.Shutdown
}
