// File: cmd/phabnative/tracing.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const tracerName = "github.com/momentics/phab-native/server"

// spanLogger exports finished spans as log records.
type spanLogger struct {
	logger *slog.Logger
}

var _ sdktrace.SpanExporter = spanLogger{}

func (e spanLogger) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
		}
		if d := s.Status().Description; d != "" {
			attrs = append(attrs, "status_description", d)
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		e.logger.InfoContext(ctx, s.Name(), attrs...)
	}
	return nil
}

func (spanLogger) Shutdown(context.Context) error { return nil }

// newTracerProvider returns an SDK provider batching spans into logger.
// Shutdown flushes pending spans.
func newTracerProvider(logger *slog.Logger, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(spanLogger{logger: logger.With("component", "trace")}),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}
