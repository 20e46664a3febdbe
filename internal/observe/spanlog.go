package observe

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to a logger at debug level, so
// interpretation and mutation timings are visible without a collector.
// Only larder.* span attributes are copied.
type LogExporter struct {
	logger  *slog.Logger
	stopped atomic.Bool
}

var _ sdktrace.SpanExporter = (*LogExporter)(nil)

// NewLogExporter returns a LogExporter writing to l, or to the default
// logger when l is nil.
func NewLogExporter(l *slog.Logger) *LogExporter {
	if l == nil {
		l = slog.Default()
	}
	return &LogExporter{logger: l}
}

// ExportSpans implements [sdktrace.SpanExporter].
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.stopped.Load() {
		return nil
	}
	for _, s := range spans {
		attrs := []slog.Attr{
			slog.String("span", s.Name()),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
		}
		if st := s.Status(); st.Code == codes.Error {
			attrs = append(attrs, slog.String("error", st.Description))
		}
		for _, kv := range s.Attributes() {
			if key := string(kv.Key); strings.HasPrefix(key, "larder.") {
				attrs = append(attrs, slog.String(key, kv.Value.Emit()))
			}
		}
		e.logger.LogAttrs(ctx, slog.LevelDebug, "span finished", attrs...)
	}
	return nil
}

// Shutdown implements [sdktrace.SpanExporter]. Later exports are dropped.
func (e *LogExporter) Shutdown(context.Context) error {
	e.stopped.Store(true)
	return nil
}
