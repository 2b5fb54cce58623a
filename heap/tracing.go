package heap

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/gengc/gengc/heap"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startCycleSpan opens the span covering a whole collection.
func (b *base) startCycleSpan(c *Cycle) (context.Context, trace.Span) {
	return b.spans.Start(context.Background(), "gc."+c.Type.String(),
		trace.WithAttributes(
			attribute.String("gc.heap", b.name),
			attribute.String("gc.reason", c.Reason.String()),
			attribute.Int64("gc.heap_before", int64(c.HeapBefore)),
		))
}

// endCycleSpan records the outcome of the collection and closes its span.
func endCycleSpan(span trace.Span, c *Cycle) {
	span.SetAttributes(
		attribute.Int64("gc.heap_after", int64(c.HeapAfter)),
		attribute.Int64("gc.promoted", int64(c.Promoted)),
		attribute.Int64("gc.copied", int64(c.Copied)),
		attribute.Int64("gc.freed", int64(c.Freed)),
	)
	span.End()
}

// phase runs fn inside a child span of ctx.
func (b *base) phase(ctx context.Context, name string, fn func()) {
	_, span := b.spans.Start(ctx, name)
	defer span.End()
	fn()
}
