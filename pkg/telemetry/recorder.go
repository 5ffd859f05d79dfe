package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecorder keeps finished spans in memory so tests can assert on the
// spans a handler produced.
type SpanRecorder struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func NewSpanRecorder() *SpanRecorder {
	return &SpanRecorder{}
}

// Provider returns a tracer provider that feeds r.
func (r *SpanRecorder) Provider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(r))
}

func (r *SpanRecorder) OnStart(_ context.Context, _ sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span)
}

func (r *SpanRecorder) Shutdown(context.Context) error { return nil }

func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

// Names lists finished span names in completion order.
func (r *SpanRecorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.spans))
	for _, span := range r.spans {
		out = append(out, span.Name())
	}
	return out
}

// Attribute returns the value of key on the first span named name.
func (r *SpanRecorder) Attribute(name string, key attribute.Key) (attribute.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, span := range r.spans {
		if span.Name() != name {
			continue
		}
		for _, attr := range span.Attributes() {
			if attr.Key == key {
				return attr.Value, true
			}
		}
		return attribute.Value{}, false
	}
	return attribute.Value{}, false
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
