package monitor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracing turns a subscription into an OpenTelemetry trace: one
// "geofix.subscription" span from the first signal to the terminal one, with a
// child "geofix.element" span per profile.
type Tracing struct {
	tracer trace.Tracer
	plugin string

	mu       sync.Mutex
	rootCtx  context.Context
	root     trace.Span
	elements map[string]trace.Span
}

// NewTracing creates a tracing monitor that records spans with tracer.
func NewTracing(tracer trace.Tracer, plugin string) *Tracing {
	return &Tracing{
		tracer:   tracer,
		plugin:   plugin,
		elements: make(map[string]trace.Span),
	}
}

func (t *Tracing) ReportElementStarted(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := t.ensureRoot()
	_, span := t.tracer.Start(ctx, "geofix.element",
		trace.WithAttributes(attribute.String("profile.id", id)),
	)
	t.elements[id] = span
}

func (t *Tracing) ReportElementEnded(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if span, ok := t.elements[id]; ok {
		span.End()
		delete(t.elements, id)
	}
}

func (t *Tracing) ReportCompleted() {
	t.finish(codes.Ok, "")
}

func (t *Tracing) ReportErrored() {
	t.finish(codes.Error, "stream errored")
}

func (t *Tracing) finish(code codes.Code, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ensureRoot()
	for id, span := range t.elements {
		if code == codes.Error {
			span.SetStatus(codes.Error, "stream errored before element ended")
		}
		span.End()
		delete(t.elements, id)
	}
	t.root.SetStatus(code, description)
	t.root.End()
	t.root = nil
	t.rootCtx = nil
}

// ensureRoot starts the subscription span if needed. Callers hold t.mu.
func (t *Tracing) ensureRoot() context.Context {
	if t.root == nil {
		t.rootCtx, t.root = t.tracer.Start(context.Background(), "geofix.subscription",
			trace.WithAttributes(attribute.String("geofix.plugin", t.plugin)),
		)
	}
	return t.rootCtx
}
