// Package tracing moves W3C trace context between in-process spans, persisted
// trace ids and transport headers. Carriers are plain values plus a getter or
// setter function, so the same code serves Kafka headers and gRPC metadata.
package tracing

import (
	"context"
	"crypto/rand"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceparentHeader is the W3C header holding version-traceId-spanId-traceFlags.
const TraceparentHeader = "traceparent"

// Getter reads a header value from a transport specific carrier.
type Getter[C any] func(carrier C, key string) string

// Setter adds a header value to a transport specific carrier.
type Setter[C any] func(carrier C, key string, value string)

// DefaultPropagator is used when callers pass a nil propagator.
func DefaultPropagator() propagation.TextMapPropagator {
	return propagation.TraceContext{}
}

type carrier[C any] struct {
	c   C
	get Getter[C]
	set Setter[C]
}

var _ propagation.TextMapCarrier = (*carrier[any])(nil)

func (c *carrier[C]) Get(key string) string {
	if c.get == nil {
		return ""
	}
	return c.get(c.c, key)
}

func (c *carrier[C]) Set(key string, value string) {
	if c.set != nil {
		c.set(c.c, key, value)
	}
}

func (c *carrier[C]) Keys() []string {
	return nil
}

// Inject serializes the span context of ctx into the carrier.
func Inject[C any](ctx context.Context, p propagation.TextMapPropagator, c C, set Setter[C]) {
	if p == nil {
		p = DefaultPropagator()
	}
	p.Inject(ctx, &carrier[C]{c: c, set: set})
}

// Extract returns a context holding the remote span context found in the
// carrier. A missing or malformed traceparent leaves ctx untouched, so the
// caller continues with a root context.
func Extract[C any](ctx context.Context, p propagation.TextMapPropagator, c C, get Getter[C]) context.Context {
	if p == nil {
		p = DefaultPropagator()
	}
	return p.Extract(ctx, &carrier[C]{c: c, get: get})
}

// ExtractTraceparent parses a raw traceparent value.
func ExtractTraceparent(ctx context.Context, traceparent string) context.Context {
	return Extract(ctx, nil, traceparent, func(v string, key string) string {
		if key == TraceparentHeader {
			return strings.TrimSpace(v)
		}
		return ""
	})
}

// Traceparent serializes the span context of ctx, or returns "" if there is none.
func Traceparent(ctx context.Context) string {
	var out string
	Inject(ctx, nil, &out, func(v *string, key string, value string) {
		if key == TraceparentHeader {
			*v = value
		}
	})
	return out
}

// TraceID returns the trace id of the active span context or "" when none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// WithTraceID attaches a remote span context for a persisted trace id so that
// later spans join the original trace. Invalid ids leave ctx untouched.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return ctx
	}
	var sid trace.SpanID
	if _, err := rand.Read(sid[:]); err != nil || !sid.IsValid() {
		sid = trace.SpanID{0, 0, 0, 0, 0, 0, 0, 1}
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
