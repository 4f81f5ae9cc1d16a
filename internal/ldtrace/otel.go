// Package ldtrace holds thin aliases over OpenTelemetry tracing,
// so that the rest of the module references a single package.
package ldtrace

import (
	"context"
	"fmt"
	"net"

	otelattr "go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	otpnoop "go.opentelemetry.io/otel/trace/noop"
)

type TracerProvider = oteltrace.TracerProvider

type Tracer = oteltrace.Tracer

type Span = oteltrace.Span

type KeyValueAttr = otelattr.KeyValue

// TracerName is the instrumentation name used for connection spans.
const TracerName = "github.com/march-github/LogDevice/ldconn"

// NopTracerProvider returns the otel no-op tracer provider.
// Use it as a fallback when no provider is configured.
func NopTracerProvider() TracerProvider {
	return otpnoop.NewTracerProvider()
}

// NopSpan returns a span that records nothing.
func NopSpan() Span {
	return oteltrace.SpanFromContext(context.Background())
}

// WithAttributes is an alias to [oteltrace.WithAttributes].
func WithAttributes(attrs ...KeyValueAttr) oteltrace.SpanStartEventOption {
	return oteltrace.WithAttributes(attrs...)
}

// StringAttr returns a plain string attribute.
func StringAttr(key, val string) KeyValueAttr {
	return otelattr.String(key, val)
}

// IntAttr returns a plain int attribute.
func IntAttr(key string, val int) KeyValueAttr {
	return otelattr.Int(key, val)
}

// StringerAttr returns an attribute that only calls val.String
// if the span is sampled.
func StringerAttr(key string, val fmt.Stringer) KeyValueAttr {
	return otelattr.Stringer(key, val)
}

// SpanError sets the given span to error status,
// with detail from err.Error().
func SpanError(span Span, err error) {
	span.SetStatus(otelcodes.Error, err.Error())
}

// ErrorAttr returns an attribute with the key "err"
// and the lazily evaluated value of err's Error method.
func ErrorAttr(err error) KeyValueAttr {
	return otelattr.Stringer("err", errStringer{err: err})
}

type errStringer struct {
	err error
}

func (e errStringer) String() string {
	if e.err == nil {
		return "<nil>"
	}
	return e.err.Error()
}

// PeerAttr records the peer address of a connection.
func PeerAttr(a net.Addr) KeyValueAttr {
	return otelattr.Stringer("peer", lazyAddr{a: a})
}

type lazyAddr struct {
	a net.Addr
}

func (la lazyAddr) String() string {
	if la.a == nil {
		return "<unknown>"
	}
	return la.a.String()
}
