package otelcoap

import (
	"context"

	"github.com/plgd-dev/coap-twin-adapter/pkg/opentelemetry"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"go.opentelemetry.io/otel/attribute"
	otelCodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	COAPStatusCodeKey = attribute.Key("coap.status_code")
	COAPMethodKey     = attribute.Key("coap.method")
	COAPPathKey       = attribute.Key("coap.path")
	COAPHostKey       = attribute.Key("coap.host")
	COAPObserveKey    = attribute.Key("coap.observe")
)

func DefaultTransportFormatter(path string) string {
	return "COAP " + path
}

func StatusCodeAttr(c codes.Code) attribute.KeyValue {
	return COAPStatusCodeKey.Int64(int64(c))
}

// Start creates a client span for a request to host/path.
func Start(ctx context.Context, host, path, method string, opts ...Option) (context.Context, trace.Span) {
	cfg := newConfig(opts...)

	tracer := cfg.TracerProvider.Tracer(
		InstrumentationName,
		trace.WithInstrumentationVersion(opentelemetry.SemVersion()),
	)

	attrs := []attribute.KeyValue{
		COAPMethodKey.String(method),
		COAPPathKey.String(path),
		COAPHostKey.String(host),
	}
	spanOpts := []trace.SpanStartOption{trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient)}
	if len(cfg.SpanStartOptions) > 0 {
		spanOpts = append(spanOpts, cfg.SpanStartOptions...)
	}

	return tracer.Start(ctx, DefaultTransportFormatter(path), spanOpts...)
}

// End records the response code or the error and ends the span.
func End(span trace.Span, code codes.Code, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelCodes.Error, err.Error())
	} else {
		span.SetAttributes(StatusCodeAttr(code))
		if code >= codes.BadRequest {
			span.SetStatus(otelCodes.Error, code.String())
		}
	}
	span.End()
}
