package coap

import (
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	TracerProvider trace.TracerProvider
	// OnConnectionClosed is called after a device connection is gone.
	OnConnectionClosed func(host string)
}

type Option func(*Options)

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithOnConnectionClosed(f func(host string)) Option {
	return func(o *Options) {
		o.OnConnectionClosed = f
	}
}
