package registry_test

import (
	"slices"
	"testing"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/registry"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/stretchr/testify/require"
)

func pollDescriptor(uri string) resource.Descriptor {
	return resource.Descriptor{URI: uri, Mode: resource.ModePoll, PollInterval: time.Second}
}

func uris(r *registry.Registry) []string {
	var out []string
	for d := range r.List() {
		out = append(out, d.URI)
	}
	return out
}

func TestRegistry(t *testing.T) {
	var registered, deregistered []string
	r := registry.New(
		registry.WithOnRegistered(func(d resource.Descriptor) { registered = append(registered, d.URI) }),
		registry.WithOnDeregistered(func(d resource.Descriptor) { deregistered = append(deregistered, d.URI) }),
	)

	require.NoError(t, r.Register(pollDescriptor("coap://127.0.0.1/b")))
	require.NoError(t, r.Register(pollDescriptor("coap://127.0.0.1/c")))
	require.NoError(t, r.Register(pollDescriptor("coap://127.0.0.1/a")))
	err := r.Register(pollDescriptor("coap://127.0.0.1/a"))
	require.ErrorIs(t, err, registry.ErrDuplicateResource)
	err = r.Register(resource.Descriptor{URI: "coap://127.0.0.1/d", Mode: resource.ModePoll})
	require.ErrorIs(t, err, resource.ErrInvalidDescriptor)

	require.Equal(t, []string{"coap://127.0.0.1/a", "coap://127.0.0.1/b", "coap://127.0.0.1/c"}, uris(r))
	require.Equal(t, 3, r.Len())
	d, ok := r.Get("coap://127.0.0.1/b")
	require.True(t, ok)
	require.Equal(t, pollDescriptor("coap://127.0.0.1/b"), d)

	require.NoError(t, r.Deregister("coap://127.0.0.1/b"))
	err = r.Deregister("coap://127.0.0.1/b")
	require.ErrorIs(t, err, registry.ErrUnknownResource)
	_, ok = r.Get("coap://127.0.0.1/b")
	require.False(t, ok)
	require.Equal(t, []string{"coap://127.0.0.1/a", "coap://127.0.0.1/c"}, uris(r))

	require.Equal(t, []string{"coap://127.0.0.1/b", "coap://127.0.0.1/c", "coap://127.0.0.1/a"}, registered)
	require.Equal(t, []string{"coap://127.0.0.1/b"}, deregistered)
}

func TestRegistryListIsLazyAndRestartable(t *testing.T) {
	r := registry.New()
	list := r.List()
	require.NoError(t, r.Register(pollDescriptor("coap://127.0.0.1/a")))
	// the snapshot is taken at iteration time, not when List is called
	require.Equal(t, []string{"coap://127.0.0.1/a"}, slices.Collect(func(yield func(string) bool) {
		for d := range list {
			if !yield(d.URI) {
				return
			}
		}
	}))

	require.NoError(t, r.Register(pollDescriptor("coap://127.0.0.1/b")))
	var seen []string
	for d := range list {
		seen = append(seen, d.URI)
		// changes during iteration do not affect the running iteration
		_ = r.Deregister("coap://127.0.0.1/b")
	}
	require.Equal(t, []string{"coap://127.0.0.1/a", "coap://127.0.0.1/b"}, seen)
	require.Equal(t, []string{"coap://127.0.0.1/a"}, uris(r))

	// early break
	for range list {
		break
	}
}

func TestRegistryEquivalentURIs(t *testing.T) {
	r := registry.New()
	d := pollDescriptor("coap://127.0.0.1/temperature")
	require.NoError(t, r.Register(d))
	err := r.Register(pollDescriptor("coap://127.0.0.1:5683/temperature"))
	require.ErrorIs(t, err, registry.ErrDuplicateResource)
	require.NoError(t, r.Register(pollDescriptor("coaps://127.0.0.1/temperature")))

	got, ok := r.Get("coap://127.0.0.1:5683/temperature")
	require.True(t, ok)
	require.Equal(t, d, got)

	require.NoError(t, r.Deregister("coap://127.0.0.1:5683/temperature"))
	_, ok = r.Get(d.URI)
	require.False(t, ok)
	require.Equal(t, []string{"coaps://127.0.0.1/temperature"}, uris(r))
}
