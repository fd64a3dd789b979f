// Package registry holds the set of resources the adapter keeps in sync.
package registry

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
)

var (
	ErrDuplicateResource = errors.New("resource already registered")
	ErrUnknownResource   = errors.New("unknown resource")
)

type Options struct {
	OnRegistered   func(resource.Descriptor)
	OnDeregistered func(resource.Descriptor)
}

type Option func(*Options)

// WithOnRegistered sets a hook called after a resource is added.
// Hooks run under the registry lock and must not call the registry.
func WithOnRegistered(f func(resource.Descriptor)) Option {
	return func(o *Options) {
		o.OnRegistered = f
	}
}

// WithOnDeregistered sets a hook called after a resource is removed.
func WithOnDeregistered(f func(resource.Descriptor)) Option {
	return func(o *Options) {
		o.OnDeregistered = f
	}
}

type Registry struct {
	opts Options

	mutex     sync.RWMutex
	resources descriptors
}

func New(opts ...Option) *Registry {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		opts:      o,
		resources: make(descriptors, 0, 8),
	}
}

func (r *Registry) Register(d resource.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	k := key(d.URI)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	i, ok := r.resources.find(k)
	if ok {
		return fmt.Errorf("%w: %v", ErrDuplicateResource, d.URI)
	}
	r.resources = r.resources.insertAt(i, entry{key: k, desc: d})
	if r.opts.OnRegistered != nil {
		r.opts.OnRegistered(d)
	}
	return nil
}

// Deregister removes the resource uri refers to. Equivalent URIs, such as one with the default port
// spelled out, refer to the same resource.
func (r *Registry) Deregister(uri string) error {
	k := key(uri)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	i, ok := r.resources.find(k)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownResource, uri)
	}
	d := r.resources[i].desc
	r.resources = r.resources.removeAt(i)
	if r.opts.OnDeregistered != nil {
		r.opts.OnDeregistered(d)
	}
	return nil
}

// Get returns the descriptor as it was registered, whichever equivalent URI is used.
func (r *Registry) Get(uri string) (resource.Descriptor, bool) {
	k := key(uri)
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	i, ok := r.resources.find(k)
	if !ok {
		return resource.Descriptor{}, false
	}
	return r.resources[i].desc, true
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.resources)
}

func (r *Registry) snapshot() []resource.Descriptor {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s := make([]resource.Descriptor, 0, len(r.resources))
	for _, e := range r.resources {
		s = append(s, e.desc)
	}
	return s
}

// List yields the registered descriptors ordered by normalised URI. The snapshot is taken when an
// iteration starts, so every iteration reflects the registry at that moment.
func (r *Registry) List() iter.Seq[resource.Descriptor] {
	return func(yield func(resource.Descriptor) bool) {
		for _, d := range r.snapshot() {
			if !yield(d) {
				return
			}
		}
	}
}
