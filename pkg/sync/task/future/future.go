package future

import (
	"context"
	"sync"
)

// Future holds the outcome of an asynchronous operation.
type Future struct {
	ready chan struct{}
	val   interface{}
	err   error
}

// SetFunc resolves the future. Only the first call has an effect.
type SetFunc func(interface{}, error)

// New creates an unresolved future and the function resolving it.
func New() (*Future, SetFunc) {
	f := &Future{
		ready: make(chan struct{}),
	}
	var once sync.Once
	return f, func(val interface{}, err error) {
		once.Do(func() {
			f.val = val
			f.err = err
			close(f.ready)
		})
	}
}

// NewReady returns an already resolved future.
func NewReady(val interface{}, err error) *Future {
	f, set := New()
	set(val, err)
	return f
}

func (f *Future) Ready() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.ready
}

// Get waits for the future or the context, whichever comes first.
func (f *Future) Get(ctx context.Context) (interface{}, error) {
	select {
	case <-f.ready:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
