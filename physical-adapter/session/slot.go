package session

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/atomic"
)

// slot grants exclusive use of the transport for one resource. Acquisition is a compare-and-swap;
// writers that find it held wait in a bounded FIFO and receive the slot directly on release.
type slot struct {
	held   atomic.Bool
	depth  int
	onFree func()
	// leases counts reservations until their Lease is done.
	leases *sync.WaitGroup

	mutex   sync.Mutex
	waiters *list.List
	closed  bool
}

type waiter struct {
	ready chan struct{}
	err   error
}

func newSlot(depth int, onFree func(), leases *sync.WaitGroup) *slot {
	return &slot{
		depth:   depth,
		onFree:  onFree,
		leases:  leases,
		waiters: list.New(),
	}
}

func (s *slot) tryAcquire() bool {
	return s.held.CompareAndSwap(false, true)
}

// reserve acquires the slot or queues for it.
func (s *slot) reserve() (*list.Element, *waiter, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil, nil, ErrCancelled
	}
	w := &waiter{ready: make(chan struct{})}
	if s.tryAcquire() {
		close(w.ready)
		s.leases.Add(1)
		return nil, w, nil
	}
	if s.waiters.Len() >= s.depth {
		return nil, nil, ErrBackpressure
	}
	s.leases.Add(1)
	return s.waiters.PushBack(w), w, nil
}

func (s *slot) release() {
	s.mutex.Lock()
	if front := s.waiters.Front(); front != nil {
		w := s.waiters.Remove(front).(*waiter)
		close(w.ready)
		s.mutex.Unlock()
		return
	}
	s.held.Store(false)
	s.mutex.Unlock()
	if s.onFree != nil {
		s.onFree()
	}
}

// abandon gives up a reservation; a granted slot is released.
func (s *slot) abandon(e *list.Element, w *waiter) {
	s.mutex.Lock()
	if e != nil && !isReady(w) {
		s.waiters.Remove(e)
		s.mutex.Unlock()
		return
	}
	granted := w.err == nil
	s.mutex.Unlock()
	if granted {
		s.release()
	}
}

func isReady(w *waiter) bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// close cancels all queued reservations.
func (s *slot) close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.err = ErrCancelled
		close(w.ready)
	}
	s.waiters.Init()
}

// Lease is a reservation of the resource for a write.
type Lease struct {
	slot     *slot
	elem     *list.Element
	w        *waiter
	ctx      context.Context
	released atomic.Bool
}

// Wait blocks until the slot is granted. It returns ErrCancelled when the resource is deregistered.
func (l *Lease) Wait(ctx context.Context) error {
	select {
	case <-l.w.ready:
		if l.w.err != nil {
			l.finish(func() {})
			return l.w.err
		}
		if l.ctx.Err() != nil {
			l.Release()
			return ErrCancelled
		}
		return nil
	case <-l.ctx.Done():
		l.abandon()
		return ErrCancelled
	case <-ctx.Done():
		l.abandon()
		return ctx.Err()
	}
}

func (l *Lease) finish(giveBack func()) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	giveBack()
	l.slot.leases.Done()
}

func (l *Lease) abandon() {
	l.finish(func() { l.slot.abandon(l.elem, l.w) })
}

// Context is cancelled when the resource is deregistered.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Release returns the slot. It is safe to call more than once.
func (l *Lease) Release() {
	l.finish(l.slot.release)
}
