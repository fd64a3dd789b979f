package session

import "errors"

var (
	// ErrBackpressure is returned when the queue of a busy resource is full; retry later.
	ErrBackpressure = errors.New("resource queue is full")
	// ErrCancelled resolves operations of a deregistered resource.
	ErrCancelled = errors.New("resource was deregistered")
	ErrClosed    = errors.New("session manager is closed")
)
