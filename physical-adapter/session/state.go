package session

import (
	"fmt"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
)

type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateDegraded
	StateRetryWait
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateActive:
		return "ACTIVE"
	case StateDegraded:
		return "DEGRADED"
	case StateRetryWait:
		return "RETRY_WAIT"
	case StateFailed:
		return "FAILED"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type OpKind int

const (
	OpNone OpKind = iota
	OpObserve
	OpPoll
	OpLiveness
)

func (k OpKind) String() string {
	switch k {
	case OpObserve:
		return "observe"
	case OpPoll:
		return "poll"
	case OpLiveness:
		return "liveness"
	}
	return "none"
}

// Subscription is the synchronisation state of one resource.
type Subscription struct {
	State State
	// Mode is the effective mode; an observed resource falls back to polling when the device refuses observe.
	Mode        resource.Mode
	LastSuccess time.Time
	// Failures counts consecutive failed operations.
	Failures        int
	BackoffDeadline time.Time
	NextPoll        time.Time
	StaleDeadline   time.Time
	FailedAt        time.Time

	// Op identifies the operation the subscription waits for, zero if none.
	Op     uint64
	OpKind OpKind
	// ObsOp identifies the current observation, zero if none.
	ObsOp  uint64
	NextOp uint64

	LastSequence uint32
	HasSequence  bool
	// Unavailable is set once the unavailability was reported.
	Unavailable bool
	// Removed is set once removal of the unreachable resource was requested.
	Removed bool
}

func NewSubscription(desc resource.Descriptor) Subscription {
	return Subscription{
		State: StateIdle,
		Mode:  desc.Mode,
	}
}
