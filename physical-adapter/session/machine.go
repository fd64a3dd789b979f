package session

import (
	"time"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
)

type EventKind int

const (
	// EventTick starts an idle subscription and fires elapsed deadlines.
	EventTick EventKind = iota + 1
	// EventObserveDone completes an observe registration, Err is nil when it is established.
	EventObserveDone
	// EventNotification carries a notification of the observation ObsOp.
	EventNotification
	EventPollDone
	EventLivenessDone
	EventReset
	EventTerminate
)

type Event struct {
	Kind     EventKind
	Op       uint64
	Response transport.Response
	Err      error
	// Observation established by EventObserveDone.
	Observation transport.Observation
}

type EffectKind int

const (
	// EffectObserve registers the observation Op.
	EffectObserve EffectKind = iota + 1
	// EffectGet issues a GET for a poll or a liveness check.
	EffectGet
	// EffectCancelObservation cancels the observation Op.
	EffectCancelObservation
	// EffectForward delivers Response to the twin.
	EffectForward
	// EffectAvailability reports Available to the twin. It is edge triggered: a resource reset from
	// StateFailed which fails again reports nothing new, the twin still holds available=false.
	EffectAvailability
	// EffectDeregister removes the unreachable resource.
	EffectDeregister
)

type Effect struct {
	Kind      EffectKind
	Op        uint64
	OpKind    OpKind
	Response  transport.Response
	Available bool
}

// Machine computes transitions of a Subscription. It holds no state; Transition is a pure function
// as long as Backoff is.
type Machine struct {
	MaxConsecutiveFailures int
	RemoveUnreachableAfter time.Duration
	Backoff                func(failures int) time.Duration
}

func (m Machine) Transition(sub Subscription, desc resource.Descriptor, ev Event, now time.Time) (Subscription, []Effect) {
	if sub.State == StateTerminated {
		return sub, nil
	}
	switch ev.Kind {
	case EventTerminate:
		return m.terminate(sub)
	case EventTick:
		return m.tick(sub, desc, now)
	case EventObserveDone:
		return m.observeDone(sub, desc, ev, now)
	case EventNotification:
		return m.notification(sub, desc, ev, now)
	case EventPollDone, EventLivenessDone:
		return m.getDone(sub, desc, ev, now)
	case EventReset:
		if sub.State != StateFailed {
			return sub, nil
		}
		sub.State = StateIdle
		sub.Mode = desc.Mode
		sub.Failures = 0
		sub.FailedAt = time.Time{}
		sub.Removed = false
		return sub, nil
	}
	return sub, nil
}

// NextDeadline returns the moment the subscription needs a tick.
func (m Machine) NextDeadline(sub Subscription, desc resource.Descriptor) (time.Time, bool) {
	switch sub.State {
	case StateRetryWait:
		return sub.BackoffDeadline, true
	case StateActive:
		if sub.Op != 0 {
			return time.Time{}, false
		}
		if sub.Mode == resource.ModePoll {
			return sub.NextPoll, true
		}
		if sub.Mode == resource.ModeObserve && desc.StaleTimeout() > 0 {
			return sub.StaleDeadline, true
		}
	case StateFailed:
		if m.RemoveUnreachableAfter > 0 && !sub.Removed {
			return sub.FailedAt.Add(m.RemoveUnreachableAfter), true
		}
	}
	return time.Time{}, false
}

func (m Machine) terminate(sub Subscription) (Subscription, []Effect) {
	var effects []Effect
	if sub.ObsOp != 0 {
		effects = append(effects, Effect{Kind: EffectCancelObservation, Op: sub.ObsOp})
	}
	sub.State = StateTerminated
	sub.Op, sub.OpKind, sub.ObsOp = 0, OpNone, 0
	return sub, effects
}

func (m Machine) issue(sub Subscription, kind OpKind) (Subscription, []Effect) {
	sub.NextOp++
	sub.Op = sub.NextOp
	sub.OpKind = kind
	if kind == OpObserve {
		sub.ObsOp = sub.Op
		sub.HasSequence = false
		return sub, []Effect{{Kind: EffectObserve, Op: sub.Op, OpKind: kind}}
	}
	return sub, []Effect{{Kind: EffectGet, Op: sub.Op, OpKind: kind}}
}

func (m Machine) subscribe(sub Subscription) (Subscription, []Effect) {
	switch sub.Mode {
	case resource.ModeObserve:
		sub.State = StateSubscribing
		return m.issue(sub, OpObserve)
	case resource.ModePoll:
		sub.State = StateSubscribing
		return m.issue(sub, OpPoll)
	}
	sub.State = StateActive
	return sub, nil
}

func (m Machine) tick(sub Subscription, desc resource.Descriptor, now time.Time) (Subscription, []Effect) {
	switch sub.State {
	case StateIdle:
		return m.subscribe(sub)
	case StateActive:
		if sub.Op != 0 {
			return sub, nil
		}
		switch sub.Mode {
		case resource.ModePoll:
			if !now.Before(sub.NextPoll) {
				return m.issue(sub, OpPoll)
			}
		case resource.ModeObserve:
			if desc.StaleTimeout() > 0 && !now.Before(sub.StaleDeadline) {
				sub.State = StateDegraded
				return m.issue(sub, OpLiveness)
			}
		}
	case StateRetryWait:
		if now.Before(sub.BackoffDeadline) {
			return sub, nil
		}
		if sub.Failures >= m.MaxConsecutiveFailures {
			sub.State = StateFailed
			sub.FailedAt = now
			if sub.Unavailable {
				return sub, nil
			}
			sub.Unavailable = true
			return sub, []Effect{{Kind: EffectAvailability, Available: false}}
		}
		return m.subscribe(sub)
	case StateFailed:
		if m.RemoveUnreachableAfter > 0 && !sub.Removed && now.Sub(sub.FailedAt) >= m.RemoveUnreachableAfter {
			sub.Removed = true
			return sub, []Effect{{Kind: EffectDeregister}}
		}
	}
	return sub, nil
}

func (m Machine) active(sub Subscription, desc resource.Descriptor, now time.Time) (Subscription, []Effect) {
	var effects []Effect
	if sub.Unavailable {
		sub.Unavailable = false
		effects = append(effects, Effect{Kind: EffectAvailability, Available: true})
	}
	sub.State = StateActive
	sub.Failures = 0
	sub.LastSuccess = now
	switch sub.Mode {
	case resource.ModePoll:
		sub.NextPoll = now.Add(desc.PollInterval)
	case resource.ModeObserve:
		if stale := desc.StaleTimeout(); stale > 0 {
			sub.StaleDeadline = now.Add(stale)
		}
	}
	return sub, effects
}

func (m Machine) retryWait(sub Subscription, now time.Time) (Subscription, []Effect) {
	var effects []Effect
	if sub.ObsOp != 0 {
		effects = append(effects, Effect{Kind: EffectCancelObservation, Op: sub.ObsOp})
	}
	sub.State = StateRetryWait
	sub.Op, sub.OpKind, sub.ObsOp = 0, OpNone, 0
	sub.Failures++
	var backoff time.Duration
	if m.Backoff != nil {
		backoff = m.Backoff(sub.Failures)
	}
	sub.BackoffDeadline = now.Add(backoff)
	return sub, effects
}

func (m Machine) observeDone(sub Subscription, desc resource.Descriptor, ev Event, now time.Time) (Subscription, []Effect) {
	if ev.Op == 0 || ev.Op != sub.ObsOp {
		if ev.Err == nil {
			// late registration of an abandoned observation
			return sub, []Effect{{Kind: EffectCancelObservation, Op: ev.Op}}
		}
		return sub, nil
	}
	if sub.Op == ev.Op {
		sub.Op, sub.OpKind = 0, OpNone
	}
	if ev.Err == nil {
		if sub.State == StateSubscribing {
			return m.active(sub, desc, now)
		}
		return sub, nil
	}
	sub.ObsOp = 0
	if kind, ok := transport.KindOf(ev.Err); ok && kind == transport.KindNotObservable && desc.PollFallback {
		sub.Mode = resource.ModePoll
		return m.subscribe(sub)
	}
	return m.retryWait(sub, now)
}

func (m Machine) notification(sub Subscription, desc resource.Descriptor, ev Event, now time.Time) (Subscription, []Effect) {
	if ev.Op == 0 || ev.Op != sub.ObsOp {
		return sub, nil
	}
	switch sub.State {
	case StateSubscribing, StateActive, StateDegraded:
	default:
		return sub, nil
	}
	if ev.Err != nil || !resource.IsSuccess(ev.Response.Code) {
		return m.retryWait(sub, now)
	}
	if seq := ev.Response.Sequence; seq != nil && sub.HasSequence && *seq == sub.LastSequence {
		// retransmitted notification
		if stale := desc.StaleTimeout(); stale > 0 && sub.State == StateActive {
			sub.StaleDeadline = now.Add(stale)
		}
		return sub, nil
	}
	if seq := ev.Response.Sequence; seq != nil {
		sub.LastSequence = *seq
		sub.HasSequence = true
	}
	if sub.Op == ev.Op {
		// the notification arrived before the registration completed
		sub.Op, sub.OpKind = 0, OpNone
	}
	sub, effects := m.active(sub, desc, now)
	return sub, append(effects, Effect{Kind: EffectForward, Response: ev.Response})
}

func (m Machine) getDone(sub Subscription, desc resource.Descriptor, ev Event, now time.Time) (Subscription, []Effect) {
	if ev.Op == 0 || ev.Op != sub.Op {
		return sub, nil
	}
	kind := sub.OpKind
	sub.Op, sub.OpKind = 0, OpNone
	err := ev.Err
	if err == nil {
		err = transport.CheckResponse(desc.URI, ev.Response)
	}
	switch {
	case kind == OpPoll && (sub.State == StateSubscribing || sub.State == StateActive):
	case kind == OpLiveness && sub.State == StateDegraded:
	default:
		// a notification recovered the resource while the liveness check was running
		return sub, nil
	}
	if err != nil {
		return m.retryWait(sub, now)
	}
	sub, effects := m.active(sub, desc, now)
	return sub, append(effects, Effect{Kind: EffectForward, Response: ev.Response})
}
