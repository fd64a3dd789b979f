package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/translator"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	"go.uber.org/atomic"
)

const inboxSize = 64

// task owns the subscription of one resource. Only the run goroutine touches sub, deferred and observations.
type task struct {
	desc    resource.Descriptor
	manager *Manager
	logger  log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// done is closed once the task and all its operations ended.
	done chan struct{}
	ops  sync.WaitGroup

	slot     *slot
	slotFree chan struct{}
	inbox    chan Event
	state    atomic.Int32

	sub          Subscription
	deferred     *Effect
	observations map[uint64]transport.Observation
}

func newTask(ctx context.Context, m *Manager, desc resource.Descriptor) *task {
	ctx, cancel := context.WithCancel(ctx)
	t := &task{
		desc:         desc,
		manager:      m,
		logger:       m.logger.With("uri", desc.URI),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		slotFree:     make(chan struct{}, 1),
		inbox:        make(chan Event, inboxSize),
		sub:          NewSubscription(desc),
		observations: make(map[uint64]transport.Observation),
	}
	t.slot = newSlot(m.config.QueueDepth, t.signalSlotFree, &t.ops)
	t.state.Store(int32(StateIdle))
	return t
}

func (t *task) signalSlotFree() {
	select {
	case t.slotFree <- struct{}{}:
	default:
	}
}

func (t *task) State() State {
	return State(t.state.Load())
}

// post hands an event to the run goroutine. It reports false when the task is gone.
func (t *task) post(ev Event) bool {
	if t.ctx.Err() != nil {
		return false
	}
	select {
	case t.inbox <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// tick is non-blocking; a full inbox already guarantees the task wakes up.
func (t *task) tick() {
	select {
	case t.inbox <- Event{Kind: EventTick}:
	default:
	}
}

func (t *task) run(start bool) {
	defer func() {
		t.ops.Wait()
		t.drain()
		close(t.done)
	}()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	if start {
		t.handle(Event{Kind: EventTick})
	}
	for {
		t.arm(timer)
		select {
		case <-t.ctx.Done():
			t.terminate()
			return
		case ev := <-t.inbox:
			t.handle(ev)
		case <-t.slotFree:
			t.flush()
		case <-timer.C:
			t.handle(Event{Kind: EventTick})
		}
	}
}

// drain cancels observations whose registration was posted after the task stopped reading its inbox.
func (t *task) drain() {
	for {
		select {
		case ev := <-t.inbox:
			if ev.Kind == EventObserveDone && ev.Err == nil && ev.Observation != nil {
				t.cancelDetached(ev.Observation)
			}
		default:
			return
		}
	}
}

func (t *task) arm(timer *time.Timer) {
	timer.Stop()
	deadline, ok := t.manager.machine.NextDeadline(t.sub, t.desc)
	if !ok {
		return
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (t *task) handle(ev Event) {
	if ev.Kind == EventObserveDone && ev.Err == nil && ev.Observation != nil {
		t.observations[ev.Op] = ev.Observation
	}
	prev := t.sub.State
	sub, effects := t.manager.machine.Transition(t.sub, t.desc, ev, time.Now())
	t.sub = sub
	t.state.Store(int32(sub.State))
	if prev != sub.State {
		t.logger.Debugf("state %v -> %v (failures %v)", prev, sub.State, sub.Failures)
	}
	for _, e := range effects {
		t.apply(e)
	}
}

func (t *task) apply(e Effect) {
	switch e.Kind {
	case EffectObserve, EffectGet:
		if !t.slot.tryAcquire() {
			// a write holds the resource, resume once it is released
			t.deferred = &e
			return
		}
		t.start(e)
	case EffectCancelObservation:
		t.cancelObservation(e.Op)
	case EffectForward:
		t.forward(e.Response)
	case EffectAvailability:
		t.manager.deliverAvailability(t.desc.URI, e.Available)
	case EffectDeregister:
		t.logger.Warnf("removing resource unreachable for %v", t.manager.config.RemoveUnreachableAfter)
		if t.manager.onUnreachable != nil {
			go t.manager.onUnreachable(t.desc)
		}
	}
}

func (t *task) flush() {
	e := t.deferred
	if e == nil {
		return
	}
	if e.Op != t.sub.Op {
		t.deferred = nil
		return
	}
	if !t.slot.tryAcquire() {
		return
	}
	t.deferred = nil
	t.start(*e)
}

// start runs the operation e while holding the slot.
func (t *task) start(e Effect) {
	ctx, cancel := context.WithTimeout(t.ctx, t.manager.config.RequestTimeout)
	op := e.Op
	client := t.manager.client
	uri := t.desc.URI
	t.ops.Add(1)
	if e.Kind == EffectObserve {
		go func() {
			defer t.ops.Done()
			defer t.slot.release()
			defer cancel()
			obs, err := client.Observe(ctx, uri, func(n transport.Notification) {
				t.post(Event{Kind: EventNotification, Op: op, Response: n.Response, Err: n.Err})
			})
			if !t.post(Event{Kind: EventObserveDone, Op: op, Err: err, Observation: obs}) && err == nil {
				t.cancelDetached(obs)
			}
		}()
		return
	}
	kind := EventPollDone
	if e.OpKind == OpLiveness {
		kind = EventLivenessDone
	}
	go func() {
		defer t.ops.Done()
		defer t.slot.release()
		defer cancel()
		resp, err := client.Get(ctx, uri)
		t.post(Event{Kind: kind, Op: op, Response: resp, Err: err})
	}()
}

func (t *task) cancelObservation(op uint64) {
	obs, ok := t.observations[op]
	if !ok {
		return
	}
	delete(t.observations, op)
	// the notification callback may be blocked posting to this goroutine
	go t.cancelDetached(obs)
}

func (t *task) cancelDetached(obs transport.Observation) {
	ctx, cancel := context.WithTimeout(context.Background(), t.manager.config.RequestTimeout)
	defer cancel()
	if err := obs.Cancel(ctx); err != nil {
		t.logger.Debugf("cannot cancel observation: %v", err)
	}
}

func (t *task) forward(resp transport.Response) {
	contentFormat := t.desc.ContentFormat
	if resp.HasContentFormat {
		contentFormat = resp.ContentFormat
	}
	value, err := translator.Decode(resp.Payload, contentFormat, translator.WithValuePath(t.desc.ValuePath))
	if err != nil {
		var decodeErr *translator.DecodeError
		if errors.Is(err, translator.ErrUnsupportedFormat) || errors.As(err, &decodeErr) {
			t.logger.Warnf("dropping event: %v", err)
			return
		}
		t.logger.Errorf("dropping event: %v", err)
		return
	}
	t.manager.deliverEvent(resource.PhysicalEvent{
		URI:           t.desc.URI,
		Timestamp:     time.Now(),
		Payload:       resp.Payload,
		ContentFormat: contentFormat,
		Value:         value,
		Sequence:      resp.Sequence,
		Code:          resp.Code,
	})
}

func (t *task) terminate() {
	t.slot.close()
	sub, effects := t.manager.machine.Transition(t.sub, t.desc, Event{Kind: EventTerminate}, time.Now())
	t.sub = sub
	t.state.Store(int32(sub.State))
	t.deferred = nil
	for _, e := range effects {
		t.apply(e)
	}
	for op := range t.observations {
		t.cancelObservation(op)
	}
	t.logger.Debugf("subscription terminated")
}
