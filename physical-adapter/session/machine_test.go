package session

import (
	"testing"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/require"
)

const testURI = "coap://127.0.0.1:5683/temperature"

func testMachine() Machine {
	policy := RetryPolicy{
		BaseBackoff:            100 * time.Millisecond,
		MaxBackoff:             10 * time.Second,
		BackoffExponentCap:     10,
		MaxConsecutiveFailures: 3,
	}
	return Machine{
		MaxConsecutiveFailures: policy.MaxConsecutiveFailures,
		Backoff:                policy.Backoff,
	}
}

func observeDescriptor() resource.Descriptor {
	return resource.Descriptor{
		URI:              testURI,
		Mode:             resource.ModeObserve,
		ContentFormat:    message.TextPlain,
		ExpectedInterval: time.Second,
	}
}

func pollDescriptor() resource.Descriptor {
	return resource.Descriptor{
		URI:           testURI,
		Mode:          resource.ModePoll,
		PollInterval:  time.Second,
		ContentFormat: message.TextPlain,
	}
}

func content(seq uint32) transport.Response {
	return transport.Response{Code: codes.Content, Payload: []byte("21"), Sequence: &seq}
}

func timeoutErr() error {
	return transport.NewError(transport.KindTimeout, testURI, nil)
}

func effectKinds(effects []Effect) []EffectKind {
	kinds := make([]EffectKind, 0, len(effects))
	for _, e := range effects {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestMachineObserve(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	now := time.Now()

	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	require.Equal(t, StateSubscribing, sub.State)
	require.Equal(t, []EffectKind{EffectObserve}, effectKinds(effects))
	op := effects[0].Op
	require.NotZero(t, op)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: op}, now)
	require.Equal(t, StateActive, sub.State)
	require.Empty(t, effects)
	require.Equal(t, now.Add(2*time.Second), sub.StaleDeadline)

	for i := uint32(1); i <= 3; i++ {
		sub, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: op, Response: content(i)}, now)
		require.Equal(t, []EffectKind{EffectForward}, effectKinds(effects))
		require.Equal(t, i, *effects[0].Response.Sequence)
	}

	// retransmission of the last notification
	sub, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: op, Response: content(3)}, now)
	require.Empty(t, effects)

	// notification of an abandoned observation
	_, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: op + 100, Response: content(4)}, now)
	require.Empty(t, effects)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: op, Err: transport.NewError(transport.KindUnreachable, testURI, nil)}, now)
	require.Equal(t, StateRetryWait, sub.State)
	require.Equal(t, 1, sub.Failures)
	require.Equal(t, []Effect{{Kind: EffectCancelObservation, Op: op}}, effects)
}

func TestMachineNotificationBeforeRegistration(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	now := time.Now()
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	op := effects[0].Op

	sub, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: op, Response: content(1)}, now)
	require.Equal(t, StateActive, sub.State)
	require.Equal(t, []EffectKind{EffectForward}, effectKinds(effects))
	require.Zero(t, sub.Op)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: op}, now)
	require.Equal(t, StateActive, sub.State)
	require.Empty(t, effects)
	require.Equal(t, op, sub.ObsOp)
}

func TestMachineLateRegistrationIsCancelled(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	now := time.Now()
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	op := effects[0].Op
	sub, _ = m.Transition(sub, desc, Event{Kind: EventTerminate}, now)
	require.Equal(t, StateTerminated, sub.State)

	_, effects = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: op}, now)
	require.Empty(t, effects)

	sub = NewSubscription(desc)
	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now)
	op = effects[0].Op
	sub, _ = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: op, Err: timeoutErr()}, now)
	_, effects = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: op + 1}, now)
	require.Equal(t, []Effect{{Kind: EffectCancelObservation, Op: op + 1}}, effects)
}

func TestMachineRetryUntilFailed(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	now := time.Now()
	sub := NewSubscription(desc)

	var effects []Effect
	var waits []time.Duration
	for attempt := 0; attempt < 3; attempt++ {
		sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now)
		require.Equal(t, StateSubscribing, sub.State)
		require.Equal(t, []EffectKind{EffectObserve}, effectKinds(effects))
		sub, effects = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: effects[0].Op, Err: timeoutErr()}, now)
		require.Equal(t, StateRetryWait, sub.State)
		require.Empty(t, effects)

		deadline, ok := m.NextDeadline(sub, desc)
		require.True(t, ok)
		waits = append(waits, deadline.Sub(now))

		// the backoff is respected
		sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, deadline.Add(-time.Millisecond))
		require.Equal(t, StateRetryWait, sub.State)
		require.Empty(t, effects)
		now = deadline
	}
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, waits)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now)
	require.Equal(t, StateFailed, sub.State)
	require.Equal(t, []Effect{{Kind: EffectAvailability, Available: false}}, effects)

	for i := 0; i < 5; i++ {
		now = now.Add(time.Hour)
		sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now)
		require.Equal(t, StateFailed, sub.State)
		require.Empty(t, effects)
	}
	_, ok := m.NextDeadline(sub, desc)
	require.False(t, ok)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventReset}, now)
	require.Equal(t, StateIdle, sub.State)
	require.Empty(t, effects)
	require.Zero(t, sub.Failures)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now)
	require.Equal(t, []EffectKind{EffectObserve}, effectKinds(effects))
	sub, effects = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: effects[0].Op}, now)
	require.Equal(t, StateActive, sub.State)
	require.Equal(t, []Effect{{Kind: EffectAvailability, Available: true}}, effects)
}

func TestMachineResetIgnoredWhenNotFailed(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	sub, _ := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, time.Now())
	got, effects := m.Transition(sub, desc, Event{Kind: EventReset}, time.Now())
	require.Equal(t, sub, got)
	require.Empty(t, effects)
}

func TestMachineStaleObservation(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	now := time.Now()
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	obsOp := effects[0].Op
	sub, _ = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: obsOp}, now)

	deadline, ok := m.NextDeadline(sub, desc)
	require.True(t, ok)
	require.Equal(t, now.Add(desc.StaleTimeout()), deadline)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, deadline)
	require.Equal(t, StateDegraded, sub.State)
	require.Len(t, effects, 1)
	require.Equal(t, EffectGet, effects[0].Kind)
	require.Equal(t, OpLiveness, effects[0].OpKind)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventLivenessDone, Op: effects[0].Op, Response: content(7)}, deadline)
	require.Equal(t, StateActive, sub.State)
	require.Equal(t, []EffectKind{EffectForward}, effectKinds(effects))
	require.Equal(t, obsOp, sub.ObsOp)

	// a failing liveness check drops the observation
	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, deadline.Add(desc.StaleTimeout()))
	require.Equal(t, StateDegraded, sub.State)
	sub, effects = m.Transition(sub, desc, Event{Kind: EventLivenessDone, Op: effects[0].Op, Response: transport.Response{Code: codes.ServiceUnavailable}}, deadline)
	require.Equal(t, StateRetryWait, sub.State)
	require.Equal(t, []Effect{{Kind: EffectCancelObservation, Op: obsOp}}, effects)
}

func TestMachineLivenessRecoveredByNotification(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	now := time.Now()
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	obsOp := effects[0].Op
	sub, _ = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: obsOp}, now)
	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now.Add(time.Minute))
	livenessOp := effects[0].Op

	sub, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: obsOp, Response: content(1)}, now)
	require.Equal(t, StateActive, sub.State)
	require.Equal(t, []EffectKind{EffectForward}, effectKinds(effects))

	sub, effects = m.Transition(sub, desc, Event{Kind: EventLivenessDone, Op: livenessOp, Err: timeoutErr()}, now)
	require.Equal(t, StateActive, sub.State)
	require.Empty(t, effects)
	require.Zero(t, sub.Op)
}

func TestMachineRetransmissionWhileDegraded(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	now := time.Now()
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	obsOp := effects[0].Op
	sub, _ = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: obsOp}, now)
	sub, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: obsOp, Response: content(7)}, now)
	require.Equal(t, []EffectKind{EffectForward}, effectKinds(effects))

	sub, _ = m.Transition(sub, desc, Event{Kind: EventTick}, now.Add(desc.StaleTimeout()))
	require.Equal(t, StateDegraded, sub.State)
	sub, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: obsOp, Response: content(7)}, now.Add(desc.StaleTimeout()))
	require.Equal(t, StateDegraded, sub.State)
	require.Empty(t, effects)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: obsOp, Response: content(8)}, now.Add(desc.StaleTimeout()))
	require.Equal(t, StateActive, sub.State)
	require.Equal(t, []EffectKind{EffectForward}, effectKinds(effects))

	// a new observation starts its own sequence
	sub, _ = m.Transition(sub, desc, Event{Kind: EventNotification, Op: obsOp, Err: timeoutErr()}, now)
	deadline, ok := m.NextDeadline(sub, desc)
	require.True(t, ok)
	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, deadline)
	require.Equal(t, []EffectKind{EffectObserve}, effectKinds(effects))
	obsOp = effects[0].Op
	_, effects = m.Transition(sub, desc, Event{Kind: EventNotification, Op: obsOp, Response: content(8)}, deadline)
	require.Equal(t, []EffectKind{EffectForward}, effectKinds(effects))
}

func failObserve(t *testing.T, m Machine, sub Subscription, desc resource.Descriptor, now time.Time) (Subscription, []Effect, time.Time) {
	var effects []Effect
	for i := 0; i < m.MaxConsecutiveFailures; i++ {
		sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now)
		require.Equal(t, []EffectKind{EffectObserve}, effectKinds(effects))
		sub, _ = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: effects[0].Op, Err: timeoutErr()}, now)
		deadline, ok := m.NextDeadline(sub, desc)
		require.True(t, ok)
		now = deadline
	}
	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now)
	require.Equal(t, StateFailed, sub.State)
	return sub, effects, now
}

func TestMachineResetReportsOnlyAvailabilityChanges(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	sub, effects, now := failObserve(t, m, NewSubscription(desc), desc, time.Now())
	require.Equal(t, []Effect{{Kind: EffectAvailability, Available: false}}, effects)

	// the twin already holds available=false
	sub, _ = m.Transition(sub, desc, Event{Kind: EventReset}, now)
	sub, effects, now = failObserve(t, m, sub, desc, now)
	require.Empty(t, effects)

	sub, _ = m.Transition(sub, desc, Event{Kind: EventReset}, now)
	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now)
	_, effects = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: effects[0].Op}, now)
	require.Equal(t, []Effect{{Kind: EffectAvailability, Available: true}}, effects)
}

func TestMachinePoll(t *testing.T) {
	m := testMachine()
	desc := pollDescriptor()
	now := time.Now()
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	require.Equal(t, StateSubscribing, sub.State)
	require.Equal(t, OpPoll, effects[0].OpKind)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventPollDone, Op: effects[0].Op, Response: content(0)}, now)
	require.Equal(t, StateActive, sub.State)
	require.Equal(t, []EffectKind{EffectForward}, effectKinds(effects))

	// an operation in flight suspends deadlines
	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now.Add(time.Second))
	require.Len(t, effects, 1)
	_, ok := m.NextDeadline(sub, desc)
	require.False(t, ok)
	_, extra := m.Transition(sub, desc, Event{Kind: EventTick}, now.Add(time.Hour))
	require.Empty(t, extra)

	// stale completion
	got, extra := m.Transition(sub, desc, Event{Kind: EventPollDone, Op: effects[0].Op + 1, Response: content(0)}, now)
	require.Equal(t, sub, got)
	require.Empty(t, extra)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventPollDone, Op: effects[0].Op, Response: transport.Response{Code: codes.NotFound}}, now)
	require.Equal(t, StateRetryWait, sub.State)
	require.Empty(t, effects)
}

func TestMachinePollFallback(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	desc.PollFallback = true
	desc.PollInterval = time.Second
	now := time.Now()
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	sub, effects = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: effects[0].Op, Err: transport.NewError(transport.KindNotObservable, testURI, nil)}, now)
	require.Equal(t, StateSubscribing, sub.State)
	require.Equal(t, resource.ModePoll, sub.Mode)
	require.Equal(t, OpPoll, effects[0].OpKind)
	require.Zero(t, sub.Failures)

	// without fallback it is a failure
	desc.PollFallback = false
	sub, effects = m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	sub, _ = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: effects[0].Op, Err: transport.NewError(transport.KindNotObservable, testURI, nil)}, now)
	require.Equal(t, StateRetryWait, sub.State)
}

func TestMachineWriteOnly(t *testing.T) {
	m := testMachine()
	desc := resource.Descriptor{URI: testURI, Mode: resource.ModeWriteOnly, ContentFormat: message.AppJSON}
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, time.Now())
	require.Equal(t, StateActive, sub.State)
	require.Empty(t, effects)
	_, ok := m.NextDeadline(sub, desc)
	require.False(t, ok)
}

func TestMachineTerminate(t *testing.T) {
	m := testMachine()
	desc := observeDescriptor()
	now := time.Now()
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	op := effects[0].Op
	sub, _ = m.Transition(sub, desc, Event{Kind: EventObserveDone, Op: op}, now)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventTerminate}, now)
	require.Equal(t, StateTerminated, sub.State)
	require.Equal(t, []Effect{{Kind: EffectCancelObservation, Op: op}}, effects)

	for _, ev := range []Event{
		{Kind: EventTick},
		{Kind: EventNotification, Op: op, Response: content(9)},
		{Kind: EventReset},
	} {
		got, effects := m.Transition(sub, desc, ev, now.Add(time.Hour))
		require.Equal(t, sub, got)
		require.Empty(t, effects)
	}
}

func TestMachineRemoveUnreachable(t *testing.T) {
	m := testMachine()
	m.MaxConsecutiveFailures = 1
	m.RemoveUnreachableAfter = time.Minute
	desc := pollDescriptor()
	now := time.Now()
	sub, effects := m.Transition(NewSubscription(desc), desc, Event{Kind: EventTick}, now)
	sub, _ = m.Transition(sub, desc, Event{Kind: EventPollDone, Op: effects[0].Op, Err: timeoutErr()}, now)
	now = sub.BackoffDeadline
	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, now)
	require.Equal(t, StateFailed, sub.State)
	require.Len(t, effects, 1)

	deadline, ok := m.NextDeadline(sub, desc)
	require.True(t, ok)
	require.Equal(t, now.Add(time.Minute), deadline)

	sub, effects = m.Transition(sub, desc, Event{Kind: EventTick}, deadline)
	require.Equal(t, []Effect{{Kind: EffectDeregister}}, effects)
	_, effects = m.Transition(sub, desc, Event{Kind: EventTick}, deadline.Add(time.Hour))
	require.Empty(t, effects)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{
		BaseBackoff:            100 * time.Millisecond,
		MaxBackoff:             time.Second,
		BackoffExponentCap:     3,
		Jitter:                 0.5,
		MaxConsecutiveFailures: 3,
	}
	require.NoError(t, p.Validate())
	var prev time.Duration
	for failures := 1; failures < 20; failures++ {
		d := p.Backoff(failures)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, 800*time.Millisecond)
		prev = d
		jittered := p.BackoffWithJitter(failures)
		require.LessOrEqual(t, jittered, p.MaxBackoff)
		require.GreaterOrEqual(t, jittered, d/2)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func() Config
		wantErr bool
	}{
		{name: "default", cfg: MakeDefaultConfig},
		{name: "no base backoff", cfg: func() Config {
			c := MakeDefaultConfig()
			c.Retry.BaseBackoff = 0
			return c
		}, wantErr: true},
		{name: "max below base", cfg: func() Config {
			c := MakeDefaultConfig()
			c.Retry.MaxBackoff = c.Retry.BaseBackoff / 2
			return c
		}, wantErr: true},
		{name: "jitter", cfg: func() Config {
			c := MakeDefaultConfig()
			c.Retry.Jitter = 2
			return c
		}, wantErr: true},
		{name: "request timeout", cfg: func() Config {
			c := MakeDefaultConfig()
			c.RequestTimeout = 0
			return c
		}, wantErr: true},
		{name: "zero queue depth", cfg: func() Config {
			c := MakeDefaultConfig()
			c.QueueDepth = 0
			return c
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg()
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
