package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/registry"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	"github.com/plgd-dev/coap-twin-adapter/pkg/sync/task/queue"
)

type Options struct {
	// OnUnreachable is called once a resource was failed for Config.RemoveUnreachableAfter.
	OnUnreachable func(resource.Descriptor)
	// Backoff replaces the jittered backoff of the retry policy.
	Backoff func(failures int) time.Duration
}

type Option func(*Options)

func WithOnUnreachable(f func(resource.Descriptor)) Option {
	return func(o *Options) {
		o.OnUnreachable = f
	}
}

func WithBackoff(f func(failures int) time.Duration) Option {
	return func(o *Options) {
		o.Backoff = f
	}
}

// Manager keeps every registered resource in sync with its device.
type Manager struct {
	config        Config
	machine       Machine
	client        transport.Client
	bridge        bridge.Bridge
	queue         *queue.Queue
	logger        log.Logger
	onUnreachable func(resource.Descriptor)
	scheduler     gocron.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex sync.Mutex
	tasks map[string]*task
	// retired tasks are removed but may still have an operation in flight.
	retired map[string]*task
	closed  bool
}

// New creates the manager and starts the periodic scan. Events reach b through q, one worker per resource.
func New(config Config, client transport.Client, b bridge.Bridge, q *queue.Queue, logger log.Logger, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	machine := config.machine()
	if o.Backoff != nil {
		machine.Backoff = o.Backoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:        config,
		machine:       machine,
		client:        client,
		bridge:        b,
		queue:         q,
		logger:        logger,
		onUnreachable: o.OnUnreachable,
		ctx:           ctx,
		cancel:        cancel,
		tasks:         make(map[string]*task),
		retired:       make(map[string]*task),
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cannot create scan scheduler: %w", err)
	}
	_, err = s.NewJob(gocron.DurationJob(config.ScanInterval), gocron.NewTask(m.scan), gocron.WithSingletonMode(gocron.LimitModeReschedule))
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return nil, fmt.Errorf("cannot create scan job: %w", err)
	}
	s.Start()
	m.scheduler = s
	return m, nil
}

// Add starts the subscription of a registered resource. A known URI is restarted from Idle.
// Observed and write-only resources start immediately, polled ones on the next scan.
func (m *Manager) Add(desc resource.Descriptor) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return
	}
	prev, ok := m.tasks[desc.URI]
	if ok {
		prev.cancel()
	} else {
		prev = m.retired[desc.URI]
	}
	delete(m.retired, desc.URI)
	t := newTask(m.ctx, m, desc)
	m.tasks[desc.URI] = t
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if prev != nil {
			// operations of the previous registration still own the device resource
			<-prev.done
		}
		t.run(desc.Mode != resource.ModePoll)
		m.retire(t)
	}()
}

func (m *Manager) retire(t *task) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.retired[t.desc.URI] == t {
		delete(m.retired, t.desc.URI)
	}
}

// Remove terminates the subscription. Queued writes resolve with ErrCancelled.
func (m *Manager) Remove(desc resource.Descriptor) {
	m.mutex.Lock()
	t, ok := m.tasks[desc.URI]
	if ok {
		delete(m.tasks, desc.URI)
		m.retired[desc.URI] = t
	}
	m.mutex.Unlock()
	if ok {
		t.cancel()
	}
}

func (m *Manager) task(uri string) (*task, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	t, ok := m.tasks[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %v", registry.ErrUnknownResource, uri)
	}
	return t, nil
}

// Reset restarts a failed resource; it is a no-op in other states.
func (m *Manager) Reset(uri string) error {
	t, err := m.task(uri)
	if err != nil {
		return err
	}
	if !t.post(Event{Kind: EventReset}) {
		return fmt.Errorf("%w: %v", ErrCancelled, uri)
	}
	t.tick()
	return nil
}

func (m *Manager) State(uri string) (State, bool) {
	t, err := m.task(uri)
	if err != nil {
		return StateTerminated, false
	}
	return t.State(), true
}

// Reserve claims the single-flight slot of the resource for a write, or a place in its queue.
// It never blocks; Lease.Wait blocks until the slot is granted.
func (m *Manager) Reserve(uri string) (*Lease, error) {
	t, err := m.task(uri)
	if err != nil {
		return nil, err
	}
	e, w, err := t.slot.reserve()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", err, uri)
	}
	return &Lease{slot: t.slot, elem: e, w: w, ctx: t.ctx}, nil
}

func (m *Manager) Client() transport.Client {
	return m.client
}

func (m *Manager) scan() {
	m.mutex.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mutex.Unlock()
	for _, t := range tasks {
		t.tick()
	}
}

func (m *Manager) deliver(uri string, f func(ctx context.Context) error) {
	err := m.queue.SubmitForOneWorker(uri, func() {
		if err := f(m.ctx); err != nil {
			m.logger.Warnf("cannot deliver to bridge for %v: %v", uri, err)
		}
	})
	if err != nil {
		m.logger.Errorf("cannot deliver to bridge for %v: %v", uri, err)
	}
}

func (m *Manager) deliverEvent(event resource.PhysicalEvent) {
	m.deliver(event.URI, func(ctx context.Context) error {
		return m.bridge.OnPhysicalEvent(ctx, event)
	})
}

func (m *Manager) deliverAvailability(uri string, available bool) {
	m.deliver(uri, func(ctx context.Context) error {
		return m.bridge.OnResourceAvailabilityChanged(ctx, uri, available)
	})
}

// Close terminates all subscriptions and waits for them.
func (m *Manager) Close() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	m.tasks = make(map[string]*task)
	m.mutex.Unlock()
	err := m.scheduler.Shutdown()
	m.cancel()
	m.wg.Wait()
	if err != nil {
		return fmt.Errorf("cannot stop scan scheduler: %w", err)
	}
	return nil
}
