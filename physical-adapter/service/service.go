package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge/mqtt"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge/nats"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/discovery"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/dispatcher"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/registry"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/session"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport/coap"
	pkgConfig "github.com/plgd-dev/coap-twin-adapter/pkg/config"
	"github.com/plgd-dev/coap-twin-adapter/pkg/fn"
	"github.com/plgd-dev/coap-twin-adapter/pkg/fsnotify"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	"github.com/plgd-dev/coap-twin-adapter/pkg/sync/task/queue"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
)

type Options struct {
	// Transport replaces the CoAP client.
	Transport transport.Client
	// Bridges receive events in addition to the configured ones.
	Bridges        []bridge.Bridge
	TracerProvider trace.TracerProvider
}

type Option func(*Options)

func WithTransport(c transport.Client) Option {
	return func(o *Options) {
		o.Transport = c
	}
}

func WithBridge(b bridge.Bridge) Option {
	return func(o *Options) {
		o.Bridges = append(o.Bridges, b)
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

// actionBridge is a bridge which also carries actions of the twin.
type actionBridge interface {
	bridge.Bridge
	ServeActions(s bridge.ActionSubmitter) error
	Close()
}

// Adapter keeps the configured and discovered CoAP resources in sync with the digital twin.
type Adapter struct {
	logger     log.Logger
	registry   *registry.Registry
	sessions   *session.Manager
	dispatcher *dispatcher.Dispatcher
	discoverer *discovery.Discoverer

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeFunc fn.FuncList

	// mutex guards static
	mutex sync.Mutex
	// static holds the registered descriptors of the configuration
	static map[string]resource.Descriptor
}

func newTransport(config Config, o Options, logger log.Logger) (transport.Client, error) {
	if o.Transport != nil {
		return o.Transport, nil
	}
	var opts []coap.Option
	if o.TracerProvider != nil {
		opts = append(opts, coap.WithTracerProvider(o.TracerProvider))
	}
	return coap.New(config.Clients.Coap, logger, opts...)
}

func newBridges(config BridgeConfig, logger log.Logger) ([]actionBridge, error) {
	var bridges []actionBridge
	if config.NATS.Enabled {
		b, err := nats.New(config.NATS, logger)
		if err != nil {
			return nil, fmt.Errorf("cannot create nats bridge: %w", err)
		}
		bridges = append(bridges, b)
	}
	if config.MQTT.Enabled {
		b, err := mqtt.New(config.MQTT, logger)
		if err != nil {
			for _, c := range bridges {
				c.Close()
			}
			return nil, fmt.Errorf("cannot create mqtt bridge: %w", err)
		}
		bridges = append(bridges, b)
	}
	return bridges, nil
}

// New creates the adapter and registers the configured resources. With a file watcher, changes of
// adapter.resources in configPath are applied at runtime.
func New(config Config, fileWatcher *fsnotify.Watcher, configPath string, logger log.Logger, opts ...Option) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		static: make(map[string]resource.Descriptor),
	}
	a.closeFunc.AddFunc(cancel)

	q, err := queue.New(config.Adapter.TaskQueue)
	if err != nil {
		a.closeFunc.Execute()
		return nil, fmt.Errorf("cannot create task queue: %w", err)
	}
	a.closeFunc.AddFunc(q.Release)

	client, err := newTransport(config, o, logger)
	if err != nil {
		a.closeFunc.Execute()
		return nil, fmt.Errorf("cannot create coap client: %w", err)
	}
	a.closeFunc.AddFunc(func() {
		if err := client.Close(); err != nil {
			logger.Warnf("cannot close coap client: %v", err)
		}
	})

	bridges, err := newBridges(config.Clients.Bridge, logger)
	if err != nil {
		a.closeFunc.Execute()
		return nil, err
	}
	multi := make(bridge.Multi, 0, len(bridges)+len(o.Bridges))
	for _, b := range bridges {
		multi = append(multi, b)
		a.closeFunc.AddFunc(b.Close)
	}
	multi = append(multi, o.Bridges...)
	if len(multi) == 0 {
		logger.Warnf("no bridge is enabled, physical events are dropped")
	}

	a.registry = registry.New(
		registry.WithOnRegistered(func(d resource.Descriptor) { a.sessions.Add(d) }),
		registry.WithOnDeregistered(func(d resource.Descriptor) { a.sessions.Remove(d) }),
	)
	sessions, err := session.New(config.Adapter.Session, client, multi, q, logger, session.WithOnUnreachable(a.removeUnreachable))
	if err != nil {
		a.closeFunc.Execute()
		return nil, fmt.Errorf("cannot create session manager: %w", err)
	}
	a.sessions = sessions
	a.closeFunc.AddFunc(func() {
		if err := sessions.Close(); err != nil {
			logger.Warnf("cannot close session manager: %v", err)
		}
	})

	d, err := dispatcher.New(config.Adapter.Dispatcher, a.registry, sessions, client, logger)
	if err != nil {
		a.closeFunc.Execute()
		return nil, fmt.Errorf("cannot create dispatcher: %w", err)
	}
	a.dispatcher = d
	a.closeFunc.AddFunc(d.Close)

	for _, b := range bridges {
		if err := b.ServeActions(d); err != nil {
			a.closeFunc.Execute()
			return nil, fmt.Errorf("cannot serve actions: %w", err)
		}
	}

	if err := a.ApplyResources(config.Adapter.Resources); err != nil {
		a.closeFunc.Execute()
		return nil, fmt.Errorf("cannot register resources: %w", err)
	}

	if config.Adapter.Discovery.Enabled {
		disc, err := discovery.New(config.Adapter.Discovery, client, a.registry, logger)
		if err != nil {
			a.closeFunc.Execute()
			return nil, fmt.Errorf("cannot create resource discovery: %w", err)
		}
		a.discoverer = disc
		a.closeFunc.AddFunc(func() {
			if err := disc.Close(); err != nil {
				logger.Warnf("cannot close resource discovery: %v", err)
			}
		})
	}

	if fileWatcher != nil && configPath != "" {
		if err := a.watchConfig(fileWatcher, configPath); err != nil {
			a.closeFunc.Execute()
			return nil, err
		}
	}
	return a, nil
}

func (a *Adapter) watchConfig(fileWatcher *fsnotify.Watcher, configPath string) error {
	if err := fileWatcher.Add(configPath); err != nil {
		return fmt.Errorf("cannot watch config file: %w", err)
	}
	onEvent := func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		a.reload(configPath)
	}
	fileWatcher.AddOnEventHandler(&onEvent)
	a.closeFunc.AddFunc(func() {
		fileWatcher.RemoveOnEventHandler(&onEvent)
		if err := fileWatcher.Remove(configPath); err != nil {
			a.logger.Debugf("cannot stop watching config file: %v", err)
		}
	})
	return nil
}

func (a *Adapter) reload(configPath string) {
	if a.closed.Load() {
		return
	}
	cfg := MakeDefaultConfig()
	if err := pkgConfig.Read(configPath, &cfg); err != nil {
		a.logger.Warnf("cannot reload config: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		a.logger.Warnf("cannot reload config: %v", err)
		return
	}
	if err := a.ApplyResources(cfg.Adapter.Resources); err != nil {
		a.logger.Warnf("cannot apply reloaded resources: %v", err)
	}
}

// ApplyResources reconciles the statically configured resources with resources: missing ones are
// deregistered, new and changed ones registered.
func (a *Adapter) ApplyResources(resources Resources) error {
	if err := resources.Validate(); err != nil {
		return err
	}
	want := resources.byURI()
	a.mutex.Lock()
	defer a.mutex.Unlock()
	for uri, old := range a.static {
		if d, ok := want[uri]; ok && d == old {
			if cur, ok := a.registry.Get(uri); ok && cur == old {
				continue
			}
		}
		delete(a.static, uri)
		if cur, ok := a.registry.Get(uri); !ok || cur != old {
			continue
		}
		if err := a.registry.Deregister(uri); err != nil && !errors.Is(err, registry.ErrUnknownResource) {
			a.logger.Warnf("cannot deregister resource %v: %v", uri, err)
			continue
		}
		a.logger.Infof("deregistered resource %v", uri)
	}
	var errs *multierror.Error
	for _, d := range resources {
		if _, ok := a.static[d.URI]; ok {
			continue
		}
		if err := a.registry.Register(d); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		a.static[d.URI] = d
		a.logger.Infof("registered resource %v (%v)", d.URI, d.Mode)
	}
	return errs.ErrorOrNil()
}

func (a *Adapter) removeUnreachable(d resource.Descriptor) {
	if cur, ok := a.registry.Get(d.URI); !ok || cur != d {
		return
	}
	if err := a.registry.Deregister(d.URI); err != nil {
		a.logger.Debugf("cannot remove unreachable resource %v: %v", d.URI, err)
		return
	}
	a.logger.Warnf("removed unreachable resource %v", d.URI)
}

func (a *Adapter) Registry() *registry.Registry {
	return a.registry
}

func (a *Adapter) Sessions() *session.Manager {
	return a.sessions
}

func (a *Adapter) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Serve runs the first resource discovery and blocks until Close.
func (a *Adapter) Serve() error {
	if a.discoverer != nil {
		if err := a.discoverer.Refresh(a.ctx); err != nil {
			a.logger.Warnf("resource discovery failed: %v", err)
		}
	}
	<-a.done
	return nil
}

// Close stops every component. Pending actions resolve with an error.
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.cancel()
	a.closeFunc.Execute()
	close(a.done)
	return nil
}
