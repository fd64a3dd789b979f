// Package discovery registers the resources devices advertise in /.well-known/core.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/registry"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	"github.com/plgd-dev/go-coap/v3/message"
	"golang.org/x/sync/errgroup"
)

// Interface values of the if link parameter.
const (
	InterfaceSensor    = "core.s"
	InterfaceActuator  = "core.a"
	InterfaceParameter = "core.p"
)

type Registrar interface {
	Register(resource.Descriptor) error
	Deregister(uri string) error
	Get(uri string) (resource.Descriptor, bool)
}

type Discoverer struct {
	config    Config
	client    transport.Client
	registrar Registrar
	logger    log.Logger
	ignored   map[string]struct{}
	scheduler gocron.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	// mutex serializes refreshes
	mutex sync.Mutex
	// owned holds the descriptors registered from each endpoint
	owned map[string]map[string]resource.Descriptor
}

// New creates a discoverer. With a refresh interval the registered set is refreshed periodically,
// the first refresh is up to the caller.
func New(config Config, client transport.Client, registrar Registrar, logger log.Logger) (*Discoverer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Discoverer{
		config:    config,
		client:    client,
		registrar: registrar,
		logger:    logger,
		ignored:   make(map[string]struct{}, len(config.Ignored)+1),
		ctx:       ctx,
		cancel:    cancel,
		owned:     make(map[string]map[string]resource.Descriptor),
	}
	d.ignored[WellKnownCore] = struct{}{}
	for _, p := range config.Ignored {
		d.ignored[p] = struct{}{}
	}
	if config.RefreshInterval == 0 {
		return d, nil
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cannot create discovery scheduler: %w", err)
	}
	_, err = s.NewJob(gocron.DurationJob(config.RefreshInterval), gocron.NewTask(func() {
		if err := d.Refresh(d.ctx); err != nil {
			d.logger.Warnf("resource discovery failed: %v", err)
		}
	}), gocron.WithSingletonMode(gocron.LimitModeReschedule))
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return nil, fmt.Errorf("cannot create discovery job: %w", err)
	}
	s.Start()
	d.scheduler = s
	return d, nil
}

func (d *Discoverer) isIgnored(ep resource.Endpoint) bool {
	if _, ok := d.ignored[ep.Path]; ok {
		return true
	}
	_, ok := d.ignored[ep.String()]
	return ok
}

func (d *Discoverer) contentFormat(l Link) message.MediaType {
	formats := l.ContentFormats()
	if len(formats) == 0 || slices.Contains(formats, d.config.PreferredContentFormat) {
		return d.config.PreferredContentFormat
	}
	return formats[0]
}

// describe converts a link to a descriptor. Observable links are observed with polling as fallback,
// the others are polled.
func (d *Discoverer) describe(l Link, ep resource.Endpoint) resource.Descriptor {
	desc := resource.Descriptor{
		URI:           ep.String(),
		Mode:          resource.ModePoll,
		PollInterval:  d.config.PollInterval,
		ContentFormat: d.contentFormat(l),
		ResourceType:  l.First("rt"),
		Interface:     l.First("if"),
	}
	if l.Has("obs") {
		desc.Mode = resource.ModeObserve
		desc.PollFallback = true
	}
	return desc
}

func resolve(base *url.URL, target string) (resource.Endpoint, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return resource.Endpoint{}, fmt.Errorf("%w: target('%v'): %v", ErrInvalidLinkFormat, target, err)
	}
	return resource.ParseURI(base.ResolveReference(ref).String())
}

// Discover returns the descriptors advertised by an endpoint.
func (d *Discoverer) Discover(ctx context.Context, endpoint string) ([]resource.Descriptor, error) {
	ep, err := resource.ParseURI(endpoint)
	if err != nil {
		return nil, err
	}
	ep.Path = WellKnownCore
	ep.Query = nil
	wkc := ep.String()
	base, err := url.Parse(wkc)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()
	resp, err := d.client.Get(ctx, wkc)
	if err != nil {
		return nil, err
	}
	if err = transport.CheckResponse(wkc, resp); err != nil {
		return nil, err
	}
	if resp.HasContentFormat && resp.ContentFormat != message.AppLinkFormat {
		return nil, fmt.Errorf("%v: unexpected content format %v", wkc, resp.ContentFormat)
	}
	links, err := ParseLinkFormat(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", wkc, err)
	}
	descs := make([]resource.Descriptor, 0, len(links))
	for _, l := range links {
		target, err := resolve(base, l.Target)
		if err != nil {
			d.logger.Warnf("%v: skipping link: %v", wkc, err)
			continue
		}
		if d.isIgnored(target) {
			continue
		}
		desc := d.describe(l, target)
		if err := desc.Validate(); err != nil {
			d.logger.Warnf("%v: skipping link: %v", wkc, err)
			continue
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

type endpointResult struct {
	descs []resource.Descriptor
	err   error
}

// discoverAll queries all endpoints in parallel. Failed endpoints are left out of the result.
func (d *Discoverer) discoverAll(ctx context.Context) (map[string][]resource.Descriptor, error) {
	results := make([]endpointResult, len(d.config.Endpoints))
	var g errgroup.Group
	for i, endpoint := range d.config.Endpoints {
		g.Go(func() error {
			descs, err := d.Discover(ctx, endpoint)
			results[i] = endpointResult{descs: descs, err: err}
			return nil
		})
	}
	_ = g.Wait()
	var errs *multierror.Error
	found := make(map[string][]resource.Descriptor, len(results))
	for i, r := range results {
		if r.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("endpoint('%v'): %w", d.config.Endpoints[i], r.err))
			continue
		}
		found[d.config.Endpoints[i]] = r.descs
	}
	return found, errs.ErrorOrNil()
}

// Refresh discovers all endpoints and reconciles the registry: new links are registered, changed ones
// re-registered and vanished ones deregistered. Resources of unreachable endpoints are kept.
// Resources registered by other means are never touched.
func (d *Discoverer) Refresh(ctx context.Context) error {
	found, err := d.discoverAll(ctx)
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for endpoint, descs := range found {
		d.owned[endpoint] = d.reconcile(endpoint, descs)
	}
	return err
}

func (d *Discoverer) reconcile(endpoint string, descs []resource.Descriptor) map[string]resource.Descriptor {
	prev := d.owned[endpoint]
	next := make(map[string]resource.Descriptor, len(descs))
	for _, desc := range descs {
		if _, ok := next[desc.URI]; ok {
			continue
		}
		old, owned := prev[desc.URI]
		if owned {
			registered, ok := d.registrar.Get(desc.URI)
			if ok && registered == old && old == desc {
				next[desc.URI] = desc
				continue
			}
			if ok && registered == old {
				d.deregister(desc.URI)
			}
		}
		if err := d.registrar.Register(desc); err != nil {
			if errors.Is(err, registry.ErrDuplicateResource) {
				d.logger.Debugf("discovered resource %v is already registered", desc.URI)
			} else {
				d.logger.Warnf("cannot register discovered resource %v: %v", desc.URI, err)
			}
			continue
		}
		d.logger.Infof("registered discovered resource %v (%v)", desc.URI, desc.Mode)
		next[desc.URI] = desc
	}
	for uri, old := range prev {
		if _, ok := next[uri]; ok {
			continue
		}
		if registered, ok := d.registrar.Get(uri); ok && registered == old {
			d.deregister(uri)
		}
	}
	return next
}

func (d *Discoverer) deregister(uri string) {
	err := d.registrar.Deregister(uri)
	if err == nil {
		d.logger.Infof("deregistered resource %v no longer advertised", uri)
		return
	}
	if !errors.Is(err, registry.ErrUnknownResource) {
		d.logger.Warnf("cannot deregister resource %v: %v", uri, err)
	}
}

// Owned returns the URIs registered by discovery, sorted.
func (d *Discoverer) Owned() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	var uris []string
	for _, descs := range d.owned {
		for uri := range descs {
			uris = append(uris, uri)
		}
	}
	slices.Sort(uris)
	return uris
}

func (d *Discoverer) Close() error {
	d.cancel()
	if d.scheduler == nil {
		return nil
	}
	if err := d.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("cannot stop discovery scheduler: %w", err)
	}
	return nil
}
