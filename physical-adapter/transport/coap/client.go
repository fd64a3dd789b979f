package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/dtls/v2"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	pkgCoap "github.com/plgd-dev/coap-twin-adapter/pkg/net/coap"
	"github.com/plgd-dev/coap-twin-adapter/pkg/opentelemetry/otelcoap"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	coapUdpClient "github.com/plgd-dev/go-coap/v3/udp/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("client is closed")

// Client implements transport.Client over go-coap. A single UDP or DTLS connection
// per device host is dialled on first use and dialled again after it closes.
type Client struct {
	config         pkgCoap.Config
	dtlsConfig     *dtls.Config
	logger         log.Logger
	tracerProvider trace.TracerProvider
	onConnClosed   func(host string)

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	dials  singleflight.Group

	mutex sync.Mutex
	conns map[string]*connection
}

// New creates a client. DTLS secrets are loaded once so coaps resources share them.
func New(config pkgCoap.Config, logger log.Logger, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := Options{
		TracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	var dtlsCfg *dtls.Config
	if config.DTLS.PSK.IsSet() || config.DTLS.CertFile != "" || len(config.DTLS.CAPool) > 0 || config.DTLS.InsecureSkipVerify {
		var err error
		dtlsCfg, err = config.DTLS.ToDTLSConfig(logger)
		if err != nil {
			return nil, fmt.Errorf("cannot create dtls config: %w", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:         config,
		dtlsConfig:     dtlsCfg,
		logger:         logger,
		tracerProvider: o.TracerProvider,
		onConnClosed:   o.OnConnectionClosed,
		ctx:            ctx,
		cancel:         cancel,
		conns:          make(map[string]*connection),
	}, nil
}

func connKey(ep resource.Endpoint) string {
	return ep.Scheme + "://" + ep.Host
}

func (c *Client) loadConn(key string) *connection {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conns[key]
}

func (c *Client) getConn(ep resource.Endpoint) (*connection, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	key := connKey(ep)
	if conn := c.loadConn(key); conn != nil {
		return conn, nil
	}
	v, err, _ := c.dials.Do(key, func() (interface{}, error) {
		if conn := c.loadConn(key); conn != nil {
			return conn, nil
		}
		cc, err := pkgCoap.Dial(c.ctx, ep.Scheme, ep.Host, c.config, c.dtlsConfig, c.logger)
		if err != nil {
			return nil, err
		}
		conn := newConnection(cc)
		c.mutex.Lock()
		if c.closed.Load() {
			c.mutex.Unlock()
			_ = cc.Close()
			return nil, ErrClosed
		}
		c.conns[key] = conn
		c.mutex.Unlock()
		go c.watchConn(key, conn)
		c.logger.Debugf("connected to %v", key)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*connection), nil
}

func (c *Client) watchConn(key string, conn *connection) {
	<-conn.cc.Done()
	c.mutex.Lock()
	if c.conns[key] == conn {
		delete(c.conns, key)
	}
	c.mutex.Unlock()
	conn.closeObservations(transport.NewError(transport.KindUnreachable, key, errors.New("connection closed")))
	c.logger.Debugf("connection to %v closed", key)
	if c.onConnClosed != nil {
		c.onConnClosed(key)
	}
}

func queryOptions(ep resource.Endpoint) []message.Option {
	if len(ep.Query) == 0 {
		return nil
	}
	opts := make([]message.Option, 0, len(ep.Query))
	for _, q := range ep.Query {
		opts = append(opts, message.Option{ID: message.URIQuery, Value: []byte(q)})
	}
	return opts
}

func toError(uri string, err error) error {
	var terr *transport.Error
	switch {
	case errors.As(err, &terr):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return transport.NewError(transport.KindTimeout, uri, err)
	}
	return transport.NewError(transport.KindUnreachable, uri, err)
}

func toResponse(uri string, m *pool.Message) (transport.Response, error) {
	if m.Type() == message.Reset {
		return transport.Response{}, transport.NewError(transport.KindReset, uri, nil)
	}
	resp := transport.Response{
		Code: m.Code(),
	}
	if cf, err := m.ContentFormat(); err == nil {
		resp.ContentFormat = cf
		resp.HasContentFormat = true
	}
	if seq, err := m.Observe(); err == nil {
		resp.Sequence = &seq
	}
	if body := m.Body(); body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return transport.Response{}, transport.NewError(transport.KindMalformedResponse, uri, err)
		}
		resp.Payload = data
	}
	return resp, nil
}

type exchangeFunc = func(ctx context.Context, cc *coapUdpClient.Conn, path string, opts ...message.Option) (*pool.Message, error)

func (c *Client) exchange(ctx context.Context, uri string, method codes.Code, do exchangeFunc) (transport.Response, error) {
	ep, err := resource.ParseURI(uri)
	if err != nil {
		return transport.Response{}, transport.NewError(transport.KindUnreachable, uri, err)
	}
	ctx, span := otelcoap.Start(ctx, ep.Host, ep.Path, method.String(), otelcoap.WithTracerProvider(c.tracerProvider))
	conn, err := c.getConn(ep)
	if err != nil {
		err = toError(uri, err)
		otelcoap.End(span, 0, err)
		return transport.Response{}, err
	}
	m, err := do(ctx, conn.cc, ep.Path, queryOptions(ep)...)
	if err != nil {
		err = toError(uri, err)
		otelcoap.End(span, 0, err)
		return transport.Response{}, err
	}
	defer conn.cc.ReleaseMessage(m)
	resp, err := toResponse(uri, m)
	otelcoap.End(span, resp.Code, err)
	return resp, err
}

func (c *Client) Get(ctx context.Context, uri string) (transport.Response, error) {
	return c.exchange(ctx, uri, codes.GET, func(ctx context.Context, cc *coapUdpClient.Conn, path string, opts ...message.Option) (*pool.Message, error) {
		return cc.Get(ctx, path, opts...)
	})
}

func (c *Client) Put(ctx context.Context, uri string, contentFormat message.MediaType, payload []byte) (transport.Response, error) {
	return c.exchange(ctx, uri, codes.PUT, func(ctx context.Context, cc *coapUdpClient.Conn, path string, opts ...message.Option) (*pool.Message, error) {
		return cc.Put(ctx, path, contentFormat, bytes.NewReader(payload), opts...)
	})
}

func (c *Client) Post(ctx context.Context, uri string, contentFormat message.MediaType, payload []byte) (transport.Response, error) {
	return c.exchange(ctx, uri, codes.POST, func(ctx context.Context, cc *coapUdpClient.Conn, path string, opts ...message.Option) (*pool.Message, error) {
		return cc.Post(ctx, path, contentFormat, bytes.NewReader(payload), opts...)
	})
}

// Observe registers the observation. Notifications received before the registration
// completes are delivered right after it, in order.
func (c *Client) Observe(ctx context.Context, uri string, onNotification func(transport.Notification)) (transport.Observation, error) {
	ep, err := resource.ParseURI(uri)
	if err != nil {
		return nil, transport.NewError(transport.KindUnreachable, uri, err)
	}
	ctx, span := otelcoap.Start(ctx, ep.Host, ep.Path, codes.GET.String(), otelcoap.WithTracerProvider(c.tracerProvider),
		otelcoap.WithSpanOptions(trace.WithAttributes(otelcoap.COAPObserveKey.Bool(true))))
	conn, err := c.getConn(ep)
	if err != nil {
		err = toError(uri, err)
		otelcoap.End(span, 0, err)
		return nil, err
	}
	obs := newObservation(uri, conn, onNotification)
	coapObs, err := conn.cc.Observe(ctx, ep.Path, func(m *pool.Message) {
		resp, err := toResponse(uri, m)
		obs.notify(transport.Notification{Response: resp, Err: err})
	}, queryOptions(ep)...)
	if err != nil {
		if first, ok := obs.first(); ok && first.Err == nil && !resource.IsSuccess(first.Code) {
			err = transport.CheckResponse(uri, first.Response)
		}
		err = toError(uri, err)
		otelcoap.End(span, 0, err)
		return nil, err
	}
	first, _ := obs.first()
	if coapObs.Canceled() {
		err = transport.NewError(transport.KindNotObservable, uri, nil)
		otelcoap.End(span, first.Code, err)
		return nil, err
	}
	obs.cancel = func(ctx context.Context) error {
		return coapObs.Cancel(ctx)
	}
	conn.addObservation(obs)
	obs.established()
	otelcoap.End(span, first.Code, nil)
	return obs, nil
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.mutex.Lock()
	conns := make([]*connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mutex.Unlock()
	var errs *multierror.Error
	for _, conn := range conns {
		if err := conn.cc.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
