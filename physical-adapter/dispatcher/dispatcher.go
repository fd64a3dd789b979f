// Package dispatcher turns actions of the twin into CoAP writes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/registry"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/session"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/translator"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	"github.com/plgd-dev/coap-twin-adapter/pkg/sync/task/future"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var (
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrUnsupportedMethod  = errors.New("unsupported method")
	ErrClosed             = errors.New("dispatcher is closed")
)

// UnexpectedResponseError is returned when the response code does not meet the expectation of the action.
type UnexpectedResponseError struct {
	Code codes.Code
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("%v: %v", ErrUnexpectedResponse, e.Code)
}

func (e *UnexpectedResponseError) Unwrap() error {
	return ErrUnexpectedResponse
}

type Descriptors interface {
	Get(uri string) (resource.Descriptor, bool)
}

type Sessions interface {
	Reserve(uri string) (*session.Lease, error)
}

// Dispatcher writes actions to devices through the single-flight slot of their resource.
type Dispatcher struct {
	config      Config
	descriptors Descriptors
	sessions    Sessions
	client      transport.Client
	logger      log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex    sync.Mutex
	inFlight map[string]*future.Future
	closed   bool
}

func New(config Config, descriptors Descriptors, sessions Sessions, client transport.Client, logger log.Logger) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		config:      config,
		descriptors: descriptors,
		sessions:    sessions,
		client:      client,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		inFlight:    make(map[string]*future.Future),
	}, nil
}

// SubmitAction validates and encodes the action and reserves its resource. Unknown resources,
// encoding failures and a full resource queue fail synchronously; everything else resolves the
// returned future with a resource.Result or an error. An action whose token is still in flight
// gets the future of the first submission.
func (d *Dispatcher) SubmitAction(_ context.Context, req resource.ActionRequest) (*future.Future, error) {
	if req.Token == "" {
		req.Token = uuid.NewString()
	}
	switch req.Method {
	case "":
		req.Method = resource.MethodPut
	case resource.MethodPut, resource.MethodPost:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMethod, req.Method)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if f, ok := d.inFlight[req.Token]; ok {
		return f, nil
	}
	desc, ok := d.descriptors.Get(req.URI)
	if !ok {
		return nil, fmt.Errorf("%w: %v", registry.ErrUnknownResource, req.URI)
	}
	contentFormat := desc.ContentFormat
	if req.ContentFormat != nil {
		contentFormat = *req.ContentFormat
	}
	payload, err := translator.Encode(req.Payload, contentFormat, translator.WithValuePath(desc.ValuePath))
	if err != nil {
		return nil, err
	}
	lease, err := d.sessions.Reserve(desc.URI)
	if err != nil {
		return nil, err
	}
	f, set := future.New()
	d.inFlight[req.Token] = f
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, err := d.write(lease, req, desc, contentFormat, payload)
		d.mutex.Lock()
		delete(d.inFlight, req.Token)
		d.mutex.Unlock()
		if err != nil {
			d.logger.Debugf("action %v on %v failed: %v", req.Token, req.URI, err)
			set(nil, err)
			return
		}
		set(res, nil)
	}()
	return f, nil
}

func (d *Dispatcher) write(lease *session.Lease, req resource.ActionRequest, desc resource.Descriptor, contentFormat message.MediaType, payload []byte) (resource.Result, error) {
	if err := lease.Wait(d.ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return resource.Result{}, ErrClosed
		}
		return resource.Result{}, err
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(lease.Context(), d.timeout(req))
	defer cancel()
	var resp transport.Response
	var err error
	if req.Method == resource.MethodPost {
		resp, err = d.client.Post(ctx, desc.URI, contentFormat, payload)
	} else {
		resp, err = d.client.Put(ctx, desc.URI, contentFormat, payload)
	}
	if err != nil {
		if lease.Context().Err() != nil {
			return resource.Result{}, fmt.Errorf("%w: %v", session.ErrCancelled, req.URI)
		}
		return resource.Result{}, err
	}
	if !req.Expect.Accepts(resp.Code) {
		return resource.Result{}, &UnexpectedResponseError{Code: resp.Code}
	}
	res := resource.Result{
		URI:           req.URI,
		Token:         req.Token,
		Code:          resp.Code,
		ContentFormat: contentFormat,
		Payload:       resp.Payload,
	}
	if resp.HasContentFormat {
		res.ContentFormat = resp.ContentFormat
	}
	if req.Expect != nil && req.Expect.Decode && len(resp.Payload) > 0 {
		res.Value, err = translator.Decode(resp.Payload, res.ContentFormat, translator.WithValuePath(desc.ValuePath))
		if err != nil {
			return resource.Result{}, err
		}
	}
	return res, nil
}

// Close resolves pending actions with an error and waits for them.
func (d *Dispatcher) Close() {
	d.mutex.Lock()
	d.closed = true
	d.mutex.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) timeout(req resource.ActionRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return d.config.RequestTimeout
}
