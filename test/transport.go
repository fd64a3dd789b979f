package test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"go.uber.org/atomic"
)

type Call struct {
	Method        string
	URI           string
	At            time.Time
	ContentFormat message.MediaType
	Payload       []byte
}

type (
	GetHandler     func(ctx context.Context, uri string) (transport.Response, error)
	WriteHandler   func(ctx context.Context, method, uri string, contentFormat message.MediaType, payload []byte) (transport.Response, error)
	ObserveHandler func(ctx context.Context, uri string) error
)

// Transport is an in-memory transport.Client. It records a violation whenever two operations
// on the same URI overlap.
type Transport struct {
	OnGet     GetHandler
	OnWrite   WriteHandler
	OnObserve ObserveHandler

	mutex      sync.Mutex
	inFlight   map[string]bool
	calls      []Call
	violations []string
	observers  map[string]*Observation
}

func NewTransport() *Transport {
	return &Transport{
		inFlight:  make(map[string]bool),
		observers: make(map[string]*Observation),
	}
}

func (s *Transport) enter(method, uri string, contentFormat message.MediaType, payload []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.inFlight[uri] {
		s.violations = append(s.violations, fmt.Sprintf("%v %v while another operation is in flight", method, uri))
	}
	s.inFlight[uri] = true
	s.calls = append(s.calls, Call{Method: method, URI: uri, At: time.Now(), ContentFormat: contentFormat, Payload: payload})
}

func (s *Transport) exit(uri string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.inFlight, uri)
}

// Violations lists overlapping operations.
func (s *Transport) Violations() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.violations...)
}

// Calls returns the recorded operations, optionally filtered by method.
func (s *Transport) Calls(method string) []Call {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	calls := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			calls = append(calls, c)
		}
	}
	return calls
}

func (s *Transport) Get(ctx context.Context, uri string) (transport.Response, error) {
	s.enter("GET", uri, 0, nil)
	defer s.exit(uri)
	if s.OnGet == nil {
		return transport.Response{}, transport.NewError(transport.KindUnreachable, uri, nil)
	}
	return s.OnGet(ctx, uri)
}

func (s *Transport) write(ctx context.Context, method, uri string, contentFormat message.MediaType, payload []byte) (transport.Response, error) {
	s.enter(method, uri, contentFormat, payload)
	defer s.exit(uri)
	if s.OnWrite == nil {
		return transport.Response{Code: codes.Changed}, nil
	}
	return s.OnWrite(ctx, method, uri, contentFormat, payload)
}

func (s *Transport) Put(ctx context.Context, uri string, contentFormat message.MediaType, payload []byte) (transport.Response, error) {
	return s.write(ctx, "PUT", uri, contentFormat, payload)
}

func (s *Transport) Post(ctx context.Context, uri string, contentFormat message.MediaType, payload []byte) (transport.Response, error) {
	return s.write(ctx, "POST", uri, contentFormat, payload)
}

func (s *Transport) Observe(ctx context.Context, uri string, onNotification func(transport.Notification)) (transport.Observation, error) {
	s.enter("OBSERVE", uri, 0, nil)
	defer s.exit(uri)
	if s.OnObserve != nil {
		if err := s.OnObserve(ctx, uri); err != nil {
			return nil, err
		}
	}
	o := &Observation{onNotification: onNotification}
	s.mutex.Lock()
	s.observers[uri] = o
	s.mutex.Unlock()
	return o, nil
}

// Observation returns the last observation registered on uri.
func (s *Transport) Observation(uri string) *Observation {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.observers[uri]
}

// Notify pushes a notification to the last observation of uri. It reports false when there is none.
func (s *Transport) Notify(uri string, n transport.Notification) bool {
	o := s.Observation(uri)
	if o == nil || o.Cancelled() {
		return false
	}
	o.onNotification(n)
	return true
}

func (s *Transport) Close() error {
	return nil
}

type Observation struct {
	onNotification func(transport.Notification)
	cancelled      atomic.Bool
}

func (o *Observation) Cancel(context.Context) error {
	o.cancelled.Store(true)
	return nil
}

func (o *Observation) Cancelled() bool {
	return o.cancelled.Load()
}

// TextNotification is a 2.05 text/plain notification with the observe sequence seq.
func TextNotification(seq uint32, value string) transport.Notification {
	return transport.Notification{
		Response: transport.Response{
			Code:             codes.Content,
			ContentFormat:    message.TextPlain,
			HasContentFormat: true,
			Payload:          []byte(value),
			Sequence:         &seq,
		},
	}
}
