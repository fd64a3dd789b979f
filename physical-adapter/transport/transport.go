// Package transport defines the CoAP operations the adapter needs from a device connection.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

type Kind int

const (
	KindTimeout Kind = iota + 1
	KindUnreachable
	KindReset
	KindMalformedResponse
	// KindNotObservable is returned when the device answers an observe registration without the observe option.
	KindNotObservable
	// KindErrorResponse is a 4.xx or 5.xx response.
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindReset:
		return "reset"
	case KindMalformedResponse:
		return "malformed response"
	case KindNotObservable:
		return "not observable"
	case KindErrorResponse:
		return "error response"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a failed exchange with a device.
type Error struct {
	Kind Kind
	URI  string
	// Code is set for KindErrorResponse.
	Code codes.Code
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v: %v", e.URI, e.Kind)
	if e.Kind == KindErrorResponse {
		msg += fmt.Sprintf(" %v", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, uri string, err error) *Error {
	return &Error{Kind: kind, URI: uri, Err: err}
}

// KindOf returns the kind of a transport error in the chain of err.
func KindOf(err error) (Kind, bool) {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind, true
	}
	return 0, false
}

// Response of a device.
type Response struct {
	Code             codes.Code
	ContentFormat    message.MediaType
	HasContentFormat bool
	Payload          []byte
	// Sequence is the observe option value of notifications.
	Sequence *uint32
}

// CheckResponse converts a response with a non 2.xx code to an error of KindErrorResponse.
func CheckResponse(uri string, resp Response) error {
	if resp.Code>>5 == 2 {
		return nil
	}
	return &Error{Kind: KindErrorResponse, URI: uri, Code: resp.Code}
}

// Notification delivers a value of an observed resource. Err reports a broken observation,
// no further notifications follow it.
type Notification struct {
	Response
	Err error
}

type Observation interface {
	Cancel(ctx context.Context) error
}

// Client performs CoAP exchanges on absolute resource URIs. Every call is bounded by ctx.
type Client interface {
	Get(ctx context.Context, uri string) (Response, error)
	Put(ctx context.Context, uri string, contentFormat message.MediaType, payload []byte) (Response, error)
	Post(ctx context.Context, uri string, contentFormat message.MediaType, payload []byte) (Response, error)
	// Observe registers an observation. Notifications are delivered sequentially.
	Observe(ctx context.Context, uri string, onNotification func(Notification)) (Observation, error)
	Close() error
}
