package resource

import (
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// PhysicalEvent is a value read from a device, either notified or polled.
type PhysicalEvent struct {
	URI           string            `json:"uri"`
	Timestamp     time.Time         `json:"timestamp"`
	Payload       []byte            `json:"payload,omitempty"`
	ContentFormat message.MediaType `json:"contentFormat"`
	Value         interface{}       `json:"value,omitempty"`
	// Sequence is the observe sequence number of notifications.
	Sequence *uint32 `json:"sequence,omitempty"`
	// Code of a non success response reported as an event.
	Code codes.Code `json:"code,omitempty"`
}

type Method string

const (
	MethodPut  Method = "PUT"
	MethodPost Method = "POST"
)

// Expectation describes the acceptable response of an action.
type Expectation struct {
	// Codes accepted as success. An empty list accepts any 2.xx code.
	Codes []codes.Code `json:"codes,omitempty"`
	// Decode the response body according to its content format.
	Decode bool `json:"decode,omitempty"`
}

// Accepts reports whether the response code satisfies the expectation.
func (e *Expectation) Accepts(code codes.Code) bool {
	if e == nil || len(e.Codes) == 0 {
		return IsSuccess(code)
	}
	for _, c := range e.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// IsSuccess reports whether code is of the 2.xx class.
func IsSuccess(code codes.Code) bool {
	return code>>5 == 2
}

// ActionRequest is a write requested by the twin.
type ActionRequest struct {
	URI    string `json:"uri"`
	Method Method `json:"method,omitempty"`
	// Payload is encoded according to ContentFormat.
	Payload interface{} `json:"payload"`
	// ContentFormat overrides the content format of the resource.
	ContentFormat *message.MediaType `json:"contentFormat,omitempty"`
	Expect        *Expectation       `json:"expect,omitempty"`
	// Token correlates the action; requests with a token in flight share the result.
	Token string `json:"token,omitempty"`
	// Timeout overrides the request timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Result is the device response to an action.
type Result struct {
	URI           string            `json:"uri"`
	Token         string            `json:"token"`
	Code          codes.Code        `json:"code"`
	ContentFormat message.MediaType `json:"contentFormat"`
	Payload       []byte            `json:"payload,omitempty"`
	Value         interface{}       `json:"value,omitempty"`
}
