package translator

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
)

var ErrUnsupportedFormat = errors.New("unsupported content format")

type DecodeError struct {
	ContentFormat message.MediaType
	Err           error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %v: %v", e.ContentFormat, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type EncodeError struct {
	ContentFormat message.MediaType
	Err           error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("cannot encode %v: %v", e.ContentFormat, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
