package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Availability is published when a resource becomes reachable or unreachable.
type Availability struct {
	URI       string    `json:"uri"`
	Available bool      `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionReply answers an action request. Exactly one of Result and Error is set.
type ActionReply struct {
	Token  string           `json:"token,omitempty"`
	Result *resource.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func EncodeEvent(event resource.PhysicalEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("cannot encode event of %v: %w", event.URI, err)
	}
	return data, nil
}

func EncodeAvailability(uri string, available bool) ([]byte, error) {
	data, err := json.Marshal(Availability{URI: uri, Available: available, Timestamp: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("cannot encode availability of %v: %w", uri, err)
	}
	return data, nil
}

// ServeAction decodes an action request, submits it and waits up to timeout for its result.
func ServeAction(ctx context.Context, s ActionSubmitter, data []byte, timeout time.Duration) ActionReply {
	var req resource.ActionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ActionReply{Error: fmt.Sprintf("invalid action: %v", err)}
	}
	if req.URI == "" {
		return ActionReply{Token: req.Token, Error: "invalid action: missing uri"}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	f, err := s.SubmitAction(ctx, req)
	if err != nil {
		return ActionReply{Token: req.Token, Error: err.Error()}
	}
	v, err := f.Get(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("action result not received in %v: %w", timeout, err)
		}
		return ActionReply{Token: req.Token, Error: err.Error()}
	}
	res := v.(resource.Result)
	return ActionReply{Token: res.Token, Result: &res}
}

func EncodeReply(reply ActionReply) []byte {
	data, err := json.Marshal(reply)
	if err != nil {
		data, _ = json.Marshal(ActionReply{Token: reply.Token, Error: fmt.Sprintf("cannot encode reply: %v", err)})
	}
	return data
}
