// Package bridge connects the adapter to the digital twin engine.
package bridge

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/pkg/sync/task/future"
)

// Bridge receives what happens on the physical side. Calls for one resource are sequential and ordered.
type Bridge interface {
	OnPhysicalEvent(ctx context.Context, event resource.PhysicalEvent) error
	OnResourceAvailabilityChanged(ctx context.Context, uri string, available bool) error
}

// ActionSubmitter accepts actions from the twin. The future resolves to a resource.Result.
type ActionSubmitter interface {
	SubmitAction(ctx context.Context, req resource.ActionRequest) (*future.Future, error)
}

// Multi fans out to several bridges.
type Multi []Bridge

func (m Multi) OnPhysicalEvent(ctx context.Context, event resource.PhysicalEvent) error {
	var errs *multierror.Error
	for _, b := range m {
		if err := b.OnPhysicalEvent(ctx, event); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (m Multi) OnResourceAvailabilityChanged(ctx context.Context, uri string, available bool) error {
	var errs *multierror.Error
	for _, b := range m {
		if err := b.OnResourceAvailabilityChanged(ctx, uri, available); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
