package test

import (
	"context"
	"sync"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
)

type AvailabilityChange struct {
	URI       string
	Available bool
}

// Bridge records everything the adapter delivers to the twin.
type Bridge struct {
	mutex        sync.Mutex
	events       []resource.PhysicalEvent
	availability []AvailabilityChange
}

func NewBridge() *Bridge {
	return &Bridge{}
}

func (b *Bridge) OnPhysicalEvent(_ context.Context, event resource.PhysicalEvent) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *Bridge) OnResourceAvailabilityChanged(_ context.Context, uri string, available bool) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.availability = append(b.availability, AvailabilityChange{URI: uri, Available: available})
	return nil
}

func (b *Bridge) Events() []resource.PhysicalEvent {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]resource.PhysicalEvent(nil), b.events...)
}

func (b *Bridge) Availability() []AvailabilityChange {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]AvailabilityChange(nil), b.availability...)
}
