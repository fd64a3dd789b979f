package coap

import (
	"context"
	"sync"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	coapUdpClient "github.com/plgd-dev/go-coap/v3/udp/client"
	"go.uber.org/atomic"
)

type connection struct {
	cc *coapUdpClient.Conn

	mutex        sync.Mutex
	observations map[*observation]struct{}
}

func newConnection(cc *coapUdpClient.Conn) *connection {
	return &connection{
		cc:           cc,
		observations: make(map[*observation]struct{}),
	}
}

func (c *connection) addObservation(o *observation) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.observations[o] = struct{}{}
}

func (c *connection) removeObservation(o *observation) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.observations, o)
}

func (c *connection) closeObservations(err error) {
	c.mutex.Lock()
	obs := make([]*observation, 0, len(c.observations))
	for o := range c.observations {
		obs = append(obs, o)
	}
	c.observations = make(map[*observation]struct{})
	c.mutex.Unlock()
	for _, o := range obs {
		o.notify(transport.Notification{Err: err})
	}
}

type observation struct {
	uri            string
	conn           *connection
	onNotification func(transport.Notification)
	cancel         func(ctx context.Context) error
	done           atomic.Bool

	mutex   sync.Mutex
	ready   bool
	pending []transport.Notification
}

func newObservation(uri string, conn *connection, onNotification func(transport.Notification)) *observation {
	return &observation{
		uri:            uri,
		conn:           conn,
		onNotification: onNotification,
	}
}

func (o *observation) first() (transport.Notification, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if len(o.pending) == 0 {
		return transport.Notification{}, false
	}
	return o.pending[0], true
}

func (o *observation) notify(n transport.Notification) {
	if o.done.Load() {
		return
	}
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if !o.ready {
		o.pending = append(o.pending, n)
		return
	}
	if n.Err != nil && !o.done.CompareAndSwap(false, true) {
		return
	}
	o.onNotification(n)
}

// established flushes notifications received during the registration.
func (o *observation) established() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	for _, n := range o.pending {
		o.onNotification(n)
	}
	o.pending = nil
	o.ready = true
}

func (o *observation) Cancel(ctx context.Context) error {
	if !o.done.CompareAndSwap(false, true) {
		return nil
	}
	o.conn.removeObservation(o)
	if o.cancel == nil {
		return nil
	}
	return o.cancel(ctx)
}
