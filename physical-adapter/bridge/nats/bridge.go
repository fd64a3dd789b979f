// Package nats publishes adapter events to NATS and serves actions as request-reply.
package nats

import (
	"context"
	"fmt"
	"sync"

	nats "github.com/nats-io/nats.go"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/pkg/fn"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
)

type Bridge struct {
	config    Config
	conn      *nats.Conn
	logger    log.Logger
	closeFunc fn.FuncList

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.Mutex
	closed bool
}

func New(config Config, logger log.Logger) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	opts := append([]nats.Option{}, config.Options...)
	opts = append(opts, config.TLS.options()...)
	opts = append(opts,
		nats.MaxReconnects(-1),
		nats.FlusherTimeout(config.FlusherTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("nats reconnected to %v", c.ConnectedUrl())
		}),
	)
	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot create nats client connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		config: config,
		conn:   conn,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	b.closeFunc.AddFunc(conn.Close)
	return b, nil
}

func (b *Bridge) GetConn() *nats.Conn {
	return b.conn
}

func (b *Bridge) OnPhysicalEvent(_ context.Context, event resource.PhysicalEvent) error {
	data, err := bridge.EncodeEvent(event)
	if err != nil {
		return err
	}
	if err = b.conn.Publish(b.config.EventsSubject(), data); err != nil {
		return fmt.Errorf("cannot publish event of %v: %w", event.URI, err)
	}
	return nil
}

func (b *Bridge) OnResourceAvailabilityChanged(_ context.Context, uri string, available bool) error {
	data, err := bridge.EncodeAvailability(uri, available)
	if err != nil {
		return err
	}
	if err = b.conn.Publish(b.config.AvailabilitySubject(), data); err != nil {
		return fmt.Errorf("cannot publish availability of %v: %w", uri, err)
	}
	return nil
}

// ServeActions answers requests on the actions subject with the result of the action.
func (b *Bridge) ServeActions(s bridge.ActionSubmitter) error {
	sub, err := b.conn.Subscribe(b.config.ActionsSubject(), func(msg *nats.Msg) {
		if msg.Reply == "" {
			b.logger.Warnf("ignoring action without reply subject on %v", msg.Subject)
			return
		}
		b.mutex.Lock()
		defer b.mutex.Unlock()
		if b.closed {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			reply := bridge.ServeAction(b.ctx, s, msg.Data, b.config.ActionTimeout)
			if err := msg.Respond(bridge.EncodeReply(reply)); err != nil {
				b.logger.Errorf("cannot reply to action %v: %v", reply.Token, err)
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("cannot subscribe to %v: %w", b.config.ActionsSubject(), err)
	}
	if err = sub.SetPendingLimits(b.config.PendingLimits.MsgLimit, b.config.PendingLimits.BytesLimit); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("cannot set pending limits: %w", err)
	}
	b.closeFunc.AddFunc(func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debugf("cannot unsubscribe from %v: %v", sub.Subject, err)
		}
	})
	return nil
}

// Close stops serving actions and closes the connection.
func (b *Bridge) Close() {
	b.mutex.Lock()
	b.closed = true
	b.mutex.Unlock()
	b.cancel()
	b.wg.Wait()
	if err := b.conn.Flush(); err != nil {
		b.logger.Debugf("cannot flush nats connection: %v", err)
	}
	b.closeFunc.Execute()
}
