// Package mqtt publishes adapter events to an MQTT broker and executes actions received on a topic.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
)

var ErrTimeout = errors.New("mqtt operation timed out")

type Bridge struct {
	config Config
	client paho.Client
	logger log.Logger

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
	opts := paho.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	clientID := config.ClientID
	if clientID == "" {
		clientID = "coap-twin-adapter-" + uuid.NewString()
	}
	opts.SetClientID(clientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.OnConnect = func(paho.Client) {
		logger.Infof("mqtt connected to %v", config.BrokerURL)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warnf("mqtt connection lost: %v", err)
	}
	if strings.HasPrefix(config.BrokerURL, "ssl://") || strings.HasPrefix(config.BrokerURL, "wss://") {
		tlsCfg, err := config.TLS.toTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("invalid tls config: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}
	client := paho.NewClient(opts)
	if err := wait(client.Connect(), config.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("cannot connect to %v: %w", config.BrokerURL, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		config: config,
		client: client,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func wait(t paho.Token, timeout time.Duration) error {
	if !t.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return t.Error()
}

func (b *Bridge) publish(topic string, data []byte) error {
	if err := wait(b.client.Publish(topic, b.config.QoS, false, data), b.config.PublishTimeout); err != nil {
		return fmt.Errorf("cannot publish to %v: %w", topic, err)
	}
	return nil
}

func (b *Bridge) OnPhysicalEvent(_ context.Context, event resource.PhysicalEvent) error {
	data, err := bridge.EncodeEvent(event)
	if err != nil {
		return err
	}
	return b.publish(b.config.EventsTopic(), data)
}

func (b *Bridge) OnResourceAvailabilityChanged(_ context.Context, uri string, available bool) error {
	data, err := bridge.EncodeAvailability(uri, available)
	if err != nil {
		return err
	}
	return b.publish(b.config.AvailabilityTopic(), data)
}

// ServeActions executes actions received on the actions topic and publishes their replies.
func (b *Bridge) ServeActions(s bridge.ActionSubmitter) error {
	handler := func(_ paho.Client, msg paho.Message) {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		if b.closed {
			return
		}
		data := msg.Payload()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			reply := bridge.ServeAction(b.ctx, s, data, b.config.ActionTimeout)
			if err := b.publish(b.config.ActionResultsTopic(), bridge.EncodeReply(reply)); err != nil {
				b.logger.Errorf("cannot reply to action %v: %v", reply.Token, err)
			}
		}()
	}
	if err := wait(b.client.Subscribe(b.config.ActionsTopic(), b.config.QoS, handler), b.config.ConnectTimeout); err != nil {
		return fmt.Errorf("cannot subscribe to %v: %w", b.config.ActionsTopic(), err)
	}
	return nil
}

// Close stops serving actions and disconnects from the broker.
func (b *Bridge) Close() {
	b.mutex.Lock()
	b.closed = true
	b.mutex.Unlock()
	if err := wait(b.client.Unsubscribe(b.config.ActionsTopic()), b.config.PublishTimeout); err != nil {
		b.logger.Debugf("cannot unsubscribe from %v: %v", b.config.ActionsTopic(), err)
	}
	b.cancel()
	b.wg.Wait()
	b.client.Disconnect(250)
}
