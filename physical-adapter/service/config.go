package service

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge/mqtt"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge/nats"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/discovery"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/dispatcher"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/session"
	"github.com/plgd-dev/coap-twin-adapter/pkg/config"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	pkgCoap "github.com/plgd-dev/coap-twin-adapter/pkg/net/coap"
	"github.com/plgd-dev/coap-twin-adapter/pkg/sync/task/queue"
)

var ErrNoResources = errors.New("no resources configured and discovery disabled")

type BridgeConfig struct {
	NATS nats.Config `yaml:"nats" json:"nats"`
	MQTT mqtt.Config `yaml:"mqtt" json:"mqtt"`
}

func (c *BridgeConfig) Validate() error {
	if err := c.NATS.Validate(); err != nil {
		return fmt.Errorf("nats.%w", err)
	}
	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt.%w", err)
	}
	return nil
}

type ClientsConfig struct {
	Coap   pkgCoap.Config `yaml:"coap" json:"coap"`
	Bridge BridgeConfig   `yaml:"bridge" json:"bridge"`
}

func (c *ClientsConfig) Validate() error {
	if err := c.Coap.Validate(); err != nil {
		return fmt.Errorf("coap.%w", err)
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge.%w", err)
	}
	return nil
}

// Resources are the statically configured descriptors.
type Resources []resource.Descriptor

// Validate reports every invalid or duplicated descriptor.
func (r Resources) Validate() error {
	var errs *multierror.Error
	seen := make(map[string]int, len(r))
	for i, d := range r {
		if err := d.Validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("[%v]: %w", i, err))
			continue
		}
		if j, ok := seen[d.URI]; ok {
			errs = multierror.Append(errs, fmt.Errorf("[%v].uri('%v'): duplicates [%v]", i, d.URI, j))
			continue
		}
		seen[d.URI] = i
	}
	return errs.ErrorOrNil()
}

func (r Resources) byURI() map[string]resource.Descriptor {
	m := make(map[string]resource.Descriptor, len(r))
	for _, d := range r {
		m[d.URI] = d
	}
	return m
}

type AdapterConfig struct {
	Session    session.Config    `yaml:"session" json:"session"`
	Dispatcher dispatcher.Config `yaml:"dispatcher" json:"dispatcher"`
	TaskQueue  queue.Config      `yaml:"taskQueue" json:"taskQueue"`
	Discovery  discovery.Config  `yaml:"discovery" json:"discovery"`
	Resources  Resources         `yaml:"resources" json:"resources"`
}

func (c *AdapterConfig) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session.%w", err)
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher.%w", err)
	}
	if err := c.TaskQueue.Validate(); err != nil {
		return fmt.Errorf("taskQueue.%w", err)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery.%w", err)
	}
	if err := c.Resources.Validate(); err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	if !c.Discovery.Enabled && len(c.Resources) == 0 {
		return ErrNoResources
	}
	return nil
}

type Config struct {
	Log     log.Config    `yaml:"log" json:"log"`
	Clients ClientsConfig `yaml:"clients" json:"clients"`
	Adapter AdapterConfig `yaml:"adapter" json:"adapter"`
}

func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log.%w", err)
	}
	if err := c.Clients.Validate(); err != nil {
		return fmt.Errorf("clients.%w", err)
	}
	if err := c.Adapter.Validate(); err != nil {
		return fmt.Errorf("adapter.%w", err)
	}
	return nil
}

// String return string representation of Config
func (c Config) String() string {
	return config.ToString(c)
}

func MakeDefaultConfig() Config {
	return Config{
		Log: log.MakeDefaultConfig(),
		Clients: ClientsConfig{
			Coap: pkgCoap.MakeDefaultConfig(),
			Bridge: BridgeConfig{
				NATS: nats.MakeDefaultConfig(),
				MQTT: mqtt.MakeDefaultConfig(),
			},
		},
		Adapter: AdapterConfig{
			Session:    session.MakeDefaultConfig(),
			Dispatcher: dispatcher.MakeDefaultConfig(),
			TaskQueue:  queue.MakeDefaultConfig(),
			Discovery:  discovery.MakeDefaultConfig(),
		},
	}
}
