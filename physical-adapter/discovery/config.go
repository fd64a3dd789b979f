package discovery

import (
	"fmt"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/go-coap/v3/message"
)

const WellKnownCore = "/.well-known/core"

type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Endpoints are the coap:// or coaps:// devices queried for their resources.
	Endpoints []string `yaml:"endpoints" json:"endpoints"`
	// RefreshInterval of periodic discovery, zero discovers only at startup.
	RefreshInterval time.Duration `yaml:"refreshInterval" json:"refreshInterval"`
	// PreferredContentFormat is used when a link advertises it in ct or advertises no ct.
	PreferredContentFormat message.MediaType `yaml:"preferredContentFormat" json:"preferredContentFormat"`
	// PollInterval of discovered resources which are not observable, also used as their observe fallback.
	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval"`
	// Ignored paths are never registered.
	Ignored        []string      `yaml:"ignored" json:"ignored"`
	RequestTimeout time.Duration `yaml:"requestTimeout" json:"requestTimeout"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("endpoints('%v')", c.Endpoints)
	}
	for i, e := range c.Endpoints {
		if _, err := resource.ParseURI(e); err != nil {
			return fmt.Errorf("endpoints[%v]('%v'): %w", i, e, err)
		}
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("refreshInterval('%v')", c.RefreshInterval)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("pollInterval('%v')", c.PollInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("requestTimeout('%v')", c.RequestTimeout)
	}
	return nil
}

func MakeDefaultConfig() Config {
	return Config{
		RefreshInterval:        time.Minute,
		PreferredContentFormat: message.AppJSON,
		PollInterval:           time.Second * 5,
		RequestTimeout:         time.Second * 10,
	}
}
