package dispatcher

import (
	"fmt"
	"time"
)

type Config struct {
	// RequestTimeout bounds a write unless the action carries its own timeout.
	RequestTimeout time.Duration `yaml:"requestTimeout" json:"requestTimeout"`
}

func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("requestTimeout('%v')", c.RequestTimeout)
	}
	return nil
}

func MakeDefaultConfig() Config {
	return Config{
		RequestTimeout: time.Second * 10,
	}
}
