package session

import (
	"fmt"
	"time"

	pkgTime "github.com/plgd-dev/coap-twin-adapter/pkg/time"
)

// RetryPolicy configures the backoff applied after failed operations.
type RetryPolicy struct {
	BaseBackoff time.Duration `yaml:"baseBackoff" json:"baseBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff" json:"maxBackoff"`
	// BackoffExponentCap limits the exponent of the base multiplier.
	BackoffExponentCap int `yaml:"backoffExponentCap" json:"backoffExponentCap"`
	// Jitter is the fraction of the backoff randomly added or removed, in [0, 1].
	Jitter                 float64 `yaml:"jitter" json:"jitter"`
	MaxConsecutiveFailures int     `yaml:"maxConsecutiveFailures" json:"maxConsecutiveFailures"`
}

func (p *RetryPolicy) Validate() error {
	if p.BaseBackoff <= 0 {
		return fmt.Errorf("baseBackoff('%v')", p.BaseBackoff)
	}
	if p.MaxBackoff < p.BaseBackoff {
		return fmt.Errorf("maxBackoff('%v')", p.MaxBackoff)
	}
	if p.BackoffExponentCap < 0 {
		return fmt.Errorf("backoffExponentCap('%v')", p.BackoffExponentCap)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter('%v')", p.Jitter)
	}
	if p.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("maxConsecutiveFailures('%v')", p.MaxConsecutiveFailures)
	}
	return nil
}

// Backoff returns the wait after the given number of consecutive failures, without jitter.
func (p RetryPolicy) Backoff(failures int) time.Duration {
	return pkgTime.ExponentialBackoff(p.BaseBackoff, p.MaxBackoff, p.BackoffExponentCap, failures)
}

// BackoffWithJitter is Backoff spread by Jitter and clamped to MaxBackoff.
func (p RetryPolicy) BackoffWithJitter(failures int) time.Duration {
	d := pkgTime.Jitter(p.Backoff(failures), p.Jitter)
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type Config struct {
	Retry          RetryPolicy   `yaml:"retry" json:"retry"`
	RequestTimeout time.Duration `yaml:"requestTimeout" json:"requestTimeout"`
	// QueueDepth bounds the number of writes waiting for a busy resource.
	QueueDepth int `yaml:"queueDepth" json:"queueDepth"`
	// ScanInterval of the periodic scan starting idle resources.
	ScanInterval time.Duration `yaml:"scanInterval" json:"scanInterval"`
	// RemoveUnreachableAfter deregisters resources failed for the duration, zero keeps them.
	RemoveUnreachableAfter time.Duration `yaml:"removeUnreachableAfter" json:"removeUnreachableAfter"`
}

func (c *Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry.%w", err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("requestTimeout('%v')", c.RequestTimeout)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queueDepth('%v')", c.QueueDepth)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scanInterval('%v')", c.ScanInterval)
	}
	if c.RemoveUnreachableAfter < 0 {
		return fmt.Errorf("removeUnreachableAfter('%v')", c.RemoveUnreachableAfter)
	}
	return nil
}

func MakeDefaultConfig() Config {
	return Config{
		Retry: RetryPolicy{
			BaseBackoff:            time.Second,
			MaxBackoff:             time.Minute * 5,
			BackoffExponentCap:     10,
			Jitter:                 0.1,
			MaxConsecutiveFailures: 8,
		},
		RequestTimeout: time.Second * 10,
		QueueDepth:     16,
		ScanInterval:   time.Second,
	}
}

func (c Config) machine() Machine {
	return Machine{
		MaxConsecutiveFailures: c.Retry.MaxConsecutiveFailures,
		RemoveUnreachableAfter: c.RemoveUnreachableAfter,
		Backoff:                c.Retry.BackoffWithJitter,
	}
}
