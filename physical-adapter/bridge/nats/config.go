package nats

import (
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
)

type PendingLimitsConfig struct {
	MsgLimit   int `yaml:"msgLimit" json:"msgLimit"`
	BytesLimit int `yaml:"bytesLimit" json:"bytesLimit"`
}

func (c *PendingLimitsConfig) Validate() error {
	if c.MsgLimit == 0 {
		return fmt.Errorf("msgLimit('%v')", c.MsgLimit)
	}
	if c.BytesLimit == 0 {
		return fmt.Errorf("bytesLimit('%v')", c.BytesLimit)
	}
	return nil
}

type TLSConfig struct {
	CAPool   []string `yaml:"caPool" json:"caPool" description:"file paths to root certificates in PEM format"`
	CertFile string   `yaml:"certFile" json:"certFile" description:"file path to certificate in PEM format"`
	KeyFile  string   `yaml:"keyFile" json:"keyFile" description:"file path to private key in PEM format"`
}

func (c *TLSConfig) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("certFile('%v') and keyFile('%v') must be set together", c.CertFile, c.KeyFile)
	}
	return nil
}

func (c *TLSConfig) options() []nats.Option {
	var opts []nats.Option
	if len(c.CAPool) > 0 {
		opts = append(opts, nats.RootCAs(c.CAPool...))
	}
	if c.CertFile != "" {
		opts = append(opts, nats.ClientCert(c.CertFile, c.KeyFile))
	}
	return opts
}

type Config struct {
	Enabled        bool                `yaml:"enabled" json:"enabled"`
	URL            string              `yaml:"url" json:"url"`
	FlusherTimeout time.Duration       `yaml:"flusherTimeout" json:"flusherTimeout"`
	PendingLimits  PendingLimitsConfig `yaml:"pendingLimits" json:"pendingLimits"`
	TLS            TLSConfig           `yaml:"tls" json:"tls"`
	// SubjectPrefix of the events, availability and actions subjects.
	SubjectPrefix string `yaml:"subjectPrefix" json:"subjectPrefix"`
	// ActionTimeout bounds the wait for the result of an action before the reply is sent.
	ActionTimeout time.Duration `yaml:"actionTimeout" json:"actionTimeout"`
	Options       []nats.Option `yaml:"-" json:"-"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("url('%v')", c.URL)
	}
	if c.FlusherTimeout <= 0 {
		return fmt.Errorf("flusherTimeout('%v')", c.FlusherTimeout)
	}
	if err := c.PendingLimits.Validate(); err != nil {
		return fmt.Errorf("pendingLimits.%w", err)
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls.%w", err)
	}
	if c.SubjectPrefix == "" {
		return fmt.Errorf("subjectPrefix('%v')", c.SubjectPrefix)
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("actionTimeout('%v')", c.ActionTimeout)
	}
	return nil
}

func MakeDefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		FlusherTimeout: time.Second * 30,
		PendingLimits: PendingLimitsConfig{
			MsgLimit:   524288,
			BytesLimit: 536870912,
		},
		SubjectPrefix: "twin.adapter",
		ActionTimeout: time.Second * 30,
	}
}

func (c *Config) EventsSubject() string {
	return c.SubjectPrefix + ".events"
}

func (c *Config) AvailabilitySubject() string {
	return c.SubjectPrefix + ".availability"
}

func (c *Config) ActionsSubject() string {
	return c.SubjectPrefix + ".actions"
}
