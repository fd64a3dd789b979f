package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"
)

type TLSConfig struct {
	CAPool             []string `yaml:"caPool" json:"caPool" description:"file paths to root certificates in PEM format"`
	CertFile           string   `yaml:"certFile" json:"certFile"`
	KeyFile            string   `yaml:"keyFile" json:"keyFile"`
	InsecureSkipVerify bool     `yaml:"insecureSkipVerify" json:"insecureSkipVerify"`
}

func (c *TLSConfig) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("certFile('%v') and keyFile('%v') must be set together", c.CertFile, c.KeyFile)
	}
	return nil
}

func (c *TLSConfig) toTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec
	}
	if len(c.CAPool) > 0 {
		pool := x509.NewCertPool()
		for _, path := range c.CAPool {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("cannot read caPool('%v'): %w", path, err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("caPool('%v'): no certificate found", path)
			}
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot load certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// BrokerURL uses the tcp, ssl, ws or wss scheme.
	BrokerURL      string        `yaml:"brokerURL" json:"brokerURL"`
	ClientID       string        `yaml:"clientID" json:"clientID" description:"a random client id is generated when empty"`
	Username       string        `yaml:"username" json:"username"`
	Password       string        `yaml:"password" json:"password"`
	TopicPrefix    string        `yaml:"topicPrefix" json:"topicPrefix"`
	QoS            byte          `yaml:"qos" json:"qos"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" json:"connectTimeout"`
	// PublishTimeout bounds the wait for the broker to acknowledge a message.
	PublishTimeout time.Duration `yaml:"publishTimeout" json:"publishTimeout"`
	ActionTimeout  time.Duration `yaml:"actionTimeout" json:"actionTimeout"`
	TLS            TLSConfig     `yaml:"tls" json:"tls"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("brokerURL('%v'): %w", c.BrokerURL, err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("brokerURL('%v'): unsupported scheme", c.BrokerURL)
	}
	if c.TopicPrefix == "" {
		return fmt.Errorf("topicPrefix('%v')", c.TopicPrefix)
	}
	if c.QoS > 2 {
		return fmt.Errorf("qos('%v')", c.QoS)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connectTimeout('%v')", c.ConnectTimeout)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publishTimeout('%v')", c.PublishTimeout)
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("actionTimeout('%v')", c.ActionTimeout)
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls.%w", err)
	}
	return nil
}

func MakeDefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		TopicPrefix:    "twin/adapter",
		QoS:            1,
		ConnectTimeout: time.Second * 10,
		PublishTimeout: time.Second * 10,
		ActionTimeout:  time.Second * 30,
	}
}

func (c *Config) EventsTopic() string {
	return c.TopicPrefix + "/events"
}

func (c *Config) AvailabilityTopic() string {
	return c.TopicPrefix + "/availability"
}

func (c *Config) ActionsTopic() string {
	return c.TopicPrefix + "/actions"
}

func (c *Config) ActionResultsTopic() string {
	return c.TopicPrefix + "/actions/result"
}
