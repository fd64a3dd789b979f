package coap

import (
	"fmt"
	"strings"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/pkg/config/property/urischeme"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
)

// Config of the CoAP client used to reach devices.
type Config struct {
	MaxMessageSize    uint32                  `yaml:"maxMessageSize" json:"maxMessageSize"`
	DialTimeout       time.Duration           `yaml:"dialTimeout" json:"dialTimeout"`
	BlockwiseTransfer BlockwiseTransferConfig `yaml:"blockwiseTransfer" json:"blockwiseTransfer"`
	KeepAlive         *KeepAlive              `yaml:"keepAlive,omitempty" json:"keepAlive,omitempty"`
	DTLS              DTLSConfig              `yaml:"dtls" json:"dtls"`
}

func (c *Config) Validate() error {
	if c.MaxMessageSize <= 64 {
		return fmt.Errorf("maxMessageSize('%v')", c.MaxMessageSize)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dialTimeout('%v')", c.DialTimeout)
	}
	if err := c.BlockwiseTransfer.Validate(); err != nil {
		return fmt.Errorf("blockwiseTransfer.%w", err)
	}
	if c.KeepAlive != nil {
		if err := c.KeepAlive.Validate(); err != nil {
			return fmt.Errorf("keepAlive.%w", err)
		}
	}
	if err := c.DTLS.Validate(); err != nil {
		return fmt.Errorf("dtls.%w", err)
	}
	return nil
}

func MakeDefaultConfig() Config {
	return Config{
		MaxMessageSize: 256 * 1024,
		DialTimeout:    10 * time.Second,
		BlockwiseTransfer: BlockwiseTransferConfig{
			Enabled: true,
			SZX:     "1024",
		},
	}
}

type KeepAlive struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

func (c *KeepAlive) Validate() error {
	if c.Timeout < time.Second {
		return fmt.Errorf("timeout('%v')", c.Timeout)
	}
	return nil
}

type BlockwiseTransferConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	SZX     string `yaml:"blockSize" json:"blockSize"`
	// Timeout of a whole block-wise transfer, zero means the default.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

func (c *BlockwiseTransferConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := BlockWiseTransferSZXFromString(c.SZX); err != nil {
		return fmt.Errorf("blockSize('%v')", c.SZX)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout('%v')", c.Timeout)
	}
	return nil
}

func BlockWiseTransferSZXFromString(s string) (blockwise.SZX, error) {
	switch strings.ToLower(s) {
	case "16":
		return blockwise.SZX16, nil
	case "32":
		return blockwise.SZX32, nil
	case "64":
		return blockwise.SZX64, nil
	case "128":
		return blockwise.SZX128, nil
	case "256":
		return blockwise.SZX256, nil
	case "512":
		return blockwise.SZX512, nil
	case "1024":
		return blockwise.SZX1024, nil
	case "bert":
		return blockwise.SZXBERT, nil
	}
	return blockwise.SZX(0), fmt.Errorf("invalid value %v", s)
}

type PSKConfig struct {
	Identity string              `yaml:"identity" json:"identity"`
	Key      urischeme.URIScheme `yaml:"key" json:"key"`
}

func (c *PSKConfig) IsSet() bool {
	return c.Identity != "" || c.Key != ""
}

func (c *PSKConfig) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("identity('%v')", c.Identity)
	}
	if err := c.Key.Validate(); err != nil {
		return fmt.Errorf("key('%v')", c.Key)
	}
	return nil
}

// DTLSConfig secures coaps:// resources either by a pre-shared key or by certificates.
type DTLSConfig struct {
	PSK                PSKConfig             `yaml:"psk" json:"psk"`
	CAPool             []urischeme.URIScheme `yaml:"caPool" json:"caPool"`
	CertFile           urischeme.URIScheme   `yaml:"certFile" json:"certFile"`
	KeyFile            urischeme.URIScheme   `yaml:"keyFile" json:"keyFile"`
	InsecureSkipVerify bool                  `yaml:"insecureSkipVerify" json:"insecureSkipVerify"`
	HandshakeTimeout   time.Duration         `yaml:"handshakeTimeout" json:"handshakeTimeout"`
}

func (c *DTLSConfig) Validate() error {
	if c.PSK.IsSet() {
		if err := c.PSK.Validate(); err != nil {
			return fmt.Errorf("psk.%w", err)
		}
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("certFile('%v') and keyFile('%v') must be set together", c.CertFile, c.KeyFile)
	}
	for i, ca := range c.CAPool {
		if err := ca.Validate(); err != nil {
			return fmt.Errorf("caPool[%v]('%v')", i, ca)
		}
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshakeTimeout('%v')", c.HandshakeTimeout)
	}
	return nil
}
