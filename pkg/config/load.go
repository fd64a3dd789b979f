package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

type ConfigPath struct {
	ConfigPath string `long:"config" description:"yaml config file path"`
}

type Validator interface {
	Validate() error
}

// LoadAndValidateConfig loads the file named by --config and validates it.
// The returned path is watched by the service for reloads.
func LoadAndValidateConfig(v Validator) (string, error) {
	path, err := Load(v)
	if err != nil {
		return "", err
	}
	if err := v.Validate(); err != nil {
		return "", fmt.Errorf("invalid configuration: %w", err)
	}
	return path, nil
}

// Load loads config from arguments config.
func Load(config interface{}) (string, error) {
	var c ConfigPath
	_, err := flags.NewParser(&c, flags.Default|flags.IgnoreUnknown).Parse()
	if err != nil {
		return "", err
	}
	if c.ConfigPath == "" {
		return "", fmt.Errorf("missing --config")
	}
	return c.ConfigPath, Read(c.ConfigPath, config)
}

// Read reads config from file.
func Read(filename string, config interface{}) error {
	cfg, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return Parse(cfg, config)
}

// Parse decodes yaml, rejecting unknown fields.
func Parse(data []byte, config interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("cannot parse config: %w", err)
	}
	return nil
}

func ToString(config interface{}) string {
	out, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Sprintf("cannot marshal config: %v", err)
	}
	return string(out)
}
