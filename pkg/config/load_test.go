package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c *testConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name('')")
	}
	return nil
}

func TestRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: adapter\ntimeout: 2s\n"), 0o600))

	var cfg testConfig
	require.NoError(t, Read(path, &cfg))
	require.Equal(t, "adapter", cfg.Name)
	require.Equal(t, 2*time.Second, cfg.Timeout)
	require.NoError(t, cfg.Validate())
	require.Contains(t, ToString(&cfg), "name: adapter")
}

func TestParseUnknownField(t *testing.T) {
	var cfg testConfig
	require.Error(t, Parse([]byte("name: a\nunknown: b\n"), &cfg))
}

func TestReadMissingFile(t *testing.T) {
	var cfg testConfig
	require.Error(t, Read(filepath.Join(t.TempDir(), "missing.yaml"), &cfg))
}
