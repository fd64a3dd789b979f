package service_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/discovery"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/service"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/transport"
	"github.com/plgd-dev/coap-twin-adapter/pkg/fsnotify"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	"github.com/plgd-dev/coap-twin-adapter/test"
	testCfg "github.com/plgd-dev/coap-twin-adapter/test/config"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/require"
)

const (
	device      = "coap://127.0.0.1:5683"
	temperature = device + "/temperature"
	humidity    = device + "/humidity"
	waitTime    = 3 * time.Second
)

func pollDescriptor(uri string) resource.Descriptor {
	return resource.Descriptor{URI: uri, Mode: resource.ModePoll, PollInterval: 50 * time.Millisecond, ContentFormat: message.TextPlain}
}

func makeConfig(resources ...resource.Descriptor) service.Config {
	cfg := service.MakeDefaultConfig()
	cfg.Log = testCfg.MakeLogConfig()
	cfg.Clients.Coap = testCfg.MakeCoapClientConfig()
	cfg.Adapter.Session = testCfg.MakeSessionConfig()
	cfg.Adapter.TaskQueue = testCfg.MakeTaskQueueConfig()
	cfg.Adapter.Resources = resources
	return cfg
}

func newDevice() *test.Transport {
	client := test.NewTransport()
	client.OnGet = func(_ context.Context, uri string) (transport.Response, error) {
		switch uri {
		case device + discovery.WellKnownCore:
			return transport.Response{
				Code:             codes.Content,
				ContentFormat:    message.AppLinkFormat,
				HasContentFormat: true,
				Payload:          []byte(`</temperature>;ct=0,</humidity>;ct=0`),
			}, nil
		case temperature, humidity:
			return transport.Response{Code: codes.Content, ContentFormat: message.TextPlain, HasContentFormat: true, Payload: []byte("21")}, nil
		}
		return transport.Response{Code: codes.NotFound}, nil
	}
	return client
}

func registered(a *service.Adapter) []string {
	var uris []string
	for d := range a.Registry().List() {
		uris = append(uris, d.URI)
	}
	return uris
}

func hasEvent(b *test.Bridge, uri string) bool {
	return slices.ContainsFunc(b.Events(), func(e resource.PhysicalEvent) bool {
		return e.URI == uri && e.Value == "21"
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func() service.Config
		wantErr bool
		errIs   error
	}{
		{
			name: "valid",
			cfg:  func() service.Config { return makeConfig(pollDescriptor(temperature)) },
		},
		{
			name:    "no resources",
			cfg:     func() service.Config { return makeConfig() },
			wantErr: true,
			errIs:   service.ErrNoResources,
		},
		{
			name: "discovery only",
			cfg: func() service.Config {
				cfg := makeConfig()
				cfg.Adapter.Discovery.Enabled = true
				cfg.Adapter.Discovery.Endpoints = []string{device}
				return cfg
			},
		},
		{
			name:    "invalid descriptor",
			cfg:     func() service.Config { return makeConfig(resource.Descriptor{URI: temperature, Mode: resource.ModePoll}) },
			wantErr: true,
			errIs:   resource.ErrInvalidDescriptor,
		},
		{
			name: "duplicate descriptor",
			cfg: func() service.Config {
				return makeConfig(pollDescriptor(temperature), pollDescriptor(temperature))
			},
			wantErr: true,
		},
		{
			name: "invalid session",
			cfg: func() service.Config {
				cfg := makeConfig(pollDescriptor(temperature))
				cfg.Adapter.Session.QueueDepth = -1
				return cfg
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg()
			err := cfg.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.errIs != nil {
				require.ErrorIs(t, err, tt.errIs)
			}
		})
	}
}

func TestAdapter(t *testing.T) {
	b := test.NewBridge()
	a, err := service.New(makeConfig(pollDescriptor(temperature)), nil, "", log.Get(), service.WithTransport(newDevice()), service.WithBridge(b))
	require.NoError(t, err)
	go func() {
		_ = a.Serve()
	}()
	defer func() {
		require.NoError(t, a.Close())
	}()

	require.Equal(t, []string{temperature}, registered(a))
	require.Eventually(t, func() bool { return hasEvent(b, temperature) }, waitTime, 10*time.Millisecond)

	f, err := a.Dispatcher().SubmitAction(context.Background(), resource.ActionRequest{URI: temperature, Payload: "22"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitTime)
	defer cancel()
	v, err := f.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, codes.Changed, v.(resource.Result).Code)
}

func TestAdapterApplyResources(t *testing.T) {
	a, err := service.New(makeConfig(pollDescriptor(temperature)), nil, "", log.Get(), service.WithTransport(newDevice()))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, a.Close())
	}()

	require.NoError(t, a.ApplyResources(service.Resources{pollDescriptor(humidity)}))
	require.Equal(t, []string{humidity}, registered(a))

	changed := pollDescriptor(humidity)
	changed.PollInterval = time.Second
	require.NoError(t, a.ApplyResources(service.Resources{changed, pollDescriptor(temperature)}))
	require.Equal(t, []string{humidity, temperature}, registered(a))
	got, ok := a.Registry().Get(humidity)
	require.True(t, ok)
	require.Equal(t, changed, got)

	require.Error(t, a.ApplyResources(service.Resources{{URI: "http://x"}}))
	require.Equal(t, []string{humidity, temperature}, registered(a))
}

func TestAdapterReloadsResources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adapter:\n  resources:\n    - uri: "+temperature+"\n      mode: writeOnly\n"), 0o600))
	watcher, err := fsnotify.NewWatcher(log.Get())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, watcher.Close())
	}()

	a, err := service.New(makeConfig(pollDescriptor(temperature)), watcher, path, log.Get(), service.WithTransport(newDevice()))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, a.Close())
	}()

	data := "adapter:\n  resources:\n    - uri: " + humidity + "\n      mode: poll\n      pollInterval: 1s\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	require.Eventually(t, func() bool {
		uris := registered(a)
		return len(uris) == 1 && uris[0] == humidity
	}, waitTime, 10*time.Millisecond)
}

func TestAdapterDiscovery(t *testing.T) {
	cfg := makeConfig()
	cfg.Adapter.Discovery.Enabled = true
	cfg.Adapter.Discovery.Endpoints = []string{device}
	cfg.Adapter.Discovery.PreferredContentFormat = message.TextPlain
	cfg.Adapter.Discovery.PollInterval = 50 * time.Millisecond
	b := test.NewBridge()
	a, err := service.New(cfg, nil, "", log.Get(), service.WithTransport(newDevice()), service.WithBridge(b))
	require.NoError(t, err)
	go func() {
		_ = a.Serve()
	}()
	defer func() {
		require.NoError(t, a.Close())
	}()

	require.Eventually(t, func() bool { return len(registered(a)) == 2 }, waitTime, 10*time.Millisecond)
	require.Equal(t, []string{humidity, temperature}, registered(a))
	require.Eventually(t, func() bool { return hasEvent(b, temperature) && hasEvent(b, humidity) }, waitTime, 10*time.Millisecond)
}
