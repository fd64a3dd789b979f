package nats_test

import (
	"context"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	natsio "github.com/nats-io/nats.go"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge/nats"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	"github.com/plgd-dev/coap-twin-adapter/pkg/sync/task/future"
	"github.com/plgd-dev/coap-twin-adapter/test/config"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func() nats.Config
		wantErr bool
	}{
		{name: "disabled", cfg: func() nats.Config { return nats.Config{} }},
		{name: "valid", cfg: func() nats.Config {
			c := nats.MakeDefaultConfig()
			c.Enabled = true
			return c
		}},
		{name: "missing url", cfg: func() nats.Config {
			c := nats.MakeDefaultConfig()
			c.Enabled = true
			c.URL = ""
			return c
		}, wantErr: true},
		{name: "missing prefix", cfg: func() nats.Config {
			c := nats.MakeDefaultConfig()
			c.Enabled = true
			c.SubjectPrefix = ""
			return c
		}, wantErr: true},
		{name: "cert without key", cfg: func() nats.Config {
			c := nats.MakeDefaultConfig()
			c.Enabled = true
			c.TLS.CertFile = "cert.pem"
			return c
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg()
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
	cfg := nats.MakeDefaultConfig()
	require.Equal(t, "twin.adapter.events", cfg.EventsSubject())
	require.Equal(t, "twin.adapter.availability", cfg.AvailabilitySubject())
	require.Equal(t, "twin.adapter.actions", cfg.ActionsSubject())
}

type submitter struct{}

func (submitter) SubmitAction(_ context.Context, req resource.ActionRequest) (*future.Future, error) {
	return future.NewReady(resource.Result{URI: req.URI, Token: req.Token, Code: codes.Changed}, nil), nil
}

func TestBridge(t *testing.T) {
	if config.NATS_URL == "" {
		t.Skip("TEST_NATS_URL is not set")
	}
	cfg := config.MakeNATSConfig()
	b, err := nats.New(cfg, log.Get())
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.ServeActions(submitter{}))

	conn, err := natsio.Connect(cfg.URL)
	require.NoError(t, err)
	defer conn.Close()
	events, err := conn.SubscribeSync(cfg.EventsSubject())
	require.NoError(t, err)
	availability, err := conn.SubscribeSync(cfg.AvailabilitySubject())
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	ctx := context.Background()
	require.NoError(t, b.OnPhysicalEvent(ctx, resource.PhysicalEvent{URI: "coap://127.0.0.1:5683/a", Value: "1"}))
	msg, err := events.NextMsg(time.Second * 5)
	require.NoError(t, err)
	var ev resource.PhysicalEvent
	require.NoError(t, jsoniter.Unmarshal(msg.Data, &ev))
	require.Equal(t, "coap://127.0.0.1:5683/a", ev.URI)

	require.NoError(t, b.OnResourceAvailabilityChanged(ctx, "coap://127.0.0.1:5683/a", false))
	msg, err = availability.NextMsg(time.Second * 5)
	require.NoError(t, err)
	var av bridge.Availability
	require.NoError(t, jsoniter.Unmarshal(msg.Data, &av))
	require.False(t, av.Available)

	msg, err = conn.Request(cfg.ActionsSubject(), []byte(`{"uri":"coap://127.0.0.1:5683/a","payload":1,"token":"t1"}`), time.Second*5)
	require.NoError(t, err)
	var reply bridge.ActionReply
	require.NoError(t, jsoniter.Unmarshal(msg.Data, &reply))
	require.Empty(t, reply.Error)
	require.Equal(t, "t1", reply.Token)
	require.Equal(t, codes.Changed, reply.Result.Code)
}
