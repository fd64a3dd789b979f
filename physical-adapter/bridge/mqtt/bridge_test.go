package mqtt_test

import (
	"context"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge/mqtt"
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
		cfg     func() mqtt.Config
		wantErr bool
	}{
		{name: "disabled", cfg: func() mqtt.Config { return mqtt.Config{BrokerURL: "::"} }},
		{name: "valid", cfg: func() mqtt.Config {
			c := mqtt.MakeDefaultConfig()
			c.Enabled = true
			return c
		}},
		{name: "scheme", cfg: func() mqtt.Config {
			c := mqtt.MakeDefaultConfig()
			c.Enabled = true
			c.BrokerURL = "http://localhost:1883"
			return c
		}, wantErr: true},
		{name: "qos", cfg: func() mqtt.Config {
			c := mqtt.MakeDefaultConfig()
			c.Enabled = true
			c.QoS = 3
			return c
		}, wantErr: true},
		{name: "action timeout", cfg: func() mqtt.Config {
			c := mqtt.MakeDefaultConfig()
			c.Enabled = true
			c.ActionTimeout = 0
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
	cfg := mqtt.MakeDefaultConfig()
	require.Equal(t, "twin/adapter/actions/result", cfg.ActionResultsTopic())
}

type submitter struct{}

func (submitter) SubmitAction(_ context.Context, req resource.ActionRequest) (*future.Future, error) {
	return future.NewReady(resource.Result{URI: req.URI, Token: req.Token, Code: codes.Changed}, nil), nil
}

func TestBridge(t *testing.T) {
	if config.MQTT_BROKER_URL == "" {
		t.Skip("TEST_MQTT_BROKER_URL is not set")
	}
	cfg := config.MakeMQTTConfig()
	b, err := mqtt.New(cfg, log.Get())
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.ServeActions(submitter{}))

	opts := paho.NewClientOptions().AddBroker(cfg.BrokerURL).SetClientID("adapter-test")
	client := paho.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	defer client.Disconnect(250)

	received := make(chan paho.Message, 4)
	for _, topic := range []string{cfg.EventsTopic(), cfg.ActionResultsTopic()} {
		token = client.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) { received <- m })
		require.True(t, token.WaitTimeout(5*time.Second))
		require.NoError(t, token.Error())
	}

	require.NoError(t, b.OnPhysicalEvent(context.Background(), resource.PhysicalEvent{URI: "coap://127.0.0.1:5683/a", Value: "1"}))
	select {
	case m := <-received:
		require.Equal(t, cfg.EventsTopic(), m.Topic())
	case <-time.After(5 * time.Second):
		require.FailNow(t, "event not received")
	}

	token = client.Publish(cfg.ActionsTopic(), 1, false, []byte(`{"uri":"coap://127.0.0.1:5683/a","payload":1,"token":"t1"}`))
	require.True(t, token.WaitTimeout(5*time.Second))
	select {
	case m := <-received:
		require.Equal(t, cfg.ActionResultsTopic(), m.Topic())
		var reply bridge.ActionReply
		require.NoError(t, jsoniter.Unmarshal(m.Payload(), &reply))
		require.Equal(t, "t1", reply.Token)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "action result not received")
	}
}
