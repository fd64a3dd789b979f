package config

import (
	"os"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge/mqtt"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/bridge/nats"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/session"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	pkgCoap "github.com/plgd-dev/coap-twin-adapter/pkg/net/coap"
	"github.com/plgd-dev/coap-twin-adapter/pkg/sync/task/queue"
)

const (
	TEST_TIMEOUT = time.Second * 30
	// ACTIVE_TIMEOUT bounds how long a test waits for a subscription to become active.
	ACTIVE_TIMEOUT = time.Second * 5
)

var (
	// Brokers are optional; tests needing them are skipped when the variables are empty.
	NATS_URL        = os.Getenv("TEST_NATS_URL")
	MQTT_BROKER_URL = os.Getenv("TEST_MQTT_BROKER_URL")
)

func MakeLogConfig() log.Config {
	cfg := log.MakeDefaultConfig()
	cfg.Debug = true
	cfg.Encoding = "console"
	return cfg
}

func MakeCoapClientConfig() pkgCoap.Config {
	cfg := pkgCoap.MakeDefaultConfig()
	cfg.DialTimeout = time.Second
	return cfg
}

func MakeSessionConfig() session.Config {
	cfg := session.MakeDefaultConfig()
	cfg.Retry.BaseBackoff = 100 * time.Millisecond
	cfg.Retry.MaxBackoff = time.Second
	cfg.Retry.Jitter = 0
	cfg.Retry.MaxConsecutiveFailures = 3
	cfg.RequestTimeout = time.Second
	cfg.ScanInterval = 20 * time.Millisecond
	return cfg
}

func MakeTaskQueueConfig() queue.Config {
	return queue.Config{
		GoPoolSize:  16,
		Size:        1024,
		MaxIdleTime: time.Minute,
	}
}

func MakeNATSConfig() nats.Config {
	cfg := nats.MakeDefaultConfig()
	cfg.Enabled = true
	cfg.URL = NATS_URL
	cfg.SubjectPrefix = "test.adapter"
	cfg.ActionTimeout = time.Second * 5
	return cfg
}

func MakeMQTTConfig() mqtt.Config {
	cfg := mqtt.MakeDefaultConfig()
	cfg.Enabled = true
	cfg.BrokerURL = MQTT_BROKER_URL
	cfg.TopicPrefix = "test/adapter"
	return cfg
}
