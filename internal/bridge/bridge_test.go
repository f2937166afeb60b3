package bridge

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lesyd/lesyd/internal/config"
)

func TestBrokerURL(t *testing.T) {
	for _, tc := range []struct {
		cfg  config.MQTT
		want string
	}{
		{config.MQTT{Transport: "tcp", Hostname: "host", Port: 1883}, "tcp://host:1883"},
		{config.MQTT{Transport: "tcp", Hostname: "host", Port: 8883, TLS: &config.TLS{}}, "ssl://host:8883"},
		{config.MQTT{Transport: "websocket", Hostname: "host", Port: 8083}, "ws://host:8083"},
		{config.MQTT{Transport: "websocket", Hostname: "host", Port: 8084, TLS: &config.TLS{}}, "wss://host:8084"},
		{config.MQTT{Transport: "unix", Hostname: "/run/mqtt.sock"}, "unix:///run/mqtt.sock"},
	} {
		assert.Equal(t, tc.want, brokerURL(&tc.cfg))
	}
}

func TestTLSConfigVersions(t *testing.T) {
	log := zap.NewNop()

	for _, tc := range []struct {
		version  string
		min, max uint16
	}{
		{"", tls.VersionTLS12, 0},
		{"default", tls.VersionTLS12, 0},
		{"tlsv1.2", tls.VersionTLS12, 0},
		{"tlsv1.1", tls.VersionTLS11, tls.VersionTLS11},
		{"tlsv1", tls.VersionTLS10, tls.VersionTLS10},
	} {
		cfg, err := tlsConfig(&config.TLS{Version: tc.version}, log)
		require.NoError(t, err, tc.version)
		assert.Equal(t, tc.min, cfg.MinVersion, tc.version)
		assert.Equal(t, tc.max, cfg.MaxVersion, tc.version)
	}

	_, err := tlsConfig(&config.TLS{Version: "sslv3"}, log)
	assert.Error(t, err)
}

func TestTLSConfigInsecure(t *testing.T) {
	cfg, err := tlsConfig(&config.TLS{Insecure: true}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
}

func TestNewBridgeSharesTransportWithoutSydpower(t *testing.T) {
	cfg := &config.Config{
		Name:     "lesyd",
		LogLevel: "INFO",
		HAPrefix: "homeassistant",
		MQTTClient: config.MQTT{
			Transport: "tcp", Hostname: "localhost", Port: 1883,
		},
		Devices: []config.Device{{
			MAC: "abcdefabcdef", Name: "dev1",
		}},
	}

	b, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, b.client, b.sydpower)
	assert.Equal(t, "lesyd/bridge/status", b.willTopic)
	require.Len(t, b.devices, 1)
}

func TestNewBridgeSeparateSydpower(t *testing.T) {
	cfg := &config.Config{
		Name:     "lesyd",
		LogLevel: "INFO",
		MQTTClient: config.MQTT{
			Transport: "tcp", Hostname: "localhost", Port: 1883,
		},
		MQTTSydpower: &config.MQTT{
			Transport: "tcp", Hostname: "inner", Port: 1883,
		},
		Devices: []config.Device{{MAC: "abcdefabcdef", Name: "dev1"}},
	}

	b, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NotSame(t, b.client, b.sydpower)
	assert.Equal(t, "sydpower", b.sydpower.name)
}
