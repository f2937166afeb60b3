package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lesyd/lesyd/internal/config"
)

// transport wraps one paho client. The two bridge roles may share a
// single transport when no separate sydpower endpoint is configured, so
// routing always keys on the transport identity.
type transport struct {
	name   string
	client mqtt.Client
	log    *zap.Logger
}

// Publish sends without waiting for the broker ack; delivery of QoS 0
// traffic is best effort by design of the protocol.
func (t *transport) Publish(topic string, payload []byte, retain bool) {
	t.client.Publish(topic, 0, retain, payload)
}

// publishWait publishes and blocks until the client has handed the
// message to the network, used for the shutdown availability message.
func (t *transport) publishWait(topic string, payload []byte, retain bool) error {
	token := t.client.Publish(topic, 0, retain, payload)
	token.Wait()
	return token.Error()
}

func (t *transport) IsConnected() bool {
	return t.client.IsConnected()
}

// brokerURL maps a configured endpoint to a paho broker URL.
func brokerURL(cfg *config.MQTT) string {
	scheme := "tcp"
	switch cfg.Transport {
	case "unix":
		return "unix://" + cfg.Hostname
	case "websocket":
		scheme = "ws"
		if cfg.TLS != nil {
			scheme = "wss"
		}
	default:
		if cfg.TLS != nil {
			scheme = "ssl"
		}
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Hostname, cfg.Port)
}

// tlsConfig translates the configuration tls block.
func tlsConfig(t *config.TLS, log *zap.Logger) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: t.Insecure,
	}

	switch t.Version {
	case "", "default", "tlsv1.2":
		cfg.MinVersion = tls.VersionTLS12
	case "tlsv1.1":
		cfg.MinVersion = tls.VersionTLS11
		cfg.MaxVersion = tls.VersionTLS11
	case "tlsv1":
		cfg.MinVersion = tls.VersionTLS10
		cfg.MaxVersion = tls.VersionTLS10
	default:
		return nil, fmt.Errorf("unknown tls version %q", t.Version)
	}

	if t.CACerts != "" {
		pem, err := os.ReadFile(t.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read ca_certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CACerts)
		}
		cfg.RootCAs = pool
	}

	if t.Certfile != "" || t.Keyfile != "" {
		cert, err := tls.LoadX509KeyPair(t.Certfile, t.Keyfile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if t.Ciphers != "" {
		log.Warn("tls ciphers option is not supported, ignoring")
	}
	return cfg, nil
}

// newTransport builds a connected-on-demand paho client whose callbacks
// only marshal events into the bridge queue.
func (b *Bridge) newTransport(name string, cfg *config.MQTT, withWill bool) (*transport, error) {
	t := &transport{
		name: name,
		log:  b.log.Named(name),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID(fmt.Sprintf("%s-%s-%.8s", b.cfg.Name, name, uuid.NewString()))
	opts.SetKeepAlive(keepAlive)
	opts.SetAutoReconnect(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS != nil {
		tc, err := tlsConfig(cfg.TLS, t.log)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		opts.SetTLSConfig(tc)
	}
	if withWill {
		opts.SetWill(b.willTopic, statusOffline, 0, true)
	}

	// Callbacks run on paho worker goroutines; they must never touch
	// bridge or device state directly.
	opts.SetOnConnectHandler(func(mqtt.Client) {
		b.events <- event{kind: evConnect, transport: t}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.events <- event{kind: evDisconnect, transport: t, err: err}
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		b.events <- event{kind: evMessage, transport: t, topic: msg.Topic(), payload: msg.Payload()}
	})

	t.client = mqtt.NewClient(opts)
	return t, nil
}

// connect starts the connection attempt without blocking the loop.
func (t *transport) connect(events chan<- event) {
	token := t.client.Connect()
	go func() {
		if token.Wait(); token.Error() != nil {
			events <- event{kind: evConnectFail, transport: t, err: token.Error()}
		}
	}()
}
