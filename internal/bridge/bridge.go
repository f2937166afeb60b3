// Package bridge owns the two MQTT transports and the single-threaded
// event loop that drives every device engine. MQTT callbacks and OS
// signals are marshaled into one queue; only the loop goroutine mutates
// bridge or device state.
package bridge

import (
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/lesyd/lesyd/internal/config"
	"github.com/lesyd/lesyd/internal/device"
	"github.com/lesyd/lesyd/internal/discovery"
	"github.com/lesyd/lesyd/internal/logging"
)

// Version is reported in the HA discovery origin block.
const Version = "1.0"

const (
	tickInterval = 200 * time.Millisecond
	minWait      = 100 * time.Millisecond
	keepAlive    = 60 * time.Second
)

const (
	statusOnline  = device.StatusOnline
	statusOffline = device.StatusOffline
)

type eventKind int

const (
	evConnect eventKind = iota
	evConnectFail
	evDisconnect
	evMessage
	evSubscribeAck
	evSignal
)

type event struct {
	kind      eventKind
	transport *transport
	topic     string
	payload   []byte
	err       error
	signal    os.Signal
}

// handler processes one inbound message inside the loop goroutine.
type handler func(now time.Time, topic string, payload []byte)

// routeKey identifies a subscription. The transport pointer matters:
// when both roles share one transport the topics still cannot collide,
// but with two brokers the same topic may be routed differently.
type routeKey struct {
	transport *transport
	topic     string
}

// Bridge is the process core: transports, routing table, devices, loop.
type Bridge struct {
	cfg *config.Config
	log *zap.Logger

	client   *transport
	sydpower *transport // == client when no sydpower endpoint is configured

	devices []*device.Engine
	routes  map[routeKey]handler
	events  chan event

	willTopic string
	lastTick  time.Time

	// result is set to the wanted exit code to stop the loop.
	result *int
}

// New builds the bridge and its device engines from a resolved
// configuration. The logger is the root logger; engines get named
// children honoring their per-device level.
func New(cfg *config.Config, log *zap.Logger) (*Bridge, error) {
	blog := log.Named("lesyd")
	if level, err := logging.Level(cfg.LogLevel); err == nil {
		// The root core runs at the most verbose configured level; each
		// named logger narrows back to its own.
		blog = blog.WithOptions(zap.IncreaseLevel(level))
	}

	b := &Bridge{
		cfg:    cfg,
		log:    blog,
		routes: make(map[routeKey]handler),
		// A full queue blocks the sending paho callback goroutine; the
		// buffer must outlast any burst the loop cannot drain in time.
		// Devices answer one frame per 300 ms request slot, so 256
		// events is orders of magnitude above the steady-state rate.
		events:    make(chan event, 256),
		willTopic: cfg.Name + "/bridge/status",
	}

	for _, devCfg := range cfg.Devices {
		devLog := deviceLogger(log, devCfg)
		if devCfg.UnknownPreset != "" {
			devLog.Warn("unknown preset", zap.String("preset", devCfg.UnknownPreset))
		}
		eng := device.New(cfg.Name, devCfg, devLog)
		b.devices = append(b.devices, eng)
		devLog.Info("configured",
			zap.String("mac", devCfg.MAC),
			zap.String("model_id", devCfg.ModelID),
			zap.Duration("input_refresh", devCfg.InputRefresh),
			zap.Duration("holding_refresh", devCfg.HoldingRefresh),
			zap.Duration("state_refresh", devCfg.StateRefresh))
	}

	var err error
	if b.client, err = b.newTransport("client", &cfg.MQTTClient, true); err != nil {
		return nil, err
	}
	if cfg.MQTTSydpower == nil {
		b.log.Info("sydpower broker is the client broker")
		b.sydpower = b.client
	} else {
		if b.sydpower, err = b.newTransport("sydpower", cfg.MQTTSydpower, false); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// deviceLogger names a child logger for the device and applies its
// configured level on top of the root core.
func deviceLogger(root *zap.Logger, cfg config.Device) *zap.Logger {
	log := root.Named("lesyd.dev." + cfg.Name)
	if level, err := logging.Level(cfg.LogLevel); err == nil {
		log = log.WithOptions(zap.IncreaseLevel(level))
	}
	return log
}

// Run connects both transports and drives the event loop until shutdown.
// The returned value is the process exit code.
func (b *Bridge) Run() int {
	b.client.connect(b.events)
	if b.sydpower != b.client {
		b.sydpower.connect(b.events)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		for sig := range sigCh {
			b.events <- event{kind: evSignal, signal: sig}
		}
	}()
	defer signal.Stop(sigCh)

	b.lastTick = time.Now()
	timer := time.NewTimer(tickInterval)
	defer timer.Stop()

	for b.result == nil {
		select {
		case ev := <-b.events:
			b.handleEvent(ev)
		case <-timer.C:
		}
		if b.result != nil {
			break
		}

		// Run the tick when due and compute how long the next wait may
		// block so the following tick fires on time.
		now := time.Now()
		next := b.lastTick.Add(tickInterval)
		if !now.Before(next) {
			b.lastTick = now
			b.onTick(now)
			next = now.Add(tickInterval)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(max(minWait, next.Sub(now)))
	}

	b.shutdown()
	return *b.result
}

func (b *Bridge) onTick(now time.Time) {
	for _, dev := range b.devices {
		dev.OnTick(now, b.client, b.sydpower)
	}
}

func (b *Bridge) handleEvent(ev event) {
	switch ev.kind {
	case evMessage:
		b.onMessage(ev)
	case evConnect:
		b.onConnect(ev.transport)
	case evConnectFail:
		b.log.Error("connection failed", zap.String("transport", ev.transport.name), zap.Error(ev.err))
	case evDisconnect:
		b.log.Warn("disconnected", zap.String("transport", ev.transport.name), zap.Error(ev.err))
	case evSubscribeAck:
		if ev.err != nil {
			b.log.Warn("subscribe failed", zap.String("topic", ev.topic), zap.Error(ev.err))
		}
	case evSignal:
		b.log.Info("caught signal", zap.String("signal", ev.signal.String()))
		b.stop(1)
	}
}

func (b *Bridge) stop(code int) {
	b.result = &code
}

func (b *Bridge) onMessage(ev event) {
	h, ok := b.routes[routeKey{transport: ev.transport, topic: ev.topic}]
	if !ok {
		b.log.Warn("unknown topic", zap.String("transport", ev.transport.name), zap.String("topic", ev.topic))
		return
	}
	h(time.Now(), ev.topic, ev.payload)
}

// subscribe registers the route and issues the broker subscription. The
// ack is observed off-loop and reported back as an event.
func (b *Bridge) subscribe(t *transport, topic string, h handler) {
	b.log.Info("subscribe", zap.String("transport", t.name), zap.String("topic", topic))
	b.routes[routeKey{transport: t, topic: topic}] = h

	token := t.client.Subscribe(topic, 0, nil)
	go func() {
		if token.Wait(); token.Error() != nil {
			b.events <- event{kind: evSubscribeAck, transport: t, topic: topic, err: token.Error()}
		}
	}()
}

// onConnect wires subscriptions for whichever role(s) the transport
// serves; with a shared transport both branches run.
func (b *Bridge) onConnect(t *transport) {
	if t == b.sydpower {
		for _, dev := range b.devices {
			dev := dev
			respond := func(now time.Time, _ string, payload []byte) {
				dev.HandleResponse(now, payload)
			}
			b.subscribe(b.sydpower, dev.TopicResponse04(), respond)
			b.subscribe(b.sydpower, dev.TopicResponse(), respond)
			b.subscribe(b.sydpower, dev.TopicResponseState(), func(now time.Time, _ string, payload []byte) {
				dev.HandleStateSignal(now, payload)
			})
		}
	}

	if t == b.client {
		b.client.Publish(b.willTopic, []byte(statusOnline), true)

		for _, dev := range b.devices {
			dev := dev
			for _, topic := range dev.CommandTopics() {
				b.subscribe(b.client, topic, func(_ time.Time, topic string, payload []byte) {
					dev.HandleCommand(topic, payload)
				})
			}

			if b.cfg.HADiscovery {
				b.publishDiscovery(dev)
			}

			b.subscribe(b.client, dev.TopicStatus(), func(_ time.Time, _ string, payload []byte) {
				dev.HandleStatusEcho(payload)
			})

			// Force a republication of the availability once confirmed
			// topics are in place again.
			dev.ForceStatus(statusOffline)
		}
	}
}

func (b *Bridge) publishDiscovery(dev *device.Engine) {
	info := discovery.BridgeInfo{
		Name:      b.cfg.Name,
		WillTopic: b.willTopic,
		HAPrefix:  b.cfg.HAPrefix,
		Version:   Version,
	}
	topic, payload, err := discovery.Document(info, dev)
	if err != nil {
		b.log.Error("build discovery document", zap.String("device", dev.Name()), zap.Error(err))
		return
	}
	b.log.Info("publish HA discovery", zap.String("topic", topic))
	b.client.Publish(topic, payload, true)
}

// shutdown publishes the retained offline availability, waits for it to
// leave, and tears the transports down.
func (b *Bridge) shutdown() {
	if b.client.IsConnected() {
		if err := b.client.publishWait(b.willTopic, []byte(statusOffline), true); err != nil {
			b.log.Warn("publish offline status", zap.Error(err))
		}
	}
	b.client.client.Disconnect(250)
	if b.sydpower != b.client {
		b.sydpower.client.Disconnect(250)
	}
}
