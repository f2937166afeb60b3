// Package device implements the per-device protocol engine: the
// serialized MODBUS request scheduler, register-bank decoding, optimistic
// write acceptance and the state/status publication policy.
package device

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lesyd/lesyd/internal/config"
	"github.com/lesyd/lesyd/internal/modbus"
)

// Publisher is the outbound half of an MQTT transport. Implementations
// must be safe to call from the bridge loop goroutine.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool)
	IsConnected() bool
}

// Availability values published on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const (
	// requestTimeout bounds how long a MODBUS request stays in flight
	// before it is abandoned. The device answers well under this when it
	// answers at all.
	requestTimeout = 300 * time.Millisecond

	// offlineAfter is the silence after which a device is presumed off.
	offlineAfter = 20 * time.Second

	// statusRepublishAfter paces retained status publications until the
	// broker echoes one back.
	statusRepublishAfter = 10 * time.Second

	// queueRelief is the queue depth above which an in-flight request is
	// abandoned so queued writes can drain.
	queueRelief = 10
)

// Sydpower liveness bytes seen on the response/state topic.
const (
	stateByteOffline = 0x30 // sent by the device before it turns off
	stateByteOnline  = 0x31 // sent by the device after connecting
)

// commandFields lists the writable fields exposed as /set command topics.
var commandFields = []string{
	FieldACOutput,
	FieldUSBOutput,
	FieldDCOutput,
	FieldKeySound,
	FieldACSilentCharging,
	FieldACChargingBooking,
	FieldDCMaxChargingCurrent,
	FieldLED,
	FieldDischargeLowerLimit,
	FieldACChargingUpperLimit,
}

// Engine drives one configured device. It is confined to the bridge loop
// goroutine: every method must be called from there.
type Engine struct {
	log *zap.Logger
	cfg config.Device

	// Sydpower broker topics (MAC is uppercased on the wire).
	topicRequest       string
	topicResponse      string
	topicResponse04    string
	topicResponseState string

	// Client broker topics.
	topicState  string
	topicStatus string

	readAllInput   []byte
	readAllHolding []byte

	status          string
	statusConfirmed bool
	statusTime      time.Time
	lastDeviceTime  time.Time

	requestQueue       [][]byte
	currentRequest     []byte
	currentRequestTime time.Time

	inputResponseTime   time.Time
	holdingResponseTime time.Time

	state         State
	stateLast     State
	stateLastTime time.Time
}

// New builds the engine for one resolved device configuration.
func New(bridgeName string, cfg config.Device, log *zap.Logger) *Engine {
	mac := strings.ToUpper(cfg.MAC)
	root := bridgeName + "/" + cfg.Name

	return &Engine{
		log: log,
		cfg: cfg,

		topicRequest:       mac + "/client/request/data",
		topicResponse:      mac + "/device/response/client/data",
		topicResponse04:    mac + "/device/response/client/04",
		topicResponseState: mac + "/device/response/state",

		topicState:  root + "/state",
		topicStatus: root + "/status",

		readAllInput:   modbus.ReadInputRegisters(0, countInputRegisters),
		readAllHolding: modbus.ReadHoldingRegisters(0, countHoldingRegisters),

		status: StatusOffline,
		state:  newState(cfg.Exclude, len(cfg.ACChargingLevels) > 0, cfg.GuessACInputPower),
	}
}

func (e *Engine) MAC() string  { return e.cfg.MAC }
func (e *Engine) Name() string { return e.cfg.Name }

func (e *Engine) Manufacturer() string { return e.cfg.Manufacturer }
func (e *Engine) ModelID() string      { return e.cfg.ModelID }

func (e *Engine) TopicState() string         { return e.topicState }
func (e *Engine) TopicStatus() string        { return e.topicStatus }
func (e *Engine) TopicResponse() string      { return e.topicResponse }
func (e *Engine) TopicResponse04() string    { return e.topicResponse04 }
func (e *Engine) TopicResponseState() string { return e.topicResponseState }

// CommandTopics lists the /set topics the bridge subscribes to on the
// client broker.
func (e *Engine) CommandTopics() []string {
	topics := make([]string, len(commandFields))
	for i, field := range commandFields {
		topics[i] = e.topicState + "/set/" + field
	}
	return topics
}

// HasField reports whether the field is present in the published state.
func (e *Engine) HasField(field string) bool {
	_, ok := e.state[field]
	return ok
}

// ForceStatus overrides the derived status, used on client reconnect so
// the retained status is republished.
func (e *Engine) ForceStatus(status string) {
	e.setStatus(status)
}

func (e *Engine) setStatus(status string) {
	if status == e.status {
		return
	}
	e.status = status
	e.statusConfirmed = false
	e.statusTime = time.Time{}
}

// OnTick runs the periodic work for one device: liveness derivation,
// status and state publication, request timeout handling and the next
// request selection.
func (e *Engine) OnTick(now time.Time, client, sydpower Publisher) {
	if now.After(e.lastDeviceTime.Add(offlineAfter)) {
		e.setStatus(StatusOffline)
	}

	if client.IsConnected() {
		e.publishStatus(now, client)
		e.publishState(now, client)
	}

	if sydpower.IsConnected() {
		e.scheduleRequest(now, sydpower)
	}
}

func (e *Engine) publishStatus(now time.Time, client Publisher) {
	if e.statusConfirmed || !now.After(e.statusTime.Add(statusRepublishAfter)) {
		return
	}
	client.Publish(e.topicStatus, []byte(e.status), true)
	e.statusTime = now
}

func (e *Engine) publishState(now time.Time, client Publisher) {
	var doPublish bool
	switch {
	case e.stateLast == nil:
		// First publication waits until every present field is known.
		doPublish = e.state.Populated()
	case !e.state.Equal(e.stateLast):
		doPublish = true
	case now.After(e.stateLastTime.Add(e.cfg.StateRefresh)):
		doPublish = true
	}
	if !doPublish {
		return
	}

	payload, err := json.Marshal(e.state)
	if err != nil {
		e.log.Error("marshal state", zap.Error(err))
		return
	}
	e.log.Debug("publish state", zap.ByteString("state", payload))
	client.Publish(e.topicState, payload, false)
	e.stateLast = e.state.Clone()
	e.stateLastTime = now
}

func (e *Engine) scheduleRequest(now time.Time, sydpower Publisher) {
	if e.currentRequest != nil {
		switch {
		case now.After(e.currentRequestTime.Add(requestTimeout)):
			// Do not stay stuck on a lost message.
			e.currentRequest = nil
		case len(e.requestQueue) > queueRelief:
			// Prefer draining fresh writes over a stale read.
			e.currentRequest = nil
		}
	}
	if e.currentRequest != nil {
		return
	}

	// Bank polls outrank queued writes; of the two banks the most
	// overdue wins and input wins ties. The response time is stamped
	// optimistically and reset if the decode fails.
	inputOverdue := now.Sub(e.inputResponseTime.Add(e.cfg.InputRefresh))
	holdingOverdue := now.Sub(e.holdingResponseTime.Add(e.cfg.HoldingRefresh))

	var payload []byte
	switch {
	case inputOverdue >= max(0, holdingOverdue):
		payload = e.readAllInput
		e.inputResponseTime = now
	case holdingOverdue >= max(0, inputOverdue):
		payload = e.readAllHolding
		e.holdingResponseTime = now
	case len(e.requestQueue) > 0:
		payload = e.requestQueue[0]
		e.requestQueue = e.requestQueue[1:]
	}

	if payload != nil {
		sydpower.Publish(e.topicRequest, payload, false)
		e.currentRequest = payload
		e.currentRequestTime = now
	}
}

// HandleStateSignal processes the one-byte liveness messages on the
// sydpower state topic.
func (e *Engine) HandleStateSignal(now time.Time, payload []byte) {
	e.lastDeviceTime = now

	if len(payload) == 1 {
		switch payload[0] {
		case stateByteOffline:
			e.setStatus(StatusOffline)
			return
		case stateByteOnline:
			// Birth byte: the next register response flips us online.
			return
		}
	}
	e.setStatus(StatusOnline)
}

// HandleStatusEcho confirms a retained status publication when the broker
// delivers it back on our own subscription.
func (e *Engine) HandleStatusEcho(payload []byte) {
	if string(payload) == e.status {
		e.statusConfirmed = true
	}
}

// HandleResponse processes a MODBUS response frame from the device.
func (e *Engine) HandleResponse(now time.Time, payload []byte) {
	e.setStatus(StatusOnline)
	e.lastDeviceTime = now

	resp, err := modbus.ParseResponse(payload)
	if err != nil {
		e.log.Error("discarding response frame", zap.Error(err))
		return
	}
	if resp.Exception {
		// Exception responses carry nothing actionable for us.
		return
	}

	switch resp.Function {
	case modbus.FuncReadHoldingRegisters:
		if resp.Start != 0 || resp.Count != countHoldingRegisters {
			e.log.Error("discarding partial holding bank",
				zap.Uint16("start", resp.Start), zap.Uint16("count", resp.Count))
			e.holdingResponseTime = time.Time{}
			return
		}
		e.holdingResponseTime = now
		e.decodeHolding(resp.Values)

	case modbus.FuncReadInputRegisters:
		if resp.Start != 0 || resp.Count != countInputRegisters {
			e.log.Error("discarding partial input bank",
				zap.Uint16("start", resp.Start), zap.Uint16("count", resp.Count))
			e.inputResponseTime = time.Time{}
			return
		}
		e.inputResponseTime = now
		e.decodeInput(resp.Values)

	case modbus.FuncWriteHoldingRegister:
		e.acceptWriteEcho(resp.Index, resp.Value)
	}
}

// decodeHolding updates the state from a full holding bank. Most holding
// registers are redundant with an input register but decoding both keeps
// the state fresh.
func (e *Engine) decodeHolding(data []uint16) {
	e.updateState(FieldACSilentCharging, data[hregACSilentCharging] != 0)
	e.updateState(FieldACOutput, data[hregACOutput] != 0)
	e.updateState(FieldDCOutput, data[hregDCOutput] != 0)
	e.updateState(FieldUSBOutput, data[hregUSBOutput] != 0)
	e.updateState(FieldDCMaxChargingCurrent, int(data[hregDCMaxChargingCurrent]))
	e.updateState(FieldACChargingBooking, int(data[hregACChargingBooking]))
	// TODO: confirm against device documentation whether key_sound lives
	// at register 56 (as its write register suggests) or really derives
	// from the booking register as the vendor traffic indicates.
	e.updateState(FieldKeySound, data[hregACChargingBooking] != 0)
	e.updateState(FieldACChargingRate, int(data[hregACChargingRate]))
	e.updateState(FieldDischargeLowerLimit, float64(data[hregDischargeLowerLimit])/10.0)
	e.updateState(FieldACChargingUpperLimit, float64(data[hregACChargingUpperLimit])/10.0)
}

// decodeInput updates the state from a full input bank.
func (e *Engine) decodeInput(data []uint16) {
	e.updateState(FieldStateOfCharge, float64(data[iregStateOfCharge])/10.0)

	statusBits := data[iregStatusBits]
	e.updateState(FieldACOutput, statusBits&(1<<11) != 0)
	e.updateState(FieldDCOutput, statusBits&(1<<10) != 0)
	e.updateState(FieldUSBOutput, statusBits&(1<<9) != 0)

	e.updateState(FieldTotalInputPower, int(data[iregTotalInputPower]))
	e.updateState(FieldChargingPower, int(data[iregACChargingPower])+int(data[iregDCChargingPower]))
	e.updateState(FieldACChargingPower, int(data[iregACChargingPower]))
	e.updateState(FieldDCChargingPower, int(data[iregDCChargingPower]))

	// No register carries the AC input power but it can be inferred from
	// the total and the DC share. Accuracy is unverified.
	if e.cfg.GuessACInputPower {
		e.updateState(FieldACInputPower,
			max(0, int(data[iregTotalInputPower])-int(data[iregDCChargingPower])))
	}

	e.updateState(FieldACOutputPower, int(data[iregACOutputPower]))
	e.updateState(FieldACChargingBooking, int(data[iregACChargingBooking]))
	e.updateState(FieldACChargingRate, int(data[iregACChargingRate]))

	usb := int(data[iregUSBOutputPower1]) + int(data[iregUSBOutputPower2]) +
		int(data[iregUSBOutputPower3]) + int(data[iregUSBOutputPower4]) +
		int(data[iregUSBOutputPower5]) + int(data[iregUSBOutputPower6])
	e.updateState(FieldUSBOutputPower, float64(usb)/10.0)

	e.updateState(FieldDCOutputPower,
		float64(int(data[iregLEDPower])+int(data[iregDCOutputPower1]))/10.0)

	e.updateState(FieldLED, LEDChoices[data[iregLEDState]&0x3])
}

// acceptWriteEcho applies a function 0x06 echo to local state when the
// echoed value is one we could have written ourselves. Other clients may
// write arbitrary values; anything outside the accepted range forces a
// holding re-read instead of being trusted.
func (e *Engine) acceptWriteEcho(index, value uint16) {
	ok := false
	switch index {
	case hregACSilentCharging:
		if value <= 1 {
			ok = true
			e.updateState(FieldACSilentCharging, value != 0)
		}
	case hregACOutput:
		if value <= 1 {
			ok = true
			e.updateState(FieldACOutput, value != 0)
		}
	case hregKeySound:
		if value <= 1 {
			ok = true
			e.updateState(FieldKeySound, value != 0)
		}
	case hregDCOutput:
		if value <= 1 {
			ok = true
			e.updateState(FieldDCOutput, value != 0)
		}
	case hregUSBOutput:
		if value <= 1 {
			ok = true
			e.updateState(FieldUSBOutput, value != 0)
		}
	case hregLED:
		if value <= 3 {
			ok = true
			e.updateState(FieldLED, LEDChoices[value])
		}
	case hregDischargeLowerLimit:
		if value >= MinDischargeLowerLimit && value <= MaxDischargeLowerLimit {
			ok = true
			e.updateState(FieldDischargeLowerLimit, float64(value)/10.0)
		}
	case hregACChargingUpperLimit:
		if value >= MinACChargingUpperLimit && value <= MaxACChargingUpperLimit {
			ok = true
			e.updateState(FieldACChargingUpperLimit, float64(value)/10.0)
		}
	case hregACChargingBooking:
		if value <= MaxACChargingBooking {
			ok = true
			e.updateState(FieldACChargingBooking, int(value))
		}
	case hregDCMaxChargingCurrent:
		if value >= MinDCMaxChargingCurrent && value <= MaxDCMaxChargingCurrent {
			ok = true
			e.updateState(FieldDCMaxChargingCurrent, int(value))
		}
	}

	if !ok {
		// Provoke a holding re-read on the next tick.
		e.holdingResponseTime = time.Time{}
	}
}

// updateState sets a field if it is present, deriving ac_charging_level
// from ac_charging_rate when a level table is configured.
func (e *Engine) updateState(field string, value any) {
	if field == FieldACChargingRate && len(e.cfg.ACChargingLevels) > 0 {
		rate, _ := value.(int)
		idx := min(rate-1, len(e.cfg.ACChargingLevels)-1)
		if idx < 0 {
			idx = 0
		}
		e.updateState(FieldACChargingLevel, e.cfg.ACChargingLevels[idx])
	}
	if _, ok := e.state[field]; ok {
		e.state[field] = value
	}
}

// HandleCommand parses a /set command from the client broker and, when
// valid, enqueues the corresponding write frame. Invalid payloads are
// dropped without a reply.
func (e *Engine) HandleCommand(topic string, payload []byte) {
	prefix := e.topicState + "/set/"
	if !strings.HasPrefix(topic, prefix) {
		e.log.Error("unexpected command topic", zap.String("topic", topic))
		return
	}
	field := topic[len(prefix):]
	e.log.Debug("processing command", zap.String("field", field), zap.ByteString("payload", payload))

	var (
		index uint16
		value uint16
		err   error
	)
	switch field {
	case FieldACOutput:
		index = hregACOutput
		value, err = boolPayload(payload)
	case FieldDCOutput:
		index = hregDCOutput
		value, err = boolPayload(payload)
	case FieldUSBOutput:
		index = hregUSBOutput
		value, err = boolPayload(payload)
	case FieldACSilentCharging:
		index = hregACSilentCharging
		value, err = boolPayload(payload)
	case FieldKeySound:
		index = hregKeySound
		value, err = boolPayload(payload)
	case FieldLED:
		index = hregLED
		value, err = ledPayload(payload)
	case FieldACChargingBooking:
		index = hregACChargingBooking
		value, err = intPayload(payload, 0, MaxACChargingBooking)
	case FieldDCMaxChargingCurrent:
		index = hregDCMaxChargingCurrent
		value, err = intPayload(payload, MinDCMaxChargingCurrent, MaxDCMaxChargingCurrent)
	case FieldDischargeLowerLimit:
		index = hregDischargeLowerLimit
		value, err = scaledFloatPayload(payload, MinDischargeLowerLimit, MaxDischargeLowerLimit)
	case FieldACChargingUpperLimit:
		index = hregACChargingUpperLimit
		value, err = scaledFloatPayload(payload, MinACChargingUpperLimit, MaxACChargingUpperLimit)
	default:
		e.log.Error("unknown command", zap.String("field", field))
		return
	}

	if err != nil {
		e.log.Debug("dropping command", zap.String("field", field), zap.Error(err))
		return
	}
	e.requestQueue = append(e.requestQueue, modbus.WriteHoldingRegister(index, value))
}

// QueueDepth reports the number of pending write frames.
func (e *Engine) QueueDepth() int {
	return len(e.requestQueue)
}

func boolPayload(payload []byte) (uint16, error) {
	switch strings.ToLower(string(payload)) {
	case "on", "1", "t", "true":
		return 1, nil
	case "off", "0", "f", "false":
		return 0, nil
	}
	return 0, strconv.ErrSyntax
}

func ledPayload(payload []byte) (uint16, error) {
	arg := strings.ToLower(string(payload))
	for i, choice := range LEDChoices {
		if arg == strings.ToLower(choice) {
			return uint16(i), nil
		}
	}
	return 0, strconv.ErrSyntax
}

func intPayload(payload []byte, minval, maxval int) (uint16, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, err
	}
	if v < minval || v > maxval {
		return 0, strconv.ErrRange
	}
	return uint16(v), nil
}

// scaledFloatPayload parses a percentage and scales it to the tenths the
// register expects; bounds are given in raw register units.
func scaledFloatPayload(payload []byte, minval, maxval int) (uint16, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return 0, err
	}
	if v < float64(minval)/10.0 || v > float64(maxval)/10.0 {
		return 0, strconv.ErrRange
	}
	return uint16(v * 10.0), nil
}
