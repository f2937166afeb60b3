package discovery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lesyd/lesyd/internal/config"
	"github.com/lesyd/lesyd/internal/device"
)

var bridgeInfo = BridgeInfo{
	Name:      "lesyd",
	WillTopic: "lesyd/bridge/status",
	HAPrefix:  "homeassistant",
	Version:   "1.0",
}

func buildDocument(t *testing.T, mutate ...func(*config.Device)) (string, map[string]any) {
	t.Helper()
	cfg := config.Device{
		MAC:            "abcdefabcdef",
		Name:           "garage",
		Manufacturer:   "Fossibot",
		ModelID:        "F2400",
		StateRefresh:   30 * time.Second,
		InputRefresh:   6 * time.Second,
		HoldingRefresh: 30 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	dev := device.New("lesyd", cfg, zap.NewNop())

	topic, payload, err := Document(bridgeInfo, dev)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(payload, &doc))
	return topic, doc
}

func components(t *testing.T, doc map[string]any) map[string]any {
	t.Helper()
	comps, ok := doc["components"].(map[string]any)
	require.True(t, ok)
	return comps
}

func TestDocumentTopicAndIdentity(t *testing.T) {
	topic, doc := buildDocument(t)
	assert.Equal(t, "homeassistant/device/lesyd/abcdefabcdef/config", topic)

	devBlock := doc["device"].(map[string]any)
	assert.Equal(t, []any{"lesyd_abcdefabcdef"}, devBlock["identifiers"])
	assert.Equal(t, "garage", devBlock["name"])
	assert.Equal(t, "Fossibot", devBlock["manufacturer"])
	assert.Equal(t, "F2400", devBlock["model_id"])

	avail := doc["availability"].([]any)
	require.Len(t, avail, 2)
	assert.Equal(t, "lesyd/bridge/status", avail[0].(map[string]any)["topic"])
	assert.Equal(t, "lesyd/garage/status", avail[1].(map[string]any)["topic"])
	assert.Equal(t, "all", doc["availability_mode"])
	assert.Equal(t, "lesyd/garage/state", doc["state_topic"])
}

func TestSensorComponent(t *testing.T) {
	_, doc := buildDocument(t)
	comps := components(t, doc)

	soc := comps["state_of_charge"].(map[string]any)
	assert.Equal(t, "sensor", soc["platform"])
	assert.Equal(t, "battery", soc["device_class"])
	assert.Equal(t, "lesyd_abcdefabcdef_state_of_charge", soc["unique_id"])
	assert.Equal(t, "garage_state_of_charge", soc["object_id"])
	assert.Equal(t, "{{ value_json.state_of_charge }}", soc["value_template"])
	_, hasCommand := soc["command_topic"]
	assert.False(t, hasCommand)
}

func TestWritableComponentsGetCommandTopics(t *testing.T) {
	_, doc := buildDocument(t)
	comps := components(t, doc)

	for _, key := range []string{
		"ac_output", "usb_output", "dc_output", "ac_silent_charging", "key_sound",
		"led", "ac_charging_booking", "dc_max_charging_current",
		"discharge_lower_limit", "ac_charging_upper_limit",
	} {
		entry := comps[key].(map[string]any)
		assert.Equal(t, "lesyd/garage/state/set/"+key, entry["command_topic"], key)
	}

	led := comps["led"].(map[string]any)
	assert.Equal(t, "select", led["platform"])
	assert.Equal(t, []any{"Off", "On", "SOS", "Flash"}, led["options"])

	lower := comps["discharge_lower_limit"].(map[string]any)
	assert.Equal(t, float64(0), lower["min"])
	assert.Equal(t, float64(50), lower["max"])
}

func TestAbsentFieldsBecomeStubs(t *testing.T) {
	_, doc := buildDocument(t, func(d *config.Device) {
		d.Exclude = []string{device.FieldDCOutput}
	})
	comps := components(t, doc)

	// No ac_charging_levels configured and no guessing: both derived
	// fields are stubbed, as is the excluded one and the retired entity.
	for _, key := range []string{"ac_charging_level", "ac_input_power", "dc_output", "dc_input_power"} {
		entry := comps[key].(map[string]any)
		assert.Equal(t, map[string]any{"platform": entry["platform"]}, entry, key)
		assert.NotEmpty(t, entry["platform"], key)
	}

	full := comps["ac_output"].(map[string]any)
	assert.Contains(t, full, "unique_id")
}

func TestPresentDerivedFields(t *testing.T) {
	_, doc := buildDocument(t, func(d *config.Device) {
		d.ACChargingLevels = []int{300, 500, 700, 900, 1100}
		d.GuessACInputPower = true
	})
	comps := components(t, doc)

	level := comps["ac_charging_level"].(map[string]any)
	assert.Equal(t, "diagnostic", level["entity_category"])
	assert.Contains(t, level, "unique_id")

	input := comps["ac_input_power"].(map[string]any)
	assert.Equal(t, "power", input["device_class"])
	assert.Contains(t, input, "unique_id")
}
