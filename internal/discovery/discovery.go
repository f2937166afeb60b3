// Package discovery builds the retained Home-Assistant discovery
// document for one device. The builder is a pure function of the bridge
// identity and the device metadata.
package discovery

import (
	"encoding/json"
	"strings"

	"github.com/lesyd/lesyd/internal/device"
)

// BridgeInfo identifies the publishing bridge inside the document.
type BridgeInfo struct {
	Name      string
	WillTopic string
	HAPrefix  string
	Version   string
}

type component map[string]any

// Document returns the discovery topic and payload for one device.
// Fields absent from the device state are published as platform-only
// stubs so Home Assistant clears their obsolete entities.
func Document(bridge BridgeInfo, dev *device.Engine) (string, []byte, error) {
	uniqueID := bridge.Name + "_" + dev.MAC()

	doc := map[string]any{
		"device": map[string]any{
			"identifiers":  []string{uniqueID},
			"name":         dev.Name(),
			"manufacturer": dev.Manufacturer(),
			"model_id":     dev.ModelID(),
			"hw_version":   "1.0rev2",
		},
		"origin": map[string]any{
			"name": "LeSyd",
			"sw":   bridge.Version,
			"url":  "https://github.com/",
		},
		"availability": []map[string]any{
			{"topic": bridge.WillTopic},
			{"topic": dev.TopicStatus()},
		},
		"availability_mode": "all",
		"state_topic":       dev.TopicState(),
	}

	components := map[string]component{
		// Obsolete entities keep a platform so HA cleans them up.
		"dc_input_power": {
			"platform": "sensor",
		},

		device.FieldStateOfCharge: {
			"platform":            "sensor",
			"name":                "State of Charge",
			"device_class":        "battery",
			"unit_of_measurement": "%",
		},
		device.FieldACOutputPower:   powerSensor("AC Output Power"),
		device.FieldDCOutputPower:   powerSensor("DC Output Power"),
		device.FieldDCChargingPower: powerSensor("DC Charging Power"),
		device.FieldUSBOutputPower:  powerSensor("USB Output Power"),
		device.FieldACInputPower:    powerSensor("AC Input Power"),
		device.FieldACChargingPower: powerSensor("AC Charging Power"),
		device.FieldChargingPower:   powerSensor("Charging Power"),
		device.FieldTotalInputPower: powerSensor("Total Input Power"),
		device.FieldACChargingRate: {
			"platform":        "sensor",
			"name":            "AC Charging Rate",
			"entity_category": "diagnostic",
		},
		device.FieldACChargingLevel: {
			"platform":            "sensor",
			"name":                "AC Charging Level",
			"device_class":        "power",
			"unit_of_measurement": "W",
			"entity_category":     "diagnostic",
		},

		device.FieldLED: {
			"platform": "select",
			"name":     "Led",
			"options":  device.LEDChoices,
		},

		device.FieldACChargingBooking: {
			"platform":            "number",
			"name":                "AC Charging Booking",
			"unit_of_measurement": "min",
			"min":                 0,
			"max":                 device.MaxACChargingBooking,
			"step":                1,
		},
		device.FieldDCMaxChargingCurrent: {
			"platform":            "number",
			"name":                "DC Max Charging Current",
			"unit_of_measurement": "A",
			"min":                 device.MinDCMaxChargingCurrent,
			"max":                 device.MaxDCMaxChargingCurrent,
			"step":                1,
			"entity_category":     "config",
		},
		device.FieldDischargeLowerLimit: {
			"platform":            "number",
			"name":                "Discharge Lower Limit",
			"unit_of_measurement": "%",
			"min":                 device.MinDischargeLowerLimit / 10.0,
			"max":                 device.MaxDischargeLowerLimit / 10.0,
			"step":                0.1,
			"entity_category":     "config",
		},
		device.FieldACChargingUpperLimit: {
			"platform":            "number",
			"name":                "AC Charging Upper Limit",
			"unit_of_measurement": "%",
			"min":                 device.MinACChargingUpperLimit / 10.0,
			"max":                 device.MaxACChargingUpperLimit / 10.0,
			"step":                0.1,
			"entity_category":     "config",
		},

		device.FieldACOutput:         outputSwitch("AC Output"),
		device.FieldUSBOutput:        outputSwitch("USB Output"),
		device.FieldDCOutput:         outputSwitch("DC Output"),
		device.FieldACSilentCharging: {
			"platform":    "switch",
			"name":        "AC Silent Charging",
			"icon":        "mdi:fan",
			"payload_on":  true,
			"payload_off": false,
		},
		device.FieldKeySound: {
			"platform":        "switch",
			"name":            "Key Sound",
			"payload_on":      true,
			"payload_off":     false,
			"entity_category": "config",
		},
	}

	published := make(map[string]component, len(components))
	for key, entry := range components {
		if !dev.HasField(key) {
			published[key] = component{"platform": entry["platform"]}
			continue
		}

		entry["unique_id"] = uniqueID + "_" + key
		entry["object_id"] = dev.Name() + "_" + key
		if _, ok := entry["value_template"]; !ok {
			entry["value_template"] = "{{ value_json." + key + " }}"
		}
		switch entry["platform"] {
		case "switch", "number", "select":
			if _, ok := entry["command_topic"]; !ok {
				entry["command_topic"] = dev.TopicState() + "/set/" + key
			}
		}
		published[key] = entry
	}
	doc["components"] = published

	topic := bridge.HAPrefix + "/device/lesyd/" + strings.ToLower(dev.MAC()) + "/config"
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", nil, err
	}
	return topic, payload, nil
}

func powerSensor(name string) component {
	return component{
		"platform":            "sensor",
		"name":                name,
		"device_class":        "power",
		"unit_of_measurement": "W",
	}
}

func outputSwitch(name string) component {
	return component{
		"platform":    "switch",
		"name":        name,
		"payload_on":  true,
		"payload_off": false,
	}
}
