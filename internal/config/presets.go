package config

import "sort"

// Preset bundles the model metadata and charging-level table of a known
// device family, applied under the per-device options.
type Preset struct {
	Manufacturer     string
	ModelID          string
	ACChargingLevels []int
	Extension1       bool
	Extension2       bool
}

// Presets lists the supported device families by preset name.
var Presets = map[string]Preset{
	"F2400-B": {
		Manufacturer:     "Fossibot",
		ModelID:          "F2400",
		ACChargingLevels: []int{300, 500, 700, 900, 1100},
	},
	"F3600Pro": {
		Manufacturer:     "Fossibot",
		ModelID:          "F3600-Pro",
		ACChargingLevels: []int{400, 800, 1200, 1600, 2200},
		Extension1:       true,
		Extension2:       true,
	},
}

// PresetNames returns the preset names in a stable order.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
