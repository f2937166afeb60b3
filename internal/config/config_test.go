package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplesParse(t *testing.T) {
	require.NoError(t, ValidateSamples())
}

func TestParseFullDocument(t *testing.T) {
	cfg, err := Parse([]byte(`global:
    lesyd_name: 'basement'
    loglevel: WARNING
    logfile: '/var/log/lesyd.log'
    ha_discovery: true
    ha_prefix: 'ha'
mqtt_client:
    hostname: 'broker.local'
    port: 1234
    username: 'user'
    password: 'secret'
mqtt_sydpower:
    hostname: 'inner.local'
devices:
    'abcdefabcdef':
        name: 'garage'
        preset: 'F2400-B'
        exclude: [ dc_output, led ]
        loglevel: DEBUG
        state_refresh: 10
        input_refresh: 3
        holding_refresh: 60
        guess_ac_input_power: true
    'abcdef123456':
        name: 'shed'
        preset: 'F3600Pro'
        manufacturer: 'Acme'
`))
	require.NoError(t, err)

	assert.Equal(t, "basement", cfg.Name)
	assert.Equal(t, "WARNING", cfg.LogLevel)
	assert.Equal(t, "/var/log/lesyd.log", cfg.LogFile)
	assert.True(t, cfg.HADiscovery)
	assert.Equal(t, "ha", cfg.HAPrefix)

	assert.Equal(t, "broker.local", cfg.MQTTClient.Hostname)
	assert.Equal(t, 1234, cfg.MQTTClient.Port)
	assert.Equal(t, "user", cfg.MQTTClient.Username)
	require.NotNil(t, cfg.MQTTSydpower)
	assert.Equal(t, "inner.local", cfg.MQTTSydpower.Hostname)
	assert.Equal(t, 1883, cfg.MQTTSydpower.Port)

	require.Len(t, cfg.Devices, 2)
	garage := cfg.Devices[0]
	assert.Equal(t, "abcdefabcdef", garage.MAC)
	assert.Equal(t, "garage", garage.Name)
	assert.Equal(t, "Fossibot", garage.Manufacturer)
	assert.Equal(t, "F2400", garage.ModelID)
	assert.Equal(t, []int{300, 500, 700, 900, 1100}, garage.ACChargingLevels)
	assert.Equal(t, []string{"dc_output", "led"}, garage.Exclude)
	assert.Equal(t, "DEBUG", garage.LogLevel)
	assert.Equal(t, 10*time.Second, garage.StateRefresh)
	assert.Equal(t, 3*time.Second, garage.InputRefresh)
	assert.Equal(t, 60*time.Second, garage.HoldingRefresh)
	assert.True(t, garage.GuessACInputPower)

	// Explicit options override the preset.
	shed := cfg.Devices[1]
	assert.Equal(t, "Acme", shed.Manufacturer)
	assert.Equal(t, "F3600-Pro", shed.ModelID)
	assert.True(t, shed.Extension1)
	assert.True(t, shed.Extension2)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`mqtt_client: {}
devices:
    'aaabbbcccddd': {}
`))
	require.NoError(t, err)

	assert.Equal(t, "lesyd", cfg.Name)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.HADiscovery)
	assert.Equal(t, "homeassistant", cfg.HAPrefix)
	assert.Equal(t, "localhost", cfg.MQTTClient.Hostname)
	assert.Equal(t, 1883, cfg.MQTTClient.Port)
	assert.Nil(t, cfg.MQTTSydpower)

	dev := cfg.Devices[0]
	assert.Equal(t, "aaabbbcccddd", dev.Name) // name defaults to the MAC
	assert.Equal(t, "Unknown", dev.Manufacturer)
	assert.Equal(t, "INFO", dev.LogLevel)
	assert.Equal(t, 30*time.Second, dev.StateRefresh)
	assert.Equal(t, 6*time.Second, dev.InputRefresh)
	assert.Equal(t, 30*time.Second, dev.HoldingRefresh)
	assert.Nil(t, dev.ACChargingLevels)
	assert.False(t, dev.GuessACInputPower)
}

func TestDeviceOrderFollowsDocument(t *testing.T) {
	cfg, err := Parse([]byte(`mqtt_client: {}
devices:
    'cccccccccccc': { name: third_first }
    'aaaaaaaaaaaa': { name: then_this }
    'bbbbbbbbbbbb': { name: and_last }
`))
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 3)
	assert.Equal(t, "cccccccccccc", cfg.Devices[0].MAC)
	assert.Equal(t, "aaaaaaaaaaaa", cfg.Devices[1].MAC)
	assert.Equal(t, "bbbbbbbbbbbb", cfg.Devices[2].MAC)
}

func TestUnknownPresetIsCarriedNotFatal(t *testing.T) {
	cfg, err := Parse([]byte(`mqtt_client: {}
devices:
    'aaabbbcccddd':
        preset: 'F9999'
`))
	require.NoError(t, err)
	dev := cfg.Devices[0]
	assert.Equal(t, "F9999", dev.UnknownPreset)
	assert.Equal(t, "Unknown", dev.Manufacturer)
}

func TestDefaultPorts(t *testing.T) {
	for _, tc := range []struct {
		transport string
		tls       bool
		want      int
	}{
		{"tcp", false, 1883},
		{"tcp", true, 8883},
		{"websocket", false, 8083},
		{"websocket", true, 8084},
		{"unix", false, 0},
	} {
		assert.Equal(t, tc.want, defaultPort(tc.transport, tc.tls), "%s tls=%v", tc.transport, tc.tls)
	}
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"missing mqtt_client": `devices:
    'aaabbbcccddd': {}
`,
		"missing devices": `mqtt_client: {}
`,
		"empty devices": `mqtt_client: {}
devices: {}
`,
		"uppercase mac": `mqtt_client: {}
devices:
    'AAABBBCCCDDD': {}
`,
		"short mac": `mqtt_client: {}
devices:
    'aaabbbcccdd': {}
`,
		"bad device name": `mqtt_client: {}
devices:
    'aaabbbcccddd': { name: 'has space' }
`,
		"reserved device name": `mqtt_client: {}
devices:
    'aaabbbcccddd': { name: bridge }
`,
		"duplicate device name": `mqtt_client: {}
devices:
    'aaabbbcccddd': { name: same }
    'aaabbbcccdde': { name: same }
`,
		"bad loglevel": `global: { loglevel: TRACE }
mqtt_client: {}
devices:
    'aaabbbcccddd': {}
`,
		"bad lesyd_name": `global: { lesyd_name: 'a/b' }
mqtt_client: {}
devices:
    'aaabbbcccddd': {}
`,
		"bad transport": `mqtt_client: { transport: quic }
devices:
    'aaabbbcccddd': {}
`,
		"bad port": `mqtt_client: { port: 70000 }
devices:
    'aaabbbcccddd': {}
`,
		"bad tls version": `mqtt_client:
    tls: { version: 'tlsv1.3' }
devices:
    'aaabbbcccddd': {}
`,
		"refresh too fast": `mqtt_client: {}
devices:
    'aaabbbcccddd': { input_refresh: 2 }
`,
		"refresh too slow": `mqtt_client: {}
devices:
    'aaabbbcccddd': { state_refresh: 61 }
`,
		"non-positive charging level": `mqtt_client: {}
devices:
    'aaabbbcccddd': { ac_charging_levels: [0, 500] }
`,
		"empty charging levels": `mqtt_client: {}
devices:
    'aaabbbcccddd': { ac_charging_levels: [] }
`,
		"unknown global key": `global: { lesyd_nane: oops }
mqtt_client: {}
devices:
    'aaabbbcccddd': {}
`,
		"unknown device key": `mqtt_client: {}
devices:
    'aaabbbcccddd': { nane: oops }
`,
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestPresetNamesSorted(t *testing.T) {
	assert.Equal(t, []string{"F2400-B", "F3600Pro"}, PresetNames())
}
