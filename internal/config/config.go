// Package config loads and validates the lesyd YAML configuration.
// The decode is strict: unknown keys are rejected so a typo in a field
// name fails at startup instead of being silently ignored.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for per-device refresh intervals, in seconds.
const (
	DefaultStateRefresh   = 30
	DefaultInputRefresh   = 6
	DefaultHoldingRefresh = 30

	minRefresh = 3
	maxRefresh = 60
)

// ReservedNames cannot be used as device names; they collide with bridge
// topics under the lesyd root.
var ReservedNames = []string{"bridge"}

var (
	macPattern  = regexp.MustCompile(`^[0-9a-f]{12}$`)
	namePattern = regexp.MustCompile(`^[0-9A-Za-z_]+$`)
)

var logLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// TLS mirrors the optional tls block of an MQTT endpoint.
type TLS struct {
	CACerts         string `yaml:"ca_certs"`
	Certfile        string `yaml:"certfile"`
	Keyfile         string `yaml:"keyfile"`
	KeyfilePassword string `yaml:"keyfile_password"`
	Version         string `yaml:"version"`
	Ciphers         string `yaml:"ciphers"`
	Insecure        bool   `yaml:"insecure"`
}

// MQTT describes one broker endpoint after defaulting.
type MQTT struct {
	Transport string
	Hostname  string
	Port      int
	Username  string
	Password  string
	TLS       *TLS
}

// Device holds the fully resolved options of one configured device:
// preset values merged under the explicit per-device options, then
// defaults filled in.
type Device struct {
	MAC               string
	Name              string
	Manufacturer      string
	ModelID           string
	Extension1        bool
	Extension2        bool
	Exclude           []string
	LogLevel          string
	StateRefresh      time.Duration
	InputRefresh      time.Duration
	HoldingRefresh    time.Duration
	ACChargingLevels  []int
	GuessACInputPower bool

	// UnknownPreset carries a preset name that did not resolve; the
	// caller logs it as a warning rather than failing startup.
	UnknownPreset string
}

// Config is the resolved configuration of one bridge process.
type Config struct {
	Name        string // lesyd_name
	LogLevel    string
	LogFile     string
	LogConfig   string
	HADiscovery bool
	HAPrefix    string

	MQTTClient   MQTT
	MQTTSydpower *MQTT // nil: reuse the client connection

	// Devices in configuration order; ticks run in this order.
	Devices []Device
}

type rawGlobal struct {
	LesydName   *string `yaml:"lesyd_name"`
	Logconfig   *string `yaml:"logconfig"`
	Logfile     *string `yaml:"logfile"`
	Loglevel    *string `yaml:"loglevel"`
	HADiscovery *bool   `yaml:"ha_discovery"`
	HAPrefix    *string `yaml:"ha_prefix"`
}

type rawMQTT struct {
	Transport *string `yaml:"transport"`
	Hostname  *string `yaml:"hostname"`
	Port      *int    `yaml:"port"`
	Username  *string `yaml:"username"`
	Password  *string `yaml:"password"`
	TLS       *TLS    `yaml:"tls"`
}

type rawDevice struct {
	Name              *string  `yaml:"name"`
	Preset            *string  `yaml:"preset"`
	Manufacturer      *string  `yaml:"manufacturer"`
	ModelID           *string  `yaml:"model_id"`
	Extension1        *bool    `yaml:"extension1"`
	Extension2        *bool    `yaml:"extension2"`
	Exclude           []string `yaml:"exclude"`
	Loglevel          *string  `yaml:"loglevel"`
	LoggingConfig     *string  `yaml:"logging_config"`
	StateRefresh      *int     `yaml:"state_refresh"`
	InputRefresh      *int     `yaml:"input_refresh"`
	HoldingRefresh    *int     `yaml:"holding_refresh"`
	ACChargingLevels  []int    `yaml:"ac_charging_levels"`
	GuessACInputPower *bool    `yaml:"guess_ac_input_power"`
}

type rawConfig struct {
	Global       *rawGlobal `yaml:"global"`
	MQTTClient   *rawMQTT   `yaml:"mqtt_client"`
	MQTTSydpower *rawMQTT   `yaml:"mqtt_sydpower"`
	// Kept as a node so the devices keep their document order.
	Devices yaml.Node `yaml:"devices"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse validates and resolves a configuration document.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	if raw.MQTTClient == nil {
		return nil, fmt.Errorf("missing mqtt_client section")
	}

	cfg := &Config{
		Name:        "lesyd",
		LogLevel:    "INFO",
		HADiscovery: false,
		HAPrefix:    "homeassistant",
	}

	if g := raw.Global; g != nil {
		if g.LesydName != nil {
			cfg.Name = *g.LesydName
		}
		if g.Loglevel != nil {
			cfg.LogLevel = *g.Loglevel
		}
		if g.Logfile != nil {
			cfg.LogFile = *g.Logfile
		}
		if g.Logconfig != nil {
			cfg.LogConfig = *g.Logconfig
		}
		if g.HADiscovery != nil {
			cfg.HADiscovery = *g.HADiscovery
		}
		if g.HAPrefix != nil {
			cfg.HAPrefix = *g.HAPrefix
		}
	}
	if !namePattern.MatchString(cfg.Name) {
		return nil, fmt.Errorf("invalid lesyd_name %q", cfg.Name)
	}
	if !logLevels[cfg.LogLevel] {
		return nil, fmt.Errorf("invalid loglevel %q", cfg.LogLevel)
	}

	client, err := resolveMQTT("mqtt_client", raw.MQTTClient)
	if err != nil {
		return nil, err
	}
	cfg.MQTTClient = *client

	if raw.MQTTSydpower != nil {
		sydpower, err := resolveMQTT("mqtt_sydpower", raw.MQTTSydpower)
		if err != nil {
			return nil, err
		}
		cfg.MQTTSydpower = sydpower
	}

	devices, err := resolveDevices(&raw.Devices, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Devices = devices

	return cfg, nil
}

func resolveMQTT(section string, raw *rawMQTT) (*MQTT, error) {
	m := &MQTT{
		Transport: "tcp",
		Hostname:  "localhost",
		Port:      -1,
		TLS:       raw.TLS,
	}
	if raw.Transport != nil {
		m.Transport = *raw.Transport
	}
	if raw.Hostname != nil {
		m.Hostname = *raw.Hostname
	}
	if raw.Port != nil {
		m.Port = *raw.Port
	}
	if raw.Username != nil {
		m.Username = *raw.Username
	}
	if raw.Password != nil {
		m.Password = *raw.Password
	}

	switch m.Transport {
	case "tcp", "unix", "websocket":
	default:
		return nil, fmt.Errorf("%s: invalid transport %q", section, m.Transport)
	}
	if m.Port < -1 || m.Port > 65535 {
		return nil, fmt.Errorf("%s: invalid port %d", section, m.Port)
	}
	if m.Port == -1 {
		m.Port = defaultPort(m.Transport, m.TLS != nil)
	}
	if m.TLS != nil {
		switch m.TLS.Version {
		case "", "default", "tlsv1.2", "tlsv1.1", "tlsv1":
		default:
			return nil, fmt.Errorf("%s: invalid tls version %q", section, m.TLS.Version)
		}
	}
	return m, nil
}

func defaultPort(transport string, withTLS bool) int {
	switch transport {
	case "unix":
		return 0
	case "websocket":
		if withTLS {
			return 8084
		}
		return 8083
	default:
		if withTLS {
			return 8883
		}
		return 1883
	}
}

func resolveDevices(node *yaml.Node, defaultLogLevel string) ([]Device, error) {
	if node.Kind == 0 || node.Kind == yaml.ScalarNode && node.Value == "" {
		return nil, fmt.Errorf("missing devices section")
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("devices: expected a mapping of MAC to device options")
	}

	var devices []Device
	names := map[string]bool{}

	// Mapping nodes interleave key and value nodes.
	for i := 0; i+1 < len(node.Content); i += 2 {
		mac := node.Content[i].Value
		if !macPattern.MatchString(mac) {
			return nil, fmt.Errorf("devices: invalid MAC %q (want 12 lowercase hex characters)", mac)
		}

		var raw rawDevice
		if err := strictDecodeNode(node.Content[i+1], &raw); err != nil {
			return nil, fmt.Errorf("device %s: %w", mac, err)
		}

		dev, err := resolveDevice(mac, &raw, defaultLogLevel)
		if err != nil {
			return nil, err
		}
		if names[dev.Name] {
			return nil, fmt.Errorf("device %s: name %q is already taken", mac, dev.Name)
		}
		names[dev.Name] = true
		devices = append(devices, *dev)
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("devices: at least one device is required")
	}
	return devices, nil
}

// strictDecodeNode re-encodes a sub-node so KnownFields applies to it;
// yaml.Node.Decode has no strict mode of its own.
func strictDecodeNode(node *yaml.Node, out any) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

func resolveDevice(mac string, raw *rawDevice, defaultLogLevel string) (*Device, error) {
	dev := &Device{
		MAC:            mac,
		Name:           mac,
		Manufacturer:   "Unknown",
		ModelID:        "Unknown",
		LogLevel:       defaultLogLevel,
		StateRefresh:   DefaultStateRefresh * time.Second,
		InputRefresh:   DefaultInputRefresh * time.Second,
		HoldingRefresh: DefaultHoldingRefresh * time.Second,
	}

	if raw.Preset != nil {
		if preset, ok := Presets[*raw.Preset]; ok {
			dev.Manufacturer = preset.Manufacturer
			dev.ModelID = preset.ModelID
			dev.ACChargingLevels = preset.ACChargingLevels
			dev.Extension1 = preset.Extension1
			dev.Extension2 = preset.Extension2
		} else {
			// Matches the permissive handling of unknown presets: warn
			// at the call site, keep going with defaults.
			dev.UnknownPreset = *raw.Preset
		}
	}

	if raw.Name != nil {
		dev.Name = *raw.Name
	}
	if raw.Manufacturer != nil {
		dev.Manufacturer = *raw.Manufacturer
	}
	if raw.ModelID != nil {
		dev.ModelID = *raw.ModelID
	}
	if raw.Extension1 != nil {
		dev.Extension1 = *raw.Extension1
	}
	if raw.Extension2 != nil {
		dev.Extension2 = *raw.Extension2
	}
	if raw.Exclude != nil {
		dev.Exclude = raw.Exclude
	}
	if raw.Loglevel != nil {
		dev.LogLevel = *raw.Loglevel
	}
	if raw.ACChargingLevels != nil {
		if len(raw.ACChargingLevels) == 0 {
			return nil, fmt.Errorf("device %s: ac_charging_levels must not be empty", mac)
		}
		dev.ACChargingLevels = raw.ACChargingLevels
	}
	if raw.GuessACInputPower != nil {
		dev.GuessACInputPower = *raw.GuessACInputPower
	}

	if !namePattern.MatchString(dev.Name) {
		return nil, fmt.Errorf("device %s: invalid name %q", mac, dev.Name)
	}
	for _, reserved := range ReservedNames {
		if dev.Name == reserved {
			return nil, fmt.Errorf("device %s: name %q is reserved", mac, dev.Name)
		}
	}
	if !logLevels[dev.LogLevel] {
		return nil, fmt.Errorf("device %s: invalid loglevel %q", mac, dev.LogLevel)
	}
	for _, level := range dev.ACChargingLevels {
		if level < 1 {
			return nil, fmt.Errorf("device %s: ac_charging_levels must be positive", mac)
		}
	}

	var err error
	if dev.StateRefresh, err = refresh(mac, "state_refresh", raw.StateRefresh, dev.StateRefresh); err != nil {
		return nil, err
	}
	if dev.InputRefresh, err = refresh(mac, "input_refresh", raw.InputRefresh, dev.InputRefresh); err != nil {
		return nil, err
	}
	if dev.HoldingRefresh, err = refresh(mac, "holding_refresh", raw.HoldingRefresh, dev.HoldingRefresh); err != nil {
		return nil, err
	}

	return dev, nil
}

func refresh(mac, what string, raw *int, fallback time.Duration) (time.Duration, error) {
	if raw == nil {
		return fallback, nil
	}
	if *raw < minRefresh || *raw > maxRefresh {
		return 0, fmt.Errorf("device %s: %s must be within %d..%d seconds", mac, what, minRefresh, maxRefresh)
	}
	return time.Duration(*raw) * time.Second, nil
}
