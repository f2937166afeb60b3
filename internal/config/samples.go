package config

import "fmt"

// SampleConfig is printed by --print-sample-config and validated at
// startup so it cannot drift from the schema.
const SampleConfig = `global:
    loglevel: INFO   # one of DEBUG, INFO, WARNING, ERROR, CRITICAL

# The client MQTT broker where the 'lesyd' messages are produced.
# The mqtt_client section is mandatory but all fields are optional.
mqtt_client:
    hostname: 'mqtt.private' # default is 'localhost'
    port:     1234           # default ports are 1883 (mqtt), 8883 (mqtts)
    username: 'foobar'
    password: 'mysecret'

# The MQTT broker receiving the device messages.
# If not set, the 'mqtt_client' connection is re-used instead.
#mqtt_sydpower:
#    hostname: 'mqtt.myhomenetwork'
#    port: 1883

devices:
    'abcdefabcdef':
        name: 'my_f2400'
        preset: 'F2400-B'
        exclude: [ dc_output ]
        loglevel: DEBUG
    'abcdef123456':
        name: 'my_f3600'
        preset: 'F3600Pro'
`

// extra documents exercised by the startup self-check.
var sampleConfigs = []string{
	SampleConfig,
	`mqtt_client:
    hostname: 'localhost'
    port: 444
    username: 'foobar'
    password: '@MYSECRET@'
devices:
    'aaabbbcccddd':
        name: foobar
`,
}

// ValidateSamples parses every embedded sample document. A failure here
// is a programming error, caught at startup before any broker traffic.
func ValidateSamples() error {
	for i, sample := range sampleConfigs {
		if _, err := Parse([]byte(sample)); err != nil {
			return fmt.Errorf("sample config %d: %w", i, err)
		}
	}
	return nil
}
