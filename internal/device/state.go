package device

import "reflect"

// Published state field names.
const (
	FieldACChargingBooking     = "ac_charging_booking"
	FieldACOutput              = "ac_output"
	FieldACOutputPower         = "ac_output_power"
	FieldACSilentCharging      = "ac_silent_charging"
	FieldACInputPower          = "ac_input_power"
	FieldACChargingPower       = "ac_charging_power"
	FieldDCChargingPower       = "dc_charging_power"
	FieldChargingPower         = "charging_power"
	FieldTotalInputPower       = "total_input_power"
	FieldDCOutput              = "dc_output"
	FieldLED                   = "led"
	FieldStateOfCharge         = "state_of_charge"
	FieldUSBOutput             = "usb_output"
	FieldDCMaxChargingCurrent  = "dc_max_charging_current"
	FieldKeySound              = "key_sound"
	FieldACChargingRate        = "ac_charging_rate"
	FieldACChargingUpperLimit  = "ac_charging_upper_limit"
	FieldDischargeLowerLimit   = "discharge_lower_limit"
	FieldACChargingLevel       = "ac_charging_level"
	FieldUSBOutputPower        = "usb_output_power"
	FieldDCOutputPower         = "dc_output_power"
)

// allFields is the superset of fields a device may publish. A configured
// exclude list removes entries entirely; they never appear as null.
var allFields = []string{
	FieldACChargingBooking,
	FieldACOutput,
	FieldACOutputPower,
	FieldACSilentCharging,
	FieldACInputPower,
	FieldACChargingPower,
	FieldDCChargingPower,
	FieldChargingPower,
	FieldTotalInputPower,
	FieldDCOutput,
	FieldLED,
	FieldStateOfCharge,
	FieldUSBOutput,
	FieldDCMaxChargingCurrent,
	FieldKeySound,
	FieldACChargingRate,
	FieldACChargingUpperLimit,
	FieldDischargeLowerLimit,
	FieldACChargingLevel,
	FieldUSBOutputPower,
	FieldDCOutputPower,
}

// State is the canonical observable state of one device. A nil value
// means the field has not been decoded yet; publication is gated until
// no nil remains.
type State map[string]any

// newState builds the initial state with every present field unknown.
func newState(exclude []string, hasChargingLevels, guessACInputPower bool) State {
	s := make(State, len(allFields))
	for _, f := range allFields {
		s[f] = nil
	}
	if !hasChargingLevels {
		delete(s, FieldACChargingLevel)
	}
	if !guessACInputPower {
		delete(s, FieldACInputPower)
	}
	for _, f := range exclude {
		delete(s, f)
	}
	return s
}

// Populated reports whether every present field has been decoded at
// least once.
func (s State) Populated() bool {
	for _, v := range s {
		if v == nil {
			return false
		}
	}
	return true
}

// Clone returns an independent copy, taken when snapshotting the last
// published state.
func (s State) Clone() State {
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Equal compares two states by value.
func (s State) Equal(o State) bool {
	return reflect.DeepEqual(s, o)
}
