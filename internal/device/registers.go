package device

// Register banks as read from the device. Both banks are always fetched
// whole (80 words starting at 0); the indices below are offsets into the
// returned slice.
const (
	countInputRegisters   = 80
	countHoldingRegisters = 80
)

// Input register bank (function 0x04)
const (
	iregACChargingRate    = 2
	iregACChargingPower   = 3
	iregDCChargingPower   = 4
	iregTotalInputPower   = 6
	iregDCOutputPower1    = 9
	iregLEDPower          = 15
	iregACOutputVoltage   = 18
	iregACOutputFreq      = 19
	iregACOutputPower     = 20
	iregACInputVoltage    = 21
	iregACInputFreq       = 22
	iregLEDState          = 25
	iregUSBOutputPower1   = 30
	iregUSBOutputPower2   = 31
	iregUSBOutputPower3   = 34
	iregUSBOutputPower4   = 35
	iregUSBOutputPower5   = 36
	iregUSBOutputPower6   = 37
	iregStatusBits        = 41
	iregStateOfCharge     = 56
	iregACChargingBooking = 57
	iregTimeToFull        = 58
	iregTimeToEmpty       = 59
)

// Holding register bank (function 0x03). These are also the writable
// registers for function 0x06.
const (
	hregACChargingRate       = 13
	hregDCMaxChargingCurrent = 20
	hregUSBOutput            = 24
	hregDCOutput             = 25
	hregACOutput             = 26
	hregLED                  = 27
	hregKeySound             = 56
	hregACSilentCharging     = 57
	hregACChargingBooking    = 63
	hregDischargeLowerLimit  = 66
	hregACChargingUpperLimit = 67
)

// Write-echo acceptance bounds (raw register values). Exported bounds
// also feed the discovery document.
const (
	MaxACChargingBooking    = 24*60 - 1
	MinDCMaxChargingCurrent = 1
	MaxDCMaxChargingCurrent = 20
	MinDischargeLowerLimit  = 0
	MaxDischargeLowerLimit  = 500 // 50.0%
	MinACChargingUpperLimit = 600 // 60.0%
	MaxACChargingUpperLimit = 1000
)

// LEDChoices maps the low two bits of the LED state word (and the LED
// holding register) to the published enum.
var LEDChoices = []string{"Off", "On", "SOS", "Flash"}
