// Package lwp implements the subset of the LEGO Wireless Protocol 3.0
// spoken by the Duplo train base hub: hub property messages, attached I/O
// events, port information/mode queries, port value updates, and port
// output commands.
//
// Every frame on the wire is [length, hubID, msgType, body...] with a
// single-byte length covering the whole frame. All frames this hub
// exchanges fit well under the 127-byte single-length limit.
package lwp

// GATT identifiers for the LWP hub service. The hub exposes a single
// characteristic used for both writes and notifications.
const (
	ServiceUUID        = "00001623-1212-efde-1623-785feabcd123"
	CharacteristicUUID = "00001624-1212-efde-1623-785feabcd123"
)

// BLE advertisement constants. The hub type byte sits at offset 1 of the
// LEGO manufacturer data payload.
const (
	LegoCompanyID         = 0x0397
	HubTypeDuploTrainBase = 0x20
)

// Message type bytes.
const (
	msgHubProperties        = 0x01
	msgAttachedIO           = 0x04
	msgPortInfoRequest      = 0x21
	msgPortModeInfoRequest  = 0x22
	msgPortInputFormatSetup = 0x41
	msgPortInformation      = 0x43
	msgPortModeInformation  = 0x44
	msgPortValue            = 0x45
	msgPortComboValue       = 0x46
	msgPortOutput           = 0x81
	msgPortOutputFeedback   = 0x82
)

// Fixed port assignments on the Duplo train base.
const (
	PortMotor       byte = 0x00
	PortSpeaker     byte = 0x01
	PortLED         byte = 0x11
	PortColorSensor byte = 0x12
	PortSpeedometer byte = 0x13
	PortVoltage     byte = 0x14
)

// Property identifies a hub property in a hub properties message.
type Property byte

const (
	PropAdvertisingName  Property = 0x01
	PropButton           Property = 0x02
	PropFWVersion        Property = 0x03
	PropHWVersion        Property = 0x04
	PropRSSI             Property = 0x05
	PropBatteryVoltage   Property = 0x06
	PropBatteryType      Property = 0x07
	PropManufacturerName Property = 0x08
	PropRadioFWVersion   Property = 0x09
	PropProtocolVersion  Property = 0x0A
	PropSystemTypeID     Property = 0x0B
	PropHWNetworkID      Property = 0x0C
	PropPrimaryMAC       Property = 0x0D
	PropSecondaryMAC     Property = 0x0E
	PropHWNetworkFamily  Property = 0x0F
)

var propertyNames = map[Property]string{
	PropAdvertisingName:  "advertising name",
	PropButton:           "button",
	PropFWVersion:        "fw version",
	PropHWVersion:        "hw version",
	PropRSSI:             "rssi",
	PropBatteryVoltage:   "battery voltage",
	PropBatteryType:      "battery type",
	PropManufacturerName: "manufacturer name",
	PropRadioFWVersion:   "radio fw version",
	PropProtocolVersion:  "protocol version",
	PropSystemTypeID:     "system type id",
	PropHWNetworkID:      "hw network id",
	PropPrimaryMAC:       "primary mac",
	PropSecondaryMAC:     "secondary mac",
	PropHWNetworkFamily:  "hw network family",
}

func (p Property) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return "unknown property"
}

// PropertyOperation is the operation byte of a hub properties message.
type PropertyOperation byte

const (
	PropOpSet            PropertyOperation = 0x01
	PropOpEnableUpdates  PropertyOperation = 0x02
	PropOpDisableUpdates PropertyOperation = 0x03
	PropOpReset          PropertyOperation = 0x04
	PropOpRequestUpdate  PropertyOperation = 0x05
	PropOpUpdate         PropertyOperation = 0x06
)

// Color is an index into the hub LED's fixed palette.
type Color byte

const (
	Black Color = iota
	Pink
	Purple
	Blue
	LightBlue
	Cyan
	Green
	Yellow
	Orange
	Red
	White
)

var colorNames = map[Color]string{
	Black:     "black",
	Pink:      "pink",
	Purple:    "purple",
	Blue:      "blue",
	LightBlue: "light_blue",
	Cyan:      "cyan",
	Green:     "green",
	Yellow:    "yellow",
	Orange:    "orange",
	Red:       "red",
	White:     "white",
}

func (c Color) String() string {
	if name, ok := colorNames[c]; ok {
		return name
	}
	return "unknown color"
}

// ColorNamed looks up a palette color by name.
func ColorNamed(name string) (Color, bool) {
	for c, n := range colorNames {
		if n == name {
			return c, true
		}
	}
	return Black, false
}

// Sound is one of the Duplo train speaker's built-in effects.
type Sound byte

const (
	SoundBrake   Sound = 3
	SoundStation Sound = 5
	SoundWater   Sound = 7
	SoundHorn    Sound = 9
	SoundSteam   Sound = 10
)

var soundNames = map[Sound]string{
	SoundBrake:   "brake",
	SoundStation: "station",
	SoundWater:   "water",
	SoundHorn:    "horn",
	SoundSteam:   "steam",
}

func (s Sound) String() string {
	if name, ok := soundNames[s]; ok {
		return name
	}
	return "unknown sound"
}

// KnownSound reports whether id is one of the speaker's built-in effects.
func KnownSound(s Sound) bool {
	_, ok := soundNames[s]
	return ok
}

// SoundNamed looks up a speaker sound by name.
func SoundNamed(name string) (Sound, bool) {
	for s, n := range soundNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// DeviceID identifies the kind of peripheral attached to a port.
type DeviceID uint16

const (
	DeviceMotor                 DeviceID = 1
	DeviceTrainMotor            DeviceID = 2
	DeviceLight                 DeviceID = 8
	DeviceVoltageSensor         DeviceID = 20
	DeviceCurrentSensor         DeviceID = 21
	DevicePiezoTone             DeviceID = 22
	DeviceRGBLight              DeviceID = 23
	DeviceTiltSensor            DeviceID = 34
	DeviceMotionSensor          DeviceID = 35
	DeviceColorDistanceSensor   DeviceID = 37
	DeviceExternalMotor         DeviceID = 38
	DeviceInternalMotor         DeviceID = 39
	DeviceInternalTilt          DeviceID = 40
	DeviceDuploTrainMotor       DeviceID = 41
	DeviceDuploTrainSpeaker     DeviceID = 42
	DeviceDuploTrainColorSensor DeviceID = 43
	DeviceDuploTrainSpeedometer DeviceID = 44
)

var deviceNames = map[DeviceID]string{
	DeviceMotor:                 "Motor",
	DeviceTrainMotor:            "Train Motor",
	DeviceLight:                 "Light",
	DeviceVoltageSensor:         "Voltage Sensor",
	DeviceCurrentSensor:         "Current Sensor",
	DevicePiezoTone:             "Piezo Tone",
	DeviceRGBLight:              "RGB Light",
	DeviceTiltSensor:            "Tilt Sensor",
	DeviceMotionSensor:          "Motion Sensor",
	DeviceColorDistanceSensor:   "Color Distance Sensor",
	DeviceExternalMotor:         "External Motor",
	DeviceInternalMotor:         "Internal Motor",
	DeviceInternalTilt:          "Internal Tilt Sensor",
	DeviceDuploTrainMotor:       "Duplo Train Motor",
	DeviceDuploTrainSpeaker:     "Duplo Train Speaker",
	DeviceDuploTrainColorSensor: "Duplo Train Color Sensor",
	DeviceDuploTrainSpeedometer: "Duplo Train Speedometer",
}

func (d DeviceID) String() string {
	if name, ok := deviceNames[d]; ok {
		return name
	}
	return "Unknown Device"
}
