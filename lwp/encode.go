package lwp

import "encoding/binary"

// Output command flags: execute immediately, request command feedback.
const outputFlags = 0x11

// Port output subcommand for writing values straight into a mode.
const subWriteDirectModeData = 0x51

// Port information request types.
const (
	InfoModeInfo         = 0x01
	InfoModeCombinations = 0x02
)

func frame(msgType byte, body ...byte) []byte {
	f := make([]byte, 0, len(body)+3)
	f = append(f, byte(len(body)+3), 0x00, msgType)
	return append(f, body...)
}

// HubPropertyRequest asks the hub to report a property once.
func HubPropertyRequest(p Property) []byte {
	return frame(msgHubProperties, byte(p), byte(PropOpRequestUpdate))
}

// HubPropertyUpdates enables or disables push updates for a property.
func HubPropertyUpdates(p Property, enable bool) []byte {
	op := PropOpEnableUpdates
	if !enable {
		op = PropOpDisableUpdates
	}
	return frame(msgHubProperties, byte(p), byte(op))
}

// PortInformationRequest asks for a port's mode info or mode combinations.
func PortInformationRequest(port byte, infoType byte) []byte {
	return frame(msgPortInfoRequest, port, infoType)
}

// PortModeInformationRequest asks for one aspect of a single mode.
func PortModeInformationRequest(port, mode byte, infoType ModeInfoType) []byte {
	return frame(msgPortModeInfoRequest, port, mode, byte(infoType))
}

// PortInputFormatSetup selects a port's active mode and whether the hub
// should push value updates whenever the reading changes by delta.
func PortInputFormatSetup(port, mode byte, delta uint32, notify bool) []byte {
	body := make([]byte, 7)
	body[0] = port
	body[1] = mode
	binary.LittleEndian.PutUint32(body[2:6], delta)
	if notify {
		body[6] = 0x01
	}
	return frame(msgPortInputFormatSetup, body...)
}

// WriteDirect issues a port output command that writes payload directly
// into the given mode.
func WriteDirect(port, mode byte, payload ...byte) []byte {
	body := make([]byte, 0, len(payload)+4)
	body = append(body, port, outputFlags, subWriteDirectModeData, mode)
	return frame(msgPortOutput, append(body, payload...)...)
}

// MotorPower sets the train motor's power. Positive is forward, negative
// reverse, zero float/stop. The caller clamps to [-100, 100].
func MotorPower(power int8) []byte {
	return WriteDirect(PortMotor, 0x00, byte(power))
}

// LEDColor sets the hub LED to a palette color.
func LEDColor(c Color) []byte {
	return WriteDirect(PortLED, 0x00, byte(c))
}

// PlaySound triggers one of the speaker's built-in effects. The speaker
// must have mode 1 selected first (see SpeakerActivate).
func PlaySound(s Sound) []byte {
	return WriteDirect(PortSpeaker, 0x01, byte(s))
}

// SpeakerActivate selects the speaker's sound mode. The hub ignores sound
// writes until this has been sent once after attach.
func SpeakerActivate() []byte {
	return PortInputFormatSetup(PortSpeaker, 0x01, 1, true)
}
