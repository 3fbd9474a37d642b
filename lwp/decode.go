package lwp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrTruncated reports a frame too short for its message type.
var ErrTruncated = errors.New("lwp: truncated message")

// UnknownMessageError reports a message type or field value the decoder
// does not understand.
type UnknownMessageError struct {
	MsgType byte
	Detail  string
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("lwp: unknown message type 0x%02x: %s", e.MsgType, e.Detail)
}

// Message is an upstream message decoded from a hub notification.
type Message interface {
	message()
}

// HubProperty carries a hub property operation, most commonly an update
// pushed by the hub (battery voltage, RSSI, button state, versions).
type HubProperty struct {
	Property  Property
	Operation PropertyOperation
	Payload   []byte
}

// AttachedIO reports a peripheral attaching to or detaching from a port.
type AttachedIO struct {
	Port     byte
	Event    IOEvent
	Device   DeviceID
	Hardware Version
	Software Version
	// Underlying ports of a virtual (paired) port.
	PairedA, PairedB byte
}

// IOEvent is the event field of an attached I/O message.
type IOEvent byte

const (
	IODetached IOEvent = iota
	IOAttached
	IOAttachedVirtual
)

// Version is a hub-reported hardware or software revision.
type Version uint32

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%02x.%04x", byte(v>>28)&0x7, byte(v>>24)&0xf, byte(v>>16), uint16(v))
}

// PortValue is a single-mode value update from a sensor port.
type PortValue struct {
	Port  byte
	Value []byte
}

// Int8 reads the value as a signed byte.
func (p PortValue) Int8() int8 {
	if len(p.Value) == 0 {
		return 0
	}
	return int8(p.Value[0])
}

// Int16 reads the value as a little-endian signed 16-bit integer.
func (p PortValue) Int16() int16 {
	if len(p.Value) < 2 {
		return int16(p.Int8())
	}
	return int16(binary.LittleEndian.Uint16(p.Value))
}

// PortComboValue is a multi-mode value update from a sensor port.
type PortComboValue struct {
	Port  byte
	Value []byte
}

// PortInformation describes a port's capabilities and available modes.
type PortInformation struct {
	Port           byte
	Output         bool
	Input          bool
	Combinable     bool
	Synchronizable bool
	ModeCount      byte
	InputModes     uint16
	OutputModes    uint16
}

// PortCombinations lists a port's allowed mode combinations, each entry a
// bitmask of combinable modes.
type PortCombinations struct {
	Port         byte
	Combinations []uint16
}

// ModeInfoType selects which aspect of a mode a mode information message
// describes.
type ModeInfoType byte

const (
	InfoName     ModeInfoType = 0x00
	InfoRawRange ModeInfoType = 0x01
	InfoPctRange ModeInfoType = 0x02
	InfoSIRange  ModeInfoType = 0x03
	InfoSymbol   ModeInfoType = 0x04
	InfoMapping  ModeInfoType = 0x05
	InfoFormat   ModeInfoType = 0x80
)

// PortModeInformation describes one aspect of a single port mode. Only the
// fields relevant to InfoType are populated.
type PortModeInformation struct {
	Port     byte
	Mode     byte
	InfoType ModeInfoType

	Name     string  // InfoName, InfoSymbol
	Min, Max float32 // InfoRawRange, InfoPctRange, InfoSIRange

	InputMapping, OutputMapping byte // InfoMapping

	// InfoFormat
	Datasets    byte
	DatasetType DatasetType
	Figures     byte
	Decimals    byte
}

// DatasetType is the numeric format of a mode's datasets.
type DatasetType byte

const (
	Dataset8Bit DatasetType = iota
	Dataset16Bit
	Dataset32Bit
	DatasetFloat
)

func (d DatasetType) String() string {
	switch d {
	case Dataset8Bit:
		return "8b"
	case Dataset16Bit:
		return "16b"
	case Dataset32Bit:
		return "32b"
	case DatasetFloat:
		return "float"
	}
	return "unknown"
}

// OutputFeedback acknowledges a port output command.
type OutputFeedback struct {
	Port  byte
	Flags FeedbackFlags
}

// FeedbackFlags is the feedback bitmask of a port output feedback message.
type FeedbackFlags byte

const (
	FeedbackInProgress FeedbackFlags = 1 << iota
	FeedbackCompleted
	FeedbackDiscarded
	FeedbackIdle
	FeedbackBusy
)

func (f FeedbackFlags) String() string {
	var parts []string
	if f&FeedbackInProgress != 0 {
		parts = append(parts, "in progress")
	}
	if f&FeedbackCompleted != 0 {
		parts = append(parts, "completed")
	}
	if f&FeedbackDiscarded != 0 {
		parts = append(parts, "discarded")
	}
	if f&FeedbackIdle != 0 {
		parts = append(parts, "idle")
	}
	if f&FeedbackBusy != 0 {
		parts = append(parts, "busy/full")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

func (HubProperty) message()         {}
func (AttachedIO) message()          {}
func (PortValue) message()           {}
func (PortComboValue) message()      {}
func (PortInformation) message()     {}
func (PortCombinations) message()    {}
func (PortModeInformation) message() {}
func (OutputFeedback) message()      {}

// Decode parses one notification frame into a typed upstream message.
func Decode(f []byte) (Message, error) {
	if len(f) < 3 {
		return nil, ErrTruncated
	}
	if int(f[0]) != len(f) {
		return nil, fmt.Errorf("%w: length byte %d, frame %d bytes", ErrTruncated, f[0], len(f))
	}
	msgType, body := f[2], f[3:]

	switch msgType {
	case msgHubProperties:
		return decodeHubProperty(body)
	case msgAttachedIO:
		return decodeAttachedIO(body)
	case msgPortInformation:
		return decodePortInformation(body)
	case msgPortModeInformation:
		return decodePortModeInformation(body)
	case msgPortValue:
		if len(body) < 2 {
			return nil, ErrTruncated
		}
		return PortValue{Port: body[0], Value: append([]byte(nil), body[1:]...)}, nil
	case msgPortComboValue:
		if len(body) < 2 {
			return nil, ErrTruncated
		}
		return PortComboValue{Port: body[0], Value: append([]byte(nil), body[1:]...)}, nil
	case msgPortOutputFeedback:
		if len(body) < 2 {
			return nil, ErrTruncated
		}
		return OutputFeedback{Port: body[0], Flags: FeedbackFlags(body[1])}, nil
	}
	return nil, &UnknownMessageError{MsgType: msgType, Detail: "unhandled type"}
}

func decodeHubProperty(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, ErrTruncated
	}
	prop := Property(body[0])
	if _, ok := propertyNames[prop]; !ok {
		return nil, &UnknownMessageError{MsgType: msgHubProperties, Detail: fmt.Sprintf("property 0x%02x", body[0])}
	}
	op := PropertyOperation(body[1])
	if op < PropOpSet || op > PropOpUpdate {
		return nil, &UnknownMessageError{MsgType: msgHubProperties, Detail: fmt.Sprintf("operation 0x%02x", body[1])}
	}
	return HubProperty{Property: prop, Operation: op, Payload: append([]byte(nil), body[2:]...)}, nil
}

func decodeAttachedIO(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, ErrTruncated
	}
	msg := AttachedIO{Port: body[0], Event: IOEvent(body[1])}
	rest := body[2:]

	switch msg.Event {
	case IODetached:
		return msg, nil
	case IOAttached:
		if len(rest) < 10 {
			return nil, ErrTruncated
		}
		msg.Device = DeviceID(binary.LittleEndian.Uint16(rest[0:2]))
		msg.Hardware = Version(binary.LittleEndian.Uint32(rest[2:6]))
		msg.Software = Version(binary.LittleEndian.Uint32(rest[6:10]))
		return msg, nil
	case IOAttachedVirtual:
		if len(rest) < 4 {
			return nil, ErrTruncated
		}
		msg.Device = DeviceID(binary.LittleEndian.Uint16(rest[0:2]))
		msg.PairedA, msg.PairedB = rest[2], rest[3]
		return msg, nil
	}
	return nil, &UnknownMessageError{MsgType: msgAttachedIO, Detail: fmt.Sprintf("event 0x%02x", body[1])}
}

func decodePortInformation(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, ErrTruncated
	}
	port, infoType := body[0], body[1]
	rest := body[2:]

	switch infoType {
	case InfoModeInfo:
		if len(rest) < 6 {
			return nil, ErrTruncated
		}
		caps := rest[0]
		return PortInformation{
			Port:           port,
			Output:         caps&(1<<0) != 0,
			Input:          caps&(1<<1) != 0,
			Combinable:     caps&(1<<2) != 0,
			Synchronizable: caps&(1<<3) != 0,
			ModeCount:      rest[1],
			InputModes:     binary.LittleEndian.Uint16(rest[2:4]),
			OutputModes:    binary.LittleEndian.Uint16(rest[4:6]),
		}, nil
	case InfoModeCombinations:
		msg := PortCombinations{Port: port}
		for len(rest) >= 2 {
			combo := binary.LittleEndian.Uint16(rest[0:2])
			if combo == 0 {
				break
			}
			msg.Combinations = append(msg.Combinations, combo)
			rest = rest[2:]
		}
		return msg, nil
	}
	return nil, &UnknownMessageError{MsgType: msgPortInformation, Detail: fmt.Sprintf("info type 0x%02x", infoType)}
}

func decodePortModeInformation(body []byte) (Message, error) {
	if len(body) < 3 {
		return nil, ErrTruncated
	}
	msg := PortModeInformation{Port: body[0], Mode: body[1], InfoType: ModeInfoType(body[2])}
	rest := body[3:]

	switch msg.InfoType {
	case InfoName, InfoSymbol:
		msg.Name = decodeASCII(rest)
	case InfoRawRange, InfoPctRange, InfoSIRange:
		if len(rest) < 8 {
			return nil, ErrTruncated
		}
		msg.Min = math.Float32frombits(binary.LittleEndian.Uint32(rest[0:4]))
		msg.Max = math.Float32frombits(binary.LittleEndian.Uint32(rest[4:8]))
	case InfoMapping:
		if len(rest) < 2 {
			return nil, ErrTruncated
		}
		msg.InputMapping, msg.OutputMapping = rest[0], rest[1]
	case InfoFormat:
		if len(rest) < 4 {
			return nil, ErrTruncated
		}
		msg.Datasets = rest[0]
		if rest[1] > byte(DatasetFloat) {
			return nil, &UnknownMessageError{MsgType: msgPortModeInformation, Detail: fmt.Sprintf("dataset type 0x%02x", rest[1])}
		}
		msg.DatasetType = DatasetType(rest[1])
		msg.Figures, msg.Decimals = rest[2], rest[3]
	default:
		return nil, &UnknownMessageError{MsgType: msgPortModeInformation, Detail: fmt.Sprintf("mode info type 0x%02x", body[2])}
	}
	return msg, nil
}

func decodeASCII(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c == 0 {
			break
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
