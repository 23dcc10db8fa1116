package rdp

import (
	"encoding/binary"
	"fmt"
)

// Input event kinds on the input channel.
type InputEventKind uint8

const (
	InputKeyDown InputEventKind = 0x01
	InputKeyUp   InputEventKind = 0x02
	InputPtrAbs  InputEventKind = 0x03
	InputPtrRel  InputEventKind = 0x04
	InputButton  InputEventKind = 0x05
	InputWheel   InputEventKind = 0x06
	InputSync    InputEventKind = 0x07
)

// Input event flags.
const (
	inputFlagExtended = 1 << 0
	inputFlagPressed  = 1 << 1
)

// InputEvent is one decoded wire event. Which fields are meaningful
// depends on Kind.
type InputEvent struct {
	Kind     InputEventKind
	Scancode uint16
	Extended bool
	X, Y     uint16 // absolute, virtual-desktop coordinates
	DX, DY   int16  // relative motion
	Button   uint8
	Pressed  bool
	Axis     uint8 // 0 vertical, 1 horizontal
	Delta    int16 // wheel clicks * 120
	SyncBits uint32
}

// Each event is a fixed 12-byte record:
//
//	u8 kind | u8 flags | u16 a | u16 b | u16 c | u32 d
//
// a/b/c/d interpretation per kind. A PDU holds u16 count then records.
const inputRecordLen = 12

// ParseInputPDU decodes an input channel payload into its ordered events.
// Unknown kinds are preserved (the router counts and drops them); a
// structurally broken PDU fails as a unit.
func ParseInputPDU(payload []byte) ([]InputEvent, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: input PDU %d bytes", ErrMalformedPDU, len(payload))
	}
	count := int(binary.LittleEndian.Uint16(payload[0:2]))
	rest := payload[2:]
	if len(rest) != count*inputRecordLen {
		return nil, fmt.Errorf("%w: input PDU declares %d events, carries %d bytes", ErrMalformedPDU, count, len(rest))
	}

	events := make([]InputEvent, 0, count)
	for i := 0; i < count; i++ {
		rec := rest[i*inputRecordLen : (i+1)*inputRecordLen]
		ev := InputEvent{
			Kind:     InputEventKind(rec[0]),
			Extended: rec[1]&inputFlagExtended != 0,
			Pressed:  rec[1]&inputFlagPressed != 0,
		}
		a := binary.LittleEndian.Uint16(rec[2:4])
		b := binary.LittleEndian.Uint16(rec[4:6])
		c := binary.LittleEndian.Uint16(rec[6:8])
		d := binary.LittleEndian.Uint32(rec[8:12])

		switch ev.Kind {
		case InputKeyDown, InputKeyUp:
			ev.Scancode = a
		case InputPtrAbs:
			ev.X, ev.Y = a, b
		case InputPtrRel:
			ev.DX, ev.DY = int16(a), int16(b)
		case InputButton:
			ev.Button = byte(a)
		case InputWheel:
			ev.Axis = byte(a)
			ev.Delta = int16(b)
		case InputSync:
			ev.SyncBits = d
		default:
			// carried through for the router's unmapped counter
		}
		_ = c
		events = append(events, ev)
	}
	return events, nil
}

// EncodeInputPDU is the inverse of ParseInputPDU, used by tests and by
// loopback diagnostics.
func EncodeInputPDU(events []InputEvent) []byte {
	out := make([]byte, 2, 2+len(events)*inputRecordLen)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(events)))
	for _, ev := range events {
		rec := make([]byte, inputRecordLen)
		rec[0] = byte(ev.Kind)
		if ev.Extended {
			rec[1] |= inputFlagExtended
		}
		if ev.Pressed {
			rec[1] |= inputFlagPressed
		}
		switch ev.Kind {
		case InputKeyDown, InputKeyUp:
			binary.LittleEndian.PutUint16(rec[2:4], ev.Scancode)
		case InputPtrAbs:
			binary.LittleEndian.PutUint16(rec[2:4], ev.X)
			binary.LittleEndian.PutUint16(rec[4:6], ev.Y)
		case InputPtrRel:
			binary.LittleEndian.PutUint16(rec[2:4], uint16(ev.DX))
			binary.LittleEndian.PutUint16(rec[4:6], uint16(ev.DY))
		case InputButton:
			binary.LittleEndian.PutUint16(rec[2:4], uint16(ev.Button))
		case InputWheel:
			binary.LittleEndian.PutUint16(rec[2:4], uint16(ev.Axis))
			binary.LittleEndian.PutUint16(rec[4:6], uint16(ev.Delta))
		case InputSync:
			binary.LittleEndian.PutUint32(rec[8:12], ev.SyncBits)
		}
		out = append(out, rec...)
	}
	return out
}

// Ack PDU on the control channel: u32 acknowledged byte count.
func EncodeAckPDU(bytes uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, bytes)
	return out
}

// ParseAckPDU decodes a graphics window acknowledgement.
func ParseAckPDU(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: ack PDU %d bytes", ErrMalformedPDU, len(payload))
	}
	return binary.LittleEndian.Uint32(payload), nil
}
