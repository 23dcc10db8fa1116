package rdp

import (
	"encoding/binary"
	"fmt"
)

// H.264 chroma modes signaled on the graphics channel.
type AVCMode uint8

const (
	AVCModeNone AVCMode = iota
	AVCMode420
	AVCMode444
	AVCMode444v2
)

func (m AVCMode) String() string {
	switch m {
	case AVCMode420:
		return "AVC420"
	case AVCMode444:
		return "AVC444"
	case AVCMode444v2:
		return "AVC444v2"
	default:
		return "none"
	}
}

// CapabilitySet is the negotiated per-session capability state, produced
// by the Negotiating phase and immutable afterwards.
type CapabilitySet struct {
	DesktopWidth  uint16
	DesktopHeight uint16
	BPP           uint16
	MaxPDUSize    uint16 // client's maximum graphics PDU payload
	WindowBytes   uint32 // client's advertised flow-control window
	AVC           AVCMode
	MonitorCount  uint8
}

// Capability flag bits carried in the client confirm (subset used here).
const (
	capFlagAVC420   = 0x0001
	capFlagAVC444   = 0x0002
	capFlagAVC444v2 = 0x0004
)

// defaultWindowBytes applies when the client leaves the window unset.
const defaultWindowBytes = 512 * 1024

// ParseClientCapabilities decodes the capability confirm payload:
//
//	u16 width | u16 height | u16 bpp | u16 maxPduSize |
//	u32 windowBytes | u16 codecFlags | u8 monitorCount
func ParseClientCapabilities(payload []byte) (*CapabilitySet, error) {
	const fixedLen = 15
	if len(payload) < fixedLen {
		return nil, fmt.Errorf("%w: capability confirm %d bytes", ErrMalformedPDU, len(payload))
	}
	caps := &CapabilitySet{
		DesktopWidth:  binary.LittleEndian.Uint16(payload[0:2]),
		DesktopHeight: binary.LittleEndian.Uint16(payload[2:4]),
		BPP:           binary.LittleEndian.Uint16(payload[4:6]),
		MaxPDUSize:    binary.LittleEndian.Uint16(payload[6:8]),
		WindowBytes:   binary.LittleEndian.Uint32(payload[8:12]),
		MonitorCount:  payload[14],
	}
	flags := binary.LittleEndian.Uint16(payload[12:14])
	caps.AVC = selectAVCMode(flags)

	if caps.DesktopWidth == 0 || caps.DesktopHeight == 0 {
		return nil, fmt.Errorf("%w: zero desktop dimensions", ErrMalformedPDU)
	}
	// Leave headroom for the channel framing around the graphics payload.
	const pduCeiling = MaxPDUSize - 64
	if caps.MaxPDUSize == 0 || int(caps.MaxPDUSize) > pduCeiling {
		caps.MaxPDUSize = pduCeiling
	}
	if caps.WindowBytes == 0 {
		caps.WindowBytes = defaultWindowBytes
	}
	if caps.MonitorCount == 0 {
		caps.MonitorCount = 1
	}
	if caps.AVC == AVCModeNone {
		return nil, fmt.Errorf("rdp: client supports no H.264 mode")
	}
	return caps, nil
}

// selectAVCMode picks the richest advertised mode. Partial advertisement
// degrades in fixed order: 444v2, then 444, then 420.
func selectAVCMode(flags uint16) AVCMode {
	switch {
	case flags&capFlagAVC444v2 != 0:
		return AVCMode444v2
	case flags&capFlagAVC444 != 0:
		return AVCMode444
	case flags&capFlagAVC420 != 0:
		return AVCMode420
	default:
		return AVCModeNone
	}
}

// EncodeServerCapabilities builds the server demand payload mirroring the
// client layout.
func EncodeServerCapabilities(caps *CapabilitySet) []byte {
	out := make([]byte, 15)
	binary.LittleEndian.PutUint16(out[0:2], caps.DesktopWidth)
	binary.LittleEndian.PutUint16(out[2:4], caps.DesktopHeight)
	binary.LittleEndian.PutUint16(out[4:6], caps.BPP)
	binary.LittleEndian.PutUint16(out[6:8], caps.MaxPDUSize)
	binary.LittleEndian.PutUint32(out[8:12], caps.WindowBytes)
	var flags uint16
	switch caps.AVC {
	case AVCMode444v2:
		flags = capFlagAVC444v2 | capFlagAVC444 | capFlagAVC420
	case AVCMode444:
		flags = capFlagAVC444 | capFlagAVC420
	case AVCMode420:
		flags = capFlagAVC420
	}
	binary.LittleEndian.PutUint16(out[12:14], flags)
	out[14] = caps.MonitorCount
	return out
}
