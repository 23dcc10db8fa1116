package rdp

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Clipboard channel message types (MS-RDPECLIP numbering).
const (
	ClipFormatList         = 0x0002
	ClipFormatListResponse = 0x0003
	ClipFormatDataRequest  = 0x0004
	ClipFormatDataResponse = 0x0005
	ClipFileContentsReq    = 0x0008
	ClipFileContentsResp   = 0x0009
)

// Clipboard message flags.
const (
	ClipFlagOK   = 0x0001
	ClipFlagFail = 0x0002
	ClipFlagMore = 0x0004 // further chunks of the same payload follow
)

// FileContents request operations.
const (
	FileContentsSize  = 0x0001
	FileContentsRange = 0x0002
)

// ClipMessage is one clipboard channel PDU: an 8-byte header then the
// message body.
type ClipMessage struct {
	Type  uint16
	Flags uint16
	Body  []byte
}

const clipHeaderLen = 8

// EncodeClipMessage frames a clipboard message.
func EncodeClipMessage(m ClipMessage) []byte {
	out := make([]byte, clipHeaderLen+len(m.Body))
	binary.LittleEndian.PutUint16(out[0:2], m.Type)
	binary.LittleEndian.PutUint16(out[2:4], m.Flags)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(m.Body)))
	copy(out[clipHeaderLen:], m.Body)
	return out
}

// ParseClipMessage splits a clipboard PDU into header and body.
func ParseClipMessage(payload []byte) (ClipMessage, error) {
	if len(payload) < clipHeaderLen {
		return ClipMessage{}, fmt.Errorf("%w: clip PDU %d bytes", ErrMalformedPDU, len(payload))
	}
	m := ClipMessage{
		Type:  binary.LittleEndian.Uint16(payload[0:2]),
		Flags: binary.LittleEndian.Uint16(payload[2:4]),
	}
	n := binary.LittleEndian.Uint32(payload[4:8])
	body := payload[clipHeaderLen:]
	if int(n) != len(body) {
		return ClipMessage{}, fmt.Errorf("%w: clip body declares %d, carries %d", ErrMalformedPDU, n, len(body))
	}
	m.Body = body
	return m, nil
}

// ClipFormat is one entry of a format list.
type ClipFormat struct {
	ID   uint32
	Name string // long format name; empty for built-in CF_* ids
}

// EncodeFormatList builds a CB_FORMAT_LIST body with long format names
// (UTF-16LE, NUL terminated).
func EncodeFormatList(formats []ClipFormat) []byte {
	var out []byte
	for _, f := range formats {
		var id [4]byte
		binary.LittleEndian.PutUint32(id[:], f.ID)
		out = append(out, id[:]...)
		for _, u := range utf16.Encode([]rune(f.Name)) {
			var c [2]byte
			binary.LittleEndian.PutUint16(c[:], u)
			out = append(out, c[:]...)
		}
		out = append(out, 0, 0)
	}
	return out
}

// ParseFormatList decodes a CB_FORMAT_LIST body.
func ParseFormatList(body []byte) ([]ClipFormat, error) {
	var formats []ClipFormat
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, fmt.Errorf("%w: truncated format entry", ErrMalformedPDU)
		}
		f := ClipFormat{ID: binary.LittleEndian.Uint32(body[0:4])}
		body = body[4:]

		var units []uint16
		for {
			if len(body) < 2 {
				return nil, fmt.Errorf("%w: unterminated format name", ErrMalformedPDU)
			}
			u := binary.LittleEndian.Uint16(body[0:2])
			body = body[2:]
			if u == 0 {
				break
			}
			units = append(units, u)
		}
		f.Name = string(utf16.Decode(units))
		formats = append(formats, f)
	}
	return formats, nil
}

// EncodeFormatDataRequest asks the peer for one format's payload.
func EncodeFormatDataRequest(formatID uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, formatID)
	return out
}

// ParseFormatDataRequest decodes the requested format id.
func ParseFormatDataRequest(body []byte) (uint32, error) {
	if len(body) != 4 {
		return 0, fmt.Errorf("%w: data request %d bytes", ErrMalformedPDU, len(body))
	}
	return binary.LittleEndian.Uint32(body), nil
}

// FileContentsRequest addresses one file of a FileGroupDescriptorW list
// by index, with a byte range.
type FileContentsRequest struct {
	StreamID  uint32
	ListIndex uint32
	Op        uint32 // FileContentsSize or FileContentsRange
	Offset    uint64
	Size      uint32
}

// EncodeFileContentsRequest frames a CB_FILECONTENTS_REQUEST body.
func EncodeFileContentsRequest(r FileContentsRequest) []byte {
	out := make([]byte, 24)
	binary.LittleEndian.PutUint32(out[0:4], r.StreamID)
	binary.LittleEndian.PutUint32(out[4:8], r.ListIndex)
	binary.LittleEndian.PutUint32(out[8:12], r.Op)
	binary.LittleEndian.PutUint64(out[12:20], r.Offset)
	binary.LittleEndian.PutUint32(out[20:24], r.Size)
	return out
}

// ParseFileContentsRequest decodes a CB_FILECONTENTS_REQUEST body.
func ParseFileContentsRequest(body []byte) (FileContentsRequest, error) {
	if len(body) < 24 {
		return FileContentsRequest{}, fmt.Errorf("%w: file contents request %d bytes", ErrMalformedPDU, len(body))
	}
	return FileContentsRequest{
		StreamID:  binary.LittleEndian.Uint32(body[0:4]),
		ListIndex: binary.LittleEndian.Uint32(body[4:8]),
		Op:        binary.LittleEndian.Uint32(body[8:12]),
		Offset:    binary.LittleEndian.Uint64(body[12:20]),
		Size:      binary.LittleEndian.Uint32(body[20:24]),
	}, nil
}

// EncodeFileContentsResponse frames a CB_FILECONTENTS_RESPONSE body.
func EncodeFileContentsResponse(streamID uint32, data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(out[0:4], streamID)
	copy(out[4:], data)
	return out
}
