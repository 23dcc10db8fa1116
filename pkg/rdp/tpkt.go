// Package rdp implements the server-side wire protocol for the session
// pipeline: TPKT/X.224 framing, the capability exchange, the graphics
// pipeline channel, the input event stream, and the clipboard channel.
// The TLS listener hands this package an already-authenticated byte
// stream; no legacy RDP security is spoken here.
package rdp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TPKT (RFC 1006) frames every slow-path PDU.
const (
	tpktVersion   = 3
	tpktHeaderLen = 4

	// MaxPDUSize is the largest PDU this server ever frames. The graphics
	// channel sizes its payloads below the client's advertised maximum,
	// which never exceeds this.
	MaxPDUSize = 16 * 1024
)

// Framing errors.
var (
	ErrMalformedPDU = fmt.Errorf("rdp: malformed PDU")
	ErrOversizePDU  = fmt.Errorf("rdp: oversized PDU")
)

// ReadTPKT reads one TPKT-framed payload. Short reads surface as
// io.ErrUnexpectedEOF for the retry layer to classify.
func ReadTPKT(r io.Reader) ([]byte, error) {
	var hdr [tpktHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != tpktVersion {
		return nil, fmt.Errorf("%w: bad TPKT version %d", ErrMalformedPDU, hdr[0])
	}
	total := int(binary.BigEndian.Uint16(hdr[2:4]))
	if total < tpktHeaderLen {
		return nil, fmt.Errorf("%w: TPKT length %d", ErrMalformedPDU, total)
	}
	if total > MaxPDUSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizePDU, total)
	}
	payload := make([]byte, total-tpktHeaderLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteTPKT frames and writes one payload.
func WriteTPKT(w io.Writer, payload []byte) error {
	total := len(payload) + tpktHeaderLen
	if total > MaxPDUSize {
		return fmt.Errorf("%w: %d bytes", ErrOversizePDU, total)
	}
	var hdr [tpktHeaderLen]byte
	hdr[0] = tpktVersion
	binary.BigEndian.PutUint16(hdr[2:4], uint16(total))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// X.224 data TPDU header: length indicator, code, EOT.
var x224DataHeader = []byte{0x02, 0xF0, 0x80}

// WrapX224Data prepends the X.224 data header.
func WrapX224Data(payload []byte) []byte {
	out := make([]byte, 0, len(x224DataHeader)+len(payload))
	out = append(out, x224DataHeader...)
	return append(out, payload...)
}

// UnwrapX224Data strips and validates the X.224 data header.
func UnwrapX224Data(pdu []byte) ([]byte, error) {
	if len(pdu) < len(x224DataHeader) {
		return nil, fmt.Errorf("%w: short X.224 TPDU", ErrMalformedPDU)
	}
	if pdu[1] != 0xF0 {
		return nil, fmt.Errorf("%w: X.224 code 0x%02x", ErrMalformedPDU, pdu[1])
	}
	return pdu[3:], nil
}
