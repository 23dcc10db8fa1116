package rdp

import (
	"encoding/binary"
	"fmt"
)

// Network Level Authentication exchange, spoken immediately after the TLS
// handshake: the client sends credentials, the server answers with a
// one-byte verdict before any further protocol state is built.

const maxCredentialLen = 512

// AuthRequest carries the client credentials.
type AuthRequest struct {
	Username string
	Password string
	Domain   string
}

// Auth verdict codes.
const (
	AuthOK      = 0x00
	AuthDenied  = 0x01
	AuthBanned  = 0x02
	AuthTimeout = 0x03
)

// EncodeAuthRequest frames credentials: three u16-length-prefixed UTF-8
// fields.
func EncodeAuthRequest(req AuthRequest) []byte {
	fields := []string{req.Username, req.Password, req.Domain}
	out := make([]byte, 0, 6+len(req.Username)+len(req.Password)+len(req.Domain))
	for _, f := range fields {
		var n [2]byte
		binary.LittleEndian.PutUint16(n[:], uint16(len(f)))
		out = append(out, n[:]...)
		out = append(out, f...)
	}
	return out
}

// ParseAuthRequest decodes a credential PDU. Field lengths are bounded;
// anything larger is a malformed PDU, not a resize request.
func ParseAuthRequest(payload []byte) (AuthRequest, error) {
	fields := make([]string, 0, 3)
	rest := payload
	for i := 0; i < 3; i++ {
		if len(rest) < 2 {
			return AuthRequest{}, fmt.Errorf("%w: truncated auth field %d", ErrMalformedPDU, i)
		}
		n := int(binary.LittleEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		if n > maxCredentialLen {
			return AuthRequest{}, fmt.Errorf("%w: auth field %d bytes", ErrMalformedPDU, n)
		}
		if len(rest) < n {
			return AuthRequest{}, fmt.Errorf("%w: auth field overruns PDU", ErrMalformedPDU)
		}
		fields = append(fields, string(rest[:n]))
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return AuthRequest{}, fmt.Errorf("%w: trailing bytes after auth PDU", ErrMalformedPDU)
	}
	return AuthRequest{Username: fields[0], Password: fields[1], Domain: fields[2]}, nil
}

// EncodeAuthResponse frames the verdict.
func EncodeAuthResponse(code byte) []byte { return []byte{code} }
