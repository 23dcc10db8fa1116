package encoder

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
)

// NALU type codes (H.264 Annex-B, header & 0x1f).
const (
	naluNonIDR = 1
	naluIDR    = 5
	naluSEI    = 6
	naluSPS    = 7
	naluPPS    = 8
)

// splitAnnexB splits an Annex-B byte stream into NALUs with start codes
// stripped. Both 3- and 4-byte start codes are accepted.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && (data[i+2] == 1 || (i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1)) {
			scLen := 3
			if data[i+2] == 0 {
				scLen = 4
			}
			if start >= 0 && i > start {
				nalus = append(nalus, trimTrailingZeros(data[start:i]))
			}
			i += scLen
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

// trimTrailingZeros drops zero padding between a NALU and the next start
// code (a 4-byte start code's leading zero otherwise sticks to the
// previous unit).
func trimTrailingZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

func naluType(nalu []byte) int {
	if len(nalu) == 0 {
		return -1
	}
	return int(nalu[0] & 0x1f)
}

// containsIDR reports whether any unit is an IDR picture.
func containsIDR(nalus [][]byte) bool {
	for _, n := range nalus {
		if naluType(n) == naluIDR {
			return true
		}
	}
	return false
}

// streamInfo is the SPS-derived description of the encoded stream, logged
// once per encode pipeline when its first SPS appears.
type streamInfo struct {
	Profile uint
	Level   uint
	Width   uint
	Height  uint
}

// parseSPSInfo extracts geometry and profile from an SPS NALU.
func parseSPSInfo(sps []byte) (*streamInfo, error) {
	if naluType(sps) != naluSPS {
		return nil, fmt.Errorf("encoder: not an SPS unit")
	}
	parsed, err := avc.ParseSPSNALUnit(sps, true)
	if err != nil {
		return nil, fmt.Errorf("encoder: parse SPS: %w", err)
	}
	return &streamInfo{
		Profile: uint(parsed.Profile),
		Level:   uint(parsed.Level),
		Width:   parsed.Width,
		Height:  parsed.Height,
	}, nil
}

// findSPS returns the first SPS unit, if any.
func findSPS(nalus [][]byte) []byte {
	for _, n := range nalus {
		if naluType(n) == naluSPS {
			return n
		}
	}
	return nil
}
