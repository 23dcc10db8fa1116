package rdp

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/encoder"
)

// Graphics PDU layout:
//
//	u8  flags (bit0 keyframe, bit1 first-of-frame, bit2 last-of-frame)
//	u16 monitor id (LE)
//	u64 sequence (LE)
//	u64 pts ns (LE)
//	then 1..n NALUs, each 4-byte big-endian length prefixed
const (
	gfxFlagKeyframe = 1 << 0
	gfxFlagFirst    = 1 << 1
	gfxFlagLast     = 1 << 2

	gfxHeaderLen   = 1 + 2 + 8 + 8
	naluPrefixLen  = 4
)

// Flow-control tuning per design: back off above 80% window fullness,
// recover after two seconds below 40%.
const (
	fullnessHigh  = 0.80
	fullnessLow   = 0.40
	raiseAfter    = 2 * time.Second
	lowerFactor   = 0.75
	raiseFactor   = 1.10
	floorKbps     = 500
)

// BitrateController is the encoder-facing feedback surface.
type BitrateController interface {
	SetBitrate(kbps int)
	RequestKeyframe()
}

// GraphicsChannel owns the graphics stream: packetization of encoded
// frames and the window-based rate feedback loop.
type GraphicsChannel struct {
	w       *ChannelWriter
	caps    *CapabilitySet
	ctrl    BitrateController
	logger  zerolog.Logger

	mu          sync.Mutex
	inFlight    int64
	currentKbps int
	capKbps     int
	belowSince  time.Time
	lastSeq     map[uint32]uint64
}

// NewGraphicsChannel binds the channel to the negotiated capabilities and
// the encoder control surface. startKbps is the configured bitrate, which
// is also the recovery ceiling.
func NewGraphicsChannel(w *ChannelWriter, caps *CapabilitySet, ctrl BitrateController, startKbps int, logger zerolog.Logger) *GraphicsChannel {
	return &GraphicsChannel{
		w:           w,
		caps:        caps,
		ctrl:        ctrl,
		logger:      logger.With().Str("component", "graphics").Str("avc", caps.AVC.String()).Logger(),
		currentKbps: startKbps,
		capKbps:     startKbps,
		lastSeq:     map[uint32]uint64{},
	}
}

// maxPayload is the PDU budget left for NALU data.
func (g *GraphicsChannel) maxPayload() int {
	return int(g.caps.MaxPDUSize) - gfxHeaderLen
}

// SendFrame packetizes one encoded frame into one or more graphics PDUs.
// NALUs are never split across PDUs; a NALU that cannot fit even alone
// triggers a keyframe request and an ErrOversizePDU so the session can
// renegotiate.
func (g *GraphicsChannel) SendFrame(f *encoder.EncodedFrame) error {
	g.mu.Lock()
	if last, ok := g.lastSeq[f.MonitorID]; ok && f.Sequence != last+1 {
		// A sequence break is a declared encoder reset; treat it as a
		// forced refresh and expect a keyframe.
		g.logger.Warn().
			Uint32("monitor_id", f.MonitorID).
			Uint64("have", last).
			Uint64("got", f.Sequence).
			Bool("keyframe", f.Keyframe).
			Msg("sequence break on graphics channel")
	}
	g.lastSeq[f.MonitorID] = f.Sequence
	g.mu.Unlock()

	budget := g.maxPayload()
	var batch [][]byte
	batchBytes := 0
	first := true

	flush := func(last bool) error {
		if len(batch) == 0 {
			return nil
		}
		pdu := g.buildPDU(f, batch, first, last)
		first = false
		batch = batch[:0]
		batchBytes = 0
		if err := g.w.WritePDU(ChannelGraphics, pdu); err != nil {
			return err
		}
		g.noteSent(int64(len(pdu)))
		return nil
	}

	for _, nalu := range f.NALUs {
		need := naluPrefixLen + len(nalu)
		if need > budget {
			g.ctrl.RequestKeyframe()
			return fmt.Errorf("%w: NALU %d bytes exceeds PDU budget %d", ErrOversizePDU, len(nalu), budget)
		}
		if batchBytes+need > budget {
			if err := flush(false); err != nil {
				return err
			}
		}
		batch = append(batch, nalu)
		batchBytes += need
	}
	return flush(true)
}

func (g *GraphicsChannel) buildPDU(f *encoder.EncodedFrame, nalus [][]byte, first, last bool) []byte {
	size := gfxHeaderLen
	for _, n := range nalus {
		size += naluPrefixLen + len(n)
	}
	out := make([]byte, gfxHeaderLen, size)

	var flags byte
	if f.Keyframe {
		flags |= gfxFlagKeyframe
	}
	if first {
		flags |= gfxFlagFirst
	}
	if last {
		flags |= gfxFlagLast
	}
	out[0] = flags
	binary.LittleEndian.PutUint16(out[1:3], uint16(f.MonitorID))
	binary.LittleEndian.PutUint64(out[3:11], f.Sequence)
	binary.LittleEndian.PutUint64(out[11:19], f.PTS)

	for _, n := range nalus {
		var prefix [naluPrefixLen]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(n)))
		out = append(out, prefix[:]...)
		out = append(out, n...)
	}
	return out
}

// noteSent updates the in-flight gauge and applies the back-off half of
// flow control.
func (g *GraphicsChannel) noteSent(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight += n
	fullness := float64(g.inFlight) / float64(g.caps.WindowBytes)
	if fullness > fullnessHigh {
		lowered := int(float64(g.currentKbps) * lowerFactor)
		if lowered < floorKbps {
			lowered = floorKbps
		}
		if lowered != g.currentKbps {
			g.currentKbps = lowered
			g.ctrl.SetBitrate(lowered)
			g.logger.Info().
				Int("kbps", lowered).
				Float64("fullness", fullness).
				Msg("window pressure, lowering bitrate")
		}
		g.belowSince = time.Time{}
	}
}

// Ack accounts bytes the client acknowledged and applies the recovery
// half of flow control.
func (g *GraphicsChannel) Ack(n uint32) {
	g.ackAt(int64(n), time.Now())
}

func (g *GraphicsChannel) ackAt(n int64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight -= n
	if g.inFlight < 0 {
		g.inFlight = 0
	}
	fullness := float64(g.inFlight) / float64(g.caps.WindowBytes)
	if fullness >= fullnessLow {
		g.belowSince = time.Time{}
		return
	}
	if g.belowSince.IsZero() {
		g.belowSince = now
		return
	}
	if now.Sub(g.belowSince) < raiseAfter || g.currentKbps >= g.capKbps {
		return
	}
	raised := int(float64(g.currentKbps) * raiseFactor)
	if raised > g.capKbps {
		raised = g.capKbps
	}
	g.currentKbps = raised
	g.belowSince = now
	g.ctrl.SetBitrate(raised)
	g.logger.Info().Int("kbps", raised).Msg("window drained, raising bitrate")
}

// CurrentBitrate returns the flow-controlled target.
func (g *GraphicsChannel) CurrentBitrate() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentKbps
}

// InFlight returns unacknowledged bytes.
func (g *GraphicsChannel) InFlight() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// ParseGraphicsPDU decodes a graphics PDU back into its parts. The
// server itself never receives these; the decoder exists for tests and
// diagnostic capture replay.
func ParseGraphicsPDU(payload []byte) (monitorID uint32, seq uint64, keyframe bool, nalus [][]byte, err error) {
	if len(payload) < gfxHeaderLen {
		return 0, 0, false, nil, fmt.Errorf("%w: graphics PDU %d bytes", ErrMalformedPDU, len(payload))
	}
	flags := payload[0]
	monitorID = uint32(binary.LittleEndian.Uint16(payload[1:3]))
	seq = binary.LittleEndian.Uint64(payload[3:11])
	keyframe = flags&gfxFlagKeyframe != 0

	rest := payload[gfxHeaderLen:]
	for len(rest) > 0 {
		if len(rest) < naluPrefixLen {
			return 0, 0, false, nil, fmt.Errorf("%w: truncated NALU prefix", ErrMalformedPDU)
		}
		n := int(binary.BigEndian.Uint32(rest[:naluPrefixLen]))
		rest = rest[naluPrefixLen:]
		if n > len(rest) {
			return 0, 0, false, nil, fmt.Errorf("%w: NALU length %d exceeds payload", ErrMalformedPDU, n)
		}
		nalus = append(nalus, rest[:n])
		rest = rest[n:]
	}
	return monitorID, seq, keyframe, nalus, nil
}
