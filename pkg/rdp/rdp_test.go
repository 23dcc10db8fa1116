package rdp

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waylandrdp/wrd-server/pkg/encoder"
)

func TestTPKTRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, WriteTPKT(&buf, payload))

	got, err := ReadTPKT(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestTPKTRejectsBadVersionAndOversize(t *testing.T) {
	_, err := ReadTPKT(bytes.NewReader([]byte{9, 0, 0, 8, 1, 2, 3, 4}))
	assert.ErrorIs(t, err, ErrMalformedPDU)

	big := make([]byte, MaxPDUSize)
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteTPKT(&buf, big), ErrOversizePDU)
}

func TestX224RoundTrip(t *testing.T) {
	inner := []byte{1, 2, 3}
	got, err := UnwrapX224Data(WrapX224Data(inner))
	require.NoError(t, err)
	assert.Equal(t, inner, got)

	_, err = UnwrapX224Data([]byte{0x02, 0x00, 0x80, 0x01})
	assert.ErrorIs(t, err, ErrMalformedPDU)
}

func TestChannelWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChannelWriter(&buf)
	require.NoError(t, cw.WritePDU(ChannelInput, []byte{0xAA}))

	ch, payload, err := ReadChannelPDU(&buf)
	require.NoError(t, err)
	assert.Equal(t, ChannelInput, ch)
	assert.Equal(t, []byte{0xAA}, payload)
}

func clientCaps(t *testing.T, flags uint16) *CapabilitySet {
	t.Helper()
	payload := make([]byte, 15)
	payload[0], payload[1] = 0x80, 0x07 // 1920
	payload[2], payload[3] = 0x38, 0x04 // 1080
	payload[4] = 32
	payload[6], payload[7] = 0x00, 0x20 // 8192 max PDU
	payload[8] = 0x00
	payload[9] = 0x00
	payload[10] = 0x08 // 512 KiB window
	payload[12] = byte(flags)
	payload[13] = byte(flags >> 8)
	payload[14] = 2
	caps, err := ParseClientCapabilities(payload)
	require.NoError(t, err)
	return caps
}

func TestParseClientCapabilities(t *testing.T) {
	caps := clientCaps(t, capFlagAVC420|capFlagAVC444)
	assert.Equal(t, uint16(1920), caps.DesktopWidth)
	assert.Equal(t, uint16(1080), caps.DesktopHeight)
	assert.Equal(t, AVCMode444, caps.AVC, "richest advertised mode wins")
	assert.Equal(t, uint8(2), caps.MonitorCount)
}

func TestAVCModeFallbackOrder(t *testing.T) {
	assert.Equal(t, AVCMode444v2, selectAVCMode(capFlagAVC444v2|capFlagAVC444|capFlagAVC420))
	assert.Equal(t, AVCMode444, selectAVCMode(capFlagAVC444|capFlagAVC420))
	assert.Equal(t, AVCMode420, selectAVCMode(capFlagAVC420))
	assert.Equal(t, AVCModeNone, selectAVCMode(0))
}

func TestParseClientCapabilitiesRejectsNoH264(t *testing.T) {
	payload := make([]byte, 15)
	payload[0] = 0x80
	payload[1] = 0x07
	payload[2] = 0x38
	payload[3] = 0x04
	_, err := ParseClientCapabilities(payload)
	assert.Error(t, err)
}

func TestServerCapabilitiesRoundTrip(t *testing.T) {
	in := clientCaps(t, capFlagAVC420)
	out, err := ParseClientCapabilities(EncodeServerCapabilities(in))
	require.NoError(t, err)
	assert.Equal(t, in.DesktopWidth, out.DesktopWidth)
	assert.Equal(t, in.AVC, out.AVC)
}

type fakeCtrl struct {
	bitrates  []int
	keyframes int
}

func (f *fakeCtrl) SetBitrate(kbps int) { f.bitrates = append(f.bitrates, kbps) }
func (f *fakeCtrl) RequestKeyframe()    { f.keyframes++ }

func newTestChannel(t *testing.T, window uint32, maxPDU uint16, kbps int) (*GraphicsChannel, *fakeCtrl, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	ctrl := &fakeCtrl{}
	caps := &CapabilitySet{
		DesktopWidth: 1920, DesktopHeight: 1080,
		MaxPDUSize: maxPDU, WindowBytes: window, AVC: AVCMode420,
	}
	g := NewGraphicsChannel(NewChannelWriter(&buf), caps, ctrl, kbps, zerolog.Nop())
	return g, ctrl, &buf
}

func encFrame(monitor uint32, seq uint64, key bool, naluSizes ...int) *encoder.EncodedFrame {
	f := &encoder.EncodedFrame{MonitorID: monitor, Sequence: seq, Keyframe: key, PTS: uint64(seq) * 33_000_000}
	for i, n := range naluSizes {
		nalu := make([]byte, n)
		nalu[0] = byte(0x41 + i)
		f.NALUs = append(f.NALUs, nalu)
	}
	return f
}

func TestGraphicsPacketizationSinglePDU(t *testing.T) {
	g, _, buf := newTestChannel(t, 1<<20, 8192, 4000)
	require.NoError(t, g.SendFrame(encFrame(0, 1, true, 100, 200)))

	ch, payload, err := ReadChannelPDU(buf)
	require.NoError(t, err)
	assert.Equal(t, ChannelGraphics, ch)

	monitor, seq, key, nalus, err := ParseGraphicsPDU(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), monitor)
	assert.Equal(t, uint64(1), seq)
	assert.True(t, key)
	require.Len(t, nalus, 2)
	assert.Len(t, nalus[0], 100)
	assert.Len(t, nalus[1], 200)
}

func TestGraphicsPacketizationNeverSplitsNALUs(t *testing.T) {
	// Budget fits one 1000-byte NALU per PDU, not two.
	g, _, buf := newTestChannel(t, 1<<20, uint16(gfxHeaderLen+2*(naluPrefixLen+1000)-1), 4000)
	require.NoError(t, g.SendFrame(encFrame(0, 1, true, 1000, 1000, 1000)))

	var pduNALUs []int
	for buf.Len() > 0 {
		_, payload, err := ReadChannelPDU(buf)
		require.NoError(t, err)
		_, _, _, nalus, err := ParseGraphicsPDU(payload)
		require.NoError(t, err)
		for _, n := range nalus {
			assert.Len(t, n, 1000, "NALU arrived whole")
		}
		pduNALUs = append(pduNALUs, len(nalus))
	}
	assert.Equal(t, []int{1, 1, 1}, pduNALUs)
}

func TestGraphicsOversizeNALURequestsKeyframe(t *testing.T) {
	g, ctrl, _ := newTestChannel(t, 1<<20, 1024, 4000)
	err := g.SendFrame(encFrame(0, 1, true, 5000))
	assert.ErrorIs(t, err, ErrOversizePDU)
	assert.Equal(t, 1, ctrl.keyframes)
}

func TestFlowControlLowersAboveHighWater(t *testing.T) {
	g, ctrl, _ := newTestChannel(t, 10_000, 8192, 4000)
	// Push ~8KB without acks: fullness > 0.8 triggers one cut to 3000.
	require.NoError(t, g.SendFrame(encFrame(0, 1, true, 4000)))
	require.NoError(t, g.SendFrame(encFrame(0, 2, false, 4000)))

	require.NotEmpty(t, ctrl.bitrates)
	assert.Equal(t, 3000, ctrl.bitrates[0])
	assert.Equal(t, 3000, g.CurrentBitrate())
}

func TestFlowControlFloor(t *testing.T) {
	g, ctrl, _ := newTestChannel(t, 1000, 8192, 600)
	require.NoError(t, g.SendFrame(encFrame(0, 1, true, 2000)))
	require.NotEmpty(t, ctrl.bitrates)
	assert.Equal(t, floorKbps, ctrl.bitrates[len(ctrl.bitrates)-1])
}

func TestFlowControlRaisesAfterTwoQuietSeconds(t *testing.T) {
	g, ctrl, _ := newTestChannel(t, 1_000_000, 8192, 4000)
	g.mu.Lock()
	g.currentKbps = 2000
	g.mu.Unlock()

	now := time.Now()
	g.ackAt(0, now)                       // starts the below-threshold clock
	g.ackAt(0, now.Add(1*time.Second))    // not yet
	assert.Empty(t, ctrl.bitrates)
	g.ackAt(0, now.Add(2100*time.Millisecond))
	require.NotEmpty(t, ctrl.bitrates)
	assert.Equal(t, 2200, ctrl.bitrates[0])
}

func TestFlowControlRaiseCapped(t *testing.T) {
	g, ctrl, _ := newTestChannel(t, 1_000_000, 8192, 4000)
	g.mu.Lock()
	g.currentKbps = 3900
	g.mu.Unlock()

	now := time.Now()
	g.ackAt(0, now)
	g.ackAt(0, now.Add(3*time.Second))
	require.NotEmpty(t, ctrl.bitrates)
	assert.Equal(t, 4000, ctrl.bitrates[0], "raise is capped at the configured bitrate")
}

func TestInputPDURoundTrip(t *testing.T) {
	events := []InputEvent{
		{Kind: InputKeyDown, Scancode: 0x1E, Pressed: true},
		{Kind: InputKeyUp, Scancode: 0x1E},
		{Kind: InputPtrAbs, X: 3000, Y: 500},
		{Kind: InputPtrRel, DX: -5, DY: 7},
		{Kind: InputButton, Button: 1, Pressed: true},
		{Kind: InputWheel, Axis: 0, Delta: -120},
		{Kind: InputSync, SyncBits: 0x5},
	}

	got, err := ParseInputPDU(EncodeInputPDU(events))
	require.NoError(t, err)
	require.Len(t, got, len(events))
	assert.Equal(t, uint16(0x1E), got[0].Scancode)
	assert.True(t, got[0].Pressed)
	assert.Equal(t, uint16(3000), got[2].X)
	assert.Equal(t, int16(-5), got[3].DX)
	assert.Equal(t, int16(-120), got[5].Delta)
	assert.Equal(t, uint32(0x5), got[6].SyncBits)
}

func TestInputPDURejectsTruncated(t *testing.T) {
	pdu := EncodeInputPDU([]InputEvent{{Kind: InputKeyDown, Scancode: 1}})
	_, err := ParseInputPDU(pdu[:len(pdu)-3])
	assert.ErrorIs(t, err, ErrMalformedPDU)
}

func TestClipMessageRoundTrip(t *testing.T) {
	msg := ClipMessage{Type: ClipFormatList, Flags: ClipFlagOK, Body: []byte{1, 2, 3}}
	got, err := ParseClipMessage(EncodeClipMessage(msg))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestFormatListRoundTrip(t *testing.T) {
	formats := []ClipFormat{
		{ID: 13},                          // CF_UNICODETEXT, no name
		{ID: 49443, Name: "HTML Format"},  // registered format
	}
	got, err := ParseFormatList(EncodeFormatList(formats))
	require.NoError(t, err)
	assert.Equal(t, formats, got)
}

func TestFileContentsRequestRoundTrip(t *testing.T) {
	req := FileContentsRequest{StreamID: 7, ListIndex: 2, Op: FileContentsRange, Offset: 1 << 33, Size: 65536}
	got, err := ParseFileContentsRequest(EncodeFileContentsRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestAckPDURoundTrip(t *testing.T) {
	n, err := ParseAckPDU(EncodeAckPDU(123456))
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), n)
}
