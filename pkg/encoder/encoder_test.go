package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAnnexB(t *testing.T) {
	stream := []byte{
		0, 0, 0, 1, 0x67, 0xAA, 0xBB, // SPS, 4-byte start code
		0, 0, 0, 1, 0x68, 0xCC, // PPS
		0, 0, 1, 0x65, 0x11, 0x22, 0x33, // IDR, 3-byte start code
	}

	nalus := splitAnnexB(stream)
	require.Len(t, nalus, 3)
	assert.Equal(t, []byte{0x67, 0xAA, 0xBB}, nalus[0])
	assert.Equal(t, []byte{0x68, 0xCC}, nalus[1])
	assert.Equal(t, []byte{0x65, 0x11, 0x22, 0x33}, nalus[2])

	assert.Equal(t, naluSPS, naluType(nalus[0]))
	assert.Equal(t, naluPPS, naluType(nalus[1]))
	assert.Equal(t, naluIDR, naluType(nalus[2]))
	assert.True(t, containsIDR(nalus))
}

func TestSplitAnnexBNonIDROnly(t *testing.T) {
	stream := []byte{0, 0, 0, 1, 0x41, 0x01, 0x02}
	nalus := splitAnnexB(stream)
	require.Len(t, nalus, 1)
	assert.Equal(t, naluNonIDR, naluType(nalus[0]))
	assert.False(t, containsIDR(nalus))
}

func TestSplitAnnexBEmpty(t *testing.T) {
	assert.Empty(t, splitAnnexB(nil))
	assert.Empty(t, splitAnnexB([]byte{0, 0}))
}

func TestFindSPS(t *testing.T) {
	nalus := [][]byte{{0x41, 0x00}, {0x67, 0x42}, {0x68, 0x00}}
	assert.Equal(t, []byte{0x67, 0x42}, findSPS(nalus))
	assert.Nil(t, findSPS([][]byte{{0x41}}))
}

func TestSequencerGapFreeAndMonotonic(t *testing.T) {
	s := newSequencer(60)

	var prev uint64
	for i := 0; i < 200; i++ {
		seq, _ := s.next(7)
		assert.Equal(t, prev+1, seq, "sequence must increase with step 1")
		prev = seq
	}
}

func TestSequencerFirstFrameIsKeyframe(t *testing.T) {
	s := newSequencer(60)
	_, key := s.next(1)
	assert.True(t, key)
	_, key = s.next(1)
	assert.False(t, key)
}

func TestSequencerPerMonitorIndependence(t *testing.T) {
	s := newSequencer(60)
	seqA, _ := s.next(0)
	seqB, _ := s.next(1)
	assert.Equal(t, uint64(1), seqA)
	assert.Equal(t, uint64(1), seqB)
}

func TestSequencerKeyframeInterval(t *testing.T) {
	s := newSequencer(3)
	keys := []bool{}
	for i := 0; i < 8; i++ {
		_, k := s.next(1)
		keys = append(keys, k)
	}
	// Frame 1 keyed; then every time 3 frames pass without a key.
	assert.Equal(t, []bool{true, false, false, false, true, false, false, false}, keys)
}

func TestSequencerRequestKeyframeTakesEffectNextFrame(t *testing.T) {
	s := newSequencer(1000)
	s.next(1)
	s.requestKeyframe()
	_, key := s.next(1)
	assert.True(t, key)
	_, key = s.next(1)
	assert.False(t, key, "request is one-shot")
}

func TestSequencerResetForcesKeyframeWithoutSequenceGap(t *testing.T) {
	s := newSequencer(1000)
	s.next(4) // 1
	s.next(4) // 2
	s.declareReset(4)
	seq, key := s.next(4)
	assert.Equal(t, uint64(3), seq, "reset must not create a sequence gap")
	assert.True(t, key, "first frame after reset is a keyframe")

	// Other monitors unaffected.
	s.next(5)
	_, key = s.next(5)
	assert.False(t, key)
}

func TestIsReset(t *testing.T) {
	assert.True(t, IsReset(&Error{Kind: KindReset}))
	assert.False(t, IsReset(&Error{Kind: KindFatal}))
	assert.False(t, IsReset(assert.AnError))
}

func TestOptionsThreadsDefault(t *testing.T) {
	o := &Options{}
	assert.Equal(t, 2, o.threads())
	o.Threads = 6
	assert.Equal(t, 6, o.threads())
}
