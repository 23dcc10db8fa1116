package encoder

// sequencer owns the per-monitor sequence and keyframe discipline shared
// by every stage variant: sequences are gap-free and strictly increasing,
// and the first frame after a declared reset is forced to be a keyframe.
type sequencer struct {
	seq          map[uint32]uint64
	forceKey     map[uint32]bool
	globalForce  bool
	framesSince  map[uint32]int
	keyInterval  int
}

func newSequencer(keyInterval int) *sequencer {
	return &sequencer{
		seq:         map[uint32]uint64{},
		forceKey:    map[uint32]bool{},
		framesSince: map[uint32]int{},
		keyInterval: keyInterval,
	}
}

// next returns the sequence number for the monitor's next frame and
// whether that frame must be a keyframe (interval hit, explicit request,
// or first frame after reset).
func (s *sequencer) next(monitorID uint32) (seq uint64, wantKey bool) {
	s.seq[monitorID]++
	seq = s.seq[monitorID]

	wantKey = seq == 1 || s.globalForce || s.forceKey[monitorID]
	if s.keyInterval > 0 && s.framesSince[monitorID] >= s.keyInterval {
		wantKey = true
	}
	if wantKey {
		s.framesSince[monitorID] = 0
		s.forceKey[monitorID] = false
		s.globalForce = false
	} else {
		s.framesSince[monitorID]++
	}
	return seq, wantKey
}

// requestKeyframe arms a keyframe for every monitor's next frame.
func (s *sequencer) requestKeyframe() { s.globalForce = true }

// declareReset arms a keyframe for one monitor after an internal failure.
// The sequence itself is not rewound: the break is visible to consumers
// as a forced-refresh event, then numbering resumes with step 1.
func (s *sequencer) declareReset(monitorID uint32) { s.forceKey[monitorID] = true }
