package clipboard

import (
	"crypto/sha256"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Origin tags which side of the bridge produced a clipboard change.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

func (o Origin) opposite() Origin {
	if o == OriginLocal {
		return OriginRemote
	}
	return OriginLocal
}

// loopWindow is how long an observation suppresses its own echo.
const loopWindow = 500 * time.Millisecond

// loopDetector suppresses clipboard ping-pong: a sync in one direction is
// dropped when identical content or an identical format set was just seen
// coming the other way. Mutated only from the bridge task; no locking.
type loopDetector struct {
	now     func() time.Time
	entries []loopEntry
}

type loopEntry struct {
	key    [32]byte
	origin Origin
	at     time.Time
}

func newLoopDetector(now func() time.Time) *loopDetector {
	if now == nil {
		now = time.Now
	}
	return &loopDetector{now: now}
}

// ContentKey hashes payload bytes.
func ContentKey(content []byte) [32]byte {
	return sha256.Sum256(content)
}

// FormatSetKey hashes a normalized format-id set: order-insensitive,
// duplicates collapsed.
func FormatSetKey(ids []uint32) [32]byte {
	sorted := append([]uint32(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sb strings.Builder
	var last uint32
	for i, id := range sorted {
		if i > 0 && id == last {
			continue
		}
		sb.WriteString(strconv.FormatUint(uint64(id), 10))
		sb.WriteByte(',')
		last = id
	}
	return sha256.Sum256([]byte(sb.String()))
}

// Observe records a change seen from origin.
func (d *loopDetector) Observe(key [32]byte, origin Origin) {
	d.prune()
	d.entries = append(d.entries, loopEntry{key: key, origin: origin, at: d.now()})
}

// Suppress reports whether a change arriving from `from` must be dropped:
// true when the opposite side observed the same key inside the window,
// meaning this change is that sync's own echo.
func (d *loopDetector) Suppress(key [32]byte, from Origin) bool {
	d.prune()
	for _, e := range d.entries {
		if e.key == key && e.origin == from.opposite() {
			return true
		}
	}
	return false
}

func (d *loopDetector) prune() {
	cutoff := d.now().Add(-loopWindow)
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.entries = kept
}
