package clipboard

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Transfer errors.
var (
	ErrSizeLimitExceeded = errors.New("clipboard: transfer exceeds size limit")
	ErrIntegrityFailure  = errors.New("clipboard: transfer checksum mismatch")
	ErrTransferTimeout   = errors.New("clipboard: transfer timed out")
	ErrTransferAborted   = errors.New("clipboard: transfer superseded")
)

// ChunkSize is the transfer unit; payloads at or below it go out whole.
const ChunkSize = 64 * 1024

// DefaultMaxSize bounds an incoming transfer.
const DefaultMaxSize = 32 << 20

// Chunk splits a payload into ChunkSize pieces. The returned slices alias
// the input.
func Chunk(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+ChunkSize-1)/ChunkSize)
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// Transfer accumulates one incoming chunked payload and verifies its
// checksum on finalize. Single-owner: driven only from the bridge task.
type Transfer struct {
	origin      Origin
	mime        string
	formatID    uint32
	expectedSum [32]byte
	declared    uint64
	maxSize     uint64
	deadline    time.Time
	logger      zerolog.Logger

	buf      []byte
	chunks   int
	started  time.Time
	now      func() time.Time
	finished bool
}

// TransferOptions configure one transfer.
type TransferOptions struct {
	Origin   Origin
	MIME     string
	FormatID uint32
	// Declared total size and sender checksum.
	Size     uint64
	Checksum [32]byte
	MaxSize  uint64        // 0 means DefaultMaxSize
	Timeout  time.Duration // 0 means 30s
	Now      func() time.Time
	Logger   zerolog.Logger
}

// NewTransfer starts accumulating. A declared size beyond the cap fails
// immediately rather than after 32 MiB of wasted chunks.
func NewTransfer(opts TransferOptions) (*Transfer, error) {
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Size > maxSize {
		return nil, fmt.Errorf("%w: declared %s > limit %s",
			ErrSizeLimitExceeded, humanize.IBytes(opts.Size), humanize.IBytes(maxSize))
	}

	start := now()
	return &Transfer{
		origin:      opts.Origin,
		mime:        opts.MIME,
		formatID:    opts.FormatID,
		expectedSum: opts.Checksum,
		declared:    opts.Size,
		maxSize:     maxSize,
		deadline:    start.Add(timeout),
		logger:      opts.Logger,
		buf:         make([]byte, 0, min64(opts.Size, maxSize)),
		started:     start,
		now:         now,
	}, nil
}

// Append adds one chunk. Overrunning the size cap aborts the transfer; the
// partial buffer is discarded.
func (t *Transfer) Append(chunk []byte) error {
	if t.finished {
		return ErrTransferAborted
	}
	if t.now().After(t.deadline) {
		t.abort()
		return ErrTransferTimeout
	}
	if uint64(len(t.buf))+uint64(len(chunk)) > t.maxSize {
		t.abort()
		return fmt.Errorf("%w: %s received", ErrSizeLimitExceeded, humanize.IBytes(uint64(len(t.buf))+uint64(len(chunk))))
	}
	t.buf = append(t.buf, chunk...)
	t.chunks++
	return nil
}

// Progress returns received bytes, declared total, and an ETA estimate
// (zero until a rate is measurable).
func (t *Transfer) Progress() (received, total uint64, eta time.Duration) {
	received = uint64(len(t.buf))
	total = t.declared
	elapsed := t.now().Sub(t.started)
	if received > 0 && total > received && elapsed > 0 {
		rate := float64(received) / elapsed.Seconds()
		eta = time.Duration(float64(total-received)/rate) * time.Second
	}
	return received, total, eta
}

// Finalize verifies the checksum and hands over the exact payload bytes.
// A mismatch aborts with ErrIntegrityFailure and no partial result.
func (t *Transfer) Finalize() ([]byte, error) {
	if t.finished {
		return nil, ErrTransferAborted
	}
	if t.now().After(t.deadline) {
		t.abort()
		return nil, ErrTransferTimeout
	}
	sum := sha256.Sum256(t.buf)
	if sum != t.expectedSum {
		t.abort()
		return nil, ErrIntegrityFailure
	}
	t.finished = true
	received := uint64(len(t.buf))
	t.logger.Debug().
		Str("origin", t.origin.String()).
		Str("mime", t.mime).
		Int("chunks", t.chunks).
		Str("size", humanize.IBytes(received)).
		Dur("elapsed", t.now().Sub(t.started)).
		Msg("clipboard transfer finalized")
	return t.buf, nil
}

// Abort discards the transfer. Used when a newer clipboard change
// supersedes it.
func (t *Transfer) Abort() { t.abort() }

func (t *Transfer) abort() {
	t.finished = true
	t.buf = nil
}

// Chunks returns how many chunks were appended.
func (t *Transfer) Chunks() int { return t.chunks }

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
