package rdp

import (
	"encoding/binary"
	"sync"

	"golang.org/x/time/rate"
)

// Cursor PDU kinds on the out-of-band cursor stream.
const (
	cursorPDUPosition = 0x01
	cursorPDUShape    = 0x02
	cursorPDUHidden   = 0x03
)

// cursorMaxHz bounds cursor updates; position spam beyond this is
// coalesced to the most recent value.
const cursorMaxHz = 120

// CursorStream emits cursor position and shape updates out of band from
// frame data, rate limited to cursorMaxHz.
type CursorStream struct {
	w       *ChannelWriter
	limiter *rate.Limiter

	mu             sync.Mutex
	pendingX       int32
	pendingY       int32
	pendingValid   bool
}

func NewCursorStream(w *ChannelWriter) *CursorStream {
	return &CursorStream{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(cursorMaxHz), 1),
	}
}

// Position queues a cursor move. When the limiter has budget the update
// goes out immediately; otherwise the newest position replaces any older
// pending one and is flushed on the next allowance.
func (c *CursorStream) Position(x, y int32) error {
	c.mu.Lock()
	c.pendingX, c.pendingY = x, y
	c.pendingValid = true
	allowed := c.limiter.Allow()
	if !allowed {
		c.mu.Unlock()
		return nil
	}
	x, y = c.pendingX, c.pendingY
	c.pendingValid = false
	c.mu.Unlock()

	payload := make([]byte, 9)
	payload[0] = cursorPDUPosition
	binary.LittleEndian.PutUint32(payload[1:5], uint32(x))
	binary.LittleEndian.PutUint32(payload[5:9], uint32(y))
	return c.w.WritePDU(ChannelCursor, payload)
}

// Flush sends a coalesced pending position if one is queued and the
// limiter allows. Called from the session's housekeeping tick.
func (c *CursorStream) Flush() error {
	c.mu.Lock()
	if !c.pendingValid || !c.limiter.Allow() {
		c.mu.Unlock()
		return nil
	}
	x, y := c.pendingX, c.pendingY
	c.pendingValid = false
	c.mu.Unlock()

	payload := make([]byte, 9)
	payload[0] = cursorPDUPosition
	binary.LittleEndian.PutUint32(payload[1:5], uint32(x))
	binary.LittleEndian.PutUint32(payload[5:9], uint32(y))
	return c.w.WritePDU(ChannelCursor, payload)
}

// Shape sends a new cursor bitmap: hotspot, dimensions, BGRA pixels.
func (c *CursorStream) Shape(hotX, hotY uint16, width, height uint16, bgra []byte) error {
	payload := make([]byte, 9+len(bgra))
	payload[0] = cursorPDUShape
	binary.LittleEndian.PutUint16(payload[1:3], hotX)
	binary.LittleEndian.PutUint16(payload[3:5], hotY)
	binary.LittleEndian.PutUint16(payload[5:7], width)
	binary.LittleEndian.PutUint16(payload[7:9], height)
	copy(payload[9:], bgra)
	return c.w.WritePDU(ChannelCursor, payload)
}

// Hidden tells the client to stop drawing a cursor.
func (c *CursorStream) Hidden() error {
	return c.w.WritePDU(ChannelCursor, []byte{cursorPDUHidden})
}
