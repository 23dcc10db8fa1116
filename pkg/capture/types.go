// Package capture negotiates screen capture and input access with the XDG
// desktop portal and delivers raw video frames from the PipeWire media
// graph, one stream per monitor.
package capture

import (
	"errors"

	"github.com/go-gst/go-gst/gst"
)

// Frame errors surfaced by Start.
var (
	ErrPermissionDenied  = errors.New("capture: permission denied by portal")
	ErrPortalUnavailable = errors.New("capture: portal unavailable")
	ErrNoMonitors        = errors.New("capture: no monitors in portal response")
	ErrStopped           = errors.New("capture: source stopped")

	// ErrEphemeralOnly is a non-fatal warning: the portal refused token
	// persistence and the session was created without it.
	ErrEphemeralOnly = errors.New("capture: portal refused restore-token persistence")
)

// PixelFormat tags the layout of a VideoFrame's payload.
type PixelFormat uint8

const (
	FormatBGRA8 PixelFormat = iota
	FormatNV12
	FormatDMABUF
)

func (f PixelFormat) String() string {
	switch f {
	case FormatBGRA8:
		return "BGRA8"
	case FormatNV12:
		return "NV12"
	case FormatDMABUF:
		return "DMABUF"
	default:
		return "unknown"
	}
}

// Rect is a damage rectangle in frame coordinates.
type Rect struct {
	X, Y          int32
	Width, Height uint32
}

// VideoFrame is one captured framebuffer. Ownership moves with the frame:
// the producer may not touch Data or Handle after handing it off.
//
// In the zero-copy path Format is FormatDMABUF, Data is nil, and Handle
// carries the unmapped GPU-resident buffer straight from the media graph;
// the encoder pushes the handle into its own graph without ever mapping
// the pixels into system memory.
type VideoFrame struct {
	MonitorID uint32
	Width     uint32
	Height    uint32
	Stride    uint32
	Format    PixelFormat
	PTS       uint64      // nanoseconds
	Data      []byte      // pixel data; nil when Format == FormatDMABUF
	Handle    *gst.Buffer // dmabuf-backed buffer; set only for FormatDMABUF
	Damage    []Rect      // nil means full frame
}

// MonitorDescriptor describes one monitor of the captured desktop.
// The list is immutable for the session lifetime; exactly one entry is
// primary and bounding rectangles do not overlap.
type MonitorDescriptor struct {
	ID      uint32
	Name    string
	Width   uint32
	Height  uint32
	OriginX int32
	OriginY int32
	Primary bool
	Scale   float32
}

// Contains reports whether the desktop-space point lies inside the
// monitor's bounding rectangle.
func (m MonitorDescriptor) Contains(x, y int32) bool {
	return x >= m.OriginX && y >= m.OriginY &&
		x < m.OriginX+int32(m.Width) && y < m.OriginY+int32(m.Height)
}

// BoundingBox returns the union bounding box of a monitor layout.
func BoundingBox(monitors []MonitorDescriptor) (width, height uint32) {
	var maxX, maxY int32
	for _, m := range monitors {
		if r := m.OriginX + int32(m.Width); r > maxX {
			maxX = r
		}
		if b := m.OriginY + int32(m.Height); b > maxY {
			maxY = b
		}
	}
	if maxX < 0 || maxY < 0 {
		return 0, 0
	}
	return uint32(maxX), uint32(maxY)
}
