// Package input translates RDP input events into broker-accepted
// injection calls: scancode translation, absolute pointer mapping across
// the monitor layout, and version-appropriate dispatch.
package input

import (
	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/capture"
	"github.com/waylandrdp/wrd-server/pkg/observability"
	"github.com/waylandrdp/wrd-server/pkg/rdp"
	"github.com/waylandrdp/wrd-server/pkg/registry"
)

// Injector is the broker-facing sink for translated events. The portal,
// the wlroots virtual input path, and uinput all satisfy it.
type Injector interface {
	KeyboardKeycode(code int32, pressed bool) error
	PointerMotionAbsolute(monitorID uint32, x, y float64) error
	PointerMotionRelative(dx, dy float64) error
	PointerButton(code int32, pressed bool) error
	PointerAxis(dx, dy float64) error
	PointerAxisDiscrete(axis uint32, steps int32) error
	Close() error
}

// MappedPointer is an absolute pointer event resolved to one monitor.
type MappedPointer struct {
	MonitorID uint32
	X, Y      float64
}

// Router consumes decoded input PDUs and dispatches to the injector.
// Events within one PDU go out in PDU order; nothing is batched beyond a
// single PDU, input latency dominating all other concerns.
type Router struct {
	monitors []capture.MonitorDescriptor
	unionW   uint32
	unionH   uint32
	virtualW uint32
	virtualH uint32

	strategy registry.InputStrategy
	injector Injector
	metrics  *observability.Metrics
	logger   zerolog.Logger

	// last dispatched absolute position, for integrated-delta fallback
	lastDesktopX float64
	lastDesktopY float64
	haveLast     bool
}

// NewRouter builds the router for one session. virtualW/H is the
// negotiated virtual desktop extent the client reports coordinates in.
func NewRouter(monitors []capture.MonitorDescriptor, virtualW, virtualH uint32, strategy registry.InputStrategy, injector Injector, metrics *observability.Metrics, logger zerolog.Logger) *Router {
	uw, uh := capture.BoundingBox(monitors)
	if virtualW == 0 {
		virtualW = uw
	}
	if virtualH == 0 {
		virtualH = uh
	}
	return &Router{
		monitors: monitors,
		unionW:   uw,
		unionH:   uh,
		virtualW: virtualW,
		virtualH: virtualH,
		strategy: strategy,
		injector: injector,
		metrics:  metrics,
		logger:   logger.With().Str("component", "input").Logger(),
	}
}

// Dispatch sends one PDU's events, in order. Failures are logged and
// dropped; the client has no actionable recovery, so nothing propagates
// back.
func (r *Router) Dispatch(events []rdp.InputEvent) {
	for i := range events {
		r.dispatchOne(&events[i])
	}
}

func (r *Router) dispatchOne(ev *rdp.InputEvent) {
	var err error
	kind := "unknown"

	switch ev.Kind {
	case rdp.InputKeyDown, rdp.InputKeyUp:
		kind = "key"
		code, ok := scancodeToEvdev(ev.Scancode, ev.Extended)
		if !ok {
			r.drop("unmapped_scancode")
			return
		}
		err = r.injector.KeyboardKeycode(code, ev.Kind == rdp.InputKeyDown)

	case rdp.InputPtrAbs:
		kind = "pointer_abs"
		mapped, ok := r.MapPointer(ev.X, ev.Y)
		if !ok {
			r.drop("pointer_unmappable")
			return
		}
		if r.strategy == registry.InputPortalAbsolute {
			err = r.injector.PointerMotionAbsolute(mapped.MonitorID, mapped.X, mapped.Y)
			r.rememberDesktop(mapped)
		} else {
			// No absolute method on this path; integrate deltas.
			err = r.dispatchAsRelative(mapped)
		}

	case rdp.InputPtrRel:
		kind = "pointer_rel"
		err = r.injector.PointerMotionRelative(float64(ev.DX), float64(ev.DY))

	case rdp.InputButton:
		kind = "button"
		code, ok := buttonToEvdev(ev.Button)
		if !ok {
			r.drop("unmapped_button")
			return
		}
		err = r.injector.PointerButton(code, ev.Pressed)

	case rdp.InputWheel:
		kind = "wheel"
		// Wire deltas are multiples of 120 per notch.
		steps := int32(ev.Delta) / 120
		if steps == 0 && ev.Delta != 0 {
			if ev.Delta > 0 {
				steps = 1
			} else {
				steps = -1
			}
		}
		err = r.injector.PointerAxisDiscrete(uint32(ev.Axis), steps)

	case rdp.InputSync:
		// Modifier sync carries no injectable event in the portal model.
		return

	default:
		r.drop("unknown_kind")
		return
	}

	if r.metrics != nil {
		r.metrics.InputEvents.WithLabelValues(kind).Inc()
	}
	if err != nil {
		// Fire and forget: log, never back-propagate.
		r.logger.Debug().Err(err).Str("kind", kind).Msg("broker dispatch failed")
	}
}

// dispatchAsRelative integrates absolute positions into deltas for broker
// versions without NotifyPointerMotionAbsolute.
func (r *Router) dispatchAsRelative(mapped MappedPointer) error {
	m, ok := r.monitorByID(mapped.MonitorID)
	if !ok {
		return nil
	}
	desktopX := float64(m.OriginX) + mapped.X
	desktopY := float64(m.OriginY) + mapped.Y
	if !r.haveLast {
		r.lastDesktopX, r.lastDesktopY = desktopX, desktopY
		r.haveLast = true
		return r.injector.PointerMotionRelative(desktopX, desktopY)
	}
	dx := desktopX - r.lastDesktopX
	dy := desktopY - r.lastDesktopY
	r.lastDesktopX, r.lastDesktopY = desktopX, desktopY
	return r.injector.PointerMotionRelative(dx, dy)
}

func (r *Router) rememberDesktop(mapped MappedPointer) {
	if m, ok := r.monitorByID(mapped.MonitorID); ok {
		r.lastDesktopX = float64(m.OriginX) + mapped.X
		r.lastDesktopY = float64(m.OriginY) + mapped.Y
		r.haveLast = true
	}
}

func (r *Router) monitorByID(id uint32) (capture.MonitorDescriptor, bool) {
	for _, m := range r.monitors {
		if m.ID == id {
			return m, true
		}
	}
	return capture.MonitorDescriptor{}, false
}

// MapPointer converts virtual-desktop coordinates to a monitor-local
// position. The virtual extent scales onto the union bounding box; the
// monitor whose rectangle contains the point wins, ties broken by the
// primary monitor then the lowest id. Points outside every rectangle are
// clamped into the nearest monitor so the result always lies inside its
// monitor's bounds.
func (r *Router) MapPointer(vx, vy uint16) (MappedPointer, bool) {
	if len(r.monitors) == 0 || r.virtualW == 0 || r.virtualH == 0 {
		return MappedPointer{}, false
	}

	desktopX := float64(vx) * float64(r.unionW) / float64(r.virtualW)
	desktopY := float64(vy) * float64(r.unionH) / float64(r.virtualH)

	var best *capture.MonitorDescriptor
	for i := range r.monitors {
		m := &r.monitors[i]
		if !m.Contains(int32(desktopX), int32(desktopY)) {
			continue
		}
		if best == nil || betterTiebreak(m, best) {
			best = m
		}
	}
	if best == nil {
		best = r.nearestMonitor(desktopX, desktopY)
	}

	localX := clamp(desktopX-float64(best.OriginX), 0, float64(best.Width-1))
	localY := clamp(desktopY-float64(best.OriginY), 0, float64(best.Height-1))
	return MappedPointer{MonitorID: best.ID, X: localX, Y: localY}, true
}

// betterTiebreak prefers primary, then lowest id.
func betterTiebreak(a, b *capture.MonitorDescriptor) bool {
	if a.Primary != b.Primary {
		return a.Primary
	}
	return a.ID < b.ID
}

func (r *Router) nearestMonitor(x, y float64) *capture.MonitorDescriptor {
	best := &r.monitors[0]
	bestDist := monitorDistance(best, x, y)
	for i := 1; i < len(r.monitors); i++ {
		m := &r.monitors[i]
		if d := monitorDistance(m, x, y); d < bestDist || (d == bestDist && betterTiebreak(m, best)) {
			best, bestDist = m, d
		}
	}
	return best
}

func monitorDistance(m *capture.MonitorDescriptor, x, y float64) float64 {
	cx := clamp(x, float64(m.OriginX), float64(m.OriginX)+float64(m.Width-1))
	cy := clamp(y, float64(m.OriginY), float64(m.OriginY)+float64(m.Height-1))
	dx, dy := x-cx, y-cy
	return dx*dx + dy*dy
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (r *Router) drop(reason string) {
	if r.metrics != nil {
		r.metrics.InputDropped.WithLabelValues(reason).Inc()
	}
}
