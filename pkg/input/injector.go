package input

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bendahl/uinput"
	"github.com/bnema/wayland-virtual-input-go/virtual_keyboard"
	"github.com/bnema/wayland-virtual-input-go/virtual_pointer"
	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/capture"
	"github.com/waylandrdp/wrd-server/pkg/registry"
)

// NewInjector constructs the injector selected by the registry verdict.
// The portal paths reuse the session's portal; the compositor fallbacks
// open their own devices.
func NewInjector(strategy registry.InputStrategy, portal *capture.Portal, monitors []capture.MonitorDescriptor, logger zerolog.Logger) (Injector, error) {
	switch strategy {
	case registry.InputPortalAbsolute, registry.InputPortalRelative:
		return &portalInjector{portal: portal}, nil
	case registry.InputVirtualWLR:
		w, h := capture.BoundingBox(monitors)
		return newWLRInjector(int(w), int(h), logger)
	case registry.InputUinput:
		return newUinputInjector(logger)
	default:
		return nil, fmt.Errorf("input: unknown strategy %d", strategy)
	}
}

// PrimeKeyboard sends one harmless Escape press+release. Some compositors
// silently drop the first injected key event of a session; priming spends
// that loss here instead of on the user's first real keystroke.
func PrimeKeyboard(inj Injector) {
	const escape = 1
	_ = inj.KeyboardKeycode(escape, true)
	_ = inj.KeyboardKeycode(escape, false)
}

// portalInjector forwards to the broker's RemoteDesktop notification
// methods.
type portalInjector struct {
	portal *capture.Portal
}

func (p *portalInjector) KeyboardKeycode(code int32, pressed bool) error {
	return p.portal.NotifyKeyboardKeycode(code, pressed)
}

func (p *portalInjector) PointerMotionAbsolute(monitorID uint32, x, y float64) error {
	return p.portal.NotifyPointerMotionAbsolute(monitorID, x, y)
}

func (p *portalInjector) PointerMotionRelative(dx, dy float64) error {
	return p.portal.NotifyPointerMotion(dx, dy)
}

func (p *portalInjector) PointerButton(code int32, pressed bool) error {
	return p.portal.NotifyPointerButton(code, pressed)
}

func (p *portalInjector) PointerAxis(dx, dy float64) error {
	return p.portal.NotifyPointerAxis(dx, dy)
}

func (p *portalInjector) PointerAxisDiscrete(axis uint32, steps int32) error {
	return p.portal.NotifyPointerAxisDiscrete(axis, steps)
}

func (p *portalInjector) Close() error { return nil }

// wlrInjector speaks zwlr_virtual_pointer_v1 and zwp_virtual_keyboard_v1
// directly. The virtual pointer only supports relative motion, so
// absolute targets integrate against a tracked position.
type wlrInjector struct {
	pointerManager  *virtual_pointer.VirtualPointerManager
	pointer         *virtual_pointer.VirtualPointer
	keyboardManager *virtual_keyboard.VirtualKeyboardManager
	keyboard        *virtual_keyboard.VirtualKeyboard
	logger          zerolog.Logger

	mu      sync.Mutex
	closed  bool
	curX    float64
	curY    float64
	haveCur bool
	screenW float64
	screenH float64
}

func newWLRInjector(screenW, screenH int, logger zerolog.Logger) (*wlrInjector, error) {
	ctx := context.Background()

	pointerManager, err := virtual_pointer.NewVirtualPointerManager(ctx)
	if err != nil {
		return nil, fmt.Errorf("input: virtual pointer manager: %w", err)
	}
	pointer, err := pointerManager.CreatePointer()
	if err != nil {
		pointerManager.Close()
		return nil, fmt.Errorf("input: virtual pointer: %w", err)
	}
	keyboardManager, err := virtual_keyboard.NewVirtualKeyboardManager(ctx)
	if err != nil {
		pointer.Close()
		pointerManager.Close()
		return nil, fmt.Errorf("input: virtual keyboard manager: %w", err)
	}
	keyboard, err := keyboardManager.CreateKeyboard()
	if err != nil {
		keyboardManager.Close()
		pointer.Close()
		pointerManager.Close()
		return nil, fmt.Errorf("input: virtual keyboard: %w", err)
	}

	logger.Info().Int("width", screenW).Int("height", screenH).Msg("wlroots virtual input ready")
	return &wlrInjector{
		pointerManager:  pointerManager,
		pointer:         pointer,
		keyboardManager: keyboardManager,
		keyboard:        keyboard,
		logger:          logger,
		screenW:         float64(screenW),
		screenH:         float64(screenH),
		curX:            float64(screenW) / 2,
		curY:            float64(screenH) / 2,
	}, nil
}

func (w *wlrInjector) KeyboardKeycode(code int32, pressed bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	state := virtual_keyboard.KeyStateReleased
	if pressed {
		state = virtual_keyboard.KeyStatePressed
	}
	return w.keyboard.Key(time.Now(), uint32(code), state)
}

func (w *wlrInjector) PointerMotionAbsolute(monitorID uint32, x, y float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	targetX, targetY := x, y
	dx := targetX - w.curX
	dy := targetY - w.curY
	w.curX, w.curY = targetX, targetY
	if !w.haveCur {
		w.haveCur = true
	}
	if dx != 0 || dy != 0 {
		w.pointer.MoveRelative(dx, dy)
	}
	return nil
}

func (w *wlrInjector) PointerMotionRelative(dx, dy float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.curX = clamp(w.curX+dx, 0, w.screenW-1)
	w.curY = clamp(w.curY+dy, 0, w.screenH-1)
	w.pointer.MoveRelative(dx, dy)
	return nil
}

func (w *wlrInjector) PointerButton(code int32, pressed bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	state := virtual_pointer.BUTTON_STATE_RELEASED
	if pressed {
		state = virtual_pointer.BUTTON_STATE_PRESSED
	}
	w.pointer.Button(time.Now(), uint32(code), state)
	return nil
}

func (w *wlrInjector) PointerAxis(dx, dy float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if dy != 0 {
		w.pointer.ScrollVertical(dy)
	}
	if dx != 0 {
		w.pointer.ScrollHorizontal(dx)
	}
	return nil
}

func (w *wlrInjector) PointerAxisDiscrete(axis uint32, steps int32) error {
	// 15 units per wheel notch matches typical compositor expectations.
	if axis == 0 {
		return w.PointerAxis(0, float64(steps)*15)
	}
	return w.PointerAxis(float64(steps)*15, 0)
}

func (w *wlrInjector) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.keyboard != nil {
		w.keyboard.Close()
	}
	if w.keyboardManager != nil {
		w.keyboardManager.Close()
	}
	if w.pointer != nil {
		w.pointer.Close()
	}
	if w.pointerManager != nil {
		w.pointerManager.Close()
	}
	w.logger.Info().Msg("wlroots virtual input closed")
	return nil
}

// uinputInjector is the /dev/uinput last resort for hosts with neither a
// RemoteDesktop portal nor wlroots protocols. Needs device permissions.
type uinputInjector struct {
	keyboard uinput.Keyboard
	mouse    uinput.Mouse
	logger   zerolog.Logger
	mu       sync.Mutex
	closed   bool
}

func newUinputInjector(logger zerolog.Logger) (*uinputInjector, error) {
	keyboard, err := uinput.CreateKeyboard("/dev/uinput", []byte("wrd-keyboard"))
	if err != nil {
		return nil, fmt.Errorf("input: create uinput keyboard: %w", err)
	}
	mouse, err := uinput.CreateMouse("/dev/uinput", []byte("wrd-mouse"))
	if err != nil {
		keyboard.Close()
		return nil, fmt.Errorf("input: create uinput mouse: %w", err)
	}
	logger.Info().Msg("uinput virtual devices created")
	return &uinputInjector{keyboard: keyboard, mouse: mouse, logger: logger}, nil
}

func (u *uinputInjector) KeyboardKeycode(code int32, pressed bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	if pressed {
		return u.keyboard.KeyDown(int(code))
	}
	return u.keyboard.KeyUp(int(code))
}

func (u *uinputInjector) PointerMotionAbsolute(monitorID uint32, x, y float64) error {
	// uinput mice are relative-only; the router integrates deltas for this
	// strategy the same way it does for old portals.
	return nil
}

func (u *uinputInjector) PointerMotionRelative(dx, dy float64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	return u.mouse.Move(int32(dx), int32(dy))
}

func (u *uinputInjector) PointerButton(code int32, pressed bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	switch code {
	case btnLeft:
		if pressed {
			return u.mouse.LeftPress()
		}
		return u.mouse.LeftRelease()
	case btnRight:
		if pressed {
			return u.mouse.RightPress()
		}
		return u.mouse.RightRelease()
	case btnMiddle:
		if pressed {
			return u.mouse.MiddlePress()
		}
		return u.mouse.MiddleRelease()
	default:
		return nil
	}
}

func (u *uinputInjector) PointerAxis(dx, dy float64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	if dy != 0 {
		return u.mouse.Wheel(false, int32(dy))
	}
	if dx != 0 {
		return u.mouse.Wheel(true, int32(dx))
	}
	return nil
}

func (u *uinputInjector) PointerAxisDiscrete(axis uint32, steps int32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	return u.mouse.Wheel(axis == 1, steps)
}

func (u *uinputInjector) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.keyboard.Close()
	u.mouse.Close()
	u.logger.Info().Msg("uinput virtual devices closed")
	return nil
}
