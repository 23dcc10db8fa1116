package input

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waylandrdp/wrd-server/pkg/capture"
	"github.com/waylandrdp/wrd-server/pkg/rdp"
	"github.com/waylandrdp/wrd-server/pkg/registry"
)

type recordedCall struct {
	kind string
	args []interface{}
}

type fakeInjector struct {
	calls []recordedCall
}

func (f *fakeInjector) record(kind string, args ...interface{}) {
	f.calls = append(f.calls, recordedCall{kind, args})
}

func (f *fakeInjector) KeyboardKeycode(code int32, pressed bool) error {
	f.record("key", code, pressed)
	return nil
}
func (f *fakeInjector) PointerMotionAbsolute(monitorID uint32, x, y float64) error {
	f.record("abs", monitorID, x, y)
	return nil
}
func (f *fakeInjector) PointerMotionRelative(dx, dy float64) error {
	f.record("rel", dx, dy)
	return nil
}
func (f *fakeInjector) PointerButton(code int32, pressed bool) error {
	f.record("button", code, pressed)
	return nil
}
func (f *fakeInjector) PointerAxis(dx, dy float64) error {
	f.record("axis", dx, dy)
	return nil
}
func (f *fakeInjector) PointerAxisDiscrete(axis uint32, steps int32) error {
	f.record("wheel", axis, steps)
	return nil
}
func (f *fakeInjector) Close() error { return nil }

func dualMonitors() []capture.MonitorDescriptor {
	return []capture.MonitorDescriptor{
		{ID: 0, Width: 1920, Height: 1080, OriginX: 0, OriginY: 0, Primary: true, Scale: 1},
		{ID: 1, Width: 1920, Height: 1080, OriginX: 1920, OriginY: 0, Scale: 1},
	}
}

func newTestRouter(t *testing.T, strategy registry.InputStrategy) (*Router, *fakeInjector) {
	t.Helper()
	inj := &fakeInjector{}
	r := NewRouter(dualMonitors(), 3840, 1080, strategy, inj, nil, zerolog.Nop())
	return r, inj
}

func TestScancodeIdentityBlock(t *testing.T) {
	code, ok := scancodeToEvdev(0x1E, false) // A
	require.True(t, ok)
	assert.Equal(t, int32(30), code)

	code, ok = scancodeToEvdev(0x01, false) // Esc
	require.True(t, ok)
	assert.Equal(t, int32(1), code)
}

func TestScancodeExtendedBlock(t *testing.T) {
	cases := map[uint16]int32{
		0x1D: 97,  // right ctrl
		0x38: 100, // right alt
		0x48: 103, // up arrow
		0x50: 108, // down arrow
		0x47: 102, // home (extended); plain 0x47 is keypad 7
		0x1C: 96,  // keypad enter
	}
	for sc, want := range cases {
		code, ok := scancodeToEvdev(sc, true)
		require.True(t, ok, "scancode %#x", sc)
		assert.Equal(t, want, code)
	}

	// Same codes unextended land in the identity block.
	code, ok := scancodeToEvdev(0x48, false)
	require.True(t, ok)
	assert.Equal(t, int32(0x48), code, "keypad 8, not up arrow")
}

func TestScancodeUnmappedDropped(t *testing.T) {
	_, ok := scancodeToEvdev(0x00, false)
	assert.False(t, ok)
	_, ok = scancodeToEvdev(0xE7, false)
	assert.False(t, ok)
	_, ok = scancodeToEvdev(0x7F, true)
	assert.False(t, ok)
}

func TestPointerMappingSecondMonitor(t *testing.T) {
	// Scenario: virtual (3000,500) in a 3840x1080 virtual desktop lands on
	// the second monitor at local (1080,500).
	r, _ := newTestRouter(t, registry.InputPortalAbsolute)
	mapped, ok := r.MapPointer(3000, 500)
	require.True(t, ok)
	assert.Equal(t, uint32(1), mapped.MonitorID)
	assert.InDelta(t, 1080, mapped.X, 1)
	assert.InDelta(t, 500, mapped.Y, 1)
}

func TestPointerMappingScalesVirtualExtent(t *testing.T) {
	// Client reports coordinates in a half-size virtual desktop.
	inj := &fakeInjector{}
	r := NewRouter(dualMonitors(), 1920, 540, registry.InputPortalAbsolute, inj, nil, zerolog.Nop())
	mapped, ok := r.MapPointer(960, 270)
	require.True(t, ok)
	assert.Equal(t, uint32(1), mapped.MonitorID)
	assert.InDelta(t, 0, mapped.X, 1)
	assert.InDelta(t, 540, mapped.Y, 1)
}

func TestPointerMappingAlwaysInsideMonitorBounds(t *testing.T) {
	r, _ := newTestRouter(t, registry.InputPortalAbsolute)
	for _, pt := range [][2]uint16{{0, 0}, {3839, 1079}, {1920, 540}, {65535, 65535}} {
		mapped, ok := r.MapPointer(pt[0], pt[1])
		require.True(t, ok)
		var m capture.MonitorDescriptor
		found := false
		for _, cand := range dualMonitors() {
			if cand.ID == mapped.MonitorID {
				m, found = cand, true
			}
		}
		require.True(t, found)
		assert.True(t, m.Contains(m.OriginX+int32(mapped.X), m.OriginY+int32(mapped.Y)),
			fmt.Sprintf("virtual %v mapped out of bounds: %+v", pt, mapped))
	}
}

func TestPointerBoundaryTieBreaksToPrimary(t *testing.T) {
	// Diagonal layout: desktop (1000,999) lies in neither rectangle and is
	// one pixel from each, so the nearest-monitor tie goes to the primary
	// monitor even though its id is higher.
	monitors := []capture.MonitorDescriptor{
		{ID: 0, Width: 1000, Height: 1000, OriginX: 0, OriginY: 0, Scale: 1},
		{ID: 1, Width: 1000, Height: 1000, OriginX: 1000, OriginY: 1000, Primary: true, Scale: 1},
	}
	r := NewRouter(monitors, 2000, 2000, registry.InputPortalAbsolute, &fakeInjector{}, nil, zerolog.Nop())
	mapped, ok := r.MapPointer(1000, 999)
	require.True(t, ok)
	assert.Equal(t, uint32(1), mapped.MonitorID)
}

func TestDispatchPreservesPDUOrder(t *testing.T) {
	r, inj := newTestRouter(t, registry.InputPortalAbsolute)
	r.Dispatch([]rdp.InputEvent{
		{Kind: rdp.InputKeyDown, Scancode: 0x1E},
		{Kind: rdp.InputPtrAbs, X: 100, Y: 100},
		{Kind: rdp.InputButton, Button: 1, Pressed: true},
		{Kind: rdp.InputButton, Button: 1},
		{Kind: rdp.InputKeyUp, Scancode: 0x1E},
	})

	kinds := make([]string, len(inj.calls))
	for i, c := range inj.calls {
		kinds[i] = c.kind
	}
	assert.Equal(t, []string{"key", "abs", "button", "button", "key"}, kinds)
}

func TestDispatchUnmappedScancodeDoesNotStall(t *testing.T) {
	r, inj := newTestRouter(t, registry.InputPortalAbsolute)
	r.Dispatch([]rdp.InputEvent{
		{Kind: rdp.InputKeyDown, Scancode: 0xFF},
		{Kind: rdp.InputKeyDown, Scancode: 0x1E},
	})
	require.Len(t, inj.calls, 1)
	assert.Equal(t, int32(30), inj.calls[0].args[0])
}

func TestDispatchRelativeStrategyIntegratesDeltas(t *testing.T) {
	r, inj := newTestRouter(t, registry.InputPortalRelative)
	r.Dispatch([]rdp.InputEvent{
		{Kind: rdp.InputPtrAbs, X: 100, Y: 100},
		{Kind: rdp.InputPtrAbs, X: 150, Y: 120},
	})

	require.Len(t, inj.calls, 2)
	assert.Equal(t, "rel", inj.calls[0].kind)
	// Second event is the delta between the two absolute positions.
	assert.Equal(t, "rel", inj.calls[1].kind)
	assert.InDelta(t, 50, inj.calls[1].args[0].(float64), 0.01)
	assert.InDelta(t, 20, inj.calls[1].args[1].(float64), 0.01)
}

func TestDispatchWheel(t *testing.T) {
	r, inj := newTestRouter(t, registry.InputPortalAbsolute)
	r.Dispatch([]rdp.InputEvent{{Kind: rdp.InputWheel, Axis: 0, Delta: -240}})
	require.Len(t, inj.calls, 1)
	assert.Equal(t, "wheel", inj.calls[0].kind)
	assert.Equal(t, int32(-2), inj.calls[0].args[1])
}

func TestButtonMapping(t *testing.T) {
	code, ok := buttonToEvdev(1)
	require.True(t, ok)
	assert.Equal(t, int32(btnLeft), code)
	_, ok = buttonToEvdev(9)
	assert.False(t, ok)
}
