package input

// PC/AT set 1 scancodes map onto evdev keycodes directly for the main
// key block; the Linux keycode table was laid out to match. Extended
// (0xE0-prefixed) keys need an explicit table.

// maxDirectScancode bounds the identity region of set 1.
const maxDirectScancode = 0x58 // F12

// extendedScancodes maps E0-prefixed set 1 codes to evdev keycodes.
var extendedScancodes = map[uint16]int32{
	0x1C: 96,  // keypad enter
	0x1D: 97,  // right ctrl
	0x35: 98,  // keypad divide
	0x37: 99,  // print screen / sysrq
	0x38: 100, // right alt
	0x47: 102, // home
	0x48: 103, // up
	0x49: 104, // page up
	0x4B: 105, // left
	0x4D: 106, // right
	0x4F: 107, // end
	0x50: 108, // down
	0x51: 109, // page down
	0x52: 110, // insert
	0x53: 111, // delete
	0x5B: 125, // left super
	0x5C: 126, // right super
	0x5D: 127, // menu
}

// scancodeToEvdev translates an RDP set 1 scancode with its extended flag
// to an evdev keycode. ok is false for codes the table has no mapping
// for; those events are dropped with a counter increment, never stalling
// the stream.
func scancodeToEvdev(scancode uint16, extended bool) (code int32, ok bool) {
	if extended {
		code, ok = extendedScancodes[scancode]
		return code, ok
	}
	if scancode == 0 || scancode > maxDirectScancode {
		return 0, false
	}
	return int32(scancode), true
}

// Evdev button codes for the pointer (BTN_LEFT block).
const (
	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112
	btnSide   = 0x113
	btnExtra  = 0x114
)

// buttonToEvdev translates the wire button index (1 left, 2 right,
// 3 middle, 4/5 side) to an evdev button code.
func buttonToEvdev(button uint8) (int32, bool) {
	switch button {
	case 1:
		return btnLeft, true
	case 2:
		return btnRight, true
	case 3:
		return btnMiddle, true
	case 4:
		return btnSide, true
	case 5:
		return btnExtra, true
	default:
		return 0, false
	}
}
