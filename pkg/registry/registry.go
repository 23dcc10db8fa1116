// Package registry probes the host once at startup and publishes an
// immutable table of capability descriptors. Every strategy choice
// downstream (capture, encoder, input dispatch, token persistence) is made
// against this table; components never probe for themselves.
package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/gstutil"
)

// Availability grades how usable a probed service is.
type Availability int

const (
	Unavailable Availability = iota
	Degraded
	BestEffort
	Yes
)

func (a Availability) String() string {
	switch a {
	case Yes:
		return "yes"
	case BestEffort:
		return "best-effort"
	case Degraded:
		return "degraded"
	default:
		return "unavailable"
	}
}

// Capability names probed at startup.
const (
	CapPortalScreenCast    = "portal.screencast"
	CapPortalRemoteDesktop = "portal.remotedesktop"
	CapPortalClipboard     = "portal.clipboard"
	CapRestoreToken        = "portal.restore-token"
	CapHardwareH264        = "encode.h264.hardware"
	CapPrivilegedInput     = "input.privileged"
	CapSecretService       = "store.secret-service"
)

// CapabilityDescriptor is one row of the registry table.
type CapabilityDescriptor struct {
	Name      string
	Available Availability
	Version   string
	Reason    string
}

// Compositor identities recognized by the probe.
const (
	CompositorGNOME   = "gnome"
	CompositorKDE     = "kde"
	CompositorWLRoots = "wlroots"
	CompositorUnknown = "unknown"
)

// InputStrategy selects how pointer/keyboard events reach the compositor.
type InputStrategy int

const (
	InputPortalAbsolute InputStrategy = iota // NotifyPointerMotionAbsolute
	InputPortalRelative                      // NotifyPointerMotion with integrated deltas
	InputVirtualWLR                          // zwlr_virtual_pointer/zwp_virtual_keyboard
	InputUinput                              // /dev/uinput last resort
)

// Strategy is the verdict consumed by session provisioning.
type Strategy struct {
	Compositor        string
	CompositorVersion string
	PortalVersion     uint32
	PersistTokens     bool // restore-token flow vs dialog-per-connection
	Input             InputStrategy
	HardwareEncode    bool
}

// Registry is immutable after Probe returns.
type Registry struct {
	caps              map[string]CapabilityDescriptor
	compositor        string
	compositorVersion string
	strategy          Strategy
}

// busAPI is the subset of dbus.Conn the probe needs; test seams inject it.
type busAPI interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Names() []string
	Close() error
}

const (
	portalBus  = "org.freedesktop.portal.Desktop"
	portalPath = dbus.ObjectPath("/org/freedesktop/portal/desktop")

	screenCastIface    = "org.freedesktop.portal.ScreenCast"
	remoteDesktopIface = "org.freedesktop.portal.RemoteDesktop"
	clipboardIface     = "org.freedesktop.portal.Clipboard"
	secretServiceBus   = "org.freedesktop.secrets"
)

// Probe inspects the host. It never returns an error: anything missing is
// recorded as Unavailable with a human-readable reason.
func Probe(logger zerolog.Logger) *Registry {
	r := &Registry{caps: map[string]CapabilityDescriptor{}}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		logger.Warn().Err(err).Msg("session bus unavailable, portal capabilities degraded")
	}
	var bus busAPI
	if conn != nil {
		bus = conn
		defer conn.Close()
	}

	r.compositor = detectCompositor(bus)
	r.compositorVersion = detectCompositorVersion(bus, r.compositor)
	r.probePortal(bus)
	r.probeSecretService(bus)
	r.probeEncoder()
	r.probePrivilegedInput()
	r.strategy = r.decideStrategy()

	for _, c := range r.Capabilities() {
		ev := logger.Info().
			Str("capability", c.Name).
			Str("available", c.Available.String())
		if c.Version != "" {
			ev = ev.Str("version", c.Version)
		}
		if c.Reason != "" {
			ev = ev.Str("reason", c.Reason)
		}
		ev.Msg("capability probed")
	}
	logger.Info().
		Str("compositor", r.compositor).
		Str("compositor_version", r.compositorVersion).
		Uint32("portal_version", r.strategy.PortalVersion).
		Bool("persist_tokens", r.strategy.PersistTokens).
		Bool("hardware_encode", r.strategy.HardwareEncode).
		Msg("strategy selected")

	return r
}

// detectCompositor identifies the running compositor, first from the
// environment and then by checking which D-Bus services answer.
func detectCompositor(conn busAPI) string {
	desktop := strings.ToLower(os.Getenv("XDG_CURRENT_DESKTOP"))
	switch {
	case strings.Contains(desktop, "gnome"):
		return CompositorGNOME
	case strings.Contains(desktop, "kde"):
		return CompositorKDE
	case strings.Contains(desktop, "sway"),
		strings.Contains(desktop, "wlroots"),
		strings.Contains(desktop, "hyprland"),
		strings.Contains(desktop, "river"):
		return CompositorWLRoots
	}

	if conn != nil {
		mutter := conn.Object("org.gnome.Mutter.ScreenCast", "/org/gnome/Mutter/ScreenCast")
		if err := mutter.Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Err; err == nil {
			return CompositorGNOME
		}
		kwin := conn.Object("org.kde.KWin", "/KWin")
		if err := kwin.Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Err; err == nil {
			return CompositorKDE
		}
	}
	return CompositorUnknown
}

// detectCompositorVersion resolves the compositor version string where a
// service exposes one. GNOME publishes it as the shell's ShellVersion
// property; other compositors leave it empty and the portal version is
// the only signal.
func detectCompositorVersion(conn busAPI, compositor string) string {
	if conn == nil {
		return ""
	}
	if compositor == CompositorGNOME {
		shell := conn.Object("org.gnome.Shell", "/org/gnome/Shell")
		if v, err := shell.GetProperty("org.gnome.Shell.ShellVersion"); err == nil {
			if s, ok := v.Value().(string); ok {
				return s
			}
		}
	}
	return ""
}

// compositorMajor parses the leading major number of a version string
// ("46.2" -> 46); zero when absent.
func compositorMajor(version string) int {
	var major int
	fmt.Sscanf(version, "%d", &major)
	return major
}

func (r *Registry) probePortal(conn busAPI) {
	if conn == nil {
		reason := "session bus unavailable"
		r.set(CapPortalScreenCast, Unavailable, "", reason)
		r.set(CapPortalRemoteDesktop, Unavailable, "", reason)
		r.set(CapPortalClipboard, Unavailable, "", reason)
		r.set(CapRestoreToken, Unavailable, "", reason)
		return
	}

	portal := conn.Object(portalBus, portalPath)
	for _, iface := range []struct {
		cap, iface string
	}{
		{CapPortalScreenCast, screenCastIface},
		{CapPortalRemoteDesktop, remoteDesktopIface},
		{CapPortalClipboard, clipboardIface},
	} {
		ver, err := ifaceVersion(portal, iface.iface)
		if err != nil {
			r.set(iface.cap, Unavailable, "", fmt.Sprintf("portal interface missing: %v", err))
			continue
		}
		r.set(iface.cap, Yes, fmt.Sprintf("%d", ver), "")
	}

	// Restore tokens need ScreenCast v4+ (persist_mode); dialog-per-connection
	// otherwise.
	scVer := r.version(CapPortalScreenCast)
	switch {
	case scVer >= 4:
		r.set(CapRestoreToken, Yes, fmt.Sprintf("%d", scVer), "")
	case scVer > 0:
		r.set(CapRestoreToken, Unavailable, fmt.Sprintf("%d", scVer),
			"ScreenCast portal predates persist_mode; a dialog is shown per connection")
	default:
		r.set(CapRestoreToken, Unavailable, "", "ScreenCast portal unavailable")
	}
}

func ifaceVersion(portal dbus.BusObject, iface string) (uint32, error) {
	variant, err := portal.GetProperty(iface + ".version")
	if err != nil {
		return 0, err
	}
	ver, ok := variant.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected version type %T", variant.Value())
	}
	return ver, nil
}

func (r *Registry) probeSecretService(conn busAPI) {
	if conn == nil {
		r.set(CapSecretService, Unavailable, "", "session bus unavailable")
		return
	}
	obj := conn.Object(secretServiceBus, "/org/freedesktop/secrets")
	if err := obj.Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Err; err != nil {
		r.set(CapSecretService, Unavailable, "", "org.freedesktop.secrets not on the bus")
		return
	}
	r.set(CapSecretService, Yes, "", "")
}

// probeEncoder checks for VA-API H.264 GStreamer elements. The software
// fallback (openh264enc) is assumed present with the GStreamer install.
func (r *Registry) probeEncoder() {
	for _, element := range []string{"vah264enc", "vah264lpenc", "vaapih264enc"} {
		if gstutil.HasElement(element) {
			r.set(CapHardwareH264, Yes, element, "")
			return
		}
	}
	r.set(CapHardwareH264, Unavailable, "", "no VA-API H.264 encoder element found")
}

// probePrivilegedInput applies the compositor/version matrix for the
// out-of-portal input path. Runs after the portal probe so the portal
// generation can stand in when the shell version is unreadable.
func (r *Registry) probePrivilegedInput() {
	verdict := privilegedInputVerdict(
		r.compositor,
		compositorMajor(r.compositorVersion),
		r.version(CapPortalScreenCast),
		os.Getenv("WAYLAND_DISPLAY") != "",
	)
	r.caps[CapPrivilegedInput] = verdict
}

// privilegedInputVerdict is the version-aware row of the strategy matrix:
// GNOME up to 45 carries the privileged Mutter input D-Bus API
// (best-effort), GNOME 46+ removed it; wlroots compositors ship
// zwlr_virtual_pointer_v1 when a display is present; KDE and unknown
// compositors have nothing. When the GNOME shell version is unreadable,
// the ScreenCast portal generation decides: v4+ ships with 46+.
func privilegedInputVerdict(compositor string, major int, screenCastVer uint32, haveWayland bool) CapabilityDescriptor {
	c := CapabilityDescriptor{Name: CapPrivilegedInput}
	switch compositor {
	case CompositorGNOME:
		modern := major >= 46 || (major == 0 && screenCastVer >= 4)
		if modern {
			c.Available = Unavailable
			c.Reason = "GNOME 46+ removed the privileged Mutter input API"
			break
		}
		c.Available = BestEffort
		if major > 0 {
			c.Version = fmt.Sprintf("%d", major)
		}
		c.Reason = "Mutter RemoteDesktop D-Bus input, undocumented on this series"
	case CompositorWLRoots:
		if !haveWayland {
			c.Available = Unavailable
			c.Reason = "no wayland display"
			break
		}
		// The global list cannot be read without binding a registry, so
		// presence of zwlr_virtual_pointer_v1 is assumed, not proven.
		c.Available = BestEffort
	default:
		c.Available = Unavailable
		c.Reason = "compositor not known to expose virtual input"
	}
	return c
}

// decideStrategy maps the capability table to one session strategy.
// The table follows the compositor/portal version matrix: modern portals
// (v4+) run token-persisted portal-only sessions; old portals fall back to
// dialog-per-connection; wlroots may use privileged input directly.
func (r *Registry) decideStrategy() Strategy {
	s := Strategy{
		Compositor:        r.compositor,
		CompositorVersion: r.compositorVersion,
		PortalVersion:     r.version(CapPortalScreenCast),
		PersistTokens:     r.caps[CapRestoreToken].Available == Yes,
		HardwareEncode:    r.caps[CapHardwareH264].Available == Yes,
	}

	switch {
	case r.caps[CapPortalRemoteDesktop].Available == Yes:
		s.Input = InputPortalAbsolute
		if r.version(CapPortalRemoteDesktop) < 2 {
			s.Input = InputPortalRelative
		}
	case r.caps[CapPrivilegedInput].Available >= BestEffort && r.compositor == CompositorWLRoots:
		// Only the wlroots protocols have an injector; GNOME's best-effort
		// Mutter path supplements the portal, it does not replace it.
		s.Input = InputVirtualWLR
	default:
		s.Input = InputUinput
	}
	return s
}

// CompositorVersion returns the probed compositor version, empty when the
// compositor exposes none.
func (r *Registry) CompositorVersion() string { return r.compositorVersion }

func (r *Registry) set(name string, avail Availability, version, reason string) {
	r.caps[name] = CapabilityDescriptor{Name: name, Available: avail, Version: version, Reason: reason}
}

func (r *Registry) version(name string) uint32 {
	var v uint32
	fmt.Sscanf(r.caps[name].Version, "%d", &v)
	return v
}

// Compositor returns the detected compositor identity.
func (r *Registry) Compositor() string { return r.compositor }

// Strategy returns the session strategy verdict.
func (r *Registry) Strategy() Strategy { return r.strategy }

// Capability returns one descriptor; missing names read as Unavailable.
func (r *Registry) Capability(name string) CapabilityDescriptor {
	if c, ok := r.caps[name]; ok {
		return c
	}
	return CapabilityDescriptor{Name: name, Available: Unavailable, Reason: "never probed"}
}

// Capabilities returns all descriptors in stable name order.
func (r *Registry) Capabilities() []CapabilityDescriptor {
	names := []string{
		CapPortalScreenCast, CapPortalRemoteDesktop, CapPortalClipboard,
		CapRestoreToken, CapHardwareH264, CapPrivilegedInput, CapSecretService,
	}
	out := make([]CapabilityDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, r.Capability(n))
	}
	return out
}
