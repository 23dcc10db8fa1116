package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/credstore"
)

// XDG desktop portal constants.
const (
	portalBus  = "org.freedesktop.portal.Desktop"
	portalPath = dbus.ObjectPath("/org/freedesktop/portal/desktop")

	screenCastIface    = "org.freedesktop.portal.ScreenCast"
	remoteDesktopIface = "org.freedesktop.portal.RemoteDesktop"
	clipboardIface     = "org.freedesktop.portal.Clipboard"
	requestIface       = "org.freedesktop.portal.Request"
	sessionIface       = "org.freedesktop.portal.Session"
)

// ScreenCast source types.
const (
	sourceMonitor = uint32(1)
)

// Cursor modes.
const (
	CursorHidden   = uint32(1)
	CursorEmbedded = uint32(2)
	CursorMetadata = uint32(4)
)

// RemoteDesktop device bits.
const (
	deviceKeyboard = uint32(1)
	devicePointer  = uint32(2)
)

// persist_mode values for SelectSources.
const (
	persistNone       = uint32(0)
	persistUntilClose = uint32(2)
)

const restoreTokenKey = "portal.restore-token"

// Portal owns one linked RemoteDesktop+ScreenCast portal session: capture
// streams, input notification, and the clipboard selection calls all go
// through it.
type Portal struct {
	conn    *dbus.Conn
	logger  zerolog.Logger
	store   credstore.Store
	timeout time.Duration

	session  dbus.ObjectPath
	streams  []portalStream
	pwFD     int
	closed   atomic.Bool
	reqSeq   atomic.Uint64

	// onClosed fires once when the compositor closes the session.
	onClosed   func()
	onClosedMu sync.Mutex
}

type portalStream struct {
	NodeID  uint32
	Monitor MonitorDescriptor
	Path    string // stream identifier handed back on absolute pointer calls
}

// PortalOptions configure session creation.
type PortalOptions struct {
	CursorMode   uint32
	Persist      bool // request a restore token and persist it
	TargetFPS    int
	Store        credstore.Store
	Timeout      time.Duration // portal session create timeout
}

// ConnectPortal connects to the session bus and verifies the portal
// service answers. The connection retries briefly: at session startup the
// portal may still be activating.
func ConnectPortal(ctx context.Context, logger zerolog.Logger) (*dbus.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		obj := conn.Object(portalBus, portalPath)
		if err := obj.Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Err; err != nil {
			lastErr = err
			conn.Close()
			time.Sleep(time.Second)
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrPortalUnavailable, lastErr)
}

// NewPortal wraps an established session-bus connection.
func NewPortal(conn *dbus.Conn, logger zerolog.Logger, opts PortalOptions) *Portal {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Portal{
		conn:    conn,
		logger:  logger.With().Str("component", "portal").Logger(),
		store:   opts.Store,
		timeout: timeout,
		pwFD:    -1,
	}
}

// senderPath converts the unique bus name into the token path segment the
// portal uses for Request object paths (":1.42" -> "1_42").
func (p *Portal) senderPath() string {
	name := p.conn.Names()[0]
	return strings.ReplaceAll(name[1:], ".", "_")
}

// request issues one portal request: subscribes to the Response signal on
// the predictable request path, invokes method, and waits for the reply.
func (p *Portal) request(ctx context.Context, method string, buildArgs func(token string) []interface{}) (map[string]dbus.Variant, error) {
	token := fmt.Sprintf("wrd%d", p.reqSeq.Add(1))
	reqPath := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/request/%s/%s", p.senderPath(), token))

	if err := p.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(reqPath),
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, fmt.Errorf("add signal match: %w", err)
	}

	signals := make(chan *dbus.Signal, 10)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	obj := p.conn.Object(portalBus, portalPath)
	call := obj.Call(method, 0, buildArgs(token)...)
	if call.Err != nil {
		return nil, fmt.Errorf("%s: %w", method, call.Err)
	}

	deadline := time.After(p.timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("%s: %w: timeout waiting for response", method, ErrPortalUnavailable)
		case sig := <-signals:
			if sig.Name != requestIface+".Response" || sig.Path != reqPath || len(sig.Body) < 2 {
				continue
			}
			code, _ := sig.Body[0].(uint32)
			switch code {
			case 0:
			case 1:
				return nil, ErrPermissionDenied
			default:
				return nil, fmt.Errorf("%s: portal response code %d", method, code)
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		}
	}
}

// CreateSession runs the full portal dance: RemoteDesktop.CreateSession,
// ScreenCast.SelectSources on the linked session, SelectDevices for
// keyboard+pointer, Start. Returns a non-nil warning (ErrEphemeralOnly)
// when persistence was requested but refused.
func (p *Portal) CreateSession(ctx context.Context, opts PortalOptions) (warn error, err error) {
	results, err := p.request(ctx, remoteDesktopIface+".CreateSession", func(token string) []interface{} {
		return []interface{}{map[string]dbus.Variant{
			"handle_token":         dbus.MakeVariant(token),
			"session_handle_token": dbus.MakeVariant(fmt.Sprintf("wrd_sess_%d", time.Now().UnixNano())),
		}}
	})
	if err != nil {
		return nil, fmt.Errorf("CreateSession: %w", err)
	}
	handle, _ := results["session_handle"].Value().(string)
	if handle == "" {
		return nil, fmt.Errorf("CreateSession: %w: no session handle", ErrPortalUnavailable)
	}
	p.session = dbus.ObjectPath(handle)
	p.logger.Info().Str("handle", handle).Msg("portal session created")

	warn, err = p.selectSources(ctx, opts, opts.Persist)
	if err != nil {
		return nil, err
	}
	if err := p.selectDevices(ctx); err != nil {
		return nil, err
	}
	if err := p.start(ctx); err != nil {
		return nil, err
	}
	if err := p.openPipeWireRemote(); err != nil {
		// Some portal backends deliver node access without the remote FD.
		p.logger.Warn().Err(err).Msg("OpenPipeWireRemote failed, pipewiresrc will use the default remote")
	}
	p.watchClosed()
	return warn, nil
}

// selectSources negotiates monitor capture. On persistence rejection the
// same call is retried without persist_mode; the warning is surfaced, not
// the error.
func (p *Portal) selectSources(ctx context.Context, opts PortalOptions, persist bool) (warn error, err error) {
	options := map[string]dbus.Variant{
		"types":       dbus.MakeVariant(sourceMonitor),
		"multiple":    dbus.MakeVariant(true),
		"cursor_mode": dbus.MakeVariant(opts.CursorMode),
	}
	if persist {
		options["persist_mode"] = dbus.MakeVariant(persistUntilClose)
		if p.store != nil {
			if token, loadErr := p.store.Load(restoreTokenKey); loadErr == nil && len(token) > 0 {
				options["restore_token"] = dbus.MakeVariant(string(token))
			}
		}
	}

	_, err = p.request(ctx, screenCastIface+".SelectSources", func(token string) []interface{} {
		options["handle_token"] = dbus.MakeVariant(token)
		return []interface{}{p.session, options}
	})
	if err != nil {
		if persist && !errors.Is(err, ErrPermissionDenied) {
			p.logger.Warn().Err(err).Msg("SelectSources with persistence failed, retrying ephemeral")
			_, retryErr := p.selectSources(ctx, opts, false)
			if retryErr != nil {
				return nil, retryErr
			}
			return ErrEphemeralOnly, nil
		}
		return nil, fmt.Errorf("SelectSources: %w", err)
	}
	return nil, nil
}

func (p *Portal) selectDevices(ctx context.Context) error {
	_, err := p.request(ctx, remoteDesktopIface+".SelectDevices", func(token string) []interface{} {
		return []interface{}{p.session, map[string]dbus.Variant{
			"handle_token": dbus.MakeVariant(token),
			"types":        dbus.MakeVariant(deviceKeyboard | devicePointer),
		}}
	})
	if err != nil {
		return fmt.Errorf("SelectDevices: %w", err)
	}
	return nil
}

func (p *Portal) start(ctx context.Context) error {
	results, err := p.request(ctx, remoteDesktopIface+".Start", func(token string) []interface{} {
		return []interface{}{p.session, "", map[string]dbus.Variant{
			"handle_token": dbus.MakeVariant(token),
		}}
	})
	if err != nil {
		return fmt.Errorf("Start: %w", err)
	}

	if token, ok := results["restore_token"].Value().(string); ok && token != "" && p.store != nil {
		if err := p.store.Store(restoreTokenKey, []byte(token)); err != nil {
			p.logger.Warn().Err(err).Msg("failed to persist restore token")
		} else {
			p.logger.Info().Int("token_len", len(token)).Msg("restore token persisted")
		}
	}

	streams, ok := results["streams"]
	if !ok {
		return ErrNoMonitors
	}
	parsed, err := parseStreams(streams.Value())
	if err != nil {
		return err
	}
	if len(parsed) == 0 {
		return ErrNoMonitors
	}
	p.streams = parsed

	for _, s := range p.streams {
		p.logger.Info().
			Uint32("node_id", s.NodeID).
			Uint32("monitor_id", s.Monitor.ID).
			Str("name", s.Monitor.Name).
			Uint32("width", s.Monitor.Width).
			Uint32("height", s.Monitor.Height).
			Msg("portal stream started")
	}
	return nil
}

// parseStreams decodes the a(ua{sv}) streams array into monitor
// descriptors. Position/size come from stream properties; monitors missing
// a position are laid out left-to-right after the positioned ones.
func parseStreams(v interface{}) ([]portalStream, error) {
	raw, ok := v.([][]interface{})
	if !ok {
		// Some dbus versions decode as []interface{} of 2-element structs.
		anySlice, ok2 := v.([]interface{})
		if !ok2 {
			return nil, fmt.Errorf("capture: unexpected streams type %T", v)
		}
		for _, e := range anySlice {
			s, ok3 := e.([]interface{})
			if !ok3 {
				return nil, fmt.Errorf("capture: unexpected stream entry %T", e)
			}
			raw = append(raw, s)
		}
	}

	var out []portalStream
	var nextX int32
	for i, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		nodeID, _ := entry[0].(uint32)
		props, _ := entry[1].(map[string]dbus.Variant)

		m := MonitorDescriptor{ID: uint32(i), Scale: 1.0, Name: fmt.Sprintf("monitor-%d", i)}
		if props != nil {
			if id, ok := props["id"].Value().(string); ok && id != "" {
				m.Name = id
			}
			if size, ok := props["size"].Value().([]interface{}); ok && len(size) == 2 {
				w, _ := size[0].(int32)
				h, _ := size[1].(int32)
				m.Width, m.Height = uint32(w), uint32(h)
			}
			if pos, ok := props["position"].Value().([]interface{}); ok && len(pos) == 2 {
				m.OriginX, _ = pos[0].(int32)
				m.OriginY, _ = pos[1].(int32)
			} else {
				m.OriginX = nextX
			}
		}
		if m.Width == 0 || m.Height == 0 {
			// The pipeline caps negotiation fills real dimensions later;
			// keep a sane placeholder so layout math stays valid.
			m.Width, m.Height = 1920, 1080
		}
		nextX = m.OriginX + int32(m.Width)
		out = append(out, portalStream{NodeID: nodeID, Monitor: m})
	}

	// Exactly one primary: the monitor at the desktop origin, else the first.
	primaryIdx := 0
	for i, s := range out {
		if s.Monitor.OriginX == 0 && s.Monitor.OriginY == 0 {
			primaryIdx = i
			break
		}
	}
	for i := range out {
		out[i].Monitor.Primary = i == primaryIdx
	}
	return out, nil
}

// openPipeWireRemote fetches the PipeWire FD granting access to the
// session's nodes. The FD is duplicated so D-Bus message collection cannot
// close it underneath the pipeline.
func (p *Portal) openPipeWireRemote() error {
	obj := p.conn.Object(portalBus, portalPath)
	var fd dbus.UnixFD
	if err := obj.Call(screenCastIface+".OpenPipeWireRemote", 0, p.session, map[string]dbus.Variant{}).Store(&fd); err != nil {
		return fmt.Errorf("OpenPipeWireRemote: %w", err)
	}
	dup, err := syscall.Dup(int(fd))
	if err != nil {
		p.pwFD = int(fd)
		return nil
	}
	p.pwFD = dup
	p.logger.Debug().Int("fd", p.pwFD).Msg("pipewire remote opened")
	return nil
}

// watchClosed subscribes to the portal Session.Closed signal. Compositors
// revoke capture this way (user pressed "stop sharing", topology changed).
func (p *Portal) watchClosed() {
	if err := p.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(p.session),
		dbus.WithMatchInterface(sessionIface),
		dbus.WithMatchMember("Closed"),
	); err != nil {
		p.logger.Warn().Err(err).Msg("cannot watch session Closed signal")
		return
	}
	signals := make(chan *dbus.Signal, 4)
	p.conn.Signal(signals)
	go func() {
		for sig := range signals {
			if sig.Name == sessionIface+".Closed" && sig.Path == p.session {
				p.logger.Warn().Msg("portal session closed by compositor")
				p.onClosedMu.Lock()
				cb := p.onClosed
				p.onClosedMu.Unlock()
				if cb != nil {
					cb()
				}
				return
			}
		}
	}()
}

// OnClosed registers the revocation callback. One callback, fired once.
func (p *Portal) OnClosed(cb func()) {
	p.onClosedMu.Lock()
	p.onClosed = cb
	p.onClosedMu.Unlock()
}

// Monitors returns the negotiated monitor layout.
func (p *Portal) Monitors() []MonitorDescriptor {
	out := make([]MonitorDescriptor, 0, len(p.streams))
	for _, s := range p.streams {
		out = append(out, s.Monitor)
	}
	return out
}

// NodeID maps a monitor id to its PipeWire node.
func (p *Portal) NodeID(monitorID uint32) (uint32, bool) {
	for _, s := range p.streams {
		if s.Monitor.ID == monitorID {
			return s.NodeID, true
		}
	}
	return 0, false
}

// PipeWireFD returns the remote FD, or -1 when unavailable.
func (p *Portal) PipeWireFD() int { return p.pwFD }

// Session returns the portal session object path.
func (p *Portal) Session() dbus.ObjectPath { return p.session }

// rdCall invokes a RemoteDesktop method on the portal object with the
// session handle prepended, fire-and-forget style: the error is returned
// for logging but carries no retry obligation.
func (p *Portal) rdCall(method string, args ...interface{}) error {
	if p.closed.Load() || p.session == "" {
		return ErrStopped
	}
	obj := p.conn.Object(portalBus, portalPath)
	callArgs := append([]interface{}{p.session}, args...)
	return obj.Call(remoteDesktopIface+"."+method, 0, callArgs...).Err
}

// NotifyPointerMotionAbsolute moves the pointer in stream-local coordinates.
func (p *Portal) NotifyPointerMotionAbsolute(monitorID uint32, x, y float64) error {
	node, ok := p.NodeID(monitorID)
	if !ok {
		return fmt.Errorf("capture: unknown monitor %d", monitorID)
	}
	return p.rdCall("NotifyPointerMotionAbsolute", map[string]dbus.Variant{}, node, x, y)
}

// NotifyPointerMotion moves the pointer by a relative delta.
func (p *Portal) NotifyPointerMotion(dx, dy float64) error {
	return p.rdCall("NotifyPointerMotion", map[string]dbus.Variant{}, dx, dy)
}

// NotifyKeyboardKeycode presses or releases an evdev keycode.
func (p *Portal) NotifyKeyboardKeycode(keycode int32, pressed bool) error {
	state := uint32(0)
	if pressed {
		state = 1
	}
	return p.rdCall("NotifyKeyboardKeycode", map[string]dbus.Variant{}, keycode, state)
}

// NotifyPointerButton presses or releases an evdev button code.
func (p *Portal) NotifyPointerButton(button int32, pressed bool) error {
	state := uint32(0)
	if pressed {
		state = 1
	}
	return p.rdCall("NotifyPointerButton", map[string]dbus.Variant{}, button, state)
}

// NotifyPointerAxis scrolls by a smooth delta.
func (p *Portal) NotifyPointerAxis(dx, dy float64) error {
	return p.rdCall("NotifyPointerAxis", map[string]dbus.Variant{}, dx, dy)
}

// NotifyPointerAxisDiscrete scrolls by wheel clicks on one axis
// (0 vertical, 1 horizontal).
func (p *Portal) NotifyPointerAxisDiscrete(axis uint32, steps int32) error {
	return p.rdCall("NotifyPointerAxisDiscrete", map[string]dbus.Variant{}, axis, steps)
}

// Close releases the session and the PipeWire FD. Idempotent.
func (p *Portal) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.session != "" {
		obj := p.conn.Object(portalBus, p.session)
		if err := obj.Call(sessionIface+".Close", 0).Err; err != nil {
			p.logger.Debug().Err(err).Msg("session close")
		}
	}
	if p.pwFD >= 0 {
		syscall.Close(p.pwFD)
		p.pwFD = -1
	}
	p.logger.Info().Msg("portal session released")
}
