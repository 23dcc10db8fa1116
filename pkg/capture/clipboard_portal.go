package capture

import (
	"fmt"
	"io"
	"os"

	"github.com/godbus/dbus/v5"
)

// Portal selection API, the RemoteDesktop session's clipboard surface.
// The bridge drives these; the portal emits SelectionTransfer when a
// local application pastes content this process announced, and
// SelectionOwnerChanged when the local clipboard changes hands.

// SelectionTransferRequest identifies one pending local paste.
type SelectionTransferRequest struct {
	MIME   string
	Serial uint32
}

// SelectionOwnerChange carries the new local selection's offered MIME
// types. SessionIsOwner is set when this process's own announcement
// caused the change.
type SelectionOwnerChange struct {
	MIMETypes      []string
	SessionIsOwner bool
}

// EnableClipboard opts the session into the selection API. Harmless when
// already enabled.
func (p *Portal) EnableClipboard() error {
	return p.rdCall("EnableClipboard", map[string]dbus.Variant{})
}

// SetSelection announces ownership of the local clipboard with the given
// MIME types.
func (p *Portal) SetSelection(mimeTypes []string) error {
	return p.rdCall("SetSelection", map[string]dbus.Variant{
		"mime-types": dbus.MakeVariant(mimeTypes),
	})
}

// SelectionRead fetches the current local clipboard content for one MIME
// type via portal fd passing.
func (p *Portal) SelectionRead(mime string) ([]byte, error) {
	if p.closed.Load() || p.session == "" {
		return nil, ErrStopped
	}
	obj := p.conn.Object(portalBus, portalPath)
	call := obj.Call(remoteDesktopIface+".SelectionRead", 0, p.session, mime)
	if call.Err != nil {
		return nil, fmt.Errorf("SelectionRead: %w", call.Err)
	}
	if len(call.Body) == 0 {
		return nil, fmt.Errorf("SelectionRead: no fd returned")
	}
	fd, ok := call.Body[0].(dbus.UnixFD)
	if !ok {
		return nil, fmt.Errorf("SelectionRead: unexpected fd type %T", call.Body[0])
	}
	file := os.NewFile(uintptr(fd), "clipboard-read")
	if file == nil {
		return nil, fmt.Errorf("SelectionRead: bad fd")
	}
	defer file.Close()
	return io.ReadAll(file)
}

// SelectionWrite answers one SelectionTransfer request with content.
func (p *Portal) SelectionWrite(serial uint32, content []byte) error {
	if p.closed.Load() || p.session == "" {
		return ErrStopped
	}
	obj := p.conn.Object(portalBus, portalPath)
	call := obj.Call(remoteDesktopIface+".SelectionWrite", 0, p.session, serial)
	if call.Err != nil {
		return fmt.Errorf("SelectionWrite: %w", call.Err)
	}
	if len(call.Body) == 0 {
		p.selectionWriteDone(serial, false)
		return fmt.Errorf("SelectionWrite: no fd returned")
	}
	fd, ok := call.Body[0].(dbus.UnixFD)
	if !ok {
		p.selectionWriteDone(serial, false)
		return fmt.Errorf("SelectionWrite: unexpected fd type %T", call.Body[0])
	}
	file := os.NewFile(uintptr(fd), "clipboard-write")
	if file == nil {
		p.selectionWriteDone(serial, false)
		return fmt.Errorf("SelectionWrite: bad fd")
	}
	_, writeErr := file.Write(content)
	file.Close()
	p.selectionWriteDone(serial, writeErr == nil)
	return writeErr
}

func (p *Portal) selectionWriteDone(serial uint32, success bool) {
	if err := p.rdCall("SelectionWriteDone", serial, success); err != nil {
		p.logger.Debug().Err(err).Msg("SelectionWriteDone failed")
	}
}

// WatchSelection subscribes to the selection signals. Returned channels
// close when the D-Bus connection does.
func (p *Portal) WatchSelection() (<-chan SelectionTransferRequest, <-chan SelectionOwnerChange, error) {
	if err := p.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(p.session),
		dbus.WithMatchInterface(remoteDesktopIface),
	); err != nil {
		return nil, nil, fmt.Errorf("watch selection: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	p.conn.Signal(signals)

	transfers := make(chan SelectionTransferRequest, 16)
	owners := make(chan SelectionOwnerChange, 16)
	go func() {
		defer close(transfers)
		defer close(owners)
		for sig := range signals {
			switch sig.Name {
			case remoteDesktopIface + ".SelectionTransfer":
				if len(sig.Body) < 2 {
					continue
				}
				mime, _ := sig.Body[0].(string)
				serial, _ := sig.Body[1].(uint32)
				transfers <- SelectionTransferRequest{MIME: mime, Serial: serial}
			case remoteDesktopIface + ".SelectionOwnerChanged":
				if len(sig.Body) < 1 {
					continue
				}
				opts, _ := sig.Body[0].(map[string]dbus.Variant)
				var change SelectionOwnerChange
				if opts != nil {
					if mimes, ok := opts["mime-types"].Value().([]string); ok {
						change.MIMETypes = mimes
					}
					if owner, ok := opts["session-is-owner"].Value().(bool); ok {
						change.SessionIsOwner = owner
					}
				}
				owners <- change
			}
		}
	}()
	return transfers, owners, nil
}
