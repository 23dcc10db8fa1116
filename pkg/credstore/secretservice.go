package credstore

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// SecretService delegates storage to the desktop keyring over the
// org.freedesktop.secrets D-Bus API. The keyring handles at-rest
// encryption; items are filed under a wrd-server attribute so they can be
// found again across restarts.
type SecretService struct {
	conn       *dbus.Conn
	collection dbus.ObjectPath
	session    dbus.ObjectPath
}

const (
	secretsBus      = "org.freedesktop.secrets"
	secretsPath     = dbus.ObjectPath("/org/freedesktop/secrets")
	serviceIface    = "org.freedesktop.Secret.Service"
	collectionIface = "org.freedesktop.Secret.Collection"
	itemIface       = "org.freedesktop.Secret.Item"
	defaultAlias    = dbus.ObjectPath("/org/freedesktop/secrets/aliases/default")
)

// NewSecretService connects to the session keyring and opens a plain
// transport session.
func NewSecretService() (*SecretService, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("credstore: session bus: %w", err)
	}

	svc := conn.Object(secretsBus, secretsPath)
	var discard dbus.Variant
	var session dbus.ObjectPath
	if err := svc.Call(serviceIface+".OpenSession", 0, "plain", dbus.MakeVariant("")).
		Store(&discard, &session); err != nil {
		conn.Close()
		return nil, fmt.Errorf("credstore: OpenSession: %w", err)
	}

	return &SecretService{conn: conn, collection: defaultAlias, session: session}, nil
}

func (s *SecretService) attrs(key string) map[string]string {
	return map[string]string{"application": "wrd-server", "wrd-key": key}
}

func (s *SecretService) Store(key string, value []byte) error {
	coll := s.conn.Object(secretsBus, s.collection)
	props := map[string]dbus.Variant{
		itemIface + ".Label":      dbus.MakeVariant("wrd-server: " + key),
		itemIface + ".Attributes": dbus.MakeVariant(s.attrs(key)),
	}
	// Secret struct: (session, parameters, value, content_type)
	secret := struct {
		Session     dbus.ObjectPath
		Parameters  []byte
		Value       []byte
		ContentType string
	}{s.session, []byte{}, value, "application/octet-stream"}

	var item, prompt dbus.ObjectPath
	if err := coll.Call(collectionIface+".CreateItem", 0, props, secret, true).
		Store(&item, &prompt); err != nil {
		return fmt.Errorf("credstore: CreateItem: %w", err)
	}
	return nil
}

func (s *SecretService) find(key string) (dbus.ObjectPath, error) {
	svc := s.conn.Object(secretsBus, secretsPath)
	var unlocked, locked []dbus.ObjectPath
	if err := svc.Call(serviceIface+".SearchItems", 0, s.attrs(key)).
		Store(&unlocked, &locked); err != nil {
		return "", fmt.Errorf("credstore: SearchItems: %w", err)
	}
	if len(unlocked) == 0 {
		if len(locked) > 0 {
			return "", fmt.Errorf("credstore: item for %q is locked", key)
		}
		return "", ErrNotFound
	}
	return unlocked[0], nil
}

func (s *SecretService) Load(key string) ([]byte, error) {
	path, err := s.find(key)
	if err != nil {
		return nil, err
	}
	item := s.conn.Object(secretsBus, path)
	var secret struct {
		Session     dbus.ObjectPath
		Parameters  []byte
		Value       []byte
		ContentType string
	}
	if err := item.Call(itemIface+".GetSecret", 0, s.session).Store(&secret); err != nil {
		return nil, fmt.Errorf("credstore: GetSecret: %w", err)
	}
	return secret.Value, nil
}

func (s *SecretService) Delete(key string) error {
	path, err := s.find(key)
	if err != nil {
		return err
	}
	item := s.conn.Object(secretsBus, path)
	var prompt dbus.ObjectPath
	if err := item.Call(itemIface+".Delete", 0).Store(&prompt); err != nil {
		return fmt.Errorf("credstore: Delete: %w", err)
	}
	return nil
}

func (s *SecretService) Close() error { return s.conn.Close() }
