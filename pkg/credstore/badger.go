package credstore

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger stores secrets in an embedded badger database with badger's own
// at-rest encryption enabled.
type Badger struct {
	db *badger.DB
}

// NewBadger opens the database at dir. keyMaterial becomes badger's
// encryption key (stretched to 32 bytes when needed).
func NewBadger(dir string, keyMaterial []byte) (*Badger, error) {
	if dir == "" {
		return nil, fmt.Errorf("credstore: badger backend needs a path")
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithIndexCacheSize(8 << 20).
		WithBlockCacheSize(16 << 20)
	if len(keyMaterial) > 0 {
		opts = opts.WithEncryptionKey(deriveKey(keyMaterial, []byte("wrd-badger")))
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("credstore: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Store(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *Badger) Load(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (b *Badger) Delete(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (b *Badger) Close() error { return b.db.Close() }
