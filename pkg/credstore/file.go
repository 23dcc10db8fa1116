package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"golang.org/x/crypto/argon2"
)

// File stores secrets in a single JSON document of AES-256-GCM sealed
// entries, rewritten atomically on every change.
type File struct {
	mu      sync.Mutex
	path    string
	key     []byte
	docSalt []byte
	entries map[string][]byte // sealed: nonce || ciphertext
}

type fileDoc struct {
	Version int               `json:"version"`
	Salt    []byte            `json:"salt"`
	Entries map[string][]byte `json:"entries"` // sealed: nonce || ciphertext
}

const fileDocVersion = 1

// NewFile opens or creates the store at path. Material that is not
// exactly 32 bytes is stretched with argon2id over a per-store salt.
func NewFile(path string, keyMaterial []byte) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("credstore: file backend needs a path")
	}
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("credstore: file backend needs key material")
	}

	doc := fileDoc{Version: fileDocVersion, Entries: map[string][]byte{}}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("credstore: parse %s: %w", path, err)
		}
		if doc.Version != fileDocVersion {
			return nil, fmt.Errorf("credstore: unsupported store version %d", doc.Version)
		}
	case os.IsNotExist(err):
		doc.Salt = make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, doc.Salt); err != nil {
			return nil, fmt.Errorf("credstore: salt: %w", err)
		}
	default:
		return nil, fmt.Errorf("credstore: read %s: %w", path, err)
	}

	if doc.Entries == nil {
		doc.Entries = map[string][]byte{}
	}
	f := &File{path: path}
	f.key = deriveKey(keyMaterial, doc.Salt)
	f.docSalt = doc.Salt
	f.entries = doc.Entries
	return f, nil
}

func deriveKey(material, salt []byte) []byte {
	if len(material) == 32 {
		return material
	}
	return argon2.IDKey(material, salt, 1, 64*1024, 4, 32)
}

func (f *File) Store(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sealed, err := seal(f.key, value)
	if err != nil {
		return err
	}
	f.entries[key] = sealed
	return f.flushLocked()
}

func (f *File) Load(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sealed, ok := f.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return open(f.key, sealed)
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[key]; !ok {
		return ErrNotFound
	}
	delete(f.entries, key)
	return f.flushLocked()
}

func (f *File) Close() error { return nil }

func (f *File) flushLocked() error {
	doc := fileDoc{Version: fileDocVersion, Salt: f.docSalt, Entries: f.entries}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("credstore: mkdir: %w", err)
	}
	if err := renameio.WriteFile(f.path, raw, 0o600); err != nil {
		return fmt.Errorf("credstore: write %s: %w", f.path, err)
	}
	return nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credstore: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("credstore: sealed entry too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credstore: decrypt: %w", err)
	}
	return plaintext, nil
}
