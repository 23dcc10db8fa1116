package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()

	require.NoError(t, m.Store("token", []byte("opaque")))
	got, err := m.Load("token")
	require.NoError(t, err)
	assert.Equal(t, []byte("opaque"), got)

	// Stored value is a copy, not an alias.
	got[0] = 'X'
	again, err := m.Load("token")
	require.NoError(t, err)
	assert.Equal(t, []byte("opaque"), again)

	require.NoError(t, m.Delete("token"))
	_, err = m.Load("token")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Delete("token"), ErrNotFound)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store", "creds.json")

	f, err := NewFile(path, []byte("passphrase"))
	require.NoError(t, err)
	require.NoError(t, f.Store("restore-token", []byte("tok-123")))
	require.NoError(t, f.Close())

	// Reopen with the same material and read back.
	f2, err := NewFile(path, []byte("passphrase"))
	require.NoError(t, err)
	got, err := f2.Load("restore-token")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok-123"), got)
}

func TestFileCiphertextAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	f, err := NewFile(path, []byte("passphrase"))
	require.NoError(t, err)
	require.NoError(t, f.Store("k", []byte("super-secret-value")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-value")
}

func TestFileWrongKeyFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	f, err := NewFile(path, []byte("right"))
	require.NoError(t, err)
	require.NoError(t, f.Store("k", []byte("v")))

	f2, err := NewFile(path, []byte("wrong"))
	require.NoError(t, err)
	_, err = f2.Load("k")
	assert.Error(t, err)
}

func TestFileDeleteUnknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	f, err := NewFile(path, []byte("k"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.Delete("missing"), ErrNotFound)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "etcd"})
	assert.Error(t, err)
}

func TestBadgerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBadger(dir, []byte("material"))
	if err != nil {
		t.Skipf("badger unavailable in this environment: %v", err)
	}
	defer b.Close()

	require.NoError(t, b.Store("token", []byte("tok")))
	got, err := b.Load("token")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok"), got)
	require.NoError(t, b.Delete("token"))
	_, err = b.Load("token")
	assert.ErrorIs(t, err, ErrNotFound)
}
