package passwords

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewWithKey(make([]byte, 32))
	require.NoError(t, err)
	return m
}

func TestKeyFileRoundTrip(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	blob, err := m.Encrypt([]byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, blobKeyFile, blob[0])
	assert.NotContains(t, string(blob), "s3cret")

	plain, err := m.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(plain))
}

func TestEmptyBlobIsEmptyPassword(t *testing.T) {
	t.Parallel()
	plain, err := newTestManager(t).Decrypt(nil)
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestMasterPassword(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	m.SetMasterPassword([]byte("master"))
	require.True(t, m.UsesMasterPassword())

	blob, err := m.Encrypt([]byte("proxy-pass"))
	require.NoError(t, err)
	assert.Equal(t, blobMaster, blob[0])

	plain, err := m.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "proxy-pass", string(plain))

	m.SetMasterPassword([]byte("wrong"))
	_, err = m.Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecrypt)

	m.SetMasterPassword(nil)
	assert.False(t, m.UsesMasterPassword())
	_, err = m.Decrypt(blob)
	assert.ErrorIs(t, err, ErrMasterPasswordNeeded)
}

func TestTamperedBlob(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	blob, err := m.Encrypt([]byte("pw"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xFF
	_, err = m.Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = m.Decrypt([]byte{9, 1, 2})
	assert.Error(t, err)
	_, err = m.Decrypt([]byte{blobKeyFile, 1, 2})
	assert.Error(t, err)
}

func TestStringForm(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	s, err := m.EncryptString([]byte("pw"))
	require.NoError(t, err)
	plain, err := m.DecryptString(s)
	require.NoError(t, err)
	assert.Equal(t, "pw", string(plain))

	_, err = m.DecryptString("not base64!")
	assert.Error(t, err)
}

func TestLoadOrCreateKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "keys", "passwords.key")

	m1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	blob, err := m1.Encrypt([]byte("pw"))
	require.NoError(t, err)

	m2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	plain, err := m2.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "pw", string(plain))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(32), info.Size())

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	_, err = LoadOrCreateKey(path)
	assert.Error(t, err)
}

func TestNoKey(t *testing.T) {
	t.Parallel()
	var m Manager
	_, err := m.Encrypt([]byte("pw"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = NewWithKey([]byte("short"))
	assert.Error(t, err)
}
