// Package passwords encrypts the passwords kept in the configuration
// (proxy and bookmark passwords). Blobs are sealed with XChaCha20-Poly1305;
// the key is either a random key kept in a key file or derived from the
// user's master password with Argon2id.
package passwords

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	blobKeyFile byte = 1
	blobMaster  byte = 2

	saltSize = 16

	argonTime    = 1
	argonMemory  = 19 * 1024 // KiB
	argonThreads = 2
)

var (
	// ErrNoKey is returned by a Manager that has neither a key nor a
	// master password.
	ErrNoKey = errors.New("passwords: no key available")
	// ErrDecrypt is returned for a blob that does not open with the key,
	// usually a wrong master password.
	ErrDecrypt = errors.New("passwords: unable to decrypt password")
	// ErrMasterPasswordNeeded is returned when a blob was sealed with a
	// master password but the Manager has none.
	ErrMasterPasswordNeeded = errors.New("passwords: master password needed")
)

// Manager seals and opens password blobs.
type Manager struct {
	key    []byte
	master []byte
}

// NewWithKey returns a Manager using a raw 32-byte key.
func NewWithKey(key []byte) (*Manager, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("passwords: key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &Manager{key: append([]byte(nil), key...)}, nil
}

// LoadOrCreateKey reads the key file at path, creating it with a random
// key when it does not exist.
func LoadOrCreateKey(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(path); err == nil {
		if len(data) != chacha20poly1305.KeySize {
			return nil, errors.New("passwords: invalid key file")
		}
		return NewWithKey(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return NewWithKey(key)
}

// SetMasterPassword makes new blobs use a key derived from password. An
// empty password switches back to the key file.
func (m *Manager) SetMasterPassword(password []byte) {
	clear(m.master)
	m.master = append([]byte(nil), password...)
	if len(password) == 0 {
		m.master = nil
	}
}

// UsesMasterPassword reports whether new blobs are sealed with the master
// password.
func (m *Manager) UsesMasterPassword() bool {
	return len(m.master) > 0
}

func deriveKey(master, salt []byte) []byte {
	return argon2.IDKey(master, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Encrypt seals plain into a blob.
func (m *Manager) Encrypt(plain []byte) ([]byte, error) {
	var (
		kind byte
		key  []byte
		salt []byte
	)
	switch {
	case len(m.master) > 0:
		kind = blobMaster
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, err
		}
		key = deriveKey(m.master, salt)
		defer clear(key)
	case m.key != nil:
		kind = blobKeyFile
		key = m.key
	default:
		return nil, ErrNoKey
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	blob := make([]byte, 0, 1+len(salt)+len(nonce)+len(plain)+aead.Overhead())
	blob = append(blob, kind)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return aead.Seal(blob, nonce, plain, []byte{kind}), nil
}

// Decrypt opens a blob made by Encrypt. The caller owns the returned slice
// and should clear it after use.
func (m *Manager) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	kind, rest := blob[0], blob[1:]

	var key []byte
	switch kind {
	case blobKeyFile:
		if m.key == nil {
			return nil, ErrNoKey
		}
		key = m.key
	case blobMaster:
		if len(m.master) == 0 {
			return nil, ErrMasterPasswordNeeded
		}
		if len(rest) < saltSize {
			return nil, errors.New("passwords: blob too short")
		}
		key = deriveKey(m.master, rest[:saltSize])
		defer clear(key)
		rest = rest[saltSize:]
	default:
		return nil, fmt.Errorf("passwords: unknown blob type %d", kind)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("passwords: blob too short")
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte{kind})
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// EncryptString seals plain and returns the blob in base64, the form kept
// in the configuration file.
func (m *Manager) EncryptString(plain []byte) (string, error) {
	blob, err := m.Encrypt(plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString is the inverse of EncryptString.
func (m *Manager) DecryptString(s string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("passwords: %w", err)
	}
	return m.Decrypt(blob)
}
