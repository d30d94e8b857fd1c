package credstore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// File permissions for the key file and the directories holding the store.
const (
	KeyFilePerms = 0o600
	DirPerms     = 0o700
)

// ErrCorrupt reports a sealed secret that fails authentication.
var ErrCorrupt = errors.New("credstore: sealed secret is corrupt or was sealed with another key")

// sealer encrypts secrets with XChaCha20-Poly1305. The identifier is bound
// as additional data so a row cannot be replayed under another account.
type sealer struct {
	key []byte
}

// loadOrCreateKey reads the key file at path, creating it with a fresh
// random key when it does not exist.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("credstore: key file %s has %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
		}

		return key, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("credstore: reading key file %s: %w", path, err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("credstore: generating key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), DirPerms); err != nil {
		return nil, fmt.Errorf("credstore: creating key directory: %w", err)
	}

	// O_EXCL: a concurrent process that won the race keeps its key.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, KeyFilePerms)
	if errors.Is(err, fs.ErrExist) {
		return loadOrCreateKey(path)
	}

	if err != nil {
		return nil, fmt.Errorf("credstore: creating key file %s: %w", path, err)
	}

	if _, err := f.Write(key); err != nil {
		f.Close()
		return nil, fmt.Errorf("credstore: writing key file: %w", err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("credstore: closing key file: %w", err)
	}

	return key, nil
}

// seal returns nonce || ciphertext.
func (s *sealer) seal(identifier string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("credstore: creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credstore: generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(identifier)), nil
}

func (s *sealer) open(identifier string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("credstore: creating cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCorrupt
	}

	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ct, []byte(identifier))
	if err != nil {
		return nil, ErrCorrupt
	}

	return plaintext, nil
}
