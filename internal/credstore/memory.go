// Package credstore implements auth.CredentialStore. Memory keeps secrets
// for the life of the process; SQLite persists them sealed with
// XChaCha20-Poly1305 under a local key file.
package credstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/tonimelisma/icloud-go/internal/srp"
)

// Memory is an in-process credential store.
type Memory struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{secrets: make(map[string][]byte)}
}

// Load returns a copy of the stored secret, or nil if there is none.
func (m *Memory) Load(_ context.Context, identifier string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.secrets[srp.NormalizeIdentifier(identifier)]
	if !ok {
		return nil, nil
	}

	return bytes.Clone(s), nil
}

// Save stores a copy of secret, replacing any previous one.
func (m *Memory) Save(_ context.Context, identifier string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := srp.NormalizeIdentifier(identifier)
	wipe(m.secrets[id])
	m.secrets[id] = bytes.Clone(secret)

	return nil
}

// Delete removes and wipes the stored secret.
func (m *Memory) Delete(_ context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := srp.NormalizeIdentifier(identifier)
	wipe(m.secrets[id])
	delete(m.secrets, id)

	return nil
}

// Exists reports whether a secret is stored.
func (m *Memory) Exists(_ context.Context, identifier string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.secrets[srp.NormalizeIdentifier(identifier)]

	return ok, nil
}

func wipe(b []byte) {
	clear(b)
}
