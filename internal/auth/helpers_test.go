package auth

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-go/internal/cloud"
	"github.com/tonimelisma/icloud-go/internal/fakeicloud"
)

const (
	testAccount = fakeicloud.Account
	testCode    = fakeicloud.Code
)

func newFakeService(t *testing.T) *fakeicloud.Server {
	t.Helper()

	return fakeicloud.New(t)
}

func fakeEndpoints(f *fakeicloud.Server) Endpoints {
	return Endpoints{Auth: f.AuthURL(), Setup: f.SetupURL(), Home: f.URL()}
}

// memStore is a CredentialStore counting loads and deletes.
type memStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
	deletes int
	loads   int
}

func newMemStore() *memStore {
	return &memStore{secrets: make(map[string][]byte)}
}

func (s *memStore) Load(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loads++

	if v, ok := s.secrets[id]; ok {
		return append([]byte(nil), v...), nil
	}

	return nil, nil
}

func (s *memStore) Save(_ context.Context, id string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets[id] = append([]byte(nil), secret...)

	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletes++
	delete(s.secrets, id)

	return nil
}

func (s *memStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.secrets[id]

	return ok, nil
}

func newTestMachine(t *testing.T, f *fakeicloud.Server, mutate func(*Config)) *Machine {
	t.Helper()

	cfg := Config{
		Identifier: testAccount,
		Endpoints:  fakeEndpoints(f),
		Transport:  cloud.NewHTTPTransport(nil, "icloud-go-test", slog.Default()),
		Logger:     slog.Default(),
	}

	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewMachine(cfg)
	require.NoError(t, err)

	return m
}
