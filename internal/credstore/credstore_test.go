package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-go/internal/auth"
)

var (
	_ auth.CredentialStore = (*Memory)(nil)
	_ auth.CredentialStore = (*SQLite)(nil)
)

func openTestSQLite(t *testing.T, dir string) *SQLite {
	t.Helper()

	s, err := OpenSQLite(context.Background(), filepath.Join(dir, "credentials.db"), filepath.Join(dir, "key"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) auth.CredentialStore{
		"memory": func(*testing.T) auth.CredentialStore { return NewMemory() },
		"sqlite": func(t *testing.T) auth.CredentialStore { return openTestSQLite(t, t.TempDir()) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			got, err := s.Load(ctx, "jane@example.com")
			require.NoError(t, err)
			assert.Nil(t, got)

			ok, err := s.Exists(ctx, "jane@example.com")
			require.NoError(t, err)
			assert.False(t, ok)

			secret := []byte("hunter2")
			require.NoError(t, s.Save(ctx, "  Jane@Example.com", secret))

			got, err = s.Load(ctx, "jane@example.com")
			require.NoError(t, err)
			assert.Equal(t, []byte("hunter2"), got)

			// The store keeps its own copy.
			clear(got)
			got, err = s.Load(ctx, "JANE@example.com")
			require.NoError(t, err)
			assert.Equal(t, []byte("hunter2"), got)

			require.NoError(t, s.Save(ctx, "jane@example.com", []byte("correct horse")))
			got, err = s.Load(ctx, "jane@example.com")
			require.NoError(t, err)
			assert.Equal(t, []byte("correct horse"), got)

			ok, err = s.Exists(ctx, "jane@example.com")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, "jane@example.com"))
			require.NoError(t, s.Delete(ctx, "jane@example.com"))

			got, err = s.Load(ctx, "jane@example.com")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestSQLite(t, dir)
	require.NoError(t, s.Save(ctx, "jane@example.com", []byte("s3cret")))
	require.NoError(t, s.Close())

	s2 := openTestSQLite(t, dir)
	got, err := s2.Load(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)
}

func TestSQLite_SecretIsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestSQLite(t, dir)
	require.NoError(t, s.Save(ctx, "jane@example.com", []byte("plaintext-marker")))

	var sealed []byte
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT sealed FROM credentials").Scan(&sealed))
	assert.NotContains(t, string(sealed), "plaintext-marker")

	info, err := os.Stat(filepath.Join(dir, "key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(KeyFilePerms), info.Mode().Perm())
}

func TestSQLite_WrongKeyIsCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestSQLite(t, dir)
	require.NoError(t, s.Save(ctx, "jane@example.com", []byte("s3cret")))
	require.NoError(t, s.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "key")))

	s2 := openTestSQLite(t, dir)
	_, err := s2.Load(ctx, "jane@example.com")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestSealer_BindsIdentifier(t *testing.T) {
	key, err := loadOrCreateKey(filepath.Join(t.TempDir(), "key"))
	require.NoError(t, err)

	s := &sealer{key: key}
	sealed, err := s.seal("a@example.com", []byte("s3cret"))
	require.NoError(t, err)

	_, err = s.open("b@example.com", sealed)
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = s.open("a@example.com", sealed[:10])
	require.ErrorIs(t, err, ErrCorrupt)

	got, err := s.open("a@example.com", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)
}

func TestLoadOrCreateKey_RejectsBadLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err := loadOrCreateKey(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 5 bytes")
}

func TestLoadOrCreateKey_Stable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")

	k1, err := loadOrCreateKey(path)
	require.NoError(t, err)

	k2, err := loadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
