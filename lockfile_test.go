package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-go/internal/config"
)

func TestAcquireAccountLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "session_jane@example.com.json.lock")

	release, err := acquireAccountLock(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(lockFilePermissions), info.Mode().Perm())

	_, err = acquireAccountLock(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another icloud-go login")

	release()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	release, err = acquireAccountLock(path)
	require.NoError(t, err)
	release()
}

func TestAcquireAccountLock_EmptyPath(t *testing.T) {
	_, err := acquireAccountLock("")
	require.Error(t, err)
}

func TestAccountLockPath(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = nil
	assert.Empty(t, accountLockPath())

	resolvedCfg = &config.Resolved{AppleID: "jane@example.com"}
	assert.Equal(t, config.SessionPath("jane@example.com")+".lock", accountLockPath())
}
