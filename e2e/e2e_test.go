//go:build e2e

// Package e2e runs the built binary against live iCloud with a test account
// signed in ahead of time by cmd/integration-bootstrap. Verification codes
// cannot be automated, so every test relies on the trusted session in
// .testdata/.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-go/testutil"
)

var (
	binaryPath string
	appleID    string
)

func TestMain(m *testing.M) {
	root := findModuleRoot()
	testutil.LoadDotEnv(filepath.Join(root, ".env"))
	appleID = testutil.ValidateAllowlist(testutil.EnvTestAppleID)

	tmpDir, err := os.MkdirTemp("", "icloud-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, appName)

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	cleanup := setupIsolation()
	code := m.Run()

	cleanup()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// findModuleRoot walks up from the current dir to find go.mod.
func findModuleRoot() string {
	// e2e/ is one level below module root.
	return testutil.FindModuleRoot("..")
}

func runCLI(t *testing.T, args ...string) (string, string) {
	t.Helper()

	fullArgs := append([]string{"--apple-id", appleID}, args...)
	cmd := exec.Command(binaryPath, fullArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String(), stderr.String()
}

func TestE2E_SignedInAccount(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		stdout, _ := runCLI(t, "--json", "status")

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Equal(t, true, out["authenticated"])
		assert.Equal(t, true, out["trusted"])
		assert.NotEmpty(t, out["dsid"])
	})

	t.Run("operations", func(t *testing.T) {
		stdout, _ := runCLI(t, "--json", "operations")

		var ops []map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &ops))
		assert.NotEmpty(t, ops)
	})

	t.Run("storage", func(t *testing.T) {
		stdout, _ := runCLI(t, "--json", "storage")

		var out map[string]int64
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Positive(t, out["total_bytes"])
	})

	t.Run("devices", func(t *testing.T) {
		stdout, _ := runCLI(t, "--json", "devices")

		var devices []map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &devices))
	})

	t.Run("hme_list", func(t *testing.T) {
		stdout, _ := runCLI(t, "--json", "hme", "list")

		var emails []map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &emails))
	})

	t.Run("call_unknown_operation_fails", func(t *testing.T) {
		cmd := exec.Command(binaryPath, "--apple-id", appleID, "call", "nope.nothing")

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		require.Error(t, cmd.Run())
		assert.Contains(t, stderr.String(), "unknown operation")
	})
}
