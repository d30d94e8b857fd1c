//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-go/testutil"
)

const appName = "icloud-go"

// realHomeDir holds the original HOME directory before TestMain overrides it.
var realHomeDir string

// testCredentialDir holds the path to .testdata/ (repo-root-relative).
// The signed-in session and sealed password are read from here, never from
// production dirs.
var testCredentialDir string

// isolatedDataDir is the app data directory inside the temp root.
var isolatedDataDir string

// validateTestData checks that .testdata/ has the layout written by
// cmd/integration-bootstrap before tests start.
func validateTestData(credDir string) {
	required := []string{
		testutil.ConfigFileName,
		filepath.Join(testutil.DataDirName, "sessions"),
		filepath.Join(testutil.DataDirName, "credentials.db"),
		filepath.Join(testutil.DataDirName, "credentials.key"),
	}

	for _, rel := range required {
		if _, err := os.Stat(filepath.Join(credDir, rel)); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %s missing from %s: %v\n", rel, credDir, err)
			fmt.Fprintln(os.Stderr, "Run 'go run ./cmd/integration-bootstrap' to sign in a test account.")
			os.Exit(1)
		}
	}
}

// setupIsolation overrides HOME and XDG directories to temp directories and
// copies the signed-in state from .testdata/. Returns a cleanup function
// that copies the refreshed session back and removes the temp root.
func setupIsolation() func() {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cannot determine home dir: %v\n", err)
		os.Exit(1)
	}

	realHomeDir = home
	testCredentialDir = testutil.FindTestCredentialDir(findModuleRoot())
	validateTestData(testCredentialDir)

	// Unset app-specific env vars that could leak production paths.
	os.Unsetenv("ICLOUD_GO_CONFIG")
	os.Unsetenv("ICLOUD_GO_APPLE_ID")
	os.Unsetenv("ICLOUD_GO_CHINA_MAINLAND")

	tempRoot, err := os.MkdirTemp("", "icloud-e2e-isolation-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: creating isolation temp dir: %v\n", err)
		os.Exit(1)
	}

	tempHome := filepath.Join(tempRoot, "home")
	tempConfig := filepath.Join(tempRoot, "config")
	tempData := filepath.Join(tempRoot, "data")

	for _, d := range []string{tempHome, tempConfig, tempData} {
		if mkErr := os.MkdirAll(d, 0o700); mkErr != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating dir %s: %v\n", d, mkErr)
			os.Exit(1)
		}
	}

	os.Setenv("HOME", tempHome)
	os.Setenv("XDG_CONFIG_HOME", tempConfig)
	os.Setenv("XDG_DATA_HOME", tempData)

	isolatedDataDir = filepath.Join(tempData, appName)
	testutil.CopyTree(filepath.Join(testCredentialDir, testutil.DataDirName), isolatedDataDir)
	testutil.CopyTree(
		filepath.Join(testCredentialDir, testutil.ConfigFileName),
		filepath.Join(tempConfig, appName, testutil.ConfigFileName),
	)

	verifyIsolation(tempRoot)

	fmt.Fprintf(os.Stderr, "E2E isolation: HOME=%s XDG_DATA_HOME=%s (credentials from .testdata/)\n", tempHome, tempData)

	return func() {
		// Keep the refreshed session so the next run skips a sign-in.
		sessions := filepath.Join(isolatedDataDir, "sessions")
		if _, statErr := os.Stat(sessions); statErr == nil {
			testutil.CopyTree(sessions, filepath.Join(testCredentialDir, testutil.DataDirName, "sessions"))
		}

		os.RemoveAll(tempRoot)
	}
}

// verifyIsolation hard-crashes the process if any production path could leak
// into test execution. Runs BEFORE m.Run() so no tests execute if isolation
// is broken.
func verifyIsolation(tempRoot string) {
	crash := func(msg string) {
		fmt.Fprintf(os.Stderr, "FATAL: isolation check failed: %s\n", msg)
		os.Exit(1)
	}

	for _, v := range []string{"ICLOUD_GO_CONFIG", "ICLOUD_GO_APPLE_ID"} {
		if os.Getenv(v) != "" {
			crash(v + " is set, would leak production settings into tests")
		}
	}

	for _, v := range []string{"HOME", "XDG_DATA_HOME", "XDG_CONFIG_HOME"} {
		val := os.Getenv(v)
		if val == "" || !strings.HasPrefix(val, tempRoot) {
			crash(v + " not overridden to temp dir")
		}
	}

	homeDir, _ := os.UserHomeDir()
	if !strings.HasPrefix(homeDir, tempRoot) {
		crash("UserHomeDir() returns " + homeDir + " (not under temp)")
	}
}

func TestIsolation_HomeOverridden(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.NotEqual(t, realHomeDir, home, "HOME should be overridden to temp dir")
}

func TestIsolation_DataInTempDir(t *testing.T) {
	assert.NotContains(t, isolatedDataDir, realHomeDir)

	_, err := os.Stat(filepath.Join(isolatedDataDir, "credentials.db"))
	assert.NoError(t, err)
}

func TestIsolation_ConfigInTempDir(t *testing.T) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	require.NotEmpty(t, configDir)

	_, err := os.Stat(filepath.Join(configDir, appName, testutil.ConfigFileName))
	assert.NoError(t, err)
}

func TestIsolation_CredentialsFromTestdata(t *testing.T) {
	assert.True(t, strings.HasSuffix(testCredentialDir, testutil.TestDataDirName),
		"credentials should come from .testdata/, got: %s", testCredentialDir)
}
