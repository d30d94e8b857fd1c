// Signs a test account in once, interactively, and keeps the resulting
// session, sealed password and config under .testdata/ for the E2E suite.
// Verification codes need a human, so this cannot run in CI.
//
// Usage: go run ./cmd/integration-bootstrap [--apple-id test@icloud.com]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/tonimelisma/icloud-go/testutil"
)

const appName = "icloud-go"

func main() {
	root := testutil.FindModuleRoot(".")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))

	appleID := flag.String("apple-id", os.Getenv(testutil.EnvTestAppleID), "test account to sign in")
	flag.Parse()

	if *appleID == "" {
		fmt.Fprintf(os.Stderr, "--apple-id or %s is required\n", testutil.EnvTestAppleID)
		os.Exit(2)
	}

	os.Setenv(testutil.EnvTestAppleID, *appleID)
	testutil.ValidateAllowlist(testutil.EnvTestAppleID)

	// The isolated layout below follows the XDG directories.
	if runtime.GOOS != "linux" {
		fmt.Fprintln(os.Stderr, "integration-bootstrap supports Linux only")
		os.Exit(2)
	}

	credDir := filepath.Join(root, testutil.TestDataDirName)
	tempRoot, err := os.MkdirTemp("", "icloud-bootstrap-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tempRoot)

	configHome := filepath.Join(tempRoot, "config")
	dataHome := filepath.Join(tempRoot, "data")

	binary := filepath.Join(tempRoot, appName)

	build := exec.Command("go", "build", "-o", binary, ".")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr

	if err := build.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.Exit(1)
	}

	// Run the real login command against isolated directories.
	cmd := exec.Command(binary, "--apple-id", *appleID, "login")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+configHome,
		"XDG_DATA_HOME="+dataHome,
		"ICLOUD_GO_CONFIG=",
	)

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	testutil.CopyTree(filepath.Join(dataHome, appName), filepath.Join(credDir, testutil.DataDirName))
	testutil.CopyTree(
		filepath.Join(configHome, appName, testutil.ConfigFileName),
		filepath.Join(credDir, testutil.ConfigFileName),
	)

	fmt.Printf("Login successful. Test credentials saved to %s.\n", credDir)
}
