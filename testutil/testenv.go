// Package testutil provides shared test environment helpers for E2E tests
// and the credential bootstrap command. It depends only on stdlib so the
// black-box E2E suite stays independent of internal packages.
package testutil

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvAllowedAccounts = "ICLOUD_GO_ALLOWED_TEST_ACCOUNTS"
	EnvTestAppleID     = "ICLOUD_GO_TEST_APPLE_ID"
)

// Layout of the .testdata/ credential directory.
const (
	TestDataDirName = ".testdata"
	ConfigFileName  = "config.toml"
	DataDirName     = "data"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateAllowlist crashes the process unless the Apple ID named by
// accountEnvVar is listed in ICLOUD_GO_ALLOWED_TEST_ACCOUNTS. Live tests
// must never run against an account nobody opted in.
func ValidateAllowlist(accountEnvVar string) string {
	allowlist := os.Getenv(EnvAllowedAccounts)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowedAccounts)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		fmt.Fprintf(os.Stderr, "Example: %s=test@icloud.com\n", EnvAllowedAccounts)
		os.Exit(1)
	}

	account := os.Getenv(accountEnvVar)
	if account == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", accountEnvVar)
		os.Exit(1)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.EqualFold(strings.TrimSpace(a), account) {
			return account
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", accountEnvVar, account, EnvAllowedAccounts, allowlist)
	os.Exit(1)

	return ""
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// FindTestCredentialDir locates .testdata/ relative to the module root.
// Crashes if the directory does not exist.
func FindTestCredentialDir(moduleRoot string) string {
	dir := filepath.Join(moduleRoot, TestDataDirName)

	if _, err := os.Stat(dir); err != nil {
		fmt.Fprintln(os.Stderr, "FATAL: .testdata/ directory not found at "+dir)
		fmt.Fprintln(os.Stderr, "Run 'go run ./cmd/integration-bootstrap' to sign in a test account.")
		os.Exit(1)
	}

	return dir
}

// CopyTree copies src to dst. A directory is copied recursively, keeping
// the relative layout and each file's permissions. Crashes on failure because
// tests cannot proceed without the files.
func CopyTree(src, dst string) {
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}

		return os.WriteFile(target, data, info.Mode().Perm())
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: copying %s to %s: %v\n", src, dst, err)
		os.Exit(1)
	}
}
