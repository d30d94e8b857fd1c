package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// lockFilePermissions keeps the lock owner-only like the session file next
// to it.
const lockFilePermissions = 0o600

// lockDirPermissions matches the sessions directory.
const lockDirPermissions = 0o700

// acquireAccountLock takes an exclusive flock on path and writes the
// current PID into it. It fails immediately when another process holds the
// lock, so two logins for one account cannot interleave their challenges
// or overwrite each other's session file. The returned function releases
// the lock and removes the file.
func acquireAccountLock(path string) (release func(), err error) {
	if path == "" {
		return nil, fmt.Errorf("lock file path is empty, cannot determine data directory")
	}

	dir := filepath.Dir(path)
	if mkdirErr := os.MkdirAll(dir, lockDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating lock directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	// Non-blocking: a second login should fail fast, not wait on a prompt.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another icloud-go login for this account is running (could not lock %s)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// accountLockPath returns the lock file guarding the resolved account's
// session file.
func accountLockPath() string {
	if resolvedCfg == nil {
		return ""
	}

	if p := resolvedCfg.SessionPath(); p != "" {
		return p + ".lock"
	}

	return ""
}
