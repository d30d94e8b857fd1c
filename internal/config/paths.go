package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tonimelisma/icloud-go/internal/srp"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "icloud-go"

// File names inside the config and data directories.
const (
	configFileName     = "config.toml"
	sessionsDirName    = "sessions"
	credentialsDBName  = "credentials.db"
	credentialsKeyName = "credentials.key"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/icloud-go).
// On macOS, uses ~/Library/Application Support/icloud-go.
// Other platforms fall back to ~/.config/icloud-go.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for application
// data (session files, the credential database and its key).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/icloud-go).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the full path to the default config file, used
// when neither ICLOUD_GO_CONFIG nor --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// SessionPath returns the session file path for an account. Returns "" if
// the data directory cannot be determined or appleID is empty.
func SessionPath(appleID string) string {
	dir := DefaultDataDir()
	if dir == "" || appleID == "" {
		return ""
	}

	return filepath.Join(dir, sessionsDirName, sessionFileName(appleID))
}

// CredentialDBPath returns the path of the sealed credential database.
func CredentialDBPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, credentialsDBName)
}

// CredentialKeyPath returns the path of the credential sealing key.
func CredentialKeyPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, credentialsKeyName)
}

// sessionFileName maps an identifier to a file name that is safe on every
// platform: normalized, with characters outside [a-z0-9._@-] replaced.
func sessionFileName(appleID string) string {
	id := srp.NormalizeIdentifier(appleID)

	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '@', r == '-':
			return r
		default:
			return '_'
		}
	}, id)

	return "session_" + safe + ".json"
}
