// Package sessionfile reads and writes persisted session files. A session
// file stores the account identifier, the session record captured from the
// service, and cached account metadata (display name, DSID).
package sessionfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"github.com/tonimelisma/icloud-go/internal/auth"
)

// FilePerms restricts session files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the session directory.
const DirPerms = 0o700

// File is the on-disk format for session files.
type File struct {
	Identifier string              `json:"identifier"`
	Session    *auth.SessionRecord `json:"session"`
	Meta       map[string]string   `json:"meta,omitempty"`
}

// Load reads a session file. Returns (nil, nil) if the file does not exist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("sessionfile: reading %s: %w", path, err)
	}

	var sf File
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("sessionfile: decoding %s: %w", path, err)
	}

	if sf.Session == nil {
		return nil, fmt.Errorf("sessionfile: %s missing session field (re-login required)", path)
	}

	return &sf, nil
}

// Save writes a session file atomically (write-to-temp + rename) with 0600
// permissions. Never logs token values.
func Save(path, identifier string, rec auth.SessionRecord, meta map[string]string) error {
	snapshot := rec.Clone()
	sf := File{Identifier: identifier, Session: &snapshot, Meta: meta}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("sessionfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("sessionfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessionfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sessionfile: renaming: %w", err)
	}

	success = true

	return nil
}

// MergeMeta reads the current session file, overwrites the given metadata
// keys and saves. It fails if there is no session file.
func MergeMeta(path string, meta map[string]string) error {
	sf, err := Load(path)
	if err != nil {
		return fmt.Errorf("sessionfile: reading for metadata update: %w", err)
	}

	if sf == nil {
		return fmt.Errorf("sessionfile: no session file at %s", path)
	}

	if sf.Meta == nil {
		sf.Meta = make(map[string]string, len(meta))
	}

	maps.Copy(sf.Meta, meta)

	return Save(path, sf.Identifier, *sf.Session, sf.Meta)
}

// Remove deletes the session file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sessionfile: removing %s: %w", path, err)
	}

	return nil
}
