package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate is the config file written on first login. Global settings
// are present as commented-out defaults so users can discover every option.
// It is written once and never regenerated.
const configTemplate = `# icloud-go configuration

[account]
apple_id = %q
%s
# Keep the password in the sealed local credential store after login.
# save_password = true

# Wrong passwords and wrong verification codes allowed per login.
# max_credential_attempts = 3
# max_code_attempts = 3

# [retry]
# policy = "default"
# base_delay = "1s"
# max_delay = "30s"
# retry_count = 3

# [network]
# timeout = "60s"

# [logging]
# Verbosity: debug, info, warn, error
# log_level = "warn"
# Format: auto, text, json
# log_format = "auto"

# Extra or overridden operations for the "call" command, e.g.:
# [operations."hme.list"]
# retry_count = 5
`

// CreateConfigWithAccount writes a new config file naming the account.
// Returns false without touching anything if a file already exists.
func CreateConfigWithAccount(path, appleID string, chinaMainland bool) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("checking config file: %w", err)
	}

	region := ""
	if chinaMainland {
		region = "china_mainland = true\n"
	}

	content := fmt.Sprintf(configTemplate, strings.TrimSpace(appleID), region)

	if err := atomicWriteFile(path, []byte(content)); err != nil {
		return false, err
	}

	return true, nil
}

// DeleteConfig removes the config file. A missing file is not an error.
func DeleteConfig(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing config file: %w", err)
	}

	return nil
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. Parent directories are created
// as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
