package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prefbridge/prefbridge/internal/fsutil"
)

// ConfigDir returns the user configuration directory, ~/.config/prefbridge on Linux.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(base, "prefbridge"), nil
}

// DataDir returns the directory holding the preference store and backups.
// XDG_DATA_HOME is honoured; otherwise ~/.local/share/prefbridge.
func DataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "prefbridge"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "prefbridge"), nil
}

// WriteDefaultConfig writes DefaultConfigYAML to path unless a file already
// exists there and force is false. It reports whether the file was written.
func WriteDefaultConfig(path string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !os.IsNotExist(err) {
			return false, fmt.Errorf("checking config: %w", err)
		}
	}
	if err := fsutil.WriteFileAtomic(path, []byte(DefaultConfigYAML), 0o600); err != nil {
		return false, fmt.Errorf("writing config: %w", err)
	}
	return true, nil
}
