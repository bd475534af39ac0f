// Package backup exports and imports the bridge configuration: the local
// preferences and the daemon configuration, in one checksummed archive.
package backup

import (
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/syncthing"
)

const (
	// FormatVersion is the current manifest format version.
	FormatVersion = 1

	manifestArchivePath     = "manifest.yaml"
	preferencesArchivePath  = "preferences.yaml"
	daemonConfigArchivePath = "daemon/config.json"
)

// FileEntry describes one archived file.
type FileEntry struct {
	Path   string `yaml:"path" json:"path"`
	SHA256 string `yaml:"sha256" json:"sha256"`
	Size   int64  `yaml:"size" json:"size"`
}

// Manifest is the metadata file stored at the archive root.
type Manifest struct {
	Version             int         `yaml:"version" json:"version"`
	CreatedAt           time.Time   `yaml:"created_at" json:"created_at"`
	AppVersion          string      `yaml:"app_version,omitempty" json:"app_version,omitempty"`
	DeviceID            string      `yaml:"device_id,omitempty" json:"device_id,omitempty"`
	PreferenceCount     int         `yaml:"preference_count" json:"preference_count"`
	DaemonConfigPresent bool        `yaml:"daemon_config_present" json:"daemon_config_present"`
	Files               []FileEntry `yaml:"files" json:"files"`
}

// ExportOptions configures an export.
type ExportOptions struct {
	OutputPath string
	// Preferences are the local preferences. Secret keys are never written.
	Preferences core.Snapshot
	// DaemonConfig is optional.
	DaemonConfig *syncthing.Config
	// Password, when set, seals the archive.
	Password   string
	AppVersion string
}

// ExportResult describes an export.
type ExportResult struct {
	OutputPath string    `json:"output_path"`
	Sealed     bool      `json:"sealed"`
	Manifest   *Manifest `json:"manifest"`
}

// ImportOptions configures an import.
type ImportOptions struct {
	InputPath string
	Password  string
	// DryRun validates the archive without writing anything.
	DryRun bool
}

// Archive is a loaded and verified backup.
type Archive struct {
	Manifest     *Manifest
	Preferences  core.Snapshot
	DaemonConfig *syncthing.Config
	// Warnings lists archived preferences that were skipped.
	Warnings []string
}

// ImportReport summarizes an import.
type ImportReport struct {
	DryRun              bool      `json:"dry_run"`
	Manifest            *Manifest `json:"manifest"`
	RestoredKeys        []string  `json:"restored_keys"`
	DaemonConfigApplied bool      `json:"daemon_config_applied"`
	Warnings            []string  `json:"warnings,omitempty"`
}
