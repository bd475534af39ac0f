package config

import (
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	Store         StoreConfig         `mapstructure:"store"`
	Daemon        DaemonConfig        `mapstructure:"daemon"`
	Reconcile     ReconcileConfig     `mapstructure:"reconcile"`
	RunConditions RunConditionsConfig `mapstructure:"run_conditions"`
	Server        ServerConfig        `mapstructure:"server"`
	Backup        BackupConfig        `mapstructure:"backup"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StoreConfig configures the persistent preference store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // yaml or sqlite
	Path    string `mapstructure:"path"`
	// FlushDelay batches non-durable writes.
	FlushDelay string `mapstructure:"flush_delay"`
	// WatchDebounce coalesces file system notifications (yaml backend).
	WatchDebounce string `mapstructure:"watch_debounce"`
	// PollInterval is how often the sqlite backend checks for external commits.
	PollInterval string `mapstructure:"poll_interval"`
}

// DaemonConfig configures the Syncthing REST client and status monitor.
type DaemonConfig struct {
	URL              string `mapstructure:"url"`
	APIKey           string `mapstructure:"api_key"`
	Timeout          string `mapstructure:"timeout"`
	PollInterval     string `mapstructure:"poll_interval"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
}

// ReconcileConfig configures the reconciliation loops.
type ReconcileConfig struct {
	Debounce    string `mapstructure:"debounce"`
	RemoteRetry string `mapstructure:"remote_retry"`
}

// RunConditionsConfig configures run-condition re-evaluation.
type RunConditionsConfig struct {
	// EvaluateAfter, when positive, evaluates after this much quiescence
	// instead of waiting for the session to go to the background.
	EvaluateAfter  string   `mapstructure:"evaluate_after"`
	Command        []string `mapstructure:"command"`
	CommandTimeout string   `mapstructure:"command_timeout"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	RequestTimeout string   `mapstructure:"request_timeout"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// BackupConfig configures configuration export and import.
type BackupConfig struct {
	// Dir is the base directory backup_rel_path_to_zip is resolved against.
	Dir string `mapstructure:"dir"`
}

// Duration parses a duration setting. Settings are validated on load, so a
// parse failure here falls back to def.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
