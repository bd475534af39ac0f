package state

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
)

// Backend names accepted by NewBackend.
const (
	BackendYAML   = "yaml"
	BackendSQLite = "sqlite"
)

// BackendOptions configures backend creation.
type BackendOptions struct {
	// Backend is "yaml" (default) or "sqlite".
	Backend string

	// Path is the preferences file or database path.
	Path string

	// WatchDebounce coalesces file system events (yaml only).
	WatchDebounce time.Duration

	// PollInterval is how often the database is checked for commits by
	// other processes (sqlite only).
	PollInterval time.Duration
}

// NewBackend creates the preference backend selected by opts.Backend.
func NewBackend(opts BackendOptions) (core.PreferenceBackend, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "store path is required")
	}

	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendYAML:
		var yamlOpts []YAMLBackendOption
		if opts.WatchDebounce > 0 {
			yamlOpts = append(yamlOpts, WithWatchDebounce(opts.WatchDebounce))
		}
		return NewYAMLBackend(path, yamlOpts...), nil

	case BackendSQLite:
		// Ensure path has .db extension for SQLite
		if !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLiteBackend(path, WithPollInterval(opts.PollInterval))

	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("unknown store backend %q (use %s or %s)", opts.Backend, BackendYAML, BackendSQLite))
	}
}

// BackendPath reports where a backend stores its data, if it exposes it.
func BackendPath(b core.PreferenceBackend) string {
	if p, ok := b.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}
