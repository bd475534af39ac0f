package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. PREFBRIDGE_DAEMON_URL.
const EnvPrefix = "PREFBRIDGE"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance so
// CLI flag bindings take part in the precedence chain.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads and validates configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (PREFBRIDGE_*)
// 3. Project config (.prefbridge.yaml in current directory)
// 4. User config (~/.config/prefbridge/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		if err := l.readDefaultFiles(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Backup.Dir = expandHome(cfg.Backup.Dir)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readDefaultFiles reads the user config and merges the project config over
// it. Missing files are ignored.
func (l *Loader) readDefaultFiles() error {
	l.v.SetConfigType("yaml")

	var candidates []string
	if dir, err := ConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "config.yaml"))
	}
	candidates = append(candidates, ".prefbridge.yaml")

	for _, path := range candidates {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("reading config: %w", err)
		}
		err = l.v.MergeConfig(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		l.v.SetConfigFile(path)
	}
	return nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	dataDir := "."
	if dir, err := DataDir(); err == nil {
		dataDir = dir
	}

	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.file", "")

	l.v.SetDefault("store.backend", "yaml")
	l.v.SetDefault("store.path", filepath.Join(dataDir, "preferences.yaml"))
	l.v.SetDefault("store.flush_delay", "200ms")
	l.v.SetDefault("store.watch_debounce", "100ms")
	l.v.SetDefault("store.poll_interval", "1s")

	l.v.SetDefault("daemon.url", "http://127.0.0.1:8384")
	l.v.SetDefault("daemon.api_key", "")
	l.v.SetDefault("daemon.timeout", "10s")
	l.v.SetDefault("daemon.poll_interval", "2s")
	l.v.SetDefault("daemon.failure_threshold", 3)

	l.v.SetDefault("reconcile.debounce", "500ms")
	l.v.SetDefault("reconcile.remote_retry", "5s")

	l.v.SetDefault("run_conditions.evaluate_after", "0s")
	l.v.SetDefault("run_conditions.command", []string{})
	l.v.SetDefault("run_conditions.command_timeout", "30s")

	l.v.SetDefault("server.addr", "127.0.0.1:8385")
	l.v.SetDefault("server.request_timeout", "60s")
	l.v.SetDefault("server.allowed_origins", []string{"http://localhost:*", "http://127.0.0.1:*"})

	l.v.SetDefault("backup.dir", dataDir)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}
