package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateStore(&cfg.Store)
	v.validateDaemon(&cfg.Daemon)
	v.validateReconcile(&cfg.Reconcile)
	v.validateRunConditions(&cfg.RunConditions)
	v.validateServer(&cfg.Server)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) duration(field, value string, allowZero bool) {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return
	}
	if d < 0 || (!allowZero && d == 0) {
		v.addError(field, value, "must be positive")
	}
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateStore(cfg *StoreConfig) {
	switch cfg.Backend {
	case "yaml", "sqlite":
	default:
		v.addError("store.backend", cfg.Backend, "must be one of: yaml, sqlite")
	}
	if cfg.Path == "" {
		v.addError("store.path", cfg.Path, "path required")
	} else if !isValidPath(cfg.Path) {
		v.addError("store.path", cfg.Path, "invalid file path")
	}
	v.duration("store.flush_delay", cfg.FlushDelay, true)
	v.duration("store.watch_debounce", cfg.WatchDebounce, true)
	v.duration("store.poll_interval", cfg.PollInterval, false)
}

func (v *Validator) validateDaemon(cfg *DaemonConfig) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.addError("daemon.url", cfg.URL, "must be an absolute http(s) URL")
	}
	v.duration("daemon.timeout", cfg.Timeout, false)
	v.duration("daemon.poll_interval", cfg.PollInterval, false)
	if cfg.FailureThreshold < 1 || cfg.FailureThreshold > 100 {
		v.addError("daemon.failure_threshold", cfg.FailureThreshold, "must be between 1 and 100")
	}
}

func (v *Validator) validateReconcile(cfg *ReconcileConfig) {
	v.duration("reconcile.debounce", cfg.Debounce, true)
	v.duration("reconcile.remote_retry", cfg.RemoteRetry, false)
}

func (v *Validator) validateRunConditions(cfg *RunConditionsConfig) {
	v.duration("run_conditions.evaluate_after", cfg.EvaluateAfter, true)
	v.duration("run_conditions.command_timeout", cfg.CommandTimeout, false)
	if len(cfg.Command) > 0 && strings.TrimSpace(cfg.Command[0]) == "" {
		v.addError("run_conditions.command", cfg.Command, "program name cannot be empty")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	_, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		v.addError("server.addr", cfg.Addr, "must be host:port")
		return
	}
	if port == "" {
		v.addError("server.addr", cfg.Addr, "port required")
	}
	v.duration("server.request_timeout", cfg.RequestTimeout, false)
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
