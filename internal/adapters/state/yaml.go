package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/fsutil"
)

// YAMLBackend stores preferences in a single YAML file.
type YAMLBackend struct {
	path       string
	backupPath string
	debounce   time.Duration
	mu         sync.Mutex
}

// YAMLBackendOption configures the backend.
type YAMLBackendOption func(*YAMLBackend)

// NewYAMLBackend creates a YAML file backend.
func NewYAMLBackend(path string, opts ...YAMLBackendOption) *YAMLBackend {
	b := &YAMLBackend{
		path:       path,
		backupPath: path + ".bak",
		debounce:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithBackupPath sets the backup file path.
func WithBackupPath(path string) YAMLBackendOption {
	return func(b *YAMLBackend) {
		b.backupPath = path
	}
}

// WithWatchDebounce sets how long file system events are coalesced.
func WithWatchDebounce(d time.Duration) YAMLBackendOption {
	return func(b *YAMLBackend) {
		b.debounce = d
	}
}

// preferencesFile is the on-disk document.
type preferencesFile struct {
	Version     int           `yaml:"version"`
	UpdatedAt   time.Time     `yaml:"updated_at"`
	Preferences core.Snapshot `yaml:"preferences"`
}

// Path returns the file path.
func (b *YAMLBackend) Path() string {
	return b.path
}

// Load reads the file. A missing file is an empty store; an unreadable file
// falls back to the backup written before the last replacement.
func (b *YAMLBackend) Load(_ context.Context) (core.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load()
}

func (b *YAMLBackend) load() (core.Snapshot, error) {
	snap, err := b.loadFromPath(b.path)
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return core.EmptySnapshot(), nil
	}
	backup, backupErr := b.loadFromPath(b.backupPath)
	if backupErr != nil {
		return core.EmptySnapshot(), fmt.Errorf("loading preferences: %w (backup also failed: %v)", err, backupErr)
	}
	return backup, nil
}

func (b *YAMLBackend) loadFromPath(path string) (core.Snapshot, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return core.Snapshot{}, err
	}
	var doc preferencesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return core.Snapshot{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return doc.Preferences, nil
}

// Persist re-reads the file, applies diff and atomically replaces the file,
// so keys written by another process since the last load survive.
func (b *YAMLBackend) Persist(_ context.Context, diff core.Diff, durable bool) (core.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A file that cannot be parsed, with no usable backup, is replaced.
	current, _ := b.load()
	next := diff.Apply(current)

	data, err := yaml.Marshal(preferencesFile{
		Version:     1,
		UpdatedAt:   time.Now().UTC(),
		Preferences: next,
	})
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("marshaling preferences: %w", err)
	}

	if err := b.createBackup(); err != nil {
		return core.Snapshot{}, fmt.Errorf("creating backup: %w", err)
	}
	if err := fsutil.WriteFileAtomic(b.path, data, 0o600); err != nil {
		return core.Snapshot{}, fmt.Errorf("writing preferences file: %w", err)
	}
	if durable {
		if err := syncDir(filepath.Dir(b.path)); err != nil {
			return next, fmt.Errorf("syncing preferences directory: %w", err)
		}
	}
	return next, nil
}

func (b *YAMLBackend) createBackup() error {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	// Never replace a good backup with a corrupt file.
	var doc preferencesFile
	if yaml.Unmarshal(data, &doc) != nil {
		return nil
	}
	return fsutil.WriteFileAtomic(b.backupPath, data, 0o600)
}

// Watch watches the file's directory, since atomic replacement swaps the
// file's inode, and calls notify after events settle for the debounce period.
func (b *YAMLBackend) Watch(ctx context.Context, notify func()) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating preferences directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	name := filepath.Base(b.path)
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(b.debounce, func() {
				if ctx.Err() == nil {
					notify()
				}
			})
			timerMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Events may have been lost (queue overflow); reload to resync.
			if err != nil && ctx.Err() == nil {
				notify()
			}
		}
	}
}

// Close is a no-op; the file is never held open.
func (b *YAMLBackend) Close() error {
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
