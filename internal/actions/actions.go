// Package actions runs user-initiated operations against the daemon and the
// local store. Every operation reports an explicit Result and is never
// retried automatically.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prefbridge/prefbridge/internal/backup"
	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/events"
	"github.com/prefbridge/prefbridge/internal/logging"
	"github.com/prefbridge/prefbridge/internal/syncthing"
)

// Action names, also used as HTTP route segments.
const (
	ActionExport        = "export"
	ActionImport        = "import"
	ActionSupportBundle = "support-bundle"
	ActionUndoIgnored   = "undo-ignored"
	ActionClearVersions = "clear-versions"
	ActionResetDatabase = "reset-database"
	ActionUsageReport   = "usage-report"
)

// VersionsDir is the name of the per-folder file versioning directory.
const VersionsDir = ".stversions"

// Daemon is the subset of the daemon API the actions need.
// *syncthing.RestAPI implements it.
type Daemon interface {
	backup.ConfigReplacer
	Config() (*syncthing.Config, error)
	Folders() []syncthing.Folder
	SupportBundle(ctx context.Context, w io.Writer) (int64, error)
	UndoIgnored(ctx context.Context) error
	ResetDatabase(ctx context.Context) error
	UsageReport(ctx context.Context) (json.RawMessage, error)
}

// Result is the outcome of one action.
type Result struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	// Data carries action-specific output such as an import report.
	Data any `json:"data,omitempty"`

	Err error `json:"-"`
}

// Runner executes actions and publishes their outcome.
type Runner struct {
	daemon     Daemon
	store      core.PersistentStore
	bus        *events.EventBus
	logger     *logging.Logger
	appVersion string
	backupDir  string
	now        func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithEventBus publishes an ActionCompletedEvent after every action.
func WithEventBus(bus *events.EventBus) RunnerOption {
	return func(r *Runner) {
		r.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAppVersion records the version in exported manifests.
func WithAppVersion(v string) RunnerOption {
	return func(r *Runner) {
		r.appVersion = v
	}
}

// WithBackupDir sets the directory the stored backup_rel_path_to_zip is
// resolved against when an export or import names no path.
func WithBackupDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.backupDir = dir
	}
}

// NewRunner creates a runner. daemon may be nil, in which case daemon actions
// fail with a state error.
func NewRunner(daemon Daemon, store core.PersistentStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		daemon: daemon,
		store:  store,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("actions")
	return r
}

// Export writes a backup archive of the local preferences and, when loaded,
// the daemon configuration.
func (r *Runner) Export(ctx context.Context, outputPath, password string) Result {
	prefs := r.store.Read(ctx)
	outputPath, password = r.backupDefaults(prefs, outputPath, password)
	opts := &backup.ExportOptions{
		OutputPath:  outputPath,
		Preferences: prefs,
		Password:    password,
		AppVersion:  r.appVersion,
	}
	if r.daemon != nil && r.daemon.IsConfigLoaded() {
		if cfg, err := r.daemon.Config(); err == nil {
			opts.DaemonConfig = cfg
		}
	}
	res, err := backup.Export(opts)
	if err != nil {
		return r.finish(ActionExport, Result{Err: err, Message: fmt.Sprintf("export failed: %v", err)})
	}
	return r.finish(ActionExport, Result{
		Success: true,
		Path:    res.OutputPath,
		Message: fmt.Sprintf("exported %d preferences", res.Manifest.PreferenceCount),
		Data:    res,
	})
}

// Import restores a backup archive.
func (r *Runner) Import(ctx context.Context, inputPath, password string, dryRun bool) Result {
	inputPath, password = r.backupDefaults(r.store.Read(ctx), inputPath, password)
	var daemon backup.ConfigReplacer
	if r.daemon != nil {
		daemon = r.daemon
	}
	report, err := backup.Import(ctx, &backup.ImportOptions{
		InputPath: inputPath,
		Password:  password,
		DryRun:    dryRun,
	}, r.store, daemon)
	if err != nil {
		res := Result{Err: err, Path: inputPath, Message: fmt.Sprintf("import failed: %v", err)}
		if report != nil {
			res.Data = report
		}
		return r.finish(ActionImport, res)
	}
	msg := fmt.Sprintf("restored %d preferences", len(report.RestoredKeys))
	if dryRun {
		msg = fmt.Sprintf("archive is valid, %d preferences would be restored", len(report.RestoredKeys))
	}
	return r.finish(ActionImport, Result{Success: true, Path: inputPath, Message: msg, Data: report})
}

// SupportBundle downloads the daemon's support bundle into dir.
func (r *Runner) SupportBundle(ctx context.Context, dir string) Result {
	if err := r.requireDaemon(); err != nil {
		return r.finish(ActionSupportBundle, Result{Err: err, Message: err.Error()})
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return r.finish(ActionSupportBundle, Result{Err: err, Message: fmt.Sprintf("creating %s: %v", dir, err)})
	}
	name := filepath.Join(dir, fmt.Sprintf("syncthing-support-bundle_%s.zip", r.now().UTC().Format("2006-01-02_150405")))

	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- user-selected directory
	if err != nil {
		return r.finish(ActionSupportBundle, Result{Err: err, Message: fmt.Sprintf("creating %s: %v", name, err)})
	}
	n, err := r.daemon.SupportBundle(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return r.finish(ActionSupportBundle, Result{Err: err, Message: fmt.Sprintf("support bundle download failed: %v", err)})
	}
	return r.finish(ActionSupportBundle, Result{
		Success: true,
		Path:    name,
		Message: fmt.Sprintf("support bundle saved (%d bytes)", n),
	})
}

// UndoIgnored forgets every ignored device and folder.
func (r *Runner) UndoIgnored(ctx context.Context) Result {
	if err := r.requireDaemon(); err != nil {
		return r.finish(ActionUndoIgnored, Result{Err: err, Message: err.Error()})
	}
	if err := r.daemon.UndoIgnored(ctx); err != nil {
		return r.finish(ActionUndoIgnored, Result{Err: err, Message: fmt.Sprintf("undo ignored failed: %v", err)})
	}
	return r.finish(ActionUndoIgnored, Result{Success: true, Message: "ignored devices and folders cleared"})
}

// ClearVersions removes the versioning directory of every configured folder.
// Folders whose directory cannot be removed are reported; the others are
// still cleared.
func (r *Runner) ClearVersions(_ context.Context) Result {
	if err := r.requireDaemon(); err != nil {
		return r.finish(ActionClearVersions, Result{Err: err, Message: err.Error()})
	}

	var (
		cleared []string
		errs    []error
	)
	for _, folder := range r.daemon.Folders() {
		if strings.TrimSpace(folder.Path) == "" {
			continue
		}
		dir := filepath.Join(expandHome(folder.Path), VersionsDir)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("folder %s: %w", folder.ID, err))
			continue
		}
		r.logger.Debug("cleared versions", "folder", folder.ID, "path", dir)
		cleared = append(cleared, folder.ID)
	}

	if err := errors.Join(errs...); err != nil {
		return r.finish(ActionClearVersions, Result{Err: err, Message: fmt.Sprintf("clearing versions failed: %v", err), Data: cleared})
	}
	return r.finish(ActionClearVersions, Result{
		Success: true,
		Message: fmt.Sprintf("cleared versions of %d folders", len(cleared)),
		Data:    cleared,
	})
}

// ResetDatabase asks the daemon to rebuild its index database.
func (r *Runner) ResetDatabase(ctx context.Context) Result {
	if err := r.requireDaemon(); err != nil {
		return r.finish(ActionResetDatabase, Result{Err: err, Message: err.Error()})
	}
	if err := r.daemon.ResetDatabase(ctx); err != nil {
		return r.finish(ActionResetDatabase, Result{Err: err, Message: fmt.Sprintf("reset database failed: %v", err)})
	}
	return r.finish(ActionResetDatabase, Result{Success: true, Message: "database reset, the daemon is restarting"})
}

// UsageReport fetches the anonymous usage report preview.
func (r *Runner) UsageReport(ctx context.Context) Result {
	if err := r.requireDaemon(); err != nil {
		return r.finish(ActionUsageReport, Result{Err: err, Message: err.Error()})
	}
	report, err := r.daemon.UsageReport(ctx)
	if err != nil {
		return r.finish(ActionUsageReport, Result{Err: err, Message: fmt.Sprintf("usage report failed: %v", err)})
	}
	return r.finish(ActionUsageReport, Result{Success: true, Message: "usage report preview", Data: report})
}

// backupDefaults fills an empty path or password from the stored backup
// preferences.
func (r *Runner) backupDefaults(prefs core.Snapshot, path, password string) (string, string) {
	if path == "" {
		path = core.BackupRelPath.Get(prefs)
		if !filepath.IsAbs(path) && r.backupDir != "" {
			path = filepath.Join(r.backupDir, path)
		}
	}
	if password == "" {
		password = core.BackupPassword.Get(prefs)
	}
	return path, password
}

func (r *Runner) requireDaemon() error {
	if r.daemon == nil || !r.daemon.IsConfigLoaded() {
		return core.ErrState(core.CodeConfigNotLoaded, "daemon configuration not loaded")
	}
	return nil
}

func (r *Runner) finish(action string, res Result) Result {
	res.Action = action
	if res.Success {
		r.logger.Info("action completed", "action", action, "message", res.Message)
	} else {
		r.logger.Warn("action failed", "action", action, "error", res.Err)
	}
	if r.bus != nil {
		r.bus.Publish(events.NewActionCompletedEvent(action, res.Success, res.Message))
	}
	return res
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
