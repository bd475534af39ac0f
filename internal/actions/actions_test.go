package actions

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefbridge/prefbridge/internal/backup"
	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/events"
	"github.com/prefbridge/prefbridge/internal/store"
	"github.com/prefbridge/prefbridge/internal/syncthing"
	"github.com/prefbridge/prefbridge/internal/syncthing/syncthingtest"
	"github.com/prefbridge/prefbridge/internal/testutil"
)

type fixture struct {
	srv     *syncthingtest.Server
	api     *syncthing.RestAPI
	backend *testutil.MemoryBackend
	store   *store.Store
	bus     *events.EventBus
	runner  *Runner
}

func newFixture(t *testing.T, cfg *syncthing.Config) *fixture {
	t.Helper()
	fx := &fixture{srv: syncthingtest.NewServer()}
	t.Cleanup(fx.srv.Close)
	if cfg != nil {
		fx.srv.SetConfig(cfg)
	}
	client, err := syncthing.NewClient(fx.srv.URL, syncthingtest.APIKey, syncthing.WithTimeout(time.Second))
	require.NoError(t, err)
	fx.api = syncthing.NewRestAPI(client)
	require.NoError(t, fx.api.Load(context.Background()))

	fx.backend = testutil.NewMemoryBackend(core.AppTheme.Set(core.EmptySnapshot(), core.ThemeDark))
	fx.store = store.New(context.Background(), fx.backend)
	t.Cleanup(func() { _ = fx.store.Close(context.Background()) })

	fx.bus = events.New(16)
	t.Cleanup(fx.bus.Close)
	fx.runner = NewRunner(fx.api, fx.store, WithEventBus(fx.bus), WithAppVersion("test"))
	return fx
}

func TestRunner_SupportBundle(t *testing.T) {
	fx := newFixture(t, nil)
	ch := fx.bus.Subscribe(events.TypeActionCompleted)
	dir := filepath.Join(t.TempDir(), "bundles")

	res := fx.runner.SupportBundle(context.Background(), dir)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, ActionSupportBundle, res.Action)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, syncthingtest.SupportBundle, data)

	select {
	case ev := <-ch:
		done := ev.(events.ActionCompletedEvent)
		assert.Equal(t, ActionSupportBundle, done.Action)
		assert.True(t, done.Success)
	case <-time.After(time.Second):
		t.Fatal("no action event")
	}
}

func TestRunner_SupportBundleFailureLeavesNoFile(t *testing.T) {
	fx := newFixture(t, nil)
	fx.srv.SetDown(true)
	dir := t.TempDir()

	res := fx.runner.SupportBundle(context.Background(), dir)
	assert.False(t, res.Success)
	require.Error(t, res.Err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunner_UndoIgnored(t *testing.T) {
	cfg := syncthingtest.DefaultConfig()
	cfg.RemoteIgnoredDevices = []json.RawMessage{json.RawMessage(`{"deviceID":"X"}`)}
	cfg.Devices[0].IgnoredFolders = []json.RawMessage{json.RawMessage(`{"id":"f"}`)}
	fx := newFixture(t, cfg)

	res := fx.runner.UndoIgnored(context.Background())
	require.True(t, res.Success, res.Message)

	got := fx.srv.Config()
	assert.Empty(t, got.RemoteIgnoredDevices)
	assert.Empty(t, got.Devices[0].IgnoredFolders)
}

func TestRunner_ClearVersions(t *testing.T) {
	root := t.TempDir()
	withVersions := filepath.Join(root, "photos")
	without := filepath.Join(root, "docs")
	require.NoError(t, os.MkdirAll(filepath.Join(withVersions, VersionsDir, "old"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(withVersions, "keep.txt"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(without, 0o750))

	cfg := syncthingtest.DefaultConfig()
	cfg.Folders = []syncthing.Folder{
		{ID: "photos", Path: withVersions},
		{ID: "docs", Path: without},
	}
	fx := newFixture(t, cfg)

	res := fx.runner.ClearVersions(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"photos"}, res.Data)

	_, err := os.Stat(filepath.Join(withVersions, VersionsDir))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(withVersions, "keep.txt"))
	assert.NoError(t, err)
}

func TestRunner_ResetDatabase(t *testing.T) {
	fx := newFixture(t, nil)
	res := fx.runner.ResetDatabase(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, fx.srv.Resets())
}

func TestRunner_UsageReport(t *testing.T) {
	fx := newFixture(t, nil)
	res := fx.runner.UsageReport(context.Background())
	require.True(t, res.Success, res.Message)
	raw, ok := res.Data.(json.RawMessage)
	require.True(t, ok)
	assert.Contains(t, string(raw), "uniqueID")
}

func TestRunner_DaemonActionsNeedLoadedConfig(t *testing.T) {
	backend := testutil.NewMemoryBackend(core.EmptySnapshot())
	st := store.New(context.Background(), backend)
	defer func() { _ = st.Close(context.Background()) }()
	runner := NewRunner(nil, st)

	for _, res := range []Result{
		runner.SupportBundle(context.Background(), t.TempDir()),
		runner.UndoIgnored(context.Background()),
		runner.ClearVersions(context.Background()),
		runner.ResetDatabase(context.Background()),
		runner.UsageReport(context.Background()),
	} {
		assert.False(t, res.Success, res.Action)
		assert.True(t, core.IsCategory(res.Err, core.ErrCatState), res.Action)
	}
}

func TestRunner_ExportImport(t *testing.T) {
	fx := newFixture(t, nil)
	out := filepath.Join(t.TempDir(), "backup.tar.gz")

	exported := fx.runner.Export(context.Background(), out, "pw")
	require.True(t, exported.Success, exported.Message)
	assert.Equal(t, out, exported.Path)
	assert.True(t, exported.Data.(*backup.ExportResult).Manifest.DaemonConfigPresent)

	failed := fx.runner.Import(context.Background(), out, "nope", false)
	assert.False(t, failed.Success)
	assert.Nil(t, failed.Data)

	dry := fx.runner.Import(context.Background(), out, "pw", true)
	require.True(t, dry.Success, dry.Message)
	assert.Contains(t, dry.Message, "would be restored")

	imported := fx.runner.Import(context.Background(), out, "pw", false)
	require.True(t, imported.Success, imported.Message)
	report := imported.Data.(*backup.ImportReport)
	assert.Equal(t, []string{"app_theme"}, report.RestoredKeys)
	assert.True(t, report.DaemonConfigApplied)
}

func TestRunner_ExportUsesStoredBackupSettings(t *testing.T) {
	fx := newFixture(t, nil)
	dir := t.TempDir()
	fx.runner = NewRunner(fx.api, fx.store, WithBackupDir(dir))

	prefs := fx.store.Read(context.Background())
	prefs = core.BackupRelPath.Set(prefs, "nested/prefs.tar.gz")
	prefs = core.BackupPassword.Set(prefs, "stored-secret")
	require.NoError(t, fx.store.Write(context.Background(), prefs, true))

	res := fx.runner.Export(context.Background(), "", "")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, filepath.Join(dir, "nested", "prefs.tar.gz"), res.Path)

	_, err := backup.Load(res.Path, "")
	require.ErrorIs(t, err, backup.ErrPasswordRequired)

	imported := fx.runner.Import(context.Background(), "", "", true)
	require.True(t, imported.Success, imported.Message)
}
