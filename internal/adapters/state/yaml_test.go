package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefbridge/prefbridge/internal/core"
)

func TestYAMLBackend_LoadMissingIsEmpty(t *testing.T) {
	b := NewYAMLBackend(filepath.Join(t.TempDir(), "prefs.yaml"))
	snap, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func TestYAMLBackend_PersistKeepsUnrelatedKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.yaml")

	// Two writers that never loaded each other's keys.
	a := NewYAMLBackend(path)
	b := NewYAMLBackend(path)

	_, err := a.Persist(ctx, core.NewDiff(map[string]core.Value{"run_on_wifi": core.Bool(false)}), false)
	require.NoError(t, err)
	next, err := b.Persist(ctx, core.NewDiff(map[string]core.Value{"app_theme": core.String("dark")}), true)
	require.NoError(t, err)

	assert.False(t, core.RunOnWifi.Get(next))
	assert.Equal(t, "dark", core.AppTheme.Get(next))

	loaded, err := a.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.Equal(next))
}

func TestYAMLBackend_RoundTripsEveryKind(t *testing.T) {
	ctx := context.Background()
	b := NewYAMLBackend(filepath.Join(t.TempDir(), "prefs.yaml"))

	want := core.NewSnapshot(map[string]core.Value{
		"b":   core.Bool(true),
		"i":   core.Int(-7),
		"l":   core.Long(1 << 40),
		"f":   core.Float(1.5),
		"s":   core.String("hello"),
		"set": core.StringSet("home", "office"),
	})
	_, err := b.Persist(ctx, want.Diff(core.EmptySnapshot()), false)
	require.NoError(t, err)

	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(want), "got %v", got.Map())
}

func TestYAMLBackend_CorruptFileFallsBackToBackup(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	b := NewYAMLBackend(path)

	_, err := b.Persist(ctx, core.NewDiff(map[string]core.Value{"a": core.Int(1)}), false)
	require.NoError(t, err)
	// Second write backs up the first.
	_, err = b.Persist(ctx, core.NewDiff(map[string]core.Value{"a": core.Int(2)}), false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{{{ not yaml"), 0o600))

	snap, err := b.Load(ctx)
	require.NoError(t, err)
	v, ok := snap.Get("a")
	require.True(t, ok)
	assert.True(t, v.Equal(core.Int(1)))
}

func TestYAMLBackend_CorruptFileWithoutBackupIsReplaced(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{ not yaml"), 0o600))

	b := NewYAMLBackend(path)
	_, err := b.Load(ctx)
	require.Error(t, err)

	_, err = b.Persist(ctx, core.NewDiff(map[string]core.Value{"a": core.Int(3)}), false)
	require.NoError(t, err)
	snap, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
}

func TestYAMLBackend_WatchSeesOtherWriter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "prefs.yaml")

	watched := NewYAMLBackend(path, WithWatchDebounce(10*time.Millisecond))
	notified := make(chan struct{}, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- watched.Watch(ctx, func() { notified <- struct{}{} })
	}()
	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)

	other := NewYAMLBackend(path)
	_, err := other.Persist(context.Background(), core.NewDiff(map[string]core.Value{"a": core.Int(1)}), false)
	require.NoError(t, err)

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the external write")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
