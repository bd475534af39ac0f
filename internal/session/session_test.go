package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/events"
	"github.com/prefbridge/prefbridge/internal/store"
	"github.com/prefbridge/prefbridge/internal/syncthing"
	"github.com/prefbridge/prefbridge/internal/syncthing/syncthingtest"
	"github.com/prefbridge/prefbridge/internal/testutil"
)

type fixture struct {
	backend *testutil.MemoryBackend
	store   *store.Store
	eval    *testutil.CountingEvaluator
	deps    Deps
}

func newFixture(t *testing.T, onEval func(backend *testutil.MemoryBackend)) *fixture {
	t.Helper()
	fx := &fixture{backend: testutil.NewMemoryBackend(core.EmptySnapshot())}
	fx.store = store.New(context.Background(), fx.backend, store.WithFlushDelay(time.Hour))
	t.Cleanup(func() { _ = fx.store.Close(context.Background()) })
	fx.eval = testutil.NewCountingEvaluator(func() {
		if onEval != nil {
			onEval(fx.backend)
		}
	})
	fx.deps = Deps{
		Store:       fx.store,
		Evaluator:   fx.eval,
		Debounce:    time.Hour,
		RemoteRetry: 20 * time.Millisecond,
	}
	return fx
}

func startSession(t *testing.T, deps Deps) *Session {
	t.Helper()
	s, err := Start(context.Background(), "test-session", deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.End(context.Background(), "test") })
	return s
}

func TestStart_RequiresStore(t *testing.T) {
	_, err := Start(context.Background(), "x", Deps{})
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestSession_SeedsLocalFromStore(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.store.Write(context.Background(), core.AppTheme.Set(core.EmptySnapshot(), core.ThemeLight), true))

	s := startSession(t, fx.deps)
	assert.Equal(t, core.ThemeLight, core.AppTheme.Get(s.Local().Current()))
	assert.True(t, s.Status().RemoteInert)
	assert.True(t, s.Remote().Current().Equal(core.Defaults(core.ScopeDaemon)))
}

func TestSession_RejectsInvalidEdits(t *testing.T) {
	fx := newFixture(t, nil)
	s := startSession(t, fx.deps)

	err := s.SetLocal("power_source", core.String("solar"))
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))

	err = s.SetLocal("device_name", core.String("laptop"))
	assert.True(t, core.IsCategory(err, core.ErrCatValidation), "daemon key in local scope")

	err = s.Apply(core.ScopeLocal, map[string]core.Value{
		"run_on_wifi": core.Bool(false),
		"app_theme":   core.String("neon"),
	})
	require.Error(t, err)
	assert.True(t, core.RunOnWifi.Get(s.Local().Current()), "a rejected batch applies nothing")

	err = s.SetRemote("device_name", core.String("laptop"))
	assert.True(t, core.IsCategory(err, core.ErrCatState), "inert daemon scope is read-only")
}

func TestSession_BackupPathNormalized(t *testing.T) {
	fx := newFixture(t, nil)
	s := startSession(t, fx.deps)

	require.NoError(t, s.SetLocal("backup_rel_path_to_zip", core.String("  ")))
	assert.Equal(t, core.DefaultBackupPath, core.BackupRelPath.Get(s.Local().Current()))
}

func TestSession_VerboseLogIsDurableWithoutEvaluation(t *testing.T) {
	fx := newFixture(t, nil)
	fx.deps.Debounce = 10 * time.Millisecond
	s := startSession(t, fx.deps)

	require.NoError(t, s.SetLocal("verbose_log", core.Bool(true)))
	require.Eventually(t, func() bool { return len(fx.backend.Persists()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, fx.backend.Persists()[0].Durable)

	require.NoError(t, s.Background(context.Background()))
	require.NoError(t, s.End(context.Background(), "test"))

	assert.Len(t, fx.backend.Persists(), 1)
	assert.Equal(t, 0, fx.eval.Count())
}

func TestSession_RunConditionsEvaluatedOnceAfterDurableWrites(t *testing.T) {
	var seen core.Snapshot
	fx := newFixture(t, func(backend *testutil.MemoryBackend) { seen = backend.Data() })
	s := startSession(t, fx.deps)

	require.NoError(t, s.SetLocal("run_on_wifi", core.Bool(true)))
	require.NoError(t, s.SetLocal("run_on_metered_wifi", core.Bool(true)))
	require.NoError(t, s.SetLocal("run_on_wifi", core.Bool(false)))
	assert.Equal(t, 0, fx.eval.Count())

	require.NoError(t, s.Background(context.Background()))
	select {
	case <-fx.eval.Invoked():
	case <-time.After(2 * time.Second):
		t.Fatal("run conditions not evaluated")
	}

	assert.False(t, core.RunOnWifi.Get(seen))
	assert.True(t, core.RunOnMeteredWifi.Get(seen))

	require.NoError(t, s.End(context.Background(), "test"))
	assert.Equal(t, 1, fx.eval.Count())
	assert.False(t, s.Status().PendingEvaluation)
}

func TestSession_EndWritesPendingEdits(t *testing.T) {
	fx := newFixture(t, nil)
	s := startSession(t, fx.deps)

	require.NoError(t, s.SetLocal("expert_mode", core.Bool(true)))
	require.NoError(t, s.End(context.Background(), "test"))
	require.NoError(t, fx.store.Sync(context.Background()))

	assert.True(t, core.ExpertMode.Get(fx.backend.Data()))
	assert.True(t, s.Done())
	err := s.SetLocal("expert_mode", core.Bool(false))
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestSession_PublishesWithoutSecrets(t *testing.T) {
	fx := newFixture(t, nil)
	bus := events.New(32)
	defer bus.Close()
	ch := bus.Subscribe(events.TypeSnapshotChanged)
	fx.deps.Bus = bus
	s := startSession(t, fx.deps)

	require.NoError(t, s.SetLocal("backup_password", core.String("s3cret")))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			changed := ev.(events.SnapshotChangedEvent)
			if changed.Scope != string(core.ScopeLocal) || changed.Origin != "local" {
				continue
			}
			_, leaked := changed.Values["backup_password"]
			assert.False(t, leaked)
			return
		case <-deadline:
			t.Fatal("no local snapshot event")
		}
	}
}

func newDaemon(t *testing.T) (*syncthingtest.Server, *syncthing.RestAPI) {
	t.Helper()
	srv := syncthingtest.NewServer()
	t.Cleanup(srv.Close)
	client, err := syncthing.NewClient(srv.URL, syncthingtest.APIKey, syncthing.WithTimeout(time.Second))
	require.NoError(t, err)
	return srv, syncthing.NewRestAPI(client)
}

func TestSession_PushesDaemonEdits(t *testing.T) {
	srv, api := newDaemon(t)
	require.NoError(t, api.Load(context.Background()))
	fx := newFixture(t, nil)
	fx.deps.Daemon = api
	fx.deps.Debounce = 10 * time.Millisecond
	s := startSession(t, fx.deps)

	assert.False(t, s.Status().RemoteInert)
	assert.Equal(t, "phone", core.DeviceName.Get(s.Remote().Current()))

	require.NoError(t, s.SetRemote("device_name", core.String("laptop")))
	require.Eventually(t, func() bool {
		dev, _ := srv.Config().Device(syncthingtest.DeviceID)
		return dev.Name == "laptop"
	}, 2*time.Second, 5*time.Millisecond)

	err := s.SetRemote("api_key", core.String("new"))
	assert.True(t, core.IsCategory(err, core.ErrCatValidation), "api key is read-only")
}

func TestSession_RestartsDaemonSyncWhenDaemonComesUp(t *testing.T) {
	_, api := newDaemon(t)
	monitor := syncthing.NewMonitor(api, syncthing.WithPollInterval(10*time.Millisecond))
	fx := newFixture(t, nil)
	fx.deps.Daemon = api
	fx.deps.Monitor = monitor
	s := startSession(t, fx.deps)
	require.True(t, s.Status().RemoteInert)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = monitor.Run(ctx) }()

	require.Eventually(t, func() bool { return !s.Status().RemoteInert }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "phone", core.DeviceName.Get(s.Remote().Current()))
	require.NoError(t, s.SetRemote("relaying", core.Bool(false)))
}

func TestManager_SingleActiveSession(t *testing.T) {
	fx := newFixture(t, nil)
	m := NewManager(fx.deps)
	ctx := context.Background()

	first, err := m.Start(ctx)
	require.NoError(t, err)
	second, err := m.Start(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.True(t, first.Done())
	assert.Same(t, second, m.Active())

	_, err = m.Get(first.ID())
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
	got, err := m.Get(second.ID())
	require.NoError(t, err)
	assert.Same(t, second, got)

	require.NoError(t, m.End(ctx, second.ID()))
	assert.Nil(t, m.Active())
	assert.True(t, core.IsCategory(m.End(ctx, second.ID()), core.ErrCatNotFound))

	_, err = m.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))
	_, err = m.Start(ctx)
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}
