package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/flow"
	"github.com/prefbridge/prefbridge/internal/remote"
	"github.com/prefbridge/prefbridge/internal/store"
	"github.com/prefbridge/prefbridge/internal/syncthing"
	"github.com/prefbridge/prefbridge/internal/syncthing/syncthingtest"
	"github.com/prefbridge/prefbridge/internal/testutil"
)

type applyLog struct {
	mu      sync.Mutex
	results []error
}

func (a *applyLog) record(_ core.Diff, _ remote.ApplyResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, err)
}

func (a *applyLog) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}

func (a *applyLog) failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, err := range a.results {
		if err != nil {
			n++
		}
	}
	return n
}

type remoteFixture struct {
	srv   *syncthingtest.Server
	api   *syncthing.RestAPI
	local *store.Store
	flow  *flow.Flow
	loop  *RemoteLoop
	log   *applyLog
}

func startRemote(t *testing.T, load bool) *remoteFixture {
	t.Helper()
	srv := syncthingtest.NewServer()
	t.Cleanup(srv.Close)
	client, err := syncthing.NewClient(srv.URL, syncthingtest.APIKey, syncthing.WithTimeout(time.Second))
	require.NoError(t, err)
	api := syncthing.NewRestAPI(client)
	if load {
		require.NoError(t, api.Load(context.Background()))
	}
	srv.ResetRequests()

	local := store.New(context.Background(), testutil.NewMemoryBackend(core.EmptySnapshot()))
	t.Cleanup(func() { _ = local.Close(context.Background()) })

	f := flow.New()
	log := &applyLog{}
	r := NewRemoteLoop(f, api, local,
		WithRemoteDebounce(20*time.Millisecond),
		WithRetry(30*time.Millisecond),
		OnApply(log.record))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return f.State() != flow.Uninitialized }, time.Second, 5*time.Millisecond)
	return &remoteFixture{srv: srv, api: api, local: local, flow: f, loop: r, log: log}
}

func TestRemoteLoop_InertWithoutConfig(t *testing.T) {
	fx := startRemote(t, false)

	assert.True(t, fx.loop.Inert())
	assert.True(t, fx.flow.Current().Equal(core.Defaults(core.ScopeDaemon)))

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.DeviceName.Set(s, "laptop") })
	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, fx.srv.Requests(), "an inert scope never talks to the daemon")
	assert.Equal(t, 0, fx.log.count())
	assert.NoError(t, fx.loop.Flush(context.Background()))
}

func TestRemoteLoop_SeedsAndPushes(t *testing.T) {
	fx := startRemote(t, true)

	assert.False(t, fx.loop.Inert())
	assert.Equal(t, "phone", core.DeviceName.Get(fx.flow.Current()))

	fx.flow.Update(func(s core.Snapshot) core.Snapshot {
		s = core.DeviceName.Set(s, "laptop")
		return core.Relaying.Set(s, false)
	})

	require.Eventually(t, func() bool { return fx.log.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cfg := fx.srv.Config()
	dev, _ := cfg.Device(syncthingtest.DeviceID)
	assert.Equal(t, "laptop", dev.Name)
	assert.False(t, cfg.Options.RelaysEnabled)
	assert.Empty(t, fx.flow.Dirty())

	// Nothing left to push.
	fx.srv.ResetRequests()
	require.NoError(t, fx.loop.Flush(context.Background()))
	assert.Empty(t, fx.srv.Writes())
}

func TestRemoteLoop_RetriesAfterFailure(t *testing.T) {
	fx := startRemote(t, true)
	fx.srv.SetDown(true)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.IncomingRateLimit.Set(s, 500) })
	require.Eventually(t, func() bool { return fx.log.failures() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"incoming_rate_limit"}, fx.flow.Dirty())

	fx.srv.SetDown(false)
	require.Eventually(t, func() bool { return fx.srv.Config().Options.MaxRecvKbps == 500 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fx.flow.Dirty()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRemoteLoop_StopsRetryingWhenFlowCloses(t *testing.T) {
	fx := startRemote(t, true)
	fx.srv.SetDown(true)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.Relaying.Set(s, true) })
	require.Eventually(t, func() bool { return fx.log.failures() >= 1 }, 2*time.Second, 5*time.Millisecond)

	fx.flow.Close()
	time.Sleep(100 * time.Millisecond)
	settled := fx.log.count()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, settled, fx.log.count(), "no push is attempted after the loop stopped")
}

func TestRemoteLoop_PasswordMirroredLocally(t *testing.T) {
	fx := startRemote(t, true)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.WebGUIPassword.Set(s, "hunter22") })
	require.Eventually(t, func() bool { return fx.log.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.NotEqual(t, "hunter22", fx.srv.Config().GUI.Password)
	assert.Equal(t, "hunter22", core.WebGUIPassword.Get(fx.local.Read(context.Background())))
}

func TestRemoteLoop_RemoteAccessRoundTrip(t *testing.T) {
	fx := startRemote(t, true)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot {
		s = core.WebGUIRemoteAccess.Set(s, true)
		return core.WebGUIPort.Set(s, 9090)
	})
	require.Eventually(t, func() bool { return fx.srv.Config().GUI.Address == "0.0.0.0:9090" }, 2*time.Second, 5*time.Millisecond)

	projected := remote.ProjectFromRemote(fx.api)
	assert.True(t, core.WebGUIRemoteAccess.Get(projected))
	assert.Equal(t, int32(9090), core.WebGUIPort.Get(projected))
}
