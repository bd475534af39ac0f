package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/flow"
	"github.com/prefbridge/prefbridge/internal/store"
	"github.com/prefbridge/prefbridge/internal/testutil"
)

type commitLog struct {
	mu      sync.Mutex
	commits []commitRecord
}

type commitRecord struct {
	diff    core.Diff
	durable bool
	err     error
}

func (c *commitLog) record(diff core.Diff, durable bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, commitRecord{diff: diff, durable: durable, err: err})
}

func (c *commitLog) all() []commitRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]commitRecord, len(c.commits))
	copy(out, c.commits)
	return out
}

type loopFixture struct {
	backend *testutil.MemoryBackend
	store   *store.Store
	flow    *flow.Flow
	loop    *Loop
	log     *commitLog
	cancel  context.CancelFunc
	done    chan error
	once    sync.Once
}

func startLoop(t *testing.T, initial core.Snapshot, debounce time.Duration) *loopFixture {
	t.Helper()
	backend := testutil.NewMemoryBackend(initial)
	st := store.New(context.Background(), backend, store.WithFlushDelay(10*time.Millisecond))
	f := flow.New()
	log := &commitLog{}
	l := NewLoop(f, st, WithDebounce(debounce), OnCommit(log.record))

	ctx, cancel := context.WithCancel(context.Background())
	fx := &loopFixture{backend: backend, store: st, flow: f, loop: l, log: log, cancel: cancel, done: make(chan error, 1)}
	go func() { fx.done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return f.State() != flow.Uninitialized }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		fx.stop(t)
		_ = st.Close(context.Background())
	})
	return fx
}

func (fx *loopFixture) stop(t *testing.T) {
	t.Helper()
	fx.once.Do(func() {
		fx.cancel()
		select {
		case <-fx.done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
}

func TestLoop_SeedsFromStore(t *testing.T) {
	initial := core.RunOnWifi.Set(core.EmptySnapshot(), false)
	fx := startLoop(t, initial, 20*time.Millisecond)

	assert.False(t, core.RunOnWifi.Get(fx.flow.Current()))
	assert.Equal(t, flow.Seeded, fx.flow.State())

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, fx.log.all(), "seeding never writes")
}

func TestLoop_DebounceCoalescesEdits(t *testing.T) {
	fx := startLoop(t, core.EmptySnapshot(), 80*time.Millisecond)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.RunOnWifi.Set(s, false) })
	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.RunOnRoaming.Set(s, true) })
	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.AppTheme.Set(s, core.ThemeDark) })

	require.Eventually(t, func() bool { return len(fx.log.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	commits := fx.log.all()
	require.Len(t, commits, 1)
	assert.ElementsMatch(t, []string{"run_on_wifi", "run_on_roaming", "app_theme"}, commits[0].diff.Keys())
	assert.False(t, commits[0].durable)
	assert.Empty(t, fx.flow.Dirty())

	require.NoError(t, fx.store.Sync(context.Background()))
	assert.Equal(t, core.ThemeDark, core.AppTheme.Get(fx.backend.Data()))
}

func TestLoop_OwnWriteIsNotEchoed(t *testing.T) {
	fx := startLoop(t, core.EmptySnapshot(), 20*time.Millisecond)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.ExpertMode.Set(s, true) })
	require.Eventually(t, func() bool { return len(fx.log.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, fx.store.Sync(context.Background()))
	version := fx.flow.Latest().Version

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, version, fx.flow.Latest().Version, "own write must not come back as an external emission")
	assert.Len(t, fx.log.all(), 1)
	assert.Equal(t, int64(1), fx.store.PhysicalWrites())
}

func TestLoop_ExternalChangeIsMirrored(t *testing.T) {
	fx := startLoop(t, core.EmptySnapshot(), 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := fx.flow.Observe(ctx)
	<-ch

	fx.backend.ExternalWrite(core.NewDiff(map[string]core.Value{"use_tor": core.Bool(true)}))

	select {
	case e := <-ch:
		assert.Equal(t, flow.OriginExternal, e.Origin)
		assert.True(t, core.UseTor.Get(e.Snapshot))
	case <-time.After(2 * time.Second):
		t.Fatal("external change not mirrored")
	}

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, fx.log.all(), "external changes never schedule a write")
}

func TestLoop_LocalEditWinsDuringDebounce(t *testing.T) {
	fx := startLoop(t, core.EmptySnapshot(), 150*time.Millisecond)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.PowerSource.Set(s, core.PowerSourceAC) })
	fx.backend.ExternalWrite(core.NewDiff(map[string]core.Value{
		"power_source": core.String(core.PowerSourceBattery),
		"use_root":     core.Bool(true),
	}))

	require.Eventually(t, func() bool { return core.UseRoot.Get(fx.flow.Current()) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, core.PowerSourceAC, core.PowerSource.Get(fx.flow.Current()))

	require.Eventually(t, func() bool { return len(fx.log.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, fx.store.Sync(context.Background()))
	assert.Equal(t, core.PowerSourceAC, core.PowerSource.Get(fx.backend.Data()))
	assert.True(t, core.UseRoot.Get(fx.backend.Data()), "unrelated external change survives")

	// After the commit, external writes win again.
	fx.backend.ExternalWrite(core.NewDiff(map[string]core.Value{"power_source": core.String(core.PowerSourceBattery)}))
	require.Eventually(t, func() bool {
		return core.PowerSource.Get(fx.flow.Current()) == core.PowerSourceBattery
	}, time.Second, 5*time.Millisecond)
}

func TestLoop_VerboseLogIsDurable(t *testing.T) {
	fx := startLoop(t, core.EmptySnapshot(), 10*time.Millisecond)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.VerboseLog.Set(s, true) })
	require.Eventually(t, func() bool { return len(fx.log.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, fx.log.all()[0].durable)
	persists := fx.backend.Persists()
	require.Len(t, persists, 1)
	assert.True(t, persists[0].Durable)
	assert.True(t, core.VerboseLog.Get(fx.backend.Data()))
}

func TestLoop_FailedWriteKeepsKeysDirty(t *testing.T) {
	fx := startLoop(t, core.EmptySnapshot(), 10*time.Millisecond)
	fx.backend.SetPersistError(testutil.ErrTest)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.VerboseLog.Set(s, true) })
	require.Eventually(t, func() bool { return len(fx.log.all()) >= 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, fx.log.all()[0].err)
	assert.Equal(t, []string{"verbose_log"}, fx.flow.Dirty())

	// The store already shows the value, yet Flush must still get it to disk.
	fx.backend.SetPersistError(nil)
	require.NoError(t, fx.loop.Flush(context.Background()))
	assert.Empty(t, fx.flow.Dirty())
	assert.True(t, core.VerboseLog.Get(fx.backend.Data()))

	persists := fx.backend.Persists()
	assert.True(t, persists[len(persists)-1].Durable)
}

func TestLoop_RetriesFailedWrite(t *testing.T) {
	fx := startLoop(t, core.EmptySnapshot(), 10*time.Millisecond)
	fx.backend.SetPersistError(testutil.ErrTest)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.VerboseLog.Set(s, true) })
	require.Eventually(t, func() bool { return len(fx.log.all()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	fx.backend.SetPersistError(nil)

	require.Eventually(t, func() bool {
		return core.VerboseLog.Get(fx.backend.Data()) && len(fx.flow.Dirty()) == 0
	}, 3*time.Second, 10*time.Millisecond)

	commits := fx.log.all()
	last := commits[len(commits)-1]
	require.NoError(t, last.err)
	assert.True(t, last.durable)
	assert.Equal(t, []string{"verbose_log"}, last.diff.Keys())
}

func TestLoop_ExternalChurnDoesNotDelayLocalWrite(t *testing.T) {
	fx := startLoop(t, core.EmptySnapshot(), 100*time.Millisecond)

	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fx.backend.ExternalWrite(core.NewDiff(map[string]core.Value{
					core.SocksProxyAddr.Name(): core.String(fmt.Sprintf("127.0.0.1:%d", 9000+i)),
				}))
			}
		}
	}()
	defer func() {
		close(stop)
		<-churned
	}()

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.UseRoot.Set(s, true) })

	require.Eventually(t, func() bool { return core.UseRoot.Get(fx.backend.Data()) }, time.Second, 10*time.Millisecond,
		"a local edit is written while another writer keeps changing the store")
	for _, c := range fx.log.all() {
		assert.Equal(t, []string{"use_root"}, c.diff.Keys())
	}
}

func TestLoop_CancelWritesPendingEdits(t *testing.T) {
	fx := startLoop(t, core.EmptySnapshot(), time.Hour)

	fx.flow.Update(func(s core.Snapshot) core.Snapshot { return core.StartIntoWebGUI.Set(s, true) })
	fx.stop(t)

	commits := fx.log.all()
	require.Len(t, commits, 1)
	assert.Equal(t, []string{"start_into_web_gui"}, commits[0].diff.Keys())
	assert.Equal(t, 0, fx.flow.Subscribers())
	assert.Equal(t, 0, fx.store.Listeners())
}
