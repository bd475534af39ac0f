package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/flow"
	"github.com/prefbridge/prefbridge/internal/logging"
	"github.com/prefbridge/prefbridge/internal/remote"
)

// DefaultRemoteRetry is how long a failed push waits before it is retried.
const DefaultRemoteRetry = 5 * time.Second

// ApplyFunc is told about every push the remote loop attempted.
type ApplyFunc func(diff core.Diff, result remote.ApplyResult, err error)

// RemoteLoop synchronizes the daemon-scope flow with the daemon configuration.
//
// When the daemon is not active or has no configuration loaded the flow is
// seeded with defaults and the loop stays inert: nothing is pushed.
type RemoteLoop struct {
	flow     *flow.Flow
	daemon   remote.Daemon
	local    core.PersistentStore
	defaults core.Snapshot
	debounce time.Duration
	retry    time.Duration
	logger   *logging.Logger
	onApply  ApplyFunc

	inert     atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool

	pushMu sync.Mutex
	// base is the last snapshot known to match the daemon.
	base core.Snapshot
}

// RemoteLoopOption configures a RemoteLoop.
type RemoteLoopOption func(*RemoteLoop)

// WithRemoteDebounce sets the push debounce period.
func WithRemoteDebounce(d time.Duration) RemoteLoopOption {
	return func(r *RemoteLoop) {
		if d >= 0 {
			r.debounce = d
		}
	}
}

// WithRetry sets how long a failed push waits before it is retried.
func WithRetry(d time.Duration) RemoteLoopOption {
	return func(r *RemoteLoop) {
		if d > 0 {
			r.retry = d
		}
	}
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(logger *logging.Logger) RemoteLoopOption {
	return func(r *RemoteLoop) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDefaults sets the snapshot seeded while the daemon is unusable.
func WithDefaults(s core.Snapshot) RemoteLoopOption {
	return func(r *RemoteLoop) {
		r.defaults = s
	}
}

// OnApply registers fn to be called after every push attempt.
func OnApply(fn ApplyFunc) RemoteLoopOption {
	return func(r *RemoteLoop) {
		r.onApply = fn
	}
}

// NewRemoteLoop creates a loop between f and daemon. A pushed GUI password is
// mirrored into local, since the daemon never discloses it.
func NewRemoteLoop(f *flow.Flow, daemon remote.Daemon, local core.PersistentStore, opts ...RemoteLoopOption) *RemoteLoop {
	r := &RemoteLoop{
		flow:     f,
		daemon:   daemon,
		local:    local,
		defaults: core.Defaults(core.ScopeDaemon),
		debounce: DefaultDebounce,
		retry:    DefaultRemoteRetry,
		logger:   logging.NewNop(),
		base:     core.EmptySnapshot(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithScope(string(core.ScopeDaemon))
	return r
}

// Inert reports whether the loop seeded defaults because the daemon was unusable.
func (r *RemoteLoop) Inert() bool {
	return r.inert.Load()
}

// Ready is closed once Run has seeded the flow.
func (r *RemoteLoop) Ready() <-chan struct{} {
	return r.ready
}

func (r *RemoteLoop) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Run seeds the flow and pushes local edits until ctx ends.
func (r *RemoteLoop) Run(ctx context.Context) error {
	emissions := r.flow.Observe(ctx)

	if r.daemon.State() != core.DaemonActive || !r.daemon.IsConfigLoaded() {
		r.inert.Store(true)
		r.flow.Seed(r.defaults)
		r.markReady()
		r.logger.Debug("daemon unavailable, daemon scope is inert", "state", r.daemon.State())
		for range emissions {
		}
		return nil
	}

	r.inert.Store(false)
	seed := remote.ProjectFromRemote(r.daemon)
	r.pushMu.Lock()
	r.base = seed
	r.pushMu.Unlock()
	r.flow.Seed(seed)
	r.markReady()
	r.logger.Debug("daemon scope seeded", "keys", seed.Len())

	for e := range emissions {
		switch {
		case e.Origin == flow.OriginLocal:
			r.arm(ctx, r.debounce, true)
		case len(r.flow.Dirty()) > 0:
			r.arm(ctx, r.debounce, false)
		}
	}

	r.timerMu.Lock()
	r.stopped = true
	r.timerMu.Unlock()
	r.stopTimer()
	if len(r.flow.Dirty()) > 0 {
		if err := r.push(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("final push failed", "error", err)
		}
	}
	return nil
}

// arm schedules a push. With restart, a pending push is pushed back;
// otherwise it is left alone. Nothing is scheduled once Run has returned.
func (r *RemoteLoop) arm(ctx context.Context, after time.Duration, restart bool) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.stopped {
		return
	}
	if r.timer != nil {
		if !restart {
			return
		}
		r.timer.Stop()
	}
	pctx := context.WithoutCancel(ctx)
	var t *time.Timer
	t = time.AfterFunc(after, func() {
		r.timerMu.Lock()
		if r.timer == t {
			r.timer = nil
		}
		r.timerMu.Unlock()

		if err := r.push(pctx); err != nil {
			r.logger.Warn("pushing daemon settings failed, will retry", "error", err, "retry_in", r.retry)
			r.arm(ctx, r.retry, false)
		}
	})
	r.timer = t
}

func (r *RemoteLoop) stopTimer() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Flush pushes pending edits now instead of waiting for the debounce.
func (r *RemoteLoop) Flush(ctx context.Context) error {
	if r.Inert() {
		return nil
	}
	r.stopTimer()
	return r.push(ctx)
}

// push sends the keys edited since the last successful push. On failure the
// base is left alone so the next attempt recomputes the same diff.
func (r *RemoteLoop) push(ctx context.Context) error {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	dirty := r.flow.Dirty()
	if len(dirty) == 0 {
		return nil
	}
	local := r.flow.Current().Subset(dirty)
	diff := local.Diff(r.base)
	if diff.IsEmpty() {
		r.flow.ClearDirty(local)
		return nil
	}

	result, err := remote.ApplyToRemote(ctx, r.daemon, diff)
	if err == nil && result.Skipped {
		err = core.ErrRemoteUnavailable("daemon configuration not loaded")
	}
	if r.onApply != nil {
		r.onApply(diff, result, err)
	}
	if err != nil {
		return err
	}

	r.base = diff.Apply(r.base)
	r.flow.ClearDirty(local)
	r.logger.Debug("daemon settings pushed", "keys", diff.Keys(), "device_updated", result.DeviceUpdated)

	if v, ok := diff.Get(core.WebGUIPassword.Name()); ok && r.local != nil {
		mirror := core.NewSnapshot(map[string]core.Value{core.WebGUIPassword.Name(): v})
		if werr := r.local.Write(ctx, mirror, false); werr != nil {
			r.logger.Warn("storing GUI password locally failed", "error", werr)
		}
	}
	return nil
}
