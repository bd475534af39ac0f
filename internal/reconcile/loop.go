// Package reconcile keeps an in-memory preference flow and its
// authoritative store in sync.
package reconcile

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/flow"
	"github.com/prefbridge/prefbridge/internal/logging"
)

// DefaultDebounce is how long local edits settle before being written.
const DefaultDebounce = 500 * time.Millisecond

// minCommitRetry bounds how often a failing write is retried.
const minCommitRetry = 100 * time.Millisecond

// CommitFunc is told about every write the loop attempted.
type CommitFunc func(diff core.Diff, durable bool, err error)

// Loop synchronizes the local-scope flow with a PersistentStore.
//
// Local edits are written back after the debounce period. Changes observed
// in the store are mirrored into the flow, except for keys with a local edit
// that has not been written yet.
type Loop struct {
	flow     *flow.Flow
	store    core.PersistentStore
	debounce time.Duration
	logger   *logging.Logger
	onCommit CommitFunc

	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool

	// commitMu serializes writes so two commits never interleave.
	commitMu sync.Mutex
	// unsynced is set while the last write of the dirty keys failed. The
	// store may already hold them without having persisted them.
	unsynced bool

	ready     chan struct{}
	readyOnce sync.Once
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithDebounce sets the write-back debounce period.
func WithDebounce(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d >= 0 {
			l.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// OnCommit registers fn to be called after every write attempt.
func OnCommit(fn CommitFunc) LoopOption {
	return func(l *Loop) {
		l.onCommit = fn
	}
}

// NewLoop creates a loop between f and store.
func NewLoop(f *flow.Flow, store core.PersistentStore, opts ...LoopOption) *Loop {
	l := &Loop{
		flow:     f,
		store:    store,
		debounce: DefaultDebounce,
		logger:   logging.NewNop(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithScope(string(core.ScopeLocal))
	return l
}

// Run seeds the flow from the store and synchronizes until ctx ends. Edits
// still waiting for the debounce when ctx ends are written before Run
// returns.
func (l *Loop) Run(ctx context.Context) error {
	// Subscribe before seeding so no emission is missed.
	emissions := l.flow.Observe(ctx)
	changes := l.store.ObserveChanges(ctx)
	l.flow.Seed(l.store.Read(ctx))
	l.readyOnce.Do(func() { close(l.ready) })
	l.logger.Debug("local scope seeded", "keys", l.flow.Current().Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for e := range emissions {
			switch {
			case e.Origin == flow.OriginLocal:
				l.arm(gctx, true)
			case len(l.flow.Dirty()) > 0:
				// A local emission conflated into this one still needs a
				// write, but external churn must not push it back.
				l.arm(gctx, false)
			}
		}
		return nil
	})
	g.Go(func() error {
		for snap := range changes {
			if snap.Equal(l.flow.Current()) {
				continue
			}
			l.flow.MergeExternal(snap)
		}
		return nil
	})
	err := g.Wait()

	l.timerMu.Lock()
	l.stopped = true
	l.timerMu.Unlock()
	l.stopTimer()
	if len(l.flow.Dirty()) > 0 {
		if cerr := l.commit(context.WithoutCancel(ctx)); cerr != nil {
			l.logger.Warn("final write failed", "error", cerr)
		}
	}
	return err
}

// Ready is closed once Run has seeded the flow.
func (l *Loop) Ready() <-chan struct{} {
	return l.ready
}

// arm schedules a commit after the debounce period. With restart, a
// pending commit is pushed back; otherwise it is left alone.
func (l *Loop) arm(ctx context.Context, restart bool) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.stopped {
		return
	}
	if l.timer != nil {
		if !restart {
			return
		}
		l.timer.Stop()
	}
	l.scheduleLocked(ctx, l.debounce)
}

// retry schedules another attempt after a failed commit unless a commit is
// already pending or the loop has stopped.
func (l *Loop) retry(ctx context.Context) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.stopped || l.timer != nil {
		return
	}
	l.scheduleLocked(ctx, max(l.debounce, minCommitRetry))
}

func (l *Loop) scheduleLocked(ctx context.Context, d time.Duration) {
	// The write must complete even if the session ends while it runs.
	wctx := context.WithoutCancel(ctx)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		l.timerMu.Lock()
		if l.timer == t {
			l.timer = nil
		}
		l.timerMu.Unlock()

		if err := l.commit(wctx); err != nil {
			l.logger.Warn("writing preferences failed, will retry", "error", err)
			l.retry(wctx)
		}
	})
	l.timer = t
}

func (l *Loop) stopTimer() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// Flush writes pending local edits now instead of waiting for the debounce.
func (l *Loop) Flush(ctx context.Context) error {
	l.stopTimer()
	return l.commit(ctx)
}

// commit writes the dirty keys of the flow on top of the current store
// contents, so external changes to other keys are never overwritten. After a
// failed write the store still shows the values, so the retry syncs them.
func (l *Loop) commit(ctx context.Context) error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	dirty := l.flow.Dirty()
	if len(dirty) == 0 {
		return nil
	}
	local := l.flow.Current().Subset(dirty)
	base := l.store.Read(ctx)
	target := base.Overlay(local)
	diff := target.Diff(base)

	var (
		durable bool
		err     error
	)
	switch {
	case !diff.IsEmpty():
		durable = diff.Intersects(core.ImmediateDurabilityKeys)
		err = l.store.Write(ctx, target, durable)
	case l.unsynced:
		diff = core.NewDiff(local.Map())
		durable = true
		err = l.store.Sync(ctx)
	default:
		l.flow.ClearDirty(local)
		return nil
	}

	if l.onCommit != nil {
		l.onCommit(diff, durable, err)
	}
	if err != nil {
		l.unsynced = true
		return err
	}
	l.unsynced = false
	l.flow.ClearDirty(local)
	l.logger.Debug("preferences written", "keys", diff.Keys(), "durable", durable)
	return nil
}
