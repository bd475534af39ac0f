package runcond

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/logging"
)

// Tracker remembers that run-condition preferences changed and invokes the
// evaluator once when the changes have settled: when the session goes to the
// background, when it ends, or after a quiet period if one is configured.
type Tracker struct {
	evaluator     Evaluator
	prepare       func(ctx context.Context) error
	evaluateAfter time.Duration
	logger        *logging.Logger

	mu      sync.Mutex
	pending bool
	timer   *time.Timer
	closed  bool

	wg          sync.WaitGroup
	evaluations atomic.Int64
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithPrepare sets a hook run before every evaluation, usually one that
// makes pending preference writes durable.
func WithPrepare(fn func(ctx context.Context) error) TrackerOption {
	return func(t *Tracker) {
		t.prepare = fn
	}
}

// WithEvaluateAfter evaluates after d without further changes. Zero waits
// for Background or Close.
func WithEvaluateAfter(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.evaluateAfter = d
		}
	}
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger *logging.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates a tracker. A nil evaluator makes every evaluation a no-op.
func NewTracker(evaluator Evaluator, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		evaluator: evaluator,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithComponent("runcond")
	return t
}

// Observe marks an evaluation pending when diff touches a run-condition key.
func (t *Tracker) Observe(diff core.Diff) bool {
	if !TouchesRunConditions(diff) {
		return false
	}
	t.MarkPending()
	return true
}

// MarkPending records that an evaluation is owed.
func (t *Tracker) MarkPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending = true
	if t.evaluateAfter > 0 {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.timer = time.AfterFunc(t.evaluateAfter, func() {
			t.dispatch(context.Background(), "quiescent")
		})
	}
}

// Pending reports whether an evaluation is owed.
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Evaluations returns how many evaluations have run.
func (t *Tracker) Evaluations() int64 {
	return t.evaluations.Load()
}

// Background starts the owed evaluation, if any, without waiting for it.
func (t *Tracker) Background(ctx context.Context) {
	t.dispatch(context.WithoutCancel(ctx), "background")
}

// Wait blocks until evaluations already started have finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Close runs the owed evaluation, waits for running ones and ignores
// later changes.
func (t *Tracker) Close(ctx context.Context) error {
	var err error
	if t.claim() {
		t.wg.Add(1)
		err = t.run(ctx, "close")
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
	return err
}

// claim takes the pending flag so that one batch of changes is evaluated once.
func (t *Tracker) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !t.pending || t.closed {
		return false
	}
	t.pending = false
	return true
}

func (t *Tracker) dispatch(ctx context.Context, reason string) {
	if !t.claim() {
		return
	}
	t.wg.Add(1)
	go func() {
		_ = t.run(ctx, reason)
	}()
}

func (t *Tracker) run(ctx context.Context, reason string) error {
	defer t.wg.Done()

	if t.prepare != nil {
		if err := t.prepare(ctx); err != nil {
			t.logger.Warn("preparing run condition evaluation failed", "error", err)
		}
	}
	t.evaluations.Add(1)
	if t.evaluator == nil {
		return nil
	}
	if err := t.evaluator.EvaluateRunConditions(ctx); err != nil {
		t.logger.Warn("run condition evaluation failed", "reason", reason, "error", err)
		return err
	}
	t.logger.Debug("run conditions evaluated", "reason", reason)
	return nil
}
