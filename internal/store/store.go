// Package store implements the persistent preference store on top of a
// physical backend.
//
// Writes land in an in-memory pending set and are flushed to the backend
// either synchronously (durable writes) or in the background after a short
// delay, so bursts of edits cost a single physical write.
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/logging"
)

// Store is a core.PersistentStore backed by a core.PreferenceBackend.
type Store struct {
	backend    core.PreferenceBackend
	logger     *logging.Logger
	flushDelay time.Duration
	retryDelay time.Duration

	// flushMu serializes backend access so a reload never races a persist.
	flushMu sync.Mutex

	mu         sync.Mutex
	disk       core.Snapshot
	pending    core.Diff
	flushTimer *time.Timer
	subs       map[*subscriber]struct{}
	closed     bool

	// durableOwed is set when a durable flush failed; the retry is durable too.
	durableOwed bool

	writes      atomic.Int64
	cancelWatch context.CancelFunc
	watchDone   chan struct{}
	done        chan struct{}
}

type subscriber struct {
	ch chan core.Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFlushDelay sets how long non-durable writes wait before being flushed.
func WithFlushDelay(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.flushDelay = d
		}
	}
}

// WithRetryDelay sets how long a failed flush waits before it is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

var _ core.PersistentStore = (*Store)(nil)

// New loads the backend contents and starts watching for external changes.
// A backend that cannot be read yields an empty store rather than an error.
func New(ctx context.Context, backend core.PreferenceBackend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		logger:     logging.NewNop(),
		flushDelay: 200 * time.Millisecond,
		retryDelay: time.Second,
		disk:       core.EmptySnapshot(),
		subs:       make(map[*subscriber]struct{}),
		watchDone:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("store")

	if snap, err := backend.Load(ctx); err != nil {
		s.logger.Warn("loading preferences failed, starting empty", "error", err)
	} else {
		s.disk = snap
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelWatch = cancel
	go func() {
		defer close(s.watchDone)
		if err := backend.Watch(watchCtx, func() { s.reload(watchCtx) }); err != nil {
			s.logger.Warn("watching preferences stopped", "error", err)
		}
	}()
	return s
}

// Read returns the current contents including unflushed writes.
func (s *Store) Read(_ context.Context) core.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Store) viewLocked() core.Snapshot {
	return s.pending.Apply(s.disk)
}

// Write records the keys of snapshot whose values differ from the current
// contents. Keys absent from snapshot are left alone. A durable write
// flushes everything pending before returning.
func (s *Store) Write(ctx context.Context, snapshot core.Snapshot, durable bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrState(core.CodeWriteFailed, "store is closed")
	}
	diff := snapshot.Diff(s.viewLocked())
	if !diff.IsEmpty() {
		s.pending = s.pending.Merge(diff)
		s.notifyLocked(s.viewLocked())
		if !durable && s.flushTimer == nil {
			s.flushTimer = time.AfterFunc(s.flushDelay, s.backgroundFlush)
		}
	}
	s.mu.Unlock()

	if durable {
		return s.flush(ctx, true)
	}
	return nil
}

// Sync flushes every pending change to stable storage.
func (s *Store) Sync(ctx context.Context) error {
	return s.flush(ctx, true)
}

func (s *Store) backgroundFlush() {
	s.mu.Lock()
	s.flushTimer = nil
	durable := s.durableOwed
	s.mu.Unlock()
	if err := s.flush(context.Background(), durable); err != nil {
		s.logger.Warn("background flush failed, changes kept pending", "error", err)
	}
}

func (s *Store) flush(ctx context.Context, durable bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	if s.flushTimer != nil && durable {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()
	if batch.IsEmpty() {
		return nil
	}

	next, err := s.backend.Persist(ctx, batch, durable)
	if err != nil {
		s.mu.Lock()
		if durable {
			s.durableOwed = true
		}
		if !s.closed && s.flushTimer == nil {
			s.flushTimer = time.AfterFunc(s.retryDelay, s.backgroundFlush)
		}
		s.mu.Unlock()
		return core.ErrStorage(core.CodeWriteFailed, "persisting preferences").WithCause(err)
	}
	s.writes.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if durable {
		s.durableOwed = false
	}
	before := s.viewLocked()
	s.disk = next
	s.pending = settle(s.pending, batch)
	if after := s.viewLocked(); !after.Equal(before) {
		s.notifyLocked(after)
	}
	s.logger.Debug("preferences flushed", "keys", batch.Keys(), "durable", durable)
	return nil
}

// settle drops from pending the changes that batch committed. A key written
// again with a different value while the batch was in flight stays pending.
func settle(pending, batch core.Diff) core.Diff {
	rest := make(map[string]core.Value)
	for _, k := range pending.Keys() {
		v, _ := pending.Get(k)
		if committed, ok := batch.Get(k); ok && committed.Equal(v) {
			continue
		}
		rest[k] = v
	}
	return core.NewDiff(rest)
}

// reload picks up a change made outside this store. Unflushed local writes
// stay on top of the reloaded contents.
func (s *Store) reload(ctx context.Context) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	loaded, err := s.backend.Load(ctx)
	if err != nil {
		s.logger.Warn("reloading preferences failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.viewLocked()
	s.disk = loaded
	if after := s.viewLocked(); !after.Equal(before) {
		s.logger.Debug("external preference change observed")
		s.notifyLocked(after)
	}
}

// ObserveChanges streams the full contents after every change. The channel
// holds only the latest snapshot and is closed when ctx ends or the store
// is closed.
func (s *Store) ObserveChanges(ctx context.Context) <-chan core.Snapshot {
	sub := &subscriber{ch: make(chan core.Snapshot, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.mu.Lock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
		s.mu.Unlock()
	}()
	return sub.ch
}

// Listeners returns the number of registered change listeners.
func (s *Store) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) notifyLocked(snap core.Snapshot) {
	for sub := range s.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snap
	}
}

// PhysicalWrites returns how many times the backend has been written.
func (s *Store) PhysicalWrites() int64 {
	return s.writes.Load()
}

// Close flushes pending changes, stops the watcher and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()

	flushErr := s.flush(ctx, true)

	s.cancelWatch()
	<-s.watchDone

	s.mu.Lock()
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
	s.mu.Unlock()
	close(s.done)

	if err := s.backend.Close(); err != nil && flushErr == nil {
		return core.ErrStorage(core.CodeWriteFailed, "closing backend").WithCause(err)
	}
	return flushErr
}
