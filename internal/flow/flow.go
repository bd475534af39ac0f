// Package flow holds the in-memory, versioned preference state of one scope.
//
// A Flow has a single current snapshot that readers load without locking.
// Writers are serialized. Observers receive conflated emissions: a slow
// observer only ever sees the latest snapshot, never a backlog.
package flow

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prefbridge/prefbridge/internal/core"
)

// State is the lifecycle state of a Flow.
type State int32

const (
	Uninitialized State = iota
	Seeded
	Live
)

func (s State) String() string {
	switch s {
	case Seeded:
		return "seeded"
	case Live:
		return "live"
	default:
		return "uninitialized"
	}
}

// Origin tells observers who produced an emission.
type Origin string

const (
	// OriginSeed is the initial load from the authoritative store.
	OriginSeed Origin = "seed"
	// OriginLocal is an edit made through the session; it schedules write-back.
	OriginLocal Origin = "local"
	// OriginExternal mirrors a change observed in the store. It never
	// schedules write-back, which is what suppresses echoes.
	OriginExternal Origin = "external"
)

// Emission is one published snapshot.
type Emission struct {
	Snapshot core.Snapshot
	Version  uint64
	Origin   Origin
}

type subscriber struct {
	ch chan Emission
}

// Flow is the reactive preference state for one scope.
type Flow struct {
	mu      sync.Mutex
	current atomic.Pointer[Emission]
	state   atomic.Int32
	dirty   map[string]struct{}
	subs    map[*subscriber]struct{}
	closed  bool
	done    chan struct{}
}

// New returns an uninitialized flow holding an empty snapshot.
func New() *Flow {
	f := &Flow{
		dirty: make(map[string]struct{}),
		subs:  make(map[*subscriber]struct{}),
		done:  make(chan struct{}),
	}
	f.current.Store(&Emission{Snapshot: core.EmptySnapshot()})
	return f
}

// Current returns the latest snapshot.
func (f *Flow) Current() core.Snapshot {
	return f.current.Load().Snapshot
}

// Latest returns the latest emission, including its version.
func (f *Flow) Latest() Emission {
	return *f.current.Load()
}

// State returns the lifecycle state.
func (f *Flow) State() State {
	return State(f.state.Load())
}

// Seed replaces the state with snapshot and forgets locally edited keys. It
// is used for the initial load and when the remote scope is re-seeded.
func (f *Flow) Seed(snapshot core.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.dirty = make(map[string]struct{})
	first := f.State() == Uninitialized
	f.state.Store(int32(Seeded))
	if !first && snapshot.Equal(f.Current()) {
		return
	}
	f.emitLocked(snapshot, OriginSeed)
}

// Set replaces the state with a locally edited snapshot. Keys whose values
// change are recorded as dirty until ClearDirty sees them committed.
func (f *Flow) Set(snapshot core.Snapshot) {
	f.Update(func(core.Snapshot) core.Snapshot { return snapshot })
}

// Update atomically applies fn to the current snapshot as a local edit.
func (f *Flow) Update(fn func(core.Snapshot) core.Snapshot) core.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.Current()
	if f.closed {
		return cur
	}
	next := fn(cur)
	diff := next.Diff(cur)
	if diff.IsEmpty() && next.Equal(cur) {
		return cur
	}
	for _, k := range diff.Keys() {
		f.dirty[k] = struct{}{}
	}
	f.state.Store(int32(Live))
	f.emitLocked(next, OriginLocal)
	return next
}

// SetExternal replaces the state with a snapshot observed in the store.
// Equal snapshots are dropped.
func (f *Flow) SetExternal(snapshot core.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || snapshot.Equal(f.Current()) {
		return
	}
	if f.State() != Uninitialized {
		f.state.Store(int32(Live))
	}
	f.emitLocked(snapshot, OriginExternal)
}

// MergeExternal applies an external snapshot while keeping the values of
// keys that are still dirty: an uncommitted local edit wins over an external
// change observed during its debounce window.
func (f *Flow) MergeExternal(external core.Snapshot) core.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.Current()
	if f.closed {
		return cur
	}
	merged := external.Overlay(cur.Subset(f.dirtyKeysLocked()))
	if merged.Equal(cur) {
		return cur
	}
	if f.State() != Uninitialized {
		f.state.Store(int32(Live))
	}
	f.emitLocked(merged, OriginExternal)
	return merged
}

// Dirty returns the locally edited keys that are not yet committed, sorted.
func (f *Flow) Dirty() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirtyKeysLocked()
}

func (f *Flow) dirtyKeysLocked() []string {
	keys := make([]string, 0, len(f.dirty))
	for k := range f.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ClearDirty forgets dirty keys whose current value equals the committed
// value. A key edited again after the commit started stays dirty.
func (f *Flow) ClearDirty(committed core.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.Current()
	for k := range f.dirty {
		cv, ok := committed.Get(k)
		if !ok {
			continue
		}
		if v, ok := cur.Get(k); ok && v.Equal(cv) {
			delete(f.dirty, k)
		}
	}
}

// Observe subscribes to emissions. The current emission is delivered first
// unless the flow is still uninitialized. The channel holds at most one
// emission; an unread one is replaced by the next. It is closed when ctx ends
// or the flow is closed.
func (f *Flow) Observe(ctx context.Context) <-chan Emission {
	sub := &subscriber{ch: make(chan Emission, 1)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	f.subs[sub] = struct{}{}
	if f.State() != Uninitialized {
		sub.ch <- f.Latest()
	}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		f.remove(sub)
	}()
	return sub.ch
}

func (f *Flow) remove(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

// Subscribers returns the number of live observers.
func (f *Flow) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every observer channel. Later writes are ignored.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
	f.mu.Unlock()
	close(f.done)
}

func (f *Flow) emitLocked(snapshot core.Snapshot, origin Origin) {
	e := &Emission{
		Snapshot: snapshot,
		Version:  f.current.Load().Version + 1,
		Origin:   origin,
	}
	f.current.Store(e)
	for sub := range f.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- *e
	}
}
