package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
)

// ErrTest is a generic test error.
var ErrTest = errors.New("test error")

// MockCall records a call to a mock.
type MockCall struct {
	Method    string
	Args      interface{}
	Timestamp time.Time
}

type callRecorder struct {
	mu    sync.Mutex
	calls []MockCall
}

func (r *callRecorder) recordCall(method string, args interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, MockCall{
		Method:    method,
		Args:      args,
		Timestamp: time.Now(),
	})
}

// Calls returns all recorded calls.
func (r *callRecorder) Calls() []MockCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MockCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns the number of calls to method.
func (r *callRecorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// PersistCall is the argument recorded for a Persist call.
type PersistCall struct {
	Diff    core.Diff
	Durable bool
}

// MemoryBackend is an in-memory core.PreferenceBackend. ExternalWrite
// simulates another process changing the stored contents.
type MemoryBackend struct {
	callRecorder

	mu         sync.Mutex
	data       core.Snapshot
	persistErr error
	watchers   map[int]func()
	nextID     int
	closed     bool
}

// NewMemoryBackend creates a backend holding initial.
func NewMemoryBackend(initial core.Snapshot) *MemoryBackend {
	return &MemoryBackend{
		data:     initial,
		watchers: make(map[int]func()),
	}
}

// Load returns the stored contents.
func (m *MemoryBackend) Load(_ context.Context) (core.Snapshot, error) {
	m.recordCall("Load", nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}

// Persist applies diff unless a persist error is configured.
func (m *MemoryBackend) Persist(_ context.Context, diff core.Diff, durable bool) (core.Snapshot, error) {
	m.recordCall("Persist", PersistCall{Diff: diff, Durable: durable})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return core.Snapshot{}, m.persistErr
	}
	m.data = diff.Apply(m.data)
	return m.data, nil
}

// Watch registers notify until ctx ends.
func (m *MemoryBackend) Watch(ctx context.Context, notify func()) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = notify
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
	return nil
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MemoryBackend) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Watching returns the number of active watchers.
func (m *MemoryBackend) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Data returns the stored contents without recording a call.
func (m *MemoryBackend) Data() core.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// ExternalWrite applies diff as another process would and notifies watchers.
func (m *MemoryBackend) ExternalWrite(diff core.Diff) {
	m.mu.Lock()
	m.data = diff.Apply(m.data)
	notify := make([]func(), 0, len(m.watchers))
	for _, fn := range m.watchers {
		notify = append(notify, fn)
	}
	m.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}

// SetPersistError makes Persist fail with err (nil restores success).
func (m *MemoryBackend) SetPersistError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistErr = err
}

// Persists returns the recorded Persist arguments.
func (m *MemoryBackend) Persists() []PersistCall {
	var out []PersistCall
	for _, c := range m.Calls() {
		if c.Method == "Persist" {
			out = append(out, c.Args.(PersistCall))
		}
	}
	return out
}

// CountingEvaluator counts run-condition evaluations.
type CountingEvaluator struct {
	mu      sync.Mutex
	count   int
	onCall  func()
	invoked chan struct{}
}

// NewCountingEvaluator creates an evaluator. onCall, when set, runs inside
// each evaluation.
func NewCountingEvaluator(onCall func()) *CountingEvaluator {
	return &CountingEvaluator{onCall: onCall, invoked: make(chan struct{}, 64)}
}

// EvaluateRunConditions records the call.
func (e *CountingEvaluator) EvaluateRunConditions(_ context.Context) error {
	e.mu.Lock()
	e.count++
	fn := e.onCall
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
	select {
	case e.invoked <- struct{}{}:
	default:
	}
	return nil
}

// Count returns the number of evaluations.
func (e *CountingEvaluator) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Invoked receives once per evaluation.
func (e *CountingEvaluator) Invoked() <-chan struct{} {
	return e.invoked
}
