package core

import "context"

// PersistentStore is durable key/value settings storage with change notification.
type PersistentStore interface {
	// Read returns the current contents. It never fails; an uninitialized store
	// yields an empty snapshot.
	Read(ctx context.Context) Snapshot

	// Write persists the keys of snapshot whose values differ from the current
	// contents. durable forces a synchronous flush before returning.
	Write(ctx context.Context, snapshot Snapshot, durable bool) error

	// ObserveChanges streams full snapshots whenever the store changes,
	// including changes made by other processes. The listener is released
	// when ctx is cancelled and the channel is then closed.
	ObserveChanges(ctx context.Context) <-chan Snapshot

	// Sync flushes every pending change.
	Sync(ctx context.Context) error
}

// DaemonState is the lifecycle state of the remote sync daemon.
type DaemonState string

const (
	DaemonInactive DaemonState = "inactive"
	DaemonStarting DaemonState = "starting"
	DaemonActive   DaemonState = "active"
)

// PreferenceBackend is the physical storage beneath a PersistentStore.
type PreferenceBackend interface {
	// Load reads the full contents.
	Load(ctx context.Context) (Snapshot, error)

	// Persist applies diff to what is currently stored, leaving every other
	// key untouched, and returns the resulting contents. durable additionally
	// forces the change to stable storage.
	Persist(ctx context.Context, diff Diff, durable bool) (Snapshot, error)

	// Watch calls notify whenever the stored contents may have changed,
	// including changes made by other processes. It blocks until ctx ends.
	Watch(ctx context.Context, notify func()) error

	// Close releases the backend.
	Close() error
}
