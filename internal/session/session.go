// Package session ties one settings screen session together: the local and
// daemon preference flows, the loops that keep them in sync, and run
// condition tracking.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/events"
	"github.com/prefbridge/prefbridge/internal/flow"
	"github.com/prefbridge/prefbridge/internal/logging"
	"github.com/prefbridge/prefbridge/internal/reconcile"
	"github.com/prefbridge/prefbridge/internal/remote"
	"github.com/prefbridge/prefbridge/internal/runcond"
	"github.com/prefbridge/prefbridge/internal/syncthing"
)

// StatusSource streams daemon status changes. *syncthing.Monitor implements it.
type StatusSource interface {
	Subscribe(ctx context.Context) <-chan syncthing.Status
}

// Deps are the collaborators a session needs. Store is required; Daemon may
// be nil, in which case the daemon scope is always inert.
type Deps struct {
	Store     core.PersistentStore
	Daemon    remote.Daemon
	Monitor   StatusSource
	Evaluator runcond.Evaluator
	Bus       *events.EventBus
	Logger    *logging.Logger

	Debounce      time.Duration
	RemoteRetry   time.Duration
	EvaluateAfter time.Duration
}

// Status summarizes a session.
type Status struct {
	ID                string    `json:"id"`
	StartedAt         time.Time `json:"started_at"`
	Foreground        bool      `json:"foreground"`
	LocalVersion      uint64    `json:"local_version"`
	RemoteVersion     uint64    `json:"remote_version"`
	LocalDirty        []string  `json:"local_dirty"`
	RemoteDirty       []string  `json:"remote_dirty"`
	RemoteInert       bool      `json:"remote_inert"`
	PendingEvaluation bool      `json:"pending_evaluation"`
	Ended             bool      `json:"ended"`
}

// Session is one active settings session.
type Session struct {
	id        string
	startedAt time.Time
	deps      Deps
	logger    *logging.Logger

	local      *flow.Flow
	remoteFlow *flow.Flow
	localLoop  *reconcile.Loop
	tracker    *runcond.Tracker

	cancel context.CancelFunc
	group  *errgroup.Group

	mu           sync.Mutex
	foreground   bool
	ended        bool
	remoteLoop   *reconcile.RemoteLoop
	remoteCancel context.CancelFunc
	remoteDone   chan struct{}
}

// Start creates a session and starts its loops. The loops run until End.
func Start(ctx context.Context, id string, deps Deps) (*Session, error) {
	if deps.Store == nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "session needs a preference store")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}

	s := &Session{
		id:         id,
		startedAt:  time.Now(),
		deps:       deps,
		logger:     deps.Logger.WithSession(id),
		local:      flow.New(),
		remoteFlow: flow.New(),
		foreground: true,
	}

	s.tracker = runcond.NewTracker(deps.Evaluator,
		runcond.WithPrepare(s.settle),
		runcond.WithEvaluateAfter(deps.EvaluateAfter),
		runcond.WithTrackerLogger(s.logger))

	s.localLoop = reconcile.NewLoop(s.local, deps.Store,
		reconcile.WithDebounce(deps.Debounce),
		reconcile.WithLogger(s.logger),
		reconcile.OnCommit(s.committed))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error { s.publish(gctx, core.ScopeLocal, s.local); return nil })
	g.Go(func() error { s.publish(gctx, core.ScopeDaemon, s.remoteFlow); return nil })
	g.Go(func() error { return s.localLoop.Run(gctx) })
	select {
	case <-s.localLoop.Ready():
	case <-ctx.Done():
	}

	usable := s.startRemote(gctx)
	if deps.Monitor != nil {
		g.Go(func() error { s.followDaemon(gctx, usable); return nil })
	}

	s.publishEvent(events.NewSessionStartedEvent(id))
	s.logger.Info("settings session started", "remote_inert", !usable)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Local returns the local-scope flow.
func (s *Session) Local() *flow.Flow { return s.local }

// Remote returns the daemon-scope flow.
func (s *Session) Remote() *flow.Flow { return s.remoteFlow }

// Flow returns the flow for scope.
func (s *Session) Flow(scope core.Scope) (*flow.Flow, error) {
	switch scope {
	case core.ScopeLocal:
		return s.local, nil
	case core.ScopeDaemon:
		return s.remoteFlow, nil
	}
	return nil, core.ErrValidation(core.CodeWrongScope, fmt.Sprintf("unknown scope %q", scope))
}

// SetLocal edits one local preference.
func (s *Session) SetLocal(key string, v core.Value) error {
	return s.Apply(core.ScopeLocal, map[string]core.Value{key: v})
}

// SetRemote edits one daemon preference. It fails while the daemon scope is
// inert.
func (s *Session) SetRemote(key string, v core.Value) error {
	return s.Apply(core.ScopeDaemon, map[string]core.Value{key: v})
}

// Apply validates every value and applies them as one edit. Nothing is
// applied if any value is rejected.
func (s *Session) Apply(scope core.Scope, values map[string]core.Value) error {
	f, err := s.Flow(scope)
	if err != nil {
		return err
	}

	s.mu.Lock()
	ended := s.ended
	inert := s.remoteLoop == nil || s.remoteLoop.Inert()
	s.mu.Unlock()
	if ended {
		return core.ErrState(core.CodeSessionEnded, "session has ended")
	}
	if scope == core.ScopeDaemon && inert {
		return core.ErrState(core.CodeConfigNotLoaded, "daemon configuration not loaded, daemon preferences are read-only")
	}

	normalized := make(map[string]core.Value, len(values))
	for key, v := range values {
		v = core.Normalize(key, v)
		if err := core.ValidateScoped(scope, key, v); err != nil {
			return err
		}
		normalized[key] = v
	}

	f.Update(func(cur core.Snapshot) core.Snapshot {
		for key, v := range normalized {
			cur = cur.With(key, v)
		}
		return cur
	})
	return nil
}

// Status returns a summary of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:                s.id,
		StartedAt:         s.startedAt,
		Foreground:        s.foreground,
		LocalVersion:      s.local.Latest().Version,
		RemoteVersion:     s.remoteFlow.Latest().Version,
		LocalDirty:        s.local.Dirty(),
		RemoteDirty:       s.remoteFlow.Dirty(),
		RemoteInert:       s.remoteLoop == nil || s.remoteLoop.Inert(),
		PendingEvaluation: s.tracker.Pending(),
		Ended:             s.ended,
	}
}

// Foreground marks the session visible again.
func (s *Session) Foreground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = true
}

// Background writes every pending edit, makes it durable and starts the
// owed run condition evaluation.
func (s *Session) Background(ctx context.Context) error {
	s.mu.Lock()
	s.foreground = false
	s.mu.Unlock()

	err := s.settle(ctx)
	s.tracker.Background(ctx)
	return err
}

// settle flushes both loops and syncs the store.
func (s *Session) settle(ctx context.Context) error {
	var errs []error
	if err := s.localLoop.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	rl := s.remoteLoop
	s.mu.Unlock()
	if rl != nil {
		if err := rl.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.deps.Store.Sync(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// End stops the loops after they wrote pending edits, runs the owed
// evaluation and closes the flows. Calling End again is a no-op.
func (s *Session) End(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()

	s.cancel()
	_ = s.group.Wait()
	s.stopRemote()

	err := s.tracker.Close(ctx)
	s.local.Close()
	s.remoteFlow.Close()

	s.publishEvent(events.NewSessionEndedEvent(s.id, reason))
	s.logger.Info("settings session ended", "reason", reason)
	return err
}

// Done reports whether End was called.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) daemonUsable() bool {
	d := s.deps.Daemon
	return d != nil && d.State() == core.DaemonActive && d.IsConfigLoaded()
}

// startRemote starts a remote loop on the shared daemon flow and reports
// whether the daemon was usable.
func (s *Session) startRemote(ctx context.Context) bool {
	usable := s.daemonUsable()
	var d remote.Daemon = inactiveDaemon{}
	if s.deps.Daemon != nil {
		d = s.deps.Daemon
	}
	rl := reconcile.NewRemoteLoop(s.remoteFlow, d, s.deps.Store,
		reconcile.WithRemoteDebounce(s.deps.Debounce),
		reconcile.WithRetry(s.deps.RemoteRetry),
		reconcile.WithRemoteLogger(s.logger),
		reconcile.OnApply(s.applied))

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.remoteCancel = cancel
	s.remoteDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = rl.Run(rctx)
	}()
	select {
	case <-rl.Ready():
	case <-done:
	}

	s.mu.Lock()
	s.remoteLoop = rl
	s.mu.Unlock()
	return usable
}

func (s *Session) stopRemote() {
	s.mu.Lock()
	cancel, done := s.remoteCancel, s.remoteDone
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// followDaemon restarts the remote loop whenever the daemon becomes usable
// or stops being usable, re-seeding the daemon flow.
func (s *Session) followDaemon(ctx context.Context, usable bool) {
	for st := range s.deps.Monitor.Subscribe(ctx) {
		if st.Usable() == usable {
			continue
		}
		usable = st.Usable()
		s.logger.Info("daemon availability changed, restarting daemon sync", "state", st.State, "usable", usable)
		s.stopRemote()
		if ctx.Err() != nil {
			return
		}
		s.startRemote(ctx)
	}
}

func (s *Session) committed(diff core.Diff, durable bool, err error) {
	s.publishEvent(events.NewStoreCommittedEvent(s.id, diff.Keys(), durable, err))
	if err != nil {
		return
	}
	s.tracker.Observe(diff)
	if v, ok := diff.Get(core.VerboseLog.Name()); ok {
		verbose, _ := v.AsBool()
		s.deps.Logger.SetVerbose(verbose)
	}
}

func (s *Session) applied(diff core.Diff, result remote.ApplyResult, err error) {
	s.publishEvent(events.NewRemoteAppliedEvent(s.id, diff.Keys(), result.Skipped, result.DeviceUpdated, err))
}

// publish forwards every emission of f to the event bus with secrets removed.
func (s *Session) publish(ctx context.Context, scope core.Scope, f *flow.Flow) {
	for e := range f.Observe(ctx) {
		if s.deps.Bus == nil {
			continue
		}
		inert := false
		if scope == core.ScopeDaemon {
			s.mu.Lock()
			inert = s.remoteLoop == nil || s.remoteLoop.Inert()
			s.mu.Unlock()
		}
		s.deps.Bus.Publish(events.NewSnapshotChangedEvent(s.id, string(scope), string(e.Origin),
			e.Version, PublicValues(e.Snapshot), inert))
	}
}

func (s *Session) publishEvent(e events.Event) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(e)
	}
}

// PublicValues converts a snapshot to plain values, leaving out secrets.
func PublicValues(snap core.Snapshot) map[string]any {
	out := make(map[string]any, snap.Len())
	for k, v := range snap.Map() {
		if core.SecretKeys.Contains(k) {
			continue
		}
		out[k] = v.Interface()
	}
	return out
}

// inactiveDaemon stands in when no daemon is configured.
type inactiveDaemon struct{}

func (inactiveDaemon) IsConfigLoaded() bool                   { return false }
func (inactiveDaemon) State() core.DaemonState                { return core.DaemonInactive }
func (inactiveDaemon) Options() syncthing.Options             { return syncthing.Options{} }
func (inactiveDaemon) GUI() syncthing.GUI                     { return syncthing.GUI{} }
func (inactiveDaemon) LocalDevice() syncthing.Device          { return syncthing.Device{} }
func (inactiveDaemon) APIKey() string                         { return "" }
func (inactiveDaemon) UsageReportingAccepted() bool           { return false }
func (inactiveDaemon) SetUsageReporting(context.Context, bool) error {
	return core.ErrRemoteUnavailable("no daemon configured")
}
func (inactiveDaemon) EditSettings(context.Context, syncthing.GUI, syncthing.Options) error {
	return core.ErrRemoteUnavailable("no daemon configured")
}
func (inactiveDaemon) UpdateDevice(context.Context, syncthing.Device) error {
	return core.ErrRemoteUnavailable("no daemon configured")
}
