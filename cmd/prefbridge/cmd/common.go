package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prefbridge/prefbridge/internal/actions"
	"github.com/prefbridge/prefbridge/internal/adapters/state"
	"github.com/prefbridge/prefbridge/internal/config"
	"github.com/prefbridge/prefbridge/internal/events"
	"github.com/prefbridge/prefbridge/internal/logging"
	"github.com/prefbridge/prefbridge/internal/runcond"
	"github.com/prefbridge/prefbridge/internal/session"
	"github.com/prefbridge/prefbridge/internal/store"
	"github.com/prefbridge/prefbridge/internal/syncthing"
)

// app holds the components every command builds from configuration.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *store.Store
	daemon *syncthing.RestAPI
	bus    *events.EventBus
}

// openApp loads configuration, opens the preference store and, when
// loadDaemon is set, probes the daemon once. An unreachable daemon is not an
// error; daemon-backed preferences are then read-only.
func openApp(ctx context.Context, loadDaemon bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := state.NewBackend(state.BackendOptions{
		Backend:       cfg.Store.Backend,
		Path:          cfg.Store.Path,
		WatchDebounce: config.Duration(cfg.Store.WatchDebounce, 0),
		PollInterval:  config.Duration(cfg.Store.PollInterval, 0),
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	logger.Debug("preference store opened", "backend", cfg.Store.Backend, "path", state.BackendPath(backend))

	a := &app{
		cfg:    cfg,
		logger: logger,
		store: store.New(ctx, backend,
			store.WithLogger(logger),
			store.WithFlushDelay(config.Duration(cfg.Store.FlushDelay, 0))),
		bus: events.New(256),
	}

	client, err := syncthing.NewClient(cfg.Daemon.URL, cfg.Daemon.APIKey,
		syncthing.WithTimeout(config.Duration(cfg.Daemon.Timeout, 0)))
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.daemon = syncthing.NewRestAPI(client)
	if loadDaemon {
		if err := a.daemon.Load(ctx); err != nil {
			logger.Warn("daemon not available", "url", cfg.Daemon.URL, "error", err)
		}
	}
	return a, nil
}

// evaluator runs the configured run condition command and announces every
// evaluation on the event bus.
func (a *app) evaluator() runcond.Evaluator {
	evals := runcond.Multi{runcond.BusEvaluator{Bus: a.bus}}
	if cmd := runcond.NewCommandEvaluator(a.cfg.RunConditions.Command,
		config.Duration(a.cfg.RunConditions.CommandTimeout, 0)); cmd != nil {
		evals = append(evals, cmd)
	}
	return evals
}

func (a *app) sessionDeps(monitor session.StatusSource) session.Deps {
	deps := session.Deps{
		Store:         a.store,
		Daemon:        a.daemon,
		Evaluator:     a.evaluator(),
		Bus:           a.bus,
		Logger:        a.logger,
		Debounce:      config.Duration(a.cfg.Reconcile.Debounce, 0),
		RemoteRetry:   config.Duration(a.cfg.Reconcile.RemoteRetry, 0),
		EvaluateAfter: config.Duration(a.cfg.RunConditions.EvaluateAfter, 0),
	}
	if monitor != nil {
		deps.Monitor = monitor
	}
	return deps
}

func (a *app) actions() *actions.Runner {
	return actions.NewRunner(a.daemon, a.store,
		actions.WithEventBus(a.bus),
		actions.WithLogger(a.logger),
		actions.WithAppVersion(appVersion),
		actions.WithBackupDir(a.cfg.Backup.Dir))
}

// withSession runs fn inside a short-lived session and ends it, which writes
// every pending edit to its owner before returning.
func (a *app) withSession(ctx context.Context, fn func(s *session.Session) error) error {
	s, err := session.Start(ctx, "cli", a.sessionDeps(nil))
	if err != nil {
		return err
	}
	fnErr := fn(s)
	endErr := s.End(ctx, "cli")
	return errors.Join(fnErr, endErr)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	a.bus.Close()
	if err := a.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
