package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/prefbridge/prefbridge/internal/api"
	"github.com/prefbridge/prefbridge/internal/config"
	"github.com/prefbridge/prefbridge/internal/session"
	"github.com/prefbridge/prefbridge/internal/syncthing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the settings bridge and its HTTP API",
	Long: `Run the settings bridge: monitor the Syncthing daemon, serve the HTTP API
and keep every session's edits flowing to the local store and the daemon.

Examples:
  # Listen on the configured address (default 127.0.0.1:8385)
  prefbridge serve

  # Start a session right away instead of waiting for a client
  prefbridge serve --session`,
	RunE: runServe,
}

var (
	serveAddr         string
	serveStartSession bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveStartSession, "session", false, "Start a settings session immediately")

	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}()

	monitor := syncthing.NewMonitor(a.daemon,
		syncthing.WithPollInterval(config.Duration(a.cfg.Daemon.PollInterval, 0)),
		syncthing.WithFailureThreshold(a.cfg.Daemon.FailureThreshold),
		syncthing.WithMonitorLogger(a.logger),
		syncthing.WithEventBus(a.bus))

	sessions := session.NewManager(a.sessionDeps(monitor))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sessions.Close(shutdownCtx); err != nil {
			a.logger.Warn("ending sessions", "error", err)
		}
	}()

	server := api.NewServer(sessions, a.bus,
		api.WithLogger(a.logger),
		api.WithActions(a.actions()),
		api.WithDaemonStatus(monitor),
		api.WithAllowedOrigins(a.cfg.Server.AllowedOrigins...),
		api.WithRequestTimeout(config.Duration(a.cfg.Server.RequestTimeout, 0)),
		api.WithVersion(appVersion))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx, a.cfg.Server.Addr) })

	if serveStartSession {
		s, err := sessions.Start(gctx)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		a.logger.Info("session started", "session_id", s.ID())
	}

	err = g.Wait()
	a.logger.Info("prefbridge stopped")
	return err
}
