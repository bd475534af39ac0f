// Package api serves the settings bridge over HTTP: sessions, preference
// reads and edits, daemon status, user actions and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/prefbridge/prefbridge/internal/actions"
	"github.com/prefbridge/prefbridge/internal/events"
	"github.com/prefbridge/prefbridge/internal/logging"
	"github.com/prefbridge/prefbridge/internal/session"
	"github.com/prefbridge/prefbridge/internal/syncthing"
)

// DaemonStatusSource reports the last observed daemon status.
// *syncthing.Monitor implements it.
type DaemonStatusSource interface {
	Status() syncthing.Status
}

// Server provides the HTTP endpoints.
type Server struct {
	router         chi.Router
	sessions       *session.Manager
	eventBus       *events.EventBus
	actions        *actions.Runner
	daemon         DaemonStatusSource
	logger         *logging.Logger
	allowedOrigins []string
	requestTimeout time.Duration
	version        string
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithActions enables the /actions endpoints.
func WithActions(r *actions.Runner) ServerOption {
	return func(s *Server) {
		s.actions = r
	}
}

// WithDaemonStatus enables GET /daemon/status.
func WithDaemonStatus(src DaemonStatusSource) ServerOption {
	return func(s *Server) {
		s.daemon = src
	}
}

// WithAllowedOrigins restricts CORS to origins. The default allows any origin.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// WithRequestTimeout bounds non-streaming requests.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithVersion is reported by /health.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a new API server.
func NewServer(sessions *session.Manager, eventBus *events.EventBus, opts ...ServerOption) *Server {
	s := &Server{
		sessions:       sessions,
		eventBus:       eventBus,
		logger:         logging.NewNop(),
		allowedOrigins: []string{"*"},
		requestTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("api")
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// The event stream outlives any request timeout.
		r.Get("/sessions/{sessionID}/events", s.handleSessionEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))

			r.Get("/keys", s.handleListKeys)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleStartSession)
				r.Get("/active", s.handleActiveSession)
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Delete("/", s.handleEndSession)
					r.Post("/foreground", s.handleForeground)
					r.Post("/background", s.handleBackground)
					r.Get("/prefs/{scope}", s.handleGetPrefs)
					r.Patch("/prefs/{scope}", s.handlePatchPrefs)
				})
			})

			r.Route("/daemon", func(r chi.Router) {
				r.Get("/status", s.handleDaemonStatus)
				r.Get("/usage-report", s.handleUsageReport)
			})

			r.Route("/actions", func(r chi.Router) {
				r.Post("/export", s.handleExport)
				r.Post("/import", s.handleImport)
				r.Post("/support-bundle", s.handleSupportBundle)
				r.Post("/undo-ignored", s.handleSimpleAction(actions.ActionUndoIgnored))
				r.Post("/clear-versions", s.handleSimpleAction(actions.ActionClearVersions))
				r.Post("/reset-database", s.handleSimpleAction(actions.ActionResetDatabase))
			})
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.version != "" {
		body["version"] = s.version
	}
	respondJSON(w, http.StatusOK, body)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
