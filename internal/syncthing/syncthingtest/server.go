// Package syncthingtest provides an in-process fake Syncthing daemon.
package syncthingtest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/prefbridge/prefbridge/internal/syncthing"
)

// Default identity of the fake daemon.
const (
	APIKey   = "fake-api-key-0123456789"
	DeviceID = "AAAAAAA-BBBBBBB-CCCCCCC-DDDDDDD-EEEEEEE-FFFFFFF-GGGGGGG-HHHHHHH"
)

// SupportBundle is the body served by /rest/debug/support.
var SupportBundle = []byte("PK\x03\x04fake-support-bundle")

// Request records one call to the fake.
type Request struct {
	Method string
	Path   string
	Body   json.RawMessage
}

// Server is a fake daemon serving the REST endpoints the bridge uses.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	cfg      *syncthing.Config
	requests []Request
	down     bool
	noConfig bool
	resets   int
}

// NewServer starts a fake daemon with a default configuration.
func NewServer() *Server {
	s := &Server{cfg: DefaultConfig()}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// DefaultConfig returns the configuration a fresh fake starts with.
func DefaultConfig() *syncthing.Config {
	return &syncthing.Config{
		Version: 37,
		Devices: []syncthing.Device{{
			DeviceID:  DeviceID,
			Name:      "phone",
			Addresses: []string{"dynamic"},
			Extra:     syncthing.Extra{"compression": json.RawMessage(`"metadata"`)},
		}},
		GUI: syncthing.GUI{
			Enabled: true,
			Address: "127.0.0.1:8384",
			User:    "syncthing",
			APIKey:  APIKey,
			Extra:   syncthing.Extra{"theme": json.RawMessage(`"default"`)},
		},
		Options: syncthing.Options{
			ListenAddresses:       []string{"default"},
			GlobalAnnounceServers: []string{"default"},
			GlobalAnnounceEnabled: true,
			LocalAnnounceEnabled:  true,
			RelaysEnabled:         true,
			NATEnabled:            true,
			CrashReportingEnabled: true,
			Extra:                 syncthing.Extra{"maxFolderConcurrency": json.RawMessage(`0`)},
		},
		RemoteIgnoredDevices: []json.RawMessage{},
		Extra:                syncthing.Extra{"defaults": json.RawMessage(`{"folder":{}}`)},
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.auth)

	r.Get("/rest/system/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"ping": "pong"})
	})
	r.Get("/rest/system/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, syncthing.SystemStatus{MyID: DeviceID, Uptime: 42, URVersionMax: 3})
	})
	r.Get("/rest/system/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, syncthing.VersionInfo{Version: "v1.27.0", OS: "linux", Arch: "amd64"})
	})
	r.Get("/rest/config", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		noConfig := s.noConfig
		cfg := s.cfg.Clone()
		s.mu.Unlock()
		if noConfig {
			http.Error(w, "config not ready", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, cfg)
	})
	r.Put("/rest/config", func(w http.ResponseWriter, r *http.Request) {
		var cfg syncthing.Config
		if !decode(w, r, &cfg) {
			return
		}
		s.mu.Lock()
		s.cfg = &cfg
		s.mu.Unlock()
	})
	r.Put("/rest/config/options", func(w http.ResponseWriter, r *http.Request) {
		var opts syncthing.Options
		if !decode(w, r, &opts) {
			return
		}
		s.mu.Lock()
		s.cfg.Options = opts
		s.mu.Unlock()
	})
	r.Put("/rest/config/gui", func(w http.ResponseWriter, r *http.Request) {
		var gui syncthing.GUI
		if !decode(w, r, &gui) {
			return
		}
		s.mu.Lock()
		s.cfg.GUI = gui
		s.mu.Unlock()
	})
	r.Put("/rest/config/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		var dev syncthing.Device
		if !decode(w, r, &dev) {
			return
		}
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := range s.cfg.Devices {
			if s.cfg.Devices[i].DeviceID == id {
				s.cfg.Devices[i] = dev
				return
			}
		}
		s.cfg.Devices = append(s.cfg.Devices, dev)
	})
	r.Get("/rest/svc/report", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"uniqueID": "fake", "version": "v1.27.0", "numFolders": 1})
	})
	r.Get("/rest/debug/support", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(SupportBundle)
	})
	r.Post("/rest/system/reset", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		s.resets++
		s.mu.Unlock()
		writeJSON(w, map[string]string{"ok": "resetting database"})
	})
	return r
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.down
		s.mu.Unlock()
		if down {
			// Drop the connection as an unreachable daemon would.
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			http.Error(w, "down", http.StatusBadGateway)
			return
		}

		req := Request{Method: r.Method, Path: r.URL.Path}
		if r.Body != nil && r.Method != http.MethodGet {
			data, err := io.ReadAll(r.Body)
			if err == nil {
				if json.Valid(data) {
					req.Body = data
				}
				r.Body = io.NopCloser(bytes.NewReader(data))
			}
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != APIKey {
			http.Error(w, "CSRF Error", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetDown makes the fake drop every connection.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// SetConfigUnavailable makes GET /rest/config fail while ping still works.
func (s *Server) SetConfigUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noConfig = unavailable
}

// Config returns a copy of the daemon's current configuration.
func (s *Server) Config() *syncthing.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// SetConfig replaces the daemon's configuration.
func (s *Server) SetConfig(cfg *syncthing.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
}

// Requests returns the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Writes returns the recorded non-GET requests.
func (s *Server) Writes() []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method != http.MethodGet {
			out = append(out, r)
		}
	}
	return out
}

// ResetRequests forgets the recorded requests.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Resets returns how many times the database reset endpoint was called.
func (s *Server) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
