package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/session"
)

// PrefsResponse is the body of GET /sessions/{id}/prefs/{scope}.
type PrefsResponse struct {
	Scope   core.Scope     `json:"scope"`
	Version uint64         `json:"version"`
	Dirty   []string       `json:"dirty"`
	Inert   bool           `json:"inert,omitempty"`
	Values  map[string]any `json:"values"`
}

// PatchPrefsRequest is the body of PATCH /sessions/{id}/prefs/{scope}.
type PatchPrefsRequest struct {
	Values map[string]json.RawMessage `json:"values"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Start(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess.Status())
}

func (s *Server) handleActiveSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.sessions.Active()
	if sess == nil {
		respondError(w, http.StatusNotFound, "no active session")
		return
	}
	respondJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondDomainError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sess.Foreground()
	respondJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if err := sess.Background(r.Context()); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess.Status())
}

func parseScope(raw string) (core.Scope, error) {
	switch core.Scope(raw) {
	case core.ScopeLocal, core.ScopeDaemon:
		return core.Scope(raw), nil
	default:
		return "", core.ErrValidation(core.CodeWrongScope, fmt.Sprintf("unknown scope %q", raw))
	}
}

func (s *Server) handleGetPrefs(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	scope, err := parseScope(chi.URLParam(r, "scope"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	f, err := sess.Flow(scope)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	latest := f.Latest()
	resp := PrefsResponse{
		Scope:   scope,
		Version: latest.Version,
		Dirty:   f.Dirty(),
		Values:  session.PublicValues(latest.Snapshot),
	}
	if scope == core.ScopeDaemon {
		resp.Inert = sess.Status().RemoteInert
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePatchPrefs(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	scope, err := parseScope(chi.URLParam(r, "scope"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req PatchPrefsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Values) == 0 {
		respondError(w, http.StatusBadRequest, "values are required")
		return
	}

	values := make(map[string]core.Value, len(req.Values))
	for key, raw := range req.Values {
		v, err := decodeValue(key, raw)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		values[key] = v
	}
	if err := sess.Apply(scope, values); err != nil {
		respondDomainError(w, err)
		return
	}
	s.handleGetPrefs(w, r)
}

// decodeValue parses raw as the catalog kind of key.
func decodeValue(key string, raw json.RawMessage) (core.Value, error) {
	entry, ok := core.Lookup(key)
	if !ok {
		return core.Value{}, core.Validate(key, core.Value{})
	}
	var loose any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&loose); err != nil {
		return core.Value{}, core.ErrValidation(core.CodeInvalidValue, fmt.Sprintf("%s: %v", key, err))
	}
	v, err := core.ParseAs(entry.Kind(), loose)
	if err != nil {
		return core.Value{}, core.ErrValidation(core.CodeKindMismatch, fmt.Sprintf("%s: %v", key, err)).
			WithDetail("key", key)
	}
	return v, nil
}

type keyInfo struct {
	Name    string     `json:"name"`
	Kind    string     `json:"kind"`
	Scope   core.Scope `json:"scope"`
	Group   string     `json:"group,omitempty"`
	Default any        `json:"default,omitempty"`
	Secret  bool       `json:"secret,omitempty"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	scope := core.Scope(r.URL.Query().Get("scope"))
	var names map[string]bool
	if q := r.URL.Query().Get("q"); q != "" {
		names = make(map[string]bool)
		for _, n := range core.SuggestKeys(scope, q) {
			names[n] = true
		}
	}

	out := make([]keyInfo, 0)
	for _, e := range core.Catalog() {
		if scope != "" && e.Scope != scope {
			continue
		}
		if names != nil && !names[e.Name()] {
			continue
		}
		info := keyInfo{
			Name:   e.Name(),
			Kind:   e.Kind().String(),
			Scope:  e.Scope,
			Group:  e.Group,
			Secret: core.SecretKeys.Contains(e.Name()),
		}
		if !info.Secret {
			info.Default = e.DefaultValue().Interface()
		}
		out = append(out, info)
	}
	respondJSON(w, http.StatusOK, out)
}
