package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prefbridge/prefbridge/internal/actions"
	"github.com/prefbridge/prefbridge/internal/core"
)

// BackupRequest is the body of the export and import actions.
type BackupRequest struct {
	Path     string `json:"path"`
	Password string `json:"password,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

// SupportBundleRequest is the body of the support-bundle action.
type SupportBundleRequest struct {
	Dir string `json:"dir"`
}

func (s *Server) handleDaemonStatus(w http.ResponseWriter, _ *http.Request) {
	if s.daemon == nil {
		respondError(w, http.StatusServiceUnavailable, "daemon monitoring not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.daemon.Status())
}

func (s *Server) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireActions(w) {
		return
	}
	s.respondResult(w, s.actions.UsageReport(r.Context()))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireActions(w) {
		return
	}
	var req BackupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondResult(w, s.actions.Export(r.Context(), req.Path, req.Password))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if !s.requireActions(w) {
		return
	}
	var req BackupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondResult(w, s.actions.Import(r.Context(), req.Path, req.Password, req.DryRun))
}

func (s *Server) handleSupportBundle(w http.ResponseWriter, r *http.Request) {
	if !s.requireActions(w) {
		return
	}
	var req SupportBundleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondResult(w, s.actions.SupportBundle(r.Context(), req.Dir))
}

func (s *Server) handleSimpleAction(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireActions(w) {
			return
		}
		var res actions.Result
		switch name {
		case actions.ActionUndoIgnored:
			res = s.actions.UndoIgnored(r.Context())
		case actions.ActionClearVersions:
			res = s.actions.ClearVersions(r.Context())
		case actions.ActionResetDatabase:
			res = s.actions.ResetDatabase(r.Context())
		default:
			respondError(w, http.StatusNotFound, "unknown action")
			return
		}
		s.respondResult(w, res)
	}
}

func (s *Server) requireActions(w http.ResponseWriter) bool {
	if s.actions == nil {
		respondError(w, http.StatusServiceUnavailable, "actions not configured")
		return false
	}
	return true
}

// respondResult always carries the Result body; the status reflects the
// error category of a failed action.
func (s *Server) respondResult(w http.ResponseWriter, res actions.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
		if code, ok := httpStatusForDomainError(res.Err); ok {
			status = code
		}
	}
	respondJSON(w, status, res)
}

// decodeBody decodes an optional JSON body. An empty body leaves dest untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	err := json.NewDecoder(r.Body).Decode(dest)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	respondDomainError(w, core.ErrValidation(core.CodeInvalidValue, "invalid request body").WithCause(err))
	return false
}
