package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/events"
	"github.com/prefbridge/prefbridge/internal/session"
)

// handleSessionEvents streams the session's events plus daemon status
// changes as Server-Sent Events. The current snapshots are sent first.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if s.eventBus == nil {
		respondError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	eventCh := s.eventBus.SubscribeForSession(sess.ID())
	defer s.eventBus.Unsubscribe(eventCh)

	logger := s.logger.WithSession(sess.ID())
	logger.Debug("SSE client connected", "remote_addr", r.RemoteAddr)

	s.sendSSEEvent(w, flusher, "connected", sess.Status())
	status := sess.Status()
	local := sess.Local().Latest()
	s.sendSSEEvent(w, flusher, events.TypeSnapshotChanged, events.NewSnapshotChangedEvent(
		sess.ID(), string(core.ScopeLocal), string(local.Origin), local.Version, session.PublicValues(local.Snapshot), false))
	remote := sess.Remote().Latest()
	s.sendSSEEvent(w, flusher, events.TypeSnapshotChanged, events.NewSnapshotChangedEvent(
		sess.ID(), string(core.ScopeDaemon), string(remote.Origin), remote.Version, session.PublicValues(remote.Snapshot), status.RemoteInert))

	for {
		select {
		case <-ctx.Done():
			logger.Debug("SSE client disconnected", "remote_addr", r.RemoteAddr)
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			s.sendSSEEvent(w, flusher, event.EventType(), event)
			if ended, isEnd := event.(events.SessionEndedEvent); isEnd && ended.SessionID() == sess.ID() {
				return
			}
		}
	}
}

// sendSSEEvent writes one event in "event: type\ndata: json\n\n" form.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
