package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"resonote/api/internal/presence"
)

// handlePresence streams derived collaborator statuses for one note as
// server-sent events. Each event carries the full status list; clients
// replace their view on every message rather than patching it.
func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, session Session, noteID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	tracker, err := s.service.OpenPresence(r.Context(), session, noteID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer tracker.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The stream outlives the server's write timeout; clear the deadline
	// for this response only.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	if err := writeSSEStatuses(w, tracker.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, open := <-tracker.Updates():
			if !open {
				return
			}
			if err := writeSSEStatuses(w, snapshot); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEStatuses(w http.ResponseWriter, statuses []presence.CollaboratorStatus) error {
	encoded, err := json.Marshal(map[string]any{"collaborators": statuses})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: presence\ndata: %s\n\n", encoded)
	return err
}
