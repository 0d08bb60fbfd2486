package app

import (
	"net/http"

	"resonote/api/internal/store"
)

// handleNoteCollab dispatches the collaboration subroutes of a note:
// invitations, collaborators, and the share link.
func (s *HTTPServer) handleNoteCollab(w http.ResponseWriter, r *http.Request, session Session, noteID string, parts []string) {
	switch parts[0] {
	case "invitations":
		if r.Method == http.MethodPost && len(parts) == 1 {
			var body struct {
				Email      string `json:"email"`
				Permission string `json:"permission"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateInvitation(r.Context(), session, noteID, body.Email, store.Permission(body.Permission))
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}

	case "collaborators":
		if len(parts) == 2 {
			userID := parts[1]
			switch r.Method {
			case http.MethodDelete:
				if err := s.service.RemoveCollaborator(r.Context(), session, noteID, userID); err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			case http.MethodPut:
				var body struct {
					Permission string `json:"permission"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.UpdateCollaboratorPermission(r.Context(), session, noteID, userID, store.Permission(body.Permission))
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, payload)
				return
			}
		}
		if r.Method == http.MethodGet && len(parts) == 1 {
			payload, err := s.service.GetNote(r.Context(), session, noteID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"collaborators": payload["collaborators"]})
			return
		}

	case "share-link":
		if r.Method == http.MethodPost && len(parts) == 1 {
			payload, err := s.service.GenerateShareLink(r.Context(), session, noteID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleInvitationAction covers /api/invitations/{id}/accept and
// /api/invitations/{id}/decline.
func (s *HTTPServer) handleInvitationAction(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	invitationID := parts[0]

	switch parts[1] {
	case "accept":
		payload, err := s.service.AcceptInvitation(r.Context(), session, invitationID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "decline":
		if err := s.service.DeclineInvitation(r.Context(), session, invitationID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handlePublicShare serves a note through its share link. The token
// rides in the query string; access is always view-only.
func (s *HTTPServer) handlePublicShare(w http.ResponseWriter, r *http.Request, noteID string) {
	token := r.URL.Query().Get("token")
	payload, err := s.service.GetSharedNote(r.Context(), noteID, token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
