package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"resonote/api/internal/realtime"
	"resonote/api/internal/store"
	"resonote/api/internal/util"
)

// invitationTTL is how long an invitation stays acceptable.
const invitationTTL = 7 * 24 * time.Hour

// AccessVia records which rule granted access to a note.
type AccessVia string

const (
	AccessOwner        AccessVia = "owner"
	AccessCollaborator AccessVia = "collaborator"
	AccessShareToken   AccessVia = "share_token"
)

type Access struct {
	Permission store.Permission
	Via        AccessVia
}

// ResolveAccess decides what a request may do with a note. The order is
// significant: ownership and explicit collaboration always win over
// link-based access, and a share token never grants edit.
func ResolveAccess(note store.Note, userID, shareToken string) (Access, bool) {
	if userID != "" && userID == note.OwnerID {
		return Access{Permission: store.PermissionEdit, Via: AccessOwner}, true
	}
	if userID != "" {
		if collab, ok := note.FindCollaborator(userID); ok {
			return Access{Permission: collab.Permission, Via: AccessCollaborator}, true
		}
	}
	if shareToken != "" && note.SharingToken != "" && shareToken == note.SharingToken {
		return Access{Permission: store.PermissionView, Via: AccessShareToken}, true
	}
	return Access{}, false
}

// --- invitations ---

// CreateInvitation invites an email address to collaborate on a note.
// The owner and edit collaborators may invite.
func (s *Service) CreateInvitation(ctx context.Context, session Session, noteID, inviteeEmail string, permission store.Permission) (map[string]any, error) {
	inviteeEmail = strings.ToLower(strings.TrimSpace(inviteeEmail))
	if inviteeEmail == "" {
		return nil, errValidation("email is required")
	}
	if !permission.Valid() {
		return nil, errValidation("permission must be view or edit")
	}

	note, _, err := s.authorize(ctx, session.UserID, "", noteID, store.PermissionEdit)
	if err != nil {
		return nil, err
	}

	if err := s.checkNotCollaborator(ctx, note, inviteeEmail); err != nil {
		return nil, err
	}

	active, err := s.store.HasActiveInvitation(ctx, noteID, inviteeEmail)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, errDuplicateInvitation()
	}

	now := time.Now().UTC()
	invitation := store.Invitation{
		ID:         util.NewID("inv"),
		NoteID:     noteID,
		Email:      inviteeEmail,
		Permission: permission,
		InvitedBy:  session.UserID,
		Token:      util.NewToken(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(invitationTTL),
	}
	if err := s.store.InsertInvitation(ctx, invitation); err != nil {
		return nil, err
	}

	s.sendInvitationEmail(invitation, session.Name, note.Title)
	s.publishEvent(ctx, realtime.Event{
		Table:  realtime.TableInvitations,
		Action: realtime.ActionInsert,
		NoteID: noteID,
		Email:  inviteeEmail,
	})

	return invitationPayload(invitation, note.Title), nil
}

// checkNotCollaborator rejects inviting someone who already has access.
func (s *Service) checkNotCollaborator(ctx context.Context, note store.Note, email string) error {
	for _, collab := range note.Collaborators {
		if strings.EqualFold(collab.Email, email) {
			return errAlreadyCollaborator()
		}
	}

	profile, err := s.store.GetProfileByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if profile.ID == note.OwnerID {
		return errAlreadyCollaborator()
	}
	if _, ok := note.FindCollaborator(profile.ID); ok {
		return errAlreadyCollaborator()
	}
	return nil
}

// ListPendingInvitations returns the caller's open invitations, expired
// ones filtered out.
func (s *Service) ListPendingInvitations(ctx context.Context, session Session) ([]map[string]any, error) {
	invitations, err := s.store.ListPendingInvitations(ctx, session.Email)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	items := make([]map[string]any, 0, len(invitations))
	for _, invitation := range invitations {
		if !invitation.IsActive(now) {
			continue
		}
		title := ""
		if note, err := s.store.GetNote(ctx, invitation.NoteID); err == nil {
			title = note.Title
		}
		items = append(items, invitationPayload(invitation, title))
	}
	return items, nil
}

// AcceptInvitation joins the caller to the note. The membership append
// and the accepted_at stamp commit in one transaction, so a double
// accept can add the collaborator at most once.
func (s *Service) AcceptInvitation(ctx context.Context, session Session, invitationID string) (map[string]any, error) {
	invitation, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Invitation not found")
		}
		return nil, err
	}
	if !strings.EqualFold(invitation.Email, session.Email) {
		return nil, errUnauthorized("This invitation was sent to a different email address")
	}

	if err := s.store.AcceptInvitation(ctx, invitationID, session.UserID); err != nil {
		switch {
		case errors.Is(err, store.ErrInvitationAccepted):
			return nil, errAlreadyAccepted()
		case errors.Is(err, store.ErrInvitationExpired):
			return nil, errInvitationExpired()
		case errors.Is(err, sql.ErrNoRows):
			return nil, errNotFound("Invitation not found")
		}
		// Older store builds surface these conditions as bare text.
		msg := err.Error()
		if strings.Contains(msg, "already accepted") {
			return nil, errAlreadyAccepted()
		}
		if strings.Contains(msg, "expired") {
			return nil, errInvitationExpired()
		}
		return nil, err
	}

	s.publishEvent(ctx, realtime.Event{Table: realtime.TableNotes, Action: realtime.ActionUpdate, NoteID: invitation.NoteID})
	s.publishEvent(ctx, realtime.Event{
		Table:  realtime.TableInvitations,
		Action: realtime.ActionUpdate,
		NoteID: invitation.NoteID,
		Email:  invitation.Email,
	})

	return s.GetNote(ctx, session, invitation.NoteID)
}

// DeclineInvitation deletes the invitation. Declining one that is
// already gone is not an error.
func (s *Service) DeclineInvitation(ctx context.Context, session Session, invitationID string) error {
	invitation, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if !strings.EqualFold(invitation.Email, session.Email) {
		return errUnauthorized("This invitation was sent to a different email address")
	}

	if err := s.store.DeleteInvitation(ctx, invitationID); err != nil {
		return err
	}

	s.publishEvent(ctx, realtime.Event{
		Table:  realtime.TableInvitations,
		Action: realtime.ActionDelete,
		NoteID: invitation.NoteID,
		Email:  invitation.Email,
	})
	return nil
}

// --- collaborators ---

// RemoveCollaborator drops a collaborator from the note. The owner can
// remove anyone; a collaborator can remove themselves.
func (s *Service) RemoveCollaborator(ctx context.Context, session Session, noteID, userID string) error {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Note not found")
		}
		return err
	}
	if session.UserID != note.OwnerID && session.UserID != userID {
		return errUnauthorized("Only the owner can remove other collaborators")
	}

	removed, remaining := splitCollaborator(note.Collaborators, userID)
	if removed == nil {
		return errNotFound("Collaborator not found")
	}

	if err := s.store.UpdateNoteCollaborators(ctx, noteID, remaining); err != nil {
		return err
	}

	// Reconciliation is best-effort: leftover invitations only re-grant
	// access if someone accepts them before they expire.
	if removed.Email != "" {
		if err := s.store.DeletePendingInvitations(ctx, noteID, removed.Email); err != nil {
			log.Printf("app: clean invitations for %s on %s: %v", removed.Email, noteID, err)
		}
	}

	s.publishEvent(ctx, realtime.Event{Table: realtime.TableNotes, Action: realtime.ActionUpdate, NoteID: noteID})
	return nil
}

// UpdateCollaboratorPermission changes a collaborator's access level.
// Owner only. Pending invitations for the same email are kept in step.
func (s *Service) UpdateCollaboratorPermission(ctx context.Context, session Session, noteID, userID string, permission store.Permission) (map[string]any, error) {
	if !permission.Valid() {
		return nil, errValidation("permission must be view or edit")
	}

	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Note not found")
		}
		return nil, err
	}
	if session.UserID != note.OwnerID {
		return nil, errUnauthorized("Only the owner can change permissions")
	}

	found := false
	now := time.Now().UTC()
	updated := make([]store.Collaborator, 0, len(note.Collaborators))
	var email string
	for _, collab := range note.Collaborators {
		if collab.UserID == userID {
			collab.Permission = permission
			collab.UpdatedAt = &now
			email = collab.Email
			found = true
		}
		updated = append(updated, collab)
	}
	if !found {
		return nil, errNotFound("Collaborator not found")
	}

	if err := s.store.UpdateNoteCollaborators(ctx, noteID, updated); err != nil {
		return nil, err
	}

	if email != "" {
		if err := s.store.UpdatePendingInvitationPermission(ctx, noteID, email, permission); err != nil {
			log.Printf("app: sync invitation permission for %s on %s: %v", email, noteID, err)
		}
	}

	s.publishEvent(ctx, realtime.Event{Table: realtime.TableNotes, Action: realtime.ActionUpdate, NoteID: noteID})

	return map[string]any{
		"userId":     userID,
		"permission": string(permission),
	}, nil
}

func splitCollaborator(collaborators []store.Collaborator, userID string) (*store.Collaborator, []store.Collaborator) {
	var removed *store.Collaborator
	remaining := make([]store.Collaborator, 0, len(collaborators))
	for _, collab := range collaborators {
		if collab.UserID == userID {
			c := collab
			removed = &c
			continue
		}
		remaining = append(remaining, collab)
	}
	return removed, remaining
}

// --- share links ---

// GenerateShareLink mints a new view-only link for the note,
// unconditionally invalidating any previous one.
func (s *Service) GenerateShareLink(ctx context.Context, session Session, noteID string) (map[string]any, error) {
	_, _, err := s.authorize(ctx, session.UserID, "", noteID, store.PermissionEdit)
	if err != nil {
		return nil, err
	}

	token := util.NewToken()
	if err := s.store.UpdateSharingToken(ctx, noteID, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Note not found")
		}
		return nil, err
	}

	s.publishEvent(ctx, realtime.Event{Table: realtime.TableNotes, Action: realtime.ActionUpdate, NoteID: noteID})

	return map[string]any{
		"token": token,
		"url":   s.shareURL(noteID, token),
	}, nil
}

// ValidateShareToken reports whether a presented token grants view
// access to the note. Tokens never expire on their own.
func (s *Service) ValidateShareToken(ctx context.Context, noteID, token string) (bool, error) {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return token != "" && note.SharingToken != "" && token == note.SharingToken, nil
}

func (s *Service) shareURL(noteID, token string) string {
	return fmt.Sprintf("%s/share/%s?token=%s", strings.TrimRight(s.cfg.BaseURL, "/"), noteID, token)
}

// sendInvitationEmail is best-effort: a failed send leaves the
// invitation acceptable from the in-app list.
func (s *Service) sendInvitationEmail(invitation store.Invitation, inviterName, noteTitle string) {
	if s.email == nil || !s.email.IsConfigured() {
		return
	}
	acceptURL := fmt.Sprintf("%s/invitations?id=%s", strings.TrimRight(s.cfg.BaseURL, "/"), invitation.ID)
	if err := s.email.SendInvitationEmail(invitation.Email, inviterName, noteTitle, string(invitation.Permission), acceptURL); err != nil {
		log.Printf("app: send invitation email to %s: %v", invitation.Email, err)
	}
}

func invitationPayload(invitation store.Invitation, noteTitle string) map[string]any {
	payload := map[string]any{
		"id":         invitation.ID,
		"noteId":     invitation.NoteID,
		"email":      invitation.Email,
		"permission": string(invitation.Permission),
		"invitedBy":  invitation.InvitedBy,
		"createdAt":  invitation.CreatedAt,
		"expiresAt":  invitation.ExpiresAt,
	}
	if noteTitle != "" {
		payload["noteTitle"] = noteTitle
	}
	return payload
}
