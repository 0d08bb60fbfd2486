package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"resonote/api/internal/auth"
	"resonote/api/internal/authpw"
	"resonote/api/internal/blob"
	"resonote/api/internal/config"
	"resonote/api/internal/realtime"
	"resonote/api/internal/search"
	"resonote/api/internal/store"
	"resonote/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Name         string
	JTI          string
	ExpiresAt    time.Time
}

// EntryInput is one ordered segment of a note body as submitted by the
// client. Entries are rewritten wholesale on every save.
type EntryInput struct {
	Content  string `json:"content"`
	AudioURL string `json:"audioUrl"`
}

type dataStore interface {
	GetProfileByID(ctx context.Context, id string) (store.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	SearchProfiles(ctx context.Context, query string, limit int) ([]store.Profile, error)
	CreateProfile(ctx context.Context, profile store.Profile) error

	InsertNote(ctx context.Context, note store.Note) error
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	ListNotesForUser(ctx context.Context, userID string) ([]store.Note, error)
	UpdateNoteTitle(ctx context.Context, noteID, title string) error
	DeleteNote(ctx context.Context, noteID string) error
	UpdateNoteCollaborators(ctx context.Context, noteID string, collaborators []store.Collaborator) error
	UpdateSharingToken(ctx context.Context, noteID, token string) error
	ReplaceEntries(ctx context.Context, noteID string, entries []store.NoteEntry) error
	ListEntries(ctx context.Context, noteID string) ([]store.NoteEntry, error)

	InsertInvitation(ctx context.Context, invitation store.Invitation) error
	GetInvitation(ctx context.Context, invitationID string) (store.Invitation, error)
	HasActiveInvitation(ctx context.Context, noteID, email string) (bool, error)
	ListPendingInvitations(ctx context.Context, email string) ([]store.Invitation, error)
	DeleteInvitation(ctx context.Context, invitationID string) error
	DeletePendingInvitations(ctx context.Context, noteID, email string) error
	UpdatePendingInvitationPermission(ctx context.Context, noteID, email string, permission store.Permission) error
	AcceptInvitation(ctx context.Context, invitationID, userID string) error

	Ping(ctx context.Context) error
}

// RefreshStore persists rotating refresh tokens. Redis is the primary
// backend; the Postgres store satisfies it for setups without Redis.
type RefreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, email string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Profile, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type eventPublisher interface {
	Publish(ctx context.Context, event realtime.Event) error
}

type emailSender interface {
	IsConfigured() bool
	SendInvitationEmail(to, inviterName, noteTitle, permission, acceptURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions RefreshStore
	auth     *authpw.Service
	hub      eventPublisher
	presence *realtime.Hub
	email    emailSender
	search   *search.Service
	blob     *blob.Store
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions RefreshStore, hub *realtime.Hub, emailSvc emailSender, searchSvc *search.Service, blobStore *blob.Store) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		auth:     authpw.NewService(dataStore),
		search:   searchSvc,
		blob:     blobStore,
	}
	if hub != nil {
		s.hub = hub
		s.presence = hub
	}
	if emailSvc != nil {
		s.email = emailSvc
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- sessions ---

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	profile, err := s.auth.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	profile, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

// Refresh rotates the refresh token: the presented token is revoked and
// a fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	profile, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) issueSession(ctx context.Context, profile store.Profile) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   profile.ID,
		Email: profile.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), profile.ID, profile.Email, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       profile.ID,
		Email:        profile.Email,
		Name:         profile.DisplayName(),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	profile, err := s.store.GetProfileByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    profile.ID,
		Email:     profile.Email,
		Name:      profile.DisplayName(),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// LookupProfile resolves a user identifier: exact id match first, then
// fuzzy search over email and names.
func (s *Service) LookupProfile(ctx context.Context, identifier string) (map[string]any, error) {
	profile, err := s.auth.Lookup(ctx, identifier)
	if err != nil {
		return nil, errNotFound("User not found")
	}
	return profilePayload(profile), nil
}

func (s *Service) SearchProfiles(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	profiles, err := s.auth.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(profiles))
	for _, profile := range profiles {
		items = append(items, profilePayload(profile))
	}
	return items, nil
}

func profilePayload(profile store.Profile) map[string]any {
	return map[string]any{
		"id":          profile.ID,
		"email":       profile.Email,
		"displayName": profile.DisplayName(),
	}
}

// --- notes ---

func (s *Service) CreateNote(ctx context.Context, session Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled note"
	}

	note := store.Note{
		ID:      util.NewID("note"),
		Title:   title,
		OwnerID: session.UserID,
	}
	if err := s.store.InsertNote(ctx, note); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, realtime.Event{Table: realtime.TableNotes, Action: realtime.ActionInsert, NoteID: note.ID})
	s.indexNote(ctx, note.ID)

	created, err := s.store.GetNote(ctx, note.ID)
	if err != nil {
		return nil, err
	}
	return s.notePayload(created, Access{Permission: store.PermissionEdit, Via: AccessOwner}), nil
}

// ListNotes returns every note the user owns or collaborates on, with
// the caller's effective permission attached.
func (s *Service) ListNotes(ctx context.Context, session Session) ([]map[string]any, error) {
	notes, err := s.store.ListNotesForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		access, ok := ResolveAccess(note, session.UserID, "")
		if !ok {
			continue
		}
		items = append(items, s.notePayload(note, access))
	}
	return items, nil
}

func (s *Service) GetNote(ctx context.Context, session Session, noteID string) (map[string]any, error) {
	note, access, err := s.authorize(ctx, session.UserID, "", noteID, store.PermissionView)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.ListEntries(ctx, noteID)
	if err != nil {
		return nil, err
	}

	payload := s.notePayload(note, access)
	payload["entries"] = entryPayloads(entries)
	return payload, nil
}

// GetSharedNote serves the public share-link view: no session, token
// access only, always read-only.
func (s *Service) GetSharedNote(ctx context.Context, noteID, shareToken string) (map[string]any, error) {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Note not found")
		}
		return nil, err
	}

	access, ok := ResolveAccess(note, "", shareToken)
	if !ok {
		return nil, errInvalidShareToken()
	}

	entries, err := s.store.ListEntries(ctx, noteID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":         note.ID,
		"title":      note.Title,
		"permission": string(access.Permission),
		"updatedAt":  note.UpdatedAt,
		"entries":    entryPayloads(entries),
	}, nil
}

func (s *Service) UpdateNoteTitle(ctx context.Context, session Session, noteID, title string) (map[string]any, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errValidation("title is required")
	}

	_, _, err := s.authorize(ctx, session.UserID, "", noteID, store.PermissionEdit)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateNoteTitle(ctx, noteID, strings.TrimSpace(title)); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, realtime.Event{Table: realtime.TableNotes, Action: realtime.ActionUpdate, NoteID: noteID})
	s.indexNote(ctx, noteID)

	return s.GetNote(ctx, session, noteID)
}

// DeleteNote removes the note and everything hanging off it. Owner only.
func (s *Service) DeleteNote(ctx context.Context, session Session, noteID string) error {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Note not found")
		}
		return err
	}
	if note.OwnerID != session.UserID {
		return errUnauthorized("Only the owner can delete a note")
	}

	if err := s.store.DeleteNote(ctx, noteID); err != nil {
		return err
	}

	s.publishEvent(ctx, realtime.Event{Table: realtime.TableNotes, Action: realtime.ActionDelete, NoteID: noteID})
	if s.search != nil {
		s.search.DeleteNote(noteID)
	}
	return nil
}

// SaveEntries replaces the note body in submitted order.
func (s *Service) SaveEntries(ctx context.Context, session Session, noteID string, inputs []EntryInput) (map[string]any, error) {
	_, _, err := s.authorize(ctx, session.UserID, "", noteID, store.PermissionEdit)
	if err != nil {
		return nil, err
	}

	entries := make([]store.NoteEntry, 0, len(inputs))
	for i, input := range inputs {
		entries = append(entries, store.NoteEntry{
			NoteID:     noteID,
			Content:    input.Content,
			AudioURL:   input.AudioURL,
			EntryOrder: i,
		})
	}
	if err := s.store.ReplaceEntries(ctx, noteID, entries); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, realtime.Event{Table: realtime.TableNotes, Action: realtime.ActionUpdate, NoteID: noteID})
	s.indexNote(ctx, noteID)

	return s.GetNote(ctx, session, noteID)
}

// UploadAudio stores an audio attachment for a note and returns its URL.
func (s *Service) UploadAudio(ctx context.Context, session Session, noteID, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	if s.blob == nil {
		return "", errStoreUnavailable()
	}

	_, _, err := s.authorize(ctx, session.UserID, "", noteID, store.PermissionEdit)
	if err != nil {
		return "", err
	}

	url, err := s.blob.Upload(ctx, s.cfg.S3Bucket, noteID, filename, reader, size, contentType)
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	return url, nil
}

// Search runs a full-text search over the caller's notes.
func (s *Service) Search(ctx context.Context, session Session, query string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}, nil
	}
	return s.search.Search(search.Query{
		Text:   query,
		UserID: session.UserID,
		Limit:  limit,
		Offset: offset,
	}), nil
}

// --- helpers ---

// authorize loads the note and resolves the caller's access, demanding
// at least the given permission.
func (s *Service) authorize(ctx context.Context, userID, shareToken, noteID string, need store.Permission) (store.Note, Access, error) {
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Note{}, Access{}, errNotFound("Note not found")
		}
		return store.Note{}, Access{}, err
	}

	access, ok := ResolveAccess(note, userID, shareToken)
	if !ok {
		return store.Note{}, Access{}, errUnauthorized("You do not have access to this note")
	}
	if need == store.PermissionEdit && access.Permission != store.PermissionEdit {
		return store.Note{}, Access{}, errUnauthorized("Edit permission required")
	}
	return note, access, nil
}

func (s *Service) notePayload(note store.Note, access Access) map[string]any {
	collaborators := make([]map[string]any, 0, len(note.Collaborators))
	for _, collab := range note.Collaborators {
		collaborators = append(collaborators, collaboratorPayload(collab))
	}

	payload := map[string]any{
		"id":            note.ID,
		"title":         note.Title,
		"ownerId":       note.OwnerID,
		"collaborators": collaborators,
		"permission":    string(access.Permission),
		"accessVia":     string(access.Via),
		"createdAt":     note.CreatedAt,
		"updatedAt":     note.UpdatedAt,
	}
	// The raw token is only visible to the owner; everyone else just
	// learns whether a link exists.
	if access.Via == AccessOwner {
		payload["sharingToken"] = note.SharingToken
	}
	payload["hasShareLink"] = note.SharingToken != ""
	return payload
}

func collaboratorPayload(collab store.Collaborator) map[string]any {
	payload := map[string]any{
		"userId":     collab.UserID,
		"email":      collab.Email,
		"permission": string(collab.Permission),
		"joinedAt":   collab.JoinedAt,
	}
	if collab.LastActive != nil {
		payload["lastActive"] = *collab.LastActive
	}
	return payload
}

func entryPayloads(entries []store.NoteEntry) []map[string]any {
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"id":        entry.ID,
			"content":   entry.Content,
			"order":     entry.EntryOrder,
			"createdAt": entry.CreatedAt,
		}
		if entry.AudioURL != "" {
			item["audioUrl"] = entry.AudioURL
		}
		items = append(items, item)
	}
	return items
}

// publishEvent is fire-and-forget: a lost notification only delays the
// next client re-fetch.
func (s *Service) publishEvent(ctx context.Context, event realtime.Event) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Publish(ctx, event); err != nil {
		log.Printf("app: publish %s %s: %v", event.Table, event.Action, err)
	}
}

// indexNote refreshes the search record for a note.
func (s *Service) indexNote(ctx context.Context, noteID string) {
	if s.search == nil {
		return
	}

	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		log.Printf("app: index note %s: %v", noteID, err)
		return
	}
	entries, err := s.store.ListEntries(ctx, noteID)
	if err != nil {
		log.Printf("app: index note %s: %v", noteID, err)
		return
	}

	collaboratorIDs := make([]string, 0, len(note.Collaborators))
	for _, collab := range note.Collaborators {
		collaboratorIDs = append(collaboratorIDs, collab.UserID)
	}
	var text strings.Builder
	for i, entry := range entries {
		if i > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(entry.Content)
	}

	s.search.IndexNote(search.NoteRecord{
		ID:              note.ID,
		Title:           note.Title,
		OwnerID:         note.OwnerID,
		CollaboratorIDs: collaboratorIDs,
		EntryText:       text.String(),
	})
}
