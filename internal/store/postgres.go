package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel failures surfaced by the atomic accept procedure. Callers
// match these the way the original matched the RPC error text.
var (
	ErrInvitationAccepted = errors.New("invitation already accepted")
	ErrInvitationExpired  = errors.New("invitation expired")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- profiles ---

func (s *PostgresStore) CreateProfile(ctx context.Context, profile Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, first_name, last_name, password_hash)
		VALUES ($1, LOWER($2), $3, $4, $5)
	`, profile.ID, profile.Email, profile.FirstName, profile.LastName, profile.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfileByID(ctx context.Context, id string) (Profile, error) {
	var profile Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, password_hash, created_at, updated_at
		FROM profiles WHERE id=$1
	`, id).Scan(&profile.ID, &profile.Email, &profile.FirstName, &profile.LastName, &profile.PasswordHash, &profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (s *PostgresStore) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	var profile Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, password_hash, created_at, updated_at
		FROM profiles WHERE email=LOWER($1)
	`, email).Scan(&profile.ID, &profile.Email, &profile.FirstName, &profile.LastName, &profile.PasswordHash, &profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// SearchProfiles matches on email, first name, or last name. The query
// string is escaped so % and _ are matched literally.
func (s *PostgresStore) SearchProfiles(ctx context.Context, query string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 5
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	pattern := "%" + escaped + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, first_name, last_name, password_hash, created_at, updated_at
		FROM profiles
		WHERE email ILIKE $1 OR first_name ILIKE $1 OR last_name ILIKE $1
		ORDER BY email
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.Email, &profile.FirstName, &profile.LastName, &profile.PasswordHash, &profile.CreatedAt, &profile.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return profiles, nil
}

// --- refresh sessions (Postgres fallback when Redis is not configured) ---

// The email parameter is carried for interface parity with the Redis
// store; here the lookup join recovers the current email from profiles.
func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID, email string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Profile, error) {
	const query = `
		SELECT p.id, p.email, p.first_name, p.last_name, p.password_hash, p.created_at, p.updated_at
		FROM refresh_sessions rs
		JOIN profiles p ON p.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var profile Profile
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&profile.ID, &profile.Email, &profile.FirstName, &profile.LastName, &profile.PasswordHash, &profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// --- notes ---

const noteColumns = `id, title, user_id, collaborators, COALESCE(sharing_token, ''), created_at, updated_at`

func (s *PostgresStore) scanNote(row interface{ Scan(...any) error }) (Note, error) {
	var note Note
	var collaborators []byte
	if err := row.Scan(&note.ID, &note.Title, &note.OwnerID, &collaborators, &note.SharingToken, &note.CreatedAt, &note.UpdatedAt); err != nil {
		return Note{}, err
	}
	if len(collaborators) > 0 {
		if err := json.Unmarshal(collaborators, &note.Collaborators); err != nil {
			return Note{}, fmt.Errorf("decode collaborators for note %s: %w", note.ID, err)
		}
	}
	return note, nil
}

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) error {
	collaborators, err := marshalCollaborators(note.Collaborators)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notes (id, title, user_id, collaborators)
		VALUES ($1, $2, $3, $4)
	`, note.ID, note.Title, note.OwnerID, collaborators)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id=$1`, noteID)
	return s.scanNote(row)
}

// ListNotesForUser returns notes the user owns plus notes whose embedded
// collaborator array contains the user, newest first.
func (s *PostgresStore) ListNotesForUser(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+`
		FROM notes
		WHERE user_id=$1
			OR collaborators @> jsonb_build_array(jsonb_build_object('user_id', $1::text))
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		note, err := s.scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

func (s *PostgresStore) UpdateNoteTitle(ctx context.Context, noteID, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notes SET title=$2, updated_at=NOW() WHERE id=$1`, noteID, title)
	if err != nil {
		return fmt.Errorf("update note title: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id=$1`, noteID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// UpdateNoteCollaborators rewrites the whole embedded collection.
// Last write wins between concurrent writers.
func (s *PostgresStore) UpdateNoteCollaborators(ctx context.Context, noteID string, collaborators []Collaborator) error {
	encoded, err := marshalCollaborators(collaborators)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE notes SET collaborators=$2, updated_at=NOW() WHERE id=$1`, noteID, encoded)
	if err != nil {
		return fmt.Errorf("update collaborators: %w", err)
	}
	return nil
}

// UpdateSharingToken overwrites the note's share token, invalidating any
// previously issued link.
func (s *PostgresStore) UpdateSharingToken(ctx context.Context, noteID, token string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE notes SET sharing_token=$2 WHERE id=$1`, noteID, token)
	if err != nil {
		return fmt.Errorf("update sharing token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sharing token: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchCollaboratorLastActive persists a presence-derived last_active
// timestamp so status approximations survive the client leaving.
func (s *PostgresStore) TouchCollaboratorLastActive(ctx context.Context, noteID, userID string, at time.Time) error {
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	updated := false
	for i := range note.Collaborators {
		if note.Collaborators[i].UserID == userID {
			ts := at
			note.Collaborators[i].LastActive = &ts
			updated = true
		}
	}
	if !updated {
		return nil
	}
	encoded, err := marshalCollaborators(note.Collaborators)
	if err != nil {
		return err
	}
	// Deliberately does not bump updated_at: presence is advisory.
	_, err = s.db.ExecContext(ctx, `UPDATE notes SET collaborators=$2 WHERE id=$1`, noteID, encoded)
	if err != nil {
		return fmt.Errorf("touch last_active: %w", err)
	}
	return nil
}

func marshalCollaborators(collaborators []Collaborator) ([]byte, error) {
	if collaborators == nil {
		collaborators = []Collaborator{}
	}
	encoded, err := json.Marshal(collaborators)
	if err != nil {
		return nil, fmt.Errorf("encode collaborators: %w", err)
	}
	return encoded, nil
}

// --- note entries ---

// ReplaceEntries rewrites a note's entries wholesale, matching the
// original save path (delete all, insert in order).
func (s *PostgresStore) ReplaceEntries(ctx context.Context, noteID string, entries []NoteEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace entries: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM note_entries WHERE note_id=$1`, noteID); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	for order, entry := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO note_entries (note_id, content, audio_url, entry_order)
			VALUES ($1, $2, $3, $4)
		`, noteID, entry.Content, entry.AudioURL, order); err != nil {
			return fmt.Errorf("insert entry %d: %w", order, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, noteID string) ([]NoteEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_id, content, COALESCE(audio_url, ''), entry_order, created_at
		FROM note_entries
		WHERE note_id=$1
		ORDER BY entry_order ASC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]NoteEntry, 0)
	for rows.Next() {
		var entry NoteEntry
		if err := rows.Scan(&entry.ID, &entry.NoteID, &entry.Content, &entry.AudioURL, &entry.EntryOrder, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// --- invitations ---

const invitationColumns = `id, note_id, email, permission, invited_by, token, created_at, expires_at, accepted_at`

func scanInvitation(row interface{ Scan(...any) error }) (Invitation, error) {
	var invitation Invitation
	if err := row.Scan(
		&invitation.ID,
		&invitation.NoteID,
		&invitation.Email,
		&invitation.Permission,
		&invitation.InvitedBy,
		&invitation.Token,
		&invitation.CreatedAt,
		&invitation.ExpiresAt,
		&invitation.AcceptedAt,
	); err != nil {
		return Invitation{}, err
	}
	return invitation, nil
}

func (s *PostgresStore) InsertInvitation(ctx context.Context, invitation Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, note_id, email, permission, invited_by, token, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, invitation.ID, invitation.NoteID, invitation.Email, invitation.Permission, invitation.InvitedBy, invitation.Token, invitation.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, invitationID string) (Invitation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id=$1`, invitationID)
	return scanInvitation(row)
}

// HasActiveInvitation reports whether an unaccepted, unexpired invitation
// exists for (noteID, email).
func (s *PostgresStore) HasActiveInvitation(ctx context.Context, noteID, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM invitations
			WHERE note_id=$1 AND email=LOWER($2) AND accepted_at IS NULL AND expires_at > NOW()
		)
	`, noteID, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active invitation: %w", err)
	}
	return exists, nil
}

// ListPendingInvitations returns unaccepted, unexpired invitations for
// an email. Expired rows are filtered out here and never surfaced.
func (s *PostgresStore) ListPendingInvitations(ctx context.Context, email string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM invitations
		WHERE email=LOWER($1) AND accepted_at IS NULL AND expires_at > NOW()
		ORDER BY created_at DESC
	`, email)
	if err != nil {
		return nil, fmt.Errorf("list pending invitations: %w", err)
	}
	defer rows.Close()

	invitations := make([]Invitation, 0)
	for rows.Next() {
		invitation, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		invitations = append(invitations, invitation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return invitations, nil
}

// DeleteInvitation removes an invitation. Deleting a row that is already
// gone is not an error.
func (s *PostgresStore) DeleteInvitation(ctx context.Context, invitationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM invitations WHERE id=$1`, invitationID)
	if err != nil {
		return fmt.Errorf("delete invitation: %w", err)
	}
	return nil
}

// DeletePendingInvitations removes still-pending invitations addressed to
// an email on one note. Used when a collaborator is removed.
func (s *PostgresStore) DeletePendingInvitations(ctx context.Context, noteID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM invitations WHERE note_id=$1 AND email=LOWER($2) AND accepted_at IS NULL
	`, noteID, email)
	if err != nil {
		return fmt.Errorf("delete pending invitations: %w", err)
	}
	return nil
}

// UpdatePendingInvitationPermission keeps an outstanding invitation in
// agreement with a collaborator permission change.
func (s *PostgresStore) UpdatePendingInvitationPermission(ctx context.Context, noteID, email string, permission Permission) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET permission=$3
		WHERE note_id=$1 AND email=LOWER($2) AND accepted_at IS NULL
	`, noteID, email, permission)
	if err != nil {
		return fmt.Errorf("update invitation permission: %w", err)
	}
	return nil
}

// AcceptInvitation runs the whole accept as one transaction so that two
// concurrent acceptances cannot double-add the collaborator: the
// invitation row is locked FOR UPDATE, checked, marked accepted, and the
// note's collaborator array extended before commit.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, invitationID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin accept: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id=$1 FOR UPDATE`, invitationID)
	invitation, err := scanInvitation(row)
	if err != nil {
		return err
	}
	if invitation.AcceptedAt != nil {
		return ErrInvitationAccepted
	}

	var now time.Time
	if err := tx.QueryRowContext(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return fmt.Errorf("read clock: %w", err)
	}
	if invitation.IsExpired(now) {
		return ErrInvitationExpired
	}

	var collaborators []byte
	if err := tx.QueryRowContext(ctx, `SELECT collaborators FROM notes WHERE id=$1 FOR UPDATE`, invitation.NoteID).Scan(&collaborators); err != nil {
		return err
	}
	var members []Collaborator
	if len(collaborators) > 0 {
		if err := json.Unmarshal(collaborators, &members); err != nil {
			return fmt.Errorf("decode collaborators: %w", err)
		}
	}
	present := false
	for _, member := range members {
		if member.UserID == userID {
			present = true
			break
		}
	}
	if !present {
		members = append(members, Collaborator{
			UserID:     userID,
			Email:      invitation.Email,
			Permission: invitation.Permission,
			JoinedAt:   now,
		})
	}
	encoded, err := marshalCollaborators(members)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE notes SET collaborators=$2, updated_at=NOW() WHERE id=$1`, invitation.NoteID, encoded); err != nil {
		return fmt.Errorf("append collaborator: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE invitations SET accepted_at=NOW() WHERE id=$1`, invitationID); err != nil {
		return fmt.Errorf("mark accepted: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accept: %w", err)
	}
	return nil
}
