package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"resonote/api/internal/util"
)

// openIntegrationStore connects to a real Postgres instance and applies
// the migrations. Integration tests are skipped in short mode; the
// database comes from TEST_DATABASE_URL or the standard POSTGRES_*
// variables.
func openIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, integrationDatabaseURL())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func integrationDatabaseURL() string {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}
	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "resonote")
	pass := envOr("POSTGRES_PASSWORD", "resonote")
	dbname := envOr("POSTGRES_DB", "resonote_test")
	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// seedAcceptFixture creates an owner, an invitee, a note, and an edit
// invitation addressed to the invitee, all with unique ids so parallel
// runs against a shared database do not collide. Rows are removed on
// cleanup via the profile cascade.
func seedAcceptFixture(t *testing.T, s *PostgresStore, expiresAt time.Time) (noteID, invitationID, inviteeID string) {
	t.Helper()
	ctx := context.Background()
	suffix := util.NewID("")

	ownerID := "u-owner-" + suffix
	inviteeID = "u-invitee-" + suffix
	noteID = "n-" + suffix
	invitationID = "inv-" + suffix
	inviteeEmail := "invitee-" + suffix + "@example.com"

	if err := s.CreateProfile(ctx, Profile{
		ID:           ownerID,
		Email:        "owner-" + suffix + "@example.com",
		PasswordHash: "x",
	}); err != nil {
		t.Fatalf("create owner profile: %v", err)
	}
	if err := s.CreateProfile(ctx, Profile{
		ID:           inviteeID,
		Email:        inviteeEmail,
		PasswordHash: "x",
	}); err != nil {
		t.Fatalf("create invitee profile: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(context.Background(),
			`DELETE FROM profiles WHERE id IN ($1, $2)`, ownerID, inviteeID)
	})

	if err := s.InsertNote(ctx, Note{ID: noteID, Title: "Trip notes", OwnerID: ownerID}); err != nil {
		t.Fatalf("insert note: %v", err)
	}
	if err := s.InsertInvitation(ctx, Invitation{
		ID:         invitationID,
		NoteID:     noteID,
		Email:      inviteeEmail,
		Permission: PermissionEdit,
		InvitedBy:  ownerID,
		Token:      util.NewToken(),
		ExpiresAt:  expiresAt,
	}); err != nil {
		t.Fatalf("insert invitation: %v", err)
	}
	return noteID, invitationID, inviteeID
}

// TestAcceptInvitationConcurrentSingleWinner races several accepts of
// the same invitation against the real transaction and verifies the row
// lock admits exactly one: one nil error, the rest ErrInvitationAccepted,
// and the collaborator appended exactly once.
func TestAcceptInvitationConcurrentSingleWinner(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	noteID, invitationID, inviteeID := seedAcceptFixture(t, s, time.Now().Add(time.Hour))

	const attempts = 8
	errs := make([]error, attempts)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = s.AcceptInvitation(ctx, invitationID, inviteeID)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvitationAccepted):
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning accept, got %d", wins)
	}

	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	count := 0
	for _, member := range note.Collaborators {
		if member.UserID == inviteeID {
			count++
			if member.Permission != PermissionEdit {
				t.Errorf("expected edit permission, got %s", member.Permission)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected invitee once in collaborators, got %d entries: %+v", count, note.Collaborators)
	}

	invitation, err := s.GetInvitation(ctx, invitationID)
	if err != nil {
		t.Fatalf("get invitation: %v", err)
	}
	if invitation.AcceptedAt == nil {
		t.Error("invitation not marked accepted")
	}
}

func TestAcceptInvitationExpiredRejected(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	noteID, invitationID, inviteeID := seedAcceptFixture(t, s, time.Now().Add(-time.Minute))

	if err := s.AcceptInvitation(ctx, invitationID, inviteeID); !errors.Is(err, ErrInvitationExpired) {
		t.Fatalf("expected ErrInvitationExpired, got %v", err)
	}

	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	for _, member := range note.Collaborators {
		if member.UserID == inviteeID {
			t.Fatalf("expired accept must not add collaborator: %+v", member)
		}
	}

	invitation, err := s.GetInvitation(ctx, invitationID)
	if err != nil {
		t.Fatalf("get invitation: %v", err)
	}
	if invitation.AcceptedAt != nil {
		t.Error("expired invitation must not be marked accepted")
	}
}

func TestAcceptInvitationSecondAttemptFails(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	_, invitationID, inviteeID := seedAcceptFixture(t, s, time.Now().Add(time.Hour))

	if err := s.AcceptInvitation(ctx, invitationID, inviteeID); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	if err := s.AcceptInvitation(ctx, invitationID, inviteeID); !errors.Is(err, ErrInvitationAccepted) {
		t.Fatalf("expected ErrInvitationAccepted on repeat accept, got %v", err)
	}
}
