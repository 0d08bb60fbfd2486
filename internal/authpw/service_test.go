package authpw

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"resonote/api/internal/store"
)

type fakeProfiles struct {
	byEmail map[string]store.Profile
	byID    map[string]store.Profile
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{
		byEmail: make(map[string]store.Profile),
		byID:    make(map[string]store.Profile),
	}
}

func (f *fakeProfiles) GetProfileByEmail(_ context.Context, email string) (store.Profile, error) {
	profile, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return profile, nil
}

func (f *fakeProfiles) GetProfileByID(_ context.Context, id string) (store.Profile, error) {
	profile, ok := f.byID[id]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return profile, nil
}

func (f *fakeProfiles) SearchProfiles(_ context.Context, query string, limit int) ([]store.Profile, error) {
	query = strings.ToLower(query)
	var matches []store.Profile
	for _, profile := range f.byEmail {
		haystack := strings.ToLower(profile.Email + " " + profile.FirstName + " " + profile.LastName)
		if strings.Contains(haystack, query) {
			matches = append(matches, profile)
		}
		if len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

func (f *fakeProfiles) CreateProfile(_ context.Context, profile store.Profile) error {
	f.byEmail[profile.Email] = profile
	f.byID[profile.ID] = profile
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newFakeProfiles())
	ctx := context.Background()

	profile, err := svc.SignUp(ctx, SignUpRequest{
		Email:     "Alice@Example.com",
		Password:  "correct-horse",
		FirstName: "Alice",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if profile.Email != "alice@example.com" {
		t.Errorf("expected lower-cased email, got %q", profile.Email)
	}

	signedIn, err := svc.SignIn(ctx, "alice@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if signedIn.ID != profile.ID {
		t.Errorf("expected profile %s, got %s", profile.ID, signedIn.ID)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc := NewService(newFakeProfiles())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "bob@example.com", Password: "password123"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := svc.SignIn(ctx, "bob@example.com", "wrong"); err == nil {
		t.Error("expected error for wrong password")
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc := NewService(newFakeProfiles())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "carol@example.com", Password: "password123"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "carol@example.com", Password: "password456"}); err == nil {
		t.Error("expected error for duplicate email")
	}
}

func TestSignUpShortPassword(t *testing.T) {
	svc := NewService(newFakeProfiles())
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Email: "d@e.f", Password: "short"}); err == nil {
		t.Error("expected error for short password")
	}
}

func TestLookupByIDThenSearch(t *testing.T) {
	profiles := newFakeProfiles()
	svc := NewService(profiles)
	ctx := context.Background()

	created, err := svc.SignUp(ctx, SignUpRequest{
		Email:     "dave@example.com",
		Password:  "password123",
		FirstName: "Dave",
		LastName:  "Grohl",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	byID, err := svc.Lookup(ctx, created.ID)
	if err != nil {
		t.Fatalf("Lookup by id failed: %v", err)
	}
	if byID.ID != created.ID {
		t.Errorf("expected %s, got %s", created.ID, byID.ID)
	}

	bySearch, err := svc.Lookup(ctx, "grohl")
	if err != nil {
		t.Fatalf("Lookup by search failed: %v", err)
	}
	if bySearch.ID != created.ID {
		t.Errorf("expected %s, got %s", created.ID, bySearch.ID)
	}

	if _, err := svc.Lookup(ctx, "nobody"); err == nil {
		t.Error("expected error for unknown identifier")
	}
}
