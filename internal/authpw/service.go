// Package authpw provides email/password authentication and profile lookup.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"resonote/api/internal/store"
	"resonote/api/internal/util"
)

// Service is the identity provider: it authenticates credentials and
// resolves users to a stable {id, email} pair.
type Service struct {
	store ProfileStore
}

// ProfileStore defines the storage interface for identity
type ProfileStore interface {
	GetProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	GetProfileByID(ctx context.Context, id string) (store.Profile, error)
	SearchProfiles(ctx context.Context, query string, limit int) ([]store.Profile, error)
	CreateProfile(ctx context.Context, profile store.Profile) error
}

func NewService(profiles ProfileStore) *Service {
	return &Service{store: profiles}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// SignUp creates a new profile
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Profile, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return store.Profile{}, errors.New("email and password are required")
	}
	if len(req.Password) < 8 {
		return store.Profile{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetProfileByEmail(ctx, email); err == nil {
		return store.Profile{}, errors.New("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.Profile{}, fmt.Errorf("hash password: %w", err)
	}

	profile := store.Profile{
		ID:           util.NewID("u"),
		Email:        email,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		PasswordHash: string(hash),
	}
	if err := s.store.CreateProfile(ctx, profile); err != nil {
		return store.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	return profile, nil
}

// SignIn authenticates credentials and returns the profile
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Profile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.Profile{}, errors.New("email and password are required")
	}

	profile, err := s.store.GetProfileByEmail(ctx, email)
	if err != nil {
		return store.Profile{}, errors.New("invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(password)); err != nil {
		return store.Profile{}, errors.New("invalid email or password")
	}
	return profile, nil
}

// Lookup resolves an identifier to a profile: exact id match first, then
// a fuzzy search over email and names, returning the first hit.
func (s *Service) Lookup(ctx context.Context, identifier string) (store.Profile, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return store.Profile{}, errors.New("identifier required")
	}

	if profile, err := s.store.GetProfileByID(ctx, identifier); err == nil {
		return profile, nil
	}

	matches, err := s.store.SearchProfiles(ctx, identifier, 5)
	if err != nil {
		return store.Profile{}, fmt.Errorf("search profiles: %w", err)
	}
	if len(matches) == 0 {
		return store.Profile{}, errors.New("user not found")
	}
	return matches[0], nil
}

// Search returns up to limit profiles matching the identifier.
func (s *Service) Search(ctx context.Context, identifier string, limit int) ([]store.Profile, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, nil
	}
	return s.store.SearchProfiles(ctx, identifier, limit)
}
