package app

import (
	"context"

	"resonote/api/internal/presence"
	"resonote/api/internal/store"
)

// OpenPresence confirms the caller can view the note, then opens a live
// presence tracker that announces them as present. The caller owns the
// tracker and must Close it when the note view goes away.
func (s *Service) OpenPresence(ctx context.Context, session Session, noteID string) (*presence.Tracker, error) {
	if s.presence == nil {
		return nil, errStoreUnavailable()
	}
	if _, _, err := s.authorize(ctx, session.UserID, "", noteID, store.PermissionView); err != nil {
		return nil, err
	}
	return presence.Open(ctx, s.presence, s.store, noteID, session.UserID)
}
