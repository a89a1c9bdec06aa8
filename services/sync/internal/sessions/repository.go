package sessions

import "context"

// Repository persists sessions together with the tickets they own.
type Repository interface {
	Save(ctx context.Context, s *Session) error
	// FindByID returns ErrSessionNotFound when no session has the id.
	FindByID(ctx context.Context, id SessionID) (*Session, error)
	ListOpen(ctx context.Context) ([]*Session, error)
}
