package store

import (
	"context"

	"github.com/pkg/errors"

	"relaychat/internal/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// SessionStore is the write side used by the request arbiter. Message arrays
// are only ever mutated by appending or by a full overwrite.
type SessionStore interface {
	CreateSession(ctx context.Context) (string, error)
	AppendMessages(ctx context.Context, sessionID string, msgs []models.Message) error
	OverwriteMessages(ctx context.Context, sessionID string, msgs []models.Message) error
	SetTitle(ctx context.Context, sessionID, title string) error
}

// SessionReader is the read side consumed by the HTTP API and session resume.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Store combines both sides.
type Store interface {
	SessionStore
	SessionReader
}
