package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"relaychat/internal/models"
	"relaychat/internal/storage"
)

// SQLStore persists sessions and their ordered messages through database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewSQLStore wraps an opened and migrated database.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{
		db:     db,
		driver: storage.Normalize(driver),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLStore) q(query string) string {
	return storage.Rebind(s.driver, query)
}

// CreateSession inserts an empty session and returns its id.
func (s *SQLStore) CreateSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO sessions (id, title, created_at, last_activity) VALUES (?, ?, ?, ?)`),
		id, "", now, now,
	); err != nil {
		return "", errors.Wrap(err, "create session")
	}
	return id, nil
}

// AppendMessages adds msgs after the current tail of the session.
func (s *SQLStore) AppendMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, sessionID); err != nil {
			return err
		}
		var next sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT MAX(position) FROM messages WHERE session_id = ?`), sessionID,
		).Scan(&next); err != nil {
			return errors.Wrap(err, "read tail position")
		}
		start := 0
		if next.Valid {
			start = int(next.Int64) + 1
		}
		return s.insertMessages(ctx, tx, sessionID, start, msgs)
	})
}

// OverwriteMessages replaces the whole message array of the session.
func (s *SQLStore) OverwriteMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
			return errors.Wrap(err, "truncate messages")
		}
		return s.insertMessages(ctx, tx, sessionID, 0, msgs)
	})
}

// SetTitle sets the derived session title.
func (s *SQLStore) SetTitle(ctx context.Context, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE sessions SET title = ? WHERE id = ?`),
		strings.TrimSpace(title), sessionID,
	)
	if err != nil {
		return errors.Wrap(err, "update session title")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "session rows affected")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession returns one session with its ordered messages.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var se models.Session
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, title, created_at, last_activity FROM sessions WHERE id = ?`), sessionID,
	).Scan(&se.ID, &se.Title, &se.CreatedAt, &se.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get session")
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT role, content, citations, asset, agent, partial, created_at FROM messages WHERE session_id = ? ORDER BY position ASC`),
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	se.Messages = []models.Message{}
	for rows.Next() {
		var (
			m         models.Message
			citations sql.NullString
			asset     sql.NullString
		)
		if err := rows.Scan(&m.Role, &m.Content, &citations, &asset, &m.Agent, &m.Partial, &m.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if citations.Valid && citations.String != "" {
			if err := json.Unmarshal([]byte(citations.String), &m.Citations); err != nil {
				return nil, errors.Wrap(err, "decode citations")
			}
		}
		m.Asset = asset.String
		se.Messages = append(se.Messages, m)
	}
	return &se, rows.Err()
}

// ListSessions returns all sessions ordered by last activity, without messages.
func (s *SQLStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_activity FROM sessions ORDER BY last_activity DESC`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var se models.Session
		if err := rows.Scan(&se.ID, &se.Title, &se.CreatedAt, &se.LastActivity); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		sessions = append(sessions, se)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and all of its messages.
func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
			return errors.Wrap(err, "delete messages")
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), sessionID)
		if err != nil {
			return errors.Wrap(err, "delete session")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "session rows affected")
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLStore) touch(ctx context.Context, tx *sql.Tx, sessionID string) error {
	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE sessions SET last_activity = ? WHERE id = ?`), s.now(), sessionID,
	)
	if err != nil {
		return errors.Wrap(err, "touch session")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "session rows affected")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, start int, msgs []models.Message) error {
	stmt, err := tx.PrepareContext(ctx, s.q(
		`INSERT INTO messages (session_id, position, role, content, citations, asset, agent, partial, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	))
	if err != nil {
		return errors.Wrap(err, "prepare insert message")
	}
	defer stmt.Close()

	for i, m := range msgs {
		var citations sql.NullString
		if len(m.Citations) > 0 {
			raw, err := json.Marshal(m.Citations)
			if err != nil {
				return errors.Wrap(err, "encode citations")
			}
			citations = sql.NullString{String: string(raw), Valid: true}
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		if _, err := stmt.ExecContext(ctx,
			sessionID, start+i, string(m.Role), m.Content, citations, m.Asset, m.Agent, m.Partial, ts.UTC(),
		); err != nil {
			return errors.Wrap(err, "insert message")
		}
	}
	return nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}
