package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaychat/internal/models"
)

// MemoryStore is an in-process Store, used when no database is configured
// and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateSession(_ context.Context) (string, error) {
	id := uuid.NewString()
	now := s.now()
	s.mu.Lock()
	s.sessions[id] = &models.Session{ID: id, CreatedAt: now, LastActivity: now}
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, sessionID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	se.Messages = append(se.Messages, models.CloneMessages(msgs)...)
	se.LastActivity = s.now()
	return nil
}

func (s *MemoryStore) OverwriteMessages(_ context.Context, sessionID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	se.Messages = models.CloneMessages(msgs)
	se.LastActivity = s.now()
	return nil
}

func (s *MemoryStore) SetTitle(_ context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	se.Title = title
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	se, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *se
	out.Messages = models.CloneMessages(se.Messages)
	if out.Messages == nil {
		out.Messages = []models.Message{}
	}
	return &out, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]models.Session, error) {
	s.mu.RLock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, se := range s.sessions {
		cp := *se
		cp.Messages = nil
		out = append(out, cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}
