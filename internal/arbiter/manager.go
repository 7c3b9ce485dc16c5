package arbiter

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"relaychat/internal/store"
)

// Manager keeps one arbiter per session. Sessions that are not loaded yet are
// resumed from the store on first use.
type Manager struct {
	deps   Deps
	cfg    Config
	reader store.SessionReader

	mu       sync.Mutex
	sessions map[string]*Arbiter
	closed   bool
}

func NewManager(st store.Store, deps Deps, cfg Config) *Manager {
	deps.Store = st
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		reader:   st,
		sessions: make(map[string]*Arbiter),
	}
}

// Start creates a session by submitting its first message.
func (m *Manager) Start(ctx context.Context, req Request) (*Arbiter, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	a := New(m.deps, m.cfg)
	if err := a.Submit(ctx, req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[a.SessionID()] = a
	return a, nil
}

// Ensure returns the arbiter of sessionID, loading the session if needed.
func (m *Manager) Ensure(ctx context.Context, sessionID string) (*Arbiter, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if a, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	se, err := m.reader.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "load session %s", sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.sessions[sessionID]; ok {
		return a, nil
	}
	a := Resume(m.deps, m.cfg, se)
	m.sessions[sessionID] = a
	log.Debug().Str("component", "arbiter").Str("session_id", sessionID).Int("messages", len(se.Messages)).Msg("session resumed")
	return a, nil
}

// Purge stops and forgets the arbiter of sessionID.
func (m *Manager) Purge(sessionID string) {
	m.mu.Lock()
	a, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		a.Close()
	}
}

// Delete purges the session, removes it from the store and tells the
// upstream to forget it. An upstream failure is logged only.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.Purge(sessionID)
	if err := m.reader.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if f, ok := m.deps.Submitter.(Forgetter); ok {
		if err := f.Forget(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("component", "arbiter").Str("session_id", sessionID).Msg("upstream forget failed")
		}
	}
	return nil
}

// Close stops every arbiter; in-flight partial replies are committed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Arbiter, 0, len(m.sessions))
	for id, a := range m.sessions {
		all = append(all, a)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range all {
		wg.Add(1)
		go func(a *Arbiter) {
			defer wg.Done()
			a.Close()
		}(a)
	}
	wg.Wait()
}
