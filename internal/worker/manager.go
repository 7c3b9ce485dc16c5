package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relaychat/internal/config"
	"relaychat/internal/logging"
	"relaychat/internal/redis"
)

// Manager owns the dispatcher of generation jobs. With redis configured,
// session invalidations are shared between upstream nodes.
type Manager struct {
	dispatcher *Dispatcher
	forget     func(sessionID string)
	bus        *invalidator
	logger     zerolog.Logger
	stop       context.CancelFunc
}

// NewManager starts the worker pool. forget drops per-session generator
// state and may be nil; client may be nil for a single node.
func NewManager(cfg config.WorkerConfig, runner *Runner, forget func(sessionID string), client *redis.Client) (*Manager, error) {
	m := &Manager{
		dispatcher: NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, cfg.IdleTimeout(), runner.Handle),
		forget:     forget,
		logger:     logging.Component("worker"),
		stop:       func() {},
	}
	if client != nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.bus = newInvalidator(client, uuid.NewString())
		if err := m.bus.startListener(ctx, func(msg invalidateMessage) {
			m.forgetLocal(msg.SessionID)
		}); err != nil {
			cancel()
			m.dispatcher.Close()
			return nil, err
		}
		m.stop = cancel
	}
	return m, nil
}

// Enqueue schedules a job; it fails fast when the queue is full.
func (m *Manager) Enqueue(job Job) error {
	if err := m.dispatcher.Submit(job); err != nil {
		m.logger.Warn().Err(err).Str("record_id", job.RecordID).Msg("enqueue failed")
		return err
	}
	return nil
}

// Forget drops queued jobs and history of a session on every node.
func (m *Manager) Forget(ctx context.Context, sessionID string) {
	m.forgetLocal(sessionID)
	m.bus.publishInvalidation(ctx, sessionID)
}

func (m *Manager) forgetLocal(sessionID string) {
	m.dispatcher.CancelSession(sessionID)
	if m.forget != nil {
		m.forget(sessionID)
	}
	m.logger.Debug().Str("session_id", sessionID).Msg("session forgotten")
}

func (m *Manager) Close() {
	m.stop()
	m.dispatcher.Close()
}
