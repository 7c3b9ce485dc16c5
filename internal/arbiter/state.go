package arbiter

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"relaychat/internal/feed"
	"relaychat/internal/models"
	"relaychat/internal/store"
	"relaychat/internal/transport"
)

// State is the arbitration state of one session.
type State int

const (
	Idle State = iota
	Submitting
	Streaming
	Observing
	Atomic
	Completed
	Cancelled
	TimedOut
	Errored
)

var stateNames = [...]string{
	Idle:       "idle",
	Submitting: "submitting",
	Streaming:  "streaming",
	Observing:  "observing",
	Atomic:     "atomic",
	Completed:  "completed",
	Cancelled:  "cancelled",
	TimedOut:   "timed_out",
	Errored:    "errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return errors.Errorf("unknown state %q", b)
}

// Active reports whether a request is in flight in this state.
func (s State) Active() bool {
	return s >= Submitting && s <= Atomic
}

// Terminal reports whether s ends a request.
func (s State) Terminal() bool {
	return s >= Completed
}

var (
	ErrTransport       = transport.ErrTransport
	ErrParse           = transport.ErrParse
	ErrTimeout         = errors.New("change feed deadline elapsed")
	ErrCancelledByUser = errors.New("cancelled by user")
	ErrSuperseded      = errors.New("superseded by a newer request")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrInvalidIndex    = errors.New("message index out of range")
	ErrNotUserMessage  = errors.New("message is not a user message")
	ErrClosed          = errors.New("session engine closed")
)

// Request is one user submission.
type Request struct {
	Text             string         `json:"message"`
	Agent            string         `json:"agent,omitempty"`
	AgentContext     map[string]any `json:"agentContext,omitempty"`
	GenerationParams map[string]any `json:"generationParams,omitempty"`

	// history replaces the upstream's context for the session when reset
	// is set; regeneration sends the turns before the regenerated message.
	history []models.Message
	reset   bool
}

func (r Request) payload() transport.Payload {
	return transport.Payload{
		Message:          r.Text,
		Agent:            r.Agent,
		AgentContext:     r.AgentContext,
		GenerationParams: r.GenerationParams,
		History:          r.history,
		ResetHistory:     r.reset,
	}
}

// Snapshot is the observable state of a session after a change. Version
// increases by one with every published snapshot of the session.
type Snapshot struct {
	SessionID string           `json:"sessionId"`
	Version   uint64           `json:"version"`
	State     State            `json:"state"`
	Title     string           `json:"title,omitempty"`
	Messages  []models.Message `json:"messages"`
}

// Submitter sends a submission upstream; *transport.Adapter implements it.
type Submitter interface {
	Submit(ctx context.Context, sessionID string, payload transport.Payload) (transport.Result, error)
}

// Watcher observes change-feed records; *feed.Observer implements it.
type Watcher interface {
	Observe(ctx context.Context, recordID string, requested []string, fn func(feed.Event)) (*feed.Subscription, error)
}

// Notifier receives every snapshot. It is called with the session lock held,
// so it must not block or call back into the arbiter.
type Notifier interface {
	Notify(Snapshot)
}

// Forgetter drops whatever the upstream keeps for a session. A Submitter
// that implements it is told when a session is deleted.
type Forgetter interface {
	Forget(ctx context.Context, sessionID string) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(Snapshot) {}

// Deps are the collaborators of an arbiter.
type Deps struct {
	Store     store.SessionStore
	Submitter Submitter
	Watcher   Watcher
	Notifier  Notifier
}

// Config tunes an arbiter.
type Config struct {
	ObserveTimeout time.Duration
	TitleLength    int
	// PersistTimeout bounds each session store write.
	PersistTimeout time.Duration
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ObserveTimeout <= 0 {
		c.ObserveTimeout = 120 * time.Second
	}
	if c.TitleLength <= 0 {
		c.TitleLength = 50
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}
