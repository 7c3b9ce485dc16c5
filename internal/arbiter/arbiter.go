package arbiter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"relaychat/internal/feed"
	"relaychat/internal/logging"
	"relaychat/internal/models"
	"relaychat/internal/projector"
)

// requestContext is the state of one in-flight submission. Every field is
// guarded by the owning Arbiter's mutex.
type requestContext struct {
	id        string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	state     State
	startedAt time.Time
	partial   string
	fields    feed.Record
	settled   bool
	done      chan struct{}
}

// Arbiter owns the conversation of one session and its single in-flight
// request. All mutation happens under mu, which serialises chunk delivery,
// change-feed events, the observe deadline and user operations.
type Arbiter struct {
	mu       sync.Mutex
	deps     Deps
	cfg      Config
	logger   zerolog.Logger
	wg       sync.WaitGroup
	closed   bool
	last     Request
	titled   bool
	version  uint64
	state    State
	active   *requestContext
	session  string
	title    string
	messages []models.Message
}

// New builds an arbiter for a session that does not exist yet; the session
// is created on the first submission.
func New(deps Deps, cfg Config) *Arbiter {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &Arbiter{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		logger:   logging.Component("arbiter"),
		messages: []models.Message{},
	}
}

// Resume builds an arbiter over an existing session.
func Resume(deps Deps, cfg Config, se *models.Session) *Arbiter {
	a := New(deps, cfg)
	a.session = se.ID
	a.title = se.Title
	a.titled = se.Title != ""
	if len(se.Messages) > 0 {
		a.messages = models.CloneMessages(se.Messages)
	}
	return a
}

// SessionID returns the session id, empty until the first submission.
func (a *Arbiter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Messages returns the committed history.
func (a *Arbiter) Messages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.CloneMessages(a.messages)
}

// RenderedMessages returns what the UI shows: the committed history plus the
// live partial message of a streaming or observing request.
func (a *Arbiter) RenderedMessages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return projector.Project(a.messages, a.viewLocked())
}

// Snapshot returns the current snapshot without publishing it.
func (a *Arbiter) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Submit appends the user message and starts a request for it. A request
// already in flight is cancelled first. The user message is persisted before
// Submit returns; the reply is arbitrated in the background.
func (a *Arbiter) Submit(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyMessage
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.active != nil {
		a.cancelLocked(a.active, Cancelled, ErrSuperseded)
	}
	if a.session == "" {
		id, err := a.deps.Store.CreateSession(ctx)
		if err != nil {
			return errors.Wrap(err, "create session")
		}
		a.session = id
		a.logger.Info().Str("session_id", id).Msg("session created")
	}

	msg := models.Message{
		Role:      models.RoleUser,
		Content:   req.Text,
		Agent:     req.Agent,
		Timestamp: a.cfg.Now(),
	}
	a.messages = append(a.messages, msg)
	a.persistLocked(msg)

	a.last = req
	a.startLocked(req)
	return nil
}

// Cancel stops the in-flight request. A non-empty partial reply is committed
// as a partial message. It reports whether a request was cancelled.
func (a *Arbiter) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return false
	}
	a.cancelLocked(a.active, Cancelled, ErrCancelledByUser)
	return true
}

// Regenerate truncates the history after the user message at index and
// requests a new reply for it from the agent it was addressed to. The
// upstream is sent the remaining earlier turns so it drops the discarded
// ones from its own context.
func (a *Arbiter) Regenerate(ctx context.Context, index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if index < 0 || index >= len(a.messages) {
		return errors.Wrapf(ErrInvalidIndex, "index %d, history length %d", index, len(a.messages))
	}
	if a.messages[index].Role != models.RoleUser {
		return errors.Wrapf(ErrNotUserMessage, "index %d has role %s", index, a.messages[index].Role)
	}
	if a.active != nil {
		a.cancelLocked(a.active, Cancelled, ErrSuperseded)
	}

	target := a.messages[index]
	req := Request{Text: target.Content, Agent: target.Agent}
	if a.last.Agent == target.Agent {
		req.AgentContext = a.last.AgentContext
		req.GenerationParams = a.last.GenerationParams
	}

	a.messages = models.CloneMessages(a.messages[:index+1])
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.PersistTimeout)
	defer cancel()
	if err := a.deps.Store.OverwriteMessages(pctx, a.session, a.messages); err != nil {
		a.logger.Error().Err(err).Str("session_id", a.session).Msg("overwrite history failed")
	}

	a.last = req
	req.history = models.CloneMessages(a.messages[:index])
	req.reset = true
	a.startLocked(req)
	return nil
}

// Wait blocks until the request in flight when it was called has settled.
func (a *Arbiter) Wait(ctx context.Context) error {
	a.mu.Lock()
	rc := a.active
	a.mu.Unlock()
	if rc == nil {
		return nil
	}
	select {
	case <-rc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the in-flight request and rejects further submissions.
func (a *Arbiter) Close() {
	a.mu.Lock()
	a.closed = true
	if a.active != nil {
		a.cancelLocked(a.active, Cancelled, ErrClosed)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Arbiter) startLocked(req Request) {
	ctx, cancel := context.WithCancelCause(context.Background())
	rc := &requestContext{
		id:        uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		state:     Submitting,
		startedAt: a.cfg.Now(),
		done:      make(chan struct{}),
	}
	a.active = rc
	a.state = Submitting
	a.publishLocked()

	a.logger.Debug().
		Str("session_id", a.session).
		Str("request_id", rc.id).
		Str("agent", req.Agent).
		Msg("request started")

	a.wg.Add(1)
	go a.run(rc, a.session, req)
}

// transition moves a live request into a response state.
func (a *Arbiter) transition(rc *requestContext, to State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rc.settled {
		return false
	}
	rc.state = to
	a.state = to
	a.publishLocked()
	return true
}

// settleLocked resolves rc exactly once; later calls for the same request
// are discarded and report false.
func (a *Arbiter) settleLocked(rc *requestContext, outcome State, cause error, msgs ...models.Message) bool {
	if rc.settled {
		return false
	}
	rc.settled = true
	rc.state = outcome
	rc.cancel(cause)
	if a.active == rc {
		a.active = nil
	}

	if len(msgs) > 0 {
		a.messages = append(a.messages, msgs...)
		a.persistLocked(msgs...)
	}
	if outcome == Completed && !a.titled {
		a.deriveTitleLocked()
	}

	ev := a.logger.Info()
	if outcome == Errored {
		ev = a.logger.Warn().Err(cause)
	}
	ev.Str("session_id", a.session).
		Str("request_id", rc.id).
		Str("outcome", outcome.String()).
		Int("committed", len(msgs)).
		Msg("request settled")

	a.state = outcome
	a.publishLocked()
	a.state = Idle
	a.publishLocked()
	return true
}

func (a *Arbiter) cancelLocked(rc *requestContext, outcome State, cause error) {
	var msgs []models.Message
	if msg, ok := rc.partialMessage(); ok {
		msgs = append(msgs, msg)
	}
	a.settleLocked(rc, outcome, cause, msgs...)
}

// partialMessage builds the partial:true message for whatever rc has
// buffered; ok is false when nothing was buffered.
func (rc *requestContext) partialMessage() (models.Message, bool) {
	content := rc.partial
	asset := ""
	if rc.fields != nil {
		content = rc.fields[feed.FieldText]
		asset = rc.fields[feed.FieldAsset]
	}
	if content == "" && asset == "" {
		return models.Message{}, false
	}
	return models.Message{
		Role:      models.RoleAgent,
		Content:   content,
		Asset:     asset,
		Timestamp: rc.startedAt,
		Partial:   true,
	}, true
}

func (a *Arbiter) deriveTitleLocked() {
	for _, m := range a.messages {
		if m.Role != models.RoleUser {
			continue
		}
		title := deriveTitle(m.Content, a.cfg.TitleLength)
		if title == "" {
			return
		}
		a.title = title
		a.titled = true
		pctx, cancel := context.WithTimeout(context.Background(), a.cfg.PersistTimeout)
		defer cancel()
		if err := a.deps.Store.SetTitle(pctx, a.session, title); err != nil {
			a.logger.Error().Err(err).Str("session_id", a.session).Msg("set title failed")
		}
		return
	}
}

// deriveTitle collapses whitespace and keeps the leading n characters.
func deriveTitle(text string, n int) string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) > n {
		runes = runes[:n]
	}
	return strings.TrimSpace(string(runes))
}

func (a *Arbiter) persistLocked(msgs ...models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PersistTimeout)
	defer cancel()
	if err := a.deps.Store.AppendMessages(ctx, a.session, msgs); err != nil {
		a.logger.Error().Err(err).Str("session_id", a.session).Int("messages", len(msgs)).Msg("persist messages failed")
	}
}

func (a *Arbiter) viewLocked() *projector.View {
	rc := a.active
	if rc == nil || (rc.state != Streaming && rc.state != Observing) {
		return nil
	}
	view := &projector.View{Live: true, StartedAt: rc.startedAt, Content: rc.partial}
	if rc.fields != nil {
		view.Content = rc.fields[feed.FieldText]
		view.Asset = rc.fields[feed.FieldAsset]
	}
	return view
}

func (a *Arbiter) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: a.session,
		Version:   a.version,
		State:     a.state,
		Title:     a.title,
		Messages:  projector.Project(a.messages, a.viewLocked()),
	}
}

func (a *Arbiter) publishLocked() {
	a.version++
	a.deps.Notifier.Notify(a.snapshotLocked())
}
