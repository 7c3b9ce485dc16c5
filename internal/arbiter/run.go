package arbiter

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"relaychat/internal/feed"
	"relaychat/internal/models"
	"relaychat/internal/stream"
	"relaychat/internal/telemetry"
	"relaychat/internal/transport"
)

const readBufferSize = 4 << 10

// run drives one request from submission to a terminal state.
func (a *Arbiter) run(rc *requestContext, sessionID string, req Request) {
	defer a.wg.Done()
	defer close(rc.done)

	ctx, span := telemetry.Tracer().Start(rc.ctx, "arbiter.request", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("request.id", rc.id),
		attribute.String("agent", req.Agent),
	))
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
			a.logger.Error().Str("session_id", sessionID).Str("request_id", rc.id).Interface("panic", r).Msg("request panicked")
			a.fail(rc, err, msgUnexpected)
		}
		span.SetAttributes(attribute.String("outcome", a.outcome(rc).String()))
		telemetry.End(span, err)
	}()

	res, err := a.deps.Submitter.Submit(ctx, sessionID, req.payload())
	if err != nil {
		if ctx.Err() != nil {
			err = nil
			return
		}
		a.fail(rc, err, userMessage(err))
		return
	}

	switch r := res.(type) {
	case *transport.Streaming:
		err = a.consumeStream(rc, r)
	case *transport.Atomic:
		if r.Reply.RecordID != "" {
			err = a.observe(ctx, rc, r.Reply)
			return
		}
		a.completeAtomic(rc, r.Reply)
	case *transport.Failed:
		err = errors.Wrapf(ErrTransport, "status %d: %s", r.Status, r.Message)
		a.fail(rc, err, "The assistant could not answer: "+r.Message)
	default:
		err = errors.Errorf("unexpected transport result %T", res)
		a.fail(rc, err, msgUnexpected)
	}
}

func (a *Arbiter) outcome(rc *requestContext) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return rc.state
}

func (a *Arbiter) consumeStream(rc *requestContext, res *transport.Streaming) error {
	body := res.Body
	defer body.Close()
	if !a.transition(rc, Streaming) {
		return nil
	}

	var opts []stream.Option
	if res.EventStream {
		opts = append(opts, stream.WithEventMode())
	}
	dec := stream.NewDecoder(opts...)
	buf := make([]byte, readBufferSize)
	for !dec.Done() {
		n, err := body.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if !a.grow(rc, dec.Text()) {
				return nil
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			dec.Flush()
			if !a.grow(rc, dec.Text()) {
				return nil
			}
			break
		}
		if rc.ctx.Err() != nil {
			// the canceller already settled the request
			return nil
		}
		err = errors.Wrapf(ErrTransport, "read stream: %v", err)
		a.fail(rc, err, msgInterrupted)
		return err
	}

	if err := dec.Err(); err != nil {
		a.fail(rc, err, msgInterrupted)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.settleLocked(rc, Completed, nil, models.Message{
		Role:      models.RoleAgent,
		Content:   dec.Text(),
		Timestamp: a.cfg.Now(),
	})
	return nil
}

// grow records the decoder buffer; it reports false once rc has settled.
func (a *Arbiter) grow(rc *requestContext, text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rc.settled {
		return false
	}
	if text != rc.partial {
		rc.partial = text
		a.publishLocked()
	}
	return true
}

func (a *Arbiter) completeAtomic(rc *requestContext, reply transport.Reply) {
	if !a.transition(rc, Atomic) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settleLocked(rc, Completed, nil, models.Message{
		Role:      models.RoleAgent,
		Content:   reply.Reply,
		Timestamp: a.cfg.Now(),
		Citations: reply.Citations,
	})
}

// observe waits for the change feed of reply.RecordID. Completion and the
// deadline race; whichever settles rc first wins.
func (a *Arbiter) observe(ctx context.Context, rc *requestContext, reply transport.Reply) error {
	if a.deps.Watcher == nil {
		err := errors.New("change feed is not configured")
		a.fail(rc, err, msgUnexpected)
		return err
	}
	requested := reply.Fields
	if len(requested) == 0 {
		requested = []string{feed.FieldText}
	}

	if !a.beginObserving(rc, reply.Reply) {
		return nil
	}

	sub, err := a.deps.Watcher.Observe(ctx, reply.RecordID, requested, func(ev feed.Event) {
		a.onFeedEvent(rc, ev)
	})
	if err != nil {
		if rc.ctx.Err() != nil {
			return nil
		}
		err = errors.Wrapf(ErrTransport, "observe record %s: %v", reply.RecordID, err)
		a.fail(rc, err, msgUnreachable)
		return err
	}
	defer sub.Cancel()

	deadline := time.NewTimer(a.cfg.ObserveTimeout)
	defer deadline.Stop()

	select {
	case <-rc.ctx.Done():
		return nil
	case <-deadline.C:
		a.expire(rc)
		return nil
	case <-sub.Done():
		if rc.ctx.Err() != nil {
			return nil
		}
		err = errors.Wrapf(ErrTransport, "change feed for %s closed", reply.RecordID)
		a.fail(rc, err, msgInterrupted)
		return err
	}
}

func (a *Arbiter) beginObserving(rc *requestContext, text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rc.settled {
		return false
	}
	rc.state = Observing
	rc.fields = feed.Record{}
	if text != "" {
		rc.fields[feed.FieldText] = text
	}
	a.state = Observing
	a.publishLocked()
	return true
}

func (a *Arbiter) onFeedEvent(rc *requestContext, ev feed.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	// a mutation queued before cancellation must not take effect
	if rc.settled || rc.ctx.Err() != nil {
		return
	}
	if ev.Kind == feed.EventFailed {
		a.failLocked(rc, errors.Errorf("record failed: %s", ev.Err), "The assistant could not answer: "+ev.Err)
		return
	}
	ready := ev.ReadyFields()
	if ev.Kind == feed.EventComplete {
		a.settleLocked(rc, Completed, nil, models.Message{
			Role:      models.RoleAgent,
			Content:   ready[feed.FieldText],
			Asset:     ready[feed.FieldAsset],
			Timestamp: a.cfg.Now(),
		})
		return
	}
	if _, ok := ready[feed.FieldText]; !ok && rc.fields[feed.FieldText] != "" {
		// keep the text of an atomic reply until the feed supplies its own
		ready[feed.FieldText] = rc.fields[feed.FieldText]
	}
	rc.fields = ready
	a.publishLocked()
}

// expire ends an observation at its deadline. Whatever fields are ready are
// committed; a timeout is never reported as an error.
func (a *Arbiter) expire(rc *requestContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rc.settled {
		return
	}
	a.cancelLocked(rc, TimedOut, ErrTimeout)
}

// fail settles rc as errored: any buffered partial reply is kept, followed
// by one error message carrying text that is safe to show.
func (a *Arbiter) fail(rc *requestContext, cause error, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failLocked(rc, cause, text)
}

func (a *Arbiter) failLocked(rc *requestContext, cause error, text string) {
	if rc.settled {
		return
	}
	var msgs []models.Message
	if msg, ok := rc.partialMessage(); ok {
		msgs = append(msgs, msg)
	}
	msgs = append(msgs, models.Message{
		Role:      models.RoleError,
		Content:   text,
		Timestamp: a.cfg.Now(),
	})
	a.settleLocked(rc, Errored, cause, msgs...)
}

const (
	msgUnreachable = "The assistant could not be reached. Please try again."
	msgInterrupted = "The response was interrupted. Please try again."
	msgUnreadable  = "The assistant sent a response that could not be read."
	msgUnexpected  = "Something went wrong while handling this request."
)

func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrParse):
		return msgUnreadable
	case errors.Is(err, ErrTransport):
		return msgUnreachable
	default:
		return msgUnexpected
	}
}
