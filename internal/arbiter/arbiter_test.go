package arbiter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"relaychat/internal/feed"
	"relaychat/internal/models"
	"relaychat/internal/store"
	"relaychat/internal/transport"
)

type respondFunc func(ctx context.Context, call int, p transport.Payload) (transport.Result, error)

type fakeSubmitter struct {
	mu      sync.Mutex
	calls   []transport.Payload
	respond respondFunc
}

func (f *fakeSubmitter) Submit(ctx context.Context, _ string, p transport.Payload) (transport.Result, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, p)
	f.mu.Unlock()
	return f.respond(ctx, call, p)
}

func (f *fakeSubmitter) payloads() []transport.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Payload(nil), f.calls...)
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Notify(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.State)
	}
	return out
}

type harness struct {
	t       *testing.T
	store   *store.MemoryStore
	feed    *feed.MemorySource
	sub     *fakeSubmitter
	rec     *recorder
	observe time.Duration
	arb     *Arbiter
}

func newHarness(t *testing.T, respond respondFunc) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   store.NewMemoryStore(),
		feed:    feed.NewMemorySource(),
		sub:     &fakeSubmitter{respond: respond},
		rec:     &recorder{},
		observe: 150 * time.Millisecond,
	}
	h.rebuild(h.deps())
	return h
}

// rebuild replaces the arbiter, picking up changed deps or timeouts.
func (h *harness) rebuild(deps Deps) {
	if h.arb != nil {
		h.arb.Close()
	}
	h.arb = New(deps, h.cfg())
	h.t.Cleanup(h.arb.Close)
}

func (h *harness) deps() Deps {
	return Deps{
		Store:     h.store,
		Submitter: h.sub,
		Watcher:   feed.NewObserver(h.feed),
		Notifier:  h.rec,
	}
}

func (h *harness) cfg() Config {
	return Config{ObserveTimeout: h.observe}
}

// resume replaces the arbiter with one over a stored session holding msgs.
func (h *harness) resume(msgs ...models.Message) {
	h.t.Helper()
	ctx := context.Background()
	id, err := h.store.CreateSession(ctx)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.AppendMessages(ctx, id, msgs))
	se, err := h.store.GetSession(ctx, id)
	require.NoError(h.t, err)
	h.arb.Close()
	h.arb = Resume(h.deps(), h.cfg(), se)
	h.t.Cleanup(h.arb.Close)
}

func (h *harness) submit(text string) {
	h.t.Helper()
	require.NoError(h.t, h.arb.Submit(context.Background(), Request{Text: text}))
}

func (h *harness) wait() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(h.t, h.arb.Wait(ctx))
	require.Eventually(h.t, func() bool { return h.arb.State() == Idle }, time.Second, 5*time.Millisecond)
}

func (h *harness) stored() []models.Message {
	h.t.Helper()
	se, err := h.store.GetSession(context.Background(), h.arb.SessionID())
	require.NoError(h.t, err)
	return se.Messages
}

func (h *harness) waitRendered(content string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		msgs := h.arb.RenderedMessages()
		last := msgs[len(msgs)-1]
		return last.Streaming && last.Content == content
	}, 2*time.Second, 5*time.Millisecond, "rendered partial never became %q", content)
}

func sse(deltas ...string) string {
	var b strings.Builder
	for _, d := range deltas {
		fmt.Fprintf(&b, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func streamOf(body string) *transport.Streaming {
	return &transport.Streaming{Body: io.NopCloser(strings.NewReader(body))}
}

// pipeStream returns a body fed by the test; it is torn down when ctx ends,
// the way an HTTP body is.
func pipeStream(ctx context.Context) (*transport.Streaming, *io.PipeWriter) {
	pr, pw := io.Pipe()
	context.AfterFunc(ctx, func() { pr.CloseWithError(context.Cause(ctx)) })
	return &transport.Streaming{Body: pr}, pw
}

func TestSubmitStreamsAndCommits(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return streamOf(sse("Hi", " there")), nil
	})

	h.submit("Hello")
	stored := h.stored()
	require.NotEmpty(t, stored)
	require.Equal(t, models.RoleUser, stored[0].Role)
	require.Equal(t, "Hello", stored[0].Content)

	h.wait()
	msgs := h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleAgent, msgs[1].Role)
	require.Equal(t, "Hi there", msgs[1].Content)
	require.False(t, msgs[1].Partial)
	require.Len(t, h.stored(), 2)

	se, err := h.store.GetSession(context.Background(), h.arb.SessionID())
	require.NoError(t, err)
	require.Equal(t, "Hello", se.Title)
	require.Equal(t, "Hello", h.arb.Snapshot().Title)
	require.Equal(t, "Hello", h.sub.payloads()[0].Message)
}

func TestStreamBufferGrowsPerChunk(t *testing.T) {
	writers := make(chan *io.PipeWriter, 1)
	h := newHarness(t, func(ctx context.Context, _ int, _ transport.Payload) (transport.Result, error) {
		res, pw := pipeStream(ctx)
		writers <- pw
		return res, nil
	})

	h.submit("greet me")
	pw := <-writers

	for _, step := range []struct{ chunk, want string }{
		{"Hel", "Hel"},
		{"lo wor", "Hello wor"},
	} {
		_, err := pw.Write([]byte(step.chunk))
		require.NoError(t, err)
		h.waitRendered(step.want)
		require.Len(t, h.stored(), 1, "chunks must not be persisted")
	}
	_, err := pw.Write([]byte("ld[DONE]"))
	require.NoError(t, err)

	h.wait()
	msgs := h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello world", msgs[1].Content)
	require.Equal(t, msgs, h.stored())
}

func TestCancelCommitsPartialReply(t *testing.T) {
	writers := make(chan *io.PipeWriter, 1)
	h := newHarness(t, func(ctx context.Context, _ int, _ transport.Payload) (transport.Result, error) {
		res, pw := pipeStream(ctx)
		writers <- pw
		return res, nil
	})

	h.submit("do the thing")
	pw := <-writers
	_, err := pw.Write([]byte("Working on it"))
	require.NoError(t, err)
	h.waitRendered("Working on it")

	require.True(t, h.arb.Cancel())
	h.wait()

	msgs := h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleAgent, msgs[1].Role)
	require.Equal(t, "Working on it", msgs[1].Content)
	require.True(t, msgs[1].Partial)
	require.Equal(t, msgs, h.stored())
	require.Contains(t, h.rec.states(), Cancelled)
	require.False(t, h.arb.Cancel(), "nothing left to cancel")
}

func TestCancelWithEmptyBufferCommitsNothing(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, call int, _ transport.Payload) (transport.Result, error) {
		if call == 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		res, _ := pipeStream(ctx)
		return res, nil
	})

	h.submit("first")
	require.Eventually(t, func() bool { return h.arb.State() == Submitting }, time.Second, 5*time.Millisecond)
	require.True(t, h.arb.Cancel())
	h.wait()
	require.Len(t, h.arb.Messages(), 1)

	h.submit("second")
	require.Eventually(t, func() bool { return h.arb.State() == Streaming }, time.Second, 5*time.Millisecond)
	require.True(t, h.arb.Cancel())
	h.wait()

	msgs := h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "second", msgs[1].Content)
	require.Equal(t, msgs, h.stored())
	require.NotContains(t, h.rec.states(), Errored)
}

func TestSubmitSupersedesActiveRequest(t *testing.T) {
	writers := make(chan *io.PipeWriter, 2)
	h := newHarness(t, func(ctx context.Context, call int, _ transport.Payload) (transport.Result, error) {
		if call == 1 {
			return streamOf(sse("second answer")), nil
		}
		res, pw := pipeStream(ctx)
		writers <- pw
		return res, nil
	})

	h.submit("one")
	pw := <-writers
	_, err := pw.Write([]byte("first"))
	require.NoError(t, err)
	h.waitRendered("first")

	h.submit("two")
	h.wait()

	msgs := h.arb.Messages()
	require.Len(t, msgs, 4)
	require.Equal(t, "one", msgs[0].Content)
	require.Equal(t, "first", msgs[1].Content)
	require.True(t, msgs[1].Partial)
	require.Equal(t, "two", msgs[2].Content)
	require.Equal(t, "second answer", msgs[3].Content)
	require.Equal(t, msgs, h.stored())

	live := false
	for _, s := range h.rec.states() {
		switch {
		case s == Submitting:
			require.False(t, live, "a request started while another was in flight")
			live = true
		case s.Terminal():
			live = false
		}
	}
}

func TestObserveTimeoutCommitsReadyFields(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return &transport.Atomic{Reply: transport.Reply{
			RecordID: "rec-timeout",
			Fields:   []string{feed.FieldText, feed.FieldAsset},
		}}, nil
	})
	ctx := context.Background()
	require.NoError(t, h.feed.SetField(ctx, "rec-timeout", feed.FieldText, "A red fox"))
	require.NoError(t, h.feed.SetField(ctx, "rec-timeout", feed.FieldAsset, "pending"))

	h.submit("draw a fox")
	h.wait()
	msgs := h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "A red fox", msgs[1].Content)
	require.Empty(t, msgs[1].Asset)
	require.True(t, msgs[1].Partial)
	require.Equal(t, msgs, h.stored())

	states := h.rec.states()
	require.Contains(t, states, TimedOut)
	require.NotContains(t, states, Errored)
	require.Empty(t, h.arb.Snapshot().Title, "a timeout is not a completion")
}

func TestObserveTimeoutWithoutReadyFieldsCommitsNothing(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return &transport.Atomic{Reply: transport.Reply{RecordID: "rec-empty"}}, nil
	})

	h.submit("anything?")
	h.wait()
	require.Len(t, h.arb.Messages(), 1)
	require.Contains(t, h.rec.states(), TimedOut)
}

func TestObserveCompletes(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return &transport.Atomic{Reply: transport.Reply{
			RecordID: "rec-ok",
			Fields:   []string{feed.FieldText, feed.FieldAsset},
		}}, nil
	})
	h.observe = 5 * time.Second
	h.rebuild(h.deps())
	ctx := context.Background()

	h.submit("paint a boat")
	require.Eventually(t, func() bool { return h.arb.State() == Observing }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.feed.SetField(ctx, "rec-ok", feed.FieldText, "A boat"))
	require.NoError(t, h.feed.SetField(ctx, "rec-ok", feed.FieldAsset, "https://cdn/boat.png"))

	h.wait()
	msgs := h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "A boat", msgs[1].Content)
	require.Equal(t, "https://cdn/boat.png", msgs[1].Asset)
	require.False(t, msgs[1].Partial)
	require.Equal(t, "paint a boat", h.arb.Snapshot().Title)
}

func TestObserveFailedRecordSettlesAtOnce(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return &transport.Atomic{Reply: transport.Reply{
			RecordID: "rec-bad",
			Fields:   []string{feed.FieldText, feed.FieldAsset},
		}}, nil
	})
	h.observe = 10 * time.Second
	h.rebuild(h.deps())
	ctx := context.Background()

	h.submit("paint a storm")
	require.Eventually(t, func() bool { return h.arb.State() == Observing }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.feed.SetField(ctx, "rec-bad", feed.FieldAsset, "pending"))
	require.NoError(t, h.feed.SetField(ctx, "rec-bad", feed.FieldError, "quota exceeded"))

	start := time.Now()
	h.wait()
	require.Less(t, time.Since(start), 2*time.Second)
	msgs := h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleError, msgs[1].Role)
	require.Equal(t, "The assistant could not answer: quota exceeded", msgs[1].Content)
	require.Contains(t, h.rec.states(), Errored)
	require.Empty(t, h.arb.Snapshot().Title)
}

func TestFeedEventAfterCancelIsIgnored(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return &transport.Atomic{Reply: transport.Reply{RecordID: "rec-late"}}, nil
	})
	h.observe = 5 * time.Second
	h.rebuild(h.deps())

	h.submit("slow one")
	require.Eventually(t, func() bool { return h.arb.State() == Observing }, time.Second, 5*time.Millisecond)
	require.True(t, h.arb.Cancel())
	h.wait()
	require.NoError(t, h.feed.SetField(context.Background(), "rec-late", feed.FieldText, "too late"))

	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.arb.Messages(), 1)
	require.Len(t, h.stored(), 1)
}

func TestAtomicReply(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return &transport.Atomic{Reply: transport.Reply{
			Reply:     "Paris",
			Citations: []models.Citation{{Title: "Atlas", SourceURL: "https://atlas.example"}},
		}}, nil
	})

	h.submit("capital of France?")
	h.wait()
	msgs := h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "Paris", msgs[1].Content)
	require.Equal(t, "Atlas", msgs[1].Citations[0].Title)
	require.Contains(t, h.rec.states(), Atomic)
}

func TestTransportFailuresBecomeErrorMessages(t *testing.T) {
	cases := []struct {
		name   string
		result transport.Result
		err    error
		want   string
	}{
		{name: "network", err: errors.Wrap(transport.ErrTransport, "dial tcp: refused"), want: msgUnreachable},
		{name: "parse", err: errors.Wrap(transport.ErrParse, "bad json"), want: msgUnreadable},
		{name: "status", result: &transport.Failed{Status: 503, Message: "overloaded"}, want: "overloaded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
				return tc.result, tc.err
			})
			h.submit("hi")
			h.wait()

			msgs := h.arb.Messages()
			require.Len(t, msgs, 2)
			require.Equal(t, models.RoleError, msgs[1].Role)
			require.Contains(t, msgs[1].Content, tc.want)
			require.NotContains(t, msgs[1].Content, "dial tcp")
			require.Equal(t, Idle, h.arb.State())
		})
	}
}

type brokenBody struct {
	sent bool
}

func (b *brokenBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "half an ans"), nil
	}
	return 0, io.ErrUnexpectedEOF
}

func (b *brokenBody) Close() error { return nil }

func TestMidStreamFailureKeepsPartial(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return &transport.Streaming{Body: &brokenBody{}}, nil
	})

	h.submit("explain")
	h.wait()
	msgs := h.arb.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "half an ans", msgs[1].Content)
	require.True(t, msgs[1].Partial)
	require.Equal(t, models.RoleError, msgs[2].Role)
	require.Equal(t, msgs, h.stored())
}

func TestPanicBecomesErrorMessage(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		panic("boom")
	})

	h.submit("hi")
	h.wait()
	msgs := h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleError, msgs[1].Role)
	require.Equal(t, msgUnexpected, msgs[1].Content)
}

func TestRegenerateTruncatesAndResubmits(t *testing.T) {
	writers := make(chan *io.PipeWriter, 1)
	h := newHarness(t, func(ctx context.Context, _ int, _ transport.Payload) (transport.Result, error) {
		res, pw := pipeStream(ctx)
		writers <- pw
		return res, nil
	})
	h.resume(
		models.Message{Role: models.RoleUser, Content: "q1"},
		models.Message{Role: models.RoleAgent, Content: "a1"},
		models.Message{Role: models.RoleUser, Content: "q2"},
		models.Message{Role: models.RoleAgent, Content: "a2"},
	)

	require.NoError(t, h.arb.Regenerate(context.Background(), 0))
	msgs := h.arb.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "q1", msgs[0].Content)
	require.Len(t, h.stored(), 1)
	require.True(t, h.arb.State().Active())

	pw := <-writers
	_, err := pw.Write([]byte("a1 again[DONE]"))
	require.NoError(t, err)
	h.wait()

	msgs = h.arb.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "a1 again", msgs[1].Content)
	require.Equal(t, msgs, h.stored())

	payloads := h.sub.payloads()
	require.Len(t, payloads, 1)
	require.Equal(t, "q1", payloads[0].Message)
	require.True(t, payloads[0].ResetHistory)
	require.Empty(t, payloads[0].History)
}

func TestRegenerateSendsEarlierTurns(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return streamOf(sse("a2 again")), nil
	})
	h.resume(
		models.Message{Role: models.RoleUser, Content: "q1"},
		models.Message{Role: models.RoleAgent, Content: "a1"},
		models.Message{Role: models.RoleUser, Content: "q2"},
		models.Message{Role: models.RoleAgent, Content: "a2"},
	)

	require.NoError(t, h.arb.Regenerate(context.Background(), 2))
	h.wait()

	p := h.sub.payloads()[0]
	require.Equal(t, "q2", p.Message)
	require.True(t, p.ResetHistory)
	require.Len(t, p.History, 2)
	require.Equal(t, "q1", p.History[0].Content)
	require.Equal(t, "a1", p.History[1].Content)

	h.submit("q3")
	h.wait()
	p = h.sub.payloads()[1]
	require.False(t, p.ResetHistory)
	require.Empty(t, p.History)
}

func TestRegenerateUsesAgentOfMessage(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return streamOf(sse("ok")), nil
	})
	h.resume(
		models.Message{Role: models.RoleUser, Content: "draw a cat", Agent: "painter"},
		models.Message{Role: models.RoleAgent, Content: "a cat"},
	)

	require.NoError(t, h.arb.Regenerate(context.Background(), 0))
	h.wait()
	require.Equal(t, "painter", h.sub.payloads()[0].Agent)

	require.NoError(t, h.arb.Submit(context.Background(), Request{Text: "hello", Agent: "chat", GenerationParams: map[string]any{"stream": true}}))
	h.wait()
	require.Equal(t, "chat", h.stored()[2].Agent)

	require.NoError(t, h.arb.Regenerate(context.Background(), 0))
	h.wait()
	p := h.sub.payloads()[2]
	require.Equal(t, "painter", p.Agent)
	require.Nil(t, p.GenerationParams)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 120*time.Second, cfg.ObserveTimeout)
	require.Equal(t, 50, cfg.TitleLength)
	require.NotNil(t, cfg.Now)
}

func TestRegenerateRejectsBadIndex(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return streamOf(sse("x")), nil
	})
	h.resume(
		models.Message{Role: models.RoleUser, Content: "q"},
		models.Message{Role: models.RoleAgent, Content: "a"},
	)

	require.ErrorIs(t, h.arb.Regenerate(context.Background(), 2), ErrInvalidIndex)
	require.ErrorIs(t, h.arb.Regenerate(context.Background(), -1), ErrInvalidIndex)
	require.ErrorIs(t, h.arb.Regenerate(context.Background(), 1), ErrNotUserMessage)
	require.Len(t, h.arb.Messages(), 2)
	require.Empty(t, h.sub.payloads())
}

func TestTitleIsDerivedOnce(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return streamOf(sse("ok")), nil
	})
	long := strings.Repeat("é", 60)

	h.submit("  " + long + "  ")
	h.wait()
	require.Equal(t, strings.Repeat("é", 50), h.arb.Snapshot().Title)

	h.submit("something else entirely")
	h.wait()
	require.Equal(t, strings.Repeat("é", 50), h.arb.Snapshot().Title)
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) AppendMessages(context.Context, string, []models.Message) error {
	return errors.New("disk full")
}

func TestStoreFailureKeepsMemoryHistory(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return streamOf(sse("fine")), nil
	})
	deps := h.deps()
	deps.Store = failingStore{MemoryStore: h.store}
	h.rebuild(deps)

	h.submit("hi")
	h.wait()
	require.Len(t, h.arb.Messages(), 2)
	require.Empty(t, h.stored())
}

func TestSubmitRejectsEmptyMessage(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.arb.Submit(context.Background(), Request{Text: "  \n"}), ErrEmptyMessage)
	require.Empty(t, h.arb.SessionID())
}

func TestSnapshotVersionsIncrease(t *testing.T) {
	h := newHarness(t, func(context.Context, int, transport.Payload) (transport.Result, error) {
		return streamOf(sse("a", "b", "c")), nil
	})
	h.submit("count")
	h.wait()

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.NotEmpty(t, h.rec.snaps)
	for i := 1; i < len(h.rec.snaps); i++ {
		require.Equal(t, h.rec.snaps[i-1].Version+1, h.rec.snaps[i].Version)
	}
	last := h.rec.snaps[len(h.rec.snaps)-1]
	require.Equal(t, Idle, last.State)
	require.Len(t, last.Messages, 2)
}
