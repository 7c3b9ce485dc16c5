package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"relaychat/internal/models"
)

func newAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAdapter(srv.URL, 5*time.Second)
}

func TestSubmitClassifiesEventStream(t *testing.T) {
	var (
		got       Payload
		sessionID string
	)
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		sessionID = r.Header.Get("X-Session-ID")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n")
	})

	res, err := a.Submit(context.Background(), "s1", Payload{Message: "Hello", Agent: "writer"})
	require.NoError(t, err)
	s, ok := res.(*Streaming)
	require.True(t, ok, "expected streaming, got %T", res)
	require.True(t, s.EventStream)
	defer s.Body.Close()
	body, err := io.ReadAll(s.Body)
	require.NoError(t, err)
	require.Equal(t, "data: [DONE]\n", string(body))
	require.Equal(t, "s1", sessionID)
	require.Equal(t, "Hello", got.Message)
	require.Equal(t, "writer", got.Agent)
}

func TestSubmitClassifiesChunkedText(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "Hel")
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, "lo")
	})

	res, err := a.Submit(context.Background(), "", Payload{Message: "x"})
	require.NoError(t, err)
	s, ok := res.(*Streaming)
	require.True(t, ok, "expected streaming, got %T", res)
	require.False(t, s.EventStream)
	s.Body.Close()
}

func TestSubmitClassifiesAtomic(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, `{"reply":"done","citations":[{"title":"A","sourceUrl":"https://a"}],"recordId":"r1","fields":["text","asset"]}`)
	})

	res, err := a.Submit(context.Background(), "", Payload{Message: "x"})
	require.NoError(t, err)
	at, ok := res.(*Atomic)
	require.True(t, ok, "expected atomic, got %T", res)
	require.Equal(t, "done", at.Reply.Reply)
	require.Equal(t, "https://a", at.Reply.Citations[0].SourceURL)
	require.Equal(t, "r1", at.Reply.RecordID)
	require.Equal(t, []string{"text", "asset"}, at.Reply.Fields)
}

func TestSubmitMalformedJSONIsParseError(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"reply":`)
	})

	_, err := a.Submit(context.Background(), "", Payload{Message: "x"})
	require.True(t, errors.Is(err, ErrParse))
}

func TestSubmitNon2xx(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"error field", http.StatusBadRequest, `{"error":"agent not found"}`, "agent not found"},
		{"message field", http.StatusTooManyRequests, `{"message":"slow down"}`, "slow down"},
		{"status text fallback", http.StatusBadGateway, `<html>oops</html>`, "Bad Gateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			res, err := a.Submit(context.Background(), "", Payload{Message: "x"})
			require.NoError(t, err)
			f, ok := res.(*Failed)
			require.True(t, ok, "expected failed, got %T", res)
			require.Equal(t, tc.status, f.Status)
			require.Equal(t, tc.want, f.Message)
		})
	}
}

func TestSubmitNetworkErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewAdapter(url, time.Second).Submit(context.Background(), "", Payload{Message: "x"})
	require.True(t, errors.Is(err, ErrTransport))
}

func TestSubmitSendsHistoryReset(t *testing.T) {
	var got Payload
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"reply":"ok"}`)
	})

	_, err := a.Submit(context.Background(), "s1", Payload{
		Message:      "q2",
		History:      []models.Message{{Role: models.RoleUser, Content: "q1"}},
		ResetHistory: true,
	})
	require.NoError(t, err)
	require.True(t, got.ResetHistory)
	require.Len(t, got.History, 1)
	require.Equal(t, "q1", got.History[0].Content)
}

func TestForget(t *testing.T) {
	var (
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		if r.URL.Path == "/api/sessions/gone" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"boom"}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	a := NewAdapter(srv.URL+"/api/chat", time.Second, WithSessionsURL(srv.URL+"/api/sessions/"))
	require.NoError(t, a.Forget(context.Background(), "s 1"))
	require.Equal(t, http.MethodDelete, method)
	require.Equal(t, "/api/sessions/s 1", path)

	err := a.Forget(context.Background(), "gone")
	require.ErrorIs(t, err, ErrTransport)
	require.Contains(t, err.Error(), "boom")

	method = ""
	require.NoError(t, NewAdapter(srv.URL, time.Second).Forget(context.Background(), "s1"))
	require.Empty(t, method)
}
