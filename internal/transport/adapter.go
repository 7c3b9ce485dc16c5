package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"relaychat/internal/models"
)

var (
	// ErrTransport covers network failures; non-2xx responses are Failed results.
	ErrTransport = errors.New("transport error")
	// ErrParse is returned when an atomic JSON body cannot be decoded.
	ErrParse = errors.New("parse error")
)

// Payload is the JSON body sent to the submission endpoint.
type Payload struct {
	Message          string         `json:"message"`
	Agent            string         `json:"agent,omitempty"`
	AgentContext     map[string]any `json:"agentContext,omitempty"`
	GenerationParams map[string]any `json:"generationParams,omitempty"`
	// History replaces the upstream's context for the session before it
	// answers when ResetHistory is set.
	History      []models.Message `json:"history,omitempty"`
	ResetHistory bool             `json:"resetHistory,omitempty"`
}

// Reply is the atomic response document. RecordID is set when the result
// is produced out of band and must be observed on the change feed.
type Reply struct {
	Reply       string            `json:"reply"`
	Citations   []models.Citation `json:"citations,omitempty"`
	Suggestions []string          `json:"suggestions,omitempty"`
	RecordID    string            `json:"recordId,omitempty"`
	Fields      []string          `json:"fields,omitempty"`
}

// Result is the classified outcome of a submission. It is one of
// *Streaming, *Atomic or *Failed.
type Result interface {
	isResult()
}

// Streaming carries an open body; the consumer must close it. EventStream
// is set when the body was declared text/event-stream rather than chunked
// raw text.
type Streaming struct {
	Body        io.ReadCloser
	EventStream bool
}

type Atomic struct {
	Reply Reply
}

type Failed struct {
	Status  int
	Message string
}

func (*Streaming) isResult() {}
func (*Atomic) isResult()    {}
func (*Failed) isResult()    {}

// Adapter posts submissions over HTTP.
type Adapter struct {
	submitURL   string
	sessionsURL string
	httpClient  *http.Client
}

type Option func(*Adapter)

// WithSessionsURL sets the collection URL whose /<id> resource is deleted
// when a session is forgotten.
func WithSessionsURL(u string) Option {
	return func(a *Adapter) {
		a.sessionsURL = strings.TrimSuffix(u, "/")
	}
}

// NewAdapter builds an adapter. headerTimeout bounds the wait for response
// headers only; streamed bodies are bounded by the caller's context.
func NewAdapter(submitURL string, headerTimeout time.Duration, opts ...Option) *Adapter {
	a := &Adapter{
		submitURL: submitURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: headerTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit sends the payload and classifies the response by its headers.
func (a *Adapter) Submit(ctx context.Context, sessionID string, payload Payload) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.submitURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}

	log.Debug().Str("component", "transport").Str("session_id", sessionID).Str("url", a.submitURL).Msg("submit")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "%v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return &Failed{Status: resp.StatusCode, Message: errorMessage(resp)}, nil
	}

	return classify(resp)
}

// Forget asks the upstream to drop the generation context it keeps for
// sessionID. It is a no-op without a sessions URL.
func (a *Adapter) Forget(ctx context.Context, sessionID string) error {
	if a.sessionsURL == "" || sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.sessionsURL+"/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(ErrTransport, "%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(ErrTransport, "forget session: status %d: %s", resp.StatusCode, errorMessage(resp))
	}
	return nil
}

func classify(resp *http.Response) (Result, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	mediaType = strings.ToLower(mediaType)
	isJSON := mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")

	switch {
	case mediaType == "text/event-stream":
		return &Streaming{Body: resp.Body, EventStream: true}, nil
	case isChunked(resp) && !isJSON:
		return &Streaming{Body: resp.Body}, nil
	case isJSON:
		defer resp.Body.Close()
		var reply Reply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return nil, errors.Wrapf(ErrParse, "decode reply: %v", err)
		}
		return &Atomic{Reply: reply}, nil
	default:
		resp.Body.Close()
		return &Failed{Status: resp.StatusCode, Message: "unsupported response type " + mediaType}, nil
	}
}

// isChunked reports chunked transfer; net/http moves the header into
// TransferEncoding on the client side.
func isChunked(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Transfer-Encoding")), "chunked")
}

func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}
