package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"relaychat/internal/models"
)

const (
	WebSearchRateLimit   = 5
	WebSearchRateWindow  = time.Minute
	WebSearchHTTPTimeout = 10 * time.Second

	maxFetchBodySize = 512 * 1024
)

type toolSessionContextKey struct{}
type citationContextKey struct{}

type toolRateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, now: time.Now, hits: make(map[string][]time.Time)}
}

// Allow records a hit for key and reports whether it fits in the window.
func (l *toolRateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	if idx > 0 {
		queue = queue[idx:]
	}
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}

// WithToolSession tags ctx with the session a tool call runs for.
func WithToolSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolSessionContextKey{}, sessionID)
}

func ToolSessionFromContext(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(toolSessionContextKey{}).(string)
	return sessionID, ok && sessionID != ""
}

// citationCollector gathers the sources tools looked at during one reply.
// A nil collector discards everything.
type citationCollector struct {
	mu    sync.Mutex
	seen  map[string]bool
	items []models.Citation
}

func (c *citationCollector) add(title, sourceURL string) {
	if c == nil || sourceURL == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[sourceURL] {
		return
	}
	c.seen[sourceURL] = true
	if title == "" {
		title = sourceURL
	}
	c.items = append(c.items, models.Citation{Title: title, SourceURL: sourceURL})
}

func (c *citationCollector) addAll(items []models.Citation) {
	for _, it := range items {
		c.add(it.Title, it.SourceURL)
	}
}

func (c *citationCollector) list() []models.Citation {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Citation(nil), c.items...)
}

func withCitations(ctx context.Context, c *citationCollector) context.Context {
	return context.WithValue(ctx, citationContextKey{}, c)
}

func citationsFromContext(ctx context.Context) *citationCollector {
	c, _ := ctx.Value(citationContextKey{}).(*citationCollector)
	return c
}

// extractCitations walks a search tool result and returns every object that
// carries a title and a url or link.
func extractCitations(result string) []models.Citation {
	var doc any
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		return nil
	}
	var out []models.Citation
	var walk func(v any)
	walk = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			title, _ := node["title"].(string)
			link, _ := node["url"].(string)
			if link == "" {
				link, _ = node["link"].(string)
			}
			if title != "" && link != "" {
				out = append(out, models.Citation{Title: title, SourceURL: link})
				return
			}
			for _, child := range node {
				walk(child)
			}
		case []any:
			for _, child := range node {
				walk(child)
			}
		}
	}
	walk(doc)
	return out
}

type urlFetcher struct {
	client *http.Client
}

func newURLFetcher(timeout time.Duration) *urlFetcher {
	return &urlFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *urlFetcher) fetch(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", errors.Wrap(err, "invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", "RelayChat-WebSearch/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch url")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("fetch url: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodySize))
	if err != nil {
		return "", errors.Wrap(err, "read body")
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
