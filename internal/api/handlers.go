package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"relaychat/internal/arbiter"
	"relaychat/internal/models"
	"relaychat/internal/store"
)

// Sessions is the session registry the handlers drive.
type Sessions interface {
	Start(ctx context.Context, req arbiter.Request) (*arbiter.Arbiter, error)
	Ensure(ctx context.Context, sessionID string) (*arbiter.Arbiter, error)
	Delete(ctx context.Context, sessionID string) error
}

// Snapshots streams published snapshots of a session.
type Snapshots interface {
	Subscribe(ctx context.Context, sessionID string, after uint64) (<-chan arbiter.Snapshot, error)
}

// Handler wires HTTP routes to the session engine.
type Handler struct {
	sessions  Sessions
	reader    store.SessionReader
	snapshots Snapshots
	upgrader  websocket.Upgrader
	keepAlive time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(sessions Sessions, reader store.SessionReader, snapshots Snapshots) *Handler {
	return &Handler{
		sessions:  sessions,
		reader:    reader,
		snapshots: snapshots,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		keepAlive: 15 * time.Second,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/conversations", h.listSessions)
	api.POST("/conversations", h.startConversation)
	conv := api.Group("/conversations/:id")
	conv.GET("", h.getSession)
	conv.DELETE("", h.deleteSession)
	conv.POST("/messages", h.captureInput)
	conv.POST("/cancel", h.cancel)
	conv.POST("/regenerate", h.regenerate)
	conv.GET("/events", h.events)
	conv.GET("/ws", h.socket)
}

type inputRequest struct {
	Message          string         `json:"message"`
	Agent            string         `json:"agent"`
	AgentContext     map[string]any `json:"agentContext"`
	GenerationParams map[string]any `json:"generationParams"`
}

func (r inputRequest) toRequest() arbiter.Request {
	return arbiter.Request{
		Text:             r.Message,
		Agent:            strings.TrimSpace(r.Agent),
		AgentContext:     r.AgentContext,
		GenerationParams: r.GenerationParams,
	}
}

func (h *Handler) listSessions(c *gin.Context) {
	list, err := h.reader.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) startConversation(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	a, err := h.sessions.Start(c.Request.Context(), req.toRequest())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, a.Snapshot())
}

func (h *Handler) getSession(c *gin.Context) {
	a, ok := h.ensure(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.Snapshot())
}

func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) captureInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	a, ok := h.ensure(c)
	if !ok {
		return
	}
	if err := a.Submit(c.Request.Context(), req.toRequest()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, a.Snapshot())
}

func (h *Handler) cancel(c *gin.Context) {
	a, ok := h.ensure(c)
	if !ok {
		return
	}
	cancelled := a.Cancel()
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled, "snapshot": a.Snapshot()})
}

func (h *Handler) regenerate(c *gin.Context) {
	var req struct {
		Index *int `json:"index"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Index == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index is required"})
		return
	}
	a, ok := h.ensure(c)
	if !ok {
		return
	}
	if err := a.Regenerate(c.Request.Context(), *req.Index); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, a.Snapshot())
}

// events streams snapshots as server-sent events, starting with the current
// one.
func (h *Handler) events(c *gin.Context) {
	a, ok := h.ensure(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	current := a.Snapshot()
	updates, err := h.snapshots.Subscribe(ctx, a.SessionID(), current.Version)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Snapshots published between Subscribe and Snapshot are newer than
	// current and still delivered; older ones are skipped by version.
	if err := sendEvent("snapshot", current); err != nil {
		return
	}
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case s, ok := <-updates:
			if !ok {
				return
			}
			if err := sendEvent("snapshot", s); err != nil {
				return
			}
		}
	}
}

func (h *Handler) ensure(c *gin.Context) (*arbiter.Arbiter, bool) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil, false
	}
	a, err := h.sessions.Ensure(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return a, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, arbiter.ErrEmptyMessage),
		errors.Is(err, arbiter.ErrInvalidIndex),
		errors.Is(err, arbiter.ErrNotUserMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, arbiter.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
