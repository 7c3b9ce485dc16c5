package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"relaychat/internal/config"
	"relaychat/internal/feed"
	"relaychat/internal/logging"
	"relaychat/internal/models"
	"relaychat/internal/service/ai"
	"relaychat/internal/stream"
	"relaychat/internal/telemetry"
	"relaychat/internal/transport"
	"relaychat/internal/worker"
)

// Generator produces replies for the chat endpoint.
type Generator interface {
	Stream(ctx context.Context, sessionID, agent, prompt string, fn func(delta string) error) (string, error)
	Generate(ctx context.Context, sessionID, agent, prompt string) (*ai.Answer, error)
	Forget(sessionID string)
	Seed(sessionID string, history []models.Message)
}

// Queue runs asynchronous generation jobs.
type Queue interface {
	Enqueue(job worker.Job) error
	Forget(ctx context.Context, sessionID string)
}

// Server is the reference submission endpoint. It answers with an event
// stream by default, with a JSON reply when streaming is disabled, and with a
// change-feed record for asynchronous agents.
type Server struct {
	gen        Generator
	queue      Queue
	async      map[string]bool
	withAssets bool
	logger     zerolog.Logger
}

// NewServer builds the endpoint; queue may be nil when no agent is async.
func NewServer(gen Generator, queue Queue, cfg config.GeneratorConfig) *Server {
	async := make(map[string]bool, len(cfg.AsyncAgents))
	for _, a := range cfg.AsyncAgents {
		async[strings.ToLower(strings.TrimSpace(a))] = true
	}
	return &Server{
		gen:        gen,
		queue:      queue,
		async:      async,
		withAssets: cfg.AssetURL != "",
		logger:     logging.Component("upstream"),
	}
}

func (s *Server) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/chat", s.chat)
	api.DELETE("/sessions/:id", s.forgetSession)
}

type deltaChunk struct {
	Choices []deltaChoice `json:"choices"`
}

type deltaChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

func (s *Server) chat(c *gin.Context) {
	var req transport.Payload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	prompt := strings.TrimSpace(req.Message)
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	sessionID := c.GetHeader("X-Session-ID")
	agent := strings.ToLower(strings.TrimSpace(req.Agent))

	ctx, span := telemetry.Tracer().Start(c.Request.Context(), "upstream.chat")
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("agent", agent))
	var spanErr error
	defer func() { telemetry.End(span, spanErr) }()

	if req.ResetHistory && sessionID != "" {
		s.resetHistory(ctx, sessionID, req.History)
	}

	switch {
	case s.async[agent] && s.queue != nil:
		spanErr = s.enqueue(c, sessionID, agent, prompt)
	case !wantsStream(req.GenerationParams):
		spanErr = s.reply(ctx, c, sessionID, agent, prompt)
	default:
		spanErr = s.stream(ctx, c, sessionID, agent, prompt)
	}
}

// resetHistory replaces the generation context of a session with history.
// Jobs still queued for the session belong to the discarded turns and are
// dropped first.
func (s *Server) resetHistory(ctx context.Context, sessionID string, history []models.Message) {
	if s.queue != nil {
		s.queue.Forget(ctx, sessionID)
	}
	s.gen.Seed(sessionID, history)
	s.logger.Debug().Str("session_id", sessionID).Int("history", len(history)).Msg("history reset")
}

func (s *Server) enqueue(c *gin.Context, sessionID, agent, prompt string) error {
	fields := []string{feed.FieldText}
	if s.withAssets {
		fields = append(fields, feed.FieldAsset)
	}
	job := worker.Job{
		RecordID:  uuid.NewString(),
		SessionID: sessionID,
		Agent:     agent,
		Prompt:    prompt,
		Fields:    fields,
	}
	if err := s.queue.Enqueue(job); err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		}
		return err
	}
	s.logger.Debug().Str("record_id", job.RecordID).Str("session_id", sessionID).Msg("job queued")
	c.JSON(http.StatusAccepted, transport.Reply{RecordID: job.RecordID, Fields: fields})
	return nil
}

func (s *Server) reply(ctx context.Context, c *gin.Context, sessionID, agent, prompt string) error {
	answer, err := s.gen.Generate(ctx, sessionID, agent, prompt)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("generate failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": errors.Cause(err).Error()})
		return err
	}
	c.JSON(http.StatusOK, transport.Reply{Reply: answer.Text, Citations: answer.Citations})
	return nil
}

func (s *Server) stream(ctx context.Context, c *gin.Context, sessionID, agent, prompt string) error {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return errors.New("streaming not supported")
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	// the first token may take a while; headers go out now
	c.Writer.WriteHeaderNow()
	flusher.Flush()

	sendEvent := func(payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_, err := s.gen.Stream(ctx, sessionID, agent, prompt, func(delta string) error {
		var chunk deltaChunk
		chunk.Choices = make([]deltaChoice, 1)
		chunk.Choices[0].Delta.Content = delta
		return sendEvent(chunk)
	})
	if err != nil {
		if ctx.Err() != nil {
			// client went away
			return err
		}
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("stream failed")
		_ = sendEvent(gin.H{"error": gin.H{"message": errors.Cause(err).Error()}})
		return err
	}
	return sendEvent(stream.Sentinel)
}

func (s *Server) forgetSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if s.queue != nil {
		s.queue.Forget(c.Request.Context(), sessionID)
	} else {
		s.gen.Forget(sessionID)
	}
	c.Status(http.StatusNoContent)
}

// wantsStream reads generationParams.stream; streaming is the default.
func wantsStream(params map[string]any) bool {
	v, ok := params["stream"]
	if !ok {
		return true
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return !strings.EqualFold(b, "false")
	default:
		return true
	}
}
