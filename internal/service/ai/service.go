package ai

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"relaychat/internal/config"
	"relaychat/internal/models"
)

// AgentResearch answers with the web search tools and returns citations.
const AgentResearch = "research"

const defaultHistoryLimit = 40

// Answer is a complete generated reply.
type Answer struct {
	Text      string
	Citations []models.Citation
}

// Service generates replies with an eino chat model and keeps a short
// per-session history so follow-up messages have context.
type Service struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	limit     int

	mu        sync.RWMutex
	histories map[string][]*schema.Message
}

// NewChatModel builds the chat model of the configured provider.
func NewChatModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, error) {
	provider := strings.ToLower(cfg.Generator.Provider)
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, errors.Errorf("provider %s not configured", provider)
	}
	modelType := cfg.Generator.Model
	if modelType == "" {
		modelType = provCfg.Model
	}
	token := provCfg.APIKey
	if token == "" {
		token = os.Getenv(strings.ToUpper(provider) + "_API_KEY")
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  token,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: token,
		})
		if cerr != nil {
			return nil, errors.Wrap(cerr, "create gemini client")
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, errors.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "start %s chat model", provider)
	}
	return chatModel, nil
}

// NewService wraps chatModel. When tools are given, the research agent runs
// them through a ReAct loop.
func NewService(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model required")
	}
	s := &Service{
		chatModel: chatModel,
		limit:     defaultHistoryLimit,
		histories: make(map[string][]*schema.Message),
	}
	if len(tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, errors.Wrap(err, "init react agent")
		}
		s.agent = agent
	}
	return s, nil
}

// Stream generates a reply for prompt and calls fn with every delta. It
// returns the full reply.
func (s *Service) Stream(ctx context.Context, sessionID, agent, prompt string, fn func(delta string) error) (string, error) {
	input := s.appendHistory(sessionID, schema.UserMessage(prompt))
	ctx, _ = s.withAgentContext(ctx, sessionID, agent)

	var (
		reader *schema.StreamReader[*schema.Message]
		err    error
	)
	if s.useAgent(agent) {
		reader, err = s.agent.Stream(ctx, input)
	} else {
		reader, err = s.chatModel.Stream(ctx, input)
	}
	if err != nil {
		return "", errors.Wrap(err, "generate ai stream failed")
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), errors.Wrap(err, "receive ai stream")
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if fn != nil {
			if err := fn(chunk.Content); err != nil {
				return full.String(), err
			}
		}
	}

	s.appendHistory(sessionID, schema.AssistantMessage(full.String(), nil))
	return full.String(), nil
}

// Generate produces a complete reply. The research agent also returns the
// sources its searches surfaced.
func (s *Service) Generate(ctx context.Context, sessionID, agent, prompt string) (*Answer, error) {
	input := s.appendHistory(sessionID, schema.UserMessage(prompt))
	ctx, sources := s.withAgentContext(ctx, sessionID, agent)

	var (
		out *schema.Message
		err error
	)
	if s.useAgent(agent) {
		out, err = s.agent.Generate(ctx, input)
	} else {
		out, err = s.chatModel.Generate(ctx, input)
	}
	if err != nil {
		return nil, errors.Wrap(err, "generate ai reply failed")
	}

	s.appendHistory(sessionID, schema.AssistantMessage(out.Content, nil))
	answer := &Answer{Text: out.Content}
	if sources != nil {
		answer.Citations = sources.list()
	}
	return answer, nil
}

// Forget drops the cached history of a session.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.histories, sessionID)
	s.mu.Unlock()
}

// Seed replaces the history of a session with a committed conversation.
// Error messages never reached the model and are skipped.
func (s *Service) Seed(sessionID string, history []models.Message) {
	if sessionID == "" {
		return
	}
	msgs := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content))
		case models.RoleAgent:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		}
	}
	if len(msgs) > s.limit {
		msgs = msgs[len(msgs)-s.limit:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msgs) == 0 {
		delete(s.histories, sessionID)
		return
	}
	s.histories[sessionID] = msgs
}

func (s *Service) useAgent(agent string) bool {
	return s.agent != nil && agent == AgentResearch
}

func (s *Service) withAgentContext(ctx context.Context, sessionID, agent string) (context.Context, *citationCollector) {
	if !s.useAgent(agent) {
		return ctx, nil
	}
	ctx = WithToolSession(ctx, sessionID)
	sources := &citationCollector{}
	return withCitations(ctx, sources), sources
}

// appendHistory adds msg to the session history and returns a copy of it.
// Without a session id the message stands alone.
func (s *Service) appendHistory(sessionID string, msg *schema.Message) []*schema.Message {
	if sessionID == "" {
		return []*schema.Message{msg}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.histories[sessionID], msg)
	if len(history) > s.limit {
		history = history[len(history)-s.limit:]
	}
	s.histories[sessionID] = history
	log.Debug().Str("component", "ai").Str("session_id", sessionID).Int("history", len(history)).Msg("history updated")
	return append([]*schema.Message(nil), history...)
}
