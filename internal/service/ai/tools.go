package ai

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// InitToolsChain returns the tools of the research agent.
func InitToolsChain(ctx context.Context) []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := InitWebSearch(ctx); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

// InitWebSearch combines google (when credentials are set) with duckduckgo.
func InitWebSearch(ctx context.Context) tool.InvokableTool {
	googleTool := InitGooglesearch(ctx)
	duckTool := InitDDGsearch(ctx)
	if googleTool == nil && duckTool == nil {
		log.Warn().Str("component", "ai").Msg("web search tool disabled: no search providers available")
		return nil
	}
	return newWebSearchTool(googleTool, duckTool)
}

func newWebSearchTool(google, duck tool.InvokableTool) tool.InvokableTool {
	ws := &webSearchTool{
		google:  google,
		duck:    duck,
		fetcher: newURLFetcher(WebSearchHTTPTimeout),
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information; " +
			"automatically fallbacks to another provider if needed;" +
			"can search URL if needed.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}

	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google  tool.InvokableTool
	duck    tool.InvokableTool
	fetcher *urlFetcher
}

type webSearchParams struct {
	Query string `json:"query"`
}

var webSearchLimiter = newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow)

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if sessionID, ok := ToolSessionFromContext(ctx); ok && !webSearchLimiter.Allow(sessionID) {
		return "", errors.New("web search rate limit exceeded, please retry in a minute")
	}
	sources := citationsFromContext(ctx)

	if looksLikeURL(query) {
		content, err := w.fetcher.fetch(ctx, query)
		if err == nil {
			sources.add(query, query)
			return content, nil
		}
		log.Debug().Err(err).Str("component", "ai").Str("url", query).Msg("web url loader failed")
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", errors.Wrap(err, "marshal search params")
	}
	payload := string(payloadBytes)

	for _, provider := range []struct {
		name string
		tool tool.InvokableTool
	}{{"google", w.google}, {"duckduckgo", w.duck}} {
		if provider.tool == nil {
			continue
		}
		result, err := provider.tool.InvokableRun(ctx, payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "ai").Str("provider", provider.name).Msg("search failed")
			continue
		}
		sources.addAll(extractCitations(result))
		return result, nil
	}

	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch Init DDG Search
func InitDDGsearch(ctx context.Context) tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, duckConfig)
	if err != nil {
		log.Warn().Err(err).Str("component", "ai").Msg("duckduckgo search tool disabled")
		return nil
	}
	return duckTool
}

// InitGooglesearch Init Google Search
func InitGooglesearch(ctx context.Context) tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		log.Info().Str("component", "ai").Msg("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "ai").Msg("google search tool disabled")
		return nil
	}
	return googleTool
}
