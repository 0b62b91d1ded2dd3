// Package websearch implements the web_search and web_fetch tools.
//
// web_search walks a backend chain (SearXNG when configured, then
// DuckDuckGo, then Bing) until one returns results. web_fetch downloads a
// page and converts it to readable text under a hard timeout.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/agenticwork/awchat/internal/infra"
	"github.com/agenticwork/awchat/internal/tools"
)

// Backend identifies one search provider in the fallback chain.
type Backend string

const (
	BackendSearXNG    Backend = "searxng"
	BackendDuckDuckGo Backend = "duckduckgo"
	BackendBing       Backend = "bing"
)

const (
	duckDuckGoURL = "https://html.duckduckgo.com/html/"
	bingSearchURL = "https://www.bing.com/search"

	defaultResultCount = 10
	maxResultCount     = 50
	defaultCacheTTL    = 5 * time.Minute
	searchCacheSize    = 1000
	maxResponseBytes   = 10 << 20
)

// desktopAgents is rotated across requests so the scrape backends see
// varied clients.
var desktopAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

var agentCursor atomic.Uint32

func nextAgent() string {
	n := agentCursor.Add(1)
	return desktopAgents[int(n)%len(desktopAgents)]
}

// SearchConfig holds web_search settings.
type SearchConfig struct {
	// SearXNGURL enables the SearXNG backend when set.
	SearXNGURL string
	// DefaultResults is the result count when the call omits one.
	DefaultResults int
	// CacheTTL bounds how long responses are reused.
	CacheTTL time.Duration
}

// SearchResult is a single hit returned to the model.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResponse is the full web_search payload.
type SearchResponse struct {
	Query       string         `json:"query"`
	Backend     Backend        `json:"backend"`
	Results     []SearchResult `json:"results"`
	ResultCount int            `json:"result_count"`
}

// WebSearchTool searches the public web through the backend chain.
type WebSearchTool struct {
	cfg        SearchConfig
	httpClient *http.Client
	cache      *infra.TTLCache[string, *SearchResponse]

	ddgURL  string
	bingURL string
}

// NewWebSearchTool creates a web search tool with defaults applied.
func NewWebSearchTool(cfg SearchConfig) *WebSearchTool {
	if cfg.DefaultResults <= 0 {
		cfg.DefaultResults = defaultResultCount
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &WebSearchTool{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache: infra.NewTTLCache[string, *SearchResponse](infra.CacheConfig{
			DefaultTTL: cfg.CacheTTL,
			MaxSize:    searchCacheSize,
		}),
		ddgURL:  duckDuckGoURL,
		bingURL: bingSearchURL,
	}
}

// Close releases the response cache.
func (t *WebSearchTool) Close() {
	t.cache.Stop()
}

// Name returns the tool name.
func (t *WebSearchTool) Name() string {
	return "web_search"
}

// Description returns the tool description.
func (t *WebSearchTool) Description() string {
	return "Search the web and return ranked results with title, URL, and snippet."
}

type searchArgs struct {
	Query      string `json:"query" jsonschema:"description=The search query"`
	NumResults int    `json:"num_results,omitempty" jsonschema:"description=Number of results to return (default 10; max 50)"`
}

// Schema returns the JSON schema for the tool parameters.
func (t *WebSearchTool) Schema() json.RawMessage {
	return tools.SchemaFor[searchArgs]()
}

// Execute runs the search, serving repeated queries from cache.
func (t *WebSearchTool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Output, error) {
	var input searchArgs
	if err := json.Unmarshal(inv.Args, &input); err != nil {
		return tools.Errorf("Invalid parameters: %v", err), nil
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return tools.ErrorOutput("query is required"), nil
	}

	count := input.NumResults
	if count <= 0 {
		count = t.cfg.DefaultResults
	}
	if count > maxResultCount {
		count = maxResultCount
	}

	key := fmt.Sprintf("%d:%s", count, query)
	if cached, ok := t.cache.Get(key); ok {
		return tools.JSONOutput(cached), nil
	}

	response, err := t.search(ctx, query, count)
	if err != nil {
		return tools.Errorf("search failed: %v", err), nil
	}
	t.cache.Set(key, response)
	return tools.JSONOutput(response), nil
}

// search walks the backend chain until one returns results.
func (t *WebSearchTool) search(ctx context.Context, query string, count int) (*SearchResponse, error) {
	var errs []error
	for _, backend := range t.chain() {
		results, err := t.searchBackend(ctx, backend, query, count)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", backend, err))
			continue
		}
		if len(results) == 0 {
			errs = append(errs, fmt.Errorf("%s: no results", backend))
			continue
		}
		return &SearchResponse{
			Query:       query,
			Backend:     backend,
			Results:     results,
			ResultCount: len(results),
		}, nil
	}
	return nil, errors.Join(errs...)
}

func (t *WebSearchTool) chain() []Backend {
	chain := make([]Backend, 0, 3)
	if t.cfg.SearXNGURL != "" {
		chain = append(chain, BackendSearXNG)
	}
	return append(chain, BackendDuckDuckGo, BackendBing)
}

func (t *WebSearchTool) searchBackend(ctx context.Context, backend Backend, query string, count int) ([]SearchResult, error) {
	switch backend {
	case BackendSearXNG:
		return t.searchSearXNG(ctx, query, count)
	case BackendDuckDuckGo:
		return t.searchDuckDuckGo(ctx, query, count)
	case BackendBing:
		return t.searchBing(ctx, query, count)
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
}

// searchSearXNG queries a SearXNG instance through its JSON API.
func (t *WebSearchTool) searchSearXNG(ctx context.Context, query string, count int) ([]SearchResult, error) {
	base, err := url.Parse(t.cfg.SearXNGURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SearXNG URL: %w", err)
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("categories", "general")
	base.Path = "/search"
	base.RawQuery = params.Encode()

	body, err := t.get(ctx, base.String())
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]SearchResult, 0, count)
	for _, r := range decoded.Results {
		if len(results) >= count {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

// searchDuckDuckGo scrapes the HTML-only DuckDuckGo frontend.
func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, query string, count int) ([]SearchResult, error) {
	body, err := t.get(ctx, t.ddgURL+"?q="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	var results []SearchResult
	doc.Find("div.result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find("a.result__a").First()
		href, ok := link.Attr("href")
		title := strings.TrimSpace(link.Text())
		if !ok || title == "" {
			return true
		}
		resolved := unwrapDuckDuckGo(href)
		if resolved == "" {
			return true
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     resolved,
			Snippet: strings.TrimSpace(sel.Find("a.result__snippet").First().Text()),
		})
		return len(results) < count
	})
	return results, nil
}

// unwrapDuckDuckGo resolves DuckDuckGo's redirect links, which wrap the
// destination in a uddg query parameter.
func unwrapDuckDuckGo(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	if parsed.Host == "" || strings.Contains(parsed.Host, "duckduckgo.com") {
		return ""
	}
	return href
}

// searchBing scrapes the Bing results page.
func (t *WebSearchTool) searchBing(ctx context.Context, query string, count int) ([]SearchResult, error) {
	body, err := t.get(ctx, t.bingURL+"?q="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	var results []SearchResult
	doc.Find("li.b_algo").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find("h2 a").First()
		href, ok := link.Attr("href")
		title := strings.TrimSpace(link.Text())
		if !ok || title == "" || !strings.HasPrefix(href, "http") {
			return true
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     href,
			Snippet: strings.TrimSpace(sel.Find("p").First().Text()),
		})
		return len(results) < count
	})
	return results, nil
}

func (t *WebSearchTool) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", nextAgent())
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}
