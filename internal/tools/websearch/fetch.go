package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"

	"github.com/agenticwork/awchat/internal/infra"
	"github.com/agenticwork/awchat/internal/tools"
)

const (
	defaultFetchMaxChars = 50000
	fetchHardTimeout     = 30 * time.Second
	fetchCacheSize       = 256
	maxPageLinks         = 50
	truncationMarker     = "\n\n... [Content truncated]"
)

// FetchConfig holds web_fetch settings.
type FetchConfig struct {
	// MaxChars caps the returned content length.
	MaxChars int
	// CacheTTL bounds how long fetched pages are reused.
	CacheTTL time.Duration
	// Timeout bounds one fetch. Values above the 30 second hard cap are
	// lowered to it.
	Timeout time.Duration
	// AllowPrivateHosts disables the private-address guard. Tests use it
	// to reach local listeners.
	AllowPrivateHosts bool
}

type fetchedPage struct {
	Body        []byte
	ContentType string
	FinalURL    string
}

// WebFetchTool downloads a page and converts it to readable text.
type WebFetchTool struct {
	cfg        FetchConfig
	httpClient *http.Client
	cache      *infra.TTLCache[string, *fetchedPage]
}

// NewWebFetchTool creates a web fetch tool with defaults applied.
func NewWebFetchTool(cfg FetchConfig) *WebFetchTool {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultFetchMaxChars
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 || cfg.Timeout > fetchHardTimeout {
		cfg.Timeout = fetchHardTimeout
	}
	return &WebFetchTool{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache: infra.NewTTLCache[string, *fetchedPage](infra.CacheConfig{
			DefaultTTL: cfg.CacheTTL,
			MaxSize:    fetchCacheSize,
		}),
	}
}

// Close releases the page cache.
func (t *WebFetchTool) Close() {
	t.cache.Stop()
}

// Name returns the tool name.
func (t *WebFetchTool) Name() string {
	return "web_fetch"
}

// Description returns the tool description.
func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its readable content as markdown or plain text, with outgoing links."
}

type fetchArgs struct {
	URL         string `json:"url" jsonschema:"description=The http or https URL to fetch"`
	ExtractMode string `json:"extract_mode,omitempty" jsonschema:"description=Content format: markdown (default) or text"`
	MaxChars    int    `json:"max_chars,omitempty" jsonschema:"description=Maximum characters of content to return"`
}

// Schema returns the JSON schema for the tool parameters.
func (t *WebFetchTool) Schema() json.RawMessage {
	return tools.SchemaFor[fetchArgs]()
}

// Execute fetches the page under the hard timeout and extracts readable
// content. Non-HTML responses come back as raw text.
func (t *WebFetchTool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Output, error) {
	var input fetchArgs
	if err := json.Unmarshal(inv.Args, &input); err != nil {
		return tools.Errorf("Invalid parameters: %v", err), nil
	}
	target := strings.TrimSpace(input.URL)
	if target == "" {
		return tools.ErrorOutput("url is required"), nil
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return tools.Errorf("invalid url: %v", err), nil
	}
	if err := t.validateTarget(parsed); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}

	mode := normalizeExtractMode(input.ExtractMode)
	maxChars := t.cfg.MaxChars
	if input.MaxChars > 0 && input.MaxChars < maxChars {
		maxChars = input.MaxChars
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	page, err := t.fetch(ctx, target)
	if err != nil {
		return tools.Errorf("fetch failed: %v", err), nil
	}

	result := map[string]any{
		"url":          page.FinalURL,
		"extract_mode": mode,
	}

	if !isHTML(page.ContentType) {
		content, truncated := clip(string(page.Body), maxChars)
		result["content"] = content
		result["content_type"] = page.ContentType
		if truncated {
			result["truncated"] = true
		}
		return tools.JSONOutput(result), nil
	}

	extracted, err := extractReadable(page, mode)
	if err != nil {
		return tools.Errorf("extract content: %v", err), nil
	}

	content, truncated := clip(extracted.Content, maxChars)
	result["content"] = content
	if extracted.Title != "" {
		result["title"] = extracted.Title
	}
	if len(extracted.Links) > 0 {
		result["links"] = extracted.Links
	}
	if truncated {
		result["truncated"] = true
	}
	return tools.JSONOutput(result), nil
}

// validateTarget rejects non-HTTP schemes and, unless disabled, hosts that
// resolve to private or reserved addresses.
func (t *WebFetchTool) validateTarget(parsed *url.URL) error {
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url must use http or https")
	}
	if t.cfg.AllowPrivateHosts {
		return nil
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("url must have a host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("private hosts are not allowed")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable names fail at dial time instead.
		return nil
	}
	for _, ip := range ips {
		if isPrivateOrReserved(ip) {
			return fmt.Errorf("url resolves to a private or reserved address")
		}
	}
	return nil
}

func isPrivateOrReserved(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// fetch returns the cached page when fresh, downloading it otherwise.
func (t *WebFetchTool) fetch(ctx context.Context, target string) (*fetchedPage, error) {
	if page, ok := t.cache.Get(target); ok {
		return page, nil
	}

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

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	page := &fetchedPage{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}
	t.cache.Set(target, page)
	return page, nil
}

type readableContent struct {
	Title   string
	Content string
	Links   []pageLink
}

type pageLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// extractReadable runs the readability pass and renders the article in the
// requested mode.
func extractReadable(page *fetchedPage, mode string) (*readableContent, error) {
	base, err := url.Parse(page.FinalURL)
	if err != nil {
		base = &url.URL{Scheme: "https"}
	}

	article, err := readability.FromReader(bytes.NewReader(page.Body), base)
	if err != nil {
		return nil, err
	}

	var fragment bytes.Buffer
	if err := article.RenderHTML(&fragment); err != nil {
		return nil, err
	}

	out := &readableContent{
		Title: article.Title(),
		Links: collectLinks(fragment.Bytes(), base),
	}

	if mode == "text" {
		var text bytes.Buffer
		if err := article.RenderText(&text); err != nil {
			return nil, err
		}
		out.Content = strings.TrimSpace(text.String())
		return out, nil
	}

	md, err := htmltomarkdown.ConvertString(fragment.String(), converter.WithDomain(page.FinalURL))
	if err != nil {
		return nil, err
	}
	out.Content = tidyMarkdown(md)
	return out, nil
}

// collectLinks gathers absolute links from the readable fragment, capped at
// maxPageLinks.
func collectLinks(fragment []byte, base *url.URL) []pageLink {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fragment))
	if err != nil {
		return nil
	}
	var links []pageLink
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		resolved := resolveLink(base, href)
		if resolved == "" {
			return true
		}
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if text == "" || len(text) > 100 {
			return true
		}
		links = append(links, pageLink{Text: text, URL: resolved})
		return len(links) < maxPageLinks
	})
	return links
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(parsed)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

func tidyMarkdown(md string) string {
	return strings.TrimSpace(blankRuns.ReplaceAllString(md, "\n\n"))
}

// clip truncates at a paragraph, sentence, or word boundary when possible.
func clip(content string, max int) (string, bool) {
	if max <= 0 || len(content) <= max {
		return content, false
	}
	cut := content[:max]
	for _, boundary := range []string{"\n\n", ". ", " "} {
		idx := strings.LastIndex(cut, boundary)
		if idx <= max/2 {
			continue
		}
		if boundary == ". " {
			idx++
		}
		return cut[:idx] + truncationMarker, true
	}
	return cut + truncationMarker, true
}

func normalizeExtractMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "text":
		return "text"
	default:
		return "markdown"
	}
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}
