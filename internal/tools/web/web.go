// Package web implements the web tool: URL fetching with text
// extraction and DuckDuckGo HTML search.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
)

const (
	toolName = "web"

	defaultFetchTimeout = 15 * time.Second
	maxBodyBytes        = 10 * 1024 * 1024
	maxExtractChars     = 10000
	defaultResultCount  = 5
	maxResultCount      = 20

	userAgent = "Mozilla/5.0 (compatible; anvil/1.0)"

	searchEndpoint = "https://html.duckduckgo.com/html/"
)

var operations = []string{"fetch_url", "search_web"}

// Tool is the web implementation.
type Tool struct {
	client       *http.Client
	searchURL    string
	allowPrivate bool // tests hit local listeners
}

// New returns the web tool.
func New() *Tool {
	return &Tool{
		client:    &http.Client{Timeout: defaultFetchTimeout},
		searchURL: searchEndpoint,
	}
}

func (t *Tool) Name() string { return toolName }

func (t *Tool) Description() string {
	return "Fetch a URL and extract its readable text, or search the web. " +
		"Fetches are size-capped and refuse private addresses."
}

func (t *Tool) Operations() []string { return operations }

func (t *Tool) Schema() map[string]any {
	return agent.OperationSchema(operations, map[string]any{
		"url":         map[string]any{"type": "string", "description": "Page to fetch"},
		"timeout":     map[string]any{"type": "integer", "description": "Seconds before the fetch is abandoned"},
		"query":       map[string]any{"type": "string", "description": "Search terms"},
		"max_results": map[string]any{"type": "integer", "description": "Results to return, default 5"},
	})
}

func (t *Tool) Execute(ctx context.Context, tc *agent.ToolContext, args map[string]any) (*agent.ToolResult, error) {
	op, fail := agent.RequireOperation(t, args)
	if fail != nil {
		return fail, nil
	}
	switch op {
	case "fetch_url":
		return t.fetchURL(ctx, args), nil
	case "search_web":
		return t.searchWeb(ctx, args), nil
	}
	return agent.UnknownOperation(t, op), nil
}

func (t *Tool) fetchURL(ctx context.Context, args map[string]any) *agent.ToolResult {
	rawURL := strings.TrimSpace(agent.StringArg(args, "url"))
	if rawURL == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "fetch_url requires a 'url'")
	}
	if err := validateURL(rawURL, t.allowPrivate); err != nil {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "%v", err)
	}

	if secs := agent.IntArg(args, "timeout", 0); secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "build request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return agent.Fail(toolName, agent.ToolErrorTimeout, "fetch %s timed out", rawURL)
		}
		return agent.Fail(toolName, agent.ToolErrorNetwork, "fetch %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errType := agent.ToolErrorNetwork
		switch {
		case resp.StatusCode == http.StatusNotFound:
			errType = agent.ToolErrorNotFound
		case resp.StatusCode == http.StatusTooManyRequests:
			errType = agent.ToolErrorRateLimit
		}
		return agent.Fail(toolName, errType, "fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorNetwork, "read %s: %v", rawURL, err)
	}

	var text string
	if strings.Contains(contentType, "text/html") {
		text = extractReadable(string(body))
	} else if strings.HasPrefix(contentType, "text/") ||
		strings.Contains(contentType, "json") || strings.Contains(contentType, "xml") {
		text = strings.TrimSpace(string(body))
	} else {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput,
			"unsupported content type %q for %s", contentType, rawURL)
	}
	truncated := false
	if len(text) > maxExtractChars {
		text = text[:maxExtractChars] + "\n[content truncated]"
		truncated = true
	}

	result := agent.Ok(toolName, text).WithAction("fetched %s", rawURL)
	result.WithMeta("url", rawURL).WithMeta("content_type", contentType)
	if truncated {
		result.WithMeta("truncated", true)
	}
	return result
}

// searchResult is one scraped hit.
type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func (t *Tool) searchWeb(ctx context.Context, args map[string]any) *agent.ToolResult {
	query := strings.TrimSpace(agent.StringArg(args, "query"))
	if query == "" {
		return agent.Fail(toolName, agent.ToolErrorInvalidInput, "search_web requires a 'query'")
	}
	maxResults := agent.IntArg(args, "max_results", defaultResultCount)
	if maxResults < 1 || maxResults > maxResultCount {
		maxResults = defaultResultCount
	}

	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.searchURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorExecution, "build request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorNetwork, "search: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return agent.Fail(toolName, agent.ToolErrorNetwork, "read search response: %v", err)
	}
	page := string(body)

	if blocked(resp.StatusCode, page) {
		return agent.Fail(toolName, agent.ToolErrorRateLimit,
			"search engine served a CAPTCHA/blocking page; back off before retrying")
	}
	if resp.StatusCode != http.StatusOK {
		return agent.Fail(toolName, agent.ToolErrorNetwork, "search: HTTP %d", resp.StatusCode)
	}

	results := parseSearchResults(page, maxResults)
	if len(results) == 0 {
		return agent.Ok(toolName, fmt.Sprintf("No results for %q.", query))
	}
	out := agent.Ok(toolName, "").MarshalOutput(map[string]any{
		"query":   query,
		"results": results,
	})
	return out.WithAction("%d result(s) for %q", len(results), query)
}

// blocked recognizes DuckDuckGo's anomaly interstitials and generic
// bot-wall responses.
func blocked(status int, page string) bool {
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return true
	}
	lower := strings.ToLower(page)
	return strings.Contains(lower, "anomaly-modal") ||
		strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "unusual traffic")
}

var (
	resultAnchor  = regexp.MustCompile(`(?is)<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	resultSnippet = regexp.MustCompile(`(?is)<a[^>]*class="[^"]*result__snippet[^"]*"[^>]*>(.*?)</a>`)
)

// parseSearchResults scrapes the DuckDuckGo HTML endpoint's result list.
func parseSearchResults(page string, maxResults int) []searchResult {
	anchors := resultAnchor.FindAllStringSubmatch(page, -1)
	snippets := resultSnippet.FindAllStringSubmatch(page, -1)

	var results []searchResult
	for i, a := range anchors {
		if len(results) >= maxResults {
			break
		}
		href := decodeResultURL(a[1])
		title := cleanText(anyTag.ReplaceAllString(a[2], ""))
		if href == "" || title == "" {
			continue
		}
		snippet := ""
		if i < len(snippets) {
			snippet = cleanText(anyTag.ReplaceAllString(snippets[i][1], ""))
		}
		results = append(results, searchResult{Title: title, URL: href, Snippet: snippet})
	}
	return results
}

// decodeResultURL unwraps the redirect layer DuckDuckGo puts around
// result links (/l/?uddg=<encoded>).
func decodeResultURL(href string) string {
	parsed, err := url.Parse(htmlEntities.Replace(href))
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		return ""
	}
	return parsed.String()
}
