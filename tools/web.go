// Web Tools - fetch pages and search the web
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gliderlab/parley/pkg/config"
)

var webClient = &http.Client{Timeout: 30 * time.Second}

type WebFetchTool struct{}

func (t *WebFetchTool) Name() string {
	return "web_fetch"
}

func (t *WebFetchTool) Description() string {
	return "Fetch a web page and return its text content."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to fetch (http or https)",
			},
			"raw": map[string]interface{}{
				"type":        "boolean",
				"description": "Return raw body without stripping HTML",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rawURL := GetString(args, "url")
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid url: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "parley/1.0")

	resp, err := webClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read failed: %v", err)
	}

	content := string(body)
	if !GetBool(args, "raw") && strings.Contains(resp.Header.Get("Content-Type"), "html") {
		content = StripHTML(content)
	}

	return map[string]interface{}{
		"url":     rawURL,
		"status":  resp.StatusCode,
		"content": Truncate(content, config.MaxWebPageChars),
	}, nil
}

type WebSearchTool struct{}

func (t *WebSearchTool) Name() string {
	return "web_search"
}

func (t *WebSearchTool) Description() string {
	return "Search the web and return result titles and links."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Max results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

var ddgResultRe = regexp.MustCompile(`<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := GetString(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := GetInt(args, "limit")
	if limit <= 0 || limit > 10 {
		limit = 5
	}

	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; parley/1.0)")

	resp, err := webClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}

	matches := ddgResultRe.FindAllStringSubmatch(string(body), limit)
	results := make([]map[string]string, 0, len(matches))
	for _, m := range matches {
		link := m[1]
		// DuckDuckGo wraps links in a redirect
		if u, err := url.Parse(link); err == nil {
			if uddg := u.Query().Get("uddg"); uddg != "" {
				link = uddg
			}
		}
		results = append(results, map[string]string{
			"title": StripHTML(m[2]),
			"url":   link,
		})
	}

	return map[string]interface{}{
		"query":   query,
		"results": results,
	}, nil
}

var (
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	htmlSpaceRe  = regexp.MustCompile(`\n{3,}|[ \t]{2,}`)
)

// StripHTML removes tags and collapses whitespace
func StripHTML(s string) string {
	s = htmlScriptRe.ReplaceAllString(s, " ")
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(s)
	s = htmlSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
