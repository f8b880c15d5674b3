package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultFetchMaxBytes  = 256 * 1024
	defaultSearchResults  = 5
	webToolRequestTimeout = 30 * time.Second
)

// WebOptions configures the web built-in.
type WebOptions struct {
	FetchMaxBytes   int
	SearchBaseURL   string
	SearchAuthID    string
	SearchMaxHits   int
	ResolveBearer   func(ctx context.Context, authProfileID string) (string, error)
}

// NewWebTool fetches URLs with a byte cap and queries an external search
// API. No workspace paths are involved.
func NewWebTool(opts WebOptions) *Definition {
	if opts.FetchMaxBytes <= 0 {
		opts.FetchMaxBytes = defaultFetchMaxBytes
	}
	if opts.SearchMaxHits <= 0 {
		opts.SearchMaxHits = defaultSearchResults
	}
	client := &http.Client{Timeout: webToolRequestTimeout}

	return &Definition{
		Name:        "web",
		Description: "Fetch a URL (byte-capped) or run a web search.",
		Parameters: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"action"},
			"properties": map[string]interface{}{
				"action":   map[string]interface{}{"type": "string", "enum": []interface{}{"fetch", "search"}},
				"url":      map[string]interface{}{"type": "string"},
				"query":    map[string]interface{}{"type": "string"},
				"maxBytes": map[string]interface{}{"type": "integer", "minimum": 1},
			},
		},
		Execute: func(ctx context.Context, input map[string]interface{}, _ *Context) (interface{}, error) {
			switch action, _ := input["action"].(string); action {
			case "fetch":
				target, _ := input["url"].(string)
				return webFetch(ctx, client, target, intArg(input, "maxBytes", opts.FetchMaxBytes))
			case "search":
				query, _ := input["query"].(string)
				return webSearch(ctx, client, opts, query)
			default:
				return nil, fmt.Errorf("unknown web action %q", action)
			}
		},
	}
}

func webFetch(ctx context.Context, client *http.Client, target string, maxBytes int) (interface{}, error) {
	if target == "" {
		return nil, fmt.Errorf("fetch requires a url")
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("fetch requires an http(s) url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, err
	}
	truncated := false
	if len(body) > maxBytes {
		body = body[:maxBytes]
		truncated = true
	}
	return map[string]interface{}{
		"url":         target,
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
		"body":        string(body),
		"truncated":   truncated,
	}, nil
}

func webSearch(ctx context.Context, client *http.Client, opts WebOptions, query string) (interface{}, error) {
	if query == "" {
		return nil, fmt.Errorf("search requires a query")
	}
	if opts.SearchBaseURL == "" {
		return nil, fmt.Errorf("web search is not configured")
	}
	u, err := url.Parse(opts.SearchBaseURL)
	if err != nil {
		return nil, fmt.Errorf("search base url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", opts.SearchMaxHits))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if opts.SearchAuthID != "" && opts.ResolveBearer != nil {
		token, err := opts.ResolveBearer(ctx, opts.SearchAuthID)
		if err != nil {
			return nil, fmt.Errorf("search auth: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("search api status %d: %s", resp.StatusCode, string(body))
	}
	var payload interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("search api decode: %w", err)
	}
	return map[string]interface{}{"query": query, "results": payload}, nil
}
