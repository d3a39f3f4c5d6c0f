package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/strand/internal/agent"
)

const defaultMaxFetchBytes = 1 << 20

// HTTPFetchTool performs plain GET requests with a response size cap. No
// rendering, no redirect chasing beyond the client default.
type HTTPFetchTool struct {
	client   *http.Client
	maxBytes int64
}

type httpFetchArgs struct {
	URL      string `json:"url" jsonschema:"required,description=URL to fetch. Only http and https are allowed."`
	MaxBytes int64  `json:"max_bytes" jsonschema:"description=Maximum response bytes to return.,minimum=0"`
}

// NewHTTPFetchTool creates the http_fetch tool.
func NewHTTPFetchTool(cfg Config) *HTTPFetchTool {
	limit := cfg.MaxFetchBytes
	if limit <= 0 {
		limit = defaultMaxFetchBytes
	}
	return &HTTPFetchTool{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: limit,
	}
}

func (t *HTTPFetchTool) Name() string {
	return "http_fetch"
}

func (t *HTTPFetchTool) Description() string {
	return "Fetch a URL with a plain GET request and return the response body, capped in size."
}

func (t *HTTPFetchTool) Schema() json.RawMessage {
	return reflectSchema(&httpFetchArgs{})
}

func (t *HTTPFetchTool) Kind() agent.ToolKind {
	return agent.ToolKindFetch
}

func (t *HTTPFetchTool) SideEffect() agent.SideEffect {
	return agent.SideEffectNetwork
}

func (t *HTTPFetchTool) ReturnCharLimit() int {
	return 0
}

func (t *HTTPFetchTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolResult, error) {
	var args httpFetchArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return agent.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(args.URL) == "" {
		return agent.ErrorResult("url is required"), nil
	}

	parsed, err := url.Parse(args.URL)
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("invalid url: %v", err)), nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return agent.ErrorResult(fmt.Sprintf("unsupported scheme %q; only http and https are allowed", parsed.Scheme)), nil
	}

	limit := t.maxBytes
	if args.MaxBytes > 0 && args.MaxBytes < limit {
		limit = args.MaxBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("build request: %v", err)), nil
	}
	req.Header.Set("User-Agent", "strand-http-fetch/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("fetch failed: %v", err)), nil
	}
	defer resp.Body.Close()

	// Read one byte past the cap to learn whether the body was truncated.
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("read response: %v", err)), nil
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}

	payload, err := json.MarshalIndent(map[string]any{
		"url":          args.URL,
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"bytes":        len(body),
		"truncated":    truncated,
		"body":         string(body),
	}, "", "  ")
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}

	result := agent.TextResult(string(payload))
	result.IsError = resp.StatusCode >= 400
	return result, nil
}
