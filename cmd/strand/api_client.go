package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/strand/internal/config"
)

// apiClient talks to a running strand server. Streaming requests disable
// the client timeout; everything else is bounded.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// newRunsClient resolves the server base URL and bearer token for the runs
// commands. An explicit --server wins; otherwise the address comes from the
// config file. The token comes from the config, overridable via
// STRAND_TOKEN for operators who do not keep secrets in local configs.
func newRunsClient(configPath, serverAddr string) (*apiClient, error) {
	token := strings.TrimSpace(os.Getenv("STRAND_TOKEN"))

	baseURL := strings.TrimSpace(serverAddr)
	if baseURL == "" || token == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			if baseURL == "" {
				return nil, fmt.Errorf("no --server given and config unreadable: %w", err)
			}
		} else {
			if baseURL == "" {
				baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
			}
			if token == "" {
				token = cfg.Auth.BearerToken
			}
		}
	}

	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(path, resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(path, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// streamSSE follows an SSE response, invoking emit for each line until the
// [DONE] sentinel or stream end. Keepalive comments are skipped.
func (c *apiClient) streamSSE(ctx context.Context, path string, emit func(line string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	// Streams are open-ended; the context bounds them instead.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(path, resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		emit(line)
		if line == "data: [DONE]" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream %s interrupted: %w", path, err)
	}
	return nil
}

func (c *apiClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkStatus(path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr == nil && len(bytes.TrimSpace(body)) > 0 {
		return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("request %s failed: %s", path, resp.Status)
}
