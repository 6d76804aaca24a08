package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fernhq/fern/pkg/fern/ferr"
)

const (
	// shareRetries bounds how long session creation may stall on an
	// unhealthy server before the caller restarts it.
	shareRetries = 10

	// Tool registration inside the server is asynchronous; discovery
	// needs a short retry window after startup.
	toolRetries = 10
)

var (
	shareRetryDelay = time.Second
	toolRetryDelay  = 300 * time.Millisecond
)

// Client speaks the OpenCode REST + SSE protocol against one server.
type Client struct {
	baseURL  string
	password string
	http     *http.Client
	// Prompts run for minutes; they get a client without the default
	// request timeout and rely on ctx for cancellation.
	promptHTTP *http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	subs         map[string][]*subscriber
	nextSubID    int
	streamActive bool
	streamCancel context.CancelFunc
	closed       bool
}

// NewClient creates a client for the server at baseURL. The password is
// the server credential handed to the subprocess at launch; empty
// disables auth.
func NewClient(baseURL, password string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		password:   password,
		http:       &http.Client{Timeout: 30 * time.Second},
		promptHTTP: &http.Client{},
		logger:     logger.With("component", "backend"),
		subs:       make(map[string][]*subscriber),
	}
}

// BaseURL returns the server address this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) doJSON(ctx context.Context, client *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.password != "" {
		req.SetBasicAuth("opencode", c.password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// Health checks GET /global/health once.
func (c *Client) Health(ctx context.Context) error {
	var health healthResponse
	if err := c.doJSON(ctx, c.http, http.MethodGet, "/global/health", nil, &health); err != nil {
		return err
	}
	if !health.Healthy {
		return ferr.BackendUnhealthy(fmt.Sprintf("server reports unhealthy (version %s)", health.Version), nil)
	}
	return nil
}

// WaitForHealth polls the health endpoint until the server answers healthy
// or the deadline passes.
func (c *Client) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = c.Health(ctx); lastErr == nil {
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}
	return ferr.BackendUnhealthy("health check timed out", lastErr)
}

// CreateSession creates a fresh session with the given title.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	var session sessionResponse
	req := map[string]string{"title": title}
	if err := c.doJSON(ctx, c.http, http.MethodPost, "/session", req, &session); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	if session.ID == "" {
		return "", fmt.Errorf("creating session: server returned empty id")
	}
	return session.ID, nil
}

// ShareSession obtains the public share URL for a session, retrying on
// failure. An exhausted retry budget means the server is wedged and the
// caller should restart it.
func (c *Client) ShareSession(ctx context.Context, sessionID string) (string, error) {
	path := fmt.Sprintf("/session/%s/share", sessionID)
	var lastErr error

	for attempt := 1; attempt <= shareRetries; attempt++ {
		var share shareResponse
		lastErr = c.doJSON(ctx, c.http, http.MethodPost, path, struct{}{}, &share)
		if lastErr == nil && share.Share.URL != "" {
			return share.Share.URL, nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("share response had no url")
		}
		c.logger.Warn("session share failed",
			"session", sessionID,
			"attempt", attempt,
			"error", lastErr,
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(shareRetryDelay):
		}
	}
	return "", ferr.BackendUnhealthy("session share failed after retries", lastErr)
}

// Prompt submits the message parts to a session. The returned error covers
// submission only; completion arrives via the event stream.
func (c *Client) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	path := fmt.Sprintf("/session/%s/message", sessionID)
	if err := c.doJSON(ctx, c.promptHTTP, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("sending prompt: %w", err)
	}
	return nil
}

// Messages returns the full message history of a session.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	path := fmt.Sprintf("/session/%s/message", sessionID)
	var msgs []Message
	if err := c.doJSON(ctx, c.http, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	return msgs, nil
}

// LastAssistantText returns the text of the most recent assistant message,
// or "" when the session has none.
func (c *Client) LastAssistantText(ctx context.Context, sessionID string) (string, error) {
	msgs, err := c.Messages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Info.Role != "assistant" {
			continue
		}
		var sb strings.Builder
		for _, part := range msgs[i].Parts {
			if part.Type == partTypeText && part.Text != "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(part.Text)
			}
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}
	return "", nil
}

// DeleteSession removes a session and its history.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/session/%s", sessionID)
	if err := c.doJSON(ctx, c.http, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListTools returns the tools currently registered with the server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var tools []ToolInfo
	if err := c.doJSON(ctx, c.http, http.MethodGet, "/tool", nil, &tools); err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return tools, nil
}

// VerifyTools waits until every expected tool is discoverable. With no
// expectations it waits for any tool at all.
func (c *Client) VerifyTools(ctx context.Context, expected []string) error {
	var lastErr error

	for attempt := 1; attempt <= toolRetries; attempt++ {
		tools, err := c.ListTools(ctx)
		switch {
		case err != nil:
			lastErr = err
		case len(tools) == 0:
			lastErr = fmt.Errorf("no tools registered yet")
		default:
			missing := missingTools(tools, expected)
			if len(missing) == 0 {
				return nil
			}
			lastErr = fmt.Errorf("tools not registered yet: %v", missing)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(toolRetryDelay):
		}
	}
	return ferr.BackendUnhealthy("tool discovery failed", lastErr)
}

func missingTools(tools []ToolInfo, expected []string) []string {
	have := make(map[string]bool, len(tools))
	for _, t := range tools {
		have[t.ID] = true
	}
	var missing []string
	for _, name := range expected {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// Close cancels the event stream and rejects further subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	c.streamActive = false
}
