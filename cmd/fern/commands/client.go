package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fernhq/fern/pkg/fern/config"
)

const (
	// controlTimeout bounds quick control-plane calls.
	controlTimeout = 30 * time.Second

	// chatTimeout bounds a synchronous chat turn, which can run tools
	// for minutes before the reply exists.
	chatTimeout = 15 * time.Minute
)

// daemonClient talks to a running fern daemon over the local HTTP API.
type daemonClient struct {
	baseURL string
	secret  string
	httpc   *http.Client
}

// newDaemonClient builds a client from the effective config. The API
// secret comes from config or environment; when neither has it and
// FERN_VAULT_PASSWORD is set, the vault is consulted without prompting.
func newDaemonClient(cmd *cobra.Command) (*daemonClient, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	secret := cfg.API.Secret
	if secret == "" {
		if pass := os.Getenv("FERN_VAULT_PASSWORD"); pass != "" {
			vault := config.NewVault(cfg.VaultPath())
			if vault.Exists() && vault.Unlock(pass) == nil {
				if val, err := vault.Get("FERN_API_SECRET"); err == nil {
					secret = val
				}
				vault.Lock()
			}
		}
	}

	return &daemonClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Port),
		secret:  secret,
		httpc:   &http.Client{},
	}, nil
}

// do sends one JSON request and decodes the JSON response into out when
// out is non-nil. Error payloads from the daemon surface as their message.
func (c *daemonClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("X-Fern-Secret", c.secret)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("reaching the daemon at %s (start it with `fern serve`): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error.Message, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// truncate shortens s to max runes for single-line display.
func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
