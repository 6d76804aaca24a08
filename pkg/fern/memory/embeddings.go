package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fernhq/fern/pkg/fern/config"
	"github.com/fernhq/fern/pkg/fern/retry"
)

// Embedder turns text into a fixed-dimension vector. Implementations
// must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the vector length every successful Embed returns.
	Dimensions() int

	// Name and Model identify the provider for embedding-cache keys, so
	// switching providers never serves stale vectors.
	Name() string
	Model() string
}

// ErrEmbeddingsDisabled is returned by the null embedder. Callers treat
// it as "vector search unavailable" and fall back to keyword-only.
var ErrEmbeddingsDisabled = errors.New("embeddings disabled")

// NewEmbedder builds the embedder selected by cfg. Provider "none" or a
// missing API key yields the null embedder, which degrades retrieval to
// keyword search instead of failing.
func NewEmbedder(cfg config.EmbeddingConfig) Embedder {
	switch cfg.Provider {
	case "", "none":
		return NullEmbedder{}
	}

	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if key == "" {
		return NullEmbedder{}
	}

	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		httpc:   &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  key,
		model:   model,
		dims:    dims,
		retry:   retry.DefaultConfig(),
	}
}

// OpenAIEmbedder calls an OpenAI-compatible POST /embeddings endpoint.
// The base URL is configurable, so any compatible provider works.
type OpenAIEmbedder struct {
	httpc   *http.Client
	baseURL string
	apiKey  string
	model   string
	dims    int
	retry   retry.Config
}

func (e *OpenAIEmbedder) Name() string    { return "openai" }
func (e *OpenAIEmbedder) Model() string   { return e.model }
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("cannot embed empty text")
	}

	reqBody := embedRequest{Model: e.model, Input: []string{text}}
	// Only the v3 embedding models accept a dimensions override; older
	// models reject the parameter.
	if strings.HasPrefix(e.model, "text-embedding-3") {
		reqBody.Dimensions = e.dims
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling embed request: %w", err)
	}

	// Rate limits and transient 5xx responses are retried with backoff;
	// anything else surfaces immediately.
	var vec []float32
	err = retry.Do(ctx, e.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.apiKey)

		resp, err := e.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("calling embeddings endpoint: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("embeddings endpoint: %w", &retry.HTTPError{
				StatusCode: resp.StatusCode,
				RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After")),
				Body:       strings.TrimSpace(string(snippet)),
			})
		}

		var out embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding embed response: %w", err)
		}
		if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
			return errors.New("embeddings endpoint returned no vector")
		}
		vec = out.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(vec) != e.dims {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), e.dims)
	}
	return vec, nil
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NullEmbedder is used when no embedding provider is configured.
type NullEmbedder struct{}

func (NullEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrEmbeddingsDisabled
}
func (NullEmbedder) Dimensions() int { return 0 }
func (NullEmbedder) Name() string    { return "none" }
func (NullEmbedder) Model() string   { return "none" }
