package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fernhq/fern/pkg/fern/config"
	"github.com/fernhq/fern/pkg/fern/retry"
)

func TestNewEmbedderSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      config.EmbeddingConfig
		wantName string
	}{
		{"empty provider", config.EmbeddingConfig{}, "none"},
		{"explicit none", config.EmbeddingConfig{Provider: "none"}, "none"},
		{"openai without key", config.EmbeddingConfig{Provider: "openai"}, "none"},
		{"openai with key", config.EmbeddingConfig{Provider: "openai", APIKey: "sk-x"}, "openai"},
	}
	for _, tt := range tests {
		if got := NewEmbedder(tt.cfg).Name(); got != tt.wantName {
			t.Errorf("%s: NewEmbedder().Name() = %q, want %q", tt.name, got, tt.wantName)
		}
	}
}

func TestNewEmbedderDefaults(t *testing.T) {
	t.Parallel()

	e, ok := NewEmbedder(config.EmbeddingConfig{Provider: "openai", APIKey: "sk-x"}).(*OpenAIEmbedder)
	if !ok {
		t.Fatal("NewEmbedder() did not return an OpenAI embedder")
	}
	if e.model != "text-embedding-3-small" || e.dims != 1536 {
		t.Errorf("defaults = %q / %d", e.model, e.dims)
	}
	if e.baseURL != "https://api.openai.com/v1" {
		t.Errorf("baseURL = %q", e.baseURL)
	}

	custom, _ := NewEmbedder(config.EmbeddingConfig{
		Provider: "openai", APIKey: "sk-x", BaseURL: "http://localhost:8080/v1/",
	}).(*OpenAIEmbedder)
	if custom.baseURL != "http://localhost:8080/v1" {
		t.Errorf("custom baseURL = %q, want trailing slash trimmed", custom.baseURL)
	}
}

func TestNewEmbedderKeyFromEnv(t *testing.T) {
	t.Setenv("FERN_TEST_EMBED_KEY", "sk-from-env")

	e := NewEmbedder(config.EmbeddingConfig{Provider: "openai", APIKeyEnv: "FERN_TEST_EMBED_KEY"})
	if e.Name() != "openai" {
		t.Errorf("NewEmbedder().Name() = %q, want openai", e.Name())
	}
}

func TestOpenAIEmbedderEmbed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/embeddings" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "text-embedding-3-small" || len(req.Input) != 1 || req.Input[0] != "hello world" {
			t.Errorf("request = %+v", req)
		}
		if req.Dimensions != 3 {
			t.Errorf("dimensions = %d, want 3", req.Dimensions)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	e := &OpenAIEmbedder{
		httpc: srv.Client(), baseURL: srv.URL, apiKey: "test-key",
		model: "text-embedding-3-small", dims: 3,
	}
	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("Embed() = %v", vec)
	}
}

func TestOpenAIEmbedderLegacyModelOmitsDimensions(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if _, ok := raw["dimensions"]; ok {
			t.Error("dimensions sent for a model that rejects the parameter")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1, 2}}},
		})
	}))
	defer srv.Close()

	e := &OpenAIEmbedder{
		httpc: srv.Client(), baseURL: srv.URL, apiKey: "k",
		model: "text-embedding-ada-002", dims: 2,
	}
	if _, err := e.Embed(context.Background(), "hi"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
}

func TestOpenAIEmbedderErrors(t *testing.T) {
	t.Parallel()

	t.Run("empty text", func(t *testing.T) {
		t.Parallel()
		e := &OpenAIEmbedder{httpc: http.DefaultClient, baseURL: "http://unused", apiKey: "k", model: "m", dims: 2}
		if _, err := e.Embed(context.Background(), "  "); err == nil {
			t.Error("Embed(blank) error = nil")
		}
	})

	t.Run("server error surfaces status and body", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
		}))
		defer srv.Close()
		e := &OpenAIEmbedder{httpc: srv.Client(), baseURL: srv.URL, apiKey: "k", model: "m", dims: 2}
		_, err := e.Embed(context.Background(), "hi")
		if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
			t.Errorf("Embed() error = %v", err)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"embedding": []float32{1, 2, 3}}},
			})
		}))
		defer srv.Close()
		e := &OpenAIEmbedder{httpc: srv.Client(), baseURL: srv.URL, apiKey: "k", model: "m", dims: 2}
		if _, err := e.Embed(context.Background(), "hi"); err == nil {
			t.Error("Embed() with wrong vector size error = nil")
		}
	})

	t.Run("empty data", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		}))
		defer srv.Close()
		e := &OpenAIEmbedder{httpc: srv.Client(), baseURL: srv.URL, apiKey: "k", model: "m", dims: 2}
		if _, err := e.Embed(context.Background(), "hi"); err == nil {
			t.Error("Embed() with empty data error = nil")
		}
	})
}

func TestOpenAIEmbedderRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.5, 0.5}}},
		})
	}))
	defer srv.Close()

	e := &OpenAIEmbedder{
		httpc:   srv.Client(),
		baseURL: srv.URL,
		apiKey:  "k",
		model:   "m",
		dims:    2,
		retry: retry.Config{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2.0,
		},
	}

	vec, err := e.Embed(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("len(vec) = %d, want 2", len(vec))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestNullEmbedder(t *testing.T) {
	t.Parallel()

	var e Embedder = NullEmbedder{}
	if _, err := e.Embed(context.Background(), "anything"); !errors.Is(err, ErrEmbeddingsDisabled) {
		t.Errorf("Embed() error = %v, want ErrEmbeddingsDisabled", err)
	}
	if e.Name() != "none" || e.Dimensions() != 0 {
		t.Errorf("NullEmbedder identity = %q / %d", e.Name(), e.Dimensions())
	}
}
