// Package gateway serves Fern's HTTP surface: the internal API used by
// the agent's own tools, the chat endpoint, and inbound transport
// webhooks. Everything binds to localhost; callers authenticate with a
// shared secret header.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fernhq/fern/pkg/fern/agent"
	"github.com/fernhq/fern/pkg/fern/channels"
	"github.com/fernhq/fern/pkg/fern/channels/twilio"
	"github.com/fernhq/fern/pkg/fern/ferr"
	"github.com/fernhq/fern/pkg/fern/memory"
	"github.com/fernhq/fern/pkg/fern/scheduler"
	"github.com/fernhq/fern/pkg/fern/store"
	"github.com/fernhq/fern/pkg/fern/subagent"
)

const (
	defaultAddr = "127.0.0.1:4000"

	// maxBodyBytes caps request bodies so a bad caller cannot balloon
	// memory.
	maxBodyBytes = 2 * 1024 * 1024

	// secretHeader guards /api and /internal routes.
	secretHeader = "X-Fern-Secret"
)

// Config holds the gateway's listen address and auth material.
type Config struct {
	// Addr is the listen address. Defaults to localhost:4000.
	Addr string

	// Secret is compared against the X-Fern-Secret header. Empty
	// disables auth for local development.
	Secret string

	// WebhookPublicURL is the externally visible base URL. When set,
	// webhook signatures are verified against it.
	WebhookPublicURL string

	// TwilioAuthToken signs Twilio webhook payloads.
	TwilioAuthToken string
}

// Agent runs turns for the chat endpoint.
type Agent interface {
	RunTurn(ctx context.Context, input agent.TurnInput) agent.TurnResult
	Sessions() *agent.Sessions
}

// Subagents is the slice of the subagent manager the gateway exposes.
type Subagents interface {
	Spawn(ctx context.Context, req subagent.SpawnRequest) (*store.SubagentTask, error)
	Get(ctx context.Context, id string, wait bool, timeout time.Duration) (*store.SubagentTask, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Jobs is the slice of the scheduler the gateway exposes.
type Jobs interface {
	Create(ctx context.Context, req scheduler.CreateRequest) (*store.Job, error)
	Get(ctx context.Context, id string) (*store.Job, error)
	List(ctx context.Context, status store.JobStatus, limit int) ([]*store.Job, error)
	Cancel(ctx context.Context, id string) error
}

// MemoryStore is the slice of the memory layer the gateway exposes.
type MemoryStore interface {
	WriteMemory(ctx context.Context, typ, content string, tags []string) (*memory.Memory, error)
	Search(ctx context.Context, query, threadID string, limit int) ([]memory.SearchResult, error)
	GetChunk(ctx context.Context, threadID, chunkID string) (*memory.Chunk, error)
	DeleteMemory(ctx context.Context, id string) (bool, error)
}

// TaskStore persists the agent-visible checklist.
type TaskStore interface {
	CreateTodo(ctx context.Context, t *store.TodoTask) error
	ListTodos(ctx context.Context, threadID string) ([]*store.TodoTask, error)
	UpdateTodo(ctx context.Context, id string, upd store.TodoUpdate) (*store.TodoTask, error)
	NextTodo(ctx context.Context, threadID string) (*store.TodoTask, error)
	NextSortOrder(ctx context.Context, threadID string) (int, error)
}

// Sender delivers outbound messages through the channel dispatcher.
type Sender interface {
	Send(ctx context.Context, channel, to, content string) error
}

// Inbound is implemented by adapters that accept webhook-delivered
// messages into their receive queue.
type Inbound interface {
	Deliver(msg *channels.IncomingMessage)
}

// Deps carries everything the gateway routes to. Memory may be nil when
// the memory system is disabled; Registry may be nil when no channels
// are connected.
type Deps struct {
	Agent     Agent
	Subagents Subagents
	Jobs      Jobs
	Memory    MemoryStore
	Tasks     TaskStore
	Sender    Sender
	Registry  *channels.Registry
}

// Gateway is the HTTP server.
type Gateway struct {
	cfg       Config
	deps      Deps
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New wires a gateway.
func New(cfg Config, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	return &Gateway{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "gateway"),
	}
}

// Handler builds the route table. Exposed so tests can drive the
// gateway through httptest without a listener.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/chat", g.handleChat)

	mux.HandleFunc("/internal/memory/write", g.handleMemoryWrite)
	mux.HandleFunc("/internal/memory/search", g.handleMemorySearch)
	mux.HandleFunc("/internal/memory/read", g.handleMemoryRead)
	mux.HandleFunc("/internal/memory/delete/", g.handleMemoryDelete)

	mux.HandleFunc("/internal/scheduler/create", g.handleJobCreate)
	mux.HandleFunc("/internal/scheduler/list", g.handleJobList)
	mux.HandleFunc("/internal/scheduler/get/", g.handleJobGet)
	mux.HandleFunc("/internal/scheduler/cancel/", g.handleJobCancel)

	mux.HandleFunc("/internal/subagent/spawn", g.handleSubagentSpawn)
	mux.HandleFunc("/internal/subagent/get/", g.handleSubagentGet)
	mux.HandleFunc("/internal/subagent/cancel/", g.handleSubagentCancel)

	mux.HandleFunc("/internal/channel/send", g.handleChannelSend)

	mux.HandleFunc("/internal/tasks/create", g.handleTaskCreate)
	mux.HandleFunc("/internal/tasks/list", g.handleTaskList)
	mux.HandleFunc("/internal/tasks/update/", g.handleTaskUpdate)
	mux.HandleFunc("/internal/tasks/next", g.handleTaskNext)

	mux.HandleFunc("/webhook/twilio", g.handleTwilioWebhook)

	return g.securityHeaders(g.auth(mux))
}

// Start launches the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.cfg.Addr, "auth", g.cfg.Secret != "")
	return nil
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}

// auth requires the shared secret on every route except /health and the
// transport webhooks, which authenticate by signature instead.
func (g *Gateway) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		path := r.URL.Path
		if path == "/health" || strings.HasPrefix(path, "/webhook/") {
			next.ServeHTTP(w, r)
			return
		}
		if !compareSecrets(r.Header.Get(secretHeader), g.cfg.Secret) {
			g.writeError(w, http.StatusUnauthorized, "invalid or missing "+secretHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// compareSecrets hashes both inputs before the constant-time compare so
// length differences leak nothing.
func compareSecrets(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// errorResponse is the error body on every non-chat route.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) writeError(w http.ResponseWriter, code int, msg string) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

// writeFerr maps a classified error to its HTTP status. Unclassified
// errors are logged and collapse to a generic 500.
func (g *Gateway) writeFerr(w http.ResponseWriter, r *http.Request, err error) {
	status := ferr.HTTPStatus(err)
	if status >= 500 {
		g.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	g.writeError(w, status, ferr.UserMessage(err))
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return ferr.Validation("invalid request body: %v", err)
	}
	return nil
}

// pathID extracts the trailing id from a prefixed route.
func pathID(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

// Compile-time checks that the real components satisfy the gateway's
// seams.
var (
	_ Agent       = (*agent.Coordinator)(nil)
	_ Subagents   = (*subagent.Manager)(nil)
	_ Jobs        = (*scheduler.Scheduler)(nil)
	_ MemoryStore = (*memory.Store)(nil)
	_ TaskStore   = (*store.Store)(nil)
	_ Sender      = (*channels.Dispatcher)(nil)
	_ Inbound     = (*twilio.Twilio)(nil)
)
