// Package agent implements the session coordinator. One inbound message
// becomes one backend turn: resolve the thread's session, subscribe to
// the event stream, submit the prompt, wait for the idle signal, and
// read the response. Concurrent turns are demultiplexed by backend
// session id. RunTurn never fails; the transport always has something
// to deliver.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fernhq/fern/pkg/fern/backend"
	"github.com/fernhq/fern/pkg/fern/completion"
	"github.com/fernhq/fern/pkg/fern/ferr"
)

const (
	defaultTurnBudget = 10 * time.Minute

	// titleSnippetLen bounds how much of the message goes into the
	// session title.
	titleSnippetLen = 30

	// restartTimeout bounds the background restart triggered by a share
	// failure.
	restartTimeout = 60 * time.Second

	// defaultAgent is the backend agent profile used when the caller does
	// not pick one.
	defaultAgent = "fern"
)

// TurnInput is one inbound message bound for the agent.
type TurnInput struct {
	ThreadID      string       `json:"threadId"`
	Message       string       `json:"message"`
	Channel       string       `json:"channel,omitempty"`
	ChannelUserID string       `json:"channelUserId,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	AgentType     string       `json:"agentType,omitempty"`
}

// Attachment is an inbound file reference. Only images survive into the
// prompt; other kinds are dropped at this layer.
type Attachment struct {
	MIME     string `json:"mimeType"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// TurnResult is what a turn produces. Response is always deliverable
// text, even when the turn failed internally.
type TurnResult struct {
	ThreadID  string     `json:"threadId"`
	Response  string     `json:"response"`
	ToolCalls []ToolCall `json:"toolCalls"`
}

// Backend is the slice of the backend client the coordinator needs.
type Backend interface {
	CreateSession(ctx context.Context, title string) (string, error)
	ShareSession(ctx context.Context, sessionID string) (string, error)
	ListTools(ctx context.Context) ([]backend.ToolInfo, error)
	Prompt(ctx context.Context, sessionID string, req backend.PromptRequest) error
	LastAssistantText(ctx context.Context, sessionID string) (string, error)
	Subscribe(sessionID string, fn func(backend.Event)) func()
}

// Restarter bounces the backend server when it is wedged.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Archiver receives completed turns for background memory archival.
type Archiver interface {
	OnTurnComplete(threadID, sessionID string)
}

// Config bounds a turn.
type Config struct {
	// MaxTurnDuration is the hard deadline from prompt submission to the
	// session going idle.
	MaxTurnDuration time.Duration
}

// Coordinator runs turns against the LLM backend and owns the glue
// between sessions, events, completion signals, and memory.
type Coordinator struct {
	cfg        Config
	backend    Backend
	restarter  Restarter
	archiver   Archiver
	completion *completion.Coordinator
	sessions   *Sessions
	logger     *slog.Logger
}

// NewCoordinator wires a coordinator. restarter and archiver may be nil
// when there is no server process to bounce or no memory layer.
func NewCoordinator(cfg Config, b Backend, restarter Restarter, archiver Archiver, comp *completion.Coordinator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTurnDuration <= 0 {
		cfg.MaxTurnDuration = defaultTurnBudget
	}
	return &Coordinator{
		cfg:        cfg,
		backend:    b,
		restarter:  restarter,
		archiver:   archiver,
		completion: comp,
		sessions:   NewSessions(logger),
		logger:     logger.With("component", "agent"),
	}
}

// Sessions exposes the thread-session registry for health reporting and
// maintenance sweeps.
func (c *Coordinator) Sessions() *Sessions { return c.sessions }

// RunTurn executes one turn. It never returns an error: every failure
// becomes a human-readable Response so the transport can always deliver
// something to the user.
func (c *Coordinator) RunTurn(ctx context.Context, input TurnInput) TurnResult {
	result, err := c.TryTurn(ctx, input)
	if err != nil {
		result.Response = c.failureResponse(err)
	}
	return result
}

// TryTurn executes one turn and surfaces the internal error to the
// caller. Background consumers that record failures as data (subagent
// tasks, scheduled jobs) use this; transports use RunTurn.
func (c *Coordinator) TryTurn(ctx context.Context, input TurnInput) (TurnResult, error) {
	start := time.Now()
	c.logger.Info("turn started", "thread", input.ThreadID, "channel", input.Channel)

	result, err := c.runTurn(ctx, input)

	c.logger.Info("turn finished",
		"thread", input.ThreadID,
		"tools", len(result.ToolCalls),
		"response_len", len(result.Response),
		"ok", err == nil,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return result, err
}

func (c *Coordinator) runTurn(ctx context.Context, input TurnInput) (TurnResult, error) {
	result := TurnResult{ThreadID: input.ThreadID}

	sess, err := c.resolveSession(ctx, input)
	if err != nil {
		c.logger.Error("session resolution failed", "thread", input.ThreadID, "error", err)
		return result, err
	}
	sessionID := sess.BackendSessionID

	tools, err := c.backend.ListTools(ctx)
	if err != nil {
		// A turn without a tool list still works; the prompt just names none.
		c.logger.Warn("tool discovery failed", "error", err)
	}
	system := buildSystemPrompt(tools, input.Channel, input.ChannelUserID, input.ThreadID)

	// Subscribe and register the waiter before the prompt goes out, or a
	// fast idle event could slip past.
	tracker := newTurnTracker(sessionID)
	unsubscribe := c.backend.Subscribe(sessionID, func(ev backend.Event) {
		tracker.observe(ev)
		if ev.SessionID != sessionID {
			return
		}
		switch ev.Type {
		case backend.EventSessionIdle:
			c.completion.SignalComplete(sessionID)
		case backend.EventSessionError:
			msg := ev.Message
			if msg == "" {
				msg = "session error"
			}
			c.completion.SignalError(sessionID, errors.New(msg))
		}
	})
	defer unsubscribe()

	waiter := c.completion.Register(sessionID)

	req := backend.PromptRequest{
		System: system,
		Agent:  agentName(input.AgentType),
		Parts:  buildParts(input.Message, input.Attachments),
	}
	if err := c.backend.Prompt(ctx, sessionID, req); err != nil {
		waiter.Cancel()
		c.logger.Error("prompt submission failed", "thread", input.ThreadID, "session", sessionID, "error", err)
		return result, err
	}

	if err := waiter.Wait(ctx, c.cfg.MaxTurnDuration); err != nil {
		c.logger.Warn("turn did not complete",
			"thread", input.ThreadID,
			"session", sessionID,
			"activity", tracker.sawActivity(),
			"error", err,
		)
		result.ToolCalls = tracker.toolCalls()
		return result, err
	}

	response, err := c.backend.LastAssistantText(ctx, sessionID)
	if err != nil {
		c.logger.Error("fetching assistant text failed", "session", sessionID, "error", err)
		result.ToolCalls = tracker.toolCalls()
		return result, err
	}

	if c.archiver != nil {
		c.archiver.OnTurnComplete(input.ThreadID, sessionID)
	}

	result.Response = response
	result.ToolCalls = tracker.toolCalls()
	return result, nil
}

// resolveSession reuses the thread's live backend session or creates and
// shares a new one. A share failure means the server is wedged: the turn
// aborts and the server restarts in the background.
func (c *Coordinator) resolveSession(ctx context.Context, input TurnInput) (*ThreadSession, error) {
	if sess, ok := c.sessions.Get(input.ThreadID); ok {
		return sess, nil
	}

	sessionID, err := c.backend.CreateSession(ctx, sessionTitle(input.Channel, input.Message))
	if err != nil {
		return nil, err
	}

	shareURL, err := c.backend.ShareSession(ctx, sessionID)
	if err != nil {
		c.requestRestart()
		return nil, err
	}

	sess := &ThreadSession{
		ThreadID:         input.ThreadID,
		BackendSessionID: sessionID,
		ShareURL:         shareURL,
		CreatedAt:        time.Now(),
	}
	c.sessions.Put(sess)
	c.logger.Info("session created", "thread", input.ThreadID, "session", sessionID)
	return sess, nil
}

// requestRestart bounces the backend server without blocking the turn.
func (c *Coordinator) requestRestart() {
	if c.restarter == nil {
		return
	}
	c.logger.Warn("requesting backend restart")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		if err := c.restarter.Restart(ctx); err != nil {
			c.logger.Error("backend restart failed", "error", err)
		}
	}()
}

// failureResponse converts an internal turn error into the text the user
// receives.
func (c *Coordinator) failureResponse(err error) string {
	switch {
	case ferr.Is(err, ferr.KindTimeout):
		return fmt.Sprintf("OpenCode prompt timed out after %s. The backend may still be working; please try again.", c.cfg.MaxTurnDuration)
	case err.Error() == backend.StreamEndedMessage:
		return backend.StreamEndedMessage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request was cancelled before a response arrived."
	default:
		var fe *ferr.Error
		if errors.As(err, &fe) {
			return "I encountered an error: " + fe.Message
		}
		return "I encountered an error: " + err.Error()
	}
}

// sessionTitle derives the backend session title: the channel plus the
// first 30 characters of the message.
func sessionTitle(channel, message string) string {
	if channel == "" {
		channel = "chat"
	}
	snippet := strings.TrimSpace(message)
	if runes := []rune(snippet); len(runes) > titleSnippetLen {
		snippet = string(runes[:titleSnippetLen])
	}
	if snippet == "" {
		return channel
	}
	return channel + ": " + snippet
}

// buildParts assembles the outgoing prompt parts: message text first,
// then one file part per image attachment.
func buildParts(message string, attachments []Attachment) []backend.PartInput {
	var parts []backend.PartInput
	if message != "" {
		parts = append(parts, backend.TextPart(message))
	}
	for _, att := range attachments {
		if !strings.HasPrefix(att.MIME, "image/") {
			continue
		}
		parts = append(parts, backend.FilePart(att.MIME, att.URL, att.Filename))
	}
	return parts
}

func agentName(requested string) string {
	if requested == "" {
		return defaultAgent
	}
	return requested
}

// Compile-time checks that the real backend satisfies the local slices.
var (
	_ Backend   = (*backend.Client)(nil)
	_ Restarter = (*backend.Server)(nil)
)
