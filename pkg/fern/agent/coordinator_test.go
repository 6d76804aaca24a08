package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fernhq/fern/pkg/fern/backend"
	"github.com/fernhq/fern/pkg/fern/completion"
	"github.com/fernhq/fern/pkg/fern/ferr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend scripts the backend client surface for coordinator tests.
type fakeBackend struct {
	mu sync.Mutex

	createErr   error
	shareErr    error
	promptErr   error
	toolsErr    error
	lastTextErr error

	tools    []backend.ToolInfo
	lastText string

	createCalls int
	lastTitle   string
	promptReqs  []backend.PromptRequest
	subs        map[string]func(backend.Event)

	// onPrompt emits scripted events after a prompt is accepted, on the
	// caller's goroutine, mimicking a fast SSE stream.
	onPrompt func(sessionID string, emit func(backend.Event))
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		lastText: "hello from fern",
		subs:     make(map[string]func(backend.Event)),
	}
}

func (f *fakeBackend) CreateSession(_ context.Context, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createCalls++
	f.lastTitle = title
	return fmt.Sprintf("sess-%d", f.createCalls), nil
}

func (f *fakeBackend) ShareSession(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shareErr != nil {
		return "", f.shareErr
	}
	return "https://opencode.ai/s/" + sessionID, nil
}

func (f *fakeBackend) ListTools(_ context.Context) ([]backend.ToolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, f.toolsErr
}

func (f *fakeBackend) Prompt(_ context.Context, sessionID string, req backend.PromptRequest) error {
	f.mu.Lock()
	if f.promptErr != nil {
		f.mu.Unlock()
		return f.promptErr
	}
	f.promptReqs = append(f.promptReqs, req)
	hook := f.onPrompt
	fn := f.subs[sessionID]
	f.mu.Unlock()

	if hook != nil {
		hook(sessionID, func(ev backend.Event) {
			if fn != nil {
				fn(ev)
			}
		})
	}
	return nil
}

func (f *fakeBackend) LastAssistantText(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastText, f.lastTextErr
}

func (f *fakeBackend) Subscribe(sessionID string, fn func(backend.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sessionID] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, sessionID)
	}
}

func (f *fakeBackend) prompts() []backend.PromptRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := make([]backend.PromptRequest, len(f.promptReqs))
	copy(reqs, f.promptReqs)
	return reqs
}

// completeAfterPrompt scripts a clean turn: one tool round, then idle.
func completeAfterPrompt(f *fakeBackend) {
	f.onPrompt = func(sessionID string, emit func(backend.Event)) {
		emit(backend.Event{Type: backend.EventToolStart, SessionID: sessionID, Tool: "read"})
		emit(backend.Event{Type: backend.EventToolComplete, SessionID: sessionID, Tool: "read", Message: "file contents"})
		emit(backend.Event{Type: backend.EventSessionIdle, SessionID: sessionID})
	}
}

type fakeRestarter struct{ calls atomic.Int32 }

func (r *fakeRestarter) Restart(context.Context) error {
	r.calls.Add(1)
	return nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	turns [][2]string
}

func (a *fakeArchiver) OnTurnComplete(threadID, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = append(a.turns, [2]string{threadID, sessionID})
}

func (a *fakeArchiver) recorded() [][2]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	turns := make([][2]string, len(a.turns))
	copy(turns, a.turns)
	return turns
}

func testCoordinator(t *testing.T, fb *fakeBackend, budget time.Duration) (*Coordinator, *fakeRestarter, *fakeArchiver) {
	t.Helper()
	restarter := &fakeRestarter{}
	archiver := &fakeArchiver{}
	comp := completion.NewCoordinator(testLogger())
	c := NewCoordinator(Config{MaxTurnDuration: budget}, fb, restarter, archiver, comp, testLogger())
	return c, restarter, archiver
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRunTurnHappyPath(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.tools = []backend.ToolInfo{{ID: "send_message", Description: "Send a message"}}
	completeAfterPrompt(fb)
	c, _, archiver := testCoordinator(t, fb, 2*time.Second)

	res := c.RunTurn(context.Background(), TurnInput{
		ThreadID:      "discord_123",
		Message:       "hi fern",
		Channel:       "discord",
		ChannelUserID: "u1",
	})

	if res.ThreadID != "discord_123" {
		t.Errorf("ThreadID = %q", res.ThreadID)
	}
	if res.Response != "hello from fern" {
		t.Errorf("Response = %q, want %q", res.Response, "hello from fern")
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Tool != "read" || res.ToolCalls[0].Output != "file contents" {
		t.Errorf("ToolCalls = %+v", res.ToolCalls)
	}

	if turns := archiver.recorded(); len(turns) != 1 || turns[0] != [2]string{"discord_123", "sess-1"} {
		t.Errorf("archived turns = %v", turns)
	}

	reqs := fb.prompts()
	if len(reqs) != 1 {
		t.Fatalf("prompts = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Agent != "fern" {
		t.Errorf("Agent = %q, want fern", req.Agent)
	}
	if len(req.Parts) != 1 || req.Parts[0].Text != "hi fern" {
		t.Errorf("Parts = %+v", req.Parts)
	}
	if !strings.Contains(req.System, "send_message") || !strings.Contains(req.System, "discord_123") {
		t.Errorf("System prompt missing tool or thread:\n%s", req.System)
	}

	if fb.lastTitle != "discord: hi fern" {
		t.Errorf("session title = %q", fb.lastTitle)
	}
	sess, ok := c.Sessions().Get("discord_123")
	if !ok || sess.BackendSessionID != "sess-1" || sess.ShareURL == "" {
		t.Errorf("stored session = %+v, ok = %v", sess, ok)
	}
}

func TestRunTurnReusesSession(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	completeAfterPrompt(fb)
	c, _, _ := testCoordinator(t, fb, 2*time.Second)

	for i := 0; i < 2; i++ {
		res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hello", Channel: "sms"})
		if res.Response != "hello from fern" {
			t.Fatalf("turn %d response = %q", i, res.Response)
		}
	}
	if fb.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (session reuse)", fb.createCalls)
	}
}

func TestRunTurnExpiredSessionRecreates(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	completeAfterPrompt(fb)
	c, _, _ := testCoordinator(t, fb, 2*time.Second)

	c.sessions.Put(&ThreadSession{
		ThreadID:         "t1",
		BackendSessionID: "stale-sess",
		CreatedAt:        time.Now().Add(-2 * time.Hour),
	})

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hello"})
	if res.Response != "hello from fern" {
		t.Fatalf("Response = %q", res.Response)
	}
	if fb.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (stale entry replaced)", fb.createCalls)
	}
	sess, ok := c.Sessions().Get("t1")
	if !ok || sess.BackendSessionID != "sess-1" {
		t.Errorf("stored session = %+v, want the fresh one", sess)
	}
}

func TestRunTurnAttachmentsAndAgentType(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	completeAfterPrompt(fb)
	c, _, _ := testCoordinator(t, fb, 2*time.Second)

	c.RunTurn(context.Background(), TurnInput{
		ThreadID: "t1",
		Message:  "what is in this picture?",
		Channel:  "whatsapp",
		Attachments: []Attachment{
			{MIME: "image/jpeg", URL: "data:image/jpeg;base64,abcd", Filename: "photo.jpg"},
			{MIME: "application/pdf", URL: "data:application/pdf;base64,eeee", Filename: "doc.pdf"},
		},
		AgentType: "explore",
	})

	reqs := fb.prompts()
	if len(reqs) != 1 {
		t.Fatalf("prompts = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Agent != "explore" {
		t.Errorf("Agent = %q, want explore", req.Agent)
	}
	if len(req.Parts) != 2 {
		t.Fatalf("Parts = %+v, want text + image", req.Parts)
	}
	if req.Parts[0].Type != "text" || req.Parts[0].Text != "what is in this picture?" {
		t.Errorf("part 0 = %+v", req.Parts[0])
	}
	if req.Parts[1].Type != "file" || req.Parts[1].MIME != "image/jpeg" || req.Parts[1].Filename != "photo.jpg" {
		t.Errorf("part 1 = %+v", req.Parts[1])
	}
}

func TestRunTurnTimeout(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	c, _, archiver := testCoordinator(t, fb, 50*time.Millisecond)

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if !strings.Contains(res.Response, "timed out") {
		t.Errorf("Response = %q, want timeout text", res.Response)
	}
	if len(archiver.recorded()) != 0 {
		t.Error("failed turn must not archive")
	}
}

func TestRunTurnSessionError(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.onPrompt = func(sessionID string, emit func(backend.Event)) {
		emit(backend.Event{Type: backend.EventSessionError, SessionID: sessionID, Message: "provider exploded"})
	}
	c, _, _ := testCoordinator(t, fb, time.Second)

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if res.Response != "I encountered an error: provider exploded" {
		t.Errorf("Response = %q", res.Response)
	}
}

func TestTryTurnSurfacesError(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.onPrompt = func(sessionID string, emit func(backend.Event)) {
		emit(backend.Event{Type: backend.EventSessionError, SessionID: sessionID, Message: "provider exploded"})
	}
	c, _, _ := testCoordinator(t, fb, time.Second)

	res, err := c.TryTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "provider exploded") {
		t.Fatalf("err = %v, want the raw session error", err)
	}
	if res.Response != "" {
		t.Errorf("Response = %q, want empty on error", res.Response)
	}
}

func TestRunTurnStreamEnded(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.onPrompt = func(sessionID string, emit func(backend.Event)) {
		emit(backend.Event{Type: backend.EventSessionError, SessionID: sessionID, Message: backend.StreamEndedMessage})
	}
	c, _, _ := testCoordinator(t, fb, time.Second)

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if res.Response != backend.StreamEndedMessage {
		t.Errorf("Response = %q, want the stream-ended text unwrapped", res.Response)
	}
}

func TestRunTurnShareFailureRestarts(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.shareErr = ferr.BackendUnhealthy("session share failed after retries", errors.New("http 500"))
	c, restarter, _ := testCoordinator(t, fb, time.Second)

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if !strings.Contains(res.Response, "session share failed") {
		t.Errorf("Response = %q", res.Response)
	}

	waitFor(t, func() bool { return restarter.calls.Load() == 1 })

	if c.Sessions().Len() != 0 {
		t.Error("failed session must not be stored")
	}
}

func TestRunTurnCreateFailureNoRestart(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.createErr = errors.New("connect refused")
	c, restarter, _ := testCoordinator(t, fb, time.Second)

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if res.Response != "I encountered an error: connect refused" {
		t.Errorf("Response = %q", res.Response)
	}
	if restarter.calls.Load() != 0 {
		t.Error("create failure must not restart the backend")
	}
}

func TestRunTurnPromptFailure(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.promptErr = errors.New("http 500: overloaded")
	c, _, _ := testCoordinator(t, fb, time.Second)

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if res.Response != "I encountered an error: http 500: overloaded" {
		t.Errorf("Response = %q", res.Response)
	}
}

func TestRunTurnLastTextFailureSkipsArchival(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	completeAfterPrompt(fb)
	fb.lastTextErr = errors.New("fetch failed")
	c, _, archiver := testCoordinator(t, fb, time.Second)

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if res.Response != "I encountered an error: fetch failed" {
		t.Errorf("Response = %q", res.Response)
	}
	if len(res.ToolCalls) != 1 {
		t.Errorf("ToolCalls = %+v, accumulated calls should survive the failure", res.ToolCalls)
	}
	if len(archiver.recorded()) != 0 {
		t.Error("failed turn must not archive")
	}
}

func TestRunTurnToolDiscoveryFailureNonFatal(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	fb.toolsErr = errors.New("tool listing broke")
	completeAfterPrompt(fb)
	c, _, _ := testCoordinator(t, fb, time.Second)

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if res.Response != "hello from fern" {
		t.Errorf("Response = %q, tool discovery failure should not fail the turn", res.Response)
	}
	if reqs := fb.prompts(); !strings.Contains(reqs[0].System, "No tools are registered") {
		t.Errorf("System prompt should fall back to the no-tools line:\n%s", reqs[0].System)
	}
}

func TestRunTurnCrossTalk(t *testing.T) {
	t.Parallel()

	t.Run("foreign idle does not complete the turn", func(t *testing.T) {
		t.Parallel()

		fb := newFakeBackend()
		fb.onPrompt = func(sessionID string, emit func(backend.Event)) {
			emit(backend.Event{Type: backend.EventSessionIdle, SessionID: "sess-other"})
		}
		c, _, _ := testCoordinator(t, fb, 60*time.Millisecond)

		res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
		if !strings.Contains(res.Response, "timed out") {
			t.Errorf("Response = %q, want timeout (foreign idle ignored)", res.Response)
		}
	})

	t.Run("foreign tool calls dropped", func(t *testing.T) {
		t.Parallel()

		fb := newFakeBackend()
		fb.onPrompt = func(sessionID string, emit func(backend.Event)) {
			emit(backend.Event{Type: backend.EventToolComplete, SessionID: "sess-other", Tool: "leak", Message: "secret"})
			emit(backend.Event{Type: backend.EventSessionIdle, SessionID: sessionID})
		}
		c, _, _ := testCoordinator(t, fb, time.Second)

		res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
		if res.Response != "hello from fern" {
			t.Errorf("Response = %q", res.Response)
		}
		if len(res.ToolCalls) != 0 {
			t.Errorf("ToolCalls = %+v, want none", res.ToolCalls)
		}
	})
}

func TestRunTurnEmptyResponse(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	completeAfterPrompt(fb)
	fb.lastText = ""
	c, _, archiver := testCoordinator(t, fb, time.Second)

	res := c.RunTurn(context.Background(), TurnInput{ThreadID: "t1", Message: "hi"})
	if res.Response != "" {
		t.Errorf("Response = %q, want empty", res.Response)
	}
	if len(archiver.recorded()) != 1 {
		t.Error("empty response still archives the turn")
	}
}

func TestSessionTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		channel string
		message string
		want    string
	}{
		{name: "channel and message", channel: "discord", message: "hello world", want: "discord: hello world"},
		{name: "default channel", channel: "", message: "hi", want: "chat: hi"},
		{name: "empty message", channel: "sms", message: "", want: "sms"},
		{name: "whitespace message", channel: "sms", message: "   ", want: "sms"},
		{
			name:    "long message truncated",
			channel: "whatsapp",
			message: strings.Repeat("a", 40),
			want:    "whatsapp: " + strings.Repeat("a", 30),
		},
		{
			name:    "multibyte counted in runes",
			channel: "discord",
			message: strings.Repeat("é", 40),
			want:    "discord: " + strings.Repeat("é", 30),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := sessionTitle(tt.channel, tt.message); got != tt.want {
				t.Errorf("sessionTitle(%q, %q) = %q, want %q", tt.channel, tt.message, got, tt.want)
			}
		})
	}
}

func TestBuildParts(t *testing.T) {
	t.Parallel()

	atts := []Attachment{
		{MIME: "image/png", URL: "data:image/png;base64,aaaa", Filename: "a.png"},
		{MIME: "application/zip", URL: "data:application/zip;base64,bbbb", Filename: "b.zip"},
	}

	tests := []struct {
		name        string
		message     string
		attachments []Attachment
		wantTypes   []string
	}{
		{name: "text only", message: "hi", wantTypes: []string{"text"}},
		{name: "text before image", message: "hi", attachments: atts, wantTypes: []string{"text", "file"}},
		{name: "image only", message: "", attachments: atts, wantTypes: []string{"file"}},
		{name: "nothing", message: "", wantTypes: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			parts := buildParts(tt.message, tt.attachments)
			if len(parts) != len(tt.wantTypes) {
				t.Fatalf("parts = %+v, want types %v", parts, tt.wantTypes)
			}
			for i, want := range tt.wantTypes {
				if parts[i].Type != want {
					t.Errorf("part %d type = %q, want %q", i, parts[i].Type, want)
				}
			}
		})
	}
}

func TestAgentName(t *testing.T) {
	t.Parallel()

	if got := agentName(""); got != "fern" {
		t.Errorf("agentName(\"\") = %q, want fern", got)
	}
	if got := agentName("research"); got != "research" {
		t.Errorf("agentName(research) = %q", got)
	}
}
