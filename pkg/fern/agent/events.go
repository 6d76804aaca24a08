package agent

import (
	"sync"

	"github.com/fernhq/fern/pkg/fern/backend"
)

// ToolCall records one tool invocation observed during a turn. The event
// stream does not carry tool inputs, so Input is always empty.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output"`
}

// turnTracker accumulates what one turn's event stream reports: completed
// tool calls for the result payload and an activity flag for diagnostics.
// A fresh tracker per turn means nothing leaks between prompts. Callbacks
// arrive on the SSE consumer goroutine.
type turnTracker struct {
	mu        sync.Mutex
	sessionID string
	active    bool
	calls     []ToolCall
}

func newTurnTracker(sessionID string) *turnTracker {
	return &turnTracker{sessionID: sessionID}
}

// observe records one backend event. Events scoped to another session are
// dropped; concurrent turns must not see each other's tool traffic.
func (t *turnTracker) observe(ev backend.Event) {
	if ev.SessionID != t.sessionID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case backend.EventToolStart, backend.EventToolError, backend.EventText, backend.EventThinking:
		t.active = true
	case backend.EventToolComplete:
		t.active = true
		t.calls = append(t.calls, ToolCall{
			Tool:   ev.Tool,
			Input:  map[string]any{},
			Output: ev.Message,
		})
	}
}

// toolCalls returns a copy of the accumulated calls.
func (t *turnTracker) toolCalls() []ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := make([]ToolCall, len(t.calls))
	copy(calls, t.calls)
	return calls
}

// sawActivity reports whether the turn produced any tool or text events.
func (t *turnTracker) sawActivity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
