package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestTranslateEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Event
		drop bool
	}{
		{
			name: "session idle",
			raw:  `{"type":"session.idle","properties":{"sessionID":"ses_1"}}`,
			want: Event{Type: EventSessionIdle, SessionID: "ses_1"},
		},
		{
			name: "session error with message",
			raw:  `{"type":"session.error","properties":{"sessionID":"ses_1","error":{"name":"UnknownError","data":{"message":"context window exceeded"}}}}`,
			want: Event{Type: EventSessionError, SessionID: "ses_1", Message: "context window exceeded"},
		},
		{
			name: "session error name only",
			raw:  `{"type":"session.error","properties":{"sessionID":"ses_1","error":{"name":"ProviderAuthError","data":{}}}}`,
			want: Event{Type: EventSessionError, SessionID: "ses_1", Message: "ProviderAuthError"},
		},
		{
			name: "text part",
			raw:  `{"type":"message.part.updated","properties":{"part":{"id":"p1","type":"text","sessionID":"ses_1","text":"hello"}}}`,
			want: Event{Type: EventText, SessionID: "ses_1", Message: "hello"},
		},
		{
			name: "reasoning part",
			raw:  `{"type":"message.part.updated","properties":{"part":{"id":"p1","type":"reasoning","sessionID":"ses_1","text":"hmm"}}}`,
			want: Event{Type: EventThinking, SessionID: "ses_1", Message: "hmm"},
		},
		{
			name: "tool running",
			raw:  `{"type":"message.part.updated","properties":{"part":{"id":"p1","type":"tool","sessionID":"ses_1","tool":"bash","state":{"status":"running"}}}}`,
			want: Event{Type: EventToolStart, SessionID: "ses_1", Tool: "bash"},
		},
		{
			name: "tool completed",
			raw:  `{"type":"message.part.updated","properties":{"part":{"id":"p1","type":"tool","sessionID":"ses_1","tool":"bash","state":{"status":"completed","output":"ok"}}}}`,
			want: Event{Type: EventToolComplete, SessionID: "ses_1", Tool: "bash", Message: "ok"},
		},
		{
			name: "tool error",
			raw:  `{"type":"message.part.updated","properties":{"part":{"id":"p1","type":"tool","sessionID":"ses_1","tool":"bash","state":{"status":"error","error":"exit 1"}}}}`,
			want: Event{Type: EventToolError, SessionID: "ses_1", Tool: "bash", Message: "exit 1"},
		},
		{
			name: "tool part without state dropped",
			raw:  `{"type":"message.part.updated","properties":{"part":{"id":"p1","type":"tool","sessionID":"ses_1","tool":"bash"}}}`,
			drop: true,
		},
		{
			name: "unknown type dropped",
			raw:  `{"type":"message.updated","properties":{}}`,
			drop: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var env eventEnvelope
			if err := json.Unmarshal([]byte(tt.raw), &env); err != nil {
				t.Fatalf("bad fixture: %v", err)
			}
			got, ok := translateEvent(env)
			if tt.drop {
				if ok {
					t.Errorf("translateEvent() = %+v, want dropped", got)
				}
				return
			}
			if !ok {
				t.Fatal("translateEvent() dropped, want event")
			}
			if got != tt.want {
				t.Errorf("translateEvent() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// sseServer streams the given frames, then blocks until the client goes
// away (or closes immediately when closeEarly is set).
func sseServer(t *testing.T, frames []string, closeEarly bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			t.Errorf("path = %s", r.URL.Path)
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer is not a flusher")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
		if closeEarly {
			return
		}
		<-r.Context().Done()
	}))
}

// collector records events for one subscription.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %v", n, c.snapshot())
	return nil
}

func TestEventStreamSessionScoping(t *testing.T) {
	t.Parallel()

	frames := []string{
		`{"type":"message.part.updated","properties":{"part":{"type":"text","sessionID":"ses_a","text":"for a"}}}`,
		`{"type":"session.idle","properties":{"sessionID":"ses_other"}}`,
		`{"type":"session.idle","properties":{}}`,
		`{"type":"session.idle","properties":{"sessionID":"ses_a"}}`,
	}
	srv := sseServer(t, frames, false)
	defer srv.Close()

	c := NewClient(srv.URL, "", testLogger())
	defer c.Close()

	var a, b collector
	defer c.Subscribe("ses_a", a.add)()
	defer c.Subscribe("ses_b", b.add)()

	if err := c.EnsureEventStream(context.Background()); err != nil {
		t.Fatalf("EnsureEventStream() error = %v", err)
	}

	got := a.waitFor(t, 2)
	if got[0].Type != EventText || got[0].Message != "for a" {
		t.Errorf("events[0] = %+v", got[0])
	}
	if got[1].Type != EventSessionIdle {
		t.Errorf("events[1] = %+v", got[1])
	}
	if evs := b.snapshot(); len(evs) != 0 {
		t.Errorf("ses_b received %v, want nothing", evs)
	}
}

func TestEventStreamEndBroadcast(t *testing.T) {
	t.Parallel()

	srv := sseServer(t, []string{
		`{"type":"message.part.updated","properties":{"part":{"type":"text","sessionID":"ses_a","text":"partial"}}}`,
	}, true)
	defer srv.Close()

	c := NewClient(srv.URL, "", testLogger())
	defer c.Close()

	var a collector
	defer c.Subscribe("ses_a", a.add)()

	if err := c.EnsureEventStream(context.Background()); err != nil {
		t.Fatalf("EnsureEventStream() error = %v", err)
	}

	got := a.waitFor(t, 2)
	last := got[len(got)-1]
	if last.Type != EventSessionError || last.Message != StreamEndedMessage {
		t.Errorf("final event = %+v, want stream-ended session error", last)
	}
}

func TestEnsureEventStreamSingleConnection(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", testLogger())
	defer c.Close()

	for i := 0; i < 3; i++ {
		if err := c.EnsureEventStream(context.Background()); err != nil {
			t.Fatalf("EnsureEventStream() error = %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	c := NewClient("http://127.0.0.1:0", "", testLogger())
	var col collector
	unsub := c.Subscribe("ses_1", col.add)

	c.dispatch(Event{Type: EventText, SessionID: "ses_1", Message: "one"})
	unsub()
	c.dispatch(Event{Type: EventText, SessionID: "ses_1", Message: "two"})

	evs := col.snapshot()
	if len(evs) != 1 || evs[0].Message != "one" {
		t.Errorf("events = %v, want just the pre-unsubscribe one", evs)
	}

	// Empty session ids never reach anyone.
	var anon collector
	defer c.Subscribe("", anon.add)()
	c.dispatch(Event{Type: EventSessionIdle})
	if evs := anon.snapshot(); len(evs) != 0 {
		t.Errorf("empty-session events delivered: %v", evs)
	}
}
