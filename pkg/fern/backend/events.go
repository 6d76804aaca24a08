package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StreamEndedMessage is delivered to every live subscriber when the event
// stream drops without a clean shutdown. A turn waiting on session.idle
// turns this into its failure reason.
const StreamEndedMessage = "Session ended unexpectedly, the backend may have run out of memory"

type subscriber struct {
	id int
	fn func(Event)
}

// Subscribe registers fn for neutral events scoped to sessionID and
// returns the deregistration func. Events carrying a different or missing
// session id are never delivered; concurrent turns must not see each
// other's output.
func (c *Client) Subscribe(sessionID string, fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	sub := &subscriber{id: c.nextSubID, fn: fn}
	c.subs[sessionID] = append(c.subs[sessionID], sub)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[sessionID]
		for i, cand := range list {
			if cand.id == sub.id {
				c.subs[sessionID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(c.subs[sessionID]) == 0 {
			delete(c.subs, sessionID)
		}
	}
}

// EnsureEventStream connects the SSE stream if it is not already running.
// One connection serves all sessions; duplicates would double-deliver.
func (c *Client) EnsureEventStream(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client closed")
	}
	if c.streamActive {
		c.mu.Unlock()
		return nil
	}
	c.streamActive = true
	streamCtx, cancel := context.WithCancel(ctx)
	c.streamCancel = cancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		c.markStreamDown(cancel)
		return fmt.Errorf("building event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.password != "" {
		req.SetBasicAuth("opencode", c.password)
	}

	resp, err := c.promptHTTP.Do(req)
	if err != nil {
		c.markStreamDown(cancel)
		return fmt.Errorf("connecting event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		c.markStreamDown(cancel)
		return fmt.Errorf("event stream: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.logger.Debug("event stream connected")
	go c.consumeEvents(streamCtx, resp.Body)
	return nil
}

func (c *Client) markStreamDown(cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	c.streamActive = false
	c.streamCancel = nil
	c.mu.Unlock()
}

func (c *Client) consumeEvents(ctx context.Context, body io.ReadCloser) {
	defer func() {
		body.Close()
		c.mu.Lock()
		c.streamActive = false
		c.streamCancel = nil
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()

		if strings.HasPrefix(line, "data: ") {
			data.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}

		payload := strings.TrimSpace(data.String())
		data.Reset()
		if payload == "" {
			continue
		}

		var env eventEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			c.logger.Warn("unparseable backend event", "error", err)
			continue
		}
		if ev, ok := translateEvent(env); ok {
			c.dispatch(ev)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("event stream read failed", "error", err)
	}
	if ctx.Err() == nil {
		c.logger.Warn("event stream ended")
		c.broadcastStreamEnd()
	}
}

// dispatch hands the event to subscribers of its session only.
func (c *Client) dispatch(ev Event) {
	if ev.SessionID == "" {
		return
	}
	c.mu.Lock()
	subs := make([]*subscriber, len(c.subs[ev.SessionID]))
	copy(subs, c.subs[ev.SessionID])
	c.mu.Unlock()

	for _, sub := range subs {
		sub.fn(ev)
	}
}

// broadcastStreamEnd tells every live subscriber its session is over.
func (c *Client) broadcastStreamEnd() {
	c.mu.Lock()
	var pending []Event
	for sessionID := range c.subs {
		pending = append(pending, Event{
			Type:      EventSessionError,
			SessionID: sessionID,
			Message:   StreamEndedMessage,
		})
	}
	c.mu.Unlock()

	for _, ev := range pending {
		c.dispatch(ev)
	}
}

// translateEvent maps a raw envelope onto the neutral event type. Events
// the runtime has no use for are dropped.
func translateEvent(env eventEnvelope) (Event, bool) {
	switch env.Type {
	case rawSessionIdle:
		var props sessionScopedProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return Event{}, false
		}
		return Event{Type: EventSessionIdle, SessionID: props.SessionID}, true

	case rawSessionStatus:
		var props sessionScopedProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return Event{}, false
		}
		return Event{Type: EventSessionStatus, SessionID: props.SessionID}, true

	case rawSessionError:
		var props sessionErrorProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return Event{}, false
		}
		msg := "session error"
		if props.Error != nil && props.Error.Data.Message != "" {
			msg = props.Error.Data.Message
		} else if props.Error != nil && props.Error.Name != "" {
			msg = props.Error.Name
		}
		return Event{Type: EventSessionError, SessionID: props.SessionID, Message: msg}, true

	case rawMessagePartUpdated:
		var props partUpdatedProps
		if err := json.Unmarshal(env.Properties, &props); err != nil {
			return Event{}, false
		}
		part := props.Part
		switch part.Type {
		case partTypeText:
			return Event{Type: EventText, SessionID: part.SessionID, Message: part.Text}, true
		case partTypeReasoning:
			return Event{Type: EventThinking, SessionID: part.SessionID, Message: part.Text}, true
		case partTypeTool:
			if part.State == nil {
				return Event{}, false
			}
			switch part.State.Status {
			case "pending", "running":
				return Event{Type: EventToolStart, SessionID: part.SessionID, Tool: part.Tool}, true
			case "completed":
				return Event{Type: EventToolComplete, SessionID: part.SessionID, Tool: part.Tool, Message: part.State.Output}, true
			case "error":
				return Event{Type: EventToolError, SessionID: part.SessionID, Tool: part.Tool, Message: part.State.Error}, true
			}
		}
		return Event{}, false

	default:
		return Event{}, false
	}
}
