// Package backend manages the OpenCode server subprocess and speaks its
// REST + SSE protocol: sessions, prompts, tool discovery, and the event
// stream that reports turn progress.
package backend

import "encoding/json"

// Raw SSE event types emitted by the server.
const (
	rawMessageUpdated     = "message.updated"
	rawMessagePartUpdated = "message.part.updated"
	rawSessionIdle        = "session.idle"
	rawSessionStatus      = "session.status"
	rawSessionError       = "session.error"
)

// Part types inside messages.
const (
	partTypeText      = "text"
	partTypeReasoning = "reasoning"
	partTypeTool      = "tool"
	partTypeFile      = "file"
)

// EventType classifies the neutral events handed to subscribers. The raw
// protocol stays inside this package.
type EventType string

const (
	EventToolStart     EventType = "tool_start"
	EventToolComplete  EventType = "tool_complete"
	EventToolError     EventType = "tool_error"
	EventText          EventType = "text"
	EventThinking      EventType = "thinking"
	EventSessionStatus EventType = "session_status"
	EventSessionIdle   EventType = "session_idle"
	EventSessionError  EventType = "session_error"
)

// Event is the neutral form of a backend event, scoped to one session.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Tool      string    `json:"tool,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// eventEnvelope is the outer frame of every SSE payload.
type eventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// healthResponse from GET /global/health.
type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// sessionResponse from POST /session.
type sessionResponse struct {
	ID string `json:"id"`
}

// shareResponse from POST /session/{id}/share.
type shareResponse struct {
	Share struct {
		URL string `json:"url"`
	} `json:"share"`
}

// ModelSpec selects the provider/model pair for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PartInput is one part of an outgoing prompt. Text parts carry Text;
// file parts carry MIME plus URL (data: URLs for inline attachments).
type PartInput struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MIME     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) PartInput {
	return PartInput{Type: partTypeText, Text: text}
}

// FilePart builds a file part for an inline attachment.
func FilePart(mime, url, filename string) PartInput {
	return PartInput{Type: partTypeFile, MIME: mime, URL: url, Filename: filename}
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Model  *ModelSpec  `json:"model,omitempty"`
	System string      `json:"system,omitempty"`
	Agent  string      `json:"agent,omitempty"`
	Parts  []PartInput `json:"parts"`
}

// Message is one entry from GET /session/{id}/message.
type Message struct {
	Info  MessageInfo   `json:"info"`
	Parts []MessagePart `json:"parts"`
}

// MessageInfo carries message metadata.
type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
}

// MessagePart is one part of a stored message.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolInfo describes one registered tool from GET /tool.
type ToolInfo struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// Properties payloads for the raw events this package cares about.

type sessionScopedProps struct {
	SessionID string `json:"sessionID"`
}

type sessionErrorProps struct {
	SessionID string `json:"sessionID"`
	Error     *struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

type partUpdatedProps struct {
	Part struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		SessionID string `json:"sessionID"`
		Text      string `json:"text,omitempty"`
		Tool      string `json:"tool,omitempty"`
		State     *struct {
			Status string `json:"status"`
			Output string `json:"output,omitempty"`
			Error  string `json:"error,omitempty"`
		} `json:"state,omitempty"`
	} `json:"part"`
}
