// Package channels defines the interfaces and types for Fern communication
// channels. Each adapter (Discord, Twilio SMS, Twilio WhatsApp) implements
// the Channel interface to receive and send messages in a unified way; the
// Dispatcher formats outbound content per adapter capabilities and keeps
// deliveries to the same recipient in order.
package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Channel is the surface every communication adapter must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord", "whatsapp").
	Name() string

	// Capabilities describes what the channel transport supports.
	Capabilities() Capabilities

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a single message to the given recipient. Content is
	// expected to already be formatted for this channel.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// Capabilities declares what a channel transport can render and carry.
// The dispatcher uses it to format and chunk outbound content.
type Capabilities struct {
	// Markdown is true when the transport renders markdown natively.
	// When false, outbound markdown is stripped to plain text.
	Markdown bool `json:"markdown"`

	// Streaming is true when partial responses can be delivered as they
	// are produced.
	Streaming bool `json:"streaming"`

	// MaxMessageLength is the per-message size limit in bytes. Zero
	// means unlimited.
	MaxMessageLength int `json:"maxMessageLength"`

	// SupportsAttachments is true when the adapter can send files.
	SupportsAttachments bool `json:"supportsAttachments"`

	// SupportsReply is true when messages can reference a prior message.
	SupportsReply bool `json:"supportsReply"`
}

// IncomingMessage is a message received from any channel.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "discord").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, when available.
	FromName string

	// ChatID is the conversation identifier, also used as the send
	// target for replies.
	ChatID string

	// Content is the message text.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// ReplyTo is the ID of the message being replied to, if any.
	ReplyTo string
}

// ThreadID derives the conversation thread identifier the agent keys
// sessions and memory by, e.g. "discord_123456" or "whatsapp_+15550001111".
func (m *IncomingMessage) ThreadID() string {
	return m.Channel + "_" + m.ChatID
}

// OutgoingMessage is one message to deliver through a channel.
type OutgoingMessage struct {
	// Content is the message text.
	Content string

	// ReplyTo is the ID of the message to reply to, honored only when
	// the channel supports replies.
	ReplyTo string
}

// HealthStatus is the health state of one channel adapter.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"lastMessageAt,omitzero"`
	ErrorCount    int            `json:"errorCount"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
	ErrUnknownChannel      = fmt.Errorf("unknown channel")
)

// Registry holds the active channel adapters by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel under its own name, replacing any previous
// registration.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get looks up a channel by name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered channels in name order.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Channel, 0, len(names))
	for _, name := range names {
		out = append(out, r.channels[name])
	}
	return out
}

// Health reports the health of every registered channel, keyed by name.
func (r *Registry) Health() map[string]HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthStatus, len(r.channels))
	for name, ch := range r.channels {
		out[name] = ch.Health()
	}
	return out
}
