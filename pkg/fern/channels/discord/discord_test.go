package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/fernhq/fern/pkg/fern/channels"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	d := New(Config{Token: "tok"}, nil)
	if d.logger == nil {
		t.Fatal("expected default logger")
	}
	if got := d.Name(); got != "discord" {
		t.Errorf("Name() = %q, want %q", got, "discord")
	}
	if cap(d.messages) != 256 {
		t.Errorf("message buffer capacity = %d, want 256", cap(d.messages))
	}
	if d.IsConnected() {
		t.Error("expected disconnected before Connect")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := New(Config{}, testLogger()).Capabilities()
	if !caps.Markdown {
		t.Error("expected markdown support")
	}
	if caps.MaxMessageLength != 2000 {
		t.Errorf("MaxMessageLength = %d, want 2000", caps.MaxMessageLength)
	}
	if !caps.SupportsReply {
		t.Error("expected reply support")
	}
	if caps.Streaming {
		t.Error("unexpected streaming support")
	}
	if caps.SupportsAttachments {
		t.Error("unexpected attachment support")
	}
}

func TestConnectRequiresToken(t *testing.T) {
	t.Parallel()

	d := New(Config{}, testLogger())
	if err := d.Connect(context.Background()); !errors.Is(err, channels.ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	t.Parallel()

	d := New(Config{Token: "tok"}, testLogger())
	err := d.Send(context.Background(), "chan1", &channels.OutgoingMessage{Content: "hi"})
	if !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Fatalf("Send() error = %v, want ErrChannelDisconnected", err)
	}
}

func TestSendCanceledContext(t *testing.T) {
	t.Parallel()

	d := New(Config{Token: "tok"}, testLogger())
	d.session = &discordgo.Session{}
	d.connected.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Send(ctx, "chan1", &channels.OutgoingMessage{Content: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Send() error = %v, want context.Canceled", err)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{
			name:   "short passthrough",
			text:   "hello",
			maxLen: 10,
			want:   []string{"hello"},
		},
		{
			name:   "cut at newline past midpoint",
			text:   "aaaa\nbbbb\ncc",
			maxLen: 10,
			want:   []string{"aaaa\nbbbb\n", "cc"},
		},
		{
			name:   "hard cut without newline",
			text:   "aaaaabbbbbcc",
			maxLen: 10,
			want:   []string{"aaaaabbbbb", "cc"},
		},
		{
			name:   "newline before midpoint ignored",
			text:   "aa\nbbbbbbbbbb",
			maxLen: 10,
			want:   []string{"aa\nbbbbbbb", "bbb"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := splitMessage(tt.text, tt.maxLen)
			if len(got) != len(tt.want) {
				t.Fatalf("splitMessage() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("part %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestOnMessageCreateEnqueues(t *testing.T) {
	t.Parallel()

	d := New(Config{Token: "tok"}, testLogger())
	session := &discordgo.Session{State: discordgo.NewState()}

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.onMessageCreate(session, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:                "msg1",
		ChannelID:         "chan1",
		Content:           "hello fern",
		Timestamp:         ts,
		Author:            &discordgo.User{ID: "user1", Username: "ada"},
		ReferencedMessage: &discordgo.Message{ID: "orig1"},
	}})

	select {
	case msg := <-d.Receive():
		if msg.ID != "msg1" || msg.Channel != "discord" || msg.From != "user1" ||
			msg.FromName != "ada" || msg.ChatID != "chan1" || msg.Content != "hello fern" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if msg.ReplyTo != "orig1" {
			t.Errorf("ReplyTo = %q, want %q", msg.ReplyTo, "orig1")
		}
		if !msg.Timestamp.Equal(ts) {
			t.Errorf("Timestamp = %v, want %v", msg.Timestamp, ts)
		}
		if got := msg.ThreadID(); got != "discord_chan1" {
			t.Errorf("ThreadID() = %q, want %q", got, "discord_chan1")
		}
	default:
		t.Fatal("expected message enqueued")
	}
}

func TestOnMessageCreateSkips(t *testing.T) {
	t.Parallel()

	selfState := discordgo.NewState()
	selfState.User = &discordgo.User{ID: "self"}

	tests := []struct {
		name    string
		session *discordgo.Session
		msg     *discordgo.Message
	}{
		{
			name:    "bot author",
			session: &discordgo.Session{State: discordgo.NewState()},
			msg:     &discordgo.Message{ID: "m1", Author: &discordgo.User{ID: "bot1", Bot: true}},
		},
		{
			name:    "own message",
			session: &discordgo.Session{State: selfState},
			msg:     &discordgo.Message{ID: "m2", Author: &discordgo.User{ID: "self"}},
		},
		{
			name:    "missing author",
			session: &discordgo.Session{State: discordgo.NewState()},
			msg:     &discordgo.Message{ID: "m3"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := New(Config{Token: "tok"}, testLogger())
			d.onMessageCreate(tt.session, &discordgo.MessageCreate{Message: tt.msg})
			if n := len(d.messages); n != 0 {
				t.Errorf("queued %d messages, want 0", n)
			}
		})
	}
}

func TestOnMessageCreateDropsWhenFull(t *testing.T) {
	t.Parallel()

	d := &Discord{
		logger:   testLogger(),
		messages: make(chan *channels.IncomingMessage, 1),
	}
	session := &discordgo.Session{State: discordgo.NewState()}

	for i := 0; i < 3; i++ {
		d.onMessageCreate(session, &discordgo.MessageCreate{Message: &discordgo.Message{
			ID:     fmt.Sprintf("m%d", i),
			Author: &discordgo.User{ID: "user1"},
		}})
	}
	if n := len(d.messages); n != 1 {
		t.Errorf("queued %d messages, want 1", n)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	d := New(Config{Token: "tok"}, testLogger())

	h := d.Health()
	if h.Connected {
		t.Error("expected disconnected")
	}
	if !h.LastMessageAt.IsZero() {
		t.Errorf("LastMessageAt = %v, want zero", h.LastMessageAt)
	}

	d.errorCount.Add(2)
	d.onMessageCreate(&discordgo.Session{State: discordgo.NewState()}, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:     "m1",
		Author: &discordgo.User{ID: "user1"},
	}})

	h = d.Health()
	if h.LastMessageAt.IsZero() {
		t.Error("expected LastMessageAt set after receiving")
	}
	if h.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d, want 0 after successful receive", h.ErrorCount)
	}
	if got := h.Details["queued"]; got != 1 {
		t.Errorf("queued = %v, want 1", got)
	}
}

func TestDisconnectWithoutSession(t *testing.T) {
	t.Parallel()

	d := New(Config{Token: "tok"}, testLogger())
	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if d.IsConnected() {
		t.Error("expected disconnected")
	}
}
