// Package twilio implements SMS and WhatsApp channels for Fern over the
// Twilio REST API.
//
// One adapter instance serves one mode (sms or whatsapp); the serve loop
// registers an instance per configured mode, both sharing the same account
// credentials. Outbound messages go through the Messages API with basic
// auth, retrying rate limits and transient server errors. Inbound messages
// arrive on the shared webhook and are handed to the right adapter via
// Deliver after signature verification, so Twilio traffic flows through the
// same receive pump as socket channels. Twilio renders plain text only, so
// the dispatcher strips markdown before Send.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fernhq/fern/pkg/fern/channels"
	"github.com/fernhq/fern/pkg/fern/retry"
)

const (
	// maxMessageLen is Twilio's hard per-message body limit.
	maxMessageLen = 1600

	defaultBaseURL = "https://api.twilio.com"

	whatsappPrefix = "whatsapp:"
)

// Mode selects which Twilio product an adapter instance speaks.
type Mode string

const (
	ModeSMS      Mode = "sms"
	ModeWhatsApp Mode = "whatsapp"
)

// Config holds Twilio credentials shared by both modes.
type Config struct {
	// AccountSID and AuthToken authenticate against the Twilio REST API.
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// From is the sending number in E.164 form, e.g. "+14155238886".
	From string `yaml:"from"`

	// BaseURL overrides the Twilio API endpoint. Defaults to the public API.
	BaseURL string `yaml:"base_url"`
}

// Twilio implements channels.Channel over the Twilio Messages API.
type Twilio struct {
	cfg    Config
	mode   Mode
	logger *slog.Logger

	httpClient *http.Client
	retry      retry.Config

	// messages carries webhook-delivered inbound messages to the agent loop.
	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a Twilio adapter for the given mode. Call Connect before use.
func New(cfg Config, mode Mode, logger *slog.Logger) *Twilio {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Twilio{
		cfg:        cfg,
		mode:       mode,
		logger:     logger.With("component", "twilio", "mode", string(mode)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry.DefaultConfig(),
		messages:   make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns the mode name, "sms" or "whatsapp".
func (t *Twilio) Name() string { return string(t.mode) }

// Capabilities reports Twilio's transport surface: plain text only,
// 1600 character bodies, no reply threading.
func (t *Twilio) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		MaxMessageLength: maxMessageLen,
	}
}

// Connect validates credentials and marks the adapter ready. The REST API
// is connectionless, so there is no session to open.
func (t *Twilio) Connect(ctx context.Context) error {
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return fmt.Errorf("%w: twilio account SID and auth token are required", channels.ErrConnectionFailed)
	}
	if t.cfg.From == "" {
		return fmt.Errorf("%w: twilio sending number is required", channels.ErrConnectionFailed)
	}
	t.connected.Store(true)
	t.logger.Info("twilio channel ready")
	return nil
}

// Disconnect marks the adapter stopped.
func (t *Twilio) Disconnect() error {
	t.connected.Store(false)
	t.logger.Info("twilio channel stopped")
	return nil
}

// Send posts a message to the Twilio Messages API. Rate limits and
// transient server errors are retried with backoff; anything else
// surfaces immediately.
func (t *Twilio) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	form := url.Values{}
	form.Set("To", t.addressFor(to))
	form.Set("From", t.addressFor(t.cfg.From))
	form.Set("Body", message.Content)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.cfg.BaseURL, t.cfg.AccountSID)
	body := form.Encode()

	err := retry.Do(ctx, t.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &retry.HTTPError{
				StatusCode: resp.StatusCode,
				RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After")),
				Body:       strings.TrimSpace(string(snippet)),
			}
		}
		return nil
	})
	if err != nil {
		t.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// addressFor renders a phone number the way the active mode's API expects:
// WhatsApp numbers carry a "whatsapp:" prefix, SMS numbers are bare E.164.
func (t *Twilio) addressFor(number string) string {
	if t.mode == ModeWhatsApp && !strings.HasPrefix(number, whatsappPrefix) {
		return whatsappPrefix + number
	}
	return number
}

// Receive returns the incoming messages channel.
func (t *Twilio) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

// Deliver hands a webhook-parsed inbound message to the adapter's receive
// queue. The webhook handler calls this after signature verification.
func (t *Twilio) Deliver(msg *channels.IncomingMessage) {
	t.lastMsg.Store(time.Now())
	t.errorCount.Store(0)

	select {
	case t.messages <- msg:
	default:
		t.logger.Warn("message buffer full, dropping message", "msg_id", msg.ID)
	}
}

// IsConnected reports whether the adapter has been connected.
func (t *Twilio) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Twilio) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
		Details: map[string]any{
			"queued": len(t.messages),
		},
	}
}

// ParseInbound converts a Twilio webhook form payload into an incoming
// message. The channel is derived from the sender address: a "whatsapp:"
// prefix selects the whatsapp channel, a bare number selects sms.
func ParseInbound(form url.Values) (*channels.IncomingMessage, error) {
	from := form.Get("From")
	if from == "" {
		return nil, fmt.Errorf("twilio payload missing From")
	}

	channel := string(ModeSMS)
	number := from
	if strings.HasPrefix(from, whatsappPrefix) {
		channel = string(ModeWhatsApp)
		number = strings.TrimPrefix(from, whatsappPrefix)
	}

	return &channels.IncomingMessage{
		ID:        form.Get("MessageSid"),
		Channel:   channel,
		From:      number,
		FromName:  form.Get("ProfileName"),
		ChatID:    number,
		Content:   form.Get("Body"),
		Timestamp: time.Now(),
	}, nil
}

// ComputeSignature implements Twilio's request signing scheme: the full
// public URL concatenated with each form parameter name and value in
// sorted key order, HMAC-SHA1 signed with the auth token, base64 encoded.
func ComputeSignature(authToken, publicURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	buf.WriteString(publicURL)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(buf.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks an X-Twilio-Signature header value against the
// expected signature for the given public URL and form body.
func ValidateSignature(authToken, publicURL string, form url.Values, signature string) bool {
	expected := ComputeSignature(authToken, publicURL, form)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Compile-time interface verification.
var _ channels.Channel = (*Twilio)(nil)
