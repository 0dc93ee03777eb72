// Package channel contains the platform adapters. Each adapter owns a
// gateway.Session for its inbound connection, turns platform events into
// domain.Message values for the relay, and performs outbound sends, replies
// and recalls through the platform's REST API.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"relaybot/internal/bus"
	"relaybot/internal/cache"
	"relaybot/internal/domain"
	"relaybot/internal/gateway"
)

// Reconnect tunes the session backoff for an adapter.
type Reconnect struct {
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
}

// Common holds the dependencies every adapter takes.
type Common struct {
	Relay              domain.Relay
	Fetcher            domain.AttachmentFetcher
	Logger             *slog.Logger
	Events             *bus.EventBus
	HTTPClient         *http.Client
	Reconnect          Reconnect
	RateLimitPerMinute float64 // 0 disables throttling
}

// base is embedded by every adapter. It wires the gateway session and
// carries the shared inbound and outbound helpers.
type base struct {
	name    string
	relay   domain.Relay
	fetcher domain.AttachmentFetcher
	logger  *slog.Logger
	events  *bus.EventBus
	client  *http.Client
	limiter *RateLimiter
	session *gateway.Session
}

func newBase(name string, c Common, proto gateway.Protocol) base {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = SharedHTTPClient(0)
	}
	b := base{
		name:    name,
		relay:   c.Relay,
		fetcher: c.Fetcher,
		logger:  c.Logger.With("platform", name),
		events:  c.Events,
		client:  c.HTTPClient,
	}
	if c.RateLimitPerMinute > 0 {
		b.limiter = NewRateLimiter(5, c.RateLimitPerMinute)
	}
	events := c.Events
	b.session = gateway.NewSession(gateway.Config{
		Name:             name,
		Protocol:         proto,
		Logger:           c.Logger,
		InitialBackoff:   c.Reconnect.InitialBackoff,
		MaxBackoff:       c.Reconnect.MaxBackoff,
		MaxAttempts:      c.Reconnect.MaxAttempts,
		HandshakeTimeout: c.Reconnect.HandshakeTimeout,
		OnState: func(st gateway.State) {
			events.Emit(bus.Event{
				Type:    bus.EventAdapterState,
				Source:  name,
				Payload: map[string]any{"state": st.String()},
			})
		},
	})
	return b
}

func (b *base) Name() string { return b.name }

// Start launches the connection session and returns immediately.
func (b *base) Start(ctx context.Context) error {
	if b.relay == nil {
		return fmt.Errorf("%s: no relay configured", b.name)
	}
	return b.session.Start(ctx)
}

// Join waits for the session to exit.
func (b *base) Join() { b.session.Join() }

// Stop closes the connection and stops reconnecting.
func (b *base) Stop() { b.session.Stop() }

// State returns the connection state.
func (b *base) State() gateway.State { return b.session.State() }

// deliver hands a normalized inbound message to the relay.
func (b *base) deliver(ctx context.Context, msg domain.Message) {
	if msg.Empty() {
		b.logger.Debug("empty message dropped", "id", msg.OriginID)
		return
	}
	b.logger.Info("message received", "id", msg.OriginID, "author", msg.Author,
		"text_len", len(msg.Text), "attachments", len(msg.Attachments), "reply_to", msg.ReplyTo)
	if msg.IsReply() {
		b.relay.ReplyMessage(ctx, b.name, msg, msg.ReplyTo)
		return
	}
	b.relay.NewMessage(ctx, b.name, msg)
}

// recall hands an inbound deletion to the relay.
func (b *base) recall(ctx context.Context, nativeID string) {
	b.logger.Info("message deleted", "id", nativeID)
	b.relay.RecallMessage(ctx, b.name, nativeID)
}

// fetch downloads an inbound attachment through the cache. A failed
// download drops the attachment, not the message.
func (b *base) fetch(ctx context.Context, rawURL, filename, mimeType string, opts ...domain.FetchOption) (domain.Attachment, bool) {
	if b.fetcher == nil || rawURL == "" {
		return domain.Attachment{}, false
	}
	path, err := b.fetcher.Fetch(ctx, rawURL, cache.Key(b.name, filename), opts...)
	if err != nil {
		b.logger.Warn("attachment download failed", "file", filename, "err", err)
		return domain.Attachment{}, false
	}
	var o domain.FetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Identity != "" {
		rawURL = o.Identity
	}
	kind := domain.AttachmentOther
	if strings.HasPrefix(mimeType, "image/") || (mimeType == "" && isImageName(filename)) {
		kind = domain.AttachmentImage
	}
	return domain.Attachment{Kind: kind, Path: path, URL: rawURL, Filename: filename, MimeType: mimeType}, true
}

func isImageName(name string) bool {
	switch strings.ToLower(name[strings.LastIndex(name, ".")+1:]) {
	case "png", "jpg", "jpeg", "gif", "webp", "bmp":
		return true
	}
	return false
}

// redactedError hides a credential in an error message while keeping the
// original for errors.Is and errors.As.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redact masks every occurrence of secret in err's message.
func redact(err error, secret string) error {
	if err == nil || secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), secret, "<token>"), err: err}
}

// throttle waits for the outbound rate limiter.
func (b *base) throttle(ctx context.Context) error {
	waited, err := b.limiter.Wait(ctx)
	if err != nil {
		return &domain.RelayError{Platform: b.name, Op: "throttle", Err: err}
	}
	if waited > time.Second {
		b.logger.Debug("outbound call throttled", "waited", waited.Round(time.Millisecond))
	}
	return nil
}

// fail wraps an outbound error, marking transport failures retryable.
func (b *base) fail(op string, err error, retryable bool) error {
	return &domain.RelayError{Platform: b.name, Op: op, Err: err, Retryable: retryable || isTransient(err)}
}

// isTransient reports network-level failures worth another attempt.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return !errors.Is(urlErr.Err, context.Canceled)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryableStatus reports HTTP statuses worth another attempt.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// formatLine renders the relayed text line.
func formatLine(msg domain.Message) string {
	if msg.Text == "" {
		return "[" + msg.Author + "]:"
	}
	return "[" + msg.Author + "]: " + msg.Text
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
