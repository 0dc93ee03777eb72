package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"relaybot/internal/domain"
	"relaybot/internal/gateway"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen     = 4096
	telegramMaxCaptionLen = 1024
	defaultPollTimeout    = 30 // seconds
)

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Common
	Token       string
	ChatID      int64
	APIEndpoint string // format string with token and method, tgbotapi.APIEndpoint by default
	PollTimeout int    // long-poll timeout in seconds
}

// Telegram bridges one Telegram group. The Bot API has no push transport,
// so the session's connection is a getUpdates long-poll loop.
type Telegram struct {
	base
	chatID      int64
	pollTimeout int
	token       string
	api         *tgbotapi.BotAPI // template, cloned per call with a context-bound client

	selfID atomic.Int64
	offset atomic.Int64 // first update id not yet handled, kept across reconnects
}

var _ domain.Adapter = (*Telegram)(nil)

// NewTelegram creates a Telegram adapter.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat id is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	t := &Telegram{
		chatID:      cfg.ChatID,
		pollTimeout: cfg.PollTimeout,
		token:       cfg.Token,
	}
	t.base = newBase("telegram", cfg.Common, t)
	t.api = &tgbotapi.BotAPI{Token: cfg.Token, Client: t.client, Buffer: 100}
	t.api.SetAPIEndpoint(cfg.APIEndpoint)
	return t, nil
}

// ctxClient binds every request to ctx, which tgbotapi has no parameter for.
type ctxClient struct {
	ctx  context.Context
	next tgbotapi.HTTPClient
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.next.Do(req.WithContext(c.ctx))
}

func (t *Telegram) withCtx(ctx context.Context) *tgbotapi.BotAPI {
	api := *t.api
	api.Client = ctxClient{ctx: ctx, next: t.api.Client}
	return &api
}

// Dial checks the token and returns a long-poll connection.
func (t *Telegram) Dial(ctx context.Context) (gateway.Conn, error) {
	pollCtx, cancel := context.WithCancel(ctx)
	api := t.withCtx(pollCtx)
	me, err := api.GetMe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("telegram getMe: %w", t.redact(err))
	}
	t.selfID.Store(me.ID)
	t.logger.Info("telegram bot connected", "username", me.UserName, "id", me.ID)
	return &pollConn{api: api, ctx: pollCtx, cancel: cancel, timeout: t.pollTimeout, next: t.offset.Load(), token: t.token}, nil
}

// pollConn presents getUpdates as a frame stream. Each frame is one update
// encoded as JSON. next only moves the poll window of this connection; a new
// connection resumes from the offset HandleFrame has committed.
type pollConn struct {
	api       *tgbotapi.BotAPI
	ctx       context.Context
	cancel    context.CancelFunc
	timeout   int
	next      int64
	token     string
	pending   []tgbotapi.Update
	closeOnce sync.Once
}

func (c *pollConn) ReadFrame() ([]byte, error) {
	for len(c.pending) == 0 {
		if c.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		updates, err := c.api.GetUpdates(tgbotapi.UpdateConfig{
			Offset:  int(c.next),
			Limit:   100,
			Timeout: c.timeout,
		})
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, net.ErrClosed
			}
			return nil, redact(err, c.token)
		}
		for _, u := range updates {
			c.next = max(c.next, int64(u.UpdateID)+1)
		}
		c.pending = updates
	}
	u := c.pending[0]
	c.pending = c.pending[1:]
	return json.Marshal(u)
}

// commit marks an update handled so later connections poll past it.
func (t *Telegram) commit(updateID int) {
	next := int64(updateID) + 1
	for {
		cur := t.offset.Load()
		if next <= cur || t.offset.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (c *pollConn) WriteFrame([]byte) error {
	return errors.New("telegram: long-poll connection is read-only")
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// HandleFrame processes one update.
func (t *Telegram) HandleFrame(ctx context.Context, frame []byte) error {
	var u tgbotapi.Update
	if err := json.Unmarshal(frame, &u); err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrProtocol, err)
	}
	defer t.commit(u.UpdateID)
	switch {
	case u.Message != nil:
		t.handleMessage(ctx, u.Message)
	case u.EditedMessage != nil:
		t.logger.Debug("edited message ignored", "id", u.EditedMessage.MessageID)
	default:
		t.logger.Debug("unhandled update", "update_id", u.UpdateID)
	}
	return nil
}

func (t *Telegram) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.Chat == nil || m.Chat.ID != t.chatID || m.From == nil {
		t.logger.Debug("message outside bridged chat dropped", "id", m.MessageID)
		return
	}
	if m.From.ID == t.selfID.Load() {
		t.logger.Debug("own message dropped", "id", m.MessageID)
		return
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	author := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	if author == "" {
		author = m.From.UserName
	}

	var attachments []domain.Attachment
	if n := len(m.Photo); n > 0 {
		// Sizes are ascending; the last one is the original.
		photo := m.Photo[n-1]
		if att, ok := t.fetchFile(ctx, photo.FileID, photo.FileID+".jpg", "image/jpeg"); ok {
			attachments = append(attachments, att)
		}
	}
	if d := m.Document; d != nil {
		name := d.FileName
		if name == "" {
			name = d.FileID
		}
		if att, ok := t.fetchFile(ctx, d.FileID, name, d.MimeType); ok {
			attachments = append(attachments, att)
		}
	}

	var replyTo string
	if m.ReplyToMessage != nil {
		replyTo = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	t.deliver(ctx, domain.NewMessage(t.name, strconv.Itoa(m.MessageID), author, text, attachments, replyTo))
}

// fetchFile downloads a file by id. The download link embeds the bot
// token, so the cache records a token-free identity instead.
func (t *Telegram) fetchFile(ctx context.Context, fileID, name, mimeType string) (domain.Attachment, bool) {
	f, err := t.withCtx(ctx).GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		t.logger.Warn("getFile failed", "file_id", fileID, "err", t.redact(err))
		return domain.Attachment{}, false
	}
	identity := fmt.Sprintf(tgbotapi.FileEndpoint, "<token>", f.FilePath)
	return t.fetch(ctx, f.Link(t.token), name, mimeType, domain.WithIdentity(identity))
}

// redact keeps the bot token out of errors, which SDK calls fill with
// request URLs.
func (t *Telegram) redact(err error) error { return redact(err, t.token) }

// SendMessage posts msg to the chat.
func (t *Telegram) SendMessage(ctx context.Context, msg domain.Message) (string, error) {
	return t.send(ctx, msg, "")
}

// SendReply posts msg replying to refNativeID.
func (t *Telegram) SendReply(ctx context.Context, msg domain.Message, refNativeID string) (string, error) {
	return t.send(ctx, msg, refNativeID)
}

// send posts the text, or each attachment with the text as the first
// caption. The id of the first message sent identifies the relayed copy.
func (t *Telegram) send(ctx context.Context, msg domain.Message, ref string) (string, error) {
	op := "send"
	var replyTo int
	if ref != "" {
		op = "reply"
		id, err := strconv.Atoi(ref)
		if err != nil {
			return "", t.fail(op, fmt.Errorf("bad message id %q: %w", ref, err), false)
		}
		replyTo = id
	}
	if err := t.throttle(ctx); err != nil {
		return "", err
	}
	api := t.withCtx(ctx)
	line := formatLine(msg)

	if len(msg.Attachments) == 0 {
		c := tgbotapi.NewMessage(t.chatID, truncate(line, telegramMaxMsgLen))
		c.ReplyToMessageID = replyTo
		sent, err := api.Send(c)
		if err != nil {
			return "", t.fail(op, t.redact(err), telegramRetryable(err))
		}
		return strconv.Itoa(sent.MessageID), nil
	}

	var first string
	for i, a := range msg.Attachments {
		caption := ""
		if i == 0 {
			caption = truncate(line, telegramMaxCaptionLen)
		}
		var c tgbotapi.Chattable
		if a.IsImage() {
			p := tgbotapi.NewPhoto(t.chatID, tgbotapi.FilePath(a.Path))
			p.Caption = caption
			p.ReplyToMessageID = replyTo
			c = p
		} else {
			d := tgbotapi.NewDocument(t.chatID, tgbotapi.FilePath(a.Path))
			d.Caption = caption
			d.ReplyToMessageID = replyTo
			c = d
		}
		sent, err := api.Send(c)
		if err != nil {
			if i == 0 {
				return "", t.fail(op, t.redact(err), telegramRetryable(err))
			}
			t.logger.Warn("attachment send failed", "file", a.Filename, "err", t.redact(err))
			continue
		}
		if i == 0 {
			first = strconv.Itoa(sent.MessageID)
		}
	}
	return first, nil
}

// RecallMessage deletes a relayed message.
func (t *Telegram) RecallMessage(ctx context.Context, nativeID string) error {
	id, err := strconv.Atoi(nativeID)
	if err != nil {
		return t.fail("recall", fmt.Errorf("bad message id %q: %w", nativeID, err), false)
	}
	if err := t.throttle(ctx); err != nil {
		return err
	}
	if _, err := t.withCtx(ctx).Request(tgbotapi.NewDeleteMessage(t.chatID, id)); err != nil {
		return t.fail("recall", t.redact(err), telegramRetryable(err))
	}
	return nil
}

func telegramRetryable(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.Code)
	}
	return false
}
