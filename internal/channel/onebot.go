package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"relaybot/internal/domain"
	"relaybot/internal/gateway"
)

// OneBotConfig configures the OneBot v11 (CQHTTP) adapter.
type OneBotConfig struct {
	Common
	WSURL       string // forward websocket event endpoint
	APIURL      string // HTTP API base
	AccessToken string
	GroupID     int64
}

// OneBot bridges one QQ group through a OneBot v11 implementation. Events
// arrive on the forward websocket; actions use the HTTP API.
type OneBot struct {
	base
	wsURL       string
	apiURL      string
	accessToken string
	groupID     int64
	selfID      atomic.Int64
}

var (
	_ domain.Adapter      = (*OneBot)(nil)
	_ gateway.Handshaker  = (*OneBot)(nil)
	_ gateway.Interceptor = (*OneBot)(nil)
)

// NewOneBot creates a OneBot adapter.
func NewOneBot(cfg OneBotConfig) (*OneBot, error) {
	if cfg.WSURL == "" || cfg.APIURL == "" {
		return nil, errors.New("onebot: wsUrl and apiUrl are required")
	}
	if cfg.GroupID == 0 {
		return nil, errors.New("onebot: group id is required")
	}
	o := &OneBot{
		wsURL:       cfg.WSURL,
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		accessToken: cfg.AccessToken,
		groupID:     cfg.GroupID,
	}
	o.base = newBase("onebot", cfg.Common, o)
	return o, nil
}

// oneBotEvent covers the fields of every post type the adapter reads.
type oneBotEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	NoticeType    string          `json:"notice_type"`
	MetaEventType string          `json:"meta_event_type"`
	SubType       string          `json:"sub_type"`
	SelfID        int64           `json:"self_id"`
	GroupID       int64           `json:"group_id"`
	UserID        int64           `json:"user_id"`
	OperatorID    int64           `json:"operator_id"`
	MessageID     json.Number     `json:"message_id"`
	Message       json.RawMessage `json:"message"`
	Sender        struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
}

type oneBotResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
	Data    json.RawMessage `json:"data"`
}

func parseOneBotEvent(frame []byte) (oneBotEvent, error) {
	var ev oneBotEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return ev, fmt.Errorf("%w: %w", gateway.ErrProtocol, err)
	}
	return ev, nil
}

// Dial opens the event websocket. The login id is fetched up front so echo
// suppression works even if the implementation never sends a lifecycle
// event.
func (o *OneBot) Dial(ctx context.Context) (gateway.Conn, error) {
	if o.selfID.Load() == 0 {
		var info struct {
			UserID   int64  `json:"user_id"`
			Nickname string `json:"nickname"`
		}
		if err := o.call(ctx, "get_login_info", struct{}{}, &info); err != nil {
			o.logger.Warn("get_login_info failed", "err", err)
		} else {
			o.selfID.Store(info.UserID)
			o.logger.Info("onebot login", "user_id", info.UserID, "nickname", info.Nickname)
		}
	}
	header := http.Header{}
	if o.accessToken != "" {
		header.Set("Authorization", "Bearer "+o.accessToken)
	}
	return gateway.DialWebSocket(ctx, o.wsURL, header)
}

// Handshake consumes the lifecycle connect event. Implementations that skip
// it start straight with events, so any other first frame is dispatched.
func (o *OneBot) Handshake(ctx context.Context, first []byte) (gateway.Handshake, error) {
	ev, err := parseOneBotEvent(first)
	if err != nil {
		return gateway.Handshake{}, err
	}
	if ev.SelfID != 0 {
		o.selfID.Store(ev.SelfID)
	}
	if ev.PostType == "meta_event" && ev.MetaEventType == "lifecycle" {
		o.logger.Debug("onebot lifecycle", "sub_type", ev.SubType, "self_id", ev.SelfID)
		return gateway.Handshake{}, nil
	}
	return gateway.Handshake{Dispatch: true}, nil
}

// Intercept swallows the implementation's heartbeat meta events.
func (o *OneBot) Intercept(frame []byte) ([]byte, bool, error) {
	ev, err := parseOneBotEvent(frame)
	if err != nil {
		return nil, true, err
	}
	if ev.PostType == "meta_event" {
		return nil, true, nil
	}
	return nil, false, nil
}

// HandleFrame processes one event.
func (o *OneBot) HandleFrame(ctx context.Context, frame []byte) error {
	ev, err := parseOneBotEvent(frame)
	if err != nil {
		return err
	}
	if ev.SelfID != 0 {
		o.selfID.Store(ev.SelfID)
	}
	switch ev.PostType {
	case "message":
		return o.handleMessage(ctx, ev)
	case "notice":
		if ev.NoticeType == "group_recall" && ev.GroupID == o.groupID {
			if ev.OperatorID != 0 && ev.OperatorID == o.selfID.Load() {
				o.logger.Debug("own recall dropped", "id", ev.MessageID.String())
				return nil
			}
			o.recall(ctx, ev.MessageID.String())
		}
	case "meta_event", "request":
	default:
		o.logger.Debug("unhandled post type", "post_type", ev.PostType)
	}
	return nil
}

func (o *OneBot) handleMessage(ctx context.Context, ev oneBotEvent) error {
	if ev.MessageType != "group" || ev.GroupID != o.groupID {
		o.logger.Debug("message outside bridged group dropped", "message_type", ev.MessageType, "group", ev.GroupID)
		return nil
	}
	if ev.UserID == o.selfID.Load() {
		o.logger.Debug("own message dropped", "id", ev.MessageID.String())
		return nil
	}
	segs, err := decodeSegments(ev.Message)
	if err != nil {
		return fmt.Errorf("%w: message body: %w", gateway.ErrProtocol, err)
	}

	var (
		text        strings.Builder
		replyTo     string
		attachments []domain.Attachment
	)
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			text.WriteString(seg.get("text"))
		case "reply":
			replyTo = seg.get("id")
		case "image":
			name := seg.get("file")
			if name == "" {
				name = "image"
			}
			if att, ok := o.fetch(ctx, seg.get("url"), name, ""); ok {
				att.Kind = domain.AttachmentImage
				attachments = append(attachments, att)
			}
		case "at":
			// Mentions carry no text; QQ also inserts one for the quoted
			// author of every reply.
		default:
			o.logger.Debug("unhandled segment", "type", seg.Type)
		}
	}

	author := ev.Sender.Card
	if author == "" {
		author = ev.Sender.Nickname
	}
	if author == "" {
		author = strconv.FormatInt(ev.UserID, 10)
	}
	o.deliver(ctx, domain.NewMessage(o.name, ev.MessageID.String(), author, strings.TrimSpace(text.String()), attachments, replyTo))
	return nil
}

// SendMessage posts msg to the group.
func (o *OneBot) SendMessage(ctx context.Context, msg domain.Message) (string, error) {
	return o.send(ctx, msg, "")
}

// SendReply posts msg quoting refNativeID.
func (o *OneBot) SendReply(ctx context.Context, msg domain.Message, refNativeID string) (string, error) {
	return o.send(ctx, msg, refNativeID)
}

// encodeOutbound renders msg as a CQ string.
func encodeOutbound(msg domain.Message, ref string) string {
	var b strings.Builder
	if ref != "" {
		b.WriteString(cqTag("reply", "id", ref))
	}
	for _, a := range msg.Attachments {
		if a.IsImage() {
			b.WriteString(cqTag("image", "file", "file://"+filepath.ToSlash(a.Path)))
		}
	}
	b.WriteString(escapeCQ(formatLine(msg)))
	for _, a := range msg.Attachments {
		if !a.IsImage() {
			b.WriteString(escapeCQ("\n[file: " + a.Filename + "]"))
		}
	}
	return b.String()
}

func (o *OneBot) send(ctx context.Context, msg domain.Message, ref string) (string, error) {
	op := "send"
	if ref != "" {
		op = "reply"
	}
	if err := o.throttle(ctx); err != nil {
		return "", err
	}
	req := struct {
		GroupID int64  `json:"group_id"`
		Message string `json:"message"`
	}{o.groupID, encodeOutbound(msg, ref)}

	var resp struct {
		MessageID json.Number `json:"message_id"`
	}
	if err := o.call(ctx, "send_group_msg", req, &resp); err != nil {
		return "", o.wrap(op, err)
	}
	return resp.MessageID.String(), nil
}

// RecallMessage deletes a relayed message.
func (o *OneBot) RecallMessage(ctx context.Context, nativeID string) error {
	if err := o.throttle(ctx); err != nil {
		return err
	}
	id, err := strconv.ParseInt(nativeID, 10, 64)
	if err != nil {
		return o.fail("recall", fmt.Errorf("bad message id %q: %w", nativeID, err), false)
	}
	req := struct {
		MessageID int64 `json:"message_id"`
	}{id}
	if err := o.call(ctx, "delete_msg", req, nil); err != nil {
		return o.wrap("recall", err)
	}
	return nil
}

// oneBotStatusError is a non-2xx HTTP response from the API.
type oneBotStatusError struct {
	Code int
}

func (e *oneBotStatusError) Error() string { return fmt.Sprintf("http status %d", e.Code) }

// oneBotActionError is a failed action reported in the response envelope.
type oneBotActionError struct {
	RetCode int
	Message string
}

func (e *oneBotActionError) Error() string {
	return fmt.Sprintf("retcode %d: %s", e.RetCode, e.Message)
}

func (o *OneBot) wrap(op string, err error) error {
	var se *oneBotStatusError
	return o.fail(op, err, errors.As(err, &se) && retryableStatus(se.Code))
}

// call performs one HTTP API action and decodes data into out.
func (o *OneBot) call(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.accessToken)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: %w", action, &oneBotStatusError{Code: resp.StatusCode})
	}

	var env oneBotResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s: decode response: %w", action, err)
	}
	if env.RetCode != 0 || (env.Status != "ok" && env.Status != "async") {
		msg := env.Wording
		if msg == "" {
			msg = env.Message
		}
		return fmt.Errorf("%s: %w", action, &oneBotActionError{RetCode: env.RetCode, Message: msg})
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", action, err)
		}
	}
	return nil
}
