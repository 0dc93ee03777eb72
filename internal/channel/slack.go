package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"relaybot/internal/domain"
	"relaybot/internal/gateway"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	Common
	BotToken  string
	AppToken  string
	ChannelID string
	APIURL    string // Web API base, for tests and enterprise grids
}

// Slack bridges one Slack channel over Socket Mode. Envelopes are read by
// the gateway session; outbound calls use the Web API.
type Slack struct {
	base
	botToken  string
	channelID string
	api       *slack.Client

	mu      sync.RWMutex
	selfUID string
	selfBot string
	names   map[string]string // user id -> display name
}

var (
	_ domain.Adapter      = (*Slack)(nil)
	_ gateway.Handshaker  = (*Slack)(nil)
	_ gateway.Interceptor = (*Slack)(nil)
)

// NewSlack creates a Slack adapter.
func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, errors.New("slack: botToken and appToken are required")
	}
	if cfg.ChannelID == "" {
		return nil, errors.New("slack: channel id is required")
	}
	s := &Slack{
		botToken:  cfg.BotToken,
		channelID: cfg.ChannelID,
		names:     make(map[string]string),
	}
	s.base = newBase("slack", cfg.Common, s)

	opts := []slack.Option{
		slack.OptionAppLevelToken(cfg.AppToken),
		slack.OptionHTTPClient(s.client),
	}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(cfg.APIURL, "/")+"/"))
	}
	s.api = slack.New(cfg.BotToken, opts...)
	return s, nil
}

// Dial authenticates, asks for a Socket Mode URL and connects to it.
func (s *Slack) Dial(ctx context.Context) (gateway.Conn, error) {
	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth: %w", err)
	}
	s.mu.Lock()
	s.selfUID, s.selfBot = auth.UserID, auth.BotID
	s.mu.Unlock()

	_, wsURL, err := s.api.StartSocketModeContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack socket mode: %w", err)
	}
	s.logger.Debug("socket mode url acquired", "user_id", auth.UserID)
	return gateway.DialWebSocket(ctx, wsURL, nil)
}

func parseEnvelope(frame []byte) (socketmode.Request, error) {
	var req socketmode.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return req, fmt.Errorf("%w: %w", gateway.ErrProtocol, err)
	}
	return req, nil
}

// Handshake consumes the hello envelope.
func (s *Slack) Handshake(ctx context.Context, first []byte) (gateway.Handshake, error) {
	req, err := parseEnvelope(first)
	if err != nil {
		return gateway.Handshake{}, err
	}
	if req.Type != socketmode.RequestTypeHello {
		return gateway.Handshake{Dispatch: true}, nil
	}
	s.logger.Debug("socket mode hello")
	return gateway.Handshake{}, nil
}

// Intercept acknowledges every envelope on the reader goroutine so Slack
// never redelivers while the dispatcher is busy.
func (s *Slack) Intercept(frame []byte) ([]byte, bool, error) {
	req, err := parseEnvelope(frame)
	if err != nil {
		return nil, true, err
	}
	var ack []byte
	if req.EnvelopeID != "" {
		if ack, err = json.Marshal(socketmode.Response{EnvelopeID: req.EnvelopeID}); err != nil {
			return nil, true, err
		}
	}
	switch req.Type {
	case socketmode.RequestTypeEventsAPI:
		return ack, false, nil
	case socketmode.RequestTypeDisconnect:
		return nil, true, fmt.Errorf("%w: slack disconnect (%s)", gateway.ErrReconnect, req.Reason)
	case socketmode.RequestTypeHello:
		return nil, true, nil
	default:
		s.logger.Debug("unhandled envelope", "type", req.Type)
		return ack, true, nil
	}
}

// slackMessageEvent is the inner "message" event with the fields relayed.
type slackMessageEvent struct {
	Type      string       `json:"type"`
	SubType   string       `json:"subtype"`
	Channel   string       `json:"channel"`
	User      string       `json:"user"`
	BotID     string       `json:"bot_id"`
	Text      string       `json:"text"`
	TS        string       `json:"ts"`
	ThreadTS  string       `json:"thread_ts"`
	DeletedTS string       `json:"deleted_ts"`
	Files     []slack.File `json:"files"`
	Message   *struct {
		SubType string `json:"subtype"`
		TS      string `json:"ts"`
	} `json:"message"` // edited message, for message_changed
}

// HandleFrame processes one events_api envelope.
func (s *Slack) HandleFrame(ctx context.Context, frame []byte) error {
	req, err := parseEnvelope(frame)
	if err != nil {
		return err
	}
	if req.Type != socketmode.RequestTypeEventsAPI {
		return nil
	}
	var cb slackevents.EventsAPICallbackEvent
	if err := json.Unmarshal(req.Payload, &cb); err != nil {
		return fmt.Errorf("%w: callback: %w", gateway.ErrProtocol, err)
	}
	if cb.Type != string(slackevents.CallbackEvent) || cb.InnerEvent == nil {
		s.logger.Debug("unhandled events api payload", "type", cb.Type)
		return nil
	}
	var ev slackMessageEvent
	if err := json.Unmarshal(*cb.InnerEvent, &ev); err != nil {
		return fmt.Errorf("%w: event: %w", gateway.ErrProtocol, err)
	}
	if ev.Type != "message" {
		s.logger.Debug("unhandled event", "type", ev.Type)
		return nil
	}
	if ev.Channel != s.channelID {
		s.logger.Debug("message outside bridged channel dropped", "channel", ev.Channel)
		return nil
	}

	switch ev.SubType {
	case "", "file_share", "thread_broadcast":
		s.handleMessage(ctx, ev)
	case "message_deleted":
		if ev.DeletedTS != "" {
			s.recall(ctx, ev.DeletedTS)
		}
	case "message_changed":
		// A deleted thread parent with replies turns into a tombstone.
		if ev.Message != nil && ev.Message.SubType == "tombstone" && ev.Message.TS != "" {
			s.recall(ctx, ev.Message.TS)
			return nil
		}
		s.logger.Debug("edit ignored", "ts", ev.TS)
	case "bot_message":
		s.logger.Debug("bot message dropped", "bot_id", ev.BotID)
	default:
		s.logger.Debug("unhandled message subtype", "subtype", ev.SubType)
	}
	return nil
}

func (s *Slack) handleMessage(ctx context.Context, ev slackMessageEvent) {
	s.mu.RLock()
	self, selfBot := s.selfUID, s.selfBot
	s.mu.RUnlock()
	if ev.User == self || (ev.BotID != "" && ev.BotID == selfBot) {
		s.logger.Debug("own message dropped", "ts", ev.TS)
		return
	}

	var replyTo string
	if ev.ThreadTS != "" && ev.ThreadTS != ev.TS {
		replyTo = ev.ThreadTS
	}

	var attachments []domain.Attachment
	for _, f := range ev.Files {
		u := f.URLPrivateDownload
		if u == "" {
			u = f.URLPrivate
		}
		name := f.Name
		if name == "" {
			name = f.ID
		}
		if att, ok := s.fetch(ctx, u, name, f.Mimetype, domain.WithHeader("Authorization", "Bearer "+s.botToken)); ok {
			attachments = append(attachments, att)
		}
	}

	s.deliver(ctx, domain.NewMessage(s.name, ev.TS, s.displayName(ctx, ev.User), unescapeSlack(ev.Text), attachments, replyTo))
}

// displayName resolves a user id once per process.
func (s *Slack) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return "unknown"
	}
	s.mu.RLock()
	name, ok := s.names[userID]
	s.mu.RUnlock()
	if ok {
		return name
	}

	user, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		s.logger.Warn("users.info failed", "user", userID, "err", err)
		return userID
	}
	name = user.Profile.DisplayName
	if name == "" {
		name = user.Profile.RealName
	}
	if name == "" {
		name = user.Name
	}
	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
	return name
}

var slackUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

func unescapeSlack(s string) string { return slackUnescaper.Replace(s) }

// SendMessage posts msg to the channel.
func (s *Slack) SendMessage(ctx context.Context, msg domain.Message) (string, error) {
	return s.send(ctx, msg, "")
}

// SendReply posts msg into the thread of refNativeID.
func (s *Slack) SendReply(ctx context.Context, msg domain.Message, refNativeID string) (string, error) {
	return s.send(ctx, msg, refNativeID)
}

func (s *Slack) send(ctx context.Context, msg domain.Message, threadTS string) (string, error) {
	op := "send"
	if threadTS != "" {
		op = "reply"
	}
	if err := s.throttle(ctx); err != nil {
		return "", err
	}

	opts := []slack.MsgOption{slack.MsgOptionText(truncate(formatLine(msg), slackMaxMsgLen), false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := s.api.PostMessageContext(ctx, s.channelID, opts...)
	if err != nil {
		return "", s.fail(op, err, slackRetryable(err))
	}

	for _, a := range msg.Attachments {
		if err := s.upload(ctx, a, threadTS); err != nil {
			s.logger.Warn("file upload failed", "file", a.Filename, "err", err)
		}
	}
	return ts, nil
}

func (s *Slack) upload(ctx context.Context, a domain.Attachment, threadTS string) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	name := a.Filename
	if name == "" {
		name = filepath.Base(a.Path)
	}
	_, err = s.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Reader:          f,
		FileSize:        int(info.Size()),
		Filename:        name,
		Title:           name,
		Channel:         s.channelID,
		ThreadTimestamp: threadTS,
	})
	return err
}

// RecallMessage deletes a relayed message.
func (s *Slack) RecallMessage(ctx context.Context, nativeID string) error {
	if err := s.throttle(ctx); err != nil {
		return err
	}
	if _, _, err := s.api.DeleteMessageContext(ctx, s.channelID, nativeID); err != nil {
		return s.fail("recall", err, slackRetryable(err))
	}
	return nil
}

func slackRetryable(err error) bool {
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return retryableStatus(sc.Code)
	}
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
