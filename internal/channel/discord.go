package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/gateway"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen      = 2000
	defaultDiscordGateway = "wss://gateway.discord.gg/?v=10&encoding=json"
)

// Gateway opcodes.
const (
	discordOpDispatch       = 0
	discordOpHeartbeat      = 1
	discordOpIdentify       = 2
	discordOpReconnect      = 7
	discordOpInvalidSession = 9
	discordOpHello          = 10
	discordOpHeartbeatAck   = 11
)

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Common
	Token      string
	ChannelID  string
	GatewayURL string
	IgnoreBots bool
}

// Discord bridges one Discord text channel. Inbound traffic comes from the
// gateway websocket; outbound calls go through discordgo's REST client.
type Discord struct {
	base
	token      string
	channelID  string
	gatewayURL string
	ignoreBots bool
	rest       *discordgo.Session

	seq        atomic.Int64 // last dispatch sequence, -1 before the first
	ackPending atomic.Bool

	mu     sync.RWMutex
	selfID string
}

var (
	_ domain.Adapter      = (*Discord)(nil)
	_ gateway.Handshaker  = (*Discord)(nil)
	_ gateway.Heartbeater = (*Discord)(nil)
	_ gateway.Interceptor = (*Discord)(nil)
)

// NewDiscord creates a Discord adapter. Nothing connects until Start.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if cfg.ChannelID == "" {
		return nil, errors.New("discord: channel id is required")
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = defaultDiscordGateway
	}
	rest, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	rest.MaxRestRetries = 1

	d := &Discord{
		token:      cfg.Token,
		channelID:  cfg.ChannelID,
		gatewayURL: cfg.GatewayURL,
		ignoreBots: cfg.IgnoreBots,
		rest:       rest,
	}
	d.base = newBase("discord", cfg.Common, d)
	rest.Client = d.client
	d.seq.Store(-1)
	return d, nil
}

// Dial opens the gateway websocket.
func (d *Discord) Dial(ctx context.Context) (gateway.Conn, error) {
	d.seq.Store(-1)
	d.ackPending.Store(false)
	return gateway.DialWebSocket(ctx, d.gatewayURL, nil)
}

type discordHello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type discordFrame struct {
	Op   int `json:"op"`
	Data any `json:"d"`
}

// Handshake expects HELLO and answers with IDENTIFY.
func (d *Discord) Handshake(ctx context.Context, first []byte) (gateway.Handshake, error) {
	var ev discordgo.Event
	if err := json.Unmarshal(first, &ev); err != nil {
		return gateway.Handshake{}, fmt.Errorf("%w: %w", gateway.ErrProtocol, err)
	}
	if ev.Operation != discordOpHello {
		return gateway.Handshake{}, fmt.Errorf("%w: expected hello, got op %d", gateway.ErrProtocol, ev.Operation)
	}
	var hello discordHello
	if err := json.Unmarshal(ev.RawData, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		return gateway.Handshake{}, fmt.Errorf("%w: bad hello payload", gateway.ErrProtocol)
	}

	identify, err := json.Marshal(discordFrame{Op: discordOpIdentify, Data: discordgo.Identify{
		Token: "Bot " + d.token,
		Properties: discordgo.IdentifyProperties{
			OS:      "linux",
			Browser: "relaybot",
			Device:  "relaybot",
		},
		LargeThreshold: 250,
		Presence:       discordgo.GatewayStatusUpdate{Status: "online"},
		Intents:        discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent,
	}})
	if err != nil {
		return gateway.Handshake{}, err
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	d.logger.Debug("gateway hello", "heartbeat_interval", interval)
	return gateway.Handshake{Interval: interval, Identify: identify}, nil
}

// Heartbeat returns the next heartbeat, or ErrReconnect when the previous
// one was never acknowledged.
func (d *Discord) Heartbeat() ([]byte, error) {
	if d.ackPending.Swap(true) {
		return nil, fmt.Errorf("%w: heartbeat not acknowledged", gateway.ErrReconnect)
	}
	return d.heartbeatFrame()
}

func (d *Discord) heartbeatFrame() ([]byte, error) {
	var seq any
	if s := d.seq.Load(); s >= 0 {
		seq = s
	}
	return json.Marshal(discordFrame{Op: discordOpHeartbeat, Data: seq})
}

// Intercept handles control opcodes on the reader goroutine.
func (d *Discord) Intercept(frame []byte) ([]byte, bool, error) {
	var ev discordgo.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, true, fmt.Errorf("%w: %w", gateway.ErrProtocol, err)
	}
	switch ev.Operation {
	case discordOpDispatch:
		d.seq.Store(ev.Sequence)
		return nil, false, nil
	case discordOpHeartbeatAck:
		d.ackPending.Store(false)
		return nil, true, nil
	case discordOpHeartbeat:
		reply, err := d.heartbeatFrame()
		return reply, true, err
	case discordOpReconnect:
		return nil, true, fmt.Errorf("%w: server requested reconnect", gateway.ErrReconnect)
	case discordOpInvalidSession:
		return nil, true, fmt.Errorf("%w: invalid session", gateway.ErrReconnect)
	default:
		d.logger.Debug("unhandled opcode", "op", ev.Operation)
		return nil, true, nil
	}
}

// HandleFrame processes one dispatch event.
func (d *Discord) HandleFrame(ctx context.Context, frame []byte) error {
	var ev discordgo.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrProtocol, err)
	}
	switch ev.Type {
	case "READY":
		var ready discordgo.Ready
		if err := json.Unmarshal(ev.RawData, &ready); err != nil {
			return fmt.Errorf("%w: ready: %w", gateway.ErrProtocol, err)
		}
		if ready.User != nil {
			d.mu.Lock()
			d.selfID = ready.User.ID
			d.mu.Unlock()
			d.logger.Info("discord bot ready", "user", ready.User.Username, "session", ready.SessionID)
		}
	case "MESSAGE_CREATE":
		var m discordgo.Message
		if err := json.Unmarshal(ev.RawData, &m); err != nil {
			return fmt.Errorf("%w: message: %w", gateway.ErrProtocol, err)
		}
		d.handleMessage(ctx, &m)
	case "MESSAGE_DELETE":
		var m discordgo.Message
		if err := json.Unmarshal(ev.RawData, &m); err != nil {
			return fmt.Errorf("%w: delete: %w", gateway.ErrProtocol, err)
		}
		if m.ChannelID != d.channelID {
			d.logger.Debug("delete outside bridged channel dropped", "channel", m.ChannelID)
			return nil
		}
		d.recall(ctx, m.ID)
	default:
		d.logger.Debug("unhandled dispatch", "type", ev.Type)
	}
	return nil
}

func (d *Discord) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m.ChannelID != d.channelID || m.Author == nil {
		d.logger.Debug("message outside bridged channel dropped", "channel", m.ChannelID, "id", m.ID)
		return
	}
	d.mu.RLock()
	self := d.selfID
	d.mu.RUnlock()
	if m.Author.ID == self {
		d.logger.Debug("own message dropped", "id", m.ID)
		return
	}
	if d.ignoreBots && m.Author.Bot {
		d.logger.Debug("bot message ignored", "author", m.Author.Username)
		return
	}

	author := m.Author.Username
	if m.Author.GlobalName != "" {
		author = m.Author.GlobalName
	}
	if m.Member != nil && m.Member.Nick != "" {
		author = m.Member.Nick
	}

	var attachments []domain.Attachment
	for _, a := range m.Attachments {
		if att, ok := d.fetch(ctx, a.URL, a.Filename, a.ContentType); ok {
			attachments = append(attachments, att)
		}
	}

	var replyTo string
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		replyTo = m.MessageReference.MessageID
	}

	d.deliver(ctx, domain.NewMessage(d.name, m.ID, author, m.Content, attachments, replyTo))
}

// SendMessage posts msg to the bridged channel.
func (d *Discord) SendMessage(ctx context.Context, msg domain.Message) (string, error) {
	return d.send(ctx, msg, "")
}

// SendReply posts msg as a reply to refNativeID.
func (d *Discord) SendReply(ctx context.Context, msg domain.Message, refNativeID string) (string, error) {
	return d.send(ctx, msg, refNativeID)
}

func (d *Discord) send(ctx context.Context, msg domain.Message, ref string) (string, error) {
	op := "send"
	if ref != "" {
		op = "reply"
	}
	if err := d.throttle(ctx); err != nil {
		return "", err
	}

	data := &discordgo.MessageSend{
		Content:         truncate(formatLine(msg), discordMaxMsgLen),
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	if ref != "" {
		failIfMissing := false
		data.Reference = &discordgo.MessageReference{
			MessageID:       ref,
			ChannelID:       d.channelID,
			FailIfNotExists: &failIfMissing,
		}
	}
	for _, a := range msg.Attachments {
		f, err := os.Open(a.Path)
		if err != nil {
			d.logger.Warn("attachment unreadable", "path", a.Path, "err", err)
			continue
		}
		defer f.Close()
		name := a.Filename
		if name == "" {
			name = filepath.Base(a.Path)
		}
		data.Files = append(data.Files, &discordgo.File{Name: name, ContentType: a.MimeType, Reader: f})
	}

	sent, err := d.rest.ChannelMessageSendComplex(d.channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return "", d.fail(op, err, discordRetryable(err))
	}
	return sent.ID, nil
}

// RecallMessage deletes a relayed message.
func (d *Discord) RecallMessage(ctx context.Context, nativeID string) error {
	if err := d.throttle(ctx); err != nil {
		return err
	}
	if err := d.rest.ChannelMessageDelete(d.channelID, nativeID, discordgo.WithContext(ctx)); err != nil {
		return d.fail("recall", err, discordRetryable(err))
	}
	return nil
}

func discordRetryable(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return retryableStatus(restErr.Response.StatusCode)
	}
	return false
}
