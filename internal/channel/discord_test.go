package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"relaybot/internal/domain"
	"relaybot/internal/gateway"
)

func newTestDiscord(t *testing.T, relay domain.Relay, mutate func(*DiscordConfig)) (*Discord, *stubFetcher) {
	t.Helper()
	common, fetcher := testCommon(t, relay)
	cfg := DiscordConfig{Common: common, Token: "tok", ChannelID: "C1", IgnoreBots: true}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDiscord(cfg)
	if err != nil {
		t.Fatalf("new discord: %v", err)
	}
	return d, fetcher
}

func dispatch(t *testing.T, eventType string, data string) []byte {
	t.Helper()
	return []byte(`{"op":0,"s":1,"t":"` + eventType + `","d":` + data + `}`)
}

func TestDiscord_RequiresTokenAndChannel(t *testing.T) {
	if _, err := NewDiscord(DiscordConfig{ChannelID: "C1"}); err == nil {
		t.Fatal("expected error without token")
	}
	if _, err := NewDiscord(DiscordConfig{Token: "tok"}); err == nil {
		t.Fatal("expected error without channel")
	}
}

func TestDiscord_HandshakeIdentifies(t *testing.T) {
	d, _ := newTestDiscord(t, &recordingRelay{}, nil)

	hs, err := d.Handshake(context.Background(), []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if hs.Interval.Milliseconds() != 41250 {
		t.Fatalf("interval = %v", hs.Interval)
	}
	var identify struct {
		Op int `json:"op"`
		D  struct {
			Token   string `json:"token"`
			Intents int    `json:"intents"`
		} `json:"d"`
	}
	if err := json.Unmarshal(hs.Identify, &identify); err != nil {
		t.Fatalf("identify json: %v", err)
	}
	if identify.Op != 2 || identify.D.Token != "Bot tok" || identify.D.Intents == 0 {
		t.Fatalf("identify = %+v", identify)
	}

	if _, err := d.Handshake(context.Background(), []byte(`{"op":0,"t":"READY","d":{}}`)); !errors.Is(err, gateway.ErrProtocol) {
		t.Fatalf("non-hello greeting err = %v", err)
	}
}

func TestDiscord_HeartbeatAckTracking(t *testing.T) {
	d, _ := newTestDiscord(t, &recordingRelay{}, nil)

	beat, err := d.Heartbeat()
	if err != nil || string(beat) != `{"op":1,"d":null}` {
		t.Fatalf("first beat = %s, %v", beat, err)
	}
	if _, consumed, _ := d.Intercept([]byte(`{"op":11}`)); !consumed {
		t.Fatal("ack must be consumed")
	}
	if _, consumed, _ := d.Intercept(dispatch(t, "TYPING_START", `{}`)); consumed {
		t.Fatal("dispatch must reach HandleFrame")
	}
	beat, err = d.Heartbeat()
	if err != nil || string(beat) != `{"op":1,"d":1}` {
		t.Fatalf("second beat = %s, %v", beat, err)
	}
	if _, err := d.Heartbeat(); !errors.Is(err, gateway.ErrReconnect) {
		t.Fatalf("unacked beat err = %v, want ErrReconnect", err)
	}
}

func TestDiscord_InterceptControlOpcodes(t *testing.T) {
	d, _ := newTestDiscord(t, &recordingRelay{}, nil)

	reply, consumed, err := d.Intercept([]byte(`{"op":1,"d":null}`))
	if err != nil || !consumed || !strings.Contains(string(reply), `"op":1`) {
		t.Fatalf("server heartbeat request: %s %v %v", reply, consumed, err)
	}
	for _, frame := range []string{`{"op":7,"d":null}`, `{"op":9,"d":false}`} {
		if _, _, err := d.Intercept([]byte(frame)); !errors.Is(err, gateway.ErrReconnect) {
			t.Fatalf("%s err = %v, want ErrReconnect", frame, err)
		}
	}
	if _, _, err := d.Intercept([]byte(`not json`)); !errors.Is(err, gateway.ErrProtocol) {
		t.Fatalf("garbage err = %v", err)
	}
}

func TestDiscord_NormalizesMessageCreate(t *testing.T) {
	relay := &recordingRelay{}
	d, fetcher := newTestDiscord(t, relay, nil)
	ctx := context.Background()

	frame := dispatch(t, "MESSAGE_CREATE", `{
		"id":"m2","channel_id":"C1","content":"look",
		"author":{"id":"U1","username":"alice","global_name":"Alice"},
		"member":{"nick":"Al"},
		"message_reference":{"message_id":"m1","channel_id":"C1"},
		"attachments":[{"id":"a1","url":"https://cdn.example/cat.png","filename":"cat.png","content_type":"image/png"}]
	}`)
	if err := d.HandleFrame(ctx, frame); err != nil {
		t.Fatalf("handle: %v", err)
	}

	call := relay.only(t)
	if call.op != "reply" || call.id != "m1" || call.origin != "discord" {
		t.Fatalf("call = %+v", call)
	}
	m := call.msg
	if m.Author != "Al" || m.Text != "look" || m.OriginID != "m2" {
		t.Fatalf("message = %+v", m)
	}
	if len(m.Attachments) != 1 || !m.Attachments[0].IsImage() {
		t.Fatalf("attachments = %+v", m.Attachments)
	}
	if got := fetcher.fetched(); len(got) != 1 || got[0].key != "discord_cat.png" {
		t.Fatalf("fetches = %+v", got)
	}
}

func TestDiscord_DropsEchoForeignChannelAndBots(t *testing.T) {
	relay := &recordingRelay{}
	d, _ := newTestDiscord(t, relay, nil)
	ctx := context.Background()

	d.HandleFrame(ctx, dispatch(t, "READY", `{"session_id":"s","user":{"id":"BOT","username":"relay"}}`))
	d.HandleFrame(ctx, dispatch(t, "MESSAGE_CREATE", `{"id":"1","channel_id":"C1","content":"echo","author":{"id":"BOT","username":"relay"}}`))
	d.HandleFrame(ctx, dispatch(t, "MESSAGE_CREATE", `{"id":"2","channel_id":"C2","content":"elsewhere","author":{"id":"U1","username":"alice"}}`))
	d.HandleFrame(ctx, dispatch(t, "MESSAGE_CREATE", `{"id":"3","channel_id":"C1","content":"beep","author":{"id":"B2","username":"other","bot":true}}`))
	d.HandleFrame(ctx, dispatch(t, "MESSAGE_CREATE", `{"id":"4","channel_id":"C1","content":"hi","author":{"id":"U1","username":"alice"}}`))

	call := relay.only(t)
	if call.op != "new" || call.msg.OriginID != "4" || call.msg.Author != "alice" {
		t.Fatalf("call = %+v", call)
	}
}

func TestDiscord_MessageDeleteRecalls(t *testing.T) {
	relay := &recordingRelay{}
	d, _ := newTestDiscord(t, relay, nil)

	d.HandleFrame(context.Background(), dispatch(t, "MESSAGE_DELETE", `{"id":"m9","channel_id":"C1"}`))
	d.HandleFrame(context.Background(), dispatch(t, "MESSAGE_DELETE", `{"id":"m8","channel_id":"C2"}`))

	call := relay.only(t)
	if call.op != "recall" || call.id != "m9" {
		t.Fatalf("call = %+v", call)
	}
}

// discordREST fakes the two REST endpoints the adapter uses.
type discordREST struct {
	mu      sync.Mutex
	status  int
	bodies  []map[string]any
	deletes []string
}

func (f *discordREST) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != 0 {
		w.WriteHeader(f.status)
		io.WriteString(w, `{"message":"boom","code":0}`)
		return
	}
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/channels/C1/messages"):
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.bodies = append(f.bodies, body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"900","channel_id":"C1"}`)
	case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/channels/C1/messages/"):
		f.deletes = append(f.deletes, r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func TestDiscord_SendReplyAndRecall(t *testing.T) {
	fake := &discordREST{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	d, _ := newTestDiscord(t, &recordingRelay{}, func(c *DiscordConfig) {
		c.HTTPClient = redirectClient(t, srv.URL)
	})
	ctx := context.Background()
	msg := domain.NewMessage("onebot", "42", "bob", "hello", nil, "")

	id, err := d.SendReply(ctx, msg, "m1")
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if id != "900" {
		t.Fatalf("id = %q", id)
	}
	body := fake.bodies[0]
	if body["content"] != "[bob]: hello" {
		t.Fatalf("content = %v", body["content"])
	}
	ref, _ := body["message_reference"].(map[string]any)
	if ref["message_id"] != "m1" {
		t.Fatalf("message_reference = %v", body["message_reference"])
	}

	if err := d.RecallMessage(ctx, "900"); err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(fake.deletes) != 1 || fake.deletes[0] != "900" {
		t.Fatalf("deletes = %v", fake.deletes)
	}
}

func TestDiscord_ServerErrorIsRetryable(t *testing.T) {
	fake := &discordREST{status: http.StatusInternalServerError}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	d, _ := newTestDiscord(t, &recordingRelay{}, func(c *DiscordConfig) {
		c.HTTPClient = redirectClient(t, srv.URL)
	})
	_, err := d.SendMessage(context.Background(), domain.NewMessage("slack", "1", "a", "x", nil, ""))
	var re *domain.RelayError
	if !errors.As(err, &re) || !re.Retryable || re.Platform != "discord" {
		t.Fatalf("err = %v", err)
	}
}

func TestDiscord_TruncatesLongContent(t *testing.T) {
	fake := &discordREST{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	d, _ := newTestDiscord(t, &recordingRelay{}, func(c *DiscordConfig) {
		c.HTTPClient = redirectClient(t, srv.URL)
	})
	long := strings.Repeat("é", 3000)
	if _, err := d.SendMessage(context.Background(), domain.NewMessage("slack", "1", "a", long, nil, "")); err != nil {
		t.Fatalf("send: %v", err)
	}
	content, _ := fake.bodies[0]["content"].(string)
	if n := len([]rune(content)); n != discordMaxMsgLen {
		t.Fatalf("content runes = %d", n)
	}
}

func TestDiscord_DropsAreLogged(t *testing.T) {
	relay := &recordingRelay{}
	d, _ := newTestDiscord(t, relay, nil)
	logs := captureDebug(&d.base)
	d.mu.Lock()
	d.selfID = "B1"
	d.mu.Unlock()
	ctx := context.Background()

	d.HandleFrame(ctx, dispatch(t, "MESSAGE_CREATE", `{"id":"1","channel_id":"C9","content":"x","author":{"id":"U1","username":"u"}}`))
	d.HandleFrame(ctx, dispatch(t, "MESSAGE_CREATE", `{"id":"2","channel_id":"C1","content":"echo","author":{"id":"B1","username":"relay"}}`))
	d.HandleFrame(ctx, dispatch(t, "MESSAGE_DELETE", `{"id":"3","channel_id":"C9"}`))

	if len(relay.all()) != 0 {
		t.Fatalf("unexpected relay calls: %+v", relay.all())
	}
	out := logs.String()
	for _, want := range []string{"message outside bridged channel dropped", "own message dropped", "delete outside bridged channel dropped"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in logs:\n%s", want, out)
		}
	}
}
