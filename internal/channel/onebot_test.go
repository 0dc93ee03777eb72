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
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/gateway"

	"github.com/gorilla/websocket"
)

// oneBotAPI fakes the HTTP action endpoint.
type oneBotAPI struct {
	mu       sync.Mutex
	requests map[string][]map[string]any
	auth     []string
	status   int
	retcode  int
}

func (f *oneBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requests == nil {
		f.requests = make(map[string][]map[string]any)
	}
	action := strings.TrimPrefix(r.URL.Path, "/")
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	f.requests[action] = append(f.requests[action], body)
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	if f.retcode != 0 {
		io.WriteString(w, `{"status":"failed","retcode":100,"wording":"group muted","data":null}`)
		return
	}
	switch action {
	case "send_group_msg":
		io.WriteString(w, `{"status":"ok","retcode":0,"data":{"message_id":5150}}`)
	case "get_login_info":
		io.WriteString(w, `{"status":"ok","retcode":0,"data":{"user_id":10000,"nickname":"relay"}}`)
	default:
		io.WriteString(w, `{"status":"ok","retcode":0,"data":null}`)
	}
}

func (f *oneBotAPI) calls(action string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[action]
}

func newTestOneBot(t *testing.T, relay domain.Relay, apiURL string) (*OneBot, *stubFetcher) {
	t.Helper()
	common, fetcher := testCommon(t, relay)
	if apiURL == "" {
		apiURL = "http://127.0.0.1:1"
	}
	o, err := NewOneBot(OneBotConfig{
		Common:      common,
		WSURL:       "ws://127.0.0.1:1/",
		APIURL:      apiURL,
		AccessToken: "secret",
		GroupID:     123,
	})
	if err != nil {
		t.Fatalf("new onebot: %v", err)
	}
	return o, fetcher
}

func TestOneBot_HandshakeLifecycle(t *testing.T) {
	o, _ := newTestOneBot(t, &recordingRelay{}, "")

	hs, err := o.Handshake(context.Background(), []byte(`{"post_type":"meta_event","meta_event_type":"lifecycle","sub_type":"connect","self_id":10000}`))
	if err != nil || hs.Dispatch {
		t.Fatalf("lifecycle handshake = %+v, %v", hs, err)
	}
	if o.selfID.Load() != 10000 {
		t.Fatalf("self id = %d", o.selfID.Load())
	}

	hs, err = o.Handshake(context.Background(), []byte(`{"post_type":"message","message_type":"group","group_id":123}`))
	if err != nil || !hs.Dispatch {
		t.Fatalf("event as first frame must be dispatched: %+v, %v", hs, err)
	}
}

func TestOneBot_InterceptHeartbeat(t *testing.T) {
	o, _ := newTestOneBot(t, &recordingRelay{}, "")
	if _, consumed, _ := o.Intercept([]byte(`{"post_type":"meta_event","meta_event_type":"heartbeat"}`)); !consumed {
		t.Fatal("heartbeat must be consumed")
	}
	if _, consumed, _ := o.Intercept([]byte(`{"post_type":"message"}`)); consumed {
		t.Fatal("messages must be dispatched")
	}
	if _, _, err := o.Intercept([]byte(`{`)); !errors.Is(err, gateway.ErrProtocol) {
		t.Fatalf("garbage err = %v", err)
	}
}

func TestOneBot_NormalizesArrayMessage(t *testing.T) {
	relay := &recordingRelay{}
	o, fetcher := newTestOneBot(t, relay, "")

	frame := `{"post_type":"message","message_type":"group","group_id":123,"user_id":42,"self_id":10000,
		"message_id":-2147483000,
		"sender":{"nickname":"Bob","card":"Bobby"},
		"message":[
			{"type":"reply","data":{"id":"77"}},
			{"type":"text","data":{"text":"look "}},
			{"type":"image","data":{"file":"abc.image","url":"https://qq.example/abc"}},
			{"type":"text","data":{"text":"here"}}
		]}`
	if err := o.HandleFrame(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	call := relay.only(t)
	if call.op != "reply" || call.id != "77" {
		t.Fatalf("call = %+v", call)
	}
	m := call.msg
	if m.OriginID != "-2147483000" || m.Author != "Bobby" || m.Text != "look here" {
		t.Fatalf("message = %+v", m)
	}
	if len(m.Attachments) != 1 || !m.Attachments[0].IsImage() {
		t.Fatalf("attachments = %+v", m.Attachments)
	}
	if got := fetcher.fetched(); len(got) != 1 || got[0].key != "onebot_abc.image" || got[0].url != "https://qq.example/abc" {
		t.Fatalf("fetches = %+v", got)
	}
}

func TestOneBot_NormalizesCQStringMessage(t *testing.T) {
	relay := &recordingRelay{}
	o, _ := newTestOneBot(t, relay, "")

	frame := `{"post_type":"message","message_type":"group","group_id":123,"user_id":42,"message_id":9,
		"sender":{"nickname":"Bob"},"message":"hi &#91;all&#93;"}`
	o.HandleFrame(context.Background(), []byte(frame))

	call := relay.only(t)
	if call.op != "new" || call.msg.Text != "hi [all]" || call.msg.Author != "Bob" {
		t.Fatalf("call = %+v", call)
	}
}

func TestOneBot_MentionsAreNotText(t *testing.T) {
	relay := &recordingRelay{}
	o, _ := newTestOneBot(t, relay, "")
	o.selfID.Store(10000)

	frame := `{"post_type":"message","message_type":"group","group_id":123,"user_id":42,"message_id":11,
		"sender":{"nickname":"Bob"},
		"message":"[CQ:reply,id=5][CQ:at,qq=10000] [CQ:at,qq=777] sure"}`
	if err := o.HandleFrame(context.Background(), []byte(frame)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	call := relay.only(t)
	if call.op != "reply" || call.id != "5" || call.msg.Text != "sure" {
		t.Fatalf("call = %+v", call)
	}
}

func TestOneBot_DropsOtherGroupsAndSelf(t *testing.T) {
	relay := &recordingRelay{}
	o, _ := newTestOneBot(t, relay, "")
	o.selfID.Store(10000)
	ctx := context.Background()

	o.HandleFrame(ctx, []byte(`{"post_type":"message","message_type":"group","group_id":999,"user_id":42,"message_id":1,"message":"x"}`))
	o.HandleFrame(ctx, []byte(`{"post_type":"message","message_type":"private","user_id":42,"message_id":2,"message":"x"}`))
	o.HandleFrame(ctx, []byte(`{"post_type":"message","message_type":"group","group_id":123,"user_id":10000,"message_id":3,"message":"echo"}`))

	if calls := relay.all(); len(calls) != 0 {
		t.Fatalf("unexpected relay calls: %+v", calls)
	}
}

func TestOneBot_GroupRecallNotice(t *testing.T) {
	relay := &recordingRelay{}
	o, _ := newTestOneBot(t, relay, "")
	o.selfID.Store(10000)
	ctx := context.Background()

	o.HandleFrame(ctx, []byte(`{"post_type":"notice","notice_type":"group_recall","group_id":123,"operator_id":42,"message_id":88}`))
	o.HandleFrame(ctx, []byte(`{"post_type":"notice","notice_type":"group_recall","group_id":123,"operator_id":10000,"message_id":89}`))
	o.HandleFrame(ctx, []byte(`{"post_type":"notice","notice_type":"group_recall","group_id":5,"operator_id":42,"message_id":90}`))

	call := relay.only(t)
	if call.op != "recall" || call.id != "88" {
		t.Fatalf("call = %+v", call)
	}
}

func TestOneBot_SendAndRecall(t *testing.T) {
	api := &oneBotAPI{}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	defer srv.Close()
	o, _ := newTestOneBot(t, &recordingRelay{}, srv.URL)
	ctx := context.Background()

	id, err := o.SendReply(ctx, domain.NewMessage("discord", "d1", "alice", "hi", nil, ""), "77")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "5150" {
		t.Fatalf("id = %q", id)
	}
	sent := api.calls("send_group_msg")
	if len(sent) != 1 || sent[0]["group_id"] != float64(123) || sent[0]["message"] != "[CQ:reply,id=77]&#91;alice&#93;: hi" {
		t.Fatalf("send_group_msg = %+v", sent)
	}

	if err := o.RecallMessage(ctx, "5150"); err != nil {
		t.Fatalf("recall: %v", err)
	}
	if del := api.calls("delete_msg"); len(del) != 1 || del[0]["message_id"] != float64(5150) {
		t.Fatalf("delete_msg = %+v", del)
	}
	for _, a := range api.auth {
		if a != "Bearer secret" {
			t.Fatalf("authorization = %q", a)
		}
	}
}

func TestOneBot_ActionErrors(t *testing.T) {
	api := &oneBotAPI{retcode: 100}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	defer srv.Close()
	o, _ := newTestOneBot(t, &recordingRelay{}, srv.URL)
	msg := domain.NewMessage("discord", "d1", "alice", "hi", nil, "")

	_, err := o.SendMessage(context.Background(), msg)
	var re *domain.RelayError
	if !errors.As(err, &re) || re.Retryable || !strings.Contains(err.Error(), "group muted") {
		t.Fatalf("retcode err = %v", err)
	}

	api.mu.Lock()
	api.retcode, api.status = 0, http.StatusBadGateway
	api.mu.Unlock()
	_, err = o.SendMessage(context.Background(), msg)
	if !domain.IsRetryable(err) {
		t.Fatalf("502 err = %v, want retryable", err)
	}

	if err := o.RecallMessage(context.Background(), "not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}

func TestOneBot_SessionDeliversEvents(t *testing.T) {
	api := &oneBotAPI{}
	apiSrv := httptest.NewServer(http.HandlerFunc(api.handler))
	defer apiSrv.Close()

	upgrader := websocket.Upgrader{}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte(`{"post_type":"meta_event","meta_event_type":"lifecycle","sub_type":"connect","self_id":10000}`))
		c.WriteMessage(websocket.TextMessage, []byte(`{"post_type":"meta_event","meta_event_type":"heartbeat","self_id":10000}`))
		c.WriteMessage(websocket.TextMessage, []byte(`{"post_type":"message","message_type":"group","group_id":123,"user_id":42,"message_id":1,"sender":{"nickname":"Bob"},"message":"hello"}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer wsSrv.Close()

	relay := &recordingRelay{}
	common, _ := testCommon(t, relay)
	o, err := NewOneBot(OneBotConfig{
		Common:      common,
		WSURL:       "ws" + strings.TrimPrefix(wsSrv.URL, "http"),
		APIURL:      apiSrv.URL,
		AccessToken: "secret",
		GroupID:     123,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(relay.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	o.Stop()
	o.Join()

	call := relay.only(t)
	if call.op != "new" || call.msg.Text != "hello" {
		t.Fatalf("call = %+v", call)
	}
	if len(api.calls("get_login_info")) != 1 {
		t.Fatal("login info not fetched at dial")
	}
	if o.State() != gateway.Disconnected {
		t.Fatalf("state after stop = %v", o.State())
	}
}

func TestOneBot_DropsAreLogged(t *testing.T) {
	relay := &recordingRelay{}
	o, _ := newTestOneBot(t, relay, "")
	logs := captureDebug(&o.base)
	o.selfID.Store(10000)
	ctx := context.Background()

	o.HandleFrame(ctx, []byte(`{"post_type":"message","message_type":"group","group_id":999,"user_id":42,"message_id":1,"message":"x"}`))
	o.HandleFrame(ctx, []byte(`{"post_type":"message","message_type":"group","group_id":123,"user_id":10000,"message_id":3,"message":"echo"}`))

	out := logs.String()
	if !strings.Contains(out, "outside bridged group") || !strings.Contains(out, "own message dropped") {
		t.Fatalf("logs:\n%s", out)
	}
}
