package channel

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"relaybot/internal/domain"
)

func testChannelLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// captureDebug points an adapter's logger at a buffer at debug level.
func captureDebug(b *base) *bytes.Buffer {
	var buf bytes.Buffer
	b.logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &buf
}

type relayCall struct {
	op     string // "new", "reply" or "recall"
	origin string
	msg    domain.Message
	id     string
}

// recordingRelay captures what an adapter hands to the hub.
type recordingRelay struct {
	mu    sync.Mutex
	calls []relayCall
}

func (r *recordingRelay) NewMessage(ctx context.Context, origin string, msg domain.Message) {
	r.add(relayCall{op: "new", origin: origin, msg: msg, id: msg.OriginID})
}

func (r *recordingRelay) ReplyMessage(ctx context.Context, origin string, msg domain.Message, refID string) {
	r.add(relayCall{op: "reply", origin: origin, msg: msg, id: refID})
}

func (r *recordingRelay) RecallMessage(ctx context.Context, origin, originID string) {
	r.add(relayCall{op: "recall", origin: origin, id: originID})
}

func (r *recordingRelay) add(c relayCall) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *recordingRelay) all() []relayCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relayCall(nil), r.calls...)
}

func (r *recordingRelay) only(t *testing.T) relayCall {
	t.Helper()
	calls := r.all()
	if len(calls) != 1 {
		t.Fatalf("relay calls = %+v, want exactly one", calls)
	}
	return calls[0]
}

type fetchCall struct {
	url    string
	key    string
	header http.Header
}

// stubFetcher pretends every download succeeds into dir.
type stubFetcher struct {
	dir   string
	mu    sync.Mutex
	calls []fetchCall
}

func (f *stubFetcher) Fetch(ctx context.Context, rawURL, key string, opts ...domain.FetchOption) (string, error) {
	var o domain.FetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{url: rawURL, key: key, header: o.Header})
	f.mu.Unlock()
	return filepath.Join(f.dir, key), nil
}

func (f *stubFetcher) fetched() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

// rewriteTransport sends every request to target, keeping path and query.
// It lets SDK clients with hard-coded hosts talk to an httptest server.
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	r.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func redirectClient(t *testing.T, serverURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Transport: rewriteTransport{target: u}}
}

func testCommon(t *testing.T, relay domain.Relay) (Common, *stubFetcher) {
	t.Helper()
	fetcher := &stubFetcher{dir: t.TempDir()}
	return Common{
		Relay:   relay,
		Fetcher: fetcher,
		Logger:  testChannelLogger(),
	}, fetcher
}
