package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"relaybot/internal/bus"
)

var callBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Subscribe feeds relay, adapter and attachment events from eb into c.
// The returned func removes the handlers.
func (c *MetricsCollector) Subscribe(eb *bus.EventBus) func() {
	handlers := map[string]bus.EventHandler{
		bus.EventRelaySent:       c.onSent,
		bus.EventRelayFailed:     c.onFailed,
		bus.EventRelayRecalled:   c.onRecalled,
		bus.EventRelayDuplicate:  c.onDuplicate,
		bus.EventRelayLookupMiss: c.onLookupMiss,
		bus.EventAdapterState:    c.onAdapterState,
		bus.EventAttachmentFetch: c.onAttachment,
	}
	c.mu.Lock()
	c.events = eb
	c.mu.Unlock()
	ids := make(map[string]string, len(handlers))
	for typ, h := range handlers {
		ids[typ] = eb.On(typ, h)
	}
	return func() {
		for typ, id := range ids {
			eb.Off(typ, id)
		}
	}
}

func str(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func num(p map[string]any, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (c *MetricsCollector) observeCall(e bus.Event) {
	target := str(e.Payload, "target")
	if secs, ok := num(e.Payload, "seconds"); ok {
		c.Histogram("relay_call_seconds", "Outbound adapter call latency including retries", Labels("target", target), callBuckets).Observe(secs)
	}
	if n, ok := num(e.Payload, "attempts"); ok && n > 1 {
		c.Counter("relay_retries_total", "Outbound calls retried after a retryable error", Labels("target", target)).Add(int64(n) - 1)
	}
}

func (c *MetricsCollector) onSent(e bus.Event) {
	c.Counter("relay_sent_total", "Messages relayed to a target platform",
		Labels("origin", e.Source, "target", str(e.Payload, "target"), "op", str(e.Payload, "op"))).Inc()
	c.observeCall(e)
}

func (c *MetricsCollector) onFailed(e bus.Event) {
	c.Counter("relay_failed_total", "Outbound relay calls that failed",
		Labels("target", str(e.Payload, "target"), "op", str(e.Payload, "op"))).Inc()
	c.observeCall(e)
}

func (c *MetricsCollector) onRecalled(e bus.Event) {
	c.Counter("relay_recalls_total", "Recalls propagated from an origin platform", Labels("origin", e.Source)).Inc()
}

func (c *MetricsCollector) onDuplicate(e bus.Event) {
	c.Counter("relay_duplicates_total", "Inbound events ignored as duplicates", Labels("origin", e.Source)).Inc()
}

func (c *MetricsCollector) onLookupMiss(e bus.Event) {
	c.Counter("relay_lookup_miss_total", "Replies or recalls whose reference was unknown or recalled",
		Labels("origin", e.Source, "op", str(e.Payload, "op"))).Inc()
}

func (c *MetricsCollector) onAttachment(e bus.Event) {
	cached := str(e.Payload, "cached")
	c.Counter("attachments_total", "Attachment fetches by cache outcome", Labels("cached", cached)).Inc()
	if n, ok := num(e.Payload, "bytes"); ok && cached != "true" {
		c.Counter("attachment_bytes_total", "Bytes downloaded into the attachment cache", "").Add(int64(n))
	}
}

func (c *MetricsCollector) onAdapterState(e bus.Event) {
	state := str(e.Payload, "state")
	c.mu.Lock()
	c.adapters[e.Source] = state
	c.mu.Unlock()

	var up int64
	if state == "ready" {
		up = 1
	}
	c.Gauge("adapter_up", "1 when the adapter connection is ready", Labels("platform", e.Source)).Set(up)
	if state == "reconnecting" {
		c.Counter("adapter_reconnects_total", "Connection losses followed by a reconnect", Labels("platform", e.Source)).Inc()
	}
}

// TrackAdapters registers platforms so they report before their first
// state change.
func (c *MetricsCollector) TrackAdapters(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		if _, ok := c.adapters[n]; !ok {
			c.adapters[n] = "disconnected"
			c.Gauge("adapter_up", "1 when the adapter connection is ready", Labels("platform", n)).Set(0)
		}
	}
}

// AdapterStates returns a copy of the last known state per platform.
func (c *MetricsCollector) AdapterStates() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.adapters))
	for k, v := range c.adapters {
		out[k] = v
	}
	return out
}

// Health is the /healthz body.
type Health struct {
	Status   string            `json:"status"` // ok | degraded
	Uptime   string            `json:"uptime"`
	Adapters map[string]string `json:"adapters"`
	Ready    []string          `json:"ready"`
	// RecentFailures counts relay.failed events within failureWindow.
	RecentFailures int `json:"recent_failures"`
}

const failureWindow = 5 * time.Minute

// Health reports ok when every tracked adapter is ready.
func (c *MetricsCollector) Health() Health {
	states := c.AdapterStates()
	h := Health{Status: "ok", Uptime: c.Uptime().Round(1e9).String(), Adapters: states, Ready: []string{}}
	for name, st := range states {
		if st == "ready" {
			h.Ready = append(h.Ready, name)
		} else {
			h.Status = "degraded"
		}
	}
	sort.Strings(h.Ready)

	c.mu.RLock()
	eb := c.events
	c.mu.RUnlock()
	if eb != nil {
		h.RecentFailures = len(eb.Replay(bus.EventRelayFailed, time.Now().Add(-failureWindow)))
	}
	return h
}

// HealthHandler serves Health as JSON, with 503 while degraded.
func (c *MetricsCollector) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := c.Health()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Ready-Adapters", strconv.Itoa(len(h.Ready)))
		if h.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	}
}

// Mux returns a mux serving metrics at path and health at /healthz.
func (c *MetricsCollector) Mux(path string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(path, c.Handler())
	mux.HandleFunc("/healthz", c.HealthHandler())
	return mux
}
