// Package relay holds the hub that maps one conversation turn to its message
// ids on every platform and fans new, reply and recall events out to the
// other adapters.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

const (
	defaultCallTimeout  = 15 * time.Second
	defaultRetryBackoff = 500 * time.Millisecond
	defaultRetention    = 24 * time.Hour
)

const (
	opSend   = "send"
	opReply  = "reply"
	opRecall = "recall"
)

// Config configures the hub.
type Config struct {
	Logger        *slog.Logger
	Events        *bus.EventBus // optional
	CallTimeout   time.Duration // per outbound adapter call
	RetryAttempts int           // extra attempts for retryable send/reply failures
	RetryBackoff  time.Duration // first retry delay, doubled per attempt
	Retention     time.Duration // how long entries stay resolvable
	MaxEntries    int           // 0 = unbounded
}

// Hub is the single correspondence authority. Every entry point holds one
// mutex for the whole operation, fan-out included, so two events never
// interleave their table updates.
type Hub struct {
	mu       sync.Mutex
	adapters []domain.Adapter
	table    *table

	logger        *slog.Logger
	events        *bus.EventBus
	callTimeout   time.Duration
	retryAttempts int
	retryBackoff  time.Duration
}

var _ domain.Relay = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Hub{
		table:         newTable(cfg.Retention, cfg.MaxEntries),
		logger:        cfg.Logger.With("component", "relay"),
		events:        cfg.Events,
		callTimeout:   cfg.CallTimeout,
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
	}
}

// Register adds an adapter. Names must be unique.
func (h *Hub) Register(a domain.Adapter) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.adapters {
		if existing.Name() == a.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateAdapter, a.Name())
		}
	}
	h.adapters = append(h.adapters, a)
	return nil
}

// Platforms returns the registered adapter names in registration order.
func (h *Hub) Platforms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.adapters))
	for i, a := range h.adapters {
		names[i] = a.Name()
	}
	return names
}

// NewMessage relays a top-level message to every other platform.
func (h *Hub) NewMessage(ctx context.Context, origin string, msg domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.table.prune()

	if h.isDuplicate(origin, msg.OriginID) {
		return
	}
	h.relayNew(ctx, origin, msg)
}

// ReplyMessage relays a reply. Platforms holding a copy of the referenced
// turn get a native reply; the rest get a plain message. An unknown or
// recalled reference degrades to NewMessage.
func (h *Hub) ReplyMessage(ctx context.Context, origin string, msg domain.Message, refID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.table.prune()

	if h.isDuplicate(origin, msg.OriginID) {
		return
	}
	ref, err := h.table.lookup(origin, refID)
	if err != nil {
		h.logger.Info("reply target not resolvable, relaying as new message",
			"origin", origin, "ref_id", refID, "err", err)
		h.emit(bus.EventRelayLookupMiss, origin, map[string]any{"ref_id": refID, "op": opReply, "error": err.Error()})
		h.relayNew(ctx, origin, msg)
		return
	}

	refIDs := maps.Clone(ref.IDs)
	entry := h.table.create(origin, msg.OriginID)
	results := h.fanOut(ctx, origin, func(ctx context.Context, a domain.Adapter) delivery {
		if nativeRef, ok := refIDs[a.Name()]; ok {
			return h.deliver(ctx, a, opReply, func(ctx context.Context) (string, error) {
				return a.SendReply(ctx, msg, nativeRef)
			})
		}
		return h.deliver(ctx, a, opSend, func(ctx context.Context) (string, error) {
			return a.SendMessage(ctx, msg)
		})
	})
	h.record(entry, origin, results)
}

// RecallMessage deletes every relayed copy of a turn exactly once and
// tombstones the entry. Unknown or already recalled turns are ignored.
func (h *Hub) RecallMessage(ctx context.Context, origin, originID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.table.prune()

	entry, err := h.table.lookup(origin, originID)
	if err != nil {
		h.logger.Info("recall target not resolvable", "origin", origin, "origin_id", originID, "err", err)
		h.emit(bus.EventRelayLookupMiss, origin, map[string]any{"ref_id": originID, "op": opRecall, "error": err.Error()})
		return
	}

	ids := maps.Clone(entry.IDs)
	results := h.fanOut(ctx, origin, func(ctx context.Context, a domain.Adapter) delivery {
		nativeID, ok := ids[a.Name()]
		if !ok {
			return delivery{platform: a.Name(), op: opRecall, skipped: true}
		}
		callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
		defer cancel()
		return delivery{platform: a.Name(), op: opRecall, id: nativeID, err: a.RecallMessage(callCtx, nativeID)}
	})

	var recalled []string
	for _, r := range results {
		switch {
		case r.skipped:
		case r.err != nil:
			h.logger.Warn("recall failed", "origin", origin, "target", r.platform, "native_id", r.id, "err", r.err)
			h.emit(bus.EventRelayFailed, origin, map[string]any{"target": r.platform, "op": opRecall, "error": r.err.Error()})
		default:
			recalled = append(recalled, r.platform)
		}
	}
	h.table.tombstone(entry)
	h.logger.Info("turn recalled", "origin", origin, "origin_id", originID, "entry", entry.ID, "targets", recalled)
	h.emit(bus.EventRelayRecalled, origin, map[string]any{"entry": entry.ID, "targets": recalled})
}

// Lookup returns a copy of the live entry that owns (platform, id).
func (h *Hub) Lookup(platform, id string) (Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.table.lookup(platform, id)
	if err != nil {
		return Entry{}, err
	}
	return e.snapshot(), nil
}

// Len returns the number of entries currently held, tombstones included.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.table.size()
}

// Start starts every registered adapter. Adapters started before a failure
// keep running until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	for _, a := range h.snapshotAdapters() {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", a.Name(), err)
		}
		h.logger.Info("adapter started", "platform", a.Name())
	}
	return nil
}

// Join waits for every adapter's workers to exit.
func (h *Hub) Join() {
	for _, a := range h.snapshotAdapters() {
		a.Join()
	}
}

// Run starts the adapters, blocks until ctx is done, then joins them.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	h.Join()
	return nil
}

func (h *Hub) snapshotAdapters() []domain.Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.adapters)
}

func (h *Hub) isDuplicate(origin, originID string) bool {
	if h.table.find(origin, originID) == nil {
		return false
	}
	h.logger.Info("duplicate delivery ignored", "origin", origin, "origin_id", originID)
	h.emit(bus.EventRelayDuplicate, origin, map[string]any{"origin_id": originID})
	return true
}

func (h *Hub) relayNew(ctx context.Context, origin string, msg domain.Message) {
	entry := h.table.create(origin, msg.OriginID)
	results := h.fanOut(ctx, origin, func(ctx context.Context, a domain.Adapter) delivery {
		return h.deliver(ctx, a, opSend, func(ctx context.Context) (string, error) {
			return a.SendMessage(ctx, msg)
		})
	})
	h.record(entry, origin, results)
}

// delivery is the outcome of one outbound call.
type delivery struct {
	platform string
	op       string
	id       string
	err      error
	skipped  bool
	attempts int
	elapsed  time.Duration
}

// fanOut calls send for every adapter except origin, concurrently, and
// returns the results in registration order. Caller holds h.mu.
func (h *Hub) fanOut(ctx context.Context, origin string, send func(context.Context, domain.Adapter) delivery) []delivery {
	var targets []domain.Adapter
	for _, a := range h.adapters {
		if a.Name() != origin {
			targets = append(targets, a)
		}
	}
	// Deliveries are independent: one failing target never cancels the others.
	results := make([]delivery, len(targets))
	var wg sync.WaitGroup
	for i, a := range targets {
		wg.Go(func() {
			results[i] = send(ctx, a)
		})
	}
	wg.Wait()
	return results
}

func (h *Hub) record(entry *Entry, origin string, results []delivery) {
	for _, r := range results {
		if r.err != nil {
			h.logger.Warn("relay failed", "origin", origin, "origin_id", entry.OriginID,
				"target", r.platform, "op", r.op, "err", r.err)
			h.emit(bus.EventRelayFailed, origin, map[string]any{"target": r.platform, "op": r.op, "error": r.err.Error(), "attempts": r.attempts, "seconds": r.elapsed.Seconds()})
			continue
		}
		h.updateEntry(entry, r.platform, r.id)
		h.logger.Debug("relayed", "origin", origin, "target", r.platform, "op", r.op, "native_id", r.id)
		h.emit(bus.EventRelaySent, origin, map[string]any{"target": r.platform, "op": r.op, "native_id": r.id, "attempts": r.attempts, "seconds": r.elapsed.Seconds()})
	}
}

// updateEntry records platform's native id for entry, replacing any
// previous one. Caller holds h.mu.
func (h *Hub) updateEntry(entry *Entry, platform, nativeID string) {
	h.table.set(entry, platform, nativeID)
}

func (h *Hub) emit(eventType, source string, payload map[string]any) {
	h.events.Emit(bus.Event{Type: eventType, Source: source, Payload: payload})
}
