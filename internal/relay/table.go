package relay

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Entry is the cross-platform identity of one conversation turn.
type Entry struct {
	ID         string
	Origin     string
	OriginID   string
	IDs        map[string]string // platform -> native message id
	CreatedAt  time.Time
	RecalledAt time.Time
}

// Tombstoned reports whether the turn was recalled.
func (e *Entry) Tombstoned() bool { return !e.RecalledAt.IsZero() }

func (e *Entry) snapshot() Entry {
	c := *e
	c.IDs = maps.Clone(e.IDs)
	return c
}

type nativeKey struct {
	platform string
	id       string
}

// table is the correspondence store. It is not safe for concurrent use;
// the hub serializes access.
type table struct {
	index      map[nativeKey]*Entry
	order      []*Entry // creation order, oldest first
	retention  time.Duration
	maxEntries int
	now        func() time.Time
}

func newTable(retention time.Duration, maxEntries int) *table {
	return &table{
		index:      make(map[nativeKey]*Entry),
		retention:  retention,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// create starts an entry owned by the origin message.
func (t *table) create(origin, originID string) *Entry {
	e := &Entry{
		ID:        uuid.NewString(),
		Origin:    origin,
		OriginID:  originID,
		IDs:       make(map[string]string),
		CreatedAt: t.now(),
	}
	t.order = append(t.order, e)
	t.set(e, origin, originID)
	return e
}

// find returns the entry owning (platform, id), tombstoned or not.
func (t *table) find(platform, id string) *Entry {
	return t.index[nativeKey{platform, id}]
}

// lookup returns the live entry owning (platform, id).
func (t *table) lookup(platform, id string) (*Entry, error) {
	e := t.find(platform, id)
	if e == nil {
		return nil, fmt.Errorf("%s/%s: %w", platform, id, ErrNotFound)
	}
	if e.Tombstoned() {
		return nil, fmt.Errorf("%s/%s: %w", platform, id, ErrTombstoned)
	}
	return e, nil
}

// set records platform's id for e. An existing id for that platform is
// replaced and its index key released. A key held by another entry moves
// to e, so one key never resolves to two entries.
func (t *table) set(e *Entry, platform, id string) {
	key := nativeKey{platform, id}
	if old, ok := e.IDs[platform]; ok && old != id {
		delete(t.index, nativeKey{platform, old})
	}
	if prev := t.index[key]; prev != nil && prev != e {
		delete(prev.IDs, platform)
	}
	e.IDs[platform] = id
	t.index[key] = e
}

func (t *table) tombstone(e *Entry) {
	e.RecalledAt = t.now()
}

// prune drops entries past the retention window, then the oldest entries
// beyond capacity. It returns the number removed.
func (t *table) prune() int {
	cut := 0
	if t.retention > 0 {
		deadline := t.now().Add(-t.retention)
		for cut < len(t.order) && t.order[cut].CreatedAt.Before(deadline) {
			cut++
		}
	}
	if t.maxEntries > 0 && len(t.order)-cut > t.maxEntries {
		cut = len(t.order) - t.maxEntries
	}
	if cut == 0 {
		return 0
	}
	for _, e := range t.order[:cut] {
		t.remove(e)
	}
	t.order = append([]*Entry(nil), t.order[cut:]...)
	return cut
}

func (t *table) remove(e *Entry) {
	for platform, id := range e.IDs {
		key := nativeKey{platform, id}
		if t.index[key] == e {
			delete(t.index, key)
		}
	}
}

func (t *table) size() int { return len(t.order) }
