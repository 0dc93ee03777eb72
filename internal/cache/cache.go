// Package cache downloads remote attachments once and hands out stable local
// paths for them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"

	"golang.org/x/sync/singleflight"
)

var (
	ErrTooLarge = errors.New("attachment exceeds size limit")
	ErrStatus   = errors.New("unexpected status fetching attachment")
)

const defaultFetchTimeout = 60 * time.Second

// Config configures a Cache.
type Config struct {
	Dir          string // required
	IndexPath    string // defaults to Dir/index.db
	Client       *http.Client
	Logger       *slog.Logger
	Events       *bus.EventBus
	MaxBytes     int64 // 0 = unlimited
	FetchTimeout time.Duration
}

// Cache is a download-once attachment store keyed by "{adapter}_{filename}".
// Concurrent fetches of the same key share one download.
type Cache struct {
	dir          string
	client       *http.Client
	logger       *slog.Logger
	events       *bus.EventBus
	maxBytes     int64
	fetchTimeout time.Duration
	index        *Index
	group        singleflight.Group

	mu     sync.Mutex
	claims map[string]string // key -> identity that owns it
}

var _ domain.AttachmentFetcher = (*Cache)(nil)

// New creates the cache directory and opens its index.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(cfg.Dir, "index.db")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	idx, err := OpenIndex(cfg.IndexPath)
	if err != nil {
		return nil, err
	}
	return &Cache{
		dir:          cfg.Dir,
		client:       cfg.Client,
		logger:       cfg.Logger.With("component", "cache"),
		events:       cfg.Events,
		maxBytes:     cfg.MaxBytes,
		fetchTimeout: cfg.FetchTimeout,
		index:        idx,
		claims:       make(map[string]string),
	}, nil
}

// Key builds the cache key for a file received by an adapter.
func Key(adapter, filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return adapter + "_" + name
}

// Fetch returns the local path for key, downloading rawURL on first use.
// A file is identified by its URL, or by the WithIdentity option when the
// URL carries a secret; only the identity reaches the index and errors.
// Repeated and concurrent calls for the same key and identity download
// once. A key already owned by a different identity gets a derived suffix
// so neither file overwrites the other.
func (c *Cache) Fetch(ctx context.Context, rawURL, key string, opts ...domain.FetchOption) (string, error) {
	var o domain.FetchOptions
	for _, opt := range opts {
		opt(&o)
	}

	identity := o.Identity
	if identity == "" {
		identity = rawURL
	}
	name, err := c.resolve(ctx, key, identity)
	if err != nil {
		return "", err
	}

	v, err, shared := c.group.Do(name, func() (any, error) {
		return c.fetch(ctx, rawURL, identity, name, o)
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logger.Debug("attachment fetch shared", "key", name)
	}
	return v.(string), nil
}

// resolve picks the file name for (key, identity).
func (c *Cache) resolve(ctx context.Context, key, identity string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.claims[key]
	if !ok {
		rec, found, err := c.index.Get(ctx, key)
		if err != nil {
			return "", err
		}
		owner = identity
		if found {
			owner = rec.URL
		}
		c.claims[key] = owner
	}
	if owner == identity {
		return key, nil
	}
	return suffixed(key, identity), nil
}

func suffixed(key, identity string) string {
	sum := sha256.Sum256([]byte(identity))
	tag := hex.EncodeToString(sum[:4])
	ext := filepath.Ext(key)
	return strings.TrimSuffix(key, ext) + "-" + tag + ext
}

func (c *Cache) fetch(ctx context.Context, rawURL, identity, name string, o domain.FetchOptions) (string, error) {
	path := filepath.Join(c.dir, name)

	rec, found, err := c.index.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if found && rec.URL == identity {
		if info, statErr := os.Stat(rec.Path); statErr == nil && info.Size() == rec.Size {
			c.emit(name, true, rec.Size)
			return rec.Path, nil
		}
		c.logger.Warn("cached file missing, fetching again", "key", name, "path", rec.Path)
	}

	// The download outlives any single caller sharing this flight.
	dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	size, digest, err := c.download(dlCtx, rawURL, path, o)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", name, hideURL(err, identity))
	}
	if err := c.index.Put(dlCtx, Record{Key: name, URL: identity, Path: path, SHA256: digest, Size: size}); err != nil {
		c.logger.Warn("cache index update failed", "key", name, "err", err)
	}
	c.logger.Info("attachment cached", "key", name, "bytes", size)
	c.emit(name, false, size)
	return path, nil
}

func (c *Cache) download(ctx context.Context, rawURL, path string, o domain.FetchOptions) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", err
	}
	for k, vs := range o.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	if c.maxBytes > 0 && resp.ContentLength > c.maxBytes {
		return 0, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".*.part")
	if err != nil {
		return 0, "", err
	}
	defer os.Remove(tmp.Name())

	var body io.Reader = resp.Body
	if c.maxBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, "", err
	}
	if c.maxBytes > 0 && n > c.maxBytes {
		return 0, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBytes)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// hideURL replaces the request URL in a transport error with shown.
func hideURL(err error, shown string) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.URL != shown {
		return &url.Error{Op: ue.Op, URL: shown, Err: ue.Err}
	}
	return err
}

func (c *Cache) emit(key string, cached bool, size int64) {
	c.events.Emit(bus.Event{
		Type:    bus.EventAttachmentFetch,
		Source:  "cache",
		Payload: map[string]any{"key": key, "cached": cached, "bytes": size},
	})
}

// Count returns the number of indexed files.
func (c *Cache) Count(ctx context.Context) (int, error) {
	return c.index.Count(ctx)
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Close closes the index.
func (c *Cache) Close() error {
	return c.index.Close()
}
