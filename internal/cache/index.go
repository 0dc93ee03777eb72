package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record describes one cached file.
type Record struct {
	Key       string
	URL       string
	Path      string
	SHA256    string
	Size      int64
	FetchedAt time.Time
}

// Index maps cache keys to downloaded files. It lets the cache survive a
// restart without fetching everything again and tells two different URLs
// that share a key apart.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the SQLite index at dbPath.
func OpenIndex(dbPath string) (*Index, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create index directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open cache index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache index migration failed: %w", err)
	}
	return idx, nil
}

func (i *Index) migrate() error {
	_, err := i.db.Exec(`
	CREATE TABLE IF NOT EXISTS attachments (
		key        TEXT PRIMARY KEY,
		url        TEXT NOT NULL,
		path       TEXT NOT NULL,
		sha256     TEXT NOT NULL,
		size       INTEGER NOT NULL,
		fetched_at INTEGER NOT NULL
	);`)
	return err
}

// Get returns the record for key. ok is false when there is none.
func (i *Index) Get(ctx context.Context, key string) (rec Record, ok bool, err error) {
	var fetched int64
	err = i.db.QueryRowContext(ctx,
		`SELECT key, url, path, sha256, size, fetched_at FROM attachments WHERE key = ?`, key,
	).Scan(&rec.Key, &rec.URL, &rec.Path, &rec.SHA256, &rec.Size, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	rec.FetchedAt = time.Unix(fetched, 0)
	return rec, true, nil
}

// Put inserts or replaces the record for rec.Key.
func (i *Index) Put(ctx context.Context, rec Record) error {
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now()
	}
	_, err := i.db.ExecContext(ctx, `
	INSERT INTO attachments (key, url, path, sha256, size, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		url = excluded.url,
		path = excluded.path,
		sha256 = excluded.sha256,
		size = excluded.size,
		fetched_at = excluded.fetched_at`,
		rec.Key, rec.URL, rec.Path, rec.SHA256, rec.Size, rec.FetchedAt.Unix())
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.Key, err)
	}
	return nil
}

// Delete removes the record for key.
func (i *Index) Delete(ctx context.Context, key string) error {
	_, err := i.db.ExecContext(ctx, `DELETE FROM attachments WHERE key = ?`, key)
	return err
}

// Count returns the number of indexed files.
func (i *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attachments`).Scan(&n)
	return n, err
}

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}
