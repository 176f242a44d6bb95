// Package proccache is the incremental-processing cache. It remembers which
// input files (by content hash) were already processed and how each address
// was classified, so unchanged files can be skipped and repeat addresses can
// be suppressed across runs.
package proccache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/pkg/logger"
	"github.com/timujinne/email-checker-sub002/internal/store"
)

// ErrCacheUnavailable wraps database failures on an open cache.
var ErrCacheUnavailable = errors.New("proccache: cache unavailable")

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS files (
		path TEXT NOT NULL,
		content_hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mtime TIMESTAMP NOT NULL,
		summary_json TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_path ON files(path)`,
	`CREATE TABLE IF NOT EXISTS addresses (
		address TEXT PRIMARY KEY,
		classification TEXT NOT NULL,
		source_hash TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_source ON addresses(source_hash)`,
}

// Cache is the persistent processing cache. A corrupt artifact is discarded
// and rebuilt empty; losing the cache only costs recomputation.
type Cache struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens the cache at path, rebuilding it from scratch if the artifact
// is corrupt.
func Open(path string) (*Cache, error) {
	c, err := open(path)
	if err == nil {
		return c, nil
	}

	logger.Warn("processing cache corrupt, rebuilding", "path", path, "error", err.Error())
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("proccache: remove corrupt cache %s: %w", path, rmErr)
	}
	return open(path)
}

func open(path string) (*Cache, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db, migrations); err != nil {
		db.Close()
		return nil, err
	}
	// Surfaces page-level corruption that open alone would miss.
	var status string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&status); err != nil || status != "ok" {
		db.Close()
		if err == nil {
			err = fmt.Errorf("quick_check: %s", status)
		}
		return nil, err
	}
	return &Cache{db: db}, nil
}

// NewWithDB wraps an existing database handle (tests use an in-memory one).
func NewWithDB(db *sql.DB) (*Cache, error) {
	if err := store.Migrate(db, migrations); err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error { return c.db.Close() }

// WasProcessed reports whether a file with this exact content hash was
// already processed, returning its stored per-file summary if so.
func (c *Cache) WasProcessed(ctx context.Context, fp domain.FileFingerprint) (*domain.ProcessResult, bool, error) {
	var summaryJSON string
	err := c.db.QueryRowContext(ctx,
		`SELECT summary_json FROM files WHERE content_hash = ?`, fp.ContentHash).Scan(&summaryJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	var summary domain.ProcessResult
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		// A single bad row is not worth a rebuild; treat as unprocessed.
		return nil, false, nil
	}
	return &summary, true, nil
}

// RecordProcessed stores the fingerprint and summary of a completed file.
// Re-recording the same content hash overwrites the previous summary.
func (c *Cache) RecordProcessed(ctx context.Context, fp domain.FileFingerprint, summary *domain.ProcessResult) error {
	sb, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("%w: encode summary: %v", ErrCacheUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO files (path, content_hash, size, mtime, summary_json, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			mtime = excluded.mtime,
			summary_json = excluded.summary_json,
			processed_at = excluded.processed_at`,
		fp.Path, fp.ContentHash, fp.Size, fp.ModTime, string(sb), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// RecordOutcomes stores the classification of a batch of addresses in one
// transaction. Later runs overwrite earlier outcomes for the same address.
func (c *Cache) RecordOutcomes(ctx context.Context, outcomes []domain.PriorOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO addresses (address, classification, source_hash, processed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
			classification = excluded.classification,
			source_hash = excluded.source_hash,
			processed_at = excluded.processed_at`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		addr := strings.ToLower(strings.TrimSpace(o.Address))
		if addr == "" {
			continue
		}
		processedAt := o.ProcessedAt
		if processedAt.IsZero() {
			processedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, addr, string(o.Classification), o.SourceHash, processedAt); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// SeenAddresses returns, for the given addresses, those with a recorded prior
// outcome. Used by against_cache dedup to suppress repeat emissions.
func (c *Cache) SeenAddresses(ctx context.Context, addresses []string) (map[string]domain.PriorOutcome, error) {
	out := make(map[string]domain.PriorOutcome, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}

	const chunkSize = 500
	for start := 0; start < len(addresses); start += chunkSize {
		end := start + chunkSize
		if end > len(addresses) {
			end = len(addresses)
		}
		chunk := addresses[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]interface{}, len(chunk))
		for i, a := range chunk {
			args[i] = strings.ToLower(strings.TrimSpace(a))
		}

		rows, err := c.db.QueryContext(ctx,
			`SELECT address, classification, source_hash, processed_at
			 FROM addresses WHERE address IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		for rows.Next() {
			var o domain.PriorOutcome
			var class string
			if err := rows.Scan(&o.Address, &class, &o.SourceHash, &o.ProcessedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
			}
			o.Classification = domain.Classification(class)
			out[o.Address] = o
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		rows.Close()
	}
	return out, nil
}

// Invalidate drops cached state. With a path it forgets that path's file
// entries (and their address outcomes); with an empty path it clears
// everything.
func (c *Cache) Invalidate(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	defer tx.Rollback()

	if path == "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM addresses`); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM files`); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		return tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, `SELECT content_hash FROM files WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	rows.Close()

	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM addresses WHERE source_hash = ?`, h); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return tx.Commit()
}

// Vacuum drops address outcomes older than the retention window and
// compacts the artifact.
func (c *Cache) Vacuum(ctx context.Context, retain time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retain)
	res, err := c.db.ExecContext(ctx, `DELETE FROM addresses WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	dropped, _ := res.RowsAffected()

	if _, err := c.db.ExecContext(ctx, `VACUUM`); err != nil {
		return dropped, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return dropped, nil
}

// CacheStats summarizes the cache contents.
type CacheStats struct {
	Files             int64            `json:"files"`
	Addresses         int64            `json:"addresses"`
	ByClassification  map[string]int64 `json:"by_classification"`
	OldestProcessedAt *time.Time       `json:"oldest_processed_at,omitempty"`
}

// Stats returns the cache contents summary.
func (c *Cache) Stats(ctx context.Context) (*CacheStats, error) {
	st := &CacheStats{ByClassification: make(map[string]int64)}

	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&st.Files); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM addresses`).Scan(&st.Addresses); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT classification, COUNT(*) FROM addresses GROUP BY classification`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		st.ByClassification[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	if err := c.db.QueryRowContext(ctx,
		`SELECT MIN(processed_at) FROM addresses`).Scan(&oldest); err == nil && oldest.Valid {
		t := oldest.Time
		st.OldestProcessedAt = &t
	}
	return st, nil
}
