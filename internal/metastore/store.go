// Package metastore persists the address → metadata mapping across input
// formats and runs. Every field write carries provenance (source file and
// observation time); merges are resolved field-by-field in favor of the
// newer observation.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/store"
)

var (
	// ErrStoreUnavailable wraps any database failure.
	ErrStoreUnavailable = errors.New("metastore: store unavailable")

	// ErrMalformedMetadata is returned for puts without a usable address.
	ErrMalformedMetadata = errors.New("metastore: malformed metadata")
)

// Source identifies where a metadata observation came from.
type Source struct {
	FileID     string    `json:"source_file_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// Entry is one stored address with its merged metadata.
type Entry struct {
	Address   string           `json:"address"`
	Metadata  *domain.Metadata `json:"metadata"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Filter selects entries in SearchBy. Empty fields match everything;
// non-empty fields are case-folded substring matches.
type Filter struct {
	Company  string
	Country  string
	Category string
	Domain   string
}

// StoreStats aggregates the store contents.
type StoreStats struct {
	Total       int64            `json:"total"`
	PerCountry  map[string]int64 `json:"per_country"`
	PerCategory map[string]int64 `json:"per_category"`
	SourceFiles int64            `json:"source_files"`
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		address TEXT PRIMARY KEY,
		fields_json TEXT NOT NULL,
		provenance_json TEXT NOT NULL,
		company TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metadata_country ON metadata(country)`,
	`CREATE INDEX IF NOT EXISTS idx_metadata_category ON metadata(category)`,
	`CREATE INDEX IF NOT EXISTS idx_metadata_domain ON metadata(domain)`,
	`CREATE TABLE IF NOT EXISTS source_files (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		imported_at TIMESTAMP NOT NULL
	)`,
}

// Store is the persistent metadata store. Writers are serialized behind a
// mutex; reads go straight to the database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens the store artifact at path.
func Open(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing database handle (tests use an in-memory one).
func NewWithDB(db *sql.DB) (*Store, error) {
	if err := store.Migrate(db, migrations); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RegisterSourceFile records a source file by content hash. Returns the file
// ID and whether the identical content was already imported (in which case
// re-importing is a no-op for the caller).
func (s *Store) RegisterSourceFile(ctx context.Context, path, contentHash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM source_files WHERE content_hash = ?`, contentHash).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	id = uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO source_files (id, path, content_hash, imported_at) VALUES (?, ?, ?, ?)`,
		id, path, contentHash, time.Now().UTC())
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return id, false, nil
}

// Put merges metadata for an address. Non-empty incoming values overwrite
// non-empty stored values only when the incoming observation is newer;
// empty slots are always filled. Provenance is kept per field.
func (s *Store) Put(ctx context.Context, address string, md *domain.Metadata, src Source) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" || !strings.Contains(address, "@") {
		return fmt.Errorf("%w: address %q", ErrMalformedMetadata, address)
	}
	if md.IsEmpty() {
		return nil
	}
	if src.ObservedAt.IsZero() {
		src.ObservedAt = time.Now().UTC()
	}

	incoming := flattenFields(md)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	fields := map[string]string{}
	provenance := map[string]Source{}

	var fieldsJSON, provJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT fields_json, provenance_json FROM metadata WHERE address = ?`, address).
		Scan(&fieldsJSON, &provJSON)
	switch {
	case err == sql.ErrNoRows:
		// first observation
	case err != nil:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return fmt.Errorf("%w: decode fields for %s: %v", ErrMalformedMetadata, address, err)
		}
		if err := json.Unmarshal([]byte(provJSON), &provenance); err != nil {
			return fmt.Errorf("%w: decode provenance for %s: %v", ErrMalformedMetadata, address, err)
		}
	}

	changed := false
	for name, value := range incoming {
		if value == "" {
			continue
		}
		old, exists := fields[name]
		if exists && old != "" {
			// Overwrite only when the new observation is strictly newer.
			if prev, ok := provenance[name]; ok && !src.ObservedAt.After(prev.ObservedAt) {
				continue
			}
			if old == value {
				// Same value, newer sighting: refresh provenance only.
				provenance[name] = src
				changed = true
				continue
			}
		}
		fields[name] = value
		provenance[name] = src
		changed = true
	}
	if !changed {
		return tx.Commit()
	}

	fb, _ := json.Marshal(fields)
	pb, _ := json.Marshal(provenance)
	merged := unflattenFields(fields)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO metadata (address, fields_json, provenance_json, company, country, category, domain, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
			fields_json = excluded.fields_json,
			provenance_json = excluded.provenance_json,
			company = excluded.company,
			country = excluded.country,
			category = excluded.category,
			domain = excluded.domain,
			updated_at = excluded.updated_at`,
		address, string(fb), string(pb),
		strings.ToLower(merged.CompanyName), strings.ToLower(merged.Country),
		strings.ToLower(merged.Category), domain.AddressDomain(address),
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tx.Commit()
}

// Get returns the merged metadata for an address, or (nil, nil) if unknown.
func (s *Store) Get(ctx context.Context, address string) (*domain.Metadata, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	var fieldsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields_json FROM metadata WHERE address = ?`, address).Scan(&fieldsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	fields := map[string]string{}
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("%w: decode fields for %s: %v", ErrMalformedMetadata, address, err)
	}
	return unflattenFields(fields), nil
}

// BulkGet fetches metadata for many addresses in one query. Unknown
// addresses are simply absent from the result.
func (s *Store) BulkGet(ctx context.Context, addresses []string) (map[string]*domain.Metadata, error) {
	out := make(map[string]*domain.Metadata, len(addresses))
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

		rows, err := s.db.QueryContext(ctx,
			`SELECT address, fields_json FROM metadata WHERE address IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for rows.Next() {
			var addr, fieldsJSON string
			if err := rows.Scan(&addr, &fieldsJSON); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			fields := map[string]string{}
			if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
				continue
			}
			out[addr] = unflattenFields(fields)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		rows.Close()
	}
	return out, nil
}

// SearchBy returns entries matching all non-empty filter fields.
func (s *Store) SearchBy(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(col, val string) {
		if val != "" {
			conds = append(conds, col+` LIKE ?`)
			args = append(args, "%"+strings.ToLower(strings.TrimSpace(val))+"%")
		}
	}
	add("company", f.Company)
	add("country", f.Country)
	add("category", f.Category)
	add("domain", f.Domain)

	q := `SELECT address, fields_json, updated_at FROM metadata`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY address`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var fieldsJSON string
		if err := rows.Scan(&e.Address, &fieldsJSON, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		fields := map[string]string{}
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			continue
		}
		e.Metadata = unflattenFields(fields)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored addresses.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metadata`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Stats returns totals plus per-country and per-category frequencies.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	st := &StoreStats{
		PerCountry:  make(map[string]int64),
		PerCategory: make(map[string]int64),
	}

	var err error
	if st.Total, err = s.Count(ctx); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_files`).Scan(&st.SourceFiles); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for col, dest := range map[string]map[string]int64{
		"country":  st.PerCountry,
		"category": st.PerCategory,
	} {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+col+`, COUNT(*) FROM metadata WHERE `+col+` != '' GROUP BY `+col)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for rows.Next() {
			var k string
			var n int64
			if err := rows.Scan(&k, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			dest[k] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		rows.Close()
	}
	return st, nil
}

// flattenFields maps a Metadata to a flat field map: canonical names plus
// extras under their own keys (prefixed to avoid collisions).
func flattenFields(md *domain.Metadata) map[string]string {
	out := md.Fields()
	for k, v := range md.Extra {
		out["x:"+k] = v
	}
	return out
}

func unflattenFields(fields map[string]string) *domain.Metadata {
	md := &domain.Metadata{}
	for name, value := range fields {
		if strings.HasPrefix(name, "x:") {
			md.SetField(strings.TrimPrefix(name, "x:"), value)
			continue
		}
		md.SetField(name, value)
	}
	return md
}
