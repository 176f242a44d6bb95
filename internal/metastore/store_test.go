package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	s, err := NewWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func at(day int) time.Time {
	return time.Date(2025, 3, day, 12, 0, 0, 0, time.UTC)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	md := &domain.Metadata{
		CompanyName: "Acme GmbH",
		Country:     "DE",
		Phone:       "+49 30 1234",
		Extra:       map[string]string{"fax": "+49 30 5678"},
	}
	require.NoError(t, s.Put(ctx, "Alice@Example.com", md, Source{FileID: "f1", ObservedAt: at(1)}))

	got, err := s.Get(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme GmbH", got.CompanyName)
	assert.Equal(t, "DE", got.Country)
	assert.Equal(t, "+49 30 5678", got.Extra["fax"])

	// Lookup is case-insensitive on the address.
	got, err = s.Get(ctx, "ALICE@EXAMPLE.COM")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestGetUnknownAddress(t *testing.T) {
	s := newStore(t)
	got, err := s.Get(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutMalformedAddress(t *testing.T) {
	s := newStore(t)
	md := &domain.Metadata{Country: "DE"}
	assert.ErrorIs(t, s.Put(context.Background(), "not-an-address", md, Source{}), ErrMalformedMetadata)
	assert.ErrorIs(t, s.Put(context.Background(), "", md, Source{}), ErrMalformedMetadata)
}

func TestMergeNewerWins(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a@example.com",
		&domain.Metadata{CompanyName: "Old Name", Country: "DE"},
		Source{FileID: "f1", ObservedAt: at(1)}))
	require.NoError(t, s.Put(ctx, "a@example.com",
		&domain.Metadata{CompanyName: "New Name"},
		Source{FileID: "f2", ObservedAt: at(2)}))

	got, err := s.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "New Name", got.CompanyName)
	// Fields the newer record left empty keep the old value.
	assert.Equal(t, "DE", got.Country)
}

func TestMergeOlderDoesNotOverwrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a@example.com",
		&domain.Metadata{CompanyName: "Current"},
		Source{FileID: "f2", ObservedAt: at(5)}))
	require.NoError(t, s.Put(ctx, "a@example.com",
		&domain.Metadata{CompanyName: "Stale", City: "Berlin"},
		Source{FileID: "f1", ObservedAt: at(1)}))

	got, err := s.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Current", got.CompanyName)
	// The older record still fills slots nobody claimed yet.
	assert.Equal(t, "Berlin", got.City)
}

func TestMergeOrderIndependent(t *testing.T) {
	ctx := context.Background()
	older := &domain.Metadata{CompanyName: "Old", Country: "DE"}
	newer := &domain.Metadata{CompanyName: "New", City: "Berlin"}

	s1 := newStore(t)
	require.NoError(t, s1.Put(ctx, "a@example.com", older, Source{FileID: "f1", ObservedAt: at(1)}))
	require.NoError(t, s1.Put(ctx, "a@example.com", newer, Source{FileID: "f2", ObservedAt: at(2)}))

	s2 := newStore(t)
	require.NoError(t, s2.Put(ctx, "a@example.com", newer, Source{FileID: "f2", ObservedAt: at(2)}))
	require.NoError(t, s2.Put(ctx, "a@example.com", older, Source{FileID: "f1", ObservedAt: at(1)}))

	g1, err := s1.Get(ctx, "a@example.com")
	require.NoError(t, err)
	g2, err := s2.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, g1, g2)
	assert.Equal(t, "New", g1.CompanyName)
	assert.Equal(t, "DE", g1.Country)
	assert.Equal(t, "Berlin", g1.City)
}

func TestBulkGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a@example.com", &domain.Metadata{Country: "DE"}, Source{ObservedAt: at(1)}))
	require.NoError(t, s.Put(ctx, "b@example.com", &domain.Metadata{Country: "FR"}, Source{ObservedAt: at(1)}))

	got, err := s.BulkGet(ctx, []string{"a@example.com", "b@example.com", "missing@example.com"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "DE", got["a@example.com"].Country)
	assert.Equal(t, "FR", got["b@example.com"].Country)
	_, found := got["missing@example.com"]
	assert.False(t, found)
}

func TestSearchBy(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a@acme.de",
		&domain.Metadata{CompanyName: "Acme GmbH", Country: "DE", Category: "manufacturing"},
		Source{ObservedAt: at(1)}))
	require.NoError(t, s.Put(ctx, "b@other.fr",
		&domain.Metadata{CompanyName: "Other SARL", Country: "FR", Category: "retail"},
		Source{ObservedAt: at(1)}))

	hits, err := s.SearchBy(ctx, Filter{Company: "acme"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a@acme.de", hits[0].Address)

	hits, err = s.SearchBy(ctx, Filter{Country: "fr", Category: "retail"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b@other.fr", hits[0].Address)

	hits, err = s.SearchBy(ctx, Filter{Domain: "acme.de"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = s.SearchBy(ctx, Filter{Country: "us"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCountAndStats(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a@example.com", &domain.Metadata{Country: "DE", Category: "it"}, Source{ObservedAt: at(1)}))
	require.NoError(t, s.Put(ctx, "b@example.com", &domain.Metadata{Country: "DE"}, Source{ObservedAt: at(1)}))
	require.NoError(t, s.Put(ctx, "c@example.com", &domain.Metadata{Country: "FR"}, Source{ObservedAt: at(1)}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(2), st.PerCountry["de"])
	assert.Equal(t, int64(1), st.PerCountry["fr"])
	assert.Equal(t, int64(1), st.PerCategory["it"])
}

func TestRegisterSourceFile(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id1, known, err := s.RegisterSourceFile(ctx, "/in/batch1.csv", "hash-aaa")
	require.NoError(t, err)
	assert.False(t, known)
	assert.NotEmpty(t, id1)

	// Identical content hash: already imported, same ID back.
	id2, known, err := s.RegisterSourceFile(ctx, "/in/batch1-copy.csv", "hash-aaa")
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, id1, id2)

	id3, known, err := s.RegisterSourceFile(ctx, "/in/batch2.csv", "hash-bbb")
	require.NoError(t, err)
	assert.False(t, known)
	assert.NotEqual(t, id1, id3)
}

func TestEmptyMetadataPutIsNoOp(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a@example.com", &domain.Metadata{}, Source{ObservedAt: at(1)}))
	got, err := s.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT fields_json FROM metadata`).
		WillReturnError(assert.AnError)

	s := &Store{db: db}
	_, err = s.Get(context.Background(), "a@example.com")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
