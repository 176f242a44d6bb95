package proccache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/store"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	c, err := NewWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func fingerprint(path, hash string) domain.FileFingerprint {
	return domain.FileFingerprint{
		Path:        path,
		ContentHash: hash,
		Size:        1024,
		ModTime:     time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestWasProcessedRoundTrip(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	fp := fingerprint("/in/a.txt", "hash-a")

	_, hit, err := c.WasProcessed(ctx, fp)
	require.NoError(t, err)
	assert.False(t, hit)

	summary := &domain.ProcessResult{
		File:   "/in/a.txt",
		Status: domain.StatusCompleted,
		Counts: domain.Counts{RecordsRead: 10, Clean: 8, Invalid: 2},
	}
	require.NoError(t, c.RecordProcessed(ctx, fp, summary))

	got, hit, err := c.WasProcessed(ctx, fp)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, int64(10), got.Counts.RecordsRead)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestChangedContentMissesCache(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordProcessed(ctx, fingerprint("/in/a.txt", "hash-v1"),
		&domain.ProcessResult{Status: domain.StatusCompleted}))

	// Same path, different bytes: must be reprocessed.
	_, hit, err := c.WasProcessed(ctx, fingerprint("/in/a.txt", "hash-v2"))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRecordAndSeenAddresses(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordOutcomes(ctx, []domain.PriorOutcome{
		{Address: "a@example.com", Classification: domain.ClassClean, SourceHash: "h1"},
		{Address: "B@Example.com", Classification: domain.ClassBlockedEmail, SourceHash: "h1"},
	}))

	seen, err := c.SeenAddresses(ctx, []string{"a@example.com", "b@example.com", "c@example.com"})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Equal(t, domain.ClassClean, seen["a@example.com"].Classification)
	assert.Equal(t, domain.ClassBlockedEmail, seen["b@example.com"].Classification)
}

func TestOutcomeOverwrite(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordOutcomes(ctx, []domain.PriorOutcome{
		{Address: "a@example.com", Classification: domain.ClassClean, SourceHash: "h1"},
	}))
	require.NoError(t, c.RecordOutcomes(ctx, []domain.PriorOutcome{
		{Address: "a@example.com", Classification: domain.ClassBlockedEmail, SourceHash: "h2"},
	}))

	seen, err := c.SeenAddresses(ctx, []string{"a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.ClassBlockedEmail, seen["a@example.com"].Classification)
	assert.Equal(t, "h2", seen["a@example.com"].SourceHash)
}

func TestInvalidatePath(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordProcessed(ctx, fingerprint("/in/a.txt", "hash-a"),
		&domain.ProcessResult{Status: domain.StatusCompleted}))
	require.NoError(t, c.RecordProcessed(ctx, fingerprint("/in/b.txt", "hash-b"),
		&domain.ProcessResult{Status: domain.StatusCompleted}))
	require.NoError(t, c.RecordOutcomes(ctx, []domain.PriorOutcome{
		{Address: "a@example.com", Classification: domain.ClassClean, SourceHash: "hash-a"},
		{Address: "b@example.com", Classification: domain.ClassClean, SourceHash: "hash-b"},
	}))

	require.NoError(t, c.Invalidate(ctx, "/in/a.txt"))

	_, hit, err := c.WasProcessed(ctx, fingerprint("/in/a.txt", "hash-a"))
	require.NoError(t, err)
	assert.False(t, hit)
	_, hit, err = c.WasProcessed(ctx, fingerprint("/in/b.txt", "hash-b"))
	require.NoError(t, err)
	assert.True(t, hit)

	seen, err := c.SeenAddresses(ctx, []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
	assert.Contains(t, seen, "b@example.com")
}

func TestInvalidateAll(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordProcessed(ctx, fingerprint("/in/a.txt", "hash-a"),
		&domain.ProcessResult{Status: domain.StatusCompleted}))
	require.NoError(t, c.RecordOutcomes(ctx, []domain.PriorOutcome{
		{Address: "a@example.com", Classification: domain.ClassClean, SourceHash: "hash-a"},
	}))

	require.NoError(t, c.Invalidate(ctx, ""))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Files)
	assert.Zero(t, st.Addresses)
}

func TestVacuumDropsStaleOutcomes(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordOutcomes(ctx, []domain.PriorOutcome{
		{Address: "old@example.com", Classification: domain.ClassClean,
			SourceHash: "h1", ProcessedAt: time.Now().UTC().Add(-60 * 24 * time.Hour)},
		{Address: "new@example.com", Classification: domain.ClassClean,
			SourceHash: "h2", ProcessedAt: time.Now().UTC()},
	}))

	dropped, err := c.Vacuum(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	seen, err := c.SeenAddresses(ctx, []string{"old@example.com", "new@example.com"})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
	assert.Contains(t, seen, "new@example.com")
}

func TestStats(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.RecordProcessed(ctx, fingerprint("/in/a.txt", "hash-a"),
		&domain.ProcessResult{Status: domain.StatusCompleted}))
	require.NoError(t, c.RecordOutcomes(ctx, []domain.PriorOutcome{
		{Address: "a@example.com", Classification: domain.ClassClean, SourceHash: "hash-a"},
		{Address: "b@example.com", Classification: domain.ClassClean, SourceHash: "hash-a"},
		{Address: "c@example.com", Classification: domain.ClassInvalid, SourceHash: "hash-a"},
	}))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Files)
	assert.Equal(t, int64(3), st.Addresses)
	assert.Equal(t, int64(2), st.ByClassification["clean"])
	assert.Equal(t, int64(1), st.ByClassification["invalid"])
	require.NotNil(t, st.OldestProcessedAt)
}

func TestCorruptArtifactRebuilds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proccache.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite file"), 0644))

	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	st, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Files)
}
