package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timujinne/email-checker-sub002/internal/blocklist"
	"github.com/timujinne/email-checker-sub002/internal/config"
	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/metastore"
	"github.com/timujinne/email-checker-sub002/internal/proccache"
	"github.com/timujinne/email-checker-sub002/internal/store"
	"github.com/timujinne/email-checker-sub002/internal/writer"
)

type fixture struct {
	p     *Pipeline
	bl    *blocklist.Service
	meta  *metastore.Store
	cache *proccache.Cache
	out   *writer.Writer
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bl, err := blocklist.Open(t.TempDir(), blocklist.Options{})
	require.NoError(t, err)

	mdb, err := store.OpenMemory()
	require.NoError(t, err)
	meta, err := metastore.NewWithDB(mdb)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	cdb, err := store.OpenMemory()
	require.NoError(t, err)
	cache, err := proccache.NewWithDB(cdb)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	outDir := t.TempDir()
	out, err := writer.New(outDir)
	require.NoError(t, err)

	cfg := config.Default(t.TempDir()).Pipeline
	cfg.Workers = 4
	cfg.FlushThreshold = 3 // exercise the spill path with tiny inputs

	return &fixture{
		p:     New(cfg, bl, meta, cache, out),
		bl:    bl,
		meta:  meta,
		cache: cache,
		out:   out,
		dir:   outDir,
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func findOutput(t *testing.T, pr domain.ProcessResult, class domain.Classification) string {
	t.Helper()
	for _, p := range pr.Outputs {
		if strings.Contains(filepath.Base(p), "_"+string(class)+"_") {
			return p
		}
	}
	t.Fatalf("no %s output in %v", class, pr.Outputs)
	return ""
}

func TestProcessClassifiesAndCounts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bl.AddEmail("blocked@corp.example", "bounce"))
	require.NoError(t, f.bl.AddDomain("spamhaus.example", ""))

	input := writeFile(t, "batch.txt",
		"alice@corp.example\n"+
			"blocked@corp.example\n"+
			"someone@spamhaus.example\n"+
			"not-an-address\n"+
			"bob@corp.example\n")

	res, err := f.p.Process(context.Background(), []string{input},
		Options{Dedup: DedupNone, WriteOutputs: true})
	require.NoError(t, err)

	require.Len(t, res.Files, 1)
	pr := res.Files[0]
	assert.Equal(t, domain.StatusCompleted, pr.Status)
	assert.Equal(t, int64(5), pr.Counts.RecordsRead)
	assert.Equal(t, int64(2), pr.Counts.Clean)
	assert.Equal(t, int64(1), pr.Counts.BlockedEmail)
	assert.Equal(t, int64(1), pr.Counts.BlockedDomain)
	assert.Equal(t, int64(1), pr.Counts.Invalid)

	// The counts partition the records read.
	c := pr.Counts
	assert.Equal(t, c.RecordsRead, c.Clean+c.BlockedEmail+c.BlockedDomain+c.Invalid+c.Duplicates)

	assert.Equal(t, []string{"alice@corp.example", "bob@corp.example"},
		readLines(t, findOutput(t, pr, domain.ClassClean)))
	assert.Equal(t, []string{"blocked@corp.example"},
		readLines(t, findOutput(t, pr, domain.ClassBlockedEmail)))
	assert.Equal(t, []string{"someone@spamhaus.example"},
		readLines(t, findOutput(t, pr, domain.ClassBlockedDomain)))
	assert.Equal(t, []string{"not-an-address"},
		readLines(t, findOutput(t, pr, domain.ClassInvalid)))

	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.False(t, res.PartialFailure)
}

func TestBlockedEmailPrecedesBlockedDomain(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bl.AddEmail("both@spamhaus.example", ""))
	require.NoError(t, f.bl.AddDomain("spamhaus.example", ""))

	input := writeFile(t, "batch.txt", "both@spamhaus.example\n")
	res, err := f.p.Process(context.Background(), []string{input},
		Options{Dedup: DedupNone, WriteOutputs: true})
	require.NoError(t, err)

	pr := res.Files[0]
	assert.Equal(t, int64(1), pr.Counts.BlockedEmail)
	assert.Zero(t, pr.Counts.BlockedDomain)
}

func TestDedupWithinBatch(t *testing.T) {
	f := newFixture(t)

	input := writeFile(t, "batch.txt",
		"dup@corp.example\n"+
			"DUP@corp.example\n"+ // same address after normalization
			"unique@corp.example\n")

	res, err := f.p.Process(context.Background(), []string{input},
		Options{Dedup: DedupWithinBatch, WriteOutputs: true})
	require.NoError(t, err)

	pr := res.Files[0]
	assert.Equal(t, int64(3), pr.Counts.RecordsRead)
	assert.Equal(t, int64(2), pr.Counts.Clean)
	assert.Equal(t, int64(1), pr.Counts.Duplicates)

	clean := readLines(t, findOutput(t, pr, domain.ClassClean))
	assert.Equal(t, []string{"dup@corp.example", "unique@corp.example"}, clean)
}

func TestDedupAgainstCacheSuppressesPriorAddresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cache.RecordOutcomes(ctx, []domain.PriorOutcome{
		{Address: "seen@corp.example", Classification: domain.ClassClean, SourceHash: "old"},
	}))

	input := writeFile(t, "batch.txt", "seen@corp.example\nfresh@corp.example\n")
	res, err := f.p.Process(ctx, []string{input},
		Options{Dedup: DedupAgainstCache, WriteOutputs: true})
	require.NoError(t, err)

	pr := res.Files[0]
	assert.Equal(t, int64(1), pr.Counts.Duplicates)
	assert.Equal(t, int64(1), pr.Counts.Clean)
	clean := readLines(t, findOutput(t, pr, domain.ClassClean))
	assert.Equal(t, []string{"fresh@corp.example"}, clean)
}

func TestSkipIfCachedOnSecondRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	input := writeFile(t, "batch.txt", "a@corp.example\nb@corp.example\n")
	opts := Options{Dedup: DedupNone, WriteOutputs: true, SkipIfCached: true}

	first, err := f.p.Process(ctx, []string{input}, opts)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, first.Files[0].Status)
	assert.Equal(t, int64(2), first.Totals.RecordsRead)

	second, err := f.p.Process(ctx, []string{input}, opts)
	require.NoError(t, err)
	require.Len(t, second.Files, 1)
	assert.Equal(t, domain.StatusSkippedCached, second.Files[0].Status)
	// Nothing was re-processed.
	assert.Zero(t, second.Totals.RecordsRead)

	// Changing the content invalidates the skip.
	require.NoError(t, os.WriteFile(input, []byte("a@corp.example\nnew@corp.example\n"), 0644))
	third, err := f.p.Process(ctx, []string{input}, opts)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, third.Files[0].Status)
	assert.Equal(t, int64(2), third.Totals.RecordsRead)
}

func TestCleanMetadataReachesStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	input := writeFile(t, "batch.xml", `<export>
  <record>
    <email>info@acme.de</email>
    <company>Acme GmbH</company>
    <country>DE</country>
  </record>
</export>`)

	res, err := f.p.Process(ctx, []string{input},
		Options{Dedup: DedupNone, WriteOutputs: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Totals.Clean)

	md, err := f.meta.Get(ctx, "info@acme.de")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "Acme GmbH", md.CompanyName)
	assert.Equal(t, "DE", md.Country)

	// The NDJSON sidecar is among the outputs.
	var foundSidecar bool
	for _, p := range res.Files[0].Outputs {
		if strings.HasSuffix(p, ".jsonl") {
			foundSidecar = true
		}
	}
	assert.True(t, foundSidecar)
}

func TestEnrichFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.meta.Put(ctx, "known@corp.example",
		&domain.Metadata{CompanyName: "Known Corp"},
		metastore.Source{FileID: "prior", ObservedAt: time.Now().UTC()}))

	input := writeFile(t, "batch.txt", "known@corp.example\n")
	res, err := f.p.Process(ctx, []string{input},
		Options{Dedup: DedupNone, WriteOutputs: true, EnrichFromStore: true})
	require.NoError(t, err)

	var sidecar string
	for _, p := range res.Files[0].Outputs {
		if strings.HasSuffix(p, ".jsonl") {
			sidecar = p
		}
	}
	require.NotEmpty(t, sidecar, "enriched record should produce a metadata sidecar")
	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Known Corp")
}

func TestSpillThresholdStillSortsOutput(t *testing.T) {
	f := newFixture(t) // FlushThreshold is 3

	var sb strings.Builder
	addrs := []string{"zeta", "yank", "xray", "whisk", "victor", "uncle", "tango", "sierra"}
	for _, a := range addrs {
		sb.WriteString(a + "@corp.example\n")
	}
	input := writeFile(t, "batch.txt", sb.String())

	res, err := f.p.Process(context.Background(), []string{input},
		Options{Dedup: DedupNone, WriteOutputs: true})
	require.NoError(t, err)

	clean := readLines(t, findOutput(t, res.Files[0], domain.ClassClean))
	require.Len(t, clean, len(addrs))
	for i := 1; i < len(clean); i++ {
		assert.Less(t, clean[i-1], clean[i])
	}
}

func TestMultipleFilesAggregate(t *testing.T) {
	f := newFixture(t)

	in1 := writeFile(t, "one.txt", "a@corp.example\nb@corp.example\n")
	in2 := writeFile(t, "two.txt", "c@corp.example\nbad-line\n")

	res, err := f.p.Process(context.Background(), []string{in1, in2},
		Options{Dedup: DedupNone, WriteOutputs: true})
	require.NoError(t, err)

	require.Len(t, res.Files, 2)
	assert.Equal(t, int64(4), res.Totals.RecordsRead)
	assert.Equal(t, int64(3), res.Totals.Clean)
	assert.Equal(t, int64(1), res.Totals.Invalid)
	assert.False(t, res.PartialFailure)
	assert.NotEmpty(t, res.RunID)
}

func TestMissingFileMarksPartialFailure(t *testing.T) {
	f := newFixture(t)

	good := writeFile(t, "good.txt", "a@corp.example\n")
	missing := filepath.Join(t.TempDir(), "absent.txt")

	res, err := f.p.Process(context.Background(), []string{good, missing},
		Options{Dedup: DedupNone, WriteOutputs: true})
	require.NoError(t, err)

	assert.True(t, res.PartialFailure)
	var failed, completed int
	for _, fr := range res.Files {
		switch fr.Status {
		case domain.StatusFailed:
			failed++
		case domain.StatusCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, completed)
}

func TestCancellationLeavesNoRenamedOutputs(t *testing.T) {
	f := newFixture(t)

	var sb strings.Builder
	for i := 0; i < 5000; i++ {
		sb.WriteString(strings.Repeat("x", 1+i%5) + "user" + strings.Repeat("y", i%7) + "@corp.example\n")
	}
	input := writeFile(t, "big.txt", sb.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before work begins

	res, err := f.p.Process(ctx, []string{input},
		Options{Dedup: DedupNone, WriteOutputs: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, res.Status)

	// No category output was renamed into place.
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "_clean_")
	}
}

func TestFingerprintStableAcrossReads(t *testing.T) {
	input := writeFile(t, "in.txt", "a@corp.example\n")

	fp1, err := Fingerprint(input)
	require.NoError(t, err)
	fp2, err := Fingerprint(input)
	require.NoError(t, err)
	assert.Equal(t, fp1.ContentHash, fp2.ContentHash)
	assert.Len(t, fp1.ContentHash, 64)
	assert.Equal(t, int64(len("a@corp.example\n")), fp1.Size)
	assert.Equal(t, int64(1), fp1.RowCount)
}

func TestFingerprintCountsRows(t *testing.T) {
	input := writeFile(t, "in.txt", "a@corp.example\nb@corp.example\nc@corp.example")

	fp, err := Fingerprint(input)
	require.NoError(t, err)
	// The trailing unterminated line still counts.
	assert.Equal(t, int64(3), fp.RowCount)
}
