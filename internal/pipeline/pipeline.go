// Package pipeline orchestrates one qualification run: fingerprint and read
// input files, normalize and classify every record against the blocklists,
// deduplicate, enrich and update the metadata store, and hand classified
// addresses to the writer. Files are processed concurrently behind a bounded
// reader pool; records flow through bounded channels end to end.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/timujinne/email-checker-sub002/internal/address"
	"github.com/timujinne/email-checker-sub002/internal/config"
	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/metastore"
	"github.com/timujinne/email-checker-sub002/internal/pkg/logger"
	"github.com/timujinne/email-checker-sub002/internal/reader"
	"github.com/timujinne/email-checker-sub002/internal/writer"
)

// Dedup modes.
const (
	DedupNone         = "none"
	DedupWithinBatch  = "within_batch"
	DedupAgainstCache = "against_cache"
)

const (
	maxRowErrors      = 1000 // per file and per batch
	sampleErrors      = 20   // logged verbatim
	progressEveryRecs = 500
)

// Blocklist is the read side of the blocklist service.
type Blocklist interface {
	ContainsEmail(address string) bool
	ContainsDomain(domain string) bool
}

// MetaStore is the subset of the metadata store the pipeline uses. Nil
// disables enrichment and store updates.
type MetaStore interface {
	RegisterSourceFile(ctx context.Context, path, contentHash string) (string, bool, error)
	Put(ctx context.Context, address string, md *domain.Metadata, src metastore.Source) error
	Get(ctx context.Context, address string) (*domain.Metadata, error)
}

// Cache is the subset of the processing cache the pipeline uses. Nil
// disables skip-if-cached and against_cache dedup.
type Cache interface {
	WasProcessed(ctx context.Context, fp domain.FileFingerprint) (*domain.ProcessResult, bool, error)
	RecordProcessed(ctx context.Context, fp domain.FileFingerprint, summary *domain.ProcessResult) error
	RecordOutcomes(ctx context.Context, outcomes []domain.PriorOutcome) error
	SeenAddresses(ctx context.Context, addresses []string) (map[string]domain.PriorOutcome, error)
}

// Options selects per-run behavior.
type Options struct {
	Dedup           string // none | within_batch | against_cache
	EnrichFromStore bool
	WriteOutputs    bool
	SkipIfCached    bool

	OnFileProgress  func(domain.FileProgress)
	OnBatchProgress func(domain.BatchProgress)
	Progress        config.ProgressConfig

	ConfigSnapshot interface{}
}

// Pipeline is a reusable processor bound to its collaborators.
type Pipeline struct {
	cfg   config.PipelineConfig
	bl    Blocklist
	meta  MetaStore
	cache Cache
	out   *writer.Writer
}

// New wires a pipeline. meta and cache may be nil.
func New(cfg config.PipelineConfig, bl Blocklist, meta MetaStore, cache Cache, out *writer.Writer) *Pipeline {
	return &Pipeline{cfg: cfg, bl: bl, meta: meta, cache: cache, out: out}
}

// batchState is shared across the files of one run.
type batchState struct {
	mu   sync.Mutex
	seen map[string]struct{}

	fatal     atomic.Pointer[fatalError]
	errsMu    sync.Mutex
	errs      []domain.RowError
	filesDone atomic.Int64
}

type fatalError struct{ err error }

// markDuplicate returns true if addr was already seen in this batch.
func (b *batchState) markDuplicate(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[addr]; ok {
		return true
	}
	b.seen[addr] = struct{}{}
	return false
}

// addError keeps the most recent maxRowErrors batch-wide.
func (b *batchState) addError(e domain.RowError) {
	b.errsMu.Lock()
	b.errs = append(b.errs, e)
	if len(b.errs) > maxRowErrors {
		b.errs = b.errs[len(b.errs)-maxRowErrors:]
	}
	b.errsMu.Unlock()
}

// Process runs one batch. It returns a terminal error only for batch-level
// failures (store unavailable, cache corrupt); per-file problems are
// reported inside the BatchResult.
func (p *Pipeline) Process(ctx context.Context, files []string, opts Options) (*domain.BatchResult, error) {
	runID := uuid.New().String()
	started := time.Now()

	hub := NewHub(runID, opts.Progress, opts.OnFileProgress, opts.OnBatchProgress)
	defer hub.Close()

	res := &domain.BatchResult{
		RunID:     runID,
		Status:    domain.StatusCompleted,
		StartedAt: started.UTC(),
	}
	batch := &batchState{seen: make(map[string]struct{})}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	logger.Info("batch started", "run_id", runID, "files", len(files))

	sem := make(chan struct{}, p.cfg.Readers)
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, file := range files {
		if runCtx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(file string) {
			defer func() { <-sem; wg.Done() }()

			fr := p.processFile(runCtx, file, opts, batch, hub)
			if f := batch.fatal.Load(); f != nil {
				cancelRun()
			}

			resMu.Lock()
			res.Files = append(res.Files, fr)
			// Skipped files contribute no fresh work to the batch totals;
			// their historical counts stay on the per-file result.
			if fr.Status != domain.StatusSkippedCached {
				res.Totals.Add(fr.Counts)
			}
			resMu.Unlock()

			done := batch.filesDone.Add(1)
			elapsed := time.Since(started)
			var eta time.Duration
			if done > 0 && int(done) < len(files) {
				eta = time.Duration(int64(elapsed) / done * (int64(len(files)) - done))
			}
			hub.BatchUpdate(domain.BatchProgress{
				RunID:      runID,
				FilesDone:  int(done),
				FilesTotal: len(files),
				Elapsed:    elapsed,
				ETA:        eta,
				UpdatedAt:  time.Now().UTC(),
			})
		}(file)
	}
	wg.Wait()

	if f := batch.fatal.Load(); f != nil {
		return nil, f.err
	}

	res.Errors = batch.errs
	res.Elapsed = time.Since(started)
	for _, fr := range res.Files {
		if fr.Status == domain.StatusFailed {
			res.PartialFailure = true
		}
	}
	if ctx.Err() != nil {
		res.Status = domain.StatusCancelled
		logger.Warn("batch cancelled", "run_id", runID, "files_done", len(res.Files))
		return res, nil
	}

	if opts.WriteOutputs {
		if _, err := p.out.WriteRunSummary(writer.RunSummary{
			RunID:          runID,
			Result:         *res,
			ConfigSnapshot: opts.ConfigSnapshot,
		}); err != nil {
			logger.Warn("run summary write failed", "run_id", runID, "error", err.Error())
		}
	}

	logger.Info("batch finished", "run_id", runID,
		"records", res.Totals.RecordsRead, "clean", res.Totals.Clean,
		"blocked_email", res.Totals.BlockedEmail, "blocked_domain", res.Totals.BlockedDomain,
		"invalid", res.Totals.Invalid, "duplicates", res.Totals.Duplicates,
		"partial_failure", res.PartialFailure, "elapsed", res.Elapsed.String())
	return res, nil
}

// processFile runs one input file to completion. Fatal store errors are
// parked on the batch state; everything else degrades to a failed file.
func (p *Pipeline) processFile(ctx context.Context, file string, opts Options, batch *batchState, hub *Hub) domain.ProcessResult {
	start := time.Now()
	pr := domain.ProcessResult{File: file, Status: domain.StatusCompleted}
	defer func() { pr.Elapsed = time.Since(start) }()

	fp, err := Fingerprint(file)
	if err != nil {
		pr.Status = domain.StatusFailed
		pr.Error = err.Error()
		return pr
	}
	pr.Fingerprint = fp.ContentHash

	if opts.SkipIfCached && p.cache != nil {
		summary, hit, err := p.cache.WasProcessed(ctx, fp)
		if err != nil {
			batch.fatal.CompareAndSwap(nil, &fatalError{err})
			pr.Status = domain.StatusFailed
			pr.Error = err.Error()
			return pr
		}
		if hit {
			pr.Status = domain.StatusSkippedCached
			pr.Counts = summary.Counts
			pr.Outputs = summary.Outputs
			logger.Info("file skipped, identical content already processed",
				"file", file, "hash", fp.ContentHash)
			return pr
		}
	}

	// Identical content already in the metadata store means its field
	// observations are already merged; re-putting them is a no-op anyway,
	// so skip the writes entirely.
	var (
		fileID      string
		storeWrites bool
	)
	if p.meta != nil {
		var known bool
		fileID, known, err = p.meta.RegisterSourceFile(ctx, file, fp.ContentHash)
		if err != nil {
			batch.fatal.CompareAndSwap(nil, &fatalError{err})
			pr.Status = domain.StatusFailed
			pr.Error = err.Error()
			return pr
		}
		storeWrites = !known
	}

	src, err := reader.Open(file)
	if err != nil {
		pr.Status = domain.StatusFailed
		pr.Error = err.Error()
		return pr
	}
	defer src.Close()

	fileCtx, cancel := context.WithTimeout(ctx, p.cfg.ReaderTimeout())
	defer cancel()

	col := newCollector(p.out, file, p.cfg.FlushThreshold)
	fs := &fileState{
		file:       file,
		opts:       opts,
		batch:      batch,
		col:        col,
		observedAt: time.Now().UTC(),
		fileID:     fileID,
		store:      storeWrites,
		hub:        hub,
		prevRows:   fp.RowCount,
	}

	records := make(chan *domain.Record, p.cfg.ChannelDepth)
	var readErr atomic.Pointer[fatalError]

	go func() {
		defer close(records)
		for {
			rec, err := src.Next()
			if err == io.EOF {
				return
			}
			var re *reader.ReadError
			if errors.As(err, &re) {
				fs.recordError(domain.RowError{File: file, Row: re.Row, Err: re.Cause.Error()})
				continue
			}
			if err != nil {
				readErr.Store(&fatalError{err})
				return
			}
			select {
			case records <- rec:
			case <-fileCtx.Done():
				return
			}
		}
	}()

	workers := p.cfg.Workers / p.cfg.Readers
	if workers < 1 {
		workers = 1
	}
	var wwg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wwg.Add(1)
		go func() {
			defer wwg.Done()
			for rec := range records {
				if fileCtx.Err() != nil {
					continue // keep draining
				}
				p.processRecord(fileCtx, rec, fs)
			}
		}()
	}
	wwg.Wait()

	pr.Counts = fs.snapshotCounts()

	if ctx.Err() != nil {
		col.Discard()
		pr.Status = domain.StatusCancelled
		return pr
	}
	if fileCtx.Err() != nil {
		col.Discard()
		pr.Status = domain.StatusFailed
		pr.Error = "reader timeout exceeded"
		return pr
	}
	if re := readErr.Load(); re != nil {
		col.Discard()
		pr.Status = domain.StatusFailed
		pr.Error = re.err.Error()
		return pr
	}
	if f := batch.fatal.Load(); f != nil {
		col.Discard()
		pr.Status = domain.StatusFailed
		pr.Error = f.err.Error()
		return pr
	}

	if opts.WriteOutputs {
		outputs, err := col.Finalize(true)
		if err != nil {
			pr.Status = domain.StatusFailed
			pr.Error = err.Error()
			return pr
		}
		pr.Outputs = outputs
	} else {
		col.Discard()
	}

	if p.cache != nil {
		fp.RowCount = pr.Counts.RecordsRead
		fp.EmittedRowCount = pr.Counts.RecordsRead - pr.Counts.Duplicates
		if err := p.cache.RecordOutcomes(ctx, fs.outcomes(fp.ContentHash)); err != nil {
			batch.fatal.CompareAndSwap(nil, &fatalError{err})
			pr.Status = domain.StatusFailed
			pr.Error = err.Error()
			return pr
		}
		if err := p.cache.RecordProcessed(ctx, fp, &pr); err != nil {
			batch.fatal.CompareAndSwap(nil, &fatalError{err})
			pr.Status = domain.StatusFailed
			pr.Error = err.Error()
			return pr
		}
	}
	return pr
}

// fileState is the per-file shared state touched by the workers.
type fileState struct {
	file       string
	opts       Options
	batch      *batchState
	col        *collector
	observedAt time.Time
	fileID     string
	store      bool
	hub        *Hub
	prevRows   int64

	countsMu sync.Mutex
	counts   domain.Counts

	errMu    sync.Mutex
	rowErrs  int
	sampled  int
	outMu    sync.Mutex
	outRows  []domain.PriorOutcome
	perRec   ewma
	seenRecs atomic.Int64
}

func (fs *fileState) recordError(e domain.RowError) {
	fs.errMu.Lock()
	fs.rowErrs++
	if fs.rowErrs <= maxRowErrors {
		fs.batch.addError(e)
	}
	if fs.sampled < sampleErrors {
		fs.sampled++
		logger.Warn("row error", "file", e.File, "row", e.Row, "error", e.Err)
	}
	fs.errMu.Unlock()

	fs.countsMu.Lock()
	fs.counts.Errors++
	fs.countsMu.Unlock()
}

func (fs *fileState) bump(class domain.Classification) {
	fs.countsMu.Lock()
	fs.counts.RecordsRead++
	fs.counts.Bump(class)
	fs.countsMu.Unlock()
}

func (fs *fileState) bumpDuplicate() {
	fs.countsMu.Lock()
	fs.counts.RecordsRead++
	fs.counts.Duplicates++
	fs.countsMu.Unlock()
}

func (fs *fileState) snapshotCounts() domain.Counts {
	fs.countsMu.Lock()
	defer fs.countsMu.Unlock()
	return fs.counts
}

func (fs *fileState) addOutcome(o domain.PriorOutcome) {
	fs.outMu.Lock()
	fs.outRows = append(fs.outRows, o)
	fs.outMu.Unlock()
}

func (fs *fileState) outcomes(sourceHash string) []domain.PriorOutcome {
	fs.outMu.Lock()
	defer fs.outMu.Unlock()
	for i := range fs.outRows {
		fs.outRows[i].SourceHash = sourceHash
	}
	return fs.outRows
}

// progress publishes a snapshot every progressEveryRecs records.
func (fs *fileState) progress() {
	n := fs.seenRecs.Add(1)
	if n%progressEveryRecs != 0 {
		return
	}
	rate := fs.perRec.Rate()
	var eta time.Duration
	if rate > 0 && fs.prevRows > n {
		eta = time.Duration(float64(fs.prevRows-n) / rate * float64(time.Second))
	}
	fs.hub.FileUpdate(domain.FileProgress{
		File:          fs.file,
		RecordsSeen:   n,
		RatePerSecond: rate,
		ETA:           eta,
		UpdatedAt:     time.Now().UTC(),
	})
}

// processRecord classifies one record and routes it to the collector and the
// stores. Precedence: invalid > blocked_email > blocked_domain > clean.
func (p *Pipeline) processRecord(ctx context.Context, rec *domain.Record, fs *fileState) {
	recStart := time.Now()
	defer func() {
		fs.perRec.Observe(time.Since(recStart))
		fs.progress()
	}()

	norm, err := address.Normalize(rec.Address)
	if err != nil {
		fs.bump(domain.ClassInvalid)
		if raw := strings.TrimSpace(rec.Address); raw != "" {
			if addErr := fs.col.Add(domain.ClassInvalid, raw); addErr != nil {
				fs.recordError(domain.RowError{File: fs.file, Row: rec.SourceRow, Err: addErr.Error()})
			}
		}
		return
	}

	switch fs.opts.Dedup {
	case DedupWithinBatch:
		if fs.batch.markDuplicate(norm) {
			fs.bumpDuplicate()
			return
		}
	case DedupAgainstCache:
		if fs.batch.markDuplicate(norm) {
			fs.bumpDuplicate()
			return
		}
		if p.cache != nil {
			seen, err := p.cache.SeenAddresses(ctx, []string{norm})
			if err != nil {
				fs.batch.fatal.CompareAndSwap(nil, &fatalError{err})
				return
			}
			if _, ok := seen[norm]; ok {
				fs.bumpDuplicate()
				return
			}
		}
	}

	var class domain.Classification
	switch {
	case p.bl.ContainsEmail(norm):
		class = domain.ClassBlockedEmail
	case p.bl.ContainsDomain(domain.AddressDomain(norm)):
		class = domain.ClassBlockedDomain
	default:
		class = domain.ClassClean
	}

	md := rec.Metadata
	if class == domain.ClassClean && fs.opts.EnrichFromStore && p.meta != nil {
		md = p.enrich(ctx, norm, md, fs)
	}

	if class == domain.ClassClean && fs.store && p.meta != nil && !rec.Metadata.IsEmpty() {
		if err := p.meta.Put(ctx, norm, rec.Metadata, metastore.Source{
			FileID:     fs.fileID,
			ObservedAt: fs.observedAt,
		}); err != nil {
			fs.batch.fatal.CompareAndSwap(nil, &fatalError{err})
			return
		}
	}

	fs.bump(class)
	if err := fs.col.Add(class, norm); err != nil {
		fs.recordError(domain.RowError{File: fs.file, Row: rec.SourceRow, Err: err.Error()})
		return
	}
	if class == domain.ClassClean && !md.IsEmpty() {
		fs.col.AddMeta(norm, md.Clone())
	}
	fs.addOutcome(domain.PriorOutcome{
		Address:        norm,
		Classification: class,
		ProcessedAt:    time.Now().UTC(),
	})
}

// enrich fills empty metadata fields from the store.
func (p *Pipeline) enrich(ctx context.Context, addr string, md *domain.Metadata, fs *fileState) *domain.Metadata {
	stored, err := p.meta.Get(ctx, addr)
	if err != nil {
		fs.batch.fatal.CompareAndSwap(nil, &fatalError{err})
		return md
	}
	if stored == nil {
		return md
	}
	if md == nil {
		return stored
	}
	merged := md.Clone()
	for name, value := range stored.Fields() {
		if value == "" {
			continue
		}
		if merged.Fields()[name] == "" {
			merged.SetField(name, value)
		}
	}
	for k, v := range stored.Extra {
		if merged.Extra == nil || merged.Extra[k] == "" {
			merged.SetField(k, v)
		}
	}
	return merged
}

// Fingerprint hashes a file's content for the processing cache. The hash
// pass also counts lines, giving progress reporting a row-total estimate
// without a second read of the file.
func Fingerprint(path string) (domain.FileFingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.FileFingerprint{}, fmt.Errorf("pipeline: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return domain.FileFingerprint{}, fmt.Errorf("pipeline: stat %s: %w", path, err)
	}

	h := sha256.New()
	var lc lineCounter
	if _, err := io.Copy(io.MultiWriter(h, &lc), f); err != nil {
		return domain.FileFingerprint{}, fmt.Errorf("pipeline: hash %s: %w", path, err)
	}
	return domain.FileFingerprint{
		Path:        path,
		ContentHash: hex.EncodeToString(h.Sum(nil)),
		Size:        info.Size(),
		ModTime:     info.ModTime().UTC(),
		RowCount:    lc.rows(),
	}, nil
}

// lineCounter tallies newlines as bytes stream through it.
type lineCounter struct {
	lines    int64
	lastByte byte
}

func (c *lineCounter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			c.lines++
		}
	}
	if len(p) > 0 {
		c.lastByte = p[len(p)-1]
	}
	return len(p), nil
}

// rows counts a trailing unterminated line as a row.
func (c *lineCounter) rows() int64 {
	if c.lastByte != 0 && c.lastByte != '\n' {
		return c.lines + 1
	}
	return c.lines
}
