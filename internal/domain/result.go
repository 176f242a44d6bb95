package domain

import "time"

// ProcessStatus is the terminal state of one file within a run.
type ProcessStatus string

const (
	StatusCompleted     ProcessStatus = "completed"
	StatusFailed        ProcessStatus = "failed"
	StatusSkippedCached ProcessStatus = "skipped_cached"
	StatusCancelled     ProcessStatus = "cancelled"
)

// Counts aggregates per-category totals. The invariant
// Clean+BlockedEmail+BlockedDomain+Invalid+Duplicates == RecordsRead holds
// for every completed file and for batch totals.
type Counts struct {
	RecordsRead   int64 `json:"records_read"`
	Clean         int64 `json:"clean"`
	BlockedEmail  int64 `json:"blocked_email"`
	BlockedDomain int64 `json:"blocked_domain"`
	Invalid       int64 `json:"invalid"`
	Duplicates    int64 `json:"duplicates_suppressed"`
	Errors        int64 `json:"errors"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.RecordsRead += other.RecordsRead
	c.Clean += other.Clean
	c.BlockedEmail += other.BlockedEmail
	c.BlockedDomain += other.BlockedDomain
	c.Invalid += other.Invalid
	c.Duplicates += other.Duplicates
	c.Errors += other.Errors
}

// Bump increments the bucket for one classification.
func (c *Counts) Bump(class Classification) {
	switch class {
	case ClassClean:
		c.Clean++
	case ClassBlockedEmail:
		c.BlockedEmail++
	case ClassBlockedDomain:
		c.BlockedDomain++
	case ClassInvalid:
		c.Invalid++
	}
}

// RowError is one recoverable record-level failure.
type RowError struct {
	File string `json:"file"`
	Row  int    `json:"row"`
	Err  string `json:"error"`
}

// ProcessResult is the outcome of processing a single input file.
type ProcessResult struct {
	File        string        `json:"file"`
	Status      ProcessStatus `json:"status"`
	Counts      Counts        `json:"counts"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Outputs     []string      `json:"outputs,omitempty"`
	Error       string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// BatchResult is the outcome of one process_batch invocation.
type BatchResult struct {
	RunID          string          `json:"run_id"`
	Status         ProcessStatus   `json:"status"`
	Files          []ProcessResult `json:"files"`
	Totals         Counts          `json:"totals"`
	Errors         []RowError      `json:"errors,omitempty"`
	PartialFailure bool            `json:"partial_failure"`
	StartedAt      time.Time       `json:"started_at"`
	Elapsed        time.Duration   `json:"elapsed"`
}

// FileProgress is a point-in-time snapshot for one file being processed.
type FileProgress struct {
	File          string        `json:"file"`
	RecordsSeen   int64         `json:"records_seen"`
	RatePerSecond float64       `json:"rate_per_second"`
	ETA           time.Duration `json:"eta"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// BatchProgress is a point-in-time snapshot for the whole run.
type BatchProgress struct {
	RunID      string        `json:"run_id"`
	FilesDone  int           `json:"files_done"`
	FilesTotal int           `json:"files_total"`
	Elapsed    time.Duration `json:"elapsed"`
	ETA        time.Duration `json:"eta"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
