// Package writer produces the run's output artifacts: per-category address
// lists, metadata sidecars and the run summary. Every file is written to a
// temporary sibling and renamed into place on close, so a crash never leaves
// a truncated output under its final name.
package writer

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/pkg/logger"
)

const tempPattern = ".tmp-"

// Writer emits outputs for one run into a single directory. All files of a
// run share one UTC timestamp.
type Writer struct {
	dir   string
	stamp string
}

// New creates the output directory if needed and stamps the run.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("writer: create output dir %s: %w", dir, err)
	}
	n, err := CleanupTemps(dir)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		logger.Warn("removed orphaned temporaries from previous run", "dir", dir, "count", n)
	}
	return &Writer{dir: dir, stamp: time.Now().UTC().Format("20060102_150405")}, nil
}

// Stamp returns the run timestamp used in every output filename.
func (w *Writer) Stamp() string { return w.stamp }

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// CategoryPath builds the output path for one source file and category.
func (w *Writer) CategoryPath(sourceFile string, class domain.Classification) string {
	base := strings.TrimSuffix(filepath.Base(sourceFile), filepath.Ext(sourceFile))
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s_%s.txt", base, class, w.stamp))
}

// WriteCategory writes one category list for one source file, one address
// per line, address-ascending. Empty categories still produce a file so the
// output set is predictable.
func (w *Writer) WriteCategory(sourceFile string, class domain.Classification, addresses []string) (string, error) {
	sorted := append([]string(nil), addresses...)
	sort.Strings(sorted)

	path := w.CategoryPath(sourceFile, class)
	err := AtomicWrite(path, func(out io.Writer) error {
		for _, a := range sorted {
			if _, err := fmt.Fprintln(out, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// MetaRow pairs an address with its merged metadata for the sidecars.
type MetaRow struct {
	Address  string           `json:"address"`
	Metadata *domain.Metadata `json:"metadata,omitempty"`
}

// metaColumns is the stable CSV column set.
var metaColumns = []string{
	"address", "source_url", "page_title", "company_name", "phone",
	"country", "city", "address_line", "meta_description", "meta_keywords",
	"category", "validation_status", "validation_log", "validation_date",
}

// WriteMetadataNDJSON writes the newline-delimited JSON sidecar, one object
// per address, address-ascending.
func (w *Writer) WriteMetadataNDJSON(sourceFile string, rows []MetaRow) (string, error) {
	sorted := sortRows(rows)
	base := strings.TrimSuffix(filepath.Base(sourceFile), filepath.Ext(sourceFile))
	path := filepath.Join(w.dir, fmt.Sprintf("%s_metadata_%s.jsonl", base, w.stamp))

	err := AtomicWrite(path, func(out io.Writer) error {
		enc := json.NewEncoder(out)
		for _, r := range sorted {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// WriteMetadataCSV writes the CSV sidecar with the stable column set.
func (w *Writer) WriteMetadataCSV(sourceFile string, rows []MetaRow) (string, error) {
	sorted := sortRows(rows)
	base := strings.TrimSuffix(filepath.Base(sourceFile), filepath.Ext(sourceFile))
	path := filepath.Join(w.dir, fmt.Sprintf("%s_metadata_%s.csv", base, w.stamp))

	err := AtomicWrite(path, func(out io.Writer) error {
		cw := csv.NewWriter(out)
		if err := cw.Write(metaColumns); err != nil {
			return err
		}
		for _, r := range sorted {
			fields := map[string]string{}
			if r.Metadata != nil {
				fields = r.Metadata.Fields()
			}
			row := make([]string, len(metaColumns))
			row[0] = r.Address
			for i, col := range metaColumns[1:] {
				row[i+1] = fields[col]
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// RunSummary is the per-run JSON sidecar.
type RunSummary struct {
	RunID          string             `json:"run_id"`
	Result         domain.BatchResult `json:"result"`
	ConfigSnapshot interface{}        `json:"config_snapshot,omitempty"`
	WrittenAt      time.Time          `json:"written_at"`
}

// WriteRunSummary writes the batch summary sidecar.
func (w *Writer) WriteRunSummary(summary RunSummary) (string, error) {
	summary.WrittenAt = time.Now().UTC()
	path := filepath.Join(w.dir, fmt.Sprintf("run_summary_%s.json", w.stamp))

	err := AtomicWrite(path, func(out io.Writer) error {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// AtomicWrite writes via a temporary sibling and renames on success. On any
// failure the temporary is removed and the final path is untouched.
func AtomicWrite(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+tempPattern+"*")
	if err != nil {
		return fmt.Errorf("writer: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writer: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writer: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writer: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writer: rename %s: %w", path, err)
	}
	return nil
}

// CleanupTemps removes temporaries left behind by a crashed run.
func CleanupTemps(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("writer: scan %s: %w", dir, err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), tempPattern) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func sortRows(rows []MetaRow) []MetaRow {
	sorted := append([]MetaRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	return sorted
}
