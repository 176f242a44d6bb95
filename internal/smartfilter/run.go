package smartfilter

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/pkg/logger"
	"github.com/timujinne/email-checker-sub002/internal/reader"
	"github.com/timujinne/email-checker-sub002/internal/writer"
)

// recordBudget bounds one address's scoring; only pathological suspicious
// regexes ever approach it.
const recordBudget = time.Second

// MetadataLookup provides stored metadata for enrichment during scoring.
// The metadata store satisfies it; nil disables enrichment.
type MetadataLookup interface {
	BulkGet(ctx context.Context, addresses []string) (map[string]*domain.Metadata, error)
}

// RunOutput names the artifacts one filter run produced.
type RunOutput struct {
	TierFiles  map[domain.Priority]string `json:"tier_files"`
	ReportPath string                     `json:"report_path"`
	Counts     map[domain.Priority]int    `json:"counts"`
	Scored     int                        `json:"scored"`
}

// Run scores every address in cleanFile and writes the four tier files plus
// the CSV report into outDir. Config validation happens before the input is
// opened.
func Run(ctx context.Context, cleanFile, configPath, outDir string, lookup MetadataLookup) (*RunOutput, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return RunWithConfig(ctx, cleanFile, cfg, outDir, lookup)
}

// RunWithConfig is Run with an already-loaded config.
func RunWithConfig(ctx context.Context, cleanFile string, cfg *FilterConfig, outDir string, lookup MetadataLookup) (*RunOutput, error) {
	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	src, err := reader.Open(cleanFile)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var addresses []string
	for {
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec.Address != "" {
			addresses = append(addresses, strings.ToLower(rec.Address))
		}
	}

	var enrichment map[string]*domain.Metadata
	if lookup != nil {
		enrichment, err = lookup.BulkGet(ctx, addresses)
		if err != nil {
			return nil, err
		}
	}

	results := make([]domain.ScoreResult, 0, len(addresses))
	for _, addr := range addresses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recCtx, cancel := context.WithTimeout(ctx, recordBudget)
		results = append(results, engine.Score(recCtx, addr, enrichment[addr]))
		cancel()
	}

	out := &RunOutput{
		TierFiles: make(map[domain.Priority]string, len(domain.Priorities)),
		Counts:    make(map[domain.Priority]int, len(domain.Priorities)),
		Scored:    len(results),
	}

	byTier := make(map[domain.Priority][]domain.ScoreResult)
	for _, r := range results {
		byTier[r.Priority] = append(byTier[r.Priority], r)
	}

	stamp := time.Now().UTC().Format("20060102_150405")
	base := strings.TrimSuffix(filepath.Base(cleanFile), filepath.Ext(cleanFile))

	for _, tier := range domain.Priorities {
		rs := byTier[tier]
		sortByScore(rs)
		path := filepath.Join(outDir, fmt.Sprintf("%s_%s_%s.txt", base, tier, stamp))
		err := writer.AtomicWrite(path, func(w io.Writer) error {
			for _, r := range rs {
				if _, err := fmt.Fprintln(w, r.Address); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out.TierFiles[tier] = path
		out.Counts[tier] = len(rs)
	}

	reportPath := filepath.Join(outDir, fmt.Sprintf("%s_filter_report_%s.csv", base, stamp))
	if err := writeReport(reportPath, results); err != nil {
		return nil, err
	}
	out.ReportPath = reportPath

	logger.Info("smart filter run complete",
		"input", cleanFile, "scored", out.Scored,
		"high", out.Counts[domain.PriorityHigh],
		"medium", out.Counts[domain.PriorityMedium],
		"low", out.Counts[domain.PriorityLow],
		"excluded", out.Counts[domain.PriorityExcluded])
	return out, nil
}

// sortByScore orders final-score descending, then address ascending.
func sortByScore(rs []domain.ScoreResult) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].FinalScore != rs[j].FinalScore {
			return rs[i].FinalScore > rs[j].FinalScore
		}
		return rs[i].Address < rs[j].Address
	})
}

var reportColumns = []string{
	"address", "final_score", "priority", "raw_score",
	"component_email", "component_company", "component_geo", "component_engagement",
	"bonus_product", "exclusion_reasons",
}

func writeReport(path string, results []domain.ScoreResult) error {
	sorted := append([]domain.ScoreResult(nil), results...)
	sortByScore(sorted)

	return writer.AtomicWrite(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(reportColumns); err != nil {
			return err
		}
		for _, r := range sorted {
			row := []string{
				r.Address,
				formatScore(r.FinalScore),
				string(r.Priority),
				formatScore(r.RawScore),
				formatScore(r.Breakdown.EmailQuality),
				formatScore(r.Breakdown.CompanyRelevance),
				formatScore(r.Breakdown.GeographicPriority),
				formatScore(r.Breakdown.Engagement),
				formatScore(r.Breakdown.BonusProduct),
				strings.Join(r.ExclusionReasons, "|"),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
