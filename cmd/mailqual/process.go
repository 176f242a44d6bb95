package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/pipeline"
	"github.com/timujinne/email-checker-sub002/internal/writer"
)

var (
	processDedup   string
	processEnrich  bool
	processNoSkip  bool
	processNoWrite bool
	processQuiet   bool
)

var processCmd = &cobra.Command{
	Use:   "process FILE...",
	Short: "Classify one or more address files against the blocklists",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		bl, err := openBlocklist(cfg)
		if err != nil {
			return err
		}
		defer bl.Close()

		meta, err := openMetaStore(cfg)
		if err != nil {
			return err
		}
		defer meta.Close()

		cache, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer cache.Close()

		out, err := writer.New(cfg.Data.OutputDir)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := pipeline.Options{
			Dedup:           processDedup,
			EnrichFromStore: processEnrich || cfg.Pipeline.EnrichFromStore,
			WriteOutputs:    !processNoWrite,
			SkipIfCached:    !processNoSkip,
			Progress:        cfg.Progress,
			ConfigSnapshot:  cfg,
		}
		if !processQuiet {
			opts.OnFileProgress = func(p domain.FileProgress) {
				fmt.Fprintf(os.Stderr, "\r%s: %d records (%.0f/s)",
					p.File, p.RecordsSeen, p.RatePerSecond)
			}
			opts.OnBatchProgress = func(p domain.BatchProgress) {
				fmt.Fprintf(os.Stderr, "\rfiles %d/%d elapsed %s",
					p.FilesDone, p.FilesTotal, p.Elapsed.Round(1e9))
			}
		}

		p := pipeline.New(cfg.Pipeline, bl, meta, cache, out)
		res, err := p.Process(ctx, args, opts)
		if err != nil {
			return err
		}
		if !processQuiet {
			fmt.Fprintln(os.Stderr)
		}

		printBatchResult(res)
		if res.Status == domain.StatusCancelled {
			return fmt.Errorf("run cancelled")
		}
		if res.PartialFailure {
			return fmt.Errorf("completed with failed files")
		}
		return nil
	},
}

func printBatchResult(res *domain.BatchResult) {
	fmt.Printf("run %s: %s\n", res.RunID, res.Status)
	fmt.Printf("  records:        %d\n", res.Totals.RecordsRead)
	fmt.Printf("  clean:          %d\n", res.Totals.Clean)
	fmt.Printf("  blocked email:  %d\n", res.Totals.BlockedEmail)
	fmt.Printf("  blocked domain: %d\n", res.Totals.BlockedDomain)
	fmt.Printf("  invalid:        %d\n", res.Totals.Invalid)
	fmt.Printf("  duplicates:     %d\n", res.Totals.Duplicates)
	fmt.Printf("  errors:         %d\n", res.Totals.Errors)
	fmt.Printf("  elapsed:        %s\n", res.Elapsed)
	for _, fr := range res.Files {
		if fr.Status != domain.StatusCompleted {
			fmt.Printf("  %s: %s %s\n", fr.File, fr.Status, fr.Error)
		}
	}
}

func init() {
	processCmd.Flags().StringVar(&processDedup, "dedup", pipeline.DedupWithinBatch,
		"deduplication mode: none, within_batch, against_cache")
	processCmd.Flags().BoolVar(&processEnrich, "enrich", false,
		"fill missing metadata fields from the metadata store")
	processCmd.Flags().BoolVar(&processNoSkip, "no-skip-cached", false,
		"reprocess files even when their content is cached")
	processCmd.Flags().BoolVar(&processNoWrite, "dry-run", false,
		"classify and count without writing output files")
	processCmd.Flags().BoolVar(&processQuiet, "quiet", false, "suppress progress output")
}
