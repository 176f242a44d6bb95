package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/smartfilter"
)

var (
	filterConfigPath string
	filterOutDir     string
	filterNoEnrich   bool
)

var filterCmd = &cobra.Command{
	Use:   "filter CLEAN_FILE",
	Short: "Score a clean-addresses file into priority tiers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		outDir := filterOutDir
		if outDir == "" {
			outDir = cfg.Data.OutputDir
		}
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return err
		}

		var lookup smartfilter.MetadataLookup
		if !filterNoEnrich {
			meta, err := openMetaStore(cfg)
			if err != nil {
				return err
			}
			defer meta.Close()
			lookup = meta
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, err := smartfilter.Run(ctx, args[0], filterConfigPath, outDir, lookup)
		if err != nil {
			return err
		}

		fmt.Printf("scored %d addresses\n", out.Scored)
		for _, tier := range domain.Priorities {
			fmt.Printf("  %-8s %6d  %s\n", tier, out.Counts[tier], out.TierFiles[tier])
		}
		fmt.Printf("  report  %s\n", out.ReportPath)
		return nil
	},
}

func init() {
	filterCmd.Flags().StringVar(&filterConfigPath, "filter-config", "filter.yaml",
		"path to the scoring configuration (YAML)")
	filterCmd.Flags().StringVar(&filterOutDir, "out", "", "output directory (default: configured output dir)")
	filterCmd.Flags().BoolVar(&filterNoEnrich, "no-metadata", false,
		"score without metadata store enrichment")
}
