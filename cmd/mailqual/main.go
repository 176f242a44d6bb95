// mailqual is the command-line surface of the address qualification engine.
// All behavior lives in the internal packages; commands only parse flags and
// wire collaborators together.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/timujinne/email-checker-sub002/internal/blocklist"
	"github.com/timujinne/email-checker-sub002/internal/config"
	"github.com/timujinne/email-checker-sub002/internal/metastore"
	"github.com/timujinne/email-checker-sub002/internal/pkg/logger"
	"github.com/timujinne/email-checker-sub002/internal/proccache"
)

var (
	cfgFile  string
	dataDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "mailqual",
	Short: "Batch email address qualification engine",
	Long: `mailqual validates, classifies and scores email address lists.

It normalizes addresses, checks them against persistent blocklists, merges
scraped metadata into an embedded store, skips unchanged input files via a
processing cache, and ranks clean addresses into priority tiers.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
		if cfg.Logging.RedactPII != nil {
			logger.SetRedactPII(*cfg.Logging.RedactPII)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "root directory for persistent state")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(blocklistCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(cacheCmd)
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFromEnv(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgFile, err)
		}
	} else {
		cfg = config.Default(dataDir)
	}
	if dataDir != "" && cfgFile == "" {
		cfg.Data.Dir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func openBlocklist(cfg *config.Config) (*blocklist.Service, error) {
	return blocklist.Open(cfg.Data.BlocklistDir(), blocklist.Options{
		PromotionThreshold: cfg.Blocklist.PromotionThreshold,
		HistoryCapacity:    cfg.Blocklist.HistoryCapacity,
	})
}

func openMetaStore(cfg *config.Config) (*metastore.Store, error) {
	return metastore.Open(cfg.Data.MetadataDBPath())
}

func openCache(cfg *config.Config) (*proccache.Cache, error) {
	return proccache.Open(cfg.Data.CacheDBPath())
}
