package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/timujinne/email-checker-sub002/internal/proccache"
)

var (
	cacheInvalidatePath string
	cacheRetainDays     int
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the processing cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached file and address counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(ctx context.Context, c *proccache.Cache) error {
			st, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("files:     %d\n", st.Files)
			fmt.Printf("addresses: %d\n", st.Addresses)
			classes := make([]string, 0, len(st.ByClassification))
			for k := range st.ByClassification {
				classes = append(classes, k)
			}
			sort.Strings(classes)
			for _, k := range classes {
				fmt.Printf("  %-15s %d\n", k, st.ByClassification[k])
			}
			if st.OldestProcessedAt != nil {
				fmt.Printf("oldest:    %s\n", st.OldestProcessedAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Forget cached results (all, or one path with --path)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(ctx context.Context, c *proccache.Cache) error {
			if err := c.Invalidate(ctx, cacheInvalidatePath); err != nil {
				return err
			}
			if cacheInvalidatePath == "" {
				fmt.Println("cache cleared")
			} else {
				fmt.Printf("invalidated %s\n", cacheInvalidatePath)
			}
			return nil
		})
	},
}

var cacheVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Drop stale address outcomes and compact the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(func(ctx context.Context, c *proccache.Cache) error {
			dropped, err := c.Vacuum(ctx, time.Duration(cacheRetainDays)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("dropped %d stale outcomes\n", dropped)
			return nil
		})
	},
}

func withCache(fn func(context.Context, *proccache.Cache) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(context.Background(), c)
}

func init() {
	cacheInvalidateCmd.Flags().StringVar(&cacheInvalidatePath, "path", "", "invalidate only this input path")
	cacheVacuumCmd.Flags().IntVar(&cacheRetainDays, "retain-days", 90, "keep outcomes newer than this many days")

	cacheCmd.AddCommand(cacheStatsCmd, cacheInvalidateCmd, cacheVacuumCmd)
}
