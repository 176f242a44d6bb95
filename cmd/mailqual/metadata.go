package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/timujinne/email-checker-sub002/internal/domain"
	"github.com/timujinne/email-checker-sub002/internal/metastore"
)

var (
	mdCompany  string
	mdCountry  string
	mdCategory string
	mdDomain   string
	mdFields   []string
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Query and update the address metadata store",
}

var mdGetCmd = &cobra.Command{
	Use:   "get ADDRESS",
	Short: "Print the merged metadata for one address as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMetaStore(func(ctx context.Context, s *metastore.Store) error {
			md, err := s.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if md == nil {
				return fmt.Errorf("no metadata for %s", args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(md)
		})
	},
}

var mdPutCmd = &cobra.Command{
	Use:   "put ADDRESS",
	Short: "Merge field values for one address (--field name=value)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		md := &domain.Metadata{}
		for _, kv := range mdFields {
			name, value, ok := splitKV(kv)
			if !ok {
				return fmt.Errorf("malformed --field %q, want name=value", kv)
			}
			md.SetField(name, value)
		}
		if md.IsEmpty() {
			return fmt.Errorf("nothing to store, pass at least one --field")
		}
		return withMetaStore(func(ctx context.Context, s *metastore.Store) error {
			return s.Put(ctx, args[0], md, metastore.Source{
				FileID:     "manual",
				ObservedAt: time.Now().UTC(),
			})
		})
	},
}

var mdSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find addresses by company, country, category or domain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMetaStore(func(ctx context.Context, s *metastore.Store) error {
			hits, err := s.SearchBy(ctx, metastore.Filter{
				Company:  mdCompany,
				Country:  mdCountry,
				Category: mdCategory,
				Domain:   mdDomain,
			})
			if err != nil {
				return err
			}
			for _, h := range hits {
				fmt.Printf("%s\t%s\t%s\n", h.Address, h.Metadata.CompanyName, h.Metadata.Country)
			}
			fmt.Printf("%d matches\n", len(hits))
			return nil
		})
	},
}

var mdStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store totals and per-country/per-category frequencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMetaStore(func(ctx context.Context, s *metastore.Store) error {
			st, err := s.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("addresses:    %d\n", st.Total)
			fmt.Printf("source files: %d\n", st.SourceFiles)
			printFreq("country", st.PerCountry)
			printFreq("category", st.PerCategory)
			return nil
		})
	},
}

func printFreq(label string, freq map[string]int64) {
	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s %-20s %d\n", label, k, freq[k])
	}
}

func splitKV(s string) (name, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], i > 0
		}
	}
	return "", "", false
}

func withMetaStore(fn func(context.Context, *metastore.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openMetaStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(context.Background(), s)
}

func init() {
	mdPutCmd.Flags().StringSliceVar(&mdFields, "field", nil, "field to set, name=value (repeatable)")

	mdSearchCmd.Flags().StringVar(&mdCompany, "company", "", "company name substring")
	mdSearchCmd.Flags().StringVar(&mdCountry, "country", "", "country substring")
	mdSearchCmd.Flags().StringVar(&mdCategory, "category", "", "category substring")
	mdSearchCmd.Flags().StringVar(&mdDomain, "domain", "", "address domain substring")

	metadataCmd.AddCommand(mdGetCmd, mdPutCmd, mdSearchCmd, mdStatsCmd)
}
