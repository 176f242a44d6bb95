package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/timujinne/email-checker-sub002/internal/blocklist"
)

var (
	blNote     string
	blDomain   bool
	blPromote  bool
	blDryRun   bool
	blStatuses []string
	blFormat   string
	blList     string
)

var blocklistCmd = &cobra.Command{
	Use:   "blocklist",
	Short: "Manage the email and domain blocklists",
}

var blAddCmd = &cobra.Command{
	Use:   "add ENTRY...",
	Short: "Add addresses (or domains with --domain) to the blocklist",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBlocklist(func(s *blocklist.Service) error {
			for _, entry := range args {
				var err error
				if blDomain {
					err = s.AddDomain(entry, blNote)
				} else {
					err = s.AddEmail(entry, blNote)
				}
				if err != nil {
					return err
				}
				fmt.Printf("added %s\n", entry)
			}
			return nil
		})
	},
}

var blRemoveCmd = &cobra.Command{
	Use:   "remove ENTRY...",
	Short: "Remove addresses (or domains with --domain) from the blocklist",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBlocklist(func(s *blocklist.Service) error {
			for _, entry := range args {
				var err error
				if blDomain {
					err = s.RemoveDomain(entry)
				} else {
					err = s.RemoveEmail(entry)
				}
				if err != nil {
					return err
				}
				fmt.Printf("removed %s\n", entry)
			}
			return nil
		})
	},
}

var blImportCmd = &cobra.Command{
	Use:   "import LOG_FILE",
	Short: "Import blocked addresses from a delivery-log CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBlocklist(func(s *blocklist.Service) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := s.ImportFromLog(f, blocklist.ImportPolicy{
				Statuses:       blStatuses,
				PromoteDomains: blPromote,
				DryRun:         blDryRun,
				Note:           blNote,
			})
			if err != nil {
				return err
			}

			verb := "added"
			if blDryRun {
				verb = "would add"
			}
			fmt.Printf("rows %d, %s %d, duplicates %d, skipped %d, malformed %d\n",
				res.RowsRead, verb, res.Added, res.Duplicates, res.Skipped, res.Malformed)
			for _, d := range res.PromotedDomains {
				fmt.Printf("promoted domain %s\n", d)
			}
			return nil
		})
	},
}

var blExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a blocklist to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBlocklist(func(s *blocklist.Service) error {
			return s.Export(os.Stdout, blList, blFormat)
		})
	},
}

var blSearchCmd = &cobra.Command{
	Use:   "search TERM",
	Short: "Search both blocklists by substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBlocklist(func(s *blocklist.Service) error {
			emails, domains := s.Search(args[0])
			for _, e := range emails {
				fmt.Printf("email  %s\n", e)
			}
			for _, d := range domains {
				fmt.Printf("domain %s\n", d)
			}
			fmt.Printf("%d emails, %d domains\n", len(emails), len(domains))
			return nil
		})
	},
}

var blUndoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Revert the most recent blocklist mutation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBlocklist(func(s *blocklist.Service) error {
			mut, err := s.UndoLast()
			if err != nil {
				return err
			}
			fmt.Printf("undid %s %s\n", mut.Operation, mut.Target)
			return nil
		})
	},
}

var blRedoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Re-apply the most recently undone mutation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBlocklist(func(s *blocklist.Service) error {
			mut, err := s.RedoLast()
			if err != nil {
				return err
			}
			fmt.Printf("redid %s %s\n", mut.Operation, mut.Target)
			return nil
		})
	},
}

var blStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show blocklist sizes and derived facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBlocklist(func(s *blocklist.Service) error {
			st := s.Stats()
			fmt.Printf("blocked emails:       %d\n", st.Emails)
			fmt.Printf("blocked domains:      %d\n", st.Domains)
			fmt.Printf("problematic domains:  %d\n", st.ProblematicDomains)
			fmt.Printf("history entries:      %d\n", st.HistoryEntries)
			return nil
		})
	},
}

func withBlocklist(fn func(*blocklist.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openBlocklist(cfg)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		s.Close()
		return err
	}
	return s.Close()
}

func init() {
	blocklistCmd.PersistentFlags().StringVar(&blNote, "note", "", "note attached to added entries")

	blAddCmd.Flags().BoolVar(&blDomain, "domain", false, "treat entries as domains")
	blRemoveCmd.Flags().BoolVar(&blDomain, "domain", false, "treat entries as domains")

	blImportCmd.Flags().BoolVar(&blPromote, "promote-domains", false,
		"promote domains with enough blocked addresses")
	blImportCmd.Flags().BoolVar(&blDryRun, "dry-run", false, "report without mutating the lists")
	blImportCmd.Flags().StringSliceVar(&blStatuses, "statuses", nil,
		"status allowlist (default: hard bounce, blocked, complaint, unsubscribed, invalid, spam report)")

	blExportCmd.Flags().StringVar(&blList, "list", "emails", "which list: emails or domains")
	blExportCmd.Flags().StringVar(&blFormat, "format", "txt", "output format: txt or csv")

	blocklistCmd.AddCommand(blAddCmd, blRemoveCmd, blImportCmd, blExportCmd,
		blSearchCmd, blUndoCmd, blRedoCmd, blStatsCmd)
}
