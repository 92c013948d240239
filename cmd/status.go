package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bizfetch/internal/ledger"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print per-status category counts from the progress ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			counts := a.Counts()
			total := 0
			for _, n := range counts {
				total += n
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"total": total, "counts": counts})
			}
			for _, s := range ledger.Statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", s, counts[s.String()])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", "total", total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print counts as JSON")
	return cmd
}
