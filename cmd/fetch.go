package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bizfetch/internal/engine"
)

func newFetchCmd() *cobra.Command {
	var passes int
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Seed the ledger and fetch every incomplete category",
		Long: `Seeds the progress ledger with the top-level categories and runs fetch
passes over the Incomplete ones. Categories created by narrowing are picked up
by the next pass; --passes bounds how many passes run before returning.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			eng, err := a.Engine(nil)
			if err != nil {
				return err
			}
			summaries, err := a.Fetch(cmd.Context(), eng, passes)
			for i, sum := range summaries {
				fmt.Fprintf(cmd.OutOrStdout(),
					"pass %d: attempted=%d completed=%d narrowed=%d failed=%d requests=%d stored=%d duration=%s\n",
					i+1, sum.Attempted, sum.Completed, sum.Narrowed, sum.Failed,
					sum.Requests, sum.EntitiesStored, sum.Duration().Round(time.Millisecond))
			}
			remaining := len(a.Ledger.Incomplete())
			fmt.Fprintf(cmd.OutOrStdout(), "incomplete categories remaining: %d\n", remaining)

			var unnarrowable *engine.UnnarrowableError
			if err != nil && errors.As(err, &unnarrowable) {
				// Those categories are settled as Wontfix; the run itself succeeded.
				a.Logger.Warn("fetch finished with unnarrowable categories", zap.Error(err))
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&passes, "passes", 1, "maximum number of fetch passes")
	return cmd
}
