package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bizfetch/internal/export"
)

func newExportCmd() *cobra.Command {
	var (
		selector     string
		transform    string
		city         string
		out          string
		includeNulls bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Project stored businesses into [lat, lng, value] points",
		Example: `  bizfetch export --selector price --transform length --city "San Francisco" --out price.json
  bizfetch export --selector rating --out rating.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			fn, err := export.TransformByName(transform)
			if err != nil {
				return err
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Export(cmd.Context(), export.Options{
				Selector:     selector,
				Transform:    fn,
				IncludeNulls: includeNulls,
				City:         city,
			}, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d points to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&selector, "selector", "", "top-level business field to export")
	cmd.Flags().StringVar(&transform, "transform", "identity", "value transform: identity or length")
	cmd.Flags().StringVar(&city, "city", "", "only export businesses in this city")
	cmd.Flags().StringVar(&out, "out", "", "output file")
	cmd.Flags().BoolVar(&includeNulls, "include-nulls", false, "keep businesses whose value is null or missing")
	_ = cmd.MarkFlagRequired("selector")
	return cmd
}
