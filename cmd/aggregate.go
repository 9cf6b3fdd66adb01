package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var aggregateAll bool

var aggregateCmd = &cobra.Command{
	Use:   "aggregate [specimen-id]...",
	Short: "Recompute aggregations and quality flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if len(args) == 0 && !aggregateAll {
			return eris.New("pass specimen ids or --all")
		}

		svc, st, err := initService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if aggregateAll {
			res, err := svc.ReaggregateAll(ctx)
			if err != nil {
				return eris.Wrap(err, "aggregate all")
			}
			fmt.Printf("recomputed %d aggregation(s), skipped %d specimen(s) without runs\n", res.Recomputed, res.Skipped)
			return nil
		}

		for _, id := range args {
			agg, flags, err := svc.Reaggregate(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "aggregate %s", id)
			}
			fmt.Printf("%s\truns=%d\tfields=%d\tmean_confidence=%.3f\tflags=%d\n",
				id, agg.ExtractionCount, len(agg.Best), agg.MeanConfidence(), len(flags))
			for _, f := range flags {
				fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Type, f.Message)
			}
		}
		return nil
	},
}

func init() {
	aggregateCmd.Flags().BoolVar(&aggregateAll, "all", false, "recompute every specimen")
	rootCmd.AddCommand(aggregateCmd)
}
