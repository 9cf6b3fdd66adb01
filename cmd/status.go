package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store counts and review queue depth",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		_, st, err := initService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		counts, err := st.Counts(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Specimens:\t%d\n", counts.Specimens)
		_, _ = fmt.Fprintf(w, "Extraction runs:\t%d\n", counts.Extractions)
		_, _ = fmt.Fprintf(w, "Aggregations:\t%d\n", counts.Aggregations)
		_, _ = fmt.Fprintf(w, "Open flags:\t%d\n", counts.OpenFlags)
		_, _ = fmt.Fprintf(w, "Decisions:\t%d\n", counts.Decisions)
		_, _ = fmt.Fprintf(w, "Queue depth:\t%d\n", counts.QueueDepth)
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
