package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/herbaria-lab/specimen-cli/internal/model"
	"github.com/herbaria-lab/specimen-cli/internal/review"
	"github.com/herbaria-lab/specimen-cli/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the review queue",
	Long:  "Lists undecided specimens ordered by review priority: error-flagged first, then least confident, then oldest.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		_, st, err := initService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		minConf, _ := cmd.Flags().GetFloat64("min-confidence")
		requireFlags, _ := cmd.Flags().GetBool("require-flags")
		format, _ := cmd.Flags().GetString("format")

		entries, err := review.NewManager(st).NextBatch(ctx, store.QueueFilter{
			Limit:         limit,
			MinConfidence: minConf,
			RequireFlags:  requireFlags,
		})
		if err != nil {
			return eris.Wrap(err, "queue")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Queue is empty.")
			return nil
		}

		switch format {
		case "table":
			formatQueueTable(os.Stdout, entries)
			return nil
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		case "yaml":
			return yaml.NewEncoder(os.Stdout).Encode(entries)
		default:
			return eris.Errorf("unsupported format: %s", format)
		}
	},
}

func init() {
	queueCmd.Flags().Int("limit", 50, "max number of queue entries")
	queueCmd.Flags().Float64("min-confidence", 0, "only show specimens with mean confidence below this value")
	queueCmd.Flags().Bool("require-flags", false, "only show specimens with open quality flags")
	queueCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	rootCmd.AddCommand(queueCmd)
}

// formatQueueTable writes a tabular queue listing to w.
func formatQueueTable(out io.Writer, entries []model.QueueEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SPECIMEN\tRUNS\tMEAN_CONF\tFLAGS\tFIRST_SEEN")
	_, _ = fmt.Fprintln(w, "--------\t----\t---------\t-----\t----------")

	for _, e := range entries {
		flags := ""
		for i, f := range e.Flags {
			if i > 0 {
				flags += ","
			}
			flags += string(f.Type)
		}

		_, _ = fmt.Fprintf(w, "%s\t%d\t%.3f\t%s\t%s\n",
			truncateID(e.Specimen.SpecimenID),
			e.Aggregation.ExtractionCount,
			e.Aggregation.MeanConfidence(),
			flags,
			e.Specimen.FirstSeenAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 12 characters of a specimen hash for
// compact display.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
