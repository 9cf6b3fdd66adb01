package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/herbaria-lab/specimen-cli/internal/model"
	"github.com/herbaria-lab/specimen-cli/internal/review"
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Append a review decision for a specimen",
	Long:  "Records an approved, rejected, or pending decision. Decisions append to an immutable log; the latest one wins. Terminal decisions resolve the specimen's open quality flags.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		specimenID, _ := cmd.Flags().GetString("specimen")
		statusStr, _ := cmd.Flags().GetString("status")
		reviewer, _ := cmd.Flags().GetString("reviewer")
		notes, _ := cmd.Flags().GetString("notes")
		fieldPairs, _ := cmd.Flags().GetStringArray("field")

		status, err := model.ParseDecisionStatus(statusStr)
		if err != nil {
			return err
		}
		finalFields, err := parseKeyValues(fieldPairs)
		if err != nil {
			return err
		}

		_, st, err := initService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		d, err := review.NewManager(st).RecordDecision(ctx, specimenID, status, reviewer, finalFields, notes)
		if err != nil {
			return eris.Wrapf(err, "decide %s", specimenID)
		}

		fmt.Printf("%s\t%s\t%s\n", d.DecisionID, d.Status, d.SpecimenID)
		return nil
	},
}

func init() {
	decideCmd.Flags().String("specimen", "", "specimen id to decide on")
	decideCmd.Flags().String("status", "", "decision status (approved, rejected, pending)")
	decideCmd.Flags().String("reviewer", "", "reviewer identity")
	decideCmd.Flags().String("notes", "", "free-form decision notes")
	decideCmd.Flags().StringArray("field", nil, "curator-corrected field as key=value (repeatable)")
	_ = decideCmd.MarkFlagRequired("specimen")
	_ = decideCmd.MarkFlagRequired("status")
	_ = decideCmd.MarkFlagRequired("reviewer")
	rootCmd.AddCommand(decideCmd)
}
