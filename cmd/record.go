package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

// extractionPayload is the on-disk shape of one extraction result, as
// produced by an external engine run.
type extractionPayload struct {
	Params      map[string]string  `json:"extraction_params"`
	Fields      map[string]string  `json:"extracted_fields"`
	Confidences map[string]float64 `json:"confidence_scores"`
	CodeVersion string             `json:"code_version"`
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record extraction results for a specimen",
	Long:  "Reads a JSON file holding one extraction result (or an array of them) and records each as an immutable extraction run. Identical params dedupe to the existing run. The specimen's aggregation is recomputed after every accepted run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		specimenID, _ := cmd.Flags().GetString("specimen")
		file, _ := cmd.Flags().GetString("file")

		payloads, err := readPayloads(file)
		if err != nil {
			return err
		}

		svc, st, err := initService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, p := range payloads {
			run, created, err := svc.RecordExtraction(ctx, specimenID, p.Params, p.Fields, p.Confidences, p.CodeVersion)
			if err != nil {
				return eris.Wrapf(err, "record extraction for %s", specimenID)
			}
			status := "exists"
			if created {
				status = "recorded"
			}
			fmt.Printf("%s\t%s\t%s\n", run.ExtractionID, status, run.Engine())
		}
		return nil
	},
}

// readPayloads accepts either a single JSON object or an array of them.
func readPayloads(path string) ([]extractionPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read results file %s", path)
	}

	var many []extractionPayload
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}

	var one extractionPayload
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, eris.Wrapf(err, "parse results file %s", path)
	}
	return []extractionPayload{one}, nil
}

func init() {
	recordCmd.Flags().String("specimen", "", "specimen id the results belong to")
	recordCmd.Flags().String("file", "", "JSON file with extraction results")
	_ = recordCmd.MarkFlagRequired("specimen")
	_ = recordCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(recordCmd)
}
