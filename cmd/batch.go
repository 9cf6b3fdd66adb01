package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/herbaria-lab/specimen-cli/internal/identity"
	"github.com/herbaria-lab/specimen-cli/internal/ingest"
)

var (
	batchDir        string
	batchResultsDir string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Bulk-ingest a directory of specimen images",
	Long:  "Registers every image in --dir and records the matching extraction result from --results (same basename, .json extension). Runs concurrently under the configured worker limit and rate limiter.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, st, err := initService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		eng, err := newResultsEngine(batchDir, batchResultsDir)
		if err != nil {
			return err
		}

		res, err := svc.ProcessDirectory(ctx, eng, batchDir, ingest.BatchOptions{
			MaxConcurrent: cfg.Batch.MaxConcurrent,
			RatePerSec:    cfg.Batch.RatePerSec,
		})
		if err != nil {
			return eris.Wrap(err, "batch")
		}

		fmt.Printf("processed %d image(s), %d failed\n", res.Processed, res.Failed)
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchDir, "dir", "", "directory of specimen images")
	batchCmd.Flags().StringVar(&batchResultsDir, "results", "", "directory of per-image extraction result JSON files")
	_ = batchCmd.MarkFlagRequired("dir")
	_ = batchCmd.MarkFlagRequired("results")
	rootCmd.AddCommand(batchCmd)
}

// resultsEngine satisfies ingest.Engine by pairing image bytes with a
// pre-computed result file. The pairing is by content hash, built once at
// construction, so the engine stays a pure function of the image bytes.
type resultsEngine struct {
	byHash map[string]string
}

func newResultsEngine(imageDir, resultsDir string) (*resultsEngine, error) {
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, eris.Wrapf(err, "read image dir %s", imageDir)
	}

	eng := &resultsEngine{byHash: make(map[string]string)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		imagePath := filepath.Join(imageDir, e.Name())
		image, err := os.ReadFile(imagePath)
		if err != nil {
			return nil, eris.Wrapf(err, "read image %s", imagePath)
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		eng.byHash[identity.HashBytes(image)] = filepath.Join(resultsDir, base+".json")
	}
	return eng, nil
}

func (e *resultsEngine) Name() string    { return "results-file" }
func (e *resultsEngine) Version() string { return "1" }

func (e *resultsEngine) Extract(_ context.Context, image []byte) (*ingest.EngineResult, error) {
	path, ok := e.byHash[identity.HashBytes(image)]
	if !ok {
		return nil, eris.New("no result file paired with image")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read result %s", path)
	}

	var payload extractionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, eris.Wrapf(err, "parse result %s", path)
	}
	return &ingest.EngineResult{
		Fields:      payload.Fields,
		Confidences: payload.Confidences,
	}, nil
}
