package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// imageExtensions are the file types the batch path picks up from a
// directory. Everything else is ignored.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// BatchOptions tunes the concurrent bulk ingestion path.
type BatchOptions struct {
	// MaxConcurrent bounds the number of images processed at once.
	MaxConcurrent int
	// RatePerSec throttles engine invocations; <= 0 disables throttling.
	RatePerSec float64
}

// BatchResult summarizes a directory run.
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// ProcessDirectory runs the engine over every image file in dir,
// registering and recording each concurrently. Individual failures are
// logged and counted, never abort the batch.
func (s *Service) ProcessDirectory(ctx context.Context, eng Engine, dir string, opts BatchOptions) (*BatchResult, error) {
	paths, err := listImages(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		zap.L().Info("ingest: no images found", zap.String("dir", dir))
		return &BatchResult{}, nil
	}

	concurrency := opts.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 4
	}
	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	zap.L().Info("ingest: processing batch",
		zap.String("dir", dir),
		zap.Int("images", len(paths)),
		zap.Int("concurrency", concurrency),
		zap.String("engine", eng.Name()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var processed, failed atomic.Int64

	for _, path := range paths {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return eris.Wrap(err, "ingest: rate limiter")
				}
			}

			log := zap.L().With(zap.String("image", path))

			image, err := os.ReadFile(path)
			if err != nil {
				failed.Add(1)
				log.Error("ingest: read image failed", zap.Error(err))
				return nil // don't abort batch on individual failure
			}

			run, err := s.ProcessImage(gctx, eng, image, "file://"+path)
			if err != nil {
				failed.Add(1)
				log.Error("ingest: process image failed", zap.Error(err))
				return nil
			}

			processed.Add(1)
			log.Info("ingest: image processed",
				zap.String("specimen", run.SpecimenID),
				zap.String("extraction", run.ExtractionID),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "ingest: batch")
	}

	res := &BatchResult{
		Processed: int(processed.Load()),
		Failed:    int(failed.Load()),
	}
	zap.L().Info("ingest: batch complete",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read dir %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
