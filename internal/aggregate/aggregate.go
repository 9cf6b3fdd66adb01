// Package aggregate folds a specimen's extraction runs into its current
// best-candidate record. The consensus rule is deliberately simple and
// reproducible: per field, the highest-confidence candidate wins, earliest
// recorded run breaking ties, and agreement is exact string equality after
// trimming and NFC normalization.
package aggregate

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/herbaria-lab/specimen-cli/internal/model"
	"github.com/herbaria-lab/specimen-cli/internal/store"
)

// ErrNoExtractions is returned when aggregation is requested for a
// specimen that has no extraction runs. A degenerate empty Aggregation is
// never produced.
var ErrNoExtractions = eris.New("aggregate: specimen has no extraction runs")

// Aggregator recomputes aggregations from the store.
type Aggregator struct {
	store store.Store
}

// New creates an Aggregator backed by the given store.
func New(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Aggregate fetches all extraction runs for a specimen and computes its
// aggregation. It does not persist; callers decide whether to save the
// result together with regenerated flags.
func (a *Aggregator) Aggregate(ctx context.Context, specimenID string) (*model.Aggregation, error) {
	runs, err := a.store.ListExtractions(ctx, specimenID)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregate: list runs for %s", specimenID)
	}
	if len(runs) == 0 {
		return nil, eris.Wrapf(ErrNoExtractions, "specimen %s", specimenID)
	}

	agg := Compute(specimenID, runs, time.Now().UTC())
	zap.L().Debug("aggregate: recomputed",
		zap.String("specimen", specimenID),
		zap.Int("runs", agg.ExtractionCount),
		zap.Int("fields", len(agg.Best)),
	)
	return &agg, nil
}

// Compute derives an Aggregation from a run set. It is a pure function:
// the same runs and timestamp always produce the same output, regardless
// of the order runs are supplied in.
func Compute(specimenID string, runs []model.ExtractionRun, now time.Time) model.Aggregation {
	ordered := make([]model.ExtractionRun, len(runs))
	copy(ordered, runs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].RecordedAt.Equal(ordered[j].RecordedAt) {
			return ordered[i].RecordedAt.Before(ordered[j].RecordedAt)
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	candidates := make(map[string][]model.Candidate)
	for _, run := range ordered {
		for field, value := range run.Fields {
			if strings.TrimSpace(value) == "" {
				continue
			}
			candidates[field] = append(candidates[field], model.Candidate{
				Value:        value,
				Confidence:   run.Confidences[field],
				ExtractionID: run.ExtractionID,
			})
		}
	}

	best := make(map[string]model.BestCandidate, len(candidates))
	for field, cands := range candidates {
		// Highest confidence wins; candidates are in run order, so keeping
		// the first strictly-greater entry gives first-seen tie-breaking.
		winner := cands[0]
		for _, c := range cands[1:] {
			if c.Confidence > winner.Confidence {
				winner = c
			}
		}

		agreement := 0
		for _, c := range cands {
			if Agrees(c.Value, winner.Value) {
				agreement++
			}
		}

		best[field] = model.BestCandidate{
			Value:          winner.Value,
			Confidence:     winner.Confidence,
			ExtractionID:   winner.ExtractionID,
			AgreementCount: agreement,
		}
	}

	return model.Aggregation{
		SpecimenID:      specimenID,
		ExtractionCount: len(ordered),
		Candidates:      candidates,
		Best:            best,
		ComputedAt:      now.UTC(),
	}
}

// Agrees reports whether two field values count as the same observation:
// exact string equality, case-sensitive, after whitespace trimming and NFC
// normalization. No fuzzy or semantic matching.
func Agrees(a, b string) bool {
	return canonicalValue(a) == canonicalValue(b)
}

func canonicalValue(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
