package aggregate

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/herbaria-lab/specimen-cli/internal/identity"
	"github.com/herbaria-lab/specimen-cli/internal/model"
	"github.com/herbaria-lab/specimen-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var computedAt = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

func run(id string, seq int64, at time.Time, fields map[string]string, confs map[string]float64) model.ExtractionRun {
	return model.ExtractionRun{
		ExtractionID: id,
		SpecimenID:   "spec-1",
		Params:       map[string]string{"engine": id},
		Fields:       fields,
		Confidences:  confs,
		RecordedAt:   at,
		Seq:          seq,
	}
}

func TestCompute_SingleRun(t *testing.T) {
	// Scenario A: one extraction, its value is the best candidate.
	runs := []model.ExtractionRun{
		run("vision", 1, computedAt.Add(-time.Hour),
			map[string]string{"scientificName": "Bouteloua gracilis"},
			map[string]float64{"scientificName": 0.95}),
	}

	agg := Compute("spec-1", runs, computedAt)
	assert.Equal(t, 1, agg.ExtractionCount)

	best := agg.Best["scientificName"]
	assert.Equal(t, "Bouteloua gracilis", best.Value)
	assert.InDelta(t, 0.95, best.Confidence, 1e-9)
	assert.Equal(t, 1, best.AgreementCount)
	assert.Equal(t, "vision", best.ExtractionID)
}

func TestCompute_AgreementAcrossRuns(t *testing.T) {
	// Scenario B: a lower-confidence agreeing run raises agreement_count
	// but does not displace the winner.
	runs := []model.ExtractionRun{
		run("vision", 1, computedAt.Add(-2*time.Hour),
			map[string]string{"scientificName": "Bouteloua gracilis"},
			map[string]float64{"scientificName": 0.95}),
		run("gpt4o", 2, computedAt.Add(-time.Hour),
			map[string]string{"scientificName": "Bouteloua gracilis"},
			map[string]float64{"scientificName": 0.80}),
	}

	agg := Compute("spec-1", runs, computedAt)
	best := agg.Best["scientificName"]
	assert.Equal(t, "vision", best.ExtractionID)
	assert.InDelta(t, 0.95, best.Confidence, 1e-9)
	assert.Equal(t, 2, best.AgreementCount)
	assert.Len(t, agg.Candidates["scientificName"], 2)
}

func TestCompute_HigherConfidenceDisagreementWins(t *testing.T) {
	// Scenario C: a disagreeing run with higher confidence takes over.
	runs := []model.ExtractionRun{
		run("vision", 1, computedAt.Add(-3*time.Hour),
			map[string]string{"scientificName": "Bouteloua gracilis"},
			map[string]float64{"scientificName": 0.95}),
		run("gpt4o", 2, computedAt.Add(-2*time.Hour),
			map[string]string{"scientificName": "Bouteloua gracilis"},
			map[string]float64{"scientificName": 0.80}),
		run("claude", 3, computedAt.Add(-time.Hour),
			map[string]string{"scientificName": "Bouteloua sp."},
			map[string]float64{"scientificName": 0.99}),
	}

	agg := Compute("spec-1", runs, computedAt)
	best := agg.Best["scientificName"]
	assert.Equal(t, "Bouteloua sp.", best.Value)
	assert.Equal(t, "claude", best.ExtractionID)
	assert.Equal(t, 1, best.AgreementCount)
	// Disagreement is visible: 3 candidates, only 1 agrees with the winner.
	assert.Len(t, agg.Candidates["scientificName"], 3)
}

func TestCompute_ConfidenceTieBreak_FirstSeenWins(t *testing.T) {
	runs := []model.ExtractionRun{
		run("early", 1, computedAt.Add(-2*time.Hour),
			map[string]string{"recordedBy": "A. Nelson"},
			map[string]float64{"recordedBy": 0.9}),
		run("late", 2, computedAt.Add(-time.Hour),
			map[string]string{"recordedBy": "A. Nilsson"},
			map[string]float64{"recordedBy": 0.9}),
	}

	agg := Compute("spec-1", runs, computedAt)
	assert.Equal(t, "early", agg.Best["recordedBy"].ExtractionID)
	assert.Equal(t, "A. Nelson", agg.Best["recordedBy"].Value)
}

func TestCompute_SeqBreaksEqualTimestamps(t *testing.T) {
	at := computedAt.Add(-time.Hour)
	runs := []model.ExtractionRun{
		run("second", 2, at, map[string]string{"f": "b"}, map[string]float64{"f": 0.5}),
		run("first", 1, at, map[string]string{"f": "a"}, map[string]float64{"f": 0.5}),
	}

	agg := Compute("spec-1", runs, computedAt)
	assert.Equal(t, "first", agg.Best["f"].ExtractionID)
}

func TestCompute_DeterministicAcrossInputOrder(t *testing.T) {
	a := run("vision", 1, computedAt.Add(-2*time.Hour),
		map[string]string{"scientificName": "Bouteloua gracilis", "eventDate": "1998-07-12"},
		map[string]float64{"scientificName": 0.95, "eventDate": 0.7})
	b := run("gpt4o", 2, computedAt.Add(-time.Hour),
		map[string]string{"scientificName": "Bouteloua sp.", "catalogNumber": "RM-221"},
		map[string]float64{"scientificName": 0.99, "catalogNumber": 0.6})

	first, err := json.Marshal(Compute("spec-1", []model.ExtractionRun{a, b}, computedAt))
	require.NoError(t, err)
	second, err := json.Marshal(Compute("spec-1", []model.ExtractionRun{b, a}, computedAt))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestCompute_SkipsEmptyValues(t *testing.T) {
	runs := []model.ExtractionRun{
		run("vision", 1, computedAt.Add(-time.Hour),
			map[string]string{"scientificName": "", "eventDate": "   ", "catalogNumber": "RM-221"},
			map[string]float64{"catalogNumber": 0.6}),
	}

	agg := Compute("spec-1", runs, computedAt)
	assert.Len(t, agg.Best, 1)
	assert.NotContains(t, agg.Candidates, "scientificName")
	assert.NotContains(t, agg.Candidates, "eventDate")
}

func TestAgrees(t *testing.T) {
	assert.True(t, Agrees("Bouteloua gracilis", "Bouteloua gracilis"))
	assert.True(t, Agrees("  Bouteloua gracilis ", "Bouteloua gracilis"))
	assert.False(t, Agrees("Bouteloua gracilis", "bouteloua gracilis"))
	assert.False(t, Agrees("Bouteloua gracilis", "Bouteloua gracilis (HBK.) Lag."))
	// Composed and decomposed forms of the same text agree.
	assert.True(t, Agrees("Carex cärea", "Carex cärea"))
}

func TestAggregator_NoExtractions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sp := model.Specimen{
		SpecimenID:  identity.HashBytes([]byte("empty")),
		FirstSeenAt: computedAt,
	}
	_, _, err := st.RegisterSpecimen(ctx, sp)
	require.NoError(t, err)

	_, err = New(st).Aggregate(ctx, sp.SpecimenID)
	assert.ErrorContains(t, err, "no extraction runs")
}

func TestAggregator_ReadsStoreOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sp := model.Specimen{SpecimenID: identity.HashBytes([]byte("full")), FirstSeenAt: computedAt}
	_, _, err := st.RegisterSpecimen(ctx, sp)
	require.NoError(t, err)

	params := map[string]string{"engine": "vision", "version": "1"}
	_, _, err = st.InsertExtraction(ctx, model.ExtractionRun{
		ExtractionID: identity.ExtractionID(sp.SpecimenID, params),
		SpecimenID:   sp.SpecimenID,
		Params:       params,
		Fields:       map[string]string{"scientificName": "Bouteloua gracilis"},
		Confidences:  map[string]float64{"scientificName": 0.95},
		RecordedAt:   computedAt.Add(-time.Hour),
	})
	require.NoError(t, err)

	agg, err := New(st).Aggregate(ctx, sp.SpecimenID)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.ExtractionCount)
	assert.Equal(t, "Bouteloua gracilis", agg.Best["scientificName"].Value)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}
