package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/herbaria-lab/specimen-cli/internal/aggregate"
	"github.com/herbaria-lab/specimen-cli/internal/identity"
	"github.com/herbaria-lab/specimen-cli/internal/quality"
	"github.com/herbaria-lab/specimen-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testRules = quality.Rules{
	RequiredFields:      []string{"scientificName", "catalogNumber"},
	ConfidenceThreshold: 0.75,
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, testRules), st
}

// stubEngine returns canned fields for any image.
type stubEngine struct {
	fields map[string]string
	confs  map[string]float64
	err    error
}

func (e *stubEngine) Name() string    { return "stub-ocr" }
func (e *stubEngine) Version() string { return "1.0.0" }
func (e *stubEngine) Extract(_ context.Context, _ []byte) (*EngineResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &EngineResult{Fields: e.fields, Confidences: e.confs}, nil
}

func TestRegister_NewAndDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	image := []byte("herbarium sheet 001")

	sp, created, err := svc.Register(ctx, image, "file:///scans/001.tif", map[string]string{"collection": "grasses"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, identity.HashBytes(image), sp.SpecimenID)
	assert.Equal(t, "grasses", sp.Metadata["collection"])

	again, created, err := svc.Register(ctx, image, "file:///other/location.tif", map[string]string{"cabinet": "12"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sp.SpecimenID, again.SpecimenID)
	assert.Equal(t, "file:///scans/001.tif", again.SourceLocator, "re-registration must not overwrite the original locator")
	assert.Equal(t, "grasses", again.Metadata["collection"])
	assert.Equal(t, "12", again.Metadata["cabinet"], "new metadata keys merge in")
}

func TestRegister_DuplicateKeepsExistingMetadata(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	image := []byte("herbarium sheet 002")

	_, _, err := svc.Register(ctx, image, "file:///scans/002.tif", map[string]string{"collection": "grasses"})
	require.NoError(t, err)

	again, created, err := svc.Register(ctx, image, "file:///scans/002.tif",
		map[string]string{"collection": "mosses", "cabinet": "7"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "grasses", again.Metadata["collection"], "colliding keys keep the stored value")
	assert.Equal(t, "7", again.Metadata["cabinet"])
}

func TestRegister_EmptyImage(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.Register(context.Background(), nil, "", nil)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestRecordExtraction_PersistsAndAggregates(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	sp, _, err := svc.Register(ctx, []byte("sheet"), "", nil)
	require.NoError(t, err)

	run, created, err := svc.RecordExtraction(ctx, sp.SpecimenID,
		map[string]string{"engine": "tesseract", "engine_version": "5.3"},
		map[string]string{"scientificName": "Bouteloua gracilis"},
		map[string]float64{"scientificName": 0.95},
		"abc123",
	)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, identity.ExtractionID(sp.SpecimenID, run.Params), run.ExtractionID)

	agg, err := st.GetAggregation(ctx, sp.SpecimenID)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.ExtractionCount)
	assert.Equal(t, "Bouteloua gracilis", agg.Best["scientificName"].Value)

	// catalogNumber is required but absent, so the rules flag it.
	flags, err := st.ListFlags(ctx, sp.SpecimenID)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "catalogNumber", flags[0].Field)
}

func TestRecordExtraction_Dedupes(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	sp, _, err := svc.Register(ctx, []byte("sheet"), "", nil)
	require.NoError(t, err)

	params := map[string]string{"engine": "tesseract"}
	fields := map[string]string{"scientificName": "Bouteloua gracilis"}
	confs := map[string]float64{"scientificName": 0.9}

	first, created, err := svc.RecordExtraction(ctx, sp.SpecimenID, params, fields, confs, "")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := svc.RecordExtraction(ctx, sp.SpecimenID, params, fields, confs, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ExtractionID, second.ExtractionID)

	runs, err := st.ListExtractions(ctx, sp.SpecimenID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRecordExtraction_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	sp, _, err := svc.Register(ctx, []byte("sheet"), "", nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		params map[string]string
		fields map[string]string
		confs  map[string]float64
	}{
		{"empty params", nil, map[string]string{"f": "v"}, nil},
		{"missing engine", map[string]string{"model": "x"}, map[string]string{"f": "v"}, nil},
		{"confidence above one", map[string]string{"engine": "e"}, map[string]string{"f": "v"}, map[string]float64{"f": 1.5}},
		{"negative confidence", map[string]string{"engine": "e"}, map[string]string{"f": "v"}, map[string]float64{"f": -0.1}},
		{"confidence without field", map[string]string{"engine": "e"}, map[string]string{"f": "v"}, map[string]float64{"other": 0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.RecordExtraction(ctx, sp.SpecimenID, tc.params, tc.fields, tc.confs, "")
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected ValidationError, got %v", err)
		})
	}
}

func TestRecordExtraction_UnknownSpecimen(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.RecordExtraction(context.Background(), "no-such-specimen",
		map[string]string{"engine": "e"},
		map[string]string{"f": "v"},
		nil, "",
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnknownSpecimen)
}

func TestReaggregate_NoExtractions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	sp, _, err := svc.Register(ctx, []byte("sheet"), "", nil)
	require.NoError(t, err)

	_, _, err = svc.Reaggregate(ctx, sp.SpecimenID)
	require.Error(t, err)
	assert.ErrorIs(t, err, aggregate.ErrNoExtractions)
}

func TestReaggregateAll(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	withRuns, _, err := svc.Register(ctx, []byte("sheet a"), "", nil)
	require.NoError(t, err)
	_, _, err = svc.RecordExtraction(ctx, withRuns.SpecimenID,
		map[string]string{"engine": "e"},
		map[string]string{"scientificName": "Poa annua"},
		map[string]float64{"scientificName": 0.8}, "")
	require.NoError(t, err)

	_, _, err = svc.Register(ctx, []byte("sheet b"), "", nil)
	require.NoError(t, err)

	res, err := svc.ReaggregateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recomputed)
	assert.Equal(t, 1, res.Skipped)
}

func TestProcessImage(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	eng := &stubEngine{
		fields: map[string]string{"scientificName": "Bouteloua gracilis", "catalogNumber": "HRB-0042"},
		confs:  map[string]float64{"scientificName": 0.9, "catalogNumber": 0.85},
	}

	run, err := svc.ProcessImage(ctx, eng, []byte("sheet image"), "file:///scans/042.tif")
	require.NoError(t, err)
	assert.Equal(t, "stub-ocr", run.Engine())
	assert.Equal(t, "1.0.0", run.Params["engine_version"])

	agg, err := st.GetAggregation(ctx, run.SpecimenID)
	require.NoError(t, err)
	assert.Equal(t, "HRB-0042", agg.Best["catalogNumber"].Value)
}

func TestProcessDirectory(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	dir := t.TempDir()
	for name, content := range map[string]string{
		"001.tif":    "sheet one",
		"002.jpg":    "sheet two",
		"notes.txt":  "ignored",
		"003.tiff":   "sheet three",
		"broken.png": "sheet three", // duplicate bytes of 003: dedupes to one specimen
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	eng := &stubEngine{
		fields: map[string]string{"scientificName": "Poa annua", "catalogNumber": "HRB-1"},
		confs:  map[string]float64{"scientificName": 0.9, "catalogNumber": 0.9},
	}
	res, err := svc.ProcessDirectory(ctx, eng, dir, BatchOptions{MaxConcurrent: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 0, res.Failed)

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Specimens, "duplicate image bytes collapse to one specimen")
}

func TestProcessDirectory_EngineFailuresCounted(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001.tif"), []byte("sheet"), 0o644))

	eng := &stubEngine{err: assert.AnError}
	res, err := svc.ProcessDirectory(ctx, eng, dir, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, res.Failed)
}
