// Package ingest is the inbound surface of the aggregation engine. It
// validates extraction payloads, derives content-addressed identities,
// writes through the store, and re-aggregates after every accepted run.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/herbaria-lab/specimen-cli/internal/aggregate"
	"github.com/herbaria-lab/specimen-cli/internal/identity"
	"github.com/herbaria-lab/specimen-cli/internal/model"
	"github.com/herbaria-lab/specimen-cli/internal/quality"
	"github.com/herbaria-lab/specimen-cli/internal/store"
)

// Service wires the store, the aggregation engine, and the quality rules
// into the operations callers actually invoke.
type Service struct {
	store      store.Store
	aggregator *aggregate.Aggregator
	rules      quality.Rules
}

// NewService creates a Service over the given store and rules.
func NewService(st store.Store, rules quality.Rules) *Service {
	return &Service{
		store:      st,
		aggregator: aggregate.New(st),
		rules:      rules,
	}
}

// Register derives the specimen id from the image bytes and inserts the
// specimen if it is new. Re-registering the same bytes returns the
// existing record; metadata on the existing record is never overwritten,
// but new keys are merged in.
func (s *Service) Register(ctx context.Context, image []byte, sourceLocator string, metadata map[string]string) (*model.Specimen, bool, error) {
	if len(image) == 0 {
		return nil, false, &ValidationError{Field: "image", Reason: "empty image bytes"}
	}

	sp := model.Specimen{
		SpecimenID:    identity.HashBytes(image),
		SourceLocator: sourceLocator,
		Metadata:      metadata,
		FirstSeenAt:   time.Now().UTC(),
	}
	stored, created, err := s.store.RegisterSpecimen(ctx, sp)
	if err != nil {
		return nil, false, eris.Wrap(err, "ingest: register specimen")
	}
	if !created && len(metadata) > 0 {
		// Existing keys win: re-registration only fills in new ones.
		added := make(map[string]string, len(metadata))
		for k, v := range metadata {
			if _, ok := stored.Metadata[k]; !ok {
				added[k] = v
			}
		}
		if len(added) > 0 {
			if err := s.store.AnnotateSpecimen(ctx, stored.SpecimenID, added); err != nil {
				return nil, false, eris.Wrap(err, "ingest: annotate specimen")
			}
			stored, err = s.store.GetSpecimen(ctx, stored.SpecimenID)
			if err != nil {
				return nil, false, eris.Wrap(err, "ingest: reload specimen")
			}
		}
	}

	zap.L().Info("ingest: specimen registered",
		zap.String("specimen", stored.SpecimenID),
		zap.Bool("created", created),
	)
	return stored, created, nil
}

// RecordExtraction validates and persists one extraction run, then
// recomputes the specimen's aggregation. The run's identity is derived
// from (specimen id, canonical params): recording the same params twice
// dedupes to the stored run and still re-aggregates, so a stale
// aggregation self-heals.
func (s *Service) RecordExtraction(ctx context.Context, specimenID string, params, fields map[string]string, confidences map[string]float64, codeVersion string) (*model.ExtractionRun, bool, error) {
	if err := validateRun(specimenID, params, fields, confidences); err != nil {
		return nil, false, err
	}

	run := model.ExtractionRun{
		ExtractionID: identity.ExtractionID(specimenID, params),
		SpecimenID:   specimenID,
		Params:       params,
		Fields:       fields,
		Confidences:  confidences,
		CodeVersion:  codeVersion,
		RecordedAt:   time.Now().UTC(),
	}
	stored, created, err := s.store.InsertExtraction(ctx, run)
	if err != nil {
		return nil, false, eris.Wrap(err, "ingest: record extraction")
	}

	if _, _, err := s.Reaggregate(ctx, specimenID); err != nil {
		return nil, false, err
	}

	zap.L().Info("ingest: extraction recorded",
		zap.String("specimen", specimenID),
		zap.String("extraction", stored.ExtractionID),
		zap.String("engine", stored.Engine()),
		zap.Bool("created", created),
	)
	return stored, created, nil
}

// Reaggregate recomputes the aggregation for a specimen, evaluates the
// quality rules against it, and persists both atomically.
func (s *Service) Reaggregate(ctx context.Context, specimenID string) (*model.Aggregation, []model.QualityFlag, error) {
	agg, err := s.aggregator.Aggregate(ctx, specimenID)
	if err != nil {
		return nil, nil, err
	}
	flags := s.rules.Evaluate(*agg, agg.ComputedAt)
	if err := s.store.SaveAggregation(ctx, *agg, flags); err != nil {
		return nil, nil, eris.Wrap(err, "ingest: save aggregation")
	}
	return agg, flags, nil
}

// ReaggregateResult summarizes a bulk recomputation.
type ReaggregateResult struct {
	Recomputed int `json:"recomputed"`
	Skipped    int `json:"skipped"`
}

// ReaggregateAll recomputes every specimen's aggregation. Specimens with
// no extraction runs are skipped, not errored.
func (s *Service) ReaggregateAll(ctx context.Context) (*ReaggregateResult, error) {
	ids, err := s.store.ListSpecimenIDs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list specimens")
	}

	var res ReaggregateResult
	for _, id := range ids {
		if _, _, err := s.Reaggregate(ctx, id); err != nil {
			if eris.Is(err, aggregate.ErrNoExtractions) {
				res.Skipped++
				continue
			}
			return nil, eris.Wrapf(err, "ingest: reaggregate %s", id)
		}
		res.Recomputed++
	}
	return &res, nil
}

// ProcessImage registers the image, runs the engine against it, and
// records the result as an extraction run.
func (s *Service) ProcessImage(ctx context.Context, eng Engine, image []byte, sourceLocator string) (*model.ExtractionRun, error) {
	sp, _, err := s.Register(ctx, image, sourceLocator, nil)
	if err != nil {
		return nil, err
	}

	result, err := eng.Extract(ctx, image)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: engine %s", eng.Name())
	}

	params := map[string]string{
		"engine":         eng.Name(),
		"engine_version": eng.Version(),
	}
	run, _, err := s.RecordExtraction(ctx, sp.SpecimenID, params, result.Fields, result.Confidences, eng.Version())
	if err != nil {
		return nil, err
	}
	return run, nil
}

func validateRun(specimenID string, params, fields map[string]string, confidences map[string]float64) error {
	if strings.TrimSpace(specimenID) == "" {
		return &ValidationError{Field: "specimen_id", Reason: "required"}
	}
	if len(params) == 0 {
		return &ValidationError{Field: "extraction_params", Reason: "at least one parameter required"}
	}
	if strings.TrimSpace(params["engine"]) == "" {
		return &ValidationError{Field: "extraction_params.engine", Reason: "engine identifier required"}
	}
	for field, conf := range confidences {
		if conf < 0 || conf > 1 {
			return &ValidationError{Field: "confidence_scores." + field, Reason: "must be in [0, 1]"}
		}
		if _, ok := fields[field]; !ok {
			return &ValidationError{Field: "confidence_scores." + field, Reason: "no extracted value for field"}
		}
	}
	return nil
}
