// Package store persists the specimen ledger. Two backends implement the
// same interface: an embedded SQLite database for single-machine use and
// PostgreSQL for shared deployments. All idempotency guarantees (insert-or-
// get specimens, insert-or-ignore extraction runs) are enforced with
// conflict-ignoring SQL keyed on content-derived ids, never with
// application-level locking.
package store

import (
	"context"
	"time"

	"github.com/herbaria-lab/specimen-cli/internal/model"
)

// QueueFilter narrows and bounds a review-queue listing.
type QueueFilter struct {
	// Limit caps the number of entries returned; <= 0 means the default.
	Limit int `json:"limit,omitempty"`
	// MinConfidence, when > 0, restricts the queue to specimens whose mean
	// best-candidate confidence is below the value.
	MinConfidence float64 `json:"min_confidence,omitempty"`
	// RequireFlags restricts the queue to specimens with open flags.
	RequireFlags bool `json:"require_flags,omitempty"`
}

// Counts summarizes table sizes for operational visibility.
type Counts struct {
	Specimens    int `json:"specimens"`
	Extractions  int `json:"extractions"`
	Aggregations int `json:"aggregations"`
	OpenFlags    int `json:"open_flags"`
	Decisions    int `json:"decisions"`
	QueueDepth   int `json:"queue_depth"`
}

// Store defines the persistence interface for the aggregation engine.
type Store interface {
	// Specimens
	// RegisterSpecimen inserts the specimen if its id is new and returns
	// the stored row either way. The bool reports whether a row was
	// created. Re-registration never overwrites metadata.
	RegisterSpecimen(ctx context.Context, sp model.Specimen) (*model.Specimen, bool, error)
	GetSpecimen(ctx context.Context, specimenID string) (*model.Specimen, error)
	// ListSpecimenIDs returns every specimen id ordered by first_seen_at.
	ListSpecimenIDs(ctx context.Context) ([]string, error)
	// AnnotateSpecimen merges metadata keys into an existing specimen.
	// Identity fields are never touched.
	AnnotateSpecimen(ctx context.Context, specimenID string, metadata map[string]string) error

	// Extraction runs
	// InsertExtraction persists the run unless its extraction_id already
	// exists, in which case the stored run is returned with created=false.
	InsertExtraction(ctx context.Context, run model.ExtractionRun) (*model.ExtractionRun, bool, error)
	// ListExtractions returns all runs for a specimen ordered by
	// recorded_at ascending, insertion order as tiebreak.
	ListExtractions(ctx context.Context, specimenID string) ([]model.ExtractionRun, error)

	// Aggregations and flags
	// SaveAggregation replaces the specimen's aggregation row and its open
	// flag set in a single transaction. Resolved flags are kept as history.
	SaveAggregation(ctx context.Context, agg model.Aggregation, flags []model.QualityFlag) error
	GetAggregation(ctx context.Context, specimenID string) (*model.Aggregation, error)
	ListFlags(ctx context.Context, specimenID string) ([]model.QualityFlag, error)
	// ResolveFlags stamps all open flags for a specimen and returns how
	// many were closed.
	ResolveFlags(ctx context.Context, specimenID string, resolvedAt time.Time, notes string) (int, error)

	// Review decisions (append-only)
	AppendDecision(ctx context.Context, d model.ReviewDecision) error
	LatestDecision(ctx context.Context, specimenID string) (*model.ReviewDecision, error)

	// ListQueue returns undecided specimens with their aggregations and
	// open flags, ordered for review: error-severity flags first, then
	// ascending mean confidence, then oldest first_seen_at.
	ListQueue(ctx context.Context, filter QueueFilter) ([]model.QueueEntry, error)

	// Lifecycle
	Counts(ctx context.Context) (*Counts, error)
	Migrate(ctx context.Context) error
	Close() error
}

// defaultQueueLimit bounds ListQueue when the filter does not.
const defaultQueueLimit = 50
