// Package model defines the persisted record types for the specimen
// digitization ledger: specimens, extraction runs, aggregations, quality
// flags, and review decisions.
package model

import "time"

// Specimen represents one physical specimen image, identified by the
// content hash of its bytes.
type Specimen struct {
	SpecimenID    string            `json:"specimen_id"`
	SourceLocator string            `json:"source_locator,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	FirstSeenAt   time.Time         `json:"first_seen_at"`
}

// ExtractionRun is one immutable attempt to extract structured fields from
// a specimen with a specific engine configuration. Its identity is derived
// from (specimen_id, canonicalized params), so re-running the same
// extraction dedupes to the existing record.
type ExtractionRun struct {
	ExtractionID string             `json:"extraction_id"`
	SpecimenID   string             `json:"specimen_id"`
	Params       map[string]string  `json:"extraction_params"`
	Fields       map[string]string  `json:"extracted_fields"`
	Confidences  map[string]float64 `json:"confidence_scores"`
	CodeVersion  string             `json:"code_version,omitempty"`
	RecordedAt   time.Time          `json:"recorded_at"`

	// Seq is the store-assigned insertion order, used as the deterministic
	// tiebreak when two runs share a recorded_at timestamp.
	Seq int64 `json:"-"`
}

// Engine returns the engine identifier from the run's parameters.
func (r ExtractionRun) Engine() string {
	return r.Params["engine"]
}
