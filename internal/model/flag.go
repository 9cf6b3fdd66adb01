package model

import "time"

// FlagType enumerates the structured concerns the quality engine can raise.
type FlagType string

const (
	FlagMissingRequiredField FlagType = "MISSING_REQUIRED_FIELD"
	FlagLowConfidenceField   FlagType = "LOW_CONFIDENCE_FIELD"
	FlagDisagreement         FlagType = "DISAGREEMENT_BETWEEN_EXTRACTIONS"
)

// Severity classifies how strongly a flag should pull a specimen toward
// the front of the review queue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// QualityFlag is a regenerable annotation attached to a specimen's current
// aggregation. Unresolved flags are replaced wholesale on each
// recomputation, so a flag whose condition stopped holding simply
// disappears.
type QualityFlag struct {
	FlagID          string     `json:"flag_id"`
	SpecimenID      string     `json:"specimen_id"`
	Type            FlagType   `json:"flag_type"`
	Severity        Severity   `json:"severity"`
	Field           string     `json:"field,omitempty"`
	Message         string     `json:"message"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// Resolved reports whether the flag has been closed by a review decision.
func (f QualityFlag) Resolved() bool {
	return f.ResolvedAt != nil
}
