package model

import "time"

// Candidate is a field value proposed by one extraction run.
type Candidate struct {
	Value        string  `json:"value"`
	Confidence   float64 `json:"confidence"`
	ExtractionID string  `json:"extraction_id"`
}

// BestCandidate is the consensus winner for a field, plus how many
// candidates across all runs agreed with it exactly.
type BestCandidate struct {
	Value          string  `json:"value"`
	Confidence     float64 `json:"confidence"`
	ExtractionID   string  `json:"extraction_id"`
	AgreementCount int     `json:"agreement_count"`
}

// Aggregation is the materialized best-known answer for a specimen,
// recomputed from its full extraction run set. It is replaced, not
// versioned, on each recomputation.
type Aggregation struct {
	SpecimenID      string                   `json:"specimen_id"`
	ExtractionCount int                      `json:"extraction_count"`
	Candidates      map[string][]Candidate   `json:"candidate_fields"`
	Best            map[string]BestCandidate `json:"best_candidates"`
	ComputedAt      time.Time                `json:"computed_at"`
}

// MeanConfidence returns the average confidence across best candidates,
// or 0 when no field produced a candidate. The review queue sorts the
// least confident specimens first using this value.
func (a Aggregation) MeanConfidence() float64 {
	if len(a.Best) == 0 {
		return 0
	}
	var sum float64
	for _, b := range a.Best {
		sum += b.Confidence
	}
	return sum / float64(len(a.Best))
}
