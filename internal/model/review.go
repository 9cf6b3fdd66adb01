package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DecisionStatus is the reviewer's verdict on a specimen.
type DecisionStatus string

const (
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionPending  DecisionStatus = "pending"
)

// ParseDecisionStatus converts a string into a DecisionStatus.
func ParseDecisionStatus(s string) (DecisionStatus, error) {
	switch DecisionStatus(s) {
	case DecisionApproved, DecisionRejected, DecisionPending:
		return DecisionStatus(s), nil
	default:
		return "", eris.Errorf("unknown decision status: %q (valid: approved, rejected, pending)", s)
	}
}

// ReviewDecision is the human-authored terminal record for a specimen.
// Decisions are append-only: a later decision supersedes an earlier one by
// recency but never mutates or erases it.
type ReviewDecision struct {
	DecisionID  string            `json:"decision_id"`
	SpecimenID  string            `json:"specimen_id"`
	Status      DecisionStatus    `json:"status"`
	ReviewedBy  string            `json:"reviewed_by"`
	ReviewedAt  time.Time         `json:"reviewed_at"`
	FinalFields map[string]string `json:"final_fields,omitempty"`
	Notes       string            `json:"notes,omitempty"`

	// Seq is the store-assigned append order, the tiebreak for "latest"
	// when two decisions share a reviewed_at timestamp.
	Seq int64 `json:"-"`
}

// QueueEntry is one review-queue row: a specimen, its current aggregation,
// and its open flags, in the shape the review-UI collaborator consumes.
type QueueEntry struct {
	Specimen    Specimen      `json:"specimen"`
	Aggregation Aggregation   `json:"aggregation"`
	Flags       []QualityFlag `json:"flags,omitempty"`
}
