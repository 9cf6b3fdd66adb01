// Package review orders specimens for human review and records reviewer
// decisions. Decisions append to an immutable log: a later decision
// supersedes an earlier one by recency, and nothing ever rewrites history.
package review

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/herbaria-lab/specimen-cli/internal/model"
	"github.com/herbaria-lab/specimen-cli/internal/store"
)

// Manager surfaces the review queue and appends decisions.
type Manager struct {
	store store.Store
}

// NewManager creates a Manager backed by the given store.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// NextBatch returns the specimens most in need of review: error-flagged
// first, then least confident, then oldest. Specimens with a terminal
// decision are excluded.
func (m *Manager) NextBatch(ctx context.Context, filter store.QueueFilter) ([]model.QueueEntry, error) {
	entries, err := m.store.ListQueue(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "review: list queue")
	}
	return entries, nil
}

// RecordDecision appends a ReviewDecision for a specimen. Terminal
// decisions (approved/rejected) also resolve the specimen's open flags.
func (m *Manager) RecordDecision(ctx context.Context, specimenID string, status model.DecisionStatus, reviewer string, finalFields map[string]string, notes string) (*model.ReviewDecision, error) {
	if _, err := model.ParseDecisionStatus(string(status)); err != nil {
		return nil, eris.Wrap(err, "review: record decision")
	}
	if reviewer == "" {
		return nil, eris.New("review: reviewer is required")
	}
	if _, err := m.store.GetSpecimen(ctx, specimenID); err != nil {
		if store.IsNotFound(err) {
			return nil, eris.Wrapf(store.ErrUnknownSpecimen, "review: decision for %s", specimenID)
		}
		return nil, eris.Wrap(err, "review: get specimen")
	}

	d := model.ReviewDecision{
		DecisionID:  uuid.New().String(),
		SpecimenID:  specimenID,
		Status:      status,
		ReviewedBy:  reviewer,
		ReviewedAt:  time.Now().UTC(),
		FinalFields: finalFields,
		Notes:       notes,
	}
	if err := m.store.AppendDecision(ctx, d); err != nil {
		return nil, eris.Wrap(err, "review: append decision")
	}

	if status != model.DecisionPending {
		resolved, err := m.store.ResolveFlags(ctx, specimenID, d.ReviewedAt, notes)
		if err != nil {
			return nil, eris.Wrap(err, "review: resolve flags")
		}
		if resolved > 0 {
			zap.L().Info("review: flags resolved by decision",
				zap.String("specimen", specimenID),
				zap.String("status", string(status)),
				zap.Int("flags", resolved),
			)
		}
	}

	zap.L().Info("review: decision recorded",
		zap.String("specimen", specimenID),
		zap.String("status", string(status)),
		zap.String("reviewer", reviewer),
	)
	return &d, nil
}

// CurrentDecision returns the latest decision for a specimen, or nil when
// none has been recorded.
func (m *Manager) CurrentDecision(ctx context.Context, specimenID string) (*model.ReviewDecision, error) {
	d, err := m.store.LatestDecision(ctx, specimenID)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "review: latest decision")
	}
	return d, nil
}
