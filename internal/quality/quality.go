// Package quality derives structured review flags from an aggregation.
// Flags are data, not errors: missing fields, low confidence, and
// disagreement never fail a call, they surface here.
package quality

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herbaria-lab/specimen-cli/internal/model"
)

// Rules holds the tunable thresholds for flag generation.
type Rules struct {
	// RequiredFields are the field names every specimen record must carry.
	RequiredFields []string
	// ConfidenceThreshold is the minimum best-candidate confidence below
	// which a warning is raised.
	ConfidenceThreshold float64
}

// Evaluate regenerates the full flag set for an aggregation. Each rule is
// evaluated independently per field, one flag per violation. Callers
// replace the specimen's open flags with the result, so conditions that
// stopped holding disappear on the next recomputation.
func (r Rules) Evaluate(agg model.Aggregation, now time.Time) []model.QualityFlag {
	var flags []model.QualityFlag

	newFlag := func(ft model.FlagType, sev model.Severity, field, message string) model.QualityFlag {
		return model.QualityFlag{
			FlagID:     uuid.New().String(),
			SpecimenID: agg.SpecimenID,
			Type:       ft,
			Severity:   sev,
			Field:      field,
			Message:    message,
			CreatedAt:  now.UTC(),
		}
	}

	for _, field := range sortedUnique(r.RequiredFields) {
		if len(agg.Candidates[field]) == 0 {
			flags = append(flags, newFlag(model.FlagMissingRequiredField, model.SeverityError, field,
				fmt.Sprintf("required field %q has no candidate in any of %d extraction runs", field, agg.ExtractionCount)))
		}
	}

	for _, field := range sortedFields(agg.Best) {
		best := agg.Best[field]
		if best.Confidence < r.ConfidenceThreshold {
			flags = append(flags, newFlag(model.FlagLowConfidenceField, model.SeverityWarning, field,
				fmt.Sprintf("best candidate for %q has confidence %.2f, below threshold %.2f", field, best.Confidence, r.ConfidenceThreshold)))
		}
		if total := len(agg.Candidates[field]); best.AgreementCount < total {
			flags = append(flags, newFlag(model.FlagDisagreement, model.SeverityWarning, field,
				fmt.Sprintf("%d of %d candidates for %q disagree with the selected value %q", total-best.AgreementCount, total, field, best.Value)))
		}
	}

	if len(flags) > 0 {
		zap.L().Debug("quality: flags raised",
			zap.String("specimen", agg.SpecimenID),
			zap.Int("flags", len(flags)),
		)
	}
	return flags
}

func sortedUnique(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func sortedFields(best map[string]model.BestCandidate) []string {
	out := make([]string, 0, len(best))
	for f := range best {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
