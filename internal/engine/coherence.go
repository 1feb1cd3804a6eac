package engine

import (
	"context"

	"coherencecore/pkg/domain"
)

// CoherenceWeights are the burden coefficients of the coherence score.
type CoherenceWeights struct {
	Conflict   float64 `yaml:"conflict"`
	Constraint float64 `yaml:"constraint"`
	Drift      float64 `yaml:"drift"`
}

// DefaultCoherenceWeights returns the standard weighting.
func DefaultCoherenceWeights() CoherenceWeights {
	return CoherenceWeights{Conflict: 0.4, Constraint: 0.3, Drift: 0.3}
}

// Evaluate computes the coherence report for an organism from its committed
// state: score = clamp(1 - (a*conflict + b*constraint + c*drift), 0, 1).
// Each burden saturates toward 1 as its inputs grow, so the score is always
// within [0,1] and adding an open conflict never raises it.
func (e *Engine) Evaluate(ctx context.Context, organismID string) (domain.CoherenceReport, error) {
	now := e.nowFn()
	report := domain.CoherenceReport{OrganismID: organismID, ComputedAt: now}

	err := e.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.GetOrganism(organismID); !ok {
			return domain.NotFoundError{Kind: "organism", ID: organismID}
		}

		// Conflict burden: saturating sum of open conflict severities.
		severitySum := 0.0
		for _, c := range view.ListConflicts(organismID) {
			if c.EffectiveStatus(now) != domain.ConflictOpen {
				continue
			}
			report.OpenConflicts = append(report.OpenConflicts, c)
			severitySum += c.Severity
		}
		report.ConflictBurden = 1 - 1/(1+severitySum)

		// Constraint burden: failing fraction of applicable constraints
		// against the current state. Hard failures weigh double soft ones.
		claims := view.ListClaims(organismID)
		views := make([]claimView, 0, len(claims))
		for _, c := range claims {
			if lens, ok := e.registry.Lens(c.LensID); ok {
				views = append(views, claimView{claim: c, lens: lens})
			}
		}
		ectx := newEvalContext(organismID, views, func(claimID string) (domain.Baseline, bool) {
			c, ok := view.GetClaim(claimID)
			if !ok || c.BaselineID == nil {
				return domain.Baseline{}, false
			}
			return view.GetBaseline(*c.BaselineID)
		})
		applicable, failWeight := 0.0, 0.0
		for _, constraint := range e.registry.ConstraintsFor(organismID, claims) {
			inScope, evaluation, err := e.eval.EvaluateConstraint(ectx, constraint)
			if err != nil {
				return err
			}
			if !inScope {
				continue
			}
			applicable++
			if !evaluation.Passed {
				report.FailingRules = append(report.FailingRules, evaluation)
				if constraint.Severity == domain.SeverityHard {
					failWeight += 1
				} else {
					failWeight += 0.5
				}
			}
		}
		if applicable > 0 {
			report.ConstraintBurden = clamp01(failWeight / applicable)
		}

		// Drift burden: saturating sum of weighted distance from baselines.
		driftSum := 0.0
		for _, c := range claims {
			if c.BaselineID == nil {
				continue
			}
			baseline, ok := view.GetBaseline(*c.BaselineID)
			if !ok {
				continue
			}
			driftSum += c.Value.Distance(baseline.Value) * c.Weight
		}
		report.DriftBurden = 1 - 1/(1+driftSum)
		return nil
	})
	if err != nil {
		return domain.CoherenceReport{}, err
	}

	report.Score = clamp01(1 - (e.weights.Conflict*report.ConflictBurden +
		e.weights.Constraint*report.ConstraintBurden +
		e.weights.Drift*report.DriftBurden))
	e.metrics.SetGauge("coherence_score", report.Score, map[string]string{"organism": organismID})
	return report, nil
}
