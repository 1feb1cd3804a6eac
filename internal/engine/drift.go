package engine

import (
	"context"
	"fmt"

	"coherencecore/pkg/domain"
)

// CaptureBaseline snapshots a claim's current value as its new active
// baseline. Earlier baselines stay on record; only the claim's active pointer
// moves.
func (e *Engine) CaptureBaseline(ctx context.Context, claimID, reason string) (domain.Baseline, error) {
	if reason == "" {
		return domain.Baseline{}, fmt.Errorf("baseline requires a capture reason")
	}
	var baseline domain.Baseline
	err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		claim, ok := view.GetClaim(claimID)
		if !ok {
			return domain.NotFoundError{Kind: "claim", ID: claimID}
		}
		b := domain.Baseline{
			Base:    e.base(),
			ClaimID: claim.ID,
			Value:   claim.Value.Clone(),
			Weight:  claim.Weight,
			Reason:  reason,
			Hash:    claim.Value.ContentHash(),
		}
		var err error
		if baseline, err = tx.AppendBaseline(b); err != nil {
			return err
		}
		id := baseline.ID
		_, err = tx.SetClaimBaseline(claim.ID, &id)
		return err
	})
	if err != nil {
		return domain.Baseline{}, err
	}
	e.metrics.IncCounter("baselines_captured", nil)
	return baseline, nil
}

// ClearBaseline detaches a claim from its active baseline without removing
// the baseline record.
func (e *Engine) ClearBaseline(ctx context.Context, claimID string) error {
	return e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.SetClaimBaseline(claimID, nil)
		return err
	})
}

// MeasureDrift records the current distance between a claim and its active
// baseline. Measurements are append-only; history is the point.
func (e *Engine) MeasureDrift(ctx context.Context, claimID string) (domain.Drift, error) {
	var drift domain.Drift
	err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		claim, ok := view.GetClaim(claimID)
		if !ok {
			return domain.NotFoundError{Kind: "claim", ID: claimID}
		}
		if claim.BaselineID == nil {
			return fmt.Errorf("claim %s has no active baseline", claimID)
		}
		baseline, ok := view.GetBaseline(*claim.BaselineID)
		if !ok {
			return domain.NotFoundError{Kind: "baseline", ID: *claim.BaselineID}
		}
		distance := claim.Value.Distance(baseline.Value)
		d := domain.Drift{
			Base:       e.base(),
			ClaimID:    claim.ID,
			BaselineID: baseline.ID,
			Distance:   distance,
			Weighted:   distance * claim.Weight,
		}
		var err error
		drift, err = tx.AppendDrift(d)
		return err
	})
	if err != nil {
		return domain.Drift{}, err
	}
	e.metrics.SetGauge("claim_drift", drift.Weighted, map[string]string{"claim": claimID})
	return drift, nil
}

// DriftHistory returns the recorded measurements for a claim, oldest first.
func (e *Engine) DriftHistory(ctx context.Context, claimID string) ([]domain.Drift, error) {
	var out []domain.Drift
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		out = view.ListDrift(claimID)
		return nil
	})
	return out, err
}
