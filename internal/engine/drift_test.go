package engine

import (
	"context"
	"testing"
)

func committedClaimID(t *testing.T, e *Engine, organismID string, mass float64) string {
	t.Helper()
	m := proposeMass(t, e, organismID, mass)
	committed, err := e.Commit(context.Background(), m.ID, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return committed.Changes[0].ClaimID
}

func TestCaptureBaselinePinsCurrentValue(t *testing.T) {
	e, store := newTestEngine(t)
	org := mustOrganism(t, e)
	claimID := committedClaimID(t, e, org.ID, 10)
	ctx := context.Background()

	if _, err := e.CaptureBaseline(ctx, claimID, ""); err == nil {
		t.Fatalf("baseline requires a reason")
	}
	baseline, err := e.CaptureBaseline(ctx, claimID, "intake reading")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if baseline.Value.String() != "10" || baseline.Reason != "intake reading" || baseline.Hash == "" {
		t.Fatalf("baseline must pin value, reason, and content hash: %+v", baseline)
	}
	claim, _ := store.GetClaim(claimID)
	if claim.BaselineID == nil || *claim.BaselineID != baseline.ID {
		t.Fatalf("claim must point at the new baseline")
	}

	// Recapturing moves the pointer; the earlier record stays.
	second, err := e.CaptureBaseline(ctx, claimID, "post-treatment")
	if err != nil {
		t.Fatalf("recapture: %v", err)
	}
	claim, _ = store.GetClaim(claimID)
	if *claim.BaselineID != second.ID {
		t.Fatalf("active pointer must move to the newest baseline")
	}
}

func TestMeasureDriftAppendsHistory(t *testing.T) {
	e, _ := newTestEngine(t)
	org := mustOrganism(t, e)
	claimID := committedClaimID(t, e, org.ID, 10)
	ctx := context.Background()

	if _, err := e.MeasureDrift(ctx, claimID); err == nil {
		t.Fatalf("drift needs an active baseline")
	}
	if _, err := e.CaptureBaseline(ctx, claimID, "intake"); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	first, err := e.MeasureDrift(ctx, claimID)
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if first.Distance != 0 || first.Weighted != 0 {
		t.Fatalf("unchanged claim has zero drift, got %+v", first)
	}

	update := proposeMass(t, e, org.ID, 16)
	if _, err := e.Commit(ctx, update.ID, nil); err != nil {
		t.Fatalf("commit update: %v", err)
	}
	second, err := e.MeasureDrift(ctx, claimID)
	if err != nil {
		t.Fatalf("measure after update: %v", err)
	}
	if second.Distance != 6 || second.Weighted != 6 {
		t.Fatalf("drift must be |16-10| at weight 1, got %+v", second)
	}

	history, err := e.DriftHistory(ctx, claimID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("measurements are append-only, got %d records", len(history))
	}
}

func TestClearBaselineDetachesClaim(t *testing.T) {
	e, store := newTestEngine(t)
	org := mustOrganism(t, e)
	claimID := committedClaimID(t, e, org.ID, 10)
	ctx := context.Background()

	if _, err := e.CaptureBaseline(ctx, claimID, "intake"); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if err := e.ClearBaseline(ctx, claimID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	claim, _ := store.GetClaim(claimID)
	if claim.BaselineID != nil {
		t.Fatalf("claim must detach from its baseline")
	}
	if _, err := e.MeasureDrift(ctx, claimID); err == nil {
		t.Fatalf("drift after clear must refuse")
	}
}
