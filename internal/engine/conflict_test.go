package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"coherencecore/pkg/domain"
)

func TestBucketThresholds(t *testing.T) {
	b := DefaultBucketThresholds()
	cases := []struct {
		severity float64
		want     domain.SeverityBucket
	}{
		{0.0, domain.BucketLow},
		{0.24, domain.BucketLow},
		{0.25, domain.BucketMedium},
		{0.49, domain.BucketMedium},
		{0.5, domain.BucketHigh},
		{0.84, domain.BucketHigh},
		{0.85, domain.BucketExistential},
		{1.0, domain.BucketExistential},
	}
	for _, tc := range cases {
		if got := b.Bucket(tc.severity); got != tc.want {
			t.Fatalf("severity %v: got %s, want %s", tc.severity, got, tc.want)
		}
	}
}

func commitOverweight(t *testing.T, e *Engine, organismID string, mass float64) domain.Mutation {
	t.Helper()
	m := proposeMass(t, e, organismID, mass)
	committed, err := e.Commit(context.Background(), m.ID, &domain.Tradeoff{
		Decision:   "accept overweight",
		AcceptedBy: testActor(),
	})
	if err != nil {
		t.Fatalf("commit with tradeoff: %v", err)
	}
	return committed
}

func TestRepeatedSoftFailureReusesOpenConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	mustConstraint(t, e, massCap(50, domain.SeveritySoft, "mass-advisory"))
	org := mustOrganism(t, e)

	first := commitOverweight(t, e, org.ID, 60)
	second := commitOverweight(t, e, org.ID, 70)
	if len(first.ConflictIDs) != 1 || len(second.ConflictIDs) != 1 {
		t.Fatalf("each commit must reference one conflict: %v, %v", first.ConflictIDs, second.ConflictIDs)
	}
	if first.ConflictIDs[0] != second.ConflictIDs[0] {
		t.Fatalf("same constraint and parties must not duplicate the open conflict")
	}
}

func TestResolveConflictRequiresJustification(t *testing.T) {
	e, store := newTestEngine(t)
	mustConstraint(t, e, massCap(50, domain.SeveritySoft, "mass-advisory"))
	org := mustOrganism(t, e)
	committed := commitOverweight(t, e, org.ID, 60)
	conflictID := committed.ConflictIDs[0]
	ctx := context.Background()

	goodRes := domain.Resolution{Strategy: "accept"}
	goodTradeoff := domain.Tradeoff{Decision: "advisory accepted for this specimen"}

	if _, err := e.ResolveConflict(ctx, conflictID, domain.Resolution{}, goodTradeoff, testActor()); err == nil {
		t.Fatalf("resolution requires a strategy")
	}
	if _, err := e.ResolveConflict(ctx, conflictID, goodRes, domain.Tradeoff{}, testActor()); err == nil {
		t.Fatalf("resolution requires a tradeoff decision")
	}
	if _, err := e.ResolveConflict(ctx, conflictID, goodRes, goodTradeoff, domain.Actor{}); err == nil {
		t.Fatalf("resolution requires an actor")
	}

	resolved, err := e.ResolveConflict(ctx, conflictID, goodRes, goodTradeoff, testActor())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.ConflictResolved || resolved.Resolution == nil || resolved.Resolution.TradeoffID == "" {
		t.Fatalf("resolved conflict must carry its resolution, got %+v", resolved)
	}
	if err := store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.GetTradeoff(resolved.Resolution.TradeoffID); !ok {
			t.Fatalf("tradeoff must be persisted")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}

	open, err := e.OpenConflicts(ctx, org.ID)
	if err != nil {
		t.Fatalf("open conflicts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("resolved conflict must not read open, got %d", len(open))
	}
	if _, err := e.ResolveConflict(ctx, conflictID, goodRes, goodTradeoff, testActor()); err == nil {
		t.Fatalf("resolution is terminal")
	}
}

func TestResolveBySacrificeWithdrawsClaim(t *testing.T) {
	e, store := newTestEngine(t)
	mustConstraint(t, e, massCap(50, domain.SeveritySoft, "mass-advisory"))
	org := mustOrganism(t, e)
	committed := commitOverweight(t, e, org.ID, 60)
	claimID := committed.Changes[0].ClaimID

	resolved, err := e.ResolveConflict(context.Background(), committed.ConflictIDs[0],
		domain.Resolution{Strategy: "sacrifice", SacrificedClaimIDs: []string{claimID}},
		domain.Tradeoff{Decision: "withdraw the overweight reading"},
		testActor())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Resolution.MutationID == "" {
		t.Fatalf("sacrifice must record its mutation")
	}
	claim, _ := store.GetClaim(claimID)
	if claim.Weight != 0 {
		t.Fatalf("sacrificed claim must stop contributing, got weight %v", claim.Weight)
	}
	if claim.Value.String() != "60" {
		t.Fatalf("sacrifice withdraws contribution, not the value: %+v", claim)
	}
	m, ok := store.GetMutation(resolved.Resolution.MutationID)
	if !ok || m.Status != domain.MutationCommitted {
		t.Fatalf("sacrifice mutation must be committed, got %+v ok=%v", m, ok)
	}
	if len(m.Evaluations) == 0 {
		t.Fatalf("sacrifice must record its constraint evaluations")
	}
}

func TestExclusionConstraintRaisesExclusionConflict(t *testing.T) {
	e, store := newTestEngine(t)
	mustConstraint(t, e, domain.Constraint{
		Name:     "habitat-exclusion",
		Severity: domain.SeveritySoft,
		Scope:    domain.ScopeGlobal,
		Rule: domain.Expr{
			Op:      domain.OpExcludes,
			Subject: &domain.Operand{Lens: "habitat/aquatic"},
			Object:  &domain.Operand{Lens: "habitat/desert"},
		},
	})
	org := mustOrganism(t, e)
	ctx := context.Background()

	aquatic, err := e.Propose(ctx, Proposal{
		OrganismID: org.ID, Actor: testActor(),
		Changes: []ChangeRequest{{Lens: "habitat/aquatic", Value: domain.BoolValue(true)}},
	})
	if err != nil {
		t.Fatalf("propose aquatic: %v", err)
	}
	aquaticCommitted, err := e.Commit(ctx, aquatic.ID, nil)
	if err != nil {
		t.Fatalf("one holding claim satisfies the exclusion: %v", err)
	}

	desert, err := e.Propose(ctx, Proposal{
		OrganismID: org.ID, Actor: testActor(),
		Changes: []ChangeRequest{{Lens: "habitat/desert", Value: domain.BoolValue(true)}},
	})
	if err != nil {
		t.Fatalf("propose desert: %v", err)
	}
	desertCommitted, err := e.Commit(ctx, desert.ID, &domain.Tradeoff{
		Decision:   "accept estuary habitat pending reclassification",
		AcceptedBy: testActor(),
	})
	if err != nil {
		t.Fatalf("commit with tradeoff: %v", err)
	}

	if len(desertCommitted.ConflictIDs) != 1 {
		t.Fatalf("both claims holding must raise exactly one conflict, got %v", desertCommitted.ConflictIDs)
	}
	conflict, ok := store.GetConflict(desertCommitted.ConflictIDs[0])
	if !ok || conflict.Type != domain.ConflictExclusion || conflict.Status != domain.ConflictOpen {
		t.Fatalf("expected an open exclusion-constraint conflict, got %+v ok=%v", conflict, ok)
	}
	want := map[string]bool{
		aquaticCommitted.Changes[0].ClaimID: false,
		desertCommitted.Changes[0].ClaimID:  false,
	}
	for _, id := range conflict.PartyClaimIDs {
		if _, ok := want[id]; ok {
			want[id] = true
		}
	}
	for id, found := range want {
		if !found {
			t.Fatalf("conflict parties must include claim %s, got %v", id, conflict.PartyClaimIDs)
		}
	}
}

func TestRequiresViolationIsExclusionConflict(t *testing.T) {
	e, store := newTestEngine(t)
	mustConstraint(t, e, domain.Constraint{
		Name:     "aquatic-needs-desert-survey",
		Severity: domain.SeveritySoft,
		Scope:    domain.ScopeGlobal,
		Rule: domain.Expr{
			Op:      domain.OpRequires,
			Subject: &domain.Operand{Lens: "habitat/aquatic"},
			Object:  &domain.Operand{Lens: "habitat/desert"},
		},
	})
	org := mustOrganism(t, e)
	ctx := context.Background()

	m, err := e.Propose(ctx, Proposal{
		OrganismID: org.ID, Actor: testActor(),
		Changes: []ChangeRequest{{Lens: "habitat/aquatic", Value: domain.BoolValue(true)}},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	committed, err := e.Commit(ctx, m.ID, &domain.Tradeoff{
		Decision:   "survey pending",
		AcceptedBy: testActor(),
	})
	if err != nil {
		t.Fatalf("commit with tradeoff: %v", err)
	}
	if len(committed.ConflictIDs) != 1 {
		t.Fatalf("unmet requirement must raise one conflict, got %v", committed.ConflictIDs)
	}
	conflict, _ := store.GetConflict(committed.ConflictIDs[0])
	if conflict.Type != domain.ConflictExclusion {
		t.Fatalf("requires violations belong to the exclusion detector, got %s", conflict.Type)
	}
}

func TestDisjointBoundsRaiseDerivedConflict(t *testing.T) {
	e, store := newTestEngine(t)
	floor := mustConstraint(t, e, domain.Constraint{
		Base:     domain.Base{ID: "a-mass-floor"},
		Name:     "mass-floor",
		Severity: domain.SeveritySoft,
		Scope:    domain.ScopeGlobal,
		Rule:     domain.Expr{Op: domain.OpGte, Subject: &domain.Operand{Lens: "vitals/mass"}, Literal: valuePtr(domain.NumberValue(100))},
	})
	cap := massCap(50, domain.SeveritySoft, "mass-cap")
	cap.Base = domain.Base{ID: "b-mass-cap"}
	capStored := mustConstraint(t, e, cap)
	org := mustOrganism(t, e)

	// 120 satisfies the floor and violates the cap; no value can satisfy
	// both, so the constraint pair itself is flagged alongside the soft
	// failure.
	committed := commitOverweight(t, e, org.ID, 120)
	if len(committed.ConflictIDs) != 2 {
		t.Fatalf("expected the soft conflict plus the derived pair, got %v", committed.ConflictIDs)
	}
	byOrigin := make(map[string]domain.Conflict, 2)
	for _, id := range committed.ConflictIDs {
		c, ok := store.GetConflict(id)
		if !ok {
			t.Fatalf("conflict %s not persisted", id)
		}
		byOrigin[c.OriginConstraintID] = c
	}
	if c := byOrigin[capStored.ID]; c.Type != domain.ConflictDerived || c.Status != domain.ConflictOpen {
		t.Fatalf("soft failure conflict missing: %+v", c)
	}
	pair, ok := byOrigin[floor.ID]
	if !ok || pair.Type != domain.ConflictDerived || pair.Status != domain.ConflictOpen {
		t.Fatalf("derived pair conflict must anchor on the lexically first constraint, got %+v", byOrigin)
	}
	if pair.Severity <= 0 || pair.Severity > 1 {
		t.Fatalf("severity must be on (0,1], got %v", pair.Severity)
	}

	// A repeat commit reuses both open conflicts.
	again := commitOverweight(t, e, org.ID, 130)
	if len(again.ConflictIDs) != 2 {
		t.Fatalf("repeat commit must reference the open conflicts, got %v", again.ConflictIDs)
	}
	for _, id := range again.ConflictIDs {
		if id != committed.ConflictIDs[0] && id != committed.ConflictIDs[1] {
			t.Fatalf("open conflicts must not duplicate, got %v vs %v", again.ConflictIDs, committed.ConflictIDs)
		}
	}
}

func TestSacrificeRefusesToBreakHardConstraint(t *testing.T) {
	e, store := newTestEngine(t)
	mustConstraint(t, e, massCap(50, domain.SeveritySoft, "mass-advisory"))
	mustConstraint(t, e, domain.Constraint{
		Name:     "mass-weight-floor",
		Severity: domain.SeverityHard,
		Scope:    domain.ScopeGlobal,
		Rule: domain.Expr{
			Op:      domain.OpGte,
			Subject: &domain.Operand{Lens: "vitals/mass", Field: domain.FieldWeight},
			Literal: valuePtr(domain.NumberValue(1)),
		},
	})
	org := mustOrganism(t, e)
	committed := commitOverweight(t, e, org.ID, 60)
	claimID := committed.Changes[0].ClaimID

	_, err := e.ResolveConflict(context.Background(), committed.ConflictIDs[0],
		domain.Resolution{Strategy: "sacrifice", SacrificedClaimIDs: []string{claimID}},
		domain.Tradeoff{Decision: "withdraw the overweight reading"},
		testActor())
	var hard domain.HardFailError
	if !errors.As(err, &hard) {
		t.Fatalf("zeroing the weight must trip the hard floor, got %v", err)
	}
	claim, _ := store.GetClaim(claimID)
	if claim.Weight != 1 {
		t.Fatalf("refused sacrifice must leave the claim intact, got weight %v", claim.Weight)
	}
	open, err := e.OpenConflicts(context.Background(), org.ID)
	if err != nil {
		t.Fatalf("open conflicts: %v", err)
	}
	if len(open) != 1 || open[0].ID != committed.ConflictIDs[0] {
		t.Fatalf("the conflict must stay open, got %+v", open)
	}
}

func TestSuppressionLifecycle(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, WithClock(func() time.Time { return now }))
	mustConstraint(t, e, massCap(50, domain.SeveritySoft, "mass-advisory"))
	org := mustOrganism(t, e)
	committed := commitOverweight(t, e, org.ID, 60)
	conflictID := committed.ConflictIDs[0]
	ctx := context.Background()

	// Past expiry is rejected outright.
	_, err := e.SuppressConflict(ctx, conflictID, domain.Suppression{
		Reason: "late", ExpiresAt: now.Add(-time.Minute), ApprovedBy: testActor(),
	})
	var expired domain.SuppressionExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected SuppressionExpiredError, got %v", err)
	}

	suppressed, err := e.SuppressConflict(ctx, conflictID, domain.Suppression{
		Reason: "intake week", ExpiresAt: now.Add(time.Hour), ApprovedBy: testActor(),
	})
	if err != nil {
		t.Fatalf("suppress: %v", err)
	}
	if suppressed.Status != domain.ConflictSuppressed {
		t.Fatalf("got status %s, want suppressed", suppressed.Status)
	}
	open, _ := e.OpenConflicts(ctx, org.ID)
	if len(open) != 0 {
		t.Fatalf("suppressed conflict must not read open")
	}

	// Once the window lapses the conflict counts as open again, with no
	// status write needed.
	now = now.Add(2 * time.Hour)
	open, _ = e.OpenConflicts(ctx, org.ID)
	if len(open) != 1 || open[0].ID != conflictID {
		t.Fatalf("lapsed suppression must read open, got %+v", open)
	}
}

func TestReopenSuppressedConflict(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, WithClock(func() time.Time { return now }))
	mustConstraint(t, e, massCap(50, domain.SeveritySoft, "mass-advisory"))
	org := mustOrganism(t, e)
	committed := commitOverweight(t, e, org.ID, 60)
	conflictID := committed.ConflictIDs[0]
	ctx := context.Background()

	if _, err := e.SuppressConflict(ctx, conflictID, domain.Suppression{
		Reason: "intake week", ExpiresAt: now.Add(24 * time.Hour), ApprovedBy: testActor(),
	}); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	reopened, err := e.ReopenConflict(ctx, conflictID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != domain.ConflictOpen || reopened.Suppression != nil {
		t.Fatalf("reopen must clear the suppression, got %+v", reopened)
	}
}
