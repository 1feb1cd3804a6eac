package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"coherencecore/internal/infra/persistence/memory"
	"coherencecore/pkg/domain"
)

func testActor() domain.Actor {
	return domain.Actor{Type: domain.ActorHuman, ID: "keeper-1"}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	reg := NewRegistry()
	for _, l := range []domain.Lens{
		{Base: domain.Base{ID: "lens-mass"}, Cluster: "vitals", Key: "mass", Kind: domain.ValueNumber},
		{Base: domain.Base{ID: "lens-temp"}, Cluster: "vitals", Key: "temperature", Kind: domain.ValueNumber},
		{Base: domain.Base{ID: "lens-diet"}, Cluster: "identity", Key: "diet", Kind: domain.ValueEnum},
		{Base: domain.Base{ID: "lens-aquatic"}, Cluster: "habitat", Key: "aquatic", Kind: domain.ValueBoolean},
		{Base: domain.Base{ID: "lens-desert"}, Cluster: "habitat", Key: "desert", Kind: domain.ValueBoolean},
	} {
		if _, err := reg.AddLens(l); err != nil {
			t.Fatalf("add lens %s: %v", l.ID, err)
		}
	}
	return NewEngine(store, reg, opts...), store
}

func mustConstraint(t *testing.T, e *Engine, c domain.Constraint) domain.Constraint {
	t.Helper()
	stored, err := e.Registry().AddConstraint(c)
	if err != nil {
		t.Fatalf("add constraint %s: %v", c.Name, err)
	}
	return stored
}

func massCap(limit float64, severity domain.ConstraintSeverity, name string) domain.Constraint {
	return domain.Constraint{
		Name:     name,
		Severity: severity,
		Scope:    domain.ScopeGlobal,
		Rule:     domain.Expr{Op: domain.OpLte, Subject: &domain.Operand{Lens: "vitals/mass"}, Literal: valuePtr(domain.NumberValue(limit))},
	}
}

func mustOrganism(t *testing.T, e *Engine) domain.Organism {
	t.Helper()
	org, err := e.CreateOrganism(context.Background(), "specimen", "subject-1", nil, testActor())
	if err != nil {
		t.Fatalf("create organism: %v", err)
	}
	return org
}

func proposeMass(t *testing.T, e *Engine, organismID string, mass float64) domain.Mutation {
	t.Helper()
	m, err := e.Propose(context.Background(), Proposal{
		OrganismID: organismID,
		Actor:      testActor(),
		Intent:     "set mass",
		Changes:    []ChangeRequest{{Lens: "vitals/mass", Value: domain.NumberValue(mass)}},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return m
}

func TestProposeCapturesStateWithoutWriting(t *testing.T) {
	e, store := newTestEngine(t)
	org := mustOrganism(t, e)

	m := proposeMass(t, e, org.ID, 12)
	if m.Status != domain.MutationProposed {
		t.Fatalf("status: got %s, want proposed", m.Status)
	}
	if len(m.Changes) != 1 || !m.Changes[0].Created || m.Changes[0].ClaimID == "" {
		t.Fatalf("new claim change must be marked created with an assigned id: %+v", m.Changes)
	}
	if m.Changes[0].After.Weight != 1 {
		t.Fatalf("created claim must inherit the lens default weight, got %v", m.Changes[0].After.Weight)
	}
	if _, ok := store.FindClaim(org.ID, "lens-mass"); ok {
		t.Fatalf("propose must not materialize claims")
	}
}

func TestProposeRejectsBadInput(t *testing.T) {
	e, _ := newTestEngine(t)
	org := mustOrganism(t, e)
	ctx := context.Background()

	_, err := e.Propose(ctx, Proposal{OrganismID: org.ID, Actor: testActor()})
	var empty domain.EmptyChangeSetError
	if !errors.As(err, &empty) {
		t.Fatalf("empty change set: got %v", err)
	}

	_, err = e.Propose(ctx, Proposal{
		OrganismID: org.ID, Actor: testActor(),
		Changes: []ChangeRequest{{Lens: "vitals/wingspan", Value: domain.NumberValue(1)}},
	})
	var unknown domain.UnknownLensError
	if !errors.As(err, &unknown) {
		t.Fatalf("unknown lens: got %v", err)
	}

	_, err = e.Propose(ctx, Proposal{
		OrganismID: org.ID, Actor: testActor(),
		Changes: []ChangeRequest{
			{Lens: "vitals/mass", Value: domain.NumberValue(1)},
			{Lens: "lens-mass", Value: domain.NumberValue(2)},
		},
	})
	if err == nil {
		t.Fatalf("a proposal touching one lens twice must be rejected")
	}

	_, err = e.Propose(ctx, Proposal{
		OrganismID: org.ID, Actor: testActor(),
		Changes: []ChangeRequest{{Lens: "vitals/mass", Value: domain.EnumValue("heavy")}},
	})
	if err == nil {
		t.Fatalf("value kind must match the lens kind")
	}
}

func TestValidateIsPureAndRepeatable(t *testing.T) {
	e, store := newTestEngine(t)
	mustConstraint(t, e, massCap(100, domain.SeverityHard, "mass-cap"))
	org := mustOrganism(t, e)
	m := proposeMass(t, e, org.ID, 500)

	ctx := context.Background()
	first, err := e.Validate(ctx, m.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	second, err := e.Validate(ctx, m.ID)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if len(first.Hard) != 1 || len(second.Hard) != 1 {
		t.Fatalf("both runs must report the hard failure: %d, %d", len(first.Hard), len(second.Hard))
	}
	got, _ := store.GetMutation(m.ID)
	if got.Status != domain.MutationProposed {
		t.Fatalf("validation must not advance the mutation, got %s", got.Status)
	}
	if _, ok := store.FindClaim(org.ID, "lens-mass"); ok {
		t.Fatalf("validation must not write claims")
	}
}

func TestCommitAppliesChangesAtomically(t *testing.T) {
	e, store := newTestEngine(t)
	mustConstraint(t, e, massCap(100, domain.SeverityHard, "mass-cap"))
	org := mustOrganism(t, e)
	m := proposeMass(t, e, org.ID, 12)

	committed, err := e.Commit(context.Background(), m.ID, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Status != domain.MutationCommitted || committed.CommittedAt == nil {
		t.Fatalf("expected committed mutation, got %+v", committed)
	}
	claim, ok := store.FindClaim(org.ID, "lens-mass")
	if !ok || claim.RecordVersion != 1 || claim.Value.String() != "12" {
		t.Fatalf("claim not materialized as expected: %+v ok=%v", claim, ok)
	}
	updated, _ := store.GetOrganism(org.ID)
	if updated.LastMutationID == nil || *updated.LastMutationID != committed.ID {
		t.Fatalf("organism head must point at the committed mutation")
	}
	if len(committed.ConflictIDs) != 0 {
		t.Fatalf("clean commit must raise no conflicts, got %v", committed.ConflictIDs)
	}
}

func TestCommitHardFailureRejectsAndRetainsRecord(t *testing.T) {
	e, store := newTestEngine(t)
	mustConstraint(t, e, massCap(100, domain.SeverityHard, "mass-cap"))
	org := mustOrganism(t, e)
	m := proposeMass(t, e, org.ID, 500)

	_, err := e.Commit(context.Background(), m.ID, nil)
	var hard domain.HardFailError
	if !errors.As(err, &hard) {
		t.Fatalf("expected HardFailError, got %v", err)
	}
	if len(hard.Report.Hard) != 1 {
		t.Fatalf("error must carry the failing report")
	}
	got, _ := store.GetMutation(m.ID)
	if got.Status != domain.MutationRejected || got.RejectReason == "" {
		t.Fatalf("rejected mutation must be retained for audit, got %+v", got)
	}
	if _, ok := store.FindClaim(org.ID, "lens-mass"); ok {
		t.Fatalf("rejected commit must write no claims")
	}
}

func TestCommitSoftFailureDemandsTradeoff(t *testing.T) {
	e, store := newTestEngine(t)
	mustConstraint(t, e, massCap(100, domain.SeverityHard, "mass-cap"))
	soft := mustConstraint(t, e, massCap(50, domain.SeveritySoft, "mass-advisory"))
	org := mustOrganism(t, e)
	m := proposeMass(t, e, org.ID, 60)

	ctx := context.Background()
	_, err := e.Commit(ctx, m.ID, nil)
	var needs domain.TradeoffRequiredError
	if !errors.As(err, &needs) {
		t.Fatalf("expected TradeoffRequiredError, got %v", err)
	}
	got, _ := store.GetMutation(m.ID)
	if got.Status != domain.MutationProposed {
		t.Fatalf("mutation must stay proposed for retry, got %s", got.Status)
	}
	if _, ok := store.FindClaim(org.ID, "lens-mass"); ok {
		t.Fatalf("refused commit must write no claims")
	}

	committed, err := e.Commit(ctx, m.ID, &domain.Tradeoff{
		Decision:   "accept advisory overweight during growth phase",
		AcceptedBy: testActor(),
	})
	if err != nil {
		t.Fatalf("commit with tradeoff: %v", err)
	}
	if committed.Status != domain.MutationCommitted || len(committed.TradeoffIDs) != 1 {
		t.Fatalf("tradeoff must be attached on commit, got %+v", committed)
	}
	if len(committed.ConflictIDs) != 1 {
		t.Fatalf("accepted soft failure must raise exactly one conflict, got %v", committed.ConflictIDs)
	}
	conflict, ok := store.GetConflict(committed.ConflictIDs[0])
	if !ok || conflict.Status != domain.ConflictOpen || conflict.OriginConstraintID != soft.ID {
		t.Fatalf("conflict must be open and name its origin constraint, got %+v", conflict)
	}
	if conflict.Severity <= 0 || conflict.Severity > 1 {
		t.Fatalf("severity must be on (0,1], got %v", conflict.Severity)
	}
}

func TestCommitDetectsStaleVersions(t *testing.T) {
	e, store := newTestEngine(t)
	org := mustOrganism(t, e)
	ctx := context.Background()

	// Two proposals both creating the same claim: the second loses.
	a := proposeMass(t, e, org.ID, 10)
	b := proposeMass(t, e, org.ID, 20)
	if _, err := e.Commit(ctx, a.ID, nil); err != nil {
		t.Fatalf("commit first: %v", err)
	}
	if _, err := e.Commit(ctx, b.ID, nil); !errors.Is(err, domain.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion for lost creation race, got %v", err)
	}

	// Two proposals both updating from version 1: the second loses too.
	c := proposeMass(t, e, org.ID, 30)
	d := proposeMass(t, e, org.ID, 40)
	if _, err := e.Commit(ctx, c.ID, nil); err != nil {
		t.Fatalf("commit update: %v", err)
	}
	if _, err := e.Commit(ctx, d.ID, nil); !errors.Is(err, domain.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion for lost update race, got %v", err)
	}
	claim, _ := store.FindClaim(org.ID, "lens-mass")
	if claim.Value.String() != "30" || claim.RecordVersion != 2 {
		t.Fatalf("winning update must stand, got %+v", claim)
	}
}

func TestRollbackRestoresPriorState(t *testing.T) {
	e, store := newTestEngine(t)
	org := mustOrganism(t, e)
	ctx := context.Background()

	create := proposeMass(t, e, org.ID, 10)
	if _, err := e.Commit(ctx, create.ID, nil); err != nil {
		t.Fatalf("commit create: %v", err)
	}
	update := proposeMass(t, e, org.ID, 25)
	if _, err := e.Commit(ctx, update.ID, nil); err != nil {
		t.Fatalf("commit update: %v", err)
	}

	inverse, err := e.Rollback(ctx, update.ID, "mistaken reading", testActor(), nil)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if inverse.ReversesID == nil || *inverse.ReversesID != update.ID {
		t.Fatalf("inverse must reference the reverted mutation")
	}
	if inverse.Intent != "mistaken reading" {
		t.Fatalf("inverse must record the caller's reason, got %q", inverse.Intent)
	}
	claim, _ := store.FindClaim(org.ID, "lens-mass")
	if claim.Value.String() != "10" || claim.RecordVersion != 3 {
		t.Fatalf("rollback must restore the prior value as a new version, got %+v", claim)
	}
	original, _ := store.GetMutation(update.ID)
	if original.Status != domain.MutationRolledBack {
		t.Fatalf("original mutation must read rolled_back, got %s", original.Status)
	}

	// The creation mutation's after-state is gone now; its rollback refuses.
	_, err = e.Rollback(ctx, create.ID, "undo intake", testActor(), nil)
	var stale domain.StaleRollbackError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleRollbackError after intervening write, got %v", err)
	}
}

func TestRollbackOfCreationZeroesWeight(t *testing.T) {
	e, store := newTestEngine(t)
	org := mustOrganism(t, e)
	ctx := context.Background()

	create := proposeMass(t, e, org.ID, 10)
	if _, err := e.Commit(ctx, create.ID, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := e.Rollback(ctx, create.ID, "undo intake", testActor(), nil); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	claim, ok := store.FindClaim(org.ID, "lens-mass")
	if !ok {
		t.Fatalf("claims are never deleted")
	}
	if claim.Weight != 0 || claim.Value.String() != "10" {
		t.Fatalf("reverted creation keeps the value but stops contributing, got %+v", claim)
	}
}

func TestRollbackSoftFailureDemandsTradeoff(t *testing.T) {
	e, store := newTestEngine(t)
	org := mustOrganism(t, e)
	ctx := context.Background()

	heavy := proposeMass(t, e, org.ID, 80)
	if _, err := e.Commit(ctx, heavy.ID, nil); err != nil {
		t.Fatalf("commit heavy: %v", err)
	}
	light := proposeMass(t, e, org.ID, 40)
	if _, err := e.Commit(ctx, light.ID, nil); err != nil {
		t.Fatalf("commit light: %v", err)
	}

	// The advisory arrives after the heavy reading; restoring it now is a
	// soft violation like any other commit.
	soft := mustConstraint(t, e, massCap(50, domain.SeveritySoft, "mass-advisory"))

	_, err := e.Rollback(ctx, light.ID, "restore intake reading", testActor(), nil)
	var needs domain.TradeoffRequiredError
	if !errors.As(err, &needs) {
		t.Fatalf("expected TradeoffRequiredError, got %v", err)
	}
	claim, _ := store.FindClaim(org.ID, "lens-mass")
	if claim.Value.String() != "40" || claim.RecordVersion != 2 {
		t.Fatalf("refused rollback must write nothing, got %+v", claim)
	}
	if m, _ := store.GetMutation(light.ID); m.Status != domain.MutationCommitted {
		t.Fatalf("refused rollback must not advance the original, got %s", m.Status)
	}

	inverse, err := e.Rollback(ctx, light.ID, "restore intake reading", testActor(), &domain.Tradeoff{
		Decision:   "accept advisory overweight while re-weighing",
		AcceptedBy: testActor(),
	})
	if err != nil {
		t.Fatalf("rollback with tradeoff: %v", err)
	}
	if len(inverse.TradeoffIDs) != 1 {
		t.Fatalf("tradeoff must be attached to the inverse, got %v", inverse.TradeoffIDs)
	}
	if len(inverse.ConflictIDs) != 1 {
		t.Fatalf("accepted soft failure must raise one conflict, got %v", inverse.ConflictIDs)
	}
	conflict, ok := store.GetConflict(inverse.ConflictIDs[0])
	if !ok || conflict.Status != domain.ConflictOpen || conflict.OriginConstraintID != soft.ID {
		t.Fatalf("conflict must be open and name the advisory, got %+v ok=%v", conflict, ok)
	}
	claim, _ = store.FindClaim(org.ID, "lens-mass")
	if claim.Value.String() != "80" || claim.RecordVersion != 3 {
		t.Fatalf("rollback must restore the prior value, got %+v", claim)
	}
}

func TestMutationChainWalksToOrigin(t *testing.T) {
	e, store := newTestEngine(t)
	org := mustOrganism(t, e)
	ctx := context.Background()

	for _, mass := range []float64{10, 20, 30} {
		m := proposeMass(t, e, org.ID, mass)
		if _, err := e.Commit(ctx, m.ID, nil); err != nil {
			t.Fatalf("commit %v: %v", mass, err)
		}
	}

	updated, _ := store.GetOrganism(org.ID)
	visited := make(map[string]struct{})
	cur := updated.LastMutationID
	for cur != nil {
		if _, dup := visited[*cur]; dup {
			t.Fatalf("mutation chain cycles at %s", *cur)
		}
		visited[*cur] = struct{}{}
		m, ok := store.GetMutation(*cur)
		if !ok {
			t.Fatalf("chain references missing mutation %s", *cur)
		}
		cur = m.PrevMutationID
	}
	if len(visited) != 3 {
		t.Fatalf("chain must cover every commit exactly once, walked %d", len(visited))
	}
}

func TestCommitLockTimeout(t *testing.T) {
	e, _ := newTestEngine(t, WithLockWait(20*time.Millisecond))
	org := mustOrganism(t, e)
	m := proposeMass(t, e, org.ID, 10)

	release, err := e.locks.acquire(context.Background(), org.ID, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if _, err := e.Commit(context.Background(), m.ID, nil); !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout while the organism is locked, got %v", err)
	}
}
