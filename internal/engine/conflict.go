package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"coherencecore/pkg/domain"
)

// BucketThresholds maps a 0-1 conflict severity onto the ordered buckets.
// Bucketing is monotone: a higher severity never lands in a lower bucket.
type BucketThresholds struct {
	Medium      float64 `yaml:"medium"`
	High        float64 `yaml:"high"`
	Existential float64 `yaml:"existential"`
}

// DefaultBucketThresholds returns the standard bucket boundaries.
func DefaultBucketThresholds() BucketThresholds {
	return BucketThresholds{Medium: 0.25, High: 0.5, Existential: 0.85}
}

// Bucket classifies a severity.
func (b BucketThresholds) Bucket(severity float64) domain.SeverityBucket {
	switch {
	case severity >= b.Existential:
		return domain.BucketExistential
	case severity >= b.High:
		return domain.BucketHigh
	case severity >= b.Medium:
		return domain.BucketMedium
	default:
		return domain.BucketLow
	}
}

// detectConflicts materializes a conflict for every failed soft constraint in
// a committing mutation, then runs the derived detector over the applicable
// range constraints. Hard failures never reach here; they reject the commit
// instead. Runs inside the commit transaction so the mutation and its
// conflicts land atomically.
func (e *Engine) detectConflicts(tx domain.Transaction, m domain.Mutation, report domain.ValidationReport) ([]string, error) {
	view := tx.Snapshot()
	existing := view.ListConflicts(m.OrganismID)
	now := e.nowFn()

	var ids []string
	for _, evaluation := range report.Soft {
		constraint, ok := e.registry.Constraint(evaluation.ConstraintID)
		if !ok {
			return nil, domain.NotFoundError{Kind: "constraint", ID: evaluation.ConstraintID}
		}
		parties := e.partyClaims(view, m, constraint)
		if dup := findOpenDuplicate(existing, constraint.ID, parties, now); dup != "" {
			ids = append(ids, dup)
			continue
		}
		severity := e.severityFor(constraint, evaluation, view, parties)
		conflict := domain.Conflict{
			Base:               e.base(),
			Type:               conflictTypeFor(constraint.Rule.Op),
			Status:             domain.ConflictOpen,
			Severity:           severity,
			Bucket:             e.buckets.Bucket(severity),
			OrganismID:         m.OrganismID,
			PartyClaimIDs:      parties,
			OriginConstraintID: constraint.ID,
			OriginMutationID:   m.ID,
		}
		stored, err := tx.AppendConflict(conflict)
		if err != nil {
			return nil, err
		}
		existing = append(existing, stored)
		ids = append(ids, stored.ID)
		e.metrics.IncCounter("conflicts_detected", map[string]string{"type": string(stored.Type)})
	}

	derived, err := e.detectDerivedConflicts(tx, view, m, report, existing, now)
	if err != nil {
		return nil, err
	}
	return append(ids, derived...), nil
}

// detectDerivedConflicts compares pairs of applicable constraints that bound
// the same lens and flags pairs whose intervals are disjoint: no value can
// satisfy both, so the constraint set itself is in tension regardless of the
// committed value. The pair's lexically first constraint anchors deduping.
func (e *Engine) detectDerivedConflicts(tx domain.Transaction, view domain.TransactionView, m domain.Mutation, report domain.ValidationReport, existing []domain.Conflict, now time.Time) ([]string, error) {
	type bound struct {
		constraint domain.Constraint
		min, max   float64
	}
	byLens := make(map[string][]bound)
	seen := make(map[string]struct{})
	collect := func(evaluations []domain.Evaluation) {
		for _, evaluation := range evaluations {
			if _, dup := seen[evaluation.ConstraintID]; dup {
				continue
			}
			seen[evaluation.ConstraintID] = struct{}{}
			constraint, ok := e.registry.Constraint(evaluation.ConstraintID)
			if !ok {
				continue
			}
			lens, lo, hi, ok := ruleInterval(constraint.Rule)
			if !ok {
				continue
			}
			byLens[lens] = append(byLens[lens], bound{constraint: constraint, min: lo, max: hi})
		}
	}
	collect(report.Passed)
	collect(report.Soft)

	lenses := make([]string, 0, len(byLens))
	for lens := range byLens {
		lenses = append(lenses, lens)
	}
	sort.Strings(lenses)

	var ids []string
	for _, lens := range lenses {
		bounds := byLens[lens]
		for i := 0; i < len(bounds); i++ {
			for j := i + 1; j < len(bounds); j++ {
				a, b := bounds[i], bounds[j]
				if a.min <= b.max && b.min <= a.max {
					continue
				}
				origin := a.constraint
				if b.constraint.ID < origin.ID {
					origin = b.constraint
				}
				parties := e.partyClaims(view, m, origin)
				if dup := findOpenDuplicate(existing, origin.ID, parties, now); dup != "" {
					ids = append(ids, dup)
					continue
				}
				severity := e.severityFor(origin, domain.Evaluation{}, view, parties)
				conflict := domain.Conflict{
					Base:               e.base(),
					Type:               domain.ConflictDerived,
					Status:             domain.ConflictOpen,
					Severity:           severity,
					Bucket:             e.buckets.Bucket(severity),
					OrganismID:         m.OrganismID,
					PartyClaimIDs:      parties,
					OriginConstraintID: origin.ID,
					OriginMutationID:   m.ID,
				}
				stored, err := tx.AppendConflict(conflict)
				if err != nil {
					return nil, err
				}
				existing = append(existing, stored)
				ids = append(ids, stored.ID)
				e.metrics.IncCounter("conflicts_detected", map[string]string{"type": string(stored.Type)})
			}
		}
	}
	return ids, nil
}

// ruleInterval extracts the closed numeric interval a rule imposes on a lens
// value, for the single-bound operators the derived detector understands.
func ruleInterval(rule domain.Expr) (lens string, min, max float64, ok bool) {
	if rule.Subject == nil || rule.Subject.Lens == "" {
		return "", 0, 0, false
	}
	if rule.Subject.Field != "" && rule.Subject.Field != domain.FieldValue {
		return "", 0, 0, false
	}
	lens = rule.Subject.Lens
	switch rule.Op {
	case domain.OpBetween:
		if rule.Bounds != nil && rule.Bounds.Min != nil && rule.Bounds.Max != nil {
			return lens, *rule.Bounds.Min, *rule.Bounds.Max, true
		}
	case domain.OpLte, domain.OpLt:
		if v, ok := literalNumber(rule.Literal); ok {
			return lens, math.Inf(-1), v, true
		}
	case domain.OpGte, domain.OpGt:
		if v, ok := literalNumber(rule.Literal); ok {
			return lens, v, math.Inf(1), true
		}
	case domain.OpEq:
		if v, ok := literalNumber(rule.Literal); ok {
			return lens, v, v, true
		}
	}
	return "", 0, 0, false
}

func conflictTypeFor(op domain.Op) domain.ConflictType {
	switch op {
	case domain.OpExcludes, domain.OpRequires, domain.OpImplies, domain.OpCompatibleWith:
		return domain.ConflictExclusion
	case domain.OpDriftLte, domain.OpWeightedDriftLte:
		return domain.ConflictBaseline
	default:
		return domain.ConflictDerived
	}
}

// partyClaims resolves the live claims the constraint's rule reads, sorted
// for stable comparison.
func (e *Engine) partyClaims(view domain.TransactionView, m domain.Mutation, c domain.Constraint) []string {
	refs := make(map[string]struct{})
	collectLensRefs(c.Rule, refs)
	if c.Guard != nil {
		collectLensRefs(*c.Guard, refs)
	}
	ids := make(map[string]struct{})
	for ref := range refs {
		lens, ok := e.resolveLens(ref)
		if !ok {
			continue
		}
		if claim, ok := view.FindClaim(m.OrganismID, lens.ID); ok {
			ids[claim.ID] = struct{}{}
			continue
		}
		for _, fc := range m.Changes {
			if fc.LensID == lens.ID {
				ids[fc.ClaimID] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func collectLensRefs(expr domain.Expr, out map[string]struct{}) {
	if expr.Subject != nil && expr.Subject.Lens != "" {
		out[expr.Subject.Lens] = struct{}{}
	}
	if expr.Object != nil && expr.Object.Lens != "" {
		out[expr.Object.Lens] = struct{}{}
	}
	for _, arg := range expr.Args {
		collectLensRefs(arg, out)
	}
}

func findOpenDuplicate(existing []domain.Conflict, constraintID string, parties []string, now time.Time) string {
	for _, c := range existing {
		if c.OriginConstraintID != constraintID {
			continue
		}
		if c.EffectiveStatus(now) != domain.ConflictOpen {
			continue
		}
		if sameStrings(c.PartyClaimIDs, parties) {
			return c.ID
		}
	}
	return ""
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// severityFor scores a conflict on [0,1] from the weight of the claims in
// tension and how far the rule was missed. Drift violations scale with the
// relative overshoot; relational violations scale with party weight.
func (e *Engine) severityFor(c domain.Constraint, evaluation domain.Evaluation, view domain.TransactionView, parties []string) float64 {
	switch conflictTypeFor(c.Rule.Op) {
	case domain.ConflictBaseline:
		drift, dok := evidenceNumber(evaluation.Evidence, "drift")
		threshold, tok := evidenceNumber(evaluation.Evidence, "threshold")
		if dok && tok && drift > 0 {
			return clamp01((drift - threshold) / drift)
		}
		return 0.3
	default:
		total := 0.0
		for _, id := range parties {
			if claim, ok := view.GetClaim(id); ok {
				total += claim.Weight
			}
		}
		if len(parties) > 0 {
			total /= float64(len(parties))
		}
		return clamp01(total / (total + 1))
	}
}

func literalNumber(v *domain.Value) (float64, bool) {
	if v == nil || v.Kind != domain.ValueNumber || v.Number == nil {
		return 0, false
	}
	return *v.Number, true
}

func evidenceNumber(ev domain.Evidence, key string) (float64, bool) {
	if v, ok := ev.Values[key]; ok {
		if f, ok := v.(float64); ok {
			return f, true
		}
	}
	for _, child := range ev.Children {
		if f, ok := evidenceNumber(child, key); ok {
			return f, true
		}
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ResolveConflict settles an open conflict. A tradeoff is mandatory. When the
// resolution sacrifices claims, the engine commits a child mutation zeroing
// their weight in the same transaction, so the conflict never appears resolved
// while the sacrificed claims still contribute.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, res domain.Resolution, tradeoff domain.Tradeoff, actor domain.Actor) (domain.Conflict, error) {
	if res.Strategy == "" {
		return domain.Conflict{}, fmt.Errorf("resolution requires a strategy")
	}
	if tradeoff.Decision == "" {
		return domain.Conflict{}, fmt.Errorf("resolution requires a tradeoff")
	}
	if actor.IsZero() {
		return domain.Conflict{}, fmt.Errorf("resolution requires an actor")
	}
	existing, ok := e.store.GetConflict(conflictID)
	if !ok {
		return domain.Conflict{}, domain.NotFoundError{Kind: "conflict", ID: conflictID}
	}
	release, err := e.locks.acquire(ctx, existing.OrganismID, e.lockWait)
	if err != nil {
		return domain.Conflict{}, err
	}
	defer release()

	var resolved domain.Conflict
	err = e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		conflict, ok := view.GetConflict(conflictID)
		if !ok {
			return domain.NotFoundError{Kind: "conflict", ID: conflictID}
		}
		now := e.nowFn()
		if conflict.EffectiveStatus(now) != domain.ConflictOpen {
			return domain.InvalidStateError{Kind: "conflict", ID: conflictID, State: string(conflict.Status), Want: string(domain.ConflictOpen)}
		}

		if tradeoff.ID == "" {
			tradeoff.Base = e.base()
		}
		if tradeoff.AcceptedBy.IsZero() {
			tradeoff.AcceptedBy = actor
		}
		stored, err := tx.AppendTradeoff(tradeoff)
		if err != nil {
			return err
		}
		res.TradeoffID = stored.ID
		res.ResolvedAt = now

		if len(res.SacrificedClaimIDs) > 0 {
			mutationID, err := e.sacrifice(tx, conflict, res.SacrificedClaimIDs, stored.ID, actor, now)
			if err != nil {
				return err
			}
			res.MutationID = mutationID
		}

		resolved, err = tx.ResolveConflict(conflictID, res)
		return err
	})
	if err != nil {
		return domain.Conflict{}, err
	}
	e.metrics.IncCounter("conflicts_resolved", map[string]string{"strategy": res.Strategy})
	return resolved, nil
}

// sacrifice commits a system mutation zeroing the weight of the losing
// claims. Values are retained; only the contribution is withdrawn.
func (e *Engine) sacrifice(tx domain.Transaction, conflict domain.Conflict, claimIDs []string, tradeoffID string, actor domain.Actor, now time.Time) (string, error) {
	view := tx.Snapshot()
	org, ok := view.GetOrganism(conflict.OrganismID)
	if !ok {
		return "", domain.NotFoundError{Kind: "organism", ID: conflict.OrganismID}
	}
	changes := make([]domain.FieldChange, 0, len(claimIDs))
	for _, id := range claimIDs {
		claim, ok := view.GetClaim(id)
		if !ok {
			return "", domain.NotFoundError{Kind: "claim", ID: id}
		}
		changes = append(changes, domain.FieldChange{
			ClaimID:       claim.ID,
			LensID:        claim.LensID,
			Before:        &domain.ClaimState{Value: claim.Value.Clone(), Weight: claim.Weight},
			After:         domain.ClaimState{Value: claim.Value.Clone(), Weight: 0},
			BeforeVersion: claim.RecordVersion,
			AfterVersion:  claim.RecordVersion + 1,
		})
	}
	committedAt := now
	m := domain.Mutation{
		Base:           e.base(),
		OrganismID:     conflict.OrganismID,
		Actor:          actor,
		Intent:         "sacrifice for conflict " + conflict.ID,
		Changes:        changes,
		TradeoffIDs:    []string{tradeoffID},
		Status:         domain.MutationProposed,
		PrevMutationID: org.LastMutationID,
	}
	m, err := tx.AppendMutation(m)
	if err != nil {
		return "", err
	}

	// The withdrawal is a commit like any other: it must not leave the
	// organism in a hard-violating state, and its evaluations go on record.
	report, err := e.validate(view, m)
	if err != nil {
		return "", err
	}
	if report.HasHardFailures() {
		return "", domain.HardFailError{MutationID: m.ID, Report: report}
	}

	for _, fc := range m.Changes {
		claim, _ := view.GetClaim(fc.ClaimID)
		claim.Weight = 0
		claim.RecordVersion = fc.AfterVersion
		claim.LastMutationID = m.ID
		claim.UpdatedAt = now
		if _, err := tx.PutClaim(claim); err != nil {
			return "", err
		}
	}

	conflictIDs, err := e.detectConflicts(tx, m, report)
	if err != nil {
		return "", err
	}

	m.Status = domain.MutationCommitted
	m.Evaluations = report.Evaluations()
	m.ConflictIDs = conflictIDs
	m.CommittedAt = &committedAt
	if m, err = tx.FinalizeMutation(m); err != nil {
		return "", err
	}
	_, err = tx.UpdateOrganism(conflict.OrganismID, func(o *domain.Organism) error {
		id := m.ID
		o.LastMutationID = &id
		o.UpdatedAt = now
		return nil
	})
	return m.ID, err
}

// SuppressConflict defers a conflict until the expiry. Suppression needs an
// approving actor and a future expiry; a lapsed suppression reads as open.
func (e *Engine) SuppressConflict(ctx context.Context, conflictID string, sup domain.Suppression) (domain.Conflict, error) {
	if sup.ApprovedBy.IsZero() {
		return domain.Conflict{}, fmt.Errorf("suppression requires an approving actor")
	}
	if sup.Reason == "" {
		return domain.Conflict{}, fmt.Errorf("suppression requires a reason")
	}
	now := e.nowFn()
	if !sup.ExpiresAt.After(now) {
		return domain.Conflict{}, domain.SuppressionExpiredError{ConflictID: conflictID, ExpiredAt: sup.ExpiresAt}
	}
	var suppressed domain.Conflict
	err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		conflict, ok := view.GetConflict(conflictID)
		if !ok {
			return domain.NotFoundError{Kind: "conflict", ID: conflictID}
		}
		if conflict.EffectiveStatus(now) != domain.ConflictOpen {
			return domain.InvalidStateError{Kind: "conflict", ID: conflictID, State: string(conflict.Status), Want: string(domain.ConflictOpen)}
		}
		var err error
		suppressed, err = tx.SuppressConflict(conflictID, sup)
		return err
	})
	if err != nil {
		return domain.Conflict{}, err
	}
	e.metrics.IncCounter("conflicts_suppressed", nil)
	return suppressed, nil
}

// ReopenConflict returns a suppressed conflict to open before its expiry.
func (e *Engine) ReopenConflict(ctx context.Context, conflictID string) (domain.Conflict, error) {
	var reopened domain.Conflict
	err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		reopened, err = tx.ReopenConflict(conflictID)
		return err
	})
	if err != nil {
		return domain.Conflict{}, err
	}
	return reopened, nil
}

// OpenConflicts lists the conflicts that currently count as open for an
// organism, folding in suppression expiry.
func (e *Engine) OpenConflicts(ctx context.Context, organismID string) ([]domain.Conflict, error) {
	now := e.nowFn()
	var out []domain.Conflict
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		for _, c := range view.ListConflicts(organismID) {
			if c.EffectiveStatus(now) == domain.ConflictOpen {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}
