package engine

import (
	"context"
	"fmt"
	"time"

	"coherencecore/pkg/domain"

	"github.com/google/uuid"
)

// DefaultLockWait bounds how long a commit waits for the per-organism lock
// before failing with ErrLockTimeout.
const DefaultLockWait = 5 * time.Second

// organismLocks serializes commits per organism. Each slot is a one-deep
// channel used as a mutex with bounded acquisition.
type organismLocks struct {
	mu    chan struct{}
	slots map[string]chan struct{}
}

func newOrganismLocks() *organismLocks {
	l := &organismLocks{
		mu:    make(chan struct{}, 1),
		slots: make(map[string]chan struct{}),
	}
	l.mu <- struct{}{}
	return l
}

func (l *organismLocks) slot(id string) chan struct{} {
	<-l.mu
	defer func() { l.mu <- struct{}{} }()
	s, ok := l.slots[id]
	if !ok {
		s = make(chan struct{}, 1)
		s <- struct{}{}
		l.slots[id] = s
	}
	return s
}

func (l *organismLocks) acquire(ctx context.Context, id string, wait time.Duration) (release func(), err error) {
	s := l.slot(id)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s:
		return func() { s <- struct{}{} }, nil
	case <-timer.C:
		return nil, domain.ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ChangeRequest names one claim edit in a proposal. Lens accepts a lens id or
// a cluster/key path. A nil Weight keeps the current weight (or the lens
// default for new claims).
type ChangeRequest struct {
	Lens   string
	Value  domain.Value
	Weight *float64
}

// Proposal is the input to Propose.
type Proposal struct {
	OrganismID  string
	Actor       domain.Actor
	Intent      string
	Changes     []ChangeRequest
	TradeoffIDs []string
}

// Engine is the single write path over the claim store. Every claim change
// flows through propose, validate, commit; nothing else writes claims.
type Engine struct {
	store    domain.PersistentStore
	registry *Registry
	eval     *Evaluator
	locks    *organismLocks
	nowFn    func() time.Time
	lockWait time.Duration
	metrics  MetricsRecorder
	tracer   Tracer
	weights  CoherenceWeights
	buckets  BucketThresholds
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock, primarily for tests.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.nowFn = fn }
}

// WithLockWait bounds the per-organism commit lock acquisition.
func WithLockWait(d time.Duration) Option {
	return func(e *Engine) { e.lockWait = d }
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer installs a span tracer.
func WithTracer(t Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithCoherenceWeights overrides the burden weighting of coherence scores.
func WithCoherenceWeights(w CoherenceWeights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithBucketThresholds overrides conflict severity bucketing.
func WithBucketThresholds(b BucketThresholds) Option {
	return func(e *Engine) { e.buckets = b }
}

// NewEngine constructs the engine over a store and registry.
func NewEngine(store domain.PersistentStore, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		eval:     NewEvaluator(),
		locks:    newOrganismLocks(),
		nowFn:    func() time.Time { return time.Now().UTC() },
		lockWait: DefaultLockWait,
		metrics:  NoopMetricsRecorder{},
		tracer:   NoopTracer{},
		weights:  DefaultCoherenceWeights(),
		buckets:  DefaultBucketThresholds(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the lens and constraint vocabulary behind the engine.
func (e *Engine) Registry() *Registry { return e.registry }

// Store exposes the underlying store for read paths.
func (e *Engine) Store() domain.PersistentStore { return e.store }

func (e *Engine) base() domain.Base {
	return domain.Base{ID: uuid.NewString(), SchemaVersion: domain.SchemaVersion, CreatedAt: e.nowFn()}
}

// CreateOrganism registers a new subject and its creation lineage edge.
func (e *Engine) CreateOrganism(ctx context.Context, typ, name string, tags []string, actor domain.Actor) (domain.Organism, error) {
	if name == "" {
		return domain.Organism{}, fmt.Errorf("organism requires a name")
	}
	org := domain.Organism{Base: e.base(), Type: typ, Name: name, Tags: tags, UpdatedAt: e.nowFn()}
	err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		if org, err = tx.PutOrganism(org); err != nil {
			return err
		}
		_, err = tx.AppendLineage(domain.LineageEdge{
			Base:     e.base(),
			EntityID: org.ID,
			Op:       domain.LineageCreate,
			Actor:    actor,
		})
		return err
	})
	if err != nil {
		return domain.Organism{}, err
	}
	e.metrics.IncCounter("organisms_created", nil)
	return org, nil
}

// Propose records a mutation in proposed state. It captures the before state
// and record version of every touched claim but changes no claim. Claims that
// do not exist yet get an id here and materialize only at commit.
func (e *Engine) Propose(ctx context.Context, p Proposal) (domain.Mutation, error) {
	ctx, finish := e.tracer.StartSpan(ctx, "engine.propose")
	var mutation domain.Mutation
	err := e.propose(ctx, p, &mutation)
	finish(err)
	if err != nil {
		return domain.Mutation{}, err
	}
	e.metrics.IncCounter("mutations_proposed", nil)
	return mutation, nil
}

func (e *Engine) propose(ctx context.Context, p Proposal, out *domain.Mutation) error {
	if len(p.Changes) == 0 {
		return domain.EmptyChangeSetError{OrganismID: p.OrganismID}
	}
	if p.Actor.IsZero() {
		return fmt.Errorf("proposal requires an actor")
	}
	return e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		org, ok := view.GetOrganism(p.OrganismID)
		if !ok {
			return domain.NotFoundError{Kind: "organism", ID: p.OrganismID}
		}
		changes := make([]domain.FieldChange, 0, len(p.Changes))
		seen := make(map[string]struct{}, len(p.Changes))
		for _, cr := range p.Changes {
			lens, ok := e.resolveLens(cr.Lens)
			if !ok {
				return domain.UnknownLensError{LensID: cr.Lens}
			}
			if _, dup := seen[lens.ID]; dup {
				return fmt.Errorf("proposal touches lens %s twice", lens.Path())
			}
			seen[lens.ID] = struct{}{}
			if err := cr.Value.Validate(); err != nil {
				return fmt.Errorf("lens %s: %w", lens.Path(), err)
			}
			if cr.Value.Kind != lens.Kind {
				return fmt.Errorf("lens %s expects %s values, got %s", lens.Path(), lens.Kind, cr.Value.Kind)
			}
			fc := domain.FieldChange{LensID: lens.ID}
			if claim, exists := view.FindClaim(org.ID, lens.ID); exists {
				fc.ClaimID = claim.ID
				fc.Before = &domain.ClaimState{Value: claim.Value.Clone(), Weight: claim.Weight}
				fc.BeforeVersion = claim.RecordVersion
				fc.After = domain.ClaimState{Value: cr.Value.Clone(), Weight: claim.Weight}
			} else {
				fc.ClaimID = uuid.NewString()
				fc.Created = true
				fc.After = domain.ClaimState{Value: cr.Value.Clone(), Weight: lens.DefaultWeight}
			}
			if cr.Weight != nil {
				fc.After.Weight = *cr.Weight
			}
			changes = append(changes, fc)
		}
		m := domain.Mutation{
			Base:        e.base(),
			OrganismID:  org.ID,
			Actor:       p.Actor,
			Intent:      p.Intent,
			Changes:     changes,
			TradeoffIDs: append([]string(nil), p.TradeoffIDs...),
			Status:      domain.MutationProposed,
		}
		stored, err := tx.AppendMutation(m)
		if err != nil {
			return err
		}
		*out = stored
		return nil
	})
}

func (e *Engine) resolveLens(ref string) (domain.Lens, bool) {
	if lens, ok := e.registry.Lens(ref); ok {
		return lens, true
	}
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return e.registry.LensByPath(ref[:i], ref[i+1:])
		}
	}
	return domain.Lens{}, false
}

// Validate evaluates every applicable constraint against the hypothetical
// post-change state of a proposed mutation. It is pure: no state changes, and
// re-running yields the same report for the same inputs.
func (e *Engine) Validate(ctx context.Context, mutationID string) (domain.ValidationReport, error) {
	var report domain.ValidationReport
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		m, ok := view.GetMutation(mutationID)
		if !ok {
			return domain.NotFoundError{Kind: "mutation", ID: mutationID}
		}
		var err error
		report, err = e.validate(view, m)
		return err
	})
	return report, err
}

// validate builds the hypothetical claim set (current claims with the
// mutation's changes applied on top) and evaluates every constraint in scope.
func (e *Engine) validate(view domain.TransactionView, m domain.Mutation) (domain.ValidationReport, error) {
	hypothetical := e.hypotheticalClaims(view, m)
	views := make([]claimView, 0, len(hypothetical))
	for _, c := range hypothetical {
		lens, ok := e.registry.Lens(c.LensID)
		if !ok {
			return domain.ValidationReport{}, domain.UnknownLensError{LensID: c.LensID}
		}
		views = append(views, claimView{claim: c, lens: lens})
	}
	ectx := newEvalContext(m.OrganismID, views, func(claimID string) (domain.Baseline, bool) {
		c, ok := view.GetClaim(claimID)
		if !ok || c.BaselineID == nil {
			return domain.Baseline{}, false
		}
		return view.GetBaseline(*c.BaselineID)
	})

	report := domain.ValidationReport{MutationID: m.ID}
	for _, constraint := range e.registry.ConstraintsFor(m.OrganismID, hypothetical) {
		applicable, evaluation, err := e.eval.EvaluateConstraint(ectx, constraint)
		if err != nil {
			return domain.ValidationReport{}, err
		}
		if !applicable {
			continue
		}
		switch {
		case evaluation.Passed:
			report.Passed = append(report.Passed, evaluation)
		case constraint.Severity == domain.SeverityHard:
			report.Hard = append(report.Hard, evaluation)
		default:
			report.Soft = append(report.Soft, evaluation)
		}
	}
	return report, nil
}

func (e *Engine) hypotheticalClaims(view domain.TransactionView, m domain.Mutation) []domain.Claim {
	claims := view.ListClaims(m.OrganismID)
	byLens := make(map[string]int, len(claims))
	for i, c := range claims {
		byLens[c.LensID] = i
	}
	for _, fc := range m.Changes {
		if i, ok := byLens[fc.LensID]; ok {
			claims[i].Value = fc.After.Value.Clone()
			claims[i].Weight = fc.After.Weight
			continue
		}
		lens, ok := e.registry.Lens(fc.LensID)
		if !ok {
			continue
		}
		claims = append(claims, domain.Claim{
			Base:       domain.Base{ID: fc.ClaimID, SchemaVersion: domain.SchemaVersion},
			OrganismID: m.OrganismID,
			LensID:     fc.LensID,
			LensPath:   lens.Path(),
			Value:      fc.After.Value.Clone(),
			Weight:     fc.After.Weight,
		})
	}
	return claims
}

// Commit re-validates a proposed mutation under the organism lock and applies
// it atomically. Hard failures reject the mutation and keep it for audit.
// Soft failures commit only with a tradeoff, supplied here or attached at
// proposal, and raise a conflict carrying the failing evidence.
func (e *Engine) Commit(ctx context.Context, mutationID string, tradeoff *domain.Tradeoff) (domain.Mutation, error) {
	ctx, finish := e.tracer.StartSpan(ctx, "engine.commit")
	start := e.nowFn()
	m, err := e.commit(ctx, mutationID, tradeoff)
	finish(err)
	e.metrics.ObserveDuration("commit_seconds", e.nowFn().Sub(start).Seconds(), nil)
	if err != nil {
		e.metrics.IncCounter("commits_failed", map[string]string{"reason": commitFailureReason(err)})
		return m, err
	}
	e.metrics.IncCounter("mutations_committed", nil)
	return m, nil
}

func commitFailureReason(err error) string {
	switch {
	case domain.IsRetryable(err):
		return "retryable"
	default:
		switch err.(type) {
		case domain.HardFailError:
			return "hard_fail"
		case domain.TradeoffRequiredError:
			return "tradeoff_required"
		default:
			return "error"
		}
	}
}

func (e *Engine) commit(ctx context.Context, mutationID string, tradeoff *domain.Tradeoff) (domain.Mutation, error) {
	pending, ok := e.store.GetMutation(mutationID)
	if !ok {
		return domain.Mutation{}, domain.NotFoundError{Kind: "mutation", ID: mutationID}
	}
	release, err := e.locks.acquire(ctx, pending.OrganismID, e.lockWait)
	if err != nil {
		return domain.Mutation{}, err
	}
	defer release()

	var (
		result domain.Mutation
		opErr  error
	)
	err = e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		m, ok := view.GetMutation(mutationID)
		if !ok {
			return domain.NotFoundError{Kind: "mutation", ID: mutationID}
		}
		if m.Status != domain.MutationProposed {
			return domain.InvalidStateError{Kind: "mutation", ID: m.ID, State: string(m.Status), Want: string(domain.MutationProposed)}
		}
		org, ok := view.GetOrganism(m.OrganismID)
		if !ok {
			return domain.NotFoundError{Kind: "organism", ID: m.OrganismID}
		}

		// Optimistic check: every touched claim must still be at the version
		// captured at proposal time.
		for _, fc := range m.Changes {
			current, exists := view.FindClaim(m.OrganismID, fc.LensID)
			if fc.Created {
				if exists {
					return domain.ErrStaleVersion
				}
				continue
			}
			if !exists || current.ID != fc.ClaimID || current.RecordVersion != fc.BeforeVersion {
				return domain.ErrStaleVersion
			}
		}

		report, err := e.validate(view, m)
		if err != nil {
			return err
		}

		if report.HasHardFailures() {
			m.Status = domain.MutationRejected
			m.Evaluations = report.Evaluations()
			m.RejectReason = fmt.Sprintf("%d hard constraint failure(s)", len(report.Hard))
			if result, err = tx.FinalizeMutation(m); err != nil {
				return err
			}
			opErr = domain.HardFailError{MutationID: m.ID, Report: report}
			return nil
		}

		if report.NeedsTradeoff() {
			if tradeoff == nil && len(m.TradeoffIDs) == 0 {
				// The mutation stays proposed; the caller can attach a
				// tradeoff and commit again.
				opErr = domain.TradeoffRequiredError{MutationID: m.ID, Report: report}
				result = m
				return errAbortCommit
			}
			if tradeoff != nil {
				t := *tradeoff
				if t.ID == "" {
					t.Base = e.base()
				}
				stored, err := tx.AppendTradeoff(t)
				if err != nil {
					return err
				}
				m.TradeoffIDs = append(m.TradeoffIDs, stored.ID)
			}
		}

		now := e.nowFn()
		for i, fc := range m.Changes {
			lens, ok := e.registry.Lens(fc.LensID)
			if !ok {
				return domain.UnknownLensError{LensID: fc.LensID}
			}
			claim := domain.Claim{
				Base:           domain.Base{ID: fc.ClaimID, SchemaVersion: domain.SchemaVersion, CreatedAt: now},
				OrganismID:     m.OrganismID,
				LensID:         fc.LensID,
				LensPath:       lens.Path(),
				Value:          fc.After.Value.Clone(),
				Weight:         fc.After.Weight,
				RecordVersion:  fc.BeforeVersion + 1,
				LastMutationID: m.ID,
				UpdatedAt:      now,
			}
			if current, exists := view.GetClaim(fc.ClaimID); exists {
				claim.Base.CreatedAt = current.CreatedAt
				claim.ConstraintSetID = current.ConstraintSetID
				claim.BaselineID = current.BaselineID
			}
			if _, err := tx.PutClaim(claim); err != nil {
				return err
			}
			e.registry.MarkReferenced(fc.LensID)
			m.Changes[i].AfterVersion = claim.RecordVersion
			if fc.Created {
				if _, err := tx.AppendLineage(domain.LineageEdge{
					Base:     e.base(),
					EntityID: fc.ClaimID,
					ParentID: m.OrganismID,
					Op:       domain.LineageCreate,
					Actor:    m.Actor,
				}); err != nil {
					return err
				}
			}
		}

		conflictIDs, err := e.detectConflicts(tx, m, report)
		if err != nil {
			return err
		}

		m.PrevMutationID = org.LastMutationID
		m.Status = domain.MutationCommitted
		m.Evaluations = report.Evaluations()
		m.ConflictIDs = conflictIDs
		committedAt := now
		m.CommittedAt = &committedAt
		if result, err = tx.FinalizeMutation(m); err != nil {
			return err
		}

		_, err = tx.UpdateOrganism(m.OrganismID, func(o *domain.Organism) error {
			id := m.ID
			o.LastMutationID = &id
			o.UpdatedAt = now
			return nil
		})
		return err
	})
	if err == errAbortCommit {
		return result, opErr
	}
	if err != nil {
		return domain.Mutation{}, err
	}
	if opErr != nil {
		return result, opErr
	}
	return result, nil
}

// errAbortCommit discards the transaction while carrying a structured outcome
// out of the closure.
var errAbortCommit = fmt.Errorf("abort commit")

// Rollback reverts a committed mutation by committing its inverse as a new
// mutation. The original record transitions to rolled_back; the log keeps
// both. Claims written by intervening mutations refuse the rollback. The
// inverse passes through the same constraint gate as any commit: hard
// failures refuse the rollback, soft failures demand a tradeoff and raise
// conflicts.
func (e *Engine) Rollback(ctx context.Context, mutationID, reason string, actor domain.Actor, tradeoff *domain.Tradeoff) (domain.Mutation, error) {
	ctx, finish := e.tracer.StartSpan(ctx, "engine.rollback")
	m, err := e.rollback(ctx, mutationID, reason, actor, tradeoff)
	finish(err)
	if err != nil {
		return m, err
	}
	e.metrics.IncCounter("mutations_rolled_back", nil)
	return m, nil
}

func (e *Engine) rollback(ctx context.Context, mutationID, reason string, actor domain.Actor, tradeoff *domain.Tradeoff) (domain.Mutation, error) {
	original, ok := e.store.GetMutation(mutationID)
	if !ok {
		return domain.Mutation{}, domain.NotFoundError{Kind: "mutation", ID: mutationID}
	}
	if actor.IsZero() {
		return domain.Mutation{}, fmt.Errorf("rollback requires an actor")
	}
	release, err := e.locks.acquire(ctx, original.OrganismID, e.lockWait)
	if err != nil {
		return domain.Mutation{}, err
	}
	defer release()

	var inverse domain.Mutation
	err = e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		m, ok := view.GetMutation(mutationID)
		if !ok {
			return domain.NotFoundError{Kind: "mutation", ID: mutationID}
		}
		if m.Status != domain.MutationCommitted {
			return domain.InvalidStateError{Kind: "mutation", ID: m.ID, State: string(m.Status), Want: string(domain.MutationCommitted)}
		}
		org, ok := view.GetOrganism(m.OrganismID)
		if !ok {
			return domain.NotFoundError{Kind: "organism", ID: m.OrganismID}
		}

		now := e.nowFn()
		changes := make([]domain.FieldChange, 0, len(m.Changes))
		for _, fc := range m.Changes {
			current, exists := view.GetClaim(fc.ClaimID)
			if !exists || current.RecordVersion != fc.AfterVersion {
				return domain.StaleRollbackError{MutationID: m.ID, ClaimID: fc.ClaimID}
			}
			inv := domain.FieldChange{
				ClaimID:       fc.ClaimID,
				LensID:        fc.LensID,
				Before:        &domain.ClaimState{Value: current.Value.Clone(), Weight: current.Weight},
				BeforeVersion: current.RecordVersion,
			}
			if fc.Created {
				// Claims are never deleted. Reverting a creation zeroes the
				// weight so the claim stops contributing.
				inv.After = domain.ClaimState{Value: current.Value.Clone(), Weight: 0}
			} else {
				inv.After = domain.ClaimState{Value: fc.Before.Value.Clone(), Weight: fc.Before.Weight}
			}
			changes = append(changes, inv)
		}

		intent := reason
		if intent == "" {
			intent = "rollback of " + m.ID
		}
		revID := m.ID
		inv := domain.Mutation{
			Base:       e.base(),
			OrganismID: m.OrganismID,
			Actor:      actor,
			Intent:     intent,
			Changes:    changes,
			Status:     domain.MutationProposed,
			ReversesID: &revID,
		}
		inv, err := tx.AppendMutation(inv)
		if err != nil {
			return err
		}

		report, err := e.validate(view, inv)
		if err != nil {
			return err
		}
		if report.HasHardFailures() {
			return domain.HardFailError{MutationID: inv.ID, Report: report}
		}
		if report.NeedsTradeoff() {
			if tradeoff == nil {
				return domain.TradeoffRequiredError{MutationID: m.ID, Report: report}
			}
			t := *tradeoff
			if t.ID == "" {
				t.Base = e.base()
			}
			stored, err := tx.AppendTradeoff(t)
			if err != nil {
				return err
			}
			inv.TradeoffIDs = append(inv.TradeoffIDs, stored.ID)
		}

		for i, fc := range inv.Changes {
			current, _ := view.GetClaim(fc.ClaimID)
			current.Value = fc.After.Value.Clone()
			current.Weight = fc.After.Weight
			current.RecordVersion = fc.BeforeVersion + 1
			current.LastMutationID = inv.ID
			current.UpdatedAt = now
			if _, err := tx.PutClaim(current); err != nil {
				return err
			}
			inv.Changes[i].AfterVersion = current.RecordVersion
			if _, err := tx.AppendLineage(domain.LineageEdge{
				Base:      e.base(),
				EntityID:  fc.ClaimID,
				Op:        domain.LineageRevert,
				SourceIDs: []string{m.ID},
				Actor:     actor,
			}); err != nil {
				return err
			}
		}

		conflictIDs, err := e.detectConflicts(tx, inv, report)
		if err != nil {
			return err
		}

		inv.PrevMutationID = org.LastMutationID
		inv.Status = domain.MutationCommitted
		inv.Evaluations = report.Evaluations()
		inv.ConflictIDs = conflictIDs
		committedAt := now
		inv.CommittedAt = &committedAt
		if inverse, err = tx.FinalizeMutation(inv); err != nil {
			return err
		}
		if _, err := tx.SetMutationStatus(m.ID, domain.MutationRolledBack, "reverted by "+inverse.ID); err != nil {
			return err
		}
		_, err = tx.UpdateOrganism(m.OrganismID, func(o *domain.Organism) error {
			id := inverse.ID
			o.LastMutationID = &id
			o.UpdatedAt = now
			return nil
		})
		return err
	})
	if err != nil {
		return domain.Mutation{}, err
	}
	return inverse, nil
}
