// Package memory provides the in-memory transactional store backing the
// mutation engine. Transactions run against a deep clone of the state and
// swap it in atomically on success, so readers observe either the pre- or
// post-commit state of a mutation, never a partial one.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"coherencecore/pkg/domain"
)

type memoryState struct {
	organisms     map[string]domain.Organism
	claims        map[string]domain.Claim
	claimByLens   map[string]string
	claimByPath   map[string]string
	mutations     map[string]domain.Mutation
	mutationOrder []string
	conflicts     map[string]domain.Conflict
	conflictOrder []string
	baselines     map[string]domain.Baseline
	drifts        []domain.Drift
	tradeoffs     map[string]domain.Tradeoff
	lineage       []domain.LineageEdge
}

func newMemoryState() memoryState {
	return memoryState{
		organisms:   make(map[string]domain.Organism),
		claims:      make(map[string]domain.Claim),
		claimByLens: make(map[string]string),
		claimByPath: make(map[string]string),
		mutations:   make(map[string]domain.Mutation),
		conflicts:   make(map[string]domain.Conflict),
		baselines:   make(map[string]domain.Baseline),
		tradeoffs:   make(map[string]domain.Tradeoff),
	}
}

func lensKey(organismID, lensID string) string {
	return organismID + "\x00" + lensID
}

func pathKey(organismID, path string) string {
	return organismID + "\x00" + path
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.organisms {
		cloned.organisms[k] = cloneOrganism(v)
	}
	for k, v := range s.claims {
		cloned.claims[k] = cloneClaim(v)
	}
	for k, v := range s.claimByLens {
		cloned.claimByLens[k] = v
	}
	for k, v := range s.claimByPath {
		cloned.claimByPath[k] = v
	}
	for k, v := range s.mutations {
		cloned.mutations[k] = cloneMutation(v)
	}
	cloned.mutationOrder = append([]string(nil), s.mutationOrder...)
	for k, v := range s.conflicts {
		cloned.conflicts[k] = cloneConflict(v)
	}
	cloned.conflictOrder = append([]string(nil), s.conflictOrder...)
	for k, v := range s.baselines {
		cloned.baselines[k] = cloneBaseline(v)
	}
	cloned.drifts = append([]domain.Drift(nil), s.drifts...)
	for k, v := range s.tradeoffs {
		cloned.tradeoffs[k] = cloneTradeoff(v)
	}
	cloned.lineage = cloneLineage(s.lineage)
	return cloned
}

func cloneOrganism(o domain.Organism) domain.Organism {
	cp := o
	cp.Tags = append([]string(nil), o.Tags...)
	if o.LastMutationID != nil {
		id := *o.LastMutationID
		cp.LastMutationID = &id
	}
	return cp
}

func cloneClaim(c domain.Claim) domain.Claim {
	cp := c
	cp.Value = c.Value.Clone()
	if c.ConstraintSetID != nil {
		id := *c.ConstraintSetID
		cp.ConstraintSetID = &id
	}
	if c.BaselineID != nil {
		id := *c.BaselineID
		cp.BaselineID = &id
	}
	return cp
}

func cloneMutation(m domain.Mutation) domain.Mutation {
	cp := m
	cp.Changes = make([]domain.FieldChange, len(m.Changes))
	for i, ch := range m.Changes {
		cc := ch
		if ch.Before != nil {
			before := *ch.Before
			before.Value = ch.Before.Value.Clone()
			cc.Before = &before
		}
		cc.After.Value = ch.After.Value.Clone()
		cp.Changes[i] = cc
	}
	cp.TradeoffIDs = append([]string(nil), m.TradeoffIDs...)
	cp.Evaluations = append([]domain.Evaluation(nil), m.Evaluations...)
	cp.ConflictIDs = append([]string(nil), m.ConflictIDs...)
	if m.PrevMutationID != nil {
		id := *m.PrevMutationID
		cp.PrevMutationID = &id
	}
	if m.ReversesID != nil {
		id := *m.ReversesID
		cp.ReversesID = &id
	}
	if m.CommittedAt != nil {
		at := *m.CommittedAt
		cp.CommittedAt = &at
	}
	return cp
}

func cloneConflict(c domain.Conflict) domain.Conflict {
	cp := c
	cp.PartyClaimIDs = append([]string(nil), c.PartyClaimIDs...)
	if c.Resolution != nil {
		res := *c.Resolution
		res.SacrificedClaimIDs = append([]string(nil), c.Resolution.SacrificedClaimIDs...)
		cp.Resolution = &res
	}
	if c.Suppression != nil {
		sup := *c.Suppression
		cp.Suppression = &sup
	}
	return cp
}

func cloneBaseline(b domain.Baseline) domain.Baseline {
	cp := b
	cp.Value = b.Value.Clone()
	return cp
}

func cloneTradeoff(t domain.Tradeoff) domain.Tradeoff {
	cp := t
	cp.Benefits = append([]string(nil), t.Benefits...)
	cp.Costs = append([]string(nil), t.Costs...)
	cp.Alternatives = append([]string(nil), t.Alternatives...)
	return cp
}

func cloneLineage(edges []domain.LineageEdge) []domain.LineageEdge {
	out := make([]domain.LineageEdge, len(edges))
	for i, e := range edges {
		cp := e
		cp.SourceIDs = append([]string(nil), e.SourceIDs...)
		out[i] = cp
	}
	return out
}

// Store is the in-memory implementation of domain.PersistentStore.
type Store struct {
	mu    sync.RWMutex
	state memoryState
}

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newMemoryState()}
}

// Transaction applies writes to a cloned state that replaces the committed
// state only when the whole transaction function succeeds.
type Transaction struct {
	state *memoryState
}

var _ domain.Transaction = (*Transaction)(nil)

// RunInTransaction executes fn within a transactional copy of the store
// state. Any error leaves the committed state untouched.
func (s *Store) RunInTransaction(_ context.Context, fn func(domain.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	tx := &Transaction{state: &staged}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(&view{state: &snapshot})
}

// Snapshot returns a read view over the transaction's staged state.
func (tx *Transaction) Snapshot() domain.TransactionView {
	return &view{state: tx.state}
}

// PutOrganism inserts or replaces an organism record.
func (tx *Transaction) PutOrganism(o domain.Organism) (domain.Organism, error) {
	if o.ID == "" {
		return domain.Organism{}, fmt.Errorf("organism id required")
	}
	tx.state.organisms[o.ID] = cloneOrganism(o)
	return cloneOrganism(o), nil
}

// UpdateOrganism mutates an organism using the provided mutator function.
func (tx *Transaction) UpdateOrganism(id string, mutator func(*domain.Organism) error) (domain.Organism, error) {
	current, ok := tx.state.organisms[id]
	if !ok {
		return domain.Organism{}, domain.NotFoundError{Kind: "organism", ID: id}
	}
	if err := mutator(&current); err != nil {
		return domain.Organism{}, err
	}
	current.ID = id
	tx.state.organisms[id] = cloneOrganism(current)
	return cloneOrganism(current), nil
}

// PutClaim upserts the live row for the claim's (organism, lens) pair and
// maintains the lens and path indexes.
func (tx *Transaction) PutClaim(c domain.Claim) (domain.Claim, error) {
	if c.ID == "" {
		return domain.Claim{}, fmt.Errorf("claim id required")
	}
	key := lensKey(c.OrganismID, c.LensID)
	if existing, ok := tx.state.claimByLens[key]; ok && existing != c.ID {
		return domain.Claim{}, fmt.Errorf("organism %s already has live claim %s for lens %s", c.OrganismID, existing, c.LensID)
	}
	tx.state.claims[c.ID] = cloneClaim(c)
	tx.state.claimByLens[key] = c.ID
	if c.LensPath != "" {
		tx.state.claimByPath[pathKey(c.OrganismID, c.LensPath)] = c.ID
	}
	return cloneClaim(c), nil
}

// AppendMutation appends a new mutation record. Existing records are never
// replaced through this path.
func (tx *Transaction) AppendMutation(m domain.Mutation) (domain.Mutation, error) {
	if m.ID == "" {
		return domain.Mutation{}, fmt.Errorf("mutation id required")
	}
	if _, exists := tx.state.mutations[m.ID]; exists {
		return domain.Mutation{}, fmt.Errorf("mutation %q already exists", m.ID)
	}
	tx.state.mutations[m.ID] = cloneMutation(m)
	tx.state.mutationOrder = append(tx.state.mutationOrder, m.ID)
	return cloneMutation(m), nil
}

// FinalizeMutation completes a proposed mutation with its terminal evidence
// and status.
func (tx *Transaction) FinalizeMutation(m domain.Mutation) (domain.Mutation, error) {
	existing, ok := tx.state.mutations[m.ID]
	if !ok {
		return domain.Mutation{}, domain.NotFoundError{Kind: "mutation", ID: m.ID}
	}
	if existing.Status != domain.MutationProposed {
		return domain.Mutation{}, domain.InvalidStateError{Kind: "mutation", ID: m.ID, State: string(existing.Status), Want: string(domain.MutationProposed)}
	}
	if m.Status != domain.MutationCommitted && m.Status != domain.MutationRejected {
		return domain.Mutation{}, fmt.Errorf("finalize requires committed or rejected status, got %s", m.Status)
	}
	tx.state.mutations[m.ID] = cloneMutation(m)
	return cloneMutation(m), nil
}

// SetMutationStatus performs the committed to rolled_back transition (and the
// sweeper's proposed to rejected transition).
func (tx *Transaction) SetMutationStatus(id string, status domain.MutationStatus, reason string) (domain.Mutation, error) {
	existing, ok := tx.state.mutations[id]
	if !ok {
		return domain.Mutation{}, domain.NotFoundError{Kind: "mutation", ID: id}
	}
	switch {
	case existing.Status == domain.MutationCommitted && status == domain.MutationRolledBack:
	case existing.Status == domain.MutationProposed && status == domain.MutationRejected:
	default:
		return domain.Mutation{}, domain.InvalidStateError{Kind: "mutation", ID: id, State: string(existing.Status), Want: string(status)}
	}
	existing.Status = status
	if reason != "" {
		existing.RejectReason = reason
	}
	tx.state.mutations[id] = cloneMutation(existing)
	return cloneMutation(existing), nil
}

// AppendConflict appends a new conflict record.
func (tx *Transaction) AppendConflict(c domain.Conflict) (domain.Conflict, error) {
	if c.ID == "" {
		return domain.Conflict{}, fmt.Errorf("conflict id required")
	}
	if _, exists := tx.state.conflicts[c.ID]; exists {
		return domain.Conflict{}, fmt.Errorf("conflict %q already exists", c.ID)
	}
	tx.state.conflicts[c.ID] = cloneConflict(c)
	tx.state.conflictOrder = append(tx.state.conflictOrder, c.ID)
	return cloneConflict(c), nil
}

// ResolveConflict records a resolution. Only status and resolution change;
// the row itself is permanent.
func (tx *Transaction) ResolveConflict(id string, res domain.Resolution) (domain.Conflict, error) {
	existing, ok := tx.state.conflicts[id]
	if !ok {
		return domain.Conflict{}, domain.NotFoundError{Kind: "conflict", ID: id}
	}
	if existing.Status == domain.ConflictResolved {
		return domain.Conflict{}, domain.InvalidStateError{Kind: "conflict", ID: id, State: string(existing.Status), Want: string(domain.ConflictOpen)}
	}
	existing.Status = domain.ConflictResolved
	existing.Resolution = &res
	existing.Suppression = nil
	tx.state.conflicts[id] = cloneConflict(existing)
	return cloneConflict(existing), nil
}

// SuppressConflict marks a conflict suppressed without resolving it.
func (tx *Transaction) SuppressConflict(id string, sup domain.Suppression) (domain.Conflict, error) {
	existing, ok := tx.state.conflicts[id]
	if !ok {
		return domain.Conflict{}, domain.NotFoundError{Kind: "conflict", ID: id}
	}
	if existing.Status == domain.ConflictResolved {
		return domain.Conflict{}, domain.InvalidStateError{Kind: "conflict", ID: id, State: string(existing.Status), Want: string(domain.ConflictOpen)}
	}
	existing.Status = domain.ConflictSuppressed
	existing.Suppression = &sup
	tx.state.conflicts[id] = cloneConflict(existing)
	return cloneConflict(existing), nil
}

// ReopenConflict returns a suppressed conflict to open.
func (tx *Transaction) ReopenConflict(id string) (domain.Conflict, error) {
	existing, ok := tx.state.conflicts[id]
	if !ok {
		return domain.Conflict{}, domain.NotFoundError{Kind: "conflict", ID: id}
	}
	if existing.Status != domain.ConflictSuppressed {
		return domain.Conflict{}, domain.InvalidStateError{Kind: "conflict", ID: id, State: string(existing.Status), Want: string(domain.ConflictSuppressed)}
	}
	existing.Status = domain.ConflictOpen
	existing.Suppression = nil
	tx.state.conflicts[id] = cloneConflict(existing)
	return cloneConflict(existing), nil
}

// AppendBaseline appends an immutable baseline snapshot.
func (tx *Transaction) AppendBaseline(b domain.Baseline) (domain.Baseline, error) {
	if b.ID == "" {
		return domain.Baseline{}, fmt.Errorf("baseline id required")
	}
	if _, exists := tx.state.baselines[b.ID]; exists {
		return domain.Baseline{}, fmt.Errorf("baseline %q already exists", b.ID)
	}
	if _, ok := tx.state.claims[b.ClaimID]; !ok {
		return domain.Baseline{}, domain.NotFoundError{Kind: "claim", ID: b.ClaimID}
	}
	tx.state.baselines[b.ID] = cloneBaseline(b)
	return cloneBaseline(b), nil
}

// SetClaimBaseline repoints a claim's active baseline reference.
func (tx *Transaction) SetClaimBaseline(claimID string, baselineID *string) (domain.Claim, error) {
	claim, ok := tx.state.claims[claimID]
	if !ok {
		return domain.Claim{}, domain.NotFoundError{Kind: "claim", ID: claimID}
	}
	if baselineID != nil {
		if _, ok := tx.state.baselines[*baselineID]; !ok {
			return domain.Claim{}, domain.NotFoundError{Kind: "baseline", ID: *baselineID}
		}
	}
	claim.BaselineID = baselineID
	tx.state.claims[claimID] = cloneClaim(claim)
	return cloneClaim(claim), nil
}

// AppendDrift appends a drift measurement.
func (tx *Transaction) AppendDrift(d domain.Drift) (domain.Drift, error) {
	if d.ID == "" {
		return domain.Drift{}, fmt.Errorf("drift id required")
	}
	tx.state.drifts = append(tx.state.drifts, d)
	return d, nil
}

// AppendTradeoff appends a tradeoff record.
func (tx *Transaction) AppendTradeoff(t domain.Tradeoff) (domain.Tradeoff, error) {
	if t.ID == "" {
		return domain.Tradeoff{}, fmt.Errorf("tradeoff id required")
	}
	if _, exists := tx.state.tradeoffs[t.ID]; exists {
		return domain.Tradeoff{}, fmt.Errorf("tradeoff %q already exists", t.ID)
	}
	tx.state.tradeoffs[t.ID] = cloneTradeoff(t)
	return cloneTradeoff(t), nil
}

// AppendLineage appends a provenance edge.
func (tx *Transaction) AppendLineage(e domain.LineageEdge) (domain.LineageEdge, error) {
	if e.ID == "" {
		return domain.LineageEdge{}, fmt.Errorf("lineage id required")
	}
	tx.state.lineage = append(tx.state.lineage, e)
	return e, nil
}

// view implements domain.TransactionView over a memoryState.
type view struct {
	state *memoryState
}

var _ domain.TransactionView = (*view)(nil)

func (v *view) GetOrganism(id string) (domain.Organism, bool) {
	o, ok := v.state.organisms[id]
	if !ok {
		return domain.Organism{}, false
	}
	return cloneOrganism(o), true
}

func (v *view) ListOrganisms() []domain.Organism {
	out := make([]domain.Organism, 0, len(v.state.organisms))
	for _, o := range v.state.organisms {
		out = append(out, cloneOrganism(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *view) GetClaim(id string) (domain.Claim, bool) {
	c, ok := v.state.claims[id]
	if !ok {
		return domain.Claim{}, false
	}
	return cloneClaim(c), true
}

func (v *view) FindClaim(organismID, lensID string) (domain.Claim, bool) {
	id, ok := v.state.claimByLens[lensKey(organismID, lensID)]
	if !ok {
		return domain.Claim{}, false
	}
	return v.GetClaim(id)
}

func (v *view) FindClaimByPath(organismID, cluster, key string) (domain.Claim, bool) {
	id, ok := v.state.claimByPath[pathKey(organismID, cluster+"/"+key)]
	if !ok {
		return domain.Claim{}, false
	}
	return v.GetClaim(id)
}

func (v *view) ListClaims(organismID string) []domain.Claim {
	var out []domain.Claim
	for _, c := range v.state.claims {
		if c.OrganismID == organismID {
			out = append(out, cloneClaim(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LensPath < out[j].LensPath })
	return out
}

func (v *view) GetMutation(id string) (domain.Mutation, bool) {
	m, ok := v.state.mutations[id]
	if !ok {
		return domain.Mutation{}, false
	}
	return cloneMutation(m), true
}

func (v *view) ListMutations(organismID string) []domain.Mutation {
	var out []domain.Mutation
	for _, id := range v.state.mutationOrder {
		m := v.state.mutations[id]
		if m.OrganismID == organismID {
			out = append(out, cloneMutation(m))
		}
	}
	return out
}

func (v *view) ListProposedBefore(cutoff time.Time) []domain.Mutation {
	var out []domain.Mutation
	for _, id := range v.state.mutationOrder {
		m := v.state.mutations[id]
		if m.Status == domain.MutationProposed && m.CreatedAt.Before(cutoff) {
			out = append(out, cloneMutation(m))
		}
	}
	return out
}

func (v *view) GetConflict(id string) (domain.Conflict, bool) {
	c, ok := v.state.conflicts[id]
	if !ok {
		return domain.Conflict{}, false
	}
	return cloneConflict(c), true
}

func (v *view) ListConflicts(organismID string) []domain.Conflict {
	var out []domain.Conflict
	for _, id := range v.state.conflictOrder {
		c := v.state.conflicts[id]
		if organismID == "" || c.OrganismID == organismID {
			out = append(out, cloneConflict(c))
		}
	}
	return out
}

func (v *view) GetBaseline(id string) (domain.Baseline, bool) {
	b, ok := v.state.baselines[id]
	if !ok {
		return domain.Baseline{}, false
	}
	return cloneBaseline(b), true
}

func (v *view) ListDrift(claimID string) []domain.Drift {
	var out []domain.Drift
	for _, d := range v.state.drifts {
		if d.ClaimID == claimID {
			out = append(out, d)
		}
	}
	return out
}

func (v *view) GetTradeoff(id string) (domain.Tradeoff, bool) {
	t, ok := v.state.tradeoffs[id]
	if !ok {
		return domain.Tradeoff{}, false
	}
	return cloneTradeoff(t), true
}

func (v *view) ListLineage(entityID string) []domain.LineageEdge {
	var out []domain.LineageEdge
	for _, e := range v.state.lineage {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return cloneLineage(out)
}

// Read helpers ---------------------------------------------------------------

// GetOrganism retrieves an organism by id from committed state.
func (s *Store) GetOrganism(id string) (domain.Organism, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).GetOrganism(id)
}

// ListOrganisms returns all organisms from committed state.
func (s *Store) ListOrganisms() []domain.Organism {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).ListOrganisms()
}

// GetClaim retrieves a claim by id.
func (s *Store) GetClaim(id string) (domain.Claim, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).GetClaim(id)
}

// FindClaim retrieves the live claim for an (organism, lens) pair.
func (s *Store) FindClaim(organismID, lensID string) (domain.Claim, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).FindClaim(organismID, lensID)
}

// ListClaims returns all claims for an organism.
func (s *Store) ListClaims(organismID string) []domain.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).ListClaims(organismID)
}

// GetMutation retrieves a mutation by id.
func (s *Store) GetMutation(id string) (domain.Mutation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).GetMutation(id)
}

// ListMutations returns an organism's mutations in append order.
func (s *Store) ListMutations(organismID string) []domain.Mutation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).ListMutations(organismID)
}

// GetConflict retrieves a conflict by id.
func (s *Store) GetConflict(id string) (domain.Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).GetConflict(id)
}

// ListConflicts returns conflicts for an organism (all organisms when empty).
func (s *Store) ListConflicts(organismID string) []domain.Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).ListConflicts(organismID)
}

// ListLineage returns lineage edges for an entity.
func (s *Store) ListLineage(entityID string) []domain.LineageEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&view{state: &s.state}).ListLineage(entityID)
}
