package domain

import (
	"context"
	"time"
)

// Transaction exposes the write operations a persistence implementation must
// support within an atomic scope. Append-only invariants are structural:
// mutation, baseline, drift, tradeoff, and lineage records can only be
// appended, and conflicts only change status and resolution.
type Transaction interface {
	Snapshot() TransactionView
	PutOrganism(Organism) (Organism, error)
	UpdateOrganism(id string, mutator func(*Organism) error) (Organism, error)
	// PutClaim upserts the single live row for the claim's (organism, lens)
	// pair. History lives only in the mutation log.
	PutClaim(Claim) (Claim, error)
	AppendMutation(Mutation) (Mutation, error)
	// FinalizeMutation completes a proposed mutation with its validation
	// evidence, conflict ids, tradeoff ids, and terminal status. Only legal
	// while the record is still proposed.
	FinalizeMutation(Mutation) (Mutation, error)
	// SetMutationStatus performs the committed -> rolled_back transition.
	SetMutationStatus(id string, status MutationStatus, reason string) (Mutation, error)
	AppendConflict(Conflict) (Conflict, error)
	ResolveConflict(id string, res Resolution) (Conflict, error)
	SuppressConflict(id string, sup Suppression) (Conflict, error)
	ReopenConflict(id string) (Conflict, error)
	AppendBaseline(Baseline) (Baseline, error)
	// SetClaimBaseline repoints a claim's active baseline reference without
	// altering prior baseline records.
	SetClaimBaseline(claimID string, baselineID *string) (Claim, error)
	AppendDrift(Drift) (Drift, error)
	AppendTradeoff(Tradeoff) (Tradeoff, error)
	AppendLineage(LineageEdge) (LineageEdge, error)
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	GetOrganism(id string) (Organism, bool)
	ListOrganisms() []Organism
	GetClaim(id string) (Claim, bool)
	FindClaim(organismID, lensID string) (Claim, bool)
	// FindClaimByPath looks up the live claim by (organism, cluster, key).
	FindClaimByPath(organismID, cluster, key string) (Claim, bool)
	ListClaims(organismID string) []Claim
	GetMutation(id string) (Mutation, bool)
	ListMutations(organismID string) []Mutation
	// ListProposedBefore returns proposed mutations created before the cutoff,
	// for the abandonment sweeper.
	ListProposedBefore(cutoff time.Time) []Mutation
	GetConflict(id string) (Conflict, bool)
	ListConflicts(organismID string) []Conflict
	GetBaseline(id string) (Baseline, bool)
	ListDrift(claimID string) []Drift
	GetTradeoff(id string) (Tradeoff, bool)
	ListLineage(entityID string) []LineageEdge
}

// PersistentStore is the minimal abstraction over durable backends: atomic
// multi-record transactions plus the point and indexed lookups higher layers
// use directly.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error
	GetOrganism(id string) (Organism, bool)
	ListOrganisms() []Organism
	GetClaim(id string) (Claim, bool)
	FindClaim(organismID, lensID string) (Claim, bool)
	ListClaims(organismID string) []Claim
	GetMutation(id string) (Mutation, bool)
	ListMutations(organismID string) []Mutation
	GetConflict(id string) (Conflict, bool)
	ListConflicts(organismID string) []Conflict
	ListLineage(entityID string) []LineageEdge
}
