// Package domain defines the persistent record types, the constraint
// expression vocabulary, and the persistence contracts of the mutation and
// constraint engine.
package domain

import "time"

// SchemaVersion is the current schema version stamped on new records.
const SchemaVersion = 1

// Base carries the mandatory fields shared by every durable record: a unique
// id, the record schema version, and the creation timestamp.
type Base struct {
	ID            string    `json:"id"`
	SchemaVersion int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Organism is the subject being modeled. Organisms are never deleted; the
// append-only philosophy extends to the subject level.
type Organism struct {
	Base
	Type           string    `json:"type"`
	Name           string    `json:"name"`
	Tags           []string  `json:"tags"`
	LastMutationID *string   `json:"last_mutation_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Lens is a named, versioned definition of a measurable attribute: cluster
// plus key (unique together), value shape, default weight, and an optional
// resolver describing how raw inputs map to a value. Lenses are reference
// data and immutable once referenced by a claim.
type Lens struct {
	Base
	Cluster       string     `json:"cluster" yaml:"cluster"`
	Key           string     `json:"key" yaml:"key"`
	Name          string     `json:"name" yaml:"name"`
	Kind          ValueKind  `json:"value_kind" yaml:"value_kind"`
	DefaultWeight float64    `json:"default_weight" yaml:"default_weight"`
	Resolver      *string    `json:"resolver,omitempty" yaml:"resolver,omitempty"`
	DeprecatedAt  *time.Time `json:"deprecated_at,omitempty" yaml:"deprecated_at,omitempty"`
}

// Path returns the cluster-qualified lens address.
func (l Lens) Path() string {
	return l.Cluster + "/" + l.Key
}

// Claim is the atomic unit of meaning: the live value of one lens for one
// organism. At most one live claim exists per (organism, lens) pair; prior
// values live only in the mutation log.
type Claim struct {
	Base
	OrganismID string `json:"organism_id"`
	LensID     string `json:"lens_id"`
	// LensPath denormalizes cluster/key so stores can index claims by
	// (organism, cluster, key) without consulting the lens registry.
	LensPath        string    `json:"lens_path"`
	Value           Value     `json:"value"`
	Weight          float64   `json:"weight"`
	ConstraintSetID *string   `json:"constraint_set_id,omitempty"`
	BaselineID      *string   `json:"baseline_id,omitempty"`
	RecordVersion   int64     `json:"record_version"`
	LastMutationID  string    `json:"last_mutation_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ActorType classifies the origin of a mutation.
type ActorType string

// Actor origins accepted by the engine. Every commit requires one.
const (
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
	// ActorReport marks changes translated from an upstream
	// investigation/verification report.
	ActorReport ActorType = "report"
)

// Actor identifies who (or what) proposed a mutation.
type Actor struct {
	Type  ActorType `json:"type"`
	ID    string    `json:"id"`
	Label string    `json:"label,omitempty"`
}

// IsZero reports whether the actor identity is empty.
func (a Actor) IsZero() bool {
	return a.Type == "" && a.ID == ""
}

// ClaimState snapshots the mutable portion of a claim inside a field change.
type ClaimState struct {
	Value  Value   `json:"value"`
	Weight float64 `json:"weight"`
}

// FieldChange records one claim-level edit inside a mutation: the claim, the
// state before, and the state after. Created marks claims that did not exist
// before the mutation.
type FieldChange struct {
	ClaimID       string      `json:"claim_id"`
	LensID        string      `json:"lens_id"`
	Before        *ClaimState `json:"before,omitempty"`
	After         ClaimState  `json:"after"`
	Created       bool        `json:"created,omitempty"`
	BeforeVersion int64       `json:"before_version"`
	AfterVersion  int64       `json:"after_version,omitempty"`
}

// MutationStatus tracks a mutation through its lifecycle. Records are never
// edited after creation except for these status transitions.
type MutationStatus string

// Mutation lifecycle states.
const (
	MutationProposed   MutationStatus = "proposed"
	MutationCommitted  MutationStatus = "committed"
	MutationRejected   MutationStatus = "rejected"
	MutationRolledBack MutationStatus = "rolled_back"
)

// Mutation is an immutable record of one committed or rejected write: actor,
// intent, the ordered change set, validation evidence, conflicts created, and
// a link to the previous mutation touching the same organism.
type Mutation struct {
	Base
	OrganismID     string         `json:"organism_id"`
	Actor          Actor          `json:"actor"`
	Intent         string         `json:"intent,omitempty"`
	Changes        []FieldChange  `json:"changes"`
	TradeoffIDs    []string       `json:"tradeoff_ids,omitempty"`
	Evaluations    []Evaluation   `json:"evaluations,omitempty"`
	ConflictIDs    []string       `json:"conflict_ids,omitempty"`
	Status         MutationStatus `json:"status"`
	PrevMutationID *string        `json:"prev_mutation_id,omitempty"`
	ReversesID     *string        `json:"reverses_id,omitempty"`
	RejectReason   string         `json:"reject_reason,omitempty"`
	CommittedAt    *time.Time     `json:"committed_at,omitempty"`
}

// ConstraintSeverity decides commit behavior on failure.
type ConstraintSeverity string

// Constraint severities: hard failures block commit, soft failures require an
// attached tradeoff.
const (
	SeverityHard ConstraintSeverity = "hard"
	SeveritySoft ConstraintSeverity = "soft"
)

// ConstraintScope selects which claims a constraint applies to.
type ConstraintScope string

// Constraint scopes, from narrowest to widest.
const (
	ScopeClaim    ConstraintScope = "claim"
	ScopeLens     ConstraintScope = "lens"
	ScopeCluster  ConstraintScope = "cluster"
	ScopeOrganism ConstraintScope = "organism"
	ScopeGlobal   ConstraintScope = "global"
)

// ConstraintTarget names the records a scoped constraint binds to. Which
// field is consulted depends on Scope.
type ConstraintTarget struct {
	ClaimIDs   []string `json:"claim_ids,omitempty" yaml:"claim_ids,omitempty"`
	LensIDs    []string `json:"lens_ids,omitempty" yaml:"lens_ids,omitempty"`
	Cluster    string   `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	OrganismID string   `json:"organism_id,omitempty" yaml:"organism_id,omitempty"`
}

// Constraint is a declarative rule bounding valid claim states. Constraints
// are immutable once created; behavior changes ship as a new constraint
// version superseding the old.
type Constraint struct {
	Base
	Name         string             `json:"name" yaml:"name"`
	Severity     ConstraintSeverity `json:"severity" yaml:"severity"`
	Scope        ConstraintScope    `json:"scope" yaml:"scope"`
	Target       ConstraintTarget   `json:"target" yaml:"target"`
	Guard        *Expr              `json:"guard,omitempty" yaml:"guard,omitempty"`
	Rule         Expr               `json:"rule" yaml:"rule"`
	Supersedes   *string            `json:"supersedes,omitempty" yaml:"supersedes,omitempty"`
	DeprecatedAt *time.Time         `json:"deprecated_at,omitempty" yaml:"deprecated_at,omitempty"`
}

// Active reports whether the constraint participates in evaluation.
func (c Constraint) Active() bool {
	return c.DeprecatedAt == nil
}

// Evaluation is the per-constraint outcome produced during validation. The
// evidence must be sufficient to reconstruct why without re-running.
type Evaluation struct {
	ConstraintID   string             `json:"constraint_id"`
	ConstraintName string             `json:"constraint_name"`
	Severity       ConstraintSeverity `json:"severity"`
	Passed         bool               `json:"passed"`
	Evidence       Evidence           `json:"evidence"`
}

// ValidationReport classifies every applicable constraint outcome for a
// proposed mutation.
type ValidationReport struct {
	MutationID string       `json:"mutation_id"`
	Hard       []Evaluation `json:"hard_failures"`
	Soft       []Evaluation `json:"soft_failures"`
	Passed     []Evaluation `json:"passed"`
}

// HasHardFailures reports whether any hard constraint failed.
func (r ValidationReport) HasHardFailures() bool {
	return len(r.Hard) > 0
}

// NeedsTradeoff reports whether soft failures require an attached tradeoff.
func (r ValidationReport) NeedsTradeoff() bool {
	return len(r.Soft) > 0
}

// Evaluations flattens the report back into the mutation's evidence list.
func (r ValidationReport) Evaluations() []Evaluation {
	out := make([]Evaluation, 0, len(r.Hard)+len(r.Soft)+len(r.Passed))
	out = append(out, r.Hard...)
	out = append(out, r.Soft...)
	out = append(out, r.Passed...)
	return out
}

// ConflictType classifies how a conflict was detected.
type ConflictType string

// Conflict detector origins.
const (
	ConflictExclusion ConflictType = "exclusion-constraint"
	ConflictBaseline  ConflictType = "baseline-violation"
	ConflictDerived   ConflictType = "derived"
)

// ConflictStatus tracks conflict disposition. There is no deleted state.
type ConflictStatus string

// Conflict statuses. Rows are permanent; only status and resolution change.
const (
	ConflictOpen       ConflictStatus = "open"
	ConflictResolved   ConflictStatus = "resolved"
	ConflictSuppressed ConflictStatus = "suppressed"
)

// SeverityBucket is the monotone bucketing of a 0-1 conflict severity.
type SeverityBucket string

// Severity buckets, ordered.
const (
	BucketLow         SeverityBucket = "low"
	BucketMedium      SeverityBucket = "medium"
	BucketHigh        SeverityBucket = "high"
	BucketExistential SeverityBucket = "existential"
)

// Resolution records how an open conflict was settled.
type Resolution struct {
	Strategy           string    `json:"strategy"`
	ChosenClaimID      string    `json:"chosen_claim_id,omitempty"`
	SacrificedClaimIDs []string  `json:"sacrificed_claim_ids,omitempty"`
	TradeoffID         string    `json:"tradeoff_id"`
	MutationID         string    `json:"mutation_id,omitempty"`
	ResolvedAt         time.Time `json:"resolved_at"`
}

// Suppression defers a conflict without resolving it. Expired suppressions
// must be treated as open by every reader.
type Suppression struct {
	Reason     string    `json:"reason"`
	ExpiresAt  time.Time `json:"expires_at"`
	ApprovedBy Actor     `json:"approved_by"`
}

// Conflict is materialized evidence that two or more claims cannot both hold
// under the active constraints. Rows are permanent.
type Conflict struct {
	Base
	Type               ConflictType   `json:"type"`
	Status             ConflictStatus `json:"status"`
	Severity           float64        `json:"severity"`
	Bucket             SeverityBucket `json:"bucket"`
	OrganismID         string         `json:"organism_id"`
	PartyClaimIDs      []string       `json:"parties"`
	OriginConstraintID string         `json:"origin_constraint_id,omitempty"`
	OriginMutationID   string         `json:"origin_mutation_id,omitempty"`
	Resolution         *Resolution    `json:"resolution,omitempty"`
	Suppression        *Suppression   `json:"suppression,omitempty"`
}

// EffectiveStatus resolves suppression expiry: a suppressed conflict whose
// window has lapsed counts as open again.
func (c Conflict) EffectiveStatus(now time.Time) ConflictStatus {
	if c.Status == ConflictSuppressed && c.Suppression != nil && !now.Before(c.Suppression.ExpiresAt) {
		return ConflictOpen
	}
	return c.Status
}

// Baseline is an immutable snapshot of a claim's value with a capture reason
// and a content hash for integrity verification.
type Baseline struct {
	Base
	ClaimID string  `json:"claim_id"`
	Value   Value   `json:"value"`
	Weight  float64 `json:"weight"`
	Reason  string  `json:"reason"`
	Hash    string  `json:"hash"`
}

// Drift is an append-only measurement of distance between a claim's current
// value and its baseline, captured whenever drift is evaluated.
type Drift struct {
	Base
	ClaimID    string  `json:"claim_id"`
	BaselineID string  `json:"baseline_id"`
	Distance   float64 `json:"distance"`
	Weighted   float64 `json:"weighted"`
}

// Tradeoff is the mandatory justification attached whenever a decision
// knowingly accepts a soft-constraint violation or resolves a conflict by
// sacrifice.
type Tradeoff struct {
	Base
	Decision     string   `json:"decision"`
	Benefits     []string `json:"benefits,omitempty"`
	Costs        []string `json:"costs,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	AcceptedBy   Actor    `json:"accepted_by"`
}

// LineageOp describes how an entity came to exist relative to its sources.
type LineageOp string

// Lineage operation kinds. Unlike the linear mutation chain, lineage edges
// form a general DAG supporting derive/merge/split relationships.
const (
	LineageCreate LineageOp = "create"
	LineageDerive LineageOp = "derive"
	LineageMerge  LineageOp = "merge"
	LineageSplit  LineageOp = "split"
	LineageRevert LineageOp = "revert"
)

// LineageEdge is one append-only provenance edge.
type LineageEdge struct {
	Base
	EntityID  string    `json:"entity_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Op        LineageOp `json:"op"`
	SourceIDs []string  `json:"source_ids,omitempty"`
	Actor     Actor     `json:"actor"`
}

// CoherenceReport is the normalized health summary returned by evaluate.
type CoherenceReport struct {
	OrganismID       string       `json:"organism_id"`
	Score            float64      `json:"score"`
	ConflictBurden   float64      `json:"conflict_burden"`
	ConstraintBurden float64      `json:"constraint_burden"`
	DriftBurden      float64      `json:"drift_burden"`
	OpenConflicts    []Conflict   `json:"open_conflicts,omitempty"`
	FailingRules     []Evaluation `json:"failing_rules,omitempty"`
	ComputedAt       time.Time    `json:"computed_at"`
}
