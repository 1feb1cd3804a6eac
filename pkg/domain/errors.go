package domain

import (
	"errors"
	"fmt"
	"time"
)

// Retryable sentinel causes: callers should re-validate against fresh state
// and retry the commit.
var (
	// ErrStaleVersion reports that a touched claim changed between propose
	// and commit.
	ErrStaleVersion = errors.New("stale claim version")
	// ErrLockTimeout reports that the per-organism commit lock could not be
	// acquired within the bounded wait.
	ErrLockTimeout = errors.New("commit lock timeout")
)

// UnknownLensError reports a proposed change naming a lens absent from the
// registry. Caller mistake; no state change occurs.
type UnknownLensError struct {
	LensID string
}

func (e UnknownLensError) Error() string {
	return fmt.Sprintf("unknown lens %q", e.LensID)
}

// EmptyChangeSetError reports a proposal carrying no changes.
type EmptyChangeSetError struct {
	OrganismID string
}

func (e EmptyChangeSetError) Error() string {
	return fmt.Sprintf("mutation for organism %q has no changes", e.OrganismID)
}

// UnknownOperatorError is a hard engine error, distinct from a constraint
// failing its own rule: the expression tree names an operator the dispatch
// table does not know.
type UnknownOperatorError struct {
	Operator Op
}

func (e UnknownOperatorError) Error() string {
	return fmt.Sprintf("unknown constraint operator %q", e.Operator)
}

// HardFailError rejects a commit because at least one hard constraint failed.
// The mutation transitions to rejected and is retained for audit.
type HardFailError struct {
	MutationID string
	Report     ValidationReport
}

func (e HardFailError) Error() string {
	return fmt.Sprintf("mutation %s blocked by %d hard constraint failure(s)", e.MutationID, len(e.Report.Hard))
}

// TradeoffRequiredError rejects a commit because soft failures exist and no
// tradeoff was supplied.
type TradeoffRequiredError struct {
	MutationID string
	Report     ValidationReport
}

func (e TradeoffRequiredError) Error() string {
	return fmt.Sprintf("mutation %s has %d soft failure(s) and no tradeoff", e.MutationID, len(e.Report.Soft))
}

// StaleRollbackError refuses a rollback that would clobber intervening
// writes to the same claims.
type StaleRollbackError struct {
	MutationID string
	ClaimID    string
}

func (e StaleRollbackError) Error() string {
	return fmt.Sprintf("mutation %s cannot be rolled back: claim %s has newer writes", e.MutationID, e.ClaimID)
}

// NotFoundError reports a missing record by type and id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidStateError reports an operation applied to a record in the wrong
// lifecycle state, such as committing an already committed mutation.
type InvalidStateError struct {
	Kind  string
	ID    string
	State string
	Want  string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s %q is %s, want %s", e.Kind, e.ID, e.State, e.Want)
}

// SuppressionExpiredError reports an attempt to rely on a lapsed suppression.
type SuppressionExpiredError struct {
	ConflictID string
	ExpiredAt  time.Time
}

func (e SuppressionExpiredError) Error() string {
	return fmt.Sprintf("suppression of conflict %s expired at %s", e.ConflictID, e.ExpiredAt.Format(time.RFC3339))
}

// IsRetryable reports whether the error is a concurrency outcome the caller
// should retry after re-validating.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrLockTimeout)
}
