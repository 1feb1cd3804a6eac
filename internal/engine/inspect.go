package engine

import (
	"context"
	"fmt"

	"coherencecore/pkg/domain"

	"github.com/google/uuid"
)

// Explanation traces how a claim reached its current state: the provenance
// edges plus every committed mutation that touched it, oldest first.
type Explanation struct {
	Claim     domain.Claim         `json:"claim"`
	Lens      domain.Lens          `json:"lens"`
	Lineage   []domain.LineageEdge `json:"lineage,omitempty"`
	Mutations []domain.Mutation    `json:"mutations"`
}

// Explain reconstructs the history of one claim from the mutation log.
func (e *Engine) Explain(ctx context.Context, claimID string) (Explanation, error) {
	var out Explanation
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		claim, ok := view.GetClaim(claimID)
		if !ok {
			return domain.NotFoundError{Kind: "claim", ID: claimID}
		}
		out.Claim = claim
		if lens, ok := e.registry.Lens(claim.LensID); ok {
			out.Lens = lens
		}
		out.Lineage = view.ListLineage(claimID)
		for _, m := range view.ListMutations(claim.OrganismID) {
			if m.Status != domain.MutationCommitted && m.Status != domain.MutationRolledBack {
				continue
			}
			for _, fc := range m.Changes {
				if fc.ClaimID == claimID {
					out.Mutations = append(out.Mutations, m)
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return Explanation{}, err
	}
	return out, nil
}

// FieldDelta is one claim-level difference between two points in the
// mutation chain.
type FieldDelta struct {
	ClaimID  string             `json:"claim_id"`
	LensPath string             `json:"lens_path"`
	Before   *domain.ClaimState `json:"before,omitempty"`
	After    domain.ClaimState  `json:"after"`
}

// Diff folds the committed changes between two mutations of one organism into
// per-claim deltas: the earliest before state against the latest after state.
// From is exclusive, to is inclusive; an empty from diffs from the beginning.
func (e *Engine) Diff(ctx context.Context, organismID, fromMutationID, toMutationID string) ([]FieldDelta, error) {
	var deltas []FieldDelta
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		mutations := view.ListMutations(organismID)
		start := 0
		if fromMutationID != "" {
			found := false
			for i, m := range mutations {
				if m.ID == fromMutationID {
					start = i + 1
					found = true
					break
				}
			}
			if !found {
				return domain.NotFoundError{Kind: "mutation", ID: fromMutationID}
			}
		}
		end := -1
		for i, m := range mutations {
			if m.ID == toMutationID {
				end = i
				break
			}
		}
		if end < 0 {
			return domain.NotFoundError{Kind: "mutation", ID: toMutationID}
		}
		if end < start {
			return fmt.Errorf("mutation %s precedes %s", toMutationID, fromMutationID)
		}

		type acc struct {
			first *domain.FieldChange
			last  *domain.FieldChange
		}
		folded := make(map[string]*acc)
		var order []string
		for _, m := range mutations[start : end+1] {
			if m.Status != domain.MutationCommitted && m.Status != domain.MutationRolledBack {
				continue
			}
			for i := range m.Changes {
				fc := m.Changes[i]
				a, ok := folded[fc.ClaimID]
				if !ok {
					a = &acc{first: &fc}
					folded[fc.ClaimID] = a
					order = append(order, fc.ClaimID)
				}
				a.last = &fc
			}
		}
		for _, claimID := range order {
			a := folded[claimID]
			delta := FieldDelta{ClaimID: claimID, Before: a.first.Before, After: a.last.After}
			if lens, ok := e.registry.Lens(a.last.LensID); ok {
				delta.LensPath = lens.Path()
			}
			deltas = append(deltas, delta)
		}
		return nil
	})
	return deltas, err
}

// Simulate validates a proposal without persisting anything: no mutation
// record, no claims, no conflicts. The report is what Commit would see if the
// state does not move underneath.
func (e *Engine) Simulate(ctx context.Context, p Proposal) (domain.ValidationReport, error) {
	if len(p.Changes) == 0 {
		return domain.ValidationReport{}, domain.EmptyChangeSetError{OrganismID: p.OrganismID}
	}
	var report domain.ValidationReport
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.GetOrganism(p.OrganismID); !ok {
			return domain.NotFoundError{Kind: "organism", ID: p.OrganismID}
		}
		changes := make([]domain.FieldChange, 0, len(p.Changes))
		for _, cr := range p.Changes {
			lens, ok := e.resolveLens(cr.Lens)
			if !ok {
				return domain.UnknownLensError{LensID: cr.Lens}
			}
			fc := domain.FieldChange{LensID: lens.ID}
			if claim, exists := view.FindClaim(p.OrganismID, lens.ID); exists {
				fc.ClaimID = claim.ID
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
		m := domain.Mutation{OrganismID: p.OrganismID, Changes: changes}
		var err error
		report, err = e.validate(view, m)
		return err
	})
	return report, err
}

// History returns an organism's mutation log, oldest first.
func (e *Engine) History(ctx context.Context, organismID string) ([]domain.Mutation, error) {
	var out []domain.Mutation
	err := e.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.GetOrganism(organismID); !ok {
			return domain.NotFoundError{Kind: "organism", ID: organismID}
		}
		out = view.ListMutations(organismID)
		return nil
	})
	return out, err
}
