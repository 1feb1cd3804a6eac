package memory

import (
	"sort"

	"coherencecore/pkg/domain"
)

// Snapshot captures a point-in-time clone of the store state for durable
// backends that persist the whole state as serialized buckets.
type Snapshot struct {
	Organisms []domain.Organism    `json:"organisms"`
	Claims    []domain.Claim       `json:"claims"`
	Mutations []domain.Mutation    `json:"mutations"`
	Conflicts []domain.Conflict    `json:"conflicts"`
	Baselines []domain.Baseline    `json:"baselines"`
	Drifts    []domain.Drift       `json:"drifts"`
	Tradeoffs []domain.Tradeoff    `json:"tradeoffs"`
	Lineage   []domain.LineageEdge `json:"lineage"`
}

// ExportState returns a deterministic snapshot of the committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{}
	for _, o := range s.state.organisms {
		snap.Organisms = append(snap.Organisms, cloneOrganism(o))
	}
	sort.Slice(snap.Organisms, func(i, j int) bool { return snap.Organisms[i].ID < snap.Organisms[j].ID })
	for _, c := range s.state.claims {
		snap.Claims = append(snap.Claims, cloneClaim(c))
	}
	sort.Slice(snap.Claims, func(i, j int) bool { return snap.Claims[i].ID < snap.Claims[j].ID })
	for _, id := range s.state.mutationOrder {
		snap.Mutations = append(snap.Mutations, cloneMutation(s.state.mutations[id]))
	}
	for _, id := range s.state.conflictOrder {
		snap.Conflicts = append(snap.Conflicts, cloneConflict(s.state.conflicts[id]))
	}
	for _, b := range s.state.baselines {
		snap.Baselines = append(snap.Baselines, cloneBaseline(b))
	}
	sort.Slice(snap.Baselines, func(i, j int) bool { return snap.Baselines[i].ID < snap.Baselines[j].ID })
	snap.Drifts = append([]domain.Drift(nil), s.state.drifts...)
	for _, t := range s.state.tradeoffs {
		snap.Tradeoffs = append(snap.Tradeoffs, cloneTradeoff(t))
	}
	sort.Slice(snap.Tradeoffs, func(i, j int) bool { return snap.Tradeoffs[i].ID < snap.Tradeoffs[j].ID })
	snap.Lineage = cloneLineage(s.state.lineage)
	return snap
}

// ImportState replaces the committed state with the snapshot contents,
// rebuilding the claim indexes.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := newMemoryState()
	for _, o := range snap.Organisms {
		state.organisms[o.ID] = cloneOrganism(o)
	}
	for _, c := range snap.Claims {
		state.claims[c.ID] = cloneClaim(c)
		state.claimByLens[lensKey(c.OrganismID, c.LensID)] = c.ID
		if c.LensPath != "" {
			state.claimByPath[pathKey(c.OrganismID, c.LensPath)] = c.ID
		}
	}
	for _, m := range snap.Mutations {
		state.mutations[m.ID] = cloneMutation(m)
		state.mutationOrder = append(state.mutationOrder, m.ID)
	}
	for _, c := range snap.Conflicts {
		state.conflicts[c.ID] = cloneConflict(c)
		state.conflictOrder = append(state.conflictOrder, c.ID)
	}
	for _, b := range snap.Baselines {
		state.baselines[b.ID] = cloneBaseline(b)
	}
	state.drifts = append([]domain.Drift(nil), snap.Drifts...)
	for _, t := range snap.Tradeoffs {
		state.tradeoffs[t.ID] = cloneTradeoff(t)
	}
	state.lineage = cloneLineage(snap.Lineage)
	s.state = state
}
