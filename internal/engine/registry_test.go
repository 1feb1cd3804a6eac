package engine

import (
	"os"
	"path/filepath"
	"testing"

	"coherencecore/pkg/domain"
)

func TestAddLensDefaultsAndImmutability(t *testing.T) {
	r := NewRegistry()
	lens, err := r.AddLens(domain.Lens{Cluster: "vitals", Key: "mass", Kind: domain.ValueNumber})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if lens.ID == "" || lens.DefaultWeight != 1 || lens.CreatedAt.IsZero() {
		t.Fatalf("lens defaults not applied: %+v", lens)
	}

	// Re-registering the identical definition is a no-op.
	if _, err := r.AddLens(lens); err != nil {
		t.Fatalf("identical re-register: %v", err)
	}

	// A different lens cannot take an occupied path.
	if _, err := r.AddLens(domain.Lens{Cluster: "vitals", Key: "mass", Kind: domain.ValueBoolean}); err == nil {
		t.Fatalf("path collision must fail")
	}

	// Unreferenced lenses may still be redefined.
	changed := lens
	changed.Name = "body mass"
	if _, err := r.AddLens(changed); err != nil {
		t.Fatalf("redefine unreferenced lens: %v", err)
	}

	// Once a claim references the lens it is frozen.
	r.MarkReferenced(lens.ID)
	changed.Name = "total mass"
	if _, err := r.AddLens(changed); err == nil {
		t.Fatalf("referenced lens must be immutable")
	}
}

func TestLensLookup(t *testing.T) {
	r := NewRegistry()
	lens, _ := r.AddLens(domain.Lens{Cluster: "vitals", Key: "mass", Kind: domain.ValueNumber})
	if _, ok := r.Lens(lens.ID); !ok {
		t.Fatalf("lookup by id failed")
	}
	byPath, ok := r.LensByPath("vitals", "mass")
	if !ok || byPath.ID != lens.ID {
		t.Fatalf("lookup by path failed")
	}
	if got := len(r.ListLenses()); got != 1 {
		t.Fatalf("list: got %d lenses", got)
	}
}

func TestConstraintImmutabilityAndSupersede(t *testing.T) {
	r := NewRegistry()
	v1, err := r.AddConstraint(massCap(100, domain.SeverityHard, "mass-cap"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Re-adding the identical definition is a no-op.
	if _, err := r.AddConstraint(v1); err != nil {
		t.Fatalf("identical re-register: %v", err)
	}

	edited := v1
	edited.Severity = domain.SeveritySoft
	if _, err := r.AddConstraint(edited); err == nil {
		t.Fatalf("constraints are immutable in place")
	}

	// Changing only the rule body is still an edit.
	reworded := v1
	reworded.Rule = massCap(200, domain.SeverityHard, "mass-cap").Rule
	if _, err := r.AddConstraint(reworded); err == nil {
		t.Fatalf("a changed rule under an existing id must be rejected")
	}

	v2 := massCap(120, domain.SeverityHard, "mass-cap-v2")
	v2.Supersedes = &v1.ID
	if _, err := r.AddConstraint(v2); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	old, _ := r.Constraint(v1.ID)
	if old.Active() {
		t.Fatalf("superseded constraint must be deprecated")
	}

	missing := "no-such-id"
	orphan := massCap(1, domain.SeverityHard, "orphan")
	orphan.Supersedes = &missing
	if _, err := r.AddConstraint(orphan); err == nil {
		t.Fatalf("superseding an unknown constraint must fail")
	}
}

func TestDeprecateConstraintRemovesFromEvaluation(t *testing.T) {
	r := NewRegistry()
	c, _ := r.AddConstraint(massCap(100, domain.SeverityHard, "mass-cap"))
	claims := []domain.Claim{{Base: domain.Base{ID: "claim-1"}, LensID: "lens-mass", LensPath: "vitals/mass"}}
	if got := len(r.ConstraintsFor("org-1", claims)); got != 1 {
		t.Fatalf("active global constraint must apply, got %d", got)
	}
	if err := r.DeprecateConstraint(c.ID); err != nil {
		t.Fatalf("deprecate: %v", err)
	}
	if got := len(r.ConstraintsFor("org-1", claims)); got != 0 {
		t.Fatalf("deprecated constraint must not apply, got %d", got)
	}
	// The record itself survives.
	if _, ok := r.Constraint(c.ID); !ok {
		t.Fatalf("deprecated constraint must stay on record")
	}
}

func TestConstraintScoping(t *testing.T) {
	r := NewRegistry()
	lens, _ := r.AddLens(domain.Lens{Base: domain.Base{ID: "lens-mass"}, Cluster: "vitals", Key: "mass", Kind: domain.ValueNumber})

	add := func(name string, scope domain.ConstraintScope, target domain.ConstraintTarget) {
		t.Helper()
		c := massCap(100, domain.SeverityHard, name)
		c.Scope = scope
		c.Target = target
		if _, err := r.AddConstraint(c); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	add("global", domain.ScopeGlobal, domain.ConstraintTarget{})
	add("this-organism", domain.ScopeOrganism, domain.ConstraintTarget{OrganismID: "org-1"})
	add("other-organism", domain.ScopeOrganism, domain.ConstraintTarget{OrganismID: "org-2"})
	add("vitals-cluster", domain.ScopeCluster, domain.ConstraintTarget{Cluster: "vitals"})
	add("habitat-cluster", domain.ScopeCluster, domain.ConstraintTarget{Cluster: "habitat"})
	add("this-lens", domain.ScopeLens, domain.ConstraintTarget{LensIDs: []string{lens.ID}})
	add("this-claim", domain.ScopeClaim, domain.ConstraintTarget{ClaimIDs: []string{"claim-1"}})
	add("other-claim", domain.ScopeClaim, domain.ConstraintTarget{ClaimIDs: []string{"claim-9"}})

	claims := []domain.Claim{{
		Base: domain.Base{ID: "claim-1"}, LensID: lens.ID, LensPath: "vitals/mass",
	}}
	got := r.ConstraintsFor("org-1", claims)
	names := make(map[string]bool, len(got))
	for _, c := range got {
		names[c.Name] = true
	}
	for _, want := range []string{"global", "this-organism", "vitals-cluster", "this-lens", "this-claim"} {
		if !names[want] {
			t.Fatalf("constraint %s must apply, got %v", want, names)
		}
	}
	for _, reject := range []string{"other-organism", "habitat-cluster", "other-claim"} {
		if names[reject] {
			t.Fatalf("constraint %s must not apply", reject)
		}
	}
}

func TestLoadDirReadsReferenceData(t *testing.T) {
	dir := t.TempDir()
	doc := `
lenses:
  - cluster: vitals
    key: mass
    value_kind: number
    default_weight: 2
constraints:
  - name: mass-cap
    severity: hard
    scope: global
    rule:
      op: lte
      subject:
        lens: vitals/mass
      literal:
        kind: number
        number: 100
`
	if err := os.WriteFile(filepath.Join(dir, "10-vitals.yaml"), []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("not yaml"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewRegistry()
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("load dir: %v", err)
	}
	lens, ok := r.LensByPath("vitals", "mass")
	if !ok || lens.Kind != domain.ValueNumber || lens.DefaultWeight != 2 {
		t.Fatalf("lens not loaded: %+v ok=%v", lens, ok)
	}
	constraints := r.ListConstraints()
	if len(constraints) != 1 || constraints[0].Name != "mass-cap" {
		t.Fatalf("constraint not loaded: %+v", constraints)
	}
	if constraints[0].Rule.Op != domain.OpLte || constraints[0].Rule.Literal == nil {
		t.Fatalf("rule expression not parsed: %+v", constraints[0].Rule)
	}
}

func TestLoadFileRejectsInvalidDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	doc := `
constraints:
  - name: broken
    severity: catastrophic
    scope: global
    rule:
      op: lte
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewRegistry()
	if err := r.LoadFile(path); err == nil {
		t.Fatalf("unknown severity must fail the load")
	}
}
