// Package engine implements the mutation and constraint engine: the single
// write path over the claim store, the constraint evaluator, conflict
// detection, drift bookkeeping, and coherence scoring.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"coherencecore/pkg/domain"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Registry holds the reference vocabulary: lens definitions and active
// constraints. Lenses are immutable once referenced by a claim; constraints
// are immutable once created and change behavior only by superseding.
type Registry struct {
	mu          sync.RWMutex
	lenses      map[string]domain.Lens
	lensByPath  map[string]string
	constraints map[string]domain.Constraint
	referenced  map[string]struct{}
	nowFn       func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		lenses:      make(map[string]domain.Lens),
		lensByPath:  make(map[string]string),
		constraints: make(map[string]domain.Constraint),
		referenced:  make(map[string]struct{}),
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// AddLens registers a lens definition. Re-registering an identical definition
// is a no-op; redefining a lens already referenced by a claim fails.
func (r *Registry) AddLens(l domain.Lens) (domain.Lens, error) {
	if l.Cluster == "" || l.Key == "" {
		return domain.Lens{}, fmt.Errorf("lens requires cluster and key")
	}
	switch l.Kind {
	case domain.ValueNumber, domain.ValueBoolean, domain.ValueEnum, domain.ValueStructured:
	default:
		return domain.Lens{}, fmt.Errorf("lens %s: unknown value kind %q", l.Path(), l.Kind)
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.SchemaVersion == 0 {
		l.SchemaVersion = domain.SchemaVersion
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.nowFn()
	}
	if l.DefaultWeight == 0 {
		l.DefaultWeight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existingID, ok := r.lensByPath[l.Path()]; ok && existingID != l.ID {
		return domain.Lens{}, fmt.Errorf("lens path %s already registered as %s", l.Path(), existingID)
	}
	if existing, ok := r.lenses[l.ID]; ok {
		if sameLens(existing, l) {
			return existing, nil
		}
		if _, referenced := r.referenced[l.ID]; referenced {
			return domain.Lens{}, fmt.Errorf("lens %s is referenced by claims and cannot be redefined", l.ID)
		}
	}
	r.lenses[l.ID] = l
	r.lensByPath[l.Path()] = l.ID
	return l, nil
}

func sameLens(a, b domain.Lens) bool {
	return a.Cluster == b.Cluster && a.Key == b.Key && a.Kind == b.Kind &&
		a.DefaultWeight == b.DefaultWeight && a.Name == b.Name
}

// MarkReferenced latches a lens as referenced by a live claim.
func (r *Registry) MarkReferenced(lensID string) {
	r.mu.Lock()
	r.referenced[lensID] = struct{}{}
	r.mu.Unlock()
}

// Lens returns a lens by id.
func (r *Registry) Lens(id string) (domain.Lens, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lenses[id]
	return l, ok
}

// LensByPath returns a lens by cluster and key.
func (r *Registry) LensByPath(cluster, key string) (domain.Lens, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.lensByPath[cluster+"/"+key]
	if !ok {
		return domain.Lens{}, false
	}
	return r.lenses[id], true
}

// ListLenses returns all lenses ordered by path.
func (r *Registry) ListLenses() []domain.Lens {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Lens, 0, len(r.lenses))
	for _, l := range r.lenses {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}

// AddConstraint registers a constraint. Constraints are immutable: re-adding
// an existing id with different content fails. When Supersedes names an
// earlier constraint it is deprecated in the same call.
func (r *Registry) AddConstraint(c domain.Constraint) (domain.Constraint, error) {
	if c.Name == "" {
		return domain.Constraint{}, fmt.Errorf("constraint requires a name")
	}
	switch c.Severity {
	case domain.SeverityHard, domain.SeveritySoft:
	default:
		return domain.Constraint{}, fmt.Errorf("constraint %s: unknown severity %q", c.Name, c.Severity)
	}
	switch c.Scope {
	case domain.ScopeClaim, domain.ScopeLens, domain.ScopeCluster, domain.ScopeOrganism, domain.ScopeGlobal:
	default:
		return domain.Constraint{}, fmt.Errorf("constraint %s: unknown scope %q", c.Name, c.Scope)
	}
	if c.Rule.Op == "" {
		return domain.Constraint{}, fmt.Errorf("constraint %s: rule expression required", c.Name)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SchemaVersion == 0 {
		c.SchemaVersion = domain.SchemaVersion
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.nowFn()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.constraints[c.ID]; ok {
		if sameConstraint(existing, c) {
			return existing, nil
		}
		return domain.Constraint{}, fmt.Errorf("constraint %s is immutable; supersede it with a new version", c.ID)
	}
	if c.Supersedes != nil {
		old, ok := r.constraints[*c.Supersedes]
		if !ok {
			return domain.Constraint{}, fmt.Errorf("constraint %s supersedes unknown constraint %s", c.Name, *c.Supersedes)
		}
		if old.DeprecatedAt == nil {
			at := r.nowFn()
			old.DeprecatedAt = &at
			r.constraints[old.ID] = old
		}
	}
	r.constraints[c.ID] = c
	return c, nil
}

// sameConstraint reports whether two definitions are behaviorally identical,
// so re-loading reference data stays a no-op while any change to the rule,
// guard, or targeting trips the immutability error.
func sameConstraint(a, b domain.Constraint) bool {
	return a.Name == b.Name && a.Severity == b.Severity && a.Scope == b.Scope &&
		reflect.DeepEqual(a.Target, b.Target) &&
		reflect.DeepEqual(a.Rule, b.Rule) &&
		reflect.DeepEqual(a.Guard, b.Guard)
}

// DeprecateConstraint retires a constraint from evaluation without removing
// its record.
func (r *Registry) DeprecateConstraint(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.constraints[id]
	if !ok {
		return domain.NotFoundError{Kind: "constraint", ID: id}
	}
	if c.DeprecatedAt == nil {
		at := r.nowFn()
		c.DeprecatedAt = &at
		r.constraints[id] = c
	}
	return nil
}

// Constraint returns a constraint by id.
func (r *Registry) Constraint(id string) (domain.Constraint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constraints[id]
	return c, ok
}

// ListConstraints returns all constraints ordered by name.
func (r *Registry) ListConstraints() []domain.Constraint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Constraint, 0, len(r.constraints))
	for _, c := range r.constraints {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ConstraintsFor collects every active constraint whose scope includes any of
// the given claims, directly or via lens, cluster, organism, or global scope.
func (r *Registry) ConstraintsFor(organismID string, claims []domain.Claim) []domain.Constraint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claimIDs := make(map[string]struct{}, len(claims))
	lensIDs := make(map[string]struct{}, len(claims))
	clusters := make(map[string]struct{}, len(claims))
	for _, c := range claims {
		claimIDs[c.ID] = struct{}{}
		lensIDs[c.LensID] = struct{}{}
		if c.LensPath != "" {
			if i := strings.IndexByte(c.LensPath, '/'); i > 0 {
				clusters[c.LensPath[:i]] = struct{}{}
			}
		}
	}

	var out []domain.Constraint
	for _, c := range r.constraints {
		if !c.Active() {
			continue
		}
		if constraintApplies(c, organismID, claimIDs, lensIDs, clusters) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func constraintApplies(c domain.Constraint, organismID string, claimIDs, lensIDs, clusters map[string]struct{}) bool {
	switch c.Scope {
	case domain.ScopeGlobal:
		return true
	case domain.ScopeOrganism:
		return c.Target.OrganismID == organismID
	case domain.ScopeCluster:
		_, ok := clusters[c.Target.Cluster]
		return ok
	case domain.ScopeLens:
		for _, id := range c.Target.LensIDs {
			if _, ok := lensIDs[id]; ok {
				return true
			}
		}
	case domain.ScopeClaim:
		for _, id := range c.Target.ClaimIDs {
			if _, ok := claimIDs[id]; ok {
				return true
			}
		}
	}
	return false
}

// registryDoc is the on-disk YAML shape of a reference-data file.
type registryDoc struct {
	Lenses      []domain.Lens       `yaml:"lenses"`
	Constraints []domain.Constraint `yaml:"constraints"`
}

// LoadFile loads lens and constraint definitions from one YAML document.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- registry paths come from deploy configuration
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	var doc registryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, l := range doc.Lenses {
		if _, err := r.AddLens(l); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	for _, c := range doc.Constraints {
		if _, err := r.AddConstraint(c); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// LoadDir loads every .yaml/.yml file in dir, in lexical order.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read registry dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.LoadFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
