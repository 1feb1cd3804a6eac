package domain

// Op names one operator of the constraint rule language.
type Op string

// Boolean composition operators.
const (
	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"
	OpXor Op = "xor"
)

// Comparison operators over values of matching kind.
const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpIn    Op = "in"
	OpNotIn Op = "not_in"
)

// Range and tolerance operators.
const (
	OpBetween         Op = "between"
	OpWithinTolerance Op = "within_tolerance"
	OpMaxDelta        Op = "max_delta"
)

// Set operators over a claim collection.
const (
	OpExists   Op = "exists"
	OpMissing  Op = "missing"
	OpCountGte Op = "count_gte"
	OpCountLte Op = "count_lte"
)

// Domain relation operators expressing cross-claim logic.
const (
	OpExcludes       Op = "excludes"
	OpRequires       Op = "requires"
	OpImplies        Op = "implies"
	OpCompatibleWith Op = "compatible_with"
)

// Drift operators requiring a baseline measurement.
const (
	OpDriftLte         Op = "drift_lte"
	OpWeightedDriftLte Op = "weighted_drift_lte"
)

// Field selects which facet of a claim an operand reads.
type Field string

// Claim facets addressable by operands.
const (
	FieldValue  Field = "value"
	FieldWeight Field = "weight"
)

// Operand addresses a claim facet (by lens) or a claim collection (by
// cluster) within the organism under evaluation.
type Operand struct {
	Lens    string `json:"lens,omitempty" yaml:"lens,omitempty"`
	Cluster string `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	Field   Field  `json:"field,omitempty" yaml:"field,omitempty"`
}

// Bounds carries the numeric parameters of range, tolerance, count, and drift
// operators.
type Bounds struct {
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Target    *float64 `json:"target,omitempty" yaml:"target,omitempty"`
	Tolerance *float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Delta     *float64 `json:"delta,omitempty" yaml:"delta,omitempty"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Count     *int     `json:"count,omitempty" yaml:"count,omitempty"`
}

// Expr is one node of the tagged-variant expression tree a constraint rule is
// built from. The tree is data, not code: a dispatch table walks it so
// evaluation stays deterministic and sandboxed.
type Expr struct {
	Op      Op       `json:"op" yaml:"op"`
	Args    []Expr   `json:"args,omitempty" yaml:"args,omitempty"`
	Subject *Operand `json:"subject,omitempty" yaml:"subject,omitempty"`
	Object  *Operand `json:"object,omitempty" yaml:"object,omitempty"`
	Literal *Value   `json:"literal,omitempty" yaml:"literal,omitempty"`
	Set     []Value  `json:"set,omitempty" yaml:"set,omitempty"`
	Bounds  *Bounds  `json:"bounds,omitempty" yaml:"bounds,omitempty"`
}

// Evidence is the structured record of why an expression passed or failed:
// the operator, the resolved operand values, a repair hint on failure, and
// child evidence for boolean composition.
type Evidence struct {
	Operator string         `json:"operator"`
	Values   map[string]any `json:"values,omitempty"`
	Hint     string         `json:"hint,omitempty"`
	Children []Evidence     `json:"children,omitempty"`
}
