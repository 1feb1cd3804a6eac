package engine

import (
	"fmt"
	"math"
	"strings"

	"coherencecore/pkg/domain"
)

// claimView pairs a claim with its lens for evaluation.
type claimView struct {
	claim domain.Claim
	lens  domain.Lens
}

// evalContext is the hypothetical organism state a rule expression is walked
// against: the post-change claim set, plus baseline lookup for drift
// operators. Validation sees the proposed future, not the committed present.
type evalContext struct {
	organismID string
	byLens     map[string]claimView
	byPath     map[string]string
	baseline   func(claimID string) (domain.Baseline, bool)
}

func newEvalContext(organismID string, claims []claimView, baseline func(string) (domain.Baseline, bool)) *evalContext {
	ctx := &evalContext{
		organismID: organismID,
		byLens:     make(map[string]claimView, len(claims)),
		byPath:     make(map[string]string, len(claims)),
		baseline:   baseline,
	}
	for _, cv := range claims {
		ctx.byLens[cv.lens.ID] = cv
		ctx.byPath[cv.lens.Path()] = cv.lens.ID
	}
	return ctx
}

// lookup resolves an operand's lens reference, accepting either a lens id or
// a cluster/key path.
func (c *evalContext) lookup(ref string) (claimView, bool) {
	if cv, ok := c.byLens[ref]; ok {
		return cv, true
	}
	if id, ok := c.byPath[ref]; ok {
		return c.byLens[id], true
	}
	return claimView{}, false
}

// clusterClaims returns every claim whose lens belongs to the cluster.
func (c *evalContext) clusterClaims(cluster string) []claimView {
	var out []claimView
	for path, id := range c.byPath {
		if strings.HasPrefix(path, cluster+"/") {
			out = append(out, c.byLens[id])
		}
	}
	return out
}

type opFunc func(*evalContext, domain.Expr) (bool, domain.Evidence, error)

// Evaluator walks constraint rule expressions with a fixed dispatch table.
// The tree is data: no operator can escape into arbitrary execution.
type Evaluator struct {
	ops map[domain.Op]opFunc
}

// NewEvaluator builds the evaluator with the full operator vocabulary.
func NewEvaluator() *Evaluator {
	e := &Evaluator{}
	e.ops = map[domain.Op]opFunc{
		domain.OpAnd:             e.evalAnd,
		domain.OpOr:              e.evalOr,
		domain.OpNot:             e.evalNot,
		domain.OpXor:             e.evalXor,
		domain.OpEq:              e.evalComparison,
		domain.OpNeq:             e.evalComparison,
		domain.OpGt:              e.evalComparison,
		domain.OpGte:             e.evalComparison,
		domain.OpLt:              e.evalComparison,
		domain.OpLte:             e.evalComparison,
		domain.OpIn:              e.evalMembership,
		domain.OpNotIn:           e.evalMembership,
		domain.OpBetween:         e.evalBetween,
		domain.OpWithinTolerance: e.evalWithinTolerance,
		domain.OpMaxDelta:        e.evalMaxDelta,
		domain.OpExists:          e.evalPresence,
		domain.OpMissing:         e.evalPresence,
		domain.OpCountGte:        e.evalCount,
		domain.OpCountLte:        e.evalCount,
		domain.OpExcludes:        e.evalRelation,
		domain.OpRequires:        e.evalRelation,
		domain.OpImplies:         e.evalRelation,
		domain.OpCompatibleWith:  e.evalRelation,
		domain.OpDriftLte:        e.evalDrift,
		domain.OpWeightedDriftLte: e.evalDrift,
	}
	return e
}

// Eval walks one expression node. Unknown operators are hard engine errors,
// distinct from a constraint failing its own rule.
func (e *Evaluator) Eval(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	fn, ok := e.ops[expr.Op]
	if !ok {
		return false, domain.Evidence{}, domain.UnknownOperatorError{Operator: expr.Op}
	}
	return fn(ctx, expr)
}

// EvaluateConstraint applies guard then rule. applicable is false when the
// guard evaluates false; such constraints contribute no pass or fail record.
func (e *Evaluator) EvaluateConstraint(ctx *evalContext, c domain.Constraint) (applicable bool, ev domain.Evaluation, err error) {
	if c.Guard != nil {
		guardPass, _, err := e.Eval(ctx, *c.Guard)
		if err != nil {
			return false, domain.Evaluation{}, fmt.Errorf("constraint %s guard: %w", c.Name, err)
		}
		if !guardPass {
			return false, domain.Evaluation{}, nil
		}
	}
	passed, evidence, err := e.Eval(ctx, c.Rule)
	if err != nil {
		return false, domain.Evaluation{}, fmt.Errorf("constraint %s: %w", c.Name, err)
	}
	return true, domain.Evaluation{
		ConstraintID:   c.ID,
		ConstraintName: c.Name,
		Severity:       c.Severity,
		Passed:         passed,
		Evidence:       evidence,
	}, nil
}

// Boolean family --------------------------------------------------------------

func (e *Evaluator) evalAnd(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	ev := domain.Evidence{Operator: string(expr.Op)}
	pass := true
	for _, arg := range expr.Args {
		ok, child, err := e.Eval(ctx, arg)
		if err != nil {
			return false, domain.Evidence{}, err
		}
		ev.Children = append(ev.Children, child)
		pass = pass && ok
	}
	if !pass {
		ev.Hint = "all sub-rules must pass"
	}
	return pass, ev, nil
}

func (e *Evaluator) evalOr(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	ev := domain.Evidence{Operator: string(expr.Op)}
	pass := false
	for _, arg := range expr.Args {
		ok, child, err := e.Eval(ctx, arg)
		if err != nil {
			return false, domain.Evidence{}, err
		}
		ev.Children = append(ev.Children, child)
		pass = pass || ok
	}
	if !pass {
		ev.Hint = "at least one sub-rule must pass"
	}
	return pass, ev, nil
}

func (e *Evaluator) evalNot(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	if len(expr.Args) != 1 {
		return false, domain.Evidence{}, fmt.Errorf("not requires exactly one argument, got %d", len(expr.Args))
	}
	ok, child, err := e.Eval(ctx, expr.Args[0])
	if err != nil {
		return false, domain.Evidence{}, err
	}
	ev := domain.Evidence{Operator: string(expr.Op), Children: []domain.Evidence{child}}
	if ok {
		ev.Hint = "negated sub-rule must fail"
	}
	return !ok, ev, nil
}

func (e *Evaluator) evalXor(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	ev := domain.Evidence{Operator: string(expr.Op)}
	trueCount := 0
	for _, arg := range expr.Args {
		ok, child, err := e.Eval(ctx, arg)
		if err != nil {
			return false, domain.Evidence{}, err
		}
		ev.Children = append(ev.Children, child)
		if ok {
			trueCount++
		}
	}
	pass := trueCount == 1
	if !pass {
		ev.Hint = fmt.Sprintf("exactly one sub-rule must pass, %d did", trueCount)
	}
	return pass, ev, nil
}

// Comparison family -----------------------------------------------------------

// resolveOperand reads a claim facet. ok is false when no live claim backs
// the operand; comparison operators treat that as a rule failure, not an
// engine error.
func resolveOperand(ctx *evalContext, op *domain.Operand) (domain.Value, claimView, bool, error) {
	if op == nil || op.Lens == "" {
		return domain.Value{}, claimView{}, false, fmt.Errorf("operand requires a lens reference")
	}
	cv, ok := ctx.lookup(op.Lens)
	if !ok {
		return domain.Value{}, claimView{}, false, nil
	}
	switch op.Field {
	case domain.FieldWeight:
		return domain.NumberValue(cv.claim.Weight), cv, true, nil
	case domain.FieldValue, "":
		return cv.claim.Value, cv, true, nil
	default:
		return domain.Value{}, claimView{}, false, fmt.Errorf("unknown operand field %q", op.Field)
	}
}

func (e *Evaluator) evalComparison(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	subject, _, ok, err := resolveOperand(ctx, expr.Subject)
	if err != nil {
		return false, domain.Evidence{}, err
	}
	ev := domain.Evidence{Operator: string(expr.Op), Values: map[string]any{"lens": operandLens(expr.Subject)}}
	if !ok {
		ev.Hint = "no live claim for operand lens"
		return false, ev, nil
	}
	ev.Values["value"] = subject.Raw()

	var object domain.Value
	switch {
	case expr.Literal != nil:
		object = *expr.Literal
	case expr.Object != nil:
		var objOK bool
		object, _, objOK, err = resolveOperand(ctx, expr.Object)
		if err != nil {
			return false, domain.Evidence{}, err
		}
		if !objOK {
			ev.Hint = "no live claim for comparison operand"
			return false, ev, nil
		}
		ev.Values["other_lens"] = operandLens(expr.Object)
	default:
		return false, domain.Evidence{}, fmt.Errorf("%s requires a literal or object operand", expr.Op)
	}
	ev.Values["expected"] = object.Raw()

	var pass bool
	switch expr.Op {
	case domain.OpEq:
		pass = subject.Equal(object)
	case domain.OpNeq:
		pass = !subject.Equal(object)
	case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		a, aok := asNumber(subject)
		b, bok := asNumber(object)
		if !aok || !bok {
			ev.Hint = "ordered comparison requires numeric operands"
			return false, ev, nil
		}
		switch expr.Op {
		case domain.OpGt:
			pass = a > b
		case domain.OpGte:
			pass = a >= b
		case domain.OpLt:
			pass = a < b
		case domain.OpLte:
			pass = a <= b
		}
	}
	if !pass && ev.Hint == "" {
		ev.Hint = fmt.Sprintf("adjust %s so %s %s %v", operandLens(expr.Subject), subject, expr.Op, object.Raw())
	}
	return pass, ev, nil
}

func (e *Evaluator) evalMembership(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	subject, _, ok, err := resolveOperand(ctx, expr.Subject)
	if err != nil {
		return false, domain.Evidence{}, err
	}
	allowed := make([]any, 0, len(expr.Set))
	for _, v := range expr.Set {
		allowed = append(allowed, v.Raw())
	}
	ev := domain.Evidence{Operator: string(expr.Op), Values: map[string]any{"lens": operandLens(expr.Subject), "set": allowed}}
	if !ok {
		ev.Hint = "no live claim for operand lens"
		return false, ev, nil
	}
	ev.Values["value"] = subject.Raw()
	member := false
	for _, v := range expr.Set {
		if subject.Equal(v) {
			member = true
			break
		}
	}
	pass := member
	if expr.Op == domain.OpNotIn {
		pass = !member
	}
	if !pass {
		ev.Hint = fmt.Sprintf("value %s violates %s over the declared set", subject, expr.Op)
	}
	return pass, ev, nil
}

// Range family ----------------------------------------------------------------

func (e *Evaluator) evalBetween(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	if expr.Bounds == nil || expr.Bounds.Min == nil || expr.Bounds.Max == nil {
		return false, domain.Evidence{}, fmt.Errorf("between requires min and max bounds")
	}
	subject, _, ok, err := resolveOperand(ctx, expr.Subject)
	if err != nil {
		return false, domain.Evidence{}, err
	}
	ev := domain.Evidence{Operator: string(expr.Op), Values: map[string]any{
		"lens":   operandLens(expr.Subject),
		"bounds": []float64{*expr.Bounds.Min, *expr.Bounds.Max},
	}}
	if !ok {
		ev.Hint = "no live claim for operand lens"
		return false, ev, nil
	}
	n, numOK := asNumber(subject)
	ev.Values["value"] = subject.Raw()
	if !numOK {
		ev.Hint = "between requires a numeric operand"
		return false, ev, nil
	}
	pass := n >= *expr.Bounds.Min && n <= *expr.Bounds.Max
	if !pass {
		ev.Hint = fmt.Sprintf("move %s into [%g, %g]", operandLens(expr.Subject), *expr.Bounds.Min, *expr.Bounds.Max)
	}
	return pass, ev, nil
}

func (e *Evaluator) evalWithinTolerance(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	if expr.Bounds == nil || expr.Bounds.Target == nil || expr.Bounds.Tolerance == nil {
		return false, domain.Evidence{}, fmt.Errorf("within_tolerance requires target and tolerance bounds")
	}
	subject, _, ok, err := resolveOperand(ctx, expr.Subject)
	if err != nil {
		return false, domain.Evidence{}, err
	}
	ev := domain.Evidence{Operator: string(expr.Op), Values: map[string]any{
		"lens":      operandLens(expr.Subject),
		"target":    *expr.Bounds.Target,
		"tolerance": *expr.Bounds.Tolerance,
	}}
	if !ok {
		ev.Hint = "no live claim for operand lens"
		return false, ev, nil
	}
	n, numOK := asNumber(subject)
	ev.Values["value"] = subject.Raw()
	if !numOK {
		ev.Hint = "within_tolerance requires a numeric operand"
		return false, ev, nil
	}
	pass := math.Abs(n-*expr.Bounds.Target) <= *expr.Bounds.Tolerance
	if !pass {
		ev.Hint = fmt.Sprintf("bring %s within %g of %g", operandLens(expr.Subject), *expr.Bounds.Tolerance, *expr.Bounds.Target)
	}
	return pass, ev, nil
}

func (e *Evaluator) evalMaxDelta(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	if expr.Bounds == nil || expr.Bounds.Delta == nil {
		return false, domain.Evidence{}, fmt.Errorf("max_delta requires a delta bound")
	}
	if expr.Object == nil {
		return false, domain.Evidence{}, fmt.Errorf("max_delta requires an object operand")
	}
	subject, _, subjOK, err := resolveOperand(ctx, expr.Subject)
	if err != nil {
		return false, domain.Evidence{}, err
	}
	object, _, objOK, err := resolveOperand(ctx, expr.Object)
	if err != nil {
		return false, domain.Evidence{}, err
	}
	ev := domain.Evidence{Operator: string(expr.Op), Values: map[string]any{
		"lens":       operandLens(expr.Subject),
		"other_lens": operandLens(expr.Object),
		"delta":      *expr.Bounds.Delta,
	}}
	if !subjOK || !objOK {
		ev.Hint = "both operand claims must exist"
		return false, ev, nil
	}
	a, aok := asNumber(subject)
	b, bok := asNumber(object)
	ev.Values["value"] = subject.Raw()
	ev.Values["other_value"] = object.Raw()
	if !aok || !bok {
		ev.Hint = "max_delta requires numeric operands"
		return false, ev, nil
	}
	gap := math.Abs(a - b)
	ev.Values["gap"] = gap
	pass := gap <= *expr.Bounds.Delta
	if !pass {
		ev.Hint = fmt.Sprintf("narrow the gap between %s and %s to at most %g", operandLens(expr.Subject), operandLens(expr.Object), *expr.Bounds.Delta)
	}
	return pass, ev, nil
}

// Set family ------------------------------------------------------------------

func (e *Evaluator) evalPresence(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	if expr.Subject == nil {
		return false, domain.Evidence{}, fmt.Errorf("%s requires a subject operand", expr.Op)
	}
	ev := domain.Evidence{Operator: string(expr.Op), Values: map[string]any{}}
	var present bool
	switch {
	case expr.Subject.Cluster != "":
		ev.Values["cluster"] = expr.Subject.Cluster
		present = len(ctx.clusterClaims(expr.Subject.Cluster)) > 0
	case expr.Subject.Lens != "":
		ev.Values["lens"] = expr.Subject.Lens
		_, present = ctx.lookup(expr.Subject.Lens)
	default:
		return false, domain.Evidence{}, fmt.Errorf("%s requires a lens or cluster operand", expr.Op)
	}
	pass := present
	if expr.Op == domain.OpMissing {
		pass = !present
	}
	if !pass {
		if expr.Op == domain.OpExists {
			ev.Hint = "a live claim is required"
		} else {
			ev.Hint = "a live claim must not exist"
		}
	}
	return pass, ev, nil
}

func (e *Evaluator) evalCount(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	if expr.Subject == nil || expr.Subject.Cluster == "" {
		return false, domain.Evidence{}, fmt.Errorf("%s requires a cluster operand", expr.Op)
	}
	if expr.Bounds == nil || expr.Bounds.Count == nil {
		return false, domain.Evidence{}, fmt.Errorf("%s requires a count bound", expr.Op)
	}
	n := len(ctx.clusterClaims(expr.Subject.Cluster))
	want := *expr.Bounds.Count
	ev := domain.Evidence{Operator: string(expr.Op), Values: map[string]any{
		"cluster": expr.Subject.Cluster,
		"count":   n,
		"bound":   want,
	}}
	var pass bool
	if expr.Op == domain.OpCountGte {
		pass = n >= want
	} else {
		pass = n <= want
	}
	if !pass {
		ev.Hint = fmt.Sprintf("cluster %s has %d claims, %s %d required", expr.Subject.Cluster, n, expr.Op, want)
	}
	return pass, ev, nil
}

// Domain relation family ------------------------------------------------------

// evalRelation covers exclusion, requires, implies, and compatible_with. A
// claim "holds" when it exists and its value is truthy. compatible_with
// additionally demands agreement: when both claims hold their values must be
// equal.
func (e *Evaluator) evalRelation(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	if expr.Subject == nil || expr.Object == nil {
		return false, domain.Evidence{}, fmt.Errorf("%s requires subject and object operands", expr.Op)
	}
	subjVal, _, subjOK, err := resolveOperand(ctx, expr.Subject)
	if err != nil {
		return false, domain.Evidence{}, err
	}
	objVal, _, objOK, err := resolveOperand(ctx, expr.Object)
	if err != nil {
		return false, domain.Evidence{}, err
	}
	subjHolds := subjOK && subjVal.Truthy()
	objHolds := objOK && objVal.Truthy()

	ev := domain.Evidence{Operator: string(expr.Op), Values: map[string]any{
		"lens":        operandLens(expr.Subject),
		"other_lens":  operandLens(expr.Object),
		"holds":       subjHolds,
		"other_holds": objHolds,
	}}
	if subjOK {
		ev.Values["value"] = subjVal.Raw()
	}
	if objOK {
		ev.Values["other_value"] = objVal.Raw()
	}

	var pass bool
	switch expr.Op {
	case domain.OpExcludes:
		pass = !(subjHolds && objHolds)
		if !pass {
			ev.Hint = fmt.Sprintf("%s and %s cannot both hold", operandLens(expr.Subject), operandLens(expr.Object))
		}
	case domain.OpRequires:
		pass = !subjHolds || objHolds
		if !pass {
			ev.Hint = fmt.Sprintf("%s requires %s to hold", operandLens(expr.Subject), operandLens(expr.Object))
		}
	case domain.OpImplies:
		pass = !subjHolds || objHolds
		if !pass {
			ev.Hint = fmt.Sprintf("%s implies %s", operandLens(expr.Subject), operandLens(expr.Object))
		}
	case domain.OpCompatibleWith:
		pass = !(subjHolds && objHolds) || subjVal.Equal(objVal)
		if !pass {
			ev.Hint = fmt.Sprintf("%s and %s hold with incompatible values", operandLens(expr.Subject), operandLens(expr.Object))
		}
	}
	return pass, ev, nil
}

// Drift family ----------------------------------------------------------------

func (e *Evaluator) evalDrift(ctx *evalContext, expr domain.Expr) (bool, domain.Evidence, error) {
	if expr.Bounds == nil || expr.Bounds.Threshold == nil {
		return false, domain.Evidence{}, fmt.Errorf("%s requires a threshold bound", expr.Op)
	}
	if expr.Subject == nil || expr.Subject.Lens == "" {
		return false, domain.Evidence{}, fmt.Errorf("%s requires a lens operand", expr.Op)
	}
	cv, ok := ctx.lookup(expr.Subject.Lens)
	ev := domain.Evidence{Operator: string(expr.Op), Values: map[string]any{
		"lens":      operandLens(expr.Subject),
		"threshold": *expr.Bounds.Threshold,
	}}
	if !ok {
		ev.Hint = "no live claim for operand lens"
		return false, ev, nil
	}
	if cv.claim.BaselineID == nil {
		// No active baseline: nothing to drift from.
		ev.Values["baseline"] = nil
		return true, ev, nil
	}
	baseline, found := ctx.baseline(cv.claim.ID)
	if !found {
		ev.Hint = "active baseline record is missing"
		return false, ev, nil
	}
	distance := cv.claim.Value.Distance(baseline.Value)
	measured := distance
	if expr.Op == domain.OpWeightedDriftLte {
		measured = distance * cv.claim.Weight
	}
	ev.Values["baseline"] = baseline.Value.Raw()
	ev.Values["value"] = cv.claim.Value.Raw()
	ev.Values["drift"] = measured
	pass := measured <= *expr.Bounds.Threshold
	if !pass {
		ev.Hint = fmt.Sprintf("drift %g exceeds threshold %g; re-baseline or revert %s", measured, *expr.Bounds.Threshold, operandLens(expr.Subject))
	}
	return pass, ev, nil
}

// Helpers ---------------------------------------------------------------------

func asNumber(v domain.Value) (float64, bool) {
	if v.Kind == domain.ValueNumber && v.Number != nil {
		return *v.Number, true
	}
	return 0, false
}

func operandLens(op *domain.Operand) string {
	if op == nil {
		return ""
	}
	if op.Lens != "" {
		if op.Field == domain.FieldWeight {
			return op.Lens + ".weight"
		}
		return op.Lens
	}
	return op.Cluster
}
