package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ValueKind identifies the shape of a claim value.
type ValueKind string

// Supported value shapes for lens definitions and claim values.
const (
	// ValueNumber holds a float64 measurement.
	ValueNumber ValueKind = "number"
	// ValueBoolean holds a true/false assertion.
	ValueBoolean ValueKind = "boolean"
	// ValueEnum holds one symbol from a lens-defined vocabulary.
	ValueEnum ValueKind = "enum"
	// ValueStructured holds a small flat document.
	ValueStructured ValueKind = "structured"
)

// Value is the tagged union carried by claims, baselines, and constraint
// literals. Exactly one payload field is set, matching Kind.
type Value struct {
	Kind       ValueKind      `json:"kind" yaml:"kind"`
	Number     *float64       `json:"number,omitempty" yaml:"number,omitempty"`
	Bool       *bool          `json:"bool,omitempty" yaml:"bool,omitempty"`
	Enum       *string        `json:"enum,omitempty" yaml:"enum,omitempty"`
	Structured map[string]any `json:"structured,omitempty" yaml:"structured,omitempty"`
}

// NumberValue wraps a float64 measurement.
func NumberValue(f float64) Value {
	return Value{Kind: ValueNumber, Number: &f}
}

// BoolValue wraps a boolean assertion.
func BoolValue(b bool) Value {
	return Value{Kind: ValueBoolean, Bool: &b}
}

// EnumValue wraps an enum symbol.
func EnumValue(s string) Value {
	return Value{Kind: ValueEnum, Enum: &s}
}

// StructuredValue wraps a flat document.
func StructuredValue(m map[string]any) Value {
	return Value{Kind: ValueStructured, Structured: m}
}

// Clone returns an independent copy of the value.
func (v Value) Clone() Value {
	cp := v
	if v.Number != nil {
		n := *v.Number
		cp.Number = &n
	}
	if v.Bool != nil {
		b := *v.Bool
		cp.Bool = &b
	}
	if v.Enum != nil {
		e := *v.Enum
		cp.Enum = &e
	}
	if v.Structured != nil {
		cp.Structured = make(map[string]any, len(v.Structured))
		for k, val := range v.Structured {
			cp.Structured[k] = val
		}
	}
	return cp
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValueNumber:
		return v.Number != nil && other.Number != nil && *v.Number == *other.Number
	case ValueBoolean:
		return v.Bool != nil && other.Bool != nil && *v.Bool == *other.Bool
	case ValueEnum:
		return v.Enum != nil && other.Enum != nil && *v.Enum == *other.Enum
	case ValueStructured:
		if len(v.Structured) != len(other.Structured) {
			return false
		}
		for k, a := range v.Structured {
			b, ok := other.Structured[k]
			if !ok || fmt.Sprint(a) != fmt.Sprint(b) {
				return false
			}
		}
		return true
	}
	return false
}

// Truthy reports whether the value represents a held assertion: true booleans,
// non-zero numbers, non-empty enums, and non-empty documents.
func (v Value) Truthy() bool {
	switch v.Kind {
	case ValueNumber:
		return v.Number != nil && *v.Number != 0
	case ValueBoolean:
		return v.Bool != nil && *v.Bool
	case ValueEnum:
		return v.Enum != nil && *v.Enum != ""
	case ValueStructured:
		return len(v.Structured) > 0
	}
	return false
}

// Distance measures deviation between two values of the same kind. Numbers use
// absolute difference; booleans and enums are 0 on match, 1 on mismatch;
// structured values report the fraction of keys that differ. Values of
// different kinds are maximally distant.
func (v Value) Distance(other Value) float64 {
	if v.Kind != other.Kind {
		return 1
	}
	switch v.Kind {
	case ValueNumber:
		if v.Number == nil || other.Number == nil {
			return 1
		}
		return math.Abs(*v.Number - *other.Number)
	case ValueBoolean, ValueEnum:
		if v.Equal(other) {
			return 0
		}
		return 1
	case ValueStructured:
		keys := make(map[string]struct{}, len(v.Structured)+len(other.Structured))
		for k := range v.Structured {
			keys[k] = struct{}{}
		}
		for k := range other.Structured {
			keys[k] = struct{}{}
		}
		if len(keys) == 0 {
			return 0
		}
		differing := 0
		for k := range keys {
			a, aok := v.Structured[k]
			b, bok := other.Structured[k]
			if !aok || !bok || fmt.Sprint(a) != fmt.Sprint(b) {
				differing++
			}
		}
		return float64(differing) / float64(len(keys))
	}
	return 1
}

// String renders the payload for evidence and log output.
func (v Value) String() string {
	switch v.Kind {
	case ValueNumber:
		if v.Number == nil {
			return "number(nil)"
		}
		return strconv.FormatFloat(*v.Number, 'g', -1, 64)
	case ValueBoolean:
		if v.Bool == nil {
			return "boolean(nil)"
		}
		return strconv.FormatBool(*v.Bool)
	case ValueEnum:
		if v.Enum == nil {
			return "enum(nil)"
		}
		return *v.Enum
	case ValueStructured:
		keys := make([]string, 0, len(v.Structured))
		for k := range v.Structured {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			out += k + "=" + fmt.Sprint(v.Structured[k])
		}
		return out + "}"
	}
	return string(v.Kind)
}

// Raw exposes the payload as an untyped value for evidence documents.
func (v Value) Raw() any {
	switch v.Kind {
	case ValueNumber:
		if v.Number != nil {
			return *v.Number
		}
	case ValueBoolean:
		if v.Bool != nil {
			return *v.Bool
		}
	case ValueEnum:
		if v.Enum != nil {
			return *v.Enum
		}
	case ValueStructured:
		return v.Structured
	}
	return nil
}

// ContentHash returns the canonical SHA-256 digest of the value. Baselines
// store it so later readers can verify snapshot integrity.
func (v Value) ContentHash() string {
	payload := map[string]any{"kind": v.Kind}
	switch v.Kind {
	case ValueNumber:
		if v.Number != nil {
			payload["number"] = *v.Number
		}
	case ValueBoolean:
		if v.Bool != nil {
			payload["bool"] = *v.Bool
		}
	case ValueEnum:
		if v.Enum != nil {
			payload["enum"] = *v.Enum
		}
	case ValueStructured:
		keys := make([]string, 0, len(v.Structured))
		for k := range v.Structured {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		doc := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			doc = append(doc, k, fmt.Sprint(v.Structured[k]))
		}
		payload["structured"] = doc
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks that the payload matches the declared kind.
func (v Value) Validate() error {
	switch v.Kind {
	case ValueNumber:
		if v.Number == nil {
			return fmt.Errorf("number value missing payload")
		}
	case ValueBoolean:
		if v.Bool == nil {
			return fmt.Errorf("boolean value missing payload")
		}
	case ValueEnum:
		if v.Enum == nil {
			return fmt.Errorf("enum value missing payload")
		}
	case ValueStructured:
		if v.Structured == nil {
			return fmt.Errorf("structured value missing payload")
		}
	default:
		return fmt.Errorf("unknown value kind %q", v.Kind)
	}
	return nil
}
