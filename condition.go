package driftdb

import (
	"fmt"

	"github.com/driftdb/driftdb/kv"
)

// Comparator re-exports kv.Comparator so callers building a Where clause
// never have to import the kv package directly.
type Comparator = kv.Comparator

const (
	Eq  = kv.Eq
	Lt  = kv.Lt
	Lte = kv.Lte
	Gt  = kv.Gt
	Gte = kv.Gte
)

// ConditionError is a precondition error: the Where clause did not describe
// exactly one field and exactly one comparator.
type ConditionError struct {
	Reason string
}

func (e *ConditionError) Error() string { return "driftdb: invalid condition: " + e.Reason }

// Where is the literal shape a caller builds a single-field filter from,
// e.g. Where{"status": {Eq: "incomplete"}}.
type Where map[string]FieldFilter

// FieldFilter carries exactly one comparator. Exactly one of its fields may
// be set; NewCondition rejects anything else.
type FieldFilter struct {
	Eq  any
	Lt  any
	Lte any
	Gt  any
	Gte any
}

// Condition captures a single filter {field, comparator, value}. It exposes
// both a range descriptor (to drive a secondary-index scan) and an
// in-memory predicate (Satisfies), built from the same stored value so the
// two can never disagree — see TestRangeDescriptorAgreesWithSatisfies.
type Condition struct {
	field      string
	comparator Comparator
	value      any
}

// NewCondition validates a Where clause and builds a Condition from it.
// Construction fails unless the clause names exactly one field with exactly
// one comparator set.
func NewCondition(w Where) (Condition, error) {
	if len(w) != 1 {
		return Condition{}, &ConditionError{Reason: fmt.Sprintf("expected exactly one field, got %d", len(w))}
	}
	var field string
	var filter FieldFilter
	for f, ff := range w {
		field, filter = f, ff
	}

	comparator, value, n := Comparator(""), any(nil), 0
	if filter.Eq != nil {
		comparator, value, n = Eq, filter.Eq, n+1
	}
	if filter.Lt != nil {
		comparator, value, n = Lt, filter.Lt, n+1
	}
	if filter.Lte != nil {
		comparator, value, n = Lte, filter.Lte, n+1
	}
	if filter.Gt != nil {
		comparator, value, n = Gt, filter.Gt, n+1
	}
	if filter.Gte != nil {
		comparator, value, n = Gte, filter.Gte, n+1
	}
	if n != 1 {
		return Condition{}, &ConditionError{Reason: fmt.Sprintf("expected exactly one comparator on field %q, got %d", field, n)}
	}
	return Condition{field: field, comparator: comparator, value: value}, nil
}

// FieldName is the field the condition filters on.
func (c Condition) FieldName() string { return c.field }

// RangeDescriptor produces the open/closed bound matching this condition's
// comparator, for driving a secondary-index scan.
func (c Condition) RangeDescriptor() kv.RangeDescriptor {
	switch c.comparator {
	case Eq:
		return kv.RangeDescriptor{Field: c.field, Lower: c.value, LowerClosed: true, Upper: c.value, UpperClosed: true}
	case Lt:
		return kv.RangeDescriptor{Field: c.field, Upper: c.value, UpperClosed: false}
	case Lte:
		return kv.RangeDescriptor{Field: c.field, Upper: c.value, UpperClosed: true}
	case Gt:
		return kv.RangeDescriptor{Field: c.field, Lower: c.value, LowerClosed: false}
	case Gte:
		return kv.RangeDescriptor{Field: c.field, Lower: c.value, LowerClosed: true}
	default:
		return kv.RangeDescriptor{Field: c.field}
	}
}

// Satisfies inspects document[field] in memory. It must agree bit-for-bit
// with RangeDescriptor for equivalent inputs — exercised by
// TestRangeDescriptorAgreesWithSatisfies in this package.
func (c Condition) Satisfies(doc map[string]any) bool {
	v, ok := doc[c.field]
	if !ok {
		return false
	}
	cmp, ok := compare(v, c.value)
	if !ok {
		return false
	}
	switch c.comparator {
	case Eq:
		return cmp == 0
	case Lt:
		return cmp < 0
	case Lte:
		return cmp <= 0
	case Gt:
		return cmp > 0
	case Gte:
		return cmp >= 0
	default:
		return false
	}
}

// compare orders two scalar field values (string|number). ok is false if
// the values aren't comparable (different kinds), in which case Satisfies
// treats the document as not matching, same as a missing index entry would.
func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case float64:
		bv, ok := toFloat64(b)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	default:
		bv, ok := toFloat64(a)
		if !ok {
			return 0, false
		}
		cv, ok := toFloat64(b)
		if !ok {
			return 0, false
		}
		switch {
		case bv < cv:
			return -1, true
		case bv > cv:
			return 1, true
		default:
			return 0, true
		}
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
