package driftdb

import (
	"math/rand"
	"testing"

	"github.com/driftdb/driftdb/kv"
)

func TestNewConditionRejectsMultipleFields(t *testing.T) {
	_, err := NewCondition(Where{
		"status": {Eq: "done"},
		"owner":  {Eq: "me"},
	})
	if err == nil {
		t.Fatal("expected an error for a multi-field Where clause")
	}
}

func TestNewConditionRejectsMultipleComparators(t *testing.T) {
	_, err := NewCondition(Where{
		"priority": {Gt: 1, Lt: 5},
	})
	if err == nil {
		t.Fatal("expected an error for multiple comparators on one field")
	}
}

func TestNewConditionRejectsNoComparator(t *testing.T) {
	_, err := NewCondition(Where{"priority": {}})
	if err == nil {
		t.Fatal("expected an error when no comparator is set")
	}
}

func TestConditionFieldNameAndRangeDescriptor(t *testing.T) {
	c, err := NewCondition(Where{"priority": {Gte: 3}})
	if err != nil {
		t.Fatalf("NewCondition: %v", err)
	}
	if c.FieldName() != "priority" {
		t.Fatalf("FieldName() = %q", c.FieldName())
	}
	rd := c.RangeDescriptor()
	if rd.Field != "priority" || rd.Lower != 3 || !rd.LowerClosed || rd.Upper != nil {
		t.Fatalf("unexpected range descriptor: %+v", rd)
	}
}

// TestRangeDescriptorAgreesWithSatisfies is the range/predicate agreement
// property: for a population of candidate values and every comparator, a
// value is inside the range descriptor's bound iff Satisfies reports a
// match, since both are derived from the same stored comparator/value.
func TestRangeDescriptorAgreesWithSatisfies(t *testing.T) {
	comparators := []Comparator{Eq, Lt, Lte, Gt, Gte}
	rnd := rand.New(rand.NewSource(42))

	for _, cmp := range comparators {
		filter := FieldFilter{}
		pivot := float64(rnd.Intn(100) - 50)
		switch cmp {
		case Eq:
			filter.Eq = pivot
		case Lt:
			filter.Lt = pivot
		case Lte:
			filter.Lte = pivot
		case Gt:
			filter.Gt = pivot
		case Gte:
			filter.Gte = pivot
		}
		cond, err := NewCondition(Where{"n": filter})
		if err != nil {
			t.Fatalf("NewCondition(%s): %v", cmp, err)
		}
		rd := cond.RangeDescriptor()

		for i := 0; i < 200; i++ {
			candidate := float64(rnd.Intn(120) - 60)
			doc := map[string]any{"n": candidate}

			inRange := boundsContain(rd, candidate)
			satisfies := cond.Satisfies(doc)
			if inRange != satisfies {
				t.Fatalf("comparator %s pivot %v candidate %v: RangeDescriptor says %v, Satisfies says %v",
					cmp, pivot, candidate, inRange, satisfies)
			}
		}
	}
}

// boundsContain mirrors the same open/closed bound check a secondary-index
// scan would perform, so this test can check it against Satisfies without
// depending on a concrete kv.Store implementation.
func boundsContain(rd kv.RangeDescriptor, candidate float64) bool {
	if rd.Lower != nil {
		lower := rd.Lower.(float64)
		if rd.LowerClosed {
			if candidate < lower {
				return false
			}
		} else if candidate <= lower {
			return false
		}
	}
	if rd.Upper != nil {
		upper := rd.Upper.(float64)
		if rd.UpperClosed {
			if candidate > upper {
				return false
			}
		} else if candidate >= upper {
			return false
		}
	}
	return true
}
