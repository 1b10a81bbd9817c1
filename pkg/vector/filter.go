package vector

import "github.com/spf13/cast"

// Op is a filter operator. The language is deliberately closed: equality,
// membership, their negations, and conjunction. No ranges, no disjunction,
// no nesting.
type Op string

const (
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpIn    Op = "in"
	OpNotIn Op = "not_in"
)

type Condition struct {
	Field  string
	Op     Op
	Value  any
	Values []any
}

// Filter is a conjunction of conditions over payload fields.
type Filter struct {
	Conditions []Condition
}

func NewFilter() *Filter {
	return &Filter{}
}

func (f *Filter) Eq(field string, value any) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpEq, Value: value})
	return f
}

func (f *Filter) Ne(field string, value any) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpNe, Value: value})
	return f
}

func (f *Filter) In(field string, values ...any) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpIn, Values: values})
	return f
}

func (f *Filter) NotIn(field string, values ...any) *Filter {
	f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpNotIn, Values: values})
	return f
}

func (f *Filter) Empty() bool {
	return f == nil || len(f.Conditions) == 0
}

// Matches evaluates the filter against a payload client-side. Values are
// compared through their canonical string form so provider round trips
// (int64 vs int, typed slices) do not break equality.
func (f *Filter) Matches(payload map[string]any) bool {
	if f.Empty() {
		return true
	}

	for _, c := range f.Conditions {
		got := cast.ToString(payload[c.Field])
		switch c.Op {
		case OpEq:
			if got != cast.ToString(c.Value) {
				return false
			}
		case OpNe:
			if got == cast.ToString(c.Value) {
				return false
			}
		case OpIn:
			found := false
			for _, v := range c.Values {
				if got == cast.ToString(v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case OpNotIn:
			for _, v := range c.Values {
				if got == cast.ToString(v) {
					return false
				}
			}
		}
	}

	return true
}

// hasNonEq reports whether the filter needs client-side evaluation on
// providers whose native language only covers equality.
func (f *Filter) hasNonEq() bool {
	if f.Empty() {
		return false
	}
	for _, c := range f.Conditions {
		if c.Op != OpEq {
			return true
		}
	}
	return false
}

// eqConditions returns the equality subset as a string map for providers
// with map-shaped native filters.
func (f *Filter) eqConditions() map[string]string {
	if f.Empty() {
		return nil
	}
	out := make(map[string]string)
	for _, c := range f.Conditions {
		if c.Op == OpEq {
			out[c.Field] = cast.ToString(c.Value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
