package dtable

import "strings"

// Truth is one evaluated condition.
type Truth struct {
	Condition string
	Value     bool
}

// Vector is the full set of evaluated conditions in ordinal order.
type Vector []Truth

func (v Vector) String() string {
	parts := make([]string, len(v))
	for i, t := range v {
		if t.Value {
			parts[i] = t.Condition + "=true"
		} else {
			parts[i] = t.Condition + "=false"
		}
	}
	return strings.Join(parts, ", ")
}

// Bools returns the raw values of the vector.
func (v Vector) Bools() []bool {
	out := make([]bool, len(v))
	for i, t := range v {
		out[i] = t.Value
	}
	return out
}

// Result is the outcome of evaluating a table against one entity.
type Result[E any] struct {
	Vector  Vector
	Cases   []string
	Actions []Action[E]
}

// ActionNames lists the names of the result's actions in execution order.
func (r Result[E]) ActionNames() []string {
	out := make([]string, len(r.Actions))
	for i, a := range r.Actions {
		out[i] = a.Name
	}
	return out
}

// Matched reports whether at least one case matched.
func (r Result[E]) Matched() bool {
	return len(r.Cases) > 0
}

// Evaluator matches entities against a table.
type Evaluator[E any] struct {
	table *Table[E]
}

// NewEvaluator creates an evaluator over the table.
func NewEvaluator[E any](table *Table[E]) *Evaluator[E] {
	return &Evaluator[E]{table: table}
}

// Table returns the evaluated table.
func (ev *Evaluator[E]) Table() *Table[E] {
	return ev.table
}

// Evaluate runs every condition once, then collects the actions of every
// matching case. Actions keep case order and, within a case, declaration
// order; an action shared by two matching cases appears twice.
func (ev *Evaluator[E]) Evaluate(entity E) Result[E] {
	p := ev.table.compiled()

	vector := make(Vector, len(p.conditions))
	raw := make([]bool, len(p.conditions))
	for i, c := range p.conditions {
		v := c.Test(entity)
		vector[i] = Truth{Condition: c.Name, Value: v}
		raw[i] = v
	}

	res := Result[E]{Vector: vector}
	for _, ordinal := range p.Match(raw) {
		c := p.cases[ordinal]
		res.Cases = append(res.Cases, c.name)
		for _, a := range c.actions {
			res.Actions = append(res.Actions, p.actions[a])
		}
	}
	return res
}
