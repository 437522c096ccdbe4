// Package dtable implements a generic decision table: named conditions and
// actions, cases that map a partial truth specification to an ordered list of
// actions, and an evaluator that returns the actions of every matching case.
package dtable

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Predicate is a pure test over an entity. It must not mutate the entity.
type Predicate[E any] func(entity E) bool

// Procedure is a side-effecting step executed against an entity.
type Procedure[E any] func(ctx context.Context, entity E) error

// Condition is a registered predicate. Ordinal fixes its position in every
// evaluated vector and is not meant for external addressing.
type Condition[E any] struct {
	Name    string
	Ordinal int
	Test    Predicate[E]
}

// Action is a registered procedure.
type Action[E any] struct {
	Name    string
	Ordinal int
	Run     Procedure[E]
}

// Spec maps condition names to the truth value a case requires.
// Conditions left out are don't-care.
type Spec map[string]bool

// Entry is the expanded value of one condition inside a case.
type Entry int8

const (
	DontCare Entry = 0
	True     Entry = 1
	False    Entry = -1
)

func (e Entry) String() string {
	switch e {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "-"
	}
}

// Case is a declared row of the table.
type Case struct {
	Name    string
	Ordinal int

	want    map[int]bool
	actions []int
}

// Entry reports what the case requires of the condition with the given ordinal.
func (c *Case) Entry(ordinal int) Entry {
	v, ok := c.want[ordinal]
	switch {
	case !ok:
		return DontCare
	case v:
		return True
	default:
		return False
	}
}

// Matches is the reference matching rule: every cared-for entry must equal the
// vector value at the same ordinal.
func (c *Case) Matches(vector []bool) bool {
	for ordinal, want := range c.want {
		if ordinal >= len(vector) || vector[ordinal] != want {
			return false
		}
	}
	return true
}

// ActionOrdinals returns the ordinals of the case's actions in declaration order.
func (c *Case) ActionOrdinals() []int {
	out := make([]int, len(c.actions))
	copy(out, c.actions)
	return out
}

// fingerprint expands the case over n conditions, one rune per condition.
func (c *Case) fingerprint(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		switch c.Entry(i) {
		case True:
			b.WriteByte('1')
		case False:
			b.WriteByte('0')
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Table holds the registry of conditions and actions together with the cases
// declared over them. Construction is expected to happen once at startup;
// evaluation is safe for concurrent use.
type Table[E any] struct {
	name string

	mu          sync.RWMutex
	conditions  []Condition[E]
	conditionIx map[string]int
	actions     []Action[E]
	actionIx    map[string]int
	cases       []*Case
	caseIx      map[string]int
	program     *Program[E]
}

// New creates an empty table.
func New[E any](name string) *Table[E] {
	return &Table[E]{
		name:        strings.TrimSpace(name),
		conditionIx: make(map[string]int),
		actionIx:    make(map[string]int),
		caseIx:      make(map[string]int),
	}
}

// Name returns the table name.
func (t *Table[E]) Name() string {
	return t.name
}

// RegisterCondition adds a named predicate to the table.
func (t *Table[E]) RegisterCondition(name string, predicate Predicate[E]) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%s: register condition: %w", t.name, ErrEmptyName)
	}
	if predicate == nil {
		return fmt.Errorf("%s: register condition %q: %w", t.name, name, ErrNotCallable)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conditionIx[name]; ok {
		return fmt.Errorf("%s: register condition %q: %w", t.name, name, ErrDuplicateName)
	}
	ordinal := len(t.conditions)
	t.conditions = append(t.conditions, Condition[E]{Name: name, Ordinal: ordinal, Test: predicate})
	t.conditionIx[name] = ordinal
	t.program = nil
	return nil
}

// RegisterAction adds a named procedure to the table.
func (t *Table[E]) RegisterAction(name string, procedure Procedure[E]) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%s: register action: %w", t.name, ErrEmptyName)
	}
	if procedure == nil {
		return fmt.Errorf("%s: register action %q: %w", t.name, name, ErrNotCallable)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.actionIx[name]; ok {
		return fmt.Errorf("%s: register action %q: %w", t.name, name, ErrDuplicateActionName)
	}
	ordinal := len(t.actions)
	t.actions = append(t.actions, Action[E]{Name: name, Ordinal: ordinal, Run: procedure})
	t.actionIx[name] = ordinal
	t.program = nil
	return nil
}

// AddCase declares a case. Every referenced name must already be registered,
// the specification must care about at least one condition, the action list
// must be non-empty and the expanded specification must be new to the table.
func (t *Table[E]) AddCase(name string, spec Spec, actions []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%s: add case: %w", t.name, ErrEmptyName)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.caseIx[name]; ok {
		return fmt.Errorf("%s: case %q: %w", t.name, name, ErrDuplicateCaseName)
	}

	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	want := make(map[int]bool, len(spec))
	for _, k := range keys {
		ordinal, ok := t.conditionIx[strings.TrimSpace(k)]
		if !ok {
			return fmt.Errorf("%s: case %q: %w: %q", t.name, name, ErrUnknownCondition, k)
		}
		want[ordinal] = spec[k]
	}
	if len(want) == 0 {
		return fmt.Errorf("%s: case %q: %w", t.name, name, ErrEmptySpecification)
	}
	if len(actions) == 0 {
		return fmt.Errorf("%s: case %q: %w", t.name, name, ErrNoActions)
	}

	coded := make([]int, 0, len(actions))
	for _, a := range actions {
		ordinal, ok := t.actionIx[strings.TrimSpace(a)]
		if !ok {
			return fmt.Errorf("%s: case %q: %w: %q", t.name, name, ErrUnknownAction, a)
		}
		coded = append(coded, ordinal)
	}

	c := &Case{Name: name, Ordinal: len(t.cases), want: want, actions: coded}
	n := len(t.conditions)
	key := c.fingerprint(n)
	for _, existing := range t.cases {
		if existing.fingerprint(n) == key {
			return fmt.Errorf("%s: case %q: %w (same as %q)", t.name, name, ErrDuplicateCase, existing.Name)
		}
	}

	t.cases = append(t.cases, c)
	t.caseIx[name] = c.Ordinal
	t.program = nil
	return nil
}

// Conditions returns the registered conditions in ordinal order.
func (t *Table[E]) Conditions() []Condition[E] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Condition[E], len(t.conditions))
	copy(out, t.conditions)
	return out
}

// Actions returns the registered actions in ordinal order.
func (t *Table[E]) Actions() []Action[E] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Action[E], len(t.actions))
	copy(out, t.actions)
	return out
}

// Cases returns the declared cases in registration order.
func (t *Table[E]) Cases() []*Case {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Case, len(t.cases))
	copy(out, t.cases)
	return out
}

// Action looks up a registered action by name.
func (t *Table[E]) Action(name string) (Action[E], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ordinal, ok := t.actionIx[strings.TrimSpace(name)]
	if !ok {
		return Action[E]{}, false
	}
	return t.actions[ordinal], true
}

// HasCondition reports whether a condition with the given name is registered.
func (t *Table[E]) HasCondition(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conditionIx[strings.TrimSpace(name)]
	return ok
}
