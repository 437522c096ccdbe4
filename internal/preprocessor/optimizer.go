package preprocessor

import (
	"crypto/sha256"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// entry is one cared-for condition in normalized form.
type entry struct {
	Condition string `json:"c"`
	Value     bool   `json:"v"`
}

// normalizeWhen returns the entries of a specification ordered by condition name.
func normalizeWhen(when map[string]bool) []entry {
	entries := make([]entry, 0, len(when))
	for cond, v := range when {
		entries = append(entries, entry{Condition: cond, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Condition < entries[j].Condition
	})
	return entries
}

// Fingerprint generates a stable key for a specification. Two specifications
// share a fingerprint exactly when they care about the same conditions with
// the same values, regardless of the order they were written in.
func Fingerprint(when map[string]bool) (string, error) {
	serialized, err := json.Marshal(normalizeWhen(when))
	if err != nil {
		return "", fmt.Errorf("error marshaling specification: %w", err)
	}
	hash := sha256.Sum256(serialized)
	return fmt.Sprintf("%x", hash), nil
}

func specKey(when map[string]bool) string {
	key, err := Fingerprint(when)
	if err != nil {
		// map[string]bool always marshals
		panic(err)
	}
	return key
}

// Overlap names two cases that can match the same entity.
type Overlap struct {
	A string
	B string
}

func (o Overlap) String() string {
	return fmt.Sprintf("%s <-> %s", o.A, o.B)
}

// Overlaps reports every pair of cases whose specifications do not contradict
// each other on any cared-for condition, so some condition vector satisfies
// both. Overlapping cases are legal and both fire; the report exists so that
// tables meant to be mutually exclusive can be checked.
func Overlaps(doc *Document) []Overlap {
	if doc == nil {
		return nil
	}
	var out []Overlap
	for i := 0; i < len(doc.Cases); i++ {
		for j := i + 1; j < len(doc.Cases); j++ {
			if !contradicts(doc.Cases[i].When, doc.Cases[j].When) {
				out = append(out, Overlap{A: doc.Cases[i].Name, B: doc.Cases[j].Name})
			}
		}
	}
	return out
}

func contradicts(a, b map[string]bool) bool {
	for cond, va := range a {
		if vb, ok := b[cond]; ok && va != vb {
			return true
		}
	}
	return false
}

// Conditions lists the distinct condition names a document refers to, sorted.
func (d *Document) Conditions() []string {
	return d.collect(func(def CaseDef) []string {
		names := make([]string, 0, len(def.When))
		for cond := range def.When {
			names = append(names, cond)
		}
		return names
	})
}

// Actions lists the distinct action names a document refers to, sorted.
func (d *Document) Actions() []string {
	return d.collect(func(def CaseDef) []string { return def.Then })
}

func (d *Document) collect(names func(CaseDef) []string) []string {
	seen := make(map[string]struct{})
	for _, def := range d.Cases {
		for _, n := range names(def) {
			seen[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
