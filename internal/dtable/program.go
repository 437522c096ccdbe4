// File: program.go

package dtable

const wordBits = 64

// Program is the compiled form of a table. Each case becomes a mask (which
// conditions it cares about) and a want pattern (their required values), so a
// packed vector matches when vector&mask == want word by word.
type Program[E any] struct {
	conditions []Condition[E]
	actions    []Action[E]
	cases      []compiledCase
	words      int
}

type compiledCase struct {
	name    string
	mask    []uint64
	want    []uint64
	actions []int
}

// Compile snapshots the table into a Program.
func (t *Table[E]) Compile() *Program[E] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.compileLocked()
}

func (t *Table[E]) compileLocked() *Program[E] {
	words := (len(t.conditions) + wordBits - 1) / wordBits
	p := &Program[E]{
		conditions: append([]Condition[E](nil), t.conditions...),
		actions:    append([]Action[E](nil), t.actions...),
		cases:      make([]compiledCase, 0, len(t.cases)),
		words:      words,
	}
	for _, c := range t.cases {
		cc := compiledCase{
			name:    c.Name,
			mask:    make([]uint64, words),
			want:    make([]uint64, words),
			actions: append([]int(nil), c.actions...),
		}
		for ordinal, v := range c.want {
			w, bit := ordinal/wordBits, uint(ordinal%wordBits)
			cc.mask[w] |= 1 << bit
			if v {
				cc.want[w] |= 1 << bit
			}
		}
		p.cases = append(p.cases, cc)
	}
	return p
}

// compiled returns the cached Program, compiling it on first use after a change.
func (t *Table[E]) compiled() *Program[E] {
	t.mu.RLock()
	p := t.program
	t.mu.RUnlock()
	if p != nil {
		return p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.program == nil {
		t.program = t.compileLocked()
	}
	return t.program
}

// pack converts a boolean vector into words.
func (p *Program[E]) pack(vector []bool) []uint64 {
	bits := make([]uint64, p.words)
	for i, v := range vector {
		if v {
			bits[i/wordBits] |= 1 << uint(i%wordBits)
		}
	}
	return bits
}

// Match returns the ordinals of the cases matching the given vector, in
// registration order.
func (p *Program[E]) Match(vector []bool) []int {
	bits := p.pack(vector)
	var out []int
	for i, c := range p.cases {
		if c.matches(bits) {
			out = append(out, i)
		}
	}
	return out
}

func (c compiledCase) matches(bits []uint64) bool {
	for w := range c.mask {
		if bits[w]&c.mask[w] != c.want[w] {
			return false
		}
	}
	return true
}
