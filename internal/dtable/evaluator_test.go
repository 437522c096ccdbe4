package dtable

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_CollectsActionsInCaseOrder(t *testing.T) {
	tbl := newProbeTable(t)
	require.NoError(t, tbl.AddCase("a", Spec{"a": true}, []string{"y", "x"}))
	require.NoError(t, tbl.AddCase("a-and-b", Spec{"a": true, "b": true}, []string{"x", "z"}))
	require.NoError(t, tbl.AddCase("not-c", Spec{"c": false}, []string{"z"}))

	res := NewEvaluator(tbl).Evaluate(&probe{a: true, b: true})

	assert.Equal(t, []string{"a", "a-and-b", "not-c"}, res.Cases)
	assert.Equal(t, []string{"y", "x", "x", "z", "z"}, res.ActionNames(), "shared actions are not deduplicated")
	assert.Equal(t, []bool{true, true, false}, res.Vector.Bools())
	assert.True(t, res.Matched())
}

func TestEvaluate_NoMatchReturnsEmpty(t *testing.T) {
	tbl := newProbeTable(t)
	require.NoError(t, tbl.AddCase("a", Spec{"a": true}, []string{"x"}))

	res := NewEvaluator(tbl).Evaluate(&probe{})
	assert.False(t, res.Matched())
	assert.Empty(t, res.Actions)
	assert.Equal(t, "a=false, b=false, c=false", res.Vector.String())
}

func TestEvaluate_RunsEachConditionOnce(t *testing.T) {
	tbl := New[*probe]("count")
	calls := 0
	require.NoError(t, tbl.RegisterCondition("counted", func(*probe) bool {
		calls++
		return true
	}))
	require.NoError(t, tbl.RegisterAction("x", noop))
	require.NoError(t, tbl.AddCase("one", Spec{"counted": true}, []string{"x"}))
	require.NoError(t, tbl.AddCase("two", Spec{"counted": false}, []string{"x"}))

	NewEvaluator(tbl).Evaluate(&probe{})
	assert.Equal(t, 1, calls)
}

func TestEvaluate_Deterministic(t *testing.T) {
	tbl := newProbeTable(t)
	require.NoError(t, tbl.AddCase("a", Spec{"a": true}, []string{"x", "y"}))
	require.NoError(t, tbl.AddCase("b", Spec{"b": true}, []string{"z"}))
	ev := NewEvaluator(tbl)
	entity := &probe{a: true, b: true}

	first := ev.Evaluate(entity).ActionNames()
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, ev.Evaluate(entity).ActionNames())
	}
}

func TestEvaluate_SeesCasesAddedAfterFirstUse(t *testing.T) {
	tbl := newProbeTable(t)
	require.NoError(t, tbl.AddCase("a", Spec{"a": true}, []string{"x"}))
	ev := NewEvaluator(tbl)
	assert.Equal(t, []string{"x"}, ev.Evaluate(&probe{a: true, b: true}).ActionNames())

	require.NoError(t, tbl.AddCase("b", Spec{"b": true}, []string{"y"}))
	assert.Equal(t, []string{"x", "y"}, ev.Evaluate(&probe{a: true, b: true}).ActionNames())
}

// TestProgram_AgreesWithReferenceMatcher builds random tables, some wider
// than one word, and checks the compiled masks against Case.Matches for
// random vectors.
func TestProgram_AgreesWithReferenceMatcher(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, width := range []int{1, 5, 63, 64, 65, 130} {
		tbl := New[[]bool](fmt.Sprintf("width-%d", width))
		for i := 0; i < width; i++ {
			i := i
			require.NoError(t, tbl.RegisterCondition(fmt.Sprintf("c%d", i), func(v []bool) bool { return v[i] }))
		}
		require.NoError(t, tbl.RegisterAction("act", func(context.Context, []bool) error { return nil }))

		for n := 0; n < 40; n++ {
			spec := Spec{}
			for i := 0; i < width; i++ {
				switch rng.Intn(3) {
				case 0:
					spec[fmt.Sprintf("c%d", i)] = true
				case 1:
					spec[fmt.Sprintf("c%d", i)] = false
				}
			}
			if len(spec) == 0 {
				spec["c0"] = true
			}
			_ = tbl.AddCase(fmt.Sprintf("case-%d", n), spec, []string{"act"})
		}

		program := tbl.Compile()
		cases := tbl.Cases()
		for trial := 0; trial < 500; trial++ {
			vector := make([]bool, width)
			for i := range vector {
				vector[i] = rng.Intn(2) == 1
			}
			// Bias some vectors towards a declared case so matches actually occur.
			if trial%2 == 0 && len(cases) > 0 {
				c := cases[rng.Intn(len(cases))]
				for i := range vector {
					switch c.Entry(i) {
					case True:
						vector[i] = true
					case False:
						vector[i] = false
					}
				}
			}

			var want []int
			for _, c := range cases {
				if c.Matches(vector) {
					want = append(want, c.Ordinal)
				}
			}
			assert.Equal(t, want, program.Match(vector), "width %d trial %d", width, trial)
		}
	}
}
