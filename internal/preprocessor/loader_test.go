package preprocessor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rgehrsitz/invested/internal/dtable"
)

type probe struct{ a, b, c bool }

func probeTable(t *testing.T) *dtable.Table[probe] {
	t.Helper()
	tbl := dtable.New[probe]("probe")
	require.NoError(t, tbl.RegisterCondition("a", func(p probe) bool { return p.a }))
	require.NoError(t, tbl.RegisterCondition("b", func(p probe) bool { return p.b }))
	require.NoError(t, tbl.RegisterCondition("c", func(p probe) bool { return p.c }))
	for _, name := range []string{"x", "y", "z"} {
		require.NoError(t, tbl.RegisterAction(name, func(context.Context, probe) error { return nil }))
	}
	return tbl
}

func TestLoad_AddsCasesInOrder(t *testing.T) {
	tbl := probeTable(t)
	doc, err := LoadBytes(tbl, []byte(validYAML))
	require.NoError(t, err)
	require.Len(t, doc.Cases, 2)

	cases := tbl.Cases()
	require.Len(t, cases, 2)
	assert.Equal(t, "first", cases[0].Name)
	assert.Equal(t, dtable.False, cases[0].Entry(1))
	assert.Equal(t, dtable.DontCare, cases[0].Entry(2))

	res := dtable.NewEvaluator(tbl).Evaluate(probe{a: true, c: true})
	assert.Equal(t, []string{"x", "y", "z"}, res.ActionNames())
}

func TestLoad_UnknownConditionIsCaseError(t *testing.T) {
	tbl := probeTable(t)
	doc := &Document{Table: "probe", Cases: []CaseDef{
		{Name: "ok", When: map[string]bool{"a": true}, Then: []string{"x"}},
		{Name: "bad", When: map[string]bool{"missing": true}, Then: []string{"x"}},
	}}

	err := Load(tbl, doc)
	var ce *CaseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bad", ce.Case)
	assert.Equal(t, 1, ce.Index)
	assert.ErrorIs(t, err, dtable.ErrUnknownCondition)
	assert.Len(t, tbl.Cases(), 1)
}

func TestLoad_UnknownAction(t *testing.T) {
	tbl := probeTable(t)
	_, err := LoadBytes(tbl, []byte("table: probe\ncases:\n  - name: a\n    when: {a: true}\n    then: [nope]\n"))
	assert.ErrorIs(t, err, dtable.ErrUnknownAction)
}
