package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/semantics"
)

type evalRow map[string]interface{}

func (r evalRow) lookup(record, attribute string) (interface{}, bool) {
	key := attribute
	if record != "" {
		key = record + "." + attribute
	}
	v, ok := r[key]
	return v, ok
}

func ref(an *semantics.Analysis, record, attribute string) *parser.AttributeRef {
	r := &parser.AttributeRef{Parts: []string{record, attribute}}
	an.Refs[r] = semantics.ResolvedRef{
		Record: record, Attribute: attribute, Class: models.StorageScalar,
	}
	return r
}

func num(n float64) *parser.Literal {
	return &parser.Literal{Kind: parser.LiteralNumber, Num: n}
}

func str(s string) *parser.Literal {
	return &parser.Literal{Kind: parser.LiteralString, Str: s}
}

func newAnalysis() *semantics.Analysis {
	return &semantics.Analysis{
		Refs:     make(map[*parser.AttributeRef]semantics.ResolvedRef),
		Literals: make(map[*parser.Literal]interface{}),
	}
}

func TestEvalComparison(t *testing.T) {
	an := newAnalysis()
	expr := &parser.BinaryExpr{Op: ">", Left: ref(an, "users", "age"), Right: num(30)}

	got, err := EvalPredicate(an, expr, evalRow{"users.age": 42}.lookup)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalPredicate(an, expr, evalRow{"users.age": 12}.lookup)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalLogicalOperators(t *testing.T) {
	an := newAnalysis()
	active := &parser.BinaryExpr{Op: "=", Left: ref(an, "users", "name"), Right: str("ana")}
	adult := &parser.BinaryExpr{Op: ">=", Left: ref(an, "users", "age"), Right: num(18)}

	and := &parser.BinaryExpr{Op: "AND", Left: active, Right: adult}
	or := &parser.BinaryExpr{Op: "OR", Left: active, Right: adult}
	not := &parser.UnaryExpr{Op: "NOT", Expr: active}

	row := evalRow{"users.name": "ana", "users.age": 12}

	got, err := EvalPredicate(an, and, row.lookup)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvalPredicate(an, or, row.lookup)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalPredicate(an, not, row.lookup)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalUsesConvertedLiterals(t *testing.T) {
	an := newAnalysis()
	lit := str("30")
	an.Literals[lit] = int64(30) // the analyzer recorded an INT conversion
	expr := &parser.BinaryExpr{Op: "=", Left: ref(an, "users", "age"), Right: lit}

	got, err := EvalPredicate(an, expr, evalRow{"users.age": 30}.lookup)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalMissingAttributeIsFalse(t *testing.T) {
	an := newAnalysis()
	expr := &parser.BinaryExpr{Op: "=", Left: ref(an, "users", "ghost"), Right: num(1)}

	got, err := EvalPredicate(an, expr, evalRow{}.lookup)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalAggregateLookup(t *testing.T) {
	an := newAnalysis()
	arg := &parser.AttributeRef{Parts: []string{"tasks"}}
	an.Refs[arg] = semantics.ResolvedRef{Record: "tasks"}
	call := &parser.AggregateCall{Func: "COUNT", Arg: arg}
	expr := &parser.BinaryExpr{Op: ">", Left: call, Right: num(2)}

	// Aggregates resolve through the rendered name after grouping.
	got, err := EvalPredicate(an, expr, evalRow{"COUNT(tasks)": 5}.lookup)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalPredicate(an, expr, evalRow{"COUNT(tasks)": 1}.lookup)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalRejectsNonPredicate(t *testing.T) {
	an := newAnalysis()
	_, err := EvalPredicate(an, num(1), evalRow{}.lookup)
	require.Error(t, err)
}
