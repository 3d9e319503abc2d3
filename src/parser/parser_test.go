package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesseradb/src/engine"
	"tesseradb/src/models"
)

func parseFind(t *testing.T, query string) *FindStatement {
	t.Helper()
	stmt, err := Parse(query)
	require.NoError(t, err)
	find, ok := stmt.(*FindStatement)
	require.True(t, ok, "expected FindStatement, got %T", stmt)
	return find
}

func TestParseFindMinimal(t *testing.T) {
	find := parseFind(t, "FIND name, email")

	require.Len(t, find.Projections, 2)
	ref, ok := find.Projections[0].(*AttributeRef)
	require.True(t, ok)
	assert.Equal(t, "name", ref.String())
	assert.Nil(t, find.Where)
	assert.Equal(t, -1, find.Limit)
	assert.Equal(t, 0, find.Offset)
}

func TestParseFindAllClauses(t *testing.T) {
	find := parseFind(t, `FIND users.name, COUNT(tasks)
		NAVIGATE users -> assignee : tasks
		MATCH users.active = true
		GROUP BY users.name
		HAVING COUNT(tasks) > 2
		ORDER BY users.name DESC
		LIMIT 10 OFFSET 20;`)

	require.Len(t, find.Projections, 2)
	agg, ok := find.Projections[1].(*AggregateCall)
	require.True(t, ok)
	assert.Equal(t, "COUNT", agg.Func)
	assert.Equal(t, "tasks", agg.Arg.String())

	require.Len(t, find.Navigations, 1)
	assert.Equal(t, NavigationStep{
		From: "users", Attribute: "assignee", Target: "tasks",
		Pos: find.Navigations[0].Pos,
	}, find.Navigations[0])

	require.NotNil(t, find.Where)
	require.Len(t, find.GroupBy, 1)
	assert.Equal(t, "users.name", find.GroupBy[0].String())

	having, ok := find.Having.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, ">", having.Op)
	_, ok = having.Left.(*AggregateCall)
	assert.True(t, ok)

	require.NotNil(t, find.OrderBy)
	assert.True(t, find.OrderBy.Descending)
	assert.Equal(t, 10, find.Limit)
	assert.Equal(t, 20, find.Offset)
}

func TestParseMultiHopNavigation(t *testing.T) {
	find := parseFind(t, "FIND projects.title NAVIGATE users -> assignee : tasks -> project : projects")

	require.Len(t, find.Navigations, 2)
	assert.Equal(t, "users", find.Navigations[0].From)
	assert.Equal(t, "tasks", find.Navigations[0].Target)
	// Second hop starts where the first one ended.
	assert.Equal(t, "tasks", find.Navigations[1].From)
	assert.Equal(t, "project", find.Navigations[1].Attribute)
	assert.Equal(t, "projects", find.Navigations[1].Target)
}

func TestParseExpressionPrecedence(t *testing.T) {
	// a = 1 OR b = 2 AND NOT c = 3  =>  OR(a=1, AND(b=2, NOT(c=3)))
	find := parseFind(t, "FIND x MATCH a = 1 OR b = 2 AND NOT c = 3")

	or, ok := find.Where.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "OR", or.Op)

	and, ok := or.Right.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "AND", and.Op)

	not, ok := and.Right.(*UnaryExpr)
	require.True(t, ok)
	assert.Equal(t, "NOT", not.Op)
}

func TestParseParenthesizedExpression(t *testing.T) {
	find := parseFind(t, "FIND x MATCH (a = 1 OR b = 2) AND c = 3")

	and, ok := find.Where.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "AND", and.Op)

	or, ok := and.Left.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "OR", or.Op)
}

func TestParseContains(t *testing.T) {
	find := parseFind(t, `FIND title MATCH title CONTAINS "urgent"`)

	cmp, ok := find.Where.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "CONTAINS", cmp.Op)
	lit, ok := cmp.Right.(*Literal)
	require.True(t, ok)
	assert.Equal(t, "urgent", lit.Str)
}

func TestParseNavigateStatement(t *testing.T) {
	stmt, err := Parse(`NAVIGATE users -> assignee : tasks MATCH tasks.status = "open"`)
	require.NoError(t, err)

	nav, ok := stmt.(*NavigateStatement)
	require.True(t, ok)
	assert.Equal(t, "users", nav.Step.From)
	assert.Equal(t, "assignee", nav.Step.Attribute)
	assert.Equal(t, "tasks", nav.Step.Target)
	require.NotNil(t, nav.Where)
}

func TestParseNavigateStatementRejectsMultiHop(t *testing.T) {
	_, err := Parse("NAVIGATE users -> assignee : tasks -> project : projects")
	require.Error(t, err)
	var synErr *engine.SyntaxError
	require.ErrorAs(t, err, &synErr)
}

func TestParseAdd(t *testing.T) {
	stmt, err := Parse(`ADD tasks (title = "write tests", priority = 3, done = false)`)
	require.NoError(t, err)

	add, ok := stmt.(*AddStatement)
	require.True(t, ok)
	assert.Equal(t, "tasks", add.Record)
	require.Len(t, add.Values, 3)
	assert.Equal(t, "title", add.Values[0].Attribute)
	assert.Equal(t, LiteralString, add.Values[0].Value.Kind)
	assert.Equal(t, 3.0, add.Values[1].Value.Num)
	assert.Equal(t, LiteralBool, add.Values[2].Value.Kind)
	assert.False(t, add.Values[2].Value.Bool)
}

func TestParseUpdateWithMatch(t *testing.T) {
	stmt, err := Parse(`UPDATE tasks (status = "done") MATCH priority >= 5`)
	require.NoError(t, err)

	upd, ok := stmt.(*UpdateStatement)
	require.True(t, ok)
	assert.Equal(t, "tasks", upd.Record)
	require.Len(t, upd.Values, 1)
	require.NotNil(t, upd.Where)
}

func TestParseRemove(t *testing.T) {
	stmt, err := Parse(`REMOVE tasks MATCH status = "stale"`)
	require.NoError(t, err)

	rem, ok := stmt.(*RemoveStatement)
	require.True(t, ok)
	assert.Equal(t, "tasks", rem.Record)
	require.NotNil(t, rem.Where)

	stmt, err = Parse("REMOVE tasks")
	require.NoError(t, err)
	assert.Nil(t, stmt.(*RemoveStatement).Where)
}

func TestParseCreateBucket(t *testing.T) {
	stmt, err := Parse("CREATE BUCKET crm")
	require.NoError(t, err)
	assert.Equal(t, &CreateBucketStatement{Name: "crm"}, stmt)
}

func TestParseCreateRecord(t *testing.T) {
	stmt, err := Parse(`CREATE RECORD tasks (
		title : SCALAR,
		owner_id : SCALAR<UUID>,
		body : DOCUMENT,
		assignee : RELATION<users>,
		latency : METRIC<GAUGE>
	)`)
	require.NoError(t, err)

	rec, ok := stmt.(*CreateRecordStatement)
	require.True(t, ok)
	assert.Equal(t, "tasks", rec.Name)
	require.Len(t, rec.Attributes, 5)

	assert.Equal(t, models.StorageScalar, rec.Attributes[0].Class)
	assert.Empty(t, rec.Attributes[0].Hint)
	assert.Equal(t, "UUID", rec.Attributes[1].Hint)
	assert.Equal(t, models.StorageDocument, rec.Attributes[2].Class)
	assert.Equal(t, models.StorageRelation, rec.Attributes[3].Class)
	assert.Equal(t, "users", rec.Attributes[3].Hint)
	assert.Equal(t, models.StorageMetric, rec.Attributes[4].Class)
	assert.Equal(t, "GAUGE", rec.Attributes[4].Hint)
}

func TestParseCreateRecordKeywordHint(t *testing.T) {
	// COUNT is reserved as an aggregate keyword but still valid as a
	// metric unit hint.
	stmt, err := Parse("CREATE RECORD endpoints (hits : METRIC<COUNT>)")
	require.NoError(t, err)
	rec := stmt.(*CreateRecordStatement)
	assert.Equal(t, "COUNT", rec.Attributes[0].Hint)
}

func TestParseCreateRelation(t *testing.T) {
	stmt, err := Parse("CREATE RELATION reviewer ON tasks TARGET users")
	require.NoError(t, err)
	assert.Equal(t, &CreateRelationStatement{
		Attribute: "reviewer",
		Record:    "tasks",
		Target:    "users",
	}, stmt)
}

func TestParseTransaction(t *testing.T) {
	stmt, err := Parse(`TRANSACTION {
		ADD tasks (title = "a");
		UPDATE users (task_count = 1) MATCH name = "bob";
	}`)
	require.NoError(t, err)

	txn, ok := stmt.(*TransactionStatement)
	require.True(t, ok)
	require.Len(t, txn.Statements, 2)
	_, ok = txn.Statements[0].(*AddStatement)
	assert.True(t, ok)
	_, ok = txn.Statements[1].(*UpdateStatement)
	assert.True(t, ok)
}

func TestParseTransactionRejectsNesting(t *testing.T) {
	_, err := Parse(`TRANSACTION { TRANSACTION { ADD tasks (title = "a") } }`)
	require.Error(t, err)
	var synErr *engine.SyntaxError
	require.ErrorAs(t, err, &synErr)
}

func TestParseSyntaxErrors(t *testing.T) {
	cases := map[string]string{
		"unknown verb":       "DISCOVER things",
		"missing projection": "FIND",
		"missing match expr": "FIND x MATCH",
		"dangling operator":  "FIND x MATCH a =",
		"missing group ref":  "FIND x GROUP BY",
		"trailing garbage":   "FIND x LIMIT 5 nonsense",
		"bad create":         "CREATE TABLE t (a : SCALAR)",
		"class as hint":      "CREATE RECORD t (a : SCALAR<DOCUMENT>)",
		"unclosed paren":     "FIND x MATCH (a = 1",
		"assignment non-lit": "ADD tasks (title = name)",
	}
	for name, query := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(query)
			require.Error(t, err)
			var synErr *engine.SyntaxError
			require.ErrorAs(t, err, &synErr)
			assert.NotEmpty(t, synErr.Expected)
		})
	}
}
