package adapters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/semantics"
	"tesseradb/src/translators"
)

func scalarQuery(record string, shape ...string) *translators.NativeQuery {
	return &translators.NativeQuery{
		Engine: models.StorageScalar,
		Record: record,
		Shape:  append([]string{"id"}, shape...),
		Limit:  -1,
	}
}

// predicateQuery attaches a structured `attribute op literal` condition
// the way a translator would.
func predicateQuery(q *translators.NativeQuery, attribute, op string, value interface{}) *translators.NativeQuery {
	an := &semantics.Analysis{
		Refs:     make(map[*parser.AttributeRef]semantics.ResolvedRef),
		Literals: make(map[*parser.Literal]interface{}),
	}
	ref := &parser.AttributeRef{Parts: []string{q.Record, attribute}}
	an.Refs[ref] = semantics.ResolvedRef{Record: q.Record, Attribute: attribute}
	lit := &parser.Literal{Kind: parser.LiteralString}
	an.Literals[lit] = value
	q.Predicate = &parser.BinaryExpr{Op: op, Left: ref, Right: lit}
	q.Analysis = an
	return q
}

func insertRow(t *testing.T, a *MemoryAdapter, bucket, record, id string, values map[string]interface{}) {
	t.Helper()
	err := a.Insert(context.Background(), bucket, &translators.NativeQuery{
		Record: record,
		Values: values,
		Kind:   translators.MutationInsert,
		Limit:  -1,
	}, ExecOptions{RecordID: id})
	require.NoError(t, err)
}

func TestMemoryInsertSelect(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	insertRow(t, a, "crm", "users", "u1", map[string]interface{}{"name": "ana", "age": int64(34)})
	insertRow(t, a, "crm", "users", "u2", map[string]interface{}{"name": "bob", "age": int64(51)})

	rows, err := a.Select(context.Background(), "crm", scalarQuery("users", "name"), ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Contains(t, []interface{}{"ana", "bob"}, row["name"])
		assert.NotContains(t, row, "age", "unprojected attributes stay out of the row")
	}
}

func TestMemorySelectWithPredicate(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	insertRow(t, a, "crm", "users", "u1", map[string]interface{}{"name": "ana", "age": int64(34)})
	insertRow(t, a, "crm", "users", "u2", map[string]interface{}{"name": "bob", "age": int64(51)})

	q := predicateQuery(scalarQuery("users", "name"), "age", ">", int64(40))
	rows, err := a.Select(context.Background(), "crm", q, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0]["name"])
	assert.Equal(t, "u2", rows[0]["id"])
}

func TestMemorySelectSortAndLimit(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	insertRow(t, a, "crm", "users", "u1", map[string]interface{}{"age": int64(34)})
	insertRow(t, a, "crm", "users", "u2", map[string]interface{}{"age": int64(51)})
	insertRow(t, a, "crm", "users", "u3", map[string]interface{}{"age": int64(18)})

	q := scalarQuery("users", "age")
	q.SortAttr = "age"
	q.SortDesc = true
	q.Limit = 2
	rows, err := a.Select(context.Background(), "crm", q, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(51), rows[0]["age"])
	assert.Equal(t, int64(34), rows[1]["age"])
}

func TestMemorySelectBoundIDs(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	insertRow(t, a, "crm", "users", "u1", map[string]interface{}{"name": "ana"})
	insertRow(t, a, "crm", "users", "u2", map[string]interface{}{"name": "bob"})

	q := scalarQuery("users", "name")
	q.BindIDs = true
	rows, err := a.Select(context.Background(), "crm", q, ExecOptions{IDs: []string{"u2"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u2", rows[0]["id"])

	// An empty upstream id set short-circuits to zero rows.
	rows, err = a.Select(context.Background(), "crm", q, ExecOptions{IDs: nil})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMemoryUpdateAndDelete(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	insertRow(t, a, "crm", "users", "u1", map[string]interface{}{"name": "ana"})
	insertRow(t, a, "crm", "users", "u2", map[string]interface{}{"name": "bob"})

	update := predicateQuery(scalarQuery("users", "name"), "name", "=", "bob")
	update.Values = map[string]interface{}{"name": "robert"}
	update.Kind = translators.MutationUpdate
	affected, err := a.Update(context.Background(), "crm", update, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	rows, err := a.Select(context.Background(), "crm", predicateQuery(scalarQuery("users", "name"), "name", "=", "robert"), ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	del := predicateQuery(scalarQuery("users"), "name", "=", "robert")
	del.Kind = translators.MutationDelete
	affected, err = a.Delete(context.Background(), "crm", del, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	rows, err = a.Select(context.Background(), "crm", scalarQuery("users", "name"), ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0]["id"])
}

func TestMemoryUpdateByBoundIDsCreatesMissingRows(t *testing.T) {
	// A driver scan on another engine can bind ids this engine has never
	// stored a row for; the update materializes the identity row.
	a := NewMemoryAdapter(models.StorageScalar)

	update := scalarQuery("tasks")
	update.Values = map[string]interface{}{"title": "done"}
	update.Kind = translators.MutationUpdate
	update.BindIDs = true
	affected, err := a.Update(context.Background(), "crm", update, ExecOptions{IDs: []string{"t1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	rows, err := a.Select(context.Background(), "crm", scalarQuery("tasks", "title"), ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t1", rows[0]["id"])
	assert.Equal(t, "done", rows[0]["title"])
}

func TestMemoryRelationUpdateByBoundIDs(t *testing.T) {
	a := NewMemoryAdapter(models.StorageRelation)

	update := &translators.NativeQuery{
		Engine:  models.StorageRelation,
		Record:  "tasks",
		Values:  map[string]interface{}{"assignee": "u2"},
		Kind:    translators.MutationUpdate,
		BindIDs: true,
		Limit:   -1,
	}
	affected, err := a.Update(context.Background(), "crm", update, ExecOptions{IDs: []string{"t1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	q := &translators.NativeQuery{
		Engine:    models.StorageRelation,
		Record:    "tasks",
		Traversal: &translators.TraversalQuery{From: "tasks", Attribute: "assignee", Target: "users"},
		Shape:     []string{"source_id", "target_id"},
		Limit:     -1,
	}
	rows, err := a.Select(context.Background(), "crm", q, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u2", rows[0]["target_id"])
}

func TestMemoryDeleteByBoundIDs(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	insertRow(t, a, "crm", "users", "u1", nil)
	insertRow(t, a, "crm", "users", "u2", nil)

	del := scalarQuery("users")
	del.Kind = translators.MutationDelete
	del.BindIDs = true
	affected, err := a.Delete(context.Background(), "crm", del, ExecOptions{IDs: []string{"u1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)
}

func TestMemoryRelationEdges(t *testing.T) {
	a := NewMemoryAdapter(models.StorageRelation)
	insertRow(t, a, "crm", "tasks", "t1", map[string]interface{}{"assignee": "u1"})
	insertRow(t, a, "crm", "tasks", "t2", map[string]interface{}{"assignee": "u2"})

	q := &translators.NativeQuery{
		Engine:    models.StorageRelation,
		Record:    "tasks",
		Traversal: &translators.TraversalQuery{From: "tasks", Attribute: "assignee", Target: "users"},
		Shape:     []string{"source_id", "target_id"},
		Limit:     -1,
	}
	rows, err := a.Select(context.Background(), "crm", q, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	q.BindIDs = true
	rows, err = a.Select(context.Background(), "crm", q, ExecOptions{IDs: []string{"t1"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t1", rows[0]["source_id"])
	assert.Equal(t, "u1", rows[0]["target_id"])

	// A traversal query is mandatory for the relation class.
	_, err = a.Select(context.Background(), "crm", scalarQuery("tasks"), ExecOptions{})
	require.Error(t, err)
}

func TestMemoryMetricSamples(t *testing.T) {
	a := NewMemoryAdapter(models.StorageMetric)
	insertRow(t, a, "crm", "tasks", "t1", map[string]interface{}{"latency": 120.0})

	// An update appends a sample; history is immutable.
	update := &translators.NativeQuery{
		Record: "tasks",
		Metric: &translators.MetricQuery{Attributes: []string{"latency"}},
		Values: map[string]interface{}{"latency": 80.0},
		Kind:   translators.MutationUpdate,
		Limit:  -1,
	}
	affected, err := a.Update(context.Background(), "crm", update, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	q := &translators.NativeQuery{
		Record: "tasks",
		Metric: &translators.MetricQuery{Attributes: []string{"latency"}},
		Shape:  []string{"id", "attribute", "timestamp", "value"},
		Limit:  -1,
	}
	rows, err := a.Select(context.Background(), "crm", q, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "latency", rows[0]["attribute"])

	q.Metric.ValueFilter = &translators.MetricValueFilter{Attribute: "latency", Op: ">", Value: 100}
	rows, err = a.Select(context.Background(), "crm", q, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 120.0, rows[0]["value"])
}

func TestMemoryTransactionBuffering(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	ctx := context.Background()

	txn, err := a.BeginTransaction(ctx)
	require.NoError(t, err)

	err = a.Insert(ctx, "crm", &translators.NativeQuery{
		Record: "users",
		Values: map[string]interface{}{"name": "ana"},
		Kind:   translators.MutationInsert,
		Limit:  -1,
	}, ExecOptions{RecordID: "u1", Txn: txn})
	require.NoError(t, err)

	rows, err := a.Select(ctx, "crm", scalarQuery("users", "name"), ExecOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows, "buffered writes are invisible before commit")

	require.NoError(t, a.PrepareCommit(ctx, txn))
	require.NoError(t, a.Commit(ctx, txn))

	rows, err = a.Select(ctx, "crm", scalarQuery("users", "name"), ExecOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// The handle is gone after commit.
	require.Error(t, a.Commit(ctx, txn))
}

func TestMemoryTransactionRollback(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	ctx := context.Background()

	txn, err := a.BeginTransaction(ctx)
	require.NoError(t, err)
	insertRow(t, a, "crm", "users", "u1", nil)

	del := scalarQuery("users")
	del.Kind = translators.MutationDelete
	_, err = a.Delete(ctx, "crm", del, ExecOptions{Txn: txn})
	require.NoError(t, err)

	require.NoError(t, a.Rollback(ctx, txn))

	rows, err := a.Select(ctx, "crm", scalarQuery("users"), ExecOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "rolled back deletes leave data untouched")
}

func TestMemoryFailureInjection(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	ctx := context.Background()

	boom := errors.New("backend unavailable")
	a.SelectErr = boom
	_, err := a.Select(ctx, "crm", scalarQuery("users"), ExecOptions{})
	assert.ErrorIs(t, err, boom)

	txn, err := a.BeginTransaction(ctx)
	require.NoError(t, err)
	a.PrepareErr = boom
	assert.ErrorIs(t, a.PrepareCommit(ctx, txn), boom)
}

func TestMemoryProvisionCounting(t *testing.T) {
	a := NewMemoryAdapter(models.StorageScalar)
	require.NoError(t, a.Provision(context.Background(), "crm", "users", models.AttributeDefinition{Name: "name"}))
	require.NoError(t, a.Provision(context.Background(), "crm", "users", models.AttributeDefinition{Name: "age"}))
	assert.Equal(t, 2, a.ProvisionCalls())
}

func TestMemorySetCoversAllClasses(t *testing.T) {
	set := NewMemorySet()
	require.Len(t, set, 4)
	for _, class := range models.AllStorageClasses {
		require.Contains(t, set, class)
		assert.Equal(t, class, set[class].Class())
	}
}
