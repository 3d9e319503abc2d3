package semantics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tesseradb/src/engine"
	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/schema"
)

// fixtureRegistry declares a crm bucket with users, tasks and projects
// spread over all four storage classes.
func fixtureRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry(zap.NewNop().Sugar())
	_, err := r.CreateBucket("crm")
	require.NoError(t, err)

	require.NoError(t, r.CreateRecord("crm", &models.RecordSchema{
		Name: "users",
		Attributes: map[string]models.AttributeDefinition{
			"name":   {Name: "name", Class: models.StorageScalar, Datatype: "STRING"},
			"age":    {Name: "age", Class: models.StorageScalar, Datatype: "INT"},
			"active": {Name: "active", Class: models.StorageScalar, Datatype: "BOOL"},
			"joined": {Name: "joined", Class: models.StorageScalar, Datatype: "DATETIME"},
		},
		AttributeOrder: []string{"name", "age", "active", "joined"},
	}))
	require.NoError(t, r.CreateRecord("crm", &models.RecordSchema{
		Name: "projects",
		Attributes: map[string]models.AttributeDefinition{
			"title": {Name: "title", Class: models.StorageScalar, Datatype: "STRING"},
		},
		AttributeOrder: []string{"title"},
	}))
	require.NoError(t, r.CreateRecord("crm", &models.RecordSchema{
		Name: "tasks",
		Attributes: map[string]models.AttributeDefinition{
			"title":    {Name: "title", Class: models.StorageScalar, Datatype: "STRING"},
			"body":     {Name: "body", Class: models.StorageDocument},
			"latency":  {Name: "latency", Class: models.StorageMetric, Unit: "MS"},
			"assignee": {Name: "assignee", Class: models.StorageRelation, TargetRecord: "users"},
			"project":  {Name: "project", Class: models.StorageRelation, TargetRecord: "projects"},
		},
		AttributeOrder: []string{"title", "body", "latency", "assignee", "project"},
	}))
	return r
}

func analyze(t *testing.T, query string) (*Analysis, error) {
	t.Helper()
	stmt, err := parser.Parse(query)
	require.NoError(t, err)
	return NewAnalyzer(fixtureRegistry(t)).Analyze("crm", stmt)
}

func findRef(t *testing.T, an *Analysis, spelling string) ResolvedRef {
	t.Helper()
	for ref, resolved := range an.Refs {
		if ref.String() == spelling {
			return resolved
		}
	}
	t.Fatalf("no resolved reference %q", spelling)
	return ResolvedRef{}
}

func TestAnalyzeResolvesStorageClasses(t *testing.T) {
	an, err := analyze(t, `FIND tasks.title, tasks.body, tasks.latency MATCH tasks.title = "x"`)
	require.NoError(t, err)

	assert.Equal(t, "tasks", an.Base)
	assert.Equal(t, []string{"tasks"}, an.Records)
	assert.Equal(t, models.StorageScalar, findRef(t, an, "tasks.title").Class)
	assert.Equal(t, models.StorageDocument, findRef(t, an, "tasks.body").Class)
	assert.Equal(t, models.StorageMetric, findRef(t, an, "tasks.latency").Class)
}

func TestAnalyzeBareAttributeUsesBaseRecord(t *testing.T) {
	an, err := analyze(t, `FIND tasks.title MATCH body CONTAINS "x"`)
	require.NoError(t, err)

	resolved := findRef(t, an, "body")
	assert.Equal(t, "tasks", resolved.Record)
	assert.Equal(t, models.StorageDocument, resolved.Class)
}

func TestAnalyzeNavigation(t *testing.T) {
	an, err := analyze(t, "FIND users.name NAVIGATE tasks -> assignee : users MATCH users.active = true")
	require.NoError(t, err)

	assert.Equal(t, "tasks", an.Base)
	assert.Equal(t, []string{"tasks", "users"}, an.Records)
	require.Len(t, an.Steps, 1)
	assert.Equal(t, "assignee", an.Steps[0].Attribute)
	assert.Equal(t, models.StorageRelation, an.Steps[0].Def.Class)
}

func TestAnalyzeWholeRecordAggregate(t *testing.T) {
	an, err := analyze(t, "FIND users.name, COUNT(tasks) NAVIGATE tasks -> assignee : users GROUP BY users.name")
	require.NoError(t, err)

	resolved := findRef(t, an, "tasks")
	assert.True(t, resolved.WholeRecord())
	assert.Equal(t, "tasks", resolved.Record)
}

func TestAnalyzeBareAggregateInfersBase(t *testing.T) {
	an, err := analyze(t, "FIND COUNT(tasks)")
	require.NoError(t, err)
	assert.Equal(t, "tasks", an.Base)

	an, err = analyze(t, "FIND MIN(tasks.latency)")
	require.NoError(t, err)
	assert.Equal(t, "tasks", an.Base)

	// An undotted attribute alone still cannot name a record.
	_, err = analyze(t, "FIND COUNT(nonexistent)")
	require.Error(t, err)
}

func TestAnalyzeRejectsUnknownAttribute(t *testing.T) {
	_, err := analyze(t, "FIND tasks.nonexistent")
	require.Error(t, err)
	var schemaErr *engine.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "nonexistent", schemaErr.Attribute)
}

func TestAnalyzeRejectsUnrelatedRecord(t *testing.T) {
	_, err := analyze(t, "FIND tasks.title MATCH projects.title = \"x\"")
	require.Error(t, err)
	var schemaErr *engine.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "projects", schemaErr.Record)
}

func TestAnalyzeRejectsBadNavigation(t *testing.T) {
	// title is scalar, not a relation.
	_, err := analyze(t, "FIND users.name NAVIGATE tasks -> title : users")
	require.Error(t, err)

	// assignee targets users, not projects.
	_, err = analyze(t, "FIND projects.title NAVIGATE tasks -> assignee : projects")
	require.Error(t, err)
	var schemaErr *engine.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, schemaErr.Message, "users")
}

func TestAnalyzeTypeChecksLiterals(t *testing.T) {
	_, err := analyze(t, `FIND users.name MATCH users.age = "forty"`)
	require.Error(t, err)
	var typeErr *engine.TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "INT", typeErr.Expected)
	assert.Equal(t, "string", typeErr.Found)
}

func TestAnalyzeConvertsLiterals(t *testing.T) {
	an, err := analyze(t, `FIND users.name MATCH users.age > 30 AND users.joined >= "2024-01-02"`)
	require.NoError(t, err)

	var foundInt, foundTime bool
	for _, v := range an.Literals {
		switch v := v.(type) {
		case int64:
			foundInt = true
			assert.Equal(t, int64(30), v)
		case time.Time:
			foundTime = true
			assert.Equal(t, 2024, v.Year())
		}
	}
	assert.True(t, foundInt, "INT literal should be converted to int64")
	assert.True(t, foundTime, "DATETIME literal should be parsed")
}

func TestAnalyzeWrite(t *testing.T) {
	an, err := analyze(t, `ADD tasks (title = "hello", latency = 12.5)`)
	require.NoError(t, err)
	assert.Equal(t, "tasks", an.Base)
	require.Len(t, an.Literals, 2)

	_, err = analyze(t, `ADD tasks (nonexistent = 1)`)
	require.Error(t, err)

	_, err = analyze(t, `ADD tasks (latency = "fast")`)
	require.Error(t, err)
	var typeErr *engine.TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "FLOAT", typeErr.Expected)
}

func TestAnalyzeUnknownBaseRecord(t *testing.T) {
	_, err := analyze(t, "FIND ghosts.name")
	require.Error(t, err)

	_, err = analyze(t, "FIND name")
	require.Error(t, err) // no dotted reference to infer the base from
}

func TestAnalyzeTransaction(t *testing.T) {
	an, err := analyze(t, `TRANSACTION {
		ADD tasks (title = "a");
		REMOVE tasks MATCH title = "b";
	}`)
	require.NoError(t, err)
	require.Len(t, an.Inner, 2)
	assert.Equal(t, "tasks", an.Inner[0].Base)
	assert.Equal(t, "tasks", an.Inner[1].Base)
}

func TestAnalyzeCreatePassesThrough(t *testing.T) {
	an, err := analyze(t, "CREATE BUCKET other")
	require.NoError(t, err)
	assert.Empty(t, an.Records)
}
