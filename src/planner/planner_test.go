package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tesseradb/src/engine"
	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/planner"
	"tesseradb/src/schema"
	"tesseradb/src/semantics"
	"tesseradb/src/translators"
)

type planFixture struct {
	registry *schema.Registry
	analyzer *semantics.Analyzer
	planner  *planner.Planner
}

func newPlanFixture(t *testing.T) *planFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	registry := schema.NewRegistry(logger)
	_, err := registry.CreateBucket("crm")
	require.NoError(t, err)

	require.NoError(t, registry.CreateRecord("crm", &models.RecordSchema{
		Name: "users",
		Attributes: map[string]models.AttributeDefinition{
			"name":   {Name: "name", Class: models.StorageScalar, Datatype: "STRING"},
			"active": {Name: "active", Class: models.StorageScalar, Datatype: "BOOL"},
		},
		AttributeOrder: []string{"name", "active"},
	}))
	require.NoError(t, registry.CreateRecord("crm", &models.RecordSchema{
		Name: "tasks",
		Attributes: map[string]models.AttributeDefinition{
			"title":    {Name: "title", Class: models.StorageScalar, Datatype: "STRING"},
			"body":     {Name: "body", Class: models.StorageDocument},
			"latency":  {Name: "latency", Class: models.StorageMetric, Unit: "MS"},
			"assignee": {Name: "assignee", Class: models.StorageRelation, TargetRecord: "users"},
		},
		AttributeOrder: []string{"title", "body", "latency", "assignee"},
	}))

	return &planFixture{
		registry: registry,
		analyzer: semantics.NewAnalyzer(registry),
		planner:  planner.NewPlanner(registry, logger).WithPushCheck(translators.Pushable),
	}
}

func (f *planFixture) plan(t *testing.T, query string) *planner.Plan {
	t.Helper()
	stmt, err := parser.Parse(query)
	require.NoError(t, err)
	an, err := f.analyzer.Analyze("crm", stmt)
	require.NoError(t, err)
	plan, err := f.planner.Plan(an)
	require.NoError(t, err)
	return plan
}

func (f *planFixture) refine(t *testing.T, query string) *planner.PhysicalPlan {
	t.Helper()
	phys, err := f.planner.Refine(f.plan(t, query))
	require.NoError(t, err)
	return phys
}

// findScans collects every scan in the tree, depth-first.
func findScans(node planner.LogicalNode) []*planner.ScanNode {
	switch n := node.(type) {
	case *planner.ScanNode:
		return []*planner.ScanNode{n}
	case *planner.JoinNode:
		return append(findScans(n.Left), findScans(n.Right)...)
	case *planner.NavigateNode:
		return append(findScans(n.Source), findScans(n.Target)...)
	case *planner.FilterNode:
		return findScans(n.Input)
	case *planner.ProjectNode:
		return findScans(n.Input)
	case *planner.AggregateNode:
		return findScans(n.Input)
	case *planner.SortNode:
		return findScans(n.Input)
	case *planner.LimitNode:
		return findScans(n.Input)
	}
	return nil
}

func scanFor(t *testing.T, node planner.LogicalNode, record string, class models.StorageClass) *planner.ScanNode {
	t.Helper()
	for _, scan := range findScans(node) {
		if scan.Record == record && scan.Class == class {
			return scan
		}
	}
	t.Fatalf("no %s scan of %s in plan", class, record)
	return nil
}

func hasFilter(node planner.LogicalNode) bool {
	switch n := node.(type) {
	case *planner.FilterNode:
		return true
	case *planner.ProjectNode:
		return hasFilter(n.Input)
	case *planner.AggregateNode:
		return hasFilter(n.Input)
	case *planner.SortNode:
		return hasFilter(n.Input)
	case *planner.LimitNode:
		return hasFilter(n.Input)
	case *planner.JoinNode:
		return hasFilter(n.Left) || hasFilter(n.Right)
	case *planner.NavigateNode:
		return hasFilter(n.Source) || hasFilter(n.Target)
	}
	return false
}

func TestPushdownSingleEngine(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, `FIND tasks.title MATCH tasks.title CONTAINS "x"`)

	scan := scanFor(t, plan.Root, "tasks", models.StorageScalar)
	require.NotNil(t, scan.Predicate)
	assert.False(t, hasFilter(plan.Root), "fully pushed predicate should leave no filter node")
	assert.Less(t, scan.Card, 1000.0)
}

func TestPushdownSplitsConjuncts(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, `FIND tasks.title, tasks.body MATCH tasks.title = "a" AND tasks.body CONTAINS "b"`)

	scalar := scanFor(t, plan.Root, "tasks", models.StorageScalar)
	document := scanFor(t, plan.Root, "tasks", models.StorageDocument)
	require.NotNil(t, scalar.Predicate)
	require.NotNil(t, document.Predicate)
	assert.False(t, hasFilter(plan.Root))
}

func TestCrossEngineDisjunctionStaysClientSide(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, `FIND tasks.title MATCH tasks.title = "a" OR tasks.latency > 5`)

	for _, scan := range findScans(plan.Root) {
		assert.Nil(t, scan.Predicate, "an OR spanning engines must not be pushed")
	}

	project, ok := plan.Root.(*planner.ProjectNode)
	require.True(t, ok)
	filter, ok := project.Input.(*planner.FilterNode)
	require.True(t, ok)
	assert.True(t, filter.ClientSide)
}

func TestMetricValuePushdown(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, "FIND tasks.latency MATCH tasks.latency > 5")

	metric := scanFor(t, plan.Root, "tasks", models.StorageMetric)
	require.NotNil(t, metric.Predicate)
	assert.False(t, hasFilter(plan.Root))
}

func TestProjectionPruning(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, "FIND tasks.title")

	scans := findScans(plan.Root)
	require.Len(t, scans, 1, "unused document and metric scans should be pruned")
	assert.Equal(t, models.StorageScalar, scans[0].Class)
	assert.Equal(t, []string{"title"}, scans[0].Attributes)
}

func TestScalarIdentityScanSurvivesPruning(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, "FIND tasks.latency")

	// The scalar scan keeps producing record ids even though no scalar
	// attribute is projected.
	scalar := scanFor(t, plan.Root, "tasks", models.StorageScalar)
	assert.Empty(t, scalar.Attributes)
	scanFor(t, plan.Root, "tasks", models.StorageMetric)
}

func TestJoinOrderPrefersFilteredScan(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, `FIND tasks.title, tasks.body MATCH tasks.body CONTAINS "x"`)

	project, ok := plan.Root.(*planner.ProjectNode)
	require.True(t, ok)
	join, ok := project.Input.(*planner.JoinNode)
	require.True(t, ok)

	left, ok := join.Left.(*planner.ScanNode)
	require.True(t, ok)
	assert.Equal(t, models.StorageDocument, left.Class,
		"the filtered (cheaper) scan should drive the join")
}

func TestIndexDeclarationChangesAlgorithm(t *testing.T) {
	f := newPlanFixture(t)
	require.NoError(t, f.registry.DeclareIndex("crm", "tasks", "title"))

	phys := f.refine(t, `FIND tasks.title MATCH tasks.title = "x"`)
	scan := scanFor(t, phys.Logical.Root, "tasks", models.StorageScalar)
	assert.True(t, scan.Indexed)

	require.Len(t, phys.Fragments, 1)
	require.Len(t, phys.Root.Children, 1)
	assert.Equal(t, planner.AlgoIndexScan, phys.Root.Children[0].Algorithm)
}

func TestSortLimitPushdownIntoSingleScan(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, `FIND tasks.title MATCH tasks.title CONTAINS "a" ORDER BY tasks.title DESC LIMIT 5`)

	scan := scanFor(t, plan.Root, "tasks", models.StorageScalar)
	assert.Equal(t, "title", scan.SortAttr)
	assert.True(t, scan.SortDesc)
	assert.Equal(t, 5, scan.Limit)

	limit, ok := plan.Root.(*planner.LimitNode)
	require.True(t, ok)
	project, ok := limit.Input.(*planner.ProjectNode)
	require.True(t, ok)
	sort, ok := project.Input.(*planner.SortNode)
	require.True(t, ok)
	assert.True(t, sort.PushedDown)
}

func TestSortNotPushedAcrossEngines(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, "FIND tasks.title, tasks.body ORDER BY tasks.title")

	scan := scanFor(t, plan.Root, "tasks", models.StorageScalar)
	assert.Empty(t, scan.SortAttr, "a join above the scan keeps ordering client-side")

	project, ok := plan.Root.(*planner.ProjectNode)
	require.True(t, ok)
	sort, ok := project.Input.(*planner.SortNode)
	require.True(t, ok)
	assert.False(t, sort.PushedDown)
}

func TestSortRunsBeforeProjection(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, "FIND tasks.body ORDER BY tasks.title")

	// The sort key is not projected; ordering must happen on the merged
	// rows before the projection drops it.
	project, ok := plan.Root.(*planner.ProjectNode)
	require.True(t, ok)
	require.Len(t, project.Columns, 1)
	assert.Equal(t, "tasks.body", project.Columns[0].Name)

	sort, ok := project.Input.(*planner.SortNode)
	require.True(t, ok)
	assert.False(t, sort.PushedDown)

	scan := scanFor(t, plan.Root, "tasks", models.StorageScalar)
	assert.Contains(t, scan.Attributes, "title", "the sort key survives projection pruning")
}

func TestOffsetKeepsLimitClientSide(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, "FIND tasks.title LIMIT 5 OFFSET 10")

	scan := scanFor(t, plan.Root, "tasks", models.StorageScalar)
	assert.Equal(t, -1, scan.Limit)
}

func TestAggregateAcrossEnginesIsClientSide(t *testing.T) {
	f := newPlanFixture(t)
	plan := f.plan(t, "FIND users.name, COUNT(tasks) NAVIGATE tasks -> assignee : users GROUP BY users.name")

	project, ok := plan.Root.(*planner.ProjectNode)
	require.True(t, ok)
	agg, ok := project.Input.(*planner.AggregateNode)
	require.True(t, ok)
	assert.True(t, agg.ClientSide)
	require.Len(t, agg.Aggregates, 1)
	assert.Equal(t, "COUNT", agg.Aggregates[0].Func)
}

func TestNavigationFragmentDependencies(t *testing.T) {
	f := newPlanFixture(t)
	phys := f.refine(t, "FIND users.name NAVIGATE tasks -> assignee : users")

	require.Len(t, phys.Fragments, 3)
	source, navigate, target := phys.Fragments[0], phys.Fragments[1], phys.Fragments[2]

	assert.Equal(t, models.StorageScalar, source.Class)
	assert.Empty(t, source.DependsOn)

	assert.Equal(t, models.StorageRelation, navigate.Class)
	require.NotNil(t, navigate.Navigate)
	assert.Equal(t, []string{source.ID}, navigate.DependsOn)
	assert.True(t, navigate.BindUpstreamIDs)

	assert.Equal(t, models.StorageScalar, target.Class)
	assert.Equal(t, "users", target.Scan.Record)
	assert.Equal(t, []string{navigate.ID}, target.DependsOn)
	assert.True(t, target.BindUpstreamIDs)
}

func TestMutationDecomposition(t *testing.T) {
	f := newPlanFixture(t)
	phys := f.refine(t, `ADD tasks (title = "x", latency = 3.5)`)

	assert.True(t, phys.IsWrite())
	require.Len(t, phys.Mutations, 2)
	assert.Equal(t, models.StorageScalar, phys.Mutations[0].Class)
	assert.Equal(t, models.StorageMetric, phys.Mutations[1].Class)
	assert.Nil(t, phys.Driver)
	for _, frag := range phys.Mutations {
		assert.Empty(t, frag.DependsOn)
	}
}

func TestInsertAlwaysWritesScalarIdentity(t *testing.T) {
	f := newPlanFixture(t)
	phys := f.refine(t, `ADD tasks (body = "just notes")`)

	// Reads join through the scalar identity row; an insert touching
	// only the document engine must still create it.
	classes := make(map[models.StorageClass]bool)
	for _, frag := range phys.Mutations {
		classes[frag.Class] = true
	}
	assert.True(t, classes[models.StorageScalar])
	assert.True(t, classes[models.StorageDocument])
}

func TestUpdateSameEngineInlinesPredicate(t *testing.T) {
	f := newPlanFixture(t)
	phys := f.refine(t, `UPDATE tasks (title = "a") MATCH tasks.title = "b"`)

	assert.Nil(t, phys.Driver)
	require.Len(t, phys.Mutations, 1)
	require.NotNil(t, phys.Mutations[0].Mutation.Predicate)
}

func TestUpdateCrossEngineUsesDriverScan(t *testing.T) {
	f := newPlanFixture(t)
	phys := f.refine(t, `UPDATE tasks (title = "a") MATCH tasks.body CONTAINS "x"`)

	require.NotNil(t, phys.Driver)
	assert.Equal(t, "driver", phys.Driver.ID)
	assert.Equal(t, models.StorageDocument, phys.Driver.Class)
	require.NotNil(t, phys.Driver.Scan.Predicate)

	require.Len(t, phys.Mutations, 1)
	assert.Equal(t, []string{"driver"}, phys.Mutations[0].DependsOn)
	assert.True(t, phys.Mutations[0].BindUpstreamIDs)
}

func TestDeleteTouchesEveryOwningEngine(t *testing.T) {
	f := newPlanFixture(t)
	phys := f.refine(t, "REMOVE tasks")

	classes := make(map[models.StorageClass]bool)
	for _, frag := range phys.Mutations {
		classes[frag.Class] = true
	}
	assert.Equal(t, map[models.StorageClass]bool{
		models.StorageScalar:   true,
		models.StorageDocument: true,
		models.StorageMetric:   true,
	}, classes)
}

func TestWriteConditionSpanningEnginesRejected(t *testing.T) {
	f := newPlanFixture(t)
	stmt, err := parser.Parse(`UPDATE tasks (title = "a") MATCH tasks.title = "b" OR tasks.latency > 1`)
	require.NoError(t, err)
	an, err := f.analyzer.Analyze("crm", stmt)
	require.NoError(t, err)

	_, err = f.planner.Plan(an)
	require.Error(t, err)
	var schemaErr *engine.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestTransactionPlansEachStatement(t *testing.T) {
	f := newPlanFixture(t)
	phys := f.refine(t, `TRANSACTION {
		ADD tasks (title = "a");
		REMOVE users MATCH users.name = "bob";
	}`)

	assert.True(t, phys.IsWrite())
	require.Len(t, phys.Statements, 2)
	assert.NotEmpty(t, phys.Statements[0].Mutations)
	assert.NotEmpty(t, phys.Statements[1].Mutations)
}

func TestJoinAlgorithmSelection(t *testing.T) {
	f := newPlanFixture(t)
	phys := f.refine(t, "FIND tasks.title, tasks.body")

	var join *planner.PhysicalNode
	var walk func(*planner.PhysicalNode)
	walk = func(n *planner.PhysicalNode) {
		if _, ok := n.Logical.(*planner.JoinNode); ok {
			join = n
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(phys.Root)
	require.NotNil(t, join)
	assert.Equal(t, planner.AlgoHashJoin, join.Algorithm)
}
