package assembler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tesseradb/src/adapters"
	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/planner"
	"tesseradb/src/semantics"
)

func ref(parts ...string) *parser.AttributeRef {
	return &parser.AttributeRef{Parts: parts}
}

func TestNormalizeValue(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-01T09:30:00Z", normalizeValue(stamp))
	assert.Equal(t, "blob", normalizeValue([]byte("blob")))
	assert.Equal(t, float64(7), normalizeValue(int64(7)))
	assert.Equal(t, float64(7), normalizeValue(int32(7)))
	assert.Equal(t, 2.5, normalizeValue(float32(2.5)))
	assert.Equal(t, "plain", normalizeValue("plain"))
	assert.Nil(t, normalizeValue(nil))

	point := normalizeValue(models.MetricPoint{Timestamp: stamp, Value: int64(120)})
	assert.Equal(t, models.MetricPoint{Timestamp: stamp, Value: float64(120)}, point)
}

func TestTruncateRows(t *testing.T) {
	rows := []row{{"n": 1}, {"n": 2}, {"n": 3}, {"n": 4}}

	assert.Len(t, truncateRows(rows, 0, -1), 4, "no limit passes everything through")
	assert.Equal(t, []row{{"n": 1}, {"n": 2}}, truncateRows(rows, 0, 2))
	assert.Equal(t, []row{{"n": 3}, {"n": 4}}, truncateRows(rows, 2, -1))
	assert.Equal(t, []row{{"n": 3}}, truncateRows(rows, 2, 1))
	assert.Empty(t, truncateRows(rows, 10, -1), "offset past the end yields nothing")
	assert.Empty(t, truncateRows(rows, 0, 0))
}

func TestMetricRowsKeepLatestSample(t *testing.T) {
	older := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	raw := []adapters.Row{
		{"id": "t1", "attribute": "latency", "timestamp": newer, "value": 80.0},
		{"id": "t1", "attribute": "latency", "timestamp": older, "value": 120.0},
		{"id": "t1", "attribute": "errors", "timestamp": older, "value": 3.0},
		{"id": "t2", "attribute": "latency", "timestamp": older, "value": 95.0},
	}

	rows := metricRows("tasks", raw)
	require.Len(t, rows, 2)

	assert.Equal(t, "t1", rows[0]["tasks.id"])
	latency := rows[0]["tasks.latency"].(models.MetricPoint)
	assert.Equal(t, 80.0, latency.Value, "the stale sample does not overwrite the newer one")
	assert.Equal(t, newer, latency.Timestamp)
	errors := rows[0]["tasks.errors"].(models.MetricPoint)
	assert.Equal(t, 3.0, errors.Value)

	assert.Equal(t, "t2", rows[1]["tasks.id"])
	assert.Equal(t, 95.0, rows[1]["tasks.latency"].(models.MetricPoint).Value)
}

func TestJoinOnID(t *testing.T) {
	left := []row{
		{"tasks.id": "t1", "tasks.title": "alpha"},
		{"tasks.id": "t2", "tasks.title": "beta"},
		{"tasks.id": "t3", "tasks.title": "gamma"},
	}
	right := []row{
		{"tasks.id": "t2", "tasks.body": "routine"},
		{"tasks.id": "t1", "tasks.body": "urgent"},
	}

	for _, algo := range []planner.Algorithm{planner.AlgoNestedLoopJoin, planner.AlgoHashJoin} {
		out := joinOnID(left, right, "tasks", algo)
		require.Len(t, out, 2, "rows missing on either engine drop out")
		byID := map[string]row{}
		for _, r := range out {
			byID[r["tasks.id"].(string)] = r
		}
		assert.Equal(t, "alpha", byID["t1"]["tasks.title"])
		assert.Equal(t, "urgent", byID["t1"]["tasks.body"])
		assert.Equal(t, "beta", byID["t2"]["tasks.title"])
	}
}

func TestComputeAggregates(t *testing.T) {
	latencyRef := ref("tasks", "latency")
	wholeRef := ref("tasks")
	w := &walker{an: &semantics.Analysis{
		Refs: map[*parser.AttributeRef]semantics.ResolvedRef{
			latencyRef: {Record: "tasks", Attribute: "latency", Class: models.StorageMetric},
			wholeRef:   {Record: "tasks"},
		},
	}}
	stamp := time.Now().UTC()
	rows := []row{
		{"tasks.id": "t1", "tasks.latency": models.MetricPoint{Timestamp: stamp, Value: 100.0}},
		{"tasks.id": "t2", "tasks.latency": models.MetricPoint{Timestamp: stamp, Value: 50.0}},
		{"tasks.id": "t3"},
	}

	count, err := w.computeAggregate(&parser.AggregateCall{Func: "COUNT", Arg: wholeRef}, rows)
	require.NoError(t, err)
	assert.Equal(t, float64(3), count)

	sum, err := w.computeAggregate(&parser.AggregateCall{Func: "SUM", Arg: latencyRef}, rows)
	require.NoError(t, err)
	assert.Equal(t, 150.0, sum)

	avg, err := w.computeAggregate(&parser.AggregateCall{Func: "AVG", Arg: latencyRef}, rows)
	require.NoError(t, err)
	assert.Equal(t, 75.0, avg, "rows without a sample stay out of the average")

	avgEmpty, err := w.computeAggregate(&parser.AggregateCall{Func: "AVG", Arg: latencyRef}, nil)
	require.NoError(t, err)
	assert.Nil(t, avgEmpty)

	min, err := w.computeAggregate(&parser.AggregateCall{Func: "MIN", Arg: latencyRef}, rows)
	require.NoError(t, err)
	assert.Equal(t, models.MetricPoint{Timestamp: stamp, Value: 50.0}, min)
}

func TestSortRowsClientSide(t *testing.T) {
	rows := []row{
		{"tasks.title": "beta"},
		{"tasks.title": "alpha"},
		{"tasks.title": "gamma"},
	}
	sortRows(rows, &planner.SortNode{Ref: ref("tasks", "title")})
	assert.Equal(t, "alpha", rows[0]["tasks.title"])
	assert.Equal(t, "gamma", rows[2]["tasks.title"])

	sortRows(rows, &planner.SortNode{Ref: ref("tasks", "title"), Descending: true})
	assert.Equal(t, "gamma", rows[0]["tasks.title"])

	// An unqualified spelling still finds the merged-row key.
	sortRows(rows, &planner.SortNode{Ref: ref("title"), Descending: false})
	assert.Equal(t, "alpha", rows[0]["tasks.title"])
}

func TestRecordValue(t *testing.T) {
	merged := row{
		"tasks.id":    "t1",
		"tasks.title": "alpha",
		"users.name":  "ana",
	}
	nested := recordValue(merged, "tasks")
	assert.Equal(t, map[string]interface{}{"id": "t1", "title": "alpha"}, nested)
}
