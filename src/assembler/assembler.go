// Package assembler merges per-engine fragment results into the final
// response: id joins across engines, traversal stitching, residual
// filters, grouping and aggregation, output shaping and pagination.
package assembler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tesseradb/src/adapters"
	"tesseradb/src/executor"
	"tesseradb/src/helpers"
	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/planner"
	"tesseradb/src/semantics"
)

// Assembler turns an execution result into a query response by walking
// the physical operator tree bottom-up.
type Assembler struct {
	logger *zap.SugaredLogger
}

func NewAssembler(logger *zap.SugaredLogger) *Assembler {
	return &Assembler{logger: logger}
}

// row is an intermediate merged row; attribute values live under
// "record.attribute" keys and record ids under "record.id".
type row map[string]interface{}

// walker carries the per-query state of one assembly pass.
type walker struct {
	an     *semantics.Analysis
	result *executor.ExecutionResult

	scanFrags map[*planner.ScanNode]*planner.Fragment
	navFrags  map[*planner.NavigateNode]*planner.Fragment
}

// Assemble merges the fragments of one read plan and shapes the
// response page.
func (a *Assembler) Assemble(plan *planner.PhysicalPlan, result *executor.ExecutionResult, elapsed time.Duration, page, pageSize int) (*models.QueryResponse, error) {
	w := &walker{
		an:        plan.Logical.Analysis,
		result:    result,
		scanFrags: make(map[*planner.ScanNode]*planner.Fragment),
		navFrags:  make(map[*planner.NavigateNode]*planner.Fragment),
	}
	for _, frag := range plan.Fragments {
		if frag.Scan != nil {
			w.scanFrags[frag.Scan] = frag
		}
		if frag.Navigate != nil {
			w.navFrags[frag.Navigate] = frag
		}
	}

	rows, err := w.eval(plan.Root)
	if err != nil {
		return nil, err
	}

	total := len(rows)
	if pageSize > 0 {
		if page < 1 {
			page = 1
		}
		from := (page - 1) * pageSize
		if from > total {
			from = total
		}
		to := from + pageSize
		if to > total {
			to = total
		}
		rows = rows[from:to]
	}

	data := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		data[i] = map[string]interface{}(r)
	}

	response := &models.QueryResponse{
		Data: data,
		Metadata: models.ResponseMetadata{
			TotalCount:      total,
			ReturnedCount:   len(data),
			Page:            page,
			PageSize:        pageSize,
			ExecutionTimeMs: elapsed.Milliseconds(),
		},
		Engines: make(map[string]models.EngineStats),
	}
	for class, stats := range result.Stats {
		response.Engines[string(class)] = *stats
	}
	return response, nil
}

// eval produces the merged rows of one physical subtree.
func (w *walker) eval(node *planner.PhysicalNode) ([]row, error) {
	switch n := node.Logical.(type) {
	case *planner.ScanNode:
		return w.scanRows(n)

	case *planner.JoinNode:
		left, err := w.eval(node.Children[0])
		if err != nil {
			return nil, err
		}
		right, err := w.eval(node.Children[1])
		if err != nil {
			return nil, err
		}
		return joinOnID(left, right, n.Record, node.Algorithm), nil

	case *planner.NavigateNode:
		return w.navigateRows(n, node)

	case *planner.FilterNode:
		input, err := w.eval(node.Children[0])
		if err != nil {
			return nil, err
		}
		return w.filterRows(input, n.Predicate)

	case *planner.AggregateNode:
		input, err := w.eval(node.Children[0])
		if err != nil {
			return nil, err
		}
		return w.aggregateRows(input, n)

	case *planner.ProjectNode:
		input, err := w.eval(node.Children[0])
		if err != nil {
			return nil, err
		}
		return w.projectRows(input, n), nil

	case *planner.SortNode:
		input, err := w.eval(node.Children[0])
		if err != nil {
			return nil, err
		}
		if !n.PushedDown {
			sortRows(input, n)
		}
		return input, nil

	case *planner.LimitNode:
		input, err := w.eval(node.Children[0])
		if err != nil {
			return nil, err
		}
		return truncateRows(input, n.Offset, n.Limit), nil
	}
	return nil, fmt.Errorf("cannot assemble plan node %T", node.Logical)
}

// ---------------------------------------- scans ----------------------------------------

// scanRows qualifies a fragment's raw rows with the record name.
// Metric fragments collapse to one row per record id, keeping the
// latest sample per attribute.
func (w *walker) scanRows(scan *planner.ScanNode) ([]row, error) {
	frag, ok := w.scanFrags[scan]
	if !ok {
		return nil, fmt.Errorf("no fragment executed for scan of %s on %s", scan.Record, scan.Class)
	}
	raw := w.result.Rows[frag.ID]

	if scan.Class == models.StorageMetric {
		return metricRows(scan.Record, raw), nil
	}

	out := make([]row, 0, len(raw))
	for _, src := range raw {
		merged := make(row, len(src))
		for key, value := range src {
			merged[scan.Record+"."+key] = value
		}
		out = append(out, merged)
	}
	return out, nil
}

// metricRows pivots (id, attribute, timestamp, value) samples into one
// row per record, each attribute holding its most recent sample.
func metricRows(record string, raw []adapters.Row) []row {
	latest := make(map[string]row)
	stamps := make(map[string]time.Time)
	var order []string
	for _, sample := range raw {
		id, _ := sample["id"].(string)
		attr, _ := sample["attribute"].(string)
		ts, _ := sample["timestamp"].(time.Time)
		value := sample["value"]

		r, ok := latest[id]
		if !ok {
			r = row{record + ".id": id}
			latest[id] = r
			order = append(order, id)
		}
		key := record + "." + attr
		if prev, seen := stamps[id+"\x00"+attr]; !seen || ts.After(prev) {
			r[key] = models.MetricPoint{Timestamp: ts, Value: value}
			stamps[id+"\x00"+attr] = ts
		}
	}
	out := make([]row, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

// ---------------------------------------- joins ----------------------------------------

// joinOnID merges two engine slices of the same record on record id.
func joinOnID(left, right []row, record string, algo planner.Algorithm) []row {
	key := record + ".id"
	var out []row
	if algo == planner.AlgoHashJoin {
		table := make(map[string][]row, len(right))
		for _, r := range right {
			if id, ok := r[key].(string); ok {
				table[id] = append(table[id], r)
			}
		}
		for _, l := range left {
			id, ok := l[key].(string)
			if !ok {
				continue
			}
			for _, r := range table[id] {
				out = append(out, mergeRows(l, r))
			}
		}
		return out
	}
	for _, l := range left {
		for _, r := range right {
			if l[key] == r[key] {
				out = append(out, mergeRows(l, r))
			}
		}
	}
	return out
}

func mergeRows(l, r row) row {
	merged := make(row, len(l)+len(r))
	for k, v := range l {
		merged[k] = v
	}
	for k, v := range r {
		merged[k] = v
	}
	return merged
}

// navigateRows stitches source rows to target rows through the
// traversal fragment's (source id, target id) pairs.
func (w *walker) navigateRows(nav *planner.NavigateNode, node *planner.PhysicalNode) ([]row, error) {
	source, err := w.eval(node.Children[0])
	if err != nil {
		return nil, err
	}
	target, err := w.eval(node.Children[1])
	if err != nil {
		return nil, err
	}
	frag, ok := w.navFrags[nav]
	if !ok {
		return nil, fmt.Errorf("no fragment executed for traversal %s -> %s", nav.Step.From, nav.Step.Target)
	}
	pairs := w.result.Rows[frag.ID]

	targetsByID := make(map[string][]row, len(target))
	targetKey := nav.Step.Target + ".id"
	for _, t := range target {
		if id, ok := t[targetKey].(string); ok {
			targetsByID[id] = append(targetsByID[id], t)
		}
	}
	edges := make(map[string][]string, len(pairs))
	for _, pair := range pairs {
		src, _ := pair["source_id"].(string)
		dst, _ := pair["target_id"].(string)
		edges[src] = append(edges[src], dst)
	}

	sourceKey := nav.Step.From + ".id"
	var out []row
	for _, s := range source {
		id, ok := s[sourceKey].(string)
		if !ok {
			continue
		}
		for _, dst := range edges[id] {
			for _, t := range targetsByID[dst] {
				out = append(out, mergeRows(s, t))
			}
		}
	}
	return out, nil
}

// ---------------------------------------- filter / aggregate ----------------------------------------

func (w *walker) lookup(r row) helpers.ValueLookup {
	return func(record, attribute string) (interface{}, bool) {
		if record == "" {
			value, ok := r[attribute]
			return value, ok
		}
		value, ok := r[record+"."+attribute]
		return value, ok
	}
}

func (w *walker) filterRows(input []row, predicate parser.Expr) ([]row, error) {
	var out []row
	for _, r := range input {
		match, err := helpers.EvalPredicate(w.an, predicate, w.lookup(r))
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, r)
		}
	}
	return out, nil
}

type group struct {
	key  string
	rows []row
}

func (w *walker) aggregateRows(input []row, agg *planner.AggregateNode) ([]row, error) {
	groups := []*group{}
	index := make(map[string]*group)
	for _, r := range input {
		var parts []string
		for _, ref := range agg.GroupBy {
			resolved := w.an.Refs[ref]
			parts = append(parts, fmt.Sprintf("%v", r[resolved.Record+"."+resolved.Attribute]))
		}
		key := strings.Join(parts, "\x00")
		g, ok := index[key]
		if !ok {
			g = &group{key: key}
			index[key] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, r)
	}
	// Aggregates without GROUP BY reduce the whole input to one group,
	// even an empty one.
	if len(agg.GroupBy) == 0 && len(groups) == 0 {
		groups = append(groups, &group{})
	}

	var out []row
	for _, g := range groups {
		result := make(row)
		for _, ref := range agg.GroupBy {
			resolved := w.an.Refs[ref]
			key := resolved.Record + "." + resolved.Attribute
			if len(g.rows) > 0 {
				result[key] = g.rows[0][key]
			}
		}
		for _, call := range agg.Aggregates {
			value, err := w.computeAggregate(call, g.rows)
			if err != nil {
				return nil, err
			}
			result[fmt.Sprintf("%s(%s)", call.Func, call.Arg)] = value
		}
		if agg.Having != nil {
			match, err := helpers.EvalPredicate(w.an, agg.Having, w.lookup(result))
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		out = append(out, result)
	}
	return out, nil
}

func (w *walker) computeAggregate(call *parser.AggregateCall, rows []row) (interface{}, error) {
	resolved := w.an.Refs[call.Arg]
	key := resolved.Record + "." + resolved.Attribute
	if resolved.WholeRecord() {
		key = resolved.Record + ".id"
	}

	switch call.Func {
	case "COUNT":
		count := 0
		for _, r := range rows {
			if _, ok := r[key]; ok {
				count++
			}
		}
		return float64(count), nil

	case "SUM", "AVG":
		var sum float64
		count := 0
		for _, r := range rows {
			value, ok := r[key]
			if !ok {
				continue
			}
			f, err := numeric(value)
			if err != nil {
				return nil, fmt.Errorf("%s over %s: %v", call.Func, call.Arg, err)
			}
			sum += f
			count++
		}
		if call.Func == "AVG" {
			if count == 0 {
				return nil, nil
			}
			return sum / float64(count), nil
		}
		return sum, nil

	case "MIN", "MAX":
		var best interface{}
		for _, r := range rows {
			value, ok := r[key]
			if !ok {
				continue
			}
			if best == nil {
				best = value
				continue
			}
			op := "<"
			if call.Func == "MAX" {
				op = ">"
			}
			better, err := helpers.CompareValues(value, op, best)
			if err != nil {
				return nil, err
			}
			if better {
				best = value
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("unknown aggregate function %s", call.Func)
}

func numeric(value interface{}) (float64, error) {
	if point, ok := value.(models.MetricPoint); ok {
		value = point.Value
	}
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("value %v is not numeric", value)
}

// ---------------------------------------- shaping ----------------------------------------

// projectRows maps merged rows to the statement's output columns under
// the caller's spelling, normalizing values on the way out.
func (w *walker) projectRows(input []row, project *planner.ProjectNode) []row {
	out := make([]row, 0, len(input))
	for _, r := range input {
		shaped := make(row, len(project.Columns))
		for _, col := range project.Columns {
			switch {
			case col.Agg != nil:
				shaped[col.Name] = normalizeValue(r[col.Name])
			case col.Ref != nil:
				resolved := w.an.Refs[col.Ref]
				if resolved.WholeRecord() {
					shaped[col.Name] = recordValue(r, resolved.Record)
					continue
				}
				shaped[col.Name] = normalizeValue(r[resolved.Record+"."+resolved.Attribute])
			}
		}
		out = append(out, shaped)
	}
	return out
}

// recordValue gathers every attribute of one record from a merged row.
func recordValue(r row, record string) map[string]interface{} {
	prefix := record + "."
	nested := make(map[string]interface{})
	for key, value := range r {
		if strings.HasPrefix(key, prefix) {
			nested[strings.TrimPrefix(key, prefix)] = normalizeValue(value)
		}
	}
	return nested
}

// normalizeValue maps backend-specific value types onto the response
// vocabulary: RFC 3339 strings for timestamps, float64 for numbers.
func normalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case []byte:
		return string(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	case models.MetricPoint:
		return models.MetricPoint{Timestamp: v.Timestamp.UTC(), Value: normalizeValue(v.Value)}
	}
	return value
}

func sortRows(rows []row, node *planner.SortNode) {
	spelled := node.Ref.String()
	sort.SliceStable(rows, func(i, j int) bool {
		left, ok := rows[i][spelled]
		if !ok {
			left = rows[i][qualifiedKey(rows[i], spelled)]
		}
		right, ok := rows[j][spelled]
		if !ok {
			right = rows[j][qualifiedKey(rows[j], spelled)]
		}
		if node.Descending {
			left, right = right, left
		}
		less, err := helpers.CompareValues(left, "<", right)
		if err != nil {
			return false
		}
		return less
	})
}

// qualifiedKey finds the merged-row key whose suffix matches an
// unqualified spelling, for sorts over columns the projection renamed.
func qualifiedKey(r row, spelled string) string {
	for key := range r {
		if strings.HasSuffix(key, "."+spelled) {
			return key
		}
	}
	return spelled
}

func truncateRows(rows []row, offset, limit int) []row {
	if offset > 0 {
		if offset > len(rows) {
			offset = len(rows)
		}
		rows = rows[offset:]
	}
	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
