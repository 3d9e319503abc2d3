package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tesseradb/src/helpers"
	"tesseradb/src/models"
	"tesseradb/src/translators"
)

// MemoryAdapter emulates one backend class in process memory. It is
// the standalone-mode default and the test double for the adapter
// contract; transactional writes buffer until commit.
type MemoryAdapter struct {
	class models.StorageClass

	mu sync.RWMutex

	// bucket -> record -> id -> row (scalar and document classes)
	rows map[string]map[string]map[string]Row

	// bucket -> record -> attribute -> source id -> target ids
	edges map[string]map[string]map[string]map[string][]string

	// bucket -> record -> id -> attribute -> points
	points map[string]map[string]map[string]map[string][]models.MetricPoint

	provisions int
	txns       map[string]*memoryTxn

	// Failure injection for tests.
	PrepareErr error
	SelectErr  error
}

type memoryTxn struct {
	id       string
	ops      []func()
	prepared bool
}

func (t *memoryTxn) ID() string { return t.id }

func NewMemoryAdapter(class models.StorageClass) *MemoryAdapter {
	return &MemoryAdapter{
		class:  class,
		rows:   make(map[string]map[string]map[string]Row),
		edges:  make(map[string]map[string]map[string]map[string][]string),
		points: make(map[string]map[string]map[string]map[string][]models.MetricPoint),
		txns:   make(map[string]*memoryTxn),
	}
}

func (a *MemoryAdapter) Name() string               { return "memory-" + string(a.class) }
func (a *MemoryAdapter) Class() models.StorageClass { return a.class }

// ProvisionCalls reports how many provisioning calls this adapter has
// received.
func (a *MemoryAdapter) ProvisionCalls() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.provisions
}

func (a *MemoryAdapter) Provision(ctx context.Context, bucket, record string, def models.AttributeDefinition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provisions++
	return nil
}

// ---------------------------------------- transactions ----------------------------------------

func (a *MemoryAdapter) BeginTransaction(ctx context.Context) (TxHandle, error) {
	txn := &memoryTxn{id: uuid.NewString()}
	a.mu.Lock()
	a.txns[txn.id] = txn
	a.mu.Unlock()
	return txn, nil
}

func (a *MemoryAdapter) PrepareCommit(ctx context.Context, handle TxHandle) error {
	if a.PrepareErr != nil {
		return a.PrepareErr
	}
	txn, err := a.txn(handle)
	if err != nil {
		return err
	}
	txn.prepared = true
	return nil
}

func (a *MemoryAdapter) Commit(ctx context.Context, handle TxHandle) error {
	txn, err := a.txn(handle)
	if err != nil {
		return err
	}
	a.mu.Lock()
	for _, op := range txn.ops {
		op()
	}
	delete(a.txns, txn.id)
	a.mu.Unlock()
	return nil
}

func (a *MemoryAdapter) Rollback(ctx context.Context, handle TxHandle) error {
	txn, err := a.txn(handle)
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.txns, txn.id)
	a.mu.Unlock()
	txn.ops = nil
	return nil
}

func (a *MemoryAdapter) txn(handle TxHandle) (*memoryTxn, error) {
	if handle == nil {
		return nil, fmt.Errorf("%s: nil transaction handle", a.Name())
	}
	a.mu.RLock()
	txn, ok := a.txns[handle.ID()]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: unknown transaction %s", a.Name(), handle.ID())
	}
	return txn, nil
}

// apply runs a write now, or buffers it on the open sub-transaction.
func (a *MemoryAdapter) apply(opts ExecOptions, op func()) error {
	if opts.Txn == nil {
		a.mu.Lock()
		op()
		a.mu.Unlock()
		return nil
	}
	txn, err := a.txn(opts.Txn)
	if err != nil {
		return err
	}
	txn.ops = append(txn.ops, op)
	return nil
}

// ---------------------------------------- reads ----------------------------------------

func (a *MemoryAdapter) Select(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) ([]Row, error) {
	if a.SelectErr != nil {
		return nil, a.SelectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	switch a.class {
	case models.StorageRelation:
		return a.selectEdges(bucket, q, opts)
	case models.StorageMetric:
		return a.selectPoints(bucket, q, opts)
	}
	return a.selectRows(bucket, q, opts)
}

func (a *MemoryAdapter) selectRows(bucket string, q *translators.NativeQuery, opts ExecOptions) ([]Row, error) {
	wanted := idSet(q, opts)
	var out []Row
	for id, row := range a.rows[bucket][q.Record] {
		if wanted != nil && !wanted[id] {
			continue
		}
		if q.Predicate != nil {
			match, err := helpers.EvalPredicate(q.Analysis, q.Predicate, func(_, attr string) (interface{}, bool) {
				v, ok := row[attr]
				return v, ok
			})
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		projected := Row{"id": id}
		for _, col := range q.Shape {
			if col == "id" {
				continue
			}
			projected[col] = row[col]
		}
		out = append(out, projected)
	}

	if q.SortAttr != "" {
		attr, desc := q.SortAttr, q.SortDesc
		sort.SliceStable(out, func(i, j int) bool {
			less, _ := helpers.CompareValues(out[i][attr], "<", out[j][attr])
			if desc {
				return !less
			}
			return less
		})
	}
	if q.Limit >= 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (a *MemoryAdapter) selectEdges(bucket string, q *translators.NativeQuery, opts ExecOptions) ([]Row, error) {
	if q.Traversal == nil {
		return nil, fmt.Errorf("%s: select requires a traversal query", a.Name())
	}
	byAttr := a.edges[bucket][q.Traversal.From][q.Traversal.Attribute]
	wanted := idSet(q, opts)
	var out []Row
	for source, targets := range byAttr {
		if wanted != nil && !wanted[source] {
			continue
		}
		for _, target := range targets {
			out = append(out, Row{"source_id": source, "target_id": target})
		}
	}
	return out, nil
}

func (a *MemoryAdapter) selectPoints(bucket string, q *translators.NativeQuery, opts ExecOptions) ([]Row, error) {
	if q.Metric == nil {
		return nil, fmt.Errorf("%s: select requires a metric query", a.Name())
	}
	wanted := idSet(q, opts)
	var out []Row
	for id, byAttr := range a.points[bucket][q.Record] {
		if wanted != nil && !wanted[id] {
			continue
		}
		for _, attr := range q.Metric.Attributes {
			for _, point := range byAttr[attr] {
				if f := q.Metric.ValueFilter; f != nil && f.Attribute == attr {
					match, err := helpers.CompareValues(point.Value, f.Op, f.Value)
					if err != nil {
						return nil, err
					}
					if !match {
						continue
					}
				}
				out = append(out, Row{
					"id":        id,
					"attribute": attr,
					"timestamp": point.Timestamp,
					"value":     point.Value,
				})
			}
		}
	}
	return out, nil
}

// ---------------------------------------- writes ----------------------------------------

func (a *MemoryAdapter) Insert(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) error {
	id := opts.RecordID
	if id == "" {
		id = uuid.NewString()
	}
	record := q.Record
	values := q.Values
	return a.apply(opts, func() {
		switch a.class {
		case models.StorageRelation:
			for attr, target := range values {
				a.addEdge(bucket, record, attr, id, fmt.Sprintf("%v", target))
			}
		case models.StorageMetric:
			now := time.Now().UTC()
			for attr, value := range values {
				a.addPoint(bucket, record, id, attr, models.MetricPoint{Timestamp: now, Value: value})
			}
		default:
			row := Row{"id": id}
			for attr, value := range values {
				row[attr] = value
			}
			ensureNested(a.rows, bucket, record)[id] = row
		}
	})
}

func (a *MemoryAdapter) Update(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) (int, error) {
	ids, err := a.matchIDs(bucket, q, opts)
	if err != nil {
		return 0, err
	}
	record := q.Record
	values := q.Values
	err = a.apply(opts, func() {
		for _, id := range ids {
			switch a.class {
			case models.StorageRelation:
				byRecord := ensureNested(a.edges, bucket, record)
				for attr, target := range values {
					if byRecord[attr] == nil {
						byRecord[attr] = make(map[string][]string)
					}
					byRecord[attr][id] = []string{fmt.Sprintf("%v", target)}
				}
			case models.StorageMetric:
				// A metric update appends a new sample; history is
				// immutable.
				now := time.Now().UTC()
				for attr, value := range values {
					a.addPoint(bucket, record, id, attr, models.MetricPoint{Timestamp: now, Value: value})
				}
			default:
				// Ids matched by another engine's scan may have no row
				// here yet; materialize the identity row on the way.
				byRecord := ensureNested(a.rows, bucket, record)
				row := byRecord[id]
				if row == nil {
					row = Row{"id": id}
					byRecord[id] = row
				}
				for attr, value := range values {
					row[attr] = value
				}
			}
		}
	})
	return len(ids), err
}

func (a *MemoryAdapter) Delete(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) (int, error) {
	ids, err := a.matchIDs(bucket, q, opts)
	if err != nil {
		return 0, err
	}
	record := q.Record
	err = a.apply(opts, func() {
		for _, id := range ids {
			switch a.class {
			case models.StorageRelation:
				for _, byAttr := range a.edges[bucket][record] {
					delete(byAttr, id)
				}
			case models.StorageMetric:
				delete(a.points[bucket][record], id)
			default:
				delete(a.rows[bucket][record], id)
			}
		}
	})
	return len(ids), err
}

// matchIDs resolves the id set a write applies to: the bound upstream
// ids, or the rows matching the pushed condition, or everything.
func (a *MemoryAdapter) matchIDs(bucket string, q *translators.NativeQuery, opts ExecOptions) ([]string, error) {
	if q.BindIDs {
		return opts.IDs, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	var ids []string
	switch a.class {
	case models.StorageRelation:
		for _, byAttr := range a.edges[bucket][q.Record] {
			for source := range byAttr {
				ids = append(ids, source)
			}
		}
	case models.StorageMetric:
		for id := range a.points[bucket][q.Record] {
			ids = append(ids, id)
		}
	default:
		for id, row := range a.rows[bucket][q.Record] {
			if q.Predicate != nil {
				match, err := helpers.EvalPredicate(q.Analysis, q.Predicate, func(_, attr string) (interface{}, bool) {
					v, ok := row[attr]
					return v, ok
				})
				if err != nil {
					return nil, err
				}
				if !match {
					continue
				}
			}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *MemoryAdapter) addEdge(bucket, record, attr, source, target string) {
	byRecord := ensureNested(a.edges, bucket, record)
	if byRecord[attr] == nil {
		byRecord[attr] = make(map[string][]string)
	}
	byRecord[attr][source] = append(byRecord[attr][source], target)
}

func (a *MemoryAdapter) addPoint(bucket, record, id, attr string, point models.MetricPoint) {
	byRecord := ensureNested(a.points, bucket, record)
	if byRecord[id] == nil {
		byRecord[id] = make(map[string][]models.MetricPoint)
	}
	byRecord[id][attr] = append(byRecord[id][attr], point)
}

func ensureNested[V any](m map[string]map[string]map[string]V, bucket, record string) map[string]V {
	if m[bucket] == nil {
		m[bucket] = make(map[string]map[string]V)
	}
	if m[bucket][record] == nil {
		m[bucket][record] = make(map[string]V)
	}
	return m[bucket][record]
}

func idSet(q *translators.NativeQuery, opts ExecOptions) map[string]bool {
	if !q.BindIDs {
		return nil
	}
	set := make(map[string]bool, len(opts.IDs))
	for _, id := range opts.IDs {
		set[id] = true
	}
	return set
}
