package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tesseradb/src/adapters"
	"tesseradb/src/engine"
	"tesseradb/src/models"
	"tesseradb/src/planner"
	"tesseradb/src/semantics"
	"tesseradb/src/translators"
)

// ExecutionResult carries the raw per-fragment output of one plan,
// keyed by fragment id, for the assembler to merge.
type ExecutionResult struct {
	mu sync.Mutex

	Rows    map[string][]adapters.Row
	Queries map[string]*translators.NativeQuery

	// IDSets holds the record id set each fragment produced; dependent
	// fragments bind their upstream set from here.
	IDSets map[string][]string

	Stats map[models.StorageClass]*models.EngineStats

	// Affected is the row count of a mutation plan; InsertedID the
	// generated id of an insert.
	Affected   int
	InsertedID string

	// Partial marks a result where at least one engine failed and the
	// caller opted into partial results.
	Partial bool
}

// Coordinator dispatches physical-plan fragments to the backend
// adapters in dependency order, fanning independent fragments out
// concurrently, and drives mutations through the transaction manager.
type Coordinator struct {
	adapters    adapters.Set
	translators map[models.StorageClass]translators.Translator
	txns        *TransactionManager
	logger      *zap.SugaredLogger
	timeout     time.Duration
}

func NewCoordinator(set adapters.Set, txns *TransactionManager, logger *zap.SugaredLogger, timeout time.Duration) *Coordinator {
	return &Coordinator{
		adapters:    set,
		translators: translators.NewRegistry(),
		txns:        txns,
		logger:      logger,
		timeout:     timeout,
	}
}

// Transactions exposes the manager for explicit transaction control.
func (c *Coordinator) Transactions() *TransactionManager { return c.txns }

// Execute runs one physical plan to completion under the configured
// timeout. A nil txn runs reads directly and wraps writes in an
// implicit transaction; a non-nil txn scopes every backend call to it.
func (c *Coordinator) Execute(ctx context.Context, plan *planner.PhysicalPlan, txn *Transaction, allowPartial bool) (*ExecutionResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	implicit := txn == nil && plan.IsWrite()
	if implicit {
		txn = c.txns.Begin(ctx)
	}

	result, err := c.execute(ctx, plan, txn, allowPartial)
	if err != nil {
		if txn != nil {
			if rbErr := c.txns.Rollback(ctx, txn); rbErr != nil {
				c.logger.Warnf("Rollback after failure also failed: %v", rbErr)
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &engine.TimeoutError{Elapsed: time.Since(start).Round(time.Millisecond).String()}
		}
		return nil, err
	}

	if implicit {
		if err := c.txns.Commit(ctx, txn); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *Coordinator) execute(ctx context.Context, plan *planner.PhysicalPlan, txn *Transaction, allowPartial bool) (*ExecutionResult, error) {
	result := newResult()

	// A transaction block runs its statements sequentially inside the
	// shared transaction.
	if len(plan.Statements) > 0 {
		for _, sub := range plan.Statements {
			inner, err := c.execute(ctx, sub, txn, false)
			if err != nil {
				return nil, err
			}
			result.fold(inner)
		}
		return result, nil
	}

	if len(plan.Mutations) > 0 {
		if err := c.executeMutations(ctx, plan, txn, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := c.executeFragments(ctx, plan, txn, allowPartial, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ---------------------------------------- reads ----------------------------------------

// executeFragments runs the read fragments in dependency waves: every
// fragment whose dependencies are satisfied runs concurrently with its
// peers in the same wave.
func (c *Coordinator) executeFragments(ctx context.Context, plan *planner.PhysicalPlan, txn *Transaction, allowPartial bool, result *ExecutionResult) error {
	an := plan.Logical.Analysis
	done := make(map[string]bool, len(plan.Fragments))

	for len(done) < len(plan.Fragments) {
		var wave []*planner.Fragment
		for _, frag := range plan.Fragments {
			if done[frag.ID] {
				continue
			}
			ready := true
			for _, dep := range frag.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, frag)
			}
		}
		if len(wave) == 0 {
			return fmt.Errorf("fragment dependency cycle in plan")
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for _, frag := range wave {
			wg.Add(1)
			go func(frag *planner.Fragment) {
				defer wg.Done()
				rows, query, err := c.runFragment(ctx, an.Bucket, an, frag, txn, result)
				if err != nil {
					if allowPartial && !errors.Is(err, context.DeadlineExceeded) {
						c.logger.Warnf("Fragment %s failed, continuing partially: %v", frag.ID, err)
						result.recordFailure(frag.Class, err)
						result.clearFragment(frag)
						return
					}
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				result.setFragment(frag, rows, query)
			}(frag)
		}
		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
		for _, frag := range wave {
			done[frag.ID] = true
		}
	}
	return nil
}

// runFragment translates and dispatches one fragment.
func (c *Coordinator) runFragment(ctx context.Context, bucket string, an *semantics.Analysis, frag *planner.Fragment, txn *Transaction, result *ExecutionResult) ([]adapters.Row, *translators.NativeQuery, error) {
	adapter, ok := c.adapters[frag.Class]
	if !ok {
		return nil, nil, fmt.Errorf("no adapter for %s engine", frag.Class)
	}
	translator := c.translators[frag.Class]
	query, err := translator.Translate(an, frag)
	if err != nil {
		return nil, nil, err
	}

	opts := adapters.ExecOptions{}
	if frag.BindUpstreamIDs {
		opts.IDs = result.upstreamIDs(frag)
	}
	if txn != nil {
		handle, err := c.txns.Handle(ctx, txn, frag.Class)
		if err != nil {
			return nil, nil, err
		}
		opts.Txn = handle
	}

	began := time.Now()
	rows, err := adapter.Select(ctx, bucket, query, opts)
	elapsed := time.Since(began)
	result.recordScan(frag.Class, len(rows), elapsed)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		return nil, nil, &engine.EngineError{Engine: string(frag.Class), Err: err}
	}
	c.logger.Debugf("Fragment %s returned %d rows from %s in %s", frag.ID, len(rows), adapter.Name(), elapsed)
	return rows, query, nil
}

// producedIDs extracts the record id set a fragment's rows contribute
// downstream. A traversal produces the ids on its target side.
func producedIDs(frag *planner.Fragment, rows []adapters.Row) []string {
	column := "id"
	if frag.Navigate != nil {
		column = "target_id"
	}
	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, row := range rows {
		id, ok := row[column].(string)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// ---------------------------------------- writes ----------------------------------------

// executeMutations resolves the driver id set, then applies every
// mutation fragment inside the transaction. A single insert id is
// shared across engines so one logical record lands under one key
// everywhere.
func (c *Coordinator) executeMutations(ctx context.Context, plan *planner.PhysicalPlan, txn *Transaction, result *ExecutionResult) error {
	an := plan.Logical.Analysis

	var driverIDs []string
	if plan.Driver != nil {
		rows, _, err := c.runFragment(ctx, an.Bucket, an, plan.Driver, txn, result)
		if err != nil {
			return err
		}
		driverIDs = producedIDs(plan.Driver, rows)
	}

	insertID := uuid.NewString()
	for _, frag := range plan.Mutations {
		adapter, ok := c.adapters[frag.Class]
		if !ok {
			return fmt.Errorf("no adapter for %s engine", frag.Class)
		}
		query, err := c.translators[frag.Class].Translate(an, frag)
		if err != nil {
			return err
		}

		opts := adapters.ExecOptions{}
		if frag.BindUpstreamIDs {
			opts.IDs = driverIDs
		}
		if txn != nil {
			handle, err := c.txns.Handle(ctx, txn, frag.Class)
			if err != nil {
				return err
			}
			opts.Txn = handle
		}

		began := time.Now()
		var affected int
		switch query.Kind {
		case translators.MutationInsert:
			opts.RecordID = insertID
			err = adapter.Insert(ctx, an.Bucket, query, opts)
			affected = 1
			result.InsertedID = insertID
		case translators.MutationUpdate:
			affected, err = adapter.Update(ctx, an.Bucket, query, opts)
		case translators.MutationDelete:
			affected, err = adapter.Delete(ctx, an.Bucket, query, opts)
		default:
			err = fmt.Errorf("fragment %s carries no mutation", frag.ID)
		}
		result.recordScan(frag.Class, affected, time.Since(began))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return &engine.EngineError{Engine: string(frag.Class), Err: err}
		}
		if affected > result.Affected {
			result.Affected = affected
		}
	}
	return nil
}

// ---------------------------------------- result bookkeeping ----------------------------------------

func newResult() *ExecutionResult {
	return &ExecutionResult{
		Rows:    make(map[string][]adapters.Row),
		Queries: make(map[string]*translators.NativeQuery),
		IDSets:  make(map[string][]string),
		Stats:   make(map[models.StorageClass]*models.EngineStats),
	}
}

// upstreamIDs intersects the id sets of a fragment's dependencies:
// same-record branches across engines agree on record ids, so the
// intersection is the set present on every one.
func (r *ExecutionResult) upstreamIDs(frag *planner.Fragment) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for i, dep := range frag.DependsOn {
		set := r.IDSets[dep]
		if i == 0 {
			ids = append([]string(nil), set...)
			continue
		}
		member := make(map[string]bool, len(set))
		for _, id := range set {
			member[id] = true
		}
		kept := ids[:0]
		for _, id := range ids {
			if member[id] {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	return ids
}

func (r *ExecutionResult) stats(class models.StorageClass) *models.EngineStats {
	s, ok := r.Stats[class]
	if !ok {
		s = &models.EngineStats{}
		r.Stats[class] = s
	}
	return s
}

func (r *ExecutionResult) recordScan(class models.StorageClass, units int, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats(class)
	s.UnitsScanned += units
	s.ExecutionTimeMs += elapsed.Milliseconds()
}

func (r *ExecutionResult) recordFailure(class models.StorageClass, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Partial = true
	r.stats(class).Error = err.Error()
}

// setFragment records one fragment's output.
func (r *ExecutionResult) setFragment(frag *planner.Fragment, rows []adapters.Row, query *translators.NativeQuery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rows[frag.ID] = rows
	r.Queries[frag.ID] = query
	r.IDSets[frag.ID] = producedIDs(frag, rows)
}

// clearFragment marks a failed fragment as producing nothing.
func (r *ExecutionResult) clearFragment(frag *planner.Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.IDSets[frag.ID] = nil
}

// fold merges a statement's result into the block's combined result.
func (r *ExecutionResult) fold(inner *ExecutionResult) {
	r.Affected += inner.Affected
	if inner.InsertedID != "" {
		r.InsertedID = inner.InsertedID
	}
	for class, s := range inner.Stats {
		combined := r.stats(class)
		combined.UnitsScanned += s.UnitsScanned
		combined.ExecutionTimeMs += s.ExecutionTimeMs
		if s.Error != "" {
			combined.Error = s.Error
		}
	}
	for id, rows := range inner.Rows {
		r.Rows[id] = rows
	}
	for id, q := range inner.Queries {
		r.Queries[id] = q
	}
	for id, ids := range inner.IDSets {
		r.IDSets[id] = ids
	}
}
