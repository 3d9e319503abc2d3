package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tesseradb/src/adapters"
	"tesseradb/src/engine"
	"tesseradb/src/models"
)

// TxnState is the lifecycle state of a federated transaction.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnPreparing
	TxnCommitted
	TxnAborting
	TxnRolledBack
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnPreparing:
		return "preparing"
	case TxnCommitted:
		return "committed"
	case TxnAborting:
		return "aborting"
	case TxnRolledBack:
		return "rolled-back"
	}
	return "unknown"
}

// Transaction tracks one federated transaction and the sub-transaction
// handle opened on each engine it has touched.
type Transaction struct {
	ID    string
	State TxnState
	Began time.Time

	mu      sync.Mutex
	handles map[models.StorageClass]adapters.TxHandle
}

// engines lists the classes this transaction has touched, sorted for
// deterministic journal lines.
func (t *Transaction) engines() []string {
	names := make([]string, 0, len(t.handles))
	for class := range t.handles {
		names = append(names, string(class))
	}
	sort.Strings(names)
	return names
}

// TransactionManager emulates atomic commitment over backends that
// share no common transaction protocol: prepare everything, journal
// the decision, then commit everything. A prepare failure rolls back
// every open sub-transaction.
type TransactionManager struct {
	adapters adapters.Set
	journal  *DecisionJournal
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*Transaction
}

func NewTransactionManager(set adapters.Set, journal *DecisionJournal, logger *zap.SugaredLogger) *TransactionManager {
	return &TransactionManager{
		adapters: set,
		journal:  journal,
		logger:   logger,
		active:   make(map[string]*Transaction),
	}
}

// Begin opens a new federated transaction. Sub-transactions on the
// engines are opened lazily, on first touch.
func (m *TransactionManager) Begin(ctx context.Context) *Transaction {
	txn := &Transaction{
		ID:      uuid.NewString(),
		State:   TxnActive,
		Began:   time.Now(),
		handles: make(map[models.StorageClass]adapters.TxHandle),
	}
	m.mu.Lock()
	m.active[txn.ID] = txn
	m.mu.Unlock()
	m.logger.Debugf("Transaction %s began", txn.ID)
	return txn
}

// Lookup resolves an open transaction by id.
func (m *TransactionManager) Lookup(id string) (*Transaction, error) {
	m.mu.Lock()
	txn, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil, &engine.TransactionError{
			TransactionID: id,
			Phase:         "lookup",
			Err:           fmt.Errorf("transaction is not active"),
		}
	}
	return txn, nil
}

// Handle returns the sub-transaction for one engine, beginning it on
// first use.
func (m *TransactionManager) Handle(ctx context.Context, txn *Transaction, class models.StorageClass) (adapters.TxHandle, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.State != TxnActive {
		return nil, &engine.TransactionError{
			TransactionID: txn.ID,
			Phase:         "execute",
			Err:           fmt.Errorf("transaction is %s", txn.State),
		}
	}
	if handle, ok := txn.handles[class]; ok {
		return handle, nil
	}
	adapter, ok := m.adapters[class]
	if !ok {
		return nil, fmt.Errorf("no adapter for %s engine", class)
	}
	handle, err := adapter.BeginTransaction(ctx)
	if err != nil {
		return nil, &engine.TransactionError{TransactionID: txn.ID, Phase: "begin", Err: err}
	}
	txn.handles[class] = handle
	return handle, nil
}

// Commit runs the two-phase protocol: prepare every touched engine,
// journal the commit decision, then commit every engine. Any prepare
// failure aborts the whole transaction.
func (m *TransactionManager) Commit(ctx context.Context, txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.State != TxnActive {
		return &engine.TransactionError{
			TransactionID: txn.ID,
			Phase:         "prepare",
			Err:           fmt.Errorf("transaction is %s", txn.State),
		}
	}
	txn.State = TxnPreparing

	for class, handle := range txn.handles {
		if err := m.adapters[class].PrepareCommit(ctx, handle); err != nil {
			m.logger.Warnf("Transaction %s: %s engine vetoed prepare: %v", txn.ID, class, err)
			m.rollbackLocked(ctx, txn)
			return &engine.TransactionError{TransactionID: txn.ID, Phase: "prepare", Err: err}
		}
	}

	// Every participant voted yes; the decision is now durable before
	// any engine sees a commit.
	if m.journal != nil {
		if err := m.journal.Record(txn.ID, "commit", txn.engines()); err != nil {
			m.rollbackLocked(ctx, txn)
			return &engine.TransactionError{TransactionID: txn.ID, Phase: "decision", Err: err}
		}
	}

	var firstErr error
	for class, handle := range txn.handles {
		if err := m.adapters[class].Commit(ctx, handle); err != nil {
			// The decision is already journaled; the engine is in doubt
			// and needs operator recovery, not a rollback.
			m.logger.Errorf("Transaction %s: %s engine failed to commit after decision: %v", txn.ID, class, err)
			if firstErr == nil {
				firstErr = &engine.TransactionError{TransactionID: txn.ID, Phase: "commit", Err: err}
			}
		}
	}
	txn.State = TxnCommitted
	m.remove(txn)
	if firstErr != nil {
		return firstErr
	}
	m.logger.Debugf("Transaction %s committed across %v", txn.ID, txn.engines())
	return nil
}

// Rollback aborts the transaction on every touched engine.
func (m *TransactionManager) Rollback(ctx context.Context, txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.State == TxnCommitted || txn.State == TxnRolledBack {
		return &engine.TransactionError{
			TransactionID: txn.ID,
			Phase:         "rollback",
			Err:           fmt.Errorf("transaction is %s", txn.State),
		}
	}
	m.rollbackLocked(ctx, txn)
	return nil
}

// rollbackLocked rolls back every sub-transaction; the caller holds
// txn.mu.
func (m *TransactionManager) rollbackLocked(ctx context.Context, txn *Transaction) {
	txn.State = TxnAborting
	for class, handle := range txn.handles {
		if err := m.adapters[class].Rollback(ctx, handle); err != nil {
			m.logger.Warnf("Transaction %s: %s engine rollback failed: %v", txn.ID, class, err)
		}
	}
	if m.journal != nil {
		if err := m.journal.Record(txn.ID, "abort", txn.engines()); err != nil {
			m.logger.Warnf("Transaction %s: failed to journal abort: %v", txn.ID, err)
		}
	}
	txn.State = TxnRolledBack
	m.remove(txn)
	m.logger.Debugf("Transaction %s rolled back", txn.ID)
}

func (m *TransactionManager) remove(txn *Transaction) {
	m.mu.Lock()
	delete(m.active, txn.ID)
	m.mu.Unlock()
}

// ActiveCount reports the number of open transactions.
func (m *TransactionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
