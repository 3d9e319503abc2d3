// Package adapters defines the contract this engine requires from the
// four external storage systems, and the adapter implementations that
// satisfy it. Adapters are selected through a dispatch table keyed by
// storage classification; connection pooling and credentials are the
// adapter's own concern.
package adapters

import (
	"context"

	"tesseradb/src/models"
	"tesseradb/src/translators"
)

// Row is one raw result row/document/edge/point from a backend. Rows
// carry the record id under the "id" key; relation traversals carry
// "source_id" and "target_id" instead.
type Row map[string]interface{}

// TxHandle identifies one sub-transaction opened on a backend. A
// handle is exclusively owned by its transaction for its lifetime and
// must not be shared with concurrent queries.
type TxHandle interface {
	ID() string
}

// ExecOptions carries the execution-time inputs the coordinator binds
// into a native query.
type ExecOptions struct {
	// RecordID is the generated id for an insert.
	RecordID string

	// IDs is the upstream key set for a dependent fragment.
	IDs []string

	// Txn scopes the call to an open sub-transaction, nil outside a
	// transaction.
	Txn TxHandle
}

// Adapter is the capability interface every backend class implements.
// These are the only operations the engine invokes on external
// storage.
type Adapter interface {
	Name() string
	Class() models.StorageClass

	// Provision prepares backend storage for one attribute of a newly
	// created record schema.
	Provision(ctx context.Context, bucket, record string, def models.AttributeDefinition) error

	BeginTransaction(ctx context.Context) (TxHandle, error)
	PrepareCommit(ctx context.Context, txn TxHandle) error
	Commit(ctx context.Context, txn TxHandle) error
	Rollback(ctx context.Context, txn TxHandle) error

	Select(ctx context.Context, bucket string, query *translators.NativeQuery, opts ExecOptions) ([]Row, error)
	Insert(ctx context.Context, bucket string, query *translators.NativeQuery, opts ExecOptions) error
	Update(ctx context.Context, bucket string, query *translators.NativeQuery, opts ExecOptions) (int, error)
	Delete(ctx context.Context, bucket string, query *translators.NativeQuery, opts ExecOptions) (int, error)
}

// Set is the dispatch table over the four engines.
type Set map[models.StorageClass]Adapter

// NewMemorySet returns an in-memory adapter for every class, the
// standalone-mode default.
func NewMemorySet() Set {
	return Set{
		models.StorageScalar:   NewMemoryAdapter(models.StorageScalar),
		models.StorageDocument: NewMemoryAdapter(models.StorageDocument),
		models.StorageRelation: NewMemoryAdapter(models.StorageRelation),
		models.StorageMetric:   NewMemoryAdapter(models.StorageMetric),
	}
}
