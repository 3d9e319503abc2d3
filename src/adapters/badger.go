package adapters

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tesseradb/src/helpers"
	"tesseradb/src/models"
	"tesseradb/src/translators"
)

// BadgerAdapter runs metric-engine fragments against an embedded
// badger store. Samples are immutable once written; an update appends
// a new sample rather than rewriting history.
//
// Key layout:
//
//	m/<bucket>/<record>/<attribute>/<record id>/<unix nanos, zero padded>
//
// with the sample value as the key's payload. The padded timestamp
// keeps a prefix iteration in time order.
type BadgerAdapter struct {
	db     *badger.DB
	logger *zap.SugaredLogger

	mu   sync.Mutex
	txns map[string]*badgerTxn
}

type badgerTxn struct {
	id  string
	txn *badger.Txn
}

func (t *badgerTxn) ID() string { return t.id }

func NewBadgerAdapter(dir string, logger *zap.SugaredLogger) (*BadgerAdapter, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("metric engine store at %s failed to open: %v", dir, err)
	}
	return &BadgerAdapter{db: db, logger: logger, txns: make(map[string]*badgerTxn)}, nil
}

func (a *BadgerAdapter) Name() string               { return "badger" }
func (a *BadgerAdapter) Class() models.StorageClass { return models.StorageMetric }

func (a *BadgerAdapter) Close() error { return a.db.Close() }

// Provision records the attribute declaration under a schema marker
// key; the keyspace itself needs no preparation.
func (a *BadgerAdapter) Provision(ctx context.Context, bucket, record string, def models.AttributeDefinition) error {
	key := []byte(strings.Join([]string{"s", bucket, record, def.Name}, "/"))
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(def.Unit))
	})
	if err != nil {
		return fmt.Errorf("provisioning metric attribute %s.%s failed: %v", record, def.Name, err)
	}
	return nil
}

// ---------------------------------------- transactions ----------------------------------------

func (a *BadgerAdapter) BeginTransaction(ctx context.Context) (TxHandle, error) {
	handle := &badgerTxn{id: uuid.NewString(), txn: a.db.NewTransaction(true)}
	a.mu.Lock()
	a.txns[handle.id] = handle
	a.mu.Unlock()
	return handle, nil
}

// PrepareCommit has nothing to flush: badger buffers the transaction's
// writes in memory until Commit, which is the durability point.
func (a *BadgerAdapter) PrepareCommit(ctx context.Context, handle TxHandle) error {
	_, err := a.badgerTxn(handle)
	return err
}

func (a *BadgerAdapter) Commit(ctx context.Context, handle TxHandle) error {
	txn, err := a.badgerTxn(handle)
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.txns, txn.id)
	a.mu.Unlock()
	if err := txn.txn.Commit(); err != nil {
		return fmt.Errorf("metric engine commit failed: %v", err)
	}
	return nil
}

func (a *BadgerAdapter) Rollback(ctx context.Context, handle TxHandle) error {
	txn, err := a.badgerTxn(handle)
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.txns, txn.id)
	a.mu.Unlock()
	txn.txn.Discard()
	return nil
}

func (a *BadgerAdapter) badgerTxn(handle TxHandle) (*badgerTxn, error) {
	txn, ok := handle.(*badgerTxn)
	if !ok {
		return nil, fmt.Errorf("badger: transaction handle %T belongs to another adapter", handle)
	}
	a.mu.Lock()
	_, open := a.txns[txn.id]
	a.mu.Unlock()
	if !open {
		return nil, fmt.Errorf("badger: transaction %s is not open", txn.id)
	}
	return txn, nil
}

// write runs op inside the bound transaction, or a one-shot one.
func (a *BadgerAdapter) write(opts ExecOptions, op func(txn *badger.Txn) error) error {
	if opts.Txn != nil {
		txn, err := a.badgerTxn(opts.Txn)
		if err != nil {
			return err
		}
		return op(txn.txn)
	}
	return a.db.Update(op)
}

// ---------------------------------------- operations ----------------------------------------

func (a *BadgerAdapter) Select(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) ([]Row, error) {
	if q.Metric == nil {
		return nil, fmt.Errorf("badger: select requires a metric query")
	}
	wanted := idSet(q, opts)
	var out []Row
	err := a.db.View(func(txn *badger.Txn) error {
		for _, attr := range q.Metric.Attributes {
			prefix := []byte(strings.Join([]string{"m", bucket, q.Record, attr}, "/") + "/")
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				id, ts, ok := parseSampleKey(item.Key(), prefix)
				if !ok {
					continue
				}
				if wanted != nil && !wanted[id] {
					continue
				}
				var value float64
				err := item.Value(func(raw []byte) error {
					parsed, err := strconv.ParseFloat(string(raw), 64)
					value = parsed
					return err
				})
				if err != nil {
					it.Close()
					return err
				}
				if f := q.Metric.ValueFilter; f != nil && f.Attribute == attr {
					match, err := helpers.CompareValues(value, f.Op, f.Value)
					if err != nil {
						it.Close()
						return err
					}
					if !match {
						continue
					}
				}
				out = append(out, Row{
					"id":        id,
					"attribute": attr,
					"timestamp": ts,
					"value":     value,
				})
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metric engine query failed: %v", err)
	}
	return out, nil
}

func (a *BadgerAdapter) Insert(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) error {
	id := opts.RecordID
	if id == "" {
		id = uuid.NewString()
	}
	return a.appendSamples(bucket, q, opts, []string{id})
}

// Update appends a fresh sample per matched record: metric history is
// append-only.
func (a *BadgerAdapter) Update(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) (int, error) {
	ids, err := a.recordIDs(bucket, q, opts)
	if err != nil {
		return 0, err
	}
	if err := a.appendSamples(bucket, q, opts, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (a *BadgerAdapter) Delete(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) (int, error) {
	ids, err := a.recordIDs(bucket, q, opts)
	if err != nil {
		return 0, err
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	prefix := []byte(strings.Join([]string{"m", bucket, q.Record}, "/") + "/")
	var doomed [][]byte
	err = a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			parts := strings.Split(string(key), "/")
			// m/bucket/record/attr/id/ts
			if len(parts) == 6 && wanted[parts[4]] {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = a.write(opts, func(txn *badger.Txn) error {
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("metric engine delete from %s failed: %v", q.Record, err)
	}
	return len(ids), nil
}

func (a *BadgerAdapter) appendSamples(bucket string, q *translators.NativeQuery, opts ExecOptions, ids []string) error {
	now := time.Now().UTC().UnixNano()
	err := a.write(opts, func(txn *badger.Txn) error {
		for _, id := range ids {
			for attr, raw := range q.Values {
				value, err := metricValue(raw)
				if err != nil {
					return fmt.Errorf("attribute %s: %v", attr, err)
				}
				key := sampleKey(bucket, q.Record, attr, id, now)
				payload := strconv.FormatFloat(value, 'g', -1, 64)
				if err := txn.Set(key, []byte(payload)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("metric engine write to %s failed: %v", q.Record, err)
	}
	return nil
}

// recordIDs resolves the record ids a write applies to: the bound
// upstream set, or every id seen under the record's keyspace.
func (a *BadgerAdapter) recordIDs(bucket string, q *translators.NativeQuery, opts ExecOptions) ([]string, error) {
	if q.BindIDs {
		return opts.IDs, nil
	}
	prefix := []byte(strings.Join([]string{"m", bucket, q.Record}, "/") + "/")
	seen := make(map[string]bool)
	var ids []string
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			parts := strings.Split(string(it.Item().Key()), "/")
			if len(parts) == 6 && !seen[parts[4]] {
				seen[parts[4]] = true
				ids = append(ids, parts[4])
			}
		}
		return nil
	})
	return ids, err
}

func sampleKey(bucket, record, attr, id string, nanos int64) []byte {
	return []byte(fmt.Sprintf("m/%s/%s/%s/%s/%020d", bucket, record, attr, id, nanos))
}

func parseSampleKey(key, prefix []byte) (id string, ts time.Time, ok bool) {
	rest := strings.TrimPrefix(string(key), string(prefix))
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "", time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return parts[0], time.Unix(0, nanos).UTC(), true
}

func metricValue(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("metric samples must be numeric, got %T", raw)
}
