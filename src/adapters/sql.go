package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tesseradb/src/models"
	"tesseradb/src/translators"
)

// SQLAdapter runs scalar-engine fragments against MySQL. Each bucket
// maps to its own database schema; connections are opened lazily per
// bucket from the configured DSN.
type SQLAdapter struct {
	dsn    string
	logger *zap.SugaredLogger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

type sqlTxn struct {
	id string
	tx *sql.Tx
}

func (t *sqlTxn) ID() string { return t.id }

func NewSQLAdapter(dsn string, logger *zap.SugaredLogger) (*SQLAdapter, error) {
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("invalid scalar engine DSN: %v", err)
	}
	return &SQLAdapter{
		dsn:    dsn,
		logger: logger,
		dbs:    make(map[string]*sql.DB),
	}, nil
}

func (a *SQLAdapter) Name() string               { return "mysql" }
func (a *SQLAdapter) Class() models.StorageClass { return models.StorageScalar }

// db returns the connection pool for a bucket's schema, opening it on
// first use.
func (a *SQLAdapter) db(bucket string) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.dbs[bucket]; ok {
		return db, nil
	}
	cfg, err := mysql.ParseDSN(a.dsn)
	if err != nil {
		return nil, err
	}
	if bucket != "" {
		cfg.DBName = bucket
	}
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("scalar engine connection for bucket %s failed: %v", bucket, err)
	}
	a.dbs[bucket] = db
	return db, nil
}

func (a *SQLAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for bucket, db := range a.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.dbs, bucket)
	}
	return firstErr
}

func (a *SQLAdapter) Provision(ctx context.Context, bucket, record string, def models.AttributeDefinition) error {
	db, err := a.db(bucket)
	if err != nil {
		return err
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id VARCHAR(36) PRIMARY KEY)", record)
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("provisioning table %s failed: %v", record, err)
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", record, def.Name, sqlType(def.Datatype))
	if _, err := db.ExecContext(ctx, alter); err != nil {
		// 1060: the column already exists, nothing to do.
		var myErr *mysql.MySQLError
		if !errors.As(err, &myErr) || myErr.Number != 1060 {
			return fmt.Errorf("provisioning column %s.%s failed: %v", record, def.Name, err)
		}
	}
	return nil
}

func sqlType(datatype string) string {
	switch strings.ToUpper(datatype) {
	case "INT":
		return "BIGINT"
	case "FLOAT":
		return "DOUBLE"
	case "BOOL":
		return "TINYINT(1)"
	case "DATETIME":
		return "DATETIME(6)"
	case "UUID":
		return "VARCHAR(36)"
	}
	return "VARCHAR(255)"
}

// ---------------------------------------- transactions ----------------------------------------

// BeginTransaction opens one MySQL transaction. The engine's commit
// protocol is emulated over single-backend transactions, so prepare is
// a liveness probe rather than a server-side XA prepare.
func (a *SQLAdapter) BeginTransaction(ctx context.Context) (TxHandle, error) {
	// Transactional statements carry the bucket in their query; the
	// pool for the first bucket touched would be ideal, but a single
	// transaction never spans buckets, so the default schema serves.
	db, err := a.db("")
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("scalar engine begin failed: %v", err)
	}
	return &sqlTxn{id: uuid.NewString(), tx: tx}, nil
}

func (a *SQLAdapter) PrepareCommit(ctx context.Context, handle TxHandle) error {
	txn, err := a.sqlTxn(handle)
	if err != nil {
		return err
	}
	var one int
	if err := txn.tx.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("scalar engine prepare failed: %v", err)
	}
	return nil
}

func (a *SQLAdapter) Commit(ctx context.Context, handle TxHandle) error {
	txn, err := a.sqlTxn(handle)
	if err != nil {
		return err
	}
	return txn.tx.Commit()
}

func (a *SQLAdapter) Rollback(ctx context.Context, handle TxHandle) error {
	txn, err := a.sqlTxn(handle)
	if err != nil {
		return err
	}
	return txn.tx.Rollback()
}

func (a *SQLAdapter) sqlTxn(handle TxHandle) (*sqlTxn, error) {
	txn, ok := handle.(*sqlTxn)
	if !ok {
		return nil, fmt.Errorf("mysql: transaction handle %T belongs to another adapter", handle)
	}
	return txn, nil
}

// runner abstracts over *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (a *SQLAdapter) runner(bucket string, opts ExecOptions) (runner, error) {
	if opts.Txn != nil {
		txn, err := a.sqlTxn(opts.Txn)
		if err != nil {
			return nil, err
		}
		return txn.tx, nil
	}
	return a.db(bucket)
}

// ---------------------------------------- operations ----------------------------------------

func (a *SQLAdapter) Select(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) ([]Row, error) {
	query, params, empty := bindIDList(q, opts)
	if empty {
		return nil, nil
	}
	run, err := a.runner(bucket, opts)
	if err != nil {
		return nil, err
	}
	rows, err := run.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("scalar engine query failed: %v", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		targets := make([]interface{}, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if raw, ok := values[i].([]byte); ok {
				row[col] = string(raw)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *SQLAdapter) Insert(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) error {
	run, err := a.runner(bucket, opts)
	if err != nil {
		return err
	}
	// The translated VALUES list leads with the id placeholder.
	params := append([]interface{}{opts.RecordID}, q.Params...)
	if _, err := run.ExecContext(ctx, q.SQL, params...); err != nil {
		return fmt.Errorf("scalar engine insert into %s failed: %v", q.Record, err)
	}
	return nil
}

func (a *SQLAdapter) Update(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) (int, error) {
	return a.exec(ctx, bucket, q, opts)
}

func (a *SQLAdapter) Delete(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) (int, error) {
	return a.exec(ctx, bucket, q, opts)
}

func (a *SQLAdapter) exec(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) (int, error) {
	query, params, empty := bindIDList(q, opts)
	if empty {
		return 0, nil
	}
	run, err := a.runner(bucket, opts)
	if err != nil {
		return 0, err
	}
	result, err := run.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, fmt.Errorf("scalar engine write to %s failed: %v", q.Record, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// bindIDList expands the single-placeholder `id IN (?)` marker into one
// placeholder per bound id and splices the ids into the parameter list
// at the marker's position. The third return is true when the upstream
// id set is empty, which can never match.
func bindIDList(q *translators.NativeQuery, opts ExecOptions) (string, []interface{}, bool) {
	if !q.BindIDs {
		return q.SQL, q.Params, false
	}
	if len(opts.IDs) == 0 {
		return "", nil, true
	}
	const marker = "id IN (?)"
	idx := strings.Index(q.SQL, marker)
	if idx < 0 {
		return q.SQL, q.Params, false
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(opts.IDs)), ", ")
	query := strings.Replace(q.SQL, marker, "id IN ("+placeholders+")", 1)

	// Parameters before the marker keep their positions; the ids slot
	// in where the single placeholder sat.
	before := strings.Count(q.SQL[:idx], "?")
	params := make([]interface{}, 0, len(q.Params)+len(opts.IDs))
	params = append(params, q.Params[:before]...)
	for _, id := range opts.IDs {
		params = append(params, id)
	}
	params = append(params, q.Params[before:]...)
	return query, params, false
}
