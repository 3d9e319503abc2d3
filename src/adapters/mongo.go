package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"tesseradb/src/models"
	"tesseradb/src/translators"
)

// MongoAdapter runs document-engine fragments against MongoDB. Each
// bucket maps to a database and each record schema to a collection;
// record ids live in _id.
type MongoAdapter struct {
	client *mongo.Client
	logger *zap.SugaredLogger
}

type mongoTxn struct {
	id      string
	session mongo.Session
}

func (t *mongoTxn) ID() string { return t.id }

func NewMongoAdapter(ctx context.Context, uri string, logger *zap.SugaredLogger) (*MongoAdapter, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("document engine connection failed: %v", err)
	}
	return &MongoAdapter{client: client, logger: logger}, nil
}

func (a *MongoAdapter) Name() string               { return "mongodb" }
func (a *MongoAdapter) Class() models.StorageClass { return models.StorageDocument }

func (a *MongoAdapter) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

func (a *MongoAdapter) collection(bucket, record string) *mongo.Collection {
	return a.client.Database(bucket).Collection(record)
}

// Provision creates the record's collection on first attribute; the
// document engine is schemaless beyond that.
func (a *MongoAdapter) Provision(ctx context.Context, bucket, record string, def models.AttributeDefinition) error {
	err := a.client.Database(bucket).CreateCollection(ctx, record)
	if err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Name == "NamespaceExists" {
			return nil
		}
		return fmt.Errorf("provisioning collection %s.%s failed: %v", bucket, record, err)
	}
	return nil
}

// ---------------------------------------- transactions ----------------------------------------

// BeginTransaction starts a server session with an open transaction.
// MongoDB exposes no separate client-facing prepare, so PrepareCommit
// verifies the session is still live and the real commit point is
// Commit.
func (a *MongoAdapter) BeginTransaction(ctx context.Context) (TxHandle, error) {
	session, err := a.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("document engine begin failed: %v", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("document engine begin failed: %v", err)
	}
	return &mongoTxn{id: uuid.NewString(), session: session}, nil
}

func (a *MongoAdapter) PrepareCommit(ctx context.Context, handle TxHandle) error {
	txn, err := a.mongoTxn(handle)
	if err != nil {
		return err
	}
	sc := mongo.NewSessionContext(ctx, txn.session)
	if err := a.client.Ping(sc, nil); err != nil {
		return fmt.Errorf("document engine prepare failed: %v", err)
	}
	return nil
}

func (a *MongoAdapter) Commit(ctx context.Context, handle TxHandle) error {
	txn, err := a.mongoTxn(handle)
	if err != nil {
		return err
	}
	defer txn.session.EndSession(ctx)
	if err := txn.session.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("document engine commit failed: %v", err)
	}
	return nil
}

func (a *MongoAdapter) Rollback(ctx context.Context, handle TxHandle) error {
	txn, err := a.mongoTxn(handle)
	if err != nil {
		return err
	}
	defer txn.session.EndSession(ctx)
	if err := txn.session.AbortTransaction(ctx); err != nil {
		return fmt.Errorf("document engine rollback failed: %v", err)
	}
	return nil
}

func (a *MongoAdapter) mongoTxn(handle TxHandle) (*mongoTxn, error) {
	txn, ok := handle.(*mongoTxn)
	if !ok {
		return nil, fmt.Errorf("mongodb: transaction handle %T belongs to another adapter", handle)
	}
	return txn, nil
}

// opContext scopes the call to the open session when one is bound.
func (a *MongoAdapter) opContext(ctx context.Context, opts ExecOptions) (context.Context, error) {
	if opts.Txn == nil {
		return ctx, nil
	}
	txn, err := a.mongoTxn(opts.Txn)
	if err != nil {
		return nil, err
	}
	return mongo.NewSessionContext(ctx, txn.session), nil
}

// ---------------------------------------- operations ----------------------------------------

func (a *MongoAdapter) Select(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) ([]Row, error) {
	ctx, err := a.opContext(ctx, opts)
	if err != nil {
		return nil, err
	}
	filter := boundFilter(q, opts)
	findOpts := options.Find()
	if len(q.Projection) > 0 {
		findOpts.SetProjection(q.Projection)
	}
	if q.SortAttr != "" {
		order := 1
		if q.SortDesc {
			order = -1
		}
		findOpts.SetSort(bson.D{{Key: q.SortAttr, Value: order}})
	}
	if q.Limit >= 0 {
		findOpts.SetLimit(int64(q.Limit))
	}

	cursor, err := a.collection(bucket, q.Record).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("document engine query failed: %v", err)
	}
	defer cursor.Close(ctx)

	var out []Row
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		row := make(Row, len(doc))
		for key, value := range doc {
			if key == "_id" {
				row["id"] = fmt.Sprintf("%v", value)
				continue
			}
			row[key] = value
		}
		out = append(out, row)
	}
	return out, cursor.Err()
}

func (a *MongoAdapter) Insert(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) error {
	ctx, err := a.opContext(ctx, opts)
	if err != nil {
		return err
	}
	id := opts.RecordID
	if id == "" {
		id = uuid.NewString()
	}
	doc := bson.M{"_id": id}
	for attr, value := range q.Values {
		doc[attr] = value
	}
	if _, err := a.collection(bucket, q.Record).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("document engine insert into %s failed: %v", q.Record, err)
	}
	return nil
}

func (a *MongoAdapter) Update(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) (int, error) {
	ctx, err := a.opContext(ctx, opts)
	if err != nil {
		return 0, err
	}
	filter := boundFilter(q, opts)
	result, err := a.collection(bucket, q.Record).UpdateMany(ctx, filter, bson.M{"$set": bson.M(q.Values)})
	if err != nil {
		return 0, fmt.Errorf("document engine update of %s failed: %v", q.Record, err)
	}
	return int(result.MatchedCount), nil
}

func (a *MongoAdapter) Delete(ctx context.Context, bucket string, q *translators.NativeQuery, opts ExecOptions) (int, error) {
	ctx, err := a.opContext(ctx, opts)
	if err != nil {
		return 0, err
	}
	filter := boundFilter(q, opts)
	result, err := a.collection(bucket, q.Record).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("document engine delete from %s failed: %v", q.Record, err)
	}
	return int(result.DeletedCount), nil
}

// boundFilter combines the translated filter with the upstream id set.
func boundFilter(q *translators.NativeQuery, opts ExecOptions) bson.M {
	filter := bson.M{}
	for key, value := range q.Filter {
		filter[key] = value
	}
	if q.BindIDs {
		ids := opts.IDs
		if ids == nil {
			ids = []string{}
		}
		filter["_id"] = bson.M{"$in": ids}
	}
	return filter
}
