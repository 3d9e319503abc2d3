// Package schema holds the process-wide catalog of buckets and record
// schemas. Lookups take a shared per-bucket lock; schema creation is
// serialized per bucket so two concurrent creations of the same record
// cannot interleave, and evolution replaces schemas wholesale so a
// *RecordSchema handed to a caller never changes underneath it.
package schema

import (
	"sync"

	"go.uber.org/zap"

	"tesseradb/src/engine"
	"tesseradb/src/models"
)

type bucketEntry struct {
	mu      sync.RWMutex // guards bucket.Records and indexes
	bucket  *models.Bucket
	indexes map[string]bool // "record.attribute" -> indexed
}

// Registry is the schema catalog. Its lifecycle is explicit: buckets
// are created through CreateBucket, mutated only through the serialized
// creation paths, read freely thereafter, and torn down only with
// DropBucket.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*bucketEntry
	logger  *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		buckets: make(map[string]*bucketEntry),
		logger:  logger,
	}
}

// CreateBucket registers a new bucket. Duplicate creation fails; a
// bucket is never silently recreated.
func (r *Registry) CreateBucket(name string) (*models.BucketInfo, error) {
	if name == "" {
		return nil, &engine.SchemaError{Message: "bucket name must not be empty"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.buckets[name]; exists {
		return nil, &engine.SchemaError{Bucket: name, Message: "bucket already exists"}
	}
	r.buckets[name] = &bucketEntry{
		bucket:  &models.Bucket{Name: name, Records: make(map[string]*models.RecordSchema)},
		indexes: make(map[string]bool),
	}
	if r.logger != nil {
		r.logger.Infof("Created bucket '%s'", name)
	}
	return &models.BucketInfo{Name: name, Records: []string{}}, nil
}

// DropBucket tears down a bucket and every schema it owns.
func (r *Registry) DropBucket(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.buckets[name]; !exists {
		return &engine.SchemaError{Bucket: name, Message: "unknown bucket"}
	}
	delete(r.buckets, name)
	return nil
}

func (r *Registry) entry(bucket string) (*bucketEntry, error) {
	r.mu.RLock()
	entry, exists := r.buckets[bucket]
	r.mu.RUnlock()
	if !exists {
		return nil, &engine.SchemaError{Bucket: bucket, Message: "unknown bucket"}
	}
	return entry, nil
}

// CreateRecord registers a record schema in a bucket. The write is
// serialized per bucket; duplicate records and duplicate attribute
// names fail with SchemaError.
func (r *Registry) CreateRecord(bucket string, schema *models.RecordSchema) error {
	entry, err := r.entry(bucket)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(schema.AttributeOrder))
	for _, name := range schema.AttributeOrder {
		if seen[name] {
			return &engine.SchemaError{
				Bucket: bucket, Record: schema.Name, Attribute: name,
				Message: "duplicate attribute name",
			}
		}
		seen[name] = true
		def := schema.Attributes[name]
		if !def.Class.Valid() {
			return &engine.SchemaError{
				Bucket: bucket, Record: schema.Name, Attribute: name,
				Message: "unknown storage classification '" + string(def.Class) + "'",
			}
		}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, exists := entry.bucket.Records[schema.Name]; exists {
		return &engine.SchemaError{
			Bucket: bucket, Record: schema.Name,
			Message: "record already exists",
		}
	}
	entry.bucket.Records[schema.Name] = schema
	if r.logger != nil {
		r.logger.Infof("Created record '%s' in bucket '%s' with %d attributes",
			schema.Name, bucket, len(schema.AttributeOrder))
	}
	return nil
}

// AddRelation adds a relation-typed attribute to an existing record.
// Schema evolution is additive only and copy-on-write: the record's
// schema is replaced with an extended copy, so resolved *RecordSchema
// pointers held by in-flight queries stay immutable.
func (r *Registry) AddRelation(bucket, record, attribute, target string) error {
	entry, err := r.entry(bucket)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	rec, exists := entry.bucket.Records[record]
	if !exists {
		return &engine.SchemaError{Bucket: bucket, Record: record, Message: "unknown record"}
	}
	if _, exists := rec.Attributes[attribute]; exists {
		return &engine.SchemaError{
			Bucket: bucket, Record: record, Attribute: attribute,
			Message: "attribute already exists",
		}
	}
	if _, exists := entry.bucket.Records[target]; !exists {
		return &engine.SchemaError{Bucket: bucket, Record: target, Message: "unknown target record"}
	}

	next := &models.RecordSchema{
		Name:           rec.Name,
		Attributes:     make(map[string]models.AttributeDefinition, len(rec.Attributes)+1),
		AttributeOrder: make([]string, 0, len(rec.AttributeOrder)+1),
	}
	for name, def := range rec.Attributes {
		next.Attributes[name] = def
	}
	next.AttributeOrder = append(next.AttributeOrder, rec.AttributeOrder...)
	next.Attributes[attribute] = models.AttributeDefinition{
		Name:         attribute,
		Class:        models.StorageRelation,
		TargetRecord: target,
	}
	next.AttributeOrder = append(next.AttributeOrder, attribute)
	entry.bucket.Records[record] = next
	return nil
}

// Record resolves a record schema.
func (r *Registry) Record(bucket, record string) (*models.RecordSchema, error) {
	entry, err := r.entry(bucket)
	if err != nil {
		return nil, err
	}
	entry.mu.RLock()
	rec, exists := entry.bucket.Records[record]
	entry.mu.RUnlock()
	if !exists {
		return nil, &engine.SchemaError{Bucket: bucket, Record: record, Message: "unknown record"}
	}
	return rec, nil
}

// BucketInfo returns the schema-management view of a bucket.
func (r *Registry) BucketInfo(bucket string) (*models.BucketInfo, error) {
	entry, err := r.entry(bucket)
	if err != nil {
		return nil, err
	}
	info := &models.BucketInfo{Name: bucket, Records: []string{}}
	entry.mu.RLock()
	for name := range entry.bucket.Records {
		info.Records = append(info.Records, name)
	}
	entry.mu.RUnlock()
	return info, nil
}

// DeclareIndex records that an attribute is indexed in its owning
// backend. Index declarations only influence planning; the index
// itself lives in the external backend.
func (r *Registry) DeclareIndex(bucket, record, attribute string) error {
	entry, err := r.entry(bucket)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	rec, exists := entry.bucket.Records[record]
	if !exists {
		return &engine.SchemaError{Bucket: bucket, Record: record, Message: "unknown record"}
	}
	if _, exists := rec.Attributes[attribute]; !exists {
		return &engine.SchemaError{
			Bucket: bucket, Record: record, Attribute: attribute,
			Message: "unknown attribute",
		}
	}
	entry.indexes[record+"."+attribute] = true
	return nil
}

// HasIndex reports whether an index is declared for record.attribute.
func (r *Registry) HasIndex(bucket, record, attribute string) bool {
	entry, err := r.entry(bucket)
	if err != nil {
		return false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.indexes[record+"."+attribute]
}
