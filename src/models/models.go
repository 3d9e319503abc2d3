package models

import "time"

// StorageClass routes an attribute to the backend engine that owns it.
// Every attribute carries exactly one classification; it is the routing
// key used throughout the pipeline.
type StorageClass string

const (
	StorageScalar   StorageClass = "scalar"
	StorageDocument StorageClass = "document"
	StorageRelation StorageClass = "relation"
	StorageMetric   StorageClass = "metric"
)

// AllStorageClasses lists every engine class in dispatch-table order.
var AllStorageClasses = []StorageClass{
	StorageScalar,
	StorageDocument,
	StorageRelation,
	StorageMetric,
}

// Valid reports whether the class is one of the four known engines.
func (c StorageClass) Valid() bool {
	switch c {
	case StorageScalar, StorageDocument, StorageRelation, StorageMetric:
		return true
	}
	return false
}

// AttributeDefinition describes one attribute of a record schema.
type AttributeDefinition struct {
	// Name is the attribute name, unique within its record.
	Name string

	// Class is the storage classification for the attribute.
	Class StorageClass

	// Datatype is an optional native datatype hint
	// (UUID, STRING, INT, FLOAT, BOOL, DATETIME).
	Datatype string

	// TargetRecord is the related record name for relation attributes.
	TargetRecord string

	// Unit is the sample unit for metric attributes (COUNT, GAUGE, MS).
	Unit string
}

// RecordSchema is a record name plus its ordered attribute definitions.
type RecordSchema struct {
	// Name is the record name, unique within its bucket.
	Name string

	// AttributeOrder preserves declaration order for projection output.
	AttributeOrder []string

	// Attributes maps attribute name to its definition.
	Attributes map[string]AttributeDefinition
}

// Attribute returns the definition for name, if declared.
func (r *RecordSchema) Attribute(name string) (AttributeDefinition, bool) {
	def, ok := r.Attributes[name]
	return def, ok
}

// Bucket is the top-level namespace owning record schemas.
type Bucket struct {
	// Name is the bucket name, unique process-wide.
	Name string

	// Records maps record name to its schema.
	Records map[string]*RecordSchema
}

// BucketInfo is the schema-management view of a bucket.
type BucketInfo struct {
	Name    string   `json:"name"`
	Records []string `json:"records"`
}

// QueryRequest is the query-submission input consumed from the
// dashboard/CLI collaborators.
type QueryRequest struct {
	Bucket        string `json:"bucket"`
	Query         string `json:"query"`
	TransactionID string `json:"transactionId,omitempty"`

	// AllowPartial lets a non-transactional multi-engine read return
	// partial results annotated with the engines that failed.
	AllowPartial bool `json:"allowPartial,omitempty"`

	Page     int `json:"page,omitempty"`
	PageSize int `json:"pageSize,omitempty"`
}

// ResponseMetadata is the pagination block of a query response.
type ResponseMetadata struct {
	TotalCount      int   `json:"total_count"`
	ReturnedCount   int   `json:"returned_count"`
	Page            int   `json:"page"`
	PageSize        int   `json:"page_size"`
	ExecutionTimeMs int64 `json:"execution_time_ms"`
}

// EngineStats reports per-engine execution observability counters.
type EngineStats struct {
	UnitsScanned    int    `json:"units_scanned"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Error           string `json:"error,omitempty"`
}

// QueryResponse is the assembled result of one query.
type QueryResponse struct {
	Data     []map[string]interface{} `json:"data"`
	Metadata ResponseMetadata         `json:"metadata"`
	Engines  map[string]EngineStats   `json:"engines"`
}

// MetricPoint is the normalized representation of one time-series sample.
type MetricPoint struct {
	Timestamp time.Time   `json:"timestamp"`
	Value     interface{} `json:"value"`
}
