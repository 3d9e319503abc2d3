package directors

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tesseradb/src/adapters"
	"tesseradb/src/engine"
	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/schema"
	"tesseradb/src/settings"
)

// SchemaService handles bucket and record schema commands: registry
// updates plus backend provisioning through the adapters.
type SchemaService struct {
	registry *schema.Registry
	adapters adapters.Set
	settings *settings.Arguments
	logger   *zap.SugaredLogger
}

func NewSchemaService(registry *schema.Registry, set adapters.Set,
	logger *zap.SugaredLogger, settings *settings.Arguments) *SchemaService {
	return &SchemaService{
		registry: registry,
		adapters: set,
		settings: settings,
		logger:   logger,
	}
}

// Registry exposes the schema registry to the query pipeline.
func (s *SchemaService) Registry() *schema.Registry { return s.registry }

func (s *SchemaService) CreateBucket(ctx context.Context, name string) (*engine.CommandResponse, error) {
	info, err := s.registry.CreateBucket(name)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Created bucket '%s'", name)
	return &engine.CommandResponse{ResultCount: 1, Result: info}, nil
}

func (s *SchemaService) DropBucket(ctx context.Context, name string) (*engine.CommandResponse, error) {
	if err := s.registry.DropBucket(name); err != nil {
		return nil, err
	}
	s.logger.Infof("Dropped bucket '%s'", name)
	return &engine.CommandResponse{ResultCount: 1, Result: name}, nil
}

// CreateRecord registers the record schema, then issues exactly one
// provisioning call per attribute to the adapter of its class.
func (s *SchemaService) CreateRecord(ctx context.Context, bucket string, stmt *parser.CreateRecordStatement) (*engine.CommandResponse, error) {
	record := &models.RecordSchema{
		Name:       stmt.Name,
		Attributes: make(map[string]models.AttributeDefinition, len(stmt.Attributes)),
	}
	for _, spec := range stmt.Attributes {
		def := attributeDefinition(spec)
		record.AttributeOrder = append(record.AttributeOrder, def.Name)
		record.Attributes[def.Name] = def
	}

	if err := s.registry.CreateRecord(bucket, record); err != nil {
		return nil, err
	}

	for _, name := range record.AttributeOrder {
		def := record.Attributes[name]
		adapter, ok := s.adapters[def.Class]
		if !ok {
			return nil, fmt.Errorf("no adapter for %s engine", def.Class)
		}
		if err := adapter.Provision(ctx, bucket, record.Name, def); err != nil {
			return nil, &engine.EngineError{Engine: string(def.Class), Err: err}
		}
	}

	s.logger.Infof("Created record '%s' in bucket '%s' with %d attributes",
		record.Name, bucket, len(record.AttributeOrder))
	return &engine.CommandResponse{ResultCount: 1, Result: record.Name}, nil
}

// CreateRelation adds a relation attribute to an existing record and
// provisions it on the relation engine.
func (s *SchemaService) CreateRelation(ctx context.Context, bucket string, stmt *parser.CreateRelationStatement) (*engine.CommandResponse, error) {
	if err := s.registry.AddRelation(bucket, stmt.Record, stmt.Attribute, stmt.Target); err != nil {
		return nil, err
	}
	def := models.AttributeDefinition{
		Name:         stmt.Attribute,
		Class:        models.StorageRelation,
		TargetRecord: stmt.Target,
	}
	if adapter, ok := s.adapters[models.StorageRelation]; ok {
		if err := adapter.Provision(ctx, bucket, stmt.Record, def); err != nil {
			return nil, &engine.EngineError{Engine: string(models.StorageRelation), Err: err}
		}
	}
	s.logger.Infof("Created relation %s.%s -> %s in bucket '%s'",
		stmt.Record, stmt.Attribute, stmt.Target, bucket)
	return &engine.CommandResponse{ResultCount: 1, Result: stmt.Attribute}, nil
}

// DeclareIndex registers an index declaration for the optimizer's
// cardinality estimates.
func (s *SchemaService) DeclareIndex(bucket, record, attribute string) (*engine.CommandResponse, error) {
	if err := s.registry.DeclareIndex(bucket, record, attribute); err != nil {
		return nil, err
	}
	return &engine.CommandResponse{ResultCount: 1, Result: fmt.Sprintf("%s.%s", record, attribute)}, nil
}

// BucketInfo returns the schema-management view of one bucket.
func (s *SchemaService) BucketInfo(bucket string) (*engine.CommandResponse, error) {
	info, err := s.registry.BucketInfo(bucket)
	if err != nil {
		return nil, err
	}
	return &engine.CommandResponse{ResultCount: len(info.Records), Result: info}, nil
}

// attributeDefinition maps a declaration's hint onto the definition
// field its class uses.
func attributeDefinition(spec parser.AttributeSpec) models.AttributeDefinition {
	def := models.AttributeDefinition{Name: spec.Name, Class: spec.Class}
	switch spec.Class {
	case models.StorageRelation:
		def.TargetRecord = spec.Hint
	case models.StorageMetric:
		def.Datatype = "FLOAT"
		def.Unit = strings.ToUpper(spec.Hint)
		if def.Unit == "" {
			def.Unit = "GAUGE"
		}
	default:
		def.Datatype = strings.ToUpper(spec.Hint)
		if def.Datatype == "" {
			def.Datatype = "STRING"
		}
	}
	return def
}
