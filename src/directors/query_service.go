package directors

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tesseradb/src/assembler"
	"tesseradb/src/engine"
	"tesseradb/src/executor"
	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/planner"
	"tesseradb/src/semantics"
	"tesseradb/src/settings"
	"tesseradb/src/translators"
)

// QueryService runs the full pipeline for one request: parse, analyze,
// plan, translate, execute, assemble. Schema commands are routed to the
// SchemaService instead of the planner.
type QueryService struct {
	schemaService *SchemaService
	analyzer      *semantics.Analyzer
	planner       *planner.Planner
	coordinator   *executor.Coordinator
	assembler     *assembler.Assembler
	settings      *settings.Arguments
	logger        *zap.SugaredLogger
}

func NewQueryService(schemaService *SchemaService, coordinator *executor.Coordinator,
	logger *zap.SugaredLogger, settings *settings.Arguments) *QueryService {
	registry := schemaService.Registry()
	return &QueryService{
		schemaService: schemaService,
		analyzer:      semantics.NewAnalyzer(registry),
		planner:       planner.NewPlanner(registry, logger).WithPushCheck(translators.Pushable),
		coordinator:   coordinator,
		assembler:     assembler.NewAssembler(logger),
		settings:      settings,
		logger:        logger,
	}
}

// Execute runs one request end to end. The result is either a
// *models.QueryResponse (reads) or an *engine.CommandResponse (schema
// commands and mutations).
func (s *QueryService) Execute(ctx context.Context, req *models.QueryRequest) (interface{}, error) {
	began := time.Now()

	stmt, err := parser.Parse(req.Query)
	if err != nil {
		return nil, err
	}

	switch st := stmt.(type) {
	case *parser.CreateBucketStatement:
		return s.schemaService.CreateBucket(ctx, st.Name)
	case *parser.CreateRecordStatement:
		return s.schemaService.CreateRecord(ctx, req.Bucket, st)
	case *parser.CreateRelationStatement:
		return s.schemaService.CreateRelation(ctx, req.Bucket, st)
	}

	an, err := s.analyzer.Analyze(req.Bucket, stmt)
	if err != nil {
		return nil, err
	}
	logical, err := s.planner.Plan(an)
	if err != nil {
		return nil, err
	}
	physical, err := s.planner.Refine(logical)
	if err != nil {
		return nil, err
	}

	var txn *executor.Transaction
	if req.TransactionID != "" {
		txn, err = s.coordinator.Transactions().Lookup(req.TransactionID)
		if err != nil {
			return nil, err
		}
	}

	result, err := s.coordinator.Execute(ctx, physical, txn, req.AllowPartial)
	if err != nil {
		return nil, err
	}

	if physical.IsWrite() {
		s.logger.Debugf("Mutation affected %d record(s) in %s", result.Affected, time.Since(began))
		payload := interface{}(result.Affected)
		if result.InsertedID != "" {
			payload = result.InsertedID
		}
		return &engine.CommandResponse{ResultCount: result.Affected, Result: payload}, nil
	}

	response, err := s.assembler.Assemble(physical, result, time.Since(began), req.Page, req.PageSize)
	if err != nil {
		return nil, err
	}
	s.logger.Debugf("Query returned %d of %d row(s) in %s",
		response.Metadata.ReturnedCount, response.Metadata.TotalCount, time.Since(began))
	return response, nil
}
