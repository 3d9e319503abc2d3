package planner

import (
	"fmt"

	"go.uber.org/zap"

	"tesseradb/src/engine"
	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/schema"
	"tesseradb/src/semantics"
)

// Plan is the logical plan for one statement. Reads carry an operator
// tree rooted at Root; writes carry per-engine mutations plus an
// optional driver scan that resolves the match condition to an id set.
// A transaction wrapper carries one sub-plan per inner statement.
type Plan struct {
	Analysis *semantics.Analysis

	Root      LogicalNode
	Driver    *ScanNode
	Mutations []*MutationNode

	Statements []*Plan
}

// IsWrite reports whether the plan mutates backend state.
func (p *Plan) IsWrite() bool {
	return len(p.Mutations) > 0 || len(p.Statements) > 0
}

// PushCheck reports whether an engine class can natively evaluate a
// predicate. Wired in from the translator layer so a translator's
// inability to express a predicate keeps it client-side instead of
// losing it.
type PushCheck func(an *semantics.Analysis, class models.StorageClass, expr parser.Expr) bool

// Planner builds and optimizes logical plans.
type Planner struct {
	registry  *schema.Registry
	logger    *zap.SugaredLogger
	pushCheck PushCheck
}

func NewPlanner(registry *schema.Registry, logger *zap.SugaredLogger) *Planner {
	return &Planner{registry: registry, logger: logger}
}

// WithPushCheck installs the translator capability check.
func (pl *Planner) WithPushCheck(check PushCheck) *Planner {
	pl.pushCheck = check
	return pl
}

// Plan builds the logical tree for an annotated statement and runs the
// optimization passes in order: predicate pushdown, projection pruning,
// join-order selection, cross-engine predicate detection.
func (pl *Planner) Plan(an *semantics.Analysis) (*Plan, error) {
	plan, err := pl.build(an)
	if err != nil {
		return nil, err
	}
	pl.optimize(plan)
	return plan, nil
}

func (pl *Planner) build(an *semantics.Analysis) (*Plan, error) {
	switch s := an.Stmt.(type) {
	case *parser.FindStatement:
		return pl.buildFind(an, s)
	case *parser.NavigateStatement:
		return pl.buildStandaloneNavigate(an, s)
	case *parser.AddStatement:
		return pl.buildMutation(an, MutationInsert, s.Record, s.Values, nil)
	case *parser.UpdateStatement:
		return pl.buildMutation(an, MutationUpdate, s.Record, s.Values, s.Where)
	case *parser.RemoveStatement:
		return pl.buildMutation(an, MutationDelete, s.Record, nil, s.Where)
	case *parser.TransactionStatement:
		plan := &Plan{Analysis: an}
		for _, inner := range an.Inner {
			sub, err := pl.Plan(inner)
			if err != nil {
				return nil, err
			}
			plan.Statements = append(plan.Statements, sub)
		}
		return plan, nil
	}
	return nil, fmt.Errorf("no plan for statement kind %T", an.Stmt)
}

// buildFind assembles the unoptimized tree: one scan per (record,
// engine) pair over the record's full attribute set, join/navigate
// nodes, the whole MATCH predicate in a single filter above them, then
// aggregate/project, sort and limit.
func (pl *Planner) buildFind(an *semantics.Analysis, s *parser.FindStatement) (*Plan, error) {
	subtree, err := pl.buildRecordTree(an, an.Base)
	if err != nil {
		return nil, err
	}
	for _, step := range an.Steps {
		target, err := pl.buildRecordTree(an, step.Target)
		if err != nil {
			return nil, err
		}
		subtree = &NavigateNode{
			Step:   step,
			Source: subtree,
			Target: target,
			Card:   subtree.Cardinality() * navFanout,
		}
	}

	var root LogicalNode = subtree
	if s.Where != nil {
		root = &FilterNode{Input: root, Predicate: s.Where}
	}

	if len(s.GroupBy) > 0 || hasAggregates(s.Projections) {
		agg := &AggregateNode{Input: root, GroupBy: s.GroupBy, Having: s.Having}
		for _, proj := range s.Projections {
			if call, ok := proj.(*parser.AggregateCall); ok {
				agg.Aggregates = append(agg.Aggregates, call)
			}
		}
		if having := s.Having; having != nil {
			collectAggregates(having, &agg.Aggregates)
		}
		root = agg
	}

	// Sort below the projection: the sort key may not be projected, and
	// projecting first would drop it before the comparison runs.
	if s.OrderBy != nil {
		root = &SortNode{Input: root, Ref: s.OrderBy.Ref, Descending: s.OrderBy.Descending}
	}

	project := &ProjectNode{Input: root}
	for _, proj := range s.Projections {
		switch e := proj.(type) {
		case *parser.AttributeRef:
			project.Columns = append(project.Columns, Column{Name: e.String(), Ref: e})
		case *parser.AggregateCall:
			name := fmt.Sprintf("%s(%s)", e.Func, e.Arg)
			project.Columns = append(project.Columns, Column{Name: name, Agg: e})
		}
	}
	root = project

	if s.Limit >= 0 {
		root = &LimitNode{Input: root, Limit: s.Limit, Offset: s.Offset}
	}
	return &Plan{Analysis: an, Root: root}, nil
}

// buildStandaloneNavigate plans NAVIGATE as a FIND of the target
// record's attributes reached through the single hop.
func (pl *Planner) buildStandaloneNavigate(an *semantics.Analysis, s *parser.NavigateStatement) (*Plan, error) {
	source, err := pl.buildRecordTree(an, an.Base)
	if err != nil {
		return nil, err
	}
	target, err := pl.buildRecordTree(an, s.Step.Target)
	if err != nil {
		return nil, err
	}
	var root LogicalNode = &NavigateNode{
		Step:   an.Steps[0],
		Source: source,
		Target: target,
		Card:   source.Cardinality() * navFanout,
	}
	if s.Where != nil {
		root = &FilterNode{Input: root, Predicate: s.Where}
	}

	rec, err := pl.registry.Record(an.Bucket, s.Step.Target)
	if err != nil {
		return nil, err
	}
	project := &ProjectNode{Input: root}
	for _, name := range rec.AttributeOrder {
		def := rec.Attributes[name]
		if def.Class == models.StorageRelation {
			continue
		}
		ref := &parser.AttributeRef{Parts: []string{s.Step.Target, name}}
		an.Refs[ref] = semantics.ResolvedRef{
			Record: s.Step.Target, Attribute: name, Class: def.Class, Def: def,
		}
		project.Columns = append(project.Columns, Column{Name: ref.String(), Ref: ref})
	}
	return &Plan{Analysis: an, Root: project}, nil
}

// buildRecordTree creates one scan per engine class holding attributes
// of the record. Every record keeps a scalar identity scan: record ids
// are scalar-classified, and the id column is the join key for the
// record's other engine scans.
func (pl *Planner) buildRecordTree(an *semantics.Analysis, record string) (LogicalNode, error) {
	rec, err := pl.registry.Record(an.Bucket, record)
	if err != nil {
		return nil, err
	}

	perClass := map[models.StorageClass][]string{
		models.StorageScalar: nil,
	}
	for _, name := range rec.AttributeOrder {
		def := rec.Attributes[name]
		if def.Class == models.StorageRelation {
			continue
		}
		perClass[def.Class] = append(perClass[def.Class], name)
	}

	var scans []LogicalNode
	for _, class := range models.AllStorageClasses {
		attrs, ok := perClass[class]
		if !ok {
			continue
		}
		scans = append(scans, &ScanNode{
			Record:     record,
			Class:      class,
			Attributes: attrs,
			Card:       cardFullScan,
			Limit:      -1,
		})
	}

	tree := scans[0]
	for _, right := range scans[1:] {
		tree = &JoinNode{
			Record: record,
			Left:   tree,
			Right:  right,
			Card:   tree.Cardinality(),
		}
	}
	return tree, nil
}

func (pl *Planner) buildMutation(an *semantics.Analysis, kind MutationKind, record string,
	values []parser.Assignment, where parser.Expr) (*Plan, error) {

	rec, err := pl.registry.Record(an.Bucket, record)
	if err != nil {
		return nil, err
	}

	perClass := make(map[models.StorageClass]map[string]interface{})
	for _, assign := range values {
		def := rec.Attributes[assign.Attribute]
		class := def.Class
		if perClass[class] == nil {
			perClass[class] = make(map[string]interface{})
		}
		value, ok := an.Literals[assign.Value]
		if !ok {
			value = assign.Value.Value()
		}
		perClass[class][assign.Attribute] = value
	}
	if kind == MutationDelete {
		// A delete touches every engine holding attributes of the record.
		for _, name := range rec.AttributeOrder {
			def := rec.Attributes[name]
			if def.Class == models.StorageRelation {
				continue
			}
			if perClass[def.Class] == nil {
				perClass[def.Class] = make(map[string]interface{})
			}
		}
		if perClass[models.StorageScalar] == nil {
			perClass[models.StorageScalar] = make(map[string]interface{})
		}
	}
	if kind == MutationInsert && perClass[models.StorageScalar] == nil {
		// Reads join through the scalar identity row, so an insert must
		// write it even when no scalar attribute is assigned.
		perClass[models.StorageScalar] = make(map[string]interface{})
	}

	plan := &Plan{Analysis: an}
	for _, class := range models.AllStorageClasses {
		vals, ok := perClass[class]
		if !ok {
			continue
		}
		plan.Mutations = append(plan.Mutations, &MutationNode{
			Kind:   kind,
			Record: record,
			Class:  class,
			Values: vals,
		})
	}
	if len(plan.Mutations) == 0 {
		return nil, &engine.SchemaError{
			Bucket: an.Bucket, Record: record,
			Message: "statement affects no storable attributes",
		}
	}

	if where != nil {
		condClass, single := singleEngine(an, where)
		if single && len(plan.Mutations) == 1 && plan.Mutations[0].Class == condClass {
			// The condition is expressible by the only engine written.
			plan.Mutations[0].Predicate = where
		} else {
			// Resolve the condition to an id set first, then apply the
			// mutations by id.
			if !single {
				return nil, &engine.SchemaError{
					Bucket: an.Bucket, Record: record,
					Message: "match condition on a write must reference a single storage engine",
				}
			}
			plan.Driver = &ScanNode{
				Record:     record,
				Class:      condClass,
				Attributes: nil, // ids only
				Predicate:  where,
				Card:       cardFiltered,
				Limit:      -1,
			}
		}
	}
	return plan, nil
}

func hasAggregates(projections []parser.Expr) bool {
	for _, proj := range projections {
		if _, ok := proj.(*parser.AggregateCall); ok {
			return true
		}
	}
	return false
}

func collectAggregates(expr parser.Expr, out *[]*parser.AggregateCall) {
	switch e := expr.(type) {
	case *parser.AggregateCall:
		*out = append(*out, e)
	case *parser.BinaryExpr:
		collectAggregates(e.Left, out)
		collectAggregates(e.Right, out)
	case *parser.UnaryExpr:
		collectAggregates(e.Expr, out)
	}
}

// singleEngine reports the one (record, class) pair a predicate
// touches, or single=false when it spans engines or records.
func singleEngine(an *semantics.Analysis, expr parser.Expr) (models.StorageClass, bool) {
	touched := make(map[models.StorageClass]bool)
	records := make(map[string]bool)
	var walk func(parser.Expr)
	walk = func(e parser.Expr) {
		switch n := e.(type) {
		case *parser.AttributeRef:
			resolved := an.Refs[n]
			touched[resolved.Class] = true
			records[resolved.Record] = true
		case *parser.AggregateCall:
			resolved := an.Refs[n.Arg]
			touched[resolved.Class] = true
			records[resolved.Record] = true
		case *parser.BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		case *parser.UnaryExpr:
			walk(n.Expr)
		}
	}
	walk(expr)
	if len(touched) != 1 || len(records) != 1 {
		return "", false
	}
	for class := range touched {
		return class, true
	}
	return "", false
}
