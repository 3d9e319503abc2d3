// Package semantics resolves AST identifiers against the schema
// registry, type-checks expressions, and annotates every attribute
// reference with its owning storage engine. The annotation produced
// here is the sole routing mechanism used by every downstream
// component.
package semantics

import (
	"fmt"
	"strconv"
	"time"

	"tesseradb/src/engine"
	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/schema"
)

// ResolvedRef is the annotation attached to one attribute reference.
type ResolvedRef struct {
	Record    string
	Attribute string // empty for a whole-record reference
	Class     models.StorageClass
	Def       models.AttributeDefinition
}

// WholeRecord reports whether the reference names a record rather than
// one of its attributes (as in COUNT(tasks)).
func (r ResolvedRef) WholeRecord() bool { return r.Attribute == "" }

// ResolvedStep is a navigation hop with its relation definition.
type ResolvedStep struct {
	From      string
	Attribute string
	Target    string
	Def       models.AttributeDefinition
}

// Analysis is the annotated statement: the original immutable AST plus
// resolution maps keyed by node identity.
type Analysis struct {
	Bucket  string
	Stmt    parser.Statement
	Base    string   // the record scans start from
	Records []string // base plus navigation targets, in hop order
	Steps   []ResolvedStep

	Refs     map[*parser.AttributeRef]ResolvedRef
	Literals map[*parser.Literal]interface{}

	// Inner holds the analyses of the statements wrapped by a
	// TRANSACTION block, in execution order.
	Inner []*Analysis
}

// Analyzer resolves statements against the registry.
type Analyzer struct {
	registry *schema.Registry
}

func NewAnalyzer(registry *schema.Registry) *Analyzer {
	return &Analyzer{registry: registry}
}

// Analyze annotates one statement. CREATE statements carry their own
// schema payload and pass through untouched.
func (a *Analyzer) Analyze(bucket string, stmt parser.Statement) (*Analysis, error) {
	an := &Analysis{
		Bucket:   bucket,
		Stmt:     stmt,
		Refs:     make(map[*parser.AttributeRef]ResolvedRef),
		Literals: make(map[*parser.Literal]interface{}),
	}

	switch s := stmt.(type) {
	case *parser.FindStatement:
		return an, a.analyzeFind(an, s)
	case *parser.NavigateStatement:
		return an, a.analyzeNavigate(an, s)
	case *parser.AddStatement:
		return an, a.analyzeWrite(an, s.Record, s.Values, nil)
	case *parser.UpdateStatement:
		return an, a.analyzeWrite(an, s.Record, s.Values, s.Where)
	case *parser.RemoveStatement:
		return an, a.analyzeWrite(an, s.Record, nil, s.Where)
	case *parser.TransactionStatement:
		for _, inner := range s.Statements {
			ia, err := a.Analyze(bucket, inner)
			if err != nil {
				return nil, err
			}
			an.Inner = append(an.Inner, ia)
		}
		return an, nil
	case *parser.CreateBucketStatement, *parser.CreateRecordStatement, *parser.CreateRelationStatement:
		return an, nil
	}
	return nil, fmt.Errorf("unhandled statement kind %T", stmt)
}

func (a *Analyzer) analyzeFind(an *Analysis, s *parser.FindStatement) error {
	// Establish the base record: the first navigation origin, or the
	// record named by the first dotted projection or aggregate argument.
	if len(s.Navigations) > 0 {
		an.Base = s.Navigations[0].From
	} else {
		for _, proj := range s.Projections {
			switch e := proj.(type) {
			case *parser.AttributeRef:
				if len(e.Parts) == 2 {
					an.Base = e.Parts[0]
				}
			case *parser.AggregateCall:
				// COUNT(tasks) or COUNT(tasks.id) names the base too.
				if len(e.Arg.Parts) == 2 {
					an.Base = e.Arg.Parts[0]
				} else if _, err := a.registry.Record(an.Bucket, e.Arg.Parts[0]); err == nil {
					an.Base = e.Arg.Parts[0]
				}
			}
			if an.Base != "" {
				break
			}
		}
	}
	if an.Base == "" {
		return &engine.SchemaError{Bucket: an.Bucket,
			Message: "cannot determine base record; use dotted references such as tasks.title"}
	}
	if err := a.bindRecords(an, s.Navigations); err != nil {
		return err
	}

	for _, proj := range s.Projections {
		if err := a.resolveExpr(an, proj); err != nil {
			return err
		}
	}
	if s.Where != nil {
		if err := a.resolveExpr(an, s.Where); err != nil {
			return err
		}
	}
	for _, ref := range s.GroupBy {
		if err := a.resolveRef(an, ref); err != nil {
			return err
		}
	}
	if s.Having != nil {
		if err := a.resolveExpr(an, s.Having); err != nil {
			return err
		}
	}
	if s.OrderBy != nil {
		if err := a.resolveRef(an, s.OrderBy.Ref); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) analyzeNavigate(an *Analysis, s *parser.NavigateStatement) error {
	an.Base = s.Step.From
	if err := a.bindRecords(an, []parser.NavigationStep{s.Step}); err != nil {
		return err
	}
	if s.Where != nil {
		return a.resolveExpr(an, s.Where)
	}
	return nil
}

func (a *Analyzer) analyzeWrite(an *Analysis, record string, values []parser.Assignment, where parser.Expr) error {
	an.Base = record
	if err := a.bindRecords(an, nil); err != nil {
		return err
	}
	rec, err := a.registry.Record(an.Bucket, record)
	if err != nil {
		return err
	}
	for _, assign := range values {
		def, ok := rec.Attribute(assign.Attribute)
		if !ok {
			return &engine.SchemaError{
				Bucket: an.Bucket, Record: record, Attribute: assign.Attribute,
				Message: "unknown attribute",
			}
		}
		value, err := convertLiteral(record, def, assign.Value)
		if err != nil {
			return err
		}
		an.Literals[assign.Value] = value
	}
	if where != nil {
		return a.resolveExpr(an, where)
	}
	return nil
}

// bindRecords verifies the base record and each navigation hop against
// the registry and fills Records/Steps.
func (a *Analyzer) bindRecords(an *Analysis, steps []parser.NavigationStep) error {
	if _, err := a.registry.Record(an.Bucket, an.Base); err != nil {
		return err
	}
	an.Records = []string{an.Base}
	for _, step := range steps {
		rec, err := a.registry.Record(an.Bucket, step.From)
		if err != nil {
			return err
		}
		def, ok := rec.Attribute(step.Attribute)
		if !ok {
			return &engine.SchemaError{
				Bucket: an.Bucket, Record: step.From, Attribute: step.Attribute,
				Message: "unknown attribute",
			}
		}
		if def.Class != models.StorageRelation {
			return &engine.SchemaError{
				Bucket: an.Bucket, Record: step.From, Attribute: step.Attribute,
				Message: "attribute is not a relation",
			}
		}
		if def.TargetRecord != step.Target {
			return &engine.SchemaError{
				Bucket: an.Bucket, Record: step.From, Attribute: step.Attribute,
				Message: fmt.Sprintf("relation targets '%s', not '%s'", def.TargetRecord, step.Target),
			}
		}
		if _, err := a.registry.Record(an.Bucket, step.Target); err != nil {
			return err
		}
		an.Steps = append(an.Steps, ResolvedStep{
			From: step.From, Attribute: step.Attribute, Target: step.Target, Def: def,
		})
		an.Records = append(an.Records, step.Target)
	}
	return nil
}

func (a *Analyzer) resolveExpr(an *Analysis, expr parser.Expr) error {
	switch e := expr.(type) {
	case *parser.AttributeRef:
		return a.resolveRef(an, e)
	case *parser.Literal:
		return nil
	case *parser.AggregateCall:
		return a.resolveRef(an, e.Arg)
	case *parser.UnaryExpr:
		return a.resolveExpr(an, e.Expr)
	case *parser.BinaryExpr:
		if err := a.resolveExpr(an, e.Left); err != nil {
			return err
		}
		if err := a.resolveExpr(an, e.Right); err != nil {
			return err
		}
		return a.typeCheck(an, e)
	}
	return fmt.Errorf("unhandled expression kind %T", expr)
}

// resolveRef splits a dotted path, resolves it against the involved
// records, and annotates the reference with its storage class.
func (a *Analyzer) resolveRef(an *Analysis, ref *parser.AttributeRef) error {
	if _, done := an.Refs[ref]; done {
		return nil
	}

	var record, attribute string
	switch len(ref.Parts) {
	case 1:
		// A bare record name inside an aggregate, or an attribute of
		// the base record.
		if an.involves(ref.Parts[0]) {
			an.Refs[ref] = ResolvedRef{Record: ref.Parts[0], Class: models.StorageScalar}
			return nil
		}
		record, attribute = an.Base, ref.Parts[0]
	case 2:
		record, attribute = ref.Parts[0], ref.Parts[1]
	default:
		return &engine.SchemaError{
			Bucket: an.Bucket, Record: ref.Parts[0],
			Message: fmt.Sprintf("nested reference '%s' exceeds record.attribute depth", ref),
		}
	}

	if !an.involves(record) {
		return &engine.SchemaError{
			Bucket: an.Bucket, Record: record,
			Message: "record is not part of this query; add a NAVIGATE step",
		}
	}
	rec, err := a.registry.Record(an.Bucket, record)
	if err != nil {
		return err
	}
	def, ok := rec.Attribute(attribute)
	if !ok {
		return &engine.SchemaError{
			Bucket: an.Bucket, Record: record, Attribute: attribute,
			Message: "unknown attribute",
		}
	}
	an.Refs[ref] = ResolvedRef{Record: record, Attribute: attribute, Class: def.Class, Def: def}
	return nil
}

func (an *Analysis) involves(record string) bool {
	for _, r := range an.Records {
		if r == record {
			return true
		}
	}
	return false
}

// typeCheck verifies literal operands of a comparison against the
// attribute's datatype hint and records the converted value.
func (a *Analyzer) typeCheck(an *Analysis, e *parser.BinaryExpr) error {
	if e.Op == "AND" || e.Op == "OR" {
		return nil
	}
	ref, refOK := e.Left.(*parser.AttributeRef)
	lit, litOK := e.Right.(*parser.Literal)
	if !refOK || !litOK {
		return nil
	}
	resolved, ok := an.Refs[ref]
	if !ok || resolved.WholeRecord() {
		return nil
	}
	value, err := convertLiteral(resolved.Record, resolved.Def, lit)
	if err != nil {
		return err
	}
	an.Literals[lit] = value
	return nil
}

// convertLiteral coerces a literal to the attribute's native datatype.
func convertLiteral(record string, def models.AttributeDefinition, lit *parser.Literal) (interface{}, error) {
	mismatch := func(expected string) error {
		return &engine.TypeError{
			Record: record, Attribute: def.Name,
			Expected: expected, Found: literalKindName(lit.Kind),
		}
	}

	datatype := def.Datatype
	if def.Class == models.StorageMetric && datatype == "" {
		datatype = "FLOAT"
	}

	switch datatype {
	case "INT":
		if lit.Kind != parser.LiteralNumber {
			return nil, mismatch("INT")
		}
		return int64(lit.Num), nil
	case "FLOAT":
		if lit.Kind != parser.LiteralNumber {
			return nil, mismatch("FLOAT")
		}
		return lit.Num, nil
	case "BOOL":
		if lit.Kind != parser.LiteralBool {
			return nil, mismatch("BOOL")
		}
		return lit.Bool, nil
	case "DATETIME":
		if lit.Kind != parser.LiteralString {
			return nil, mismatch("DATETIME")
		}
		ts, err := parseDatetime(lit.Str)
		if err != nil {
			return nil, mismatch("DATETIME (ISO-8601)")
		}
		return ts, nil
	case "UUID", "STRING":
		if lit.Kind != parser.LiteralString {
			return nil, mismatch(datatype)
		}
		return lit.Str, nil
	}
	// No hint declared: pass the literal through untouched.
	return lit.Value(), nil
}

func parseDatetime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %s", strconv.Quote(s))
}

func literalKindName(kind parser.LiteralKind) string {
	switch kind {
	case parser.LiteralNumber:
		return "number"
	case parser.LiteralBool:
		return "boolean"
	}
	return "string"
}
