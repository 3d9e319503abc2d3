// Package translators converts physical-plan fragments into each
// backend's native query form. Every translator is stateless and pure:
// the same fragment always yields the same native query. A predicate
// that cannot be expressed natively is reported through Pushable (and
// rejected at translation time), never silently dropped.
package translators

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/planner"
	"tesseradb/src/semantics"
)

// NativeQuery is the translated form of one fragment, together with
// the bind parameters and the row shape the assembler should expect.
type NativeQuery struct {
	Engine models.StorageClass
	Record string

	// SQL carries the scalar engine's query text with ? placeholders.
	SQL    string
	Params []interface{}

	// Filter and Projection carry the document engine's query.
	Filter     bson.M
	Projection bson.M

	// Traversal carries the relation engine's query.
	Traversal *TraversalQuery

	// Metric carries the metric engine's query.
	Metric *MetricQuery

	// Shape lists the row columns the engine returns, id first.
	Shape []string

	// BindIDs: the coordinator supplies the upstream record id set as
	// an execution-time parameter.
	BindIDs bool

	// Predicate and Analysis carry the structured form of the pushed
	// condition. Embedded backends without a query-text parser (the
	// in-memory adapters) evaluate this instead of the dialect text;
	// both forms describe the same condition.
	Predicate parser.Expr
	Analysis  *semantics.Analysis

	// Values carries the structured attribute values of a mutation.
	Values map[string]interface{}
	Kind   MutationKind

	// Native ordering and truncation pushed into this query, mirrored
	// from the scan. Limit is -1 when not pushed down.
	SortAttr string
	SortDesc bool
	Limit    int
}

// MutationKind mirrors the planner's mutation tag for adapters.
type MutationKind int

const (
	MutationNone MutationKind = iota
	MutationInsert
	MutationUpdate
	MutationDelete
)

// TraversalQuery asks the relation engine for (source id, target id)
// pairs of one relation attribute.
type TraversalQuery struct {
	From      string
	Attribute string
	Target    string
}

// MetricQuery asks the metric engine for the samples of one or more
// metric attributes, optionally filtered on the sample value.
type MetricQuery struct {
	Attributes  []string
	ValueFilter *MetricValueFilter
}

// MetricValueFilter is a simple op/threshold filter on sample values.
type MetricValueFilter struct {
	Attribute string
	Op        string
	Value     float64
}

// Translator converts fragments routed to one engine class.
type Translator interface {
	Class() models.StorageClass
	Translate(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error)
}

// NewRegistry returns the dispatch table of all four translators,
// keyed by storage classification.
func NewRegistry() map[models.StorageClass]Translator {
	return map[models.StorageClass]Translator{
		models.StorageScalar:   &ScalarTranslator{},
		models.StorageDocument: &DocumentTranslator{},
		models.StorageRelation: &RelationTranslator{},
		models.StorageMetric:   &MetricTranslator{},
	}
}

// Pushable reports whether an engine class can natively evaluate a
// predicate. The optimizer consults this before pushing a conjunct; a
// false return keeps the predicate client-side instead of losing it.
func Pushable(an *semantics.Analysis, class models.StorageClass, expr parser.Expr) bool {
	switch class {
	case models.StorageScalar:
		return pushableScalar(expr)
	case models.StorageDocument:
		return pushableDocument(expr)
	case models.StorageMetric:
		return pushableMetric(an, expr)
	}
	// The relation engine answers traversals only.
	return false
}

func pushableScalar(expr parser.Expr) bool {
	switch e := expr.(type) {
	case *parser.AttributeRef, *parser.Literal:
		return true
	case *parser.UnaryExpr:
		return pushableScalar(e.Expr)
	case *parser.BinaryExpr:
		return pushableScalar(e.Left) && pushableScalar(e.Right)
	}
	return false
}

func pushableDocument(expr parser.Expr) bool {
	switch e := expr.(type) {
	case *parser.UnaryExpr:
		return pushableDocument(e.Expr)
	case *parser.BinaryExpr:
		if e.Op == "AND" || e.Op == "OR" {
			return pushableDocument(e.Left) && pushableDocument(e.Right)
		}
		_, refOK := e.Left.(*parser.AttributeRef)
		_, litOK := e.Right.(*parser.Literal)
		return refOK && litOK
	}
	return false
}

// pushableMetric accepts only a single value comparison on one metric
// attribute; the metric engine has no richer filter language.
func pushableMetric(an *semantics.Analysis, expr parser.Expr) bool {
	b, ok := expr.(*parser.BinaryExpr)
	if !ok || b.Op == "AND" || b.Op == "OR" || b.Op == "CONTAINS" {
		return false
	}
	ref, refOK := b.Left.(*parser.AttributeRef)
	lit, litOK := b.Right.(*parser.Literal)
	if !refOK || !litOK || lit.Kind != parser.LiteralNumber {
		return false
	}
	return an.Refs[ref].Class == models.StorageMetric
}

// errNonPushable flags a fragment carrying a predicate its engine
// cannot express. The optimizer should have kept it client-side.
func errNonPushable(class models.StorageClass, expr parser.Expr) error {
	return fmt.Errorf("%s engine cannot express predicate %T; predicate must stay client-side", class, expr)
}

// literalValue returns the type-checked value of a literal, falling
// back to its raw form when no conversion was recorded.
func literalValue(an *semantics.Analysis, lit *parser.Literal) interface{} {
	if v, ok := an.Literals[lit]; ok {
		return v
	}
	return lit.Value()
}
