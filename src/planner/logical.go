// Package planner converts an annotated AST into a logical operator
// tree, applies rewrite rules, and refines the result into a physical
// plan of per-engine fragments. Plan nodes are a closed set of
// variants; every consumer switches exhaustively over them.
package planner

import (
	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/semantics"
)

// Default cardinality estimates. Exact costing is not required; the
// estimates only need to order alternatives monotonically.
const (
	cardFullScan = 1000.0
	cardFiltered = 250.0
	cardIndexed  = 50.0
	navFanout    = 4.0
)

// LogicalNode is the sealed interface over logical plan variants.
type LogicalNode interface {
	logicalNode()

	// Cardinality is the estimated output row count.
	Cardinality() float64

	// Engines is the set of storage engines the subtree touches.
	Engines() map[models.StorageClass]bool
}

// ScanNode reads one record's attributes from one storage engine.
// A record whose needed attributes span several engines produces one
// scan per engine, joined on record id by the assembler.
type ScanNode struct {
	Record     string
	Class      models.StorageClass
	Attributes []string // pruned projection, record id always included

	// Predicate is the conjunction pushed down to this scan, nil when
	// nothing was pushable.
	Predicate parser.Expr

	// Indexed is set when an index is declared on a filtered attribute.
	Indexed bool

	// Native ordering and truncation, set only when the whole query is
	// satisfied by this single scan.
	SortAttr string
	SortDesc bool
	Limit    int // -1 when not pushed down

	Card float64
}

func (*ScanNode) logicalNode()           {}
func (n *ScanNode) Cardinality() float64 { return n.Card }
func (n *ScanNode) Engines() map[models.StorageClass]bool {
	return map[models.StorageClass]bool{n.Class: true}
}

// NavigateNode traverses a relation-typed attribute from the rows
// produced by Source to the rows produced by Target. The traversal
// itself always runs on the relation engine.
type NavigateNode struct {
	Step   semantics.ResolvedStep
	Source LogicalNode
	Target LogicalNode
	Card   float64
}

func (*NavigateNode) logicalNode()           {}
func (n *NavigateNode) Cardinality() float64 { return n.Card }
func (n *NavigateNode) Engines() map[models.StorageClass]bool {
	engines := map[models.StorageClass]bool{models.StorageRelation: true}
	for class := range n.Source.Engines() {
		engines[class] = true
	}
	for class := range n.Target.Engines() {
		engines[class] = true
	}
	return engines
}

// JoinNode combines two scans of the same record from different
// engines on the record id. Performed in memory by the assembler.
type JoinNode struct {
	Record string
	Left   LogicalNode
	Right  LogicalNode
	Card   float64
}

func (*JoinNode) logicalNode()           {}
func (n *JoinNode) Cardinality() float64 { return n.Card }
func (n *JoinNode) Engines() map[models.StorageClass]bool {
	engines := make(map[models.StorageClass]bool)
	for class := range n.Left.Engines() {
		engines[class] = true
	}
	for class := range n.Right.Engines() {
		engines[class] = true
	}
	return engines
}

// FilterNode applies a predicate that could not be pushed to any
// single engine. ClientSide filters are deferred to the assembler.
type FilterNode struct {
	Input      LogicalNode
	Predicate  parser.Expr
	ClientSide bool
}

func (*FilterNode) logicalNode()           {}
func (n *FilterNode) Cardinality() float64 { return n.Input.Cardinality() / 2 }
func (n *FilterNode) Engines() map[models.StorageClass]bool {
	return n.Input.Engines()
}

// ProjectNode shapes the final output columns.
type ProjectNode struct {
	Input   LogicalNode
	Columns []Column
}

// Column is one output column of a projection.
type Column struct {
	Name string // "record.attribute" or "FUNC(ref)"
	Ref  *parser.AttributeRef
	Agg  *parser.AggregateCall
}

func (*ProjectNode) logicalNode()           {}
func (n *ProjectNode) Cardinality() float64 { return n.Input.Cardinality() }
func (n *ProjectNode) Engines() map[models.StorageClass]bool {
	return n.Input.Engines()
}

// AggregateNode groups and aggregates. ClientSide is set when the
// grouping spans more than one engine and must run in the assembler.
type AggregateNode struct {
	Input      LogicalNode
	GroupBy    []*parser.AttributeRef
	Aggregates []*parser.AggregateCall
	Having     parser.Expr
	ClientSide bool
}

func (*AggregateNode) logicalNode()           {}
func (n *AggregateNode) Cardinality() float64 { return n.Input.Cardinality() / 10 }
func (n *AggregateNode) Engines() map[models.StorageClass]bool {
	return n.Input.Engines()
}

// SortNode orders the output. Satisfied natively when the sort key
// belongs to the single engine that produced the rows.
type SortNode struct {
	Input      LogicalNode
	Ref        *parser.AttributeRef
	Descending bool
	PushedDown bool
}

func (*SortNode) logicalNode()           {}
func (n *SortNode) Cardinality() float64 { return n.Input.Cardinality() }
func (n *SortNode) Engines() map[models.StorageClass]bool {
	return n.Input.Engines()
}

// LimitNode truncates the output.
type LimitNode struct {
	Input  LogicalNode
	Limit  int
	Offset int
}

func (*LimitNode) logicalNode() {}
func (n *LimitNode) Cardinality() float64 {
	if float64(n.Limit) < n.Input.Cardinality() {
		return float64(n.Limit)
	}
	return n.Input.Cardinality()
}
func (n *LimitNode) Engines() map[models.StorageClass]bool {
	return n.Input.Engines()
}

// MutationKind tags a write operator.
type MutationKind int

const (
	MutationInsert MutationKind = iota
	MutationUpdate
	MutationDelete
)

// MutationNode writes one record's attribute values to one engine.
// ADD/UPDATE/REMOVE statements decompose into one mutation per engine
// owning affected attributes.
type MutationNode struct {
	Kind      MutationKind
	Record    string
	Class     models.StorageClass
	Values    map[string]interface{} // attribute -> converted value
	Predicate parser.Expr            // match condition for update/delete
}

func (*MutationNode) logicalNode()           {}
func (n *MutationNode) Cardinality() float64 { return 1 }
func (n *MutationNode) Engines() map[models.StorageClass]bool {
	return map[models.StorageClass]bool{n.Class: true}
}
