// Package parser builds an abstract syntax tree from the token stream.
// AST nodes are a closed set of variants: the Statement and Expr
// interfaces are sealed by unexported marker methods and every consumer
// switches exhaustively over them. A built tree is immutable; it is
// consumed by the semantic analyzer and then discarded.
package parser

import (
	"tesseradb/src/lexer"
	"tesseradb/src/models"
)

// Statement is the sealed interface over all statement kinds.
type Statement interface {
	stmtNode()
}

// Expr is the sealed interface over filter/projection expressions.
type Expr interface {
	exprNode()
}

// AttributeRef is a possibly dotted reference such as users.email or a
// bare record name inside an aggregate. Resolution happens in the
// semantic analyzer.
type AttributeRef struct {
	Parts []string
	Pos   lexer.Position
}

func (*AttributeRef) exprNode() {}

// String rejoins the dotted path for error messages.
func (r *AttributeRef) String() string {
	out := ""
	for i, p := range r.Parts {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}

// LiteralKind tags the concrete type of a literal.
type LiteralKind int

const (
	LiteralString LiteralKind = iota
	LiteralNumber
	LiteralBool
)

// Literal is a string, number or boolean constant. Date-time values are
// written as ISO-8601 strings and typed by the attribute's datatype hint.
type Literal struct {
	Kind LiteralKind
	Str  string
	Num  float64
	Bool bool
	Pos  lexer.Position
}

func (*Literal) exprNode() {}

// Value returns the literal as a plain Go value.
func (l *Literal) Value() interface{} {
	switch l.Kind {
	case LiteralNumber:
		return l.Num
	case LiteralBool:
		return l.Bool
	}
	return l.Str
}

// BinaryExpr combines two operands with a comparison or logical
// operator (= != < <= > >= CONTAINS AND OR).
type BinaryExpr struct {
	Op    string
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}

// UnaryExpr is a NOT-negated expression.
type UnaryExpr struct {
	Op   string
	Expr Expr
}

func (*UnaryExpr) exprNode() {}

// AggregateCall is COUNT/SUM/AVG/MIN/MAX over an attribute or record
// reference.
type AggregateCall struct {
	Func string
	Arg  *AttributeRef
	Pos  lexer.Position
}

func (*AggregateCall) exprNode() {}

// NavigationStep is one hop of a NAVIGATE path: from a record, through
// a relation-typed attribute, to the declared target record.
type NavigationStep struct {
	From      string
	Attribute string
	Target    string
	Pos       lexer.Position
}

// Assignment is one attr = literal pair in ADD/UPDATE.
type Assignment struct {
	Attribute string
	Value     *Literal
	Pos       lexer.Position
}

// OrderClause is ORDER BY ref [ASC|DESC].
type OrderClause struct {
	Ref        *AttributeRef
	Descending bool
}

// FindStatement is the read statement: projections, optional navigation
// path, filter, grouping and output shaping.
type FindStatement struct {
	Projections []Expr // *AttributeRef or *AggregateCall
	Navigations []NavigationStep
	Where       Expr
	GroupBy     []*AttributeRef
	Having      Expr
	OrderBy     *OrderClause
	Limit       int // -1 when absent
	Offset      int
}

func (*FindStatement) stmtNode() {}

// NavigateStatement is a standalone relation traversal returning the
// target record's attributes.
type NavigateStatement struct {
	Step  NavigationStep
	Where Expr
}

func (*NavigateStatement) stmtNode() {}

// AddStatement inserts one record instance.
type AddStatement struct {
	Record string
	Values []Assignment
}

func (*AddStatement) stmtNode() {}

// UpdateStatement updates matching record instances.
type UpdateStatement struct {
	Record string
	Values []Assignment
	Where  Expr
}

func (*UpdateStatement) stmtNode() {}

// RemoveStatement deletes matching record instances.
type RemoveStatement struct {
	Record string
	Where  Expr
}

func (*RemoveStatement) stmtNode() {}

// CreateBucketStatement creates a new top-level namespace.
type CreateBucketStatement struct {
	Name string
}

func (*CreateBucketStatement) stmtNode() {}

// AttributeSpec is one attribute declaration inside CREATE RECORD.
type AttributeSpec struct {
	Name  string
	Class models.StorageClass
	Hint  string // datatype, relation target or metric unit
	Pos   lexer.Position
}

// CreateRecordStatement declares a record schema.
type CreateRecordStatement struct {
	Name       string
	Attributes []AttributeSpec
}

func (*CreateRecordStatement) stmtNode() {}

// CreateRelationStatement adds a relation-typed attribute to an
// existing record (additive schema evolution).
type CreateRelationStatement struct {
	Attribute string
	Record    string
	Target    string
}

func (*CreateRelationStatement) stmtNode() {}

// TransactionStatement wraps a list of statements to be executed under
// one two-phase-commit transaction.
type TransactionStatement struct {
	Statements []Statement
}

func (*TransactionStatement) stmtNode() {}
