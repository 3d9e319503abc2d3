// Package helpers holds the value comparison and predicate evaluation
// shared by the in-memory backend adapters and the result assembler.
package helpers

import (
	"fmt"

	"tesseradb/src/parser"
	"tesseradb/src/semantics"
)

// ValueLookup resolves an attribute reference to its runtime value.
// The second return is false when the row has no such attribute.
type ValueLookup func(record, attribute string) (interface{}, bool)

// EvalPredicate evaluates a filter expression against one row.
// Aggregate calls are resolved through the same lookup, keyed by their
// rendered name (the assembler binds them after aggregation).
func EvalPredicate(an *semantics.Analysis, expr parser.Expr, lookup ValueLookup) (bool, error) {
	switch e := expr.(type) {
	case *parser.BinaryExpr:
		switch e.Op {
		case "AND":
			left, err := EvalPredicate(an, e.Left, lookup)
			if err != nil || !left {
				return false, err
			}
			return EvalPredicate(an, e.Right, lookup)
		case "OR":
			left, err := EvalPredicate(an, e.Left, lookup)
			if err != nil {
				return false, err
			}
			if left {
				return true, nil
			}
			return EvalPredicate(an, e.Right, lookup)
		default:
			left, ok, err := evalOperand(an, e.Left, lookup)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			right, ok, err := evalOperand(an, e.Right, lookup)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			return CompareValues(left, e.Op, right)
		}
	case *parser.UnaryExpr:
		inner, err := EvalPredicate(an, e.Expr, lookup)
		if err != nil {
			return false, err
		}
		return !inner, nil
	}
	return false, fmt.Errorf("cannot evaluate expression %T as a predicate", expr)
}

func evalOperand(an *semantics.Analysis, expr parser.Expr, lookup ValueLookup) (interface{}, bool, error) {
	switch e := expr.(type) {
	case *parser.Literal:
		if converted, ok := an.Literals[e]; ok {
			return converted, true, nil
		}
		return e.Value(), true, nil
	case *parser.AttributeRef:
		resolved := an.Refs[e]
		value, ok := lookup(resolved.Record, resolved.Attribute)
		return value, ok, nil
	case *parser.AggregateCall:
		name := fmt.Sprintf("%s(%s)", e.Func, e.Arg)
		value, ok := lookup("", name)
		return value, ok, nil
	}
	return nil, false, fmt.Errorf("cannot evaluate expression %T as a value", expr)
}
