// Package engine holds the shared error taxonomy and response envelope
// for the query pipeline. Every error surfaced to a caller is one of
// these kinds; none are silently swallowed.
package engine

import (
	"fmt"
	"strings"
)

// LexicalError reports an unrecognized character or unterminated string
// literal, with its position in the query text.
type LexicalError struct {
	Line         int
	Column       int
	Char         rune
	Unterminated bool
}

func (e *LexicalError) Error() string {
	if e.Unterminated {
		return fmt.Sprintf("lexical error at line %d, column %d: unterminated string literal", e.Line, e.Column)
	}
	return fmt.Sprintf("lexical error at line %d, column %d: unexpected character %q", e.Line, e.Column, e.Char)
}

// SyntaxError reports a token that does not fit the grammar, with the
// set of token spellings that would have been accepted.
type SyntaxError struct {
	Line     int
	Column   int
	Expected []string
	Found    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: expected %s, found %q",
		e.Line, e.Column, strings.Join(e.Expected, " or "), e.Found)
}

// SchemaError reports an unknown bucket, record or attribute, or an
// invalid schema definition (duplicate names, unknown classification).
type SchemaError struct {
	Bucket    string
	Record    string
	Attribute string
	Message   string
}

func (e *SchemaError) Error() string {
	subject := e.Bucket
	if e.Record != "" {
		subject = e.Record
	}
	if e.Attribute != "" {
		subject = fmt.Sprintf("%s.%s", e.Record, e.Attribute)
	}
	if subject != "" {
		return fmt.Sprintf("schema error on '%s': %s", subject, e.Message)
	}
	return fmt.Sprintf("schema error: %s", e.Message)
}

// TypeError reports an operator/literal mismatch against an attribute's
// declared datatype.
type TypeError struct {
	Record    string
	Attribute string
	Expected  string
	Found     string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("type error on '%s.%s': expected %s, found %s",
		e.Record, e.Attribute, e.Expected, e.Found)
}

// EngineError wraps a native backend failure, tagged with the engine it
// came from.
type EngineError struct {
	Engine string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s engine error: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// TransactionError reports a prepare or commit failure during the
// two-phase commit.
type TransactionError struct {
	TransactionID string
	Phase         string // prepare, commit, rollback
	Err           error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed during %s: %v", e.TransactionID, e.Phase, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// TimeoutError reports a query that exceeded its configured timeout.
// In-flight backend calls were cancelled best-effort and any open
// transaction rolled back before this error surfaced.
type TimeoutError struct {
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query timed out after %s", e.Elapsed)
}

// CommandResponse is the envelope returned for schema and admin
// commands that do not produce a query result set.
type CommandResponse struct {
	ResultCount int         `json:"result_count"`
	Result      interface{} `json:"result"`
}
