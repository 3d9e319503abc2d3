package lexer

import "fmt"

// TokenKind classifies a lexed token.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenKeyword
	TokenIdent
	TokenString
	TokenNumber
	TokenBool
	TokenOperator  // = != < <= > >= ->
	TokenDelimiter // ( ) { } , : ; .
	TokenStorageClass
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "EOF"
	case TokenKeyword:
		return "keyword"
	case TokenIdent:
		return "identifier"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenBool:
		return "boolean"
	case TokenOperator:
		return "operator"
	case TokenDelimiter:
		return "delimiter"
	case TokenStorageClass:
		return "storage class"
	}
	return "unknown"
}

// Position is a location in the query text, 1-based.
type Position struct {
	Line   int
	Column int
	Offset int
}

func (p Position) String() string {
	return fmt.Sprintf("line %d, column %d", p.Line, p.Column)
}

// Token is one lexed unit. Tokens are owned by the parse that produced
// them and are not reused across parses.
type Token struct {
	Kind   TokenKind
	Lexeme string
	Pos    Position
}

// Is reports whether the token is a keyword with the given (upper-case)
// spelling. Keywords are case-insensitive in the query language but are
// normalized to upper case by the lexer.
func (t Token) Is(keyword string) bool {
	return (t.Kind == TokenKeyword || t.Kind == TokenStorageClass) && t.Lexeme == keyword
}

// keywords is the complete reserved-word set of the query language.
var keywords = map[string]bool{
	"FIND": true, "ADD": true, "UPDATE": true, "REMOVE": true,
	"NAVIGATE": true, "CREATE": true, "BUCKET": true, "RECORD": true,
	"RELATION": true, "ON": true, "TARGET": true, "MATCH": true,
	"GROUP": true, "BY": true, "HAVING": true, "ORDER": true,
	"LIMIT": true, "OFFSET": true, "ASC": true, "DESC": true,
	"AND": true, "OR": true, "NOT": true, "CONTAINS": true,
	"TRANSACTION": true, "IN": true,
	"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true,
}

// storageClasses are the four classification keywords. RELATION also
// appears in CREATE RELATION; the parser disambiguates by context.
var storageClasses = map[string]bool{
	"SCALAR": true, "DOCUMENT": true, "RELATION": true, "METRIC": true,
}
