package parser

import (
	"strconv"
	"strings"

	"tesseradb/src/engine"
	"tesseradb/src/lexer"
	"tesseradb/src/models"
)

// Parser is a recursive-descent parser over a lexed token slice.
// Parsing never mutates external state; a failed parse leaves nothing
// behind but the returned SyntaxError.
type Parser struct {
	tokens []lexer.Token
	pos    int
}

// Parse tokenizes and parses one statement.
func Parse(query string) (Statement, error) {
	tokens, err := lexer.Tokenize(query)
	if err != nil {
		return nil, err
	}
	p := &Parser{tokens: tokens}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	// Allow a trailing semicolon, then require EOF.
	p.accept(lexer.TokenDelimiter, ";")
	if !p.at(lexer.TokenEOF, "") {
		return nil, p.errExpected("end of statement")
	}
	return stmt, nil
}

func (p *Parser) parseStatement() (Statement, error) {
	tok := p.peek()
	switch {
	case tok.Is("FIND"):
		return p.parseFind()
	case tok.Is("NAVIGATE"):
		return p.parseNavigate()
	case tok.Is("ADD"):
		return p.parseAdd()
	case tok.Is("UPDATE"):
		return p.parseUpdate()
	case tok.Is("REMOVE"):
		return p.parseRemove()
	case tok.Is("CREATE"):
		return p.parseCreate()
	case tok.Is("TRANSACTION"):
		return p.parseTransaction()
	}
	return nil, p.errExpected("FIND", "NAVIGATE", "ADD", "UPDATE", "REMOVE", "CREATE", "TRANSACTION")
}

// ---------------------------------------- FIND ----------------------------------------

func (p *Parser) parseFind() (Statement, error) {
	p.next() // FIND
	stmt := &FindStatement{Limit: -1}

	for {
		proj, err := p.parseProjection()
		if err != nil {
			return nil, err
		}
		stmt.Projections = append(stmt.Projections, proj)
		if !p.accept(lexer.TokenDelimiter, ",") {
			break
		}
	}

	if p.peek().Is("NAVIGATE") {
		p.next()
		steps, err := p.parseNavigationPath()
		if err != nil {
			return nil, err
		}
		stmt.Navigations = steps
	}

	if p.peek().Is("MATCH") {
		p.next()
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = where
	}

	if p.peek().Is("GROUP") {
		p.next()
		if !p.peek().Is("BY") {
			return nil, p.errExpected("BY")
		}
		p.next()
		for {
			ref, err := p.parseAttributeRef()
			if err != nil {
				return nil, err
			}
			stmt.GroupBy = append(stmt.GroupBy, ref)
			if !p.accept(lexer.TokenDelimiter, ",") {
				break
			}
		}
	}

	if p.peek().Is("HAVING") {
		p.next()
		having, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Having = having
	}

	if p.peek().Is("ORDER") {
		p.next()
		if !p.peek().Is("BY") {
			return nil, p.errExpected("BY")
		}
		p.next()
		ref, err := p.parseAttributeRef()
		if err != nil {
			return nil, err
		}
		clause := &OrderClause{Ref: ref}
		if p.peek().Is("DESC") {
			clause.Descending = true
			p.next()
		} else if p.peek().Is("ASC") {
			p.next()
		}
		stmt.OrderBy = clause
	}

	if p.peek().Is("LIMIT") {
		p.next()
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		stmt.Limit = n
		if p.peek().Is("OFFSET") {
			p.next()
			off, err := p.parseInt()
			if err != nil {
				return nil, err
			}
			stmt.Offset = off
		}
	}

	return stmt, nil
}

// parseProjection accepts a dotted attribute reference or an aggregate
// call COUNT(ref)/SUM/AVG/MIN/MAX.
func (p *Parser) parseProjection() (Expr, error) {
	tok := p.peek()
	if isAggregate(tok) {
		return p.parseAggregate()
	}
	return p.parseAttributeRef()
}

func isAggregate(tok lexer.Token) bool {
	switch {
	case tok.Is("COUNT"), tok.Is("SUM"), tok.Is("AVG"), tok.Is("MIN"), tok.Is("MAX"):
		return true
	}
	return false
}

func (p *Parser) parseAggregate() (*AggregateCall, error) {
	tok := p.next()
	if !p.accept(lexer.TokenDelimiter, "(") {
		return nil, p.errExpected("(")
	}
	ref, err := p.parseAttributeRef()
	if err != nil {
		return nil, err
	}
	if !p.accept(lexer.TokenDelimiter, ")") {
		return nil, p.errExpected(")")
	}
	return &AggregateCall{Func: tok.Lexeme, Arg: ref, Pos: tok.Pos}, nil
}

// ---------------------------------------- NAVIGATE ----------------------------------------

func (p *Parser) parseNavigationPath() ([]NavigationStep, error) {
	from, err := p.parseIdent("record name")
	if err != nil {
		return nil, err
	}
	var steps []NavigationStep
	current := from.Lexeme
	for {
		if !p.accept(lexer.TokenOperator, "->") {
			if len(steps) == 0 {
				return nil, p.errExpected("->")
			}
			return steps, nil
		}
		attr, err := p.parseIdent("relation attribute")
		if err != nil {
			return nil, err
		}
		if !p.accept(lexer.TokenDelimiter, ":") {
			return nil, p.errExpected(":")
		}
		target, err := p.parseIdent("target record")
		if err != nil {
			return nil, err
		}
		steps = append(steps, NavigationStep{
			From:      current,
			Attribute: attr.Lexeme,
			Target:    target.Lexeme,
			Pos:       attr.Pos,
		})
		current = target.Lexeme
	}
}

func (p *Parser) parseNavigate() (Statement, error) {
	p.next() // NAVIGATE
	steps, err := p.parseNavigationPath()
	if err != nil {
		return nil, err
	}
	stmt := &NavigateStatement{Step: steps[0]}
	if len(steps) > 1 {
		return nil, p.errExpected("single navigation hop")
	}
	if p.peek().Is("MATCH") {
		p.next()
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = where
	}
	return stmt, nil
}

// ---------------------------------------- ADD / UPDATE / REMOVE ----------------------------------------

func (p *Parser) parseAdd() (Statement, error) {
	p.next() // ADD
	record, err := p.parseIdent("record name")
	if err != nil {
		return nil, err
	}
	values, err := p.parseAssignments()
	if err != nil {
		return nil, err
	}
	return &AddStatement{Record: record.Lexeme, Values: values}, nil
}

func (p *Parser) parseUpdate() (Statement, error) {
	p.next() // UPDATE
	record, err := p.parseIdent("record name")
	if err != nil {
		return nil, err
	}
	values, err := p.parseAssignments()
	if err != nil {
		return nil, err
	}
	stmt := &UpdateStatement{Record: record.Lexeme, Values: values}
	if p.peek().Is("MATCH") {
		p.next()
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = where
	}
	return stmt, nil
}

func (p *Parser) parseRemove() (Statement, error) {
	p.next() // REMOVE
	record, err := p.parseIdent("record name")
	if err != nil {
		return nil, err
	}
	stmt := &RemoveStatement{Record: record.Lexeme}
	if p.peek().Is("MATCH") {
		p.next()
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = where
	}
	return stmt, nil
}

func (p *Parser) parseAssignments() ([]Assignment, error) {
	if !p.accept(lexer.TokenDelimiter, "(") {
		return nil, p.errExpected("(")
	}
	var values []Assignment
	for {
		attr, err := p.parseIdent("attribute name")
		if err != nil {
			return nil, err
		}
		if !p.accept(lexer.TokenOperator, "=") {
			return nil, p.errExpected("=")
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		values = append(values, Assignment{Attribute: attr.Lexeme, Value: lit, Pos: attr.Pos})
		if !p.accept(lexer.TokenDelimiter, ",") {
			break
		}
	}
	if !p.accept(lexer.TokenDelimiter, ")") {
		return nil, p.errExpected(")")
	}
	return values, nil
}

// ---------------------------------------- CREATE ----------------------------------------

func (p *Parser) parseCreate() (Statement, error) {
	p.next() // CREATE
	tok := p.peek()
	switch {
	case tok.Is("BUCKET"):
		p.next()
		name, err := p.parseIdent("bucket name")
		if err != nil {
			return nil, err
		}
		return &CreateBucketStatement{Name: name.Lexeme}, nil
	case tok.Is("RECORD"):
		p.next()
		return p.parseCreateRecord()
	case tok.Is("RELATION"):
		p.next()
		return p.parseCreateRelation()
	}
	return nil, p.errExpected("BUCKET", "RECORD", "RELATION")
}

func (p *Parser) parseCreateRecord() (Statement, error) {
	name, err := p.parseIdent("record name")
	if err != nil {
		return nil, err
	}
	if !p.accept(lexer.TokenDelimiter, "(") {
		return nil, p.errExpected("(")
	}
	stmt := &CreateRecordStatement{Name: name.Lexeme}
	for {
		attr, err := p.parseIdent("attribute name")
		if err != nil {
			return nil, err
		}
		if !p.accept(lexer.TokenDelimiter, ":") {
			return nil, p.errExpected(":")
		}
		classTok := p.peek()
		if classTok.Kind != lexer.TokenStorageClass {
			return nil, p.errExpected("SCALAR", "DOCUMENT", "RELATION", "METRIC")
		}
		p.next()
		spec := AttributeSpec{
			Name:  attr.Lexeme,
			Class: models.StorageClass(strings.ToLower(classTok.Lexeme)),
			Pos:   attr.Pos,
		}
		// Optional native-type hint: SCALAR<UUID>, RELATION<users>, METRIC<COUNT>.
		if p.accept(lexer.TokenOperator, "<") {
			hint := p.next()
			if hint.Kind != lexer.TokenIdent && hint.Kind != lexer.TokenKeyword {
				return nil, p.errExpected("datatype hint")
			}
			spec.Hint = hint.Lexeme
			if !p.accept(lexer.TokenOperator, ">") {
				return nil, p.errExpected(">")
			}
		}
		stmt.Attributes = append(stmt.Attributes, spec)
		if !p.accept(lexer.TokenDelimiter, ",") {
			break
		}
	}
	if !p.accept(lexer.TokenDelimiter, ")") {
		return nil, p.errExpected(")")
	}
	return stmt, nil
}

func (p *Parser) parseCreateRelation() (Statement, error) {
	attr, err := p.parseIdent("relation attribute")
	if err != nil {
		return nil, err
	}
	if !p.peek().Is("ON") {
		return nil, p.errExpected("ON")
	}
	p.next()
	record, err := p.parseIdent("record name")
	if err != nil {
		return nil, err
	}
	if !p.peek().Is("TARGET") {
		return nil, p.errExpected("TARGET")
	}
	p.next()
	target, err := p.parseIdent("target record")
	if err != nil {
		return nil, err
	}
	return &CreateRelationStatement{
		Attribute: attr.Lexeme,
		Record:    record.Lexeme,
		Target:    target.Lexeme,
	}, nil
}

// ---------------------------------------- TRANSACTION ----------------------------------------

func (p *Parser) parseTransaction() (Statement, error) {
	p.next() // TRANSACTION
	if !p.accept(lexer.TokenDelimiter, "{") {
		return nil, p.errExpected("{")
	}
	stmt := &TransactionStatement{}
	for !p.at(lexer.TokenDelimiter, "}") {
		inner, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		if _, nested := inner.(*TransactionStatement); nested {
			return nil, p.errExpected("non-transactional statement")
		}
		stmt.Statements = append(stmt.Statements, inner)
		p.accept(lexer.TokenDelimiter, ";")
	}
	p.next() // }
	return stmt, nil
}

// ---------------------------------------- expressions ----------------------------------------

// Precedence, loosest first: OR, AND, NOT, comparison.
func (p *Parser) parseExpr() (Expr, error) {
	return p.parseOr()
}

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().Is("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().Is("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.peek().Is("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Expr: inner}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	if p.accept(lexer.TokenDelimiter, "(") {
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.accept(lexer.TokenDelimiter, ")") {
			return nil, p.errExpected(")")
		}
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	op := ""
	switch {
	case tok.Kind == lexer.TokenOperator && isComparisonOp(tok.Lexeme):
		op = tok.Lexeme
		p.next()
	case tok.Is("CONTAINS"):
		op = "CONTAINS"
		p.next()
	default:
		return nil, p.errExpected("=", "!=", "<", "<=", ">", ">=", "CONTAINS")
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &BinaryExpr{Op: op, Left: left, Right: right}, nil
}

func isComparisonOp(s string) bool {
	switch s {
	case "=", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *Parser) parseOperand() (Expr, error) {
	tok := p.peek()
	switch tok.Kind {
	case lexer.TokenString, lexer.TokenNumber, lexer.TokenBool:
		return p.parseLiteral()
	case lexer.TokenIdent:
		return p.parseAttributeRef()
	case lexer.TokenKeyword:
		if isAggregate(tok) {
			return p.parseAggregate()
		}
	}
	return nil, p.errExpected("attribute reference", "literal")
}

func (p *Parser) parseAttributeRef() (*AttributeRef, error) {
	first, err := p.parseIdent("attribute reference")
	if err != nil {
		return nil, err
	}
	ref := &AttributeRef{Parts: []string{first.Lexeme}, Pos: first.Pos}
	for p.accept(lexer.TokenDelimiter, ".") {
		part, err := p.parseIdent("attribute name")
		if err != nil {
			return nil, err
		}
		ref.Parts = append(ref.Parts, part.Lexeme)
	}
	return ref, nil
}

func (p *Parser) parseLiteral() (*Literal, error) {
	tok := p.peek()
	switch tok.Kind {
	case lexer.TokenString:
		p.next()
		return &Literal{Kind: LiteralString, Str: tok.Lexeme, Pos: tok.Pos}, nil
	case lexer.TokenNumber:
		p.next()
		num, err := strconv.ParseFloat(tok.Lexeme, 64)
		if err != nil {
			return nil, p.errExpected("number")
		}
		return &Literal{Kind: LiteralNumber, Num: num, Pos: tok.Pos}, nil
	case lexer.TokenBool:
		p.next()
		return &Literal{Kind: LiteralBool, Bool: tok.Lexeme == "true", Pos: tok.Pos}, nil
	}
	return nil, p.errExpected("literal")
}

func (p *Parser) parseInt() (int, error) {
	tok := p.peek()
	if tok.Kind != lexer.TokenNumber {
		return 0, p.errExpected("integer")
	}
	p.next()
	n, err := strconv.Atoi(tok.Lexeme)
	if err != nil {
		return 0, p.errExpected("integer")
	}
	return n, nil
}

// ---------------------------------------- cursor helpers ----------------------------------------

func (p *Parser) peek() lexer.Token {
	if p.pos >= len(p.tokens) {
		return lexer.Token{Kind: lexer.TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) next() lexer.Token {
	tok := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *Parser) at(kind lexer.TokenKind, lexeme string) bool {
	tok := p.peek()
	return tok.Kind == kind && (lexeme == "" || tok.Lexeme == lexeme)
}

func (p *Parser) accept(kind lexer.TokenKind, lexeme string) bool {
	if p.at(kind, lexeme) {
		p.next()
		return true
	}
	return false
}

func (p *Parser) parseIdent(what string) (lexer.Token, error) {
	tok := p.peek()
	if tok.Kind != lexer.TokenIdent {
		return lexer.Token{}, p.errExpected(what)
	}
	p.next()
	return tok, nil
}

func (p *Parser) errExpected(expected ...string) error {
	tok := p.peek()
	found := tok.Lexeme
	if tok.Kind == lexer.TokenEOF {
		found = "end of input"
	}
	return &engine.SyntaxError{
		Line:     tok.Pos.Line,
		Column:   tok.Pos.Column,
		Expected: expected,
		Found:    found,
	}
}
