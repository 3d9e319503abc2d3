// Package lexer tokenizes raw query text. The token stream is produced
// in full before parsing begins; a failed lex restarts from scratch
// rather than resuming.
package lexer

import (
	"strings"
	"unicode"

	"tesseradb/src/engine"
)

type Lexer struct {
	input  string
	offset int
	line   int
	column int
}

func New(input string) *Lexer {
	return &Lexer{input: input, line: 1, column: 1}
}

// Tokenize scans the whole input and returns the token slice,
// whitespace and comments discarded, terminated by an EOF token.
func Tokenize(input string) ([]Token, error) {
	return New(input).Tokenize()
}

func (l *Lexer) Tokenize() ([]Token, error) {
	var tokens []Token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Kind == TokenEOF {
			return tokens, nil
		}
	}
}

func (l *Lexer) next() (Token, error) {
	l.skipSpaceAndComments()

	pos := l.pos()
	if l.offset >= len(l.input) {
		return Token{Kind: TokenEOF, Pos: pos}, nil
	}

	ch := l.input[l.offset]
	switch {
	case ch == '"' || ch == '\'':
		return l.lexString(ch)
	case ch >= '0' && ch <= '9':
		return l.lexNumber()
	case isIdentStart(rune(ch)):
		return l.lexWord()
	}

	// Operators and delimiters.
	switch ch {
	case '(', ')', '{', '}', ',', ':', ';', '.':
		l.advance(1)
		return Token{Kind: TokenDelimiter, Lexeme: string(ch), Pos: pos}, nil
	case '=':
		l.advance(1)
		return Token{Kind: TokenOperator, Lexeme: "=", Pos: pos}, nil
	case '!':
		if l.peekAt(1) == '=' {
			l.advance(2)
			return Token{Kind: TokenOperator, Lexeme: "!=", Pos: pos}, nil
		}
	case '<':
		if l.peekAt(1) == '=' {
			l.advance(2)
			return Token{Kind: TokenOperator, Lexeme: "<=", Pos: pos}, nil
		}
		l.advance(1)
		return Token{Kind: TokenOperator, Lexeme: "<", Pos: pos}, nil
	case '>':
		if l.peekAt(1) == '=' {
			l.advance(2)
			return Token{Kind: TokenOperator, Lexeme: ">=", Pos: pos}, nil
		}
		l.advance(1)
		return Token{Kind: TokenOperator, Lexeme: ">", Pos: pos}, nil
	case '-':
		if l.peekAt(1) == '>' {
			l.advance(2)
			return Token{Kind: TokenOperator, Lexeme: "->", Pos: pos}, nil
		}
		// Negative number literal.
		if next := l.peekAt(1); next >= '0' && next <= '9' {
			return l.lexNumber()
		}
	}

	return Token{}, &engine.LexicalError{
		Line:   pos.Line,
		Column: pos.Column,
		Char:   rune(ch),
	}
}

func (l *Lexer) lexString(quote byte) (Token, error) {
	pos := l.pos()
	l.advance(1) // opening quote
	var sb strings.Builder
	for l.offset < len(l.input) {
		ch := l.input[l.offset]
		if ch == quote {
			l.advance(1)
			return Token{Kind: TokenString, Lexeme: sb.String(), Pos: pos}, nil
		}
		if ch == '\\' && l.offset+1 < len(l.input) {
			l.advance(1)
			ch = l.input[l.offset]
		}
		if ch == '\n' {
			break
		}
		sb.WriteByte(ch)
		l.advance(1)
	}
	return Token{}, &engine.LexicalError{
		Line:         pos.Line,
		Column:       pos.Column,
		Char:         rune(quote),
		Unterminated: true,
	}
}

func (l *Lexer) lexNumber() (Token, error) {
	pos := l.pos()
	start := l.offset
	if l.input[l.offset] == '-' {
		l.advance(1)
	}
	seenDot := false
	for l.offset < len(l.input) {
		ch := l.input[l.offset]
		if ch == '.' && !seenDot && l.offset+1 < len(l.input) &&
			l.input[l.offset+1] >= '0' && l.input[l.offset+1] <= '9' {
			seenDot = true
			l.advance(1)
			continue
		}
		if ch < '0' || ch > '9' {
			break
		}
		l.advance(1)
	}
	return Token{Kind: TokenNumber, Lexeme: l.input[start:l.offset], Pos: pos}, nil
}

func (l *Lexer) lexWord() (Token, error) {
	pos := l.pos()
	start := l.offset
	for l.offset < len(l.input) && isIdentPart(rune(l.input[l.offset])) {
		l.advance(1)
	}
	word := l.input[start:l.offset]
	upper := strings.ToUpper(word)

	switch {
	case upper == "TRUE" || upper == "FALSE":
		return Token{Kind: TokenBool, Lexeme: strings.ToLower(upper), Pos: pos}, nil
	case storageClasses[upper]:
		return Token{Kind: TokenStorageClass, Lexeme: upper, Pos: pos}, nil
	case keywords[upper]:
		return Token{Kind: TokenKeyword, Lexeme: upper, Pos: pos}, nil
	}
	return Token{Kind: TokenIdent, Lexeme: word, Pos: pos}, nil
}

func (l *Lexer) skipSpaceAndComments() {
	for l.offset < len(l.input) {
		ch := l.input[l.offset]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n':
			l.advance(1)
		case ch == '-' && l.peekAt(1) == '-', ch == '/' && l.peekAt(1) == '/':
			for l.offset < len(l.input) && l.input[l.offset] != '\n' {
				l.advance(1)
			}
		default:
			return
		}
	}
}

func (l *Lexer) pos() Position {
	return Position{Line: l.line, Column: l.column, Offset: l.offset}
}

func (l *Lexer) peekAt(ahead int) byte {
	if l.offset+ahead >= len(l.input) {
		return 0
	}
	return l.input[l.offset+ahead]
}

func (l *Lexer) advance(n int) {
	for i := 0; i < n && l.offset < len(l.input); i++ {
		if l.input[l.offset] == '\n' {
			l.line++
			l.column = 1
		} else {
			l.column++
		}
		l.offset++
	}
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
