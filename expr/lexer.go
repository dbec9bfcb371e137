// Package expr implements a small infix expression language for transition
// rates, stop predicates, and observation parameters. Expressions are parsed
// once into a tree and evaluated repeatedly against a variable binding map.
package expr

import "fmt"

// TokenType represents the type of a lexer token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenNumber
	TokenIdent
	TokenOp     // + - * / ^ < <= > >= == != && || !
	TokenLParen // (
	TokenRParen // )
	TokenComma  // ,
)

// Token represents a single token from the lexer.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int
}

func (t Token) String() string {
	return fmt.Sprintf("Token{%v, %q, %d}", t.Type, t.Literal, t.Pos)
}

// Lexer tokenizes expression input.
type Lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() (Token, error) {
	l.skipWhitespace()

	pos := l.pos

	switch l.ch {
	case 0:
		return Token{Type: TokenEOF, Pos: pos}, nil
	case '(':
		l.readChar()
		return Token{Type: TokenLParen, Literal: "(", Pos: pos}, nil
	case ')':
		l.readChar()
		return Token{Type: TokenRParen, Literal: ")", Pos: pos}, nil
	case ',':
		l.readChar()
		return Token{Type: TokenComma, Literal: ",", Pos: pos}, nil
	case '+', '-', '*', '/', '^':
		op := string(l.ch)
		l.readChar()
		return Token{Type: TokenOp, Literal: op, Pos: pos}, nil
	case '<', '>':
		op := string(l.ch)
		l.readChar()
		if l.ch == '=' {
			op += "="
			l.readChar()
		}
		return Token{Type: TokenOp, Literal: op, Pos: pos}, nil
	case '=':
		if l.peekChar() != '=' {
			return Token{}, fmt.Errorf("unexpected character %q at position %d (did you mean ==?)", l.ch, pos)
		}
		l.readChar()
		l.readChar()
		return Token{Type: TokenOp, Literal: "==", Pos: pos}, nil
	case '!':
		l.readChar()
		if l.ch == '=' {
			l.readChar()
			return Token{Type: TokenOp, Literal: "!=", Pos: pos}, nil
		}
		return Token{Type: TokenOp, Literal: "!", Pos: pos}, nil
	case '&':
		if l.peekChar() != '&' {
			return Token{}, fmt.Errorf("unexpected character %q at position %d (did you mean &&?)", l.ch, pos)
		}
		l.readChar()
		l.readChar()
		return Token{Type: TokenOp, Literal: "&&", Pos: pos}, nil
	case '|':
		if l.peekChar() != '|' {
			return Token{}, fmt.Errorf("unexpected character %q at position %d (did you mean ||?)", l.ch, pos)
		}
		l.readChar()
		l.readChar()
		return Token{Type: TokenOp, Literal: "||", Pos: pos}, nil
	}

	if isDigit(l.ch) || (l.ch == '.' && isDigit(l.peekChar())) {
		return Token{Type: TokenNumber, Literal: l.readNumber(), Pos: pos}, nil
	}
	if isIdentStart(l.ch) {
		return Token{Type: TokenIdent, Literal: l.readIdent(), Pos: pos}, nil
	}

	return Token{}, fmt.Errorf("unexpected character %q at position %d", l.ch, pos)
}

func (l *Lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) || l.ch == '.' {
		l.readChar()
	}
	// Scientific notation: 1e-3, 2.5E+6
	if l.ch == 'e' || l.ch == 'E' {
		next := l.peekChar()
		if isDigit(next) || next == '+' || next == '-' {
			l.readChar()
			if l.ch == '+' || l.ch == '-' {
				l.readChar()
			}
			for isDigit(l.ch) {
				l.readChar()
			}
		}
	}
	return l.input[start:l.pos]
}

func (l *Lexer) readIdent() string {
	start := l.pos
	for isIdentChar(l.ch) {
		l.readChar()
	}
	return l.input[start:l.pos]
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}
