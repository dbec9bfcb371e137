package expr

import (
	"fmt"
	"strconv"
)

// Binding powers for precedence climbing. Higher binds tighter.
var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6,
	"^": 7,
}

// builtinArity maps supported call names to their argument counts.
var builtinArity = map[string]int{
	"exp":   1,
	"log":   1,
	"sqrt":  1,
	"abs":   1,
	"floor": 1,
	"min":   2,
	"max":   2,
	"pow":   2,
	"if":    3,
}

// Parser parses an infix expression into a Node tree.
type Parser struct {
	lexer *Lexer
	cur   Token
	err   error
}

// NewParser creates a parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.nextToken()
	return p
}

func (p *Parser) nextToken() {
	if p.err != nil {
		return
	}
	tok, err := p.lexer.NextToken()
	if err != nil {
		p.err = err
		return
	}
	p.cur = tok
}

// Parse parses a complete expression. Trailing input is an error.
func (p *Parser) Parse() (Node, error) {
	node, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.cur.Type != TokenEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.cur.Literal, p.cur.Pos)
	}
	return node, nil
}

// parseExpr implements precedence climbing: parse a primary, then fold in
// operators whose precedence is at least minPrec.
func (p *Parser) parseExpr(minPrec int) (Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for p.cur.Type == TokenOp {
		op := p.cur.Literal
		prec, ok := precedence[op]
		if !ok || prec < minPrec {
			break
		}
		p.nextToken()

		// ^ is right-associative, everything else left-associative.
		nextMin := prec + 1
		if op == "^" {
			nextMin = prec
		}
		right, err := p.parseExpr(nextMin)
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right}
	}

	return left, nil
}

func (p *Parser) parsePrimary() (Node, error) {
	if p.err != nil {
		return nil, p.err
	}

	switch p.cur.Type {
	case TokenNumber:
		v, err := strconv.ParseFloat(p.cur.Literal, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at position %d", p.cur.Literal, p.cur.Pos)
		}
		p.nextToken()
		return &NumberLit{Value: v}, nil

	case TokenIdent:
		name := p.cur.Literal
		pos := p.cur.Pos
		p.nextToken()
		if p.cur.Type == TokenLParen {
			return p.parseCall(name, pos)
		}
		return &Identifier{Name: name}, nil

	case TokenLParen:
		p.nextToken()
		node, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if p.cur.Type != TokenRParen {
			return nil, fmt.Errorf("expected ) at position %d", p.cur.Pos)
		}
		p.nextToken()
		return node, nil

	case TokenOp:
		if p.cur.Literal == "-" || p.cur.Literal == "!" {
			op := p.cur.Literal
			p.nextToken()
			operand, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &UnaryOp{Op: op, Operand: operand}, nil
		}
	}

	return nil, fmt.Errorf("unexpected token %q at position %d", p.cur.Literal, p.cur.Pos)
}

func (p *Parser) parseCall(name string, pos int) (Node, error) {
	arity, ok := builtinArity[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q at position %d", name, pos)
	}

	p.nextToken() // consume (
	var args []Node
	if p.cur.Type != TokenRParen {
		for {
			arg, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur.Type != TokenComma {
				break
			}
			p.nextToken()
		}
	}
	if p.cur.Type != TokenRParen {
		return nil, fmt.Errorf("expected ) at position %d", p.cur.Pos)
	}
	p.nextToken()

	if len(args) != arity {
		return nil, fmt.Errorf("%s() requires %d arguments, got %d", name, arity, len(args))
	}
	return &CallExpr{Func: name, Args: args}, nil
}
