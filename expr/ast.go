package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is a node in a parsed expression tree.
type Node interface {
	// Eval evaluates the node against variable bindings.
	Eval(env map[string]float64) (float64, error)
	// String renders the node back to source form.
	String() string
	// vars appends referenced identifiers to the set.
	vars(set map[string]bool)
}

// NumberLit is a numeric literal.
type NumberLit struct {
	Value float64
}

func (n *NumberLit) Eval(env map[string]float64) (float64, error) { return n.Value, nil }

func (n *NumberLit) String() string {
	return strconv.FormatFloat(n.Value, 'g', -1, 64)
}

func (n *NumberLit) vars(set map[string]bool) {}

// Identifier references a compartment, parameter, auxiliary variable, or
// the reserved time symbol "t".
type Identifier struct {
	Name string
}

func (n *Identifier) Eval(env map[string]float64) (float64, error) {
	v, ok := env[n.Name]
	if !ok {
		return 0, fmt.Errorf("unknown identifier: %s", n.Name)
	}
	return v, nil
}

func (n *Identifier) String() string { return n.Name }

func (n *Identifier) vars(set map[string]bool) { set[n.Name] = true }

// UnaryOp is a prefix operator: "-" or "!".
type UnaryOp struct {
	Op      string
	Operand Node
}

func (n *UnaryOp) Eval(env map[string]float64) (float64, error) {
	v, err := n.Operand.Eval(env)
	if err != nil {
		return 0, err
	}
	switch n.Op {
	case "-":
		return -v, nil
	case "!":
		if v != 0 {
			return 0, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("unknown unary operator: %s", n.Op)
}

func (n *UnaryOp) String() string { return n.Op + n.Operand.String() }

func (n *UnaryOp) vars(set map[string]bool) { n.Operand.vars(set) }

// BinaryOp is an infix operator. Comparison and boolean operators evaluate
// to 1 (true) or 0 (false); boolean operands treat any nonzero value as true.
type BinaryOp struct {
	Op    string
	Left  Node
	Right Node
}

func (n *BinaryOp) Eval(env map[string]float64) (float64, error) {
	left, err := n.Left.Eval(env)
	if err != nil {
		return 0, err
	}

	// Short-circuit evaluation for && and ||
	switch n.Op {
	case "&&":
		if left == 0 {
			return 0, nil
		}
		right, err := n.Right.Eval(env)
		if err != nil {
			return 0, err
		}
		return boolVal(right != 0), nil
	case "||":
		if left != 0 {
			return 1, nil
		}
		right, err := n.Right.Eval(env)
		if err != nil {
			return 0, err
		}
		return boolVal(right != 0), nil
	}

	right, err := n.Right.Eval(env)
	if err != nil {
		return 0, err
	}

	switch n.Op {
	case "+":
		return left + right, nil
	case "-":
		return left - right, nil
	case "*":
		return left * right, nil
	case "/":
		if right == 0 {
			return 0, fmt.Errorf("division by zero in %s", n.String())
		}
		return left / right, nil
	case "^":
		return pow(left, right), nil
	case "<":
		return boolVal(left < right), nil
	case "<=":
		return boolVal(left <= right), nil
	case ">":
		return boolVal(left > right), nil
	case ">=":
		return boolVal(left >= right), nil
	case "==":
		return boolVal(left == right), nil
	case "!=":
		return boolVal(left != right), nil
	}
	return 0, fmt.Errorf("unknown operator: %s", n.Op)
}

func (n *BinaryOp) String() string {
	return "(" + n.Left.String() + " " + n.Op + " " + n.Right.String() + ")"
}

func (n *BinaryOp) vars(set map[string]bool) {
	n.Left.vars(set)
	n.Right.vars(set)
}

// CallExpr is a call to a built-in function, e.g. exp(-k * t).
type CallExpr struct {
	Func string
	Args []Node
}

func (n *CallExpr) Eval(env map[string]float64) (float64, error) {
	args := make([]float64, len(n.Args))
	for i, arg := range n.Args {
		v, err := arg.Eval(env)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	return callBuiltin(n.Func, args)
}

func (n *CallExpr) String() string {
	parts := make([]string, len(n.Args))
	for i, arg := range n.Args {
		parts[i] = arg.String()
	}
	return n.Func + "(" + strings.Join(parts, ", ") + ")"
}

func (n *CallExpr) vars(set map[string]bool) {
	for _, arg := range n.Args {
		arg.vars(set)
	}
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
