package expr

import (
	"fmt"
	"math"
	"sort"
)

// Compiled represents a pre-compiled expression for repeated evaluation.
type Compiled struct {
	src string
	ast Node
}

// Compile parses an expression into a compiled form.
func Compile(src string) (*Compiled, error) {
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}

	ast, err := NewParser(src).Parse()
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	return &Compiled{src: src, ast: ast}, nil
}

// MustCompile is like Compile but panics on error. For package-level
// expressions known to be valid.
func MustCompile(src string) *Compiled {
	c, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the original source.
func (c *Compiled) String() string { return c.src }

// AST returns the parsed expression tree.
func (c *Compiled) AST() Node { return c.ast }

// Eval evaluates the expression against variable bindings.
func (c *Compiled) Eval(env map[string]float64) (float64, error) {
	return c.ast.Eval(env)
}

// EvalBool evaluates the expression as a predicate: any nonzero value is true.
func (c *Compiled) EvalBool(env map[string]float64) (bool, error) {
	v, err := c.ast.Eval(env)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Vars returns the sorted set of identifiers referenced by the expression.
// Used for static validation against declared model symbols.
func (c *Compiled) Vars() []string {
	set := make(map[string]bool)
	c.ast.vars(set)
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func callBuiltin(name string, args []float64) (float64, error) {
	switch name {
	case "exp":
		return math.Exp(args[0]), nil
	case "log":
		if args[0] <= 0 {
			return 0, fmt.Errorf("log of non-positive value %g", args[0])
		}
		return math.Log(args[0]), nil
	case "sqrt":
		if args[0] < 0 {
			return 0, fmt.Errorf("sqrt of negative value %g", args[0])
		}
		return math.Sqrt(args[0]), nil
	case "abs":
		return math.Abs(args[0]), nil
	case "floor":
		return math.Floor(args[0]), nil
	case "min":
		return math.Min(args[0], args[1]), nil
	case "max":
		return math.Max(args[0], args[1]), nil
	case "pow":
		return pow(args[0], args[1]), nil
	case "if":
		if args[0] != 0 {
			return args[1], nil
		}
		return args[2], nil
	}
	return 0, fmt.Errorf("unknown function: %s", name)
}

func pow(base, exp float64) float64 {
	return math.Pow(base, exp)
}
