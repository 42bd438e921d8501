package plan

import "strings"

// ExpressionShape selects how a calculation evaluates its expression.
type ExpressionShape int

const (
	// ShapeReference is a bare variable reference; the value is copied.
	ShapeReference ExpressionShape = iota
	// ShapeCondition is a side-effect-free expression run by the interpreter.
	ShapeCondition
	// ShapeScript needs the scripting fallback.
	ShapeScript
)

func (s ExpressionShape) String() string {
	switch s {
	case ShapeReference:
		return "reference"
	case ShapeCondition:
		return "condition"
	default:
		return "script"
	}
}

// Expression is an opaque handle to an expression owned by the query's AST.
// The core only needs its source text, the variables it reads and whether it
// requires the scripting fallback.
type Expression struct {
	Text      string
	Variables []*Variable
	Scripting bool
}

func (e *Expression) Shape() ExpressionShape {
	if e.Scripting {
		return ShapeScript
	}
	if e.Reference() != nil {
		return ShapeReference
	}
	return ShapeCondition
}

// Reference returns the referenced variable when the expression is nothing
// but a variable name.
func (e *Expression) Reference() *Variable {
	if len(e.Variables) != 1 {
		return nil
	}
	if strings.TrimSpace(e.Text) == e.Variables[0].Name {
		return e.Variables[0]
	}
	return nil
}

// IsDeterministic reports whether repeated evaluation with the same inputs
// yields the same value.
func (e *Expression) IsDeterministic() bool { return !e.Scripting }

// ConstantArrayLength returns the number of elements when the expression is an
// array literal without variable references.
func (e *Expression) ConstantArrayLength() (int, bool) {
	if len(e.Variables) > 0 {
		return 0, false
	}
	text := strings.TrimSpace(e.Text)
	if len(text) < 2 || text[0] != '[' || text[len(text)-1] != ']' {
		return 0, false
	}
	body := strings.TrimSpace(text[1 : len(text)-1])
	if body == "" {
		return 0, true
	}
	n, depth := 1, 0
	var quote byte
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[' || c == '{' || c == '(':
			depth++
		case c == ']' || c == '}' || c == ')':
			depth--
		case c == ',' && depth == 0:
			n++
		}
	}
	return n, true
}

func (e *Expression) clone(m varMapper) *Expression {
	if e == nil {
		return nil
	}
	vars := make([]*Variable, len(e.Variables))
	for i, v := range e.Variables {
		vars[i] = m(v)
	}
	return &Expression{Text: e.Text, Variables: vars, Scripting: e.Scripting}
}
