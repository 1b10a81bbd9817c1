package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

type calculatorArgs struct {
	Expression string `json:"expression" jsonschema:"required,description=Arithmetic expression to evaluate (e.g. 34000000 * 0.11)"`
}

// CalculatorTool evaluates arithmetic expressions with a small
// recursive-descent parser. Numbers the model needs (fee totals, tax
// percentages) come from here rather than from generation, so the
// grammar stays deliberately tiny: + - * / % ^, parentheses and unary
// minus.
type CalculatorTool struct {
	schema map[string]any
}

func NewCalculatorTool() *CalculatorTool {
	return &CalculatorTool{schema: mustSchema[calculatorArgs]()}
}

func (t *CalculatorTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression exactly. Use for any fee total, tax amount or currency arithmetic instead of computing in your head. Supports + - * / % ^ and parentheses.",
		Schema:      t.schema,
	}
}

func (t *CalculatorTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	params, err := decodeArgs[calculatorArgs](args)
	if err != nil {
		return errorResult(err), nil
	}

	value, err := evaluate(params.Expression)
	if err != nil {
		return errorResult(err), nil
	}

	rendered := strconv.FormatFloat(value, 'f', -1, 64)
	return ToolResult{
		Success:  true,
		Content:  fmt.Sprintf("%s = %s", strings.TrimSpace(params.Expression), rendered),
		Metadata: map[string]any{"value": value},
	}, nil
}

// evaluate parses and evaluates an expression in one pass.
//
// Grammar, loosest to tightest binding:
//
//	expr  = term  { ("+" | "-") term }
//	term  = unary { ("*" | "/" | "%") unary }
//	unary = "-" unary | power
//	power = atom [ "^" unary ]          (right associative)
//	atom  = number | "(" expr ")"
func evaluate(input string) (float64, error) {
	p := &exprParser{input: input}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("expression result is not a finite number")
	}
	return v, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) expr() (float64, error) {
	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.term()
			if err != nil {
				return 0, err
			}
			v += rhs
		case '-':
			p.pos++
			rhs, err := p.term()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) term() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.unary()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case '/':
			p.pos++
			rhs, err := p.unary()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= rhs
		case '%':
			p.pos++
			rhs, err := p.unary()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			v = math.Mod(v, rhs)
		default:
			return v, nil
		}
	}
}

func (p *exprParser) unary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.unary()
		return -v, err
	}
	return p.power()
}

func (p *exprParser) power() (float64, error) {
	base, err := p.atom()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		exp, err := p.unary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) atom() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	return p.number()
}

func (p *exprParser) number() (float64, error) {
	p.skipSpace()
	start := p.pos
	seenDot := false
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '.' && !seenDot {
			seenDot = true
			p.pos++
			continue
		}
		if !unicode.IsDigit(rune(c)) {
			break
		}
		p.pos++
	}
	if start == p.pos {
		if p.pos >= len(p.input) {
			return 0, fmt.Errorf("unexpected end of expression")
		}
		return 0, fmt.Errorf("expected a number at position %d, found %q", p.pos, p.input[p.pos])
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

// peek skips whitespace and returns the next operator byte without
// consuming it, or 0 at end of input.
func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}
