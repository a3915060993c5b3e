package mathexpr

import (
	"fmt"
	"math"
	"strconv"
	"unicode"
)

// node is a parsed arithmetic expression. Evaluation is restricted:
// numbers, named variables, + - * / and exponentiation only. There is
// deliberately no call-out to any general evaluator.
type node interface {
	eval(vars map[string]float64) (float64, error)
}

type numNode float64

func (n numNode) eval(map[string]float64) (float64, error) { return float64(n), nil }

type varNode string

func (v varNode) eval(vars map[string]float64) (float64, error) {
	if v == "pi" {
		return math.Pi, nil
	}
	val, ok := vars[string(v)]
	if !ok {
		return 0, fmt.Errorf("unbound variable %q", string(v))
	}
	return val, nil
}

type negNode struct{ x node }

func (n negNode) eval(vars map[string]float64) (float64, error) {
	v, err := n.x.eval(vars)
	return -v, err
}

type binNode struct {
	op   byte // '+', '-', '*', '/', '^'
	l, r node
}

func (b binNode) eval(vars map[string]float64) (float64, error) {
	l, err := b.l.eval(vars)
	if err != nil {
		return 0, err
	}
	r, err := b.r.eval(vars)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		if r == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return l / r, nil
	case '^':
		return math.Pow(l, r), nil
	}
	return 0, fmt.Errorf("unknown operator %q", b.op)
}

type token struct {
	kind byte // 'n' number, 'i' identifier, 'o' operator/paren, 'p' power
	text string
	num  float64
}

func tokenize(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || r == '.':
			j := i
			seenDot := false
			for j < len(rs) && (unicode.IsDigit(rs[j]) || (rs[j] == '.' && !seenDot)) {
				if rs[j] == '.' {
					seenDot = true
				}
				j++
			}
			text := string(rs[i:j])
			num, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", text)
			}
			toks = append(toks, token{kind: 'n', text: text, num: num})
			i = j
		case unicode.IsLetter(r):
			j := i
			for j < len(rs) && unicode.IsLetter(rs[j]) {
				j++
			}
			toks = append(toks, token{kind: 'i', text: string(rs[i:j])})
			i = j
		case r == '*':
			if i+1 < len(rs) && rs[i+1] == '*' {
				toks = append(toks, token{kind: 'p', text: "**"})
				i += 2
			} else {
				toks = append(toks, token{kind: 'o', text: "*"})
				i++
			}
		case r == '^':
			toks = append(toks, token{kind: 'p', text: "**"})
			i++
		case r == '+' || r == '-' || r == '/' || r == '(' || r == ')' || r == '=':
			toks = append(toks, token{kind: 'o', text: string(r)})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", r)
		}
	}
	return toks, nil
}

// parser is a small recursive-descent parser with implicit multiplication:
// "2x", "3(x+1)" and "2 pi" all parse as products.
type parser struct {
	toks []token
	pos  int
	vars []string
	seen map[string]bool
}

func (p *parser) peek() *token {
	if p.pos >= len(p.toks) {
		return nil
	}
	return &p.toks[p.pos]
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != 'o' || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binNode{op: t.text[0], l: left, r: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil {
			return left, nil
		}
		switch {
		case t.kind == 'o' && (t.text == "*" || t.text == "/"):
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = binNode{op: t.text[0], l: left, r: right}
		case t.kind == 'n' || t.kind == 'i' || (t.kind == 'o' && t.text == "("):
			// Implicit multiplication.
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = binNode{op: '*', l: left, r: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t != nil && t.kind == 'o' && t.text == "-" {
		p.pos++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negNode{x: x}, nil
	}
	if t != nil && t.kind == 'o' && t.text == "+" {
		p.pos++
		return p.parseUnary()
	}
	return p.parsePower()
}

func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t != nil && t.kind == 'p' {
		p.pos++
		// Right-associative: 2**3**2 is 2**(3**2).
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return binNode{op: '^', l: base, r: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch {
	case t.kind == 'n':
		p.pos++
		return numNode(t.num), nil
	case t.kind == 'i':
		p.pos++
		if t.text != "pi" && !p.seen[t.text] {
			p.seen[t.text] = true
			p.vars = append(p.vars, t.text)
		}
		return varNode(t.text), nil
	case t.kind == 'o' && t.text == "(":
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		c := p.peek()
		if c == nil || c.kind != 'o' || c.text != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

// parse parses a normalized expression and returns its AST along with the
// free variables in first-seen order. An "a = b" equation parses as the
// difference a-(b), so equations compare by their solution sets' defining
// expression rather than failing outright.
func parse(s string) (node, []string, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, nil, err
	}
	if len(toks) == 0 {
		return nil, nil, fmt.Errorf("empty expression")
	}
	p := &parser{toks: toks, seen: make(map[string]bool)}
	left, err := p.parseExpr()
	if err != nil {
		return nil, nil, err
	}
	if t := p.peek(); t != nil && t.kind == 'o' && t.text == "=" {
		p.pos++
		right, err := p.parseExpr()
		if err != nil {
			return nil, nil, err
		}
		left = binNode{op: '-', l: left, r: right}
	}
	if p.pos != len(p.toks) {
		return nil, nil, fmt.Errorf("trailing input at %q", p.toks[p.pos].text)
	}
	return left, p.vars, nil
}

// Eval evaluates a normalized expression that contains no free variables.
func Eval(s string) (float64, error) {
	n, vars, err := parse(s)
	if err != nil {
		return 0, err
	}
	if len(vars) > 0 {
		return 0, fmt.Errorf("expression has free variables: %v", vars)
	}
	v, err := n.eval(nil)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite result")
	}
	return v, nil
}
