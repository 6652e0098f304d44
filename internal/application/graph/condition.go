package graph

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Condition is a parsed guard expression such as
// `${score >= 0.8 && review.approved == true}`.
//
// Operands are literals (numbers, quoted strings, true, false, null) or
// variable paths resolved with gjson against the JSON form of the variables.
type Condition struct {
	source string
	root   exprNode
}

// ParseCondition parses a guard expression
func ParseCondition(source string) (*Condition, error) {
	body := strings.TrimSpace(source)
	if (strings.HasPrefix(body, "${") || strings.HasPrefix(body, "#{")) && strings.HasSuffix(body, "}") {
		body = strings.TrimSpace(body[2 : len(body)-1])
	}
	if body == "" {
		return nil, fmt.Errorf("empty condition")
	}

	tokens, err := tokenize(body)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", source, err)
	}

	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", source, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("condition %q: unexpected %q", source, p.peek().text)
	}

	return &Condition{source: source, root: root}, nil
}

// String returns the original expression
func (c *Condition) String() string {
	return c.source
}

// Eval evaluates the condition against vars
func (c *Condition) Eval(vars map[string]interface{}) (bool, error) {
	e := &env{vars: vars}
	v, err := c.root.eval(e)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.source, err)
	}
	return truthy(v), nil
}

// EvaluateCondition parses and evaluates expr in one step
func EvaluateCondition(expr string, vars map[string]interface{}) (bool, error) {
	c, err := ParseCondition(expr)
	if err != nil {
		return false, err
	}
	return c.Eval(vars)
}

type env struct {
	vars    map[string]interface{}
	encoded []byte
	err     error
}

func (e *env) lookup(path string) (interface{}, error) {
	if e.encoded == nil && e.err == nil {
		vars := e.vars
		if vars == nil {
			vars = map[string]interface{}{}
		}
		e.encoded, e.err = json.Marshal(vars)
	}
	if e.err != nil {
		return nil, fmt.Errorf("encode variables: %w", e.err)
	}
	res := gjson.GetBytes(e.encoded, path)
	if !res.Exists() {
		return nil, nil
	}
	return res.Value(), nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var tokens []token
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], byte(c))
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			tokens = append(tokens, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case strings.HasPrefix(s[i:], "&&"), strings.HasPrefix(s[i:], "||"),
			strings.HasPrefix(s[i:], "=="), strings.HasPrefix(s[i:], "!="),
			strings.HasPrefix(s[i:], ">="), strings.HasPrefix(s[i:], "<="):
			tokens = append(tokens, token{tokOp, s[i : i+2]})
			i += 2
		case c == '>' || c == '<' || c == '!':
			tokens = append(tokens, token{tokOp, string(c)})
			i++
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(s) && unicode.IsDigit(rune(s[i+1]))):
			j := i + 1
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, s[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(s) && isPathChar(rune(s[j])) {
				j++
			}
			tokens = append(tokens, token{tokIdent, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return tokens, nil
}

func isPathChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' || c == '#' || c == '-'
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: -1}
	}
	return p.tokens[p.pos]
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseUnary() (exprNode, error) {
	if _, ok := p.acceptOp("!"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", ">=", "<=", ">", "<")
	if !ok {
		return left, nil
	}
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: op, left: left, right: right}, nil
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokNumber:
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return &literalNode{value: f}, nil
	case tokString:
		p.pos++
		return &literalNode{value: t.text}, nil
	case tokIdent:
		p.pos++
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		}
		return &pathNode{path: t.text}, nil
	}
	if p.done() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}

type exprNode interface {
	eval(e *env) (interface{}, error)
}

type literalNode struct{ value interface{} }

func (n *literalNode) eval(*env) (interface{}, error) { return n.value, nil }

type pathNode struct{ path string }

func (n *pathNode) eval(e *env) (interface{}, error) { return e.lookup(n.path) }

type notNode struct{ operand exprNode }

func (n *notNode) eval(e *env) (interface{}, error) {
	v, err := n.operand.eval(e)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type logicalNode struct {
	op          string
	left, right exprNode
}

func (n *logicalNode) eval(e *env) (interface{}, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	if n.op == "&&" && !truthy(l) {
		return false, nil
	}
	if n.op == "||" && truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type compareNode struct {
	op          string
	left, right exprNode
}

func (n *compareNode) eval(e *env) (interface{}, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	lf, lok := l.(float64)
	rf, rok := r.(float64)
	if lok && rok {
		switch n.op {
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch n.op {
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}
	if l == nil || r == nil {
		return false, nil
	}
	return nil, fmt.Errorf("cannot compare %T %s %T", l, n.op, r)
}

func equal(a, b interface{}) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return true
}
