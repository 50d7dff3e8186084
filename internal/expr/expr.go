// Package expr evaluates condition expressions authored by tenants.
//
// The grammar is closed: it is not a subset borrowed from a host-language
// interpreter, so there is no path from an expression to the process
// environment. Supported forms are context dotted accesses (with optional
// chaining), string/number/boolean literals, the boolean and comparison
// operators, basic arithmetic, parentheses, Number(...), and the string
// helpers .toLowerCase() and .includes(...).
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/flowgate/internal/template"
)

// deniedTokens are substrings whose presence rejects an expression before
// parsing. They cover statement separators, block braces, and identifiers
// that reference hosting primitives in the language these expressions are
// usually authored against.
var deniedTokens = []string{
	";", "{", "}", "=>", "`",
	"function", "require", "import", "eval", "process",
	"global", "window", "this", "constructor", "prototype",
	"while", "for", "new ", "await", "async",
}

// EvalBool evaluates a condition expression against the session context.
// Any lexical, parse, or type failure is returned as an error; callers map
// it to false.
func EvalBool(expression string, ctx map[string]any) (bool, error) {
	lower := strings.ToLower(expression)
	for _, tok := range deniedTokens {
		if strings.Contains(lower, tok) {
			return false, fmt.Errorf("expression contains disallowed token %q", strings.TrimSpace(tok))
		}
	}

	toks, err := lex(expression)
	if err != nil {
		return false, err
	}
	p := &parser{toks: toks, ctx: ctx}
	v, err := p.parseExpr()
	if err != nil {
		return false, err
	}
	if !p.atEnd() {
		return false, fmt.Errorf("unexpected trailing input at %q", p.peek().text)
	}
	return truthy(v), nil
}

// --- lexer ---

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp
	tokEOF
)

type token struct {
	kind tokKind
	text string
}

var twoCharOps = []string{"&&", "||", "==", "!=", "<=", ">=", "?."}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{tokOp, op})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			switch c {
			case '!', '<', '>', '+', '-', '*', '/', '(', ')', '.', ',', '[', ']':
				toks = append(toks, token{tokOp, string(c)})
				i++
			default:
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// --- parser / evaluator ---

type parser struct {
	toks []token
	pos  int
	ctx  map[string]any
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) atEnd() bool { return p.peek().kind == tokEOF }

func (p *parser) acceptOp(op string) bool {
	if p.peek().kind == tokOp && p.peek().text == op {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectOp(op string) error {
	if !p.acceptOp(op) {
		return fmt.Errorf("expected %q, got %q", op, p.peek().text)
	}
	return nil
}

func (p *parser) parseExpr() (any, error) { return p.parseOr() }

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			continue // keep left
		}
		left = right
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			continue // keep left (falsy)
		}
		left = right
	}
	return left, nil
}

func (p *parser) parseEquality() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "==" || p.peek().text == "!=") {
		op := p.next().text
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		eq := looseEqual(left, right)
		if op == "==" {
			left = eq
		} else {
			left = !eq
		}
	}
	return left, nil
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp {
		op := p.peek().text
		if op != "<" && op != "<=" && op != ">" && op != ">=" {
			break
		}
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		ln, lok := toNumber(left)
		rn, rok := toNumber(right)
		if !lok || !rok {
			return nil, fmt.Errorf("comparison %q needs numeric operands", op)
		}
		switch op {
		case "<":
			left = ln < rn
		case "<=":
			left = ln <= rn
		case ">":
			left = ln > rn
		case ">=":
			left = ln >= rn
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (any, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			// String concatenation when either side is a string.
			if ls, ok := left.(string); ok {
				left = ls + template.Stringify(right)
				continue
			}
			if rs, ok := right.(string); ok {
				left = template.Stringify(left) + rs
				continue
			}
		}
		ln, lok := toNumber(left)
		rn, rok := toNumber(right)
		if !lok || !rok {
			return nil, fmt.Errorf("arithmetic %q needs numeric operands", op)
		}
		if op == "+" {
			left = ln + rn
		} else {
			left = ln - rn
		}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		ln, lok := toNumber(left)
		rn, rok := toNumber(right)
		if !lok || !rok {
			return nil, fmt.Errorf("arithmetic %q needs numeric operands", op)
		}
		if op == "*" {
			left = ln * rn
		} else {
			if rn == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			left = ln / rn
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (any, error) {
	if p.acceptOp("!") {
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	if p.acceptOp("-") {
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("unary minus needs a numeric operand")
		}
		return -n, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return p.parsePostfix(n)
	case tokString:
		p.next()
		return p.parsePostfix(t.text)
	case tokIdent:
		return p.parseIdent()
	case tokOp:
		if t.text == "(" {
			p.next()
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return p.parsePostfix(v)
		}
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

func (p *parser) parseIdent() (any, error) {
	name := p.next().text
	switch name {
	case "true":
		return p.parsePostfix(true)
	case "false":
		return p.parsePostfix(false)
	case "null", "undefined":
		return p.parsePostfix(nil)
	case "Number":
		if err := p.expectOp("("); err != nil {
			return nil, err
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		n, ok := toNumber(arg)
		if !ok {
			n = 0
		}
		return p.parsePostfix(n)
	case "context":
		return p.parsePostfix(map[string]any(p.ctx))
	default:
		return nil, fmt.Errorf("unknown identifier %q", name)
	}
}

// parsePostfix handles member access, optional chaining, indexing, and the
// whitelisted string methods.
func (p *parser) parsePostfix(v any) (any, error) {
	for {
		switch {
		case p.acceptOp(".") || p.acceptOp("?."):
			if p.peek().kind != tokIdent {
				return nil, fmt.Errorf("expected member name after '.'")
			}
			name := p.next().text
			if p.acceptOp("(") {
				var err error
				v, err = p.callMethod(v, name)
				if err != nil {
					return nil, err
				}
				continue
			}
			v = member(v, name)
		case p.acceptOp("["):
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			v = index(v, idx)
		default:
			return v, nil
		}
	}
}

func (p *parser) callMethod(recv any, name string) (any, error) {
	var args []any
	if !p.acceptOp(")") {
		for {
			a, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.acceptOp(",") {
				continue
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			break
		}
	}

	s, isStr := recv.(string)
	switch name {
	case "toLowerCase":
		if !isStr || len(args) != 0 {
			return nil, fmt.Errorf("toLowerCase applies to strings and takes no arguments")
		}
		return strings.ToLower(s), nil
	case "includes":
		if len(args) != 1 {
			return nil, fmt.Errorf("includes takes one argument")
		}
		if isStr {
			return strings.Contains(s, template.Stringify(args[0])), nil
		}
		if arr, ok := recv.([]any); ok {
			for _, el := range arr {
				if looseEqual(el, args[0]) {
					return true, nil
				}
			}
			return false, nil
		}
		return nil, fmt.Errorf("includes applies to strings and arrays")
	default:
		return nil, fmt.Errorf("method %q is not allowed", name)
	}
}

// --- value helpers ---

func member(v any, name string) any {
	if m, ok := v.(map[string]any); ok {
		return m[name]
	}
	if s, ok := v.(string); ok && name == "length" {
		return float64(len(s))
	}
	if arr, ok := v.([]any); ok && name == "length" {
		return float64(len(arr))
	}
	return nil
}

func index(v, idx any) any {
	switch c := v.(type) {
	case []any:
		n, ok := toNumber(idx)
		if !ok {
			return nil
		}
		i := int(n)
		if i < 0 || i >= len(c) {
			return nil
		}
		return c[i]
	case map[string]any:
		if k, ok := idx.(string); ok {
			return c[k]
		}
	}
	return nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return true
	}
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		return an == bn
	}
	return template.Stringify(a) == template.Stringify(b)
}
