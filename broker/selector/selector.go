// Package selector parses and evaluates JMS-style message selectors.
//
// Supported grammar: comparisons (=, <>, <, >, <=, >=), AND, OR, NOT,
// parentheses, IS [NOT] NULL, [NOT] IN (...), [NOT] LIKE '...', string
// literals with '' escaping, numbers, TRUE and FALSE. Identifiers resolve
// through a Fields lookup; an unknown identifier is NULL and every
// comparison against NULL is false.
package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Fields resolves identifiers used in a selector.
type Fields interface {
	Lookup(name string) (any, bool)
}

// Selector is a parsed selector expression.
type Selector struct {
	source string
	root   expr
}

// Parse compiles expression. An empty expression matches every message.
func Parse(expression string) (*Selector, error) {
	s := &Selector{source: expression}
	if strings.TrimSpace(expression) == "" {
		return s, nil
	}
	toks, err := lex(expression)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("selector: unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	s.root = root
	return s, nil
}

// MustParse is like Parse but panics on error.
func MustParse(expression string) *Selector {
	s, err := Parse(expression)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string {
	return s.source
}

// Matches evaluates the selector against f.
func (s *Selector) Matches(f Fields) bool {
	if s == nil || s.root == nil {
		return true
	}
	b, ok := s.root.eval(f).(bool)
	return ok && b
}

// Quote returns v as a selector string literal.
func Quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

type expr interface {
	eval(f Fields) any
}

type literal struct{ v any }

func (l literal) eval(Fields) any { return l.v }

type ident struct{ name string }

func (i ident) eval(f Fields) any {
	v, ok := f.Lookup(i.name)
	if !ok {
		return nil
	}
	return normalize(v)
}

type logical struct {
	op          string
	left, right expr
}

func (l logical) eval(f Fields) any {
	lv, _ := l.left.eval(f).(bool)
	if l.op == "AND" {
		if !lv {
			return false
		}
		rv, _ := l.right.eval(f).(bool)
		return rv
	}
	if lv {
		return true
	}
	rv, _ := l.right.eval(f).(bool)
	return rv
}

type not struct{ inner expr }

func (n not) eval(f Fields) any {
	v, ok := n.inner.eval(f).(bool)
	if !ok {
		return nil
	}
	return !v
}

type compare struct {
	op          string
	left, right expr
}

func (c compare) eval(f Fields) any {
	return compareValues(c.op, c.left.eval(f), c.right.eval(f))
}

type isNull struct {
	inner  expr
	negate bool
}

func (n isNull) eval(f Fields) any {
	return (n.inner.eval(f) == nil) != n.negate
}

type in struct {
	inner  expr
	values []expr
	negate bool
}

func (n in) eval(f Fields) any {
	v := n.inner.eval(f)
	if v == nil {
		return nil
	}
	for _, e := range n.values {
		if b, _ := compareValues("=", v, e.eval(f)).(bool); b {
			return !n.negate
		}
	}
	return n.negate
}

type like struct {
	inner   expr
	pattern *regexp.Regexp
	negate  bool
}

func (l like) eval(f Fields) any {
	s, ok := l.inner.eval(f).(string)
	if !ok {
		return nil
	}
	return l.pattern.MatchString(s) != l.negate
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint8:
		return float64(n)
	case float32:
		return float64(n)
	case float64, string, bool:
		return v
	}
	return fmt.Sprint(v)
}

func compareValues(op string, a, b any) any {
	if a == nil || b == nil {
		return nil
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return false
		}
		switch op {
		case "=":
			return av == bv
		case "<>":
			return av != bv
		case "<":
			return av < bv
		case ">":
			return av > bv
		case "<=":
			return av <= bv
		case ">=":
			return av >= bv
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return false
		}
		switch op {
		case "=":
			return av == bv
		case "<>":
			return av != bv
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return false
		}
		switch op {
		case "=":
			return av == bv
		case "<>":
			return av != bv
		}
	}
	return false
}

func likePattern(p string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range p {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

func parseNumber(text string) (float64, error) {
	return strconv.ParseFloat(text, 64)
}
