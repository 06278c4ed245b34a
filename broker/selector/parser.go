package selector

import (
	"fmt"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokKeyword
)

type token struct {
	kind tokKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "TRUE": true, "FALSE": true,
	"IS": true, "NULL": true, "IN": true, "LIKE": true,
}

func lex(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '=':
			toks = append(toks, token{tokOp, "=", i})
			i++
		case r == '<' || r == '>':
			op := string(r)
			if i+1 < len(rs) && (rs[i+1] == '=' || (r == '<' && rs[i+1] == '>')) {
				op += string(rs[i+1])
			}
			toks = append(toks, token{tokOp, op, i})
			i += len(op)
		case r == '\'':
			start := i
			var sb strings.Builder
			i++
			for {
				if i >= len(rs) {
					return nil, fmt.Errorf("selector: unterminated string at offset %d", start)
				}
				if rs[i] == '\'' {
					if i+1 < len(rs) && rs[i+1] == '\'' {
						sb.WriteRune('\'')
						i += 2
						continue
					}
					i++
					break
				}
				sb.WriteRune(rs[i])
				i++
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])) || r == '.':
			start := i
			i++
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E') {
				i++
			}
			toks = append(toks, token{tokNumber, string(rs[start:i]), start})
		case unicode.IsLetter(r) || r == '_' || r == '$':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_' || rs[i] == '$' || rs[i] == '.') {
				i++
			}
			text := string(rs[start:i])
			if keywords[strings.ToUpper(text)] {
				toks = append(toks, token{tokKeyword, strings.ToUpper(text), start})
			} else {
				toks = append(toks, token{tokIdent, text, start})
			}
		default:
			return nil, fmt.Errorf("selector: unexpected character %q at offset %d", r, i)
		}
	}
	return append(toks, token{tokEOF, "", len(rs)}), nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(k string) bool {
	if t := p.peek(); t.kind == tokKeyword && t.text == k {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{op: "OR", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logical{op: "AND", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (expr, error) {
	if p.keyword("NOT") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return not{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if t := p.peek(); t.kind == tokOp {
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compare{op: t.text, left: left, right: right}, nil
	}

	if p.keyword("IS") {
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, fmt.Errorf("selector: expected NULL at offset %d", p.peek().pos)
		}
		return isNull{inner: left, negate: negate}, nil
	}

	negate := p.keyword("NOT")
	switch {
	case p.keyword("IN"):
		return p.parseIn(left, negate)
	case p.keyword("LIKE"):
		t := p.next()
		if t.kind != tokString {
			return nil, fmt.Errorf("selector: LIKE expects a string at offset %d", t.pos)
		}
		re, err := likePattern(t.text)
		if err != nil {
			return nil, err
		}
		return like{inner: left, pattern: re, negate: negate}, nil
	case negate:
		return nil, fmt.Errorf("selector: expected IN or LIKE after NOT at offset %d", p.peek().pos)
	}
	return left, nil
}

func (p *parser) parseIn(left expr, negate bool) (expr, error) {
	if t := p.next(); t.kind != tokLParen {
		return nil, fmt.Errorf("selector: IN expects '(' at offset %d", t.pos)
	}
	var values []expr
	for {
		v, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		t := p.next()
		if t.kind == tokRParen {
			break
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("selector: expected ',' or ')' at offset %d", t.pos)
		}
	}
	return in{inner: left, values: values, negate: negate}, nil
}

func (p *parser) parseOperand() (expr, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return ident{name: t.text}, nil
	case tokString:
		return literal{v: t.text}, nil
	case tokNumber:
		n, err := parseNumber(t.text)
		if err != nil {
			return nil, fmt.Errorf("selector: bad number %q at offset %d", t.text, t.pos)
		}
		return literal{v: n}, nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			return literal{v: true}, nil
		case "FALSE":
			return literal{v: false}, nil
		case "NULL":
			return literal{v: nil}, nil
		}
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if r := p.next(); r.kind != tokRParen {
			return nil, fmt.Errorf("selector: expected ')' at offset %d", r.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("selector: unexpected end of expression")
	}
	return nil, fmt.Errorf("selector: unexpected %q at offset %d", t.text, t.pos)
}
