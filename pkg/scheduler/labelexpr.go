package scheduler

import (
	"fmt"
	"strings"
)

// Expr is a parsed label expression evaluated against a label set
type Expr interface {
	Eval(have map[string]struct{}) bool
}

type orExpr struct{ terms []Expr }

func (e *orExpr) Eval(have map[string]struct{}) bool {
	for _, t := range e.terms {
		if t.Eval(have) {
			return true
		}
	}
	return false
}

type andExpr struct{ terms []Expr }

func (e *andExpr) Eval(have map[string]struct{}) bool {
	for _, t := range e.terms {
		if !t.Eval(have) {
			return false
		}
	}
	return true
}

type notExpr struct{ inner Expr }

func (e *notExpr) Eval(have map[string]struct{}) bool {
	return !e.inner.Eval(have)
}

type labelExpr struct{ name string }

func (e *labelExpr) Eval(have map[string]struct{}) bool {
	_, ok := have[e.name]
	return ok
}

// ParseExpr parses a label expression. Grammar, loosest binding first:
//
//	expr  := and ( '||' and )*
//	and   := unary ( '&&' unary )*
//	unary := '!' unary | '(' expr ')' | label
//
// A bare label is the degenerate expression "label is present".
func ParseExpr(s string) (Expr, error) {
	p := &exprParser{input: s}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected %q at offset %d in %q", p.input[p.pos:], p.pos, s)
	}
	return expr, nil
}

// MatchLabels reports whether every expression in exprs holds against the
// label set. An empty exprs slice matches everything.
func MatchLabels(exprs []string, labels []string) (bool, error) {
	if len(exprs) == 0 {
		return true, nil
	}
	have := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		have[l] = struct{}{}
	}
	for _, raw := range exprs {
		expr, err := ParseExpr(raw)
		if err != nil {
			return false, err
		}
		if !expr.Eval(have) {
			return false, nil
		}
	}
	return true, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) consume(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *exprParser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.consume("||") {
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &orExpr{terms: terms}, nil
}

func (p *exprParser) parseAnd() (Expr, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.consume("&&") {
		next, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &andExpr{terms: terms}, nil
}

func (p *exprParser) parseUnary() (Expr, error) {
	if p.consume("!") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	if p.consume("(") {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.consume(")") {
			return nil, fmt.Errorf("missing ) in %q", p.input)
		}
		return inner, nil
	}
	return p.parseLabel()
}

func isLabelChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == ':' || c == '/':
		return true
	}
	return false
}

func (p *exprParser) parseLabel() (Expr, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && isLabelChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return nil, fmt.Errorf("expected label at offset %d in %q", p.pos, p.input)
	}
	return &labelExpr{name: p.input[start:p.pos]}, nil
}
