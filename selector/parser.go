package selector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// Error reports a selector that failed to parse or type-check.
type Error struct {
	Selector string
	Pos      int
	Msg      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid selector %q at position %d: %s", e.Selector, e.Pos, e.Msg)
}

// Parse compiles selector text. Empty or blank text yields a nil Expr,
// which matches every message.
func Parse(text string) (Expr, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	lx := &lexer{src: text}
	toks, err := lx.tokens()
	if err != nil {
		return nil, err
	}

	p := &parser{src: text, toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %q", tok.text)
	}
	return expr, nil
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) accept(kind tokenKind) bool {
	if p.peek().kind == kind {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.peek()
	if tok.kind != kind {
		return tok, p.errorf(tok, "expected %s", what)
	}
	return p.advance(), nil
}

func (p *parser) errorf(tok token, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	if tok.kind == tokEOF {
		msg += " at end of input"
	}
	return &Error{Selector: p.src, Pos: tok.pos, Msg: msg}
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOr) {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept(tokAnd) {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andExpr{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.accept(tokNot) {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notExpr{x: x}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Expr, error) {
	tok := p.peek()

	if tok.kind == tokLParen {
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	if (tok.kind == tokTrue || tok.kind == tokFalse) && !isComparison(p.peekAt(1)) {
		p.advance()
		return boolLiteral{b: tok.kind == tokTrue}, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	next := p.peek()
	switch {
	case isComparison(next):
		p.advance()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if err := p.checkComparison(next, left, right); err != nil {
			return nil, err
		}
		return compareExpr{op: next.text, l: left, r: right}, nil
	case next.kind == tokIs:
		return p.parseIsNull(tok, left)
	case next.kind == tokNot || next.kind == tokLike || next.kind == tokIn || next.kind == tokBetween:
		return p.parseNegatable(tok, left)
	}

	if id, ok := left.(identOperand); ok {
		return boolIdent{name: id.name}, nil
	}
	return nil, p.errorf(next, "expected comparison after %s", left.String())
}

func isComparison(tok token) bool {
	if tok.kind != tokOp {
		return false
	}
	switch tok.text {
	case "=", "<>", "<", "<=", ">", ">=":
		return true
	}
	return false
}

// checkComparison rejects comparisons whose literal operands can never be
// well typed, e.g. ordering on strings.
func (p *parser) checkComparison(op token, left, right operand) error {
	for _, o := range []operand{left, right} {
		lit, ok := o.(literalOperand)
		if !ok {
			continue
		}
		if (lit.v.Kind == KindString || lit.v.Kind == KindBool) && op.text != "=" && op.text != "<>" {
			return p.errorf(op, "operator %s is not defined for %s", op.text, lit.v.Kind)
		}
	}

	l, lok := left.(literalOperand)
	r, rok := right.(literalOperand)
	if lok && rok && l.v.Kind != r.v.Kind && !(l.v.isNumeric() && r.v.isNumeric()) {
		return p.errorf(op, "cannot compare %s with %s", l.v.Kind, r.v.Kind)
	}
	return nil
}

func (p *parser) parseOperand() (operand, error) {
	tok := p.advance()
	switch tok.kind {
	case tokIdent:
		return identOperand{name: tok.text}, nil
	case tokString:
		return literalOperand{v: String(tok.text)}, nil
	case tokTrue:
		return literalOperand{v: Bool(true)}, nil
	case tokFalse:
		return literalOperand{v: Bool(false)}, nil
	case tokInt, tokFloat:
		return p.number(tok, false)
	case tokOp:
		if tok.text == "-" || tok.text == "+" {
			num := p.advance()
			if num.kind != tokInt && num.kind != tokFloat {
				return nil, p.errorf(num, "expected number after %s", tok.text)
			}
			return p.number(num, tok.text == "-")
		}
	case tokNull:
		return nil, p.errorf(tok, "NULL is only valid with IS [NOT] NULL")
	}
	if tok.kind == tokEOF {
		return nil, p.errorf(tok, "expected operand")
	}
	return nil, p.errorf(tok, "unexpected %q", tok.text)
}

func (p *parser) number(tok token, negative bool) (operand, error) {
	text := tok.text
	if negative {
		text = "-" + text
	}
	if tok.kind == tokInt {
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, p.errorf(tok, "integer out of range")
		}
		return literalOperand{v: Int(i)}, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, p.errorf(tok, "malformed number")
	}
	return literalOperand{v: Float(f)}, nil
}

func (p *parser) parseIsNull(start token, left operand) (Expr, error) {
	p.advance()
	id, ok := left.(identOperand)
	if !ok {
		return nil, p.errorf(start, "IS NULL requires a property name")
	}
	negate := p.accept(tokNot)
	if _, err := p.expect(tokNull, "NULL"); err != nil {
		return nil, err
	}
	return isNullExpr{name: id.name, negate: negate}, nil
}

func (p *parser) parseNegatable(start token, left operand) (Expr, error) {
	negate := p.accept(tokNot)
	op := p.advance()

	switch op.kind {
	case tokLike:
		id, ok := left.(identOperand)
		if !ok {
			return nil, p.errorf(start, "LIKE requires a property name")
		}
		pat, err := p.expect(tokString, "pattern string")
		if err != nil {
			return nil, err
		}
		var escape rune
		if p.accept(tokEscape) {
			esc, err := p.expect(tokString, "escape character")
			if err != nil {
				return nil, err
			}
			r := []rune(esc.text)
			if len(r) != 1 {
				return nil, p.errorf(esc, "escape must be a single character")
			}
			escape = r[0]
		}
		g, err := compileLike(pat.text, escape)
		if err != nil {
			return nil, p.errorf(pat, "bad LIKE pattern: %v", err)
		}
		return likeExpr{name: id.name, pattern: pat.text, matcher: g, negate: negate}, nil

	case tokIn:
		id, ok := left.(identOperand)
		if !ok {
			return nil, p.errorf(start, "IN requires a property name")
		}
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		var set []string
		for {
			s, err := p.expect(tokString, "string literal")
			if err != nil {
				return nil, err
			}
			set = append(set, s.text)
			if !p.accept(tokComma) {
				break
			}
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inExpr{name: id.name, set: set, negate: negate}, nil

	case tokBetween:
		lo, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokAnd, "AND"); err != nil {
			return nil, err
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		for _, o := range []operand{left, lo, hi} {
			if lit, ok := o.(literalOperand); ok && !lit.v.isNumeric() {
				return nil, p.errorf(op, "BETWEEN requires numeric bounds")
			}
		}
		return betweenExpr{x: left, lo: lo, hi: hi, negate: negate}, nil
	}

	return nil, p.errorf(op, "expected LIKE, IN or BETWEEN")
}

// compileLike translates a LIKE pattern into a glob: % is any run of
// characters, _ is exactly one, and the escape character quotes the next one.
func compileLike(pattern string, escape rune) (glob.Glob, error) {
	var sb strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case escape != 0 && c == escape:
			i++
			if i >= len(runes) {
				return nil, fmt.Errorf("dangling escape")
			}
			sb.WriteString(glob.QuoteMeta(string(runes[i])))
		case c == '%':
			sb.WriteByte('*')
		case c == '_':
			sb.WriteByte('?')
		default:
			sb.WriteString(glob.QuoteMeta(string(c)))
		}
	}
	return glob.Compile(sb.String())
}
