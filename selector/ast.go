package selector

import (
	"strings"

	"github.com/gobwas/glob"
)

// tri is SQL three-valued logic: a comparison involving an absent or
// ill-typed operand is unknown rather than false.
type tri int8

const (
	triFalse tri = iota
	triTrue
	triUnknown
)

func triOf(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

func (t tri) not() tri {
	switch t {
	case triTrue:
		return triFalse
	case triFalse:
		return triTrue
	default:
		return triUnknown
	}
}

// Expr is a compiled boolean selector expression. The set of
// implementations is closed to this package.
type Expr interface {
	eval(p Properties) tri
	String() string
}

// operand produces a value for comparisons.
type operand interface {
	value(p Properties) Value
	String() string
}

type identOperand struct{ name string }

func (o identOperand) value(p Properties) Value {
	if p == nil {
		return Value{}
	}
	v, ok := p.Property(o.name)
	if !ok {
		return Value{}
	}
	return v
}

func (o identOperand) String() string { return o.name }

type literalOperand struct{ v Value }

func (o literalOperand) value(Properties) Value { return o.v }

func (o literalOperand) String() string {
	if o.v.Kind == KindString {
		return "'" + strings.ReplaceAll(o.v.S, "'", "''") + "'"
	}
	return o.v.String()
}

type andExpr struct{ l, r Expr }

func (e andExpr) eval(p Properties) tri {
	l := e.l.eval(p)
	if l == triFalse {
		return triFalse
	}
	r := e.r.eval(p)
	if r == triFalse {
		return triFalse
	}
	if l == triTrue && r == triTrue {
		return triTrue
	}
	return triUnknown
}

func (e andExpr) String() string { return "(" + e.l.String() + " AND " + e.r.String() + ")" }

type orExpr struct{ l, r Expr }

func (e orExpr) eval(p Properties) tri {
	l := e.l.eval(p)
	if l == triTrue {
		return triTrue
	}
	r := e.r.eval(p)
	if r == triTrue {
		return triTrue
	}
	if l == triFalse && r == triFalse {
		return triFalse
	}
	return triUnknown
}

func (e orExpr) String() string { return "(" + e.l.String() + " OR " + e.r.String() + ")" }

type notExpr struct{ x Expr }

func (e notExpr) eval(p Properties) tri { return e.x.eval(p).not() }

func (e notExpr) String() string { return "NOT " + e.x.String() }

type boolLiteral struct{ b bool }

func (e boolLiteral) eval(Properties) tri { return triOf(e.b) }

func (e boolLiteral) String() string {
	if e.b {
		return "TRUE"
	}
	return "FALSE"
}

// boolIdent is a bare identifier used as a condition.
type boolIdent struct{ name string }

func (e boolIdent) eval(p Properties) tri {
	v := identOperand{e.name}.value(p)
	if v.Kind != KindBool {
		return triUnknown
	}
	return triOf(v.B)
}

func (e boolIdent) String() string { return e.name }

type compareExpr struct {
	op   string
	l, r operand
}

func (e compareExpr) eval(p Properties) tri {
	return compare(e.op, e.l.value(p), e.r.value(p))
}

func (e compareExpr) String() string { return e.l.String() + " " + e.op + " " + e.r.String() }

func compare(op string, a, b Value) tri {
	if a.IsAbsent() || b.IsAbsent() {
		return triUnknown
	}

	switch {
	case a.isNumeric() && b.isNumeric():
		var c int
		if a.Kind == KindInt && b.Kind == KindInt {
			c = cmpOrdered(a.I, b.I)
		} else {
			c = cmpOrdered(a.float(), b.float())
		}
		return applyOrder(op, c)
	case a.Kind == KindString && b.Kind == KindString:
		return applyEquality(op, a.S == b.S)
	case a.Kind == KindBool && b.Kind == KindBool:
		return applyEquality(op, a.B == b.B)
	}
	return triUnknown
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func applyOrder(op string, c int) tri {
	switch op {
	case "=":
		return triOf(c == 0)
	case "<>":
		return triOf(c != 0)
	case "<":
		return triOf(c < 0)
	case "<=":
		return triOf(c <= 0)
	case ">":
		return triOf(c > 0)
	case ">=":
		return triOf(c >= 0)
	}
	return triUnknown
}

// applyEquality handles strings and booleans, which only support = and <>.
func applyEquality(op string, eq bool) tri {
	switch op {
	case "=":
		return triOf(eq)
	case "<>":
		return triOf(!eq)
	}
	return triUnknown
}

type isNullExpr struct {
	name   string
	negate bool
}

func (e isNullExpr) eval(p Properties) tri {
	absent := identOperand{e.name}.value(p).IsAbsent()
	return triOf(absent != e.negate)
}

func (e isNullExpr) String() string {
	if e.negate {
		return e.name + " IS NOT NULL"
	}
	return e.name + " IS NULL"
}

type likeExpr struct {
	name    string
	pattern string
	matcher glob.Glob
	negate  bool
}

func (e likeExpr) eval(p Properties) tri {
	v := identOperand{e.name}.value(p)
	if v.Kind != KindString {
		return triUnknown
	}
	m := e.matcher.Match(v.S)
	return triOf(m != e.negate)
}

func (e likeExpr) String() string {
	op := " LIKE "
	if e.negate {
		op = " NOT LIKE "
	}
	return e.name + op + literalOperand{String(e.pattern)}.String()
}

type inExpr struct {
	name   string
	set    []string
	negate bool
}

func (e inExpr) eval(p Properties) tri {
	v := identOperand{e.name}.value(p)
	if v.Kind != KindString {
		return triUnknown
	}
	found := false
	for _, s := range e.set {
		if s == v.S {
			found = true
			break
		}
	}
	return triOf(found != e.negate)
}

func (e inExpr) String() string {
	parts := make([]string, len(e.set))
	for i, s := range e.set {
		parts[i] = literalOperand{String(s)}.String()
	}
	op := " IN ("
	if e.negate {
		op = " NOT IN ("
	}
	return e.name + op + strings.Join(parts, ", ") + ")"
}

type betweenExpr struct {
	x, lo, hi operand
	negate    bool
}

func (e betweenExpr) eval(p Properties) tri {
	v := e.x.value(p)
	r := andExpr{
		l: constTri(compare(">=", v, e.lo.value(p))),
		r: constTri(compare("<=", v, e.hi.value(p))),
	}.eval(p)
	if e.negate {
		return r.not()
	}
	return r
}

func (e betweenExpr) String() string {
	op := " BETWEEN "
	if e.negate {
		op = " NOT BETWEEN "
	}
	return e.x.String() + op + e.lo.String() + " AND " + e.hi.String()
}

type constTri tri

func (c constTri) eval(Properties) tri { return tri(c) }
func (c constTri) String() string      { return "?" }

// Matches reports whether props satisfy expr. A nil expr matches everything;
// an expression that evaluates to unknown does not match.
func Matches(props Properties, expr Expr) bool {
	if expr == nil {
		return true
	}
	return expr.eval(props) == triTrue
}
