package selector

import (
	"strconv"
)

// Kind identifies the type carried by a Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindString
	KindBool
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "absent"
	}
}

// Value is a typed message property value. The zero Value is absent.
type Value struct {
	Kind Kind    `msgpack:"k"`
	S    string  `msgpack:"s,omitempty"`
	B    bool    `msgpack:"b,omitempty"`
	I    int64   `msgpack:"i,omitempty"`
	F    float64 `msgpack:"f,omitempty"`
}

func String(s string) Value { return Value{Kind: KindString, S: s} }
func Bool(b bool) Value     { return Value{Kind: KindBool, B: b} }
func Int(i int64) Value     { return Value{Kind: KindInt, I: i} }
func Float(f float64) Value { return Value{Kind: KindFloat, F: f} }

// IsAbsent reports whether v carries no value.
func (v Value) IsAbsent() bool { return v.Kind == KindAbsent }

func (v Value) isNumeric() bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

func (v Value) float() float64 {
	if v.Kind == KindInt {
		return float64(v.I)
	}
	return v.F
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.S)
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	default:
		return "NULL"
	}
}

// Interface returns the Go value held by v, or nil when absent.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindString:
		return v.S
	case KindBool:
		return v.B
	case KindInt:
		return v.I
	case KindFloat:
		return v.F
	default:
		return nil
	}
}

// Properties exposes named values to the evaluator.
type Properties interface {
	Property(name string) (Value, bool)
}

// Map is a Properties backed by a plain map.
type Map map[string]Value

func (m Map) Property(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}
