package blackboard

import (
	"math"
	"slices"
)

// Kind identifies the shape of a Value.
type Kind uint8

// Value kinds.
const (
	KindInvalid Kind = iota
	KindScalar
	KindVector
	KindString
	KindBool
	KindMap
)

var kindNames = map[Kind]string{
	KindInvalid: "invalid",
	KindScalar:  "scalar",
	KindVector:  "vector",
	KindString:  "string",
	KindBool:    "bool",
	KindMap:     "map",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func parseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindInvalid
}

// Value is a tagged union holding one blackboard entry. The zero Value is
// invalid and is never stored.
type Value struct {
	kind   Kind
	scalar float64
	vector []float64
	str    string
	flag   bool
	nested *Blackboard
}

// Scalar wraps a float64.
func Scalar(f float64) Value {
	return Value{kind: KindScalar, scalar: f}
}

// Vector wraps a copy of xs.
func Vector(xs ...float64) Value {
	v := make([]float64, len(xs))
	copy(v, xs)
	return Value{kind: KindVector, vector: v}
}

// String wraps s.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Bool wraps b.
func Bool(b bool) Value {
	return Value{kind: KindBool, flag: b}
}

// Map wraps a nested blackboard. A nil board is stored as an empty one.
func Map(b *Blackboard) Value {
	if b == nil {
		b = New()
	}
	return Value{kind: KindMap, nested: b}
}

// Kind reports the shape of v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds anything.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsScalar returns the scalar held by v.
func (v Value) AsScalar() (float64, bool) {
	return v.scalar, v.kind == KindScalar
}

// AsVector returns a copy of the vector held by v.
func (v Value) AsVector() ([]float64, bool) {
	if v.kind != KindVector {
		return nil, false
	}
	return slices.Clone(v.vector), true
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsBool returns the bool held by v.
func (v Value) AsBool() (bool, bool) {
	return v.flag, v.kind == KindBool
}

// AsMap returns the nested blackboard held by v. The board is shared, not copied.
func (v Value) AsMap() (*Blackboard, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.nested, true
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindVector:
		return Vector(v.vector...)
	case KindMap:
		return Map(v.nested.Clone())
	default:
		return v
	}
}

// Equal reports whether v and o hold the same kind and bit-identical contents.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindScalar:
		return math.Float64bits(v.scalar) == math.Float64bits(o.scalar)
	case KindVector:
		if len(v.vector) != len(o.vector) {
			return false
		}
		for i := range v.vector {
			if math.Float64bits(v.vector[i]) != math.Float64bits(o.vector[i]) {
				return false
			}
		}
		return true
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.flag == o.flag
	case KindMap:
		return v.nested.Equal(o.nested)
	default:
		return true
	}
}
