// Package blackboard implements the ordered, typed key-value store shared
// between a sample body and the algorithm that submitted it.
//
// A Blackboard is not safe for concurrent use. The engine hands write access
// to exactly one party at a time (the body while a sample runs, the caller
// while it waits), so no locking is done here.
package blackboard

import "slices"

// Blackboard maps string keys to typed values and remembers insertion order.
type Blackboard struct {
	keys []string
	vals map[string]Value
}

// New returns an empty blackboard.
func New() *Blackboard {
	return &Blackboard{vals: make(map[string]Value)}
}

// Set stores v under key. Writing an unknown key creates it at the end of the
// key order; overwriting keeps the original position. Invalid values are ignored.
func (b *Blackboard) Set(key string, v Value) {
	if !v.IsValid() {
		return
	}
	if _, ok := b.vals[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.vals[key] = v
}

// Delete removes key. Deleting an unknown key is a no-op.
func (b *Blackboard) Delete(key string) {
	if _, ok := b.vals[key]; !ok {
		return
	}
	delete(b.vals, key)
	if i := slices.Index(b.keys, key); i >= 0 {
		b.keys = slices.Delete(b.keys, i, i+1)
	}
}

// Has reports whether key is set.
func (b *Blackboard) Has(key string) bool {
	_, ok := b.vals[key]
	return ok
}

// Lookup returns the value under key without raising MissingKeyError.
func (b *Blackboard) Lookup(key string) (Value, bool) {
	v, ok := b.vals[key]
	return v, ok
}

// Get returns the value under key.
func (b *Blackboard) Get(key string) (Value, error) {
	v, ok := b.vals[key]
	if !ok {
		return Value{}, &MissingKeyError{Key: key}
	}
	return v, nil
}

func (b *Blackboard) expect(key string, want Kind) (Value, error) {
	v, err := b.Get(key)
	if err != nil {
		return Value{}, err
	}
	if v.kind != want {
		return Value{}, &TypeMismatchError{Key: key, Want: want, Got: v.kind}
	}
	return v, nil
}

// Scalar reads key as a float64.
func (b *Blackboard) Scalar(key string) (float64, error) {
	v, err := b.expect(key, KindScalar)
	if err != nil {
		return 0, err
	}
	return v.scalar, nil
}

// Vector reads key as a vector. The returned slice is a copy.
func (b *Blackboard) Vector(key string) ([]float64, error) {
	v, err := b.expect(key, KindVector)
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.vector), nil
}

// String reads key as a string.
func (b *Blackboard) String(key string) (string, error) {
	v, err := b.expect(key, KindString)
	if err != nil {
		return "", err
	}
	return v.str, nil
}

// Bool reads key as a bool.
func (b *Blackboard) Bool(key string) (bool, error) {
	v, err := b.expect(key, KindBool)
	if err != nil {
		return false, err
	}
	return v.flag, nil
}

// Map reads key as a nested blackboard. The nested board is shared.
func (b *Blackboard) Map(key string) (*Blackboard, error) {
	v, err := b.expect(key, KindMap)
	if err != nil {
		return nil, err
	}
	return v.nested, nil
}

// Keys returns the keys in insertion order.
func (b *Blackboard) Keys() []string {
	if b == nil {
		return nil
	}
	return slices.Clone(b.keys)
}

// Len returns the number of keys.
func (b *Blackboard) Len() int {
	if b == nil {
		return 0
	}
	return len(b.keys)
}

// Clone returns a deep copy of b. Cloning nil yields an empty board.
func (b *Blackboard) Clone() *Blackboard {
	out := New()
	if b == nil {
		return out
	}
	out.keys = slices.Clone(b.keys)
	for k, v := range b.vals {
		out.vals[k] = v.Clone()
	}
	return out
}

// Merge copies every entry of src into b, in src's key order.
func (b *Blackboard) Merge(src *Blackboard) {
	if src == nil {
		return
	}
	for _, k := range src.keys {
		b.Set(k, src.vals[k].Clone())
	}
}

// Equal reports whether both boards hold the same keys, in the same order,
// with equal values.
func (b *Blackboard) Equal(o *Blackboard) bool {
	if b.Len() != o.Len() {
		return false
	}
	if b.Len() == 0 {
		return true
	}
	for i, k := range b.keys {
		if o.keys[i] != k {
			return false
		}
		if !b.vals[k].Equal(o.vals[k]) {
			return false
		}
	}
	return true
}
