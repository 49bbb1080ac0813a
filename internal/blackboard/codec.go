package blackboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	cbor "github.com/fxamacker/cbor/v2"
)

// Floats are written at full width with NaN payloads untouched so that a
// value read back after a round trip is bit-identical to the one written.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCoreDeterministic,
		ShortestFloat: cbor.ShortestFloatNone,
		NaNConvert:    cbor.NaNConvertNone,
		InfConvert:    cbor.InfConvertNone,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("blackboard: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{MaxNestedLevels: 256}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("blackboard: cbor dec mode: %v", err))
	}
}

// wireEntry is the self-describing form of one key. Every value carries its
// kind name so the receiving side can validate shapes without a schema.
type wireEntry struct {
	Key   string    `cbor:"k"`
	Value wireValue `cbor:"v"`
}

type wireValue struct {
	Kind   string      `cbor:"t"`
	Scalar float64     `cbor:"s"`
	Vector []float64   `cbor:"a,omitempty"`
	String string      `cbor:"x,omitempty"`
	Bool   bool        `cbor:"b,omitempty"`
	Map    []wireEntry `cbor:"m,omitempty"`
}

func (b *Blackboard) toWire() []wireEntry {
	entries := make([]wireEntry, 0, b.Len())
	if b == nil {
		return entries
	}
	for _, k := range b.keys {
		v := b.vals[k]
		wv := wireValue{Kind: v.kind.String()}
		switch v.kind {
		case KindScalar:
			wv.Scalar = v.scalar
		case KindVector:
			wv.Vector = v.vector
		case KindString:
			wv.String = v.str
		case KindBool:
			wv.Bool = v.flag
		case KindMap:
			wv.Map = v.nested.toWire()
		}
		entries = append(entries, wireEntry{Key: k, Value: wv})
	}
	return entries
}

func fromWire(entries []wireEntry) (*Blackboard, error) {
	b := New()
	for _, e := range entries {
		switch parseKind(e.Value.Kind) {
		case KindScalar:
			b.Set(e.Key, Scalar(e.Value.Scalar))
		case KindVector:
			b.Set(e.Key, Vector(e.Value.Vector...))
		case KindString:
			b.Set(e.Key, String(e.Value.String))
		case KindBool:
			b.Set(e.Key, Bool(e.Value.Bool))
		case KindMap:
			nested, err := fromWire(e.Value.Map)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", e.Key, err)
			}
			b.Set(e.Key, Map(nested))
		default:
			return nil, fmt.Errorf("key %q: unknown value kind %q", e.Key, e.Value.Kind)
		}
	}
	return b, nil
}

// MarshalCBOR encodes b as an ordered array of self-describing entries.
func (b *Blackboard) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(b.toWire())
}

// UnmarshalCBOR replaces the contents of b with the decoded entries.
func (b *Blackboard) UnmarshalCBOR(data []byte) error {
	var entries []wireEntry
	if err := decMode.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode blackboard: %w", err)
	}
	decoded, err := fromWire(entries)
	if err != nil {
		return fmt.Errorf("decode blackboard: %w", err)
	}
	*b = *decoded
	return nil
}

// Encode serializes b to CBOR.
func Encode(b *Blackboard) ([]byte, error) {
	return b.MarshalCBOR()
}

// Decode parses CBOR produced by Encode.
func Decode(data []byte) (*Blackboard, error) {
	b := New()
	if err := b.UnmarshalCBOR(data); err != nil {
		return nil, err
	}
	return b, nil
}

// MarshalJSON renders b as a plain JSON object in key order. Non-finite
// scalars are rendered as the strings "NaN", "+Inf" and "-Inf", which
// FromJSON reads back as scalars.
func (b *Blackboard) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Blackboard) writeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, k := range b.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := b.vals[k].writeJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindScalar:
		writeJSONFloat(buf, v.scalar)
	case KindVector:
		buf.WriteByte('[')
		for i, f := range v.vector {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONFloat(buf, f)
		}
		buf.WriteByte(']')
	case KindString:
		s, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(s)
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.flag))
	case KindMap:
		return v.nested.writeJSON(buf)
	default:
		buf.WriteString("null")
	}
	return nil
}

func writeJSONFloat(buf *bytes.Buffer, f float64) {
	switch {
	case math.IsNaN(f):
		buf.WriteString(`"NaN"`)
	case math.IsInf(f, 1):
		buf.WriteString(`"+Inf"`)
	case math.IsInf(f, -1):
		buf.WriteString(`"-Inf"`)
	default:
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
}

// UnmarshalJSON parses a JSON object, keeping key order. Numbers become
// scalars, arrays of numbers become vectors and objects become nested boards.
func (b *Blackboard) UnmarshalJSON(data []byte) error {
	decoded, err := FromJSON(data)
	if err != nil {
		return err
	}
	*b = *decoded
	return nil
}

// FromJSON parses a JSON object into a blackboard.
func FromJSON(data []byte) (*Blackboard, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse blackboard json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parse blackboard json: expected object")
	}
	b, err := readObject(dec)
	if err != nil {
		return nil, fmt.Errorf("parse blackboard json: %w", err)
	}
	return b, nil
}

// readObject reads key/value pairs after an opening '{' up to its closing '}'.
func readObject(dec *json.Decoder) (*Blackboard, error) {
	b := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		v, err := readValue(dec)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		b.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return b, nil
}

func readValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			nested, err := readObject(dec)
			if err != nil {
				return Value{}, err
			}
			return Map(nested), nil
		case '[':
			var xs []float64
			for dec.More() {
				el, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				var f float64
				switch e := el.(type) {
				case json.Number:
					if f, err = e.Float64(); err != nil {
						return Value{}, err
					}
				case string:
					var ok bool
					if f, ok = nonFinite(e); !ok {
						return Value{}, fmt.Errorf("vector elements must be numbers, got %q", e)
					}
				default:
					return Value{}, fmt.Errorf("vector elements must be numbers, got %v", el)
				}
				xs = append(xs, f)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Vector(xs...), nil
		}
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Scalar(f), nil
	case string:
		if f, ok := nonFinite(t); ok {
			return Scalar(f), nil
		}
		return String(t), nil
	case bool:
		return Bool(t), nil
	}
	return Value{}, fmt.Errorf("unsupported json token %v", tok)
}

// nonFinite parses the spellings writeJSONFloat uses for NaN and infinities.
func nonFinite(s string) (float64, bool) {
	switch s {
	case "NaN":
		return math.NaN(), true
	case "+Inf":
		return math.Inf(1), true
	case "-Inf":
		return math.Inf(-1), true
	}
	return 0, false
}
