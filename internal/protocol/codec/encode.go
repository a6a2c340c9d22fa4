package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ByteOrder reads and appends fixed-width integers.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Codec encodes and decodes records with one byte order. The zero value uses
// little-endian.
type Codec struct {
	Order ByteOrder
}

var defaultCodec = Codec{Order: binary.LittleEndian}

// Encode encodes rec against s in little-endian byte order.
func Encode(s *Schema, rec Record) ([]byte, error) {
	return defaultCodec.Encode(s, rec)
}

// Encode walks s in field order and returns the wire bytes for rec.
func (c Codec) Encode(s *Schema, rec Record) ([]byte, error) {
	if s == nil {
		return nil, &SchemaError{Reason: "nil schema"}
	}
	e := encoder{order: c.order()}
	if err := e.record(s, rec); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func (c Codec) order() ByteOrder {
	if c.Order == nil {
		return binary.LittleEndian
	}
	return c.Order
}

type encoder struct {
	order ByteOrder
	buf   []byte
}

func (e *encoder) record(s *Schema, rec Record) error {
	for _, f := range s.Fields {
		v, ok := rec[f.Name]
		if !ok || v == nil {
			if f.Optional {
				continue
			}
			return &MissingFieldError{Schema: s.Name, Field: f.Name}
		}
		if f.Kind == KindArray && f.CountFrom != "" {
			if err := checkCountFrom(s, f, v, rec); err != nil {
				return err
			}
		}
		if err := e.field(s, f, v); err != nil {
			return err
		}
	}
	return nil
}

// checkCountFrom rejects an array whose length disagrees with the earlier
// field the decoder will read its count from.
func checkCountFrom(s *Schema, f Field, v any, rec Record) error {
	want, ok := countOf(rec[f.CountFrom])
	if !ok {
		return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "count_from does not name an integer field"}
	}
	var got int
	switch items := v.(type) {
	case []byte:
		got = len(items)
	case []any:
		got = len(items)
	default:
		return &UnsupportedTypeError{Schema: s.Name, Field: f.Name, Kind: f.Kind, Value: v}
	}
	if got != want {
		return fmt.Errorf("%w: %s has %d elements, %s says %d", ErrArrayLength, f.Name, got, f.CountFrom, want)
	}
	return nil
}

func (e *encoder) field(s *Schema, f Field, v any) error {
	switch f.Kind {
	case KindEnum:
		if !f.Width.isInteger() {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "enum width must be an integer kind"}
		}
		return e.primitive(s, f.Name, f.Width, v)
	case KindRecord:
		if f.Schema == nil {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "record field without schema"}
		}
		nested, ok := v.(Record)
		if !ok {
			return &UnsupportedTypeError{Schema: s.Name, Field: f.Name, Kind: f.Kind, Value: v}
		}
		return e.record(f.Schema, nested)
	case KindArray:
		return e.array(s, f, v)
	case KindString:
		return e.str(s, f, v)
	default:
		return e.primitive(s, f.Name, f.Kind, v)
	}
}

func (e *encoder) array(s *Schema, f Field, v any) error {
	if f.Elem == nil {
		return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "array field without element"}
	}
	elem := *f.Elem
	if elem.Name == "" {
		elem.Name = f.Name
	}
	switch items := v.(type) {
	case []byte:
		if elem.Kind != KindUint8 && elem.Kind != KindChar {
			return &UnsupportedTypeError{Schema: s.Name, Field: f.Name, Kind: elem.Kind, Value: v}
		}
		if f.Count > 0 && len(items) != f.Count {
			return ErrArrayLength
		}
		e.buf = append(e.buf, items...)
		return nil
	case []any:
		if f.Count > 0 && len(items) != f.Count {
			return ErrArrayLength
		}
		for _, item := range items {
			if item == nil {
				return &MissingFieldError{Schema: s.Name, Field: f.Name}
			}
			if err := e.field(s, elem, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return &UnsupportedTypeError{Schema: s.Name, Field: f.Name, Kind: f.Kind, Value: v}
	}
}

func (e *encoder) str(s *Schema, f Field, v any) error {
	text, ok := v.(string)
	if !ok {
		return &UnsupportedTypeError{Schema: s.Name, Field: f.Name, Kind: f.Kind, Value: v}
	}
	switch f.Mode {
	case CString:
		e.buf = append(e.buf, text...)
		e.buf = append(e.buf, 0)
	case PrefixedLength:
		if len(text) > math.MaxUint8 {
			return ErrStringTooLong
		}
		e.buf = append(e.buf, byte(len(text)))
		e.buf = append(e.buf, text...)
	case FixedLength:
		if f.Length <= 0 {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "fixed-length string without positive length"}
		}
		out := make([]byte, f.Length)
		copy(out, text)
		e.buf = append(e.buf, out...)
	default:
		return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "string field without string mode"}
	}
	return nil
}

func (e *encoder) primitive(s *Schema, name string, k Kind, v any) error {
	mismatch := &UnsupportedTypeError{Schema: s.Name, Field: name, Kind: k, Value: v}
	switch k {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return mismatch
		}
		if b {
			e.buf = append(e.buf, 1)
		} else {
			e.buf = append(e.buf, 0)
		}
	case KindInt8:
		n, ok := v.(int8)
		if !ok {
			return mismatch
		}
		e.buf = append(e.buf, byte(n))
	case KindUint8, KindChar:
		n, ok := v.(uint8)
		if !ok {
			return mismatch
		}
		e.buf = append(e.buf, n)
	case KindInt16:
		n, ok := v.(int16)
		if !ok {
			return mismatch
		}
		e.buf = e.order.AppendUint16(e.buf, uint16(n))
	case KindUint16:
		n, ok := v.(uint16)
		if !ok {
			return mismatch
		}
		e.buf = e.order.AppendUint16(e.buf, n)
	case KindInt32:
		n, ok := v.(int32)
		if !ok {
			return mismatch
		}
		e.buf = e.order.AppendUint32(e.buf, uint32(n))
	case KindUint32:
		n, ok := v.(uint32)
		if !ok {
			return mismatch
		}
		e.buf = e.order.AppendUint32(e.buf, n)
	case KindInt64:
		n, ok := v.(int64)
		if !ok {
			return mismatch
		}
		e.buf = e.order.AppendUint64(e.buf, uint64(n))
	case KindUint64:
		n, ok := v.(uint64)
		if !ok {
			return mismatch
		}
		e.buf = e.order.AppendUint64(e.buf, n)
	case KindFloat32:
		n, ok := v.(float32)
		if !ok {
			return mismatch
		}
		e.buf = e.order.AppendUint32(e.buf, math.Float32bits(n))
	case KindFloat64:
		n, ok := v.(float64)
		if !ok {
			return mismatch
		}
		e.buf = e.order.AppendUint64(e.buf, math.Float64bits(n))
	default:
		return &UnsupportedTypeError{Schema: s.Name, Field: name, Kind: k}
	}
	return nil
}
