package codec

import (
	"bytes"
	"math"
)

// Decode decodes one record of shape s from the front of data in
// little-endian byte order. It returns the record and the bytes consumed.
func Decode(s *Schema, data []byte) (Record, int, error) {
	return defaultCodec.Decode(s, data)
}

// Decode decodes one record of shape s from the front of data.
func (c Codec) Decode(s *Schema, data []byte) (Record, int, error) {
	if s == nil {
		return nil, 0, &SchemaError{Reason: "nil schema"}
	}
	d := decoder{order: c.order(), data: data}
	rec, err := d.record(s)
	if err != nil {
		return nil, 0, err
	}
	return rec, d.off, nil
}

type decoder struct {
	order ByteOrder
	data  []byte
	off   int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.data)-d.off < n {
		return nil, ErrTruncated
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) record(s *Schema) (Record, error) {
	rec := make(Record, len(s.Fields))
	for _, f := range s.Fields {
		if f.Optional && d.off == len(d.data) {
			continue
		}
		v, err := d.field(s, f, rec)
		if err != nil {
			return nil, err
		}
		rec[f.Name] = v
	}
	return rec, nil
}

func (d *decoder) field(s *Schema, f Field, rec Record) (any, error) {
	switch f.Kind {
	case KindEnum:
		if !f.Width.isInteger() {
			return nil, &SchemaError{Schema: s.Name, Field: f.Name, Reason: "enum width must be an integer kind"}
		}
		return d.primitive(s, f.Name, f.Width)
	case KindRecord:
		if f.Schema == nil {
			return nil, &SchemaError{Schema: s.Name, Field: f.Name, Reason: "record field without schema"}
		}
		return d.record(f.Schema)
	case KindArray:
		return d.array(s, f, rec)
	case KindString:
		return d.str(s, f)
	default:
		return d.primitive(s, f.Name, f.Kind)
	}
}

func (d *decoder) array(s *Schema, f Field, rec Record) (any, error) {
	if f.Elem == nil {
		return nil, &SchemaError{Schema: s.Name, Field: f.Name, Reason: "array field without element"}
	}
	count := f.Count
	if f.CountFrom != "" {
		n, ok := countOf(rec[f.CountFrom])
		if !ok {
			return nil, &SchemaError{Schema: s.Name, Field: f.Name, Reason: "count_from does not name a decoded integer field"}
		}
		count = n
	} else if count == 0 {
		return nil, &SchemaError{Schema: s.Name, Field: f.Name, Reason: "array count unknown to decoder"}
	}

	elem := *f.Elem
	if elem.Name == "" {
		elem.Name = f.Name
	}
	if elem.Kind == KindUint8 || elem.Kind == KindChar {
		raw, err := d.take(count)
		if err != nil {
			return nil, err
		}
		return bytes.Clone(raw), nil
	}
	// The count may come off the wire; never size for more elements than the
	// remaining bytes can hold.
	capacity := 0
	if per := minWireSize(elem); per > 0 {
		if count > (len(d.data)-d.off)/per {
			return nil, ErrTruncated
		}
		capacity = count
	}
	items := make([]any, 0, capacity)
	for i := 0; i < count; i++ {
		v, err := d.field(s, elem, rec)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

func countOf(v any) (int, bool) {
	switch n := v.(type) {
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case int8:
		return int(n), n >= 0
	case int16:
		return int(n), n >= 0
	case int32:
		return int(n), n >= 0
	default:
		return 0, false
	}
}

func (d *decoder) str(s *Schema, f Field) (any, error) {
	switch f.Mode {
	case CString:
		end := bytes.IndexByte(d.data[d.off:], 0)
		if end < 0 {
			return nil, ErrTruncated
		}
		text := string(d.data[d.off : d.off+end])
		d.off += end + 1
		return text, nil
	case PrefixedLength:
		n, err := d.take(1)
		if err != nil {
			return nil, err
		}
		raw, err := d.take(int(n[0]))
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case FixedLength:
		if f.Length <= 0 {
			return nil, &SchemaError{Schema: s.Name, Field: f.Name, Reason: "fixed-length string without positive length"}
		}
		raw, err := d.take(f.Length)
		if err != nil {
			return nil, err
		}
		return string(bytes.TrimRight(raw, "\x00")), nil
	default:
		return nil, &SchemaError{Schema: s.Name, Field: f.Name, Reason: "string field without string mode"}
	}
}

func (d *decoder) primitive(s *Schema, name string, k Kind) (any, error) {
	size := k.Size()
	if size == 0 {
		return nil, &UnsupportedTypeError{Schema: s.Name, Field: name, Kind: k}
	}
	b, err := d.take(size)
	if err != nil {
		return nil, err
	}
	switch k {
	case KindBool:
		return b[0] != 0, nil
	case KindInt8:
		return int8(b[0]), nil
	case KindUint8, KindChar:
		return b[0], nil
	case KindInt16:
		return int16(d.order.Uint16(b)), nil
	case KindUint16:
		return d.order.Uint16(b), nil
	case KindInt32:
		return int32(d.order.Uint32(b)), nil
	case KindUint32:
		return d.order.Uint32(b), nil
	case KindInt64:
		return int64(d.order.Uint64(b)), nil
	case KindUint64:
		return d.order.Uint64(b), nil
	case KindFloat32:
		return math.Float32frombits(d.order.Uint32(b)), nil
	default:
		return math.Float64frombits(d.order.Uint64(b)), nil
	}
}
