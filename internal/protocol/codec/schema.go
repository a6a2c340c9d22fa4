package codec

import "fmt"

// Kind classifies how one field is laid out on the wire.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindChar
	KindString
	KindEnum
	KindRecord
	KindArray
)

var kindNames = map[Kind]string{
	KindBool:    "bool",
	KindInt8:    "int8",
	KindUint8:   "uint8",
	KindInt16:   "int16",
	KindUint16:  "uint16",
	KindInt32:   "int32",
	KindUint32:  "uint32",
	KindInt64:   "int64",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindChar:    "char",
	KindString:  "string",
	KindEnum:    "enum",
	KindRecord:  "record",
	KindArray:   "array",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Size returns the fixed wire width of a primitive kind, or 0.
func (k Kind) Size() int {
	switch k {
	case KindBool, KindInt8, KindUint8, KindChar:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	default:
		return 0
	}
}

func (k Kind) isInteger() bool {
	switch k {
	case KindInt8, KindUint8, KindInt16, KindUint16, KindInt32, KindUint32, KindInt64, KindUint64:
		return true
	}
	return false
}

// StringMode selects the wire encoding of a string field.
type StringMode uint8

const (
	StringUnset StringMode = iota
	CString
	PrefixedLength
	FixedLength
)

// Field describes one field of a record. Its position inside Schema.Fields is
// its wire position.
type Field struct {
	Name string
	Kind Kind

	// Width is the integer kind backing an enum field.
	Width Kind

	// Mode and Length apply to string fields. Length is the byte count of a
	// FixedLength string.
	Mode   StringMode
	Length int

	// Elem, Count and CountFrom apply to array fields. Arrays carry no count
	// on the wire: the decoder takes it from Count, or from the value of an
	// earlier integer field named by CountFrom.
	Elem      *Field
	Count     int
	CountFrom string

	// Schema is the nested layout of a record field.
	Schema *Schema

	// Optional fields may be absent from a record. They are only allowed at
	// the tail of a schema: an absent optional field writes nothing, and the
	// decoder reads end-of-data as absence.
	Optional bool
}

// Schema is the ordered wire layout of one record shape.
type Schema struct {
	Name   string
	Fields []Field
}

// NewSchema validates fields and returns the schema.
func NewSchema(name string, fields ...Field) (*Schema, error) {
	s := &Schema{Name: name, Fields: fields}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustSchema is NewSchema for package-level schema tables.
func MustSchema(name string, fields ...Field) *Schema {
	s, err := NewSchema(name, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks the schema and every nested schema.
func (s *Schema) Validate() error {
	if s == nil {
		return &SchemaError{Reason: "nil schema"}
	}
	seen := make(map[string]struct{}, len(s.Fields))
	optionalSeen := false
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return &SchemaError{Schema: s.Name, Reason: fmt.Sprintf("field %d has no name", i)}
		}
		if _, dup := seen[f.Name]; dup {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "duplicate field name"}
		}
		seen[f.Name] = struct{}{}
		if f.Optional {
			optionalSeen = true
		} else if optionalSeen {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "required field after optional field"}
		}
		if err := s.validateField(f, seen); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) validateField(f *Field, earlier map[string]struct{}) error {
	switch f.Kind {
	case KindString:
		return s.validateString(f)
	case KindEnum:
		if !f.Width.isInteger() {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "enum width must be an integer kind"}
		}
	case KindRecord:
		if f.Schema == nil {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "record field without schema"}
		}
		return f.Schema.Validate()
	case KindArray:
		if f.Elem == nil {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "array field without element"}
		}
		if f.Elem.Kind == KindArray {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "nested arrays are not supported"}
		}
		if f.Count < 0 {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "negative array count"}
		}
		if f.CountFrom != "" {
			if _, ok := earlier[f.CountFrom]; !ok || f.CountFrom == f.Name {
				return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "count_from must name an earlier field"}
			}
		}
		elem := *f.Elem
		if elem.Name == "" {
			elem.Name = f.Name
		}
		if err := s.validateField(&elem, earlier); err != nil {
			return err
		}
		if f.CountFrom != "" && minWireSize(elem) == 0 {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "count_from array element occupies no bytes"}
		}
		return nil
	default:
		if f.Kind.Size() == 0 {
			return &UnsupportedTypeError{Schema: s.Name, Field: f.Name, Kind: f.Kind}
		}
	}
	return nil
}

func (s *Schema) validateString(f *Field) error {
	switch f.Mode {
	case CString, PrefixedLength:
		return nil
	case FixedLength:
		if f.Length <= 0 {
			return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "fixed-length string without positive length"}
		}
		return nil
	default:
		return &SchemaError{Schema: s.Name, Field: f.Name, Reason: "string field without string mode"}
	}
}

// Size returns the encoded size of the schema when every field has a fixed
// width, and false otherwise.
func (s *Schema) Size() (int, bool) {
	total := 0
	for _, f := range s.Fields {
		n, ok := fieldSize(f)
		if !ok {
			return 0, false
		}
		total += n
	}
	return total, true
}

func fieldSize(f Field) (int, bool) {
	switch f.Kind {
	case KindString:
		if f.Mode == FixedLength {
			return f.Length, true
		}
		return 0, false
	case KindEnum:
		return f.Width.Size(), true
	case KindRecord:
		return f.Schema.Size()
	case KindArray:
		if f.Count == 0 || f.Elem == nil {
			return 0, false
		}
		n, ok := fieldSize(*f.Elem)
		return n * f.Count, ok
	default:
		n := f.Kind.Size()
		return n, n > 0
	}
}

// minWireSize is the fewest bytes f can occupy on the wire.
func minWireSize(f Field) int {
	switch f.Kind {
	case KindString:
		if f.Mode == FixedLength {
			return f.Length
		}
		// cstring terminator or length prefix
		return 1
	case KindEnum:
		return f.Width.Size()
	case KindRecord:
		if f.Schema == nil {
			return 0
		}
		total := 0
		for _, sub := range f.Schema.Fields {
			if !sub.Optional {
				total += minWireSize(sub)
			}
		}
		return total
	case KindArray:
		if f.Elem == nil || f.CountFrom != "" {
			return 0
		}
		return f.Count * minWireSize(*f.Elem)
	default:
		return f.Kind.Size()
	}
}
