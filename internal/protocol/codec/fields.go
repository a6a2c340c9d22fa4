package codec

// Field constructors for schema tables.

func Bool(name string) Field    { return Field{Name: name, Kind: KindBool} }
func Int8(name string) Field    { return Field{Name: name, Kind: KindInt8} }
func Uint8(name string) Field   { return Field{Name: name, Kind: KindUint8} }
func Int16(name string) Field   { return Field{Name: name, Kind: KindInt16} }
func Uint16(name string) Field  { return Field{Name: name, Kind: KindUint16} }
func Int32(name string) Field   { return Field{Name: name, Kind: KindInt32} }
func Uint32(name string) Field  { return Field{Name: name, Kind: KindUint32} }
func Int64(name string) Field   { return Field{Name: name, Kind: KindInt64} }
func Uint64(name string) Field  { return Field{Name: name, Kind: KindUint64} }
func Float32(name string) Field { return Field{Name: name, Kind: KindFloat32} }
func Float64(name string) Field { return Field{Name: name, Kind: KindFloat64} }
func Char(name string) Field    { return Field{Name: name, Kind: KindChar} }

// CStr declares a zero-terminated string.
func CStr(name string) Field { return Field{Name: name, Kind: KindString, Mode: CString} }

// PStr declares a string behind a one-byte length prefix.
func PStr(name string) Field { return Field{Name: name, Kind: KindString, Mode: PrefixedLength} }

// FixedStr declares a string padded or truncated to n bytes.
func FixedStr(name string, n int) Field {
	return Field{Name: name, Kind: KindString, Mode: FixedLength, Length: n}
}

// Enum declares an enumeration carried as its integer width.
func Enum(name string, width Kind) Field { return Field{Name: name, Kind: KindEnum, Width: width} }

// Nested declares an embedded record.
func Nested(name string, s *Schema) Field { return Field{Name: name, Kind: KindRecord, Schema: s} }

// Array declares count elements of elem with no length prefix.
func Array(name string, elem Field, count int) Field {
	return Field{Name: name, Kind: KindArray, Elem: &elem, Count: count}
}

// ArrayFrom declares an array whose element count is the value of an earlier
// integer field.
func ArrayFrom(name string, elem Field, countField string) Field {
	return Field{Name: name, Kind: KindArray, Elem: &elem, CountFrom: countField}
}

// Bytes declares a fixed run of n raw bytes.
func Bytes(name string, n int) Field { return Array(name, Uint8(""), n) }

// Optional marks f as omittable. See Field.Optional.
func Optional(f Field) Field {
	f.Optional = true
	return f
}
