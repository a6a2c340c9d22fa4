package codec

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated         = errors.New("codec: truncated data")
	ErrStringTooLong     = errors.New("codec: prefixed string longer than 255 bytes")
	ErrArrayLength       = errors.New("codec: array length does not match declared count")
	ErrUnknownSchema     = errors.New("codec: unknown schema")
	ErrFieldTypeMismatch = errors.New("codec: field type mismatch")
	ErrFieldAbsent       = errors.New("codec: field absent")
)

// SchemaError reports a malformed schema definition.
type SchemaError struct {
	Schema string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("codec: schema %q: %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("codec: schema %q field %q: %s", e.Schema, e.Field, e.Reason)
}

// UnsupportedTypeError reports a field whose kind is unknown, or a value whose
// Go type does not fit the declared kind.
type UnsupportedTypeError struct {
	Schema string
	Field  string
	Kind   Kind
	Value  any
}

func (e *UnsupportedTypeError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("codec: schema %q field %q: unsupported kind %s", e.Schema, e.Field, e.Kind)
	}
	return fmt.Sprintf("codec: schema %q field %q: value of type %T does not fit kind %s", e.Schema, e.Field, e.Value, e.Kind)
}

// MissingFieldError reports an absent value for a required field.
type MissingFieldError struct {
	Schema string
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("codec: schema %q: missing required field %q", e.Schema, e.Field)
}
