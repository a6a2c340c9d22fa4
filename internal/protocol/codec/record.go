package codec

import "fmt"

// Record holds field values by name. A missing key is an absent value.
type Record map[string]any

func lookup[T any](r Record, name string) (T, error) {
	var zero T
	raw, ok := r[name]
	if !ok || raw == nil {
		return zero, fmt.Errorf("%w: %q", ErrFieldAbsent, name)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("codec: field %q holds %T: %w", name, raw, ErrFieldTypeMismatch)
	}
	return v, nil
}

// Bool returns the named value as bool.
func (r Record) Bool(name string) (bool, error) { return lookup[bool](r, name) }

// Uint8 returns the named value as uint8.
func (r Record) Uint8(name string) (uint8, error) { return lookup[uint8](r, name) }

// Uint16 returns the named value as uint16.
func (r Record) Uint16(name string) (uint16, error) { return lookup[uint16](r, name) }

// Int32 returns the named value as int32.
func (r Record) Int32(name string) (int32, error) { return lookup[int32](r, name) }

// Uint32 returns the named value as uint32.
func (r Record) Uint32(name string) (uint32, error) { return lookup[uint32](r, name) }

// Uint64 returns the named value as uint64.
func (r Record) Uint64(name string) (uint64, error) { return lookup[uint64](r, name) }

// String returns the named value as string.
func (r Record) String(name string) (string, error) { return lookup[string](r, name) }

// Bytes returns the named value as raw bytes.
func (r Record) Bytes(name string) ([]byte, error) { return lookup[[]byte](r, name) }

// Record returns the named nested record.
func (r Record) Record(name string) (Record, error) { return lookup[Record](r, name) }
