package codec

import "fmt"

// Registry maps a type identifier to its schema. It is built once at startup
// and only read afterwards.
type Registry[K comparable] struct {
	schemas map[K]*Schema
}

// NewRegistry validates every schema in entries and returns the registry.
func NewRegistry[K comparable](entries map[K]*Schema) (*Registry[K], error) {
	r := &Registry[K]{schemas: make(map[K]*Schema, len(entries))}
	for key, s := range entries {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("codec: registry entry %v: %w", key, err)
		}
		r.schemas[key] = s
	}
	return r, nil
}

// Lookup returns the schema registered for key.
func (r *Registry[K]) Lookup(key K) (*Schema, bool) {
	s, ok := r.schemas[key]
	return s, ok
}

// Encode encodes rec with the schema registered for key.
func (r *Registry[K]) Encode(key K, rec Record) ([]byte, error) {
	s, ok := r.schemas[key]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSchema, key)
	}
	return Encode(s, rec)
}

// Decode decodes data with the schema registered for key.
func (r *Registry[K]) Decode(key K, data []byte) (Record, error) {
	s, ok := r.schemas[key]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSchema, key)
	}
	rec, _, err := Decode(s, data)
	return rec, err
}

// Len returns the number of registered schemas.
func (r *Registry[K]) Len() int {
	return len(r.schemas)
}
