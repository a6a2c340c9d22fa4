// Package crypt holds the per-connection stream cipher.
//
// Every Stream owns its key copy and both direction states, so two sessions
// never observe each other's cipher progress. Calls are order dependent:
// Encrypt must follow send order and Decrypt must follow receive order.
package crypt

import (
	"bytes"
	"errors"
)

var ErrEmptyKey = errors.New("crypt: empty session key")

// Cipher transforms bytes in place and advances its state on every call.
type Cipher interface {
	Encrypt(b []byte)
	Decrypt(b []byte)
}

type direction struct {
	i    int
	prev byte
}

// Stream is the classic world-session header cipher: each byte is XORed with
// the next key byte and offset by the previous cipher byte of the same
// direction.
type Stream struct {
	key  []byte
	send direction
	recv direction
}

// NewStream returns a cipher keyed by a copy of key.
func NewStream(key []byte) (*Stream, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return &Stream{key: bytes.Clone(key)}, nil
}

func (s *Stream) Encrypt(b []byte) {
	for t := range b {
		x := (b[t] ^ s.key[s.send.i]) + s.send.prev
		s.send.i = (s.send.i + 1) % len(s.key)
		b[t] = x
		s.send.prev = x
	}
}

func (s *Stream) Decrypt(b []byte) {
	for t := range b {
		c := b[t]
		b[t] = (c - s.recv.prev) ^ s.key[s.recv.i]
		s.recv.i = (s.recv.i + 1) % len(s.key)
		s.recv.prev = c
	}
}
