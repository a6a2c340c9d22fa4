package crypt

import (
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
	"strings"
)

// Derivation turns a negotiated secret into the cipher key.
type Derivation string

const (
	DeriveNone     Derivation = "none"
	DeriveHMACSHA1 Derivation = "hmac-sha1"
)

// hmacSeed is the fixed key the later client builds feed to HMAC-SHA1.
var hmacSeed = []byte{
	0x38, 0xA7, 0x83, 0x15, 0xF8, 0x92, 0x25, 0x30,
	0x71, 0x98, 0x67, 0xB1, 0x8C, 0x04, 0xE2, 0xAA,
}

// ParseDerivation normalizes a configured derivation name.
func ParseDerivation(raw string) (Derivation, error) {
	switch d := Derivation(strings.ToLower(strings.TrimSpace(raw))); d {
	case "", DeriveNone:
		return DeriveNone, nil
	case DeriveHMACSHA1:
		return d, nil
	default:
		return "", fmt.Errorf("crypt: unknown key derivation %q", raw)
	}
}

// DeriveKey returns the cipher key for secret.
func DeriveKey(d Derivation, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptyKey
	}
	switch d {
	case "", DeriveNone:
		out := make([]byte, len(secret))
		copy(out, secret)
		return out, nil
	case DeriveHMACSHA1:
		mac := hmac.New(sha1.New, hmacSeed)
		mac.Write(secret)
		return mac.Sum(nil), nil
	default:
		return nil, fmt.Errorf("crypt: unknown key derivation %q", d)
	}
}

// New derives a key from secret and returns a fresh Stream for it.
func New(d Derivation, secret []byte) (*Stream, error) {
	key, err := DeriveKey(d, secret)
	if err != nil {
		return nil, err
	}
	return NewStream(key)
}
