// Package keystore resolves the session secret negotiated for an account
// during login. The gateway only consumes the result; the key exchange that
// produced it lives in the login server.
package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownAccount = errors.New("keystore: unknown account")
	ErrInvalidKey     = errors.New("keystore: invalid session key")
)

// Store looks up session keys. It satisfies gateway.Handshake.
type Store interface {
	SessionKey(ctx context.Context, account string) ([]byte, error)
	Close() error
}

// NormalizeAccount folds an account name the way the login server stores it.
func NormalizeAccount(account string) string {
	return strings.ToUpper(strings.TrimSpace(account))
}

// ParseKey decodes a hex session key.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Static serves keys from memory, typically the [accounts] config table.
type Static struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewStatic() *Static {
	return &Static{keys: make(map[string][]byte)}
}

// NewStaticHex builds a Static store from account -> hex key pairs.
func NewStaticHex(accounts map[string]string) (*Static, error) {
	s := NewStatic()
	for account, raw := range accounts {
		key, err := ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", account, err)
		}
		s.Put(account, key)
	}
	return s, nil
}

func (s *Static) Put(account string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[NormalizeAccount(account)] = append([]byte(nil), key...)
}

func (s *Static) SessionKey(_ context.Context, account string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[NormalizeAccount(account)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	return append([]byte(nil), key...), nil
}

func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *Static) Close() error { return nil }
