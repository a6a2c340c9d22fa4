package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrUnboundForward    = errors.New("gateway: forward before identity is bound")
	ErrSessionClosed     = errors.New("gateway: session closed")
	ErrNoBackend         = errors.New("gateway: no backend configured")
	ErrNoHandshake       = errors.New("gateway: no handshake provider configured")
	ErrInvalidIdentity   = errors.New("gateway: invalid identity")
	ErrUnknownIdentity   = errors.New("gateway: no session bound to identity")
	ErrLifecycleOrder    = errors.New("gateway: invalid session transition")
	ErrDuplicateSession  = errors.New("gateway: duplicate session id")
	ErrHandshakeRejected = errors.New("gateway: handshake rejected")
	ErrClientWrite       = errors.New("gateway: client write failed")
)

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
