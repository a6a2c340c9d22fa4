package gateway

import (
	"context"
	"fmt"

	"github.com/danmuck/realmgate/internal/protocol/codec"
	"github.com/danmuck/realmgate/internal/protocol/crypt"
	"github.com/danmuck/realmgate/internal/protocol/packets"
)

// Handler processes one decoded payload. handled == true stops the frame;
// false lets it continue to the backend. A non-nil error closes the
// connection.
type Handler func(ctx context.Context, s *Session, payload []byte) (handled bool, err error)

// HandlerTable maps opcodes to handlers. It is read-only after construction
// and shared by every session.
type HandlerTable struct {
	handlers map[packets.Opcode]Handler
}

// NewHandlerTable copies entries into a new table.
func NewHandlerTable(entries map[packets.Opcode]Handler) *HandlerTable {
	t := &HandlerTable{handlers: make(map[packets.Opcode]Handler, len(entries))}
	for op, h := range entries {
		if h != nil {
			t.handlers[op] = h
		}
	}
	return t
}

// DefaultHandlers returns the bootstrap handlers the gateway answers itself.
func DefaultHandlers() *HandlerTable {
	return NewHandlerTable(map[packets.Opcode]Handler{
		packets.CMSG_AUTH_SESSION: HandleAuthSession,
		packets.CMSG_PING:         HandlePing,
		packets.CMSG_PLAYER_LOGIN: HandlePlayerLogin,
	})
}

func (t *HandlerTable) Lookup(op packets.Opcode) (Handler, bool) {
	if t == nil {
		return nil, false
	}
	h, ok := t.handlers[op]
	return h, ok
}

func (t *HandlerTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.handlers)
}

// HandleAuthSession resolves the account's session key, attaches the cipher
// and confirms with an encrypted SMSG_AUTH_RESPONSE.
func HandleAuthSession(ctx context.Context, s *Session, payload []byte) (bool, error) {
	rec, _, err := codec.Decode(packets.AuthSession, payload)
	if err != nil {
		return false, err
	}
	account, err := rec.String("account")
	if err != nil {
		return false, err
	}
	build, _ := rec.Uint32("build")
	if s.handshake == nil {
		return false, ErrNoHandshake
	}

	secret, err := s.handshake.SessionKey(ctx, account)
	if err != nil {
		s.log.Warn().Str("account", account).Err(err).Msg("handshake rejected")
		return false, fmt.Errorf("%w: account %q: %v", ErrHandshakeRejected, account, err)
	}
	c, err := crypt.New(s.derive, secret)
	if err != nil {
		return false, fmt.Errorf("%w: account %q: %v", ErrHandshakeRejected, account, err)
	}
	if err := s.AttachCipher(c); err != nil {
		return false, err
	}
	s.log.Info().Str("account", account).Uint32("build", build).Msg("auth session accepted")

	resp := codec.Record{"result": packets.AuthOK}
	if err := s.SendPacket(packets.SMSG_AUTH_RESPONSE, packets.AuthResponse, resp); err != nil {
		return false, err
	}
	return true, nil
}

// HandlePing answers CMSG_PING with SMSG_PONG carrying the same sequence.
func HandlePing(_ context.Context, s *Session, payload []byte) (bool, error) {
	rec, _, err := codec.Decode(packets.Ping, payload)
	if err != nil {
		return false, err
	}
	seq, err := rec.Uint32("sequence")
	if err != nil {
		return false, err
	}
	if err := s.SendPacket(packets.SMSG_PONG, packets.Pong, codec.Record{"sequence": seq}); err != nil {
		return false, err
	}
	return true, nil
}

// HandlePlayerLogin binds the character guid as the session identity and
// lets the login itself through to the backend.
func HandlePlayerLogin(_ context.Context, s *Session, payload []byte) (bool, error) {
	rec, _, err := codec.Decode(packets.PlayerLogin, payload)
	if err != nil {
		return false, err
	}
	guid, err := rec.Uint64("guid")
	if err != nil {
		return false, err
	}
	if err := s.Bind(guid); err != nil {
		return false, err
	}
	return false, nil
}
