package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/realmgate/internal/observability"
	"github.com/danmuck/realmgate/internal/protocol/codec"
	"github.com/danmuck/realmgate/internal/protocol/crypt"
	"github.com/danmuck/realmgate/internal/protocol/frame"
	"github.com/danmuck/realmgate/internal/protocol/packets"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// IdentityLen is the size of the identity prefix on forwarded frames.
const IdentityLen = 8

// Backend accepts identity-prefixed frames for the world server.
type Backend interface {
	Forward(ctx context.Context, frame []byte) error
}

// Handshake supplies the negotiated session secret for an account.
type Handshake interface {
	SessionKey(ctx context.Context, account string) ([]byte, error)
}

// IdentityIndex is told when a session binds an identity.
type IdentityIndex interface {
	BindIdentity(id uuid.UUID, identity uint64) error
}

// SessionConfig wires one Session to its collaborators.
type SessionConfig struct {
	ID     uuid.UUID
	Remote string
	Out    io.Writer

	Backend   Backend
	Handshake Handshake
	Handlers  *HandlerTable
	Index     IdentityIndex

	// OutboundMode frames messages written to the client.
	OutboundMode frame.Mode
	// Derivation turns the handshake secret into the cipher key.
	Derivation crypt.Derivation
	// WriteTimeout bounds each client write when Out supports write
	// deadlines. Zero disables it.
	WriteTimeout time.Duration
	// Seed overrides the random challenge seed.
	Seed func() (int32, error)

	Logger *zerolog.Logger
}

// Session is the relay state of one client connection. Process must be
// called from a single goroutine; the send path may be used concurrently.
type Session struct {
	id        uuid.UUID
	remote    string
	seed      int32
	openedAt  time.Time
	out       io.Writer
	writeTO   time.Duration
	backend   Backend
	handshake Handshake
	handlers  *HandlerTable
	index     IdentityIndex
	outMode   frame.Mode
	derive    crypt.Derivation
	log       zerolog.Logger

	decoder *frame.Decoder

	// sendMu orders encryption with socket writes.
	sendMu sync.Mutex

	mu       sync.RWMutex
	state    State
	identity uint64
	cipher   crypt.Cipher
}

// NewSessionSeed draws a challenge seed from crypto/rand.
func NewSessionSeed() (int32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// NewSession creates the session in Connected state and sends the auth
// challenge carrying its seed. The challenge is written before the session
// is returned, so it is the only frame that can ever leave unencrypted.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Out == nil {
		return nil, errors.New("gateway: session without client writer")
	}
	if cfg.Handlers == nil {
		cfg.Handlers = NewHandlerTable(nil)
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.OutboundMode.Order == nil {
		cfg.OutboundMode = frame.ClientOutbound
	}
	seedFn := cfg.Seed
	if seedFn == nil {
		seedFn = NewSessionSeed
	}
	seed, err := seedFn()
	if err != nil {
		return nil, fmt.Errorf("gateway: session seed: %w", err)
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	s := &Session{
		id:        cfg.ID,
		remote:    cfg.Remote,
		seed:      seed,
		openedAt:  time.Now(),
		out:       cfg.Out,
		writeTO:   cfg.WriteTimeout,
		backend:   cfg.Backend,
		handshake: cfg.Handshake,
		handlers:  cfg.Handlers,
		index:     cfg.Index,
		outMode:   cfg.OutboundMode,
		derive:    cfg.Derivation,
		log:       base.With().Str("session", cfg.ID.String()).Str("remote", cfg.Remote).Logger(),
		decoder:   frame.NewDecoder(frame.ClientInbound, nil),
		state:     StateConnected,
	}
	if err := s.SendPacket(packets.SMSG_AUTH_CHALLENGE, packets.AuthChallenge, codec.Record{"seed": seed}); err != nil {
		return nil, fmt.Errorf("gateway: send auth challenge: %w", err)
	}
	return s, nil
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Remote() string { return s.remote }

// Seed is the challenge value sent to the client at connect.
func (s *Session) Seed() int32 { return s.seed }

func (s *Session) OpenedAt() time.Time { return s.openedAt }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *zerolog.Logger { return &s.log }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Identity() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// AttachCipher moves Connected -> Authenticated. Inbound headers and every
// outbound frame are encrypted from here on. It must be called from the
// goroutine running Process.
func (s *Session) AttachCipher(c crypt.Cipher) error {
	if c == nil {
		return errors.New("gateway: nil cipher")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return transitionError(s.state, StateAuthenticated)
	}
	s.cipher = c
	s.decoder.Cipher = c
	s.state = StateAuthenticated
	s.log.Info().Msg("session authenticated")
	return nil
}

// Bind attaches the backend identity and moves to Bound. Rebinding a bound
// session to a new identity is allowed (character switch).
func (s *Session) Bind(identity uint64) error {
	if identity == 0 {
		return ErrInvalidIdentity
	}
	s.mu.Lock()
	if s.state != StateAuthenticated && s.state != StateBound {
		from := s.state
		s.mu.Unlock()
		return transitionError(from, StateBound)
	}
	s.identity = identity
	s.state = StateBound
	s.mu.Unlock()

	if s.index != nil {
		if err := s.index.BindIdentity(s.id, identity); err != nil {
			return err
		}
	}
	s.log.Info().Uint64("identity", identity).Msg("session bound")
	return nil
}

// Close moves the session to Closed. Later sends and Process calls fail with
// ErrSessionClosed. It reports whether this call did the transition.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	s.cipher = nil
	return true
}

// Process decodes buf and routes every complete frame. It returns the number
// of bytes consumed; the caller keeps buf[n:] and passes it again, extended,
// on the next read. A non-nil error is fatal for this connection.
func (s *Session) Process(ctx context.Context, buf []byte) (int, error) {
	off := 0
	for {
		if s.State() == StateClosed {
			return off, ErrSessionClosed
		}
		f, n, err := s.decoder.Next(buf[off:])
		if err != nil {
			var fe *frame.FramingError
			if errors.As(err, &fe) {
				s.log.Trace().Int("declared", fe.Declared).Int("available", fe.Available).Msg("partial frame retained")
				return off, nil
			}
			return off, err
		}
		if n == 0 {
			return off, nil
		}
		if err := s.dispatch(ctx, f); err != nil {
			return off + n, err
		}
		off += n
	}
}

func (s *Session) dispatch(ctx context.Context, f frame.Frame) error {
	op := packets.Opcode(f.Header.Opcode)
	s.log.Debug().Stringer("opcode", op).Uint16("length", f.Header.Length).Msg("<- client")

	if h, ok := s.handlers.Lookup(op); ok {
		handled, err := h(ctx, s, f.Payload)
		if err != nil {
			return fmt.Errorf("gateway: handler %s: %w", op, err)
		}
		if handled {
			observability.RecordFrame(observability.DispositionHandled)
			return nil
		}
	}

	identity := s.Identity()
	if identity == 0 {
		return fmt.Errorf("%w: opcode %s", ErrUnboundForward, op)
	}
	return s.forward(ctx, identity, f)
}

// forward sends identity | canonical plaintext header | payload upstream.
func (s *Session) forward(ctx context.Context, identity uint64, f frame.Frame) error {
	if s.backend == nil {
		return ErrNoBackend
	}
	out := make([]byte, IdentityLen+frame.HeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint64(out[:IdentityLen], identity)
	frame.Backend.PutHeader(out[IdentityLen:], frame.Backend.Canonical(f))
	copy(out[IdentityLen+frame.HeaderLen:], f.Payload)
	if err := s.backend.Forward(ctx, out); err != nil {
		return fmt.Errorf("gateway: forward %s: %w", packets.Opcode(f.Header.Opcode), err)
	}
	observability.RecordFrame(observability.DispositionForwarded)
	s.log.Debug().Stringer("opcode", packets.Opcode(f.Header.Opcode)).Msg("-> backend")
	return nil
}

// SendPacket encodes rec, frames it for the client and sends it.
func (s *Session) SendPacket(op packets.Opcode, schema *codec.Schema, rec codec.Record) error {
	payload, err := codec.Encode(schema, rec)
	if err != nil {
		return err
	}
	wire, err := frame.EncodeOne(uint16(op), payload, s.outMode)
	if err != nil {
		return err
	}
	s.log.Debug().Stringer("opcode", op).Int("length", len(wire)).Msg("-> client")
	return s.SendRaw(wire)
}

// SendFrame reframes f for the client direction and sends it.
func (s *Session) SendFrame(f frame.Frame) error {
	wire, err := frame.EncodeOne(f.Header.Opcode, f.Payload, s.outMode)
	if err != nil {
		return err
	}
	return s.SendRaw(wire)
}

// SendRaw writes an already framed message, encrypting it in place first when
// a cipher is attached.
func (s *Session) SendRaw(wire []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.RLock()
	state, c := s.state, s.cipher
	s.mu.RUnlock()
	if state == StateClosed {
		return ErrSessionClosed
	}
	if dl, ok := s.out.(writeDeadliner); ok && s.writeTO > 0 {
		if err := dl.SetWriteDeadline(time.Now().Add(s.writeTO)); err != nil {
			return err
		}
	}
	if c != nil {
		c.Encrypt(wire)
	}
	if _, err := s.out.Write(wire); err != nil {
		// A short write leaves the client cipher out of step; the session is done.
		s.abort()
		return fmt.Errorf("%w: %w", ErrClientWrite, err)
	}
	return nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// abort closes the session and its client stream so the relay loop exits.
func (s *Session) abort() {
	if !s.Close() {
		return
	}
	if c, ok := s.out.(io.Closer); ok {
		_ = c.Close()
	}
	observability.RecordSessionError("client_write")
	s.log.Warn().Msg("client write failed, closing session")
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	State    State     `json:"state"`
	Identity uint64    `json:"identity"`
	OpenedAt time.Time `json:"opened_at"`
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:       s.id.String(),
		Remote:   s.remote,
		State:    s.state,
		Identity: s.identity,
		OpenedAt: s.openedAt,
	}
}
