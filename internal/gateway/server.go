package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/realmgate/internal/observability"
	"github.com/danmuck/realmgate/internal/protocol/crypt"
	"github.com/danmuck/realmgate/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const readChunk = 4096

// ServerConfig holds the collaborators shared by every accepted connection.
type ServerConfig struct {
	ListenAddr string
	// ReadTimeout bounds the wait for client bytes. Zero disables it.
	ReadTimeout time.Duration
	// WriteTimeout bounds each write to a client. Zero disables it.
	WriteTimeout time.Duration
	OutboundMode frame.Mode
	Derivation   crypt.Derivation

	Handlers  *HandlerTable
	Handshake Handshake
	Backend   Backend
	Registry  *Registry
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8085",
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 10 * time.Second,
		OutboundMode: frame.ClientOutbound,
		Derivation:   crypt.DeriveNone,
		Handlers:     DefaultHandlers(),
	}
}

// Server accepts client connections and runs one Session per connection.
type Server struct {
	cfg ServerConfig

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	active atomic.Int64
}

func NewServer(cfg ServerConfig) *Server {
	defaults := DefaultServerConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if cfg.OutboundMode.Order == nil {
		cfg.OutboundMode = defaults.OutboundMode
	}
	if cfg.Derivation == "" {
		cfg.Derivation = defaults.Derivation
	}
	if cfg.Handlers == nil {
		cfg.Handlers = defaults.Handlers
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Server{cfg: cfg, conns: make(map[net.Conn]struct{})}
}

func (s *Server) Registry() *Registry { return s.cfg.Registry }

func (s *Server) ActiveConns() int64 { return s.active.Load() }

// ListenAndServe binds ListenAddr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done or the listener fails. Open
// connections are closed on shutdown and Serve waits for their sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.closeAllConns()
			return err
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()

	sess, err := NewSession(SessionConfig{
		Remote:       remote,
		Out:          conn,
		WriteTimeout: s.cfg.WriteTimeout,
		Backend:      s.cfg.Backend,
		Handshake:    s.cfg.Handshake,
		Handlers:     s.cfg.Handlers,
		Index:        s.cfg.Registry,
		OutboundMode: s.cfg.OutboundMode,
		Derivation:   s.cfg.Derivation,
	})
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("session setup failed")
		observability.RecordSessionError(errorReason(err))
		return
	}
	if err := s.cfg.Registry.Add(sess); err != nil {
		sess.Logger().Error().Err(err).Msg("session registry add failed")
		return
	}
	active := s.active.Add(1)
	observability.RecordSessionOpened()
	sess.Logger().Info().Int64("active", active).Msg("client connected")
	defer func() {
		sess.Close()
		s.cfg.Registry.Remove(sess.ID())
		remaining := s.active.Add(-1)
		observability.RecordSessionClosed(time.Since(sess.OpenedAt()))
		sess.Logger().Info().Int64("active", remaining).Msg("client disconnected")
	}()

	if err := s.relay(ctx, conn, sess); err != nil {
		observability.RecordSessionError(errorReason(err))
		sess.Logger().Warn().Err(err).Msg("session closed with error")
	}
}

// relay reads client bytes and feeds them to sess. Bytes of a partial frame
// are retained and offered again, extended, after the next read.
func (s *Server) relay(ctx context.Context, conn net.Conn, sess *Session) error {
	chunk := make([]byte, readChunk)
	var pending []byte
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			consumed, perr := sess.Process(ctx, pending)
			if perr != nil {
				return perr
			}
			pending = append(pending[:0], pending[consumed:]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// errorReason maps a connection-fatal error to a metrics label.
func errorReason(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, frame.ErrMalformed), errors.Is(err, frame.ErrPayloadTooLarge):
		return "framing"
	case errors.Is(err, ErrHandshakeRejected), errors.Is(err, ErrNoHandshake):
		return "handshake"
	case errors.Is(err, ErrUnboundForward):
		return "unbound"
	case errors.Is(err, ErrLifecycleOrder), errors.Is(err, ErrInvalidIdentity):
		return "lifecycle"
	case errors.Is(err, ErrNoBackend):
		return "backend"
	case errors.Is(err, ErrClientWrite):
		return "client_write"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	default:
		return "other"
	}
}
