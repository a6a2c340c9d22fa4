// Package backend owns the single upstream connection to the world server.
//
// Forwarded client frames arrive as [identity u64 LE][frame] and are written
// whole under one lock. Replies use the same envelope and are handed to a
// Router keyed by identity.
package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/realmgate/internal/observability"
	"github.com/danmuck/realmgate/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const (
	IdentityLen = 8
	readChunk   = 8192
)

var ErrNotConnected = errors.New("backend: link not connected")

// Router receives backend replies addressed by identity.
type Router interface {
	Deliver(identity uint64, f frame.Frame) error
}

type Config struct {
	Addr         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Backoff      BackoffConfig
	// MaxAttempts stops Run after this many consecutive failed dials.
	// Zero retries forever.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8086",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Backoff:      DefaultBackoff(),
	}
}

// Link is a reconnecting connection to the world server.
type Link struct {
	cfg    Config
	router Router
	rng    *rand.Rand

	mu   sync.Mutex
	conn net.Conn
}

func NewLink(cfg Config, router Router) *Link {
	defaults := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = defaults.Backoff
	}
	return &Link{
		cfg:    cfg,
		router: router,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Forward writes one identity-prefixed frame. Concurrent callers are
// serialized so frames never interleave on the wire.
func (l *Link) Forward(ctx context.Context, wire []byte) error {
	if len(wire) < IdentityLen+frame.HeaderLen {
		return fmt.Errorf("backend: forward of %d bytes is shorter than an envelope", len(wire))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	if err := l.conn.SetWriteDeadline(l.writeDeadline(ctx)); err != nil {
		return err
	}
	if _, err := l.conn.Write(wire); err != nil {
		_ = l.conn.Close()
		return fmt.Errorf("backend: write: %w", err)
	}
	observability.RecordBackendFrame("out")
	return nil
}

func (l *Link) writeDeadline(ctx context.Context) time.Time {
	var deadline time.Time
	if l.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(l.cfg.WriteTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	return deadline
}

// Run dials the backend and routes replies until ctx is done, redialing with
// backoff whenever the connection drops.
func (l *Link) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := l.dial(ctx)
		if err != nil {
			observability.RecordBackendConnect(false)
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			if l.cfg.MaxAttempts > 0 && attempt >= l.cfg.MaxAttempts {
				return fmt.Errorf("backend: dial %s after %d attempts: %w", l.cfg.Addr, attempt, err)
			}
			delay := l.cfg.Backoff.Delay(attempt, l.rng)
			log.Warn().Str("addr", l.cfg.Addr).Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("backend dial failed")
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		attempt = 0
		observability.RecordBackendConnect(true)
		l.setConn(conn)
		log.Info().Str("addr", l.cfg.Addr).Msg("backend connected")

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = l.readLoop(conn)
		stop()
		l.clearConn(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Str("addr", l.cfg.Addr).Err(err).Msg("backend link lost")
		if !sleep(ctx, l.cfg.Backoff.Delay(1, l.rng)) {
			return nil
		}
	}
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: l.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", l.cfg.Addr)
}

func (l *Link) setConn(conn net.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *Link) clearConn(conn net.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
}

func (l *Link) readLoop(conn net.Conn) error {
	chunk := make([]byte, readChunk)
	dec := frame.NewDecoder(frame.Backend, nil)
	var pending []byte
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			consumed, rerr := l.route(dec, pending)
			if rerr != nil {
				return rerr
			}
			pending = append(pending[:0], pending[consumed:]...)
		}
		if err != nil {
			return err
		}
	}
}

// route delivers every complete envelope in buf and returns the bytes used.
func (l *Link) route(dec *frame.Decoder, buf []byte) (int, error) {
	off := 0
	for len(buf)-off >= IdentityLen+frame.HeaderLen {
		identity := binary.LittleEndian.Uint64(buf[off : off+IdentityLen])
		f, n, err := dec.Next(buf[off+IdentityLen:])
		if err != nil {
			if errors.Is(err, frame.ErrIncomplete) {
				return off, nil
			}
			return off, fmt.Errorf("backend: reply for %d: %w", identity, err)
		}
		observability.RecordBackendFrame("in")
		if err := l.router.Deliver(identity, f); err != nil {
			log.Debug().Uint64("identity", identity).Uint16("opcode", f.Header.Opcode).Err(err).Msg("backend reply dropped")
		}
		off += IdentityLen + n
	}
	return off, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
