package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/realmgate/internal/protocol/frame"
	"github.com/danmuck/realmgate/internal/testutil/testlog"
)

type delivery struct {
	identity uint64
	opcode   uint16
	payload  []byte
}

type recordingRouter struct {
	mu    sync.Mutex
	got   []delivery
	known map[uint64]bool
}

func (r *recordingRouter) Deliver(identity uint64, f frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known != nil && !r.known[identity] {
		return errors.New("unknown identity")
	}
	r.got = append(r.got, delivery{identity: identity, opcode: f.Header.Opcode, payload: bytes.Clone(f.Payload)})
	return nil
}

func (r *recordingRouter) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func envelope(t *testing.T, identity uint64, opcode uint16, payload []byte) []byte {
	t.Helper()
	wire, err := frame.EncodeOne(opcode, payload, frame.Backend)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := binary.LittleEndian.AppendUint64(nil, identity)
	return append(out, wire...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Addr = addr
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func TestForwardWithoutConnection(t *testing.T) {
	testlog.Start(t)

	l := NewLink(DefaultConfig(), &recordingRouter{})
	err := l.Forward(context.Background(), envelope(t, 1, 0x3D, nil))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := l.Forward(context.Background(), []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected short envelope error")
	}
}

func TestLinkForwardsAndRoutesReplies(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	router := &recordingRouter{known: map[uint64]bool{7: true, 8: true}}
	l := NewLink(fastConfig(ln.Addr().String()), router)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var world net.Conn
	select {
	case world = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatalf("link never dialed")
	}
	defer world.Close()
	waitFor(t, "link connected", l.Connected)

	out := envelope(t, 7, 0x0B5, []byte("hi"))
	if err := l.Forward(ctx, out); err != nil {
		t.Fatalf("forward: %v", err)
	}
	got := make([]byte, len(out))
	_ = world.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(world, got); err != nil {
		t.Fatalf("world read: %v", err)
	}
	if !bytes.Equal(got, out) {
		t.Fatalf("world got % X want % X", got, out)
	}

	replies := append(envelope(t, 7, 0x03B, []byte{1, 2, 3}), envelope(t, 99, 0x03B, nil)...)
	replies = append(replies, envelope(t, 8, 0x1DD, []byte{9})...)
	// dribble the bytes to exercise partial envelopes
	for i := 0; i < len(replies); i += 5 {
		end := min(i+5, len(replies))
		if _, err := world.Write(replies[i:end]); err != nil {
			t.Fatalf("world write: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, "two deliveries", func() bool { return len(router.deliveries()) == 2 })
	d := router.deliveries()
	if d[0].identity != 7 || d[0].opcode != 0x03B || !bytes.Equal(d[0].payload, []byte{1, 2, 3}) {
		t.Fatalf("first delivery %+v", d[0])
	}
	if d[1].identity != 8 || d[1].opcode != 0x1DD {
		t.Fatalf("second delivery %+v", d[1])
	}

	// dropping the connection makes the link redial
	_ = world.Close()
	select {
	case world = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatalf("link did not redial")
	}
	defer world.Close()
	waitFor(t, "link reconnected", l.Connected)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
	if l.Connected() {
		t.Fatalf("link still connected after shutdown")
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := fastConfig(addr)
	cfg.MaxAttempts = 2
	err = NewLink(cfg, &recordingRouter{}).Run(context.Background())
	if err == nil {
		t.Fatalf("expected dial failure")
	}
}

func TestBackoffDelay(t *testing.T) {
	testlog.Start(t)

	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second}
	cases := map[int]time.Duration{
		1: 250 * time.Millisecond,
		2: 500 * time.Millisecond,
		3: time.Second,
		6: 5 * time.Second,
	}
	for attempt, want := range cases {
		if got := cfg.Delay(attempt, nil); got != want {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, want)
		}
	}

	cfg.Jitter = true
	if got := cfg.Delay(2, nil); got != 250*time.Millisecond {
		t.Fatalf("jitter lower bound: got %v", got)
	}
	if got := (BackoffConfig{}).Delay(4, nil); got != 0 {
		t.Fatalf("zero config: got %v", got)
	}
}
