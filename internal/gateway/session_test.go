package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/realmgate/internal/protocol/codec"
	"github.com/danmuck/realmgate/internal/protocol/crypt"
	"github.com/danmuck/realmgate/internal/protocol/frame"
	"github.com/danmuck/realmgate/internal/protocol/packets"
	"github.com/danmuck/realmgate/internal/testutil/testlog"
)

const testSeed int32 = 0x01020304

var testKey = []byte{0x10, 0x22, 0x35, 0x47, 0x59, 0x6A, 0x7C, 0x8E}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

type fakeBackend struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (b *fakeBackend) Forward(_ context.Context, wire []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.frames = append(b.frames, bytes.Clone(wire))
	return nil
}

func (b *fakeBackend) Frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.frames...)
}

type fakeHandshake map[string][]byte

func (h fakeHandshake) SessionKey(_ context.Context, account string) ([]byte, error) {
	key, ok := h[account]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", account)
	}
	return key, nil
}

// testClient plays the client end of one session.
type testClient struct {
	t      *testing.T
	cipher *crypt.Stream
}

func newTestClient(t *testing.T) *testClient {
	t.Helper()
	c, err := crypt.NewStream(testKey)
	if err != nil {
		t.Fatalf("client cipher: %v", err)
	}
	return &testClient{t: t, cipher: c}
}

// frame builds a client frame; the header is encrypted when encrypted is set.
func (c *testClient) frame(op packets.Opcode, payload []byte, encrypted bool) []byte {
	c.t.Helper()
	wire, err := frame.EncodeOne(uint16(op), payload, frame.ClientInbound)
	if err != nil {
		c.t.Fatalf("encode frame: %v", err)
	}
	if encrypted {
		c.cipher.Encrypt(wire[:frame.HeaderLen])
	}
	return wire
}

// read decrypts a whole server frame and decodes it.
func (c *testClient) read(wire []byte) frame.Frame {
	c.t.Helper()
	plain := bytes.Clone(wire)
	c.cipher.Decrypt(plain)
	frames, n, err := frame.DecodeAll(plain, frame.ClientOutbound, nil)
	if err != nil || n != len(plain) || len(frames) != 1 {
		c.t.Fatalf("decode server frame: frames=%d n=%d err=%v", len(frames), n, err)
	}
	return frames[0]
}

func encodePayload(t *testing.T, s *codec.Schema, rec codec.Record) []byte {
	t.Helper()
	b, err := codec.Encode(s, rec)
	if err != nil {
		t.Fatalf("encode %s: %v", s.Name, err)
	}
	return b
}

func authSessionPayload(t *testing.T, account string) []byte {
	return encodePayload(t, packets.AuthSession, codec.Record{
		"build":       uint32(5875),
		"server_id":   uint32(1),
		"account":     account,
		"client_seed": uint32(0xCAFE),
		"digest":      make([]byte, 20),
	})
}

func pingPayload(t *testing.T, seq uint32) []byte {
	return encodePayload(t, packets.Ping, codec.Record{"sequence": seq})
}

func loginPayload(t *testing.T, guid uint64) []byte {
	return encodePayload(t, packets.PlayerLogin, codec.Record{"guid": guid})
}

type testSession struct {
	sess    *Session
	out     *syncBuffer
	backend *fakeBackend
	client  *testClient
}

func newTestSession(t *testing.T, index IdentityIndex) *testSession {
	t.Helper()
	out := &syncBuffer{}
	backend := &fakeBackend{}
	sess, err := NewSession(SessionConfig{
		Remote:    "test",
		Out:       out,
		Backend:   backend,
		Handshake: fakeHandshake{"alice": testKey},
		Handlers:  DefaultHandlers(),
		Index:     index,
		Seed:      func() (int32, error) { return testSeed, nil },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return &testSession{sess: sess, out: out, backend: backend, client: newTestClient(t)}
}

func (ts *testSession) process(t *testing.T, wire []byte) {
	t.Helper()
	n, err := ts.sess.Process(context.Background(), wire)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("process consumed %d of %d bytes", n, len(wire))
	}
}

// authenticate runs the auth exchange and returns with the output drained.
func (ts *testSession) authenticate(t *testing.T) {
	t.Helper()
	ts.out.Reset()
	ts.process(t, ts.client.frame(packets.CMSG_AUTH_SESSION, authSessionPayload(t, "alice"), false))
	resp := ts.client.read(ts.out.Bytes())
	if packets.Opcode(resp.Header.Opcode) != packets.SMSG_AUTH_RESPONSE {
		t.Fatalf("expected auth response, got %s", packets.Opcode(resp.Header.Opcode))
	}
	rec, _, err := codec.Decode(packets.AuthResponse, resp.Payload)
	if err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	if result, _ := rec.Uint8("result"); result != packets.AuthOK {
		t.Fatalf("expected AUTH_OK, got 0x%02X", result)
	}
	ts.out.Reset()
}

func TestNewSessionSendsSinglePlaintextChallenge(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	got := ts.out.Bytes()
	want := []byte{0x06, 0x00, 0xEC, 0x01, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("challenge bytes: got % X want % X", got, want)
	}
	if ts.sess.State() != StateConnected {
		t.Fatalf("expected connected, got %s", ts.sess.State())
	}
	if ts.sess.Seed() != testSeed {
		t.Fatalf("seed mismatch: %d", ts.sess.Seed())
	}
}

func TestAuthSessionAttachesCipherAndRepliesEncrypted(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	ts.out.Reset()
	ts.process(t, ts.client.frame(packets.CMSG_AUTH_SESSION, authSessionPayload(t, "alice"), false))

	raw := ts.out.Bytes()
	plainHeader := []byte{0x03, 0x00, 0xEE, 0x01}
	if len(raw) != 5 {
		t.Fatalf("expected 5-byte auth response, got %d", len(raw))
	}
	if bytes.Equal(raw[:4], plainHeader) {
		t.Fatalf("auth response left in plaintext")
	}
	resp := ts.client.read(raw)
	if resp.Header.Opcode != uint16(packets.SMSG_AUTH_RESPONSE) || !bytes.Equal(resp.Payload, []byte{packets.AuthOK}) {
		t.Fatalf("unexpected auth response %+v", resp)
	}
	if ts.sess.State() != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", ts.sess.State())
	}
	if len(ts.backend.Frames()) != 0 {
		t.Fatalf("auth session must not be forwarded")
	}
}

func TestAuthSessionRejectedKeepsConnected(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	ts.out.Reset()
	_, err := ts.sess.Process(context.Background(), ts.client.frame(packets.CMSG_AUTH_SESSION, authSessionPayload(t, "mallory"), false))
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}
	if ts.sess.State() != StateConnected {
		t.Fatalf("expected connected, got %s", ts.sess.State())
	}
	if out := ts.out.Bytes(); len(out) != 0 {
		t.Fatalf("rejection must not write plaintext, got % X", out)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	ts.authenticate(t)
	ts.process(t, ts.client.frame(packets.CMSG_PING, pingPayload(t, 77), true))

	pong := ts.client.read(ts.out.Bytes())
	if packets.Opcode(pong.Header.Opcode) != packets.SMSG_PONG {
		t.Fatalf("expected pong, got %s", packets.Opcode(pong.Header.Opcode))
	}
	if seq := binary.LittleEndian.Uint32(pong.Payload); seq != 77 {
		t.Fatalf("pong sequence: %d", seq)
	}
	if len(ts.backend.Frames()) != 0 {
		t.Fatalf("ping must not be forwarded")
	}
}

func TestUnboundForwardIsFatal(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	_, err := ts.sess.Process(context.Background(), ts.client.frame(packets.CMSG_CHAR_ENUM, nil, false))
	if !errors.Is(err, ErrUnboundForward) {
		t.Fatalf("connected: expected ErrUnboundForward, got %v", err)
	}

	ts = newTestSession(t, nil)
	ts.authenticate(t)
	_, err = ts.sess.Process(context.Background(), ts.client.frame(packets.CMSG_CHAR_ENUM, nil, true))
	if !errors.Is(err, ErrUnboundForward) {
		t.Fatalf("authenticated: expected ErrUnboundForward, got %v", err)
	}
	if len(ts.backend.Frames()) != 0 {
		t.Fatalf("nothing may be forwarded before binding")
	}
}

func TestPlayerLoginBindsAndForwards(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	ts.authenticate(t)
	login := ts.client.frame(packets.CMSG_PLAYER_LOGIN, loginPayload(t, 42), true)
	ts.process(t, login)

	if ts.sess.State() != StateBound || ts.sess.Identity() != 42 {
		t.Fatalf("expected bound to 42, got %s/%d", ts.sess.State(), ts.sess.Identity())
	}
	frames := ts.backend.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected one forwarded frame, got %d", len(frames))
	}
	fwd := frames[0]
	if len(fwd) != IdentityLen+len(login) {
		t.Fatalf("forwarded length %d, want %d", len(fwd), IdentityLen+len(login))
	}
	if id := binary.LittleEndian.Uint64(fwd[:8]); id != 42 {
		t.Fatalf("identity prefix %d", id)
	}
	wantHeader := []byte{0x0A, 0x00, 0x3D, 0x00}
	if !bytes.Equal(fwd[8:12], wantHeader) {
		t.Fatalf("canonical header % X, want % X", fwd[8:12], wantHeader)
	}
	if !bytes.Equal(fwd[12:], loginPayload(t, 42)) {
		t.Fatalf("payload changed in forwarding")
	}
}

func TestBoundSessionForwardsUnknownOpcodes(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	ts.authenticate(t)
	ts.process(t, ts.client.frame(packets.CMSG_PLAYER_LOGIN, loginPayload(t, 7), true))

	payload := []byte("abc")
	wire := ts.client.frame(packets.Opcode(0x0B5), payload, true)
	ts.process(t, wire)

	frames := ts.backend.Frames()
	if len(frames) != 2 {
		t.Fatalf("expected two forwarded frames, got %d", len(frames))
	}
	fwd := frames[1]
	if len(fwd) != 8+len(wire) {
		t.Fatalf("forwarded length %d, want %d", len(fwd), 8+len(wire))
	}
	want := []byte{7, 0, 0, 0, 0, 0, 0, 0, 0x05, 0x00, 0xB5, 0x00, 'a', 'b', 'c'}
	if !bytes.Equal(fwd, want) {
		t.Fatalf("forwarded % X, want % X", fwd, want)
	}
}

func TestBackendFailureIsFatal(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	ts.backend.err = errors.New("link down")
	ts.authenticate(t)
	_, err := ts.sess.Process(context.Background(), ts.client.frame(packets.CMSG_PLAYER_LOGIN, loginPayload(t, 9), true))
	if err == nil || !errors.Is(err, ts.backend.err) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestProcessRetainsPartialEncryptedFrame(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	ts.authenticate(t)
	wire := ts.client.frame(packets.CMSG_PING, pingPayload(t, 5), true)

	for _, cut := range []int{3, 6} {
		n, err := ts.sess.Process(context.Background(), wire[:cut])
		if err != nil || n != 0 {
			t.Fatalf("partial %d: n=%d err=%v", cut, n, err)
		}
	}
	if len(ts.out.Bytes()) != 0 {
		t.Fatalf("partial frame must not be dispatched")
	}
	ts.process(t, wire)
	pong := ts.client.read(ts.out.Bytes())
	if seq := binary.LittleEndian.Uint32(pong.Payload); seq != 5 {
		t.Fatalf("pong sequence %d", seq)
	}
}

func TestProcessHandlesCipherAttachedMidBuffer(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	ts.out.Reset()
	buf := ts.client.frame(packets.CMSG_AUTH_SESSION, authSessionPayload(t, "alice"), false)
	buf = append(buf, ts.client.frame(packets.CMSG_PING, pingPayload(t, 11), true)...)
	ts.process(t, buf)

	out := ts.out.Bytes()
	if len(out) != 5+8 {
		t.Fatalf("expected auth response and pong, got %d bytes", len(out))
	}
	ts.client.read(out[:5])
	pong := ts.client.read(out[5:])
	if seq := binary.LittleEndian.Uint32(pong.Payload); seq != 11 {
		t.Fatalf("pong sequence %d", seq)
	}
}

func TestMalformedHeaderIsFatal(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	_, err := ts.sess.Process(context.Background(), []byte{0x00, 0x01, 0xDC, 0x01})
	if !errors.Is(err, frame.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestSessionLifecycleOrder(t *testing.T) {
	testlog.Start(t)

	ts := newTestSession(t, nil)
	if err := ts.sess.Bind(5); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("bind before auth: %v", err)
	}
	c, _ := crypt.NewStream(testKey)
	if err := ts.sess.AttachCipher(c); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := ts.sess.AttachCipher(c); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("second attach: %v", err)
	}
	if err := ts.sess.Bind(0); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("zero identity: %v", err)
	}
	if err := ts.sess.Bind(5); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := ts.sess.Bind(6); err != nil || ts.sess.Identity() != 6 {
		t.Fatalf("rebind: %v identity=%d", err, ts.sess.Identity())
	}

	if !ts.sess.Close() || ts.sess.Close() {
		t.Fatalf("close must report the first transition only")
	}
	if err := ts.sess.SendRaw([]byte{1, 2, 3, 4}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if _, err := ts.sess.Process(context.Background(), []byte{0, 0}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("process after close: %v", err)
	}
}

func TestSessionsDoNotShareCipherState(t *testing.T) {
	testlog.Start(t)

	a := newTestSession(t, nil)
	b := newTestSession(t, nil)
	a.authenticate(t)
	b.authenticate(t)

	// a sends two pongs, b one; b's pong must match a's first.
	a.process(t, a.client.frame(packets.CMSG_PING, pingPayload(t, 1), true))
	aFirst := a.out.Bytes()
	a.out.Reset()
	a.process(t, a.client.frame(packets.CMSG_PING, pingPayload(t, 1), true))
	aSecond := a.out.Bytes()

	b.process(t, b.client.frame(packets.CMSG_PING, pingPayload(t, 1), true))
	bFirst := b.out.Bytes()

	if !bytes.Equal(aFirst, bFirst) {
		t.Fatalf("session b output changed by session a: % X vs % X", aFirst, bFirst)
	}
	if bytes.Equal(aFirst, aSecond) {
		t.Fatalf("cipher state did not advance within session a")
	}
}
