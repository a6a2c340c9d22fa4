package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/realmgate/internal/protocol/crypt"
)

const (
	// HeaderLen is the length field plus the opcode field.
	HeaderLen = 4
	// OpcodeLen is the part of the header counted by the length field.
	OpcodeLen = 2
	// MaxPayload is the largest payload a uint16 length can declare.
	MaxPayload = 0xFFFF - OpcodeLen
)

var (
	ErrIncomplete      = errors.New("frame: incomplete frame")
	ErrMalformed       = errors.New("frame: declared length smaller than opcode")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// FramingError reports a frame whose header declares more payload than the
// buffer holds. It is recoverable: keep the bytes and retry with more data.
type FramingError struct {
	Declared  int
	Available int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("frame: declared payload %d bytes, %d available", e.Declared, e.Available)
}

func (e *FramingError) Unwrap() error { return ErrIncomplete }

// Mode is the header convention of one direction.
type Mode struct {
	Name string
	// Order is the byte order of the length field. Opcodes are always
	// little-endian.
	Order binary.ByteOrder
	// EncryptedHeader makes the decoder decrypt the 4 header bytes before
	// reading them.
	EncryptedHeader bool
	// LengthIncludesOpcode counts the opcode bytes in the length field.
	LengthIncludesOpcode bool
}

var (
	ClientInbound = Mode{
		Name:                 "client-inbound",
		Order:                binary.BigEndian,
		EncryptedHeader:      true,
		LengthIncludesOpcode: true,
	}
	ClientOutbound = Mode{
		Name:                 "client-outbound",
		Order:                binary.LittleEndian,
		LengthIncludesOpcode: true,
	}
	Backend = Mode{
		Name:                 "backend",
		Order:                binary.LittleEndian,
		LengthIncludesOpcode: true,
	}
)

// Header is the decoded (plaintext) frame header.
type Header struct {
	Length uint16
	Opcode uint16
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// TotalLen is the number of wire bytes the frame occupied.
func (f Frame) TotalLen() int {
	return HeaderLen + len(f.Payload)
}

// payloadLen returns the payload size declared by h under m.
func (m Mode) payloadLen(h Header) (int, error) {
	n := int(h.Length)
	if !m.LengthIncludesOpcode {
		return n, nil
	}
	if n < OpcodeLen {
		return 0, ErrMalformed
	}
	return n - OpcodeLen, nil
}

func (m Mode) lengthFor(payload int) uint16 {
	if m.LengthIncludesOpcode {
		return uint16(payload + OpcodeLen)
	}
	return uint16(payload)
}

// PutHeader writes h into b[:HeaderLen] in plaintext.
func (m Mode) PutHeader(b []byte, h Header) {
	m.Order.PutUint16(b[0:2], h.Length)
	binary.LittleEndian.PutUint16(b[2:4], h.Opcode)
}

// ParseHeader reads a plaintext header from b[:HeaderLen].
func (m Mode) ParseHeader(b []byte) Header {
	return Header{
		Length: m.Order.Uint16(b[0:2]),
		Opcode: binary.LittleEndian.Uint16(b[2:4]),
	}
}

// Canonical returns f's header rewritten for mode m: plaintext and with the
// length recomputed from the payload.
func (m Mode) Canonical(f Frame) Header {
	return Header{Length: m.lengthFor(len(f.Payload)), Opcode: f.Header.Opcode}
}

// EncodeOne frames payload under m. No encryption is applied.
func EncodeOne(opcode uint16, payload []byte, m Mode) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, HeaderLen+len(payload))
	m.PutHeader(out, Header{Length: m.lengthFor(len(payload)), Opcode: opcode})
	copy(out[HeaderLen:], payload)
	return out, nil
}

// Decoder splits a byte stream into frames for one connection direction. It
// remembers when the header at the front of a retained buffer was already
// decrypted, so a retry after ErrIncomplete does not advance the cipher twice.
// A Decoder must not be shared between connections.
type Decoder struct {
	Mode   Mode
	Cipher crypt.Cipher

	headerPlain bool
}

// NewDecoder returns a decoder for m. c may be nil until a cipher exists.
func NewDecoder(m Mode, c crypt.Cipher) *Decoder {
	return &Decoder{Mode: m, Cipher: c}
}

// Next decodes the frame at the front of buf. It returns n == 0 and a nil
// error when fewer than HeaderLen bytes are present. A header declaring more
// payload than buf holds yields a *FramingError and n == 0; the same bytes
// must be passed again, unchanged, on the next call. Header bytes are
// decrypted in place. The payload aliases buf.
func (d *Decoder) Next(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderLen {
		return Frame{}, 0, nil
	}
	head := buf[:HeaderLen]
	if d.Mode.EncryptedHeader && !d.headerPlain {
		if d.Cipher != nil {
			d.Cipher.Decrypt(head)
		}
		d.headerPlain = true
	}
	h := d.Mode.ParseHeader(head)
	n, err := d.Mode.payloadLen(h)
	if err != nil {
		return Frame{}, 0, err
	}
	available := len(buf) - HeaderLen
	if n > available {
		return Frame{}, 0, &FramingError{Declared: n, Available: available}
	}
	d.headerPlain = false
	end := HeaderLen + n
	return Frame{Header: h, Payload: buf[HeaderLen:end:end]}, end, nil
}

// DecodeAll consumes buf front to back and returns the complete frames, the
// number of bytes they occupied and an error. It stops quietly when fewer
// than HeaderLen bytes remain. A trailing partial frame yields a
// *FramingError and contributes zero consumed bytes.
func (d *Decoder) DecodeAll(buf []byte) ([]Frame, int, error) {
	var frames []Frame
	off := 0
	for {
		f, n, err := d.Next(buf[off:])
		if err != nil {
			return frames, off, err
		}
		if n == 0 {
			return frames, off, nil
		}
		frames = append(frames, f)
		off += n
	}
}

// Reset forgets a pending decrypted header. Call it when the retained buffer
// is discarded.
func (d *Decoder) Reset() {
	d.headerPlain = false
}

// DecodeAll decodes buf with a one-shot decoder. Use a Decoder to keep header
// state across partial reads on an encrypted connection.
func DecodeAll(buf []byte, m Mode, c crypt.Cipher) ([]Frame, int, error) {
	return NewDecoder(m, c).DecodeAll(buf)
}
