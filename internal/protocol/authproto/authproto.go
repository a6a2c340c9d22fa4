// Package authproto holds the fixed layouts of the login-server protocol that
// the gateway must agree with byte for byte. The key exchange itself lives
// outside this repository.
package authproto

import (
	"fmt"

	"github.com/danmuck/realmgate/internal/protocol/codec"
)

// Command is the first byte of every login-server message. The values are
// fixed by the client and must never be renumbered.
type Command uint8

const (
	LogonChallenge     Command = 0x00
	LogonProof         Command = 0x01
	ReconnectChallenge Command = 0x02
	ReconnectProof     Command = 0x03
	RealmList          Command = 0x10
)

var commandNames = map[Command]string{
	LogonChallenge:     "LogonChallenge",
	LogonProof:         "LogonProof",
	ReconnectChallenge: "ReconnectChallenge",
	ReconnectProof:     "ReconnectProof",
	RealmList:          "RealmList",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", uint8(c))
}

// ParseCommand validates a raw command byte.
func ParseCommand(b byte) (Command, error) {
	c := Command(b)
	if _, ok := commandNames[c]; !ok {
		return 0, fmt.Errorf("authproto: unknown command 0x%02X", b)
	}
	return c, nil
}

// LogonProofSize is the wire size of the client logon proof body.
const LogonProofSize = 74

// LogonProofSchema is A[32] M1[20] CRC[20] nKeys[1] reserved[1], no padding.
var LogonProofSchema = codec.MustSchema("AuthLogonProof",
	codec.Bytes("A", 32),
	codec.Bytes("M1", 20),
	codec.Bytes("CRC", 20),
	codec.Uint8("nKeys"),
	codec.Uint8("reserved"),
)

// Proof is the decoded client logon proof.
type Proof struct {
	A        [32]byte
	M1       [20]byte
	CRC      [20]byte
	NumKeys  uint8
	Reserved uint8
}

// Record converts p for the codec.
func (p Proof) Record() codec.Record {
	return codec.Record{
		"A":        p.A[:],
		"M1":       p.M1[:],
		"CRC":      p.CRC[:],
		"nKeys":    p.NumKeys,
		"reserved": p.Reserved,
	}
}

// Encode returns the wire form of p.
func (p Proof) Encode() ([]byte, error) {
	return codec.Encode(LogonProofSchema, p.Record())
}

// ReadProof decodes a proof from the front of data.
func ReadProof(data []byte) (Proof, error) {
	rec, _, err := codec.Decode(LogonProofSchema, data)
	if err != nil {
		return Proof{}, err
	}
	var p Proof
	for name, dst := range map[string][]byte{"A": p.A[:], "M1": p.M1[:], "CRC": p.CRC[:]} {
		b, err := rec.Bytes(name)
		if err != nil {
			return Proof{}, err
		}
		copy(dst, b)
	}
	if p.NumKeys, err = rec.Uint8("nKeys"); err != nil {
		return Proof{}, err
	}
	if p.Reserved, err = rec.Uint8("reserved"); err != nil {
		return Proof{}, err
	}
	return p, nil
}

func (p Proof) String() string {
	return fmt.Sprintf("A=% X, M1=% X, CRC=% X, nKeys=%d", p.A, p.M1, p.CRC, p.NumKeys)
}
