// Package packets is the world-protocol message catalogue: opcode numbers
// and the static schema of every message the gateway reads or writes itself.
package packets

import (
	"fmt"

	"github.com/danmuck/realmgate/internal/protocol/codec"
)

// Opcode identifies a world message.
type Opcode uint16

const (
	CMSG_CHAR_ENUM      Opcode = 0x037
	CMSG_PLAYER_LOGIN   Opcode = 0x03D
	CMSG_PING           Opcode = 0x1DC
	SMSG_PONG           Opcode = 0x1DD
	SMSG_AUTH_CHALLENGE Opcode = 0x1EC
	CMSG_AUTH_SESSION   Opcode = 0x1ED
	SMSG_AUTH_RESPONSE  Opcode = 0x1EE
)

var opcodeNames = map[Opcode]string{
	CMSG_CHAR_ENUM:      "CMSG_CHAR_ENUM",
	CMSG_PLAYER_LOGIN:   "CMSG_PLAYER_LOGIN",
	CMSG_PING:           "CMSG_PING",
	SMSG_PONG:           "SMSG_PONG",
	SMSG_AUTH_CHALLENGE: "SMSG_AUTH_CHALLENGE",
	CMSG_AUTH_SESSION:   "CMSG_AUTH_SESSION",
	SMSG_AUTH_RESPONSE:  "SMSG_AUTH_RESPONSE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%03X", uint16(o))
}

// Auth response codes carried by SMSG_AUTH_RESPONSE.
const (
	AuthOK             uint8 = 0x0C
	AuthFailed         uint8 = 0x0D
	AuthUnknownAccount uint8 = 0x15
)

var (
	AuthChallenge = codec.MustSchema("SMSG_AUTH_CHALLENGE",
		codec.Int32("seed"),
	)

	AuthSession = codec.MustSchema("CMSG_AUTH_SESSION",
		codec.Uint32("build"),
		codec.Uint32("server_id"),
		codec.CStr("account"),
		codec.Uint32("client_seed"),
		codec.Bytes("digest", 20),
		codec.Optional(codec.Uint32("addon_size")),
	)

	AuthResponse = codec.MustSchema("SMSG_AUTH_RESPONSE",
		codec.Enum("result", codec.KindUint8),
		codec.Optional(codec.Uint32("billing_time_remaining")),
		codec.Optional(codec.Uint8("billing_plan_flags")),
		codec.Optional(codec.Uint32("billing_time_rested")),
	)

	Ping = codec.MustSchema("CMSG_PING",
		codec.Uint32("sequence"),
		codec.Optional(codec.Uint32("latency")),
	)

	Pong = codec.MustSchema("SMSG_PONG",
		codec.Uint32("sequence"),
	)

	PlayerLogin = codec.MustSchema("CMSG_PLAYER_LOGIN",
		codec.Uint64("guid"),
	)
)

// Schemas is the static registry of gateway-owned messages.
var Schemas = mustRegistry(map[Opcode]*codec.Schema{
	SMSG_AUTH_CHALLENGE: AuthChallenge,
	CMSG_AUTH_SESSION:   AuthSession,
	SMSG_AUTH_RESPONSE:  AuthResponse,
	CMSG_PING:           Ping,
	SMSG_PONG:           Pong,
	CMSG_PLAYER_LOGIN:   PlayerLogin,
})

func mustRegistry(entries map[Opcode]*codec.Schema) *codec.Registry[Opcode] {
	reg, err := codec.NewRegistry(entries)
	if err != nil {
		panic(err)
	}
	return reg
}
