package config

import (
	"fmt"
	"os"
)

// Template returns a commented example configuration.
func Template() string {
	return exampleTemplate
}

// WriteTemplate writes the example configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(exampleTemplate), 0o600)
}

const exampleTemplate = `# client-facing listener
listen_addr = ":8085"
# world server
backend_addr = "127.0.0.1:8086"
# admin HTTP (/health, /sessions, /metrics); empty disables it
admin_addr = "127.0.0.1:8087"
# bearer token for /sessions; empty leaves it open
admin_token = ""

read_timeout = "2m"
# a client that stops reading for this long is disconnected
write_timeout = "10s"
backend_dial_timeout = "5s"
backend_write_timeout = "5s"

# byte order of the length field on frames sent to clients: little | big
client_length_order = "little"
# none | hmac-sha1
key_derivation = "none"

# static | sqlite
keystore = "static"
keystore_path = ""

[accounts]
ALICE = "0102030405060708090a0b0c0d0e0f10"
`
