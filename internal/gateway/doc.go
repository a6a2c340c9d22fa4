// Package gateway owns the client-facing side of the relay.
//
// Ownership boundary:
// - per-connection Session state machine (Connected, Authenticated, Bound, Closed)
// - read-only opcode handler table and the built-in bootstrap handlers
// - session registry keyed by session id with an identity index
// - TCP accept loop feeding one Session per connection
//
// A Session never holds a pointer to the Server or Registry that owns it; it
// carries its id and reports identity bindings through the IdentityIndex it
// was built with.
package gateway
