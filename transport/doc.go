// Package transport manages the realtime session with the relay: connect,
// authenticate, history sync, keepalive, reconnect with exponential backoff,
// inbound de-duplication, and the Degraded pull-based fallback when realtime
// delivery is unavailable.
//
// One Session serves one (local user, peer) conversation. Every goroutine
// and timer the session starts is tagged with the session generation; a
// callback from a previous generation finds the tag stale and returns
// without touching state, so tearing a session down and starting a new one
// can never interleave.
package transport
