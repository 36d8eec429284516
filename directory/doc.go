// Package directory resolves and publishes long-term public keys through the
// key directory service.
//
// Peer keys arrive from the network and are treated as untrusted input:
// every response is validated as exactly 64 lowercase hex characters before
// it is accepted. Successful resolutions are cached in memory so session
// re-establishment does not repeat the lookup.
package directory
