// Package vault provides the durable message-key store.
//
// Every message this device encrypts or successfully decrypts gets one row
// mapping its message ID to the derived symmetric key. Because ephemeral
// private keys are discarded at derivation time, the vault is the only way
// to re-decrypt a message this device originated without redoing the full
// asymmetric computation; for inbound history it is a cache, since keys can
// always be re-derived from the transmitted ephemeral public key.
//
// The vault takes an explicitly owned *sql.DB at construction; it never
// opens or globally caches a handle itself. Access is serialized writes with
// concurrent reads, which SQLite handles without multi-statement
// transactions.
package vault
