// Package handshake establishes the per-conversation cryptographic session.
//
// A Session combines this device's long-term identity key with the peer's
// directory-published public key into a single static shared secret via
// X25519. The session is an explicit state machine; Ready is the sole gate
// other components may rely on before deriving message keys.
//
// Naming note: the surrounding protocol historically calls this an "NN"
// handshake, but it is not the Noise NN pattern — both static keys are
// long-term and fetched from a directory, and the exchange carries no
// transcript authentication. The derived secret provides confidentiality
// only; see the GCM cipher mode for the authenticated envelope variant.
package handshake
