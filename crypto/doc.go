// Package crypto implements the cryptographic primitives for the sealchat
// protocol: X25519 identity and ephemeral key pairs, ECDH shared secrets,
// per-message key derivation, and the symmetric cipher boundary.
//
// All key material is fixed at 32 bytes. Functions validate lengths before
// use and wipe intermediate secrets on every path.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto
