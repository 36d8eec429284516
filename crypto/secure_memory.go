package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe zeroes a buffer holding key material. Shared secrets, message
// keys, and decoded private keys all pass through here before their buffers
// are released.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	// The constant-time compare touches every byte, which keeps the
	// compiler from proving the buffer dead and eliding the overwrite.
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// ZeroBytes wipes a buffer, ignoring the nil-slice error. Most call sites
// wipe via defer where the error has nowhere to go.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases the private half of a key pair. The public half stays
// intact; it is transmitted and published anyway.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
