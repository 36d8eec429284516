package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size in bytes of all asymmetric and symmetric key material.
const KeySize = 32

// KeyPair represents an X25519 key pair. The same type serves both the
// long-term identity pair and the single-use ephemeral pairs generated per
// outgoing message.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [KeySize]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		ZeroBytes(private[:])
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: private}
	copy(keyPair.Public[:], public)
	ZeroBytes(private[:])

	return keyPair, nil
}

// FromSecretKey creates a key pair from an existing private key by
// re-deriving the public half over the curve basepoint.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], public)

	return keyPair, nil
}

// Validate reports whether the public half matches the private half. A
// persisted pair that fails validation must be regenerated.
func (kp *KeyPair) Validate() error {
	if kp == nil {
		return errors.New("nil key pair")
	}
	if isZeroKey(kp.Private) {
		return errors.New("invalid key pair: zero private key")
	}

	public, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("failed to derive public key: %w", err)
	}

	var derived [KeySize]byte
	copy(derived[:], public)
	if derived != kp.Public {
		return errors.New("invalid key pair: public key does not match private key")
	}

	return nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
