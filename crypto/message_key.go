package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/sirupsen/logrus"
)

// DeriveMessageKey computes the per-message symmetric key from the session
// shared secret and a message-specific ephemeral public key:
//
//	MessageKey = SHA256(SharedSecret[0:32] ‖ EphemeralPublicKey[0:32])[0:32]
//
// The derivation is deterministic: the same (secret, ephemeral) pair always
// yields the same key, which is what allows history messages to be
// re-decrypted later from their transmitted ephemeral keys.
func DeriveMessageKey(sharedSecret, ephemeralPublic []byte) ([KeySize]byte, error) {
	if len(sharedSecret) != KeySize {
		return [KeySize]byte{}, fmt.Errorf("%w: shared secret is %d bytes, want %d",
			ErrInvalidKeyLength, len(sharedSecret), KeySize)
	}
	if len(ephemeralPublic) != KeySize {
		return [KeySize]byte{}, fmt.Errorf("%w: ephemeral public key is %d bytes, want %d",
			ErrInvalidKeyLength, len(ephemeralPublic), KeySize)
	}

	h := sha256.New()
	h.Write(sharedSecret)
	h.Write(ephemeralPublic)
	digest := h.Sum(nil)

	var key [KeySize]byte
	copy(key[:], digest[:KeySize])
	ZeroBytes(digest)

	logrus.WithFields(logrus.Fields{
		"function":         "DeriveMessageKey",
		"ephemeral_prefix": fmt.Sprintf("%x", ephemeralPublic[:8]),
	}).Debug("Message key derived")

	return key, nil
}

// GenerateMessageKey creates a fresh ephemeral key pair and derives the
// message key for an outgoing message. The ephemeral public key must be
// transmitted alongside the ciphertext; the ephemeral private key is wiped
// before returning and never leaves this function.
func GenerateMessageKey(sharedSecret []byte) (ephemeralPublic [KeySize]byte, key [KeySize]byte, err error) {
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return [KeySize]byte{}, [KeySize]byte{}, fmt.Errorf("failed to generate ephemeral key pair: %w", err)
	}

	key, err = DeriveMessageKey(sharedSecret, ephemeral.Public[:])
	WipeKeyPair(ephemeral)
	if err != nil {
		return [KeySize]byte{}, [KeySize]byte{}, err
	}

	return ephemeral.Public, key, nil
}
