package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes the static shared secret between this device's
// identity private key and a peer's long-term public key using Elliptic
// Curve Diffie-Hellman (ECDH) on Curve25519.
//
// The secret is symmetric: both sides derive the same 32 bytes. It lives for
// the duration of a handshake session and is never persisted.
func DeriveSharedSecret(peerPublicKey, privateKey [KeySize]byte) ([KeySize]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	// Work on copies so a failure path can wipe without touching the caller's keys
	var publicKeyCopy [KeySize]byte
	var privateKeyCopy [KeySize]byte
	copy(publicKeyCopy[:], peerPublicKey[:])
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], publicKeyCopy[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("X25519 computation failed")

		ZeroBytes(privateKeyCopy[:])
		return [KeySize]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [KeySize]byte
	copy(result[:], sharedSecret)

	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	logrus.WithFields(logrus.Fields{
		"function": "DeriveSharedSecret",
	}).Debug("Shared secret computed, intermediates wiped")

	return result, nil
}
