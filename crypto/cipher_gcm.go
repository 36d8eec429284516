package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/sealchat/limits"
)

// GCM mode constants.
const (
	// GCMNonceSize is the standard GCM nonce length.
	GCMNonceSize = 12

	// GCMNonceHexLen is the length of a hex-encoded GCM nonce (12 bytes).
	GCMNonceHexLen = GCMNonceSize * 2
)

// EncryptGCM encrypts a buffer with AES-256-GCM under the given message key.
// It returns the hex-encoded ciphertext (tag appended, per GCM convention)
// and the hex-encoded random 12-byte nonce.
//
// Unlike the CBC path, GCM authenticates the ciphertext: tampering fails
// decryption deterministically instead of relying on padding checks. This is
// the hardened mode envelopes should negotiate when both sides support it.
func EncryptGCM(plaintext []byte, key [KeySize]byte) (ciphertextHex, nonceHex string, err error) {
	if err := limits.ValidateProcessingBuffer(plaintext); err != nil {
		return "", "", err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, GCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return hex.EncodeToString(ciphertext), hex.EncodeToString(nonce), nil
}

// DecryptGCM decrypts a hex-encoded AES-256-GCM ciphertext and verifies its
// authentication tag. A tag mismatch surfaces as ErrAuthFailed.
func DecryptGCM(ciphertextHex string, key [KeySize]byte, nonceHex string) ([]byte, error) {
	if len(nonceHex) != GCMNonceHexLen {
		return nil, fmt.Errorf("%w: nonce is %d hex chars, want %d",
			ErrInvalidNonce, len(nonceHex), GCMNonceHexLen)
	}

	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrInvalidHex, err)
	}

	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrInvalidHex, err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the GCM tag",
			ErrInvalidCiphertext, len(ciphertext))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	return plaintext, nil
}
