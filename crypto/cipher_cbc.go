package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/sealchat/limits"
)

// CBC mode constants. The wire format carries both the ciphertext and the IV
// as lowercase hex strings.
const (
	// CBCNonceSize is the AES block size, used as the CBC IV length.
	CBCNonceSize = aes.BlockSize

	// CBCNonceHexLen is the length of a hex-encoded CBC IV (16 bytes).
	CBCNonceHexLen = CBCNonceSize * 2
)

// EncryptCBC encrypts a plaintext or raw binary buffer with AES-256-CBC and
// PKCS7 padding under the given message key. It returns the hex-encoded
// ciphertext and the hex-encoded random 16-byte IV.
//
// Text and file contents take the same path: file bytes are padded and
// encrypted as a raw buffer, not base64-wrapped first.
//
// CBC provides confidentiality only. There is no authentication tag, so a
// tampered ciphertext is detected (probabilistically) via padding failure at
// decrypt time. New deployments should prefer EncryptGCM.
func EncryptCBC(plaintext []byte, key [KeySize]byte) (ciphertextHex, nonceHex string, err error) {
	if err := limits.ValidateProcessingBuffer(plaintext); err != nil {
		return "", "", err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, CBCNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	ZeroBytes(padded)

	return hex.EncodeToString(ciphertext), hex.EncodeToString(iv), nil
}

// DecryptCBC decrypts a hex-encoded AES-256-CBC ciphertext and strips the
// PKCS7 padding. All inputs are validated before any cryptographic work:
// the ciphertext must be valid hex of a whole number of blocks and the nonce
// must be exactly 32 hex characters.
//
// Callers must treat any returned error as "render a placeholder", never as
// a reason to crash a message view.
func DecryptCBC(ciphertextHex string, key [KeySize]byte, nonceHex string) ([]byte, error) {
	if len(nonceHex) != CBCNonceHexLen {
		return nil, fmt.Errorf("%w: nonce is %d hex chars, want %d",
			ErrInvalidNonce, len(nonceHex), CBCNonceHexLen)
	}

	iv, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrInvalidHex, err)
	}

	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrInvalidHex, err)
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of the block size",
			ErrInvalidCiphertext, len(ciphertext))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		ZeroBytes(plaintext)
		return nil, err
	}

	return unpadded, nil
}

// pkcs7Pad appends PKCS7 padding to reach a whole number of blocks. A buffer
// already at a block boundary gains a full block of padding.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validates and strips PKCS7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: unpadded length %d", ErrBadPadding, len(data))
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: pad byte %d", ErrBadPadding, padLen)
	}

	pad := data[len(data)-padLen:]
	if !bytes.Equal(pad, bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, ErrBadPadding
	}

	return data[:len(data)-padLen], nil
}
