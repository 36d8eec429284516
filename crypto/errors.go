package crypto

import "errors"

var (
	// ErrInvalidKeyLength indicates key material that is not exactly 32 bytes.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrInvalidHex indicates ciphertext or nonce that is not valid hex.
	ErrInvalidHex = errors.New("invalid hex encoding")

	// ErrInvalidNonce indicates a nonce of the wrong length for the cipher mode.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrInvalidCiphertext indicates ciphertext whose length is not a multiple
	// of the cipher block size.
	ErrInvalidCiphertext = errors.New("invalid ciphertext length")

	// ErrBadPadding indicates PKCS7 padding that failed validation after
	// decryption. With CBC this is the primary (and only) corruption signal.
	ErrBadPadding = errors.New("bad padding")

	// ErrAuthFailed indicates a GCM authentication tag mismatch.
	ErrAuthFailed = errors.New("message authentication failed")
)
