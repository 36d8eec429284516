package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxTextMessage is the maximum plaintext size for a text message (64 KiB).
	MaxTextMessage = 64 * 1024

	// MaxFileSize is the maximum size of a file payload before encryption (100 MiB).
	MaxFileSize = 100 * 1024 * 1024

	// MaxFrameSize is the maximum size of a single transport frame. Metadata
	// frames are small JSON objects; binary frames carry encrypted file bytes,
	// which hex encoding doubles and padding rounds up by at most one block.
	MaxFrameSize = 2*MaxFileSize + 1024

	// MaxProcessingBuffer is the absolute maximum for any single cipher
	// operation. This prevents memory exhaustion from hostile inputs.
	MaxProcessingBuffer = MaxFileSize

	// MaxRecentDedup bounds the in-memory set of recently seen message
	// identifiers used for live-message de-duplication.
	MaxRecentDedup = 4096
)

var (
	// ErrEmptyBuffer indicates an empty buffer was provided.
	ErrEmptyBuffer = errors.New("empty buffer")

	// ErrBufferTooLarge indicates a buffer exceeds its maximum size.
	ErrBufferTooLarge = errors.New("buffer too large")
)

// ValidateSize validates a buffer against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(buf []byte, maxSize int) error {
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	if len(buf) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrBufferTooLarge, len(buf), maxSize)
	}
	return nil
}

// ValidateTextMessage validates a plaintext message against MaxTextMessage.
func ValidateTextMessage(message []byte) error {
	return ValidateSize(message, MaxTextMessage)
}

// ValidateFilePayload validates raw file contents against MaxFileSize.
func ValidateFilePayload(contents []byte) error {
	return ValidateSize(contents, MaxFileSize)
}

// ValidateProcessingBuffer validates any cipher input against the absolute
// processing cap.
func ValidateProcessingBuffer(buf []byte) error {
	return ValidateSize(buf, MaxProcessingBuffer)
}
