package message

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind tags a payload variant on the wire.
type Kind string

const (
	KindText  Kind = "text"
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// Valid reports whether the kind is a known wire tag.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindPhoto, KindVideo, KindAudio, KindFile:
		return true
	}
	return false
}

// IsFile reports whether the kind carries a binary file payload.
func (k Kind) IsFile() bool {
	return k.Valid() && k != KindText
}

// CipherMode selects the symmetric cipher used for the payload.
type CipherMode string

const (
	// ModeCBC is the legacy confidentiality-only mode (AES-256-CBC, PKCS7).
	ModeCBC CipherMode = "cbc"
	// ModeGCM is the authenticated mode (AES-256-GCM).
	ModeGCM CipherMode = "gcm"
)

var (
	// ErrInvalidEnvelope indicates a frame that fails structural validation.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrUnknownKind indicates an unrecognized type tag.
	ErrUnknownKind = errors.New("unknown message kind")
)

var (
	hexPattern      = regexp.MustCompile(`^[0-9a-f]+$`)
	ephemeralKeyLen = 64 // 32 bytes hex
	cbcNonceLen     = 32 // 16 bytes hex
	gcmNonceLen     = 24 // 12 bytes hex
)

// Payload is the sealed set of envelope payload variants.
type Payload interface {
	Kind() Kind
	validate() error
}

// TextPayload carries an encrypted UTF-8 text body.
type TextPayload struct {
	// Ciphertext is the hex-encoded encrypted message body.
	Ciphertext string
}

// Kind implements Payload.
func (TextPayload) Kind() Kind { return KindText }

func (p TextPayload) validate() error {
	if p.Ciphertext == "" {
		return fmt.Errorf("%w: empty ciphertext", ErrInvalidEnvelope)
	}
	if !hexPattern.MatchString(p.Ciphertext) {
		return fmt.Errorf("%w: ciphertext is not lowercase hex", ErrInvalidEnvelope)
	}
	return nil
}

// FilePayload carries metadata for an encrypted binary payload (photo,
// video, audio, or generic file). The encrypted bytes travel in a separate
// raw binary frame immediately after this metadata frame, or are fetched
// from URL for history messages.
type FilePayload struct {
	FileKind Kind
	Name     string
	MIMEType string
	Size     int64
	URL      string
}

// Kind implements Payload.
func (p FilePayload) Kind() Kind { return p.FileKind }

func (p FilePayload) validate() error {
	if !p.FileKind.IsFile() {
		return fmt.Errorf("%w: %q is not a file kind", ErrInvalidEnvelope, p.FileKind)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: empty file name", ErrInvalidEnvelope)
	}
	if p.Size < 0 {
		return fmt.Errorf("%w: negative file size", ErrInvalidEnvelope)
	}
	return nil
}

// Envelope is one encrypted message on the wire.
type Envelope struct {
	Sender   string
	Receiver string
	// MessageID is a UUID assigned by the sender.
	MessageID string
	// Timestamp is the sender's clock in Unix milliseconds.
	Timestamp int64
	// Nonce is the hex-encoded IV (32 hex chars for CBC, 24 for GCM).
	Nonce string
	// EphemeralKey is the hex-encoded per-message ephemeral public key.
	EphemeralKey string
	// Mode is the cipher mode; empty on the wire means legacy CBC.
	Mode CipherMode

	Payload Payload
}

// Validate performs the strict structural checks required before an
// envelope may reach the cipher layer.
func (e *Envelope) Validate() error {
	if e.Sender == "" || e.Receiver == "" {
		return fmt.Errorf("%w: missing sender or receiver", ErrInvalidEnvelope)
	}
	if e.MessageID == "" {
		return fmt.Errorf("%w: missing message ID", ErrInvalidEnvelope)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}

	wantNonceLen := cbcNonceLen
	if e.Mode == ModeGCM {
		wantNonceLen = gcmNonceLen
	}
	if len(e.Nonce) != wantNonceLen || !hexPattern.MatchString(e.Nonce) {
		return fmt.Errorf("%w: nonce must be %d lowercase hex chars", ErrInvalidEnvelope, wantNonceLen)
	}

	if len(e.EphemeralKey) != ephemeralKeyLen || !hexPattern.MatchString(e.EphemeralKey) {
		return fmt.Errorf("%w: ephemeral key must be %d lowercase hex chars", ErrInvalidEnvelope, ephemeralKeyLen)
	}

	return e.Payload.validate()
}

// Matches reports whether the envelope belongs to the given conversation,
// in either direction.
func (e *Envelope) Matches(localID, peerID string) bool {
	return (e.Sender == peerID && e.Receiver == localID) ||
		(e.Sender == localID && e.Receiver == peerID)
}
