package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/limits"
	"github.com/opd-ai/sealchat/message"
)

var nowFunc = time.Now

// FileMetadata describes an outgoing file payload.
type FileMetadata struct {
	Name     string
	MIMEType string
	// Kind must be one of the file kinds (photo, video, audio, file).
	Kind message.Kind
}

// SendText encrypts and transmits a text message. Requires an Active
// session and a Ready handshake. The derived message key is persisted to
// the vault before the frame leaves, so this device can re-decrypt its own
// message later even though the ephemeral private key is already gone.
func (s *Session) SendText(ctx context.Context, plaintext string) (*message.Envelope, error) {
	if err := limits.ValidateTextMessage([]byte(plaintext)); err != nil {
		return nil, err
	}

	conn, err := s.activeConn()
	if err != nil {
		return nil, err
	}

	env, _, err := s.seal(ctx, []byte(plaintext), nil)
	if err != nil {
		return nil, err
	}

	data, err := message.Encode(env)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteMessage(TextFrame, data); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendText",
		"peer_id":    s.peerID,
		"message_id": env.MessageID,
	}).Debug("Text message sent")

	return env, nil
}

// SendFile encrypts and transmits a binary payload as two frames: a JSON
// metadata envelope, then the raw encrypted bytes. A short fixed delay
// separates the frames for relays that cannot guarantee atomic ordering.
func (s *Session) SendFile(ctx context.Context, contents []byte, meta FileMetadata) (*message.Envelope, error) {
	if err := limits.ValidateFilePayload(contents); err != nil {
		return nil, err
	}
	if !meta.Kind.IsFile() {
		return nil, fmt.Errorf("%w: %q is not a file kind", message.ErrInvalidEnvelope, meta.Kind)
	}

	conn, err := s.activeConn()
	if err != nil {
		return nil, err
	}

	env, ciphertext, err := s.seal(ctx, contents, &meta)
	if err != nil {
		return nil, err
	}

	data, err := message.Encode(env)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteMessage(TextFrame, data); err != nil {
		return nil, fmt.Errorf("failed to send file metadata: %w", err)
	}

	select {
	case <-time.After(s.cfg.InterFrameDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := conn.WriteMessage(BinaryFrame, ciphertext); err != nil {
		return nil, fmt.Errorf("failed to send file bytes: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendFile",
		"peer_id":    s.peerID,
		"message_id": env.MessageID,
		"file_name":  meta.Name,
		"size":       len(contents),
	}).Debug("File sent")

	return env, nil
}

// seal derives a fresh message key, encrypts the payload, stores the key in
// the vault, and builds the outgoing envelope. For text the hex ciphertext
// rides in the envelope; for files the raw ciphertext bytes are returned
// for the follow-up binary frame.
func (s *Session) seal(ctx context.Context, plaintext []byte, meta *FileMetadata) (*message.Envelope, []byte, error) {
	ephemeralPublic, key, err := s.hs.DeriveForSend()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.ZeroBytes(key[:])

	ciphertextHex, nonceHex, err := s.encipher(plaintext, key)
	if err != nil {
		return nil, nil, err
	}

	env := &message.Envelope{
		Sender:       s.localID,
		Receiver:     s.peerID,
		MessageID:    uuid.NewString(),
		Timestamp:    nowFunc().UnixMilli(),
		Nonce:        nonceHex,
		EphemeralKey: hex.EncodeToString(ephemeralPublic[:]),
		Mode:         s.cfg.CipherMode,
	}

	var rawCiphertext []byte
	if meta == nil {
		env.Payload = message.TextPayload{Ciphertext: ciphertextHex}
	} else {
		rawCiphertext, err = hex.DecodeString(ciphertextHex)
		if err != nil {
			return nil, nil, err
		}
		env.Payload = message.FilePayload{
			FileKind: meta.Kind,
			Name:     meta.Name,
			MIMEType: meta.MIMEType,
			Size:     int64(len(plaintext)),
		}
	}

	if s.vault != nil {
		if err := s.vault.Put(ctx, env.MessageID, key); err != nil {
			// The ephemeral private key is already discarded, so losing this
			// write means this device cannot cheaply re-decrypt its own
			// message. The send still proceeds.
			logrus.WithFields(logrus.Fields{
				"function":   "seal",
				"message_id": env.MessageID,
				"error":      err.Error(),
			}).Warn("Failed to persist outgoing message key")
		}
	}

	return env, rawCiphertext, nil
}

// encipher runs the mode-appropriate symmetric encryption.
func (s *Session) encipher(plaintext []byte, key [crypto.KeySize]byte) (string, string, error) {
	if s.cfg.CipherMode == message.ModeGCM {
		return crypto.EncryptGCM(plaintext, key)
	}
	return crypto.EncryptCBC(plaintext, key)
}

// activeConn returns the connection if the session is Active with a Ready
// handshake.
func (s *Session) activeConn() (Conn, error) {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, ErrSessionClosed
	}
	if state != StateActive || conn == nil {
		return nil, fmt.Errorf("%w: state is %s", ErrNotActive, state)
	}
	if !s.hs.IsReady() {
		return nil, fmt.Errorf("%w: handshake not ready", ErrNotActive)
	}
	return conn, nil
}
