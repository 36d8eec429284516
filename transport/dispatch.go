package transport

import (
	"context"
	"encoding/hex"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/message"
)

// handleFrame dispatches one inbound frame: a history batch, a live message
// for this conversation, a control frame, or an unrelated message (silently
// ignored).
func (s *Session) handleFrame(gen string, frameType int, data []byte) {
	if frameType == BinaryFrame {
		s.handleFileBytes(gen, data)
		return
	}

	inbound, err := message.DecodeFrame(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"peer_id":  s.peerID,
			"error":    err.Error(),
		}).Warn("Dropping malformed frame")
		return
	}

	switch frame := inbound.(type) {
	case message.InboundControl:
		s.handleControl(gen, frame)
	case message.InboundHistory:
		s.deliverHistory(context.Background(), gen, frame.Envelopes)
	case message.InboundEnvelope:
		s.handleLive(gen, frame.Envelope)
	}
}

// handleControl answers pings, records pongs, and logs server errors.
func (s *Session) handleControl(gen string, frame message.InboundControl) {
	switch frame.Type {
	case message.ControlPing:
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			if err := conn.WriteMessage(TextFrame, message.PongFrame()); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleControl",
					"error":    err.Error(),
				}).Debug("Failed to answer ping")
			}
		}
	case message.ControlPong:
		s.mu.Lock()
		s.lastPong = nowFunc()
		s.mu.Unlock()
	case message.ControlError:
		logrus.WithFields(logrus.Fields{
			"function": "handleControl",
			"peer_id":  s.peerID,
			"reason":   frame.Reason,
		}).Warn("Server error frame")
	}
}

// handleLive processes a single realtime message.
func (s *Session) handleLive(gen string, env message.Envelope) {
	if !env.Matches(s.localID, s.peerID) {
		logrus.WithFields(logrus.Fields{
			"function": "handleLive",
			"sender":   env.Sender,
			"receiver": env.Receiver,
		}).Debug("Ignoring message for another conversation")
		return
	}

	key := message.DedupKey(&env)
	s.mu.Lock()
	dup := s.dedup.Observe(key)
	s.mu.Unlock()
	if dup {
		logrus.WithFields(logrus.Fields{
			"function":   "handleLive",
			"message_id": env.MessageID,
		}).Debug("Suppressing duplicate message")
		return
	}

	if payload, ok := env.Payload.(message.FilePayload); ok && payload.URL == "" {
		// Live file transfer: the encrypted bytes arrive in the next binary
		// frame. Hold the metadata until then.
		s.mu.Lock()
		s.pendingFile = &env
		s.mu.Unlock()
		return
	}

	s.deliver(s.decrypt(context.Background(), env, nil))
}

// handleFileBytes completes a pending live file transfer with its encrypted
// payload frame.
func (s *Session) handleFileBytes(gen string, ciphertext []byte) {
	s.mu.Lock()
	pending := s.pendingFile
	s.pendingFile = nil
	s.mu.Unlock()

	if pending == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFileBytes",
			"peer_id":  s.peerID,
			"size":     len(ciphertext),
		}).Warn("Dropping binary frame with no pending file metadata")
		return
	}

	s.deliver(s.decrypt(context.Background(), *pending, ciphertext))
}

// deliverHistory de-duplicates a history batch by message ID (later entries
// overwrite earlier ones, matching the server's monotonic paging) and
// delivers only messages not seen in previous batches, in batch order.
func (s *Session) deliverHistory(ctx context.Context, gen string, envelopes []message.Envelope) {
	if !s.isCurrent(gen) {
		return
	}

	// Later duplicates inside the batch win before anything is delivered.
	latest := make(map[string]message.Envelope, len(envelopes))
	order := make([]string, 0, len(envelopes))
	for _, env := range envelopes {
		if !env.Matches(s.localID, s.peerID) {
			continue
		}
		if _, seen := latest[env.MessageID]; !seen {
			order = append(order, env.MessageID)
		}
		latest[env.MessageID] = env
	}

	for _, id := range order {
		env := latest[id]

		s.mu.Lock()
		_, alreadyDelivered := s.historyByID[id]
		s.historyByID[id] = env
		s.mu.Unlock()
		if alreadyDelivered {
			continue
		}

		s.deliver(s.decrypt(ctx, env, nil))
	}

	logrus.WithFields(logrus.Fields{
		"function": "deliverHistory",
		"peer_id":  s.peerID,
		"batch":    len(envelopes),
		"new":      len(order),
	}).Debug("History batch processed")
}

// decrypt resolves the message key (vault first, then derivation from the
// transmitted ephemeral key) and decrypts the payload. Failures produce
// placeholder deliveries, never panics: a key failure and a cipher failure
// render distinct placeholders.
func (s *Session) decrypt(ctx context.Context, env message.Envelope, fileCiphertext []byte) Delivery {
	key, err := s.messageKey(ctx, &env)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "decrypt",
			"message_id": env.MessageID,
			"error":      err.Error(),
		}).Warn("Message key unavailable")
		return Delivery{Envelope: env, Plaintext: []byte(PlaceholderKeyFailure), Failed: true}
	}

	ciphertextHex := ""
	switch payload := env.Payload.(type) {
	case message.TextPayload:
		ciphertextHex = payload.Ciphertext
	case message.FilePayload:
		if fileCiphertext == nil {
			// History file message: only metadata is available here; the
			// encrypted bytes are fetched from the payload URL on demand.
			return Delivery{Envelope: env}
		}
		ciphertextHex = hex.EncodeToString(fileCiphertext)
	}

	plaintext, err := s.decipher(ciphertextHex, key, env.Nonce, env.Mode)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "decrypt",
			"message_id": env.MessageID,
			"mode":       string(env.Mode),
			"error":      err.Error(),
		}).Warn("Decryption failed")
		return Delivery{Envelope: env, Plaintext: []byte(PlaceholderDecryptFailure), Failed: true}
	}

	// Persisting after a successful decrypt lets history views skip the
	// asymmetric derivation next time.
	if s.vault != nil {
		if err := s.vault.Put(ctx, env.MessageID, key); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "decrypt",
				"message_id": env.MessageID,
				"error":      err.Error(),
			}).Warn("Failed to persist message key")
		}
	}

	return Delivery{Envelope: env, Plaintext: plaintext}
}

// messageKey resolves the symmetric key for an envelope: the vault is
// consulted first, then the key is derived from the transmitted ephemeral
// public key.
func (s *Session) messageKey(ctx context.Context, env *message.Envelope) ([crypto.KeySize]byte, error) {
	if s.vault != nil {
		if key, ok, err := s.vault.Get(ctx, env.MessageID); err == nil && ok {
			return key, nil
		}
	}

	ephemeral, err := hex.DecodeString(env.EphemeralKey)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}

	key, err := s.hs.DeriveForReceive(ephemeral)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}
	return key, nil
}

// decipher runs the mode-appropriate symmetric decryption.
func (s *Session) decipher(ciphertextHex string, key [crypto.KeySize]byte, nonceHex string, mode message.CipherMode) ([]byte, error) {
	if mode == message.ModeGCM {
		return crypto.DecryptGCM(ciphertextHex, key, nonceHex)
	}
	return crypto.DecryptCBC(ciphertextHex, key, nonceHex)
}

// deliver invokes the message callback outside the session lock.
func (s *Session) deliver(d Delivery) {
	s.mu.Lock()
	cb := s.onMessage
	s.mu.Unlock()
	if cb != nil {
		cb(d)
	}
}
