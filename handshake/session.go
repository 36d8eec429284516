package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/identity"
)

var (
	// ErrHandshakeIncomplete indicates a key-derivation call on a session
	// that has not reached Ready.
	ErrHandshakeIncomplete = errors.New("handshake not complete")

	// ErrHandshakeFailed indicates initialization exhausted its attempts.
	// The session is terminally Failed; callers must tear down and build a
	// new session rather than retry in place.
	ErrHandshakeFailed = errors.New("handshake failed")
)

// State identifies a handshake session's position in its lifecycle.
type State uint8

const (
	// StateUninitialized is the zero state before Initialize is called.
	StateUninitialized State = iota
	// StateKeysLoaded means the local identity pair is available.
	StateKeysLoaded
	// StatePeerKeyResolved means the peer's public key has been fetched.
	StatePeerKeyResolved
	// StateReady means the shared secret exists; derivation may proceed.
	StateReady
	// StateFailed is terminal; FailReason carries the cause.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateKeysLoaded:
		return "keys_loaded"
	case StatePeerKeyResolved:
		return "peer_key_resolved"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// IdentityLoader supplies the local identity key pair. *identity.Store
// satisfies this.
type IdentityLoader interface {
	LoadOrCreate(ctx context.Context, accountID string) (*crypto.KeyPair, error)
}

// KeyResolver supplies peer public keys. *directory.Client satisfies this.
type KeyResolver interface {
	Resolve(ctx context.Context, peerID string) ([crypto.KeySize]byte, error)
}

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 1 * time.Second
)

// Session is the handshake state machine for one (local, peer) pair.
// Exactly one shared secret exists per Ready session; it does not change
// until Teardown.
type Session struct {
	localID   string
	peerID    string
	accountID string

	loader   IdentityLoader
	resolver KeyResolver

	maxAttempts int
	retryDelay  time.Duration

	mu           sync.RWMutex
	state        State
	failReason   error
	localPair    *crypto.KeyPair
	peerKey      [crypto.KeySize]byte
	sharedSecret [crypto.KeySize]byte
}

// Option configures a Session.
type Option func(*Session)

// WithRetryPolicy overrides the initialization retry policy.
func WithRetryPolicy(maxAttempts int, delay time.Duration) Option {
	return func(s *Session) {
		s.maxAttempts = maxAttempts
		s.retryDelay = delay
	}
}

// NewSession creates an uninitialized session for one conversation.
func NewSession(localID, peerID, accountID string, loader IdentityLoader, resolver KeyResolver, opts ...Option) *Session {
	s := &Session{
		localID:     localID,
		peerID:      peerID,
		accountID:   accountID,
		loader:      loader,
		resolver:    resolver,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		state:       StateUninitialized,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize runs the handshake sequence: load local identity, resolve the
// peer key, derive the shared secret. The whole sequence is retried up to
// the configured attempt count with a fixed delay between attempts; final
// failure moves the session to the terminal Failed state.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateReady {
		return nil
	}
	if s.state == StateFailed {
		return fmt.Errorf("%w: session already failed: %v", ErrHandshakeFailed, s.failReason)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return s.fail(fmt.Errorf("handshake cancelled: %w", err))
		}

		lastErr = s.runSequence(ctx)
		if lastErr == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Initialize",
				"peer_id":  s.peerID,
				"attempt":  attempt,
			}).Info("Handshake complete, session ready")
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"peer_id":  s.peerID,
			"attempt":  attempt,
			"error":    lastErr.Error(),
		}).Warn("Handshake attempt failed")

		if attempt < s.maxAttempts {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return s.fail(fmt.Errorf("handshake cancelled: %w", ctx.Err()))
			}
		}
	}

	return s.fail(fmt.Errorf("%w after %d attempts: %v", ErrHandshakeFailed, s.maxAttempts, lastErr))
}

// runSequence performs one pass of the three handshake steps. Called with
// s.mu held. Any step failure rewinds the state so the next attempt starts
// from scratch.
func (s *Session) runSequence(ctx context.Context) error {
	s.state = StateUninitialized

	pair, err := s.loader.LoadOrCreate(ctx, s.accountID)
	if err != nil && !errors.Is(err, identity.ErrPersistenceFailure) {
		return fmt.Errorf("identity load failed: %w", err)
	}
	if errors.Is(err, identity.ErrPersistenceFailure) {
		// The pair is usable for this session even though it will not
		// survive a restart.
		logrus.WithFields(logrus.Fields{
			"function": "runSequence",
			"peer_id":  s.peerID,
		}).Warn("Identity not persisted, continuing with session-scoped pair")
	}
	s.localPair = pair
	s.state = StateKeysLoaded

	peerKey, err := s.resolver.Resolve(ctx, s.peerID)
	if err != nil {
		return fmt.Errorf("peer key resolution failed: %w", err)
	}
	s.peerKey = peerKey
	s.state = StatePeerKeyResolved

	secret, err := crypto.DeriveSharedSecret(s.peerKey, s.localPair.Private)
	if err != nil {
		return fmt.Errorf("shared secret derivation failed: %w", err)
	}
	s.sharedSecret = secret
	s.state = StateReady

	return nil
}

// fail moves the session to the terminal Failed state. Called with s.mu held.
func (s *Session) fail(reason error) error {
	s.state = StateFailed
	s.failReason = reason
	crypto.ZeroBytes(s.sharedSecret[:])

	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"peer_id":  s.peerID,
		"reason":   reason.Error(),
	}).Error("Handshake session failed")

	return reason
}

// IsReady reports whether the shared secret exists. This is the sole gate
// other components must check before deriving message keys.
func (s *Session) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateReady
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// FailReason returns the terminal failure cause, or nil.
func (s *Session) FailReason() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failReason
}

// PeerID returns the peer this session was built for.
func (s *Session) PeerID() string {
	return s.peerID
}

// LocalPublicKey returns the local identity public key once keys are loaded.
func (s *Session) LocalPublicKey() ([crypto.KeySize]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.localPair == nil {
		return [crypto.KeySize]byte{}, ErrHandshakeIncomplete
	}
	return s.localPair.Public, nil
}

// DeriveForSend generates a fresh ephemeral key pair and derives the message
// key for an outgoing message. The returned ephemeral public key must travel
// with the ciphertext; the ephemeral private key never leaves the crypto
// layer.
func (s *Session) DeriveForSend() (ephemeralPublic [crypto.KeySize]byte, key [crypto.KeySize]byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateReady {
		return [crypto.KeySize]byte{}, [crypto.KeySize]byte{},
			fmt.Errorf("%w: state is %s", ErrHandshakeIncomplete, s.state)
	}

	return crypto.GenerateMessageKey(s.sharedSecret[:])
}

// DeriveForReceive derives the message key for an inbound message from the
// sender-supplied ephemeral public key.
func (s *Session) DeriveForReceive(remoteEphemeral []byte) ([crypto.KeySize]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateReady {
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: state is %s", ErrHandshakeIncomplete, s.state)
	}

	return crypto.DeriveMessageKey(s.sharedSecret[:], remoteEphemeral)
}

// Teardown wipes the shared secret and returns the session to
// Uninitialized. A torn-down session may be re-initialized, e.g. after a
// peer key change.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	crypto.ZeroBytes(s.sharedSecret[:])
	if s.localPair != nil {
		s.localPair = nil
	}
	s.state = StateUninitialized
	s.failReason = nil

	logrus.WithFields(logrus.Fields{
		"function": "Teardown",
		"peer_id":  s.peerID,
	}).Debug("Handshake session torn down, secrets wiped")
}
