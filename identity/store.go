package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
)

var (
	// ErrPersistenceFailure indicates the underlying storage is unavailable.
	// LoadOrCreate still returns a usable in-memory pair alongside this error;
	// the caller accepts session-scoped ephemerality by continuing.
	ErrPersistenceFailure = errors.New("identity persistence failure")

	// ErrPublishFailure indicates the new public key could not be published
	// to the directory.
	ErrPublishFailure = errors.New("identity publish failure")
)

// Publisher uploads a freshly generated public key to the key directory.
// *directory.Client satisfies this.
type Publisher interface {
	Publish(ctx context.Context, accountID string, publicKey [crypto.KeySize]byte) error
}

// Persisted record layout: private(32) ‖ public(32) ‖ published(1). The
// trailing byte records whether the public half has reached the directory;
// a pair that persisted but failed to publish is retried on a later load
// instead of staying invisible to peers forever.
const (
	recordSize      = 2*crypto.KeySize + 1
	publishedMarker = byte(1)
)

// Store loads and persists identity key pairs per account.
type Store struct {
	files     *encryptedFileStore
	publisher Publisher

	mu     sync.Mutex
	loaded map[string]*crypto.KeyPair
}

// NewStore creates an identity store rooted at dataDir. Key files are
// encrypted at rest under a key derived from masterPassword.
func NewStore(dataDir string, masterPassword []byte, publisher Publisher) (*Store, error) {
	files, err := newEncryptedFileStore(dataDir, masterPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	return &Store{
		files:     files,
		publisher: publisher,
		loaded:    make(map[string]*crypto.KeyPair),
	}, nil
}

// LoadOrCreate returns the identity key pair for an account.
//
// A persisted pair is validated (public half must equal basepoint·private);
// if it is absent or invalid, a new pair is generated, persisted, and its
// public half published. A persisted pair whose earlier publish failed is
// republished here before being returned. If persistence fails, the
// generated pair is still returned together with ErrPersistenceFailure so
// the session can proceed with a session-scoped identity.
func (s *Store) LoadOrCreate(ctx context.Context, accountID string) (*crypto.KeyPair, error) {
	if accountID == "" {
		return nil, errors.New("account ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pair, ok := s.loaded[accountID]; ok {
		return pair, nil
	}

	pair, published, err := s.loadValid(accountID)
	if err == nil {
		if !published {
			if err := s.publish(ctx, accountID, pair); err != nil {
				return nil, err
			}
			if err := s.persist(accountID, pair, true); err != nil {
				// The directory upsert is idempotent, so re-publishing on
				// the next load is harmless.
				logrus.WithFields(logrus.Fields{
					"function":   "LoadOrCreate",
					"account_id": accountID,
					"error":      err.Error(),
				}).Warn("Failed to record publish state")
			}
		}

		logrus.WithFields(logrus.Fields{
			"function":   "LoadOrCreate",
			"account_id": accountID,
			"key_prefix": fmt.Sprintf("%x", pair.Public[:8]),
		}).Debug("Loaded persisted identity key pair")

		s.loaded[accountID] = pair
		return pair, nil
	}

	logrus.WithFields(logrus.Fields{
		"function":   "LoadOrCreate",
		"account_id": accountID,
		"reason":     err.Error(),
	}).Info("Generating new identity key pair")

	return s.generate(ctx, accountID)
}

// loadValid reads and validates the persisted pair for an account, along
// with whether its public half has been published.
func (s *Store) loadValid(accountID string) (*crypto.KeyPair, bool, error) {
	data, err := s.files.readEncrypted(keyFilename(accountID))
	if err != nil {
		return nil, false, fmt.Errorf("no usable persisted pair: %w", err)
	}
	defer crypto.ZeroBytes(data)

	if len(data) != recordSize {
		return nil, false, fmt.Errorf("persisted pair has wrong size: %d", len(data))
	}

	var pair crypto.KeyPair
	copy(pair.Private[:], data[:crypto.KeySize])
	copy(pair.Public[:], data[crypto.KeySize:2*crypto.KeySize])
	published := data[2*crypto.KeySize] == publishedMarker

	if err := pair.Validate(); err != nil {
		return nil, false, fmt.Errorf("persisted pair failed validation: %w", err)
	}

	return &pair, published, nil
}

// generate creates, persists, and publishes a new pair. Called with s.mu held.
func (s *Store) generate(ctx context.Context, accountID string) (*crypto.KeyPair, error) {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key pair: %w", err)
	}

	var persistErr error
	if err := s.persist(accountID, pair, false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "generate",
			"account_id": accountID,
			"error":      err.Error(),
		}).Error("Failed to persist identity key pair, continuing with session-scoped pair")
		persistErr = fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	// The pair is on disk marked unpublished at this point, so a publish
	// failure here is retried by the next LoadOrCreate rather than leaving
	// the account permanently unresolvable.
	if err := s.publish(ctx, accountID, pair); err != nil {
		return nil, err
	}

	if persistErr == nil {
		if err := s.persist(accountID, pair, true); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "generate",
				"account_id": accountID,
				"error":      err.Error(),
			}).Warn("Failed to record publish state")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "generate",
		"account_id": accountID,
		"key_prefix": fmt.Sprintf("%x", pair.Public[:8]),
		"persisted":  persistErr == nil,
	}).Info("New identity key pair active")

	s.loaded[accountID] = pair
	return pair, persistErr
}

// persist writes both halves of the pair and its publish state to encrypted
// storage.
func (s *Store) persist(accountID string, pair *crypto.KeyPair, published bool) error {
	data := make([]byte, recordSize)
	copy(data[:crypto.KeySize], pair.Private[:])
	copy(data[crypto.KeySize:2*crypto.KeySize], pair.Public[:])
	if published {
		data[2*crypto.KeySize] = publishedMarker
	}
	defer crypto.ZeroBytes(data)

	return s.files.writeEncrypted(keyFilename(accountID), data)
}

// publish uploads the public half to the directory.
func (s *Store) publish(ctx context.Context, accountID string, pair *crypto.KeyPair) error {
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.Publish(ctx, accountID, pair.Public); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "publish",
			"account_id": accountID,
			"error":      err.Error(),
		}).Error("Failed to publish public key")
		return fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}
	return nil
}

// Close wipes loaded private keys and the at-rest encryption key.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pair := range s.loaded {
		crypto.WipeKeyPair(pair)
	}
	s.loaded = make(map[string]*crypto.KeyPair)
	s.files.close()
	return nil
}

// keyFilename maps an account ID (an email, typically) to a stable filename
// without leaking the account ID into the directory listing.
func keyFilename(accountID string) string {
	sum := sha256.Sum256([]byte(accountID))
	return "identity-" + hex.EncodeToString(sum[:8]) + ".key"
}
