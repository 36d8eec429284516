package vault

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
)

// ErrClosed indicates an operation on a closed vault.
var ErrClosed = errors.New("vault closed")

// keyHexPattern matches a stored message key: 32 bytes as lowercase hex.
var keyHexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

const schema = `
CREATE TABLE IF NOT EXISTS message_keys (
	message_id  TEXT PRIMARY KEY,
	message_key TEXT NOT NULL
)`

// Vault is the durable message-key store.
type Vault struct {
	db         *sql.DB
	maxEntries int // 0 means unbounded
}

// Option configures a Vault.
type Option func(*Vault)

// WithMaxEntries bounds the vault to n rows, pruning oldest-inserted rows
// past the bound after each Put. Pruned history messages remain decryptable
// by re-deriving from their ephemeral keys; messages this device sent lose
// cheap re-decryption, which is the documented cost of bounding the store.
func WithMaxEntries(n int) Option {
	return func(v *Vault) {
		v.maxEntries = n
	}
}

// New creates a vault over an injected database handle and ensures the
// schema exists. The caller retains ownership of db and is responsible for
// closing it.
func New(db *sql.DB, opts ...Option) (*Vault, error) {
	if db == nil {
		return nil, errors.New("vault requires a database handle")
	}

	v := &Vault{db: db}
	for _, opt := range opts {
		opt(v)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create message_keys table: %w", err)
	}

	return v, nil
}

// Put stores a message key, replacing any existing row for the same message
// ID. The operation is idempotent: re-putting the identical key is a no-op
// in effect, and keys are immutable per message ID in practice because both
// inputs to derivation are immutable.
func (v *Vault) Put(ctx context.Context, messageID string, key [crypto.KeySize]byte) error {
	if messageID == "" {
		return errors.New("message ID cannot be empty")
	}

	keyHex := hex.EncodeToString(key[:])
	_, err := v.db.ExecContext(ctx,
		`INSERT INTO message_keys (message_id, message_key) VALUES (?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET message_key = excluded.message_key`,
		messageID, keyHex)
	if err != nil {
		return fmt.Errorf("failed to store message key: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Put",
		"message_id": messageID,
	}).Debug("Message key stored")

	if v.maxEntries > 0 {
		if err := v.prune(ctx); err != nil {
			// Retention is best-effort; the write itself succeeded.
			logrus.WithFields(logrus.Fields{
				"function": "Put",
				"error":    err.Error(),
			}).Warn("Failed to prune message keys")
		}
	}

	return nil
}

// Get retrieves a message key. A missing row and a malformed stored value
// both report ok=false; corruption is logged, never propagated as a key.
func (v *Vault) Get(ctx context.Context, messageID string) ([crypto.KeySize]byte, bool, error) {
	var keyHex string
	err := v.db.QueryRowContext(ctx,
		`SELECT message_key FROM message_keys WHERE message_id = ?`, messageID).
		Scan(&keyHex)
	if errors.Is(err, sql.ErrNoRows) {
		return [crypto.KeySize]byte{}, false, nil
	}
	if err != nil {
		return [crypto.KeySize]byte{}, false, fmt.Errorf("failed to read message key: %w", err)
	}

	if !keyHexPattern.MatchString(keyHex) {
		logrus.WithFields(logrus.Fields{
			"function":   "Get",
			"message_id": messageID,
			"stored_len": len(keyHex),
		}).Warn("Stored message key is malformed, treating as not found")
		return [crypto.KeySize]byte{}, false, nil
	}

	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return [crypto.KeySize]byte{}, false, nil
	}

	var key [crypto.KeySize]byte
	copy(key[:], raw)
	return key, true, nil
}

// Count returns the number of stored keys.
func (v *Vault) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count message keys: %w", err)
	}
	return n, nil
}

// prune deletes the oldest-inserted rows past the configured bound.
func (v *Vault) prune(ctx context.Context) error {
	_, err := v.db.ExecContext(ctx,
		`DELETE FROM message_keys WHERE rowid NOT IN (
			SELECT rowid FROM message_keys ORDER BY rowid DESC LIMIT ?
		)`, v.maxEntries)
	return err
}
