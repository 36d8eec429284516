package directory

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
)

var (
	// ErrNotFound indicates the directory has no key for the peer, or the
	// lookup itself failed persistently after all retries.
	ErrNotFound = errors.New("peer key not found")

	// ErrInvalidKey indicates the directory returned a malformed key.
	ErrInvalidKey = errors.New("invalid peer key")
)

// keyPattern matches the wire form of a public key: 32 bytes as lowercase hex.
var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

const (
	defaultRetryCount = 2 // 3 attempts total
	defaultRetryWait  = 1 * time.Second
)

// keyResponse is the body of GET /peer/{id}/public_key.
type keyResponse struct {
	PublicKey string `json:"public_key"`
}

// publishRequest is the body of POST /identity/public_key.
type publishRequest struct {
	AccountID string `json:"account_id"`
	PublicKey string `json:"public_key"`
}

// Client is a PeerKeyDirectory backed by the directory REST service.
type Client struct {
	http *resty.Client

	mu    sync.RWMutex
	cache map[string][crypto.KeySize]byte
}

// Option configures a Client.
type Option func(*Client)

// WithRetryWait overrides the fixed wait between lookup attempts. Tests use
// this to avoid real one-second sleeps.
func WithRetryWait(wait time.Duration) Option {
	return func(c *Client) {
		c.http.SetRetryWaitTime(wait).SetRetryMaxWaitTime(wait)
	}
}

// New creates a directory client for the given base URL. Transient failures
// (network errors and 5xx responses) are retried up to 3 total attempts with
// a fixed 1s wait.
func New(baseURL string, opts ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetRetryCount(defaultRetryCount).
		SetRetryWaitTime(defaultRetryWait).
		SetRetryMaxWaitTime(defaultRetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	c := &Client{
		http:  httpClient,
		cache: make(map[string][crypto.KeySize]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve fetches a peer's long-term public key, consulting the cache first.
func (c *Client) Resolve(ctx context.Context, peerID string) ([crypto.KeySize]byte, error) {
	if peerID == "" {
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: empty peer ID", ErrNotFound)
	}

	c.mu.RLock()
	cached, ok := c.cache[peerID]
	c.mu.RUnlock()
	if ok {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"peer_id":  peerID,
		}).Debug("Peer key served from cache")
		return cached, nil
	}

	var body keyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get(fmt.Sprintf("/peer/%s/public_key", peerID))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Error("Peer key lookup failed after retries")
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	if resp.IsError() {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"peer_id":  peerID,
			"status":   resp.StatusCode(),
		}).Error("Peer key lookup returned error status")
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode())
	}

	key, err := parseKey(body.PublicKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"peer_id":  peerID,
			"key_len":  len(body.PublicKey),
		}).Error("Peer key failed validation")
		return [crypto.KeySize]byte{}, err
	}

	c.mu.Lock()
	c.cache[peerID] = key
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Resolve",
		"peer_id":         peerID,
		"peer_key_prefix": fmt.Sprintf("%x", key[:8]),
	}).Info("Peer key resolved and cached")

	return key, nil
}

// Publish uploads this device's public key for the given account. Called
// whenever the identity store generates a new pair.
func (c *Client) Publish(ctx context.Context, accountID string, publicKey [crypto.KeySize]byte) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(publishRequest{
			AccountID: accountID,
			PublicKey: hex.EncodeToString(publicKey[:]),
		}).
		Post("/identity/public_key")
	if err != nil {
		return fmt.Errorf("failed to publish public key: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to publish public key: status %d", resp.StatusCode())
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Publish",
		"account_id": accountID,
		"key_prefix": fmt.Sprintf("%x", publicKey[:8]),
	}).Info("Public key published to directory")

	return nil
}

// Invalidate drops a cached key, forcing the next Resolve to hit the service.
func (c *Client) Invalidate(peerID string) {
	c.mu.Lock()
	delete(c.cache, peerID)
	c.mu.Unlock()
}

// parseKey validates and decodes the wire form of a public key.
func parseKey(s string) ([crypto.KeySize]byte, error) {
	if !keyPattern.MatchString(s) {
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: want 64 lowercase hex chars, got %q", ErrInvalidKey, s)
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return [crypto.KeySize]byte{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var key [crypto.KeySize]byte
	copy(key[:], raw)
	return key, nil
}
