package sealchat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/config"
	"github.com/opd-ai/sealchat/directory"
	"github.com/opd-ai/sealchat/handshake"
	"github.com/opd-ai/sealchat/history"
	"github.com/opd-ai/sealchat/identity"
	"github.com/opd-ai/sealchat/message"
	"github.com/opd-ai/sealchat/transport"
	"github.com/opd-ai/sealchat/vault"
)

var (
	// ErrClientClosed indicates an operation on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrNoConversation indicates a send to a peer with no open conversation.
	ErrNoConversation = errors.New("no open conversation with peer")
)

// Delivery re-exports the transport delivery type for callback signatures.
type Delivery = transport.Delivery

// FileMetadata re-exports the outgoing file description.
type FileMetadata = transport.FileMetadata

// conversation bundles the two per-peer sessions.
type conversation struct {
	hs *handshake.Session
	ts *transport.Session
}

// Client is a messaging client for one local account. It owns the shared
// infrastructure (identity store, key directory, vault, history client) and
// one handshake + transport session pair per open conversation.
type Client struct {
	cfg       *config.Config
	accountID string

	db        *sql.DB
	vault     *vault.Vault
	identity  *identity.Store
	directory *directory.Client
	history   *history.Client
	tokens    transport.TokenSource
	dialer    transport.Dialer

	mu            sync.Mutex
	conversations map[string]*conversation
	closed        bool

	onMessage func(peerID string, d Delivery)
	onState   func(peerID string, s transport.State)
	onReauth  func(peerID string, err error)
}

// New creates a Client from the given options: loads configuration, opens
// the vault database, and prepares the identity store and service clients.
// No network traffic happens until OpenConversation.
func New(options *Options) (*Client, error) {
	if options == nil {
		return nil, errors.New("options are required")
	}
	if options.AccountID == "" {
		return nil, errors.New("account ID is required")
	}

	cfg := options.Config
	if cfg == nil {
		loaded, err := config.Load(options.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	db, err := sql.Open("sqlite3", cfg.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault database: %w", err)
	}

	var vaultOpts []vault.Option
	if cfg.VaultMaxEntries > 0 {
		vaultOpts = append(vaultOpts, vault.WithMaxEntries(cfg.VaultMaxEntries))
	}
	kv, err := vault.New(db, vaultOpts...)
	if err != nil {
		db.Close()
		return nil, err
	}

	dir := directory.New(cfg.DirectoryURL)

	ids, err := identity.NewStore(cfg.IdentityDir, options.Passphrase, dir)
	if err != nil {
		db.Close()
		return nil, err
	}

	tokens := options.Tokens
	if tokens == nil {
		tokens = StaticToken(options.AuthToken)
	}

	hist := history.New(cfg.HistoryURL)
	hist.SetTokenSource(tokens)

	c := &Client{
		cfg:           cfg,
		accountID:     options.AccountID,
		db:            db,
		vault:         kv,
		identity:      ids,
		directory:     dir,
		history:       hist,
		tokens:        tokens,
		dialer:        options.Dialer,
		conversations: make(map[string]*conversation),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"account_id": options.AccountID,
		"vault_path": cfg.VaultPath,
	}).Info("Client created")

	return c, nil
}

// OnMessage registers the callback for decrypted inbound messages across all
// conversations. Register callbacks before OpenConversation.
func (c *Client) OnMessage(fn func(peerID string, d Delivery)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnStateChange registers a callback for transport state transitions.
func (c *Client) OnStateChange(fn func(peerID string, s transport.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnReauthRequired registers a callback invoked when a conversation's token
// refresh fails; the caller must obtain a new token and reopen.
func (c *Client) OnReauthRequired(fn func(peerID string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReauth = fn
}

// PublishIdentity ensures the local identity key pair exists and its public
// half is in the directory, without opening a conversation. Peers cannot
// handshake against this account until its key is published, so clients
// typically call this once at startup.
func (c *Client) PublishIdentity(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	_, err := c.identity.LoadOrCreate(ctx, c.accountID)
	return err
}

// OpenConversation establishes the handshake and transport session for a
// peer and connects. Opening an already-open conversation is a no-op.
func (c *Client) OpenConversation(ctx context.Context, peerID string) error {
	if peerID == "" {
		return errors.New("peer ID is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if _, ok := c.conversations[peerID]; ok {
		c.mu.Unlock()
		return nil
	}

	hs := handshake.NewSession(c.accountID, peerID, c.accountID, c.identity, c.directory)

	ts := transport.NewSession(transport.Config{
		URL:                  c.cfg.RelayURL,
		KeepaliveInterval:    c.cfg.KeepaliveInterval.Std(),
		BackoffBase:          c.cfg.BackoffBase.Std(),
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		InterFrameDelay:      c.cfg.InterFrameDelay.Std(),
		CipherMode:           message.CipherMode(c.cfg.CipherMode),
	}, c.accountID, peerID, hs, c.vault, c.tokens, c.history)
	if c.dialer != nil {
		ts.SetDialer(c.dialer)
	}

	ts.OnMessage(func(d Delivery) {
		c.mu.Lock()
		cb := c.onMessage
		c.mu.Unlock()
		if cb != nil {
			cb(peerID, d)
		}
	})
	ts.OnStateChange(func(s transport.State) {
		c.mu.Lock()
		cb := c.onState
		c.mu.Unlock()
		if cb != nil {
			cb(peerID, s)
		}
	})
	ts.OnReauthRequired(func(err error) {
		c.mu.Lock()
		cb := c.onReauth
		c.mu.Unlock()
		if cb != nil {
			cb(peerID, err)
		}
	})

	c.conversations[peerID] = &conversation{hs: hs, ts: ts}
	c.mu.Unlock()

	if err := ts.Connect(ctx); err != nil {
		c.mu.Lock()
		delete(c.conversations, peerID)
		c.mu.Unlock()
		ts.Close()
		hs.Teardown()
		return err
	}

	return nil
}

// CloseConversation tears down one conversation: the transport session is
// closed and the handshake secret wiped.
func (c *Client) CloseConversation(peerID string) error {
	c.mu.Lock()
	conv, ok := c.conversations[peerID]
	delete(c.conversations, peerID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConversation, peerID)
	}

	conv.ts.Close()
	conv.hs.Teardown()
	return nil
}

// SendMessage encrypts and sends a text message to a peer.
func (c *Client) SendMessage(ctx context.Context, peerID, text string) (*message.Envelope, error) {
	conv, err := c.conversation(peerID)
	if err != nil {
		return nil, err
	}
	return conv.ts.SendText(ctx, text)
}

// SendFile encrypts and sends a binary payload to a peer as a metadata frame
// followed by the raw encrypted bytes.
func (c *Client) SendFile(ctx context.Context, peerID string, contents []byte, meta FileMetadata) (*message.Envelope, error) {
	conv, err := c.conversation(peerID)
	if err != nil {
		return nil, err
	}
	return conv.ts.SendFile(ctx, contents, meta)
}

// ConversationState returns the transport state of an open conversation.
func (c *Client) ConversationState(peerID string) (transport.State, bool) {
	c.mu.Lock()
	conv, ok := c.conversations[peerID]
	c.mu.Unlock()
	if !ok {
		return transport.StateDisconnected, false
	}
	return conv.ts.State(), true
}

func (c *Client) conversation(peerID string) (*conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	conv, ok := c.conversations[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConversation, peerID)
	}
	return conv, nil
}

// Close tears the client down synchronously: every conversation is closed,
// loaded identity keys are wiped, and the vault database handle is released.
// The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conversations := c.conversations
	c.conversations = make(map[string]*conversation)
	c.mu.Unlock()

	for _, conv := range conversations {
		conv.ts.Close()
		conv.hs.Teardown()
	}

	if err := c.identity.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"error":    err.Error(),
		}).Warn("Identity store close failed")
	}

	err := c.db.Close()

	logrus.WithFields(logrus.Fields{
		"function":   "Close",
		"account_id": c.accountID,
	}).Info("Client closed")

	return err
}
