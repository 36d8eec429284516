package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/limits"
	"github.com/opd-ai/sealchat/message"
)

var (
	// ErrConnectFailed indicates the initial dial failed.
	ErrConnectFailed = errors.New("connect failed")

	// ErrNotActive indicates a send on a session that is not Active.
	ErrNotActive = errors.New("session not active")

	// ErrMaxReconnectExceeded indicates the reconnect cap was reached and
	// the session has entered Degraded.
	ErrMaxReconnectExceeded = errors.New("max reconnect attempts exceeded")

	// ErrReauthRequired indicates a token refresh failed during reconnect.
	// The caller must re-authenticate before a new session can connect.
	ErrReauthRequired = errors.New("re-authentication required")

	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Placeholder strings delivered instead of plaintext when decryption cannot
// proceed. The two failures are visually distinct by design: a key
// derivation failure means the handshake or ephemeral key is at fault, a
// decrypt failure means the ciphertext or padding is.
const (
	PlaceholderKeyFailure     = "[key generation failed]"
	PlaceholderDecryptFailure = "[message could not be decrypted]"
)

// Handshake is the cryptographic session the transport encrypts through.
// *handshake.Session satisfies it.
type Handshake interface {
	Initialize(ctx context.Context) error
	IsReady() bool
	DeriveForSend() ([crypto.KeySize]byte, [crypto.KeySize]byte, error)
	DeriveForReceive(remoteEphemeral []byte) ([crypto.KeySize]byte, error)
}

// KeyVault persists message keys. *vault.Vault satisfies it.
type KeyVault interface {
	Put(ctx context.Context, messageID string, key [crypto.KeySize]byte) error
	Get(ctx context.Context, messageID string) ([crypto.KeySize]byte, bool, error)
}

// TokenSource supplies and refreshes the relay auth token.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// HistoryFetcher is the pull-based backlog channel used in Degraded mode.
// *history.Client satisfies it.
type HistoryFetcher interface {
	Fetch(ctx context.Context, localID, peerID string) ([]message.Envelope, error)
}

// Delivery is one decrypted (or placeholder) message handed to the caller.
type Delivery struct {
	Envelope  message.Envelope
	Plaintext []byte
	// Failed marks a placeholder delivery; Plaintext then holds the
	// placeholder string.
	Failed bool
}

// Config holds the session's tunables.
type Config struct {
	// URL is the relay WebSocket endpoint.
	URL string
	// KeepaliveInterval is the ping cadence. Default 30s.
	KeepaliveInterval time.Duration
	// BackoffBase is the first reconnect delay; each subsequent attempt
	// doubles it. Default 1s.
	BackoffBase time.Duration
	// MaxReconnectAttempts caps reconnection before Degraded. Default 5.
	MaxReconnectAttempts int
	// InterFrameDelay separates a file's metadata frame from its binary
	// frame, for relays that do not guarantee atomic frame ordering.
	// Default 50ms.
	InterFrameDelay time.Duration
	// CipherMode selects the envelope cipher for outgoing messages.
	// Default is the legacy CBC mode; GCM is the authenticated variant.
	CipherMode message.CipherMode
}

func (c *Config) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.InterFrameDelay <= 0 {
		c.InterFrameDelay = 50 * time.Millisecond
	}
	if c.CipherMode == "" {
		c.CipherMode = message.ModeCBC
	}
}

// Session is the realtime transport session state machine.
type Session struct {
	cfg     Config
	localID string
	peerID  string

	hs      Handshake
	vault   KeyVault
	tokens  TokenSource
	history HistoryFetcher
	dialer  Dialer

	onMessage func(Delivery)
	onState   func(State)
	onReauth  func(error)

	mu          sync.Mutex
	state       State
	conn        Conn
	generation  string
	stop        chan struct{}
	closed      bool
	dedup       *message.DedupSet
	historyByID map[string]message.Envelope
	pendingFile *message.Envelope
	lastPong    time.Time
}

// NewSession builds a session for one conversation. The handshake, vault,
// token source, and history fetcher are injected; the dialer defaults to
// the production WebSocket dialer.
func NewSession(cfg Config, localID, peerID string, hs Handshake, kv KeyVault, tokens TokenSource, hist HistoryFetcher) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:         cfg,
		localID:     localID,
		peerID:      peerID,
		hs:          hs,
		vault:       kv,
		tokens:      tokens,
		history:     hist,
		dialer:      WebSocketDialer{HandshakeTimeout: 10 * time.Second},
		state:       StateDisconnected,
		stop:        make(chan struct{}),
		dedup:       message.NewDedupSet(limits.MaxRecentDedup),
		historyByID: make(map[string]message.Envelope),
	}
}

// SetDialer substitutes the connection dialer. Must be called before Connect.
func (s *Session) SetDialer(d Dialer) { s.dialer = d }

// OnMessage registers the delivery callback for decrypted inbound messages.
func (s *Session) OnMessage(fn func(Delivery)) { s.onMessage = fn }

// OnStateChange registers a callback invoked on every state transition.
func (s *Session) OnStateChange(fn func(State)) { s.onState = fn }

// OnReauthRequired registers a callback invoked when a token refresh fails
// during reconnect, which is fatal for the session.
func (s *Session) OnReauthRequired(fn func(error)) { s.onReauth = fn }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the relay, completes the handshake, requests history, and
// starts the reader and keepalive loops. On success the session is Active.
// A dial or handshake failure leaves the session Disconnected; later drops
// of an established connection trigger the reconnect policy instead.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	gen := uuid.NewString()
	s.generation = gen
	old := s.conn
	s.conn = nil
	s.mu.Unlock()

	// The superseded generation's socket must not linger until the server
	// notices; its loops exit on their own once they see the stale tag.
	if old != nil {
		old.Close()
	}

	return s.establish(ctx, gen)
}

// establish performs one dial + handshake + activation pass for the given
// generation.
func (s *Session) establish(ctx context.Context, gen string) error {
	s.setState(gen, StateConnecting)

	token := ""
	if s.tokens != nil {
		token = s.tokens.Token()
	}

	conn, err := s.dialer.Dial(ctx, s.cfg.URL, token)
	if err != nil {
		s.setState(gen, StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	s.setState(gen, StateHandshakePending)

	if !s.hs.IsReady() {
		if err := s.hs.Initialize(ctx); err != nil {
			conn.Close()
			s.setState(gen, StateDisconnected)
			return fmt.Errorf("handshake failed: %w", err)
		}
	}

	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	s.setState(gen, StateActive)

	// Active entry: request backlog, then start the loops.
	if err := conn.WriteMessage(TextFrame, message.HistoryRequestFrame()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "establish",
			"peer_id":  s.peerID,
			"error":    err.Error(),
		}).Warn("Failed to send history request")
	}

	go s.readLoop(gen, conn)
	go s.keepaliveLoop(gen, conn)

	logrus.WithFields(logrus.Fields{
		"function": "establish",
		"peer_id":  s.peerID,
		"url":      s.cfg.URL,
	}).Info("Transport session active")

	return nil
}

// readLoop pumps inbound frames until the connection drops. A drop on the
// current generation hands control to the reconnect policy.
func (s *Session) readLoop(gen string, conn Conn) {
	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			if s.isCurrent(gen) {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"peer_id":  s.peerID,
					"error":    err.Error(),
				}).Warn("Connection lost")
				go s.reconnectLoop(context.Background(), gen)
			}
			return
		}

		if !s.isCurrent(gen) {
			return
		}
		s.handleFrame(gen, frameType, data)
	}
}

// keepaliveLoop sends a ping at the configured interval. A missing pong is
// logged but not treated as fatal; the transport's own close event is the
// disconnect signal.
func (s *Session) keepaliveLoop(gen string, conn Conn) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan():
			return
		case <-ticker.C:
			if !s.isCurrent(gen) {
				return
			}
			if err := conn.WriteMessage(TextFrame, message.PingFrame()); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "keepaliveLoop",
					"peer_id":  s.peerID,
					"error":    err.Error(),
				}).Debug("Keepalive ping failed")
				return
			}

			s.mu.Lock()
			sincePong := time.Since(s.lastPong)
			s.mu.Unlock()
			if !s.lastPongZero() && sincePong > 2*s.cfg.KeepaliveInterval {
				logrus.WithFields(logrus.Fields{
					"function":   "keepaliveLoop",
					"peer_id":    s.peerID,
					"since_pong": sincePong.String(),
				}).Warn("No pong received recently")
			}
		}
	}
}

func (s *Session) lastPongZero() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong.IsZero()
}

// reconnectLoop runs the backoff policy: delay doubles each attempt from
// BackoffBase, attempts beyond the 2nd refresh the auth token first, and
// exhausting the cap drops the session to Degraded with a pull-based
// history fetch.
func (s *Session) reconnectLoop(ctx context.Context, gen string) {
	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.setState(gen, StateReconnecting)

	bo := newReconnectBackoff(s.cfg.BackoffBase)
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		delay := bo.NextBackOff()

		logrus.WithFields(logrus.Fields{
			"function": "reconnectLoop",
			"peer_id":  s.peerID,
			"attempt":  attempt,
			"delay":    delay.String(),
		}).Info("Scheduling reconnect attempt")

		select {
		case <-s.stopChan():
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if !s.isCurrent(gen) {
			return
		}

		if attempt > 2 && s.tokens != nil {
			if _, err := s.tokens.Refresh(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "reconnectLoop",
					"peer_id":  s.peerID,
					"attempt":  attempt,
					"error":    err.Error(),
				}).Error("Auth token refresh failed, re-authentication required")

				s.setState(gen, StateDisconnected)
				if s.onReauth != nil {
					s.onReauth(fmt.Errorf("%w: %v", ErrReauthRequired, err))
				}
				return
			}
		}

		if err := s.establish(ctx, gen); err == nil {
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "reconnectLoop",
		"peer_id":      s.peerID,
		"max_attempts": s.cfg.MaxReconnectAttempts,
	}).Error("Reconnect attempts exhausted, entering degraded mode")

	s.setState(gen, StateDegraded)
	s.degradedFetch(ctx, gen)
}

// degradedFetch pulls the backlog over the non-realtime channel and feeds
// it through the normal history de-duplication path.
func (s *Session) degradedFetch(ctx context.Context, gen string) {
	if s.history == nil {
		return
	}

	envelopes, err := s.history.Fetch(ctx, s.localID, s.peerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "degradedFetch",
			"peer_id":  s.peerID,
			"error":    err.Error(),
		}).Error("Degraded history fetch failed")
		return
	}

	s.deliverHistory(ctx, gen, envelopes)
}

// newReconnectBackoff builds the deterministic doubling schedule:
// base, 2×base, 4×base, ...
func newReconnectBackoff(base time.Duration) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 24 * time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// isCurrent reports whether gen is still the live session generation.
func (s *Session) isCurrent(gen string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen && !s.closed
}

func (s *Session) stopChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

// setState transitions the state if gen is current and fires the callback.
func (s *Session) setState(gen string, next State) {
	s.mu.Lock()
	if s.generation != gen || s.closed || s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	cb := s.onState
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"peer_id":  s.peerID,
		"from":     prev.String(),
		"to":       next.String(),
	}).Debug("Transport state transition")

	if cb != nil {
		cb(next)
	}
}

// Close tears the session down synchronously: the connection is closed, all
// timers and loops are cancelled via the stop channel and generation bump,
// and per-session state is cleared. A closed session cannot be reused; build
// a new one for the next conversation.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.generation = "" // invalidate every outstanding goroutine and timer
	close(s.stop)
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.dedup = message.NewDedupSet(limits.MaxRecentDedup)
	s.historyByID = make(map[string]message.Envelope)
	s.pendingFile = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"peer_id":  s.peerID,
	}).Info("Transport session closed")

	return nil
}
