package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Frame type codes, matching the WebSocket opcode values so a mock and a
// real connection speak the same constants.
const (
	// TextFrame carries a JSON message or control frame.
	TextFrame = websocket.TextMessage
	// BinaryFrame carries raw encrypted file bytes.
	BinaryFrame = websocket.BinaryMessage
)

// Conn is the minimal connection surface the session needs.
// *websocket.Conn satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes a connection to the relay. Tests substitute a scripted
// implementation.
type Dialer interface {
	Dial(ctx context.Context, url, authToken string) (Conn, error)
}

// WebSocketDialer is the production Dialer backed by gorilla/websocket.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the WebSocket upgrade; zero means the
	// gorilla default.
	HandshakeTimeout time.Duration
}

// Dial connects to the relay, presenting the auth token as a bearer header.
func (d WebSocketDialer) Dial(ctx context.Context, url, authToken string) (Conn, error) {
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
