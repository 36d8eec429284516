package sealchat

import (
	"github.com/opd-ai/sealchat/config"
	"github.com/opd-ai/sealchat/transport"
)

// Options contains configuration options for creating a Client.
type Options struct {
	// ConfigPath locates the YAML configuration file. Ignored when Config
	// is set directly.
	ConfigPath string
	// Config is the parsed configuration; takes precedence over ConfigPath.
	Config *config.Config

	// AccountID is the local user identifier (an email, typically).
	AccountID string
	// Passphrase encrypts the identity key files at rest.
	Passphrase []byte

	// AuthToken is the initial bearer token for the relay and history
	// services. Ignored when Tokens is set.
	AuthToken string
	// Tokens supplies and refreshes auth tokens. When nil, a static source
	// wrapping AuthToken is used; static tokens cannot refresh, so an
	// expiry during reconnect surfaces as OnReauthRequired.
	Tokens transport.TokenSource

	// Dialer overrides the transport connection dialer. Tests substitute a
	// scripted implementation; leave nil for the WebSocket dialer.
	Dialer transport.Dialer
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{}
}
