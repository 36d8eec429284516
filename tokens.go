package sealchat

import (
	"context"
	"errors"

	"github.com/opd-ai/sealchat/transport"
)

// ErrStaticToken indicates a refresh attempt on a token source that has no
// refresh capability.
var ErrStaticToken = errors.New("static token cannot be refreshed")

// staticToken is a TokenSource holding one fixed bearer token.
type staticToken struct {
	token string
}

// StaticToken wraps a fixed bearer token as a TokenSource. Refresh always
// fails, so a token expiring mid-session surfaces as OnReauthRequired rather
// than silently retrying with a dead credential.
func StaticToken(token string) transport.TokenSource {
	return &staticToken{token: token}
}

// Token returns the fixed token.
func (s *staticToken) Token() string { return s.token }

// Refresh always fails for a static token.
func (s *staticToken) Refresh(context.Context) (string, error) {
	return "", ErrStaticToken
}
