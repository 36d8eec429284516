package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/message"
)

// ErrFetchFailed indicates the backlog could not be fetched after retries.
var ErrFetchFailed = errors.New("history fetch failed")

const (
	defaultRetryCount = 2 // 3 attempts total
	defaultRetryWait  = 1 * time.Second
)

// TokenProvider supplies the current bearer token. Reading it per request
// matters because the Degraded fallback typically runs right after reconnect
// attempts refreshed the token; a token captured at construction would be
// stale exactly then. transport.TokenSource satisfies this.
type TokenProvider interface {
	Token() string
}

// Client fetches history over REST.
type Client struct {
	http   *resty.Client
	tokens TokenProvider
}

// Option configures a Client.
type Option func(*Client)

// WithRetryWait overrides the fixed wait between attempts.
func WithRetryWait(wait time.Duration) Option {
	return func(c *Client) {
		c.http.SetRetryWaitTime(wait).SetRetryMaxWaitTime(wait)
	}
}

// New creates a history client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetRetryCount(defaultRetryCount).
		SetRetryWaitTime(defaultRetryWait).
		SetRetryMaxWaitTime(defaultRetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	c := &Client{http: httpClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAuthToken installs a fixed bearer token for subsequent fetches.
// Prefer SetTokenSource when the token can rotate.
func (c *Client) SetAuthToken(token string) {
	c.http.SetAuthToken(token)
}

// SetTokenSource installs a provider consulted on every fetch, so fetches
// always carry the freshest token.
func (c *Client) SetTokenSource(tokens TokenProvider) {
	c.tokens = tokens
}

// Fetch retrieves the backlog for one conversation. The response body is the
// same batch shape the realtime channel uses ({"messages": [...]}), so the
// strict envelope validation applies identically on both paths.
func (c *Client) Fetch(ctx context.Context, localID, peerID string) ([]message.Envelope, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user": localID,
			"peer": peerID,
		})
	if c.tokens != nil {
		req.SetAuthToken(c.tokens.Token())
	}

	resp, err := req.Get("/messages/history")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode())
	}

	inbound, err := message.DecodeFrame(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	batch, ok := inbound.(message.InboundHistory)
	if !ok {
		return nil, fmt.Errorf("%w: response is not a history batch", ErrFetchFailed)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Fetch",
		"peer_id":  peerID,
		"count":    len(batch.Envelopes),
	}).Info("History backlog fetched")

	return batch.Envelopes, nil
}
