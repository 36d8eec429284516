// Package history fetches message backlog over the non-realtime REST
// channel. The transport session uses it as the Degraded fallback when
// reconnection attempts are exhausted, and callers may use it for an initial
// sync before the realtime connection is up.
package history
