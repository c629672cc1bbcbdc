// Package transport delivers payloads to live connections and turns
// connection lifecycles into session events.
//
// Hub is the in-process websocket gateway; HTTPGateway drives a remote
// connection management endpoint. Both report a closed connection as
// ErrGone so callers can tell a stale address from a delivery failure.
package transport
