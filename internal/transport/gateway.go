package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dreamware/clusters/internal/cluster"
)

// ErrGone is returned when the addressed connection no longer exists.
var ErrGone = errors.New("410 GONE")

// Gateway delivers payloads to live connections.
type Gateway interface {
	// Push sends payload to the connection. It returns ErrGone when the
	// connection is known to be closed.
	Push(ctx context.Context, info cluster.ConnectionInfo, payload []byte) error

	// Close terminates the connection.
	Close(ctx context.Context, info cluster.ConnectionInfo) error
}

// EventHandler receives the lifecycle events of connections.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev cluster.Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev cluster.Event) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev cluster.Event) error {
	return f(ctx, ev)
}

// HTTPGateway talks to a remote connection management endpoint:
//
//	POST   {scheme}://{domain}/{stage}/@connections/{id}   push payload
//	DELETE {scheme}://{domain}/{stage}/@connections/{id}   close
//
// A 410 response maps to ErrGone.
type HTTPGateway struct {
	client *http.Client
	scheme string
}

// NewHTTPGateway creates a gateway client. scheme defaults to https.
func NewHTTPGateway(client *http.Client, scheme string) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if scheme == "" {
		scheme = "https"
	}
	return &HTTPGateway{client: client, scheme: scheme}
}

func (g *HTTPGateway) endpoint(info cluster.ConnectionInfo) (string, error) {
	if info.Domain == "" {
		return "", cluster.Invalidf(".domain (string) is required - connection[%s]", info.ConnectionID)
	}
	if info.ConnectionID == "" {
		return "", cluster.Invalidf(".connectionId (string) is required!")
	}
	base := g.scheme + "://" + info.Domain
	if info.Stage != "" {
		base += "/" + url.PathEscape(info.Stage)
	}
	return base + "/@connections/" + url.PathEscape(info.ConnectionID), nil
}

// Push posts payload to the connection.
func (g *HTTPGateway) Push(ctx context.Context, info cluster.ConnectionInfo, payload []byte) error {
	return g.do(ctx, http.MethodPost, info, payload)
}

// Close deletes the connection.
func (g *HTTPGateway) Close(ctx context.Context, info cluster.ConnectionInfo) error {
	return g.do(ctx, http.MethodDelete, info, nil)
}

func (g *HTTPGateway) do(ctx context.Context, method string, info cluster.ConnectionInfo, payload []byte) error {
	endpoint, err := g.endpoint(info)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("connection[%s]: %w", info.ConnectionID, ErrGone)
	case resp.StatusCode >= 300:
		return &cluster.StatusError{Method: method, URL: endpoint, Code: resp.StatusCode}
	}
	return nil
}
