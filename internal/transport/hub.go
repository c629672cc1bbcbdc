package transport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/cluster"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxMessageSize      = 128 * 1024
)

// HubConfig configures a Hub.
type HubConfig struct {
	// Stage and Domain are reported on every event and identify this hub
	// as the gateway of the connection.
	Stage  string
	Domain string

	// WriteTimeout bounds one frame write. Defaults to 5s.
	WriteTimeout time.Duration

	// CheckOrigin is passed to the websocket upgrader; nil accepts all.
	CheckOrigin func(r *http.Request) bool
}

// Hub is an in-process websocket gateway. It accepts peers over HTTP,
// reports their lifecycle to an EventHandler and pushes payloads to them
// by connection id.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	clock    clock.Clock
	logger   *zap.Logger
	newID    func() string

	mu      sync.RWMutex
	peers   map[string]*peer
	handler EventHandler
}

// peer is one websocket connection. Writes are serialized by mu, which keeps
// per-connection delivery order.
type peer struct {
	id       string
	ws       *websocket.Conn
	mu       sync.Mutex
	accepted bool
	closed   bool
	pending  [][]byte
	lastSeen time.Time
}

// NewHub creates a hub. Set the event handler with SetHandler before
// serving.
func NewHub(cfg HubConfig, clk clock.Clock, logger *zap.Logger) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clock:  clk,
		logger: logger,
		newID:  newConnectionID,
		peers:  make(map[string]*peer),
	}
}

// SetHandler sets the receiver of connection events.
func (h *Hub) SetHandler(handler EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func newConnectionID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uuid.NewString()
	}
	return base64.StdEncoding.EncodeToString(b[:])
}

// Connections returns the ids of the open connections.
func (h *Hub) Connections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) peer(id string) *peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[id]
}

func (h *Hub) emit(ctx context.Context, ev cluster.Event) error {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		return errors.New("hub has no event handler")
	}
	return handler.HandleEvent(ctx, ev)
}

func (h *Hub) event(t cluster.EventType, route, id string) cluster.Event {
	return cluster.Event{
		ID:           uuid.NewString(),
		Type:         t,
		Route:        route,
		Stage:        h.cfg.Stage,
		Domain:       h.cfg.Domain,
		Direction:    "IN",
		ConnectionID: id,
	}
}

// authorization reads the credential from the Authorization header or,
// for clients that cannot set headers, from the auth query parameter.
func authorization(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	if auth := r.URL.Query().Get("auth"); auth != "" {
		if strings.HasPrefix(auth, "Basic ") {
			return auth
		}
		return "Basic " + auth
	}
	return ""
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxMessageSize)
	ctx := context.WithoutCancel(r.Context())

	p := &peer{id: h.newID(), ws: ws, lastSeen: h.clock.Now()}
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()

	connect := h.event(cluster.EventConnect, "$connect", p.id)
	connect.Authorization = authorization(r)
	connect.Origin = r.Header.Get("Origin")
	connect.Agent = r.UserAgent()
	connect.Remote = r.RemoteAddr
	connect.ConnectedAt = h.clock.Now().UnixMilli()

	if err := h.emit(ctx, connect); err != nil {
		h.logger.Info("connection rejected", zap.String("conn", p.id), zap.Error(err))
		h.remove(p.id)
		p.mu.Lock()
		p.closed = true
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, truncate(err.Error(), 120)),
			h.clock.Now().Add(h.cfg.WriteTimeout))
		p.mu.Unlock()
		_ = ws.Close()
		return
	}
	if err := h.accept(p); err != nil {
		h.logger.Warn("flush after connect failed", zap.String("conn", p.id), zap.Error(err))
	}

	reason := h.readLoop(ctx, p)

	h.remove(p.id)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = ws.Close()

	disconnect := h.event(cluster.EventDisconnect, "$disconnect", p.id)
	disconnect.Reason = reason
	if err := h.emit(ctx, disconnect); err != nil {
		h.logger.Warn("disconnect handling failed", zap.String("conn", p.id), zap.Error(err))
	}
}

// accept marks the peer addressable and flushes payloads pushed while its
// connect event was being handled.
func (h *Hub) accept(p *peer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepted = true
	for _, payload := range p.pending {
		if err := h.write(p, payload); err != nil {
			return err
		}
	}
	p.pending = nil
	return nil
}

func (h *Hub) readLoop(ctx context.Context, p *peer) string {
	p.ws.SetPongHandler(func(string) error {
		h.touch(p)
		return nil
	})
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Text != "" {
					return closeErr.Text
				}
				return fmt.Sprintf("close %d", closeErr.Code)
			}
			return "unknown"
		}
		h.touch(p)

		msg := h.event(cluster.EventMessage, "$default", p.id)
		msg.MessageID = uuid.NewString()
		msg.Body = string(data)
		if err := h.emit(ctx, msg); err != nil {
			h.logger.Debug("message handling failed", zap.String("conn", p.id), zap.Error(err))
		}
	}
}

func (h *Hub) touch(p *peer) {
	p.mu.Lock()
	p.lastSeen = h.clock.Now()
	p.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.peers, id)
	h.mu.Unlock()
}

// write must be called with p.mu held.
func (h *Hub) write(p *peer, payload []byte) error {
	_ = p.ws.SetWriteDeadline(h.clock.Now().Add(h.cfg.WriteTimeout))
	if err := p.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("connection[%s]: %v: %w", p.id, err, ErrGone)
	}
	return nil
}

// Push sends payload to the connection. Payloads pushed before the
// connection is accepted are delivered right after acceptance.
func (h *Hub) Push(_ context.Context, info cluster.ConnectionInfo, payload []byte) error {
	p := h.peer(info.ConnectionID)
	if p == nil {
		return fmt.Errorf("connection[%s]: %w", info.ConnectionID, ErrGone)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("connection[%s]: %w", info.ConnectionID, ErrGone)
	}
	if !p.accepted {
		p.pending = append(p.pending, append([]byte(nil), payload...))
		return nil
	}
	return h.write(p, payload)
}

// Close sends a close frame and closes the connection. The disconnect event
// follows from the read loop.
func (h *Hub) Close(_ context.Context, info cluster.ConnectionInfo) error {
	return h.drop(info.ConnectionID, websocket.CloseNormalClosure, "closed by server")
}

func (h *Hub) drop(id string, code int, reason string) error {
	p := h.peer(id)
	if p == nil {
		return fmt.Errorf("connection[%s]: %w", id, ErrGone)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("connection[%s]: %w", id, ErrGone)
	}
	p.closed = true
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		h.clock.Now().Add(h.cfg.WriteTimeout))
	return p.ws.Close()
}

// probe pings the connection and fails when nothing was heard from it for
// longer than stale.
func (h *Hub) probe(id string, stale time.Duration) error {
	p := h.peer(id)
	if p == nil {
		return fmt.Errorf("connection[%s]: %w", id, ErrGone)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("connection[%s]: %w", id, ErrGone)
	}
	if err := p.ws.WriteControl(websocket.PingMessage, nil, h.clock.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if idle := h.clock.Since(p.lastSeen); idle > stale {
		return fmt.Errorf("no pong for %v", idle.Round(time.Millisecond))
	}
	return nil
}

// StartLiveness pings every connection each interval and closes the ones
// that stayed silent for maxFailures consecutive checks. It blocks until ctx
// is cancelled or monitor.Stop is called.
func (h *Hub) StartLiveness(ctx context.Context, monitor *LivenessMonitor) {
	stale := 2 * monitor.interval
	monitor.SetCheckFunction(func(id string) error { return h.probe(id, stale) })
	monitor.SetOnUnhealthy(func(id string) {
		if err := h.drop(id, websocket.CloseGoingAway, "ping timeout"); err != nil && !errors.Is(err, ErrGone) {
			h.logger.Warn("closing silent connection failed", zap.String("conn", id), zap.Error(err))
		}
	})
	monitor.Start(ctx, h.Connections)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
