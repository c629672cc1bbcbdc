package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/protocol"
)

const (
	minBackoff   = 400 * time.Millisecond
	maxBackoff   = 30 * time.Second
	writeTimeout = 5 * time.Second
	maxSleep     = 60 * time.Second
)

// Config holds the connection settings of an agent.
type Config struct {
	URL          string
	Principal    string
	Pass         string
	StatInterval time.Duration
}

// Authorization returns the Basic credential of the agent.
func (c Config) Authorization() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Principal+":"+c.Pass))
}

// Agent keeps one connection to the hub open, reconnecting with backoff.
type Agent struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	dialer *websocket.Dialer
	usage  func() protocol.Usage
	meta   func() any
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithUsage replaces the host usage probe.
func WithUsage(fn func() protocol.Usage) Option {
	return func(a *Agent) { a.usage = fn }
}

// New creates an agent.
func New(cfg Config, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		clock:  clock.New(),
		logger: zap.NewNop(),
		dialer: websocket.DefaultDialer,
		usage:  protocol.CheckUsage,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.meta = func() any {
		meta := protocol.HostMeta()
		meta["networks"] = protocol.CheckNetworks()
		return meta
	}
	return a
}

// Run connects and serves until ctx is done. Failed or dropped connections
// are retried with exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		started := a.clock.Now()
		err := a.Session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.clock.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		a.logger.Warn("connection lost", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-a.clock.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(2*backoff, maxBackoff)
	}
}

// Session dials once and serves the connection until it closes.
func (a *Agent) Session(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", a.cfg.Authorization())
	ws, resp, err := a.dialer.DialContext(ctx, a.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}
	defer ws.Close()

	ch := &wsChannel{id: uuid.NewString(), ws: ws}
	client := protocol.NewClient(ch, protocol.WithClock(a.clock), protocol.WithLogger(a.logger))
	client.SetHelloMeta(a.meta)
	client.HandleRequest(a.handleRequest)
	client.HandleOther(func(_ context.Context, msg protocol.Message) error {
		a.logger.Debug("message", zap.String("type", string(msg.Type)), zap.ByteString("data", msg.Data))
		return nil
	})
	a.logger.Info("connected", zap.String("url", a.cfg.URL), zap.String("principal", a.cfg.Principal))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		_ = ch.close()
	}()
	if a.cfg.StatInterval > 0 {
		go a.reportStat(sctx, client, ch)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		msg := protocol.ParseMessage(string(data))
		if err := client.OnMessage(sctx, msg); err != nil {
			a.logger.Warn("message handling failed", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}

func (a *Agent) reportStat(ctx context.Context, client *protocol.Client, ch *wsChannel) {
	ticker := a.clock.Ticker(a.cfg.StatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := client.Factory().Prepare(protocol.TypeStat, nil, "")
			if err != nil {
				continue
			}
			msg.Stat = a.usage().Stat()
			if err := ch.Post(ctx, msg); err != nil {
				a.logger.Warn("stat failed", zap.Error(err))
				return
			}
		}
	}
}

// handleRequest runs the built-in tasks named by the request id.
func (a *Agent) handleRequest(ctx context.Context, req protocol.MessageRequest) (any, error) {
	switch req.ID {
	case "ping":
		return "pong", nil
	case "sleep":
		d := time.Duration(paramInt(req.Param, "ms", 100)) * time.Millisecond
		if d > maxSleep {
			d = maxSleep
		}
		select {
		case <-a.clock.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{"slept": d.Milliseconds()}, nil
	case "usage":
		return a.usage(), nil
	case "":
		return nil, errors.New("@id (string) is required!")
	default:
		return nil, fmt.Errorf("@id[%s] is invalid!", req.ID)
	}
}

func paramInt(param map[string]any, key string, def int64) int64 {
	switch v := param[key].(type) {
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// wsChannel posts messages on a websocket. Writes are serialized.
type wsChannel struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) Post(_ context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(writeTimeout))
	return c.ws.Close()
}
