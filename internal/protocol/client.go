package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/stack"
)

const (
	// DefaultSendTimeout bounds how long Send waits for a reply.
	DefaultSendTimeout = 5 * time.Second
	// DefaultWorkerDelay is the pause before the async worker handles the
	// next queued request.
	DefaultWorkerDelay = 5 * time.Millisecond
)

// ErrNoReply is wrapped by Send when no reply arrived in time.
var ErrNoReply = errors.New("404 NOT FOUND")

// Channel is the outbound side of a peer connection.
type Channel interface {
	ID() string
	Post(ctx context.Context, msg Message) error
}

// Handler handles one inbound message of a registered type.
type Handler func(ctx context.Context, msg Message) error

// RequestHandler answers a request; its result becomes the response data.
type RequestHandler func(ctx context.Context, req MessageRequest) (any, error)

// Client dispatches inbound messages on the peer side of a connection.
//
// Dispatch order: a pending Send waiter, then requests, then the handler
// registered for the message type, then the fallback, else the message is
// logged and ignored.
type Client struct {
	channel Channel
	factory *Factory
	clock   clock.Clock
	logger  *zap.Logger

	handlers  map[Type]Handler
	fallback  Handler
	onRequest RequestHandler

	sendTimeout time.Duration
	workerDelay time.Duration

	mu      sync.Mutex
	id      string
	waiter  chan Message
	pending *stack.Stack[Message]
	idle    *sync.Cond
	running bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClock sets the clock used for timestamps, timeouts and worker delays.
func WithClock(c clock.Clock) ClientOption {
	return func(cl *Client) { cl.clock = c }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.sendTimeout = d }
}

// WithWorkerDelay overrides DefaultWorkerDelay.
func WithWorkerDelay(d time.Duration) ClientOption {
	return func(cl *Client) { cl.workerDelay = d }
}

// NewClient creates a client posting through channel.
func NewClient(channel Channel, opts ...ClientOption) *Client {
	c := &Client{
		channel:     channel,
		clock:       clock.New(),
		logger:      zap.NewNop(),
		handlers:    make(map[Type]Handler),
		sendTimeout: DefaultSendTimeout,
		workerDelay: DefaultWorkerDelay,
		pending:     stack.New[Message](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.idle = sync.NewCond(&c.mu)
	c.factory = NewFactory(c.clock)
	c.handlers[TypeHello] = c.onHello
	return c
}

// Factory returns the message factory sharing the client clock.
func (c *Client) Factory() *Factory {
	return c.factory
}

// Handle registers h for messages of type t, replacing any previous one.
// Untyped messages are dispatched as TypeBroadcast.
func (c *Client) Handle(t Type, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
}

// HandleOther registers the catch-all handler.
func (c *Client) HandleOther(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = h
}

// HandleRequest registers the request handler.
func (c *Client) HandleRequest(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequest = h
}

// ID returns the node id assigned by the last hello.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// OnMessage dispatches one inbound message.
func (c *Client) OnMessage(ctx context.Context, msg Message) error {
	c.mu.Lock()
	waiter := c.waiter
	if waiter != nil && msg.Type != "" {
		c.waiter = nil
	}
	onRequest := c.onRequest
	t := msg.Type
	if t == "" {
		t = TypeBroadcast
	}
	handler := c.handlers[t]
	fallback := c.fallback
	c.mu.Unlock()

	switch {
	case waiter != nil && msg.Type != "":
		waiter <- msg
		return nil
	case msg.Type == TypeRequest && onRequest != nil:
		return c.DoRequest(ctx, msg)
	case handler != nil:
		return handler(ctx, msg)
	case fallback != nil:
		return fallback(ctx, msg)
	default:
		c.logger.Info("ignored message", zap.String("type", string(msg.Type)), zap.String("id", msg.ID))
		return nil
	}
}

// Send posts msg and waits for the next typed reply.
func (c *Client) Send(ctx context.Context, msg Message) (Message, error) {
	if msg.Type == "" {
		return Message{}, fmt.Errorf("@type (string) is required - send")
	}
	waiter := make(chan Message, 1)
	c.mu.Lock()
	c.waiter = waiter
	c.mu.Unlock()

	if err := c.channel.Post(ctx, msg); err != nil {
		c.clearWaiter(waiter)
		return Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case reply := <-waiter:
		return reply, nil
	case <-c.clock.After(c.sendTimeout):
		c.clearWaiter(waiter)
		return Message{}, fmt.Errorf("%w - @send[%s]", ErrNoReply, msg.Type)
	case <-ctx.Done():
		c.clearWaiter(waiter)
		return Message{}, ctx.Err()
	}
}

func (c *Client) clearWaiter(w chan Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiter == w {
		c.waiter = nil
	}
}

// DoRequest answers a request. Synchronous requests are handled at once;
// asynchronous ones are queued and answered one at a time, oldest first.
func (c *Client) DoRequest(ctx context.Context, msg Message) error {
	var req MessageRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return fmt.Errorf("decode request %s: %w", msg.ID, err)
		}
	}
	if !req.IsAsync() {
		return c.answer(ctx, msg, req)
	}

	c.mu.Lock()
	size := c.pending.Push(msg)
	start := size == 1 && !c.running
	if start {
		c.running = true
	}
	c.mu.Unlock()

	if start {
		go c.runWorker(context.WithoutCancel(ctx))
	}
	return nil
}

// runWorker answers queued requests until the queue is empty. An item is
// pulled only after its response was posted.
func (c *Client) runWorker(ctx context.Context) {
	for {
		c.clock.Sleep(c.workerDelay)

		c.mu.Lock()
		msg, ok := c.pending.Bottom()
		c.mu.Unlock()
		if !ok {
			break
		}

		var req MessageRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.logger.Warn("invalid queued request", zap.String("id", msg.ID), zap.Error(err))
		} else if err := c.answer(ctx, msg, req); err != nil {
			c.logger.Warn("async response failed", zap.String("id", msg.ID), zap.Error(err))
		}

		c.mu.Lock()
		c.pending.Pull()
		remaining := c.pending.Len()
		if remaining == 0 {
			c.running = false
			c.idle.Broadcast()
		}
		c.mu.Unlock()
		if remaining == 0 {
			return
		}
	}

	c.mu.Lock()
	c.running = false
	c.idle.Broadcast()
	c.mu.Unlock()
}

// WaitIdle blocks until the async request queue is empty.
func (c *Client) WaitIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.running {
		c.idle.Wait()
	}
}

// Queued returns the number of async requests not yet answered.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

func (c *Client) answer(ctx context.Context, msg Message, req MessageRequest) error {
	c.mu.Lock()
	onRequest := c.onRequest
	c.mu.Unlock()

	res, err := c.factory.PrepareResponse(msg, nil)
	if err != nil {
		return err
	}
	if onRequest == nil {
		res.Error = "@request handler is not registered"
	} else if data, err := onRequest(ctx, req); err != nil {
		res.Error = err.Error()
	} else if res.Data, err = RawData(data); err != nil {
		res.Error = err.Error()
	}
	return c.channel.Post(ctx, res)
}

// HelloMeta, when set, provides the meta sent back in reply to hello.
type HelloMeta func() any

// SetHelloMeta registers the meta provider used when answering hello.
func (c *Client) SetHelloMeta(fn HelloMeta) {
	c.Handle(TypeHello, func(ctx context.Context, msg Message) error {
		if err := c.onHello(ctx, msg); err != nil {
			return err
		}
		reply, err := c.factory.Prepare(TypeHello, map[string]any{"meta": fn()}, "")
		if err != nil {
			return err
		}
		return c.channel.Post(ctx, reply)
	})
}

func (c *Client) onHello(_ context.Context, msg Message) error {
	var hello MessageHello
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &hello); err != nil {
			return fmt.Errorf("decode hello: %w", err)
		}
	}
	if hello.ID == "" {
		return nil
	}
	c.mu.Lock()
	c.id = hello.ID
	c.mu.Unlock()
	c.logger.Info("joined cluster",
		zap.String("id", hello.ID),
		zap.Int64("idx", hello.I),
		zap.String("cluster", hello.Cluster))
	return nil
}
