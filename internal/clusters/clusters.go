package clusters

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/config"
	"github.com/dreamware/clusters/internal/metrics"
	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/queue"
	"github.com/dreamware/clusters/internal/report"
	"github.com/dreamware/clusters/internal/service"
	"github.com/dreamware/clusters/internal/storage"
	"github.com/dreamware/clusters/internal/transport"
)

// Execute defaults.
const (
	DefaultTimeout  = 10 * time.Second
	MaxTimeout      = 60 * time.Second
	DefaultInterval = 100 * time.Millisecond
	MaxRequests     = 2000
)

// maxMonitorEdges bounds the edge list sent to a monitor on hello.
const maxMonitorEdges = 32

// broadcastWorkers bounds concurrent pushes of one broadcast.
const broadcastWorkers = 20

// Clusters handles session events, server-initiated requests and change
// feed batches. It keeps no state between calls other than its collaborators.
type Clusters struct {
	svc        *service.Service
	gateway    transport.Gateway
	dispatcher queue.Dispatcher
	reporter   report.Reporter
	metrics    *metrics.Metrics
	cfg        *config.Config
	clock      clock.Clock
	logger     *zap.Logger
	factory    *protocol.Factory
	table      string

	handlers map[protocol.Type]messageHandler
}

// Option configures Clusters.
type Option func(*Clusters)

// WithConfig sets defaults, secrets and execute limits.
func WithConfig(cfg *config.Config) Option {
	return func(c *Clusters) { c.cfg = cfg }
}

// WithReporter sets the collaborator unexpected errors are sent to.
func WithReporter(r report.Reporter) Option {
	return func(c *Clusters) { c.reporter = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Clusters) { c.metrics = m }
}

// WithClock sets the clock used for message stamps and request polling.
func WithClock(clk clock.Clock) Option {
	return func(c *Clusters) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Clusters) { c.logger = l }
}

// WithTable sets the change feed table whose records are aggregated.
func WithTable(name string) Option {
	return func(c *Clusters) { c.table = name }
}

// New creates the handler over svc.
func New(svc *service.Service, gateway transport.Gateway, dispatcher queue.Dispatcher, opts ...Option) *Clusters {
	c := &Clusters{
		svc:        svc,
		gateway:    gateway,
		dispatcher: dispatcher,
		reporter:   report.Nop{},
		cfg:        config.Default(),
		clock:      clock.New(),
		logger:     zap.NewNop(),
		table:      storage.DefaultTable,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("clusters")
	c.factory = protocol.NewFactory(c.clock)
	c.handlers = map[protocol.Type]messageHandler{
		protocol.TypeHello:    c.onHello,
		protocol.TypeResponse: c.onResponse,
	}
	return c
}

// Service returns the underlying membership service.
func (c *Clusters) Service() *service.Service {
	return c.svc
}

// HandleEvent runs one session event. It implements transport.EventHandler.
func (c *Clusters) HandleEvent(ctx context.Context, ev cluster.Event) error {
	return c.Run(ctx, ev)
}

// Run dispatches a session event by type. Unexpected failures are
// reported before they are returned.
func (c *Clusters) Run(ctx context.Context, ev cluster.Event) error {
	var err error
	switch ev.Type {
	case cluster.EventConnect:
		_, err = c.OnConnect(ctx, ev)
	case cluster.EventMessage:
		_, err = c.OnMessage(ctx, ev)
	case cluster.EventDisconnect:
		_, err = c.OnDisconnect(ctx, ev)
	case "":
		return cluster.Invalidf("@type (string) is required - run()!")
	default:
		return cluster.Invalidf("@type[%s] is invalid!", ev.Type)
	}
	c.metrics.Event(string(ev.Type))
	if err != nil && !expected(err) {
		c.reporter.Report(ctx, err, "clusters.run", ev, nil)
	}
	return err
}

// expected reports whether err belongs to a class callers handle themselves.
func expected(err error) bool {
	return cluster.IsNotFound(err) || cluster.IsInvalid(err)
}

func (c *Clusters) push(ctx context.Context, info cluster.ConnectionInfo, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	err = c.gateway.Push(ctx, info, payload)
	switch {
	case err == nil:
		c.metrics.Push("ok")
	case isGone(err):
		c.metrics.Push("gone")
	default:
		c.metrics.Push("error")
	}
	return err
}

func (c *Clusters) executeLimits() (timeout, maxTimeout, interval time.Duration) {
	timeout, maxTimeout, interval = DefaultTimeout, MaxTimeout, DefaultInterval
	if c.cfg.Execute.Timeout > 0 {
		timeout = c.cfg.Execute.Timeout
	}
	if c.cfg.Execute.Max > 0 {
		maxTimeout = min(c.cfg.Execute.Max, MaxTimeout)
	}
	if c.cfg.Execute.Interval > 0 {
		interval = c.cfg.Execute.Interval
	}
	return timeout, maxTimeout, interval
}

// ExecuteTimeout is the timeout used when a caller does not give one.
func (c *Clusters) ExecuteTimeout() time.Duration {
	timeout, _, _ := c.executeLimits()
	return timeout
}
