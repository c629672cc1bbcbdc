package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/api"
	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/clusters"
	"github.com/dreamware/clusters/internal/config"
	"github.com/dreamware/clusters/internal/metrics"
	"github.com/dreamware/clusters/internal/queue"
	"github.com/dreamware/clusters/internal/report"
	"github.com/dreamware/clusters/internal/service"
	"github.com/dreamware/clusters/internal/storage"
	"github.com/dreamware/clusters/internal/transport"
)

func newApp(cfg *config.Config, logger *zap.Logger, extra ...fx.Option) *fx.App {
	return fx.New(appOptions(cfg, logger), fx.Options(extra...))
}

func appOptions(cfg *config.Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.Provide(
			clock.New,
			metrics.New,
			newStore,
			newService,
			newReporter,
			newHub,
			newGateway,
			newDispatcher,
			newClusters,
			newServer,
			newHTTPServer,
		),
		fx.Invoke(wireJobs, wireHub, startFeed, startLiveness, func(*httpServer) {}),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
	)
}

type backend interface {
	storage.Store
	storage.Watchable
	api.StatsProvider
}

type storeOut struct {
	fx.Out

	Store storage.Store
	Watch storage.Watchable
	Stats api.StatsProvider
}

func newStore(lc fx.Lifecycle, cfg *config.Config, clk clock.Clock, logger *zap.Logger) (storeOut, error) {
	opts := []storage.Option{storage.WithClock(clk), storage.WithSequenceBase(cfg.Store.SequenceBase)}

	var base backend
	switch cfg.Store.Kind {
	case config.StoreSQLite:
		s, err := storage.OpenSQLite(cfg.Store.Path, cfg.Store.PoolSize, logger.Named("store"), opts...)
		if err != nil {
			return storeOut{}, err
		}
		lc.Append(fx.StopHook(s.Close))
		base = s
	default:
		base = storage.NewMemoryStore(opts...)
	}

	var store storage.Store = base
	if cfg.Store.CacheSize > 0 {
		cached, err := storage.NewCachedStore(base, cfg.Store.CacheSize, edgeKey)
		if err != nil {
			return storeOut{}, err
		}
		store = cached
	}
	return storeOut{Store: store, Watch: base, Stats: base}, nil
}

// edgeKey selects the records read on every message: edges and nodes.
func edgeKey(key string) bool {
	return strings.Contains(key, ":"+string(cluster.TypeEdge)+":") ||
		strings.Contains(key, ":"+string(cluster.TypeNode)+":")
}

func newService(store storage.Store, cfg *config.Config, clk clock.Clock, logger *zap.Logger) *service.Service {
	return service.New(store,
		service.WithNamespace(cfg.Namespace),
		service.WithClock(clk),
		service.WithLogger(logger))
}

func newReporter(cfg *config.Config, logger *zap.Logger) report.Reporter {
	reporters := report.Multi{report.NewLogReporter(logger)}
	if cfg.Webhook != "" {
		reporters = append(reporters, report.NewWebhookReporter(cfg.Webhook, "clusters", logger))
	}
	return reporters
}

// newHub returns nil unless connections terminate in this process.
func newHub(cfg *config.Config, clk clock.Clock, logger *zap.Logger) *transport.Hub {
	if cfg.Gateway.Mode != config.GatewayHub {
		return nil
	}
	return transport.NewHub(transport.HubConfig{
		Stage:  cfg.Gateway.Stage,
		Domain: cfg.Gateway.Domain,
	}, clk, logger.Named("hub"))
}

func newGateway(cfg *config.Config, hub *transport.Hub) transport.Gateway {
	if hub != nil {
		return hub
	}
	return transport.NewHTTPGateway(nil, cfg.Gateway.Scheme)
}

type dispatchOut struct {
	fx.Out

	Dispatcher queue.Dispatcher
	Local      *queue.LocalQueue
}

func newDispatcher(lc fx.Lifecycle, cfg *config.Config, clk clock.Clock, logger *zap.Logger) dispatchOut {
	if cfg.Dispatch.Mode == config.DispatchHTTP {
		q := queue.NewHTTPQueue(cfg.Dispatch.BaseURL, nil, logger.Named("queue"))
		lc.Append(fx.StopHook(q.Wait))
		return dispatchOut{Dispatcher: q}
	}

	q := queue.NewLocalQueue(clk, logger.Named("queue"))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			q.Start()
			return nil
		},
		OnStop: q.Close,
	})
	return dispatchOut{Dispatcher: q, Local: q}
}

type clustersIn struct {
	fx.In

	Service    *service.Service
	Gateway    transport.Gateway
	Dispatcher queue.Dispatcher
	Config     *config.Config
	Reporter   report.Reporter
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *zap.Logger
}

func newClusters(in clustersIn) *clusters.Clusters {
	return clusters.New(in.Service, in.Gateway, in.Dispatcher,
		clusters.WithConfig(in.Config),
		clusters.WithReporter(in.Reporter),
		clusters.WithMetrics(in.Metrics),
		clusters.WithClock(in.Clock),
		clusters.WithLogger(in.Logger))
}

// wireJobs registers the job handlers with the in-process queue. With the
// HTTP dispatcher the jobs come back in through the API instead.
func wireJobs(c *clusters.Clusters, local *queue.LocalQueue) {
	if local != nil {
		c.RegisterJobs(local)
	}
}

func wireHub(c *clusters.Clusters, hub *transport.Hub) {
	if hub != nil {
		hub.SetHandler(c)
	}
}

type serverIn struct {
	fx.In

	Clusters *clusters.Clusters
	Reporter report.Reporter
	Metrics  *metrics.Metrics
	Stats    api.StatsProvider
	Hub      *transport.Hub
	Logger   *zap.Logger
}

func newServer(in serverIn) *api.Server {
	opts := []api.Option{
		api.WithReporter(in.Reporter),
		api.WithMetrics(in.Metrics),
		api.WithStats(in.Stats),
		api.WithLogger(in.Logger),
	}
	if in.Hub != nil {
		opts = append(opts, api.WithHub(in.Hub))
	}
	return api.New(in.Clusters, opts...)
}

// startFeed batches store changes into Aggregate calls.
func startFeed(lc fx.Lifecycle, watch storage.Watchable, c *clusters.Clusters, cfg *config.Config, clk clock.Clock, logger *zap.Logger) {
	b := storage.NewBatcher(clk, cfg.Store.FlushInterval, cfg.Store.BatchSize, logger.Named("feed"),
		func(ctx context.Context, batch []storage.Change) {
			// failures are reported by Aggregate
			_ = c.Aggregate(ctx, batch)
		})
	watch.Subscribe(b.Add)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				b.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stop context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stop.Done():
				return stop.Err()
			}
		},
	})
}

func startLiveness(lc fx.Lifecycle, hub *transport.Hub, cfg *config.Config, clk clock.Clock, logger *zap.Logger) {
	if hub == nil || cfg.Gateway.Liveness <= 0 {
		return
	}
	monitor := transport.NewLivenessMonitor(cfg.Gateway.Liveness, cfg.Gateway.MaxFailures, clk, logger.Named("liveness"))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go hub.StartLiveness(context.Background(), monitor)
			return nil
		},
		OnStop: func(context.Context) error {
			monitor.Stop()
			return nil
		},
	})
}

type httpServer struct {
	srv *http.Server
	ln  net.Listener
}

// Addr returns the bound listen address once the app started.
func (s *httpServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func newHTTPServer(lc fx.Lifecycle, cfg *config.Config, srv *api.Server, logger *zap.Logger) *httpServer {
	s := &httpServer{srv: &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}
			s.ln = ln
			go func() {
				logger.Info("clusters listening", zap.String("addr", ln.Addr().String()))
				if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("serve failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := s.srv.Shutdown(ctx)
			logger.Info("clusters stopped")
			return err
		},
	})
	return s
}
