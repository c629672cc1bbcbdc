// Command agent is a reference peer of the cluster manager.
//
// It dials the hub with a Basic credential, announces its host meta in
// reply to hello, answers requests and reports host usage as stat.
//
// Configuration (flags override the environment):
//   - AGENT_URL: hub websocket url (default: "ws://127.0.0.1:8080/ws")
//   - AGENT_PRINCIPAL: "stereo", "stereo/id" or "cluster/stereo/id" (default: "agent")
//   - AGENT_PASS: passcode of the stereo or cluster
//   - AGENT_STAT_INTERVAL: how often usage is sent (default: 10s)
//
// Example usage:
//
//	AGENT_PRINCIPAL=open/agent/host-1 AGENT_PASS=lemon ./agent
//
//	# ask it something through the manager
//	curl -X POST 'localhost:8080/clusters/1000001/execute?timeout=2' -d '{"id":"usage"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	cfg := Config{
		URL:          getenv("AGENT_URL", "ws://127.0.0.1:8080/ws"),
		Principal:    getenv("AGENT_PRINCIPAL", "agent"),
		Pass:         os.Getenv("AGENT_PASS"),
		StatInterval: 10 * time.Second,
	}
	if v := os.Getenv("AGENT_STAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StatInterval = d
		}
	}

	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.StringVar(&cfg.URL, "url", cfg.URL, "hub websocket url")
	fs.StringVar(&cfg.Principal, "principal", cfg.Principal, "cluster/stereo/id to authenticate as")
	fs.StringVar(&cfg.Pass, "pass", cfg.Pass, "passcode")
	fs.DurationVar(&cfg.StatInterval, "stat-interval", cfg.StatInterval, "usage report interval, 0 disables")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := New(cfg, WithLogger(logger))
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
