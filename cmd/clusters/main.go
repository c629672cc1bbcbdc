// Command clusters runs the cluster manager: the websocket hub peers connect
// to, the HTTP API and the change feed that keeps cluster membership current.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/clusters/internal/config"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "clusters: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(getenv("LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "clusters: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	newApp(cfg, logger).Run()
}

// loadConfig layers the configuration: defaults, then the YAML file named
// by --config or CLUSTERS_CONFIG, then the environment, then flags.
func loadConfig(args []string, getenv func(string) string) (*config.Config, error) {
	pre := pflag.NewFlagSet("clusters", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.SetOutput(io.Discard)
	path := pre.String("config", getenv("CLUSTERS_CONFIG"), "")
	_ = pre.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(getenv)

	fs := pflag.NewFlagSet("clusters", pflag.ContinueOnError)
	fs.String("config", *path, "YAML configuration file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
