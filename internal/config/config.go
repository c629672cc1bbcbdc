// Package config loads the clusters service configuration from an optional
// YAML file, the environment and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Dispatch modes.
const (
	DispatchLocal = "local"
	DispatchHTTP  = "http"
)

// Gateway modes.
const (
	GatewayHub  = "hub"
	GatewayHTTP = "http"
)

// Config is the top-level configuration for the clusters service.
type Config struct {
	// Addr is the HTTP listen address for the api and the websocket hub.
	Addr string `yaml:"addr"`

	// Namespace prefixes every storage key.
	Namespace string `yaml:"namespace"`

	// DefaultCluster and DefaultStereo fill in credentials that omit them.
	DefaultCluster string `yaml:"default_cluster"`
	DefaultStereo  string `yaml:"default_stereo"`

	// Secrets maps a stereo or cluster name to its passcode. Names missing
	// here fall back to AUTH_<NAME>_PASS in the environment.
	Secrets map[string]string `yaml:"secrets"`

	Store StoreConfig `yaml:"store"`

	Dispatch DispatchConfig `yaml:"dispatch"`

	Gateway GatewayConfig `yaml:"gateway"`

	// Webhook receives error reports when set.
	Webhook string `yaml:"webhook"`

	// MonitorSource is the stereo whose edges are listed to a monitor on hello.
	MonitorSource string `yaml:"monitor_source"`

	Execute ExecuteConfig `yaml:"execute"`

	getenv func(string) string
}

// StoreConfig selects the backing store.
type StoreConfig struct {
	Kind         string `yaml:"kind"`
	Path         string `yaml:"path"`
	PoolSize     int    `yaml:"pool_size"`
	SequenceBase int64  `yaml:"sequence_base"`
	CacheSize    int    `yaml:"cache_size"`
	// FlushInterval bounds how long a change waits in the feed batcher.
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// DispatchConfig selects the async job channel.
type DispatchConfig struct {
	Mode    string `yaml:"mode"`
	BaseURL string `yaml:"base_url"`
}

// GatewayConfig selects how payloads reach connections.
type GatewayConfig struct {
	Mode   string `yaml:"mode"`
	Scheme string `yaml:"scheme"`
	// Stage and Domain identify this hub in connection records.
	Stage  string `yaml:"stage"`
	Domain string `yaml:"domain"`
	// Liveness is the ping interval for hub connections, zero disables it.
	Liveness    time.Duration `yaml:"liveness"`
	MaxFailures int           `yaml:"max_failures"`
}

// ExecuteConfig holds the synchronous request defaults.
type ExecuteConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Max      time.Duration `yaml:"max"`
	Interval time.Duration `yaml:"interval"`
	Limit    int           `yaml:"limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:           ":8080",
		Namespace:      "TT",
		DefaultCluster: "open",
		DefaultStereo:  "none",
		Secrets:        map[string]string{},
		Store: StoreConfig{
			Kind:          StoreMemory,
			Path:          "clusters.db",
			PoolSize:      4,
			SequenceBase:  1000000,
			CacheSize:     1024,
			FlushInterval: 100 * time.Millisecond,
			BatchSize:     100,
		},
		Dispatch: DispatchConfig{Mode: DispatchLocal},
		Gateway: GatewayConfig{
			Mode:        GatewayHub,
			Scheme:      "https",
			Stage:       "dev",
			Domain:      "localhost",
			Liveness:    30 * time.Second,
			MaxFailures: 3,
		},
		MonitorSource: "bots",
		Execute: ExecuteConfig{
			Timeout:  10 * time.Second,
			Max:      60 * time.Second,
			Interval: 100 * time.Millisecond,
			Limit:    2000,
		},
		getenv: os.Getenv,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Secrets == nil {
		cfg.Secrets = map[string]string{}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. A nil getenv uses os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c.getenv = getenv
	str := func(k string, dst *string) {
		if v := getenv(k); v != "" {
			*dst = v
		}
	}
	str("CLUSTERS_ADDR", &c.Addr)
	str("NS", &c.Namespace)
	str("DEFAULT_CLUSTER", &c.DefaultCluster)
	str("DEFAULT_STEREO", &c.DefaultStereo)
	str("CLUSTERS_STORE", &c.Store.Kind)
	str("CLUSTERS_STORE_PATH", &c.Store.Path)
	str("CLUSTERS_DISPATCH", &c.Dispatch.Mode)
	str("CLUSTERS_DISPATCH_URL", &c.Dispatch.BaseURL)
	str("CLUSTERS_GATEWAY", &c.Gateway.Mode)
	str("CLUSTERS_STAGE", &c.Gateway.Stage)
	str("CLUSTERS_DOMAIN", &c.Gateway.Domain)
	str("CLUSTERS_WEBHOOK", &c.Webhook)
	str("CLUSTERS_MONITOR_SOURCE", &c.MonitorSource)
	if v := getenv("CLUSTERS_SEQUENCE_BASE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Store.SequenceBase = n
		}
	}
}

// BindFlags registers command line overrides on fs.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.StringVar(&c.Namespace, "ns", c.Namespace, "storage key namespace")
	fs.StringVar(&c.DefaultCluster, "default-cluster", c.DefaultCluster, "cluster used when a credential omits it")
	fs.StringVar(&c.DefaultStereo, "default-stereo", c.DefaultStereo, "default stereo name")
	fs.StringVar(&c.Store.Kind, "store", c.Store.Kind, "store kind (memory|sqlite)")
	fs.StringVar(&c.Store.Path, "store-path", c.Store.Path, "sqlite database path")
	fs.IntVar(&c.Store.CacheSize, "cache-size", c.Store.CacheSize, "edge record cache size, 0 disables")
	fs.StringVar(&c.Dispatch.Mode, "dispatch", c.Dispatch.Mode, "job dispatch mode (local|http)")
	fs.StringVar(&c.Dispatch.BaseURL, "dispatch-url", c.Dispatch.BaseURL, "clusters api base url for http dispatch")
	fs.StringVar(&c.Gateway.Mode, "gateway", c.Gateway.Mode, "push gateway mode (hub|http)")
	fs.StringVar(&c.Webhook, "webhook", c.Webhook, "error report webhook url")
	fs.StringVar(&c.MonitorSource, "monitor-source", c.MonitorSource, "stereo listed to monitors on hello")
	fs.DurationVar(&c.Execute.Timeout, "execute-timeout", c.Execute.Timeout, "default execute timeout")
}

// Secret returns the passcode configured for name, or "".
func (c *Config) Secret(name string) string {
	if name == "" {
		return ""
	}
	if v, ok := c.Secrets[name]; ok && v != "" {
		return v
	}
	getenv := c.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv("AUTH_" + strings.ToUpper(name) + "_PASS")
}

var namePattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9-]+$`)

// Validate checks names and modes.
func (c *Config) Validate() error {
	var errs []error
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	if !namePattern.MatchString(c.DefaultCluster) {
		errs = append(errs, fmt.Errorf("default cluster %q is not in valid format", c.DefaultCluster))
	}
	if !namePattern.MatchString(c.DefaultStereo) {
		errs = append(errs, fmt.Errorf("default stereo %q is not in valid format", c.DefaultStereo))
	}
	switch c.Store.Kind {
	case StoreMemory, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}
	switch c.Dispatch.Mode {
	case DispatchLocal:
	case DispatchHTTP:
		if c.Dispatch.BaseURL == "" {
			errs = append(errs, errors.New("dispatch base url is required for http dispatch"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch mode %q", c.Dispatch.Mode))
	}
	switch c.Gateway.Mode {
	case GatewayHub, GatewayHTTP:
	default:
		errs = append(errs, fmt.Errorf("unknown gateway mode %q", c.Gateway.Mode))
	}
	if c.Execute.Interval <= 0 {
		errs = append(errs, errors.New("execute interval must be positive"))
	}
	return multierr.Combine(errs...)
}
