// Package config provides configuration management for lrukv server and client components.
//
// The package supports configuration through multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables
//  3. Default values (lowest priority)
//
// Server Configuration:
//   - Bind address and metrics endpoint
//   - Store capacity and expired-key sweep interval
//   - Connection limits and timeouts
//   - Logging configuration
//
// Client Configuration:
//   - Node list and connection pooling parameters
//   - Reply and write timeouts, retry policy
//   - Consistent hashing parameters
//
// Example server usage:
//
//	cfg, err := config.LoadServerConfig(os.Args[1:])
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Example client usage:
//
//	cfg, err := config.LoadClientConfig()
//	cfg.Nodes = []string{"server1:6379", "server2:6379"}
//	c, err := client.NewWithConfig(cfg)
//
// Environment variables are prefixed with "LRUKV_" and use uppercase names.
// For example, the store capacity can be set with LRUKV_MAX_CACHE_SIZE=5000.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/cachemir/lrukv/internal/logger"
)

// EnvPrefix prefixes every environment variable read by this package.
const EnvPrefix = "LRUKV_"

// Default configuration constants
const (
	DefaultServerHost         = "127.0.0.1"
	DefaultServerPort         = 6379
	DefaultMaxCacheSize       = 1000
	DefaultCleanupInterval    = 60 * time.Second
	DefaultMaxConnections     = 0
	DefaultReadTimeout        = 0
	DefaultWriteTimeout       = 10 * time.Second
	DefaultReportEvery        = 10000
	DefaultLogLevel           = "info"
	DefaultLogFormat          = logger.FormatText
	DefaultMaxConnsPerNode    = 10
	DefaultConnTimeout        = 5 * time.Second
	DefaultReplyTimeout       = 500 * time.Millisecond
	DefaultRetryAttempts      = 3
	DefaultVirtualNodes       = 150
	DefaultClientNode         = "localhost:6379"
	DefaultClientWriteTimeout = 10 * time.Second
)

// ErrInvalidConfig is wrapped by every validation and parse failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig holds all configuration options for an lrukv server instance.
//
// Configuration sources (in order of precedence):
//  1. Command-line flags: -port, -max-cache-size, -cleanup-interval, etc.
//  2. Environment variables: LRUKV_PORT, LRUKV_MAX_CACHE_SIZE, LRUKV_CLEANUP_INTERVAL_SECS, etc.
//  3. Default values
//
// Example:
//
//	cfg := &config.ServerConfig{
//		Host:            "0.0.0.0",
//		Port:            6379,
//		MaxCacheSize:    1000,
//		CleanupInterval: time.Minute,
//		LogLevel:        "info",
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
type ServerConfig struct {
	Host            string        // Host address to bind to (default: "127.0.0.1")
	MetricsAddr     string        // Prometheus /metrics and /health listen address, empty disables (default: "")
	LogLevel        string        // Log level: debug, info, warn, error (default: "info")
	LogFormat       string        // Log format: text or json (default: "text")
	Port            int           // TCP port to listen on (default: 6379)
	MaxCacheSize    int           // Store capacity in entries (default: 1000)
	MaxConns        int           // Maximum concurrent connections, 0 is unbounded (default: 0)
	ReportEvery     int64         // Commands between throughput log lines, 0 disables (default: 10000)
	CleanupInterval time.Duration // Period of the expired-key sweep (default: 60s)
	ReadTimeout     time.Duration // Idle read timeout per connection, 0 disables (default: 0)
	WriteTimeout    time.Duration // Reply write timeout, 0 disables (default: 10s)
}

// ClientConfig holds all configuration options for an lrukv client.
//
// Configuration sources (in order of precedence):
//  1. Programmatic configuration
//  2. Environment variables: LRUKV_NODES, LRUKV_MAX_CONNS_PER_NODE, etc.
//  3. Default values
type ClientConfig struct {
	Nodes           []string      // List of server addresses (default: ["localhost:6379"])
	MaxConnsPerNode int           // Max pooled connections per node (default: 10)
	RetryAttempts   int           // Retries after a connection failure (default: 3)
	VirtualNodes    int           // Virtual nodes for consistent hashing (default: 150)
	ConnTimeout     time.Duration // Dial timeout (default: 5s)
	ReplyTimeout    time.Duration // How long to wait for a reply before treating it as absent (default: 500ms)
	WriteTimeout    time.Duration // Request write timeout (default: 10s)
}

// DefaultServerConfig returns a ServerConfig populated with defaults only.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            DefaultServerHost,
		Port:            DefaultServerPort,
		MaxCacheSize:    DefaultMaxCacheSize,
		CleanupInterval: DefaultCleanupInterval,
		MaxConns:        DefaultMaxConnections,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		ReportEvery:     DefaultReportEvery,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
	}
}

// DefaultClientConfig returns a ClientConfig populated with defaults only.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Nodes:           []string{DefaultClientNode},
		MaxConnsPerNode: DefaultMaxConnsPerNode,
		ConnTimeout:     DefaultConnTimeout,
		ReplyTimeout:    DefaultReplyTimeout,
		WriteTimeout:    DefaultClientWriteTimeout,
		RetryAttempts:   DefaultRetryAttempts,
		VirtualNodes:    DefaultVirtualNodes,
	}
}

// LoadServerConfig creates a ServerConfig from defaults, LRUKV_* environment
// variables and the given command-line arguments, in increasing precedence.
//
// Command-line flags:
//
//	-host: Bind host (default: "127.0.0.1")
//	-port: Server port (default: 6379)
//	-max-cache-size: Store capacity in entries (default: 1000)
//	-cleanup-interval: Expired-key sweep period (default: 60s)
//	-metrics-addr: Metrics listen address (default: disabled)
//	-max-conns: Maximum concurrent connections (default: unbounded)
//	-read-timeout: Idle read timeout (default: none)
//	-write-timeout: Reply write timeout (default: 10s)
//	-report-every: Commands between throughput reports (default: 10000)
//	-log-level: Log level (default: "info")
//	-log-format: Log format (default: "text")
//
// Environment variables:
//
//	LRUKV_HOST, LRUKV_PORT, LRUKV_MAX_CACHE_SIZE, LRUKV_CLEANUP_INTERVAL_SECS,
//	LRUKV_METRICS_ADDR, LRUKV_MAX_CONNS, LRUKV_READ_TIMEOUT_SECS,
//	LRUKV_WRITE_TIMEOUT_SECS, LRUKV_REPORT_EVERY, LRUKV_LOG_LEVEL, LRUKV_LOG_FORMAT
//
// Returns:
//   - ServerConfig with values loaded from the three sources
//   - Error wrapping ErrInvalidConfig if an environment value does not parse,
//     or the flag package's error for bad arguments
func LoadServerConfig(args []string) (*ServerConfig, error) {
	fs := flag.NewFlagSet("lrukv-server", flag.ContinueOnError)
	return loadServerConfig(fs, args, os.Getenv)
}

func loadServerConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	env := envReader{getenv: getenv}

	env.str("HOST", &cfg.Host)
	env.str("METRICS_ADDR", &cfg.MetricsAddr)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("LOG_FORMAT", &cfg.LogFormat)
	env.int("PORT", &cfg.Port)
	env.int("MAX_CACHE_SIZE", &cfg.MaxCacheSize)
	env.int("MAX_CONNS", &cfg.MaxConns)
	env.int64("REPORT_EVERY", &cfg.ReportEvery)
	env.seconds("CLEANUP_INTERVAL_SECS", &cfg.CleanupInterval)
	env.seconds("READ_TIMEOUT_SECS", &cfg.ReadTimeout)
	env.seconds("WRITE_TIMEOUT_SECS", &cfg.WriteTimeout)
	if env.err != nil {
		return nil, env.err
	}

	fs.StringVar(&cfg.Host, "host", cfg.Host, "Server host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Server port")
	fs.IntVar(&cfg.MaxCacheSize, "max-cache-size", cfg.MaxCacheSize, "Maximum number of entries in the store")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "Interval between expired-key sweeps")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address for /metrics and /health (empty disables)")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "Maximum concurrent connections (0 for unbounded)")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Idle read timeout per connection (0 disables)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Reply write timeout (0 disables)")
	fs.Int64Var(&cfg.ReportEvery, "report-every", cfg.ReportEvery, "Commands between throughput reports (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadClientConfig creates a ClientConfig from defaults and environment variables.
//
// Environment variables:
//
//	LRUKV_NODES: Comma-separated list of server addresses
//	LRUKV_MAX_CONNS_PER_NODE: Maximum pooled connections per server
//	LRUKV_CONN_TIMEOUT_SECS: Dial timeout in seconds
//	LRUKV_REPLY_TIMEOUT_MS: Reply timeout in milliseconds
//	LRUKV_WRITE_TIMEOUT_SECS: Write timeout in seconds
//	LRUKV_RETRY_ATTEMPTS: Number of retry attempts
//	LRUKV_VIRTUAL_NODES: Virtual nodes for consistent hashing
func LoadClientConfig() (*ClientConfig, error) {
	return loadClientConfig(os.Getenv)
}

func loadClientConfig(getenv func(string) string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	env := envReader{getenv: getenv}

	if nodes := getenv(EnvPrefix + "NODES"); nodes != "" {
		cfg.Nodes = splitNodes(nodes)
	}
	env.int("MAX_CONNS_PER_NODE", &cfg.MaxConnsPerNode)
	env.int("RETRY_ATTEMPTS", &cfg.RetryAttempts)
	env.int("VIRTUAL_NODES", &cfg.VirtualNodes)
	env.seconds("CONN_TIMEOUT_SECS", &cfg.ConnTimeout)
	env.millis("REPLY_TIMEOUT_MS", &cfg.ReplyTimeout)
	env.seconds("WRITE_TIMEOUT_SECS", &cfg.WriteTimeout)
	if env.err != nil {
		return nil, env.err
	}

	return cfg, nil
}

func splitNodes(s string) []string {
	var nodes []string
	for _, node := range strings.Split(s, ",") {
		if node = strings.TrimSpace(node); node != "" {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// envReader applies LRUKV_* variables and keeps the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v := strings.TrimSpace(e.getenv(EnvPrefix + name))
	return v, v != ""
}

func (e *envReader) fail(name, value string, err error) {
	e.err = errors.Wrapf(ErrInvalidConfig, "%s%s=%q: %v", EnvPrefix, name, value, err)
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) int(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) seconds(name string, dst *time.Duration) {
	e.unit(name, dst, time.Second)
}

func (e *envReader) millis(name string, dst *time.Duration) {
	e.unit(name, dst, time.Millisecond)
}

func (e *envReader) unit(name string, dst *time.Duration, unit time.Duration) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = time.Duration(n) * unit
	}
}

// Address returns the host:port string for net.Listen.
//
// Example:
//
//	cfg := &ServerConfig{Host: "0.0.0.0", Port: 6379}
//	addr := cfg.Address() // Returns "0.0.0.0:6379"
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks if the ServerConfig contains valid values.
//
// Validation rules:
//   - Port must be between 0 and 65535 (0 picks a free port)
//   - MaxCacheSize must be positive
//   - CleanupInterval must be positive
//   - MaxConns, ReadTimeout, WriteTimeout and ReportEvery must be non-negative
//   - LogLevel must be one of: debug, info, warn, error
//   - LogFormat must be text or json
//
// Returns:
//   - nil if configuration is valid
//   - Error wrapping ErrInvalidConfig describing the first failure found
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalidConfig, "invalid port: %d", c.Port)
	}

	if c.MaxCacheSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "max cache size must be positive: %d", c.MaxCacheSize)
	}

	if c.CleanupInterval <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "cleanup interval must be positive: %v", c.CleanupInterval)
	}

	if c.MaxConns < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max connections must be non-negative: %d", c.MaxConns)
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.Wrapf(ErrInvalidConfig, "timeouts must be non-negative: read %v, write %v", c.ReadTimeout, c.WriteTimeout)
	}

	if c.ReportEvery < 0 {
		return errors.Wrapf(ErrInvalidConfig, "report interval must be non-negative: %d", c.ReportEvery)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "invalid log level: %s", c.LogLevel)
	}

	switch strings.ToLower(c.LogFormat) {
	case logger.FormatText, logger.FormatJSON:
	default:
		return errors.Wrapf(ErrInvalidConfig, "invalid log format: %s", c.LogFormat)
	}

	return nil
}

// Validate checks if the ClientConfig contains valid values.
//
// Validation rules:
//   - At least one node must be specified
//   - All node addresses must be host:port
//   - MaxConnsPerNode and VirtualNodes must be positive
//   - All timeout values must be positive
//   - RetryAttempts must be non-negative
func (c *ClientConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.Wrap(ErrInvalidConfig, "at least one node must be specified")
	}

	for _, node := range c.Nodes {
		if node == "" {
			return errors.Wrap(ErrInvalidConfig, "empty node address")
		}
		if _, _, err := net.SplitHostPort(node); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "invalid node address format: %s", node)
		}
	}

	if c.MaxConnsPerNode < 1 {
		return errors.Wrapf(ErrInvalidConfig, "max connections per node must be positive: %d", c.MaxConnsPerNode)
	}

	if c.ConnTimeout <= 0 || c.ReplyTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "timeouts must be positive: conn %v, reply %v, write %v",
			c.ConnTimeout, c.ReplyTimeout, c.WriteTimeout)
	}

	if c.RetryAttempts < 0 {
		return errors.Wrapf(ErrInvalidConfig, "retry attempts must be non-negative: %d", c.RetryAttempts)
	}

	if c.VirtualNodes < 1 {
		return errors.Wrapf(ErrInvalidConfig, "virtual nodes must be positive: %d", c.VirtualNodes)
	}

	return nil
}
