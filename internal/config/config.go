// Package config handles configuration loading, CLI parsing and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/chat-gateway/config.toml",
	"configs/config.toml",
	"configs/config.yaml",
}

// Mode is the runtime the gateway was started in. It is resolved once from
// the CLI command and passed to every component that behaves differently.
type Mode string

const (
	// ModeServer runs the persistent multiplexed HTTP server.
	ModeServer Mode = "server"
	// ModeFunction serves exactly one invocation and exits.
	ModeFunction Mode = "function"
)

// ServeCmd starts the persistent server.
type ServeCmd struct{}

// InvokeCmd handles one request event read from stdin.
type InvokeCmd struct {
	Event string `kong:"short='e',help='Read the invocation event from this file instead of stdin.',type='path'"`
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	URLPrefix   string `kong:"name='url-prefix',help='Path prefix for every route (overrides config).',env='URL_PREFIX'"`
	UpstreamURL string `kong:"name='upstream-url',help='Chat provider base URL (overrides config).',env='UPSTREAM_URL'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Serve  ServeCmd  `cmd:"" default:"1" help:"Run the persistent HTTP server."`
	Invoke InvokeCmd `cmd:"" help:"Handle a single request event and write the HTTP response to stdout."`

	// Mode is set from the selected command before Load is called.
	Mode Mode `kong:"-"`
}

// ModeFor maps a kong command name to a runtime mode.
func ModeFor(command string) Mode {
	if strings.HasPrefix(command, "invoke") {
		return ModeFunction
	}
	return ModeServer
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	System   SystemConfig   `toml:"system" yaml:"system"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	CORS     CORSConfig     `toml:"cors" yaml:"cors"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	Mode Mode `toml:"-" yaml:"-"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host" yaml:"host"`
	Port         int             `toml:"port" yaml:"port"` // 0 means "use default" (8000)
	URLPrefix    string          `toml:"url_prefix" yaml:"url_prefix"`
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// SystemConfig holds pipeline behaviour switches.
type SystemConfig struct {
	// RequestLog enables the per-request "->" / "<-" log lines.
	RequestLog bool `toml:"request_log" yaml:"request_log"`
	// Debug allows debug-level output; without it debug lines are dropped
	// whatever log.level says.
	Debug bool `toml:"debug" yaml:"debug"`
}

// UpstreamConfig holds chat provider connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url" yaml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections" yaml:"idle_connections"`
	DefaultModel    string `toml:"default_model" yaml:"default_model"`
}

// CORSConfig holds the cross-origin policy.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `toml:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `toml:"allowed_headers" yaml:"allowed_headers"`
	MaxAgeSeconds  int      `toml:"max_age_seconds" yaml:"max_age_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level            string `toml:"level" yaml:"level"`
	Format           string `toml:"format" yaml:"format"`
	Dir              string `toml:"dir" yaml:"dir"`
	WriteIntervalMS  int    `toml:"write_interval_ms" yaml:"write_interval_ms"`
	FileExpiresHours int    `toml:"file_expires_hours" yaml:"file_expires_hours"`
	PruneSchedule    string `toml:"prune_schedule" yaml:"prune_schedule"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Defaults.
const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8000
	DefaultUpstreamURL   = "https://api.moonshot.cn/v1"
	DefaultModel         = "kimi"
	DefaultLogDir        = "logs"
	DefaultPruneSchedule = "@hourly"
)

// reservedRoutes are served by the gateway and cannot host the metrics endpoint.
var reservedRoutes = []string{"/v1", "/health", "/status"}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/chat-gateway/config.toml, configs/config.toml, configs/config.yaml.
// In function mode a missing file is not an error.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	switch {
	case path != "":
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
		cfg.filePath = path
	case cli.Mode != ModeFunction:
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	cfg.Mode = cli.Mode
	if cfg.Mode == "" {
		cfg.Mode = ModeServer
	}
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.URLPrefix != "" {
		c.Server.URLPrefix = cli.URLPrefix
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
		}
	}

	if p := c.Server.URLPrefix; p != "" && (p[0] != '/' || strings.HasSuffix(p, "/")) {
		return fmt.Errorf("server.url_prefix must start with '/' and not end with one; got %q", p)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.CORS.MaxAgeSeconds < 0 {
		return fmt.Errorf("cors.max_age_seconds must be non-negative; got %d", c.CORS.MaxAgeSeconds)
	}
	if c.Log.WriteIntervalMS < 0 {
		return fmt.Errorf("log.write_interval_ms must be non-negative; got %d", c.Log.WriteIntervalMS)
	}
	if c.Log.FileExpiresHours < 0 {
		return fmt.Errorf("log.file_expires_hours must be non-negative; got %d", c.Log.FileExpiresHours)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			r := c.Server.URLPrefix + reserved
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.DefaultModel == "" {
		c.Upstream.DefaultModel = DefaultModel
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Dir == "" {
		c.Log.Dir = DefaultLogDir
	}
	if c.Log.WriteIntervalMS == 0 {
		c.Log.WriteIntervalMS = 200
	}
	if c.Log.FileExpiresHours == 0 {
		c.Log.FileExpiresHours = 730
	}
	if c.Log.PruneSchedule == "" {
		c.Log.PruneSchedule = DefaultPruneSchedule
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addrs returns every address the persistent server binds: the configured
// one, plus a loopback alias when the configured host is not already a
// wildcard or loopback host.
func (c *ServerConfig) Addrs() []string {
	addrs := []string{c.Addr()}
	switch c.Host {
	case "", "0.0.0.0", "::", "localhost", "127.0.0.1":
		return addrs
	}
	return append(addrs, net.JoinHostPort("localhost", strconv.Itoa(c.Port)))
}

// FilePath returns the path the configuration was loaded from, if any.
func (c *Config) FilePath() string { return c.filePath }

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
