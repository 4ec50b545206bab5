// Package config handles TOML configuration loading and validation.
package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/passthrough-proxy/config.toml",
	"configs/config.toml",
}

const (
	defaultBaseEndpoint = "http://127.0.0.1:8080"
	defaultHost         = "0.0.0.0"
	defaultPort         = 3000
	defaultAdminHost    = "127.0.0.1"
	defaultAdminPort    = 9090
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	BaseEndpoint string           `kong:"short='b',help='Upstream base endpoint every request is forwarded to (overrides config).',env='BASE_ENDPOINT'"`
	Config       string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel     string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version      kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds settings of the inbound proxy listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	// BodyLimit is a human readable size such as "10MB". Empty means unlimited.
	BodyLimit                string          `toml:"body_limit"`
	ProxyProtocol            bool            `toml:"proxy_protocol"`
	ReadHeaderTimeoutSeconds int             `toml:"read_header_timeout_seconds"`
	IdleTimeoutSeconds       int             `toml:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds   int             `toml:"shutdown_timeout_seconds"`
	RateLimit                RateLimitConfig `toml:"rate_limit"`

	bodyLimitBytes uint64
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL string `toml:"base_url"`
	// TimeoutSeconds bounds a whole upstream exchange. 0 disables the limit.
	TimeoutSeconds  int       `toml:"timeout_seconds"`
	IdleConnections int       `toml:"idle_connections"`
	RewriteHost     bool      `toml:"rewrite_host"`
	TLS             TLSConfig `toml:"tls"`
}

// TLSConfig holds settings for HTTPS upstreams.
type TLSConfig struct {
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	MinVersion         string `toml:"min_version"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds settings of the admin listener (health, status, metrics).
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// Load reads the optional TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/passthrough-proxy/config.toml then configs/config.toml, and falls back
// to built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.BaseEndpoint != "" {
		c.Upstream.BaseURL = cli.BaseEndpoint
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// validate reports every problem found, not only the first one.
func (c *Config) validate() error {
	var err error

	if perr := validateBaseURL(c.Upstream.BaseURL); perr != nil {
		err = multierr.Append(err, perr)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port))
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port))
	}
	if c.Server.BodyLimit != "" {
		n, perr := humanize.ParseBytes(c.Server.BodyLimit)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("server.body_limit %q is not a valid size: %w", c.Server.BodyLimit, perr))
		} else {
			c.Server.bodyLimitBytes = n
		}
	}
	for name, v := range map[string]int{
		"server.read_header_timeout_seconds": c.Server.ReadHeaderTimeoutSeconds,
		"server.idle_timeout_seconds":        c.Server.IdleTimeoutSeconds,
		"server.shutdown_timeout_seconds":    c.Server.ShutdownTimeoutSeconds,
		"upstream.timeout_seconds":           c.Upstream.TimeoutSeconds,
		"upstream.idle_connections":          c.Upstream.IdleConnections,
	} {
		if v < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be non-negative; got %d", name, v))
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		err = multierr.Append(err, fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond))
	}

	if _, terr := c.Upstream.TLS.Version(); terr != nil {
		err = multierr.Append(err, terr)
	}
	if c.Upstream.TLS.CAFile != "" {
		if _, serr := os.Stat(c.Upstream.TLS.CAFile); serr != nil {
			err = multierr.Append(err, fmt.Errorf("upstream.tls.ca_file: %w", serr))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	if c.Admin.Enabled && c.Admin.Addr() == c.Server.Addr() {
		err = multierr.Append(err, fmt.Errorf("admin listener %s conflicts with proxy listener", c.Admin.Addr()))
	}

	return err
}

// validateBaseURL checks that every request target built from base will be an
// absolute http(s) URL.
func validateBaseURL(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", base)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url has no host; got %q", base)
	}
	if u.RawQuery != "" || u.Fragment != "" || strings.HasSuffix(base, "?") {
		return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", base)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = defaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = defaultBaseEndpoint
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = defaultAdminHost
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = defaultAdminPort
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

// BodyLimitBytes returns the parsed body limit; 0 means unlimited.
func (c *ServerConfig) BodyLimitBytes() uint64 {
	return c.bodyLimitBytes
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Version maps min_version to a crypto/tls constant. Empty yields 0, which
// leaves the crypto/tls default in place.
func (c *TLSConfig) Version() (uint16, error) {
	switch c.MinVersion {
	case "":
		return 0, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("upstream.tls.min_version must be one of: 1.0, 1.1, 1.2, 1.3; got %q", c.MinVersion)
}

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
