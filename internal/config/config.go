// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/finance-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot be shadowed by the
// API prefix or the metrics endpoint.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// Auth providers accepted in auth.provider.
const (
	ProviderGoogle = "google"
	ProviderStatic = "static"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendURL string `kong:"name='backend-url',help='Backend API base URL; empty disables /api forwarding (overrides config).',env='BACKEND_API_URL'"`
	AuthBypass *bool  `kong:"name='auth-bypass',help='Forward API requests without minting a backend credential. Never use in production. When given (true or false) it replaces auth.bypass from the config file.',env='AUTH_BYPASS'"`
	StaticRoot string `kong:"name='static-root',help='Directory holding the compiled client bundle (overrides config).',env='STATIC_ROOT'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Backend BackendConfig `toml:"backend"`
	Auth    AuthConfig    `toml:"auth"`
	Static  StaticConfig  `toml:"static"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig describes the protected API the proxy forwards to.
type BackendConfig struct {
	BaseURL         string `toml:"base_url"`
	Prefix          string `toml:"prefix"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// AuthConfig controls how backend credentials are minted.
type AuthConfig struct {
	Provider        string `toml:"provider"`
	Bypass          bool   `toml:"bypass"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	CredentialsFile string `toml:"credentials_file"`
	StaticToken     string `toml:"static_token"`
}

// StaticConfig locates the compiled single-page application.
type StaticConfig struct {
	Root  string `toml:"root"`
	Index string `toml:"index"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/finance-proxy/config.toml then configs/config.toml. Finding no file is
// not an error: the proxy then runs on defaults plus environment.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags. AuthBypass is a
// pointer so an explicit false can switch off bypass set in the file.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendURL != "" {
		c.Backend.BaseURL = cli.BackendURL
	}
	if cli.AuthBypass != nil {
		c.Auth.Bypass = *cli.AuthBypass
	}
	if cli.StaticRoot != "" {
		c.Static.Root = cli.StaticRoot
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Backend URL: optional, but when present it must be an absolute http(s) URL.
	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil {
			return fmt.Errorf("backend.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("backend.base_url must use http or https; got %q", c.Backend.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("backend.base_url must include a host; got %q", c.Backend.BaseURL)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("backend.base_url must not carry a query or fragment; got %q", c.Backend.BaseURL)
		}
	}

	if p := c.Backend.Prefix; p != "" {
		if p[0] != '/' {
			return fmt.Errorf("backend.prefix must start with '/'; got %q", p)
		}
		if p == "/" || strings.HasSuffix(p, "/") {
			return fmt.Errorf("backend.prefix must not end with '/'; got %q", p)
		}
		if r := conflictingRoute(p, reservedRoutes); r != "" {
			return fmt.Errorf("backend.prefix %q conflicts with reserved route %q", p, r)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Auth.TimeoutSeconds < 0 {
		return fmt.Errorf("auth.timeout_seconds must be non-negative; got %d", c.Auth.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Auth.Provider) {
	case ProviderGoogle, "":
	case ProviderStatic:
		if c.Auth.StaticToken == "" {
			return fmt.Errorf("auth.static_token is required when auth.provider = %q", ProviderStatic)
		}
	default:
		return fmt.Errorf("auth.provider must be one of: google, static; got %q", c.Auth.Provider)
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
		reserved := append([]string{c.apiPrefix()}, reservedRoutes...)
		if r := conflictingRoute(p, reserved); r != "" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
		}
	}

	return nil
}

// conflictingRoute returns the first reserved route that p equals or sits under.
func conflictingRoute(p string, reserved []string) string {
	for _, r := range reserved {
		if p == r || strings.HasPrefix(p, r+"/") || strings.HasPrefix(r, p+"/") {
			return r
		}
	}
	return ""
}

func (c *Config) apiPrefix() string {
	if c.Backend.Prefix == "" {
		return "/api"
	}
	return c.Backend.Prefix
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Backend.Prefix = c.apiPrefix()
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 60
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = ProviderGoogle
	}
	c.Auth.Provider = strings.ToLower(c.Auth.Provider)
	if c.Auth.TimeoutSeconds == 0 {
		c.Auth.TimeoutSeconds = 10
	}
	if c.Static.Root == "" {
		c.Static.Root = "dist"
	}
	if c.Static.Index == "" {
		c.Static.Index = "index.html"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
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
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether a backend is configured. Without one the API prefix
// is never routed and the proxy serves static content only.
func (c *BackendConfig) Enabled() bool {
	return c.BaseURL != ""
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
