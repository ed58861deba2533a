// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/webmirror/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the mirror itself and cannot host the metrics endpoint.
var reservedRoutes = []string{"/", "/view", "/healthz", "/mirror/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Rules    string `kong:"help='Rule files or directories, separated by semicolons (overrides config).',env='RULES_PATH'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Render   RenderConfig   `toml:"render"`
	Rules    RulesConfig    `toml:"rules"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (3000)
	PoweredBy string          `toml:"powered_by"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds outbound fetch settings.
type UpstreamConfig struct {
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	IdleConnections  int    `toml:"idle_connections"`
	MaxRedirects     int    `toml:"max_redirects"`
	MaxDocumentBytes int64  `toml:"max_document_bytes"`
	UserAgent        string `toml:"user_agent"`
	AcceptLanguage   string `toml:"accept_language"`
}

// RenderConfig holds headless rendering settings.
type RenderConfig struct {
	Enabled        bool     `toml:"enabled"`
	Domains        []string `toml:"domains"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	MaxConcurrent  int      `toml:"max_concurrent"`
	ChromePath     string   `toml:"chrome_path"`
	Fallback       string   `toml:"fallback"`
}

// RulesConfig points at per-domain YAML rule files.
type RulesConfig struct {
	Path string `toml:"path"`
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

// Render fallback modes.
const (
	FallbackError   = "error"
	FallbackRewrite = "rewrite"
)

const (
	defaultUserAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	defaultAcceptLanguage = "en-US,en;q=0.9"
)

// Load reads the TOML config file and applies CLI overrides.
// An explicit path (via --config or CONFIG_PATH) must exist. Otherwise
// /etc/webmirror/config.toml then configs/config.toml are searched, and
// built-in defaults are used when neither exists.
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Rules != "" {
		c.Rules.Path = cli.Rules
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Upstream.MaxDocumentBytes < 0 {
		return fmt.Errorf("upstream.max_document_bytes must be non-negative; got %d", c.Upstream.MaxDocumentBytes)
	}
	if c.Render.TimeoutSeconds < 0 {
		return fmt.Errorf("render.timeout_seconds must be non-negative; got %d", c.Render.TimeoutSeconds)
	}
	if c.Render.MaxConcurrent < 0 {
		return fmt.Errorf("render.max_concurrent must be non-negative; got %d", c.Render.MaxConcurrent)
	}

	switch strings.ToLower(c.Render.Fallback) {
	case FallbackError, FallbackRewrite, "":
		// valid
	default:
		return fmt.Errorf("render.fallback must be one of: error, rewrite; got %q", c.Render.Fallback)
	}
	for _, d := range c.Render.Domains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("render.domains must not contain empty entries")
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
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
			if p == reserved || (reserved != "/" && strings.HasPrefix(p, reserved+"/")) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
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
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.PoweredBy == "" {
		c.Server.PoweredBy = "WebMirror Light"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	if c.Upstream.MaxDocumentBytes == 0 {
		c.Upstream.MaxDocumentBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = defaultUserAgent
	}
	if c.Upstream.AcceptLanguage == "" {
		c.Upstream.AcceptLanguage = defaultAcceptLanguage
	}
	if c.Render.TimeoutSeconds == 0 {
		c.Render.TimeoutSeconds = 45
	}
	if c.Render.MaxConcurrent == 0 {
		c.Render.MaxConcurrent = 2
	}
	c.Render.Fallback = strings.ToLower(c.Render.Fallback)
	if c.Render.Fallback == "" {
		c.Render.Fallback = FallbackError
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

// FilePath returns the config file that was loaded, or empty when defaults are in use.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// Rule headers may carry cookies, so the file is treated as sensitive.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("cannot stat config file", "path", c.filePath, "err", err)
		}
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
