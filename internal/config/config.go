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
	"/etc/sendfile-worker/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFile  string `kong:"help='Write logs to this file instead of stderr (overrides config).',env='LOG_FILE'"`

	Worker     WorkerCmd     `kong:"cmd,default='1',help='Serve requests from stdin and answer on stdout.'"`
	Serve      ServeCmd      `kong:"cmd,help='Run the HTTP gateway in front of a worker subprocess.'"`
	FileServer FileServerCmd `kong:"cmd,name='fileserver',help='Run the auxiliary file server.'"`
}

// WorkerCmd runs the stdio worker loop.
type WorkerCmd struct{}

// ServeCmd runs the relay gateway.
type ServeCmd struct {
	Host string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
}

// FileServerCmd runs the auxiliary file server.
type FileServerCmd struct {
	Port int `kong:"help='Listen port (overrides config).',env='FILESERVER_PORT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Worker     WorkerConfig     `toml:"worker"`
	Sendfile   SendfileConfig   `toml:"sendfile"`
	FileServer FileServerConfig `toml:"fileserver"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds gateway HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (18953)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// GatewayConfig controls how the gateway talks to its worker.
type GatewayConfig struct {
	// WorkerCommand overrides the worker executable; empty means this binary.
	WorkerCommand  []string `toml:"worker_command"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// WorkerConfig holds the values the worker's response strategies emit.
type WorkerConfig struct {
	LocalTarget    string `toml:"local_target"`
	RemoteBaseURL  string `toml:"remote_base_url"`
	AttachmentName string `toml:"attachment_name"`
	InlineFile     string `toml:"inline_file"`
	PauseMillis    int    `toml:"pause_millis"`
}

// SendfileConfig holds remote fetch settings used to resolve directives.
type SendfileConfig struct {
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections"`
	AllowedHosts    []string `toml:"allowed_hosts"`
	ChunkBytes      int      `toml:"chunk_bytes"`
}

// FileServerConfig holds auxiliary file server settings.
type FileServerConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	File        string `toml:"file"`
	DelayMillis int    `toml:"delay_millis"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	// WorkerListen is where the worker process exposes its own metrics.
	WorkerListen string `toml:"worker_listen"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/sendfile-worker/config.toml then configs/config.toml, and falls back
// to built-in defaults if neither exists.
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

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Serve.Host != "" {
		c.Server.Host = cli.Serve.Host
	}
	if cli.Serve.Port != 0 {
		c.Server.Port = cli.Serve.Port
	}
	if cli.FileServer.Port != 0 {
		c.FileServer.Port = cli.FileServer.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		c.Log.File = cli.LogFile
	}
}

func (c *Config) validate() error {
	if c.Worker.RemoteBaseURL != "" {
		u, err := url.Parse(c.Worker.RemoteBaseURL)
		if err != nil {
			return fmt.Errorf("worker.remote_base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("worker.remote_base_url must use http or https; got %q", c.Worker.RemoteBaseURL)
		}
	}

	// Numeric bounds.
	for name, port := range map[string]int{"server.port": c.Server.Port, "fileserver.port": c.FileServer.Port} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be 0–65535; got %d", name, port)
		}
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Gateway.TimeoutSeconds < 0 {
		return fmt.Errorf("gateway.timeout_seconds must be non-negative; got %d", c.Gateway.TimeoutSeconds)
	}
	if c.Worker.PauseMillis < 0 {
		return fmt.Errorf("worker.pause_millis must be non-negative; got %d", c.Worker.PauseMillis)
	}
	if c.Sendfile.TimeoutSeconds < 0 {
		return fmt.Errorf("sendfile.timeout_seconds must be non-negative; got %d", c.Sendfile.TimeoutSeconds)
	}
	if c.Sendfile.IdleConnections < 0 {
		return fmt.Errorf("sendfile.idle_connections must be non-negative; got %d", c.Sendfile.IdleConnections)
	}
	if c.Sendfile.ChunkBytes < 0 {
		return fmt.Errorf("sendfile.chunk_bytes must be non-negative; got %d", c.Sendfile.ChunkBytes)
	}
	if c.FileServer.DelayMillis < 0 {
		return fmt.Errorf("fileserver.delay_millis must be non-negative; got %d", c.FileServer.DelayMillis)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
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
		for _, reserved := range []string{"/healthz", "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults. The worker defaults
// reproduce the fixture values the sendfile consumer is tested against.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 18953
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Gateway.TimeoutSeconds == 0 {
		c.Gateway.TimeoutSeconds = 60
	}
	if c.Worker.LocalTarget == "" {
		c.Worker.LocalTarget = "/../sample/2k24.mp4"
	}
	if c.Worker.RemoteBaseURL == "" {
		c.Worker.RemoteBaseURL = "http://127.0.0.1:18953"
	}
	if c.Worker.AttachmentName == "" {
		c.Worker.AttachmentName = "composer.json"
	}
	if c.Worker.InlineFile == "" {
		c.Worker.InlineFile = "composer.json"
	}
	if c.Worker.PauseMillis == 0 {
		c.Worker.PauseMillis = 5500
	}
	if c.Sendfile.TimeoutSeconds == 0 {
		c.Sendfile.TimeoutSeconds = 5
	}
	if c.Sendfile.IdleConnections == 0 {
		c.Sendfile.IdleConnections = 100
	}
	if c.Sendfile.ChunkBytes == 0 {
		c.Sendfile.ChunkBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.FileServer.Host == "" {
		c.FileServer.Host = "127.0.0.1"
	}
	if c.FileServer.Port == 0 {
		c.FileServer.Port = 18954
	}
	if c.FileServer.File == "" {
		c.FileServer.File = "composer.json"
	}
	if c.FileServer.DelayMillis == 0 {
		c.FileServer.DelayMillis = 10000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.WorkerListen == "" {
		c.Metrics.WorkerListen = "127.0.0.1:18955"
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

// Path returns the config file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.filePath
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the file server listen address as host:port.
func (c *FileServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
