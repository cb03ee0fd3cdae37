// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"stream-proxy-go/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/stream-proxy/config.toml",
	"configs/config.toml",
	"configs/config.yaml",
}

// KnownHandlers lists the content handler names that can be enabled.
var KnownHandlers = []string{model.HandlerPlaylist, model.HandlerMedia, model.HandlerDefault}

// Cache index backends.
const (
	IndexFile    = "file"
	IndexLevelDB = "leveldb"
	IndexSQLite  = "sqlite"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	ListenFD int    `kong:"name='listen-fd',help='Serve on an inherited listening socket instead of a port.',env='LISTEN_FD'"`
	CacheDir string `kong:"help='Cache root directory (overrides config).',env='CACHE_DIR'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Debug    bool   `kong:"help='Enable debug logging and per-request tracing.',env='DEBUG'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Cache    CacheConfig    `toml:"cache" yaml:"cache"`
	Handlers HandlersConfig `toml:"handlers" yaml:"handlers"`
	// Headers overrides entries of the default response header set. Values
	// are strings or lists of strings.
	Headers map[string]any `toml:"headers" yaml:"headers"`
	Log     LogConfig      `toml:"log" yaml:"log"`
	Metrics MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host" yaml:"host"`
	Port int    `toml:"port" yaml:"port"` // 0 means "use default" (8080) unless listen_fd is set
	// ListenFD is an already-listening socket handed over by a supervisor.
	ListenFD     int             `toml:"listen_fd" yaml:"listen_fd"`
	BasePath     string          `toml:"base_path" yaml:"base_path"`
	Debug        bool            `toml:"debug" yaml:"debug"`
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections" yaml:"idle_connections"`
	MaxBody         string `toml:"max_body" yaml:"max_body"`
	UserAgent       string `toml:"user_agent" yaml:"user_agent"`

	MaxBodyBytes int64 `toml:"-" yaml:"-"`
}

// CacheConfig holds on-disk cache settings. Sizes are human readable
// ("600MiB"); min_size "-1" disables caching and "0" caches everything.
type CacheConfig struct {
	Dir             string `toml:"dir" yaml:"dir"`
	Index           string `toml:"index" yaml:"index"`
	MaxSize         string `toml:"max_size" yaml:"max_size"`
	MinSize         string `toml:"min_size" yaml:"min_size"`
	MaxAge          string `toml:"max_age" yaml:"max_age"`
	MemoryEntries   int    `toml:"memory_entries" yaml:"memory_entries"`
	Watch           bool   `toml:"watch" yaml:"watch"`
	JanitorSchedule string `toml:"janitor_schedule" yaml:"janitor_schedule"`
	JanitorGrace    string `toml:"janitor_grace" yaml:"janitor_grace"`

	MaxSizeBytes     int64         `toml:"-" yaml:"-"`
	MinSizeBytes     int64         `toml:"-" yaml:"-"`
	MaxAgeDuration   time.Duration `toml:"-" yaml:"-"`
	JanitorGraceTime time.Duration `toml:"-" yaml:"-"`
}

// HandlersConfig selects which content handlers are registered.
type HandlersConfig struct {
	Enabled []string `toml:"enabled" yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/stream-proxy/config.toml, configs/config.toml, then configs/config.yaml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.ListenFD != 0 {
		c.Server.ListenFD = cli.ListenFD
	}
	if cli.CacheDir != "" {
		c.Cache.Dir = cli.CacheDir
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Debug {
		c.Server.Debug = true
	}
}

func (c *Config) validate() error {
	// Listener: a port and an inherited socket are mutually exclusive.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.ListenFD < 0 {
		return fmt.Errorf("server.listen_fd must be non-negative; got %d", c.Server.ListenFD)
	}
	if c.Server.Port != 0 && c.Server.ListenFD != 0 {
		return fmt.Errorf("server.port and server.listen_fd are mutually exclusive")
	}
	if p := c.Server.BasePath; p != "" {
		if p[0] != '/' || strings.HasSuffix(p, "/") {
			return fmt.Errorf("server.base_path must start with '/' and not end with '/'; got %q", p)
		}
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
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
	if c.Upstream.MaxBody != "" {
		n, err := ParseSize(c.Upstream.MaxBody)
		if err != nil || n <= 0 {
			return fmt.Errorf("upstream.max_body must be a positive size; got %q", c.Upstream.MaxBody)
		}
		c.Upstream.MaxBodyBytes = n
	}

	if err := c.Cache.parse(); err != nil {
		return err
	}

	for _, name := range c.Handlers.Enabled {
		if !slices.Contains(KnownHandlers, name) {
			return fmt.Errorf("handlers.enabled: unknown handler %q (known: %s)", name, strings.Join(KnownHandlers, ", "))
		}
	}

	if _, err := ParseHeaders(c.Headers); err != nil {
		return fmt.Errorf("headers: %w", err)
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
			if p == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *CacheConfig) parse() error {
	switch c.Index {
	case "", IndexFile, IndexLevelDB, IndexSQLite:
		// valid
	default:
		return fmt.Errorf("cache.index must be one of: file, leveldb, sqlite; got %q", c.Index)
	}
	if c.MemoryEntries < 0 {
		return fmt.Errorf("cache.memory_entries must be non-negative; got %d", c.MemoryEntries)
	}

	maxSize := "600MiB"
	if c.MaxSize != "" {
		maxSize = c.MaxSize
	}
	n, err := ParseSize(maxSize)
	if err != nil || n < 0 {
		return fmt.Errorf("cache.max_size must be a size like \"600MiB\"; got %q", c.MaxSize)
	}
	c.MaxSizeBytes = n

	minSize := "1MiB"
	if c.MinSize != "" {
		minSize = c.MinSize
	}
	n, err = ParseSize(minSize)
	if err != nil || n < -1 {
		return fmt.Errorf("cache.min_size must be -1, 0 or a size like \"1MiB\"; got %q", c.MinSize)
	}
	c.MinSizeBytes = n

	if c.MaxAge != "" {
		d, err := time.ParseDuration(c.MaxAge)
		if err != nil || d < 0 {
			return fmt.Errorf("cache.max_age must be a non-negative duration; got %q", c.MaxAge)
		}
		c.MaxAgeDuration = d
	}
	if c.JanitorSchedule != "" && c.JanitorGrace != "" {
		d, err := time.ParseDuration(c.JanitorGrace)
		if err != nil || d < 0 {
			return fmt.Errorf("cache.janitor_grace must be a non-negative duration; got %q", c.JanitorGrace)
		}
		c.JanitorGraceTime = d
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 && c.Server.ListenFD == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 1 << 30 // 1 GiB
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "stream-proxy-go/1.0"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "cache"
	}
	if c.Cache.Index == "" {
		c.Cache.Index = IndexFile
	}
	if c.Cache.JanitorSchedule != "" && c.Cache.JanitorGraceTime == 0 {
		c.Cache.JanitorGraceTime = time.Hour
	}
	if len(c.Handlers.Enabled) == 0 {
		c.Handlers.Enabled = []string{model.HandlerMedia, model.HandlerDefault}
	}
	if c.Server.Debug {
		c.Log.Level = "debug"
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

// ParseSize parses a human readable byte size. "-1" is accepted as the
// "never cache" sentinel.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "-1" {
		return -1, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// ParseHeaders converts the [headers] table into an http.Header. Each value
// must be a string or a list of strings.
func ParseHeaders(raw map[string]any) (http.Header, error) {
	h := make(http.Header, len(raw))
	for name, v := range raw {
		switch val := v.(type) {
		case string:
			h.Set(name, val)
		case []any:
			for _, item := range val {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("%s: list values must be strings, got %T", name, item)
				}
				h.Add(name, s)
			}
		case []string:
			for _, s := range val {
				h.Add(name, s)
			}
		default:
			return nil, fmt.Errorf("%s: value must be a string or list of strings, got %T", name, v)
		}
	}
	return h, nil
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
