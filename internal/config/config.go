// Package config loads and validates the server configuration. Files may
// be TOML or JSON; the format is detected from the file extension with a
// content sniff as fallback, so both encodings share one set of struct
// tags.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// MaxAgeCap is the longest Cache-Control max-age the server will emit,
// one year.
const MaxAgeCap = 365 * 24 * time.Hour

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Mounts  []MountConfig  `json:"mounts,omitempty" toml:"mounts,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds general server settings.
type ServerConfig struct {
	Address                 *string `json:"address,omitempty" toml:"address,omitempty"`
	MaxConnections          *int    `json:"max_connections,omitempty" toml:"max_connections,omitempty"`
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
}

// MountConfig binds a URL path prefix to a document root plus the
// per-mount serving options.
type MountConfig struct {
	PathPrefix string `json:"path_prefix" toml:"path_prefix"`
	Root       string `json:"root" toml:"root"`

	Index      []string `json:"index,omitempty" toml:"index,omitempty"`
	Extensions []string `json:"extensions,omitempty" toml:"extensions,omitempty"`
	Dotfiles   string   `json:"dotfiles,omitempty" toml:"dotfiles,omitempty"`
	MaxAge     *string  `json:"max_age,omitempty" toml:"max_age,omitempty"` // e.g., "1h", "30d", or integer milliseconds
	Immutable  *bool    `json:"immutable,omitempty" toml:"immutable,omitempty"`

	ETag         *bool `json:"etag,omitempty" toml:"etag,omitempty"`
	LastModified *bool `json:"last_modified,omitempty" toml:"last_modified,omitempty"`
	AcceptRanges *bool `json:"accept_ranges,omitempty" toml:"accept_ranges,omitempty"`
	CacheControl *bool `json:"cache_control,omitempty" toml:"cache_control,omitempty"`

	Redirect    *bool `json:"redirect,omitempty" toml:"redirect,omitempty"`
	Fallthrough *bool `json:"fallthrough,omitempty" toml:"fallthrough,omitempty"`

	// Headers are applied verbatim to every file response from this mount.
	Headers map[string]string `json:"headers,omitempty" toml:"headers,omitempty"`

	MimeTypes     map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty"`
	MimeTypesPath *string           `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         string   `json:"target,omitempty" toml:"target,omitempty"`  // "stdout", "stderr", or a file path
	Format         string   `json:"format,omitempty" toml:"format,omitempty"`  // "json" or "console"
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// ConfigError describes a problem found while loading or validating a
// configuration file.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.FilePath, e.Message, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.FilePath, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsFilePath reports whether a log target names a file rather than one of
// the standard streams.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults, and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to read config file", Err: err}
	}

	cfg := &Config{}
	switch {
	case strings.HasSuffix(path, ".json") || looksLikeJSON(data):
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{FilePath: path, Message: "failed to parse JSON config", Err: err}
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{FilePath: path, Message: "failed to parse TOML config", Err: err}
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// ApplyDefaults fills in unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := "127.0.0.1:8080"
		cfg.Server.Address = &addr
	}
	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{Target: "stderr"}
	}
	if cfg.Logging.ErrorLog.Target == "" {
		cfg.Logging.ErrorLog.Target = "stderr"
	}
	if cfg.Logging.AccessLog == nil {
		enabled := true
		cfg.Logging.AccessLog = &AccessLogConfig{Enabled: &enabled}
	}
	if cfg.Logging.AccessLog.Target == "" {
		cfg.Logging.AccessLog.Target = "stdout"
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = "json"
	}
}

// Validate checks the configuration for errors that should stop startup.
// Mount roots are resolved to absolute paths in place.
func Validate(cfg *Config, path string) error {
	if len(cfg.Mounts) == 0 {
		return &ConfigError{FilePath: path, Message: "no mounts configured"}
	}
	for i := range cfg.Mounts {
		m := &cfg.Mounts[i]
		if m.Root == "" {
			return &ConfigError{FilePath: path, Message: fmt.Sprintf("mount %d: root is required", i)}
		}
		abs, err := filepath.Abs(m.Root)
		if err != nil {
			return &ConfigError{FilePath: path, Message: fmt.Sprintf("mount %d: cannot resolve root", i), Err: err}
		}
		m.Root = abs
		if m.PathPrefix == "" {
			m.PathPrefix = "/"
		}
		if !strings.HasPrefix(m.PathPrefix, "/") {
			return &ConfigError{FilePath: path, Message: fmt.Sprintf("mount %d: path_prefix must start with '/'", i)}
		}
		switch m.Dotfiles {
		case "", "allow", "deny", "ignore":
		default:
			return &ConfigError{FilePath: path, Message: fmt.Sprintf("mount %d: unknown dotfiles policy %q", i, m.Dotfiles)}
		}
		if m.MaxAge != nil {
			if _, err := ParseMaxAge(*m.MaxAge); err != nil {
				return &ConfigError{FilePath: path, Message: fmt.Sprintf("mount %d: invalid max_age", i), Err: err}
			}
		}
	}

	if al := cfg.Logging.AccessLog; al != nil {
		switch al.Format {
		case "json", "console":
		default:
			return &ConfigError{FilePath: path, Message: fmt.Sprintf("unknown access log format %q", al.Format)}
		}
	}
	switch cfg.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return &ConfigError{FilePath: path, Message: fmt.Sprintf("unknown log level %q", cfg.Logging.LogLevel)}
	}
	return nil
}

// ParseMaxAge interprets a max_age value. A bare integer is milliseconds;
// a number followed by "d" is a count of days ("30d", "1.5d"); anything
// else is parsed as a Go duration string. The "d" unit cannot be combined
// with other units ("1d12h" is rejected). Negative values clamp to zero
// and anything beyond MaxAgeCap clamps to the cap.
func ParseMaxAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	var d time.Duration
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(ms) * time.Millisecond
	} else if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid max_age %q: %w", s, err)
		}
		d = time.Duration(days * float64(24*time.Hour))
	} else {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid max_age %q: %w", s, err)
		}
		d = parsed
	}

	return ClampMaxAge(d), nil
}

// ClampMaxAge bounds a max-age duration to [0, MaxAgeCap].
func ClampMaxAge(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxAgeCap {
		return MaxAgeCap
	}
	return d
}
