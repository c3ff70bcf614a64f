// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/chatrelay/internal/client"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/search"
	"github.com/jeranaias/chatrelay/internal/util"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the complete chatrelay configuration.
type Config struct {
	Server  ServerConfig  `toml:"server" json:"server"`
	Gateway GatewayConfig `toml:"gateway" json:"gateway"`
	Search  SearchConfig  `toml:"search" json:"search"`
	Client  ClientConfig  `toml:"client" json:"client"`
	Log     LogConfig     `toml:"log" json:"log"`
}

// ServerConfig configures the relay's HTTP listener.
type ServerConfig struct {
	Host            string   `toml:"host" json:"host"`
	Port            int      `toml:"port" json:"port"`
	MaxBodyBytes    int64    `toml:"max_body_bytes" json:"max_body_bytes"`
	ReadTimeoutSecs int      `toml:"read_timeout_secs" json:"read_timeout_secs"`
	IdleTimeoutSecs int      `toml:"idle_timeout_secs" json:"idle_timeout_secs"`
	CORSOrigins     []string `toml:"cors_origins" json:"cors_origins"`

	// RateLimitPerMinute caps requests per client IP. 0 disables the guard.
	RateLimitPerMinute int `toml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

// ReadTimeout returns the request read timeout.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSecs) * time.Second
}

// IdleTimeout returns the keep-alive idle timeout.
func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSecs) * time.Second
}

// GatewayConfig configures the upstream completion gateway.
type GatewayConfig struct {
	URL                string `toml:"url" json:"url"`
	APIKey             Secret `toml:"api_key" json:"api_key"`
	ConnectTimeoutSecs int    `toml:"connect_timeout_secs" json:"connect_timeout_secs"`
}

// ConnectTimeout returns the dial timeout for gateway connections.
func (g GatewayConfig) ConnectTimeout() time.Duration {
	return time.Duration(g.ConnectTimeoutSecs) * time.Second
}

// SearchConfig selects and configures the web search backend. An empty URL
// means the provider's own endpoint.
type SearchConfig struct {
	Provider    string `toml:"provider" json:"provider"`
	URL         string `toml:"url" json:"url"`
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
}

// Timeout returns the per-search timeout.
func (s SearchConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// ClientConfig configures the chat and ask commands.
type ClientConfig struct {
	RelayURL    string `toml:"relay_url" json:"relay_url"`
	HistoryFile string `toml:"history_file" json:"history_file"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Default values.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8787
	DefaultMaxBodyBytes       = 1 << 20
	DefaultReadTimeoutSecs    = 30
	DefaultIdleTimeoutSecs    = 120
	DefaultConnectTimeoutSecs = 10
	DefaultSearchTimeoutSecs  = 15
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			MaxBodyBytes:    DefaultMaxBodyBytes,
			ReadTimeoutSecs: DefaultReadTimeoutSecs,
			IdleTimeoutSecs: DefaultIdleTimeoutSecs,
			CORSOrigins:     []string{"*"},
		},
		Gateway: GatewayConfig{
			URL:                relay.DefaultGatewayURL,
			ConnectTimeoutSecs: DefaultConnectTimeoutSecs,
		},
		Search: SearchConfig{
			Provider:    search.ProviderGateway,
			TimeoutSecs: DefaultSearchTimeoutSecs,
		},
		Client: ClientConfig{
			RelayURL: client.DefaultBaseURL,
		},
		Log: LogConfig{
			Level:  zerolog.InfoLevel.String(),
			Format: FormatConsole,
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// ConfigDir returns ~/.chatrelay.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locate home directory")
	}
	return filepath.Join(home, ".chatrelay"), nil
}

// DefaultPath returns ~/.chatrelay/config.toml.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ResolvePath picks the config file: the flag value, then CHATRELAY_CONFIG,
// then the default path. explicit reports whether the caller named a
// specific file, in which case it must exist.
func ResolvePath(flagValue string) (path string, explicit bool, err error) {
	if flagValue != "" {
		return flagValue, true, nil
	}
	if env := os.Getenv("CHATRELAY_CONFIG"); env != "" {
		return env, true, nil
	}
	path, err = DefaultPath()
	return path, false, err
}

// SECURITY: the file may hold the gateway key, so it stays owner-only.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return errors.Wrapf(err, "fix insecure permissions (was %o)", mode)
		}
	}
	return nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the configuration at path on top of the defaults, applies
// CHATRELAY_* environment overrides, fills zero values and validates.
// An empty path means the default location, which may be absent.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return load(path, explicit)
}

// LoadResolved is Load with the path chosen by ResolvePath.
func LoadResolved(flagValue string) (*Config, error) {
	path, explicit, err := ResolvePath(flagValue)
	if err != nil {
		return nil, err
	}
	return load(path, explicit)
}

func load(path string, explicit bool) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if explicit || !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "config file %s", path)
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// LoadTOML decodes the TOML file at path into cfg. Keys the file does not
// set keep their current values.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("CONFIG_PERMISSIONS")
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		log.Warn().Strs("keys", keys).Str("path", path).Msg("CONFIG_UNKNOWN_KEYS")
	}
	return nil
}

// SaveTOML writes cfg to path with owner-only permissions. The gateway key
// is written redacted; keep the real key in the environment or edit the
// file by hand.
func SaveTOML(cfg *Config, path string) error {
	data, err := cfg.EncodeTOML()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString("# chatrelay configuration\n")
	buf.WriteString("# The gateway key is best supplied through CHATRELAY_API_KEY.\n\n")
	buf.Write(data)

	return errors.Wrap(util.AtomicWriteFile(path, buf.Bytes(), 0o600), "write config")
}

// EncodeTOML renders cfg as TOML with secrets redacted.
func (c *Config) EncodeTOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return buf.Bytes(), nil
}

// String renders the configuration for display. Secrets are redacted.
func (c *Config) String() string {
	data, err := c.EncodeTOML()
	if err != nil {
		return err.Error()
	}
	return string(data)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidateErrors listing all
// problems found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		add("server.host", "must not be empty")
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes", "must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if c.Server.ReadTimeoutSecs < 0 {
		add("server.read_timeout_secs", "must not be negative")
	}
	if c.Server.IdleTimeoutSecs < 0 {
		add("server.idle_timeout_secs", "must not be negative")
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server.rate_limit_per_minute", "must not be negative")
	}

	// Gateway
	if err := checkHTTPURL(c.Gateway.URL); err != nil {
		add("gateway.url", "%v", err)
	}
	if c.Gateway.ConnectTimeoutSecs < 0 {
		add("gateway.connect_timeout_secs", "must not be negative")
	}

	// Search
	switch c.Search.Provider {
	case search.ProviderGateway, search.ProviderDuckDuckGo:
		if c.Search.URL != "" {
			if err := checkHTTPURL(c.Search.URL); err != nil {
				add("search.url", "%v", err)
			}
		}
	case search.ProviderOff:
	default:
		add("search.provider", "invalid provider '%s', must be one of: %s, %s, %s",
			c.Search.Provider, search.ProviderGateway, search.ProviderDuckDuckGo, search.ProviderOff)
	}
	if c.Search.TimeoutSecs < 0 {
		add("search.timeout_secs", "must not be negative")
	}

	// Client
	if err := checkHTTPURL(c.Client.RelayURL); err != nil {
		add("client.relay_url", "%v", err)
	}

	// Log
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "unknown level '%s'", c.Log.Level)
	}
	if c.Log.Format != FormatConsole && c.Log.Format != FormatJSON {
		add("log.format", "invalid format '%s', must be %s or %s", c.Log.Format, FormatConsole, FormatJSON)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Errorf("invalid URL '%s'", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("URL '%s' must use http or https", raw)
	}
	if u.Host == "" {
		return errors.Errorf("URL '%s' has no host", raw)
	}
	return nil
}

// SetDefaults fills zero values left by a partial file and normalizes case
// on enumerated fields.
func (c *Config) SetDefaults() {
	def := Default()

	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = def.Server.MaxBodyBytes
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = def.Server.CORSOrigins
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = def.Gateway.URL
	}
	if c.Search.Provider == "" {
		c.Search.Provider = def.Search.Provider
	}
	c.Search.Provider = strings.ToLower(c.Search.Provider)
	if c.Client.RelayURL == "" {
		c.Client.RelayURL = def.Client.RelayURL
	}
	if c.Client.HistoryFile == "" {
		if dir, err := ConfigDir(); err == nil {
			c.Client.HistoryFile = filepath.Join(dir, "history")
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - CHATRELAY_API_KEY: overrides gateway.api_key (LOVABLE_API_KEY is
//     read when it is unset)
//   - CHATRELAY_GATEWAY_URL: overrides gateway.url
//   - CHATRELAY_SEARCH_PROVIDER: overrides search.provider
//   - CHATRELAY_SEARCH_URL: overrides search.url
//   - CHATRELAY_HOST: overrides server.host
//   - CHATRELAY_PORT: overrides server.port
//   - CHATRELAY_RELAY_URL: overrides client.relay_url
//   - CHATRELAY_LOG_LEVEL: overrides log.level
//   - CHATRELAY_LOG_FORMAT: overrides log.format
func (c *Config) ApplyEnvOverrides() error {
	if key := os.Getenv("CHATRELAY_API_KEY"); key != "" {
		c.Gateway.APIKey = NewSecret(key)
	} else if key := os.Getenv("LOVABLE_API_KEY"); key != "" {
		c.Gateway.APIKey = NewSecret(key)
	}

	if v := os.Getenv("CHATRELAY_GATEWAY_URL"); v != "" {
		c.Gateway.URL = v
	}
	if v := os.Getenv("CHATRELAY_SEARCH_PROVIDER"); v != "" {
		c.Search.Provider = v
	}
	if v := os.Getenv("CHATRELAY_SEARCH_URL"); v != "" {
		c.Search.URL = v
	}
	if v := os.Getenv("CHATRELAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CHATRELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return ValidateErrors{{Field: "CHATRELAY_PORT", Message: fmt.Sprintf("not a number: '%s'", v)}}
		}
		c.Server.Port = port
	}
	if v := os.Getenv("CHATRELAY_RELAY_URL"); v != "" {
		c.Client.RelayURL = v
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CHATRELAY_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}
