// Package config handles client configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// EnvVar selects the active environment, overriding the config file.
const EnvVar = "CRMLINK_ENV"

// Config is the top-level client configuration.
type Config struct {
	Environment  string                       `json:"environment"`
	Environments map[string]EnvironmentConfig `json:"environments"`
	Session      SessionConfig                `json:"session"`
	Gateway      GatewayConfig                `json:"gateway"`
	Realtime     RealtimeConfig               `json:"realtime"`
	Logging      LoggingConfig                `json:"logging"`
}

// EnvironmentConfig describes one deployment of the backend.
type EnvironmentConfig struct {
	BaseURL       string `json:"base_url"`
	Tenant        string `json:"tenant,omitempty"` // sent as X-Environment; defaults to the environment name
	ServiceUser   string `json:"service_user,omitempty"`
	ServiceSecret string `json:"service_secret,omitempty"`
	CryptoKey     string `json:"drivewhip_crypto_key,omitempty"`
}

// SessionConfig defines where the encrypted session lives.
type SessionConfig struct {
	StorePath     string   `json:"store_path,omitempty"`     // sqlite file; default "./crmlink-session.db"
	WatchInterval Duration `json:"watch_interval,omitempty"` // poll interval for external changes
}

// GatewayConfig defines command gateway behavior.
type GatewayConfig struct {
	Timeout               Duration `json:"timeout,omitempty"`
	ToastWindow           Duration `json:"toast_window,omitempty"` // identical toasts within this window are suppressed
	MaxResponseBytes      int64    `json:"max_response_bytes,omitempty"`
	PermissionsCommand    string   `json:"permissions_command,omitempty"`
	PrepareMessageCommand string   `json:"prepare_message_command,omitempty"`
}

// RealtimeConfig defines the chat hub connection.
type RealtimeConfig struct {
	HubURL            string     `json:"hub_url,omitempty"` // derived from base_url when empty
	ReconnectDelays   []Duration `json:"reconnect_delays,omitempty"`
	HandshakeTimeout  Duration   `json:"handshake_timeout,omitempty"`
	InvokeTimeout     Duration   `json:"invoke_timeout,omitempty"`
	KeepAliveInterval Duration   `json:"keepalive_interval,omitempty"`
	TLSSkipVerify     bool       `json:"tls_skip_verify,omitempty"` // dev only
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// DefaultReconnectDelays is the fixed reconnect schedule: immediately, then
// after 2s, 5s and 10s.
func DefaultReconnectDelays() []Duration {
	return []Duration{
		{0},
		{2 * time.Second},
		{5 * time.Second},
		{10 * time.Second},
	}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, validates and defaults a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if env := strings.TrimSpace(os.Getenv(EnvVar)); env != "" {
		cfg.Environment = env
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Environments) == 0 {
		return fmt.Errorf("at least one environment is required")
	}
	if c.Environment == "" {
		if len(c.Environments) != 1 {
			return fmt.Errorf("environment is required when more than one is configured (have %s)", strings.Join(c.environmentNames(), ", "))
		}
		for name := range c.Environments {
			c.Environment = name
		}
	}
	env, ok := c.Environments[c.Environment]
	if !ok {
		return fmt.Errorf("unknown environment %q (have %s)", c.Environment, strings.Join(c.environmentNames(), ", "))
	}
	if strings.TrimSpace(env.BaseURL) == "" {
		return fmt.Errorf("environments.%s.base_url is required", c.Environment)
	}
	if !strings.HasPrefix(env.BaseURL, "http://") && !strings.HasPrefix(env.BaseURL, "https://") {
		return fmt.Errorf("environments.%s.base_url must be an http(s) URL", c.Environment)
	}
	for i, d := range c.Realtime.ReconnectDelays {
		if d.Duration < 0 {
			return fmt.Errorf("realtime.reconnect_delays[%d] must not be negative", i)
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}

func (c *Config) applyDefaults() {
	for name, env := range c.Environments {
		env.BaseURL = NormalizeBaseURL(env.BaseURL)
		if env.Tenant == "" {
			env.Tenant = name
		}
		c.Environments[name] = env
	}
	if c.Session.StorePath == "" {
		c.Session.StorePath = "./crmlink-session.db"
	}
	if c.Session.WatchInterval.Duration == 0 {
		c.Session.WatchInterval.Duration = 2 * time.Second
	}
	if c.Gateway.Timeout.Duration == 0 {
		c.Gateway.Timeout.Duration = 60 * time.Second
	}
	if c.Gateway.ToastWindow.Duration == 0 {
		c.Gateway.ToastWindow.Duration = 1500 * time.Millisecond
	}
	if c.Gateway.MaxResponseBytes == 0 {
		c.Gateway.MaxResponseBytes = 8 * 1024 * 1024 // 8MB
	}
	if c.Gateway.PermissionsCommand == "" {
		c.Gateway.PermissionsCommand = "crm_route_permissions_by_role"
	}
	if c.Gateway.PrepareMessageCommand == "" {
		c.Gateway.PrepareMessageCommand = "crm_notification_prepare_message"
	}
	if c.Realtime.HubURL == "" {
		c.Realtime.HubURL = HubURL(c.Active().BaseURL)
	}
	if len(c.Realtime.ReconnectDelays) == 0 {
		c.Realtime.ReconnectDelays = DefaultReconnectDelays()
	}
	if c.Realtime.HandshakeTimeout.Duration == 0 {
		c.Realtime.HandshakeTimeout.Duration = 15 * time.Second
	}
	if c.Realtime.InvokeTimeout.Duration == 0 {
		c.Realtime.InvokeTimeout.Duration = 30 * time.Second
	}
	if c.Realtime.KeepAliveInterval.Duration == 0 {
		c.Realtime.KeepAliveInterval.Duration = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Active returns the selected environment.
func (c *Config) Active() EnvironmentConfig {
	return c.Environments[c.Environment]
}

func (c *Config) environmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeBaseURL trims whitespace and guarantees a single trailing slash so
// endpoint paths can be appended directly.
func NormalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	return strings.TrimRight(base, "/") + "/"
}

// HubURL derives the chat hub URL from the API base URL: a base ending in
// /api gets /hubs/sms-chat appended, anything else /api/hubs/sms-chat.
func HubURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/api") {
		return base + "/hubs/sms-chat"
	}
	return base + "/api/hubs/sms-chat"
}
