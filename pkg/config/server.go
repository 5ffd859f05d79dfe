package config

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ServerConfig configures the check-in service.
type ServerConfig struct {
	Listen        string `yaml:"listen"`
	PublicBaseURL string `yaml:"public_base_url"`
	// AdminToken guards the admin API. Empty disables it.
	AdminToken           string        `yaml:"admin_token"`
	TokenHashSalt        string        `yaml:"token_hash_salt"`
	RedactInternalErrors bool          `yaml:"redact_internal_errors"`
	CORSAllowedOrigin    string        `yaml:"cors_allowed_origin"`
	EndpointTokenTTL     time.Duration `yaml:"endpoint_token_ttl"`
	RouterTokenTTL       time.Duration `yaml:"router_token_ttl"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is
	// believed. Empty means the peer address is always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Database  DatabaseConfig  `yaml:"database"`
	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RetentionConfig struct {
	// Schedule is a cron spec; empty disables the background sweep.
	Schedule            string        `yaml:"schedule"`
	StatusWindow        time.Duration `yaml:"status_window"`
	AgentLogWindow      time.Duration `yaml:"agent_log_window"`
	StatusBatch         int           `yaml:"status_batch"`
	EventLogBatch       int           `yaml:"event_log_batch"`
	DefaultEventLogDays int           `yaml:"default_event_log_days"`
}

type RateLimitConfig struct {
	RegisterPerMinute int `yaml:"register_per_minute"`
	EnrollPerMinute   int `yaml:"enroll_per_minute"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultServerConfig returns a config suitable for local development.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:            ":8080",
		PublicBaseURL:     "http://localhost:8080",
		CORSAllowedOrigin: "*",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "defenderhub.db",
		},
		Retention: RetentionConfig{
			Schedule:            "@every 1h",
			StatusWindow:        24 * time.Hour,
			AgentLogWindow:      7 * 24 * time.Hour,
			StatusBatch:         500,
			EventLogBatch:       1000,
			DefaultEventLogDays: 30,
		},
		RateLimit: RateLimitConfig{
			RegisterPerMinute: 30,
			EnrollPerMinute:   10,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadServer reads the server config from path, then applies env overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}

	envOverride("LISTEN", &cfg.Listen)
	envOverride("DATABASE_DSN", &cfg.Database.DSN)
	envOverride("DATABASE_DRIVER", &cfg.Database.Driver)
	envOverride("PUBLIC_BASE_URL", &cfg.PublicBaseURL)
	envOverride("ADMIN_TOKEN", &cfg.AdminToken)
	envOverride("TOKEN_HASH_SALT", &cfg.TokenHashSalt)
	envOverride("LOG_LEVEL", &cfg.Logging.Level)

	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return ErrMissingListen
	}
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{"public_base_url must be an absolute http(s) URL"}
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")

	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite":
		c.Database.Driver = "sqlite"
	case "postgres", "postgresql":
		c.Database.Driver = "postgres"
	default:
		return &Error{"database.driver must be sqlite or postgres"}
	}
	if c.Database.DSN == "" {
		return &Error{"database.dsn is required"}
	}
	if c.AdminToken != "" && len(c.AdminToken) < 16 {
		return &Error{"admin_token must be at least 16 characters"}
	}
	if c.CORSAllowedOrigin == "" {
		c.CORSAllowedOrigin = "*"
	}
	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return &Error{"trusted_proxies: invalid address " + p}
		}
	}
	if c.EndpointTokenTTL < 0 || c.RouterTokenTTL < 0 {
		return &Error{"token ttl must not be negative"}
	}

	if c.Retention.Schedule != "" {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			return &Error{"retention.schedule: " + err.Error()}
		}
	}
	if c.Retention.StatusWindow <= 0 {
		c.Retention.StatusWindow = 24 * time.Hour
	}
	if c.Retention.AgentLogWindow <= 0 {
		c.Retention.AgentLogWindow = 7 * 24 * time.Hour
	}
	if c.Retention.DefaultEventLogDays <= 0 {
		c.Retention.DefaultEventLogDays = 30
	}
	if c.RateLimit.RegisterPerMinute < 0 || c.RateLimit.EnrollPerMinute < 0 {
		return &Error{"rate limits must not be negative"}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	c.Tracing.normalize()
	return nil
}

var ErrMissingListen = &Error{"listen address is required"}
