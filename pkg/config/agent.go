package config

import (
	"os"
	"path/filepath"
	"strings"
)

// AgentConfig configures the router agent.
type AgentConfig struct {
	Server    ConnectionConfig `yaml:"server"`
	Identity  IdentityConfig   `yaml:"identity"`
	Device    DeviceConfig     `yaml:"device"`
	Reporting ReportingConfig  `yaml:"reporting"`
	Health    HealthConfig     `yaml:"health"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

type ConnectionConfig struct {
	URL             string `yaml:"url"`
	EnrollToken     string `yaml:"enroll_token"`
	EnrollTokenFile string `yaml:"enroll_token_file"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
	// AllowInsecureHTTP permits http:// server URLs for lab setups.
	AllowInsecureHTTP bool `yaml:"allow_insecure_http"`
}

type IdentityConfig struct {
	Path string `yaml:"path"`
}

// DeviceConfig overrides values the agent would otherwise detect.
type DeviceConfig struct {
	Hostname        string `yaml:"hostname"`
	Vendor          string `yaml:"vendor"`
	Model           string `yaml:"model"`
	MacAddress      string `yaml:"mac_address"`
	LanIP           string `yaml:"lan_ip"`
	WanIP           string `yaml:"wan_ip"`
	FirmwareVersion string `yaml:"firmware_version"`
}

type ReportingConfig struct {
	Interval int `yaml:"interval_s"`
	Jitter   int `yaml:"jitter_s"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

// DefaultAgentConfig returns a config with sensible defaults
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: ConnectionConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  30,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Identity: IdentityConfig{
			Path: "/etc/defenderhub/router.json",
		},
		Device: DeviceConfig{
			Vendor: "generic",
		},
		Reporting: ReportingConfig{
			Interval: 300,
			Jitter:   30,
		},
		Health: HealthConfig{
			TimeDriftMaxS: 120,
		},
		Logging: LoggingConfig{
			Level:         "info",
			HumanReadable: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// LoadAgent reads config from file with env var overrides
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}

	envOverride("SERVER_URL", &cfg.Server.URL)
	envOverride("ENROLL_TOKEN", &cfg.Server.EnrollToken)
	envOverride("ENROLL_TOKEN_FILE", &cfg.Server.EnrollTokenFile)
	envOverride("IDENTITY_PATH", &cfg.Identity.Path)
	envOverride("LOG_LEVEL", &cfg.Logging.Level)

	if cfg.Server.EnrollToken == "" && cfg.Server.EnrollTokenFile == "" {
		if defaultPath := defaultTokenPath(path); defaultPath != "" {
			cfg.Server.EnrollTokenFile = defaultPath
		}
	}

	return cfg, nil
}

func defaultTokenPath(configPath string) string {
	if configPath == "" {
		return ""
	}
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "enroll.token")
}

// EnrollmentToken returns the inline token or the trimmed content of the
// token file.
func (c *AgentConfig) EnrollmentToken() (string, error) {
	if c.Server.EnrollToken != "" {
		return strings.TrimSpace(c.Server.EnrollToken), nil
	}
	if c.Server.EnrollTokenFile == "" {
		return "", ErrMissingEnrollToken
	}
	data, err := os.ReadFile(c.Server.EnrollTokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrMissingEnrollToken
		}
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrMissingEnrollToken
	}
	return token, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if c.Reporting.Interval < 10 {
		return ErrInvalidInterval
	}
	if !strings.HasPrefix(c.Server.URL, "https://") &&
		!(c.Server.AllowInsecureHTTP && strings.HasPrefix(c.Server.URL, "http://")) {
		return &Error{"server URL must be https"}
	}
	c.Server.URL = strings.TrimRight(c.Server.URL, "/")
	if c.Identity.Path == "" {
		return &Error{"identity path is required"}
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Reporting.Jitter < 0 {
		c.Reporting.Jitter = 0
	}
	c.Tracing.normalize()
	return nil
}

var (
	ErrMissingServerURL   = &Error{"server URL is required"}
	ErrInvalidInterval    = &Error{"reporting interval must be >= 10s"}
	ErrMissingEnrollToken = &Error{"enrollment token is required"}
)
