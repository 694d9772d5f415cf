package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/rentalnet/guestgate/internal/domain"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if (cfg.Listen.TLSCert == "") != (cfg.Listen.TLSKey == "") {
		return fmt.Errorf("listen: tls_cert and tls_key must be set together")
	}

	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if cfg.Controller.Type != "omada" {
		return fmt.Errorf("unknown controller type: %s", cfg.Controller.Type)
	}
	if cfg.Controller.BaseURL == "" {
		return fmt.Errorf("controller.base_url is required")
	}
	if cfg.Controller.ControllerID == "" {
		return fmt.Errorf("controller.controller_id is required")
	}
	if cfg.Controller.OperatorUsername == "" || cfg.Controller.OperatorPassword == "" {
		return fmt.Errorf("controller operator credentials are required")
	}

	if cfg.Reservation.PollIntervalSeconds <= 0 {
		return fmt.Errorf("reservation.poll_interval_seconds must be > 0")
	}

	if cfg.Portal.RateLimitAttempts < domain.RateLimitAttemptsMin ||
		cfg.Portal.RateLimitAttempts > domain.RateLimitAttemptsMax {
		return fmt.Errorf("portal.rate_limit_attempts must be %d-%d",
			domain.RateLimitAttemptsMin, domain.RateLimitAttemptsMax)
	}
	if cfg.Portal.RateLimitWindowSeconds < domain.RateLimitWindowMin ||
		cfg.Portal.RateLimitWindowSeconds > domain.RateLimitWindowMax {
		return fmt.Errorf("portal.rate_limit_window_seconds must be %d-%d",
			domain.RateLimitWindowMin, domain.RateLimitWindowMax)
	}
	for _, cidr := range cfg.Portal.TrustedProxyCIDRs {
		// Bare IPs are allowed; the extractor widens them to /32 or /128.
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			if net.ParseIP(cidr) == nil {
				return fmt.Errorf("portal.trusted_proxy_cidrs: invalid CIDR or IP %q", cidr)
			}
		}
	}

	if cfg.Security.SessionIdleMinutes <= 0 {
		return fmt.Errorf("security.session_idle_minutes must be > 0")
	}
	if cfg.Security.SessionMaxHours <= 0 {
		return fmt.Errorf("security.session_max_hours must be > 0")
	}
	if cfg.Security.CSRFTokenBytes < 16 {
		return fmt.Errorf("security.csrf_token_bytes must be >= 16")
	}

	if cfg.Cleanup.EventRetentionDays <= 0 {
		return fmt.Errorf("cleanup.event_retention_days must be > 0")
	}
	if cfg.Cleanup.CleanupHourLocal < 0 || cfg.Cleanup.CleanupHourLocal > 23 {
		return fmt.Errorf("cleanup.cleanup_hour_local must be 0-23")
	}

	return nil
}
