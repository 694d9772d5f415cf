// Package config defines the portal configuration file format.
package config

import "time"

// Config is the root configuration object.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Controller  ControllerConfig  `yaml:"controller"`
	Reservation ReservationConfig `yaml:"reservation"`
	Portal      PortalConfig      `yaml:"portal"`
	Security    SecurityConfig    `yaml:"security"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
}

// ListenConfig configures the HTTP listener.
type ListenConfig struct {
	Address  string `yaml:"address"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
}

// TLS reports whether the portal is served over TLS. Guest cookie
// Secure flags key off this.
func (l ListenConfig) TLS() bool {
	return l.TLSCert != "" && l.TLSKey != ""
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ControllerConfig configures the Wi-Fi controller connection.
type ControllerConfig struct {
	Type             string        `yaml:"type"`
	BaseURL          string        `yaml:"base_url"`
	ControllerID     string        `yaml:"controller_id"`
	SiteID           string        `yaml:"site_id"`
	OperatorUsername string        `yaml:"operator_username"`
	OperatorPassword string        `yaml:"operator_password"`
	AllowSelfSigned  bool          `yaml:"allow_self_signed"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// ReservationConfig configures the reservation source API.
type ReservationConfig struct {
	BaseURL             string        `yaml:"base_url"`
	Token               string        `yaml:"token"`
	PollIntervalSeconds int           `yaml:"poll_interval_seconds"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
}

// PortalConfig configures guest portal behavior not kept in the DB.
type PortalConfig struct {
	RateLimitAttempts      int      `yaml:"rate_limit_attempts"`
	RateLimitWindowSeconds int      `yaml:"rate_limit_window_seconds"`
	SuccessRedirectURL     string   `yaml:"success_redirect_url"`
	TrustedProxyCIDRs      []string `yaml:"trusted_proxy_cidrs"`
	RedirectHostWhitelist  []string `yaml:"redirect_host_whitelist"`
	MACHeaders             []string `yaml:"mac_headers"`
}

// SecurityConfig configures admin sessions and CSRF tokens.
type SecurityConfig struct {
	SessionIdleMinutes int `yaml:"session_idle_minutes"`
	SessionMaxHours    int `yaml:"session_max_hours"`
	CSRFTokenBytes     int `yaml:"csrf_token_bytes"`
}

// CleanupConfig configures retention sweeps.
type CleanupConfig struct {
	EventRetentionDays int `yaml:"event_retention_days"`
	CleanupHourLocal   int `yaml:"cleanup_hour_local"`
}

// BootstrapConfig seeds the initial admin account on an empty store.
type BootstrapConfig struct {
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
	AdminEmail    string `yaml:"admin_email"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: ":8080",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Controller: ControllerConfig{
			Type:           "omada",
			SiteID:         "Default",
			RequestTimeout: 10 * time.Second,
		},
		Reservation: ReservationConfig{
			PollIntervalSeconds: 60,
			RequestTimeout:      30 * time.Second,
		},
		Portal: PortalConfig{
			RateLimitAttempts:      5,
			RateLimitWindowSeconds: 60,
			SuccessRedirectURL:     "/guest/welcome",
			TrustedProxyCIDRs: []string{
				"10.0.0.0/8",
				"172.16.0.0/12",
				"192.168.0.0/16",
				"127.0.0.0/8",
				"::1/128",
			},
			MACHeaders: []string{"X-MAC-Address", "X-Client-Mac", "Client-MAC"},
		},
		Security: SecurityConfig{
			SessionIdleMinutes: 30,
			SessionMaxHours:    8,
			CSRFTokenBytes:     32,
		},
		Cleanup: CleanupConfig{
			EventRetentionDays: 7,
			CleanupHourLocal:   3,
		},
	}
}
