package config

import "time"

// Config holds bridge configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`

	// Matrix homeserver connection.
	HomeserverURL     string        `mapstructure:"homeserver_url" yaml:"homeserver_url"`
	MatrixAccessToken string        `mapstructure:"matrix_access_token" yaml:"matrix_access_token"`
	MatrixUserID      string        `mapstructure:"matrix_user_id" yaml:"matrix_user_id"`
	SyncTimeout       time.Duration `mapstructure:"sync_timeout" yaml:"sync_timeout"`

	// CRM (Odoo-compatible JSON-RPC) connection.
	CRMURL      string `mapstructure:"crm_url" yaml:"crm_url"`
	CRMDatabase string `mapstructure:"crm_database" yaml:"crm_database"`
	CRMUsername string `mapstructure:"crm_username" yaml:"crm_username"`
	CRMPassword string `mapstructure:"crm_password" yaml:"crm_password"`

	// Webhook signature secrets. Empty disables verification for that hook.
	MatrixWebhookSecret string `mapstructure:"matrix_webhook_secret" yaml:"matrix_webhook_secret"`
	CRMWebhookSecret    string `mapstructure:"crm_webhook_secret" yaml:"crm_webhook_secret"`

	// Admin API authentication.
	JWTSecret         string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer         string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience       string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	AdminUsername     string `mapstructure:"admin_username" yaml:"admin_username"`
	AdminPasswordHash string `mapstructure:"admin_password_hash" yaml:"admin_password_hash"`

	// WebhookRateLimit caps webhook requests per minute. Zero disables.
	WebhookRateLimit int `mapstructure:"webhook_rate_limit" yaml:"webhook_rate_limit"`

	// MonitorCapacity bounds the recent-event ring used by /ws/events.
	MonitorCapacity int `mapstructure:"monitor_capacity" yaml:"monitor_capacity"`

	// Outbox delivery tuning.
	OutboxInterval    time.Duration `mapstructure:"outbox_interval" yaml:"outbox_interval"`
	OutboxMaxAttempts int           `mapstructure:"outbox_max_attempts" yaml:"outbox_max_attempts"`
	OutboxBaseBackoff time.Duration `mapstructure:"outbox_base_backoff" yaml:"outbox_base_backoff"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		DatabasePath:      "bridge.db",
		HomeserverURL:     "http://localhost:8008",
		SyncTimeout:       30 * time.Second,
		JWTIssuer:         "matrix-crm-bridge",
		JWTAudience:       "bridge-admin",
		WebhookRateLimit:  120,
		MonitorCapacity:   100,
		OutboxInterval:    time.Second,
		OutboxMaxAttempts: 8,
		OutboxBaseBackoff: 2 * time.Second,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Used to layer command-line flag overrides on top of the loaded file.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.HomeserverURL != "" {
		c.HomeserverURL = other.HomeserverURL
	}
}
