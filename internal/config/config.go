// Package config defines the top-level configuration for the streambid
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by STREAMBID_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Session  SessionConfig  `toml:"session"`
	Auction  AuctionConfig  `toml:"auction"`
	Billing  BillingConfig  `toml:"billing"`
	Payments PaymentsConfig `toml:"payments"`
	Presence PresenceConfig `toml:"presence"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP/WebSocket server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// AuthSecret signs client tokens. Empty disables authentication
	// (development only).
	AuthSecret string `toml:"auth_secret"`
	// APIRateLimit caps REST requests per client IP per api_rate_window.
	// Zero disables the limiter.
	APIRateLimit  int      `toml:"api_rate_limit"`
	APIRateWindow duration `toml:"api_rate_window"`
}

// SessionConfig holds stream session lifecycle parameters.
type SessionConfig struct {
	// MaxDuration force-ends sessions running longer than this.
	MaxDuration duration `toml:"max_duration"`
	// DisconnectGrace is how long a call-slot occupant may be offline before
	// the slot is vacated.
	DisconnectGrace  duration `toml:"disconnect_grace"`
	WatchdogInterval duration `toml:"watchdog_interval"`
}

// AuctionConfig holds bid auction parameters.
type AuctionConfig struct {
	// TieBreak selects the equal-amount policy: "fifo" or "replace".
	TieBreak string `toml:"tie_break"`
	// BidRateLimit caps place_bid calls per user per bid_rate_window.
	BidRateLimit  int      `toml:"bid_rate_limit"`
	BidRateWindow duration `toml:"bid_rate_window"`
}

// BillingConfig holds charge computation parameters.
type BillingConfig struct {
	// ChargePolicy is "flat" (full bid amount) or "prorated" (per-minute).
	ChargePolicy string `toml:"charge_policy"`
	// MinBillable is the duration floor for prorated charges.
	MinBillable duration `toml:"min_billable"`
	// RetryInterval is the reconciler poll period for failed charges.
	RetryInterval duration `toml:"retry_interval"`
}

// PaymentsConfig holds the external payment gateway parameters.
type PaymentsConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// PresenceConfig holds liveness tracking parameters.
type PresenceConfig struct {
	// OnlineTTL is how long a heartbeat keeps a user online.
	OnlineTTL duration `toml:"online_ttl"`
	// LiveTTL bounds the streaming flag in case a live marker leaks.
	LiveTTL duration `toml:"live_ttl"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled bool `toml:"enabled"`
	// Retention is how long ended records stay in Postgres.
	Retention duration `toml:"retention"`
	Interval  duration `toml:"interval"`
	// Prune deletes archived sessions from the primary store.
	Prune bool `toml:"prune"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "streambid",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "streambid-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			APIRateLimit:  50,
			APIRateWindow: duration{time.Second},
		},
		Session: SessionConfig{
			MaxDuration:      duration{4 * time.Hour},
			DisconnectGrace:  duration{30 * time.Second},
			WatchdogInterval: duration{time.Minute},
		},
		Auction: AuctionConfig{
			TieBreak:      "fifo",
			BidRateLimit:  10,
			BidRateWindow: duration{10 * time.Second},
		},
		Billing: BillingConfig{
			ChargePolicy:  "prorated",
			MinBillable:   duration{time.Minute},
			RetryInterval: duration{30 * time.Second},
		},
		Payments: PaymentsConfig{
			Timeout: duration{15 * time.Second},
		},
		Presence: PresenceConfig{
			OnlineTTL: duration{45 * time.Second},
			LiveTTL:   duration{6 * time.Hour},
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Retention: duration{30 * 24 * time.Hour},
			Interval:  duration{6 * time.Hour},
			Prune:     false,
		},
		Notify: NotifyConfig{
			Events: []string{"billing_failed", "session_watchdog", "error"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validTieBreaks enumerates the accepted values for Auction.TieBreak.
var validTieBreaks = map[string]bool{
	"fifo":    true,
	"replace": true,
}

// validChargePolicies enumerates the accepted values for Billing.ChargePolicy.
var validChargePolicies = map[string]bool{
	"flat":     true,
	"prorated": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — required only when archival is enabled.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Session
	if c.Session.MaxDuration.Duration <= 0 {
		errs = append(errs, "session: max_duration must be > 0")
	}
	if c.Session.DisconnectGrace.Duration <= 0 {
		errs = append(errs, "session: disconnect_grace must be > 0")
	}

	// Auction
	if !validTieBreaks[strings.ToLower(c.Auction.TieBreak)] {
		errs = append(errs, fmt.Sprintf("auction: unknown tie_break %q (valid: fifo, replace)", c.Auction.TieBreak))
	}
	if c.Auction.BidRateLimit < 1 {
		errs = append(errs, "auction: bid_rate_limit must be >= 1")
	}

	// Billing
	if !validChargePolicies[strings.ToLower(c.Billing.ChargePolicy)] {
		errs = append(errs, fmt.Sprintf("billing: unknown charge_policy %q (valid: flat, prorated)", c.Billing.ChargePolicy))
	}
	if c.Billing.MinBillable.Duration < 0 {
		errs = append(errs, "billing: min_billable must be >= 0")
	}

	// Payments — the gateway is required: every accepted bid produces a charge.
	if c.Payments.BaseURL == "" {
		errs = append(errs, "payments: base_url must not be empty")
	}
	if c.Payments.APIKey == "" {
		errs = append(errs, "payments: api_key must not be empty")
	}

	// Presence
	if c.Presence.OnlineTTL.Duration <= 0 {
		errs = append(errs, "presence: online_ttl must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
