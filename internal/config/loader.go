package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STREAMBID_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STREAMBID_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "STREAMBID_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "STREAMBID_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STREAMBID_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STREAMBID_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STREAMBID_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STREAMBID_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STREAMBID_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STREAMBID_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STREAMBID_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STREAMBID_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "STREAMBID_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STREAMBID_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STREAMBID_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STREAMBID_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STREAMBID_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STREAMBID_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "STREAMBID_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STREAMBID_S3_REGION")
	setStr(&cfg.S3.Bucket, "STREAMBID_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STREAMBID_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STREAMBID_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STREAMBID_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STREAMBID_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "STREAMBID_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "STREAMBID_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AuthSecret, "STREAMBID_SERVER_AUTH_SECRET")
	setInt(&cfg.Server.APIRateLimit, "STREAMBID_SERVER_API_RATE_LIMIT")
	setDuration(&cfg.Server.APIRateWindow, "STREAMBID_SERVER_API_RATE_WINDOW")

	// ── Session ──
	setDuration(&cfg.Session.MaxDuration, "STREAMBID_SESSION_MAX_DURATION")
	setDuration(&cfg.Session.DisconnectGrace, "STREAMBID_SESSION_DISCONNECT_GRACE")
	setDuration(&cfg.Session.WatchdogInterval, "STREAMBID_SESSION_WATCHDOG_INTERVAL")

	// ── Auction ──
	setStr(&cfg.Auction.TieBreak, "STREAMBID_AUCTION_TIE_BREAK")
	setInt(&cfg.Auction.BidRateLimit, "STREAMBID_AUCTION_BID_RATE_LIMIT")
	setDuration(&cfg.Auction.BidRateWindow, "STREAMBID_AUCTION_BID_RATE_WINDOW")

	// ── Billing ──
	setStr(&cfg.Billing.ChargePolicy, "STREAMBID_BILLING_CHARGE_POLICY")
	setDuration(&cfg.Billing.MinBillable, "STREAMBID_BILLING_MIN_BILLABLE")
	setDuration(&cfg.Billing.RetryInterval, "STREAMBID_BILLING_RETRY_INTERVAL")

	// ── Payments ──
	setStr(&cfg.Payments.BaseURL, "STREAMBID_PAYMENTS_BASE_URL")
	setStr(&cfg.Payments.APIKey, "STREAMBID_PAYMENTS_API_KEY")
	setDuration(&cfg.Payments.Timeout, "STREAMBID_PAYMENTS_TIMEOUT")

	// ── Presence ──
	setDuration(&cfg.Presence.OnlineTTL, "STREAMBID_PRESENCE_ONLINE_TTL")
	setDuration(&cfg.Presence.LiveTTL, "STREAMBID_PRESENCE_LIVE_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "STREAMBID_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "STREAMBID_ARCHIVE_RETENTION")
	setDuration(&cfg.Archive.Interval, "STREAMBID_ARCHIVE_INTERVAL")
	setBool(&cfg.Archive.Prune, "STREAMBID_ARCHIVE_PRUNE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STREAMBID_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STREAMBID_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STREAMBID_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STREAMBID_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "STREAMBID_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
