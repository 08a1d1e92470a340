package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DEALBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known DEALBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DEALBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DEALBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEALBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEALBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEALBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEALBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DEALBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DEALBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DEALBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DEALBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DEALBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEALBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEALBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEALBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DEALBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DEALBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DEALBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DEALBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DEALBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "DEALBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DEALBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DEALBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DEALBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DEALBOT_S3_FORCE_PATH_STYLE")

	// ── Telegram ──
	setStr(&cfg.Telegram.BotToken, "DEALBOT_TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Telegram.BaseURL, "DEALBOT_TELEGRAM_BASE_URL")
	setInt(&cfg.Telegram.PollTimeoutSec, "DEALBOT_TELEGRAM_POLL_TIMEOUT_SEC")
	setDuration(&cfg.Telegram.SendInterval, "DEALBOT_TELEGRAM_SEND_INTERVAL")

	// ── OpenAI ──
	setStr(&cfg.OpenAI.APIKey, "DEALBOT_OPENAI_API_KEY")
	setStr(&cfg.OpenAI.APIKey, "OPENAI_API_KEY") // compatibility alias
	setStr(&cfg.OpenAI.Model, "DEALBOT_OPENAI_MODEL")
	setStr(&cfg.OpenAI.BaseURL, "DEALBOT_OPENAI_BASE_URL")

	// ── Engine ──
	setDuration(&cfg.Engine.MatcherInterval, "DEALBOT_ENGINE_MATCHER_INTERVAL")
	setFloat64(&cfg.Engine.MinMargin, "DEALBOT_ENGINE_MIN_MARGIN")
	setDuration(&cfg.Engine.InactivityTimeout, "DEALBOT_ENGINE_INACTIVITY_TIMEOUT")
	setInt(&cfg.Engine.AdapterMaxRetries, "DEALBOT_ENGINE_ADAPTER_MAX_RETRIES")
	setDuration(&cfg.Engine.AdapterRetryBackoff, "DEALBOT_ENGINE_ADAPTER_RETRY_BACKOFF")
	setInt(&cfg.Engine.TransportMaxRetries, "DEALBOT_ENGINE_TRANSPORT_MAX_RETRIES")
	setDuration(&cfg.Engine.ColdSweepInterval, "DEALBOT_ENGINE_COLD_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.SessionLockTTL, "DEALBOT_ENGINE_SESSION_LOCK_TTL")
	setStr(&cfg.Engine.Adapter, "DEALBOT_ENGINE_ADAPTER")

	// ── Assign ──
	setStr(&cfg.Assign.Mode, "DEALBOT_ASSIGN_MODE")
	setInt(&cfg.Assign.MaxDealsPerManager, "DEALBOT_ASSIGN_MAX_DEALS_PER_MANAGER")
	setDuration(&cfg.Assign.RetryInterval, "DEALBOT_ASSIGN_RETRY_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DEALBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DEALBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DEALBOT_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DEALBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DEALBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "DEALBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "DEALBOT_SERVER_RATE_LIMIT_PER_MIN")

	// ── Top-level ──
	setStr(&cfg.Mode, "DEALBOT_MODE")
	setStr(&cfg.LogLevel, "DEALBOT_LOG_LEVEL")
}

func setStr(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
