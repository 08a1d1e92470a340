// Package config defines the top-level configuration for the deal bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by DEALBOT_* environment
// variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Telegram TelegramConfig `toml:"telegram"`
	OpenAI   OpenAIConfig   `toml:"openai"`
	Engine   EngineConfig   `toml:"engine"`
	Assign   AssignConfig   `toml:"assign"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
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

// S3Config holds S3-compatible object storage parameters for the transcript
// archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TelegramConfig holds Bot API parameters for the messaging transport.
type TelegramConfig struct {
	BotToken       string   `toml:"bot_token"`
	BaseURL        string   `toml:"base_url"` // override for self-hosted Bot API servers
	PollTimeoutSec int      `toml:"poll_timeout_sec"`
	SendInterval   duration `toml:"send_interval"`
}

// OpenAIConfig holds parameters for the LLM conversation adapter.
type OpenAIConfig struct {
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
}

// EngineConfig holds matcher and negotiation parameters.
type EngineConfig struct {
	MatcherInterval      duration `toml:"matcher_interval"`
	MinMargin            float64  `toml:"min_margin"`
	InactivityTimeout    duration `toml:"inactivity_timeout"`
	AdapterMaxRetries    int      `toml:"adapter_max_retries"`
	AdapterRetryBackoff  duration `toml:"adapter_retry_backoff"`
	TransportMaxRetries  int      `toml:"transport_max_retries"`
	ColdSweepInterval    duration `toml:"cold_sweep_interval"`
	SessionLockTTL       duration `toml:"session_lock_ttl"`
	Adapter              string   `toml:"adapter"` // "openai" or "keyword"
}

// AssignConfig holds manager assignment parameters.
type AssignConfig struct {
	Mode               string   `toml:"mode"` // "auto" or "free_pool"
	MaxDealsPerManager int      `toml:"max_deals_per_manager"`
	RetryInterval      duration `toml:"retry_interval"`
}

// NotifyConfig holds notification channel credentials for the audit sink.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimitPerMin caps requests per client IP per minute. Zero disables
	// rate limiting.
	RateLimitPerMin int `toml:"rate_limit_per_min"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns a Config populated with conservative default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dealbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dealbot-transcripts",
			ForcePathStyle: true,
		},
		Telegram: TelegramConfig{
			PollTimeoutSec: 30,
			SendInterval:   duration{time.Second},
		},
		OpenAI: OpenAIConfig{
			Model:   "gpt-4o-mini",
			BaseURL: "https://api.openai.com/v1",
		},
		Engine: EngineConfig{
			MatcherInterval:     duration{10 * time.Minute},
			MinMargin:           0,
			InactivityTimeout:   duration{24 * time.Hour},
			AdapterMaxRetries:   3,
			AdapterRetryBackoff: duration{2 * time.Second},
			TransportMaxRetries: 3,
			ColdSweepInterval:   duration{time.Minute},
			SessionLockTTL:      duration{5 * time.Minute},
			Adapter:             "keyword",
		},
		Assign: AssignConfig{
			Mode:               "free_pool",
			MaxDealsPerManager: 15,
			RetryInterval:      duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Validate checks the configuration for consistency. It is intended to be
// called once after Load.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "full", "engine", "memory":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	switch c.Assign.Mode {
	case "auto", "free_pool":
	default:
		return fmt.Errorf("config: assign.mode must be \"auto\" or \"free_pool\", got %q", c.Assign.Mode)
	}

	switch c.Engine.Adapter {
	case "keyword":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("config: engine.adapter is \"openai\" but openai.api_key is empty")
		}
	default:
		return fmt.Errorf("config: engine.adapter must be \"openai\" or \"keyword\", got %q", c.Engine.Adapter)
	}

	if c.Mode != "memory" {
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			return fmt.Errorf("config: postgres connection is required in mode %q", c.Mode)
		}
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr is required in mode %q", c.Mode)
		}
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("config: telegram.bot_token is required in mode %q", c.Mode)
		}
	}

	if c.Engine.InactivityTimeout.Duration <= 0 {
		return fmt.Errorf("config: engine.inactivity_timeout must be positive")
	}
	if c.Engine.TransportMaxRetries < 1 {
		return fmt.Errorf("config: engine.transport_max_retries must be at least 1")
	}
	if c.Assign.MaxDealsPerManager < 1 {
		return fmt.Errorf("config: assign.max_deals_per_manager must be at least 1")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}

	return nil
}
