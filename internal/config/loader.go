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
// built-in defaults, applies VEIL_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VEIL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "VEIL_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "VEIL_DATABASE_HOST")
	setInt(&cfg.Database.Port, "VEIL_DATABASE_PORT")
	setStr(&cfg.Database.Database, "VEIL_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "VEIL_DATABASE_USER")
	setStr(&cfg.Database.Password, "VEIL_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "VEIL_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "VEIL_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "VEIL_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "VEIL_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "VEIL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VEIL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VEIL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VEIL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VEIL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VEIL_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "VEIL_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "VEIL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VEIL_S3_REGION")
	setStr(&cfg.S3.Bucket, "VEIL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VEIL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VEIL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VEIL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VEIL_S3_FORCE_PATH_STYLE")

	// ── Cluster ──
	setStr(&cfg.Cluster.Transport, "VEIL_CLUSTER_TRANSPORT")
	setStr(&cfg.Cluster.Address, "VEIL_CLUSTER_ADDRESS")
	setStr(&cfg.Cluster.MXEPublicKey, "VEIL_CLUSTER_MXE_PUBLIC_KEY")
	setStr(&cfg.Cluster.SigningKey, "VEIL_CLUSTER_SIGNING_KEY")
	setStr(&cfg.Cluster.MXEKey, "VEIL_CLUSTER_MXE_KEY")
	setStr(&cfg.Cluster.EncryptedKeyPath, "VEIL_CLUSTER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Cluster.KeyPassword, "VEIL_CLUSTER_KEY_PASSWORD")
	setDuration(&cfg.Cluster.Timeout, "VEIL_CLUSTER_TIMEOUT")
	setDuration(&cfg.Cluster.ReapInterval, "VEIL_CLUSTER_REAP_INTERVAL")
	setDuration(&cfg.Cluster.PollInterval, "VEIL_CLUSTER_POLL_INTERVAL")
	setStr(&cfg.Cluster.RequestStream, "VEIL_CLUSTER_REQUEST_STREAM")
	setStr(&cfg.Cluster.ResultStream, "VEIL_CLUSTER_RESULT_STREAM")

	// ── Market ──
	setUint64(&cfg.Market.MinBet, "VEIL_MARKET_MIN_BET")
	setUint64(&cfg.Market.MaxBet, "VEIL_MARKET_MAX_BET")
	setInt(&cfg.Market.MaxQuestionLen, "VEIL_MARKET_MAX_QUESTION_LEN")
	setInt(&cfg.Market.MaxFeeBps, "VEIL_MARKET_MAX_FEE_BPS")
	setDuration(&cfg.Market.MinResolutionLead, "VEIL_MARKET_MIN_RESOLUTION_LEAD")
	setDuration(&cfg.Market.CacheTTL, "VEIL_MARKET_CACHE_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "VEIL_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "VEIL_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "VEIL_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Prefix, "VEIL_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VEIL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VEIL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VEIL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VEIL_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "VEIL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "VEIL_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VEIL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VEIL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VEIL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VEIL_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "VEIL_MODE")
	setStr(&cfg.LogLevel, "VEIL_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
