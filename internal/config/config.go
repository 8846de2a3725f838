// Package config defines the top-level configuration for a VEIL process
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VEIL_* environment variables.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Cluster  ClusterConfig  `toml:"cluster"`
	Market   MarketConfig   `toml:"market"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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
	KeyPrefix  string `toml:"key_prefix"`
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

// ClusterConfig describes how this process reaches the computation cluster,
// or, in cluster mode, which keys it computes with.
type ClusterConfig struct {
	// Transport is "local" (in-process cluster) or "redis" (request and
	// result streams).
	Transport string `toml:"transport"`
	// Address is the Ethereum address whose signatures the node accepts.
	// Empty in dev mode means "whatever the local cluster signs with".
	Address string `toml:"address"`
	// MXEPublicKey is the hex X25519 key bettors seal envelopes to. Nodes
	// publish it on /api/cluster.
	MXEPublicKey string `toml:"mxe_public_key"`

	SigningKey       string `toml:"signing_key"`
	MXEKey           string `toml:"mxe_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`

	Timeout       duration `toml:"timeout"`
	ReapInterval  duration `toml:"reap_interval"`
	PollInterval  duration `toml:"poll_interval"`
	RequestStream string   `toml:"request_stream"`
	ResultStream  string   `toml:"result_stream"`
}

// MarketConfig holds the limits enforced on market and bet instructions.
type MarketConfig struct {
	MinBet            uint64   `toml:"min_bet"`
	MaxBet            uint64   `toml:"max_bet"`
	MaxQuestionLen    int      `toml:"max_question_len"`
	MaxFeeBps         int      `toml:"max_fee_bps"`
	MinResolutionLead duration `toml:"min_resolution_lead"`
	CacheTTL          duration `toml:"cache_ttl"`
}

// ArchiveConfig controls the settled-market archiver.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	Prefix        string   `toml:"prefix"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is the number of mutating requests one caller may make per
	// RateWindow. Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// Addr returns the listen address for the configured port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "veil",
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
			KeyPrefix:  "veil:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "veil-archive",
			ForcePathStyle: true,
		},
		Cluster: ClusterConfig{
			Transport:     "local",
			Timeout:       duration{2 * time.Minute},
			ReapInterval:  duration{10 * time.Second},
			PollInterval:  duration{250 * time.Millisecond},
			RequestStream: "veil:mpc:requests",
			ResultStream:  "veil:mpc:results",
		},
		Market: MarketConfig{
			MinBet:            1_000_000,
			MaxBet:            1_000_000_000_000,
			MaxQuestionLen:    200,
			MaxFeeBps:         1000,
			MinResolutionLead: duration{time.Minute},
			CacheTTL:          duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{time.Hour},
			RetentionDays: 30,
			Prefix:        "veil",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_resolved", "market_cancelled", "computation_failed"},
		},
		Mode:     "dev",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"dev":     true,
	"node":    true,
	"cluster": true,
}

// validTransports enumerates the accepted values for ClusterConfig.Transport.
var validTransports = map[string]bool{
	"local": true,
	"redis": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("mode %q is not valid (dev, node, cluster)", c.Mode))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Sprintf("log_level %q is not valid (debug, info, warn, error)", c.LogLevel))
	}

	// ── Cluster ──
	if !validTransports[c.Cluster.Transport] {
		errs = append(errs, fmt.Sprintf("cluster.transport %q is not valid (local, redis)", c.Cluster.Transport))
	}
	if c.Cluster.Timeout.Duration <= 0 {
		errs = append(errs, "cluster.timeout must be positive")
	}
	if c.Cluster.ReapInterval.Duration <= 0 {
		errs = append(errs, "cluster.reap_interval must be positive")
	}
	switch c.Mode {
	case "node":
		if c.Cluster.Transport != "redis" {
			errs = append(errs, "node mode requires cluster.transport = \"redis\"")
		}
		if c.Cluster.Address == "" {
			errs = append(errs, "node mode requires cluster.address")
		}
		if c.Cluster.MXEPublicKey == "" {
			errs = append(errs, "node mode requires cluster.mxe_public_key")
		}
		if c.Database.DSN == "" && c.Database.Host == "" {
			errs = append(errs, "database.dsn or database.host is required in node mode")
		}
	case "cluster":
		if c.Cluster.Transport != "redis" {
			errs = append(errs, "cluster mode requires cluster.transport = \"redis\"")
		}
		hasRaw := c.Cluster.SigningKey != "" && c.Cluster.MXEKey != ""
		if !hasRaw && c.Cluster.EncryptedKeyPath == "" {
			errs = append(errs, "cluster mode requires cluster.signing_key and cluster.mxe_key, or cluster.encrypted_key_path")
		}
		if !hasRaw && c.Cluster.EncryptedKeyPath != "" && c.Cluster.KeyPassword == "" {
			errs = append(errs, "cluster.key_password is required with cluster.encrypted_key_path")
		}
	}
	if c.Mode != "dev" && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required outside dev mode")
	}

	// ── Market ──
	if c.Market.MinBet == 0 {
		errs = append(errs, "market.min_bet must be positive")
	}
	if c.Market.MaxBet < c.Market.MinBet {
		errs = append(errs, "market.max_bet must be >= market.min_bet")
	}
	if c.Market.MaxQuestionLen <= 0 {
		errs = append(errs, "market.max_question_len must be positive")
	}
	if c.Market.MaxFeeBps < 0 || c.Market.MaxFeeBps > 10_000 {
		errs = append(errs, "market.max_fee_bps must be between 0 and 10000")
	}
	if c.Market.MinResolutionLead.Duration < 0 {
		errs = append(errs, "market.min_resolution_lead must not be negative")
	}

	// ── Archive ──
	if c.Archive.Enabled {
		if c.Mode != "node" {
			errs = append(errs, "archive.enabled is only supported in node mode")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3.bucket is required when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive.interval must be positive")
		}
		if c.Archive.RetentionDays < 0 {
			errs = append(errs, "archive.retention_days must not be negative")
		}
	}

	// ── Server ──
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server.rate_limit must not be negative")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server.rate_window must be positive when rate_limit is set")
		}
	}

	// ── Notify ──
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify.telegram_token and notify.telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
