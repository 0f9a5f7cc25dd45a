// Package config provides configuration management for the whale tracker.
// Values come from defaults, an optional YAML file named by CONFIG_FILE,
// a .env file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/types"
)

// Config holds all application configuration
type Config struct {
	Ops         OpsConfig         `mapstructure:"ops"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Market      MarketConfig      `mapstructure:"market"`
	Zones       ZonesConfig       `mapstructure:"zones"`
	Patterns    PatternsConfig    `mapstructure:"patterns"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// OpsConfig holds the operational HTTP server configuration
type OpsConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Store selects the primary event store: memory, sqlite or postgres
	Store      string           `mapstructure:"store"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	// OpTimeout bounds every event store call
	OpTimeout time.Duration `mapstructure:"op_timeout"`
	// WriteAttempts is the retry ceiling for store writes before a component halts
	WriteAttempts int `mapstructure:"write_attempts"`
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           string `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// URL returns the connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string `mapstructure:"host"`
	Port           string `mapstructure:"port"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// SQLiteConfig holds the embedded store configuration
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ChainConfig holds the blockchain feed configuration
type ChainConfig struct {
	Name  string `mapstructure:"name"`
	// WSURL is one websocket endpoint or a comma-separated failover list
	WSURL            string        `mapstructure:"ws_url"`
	EndpointCooldown time.Duration `mapstructure:"endpoint_cooldown"`
	// HighThresholdETH and LowThresholdETH classify transfers; below low is discarded
	HighThresholdETH  float64       `mapstructure:"high_threshold_eth"`
	LowThresholdETH   float64       `mapstructure:"low_threshold_eth"`
	ExchangeAddresses []string      `mapstructure:"exchange_addresses"`
	MaxCatchupBlocks  int           `mapstructure:"max_catchup_blocks"`
	BlockFetchRPS     float64       `mapstructure:"block_fetch_rps"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	FallbackETHPrice  float64       `mapstructure:"fallback_eth_price_usd"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
}

// MarketConfig holds the exchange feed configuration
type MarketConfig struct {
	Exchange              string        `mapstructure:"exchange"`
	Symbol                string        `mapstructure:"symbol"`
	StreamURL             string        `mapstructure:"stream_url"`
	RESTBaseURL           string        `mapstructure:"rest_base_url"`
	APIKey                string        `mapstructure:"api_key"`
	APISecret             string        `mapstructure:"api_secret"`
	TopK                  int           `mapstructure:"top_k"`
	ImbalanceThreshold    float64       `mapstructure:"imbalance_threshold"`
	ImbalanceWindow       int           `mapstructure:"imbalance_window"`
	SweepThresholdUSD     float64       `mapstructure:"sweep_threshold_usd"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	BackfillOverlap       time.Duration `mapstructure:"backfill_overlap"`
	BackfillPageSize      int           `mapstructure:"backfill_page_size"`
	MonotonicTolerance    time.Duration `mapstructure:"monotonic_tolerance"`
	RESTRequestsPerSecond float64       `mapstructure:"rest_rps"`
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	ReconnectBase         time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax          time.Duration `mapstructure:"reconnect_max"`
}

// ZonesConfig holds the per-timeframe bucketing and expiry configuration
type ZonesConfig struct {
	Tick1m  float64       `mapstructure:"tick_1m"`
	Tick5m  float64       `mapstructure:"tick_5m"`
	Tick15m float64       `mapstructure:"tick_15m"`
	TTL1m   time.Duration `mapstructure:"ttl_1m"`
	TTL5m   time.Duration `mapstructure:"ttl_5m"`
	TTL15m  time.Duration `mapstructure:"ttl_15m"`
}

// TickSize returns the bucket width in quote currency for a timeframe
func (z ZonesConfig) TickSize(tf types.Timeframe) float64 {
	switch tf {
	case types.Timeframe1m:
		return z.Tick1m
	case types.Timeframe5m:
		return z.Tick5m
	case types.Timeframe15m:
		return z.Tick15m
	default:
		return 0
	}
}

// TTL returns the inactivity limit after which a zone is pruned
func (z ZonesConfig) TTL(tf types.Timeframe) time.Duration {
	switch tf {
	case types.Timeframe1m:
		return z.TTL1m
	case types.Timeframe5m:
		return z.TTL5m
	case types.Timeframe15m:
		return z.TTL15m
	default:
		return 0
	}
}

// PatternsConfig holds pattern detection configuration
type PatternsConfig struct {
	Window          time.Duration `mapstructure:"window"`
	MinZoneStrength int           `mapstructure:"min_zone_strength"`
	ConfirmTicks    int           `mapstructure:"confirm_ticks"`
	Expiry          time.Duration `mapstructure:"expiry"`
	EvaluateEvery   time.Duration `mapstructure:"evaluate_every"`
	// AlertConfidence is the confidence at which a detected pattern alerts at medium priority
	AlertConfidence float64 `mapstructure:"alert_confidence"`
}

// AlertsConfig holds alert dispatch configuration
type AlertsConfig struct {
	MaxPerWindow     int           `mapstructure:"max_per_window"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	Backend          string        `mapstructure:"backend"`
	Sink             string        `mapstructure:"sink"`
	WebhookURL       string        `mapstructure:"webhook_url"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	TelegramToken    string        `mapstructure:"telegram_token"`
	TelegramChatID   int64         `mapstructure:"telegram_chat_id"`
	DeliveryAttempts int           `mapstructure:"delivery_attempts"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	QueueSize        int           `mapstructure:"queue_size"`
	Retention        time.Duration `mapstructure:"retention"`
	ExplorerTxURL    string        `mapstructure:"explorer_tx_url"`
}

// AggregationConfig holds rollup and retention configuration
type AggregationConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RetentionDays int           `mapstructure:"retention_days"`
	// WriteGrace is how long a store write may take to become visible after it is stamped
	WriteGrace time.Duration `mapstructure:"write_grace"`
}

// Retention returns the raw row retention window
func (a AggregationConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from .env file, an optional config file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	// chain.high_threshold_eth is read from CHAIN_HIGH_THRESHOLD_ETH
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Chain.ExchangeAddresses = normalizeList(cfg.Chain.ExchangeAddresses)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("ops.host", "0.0.0.0")
	v.SetDefault("ops.port", "8080")
	v.SetDefault("ops.shutdown_timeout", "30s")

	v.SetDefault("database.store", "sqlite")
	v.SetDefault("database.op_timeout", "5s")
	v.SetDefault("database.write_attempts", 5)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", "5432")
	v.SetDefault("database.postgres.database", "whale_tracker")
	v.SetDefault("database.postgres.user", "tracker")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.max_connections", 20)
	v.SetDefault("database.clickhouse.enabled", false)
	v.SetDefault("database.clickhouse.host", "localhost")
	v.SetDefault("database.clickhouse.port", "9000")
	v.SetDefault("database.clickhouse.database", "whale_tracker")
	v.SetDefault("database.clickhouse.user", "default")
	v.SetDefault("database.clickhouse.password", "")
	v.SetDefault("database.redis.host", "localhost")
	v.SetDefault("database.redis.port", "6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("database.redis.max_connections", 20)
	v.SetDefault("database.sqlite.path", "./data/whale-tracker.db")

	// Thresholds follow the 800/300 ETH tiering
	v.SetDefault("chain.name", "ethereum")
	v.SetDefault("chain.ws_url", "ws://localhost:8546")
	v.SetDefault("chain.endpoint_cooldown", "60s")
	v.SetDefault("chain.high_threshold_eth", 800.0)
	v.SetDefault("chain.low_threshold_eth", 300.0)
	v.SetDefault("chain.exchange_addresses", []string{
		"0x28c6c06298d514db089934071355e5743bf21d60", // Binance 14
		"0x9696f59e4d72e237be84ffd425dcad154bf96976", // Coinbase 5
		"0x6cc5f688a315f3dc28a7781717a9a798a59fda7b", // OKX
	})
	v.SetDefault("chain.max_catchup_blocks", 50)
	v.SetDefault("chain.block_fetch_rps", 10.0)
	v.SetDefault("chain.call_timeout", "10s")
	v.SetDefault("chain.fallback_eth_price_usd", 1800.0)
	v.SetDefault("chain.reconnect_base", "1s")
	v.SetDefault("chain.reconnect_max", "60s")

	v.SetDefault("market.exchange", "binance")
	v.SetDefault("market.symbol", "ETHUSDT")
	v.SetDefault("market.stream_url", "wss://fstream.binance.com")
	v.SetDefault("market.rest_base_url", "")
	v.SetDefault("market.api_key", "")
	v.SetDefault("market.api_secret", "")
	v.SetDefault("market.top_k", 20)
	v.SetDefault("market.imbalance_threshold", 0.70)
	v.SetDefault("market.imbalance_window", 60)
	v.SetDefault("market.sweep_threshold_usd", 2000000.0)
	v.SetDefault("market.poll_interval", "30s")
	v.SetDefault("market.backfill_overlap", "10s")
	v.SetDefault("market.backfill_page_size", 100)
	v.SetDefault("market.monotonic_tolerance", "5s")
	v.SetDefault("market.rest_rps", 5.0)
	v.SetDefault("market.call_timeout", "10s")
	v.SetDefault("market.read_timeout", "70s")
	v.SetDefault("market.reconnect_base", "1s")
	v.SetDefault("market.reconnect_max", "60s")

	v.SetDefault("zones.tick_1m", 1.0)
	v.SetDefault("zones.tick_5m", 5.0)
	v.SetDefault("zones.tick_15m", 10.0)
	v.SetDefault("zones.ttl_1m", "15m")
	v.SetDefault("zones.ttl_5m", "1h")
	v.SetDefault("zones.ttl_15m", "6h")

	v.SetDefault("patterns.window", "5m")
	v.SetDefault("patterns.min_zone_strength", 3)
	v.SetDefault("patterns.confirm_ticks", 2)
	v.SetDefault("patterns.expiry", "30m")
	v.SetDefault("patterns.evaluate_every", "10s")
	v.SetDefault("patterns.alert_confidence", 0.6)

	v.SetDefault("alerts.max_per_window", 3)
	v.SetDefault("alerts.window", "60s")
	v.SetDefault("alerts.cooldown", "5m")
	v.SetDefault("alerts.backend", "memory")
	v.SetDefault("alerts.sink", "webhook")
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.send_timeout", "10s")
	v.SetDefault("alerts.telegram_token", "")
	v.SetDefault("alerts.telegram_chat_id", 0)
	v.SetDefault("alerts.delivery_attempts", 3)
	v.SetDefault("alerts.retry_base", "1s")
	v.SetDefault("alerts.queue_size", 256)
	v.SetDefault("alerts.retention", "168h")
	v.SetDefault("alerts.explorer_tx_url", "https://etherscan.io/tx/")

	v.SetDefault("aggregation.interval", "60s")
	v.SetDefault("aggregation.retention_days", 30)
	v.SetDefault("aggregation.write_grace", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid.
// Every failure is fatal: the process cannot run with it.
func (c *Config) Validate() error {
	switch c.Database.Store {
	case "memory", "sqlite", "postgres":
	default:
		return apperrors.NewConfigError("database.store", "must be memory, sqlite or postgres")
	}
	if c.Database.Store == "sqlite" && c.Database.SQLite.Path == "" {
		return apperrors.NewConfigError("database.sqlite.path", "required for sqlite store")
	}
	if c.Database.WriteAttempts < 1 {
		return apperrors.NewConfigError("database.write_attempts", "must be at least 1")
	}

	if c.Chain.LowThresholdETH <= 0 {
		return apperrors.NewConfigError("chain.low_threshold_eth", "must be positive")
	}
	if c.Chain.HighThresholdETH < c.Chain.LowThresholdETH {
		return apperrors.NewConfigError("chain.high_threshold_eth", "must not be below the low threshold")
	}
	if c.Chain.MaxCatchupBlocks < 1 {
		return apperrors.NewConfigError("chain.max_catchup_blocks", "must be at least 1")
	}

	if c.Market.Symbol == "" {
		return apperrors.NewConfigError("market.symbol", "required")
	}
	if c.Market.TopK < 1 {
		return apperrors.NewConfigError("market.top_k", "must be at least 1")
	}
	if c.Market.ImbalanceThreshold <= 0 || c.Market.ImbalanceThreshold >= 1 {
		return apperrors.NewConfigError("market.imbalance_threshold", "must be between 0 and 1")
	}
	if c.Market.SweepThresholdUSD <= 0 {
		return apperrors.NewConfigError("market.sweep_threshold_usd", "must be positive")
	}

	for _, tf := range types.ZoneTimeframes() {
		if c.Zones.TickSize(tf) <= 0 {
			return apperrors.NewConfigError("zones.tick_"+string(tf), "must be positive")
		}
		if c.Zones.TTL(tf) <= 0 {
			return apperrors.NewConfigError("zones.ttl_"+string(tf), "must be positive")
		}
	}

	if c.Patterns.MinZoneStrength < 1 {
		return apperrors.NewConfigError("patterns.min_zone_strength", "must be at least 1")
	}
	if c.Patterns.Window <= 0 || c.Patterns.Expiry <= 0 {
		return apperrors.NewConfigError("patterns.window", "window and expiry must be positive")
	}
	if c.Patterns.AlertConfidence < 0 || c.Patterns.AlertConfidence > 1 {
		return apperrors.NewConfigError("patterns.alert_confidence", "must be between 0 and 1")
	}

	if c.Alerts.MaxPerWindow < 1 {
		return apperrors.NewConfigError("alerts.max_per_window", "must be at least 1")
	}
	if c.Alerts.Window <= 0 {
		return apperrors.NewConfigError("alerts.window", "must be positive")
	}
	if c.Alerts.DeliveryAttempts < 1 {
		return apperrors.NewConfigError("alerts.delivery_attempts", "must be at least 1")
	}
	switch c.Alerts.Backend {
	case "memory", "redis":
	default:
		return apperrors.NewConfigError("alerts.backend", "must be memory or redis")
	}
	switch c.Alerts.Sink {
	case "webhook":
		if c.Alerts.WebhookURL == "" {
			return apperrors.NewConfigError("alerts.webhook_url", "required for webhook sink")
		}
	case "telegram":
		if c.Alerts.TelegramToken == "" || c.Alerts.TelegramChatID == 0 {
			return apperrors.NewConfigError("alerts.telegram_token", "token and chat id required for telegram sink")
		}
	default:
		return apperrors.NewConfigError("alerts.sink", "must be webhook or telegram")
	}

	if c.Aggregation.Interval <= 0 {
		return apperrors.NewConfigError("aggregation.interval", "must be positive")
	}
	if c.Aggregation.RetentionDays < 1 {
		return apperrors.NewConfigError("aggregation.retention_days", "must be at least 1")
	}
	if c.Aggregation.WriteGrace < 0 {
		return apperrors.NewConfigError("aggregation.write_grace", "must not be negative")
	}

	return nil
}

// normalizeList trims and lower-cases entries, dropping empties.
// Environment values arrive as a single comma separated string.
func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
