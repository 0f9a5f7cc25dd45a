package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/types"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ALERTS_WEBHOOK_URL", "http://localhost:5678/webhook/alerts")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 800.0, cfg.Chain.HighThresholdETH)
	assert.Equal(t, 300.0, cfg.Chain.LowThresholdETH)
	assert.Equal(t, 2000000.0, cfg.Market.SweepThresholdUSD)
	assert.Equal(t, 0.70, cfg.Market.ImbalanceThreshold)
	assert.Equal(t, 3, cfg.Alerts.MaxPerWindow)
	assert.Equal(t, 60*time.Second, cfg.Alerts.Window)
	assert.Equal(t, 5*time.Minute, cfg.Alerts.Cooldown)
	assert.Equal(t, 3, cfg.Alerts.DeliveryAttempts)
	assert.Equal(t, 30*24*time.Hour, cfg.Aggregation.Retention())
	assert.Equal(t, 5*time.Second, cfg.Aggregation.WriteGrace)
	assert.Equal(t, 15*time.Minute, cfg.Zones.TTL(types.Timeframe1m))
	assert.Equal(t, 6*time.Hour, cfg.Zones.TTL(types.Timeframe15m))
	assert.Equal(t, 10.0, cfg.Zones.TickSize(types.Timeframe15m))
	assert.Contains(t, cfg.Chain.ExchangeAddresses, "0x28c6c06298d514db089934071355e5743bf21d60")
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("ALERTS_WEBHOOK_URL", "http://sink")
	t.Setenv("CHAIN_HIGH_THRESHOLD_ETH", "1000")
	t.Setenv("CHAIN_LOW_THRESHOLD_ETH", "100")
	t.Setenv("ALERTS_COOLDOWN", "2m")
	t.Setenv("MARKET_SWEEP_THRESHOLD_USD", "500000")
	t.Setenv("CHAIN_EXCHANGE_ADDRESSES", "0xAAA, 0xBbB")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 1000.0, cfg.Chain.HighThresholdETH)
	assert.Equal(t, 100.0, cfg.Chain.LowThresholdETH)
	assert.Equal(t, 2*time.Minute, cfg.Alerts.Cooldown)
	assert.Equal(t, 500000.0, cfg.Market.SweepThresholdUSD)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, cfg.Chain.ExchangeAddresses)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.yaml")
	content := []byte(`
alerts:
  sink: telegram
  telegram_token: "123:abc"
  telegram_chat_id: 42
zones:
  ttl_5m: 30m
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "telegram", cfg.Alerts.Sink)
	assert.Equal(t, int64(42), cfg.Alerts.TelegramChatID)
	assert.Equal(t, 30*time.Minute, cfg.Zones.TTL(types.Timeframe5m))
}

func TestValidate(t *testing.T) {
	t.Setenv("ALERTS_WEBHOOK_URL", "http://sink")
	base, err := LoadConfig()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"inverted thresholds", func(c *Config) { c.Chain.HighThresholdETH = 100; c.Chain.LowThresholdETH = 200 }},
		{"zero low threshold", func(c *Config) { c.Chain.LowThresholdETH = 0 }},
		{"imbalance out of range", func(c *Config) { c.Market.ImbalanceThreshold = 1.5 }},
		{"zero alert budget", func(c *Config) { c.Alerts.MaxPerWindow = 0 }},
		{"missing webhook url", func(c *Config) { c.Alerts.WebhookURL = "" }},
		{"unknown sink", func(c *Config) { c.Alerts.Sink = "email" }},
		{"unknown store", func(c *Config) { c.Database.Store = "mongo" }},
		{"zero tick", func(c *Config) { c.Zones.Tick5m = 0 }},
		{"zero retention", func(c *Config) { c.Aggregation.RetentionDays = 0 }},
		{"negative write grace", func(c *Config) { c.Aggregation.WriteGrace = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.IsFatal(err))
		})
	}
}

func TestPostgresURL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", Database: "wt", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db:5432/wt?sslmode=disable", cfg.URL())
}
