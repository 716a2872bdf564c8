package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_URL", "")
	t.Setenv("STORE_BACKEND", "")
	cfg := Load()
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "memory", cfg.CouponCounter)
	assert.Equal(t, "sandbox", cfg.GatewayProvider)
	assert.Equal(t, 30*time.Minute, cfg.OrderHoldTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("GATEWAY_URL", "https://pay.test")
	t.Setenv("ORDER_HOLD_TTL", "45m")
	t.Setenv("TAX_RATE_BPS", "1100")
	t.Setenv("CALLBACK_WORKERS", "not-a-number")

	cfg := Load()
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, "http", cfg.GatewayProvider)
	assert.Equal(t, 45*time.Minute, cfg.OrderHoldTTL)
	assert.Equal(t, int64(1100), cfg.TaxRateBps)
	assert.Equal(t, 4, cfg.CallbackWorkers)
	require.NoError(t, cfg.Validate())
}

func TestCouponCounterFollowsStoreBackend(t *testing.T) {
	t.Setenv("GATEWAY_URL", "")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("COUPON_COUNTER", "")
	cfg := Load()
	assert.Equal(t, "postgres", cfg.CouponCounter)
	require.NoError(t, cfg.Validate())

	t.Setenv("COUPON_COUNTER", "memory")
	cfg = Load()
	assert.Error(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	base := Config{StoreBackend: "memory", CouponCounter: "memory", GatewayProvider: "sandbox", StockLow: 10, StockCritical: 2}
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"unknown store":          func(c *Config) { c.StoreBackend = "mongo" },
		"pg counter on memory":   func(c *Config) { c.CouponCounter = "postgres" },
		"memory counter on pg":   func(c *Config) { c.StoreBackend = "postgres" },
		"redis counter, no addr": func(c *Config) { c.CouponCounter = "redis" },
		"http without url":       func(c *Config) { c.GatewayProvider = "http" },
		"stripe without key":     func(c *Config) { c.GatewayProvider = "stripe" },
		"thresholds inverted":    func(c *Config) { c.StockCritical = 20 },
		"tax above 100%":         func(c *Config) { c.TaxRateBps = 20000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
