package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "MAX_ACTIVE_POSITIONS", "LEVERAGE_MIN", "DEDUP_TTL", "TELEGRAM_CHANNELS")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MaxActivePositions)
	assert.True(t, cfg.LeverageMin.Equal(d("6.00")))
	assert.Equal(t, 2*time.Hour, cfg.DedupTTL)
	assert.Empty(t, cfg.TelegramChannels)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	os.Setenv("MAX_ACTIVE_POSITIONS", "25")
	os.Setenv("LEVERAGE_MIN", "8.50")
	os.Setenv("DEDUP_TTL", "45m")
	os.Setenv("TELEGRAM_CHANNELS", "100, 200,300")
	os.Setenv("DEBUG", "true")
	t.Cleanup(func() {
		os.Unsetenv("MAX_ACTIVE_POSITIONS")
		os.Unsetenv("LEVERAGE_MIN")
		os.Unsetenv("DEDUP_TTL")
		os.Unsetenv("TELEGRAM_CHANNELS")
		os.Unsetenv("DEBUG")
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.MaxActivePositions)
	assert.True(t, cfg.LeverageMin.Equal(d("8.50")))
	assert.Equal(t, 45*time.Minute, cfg.DedupTTL)
	assert.Equal(t, []int64{100, 200, 300}, cfg.TelegramChannels)
	assert.True(t, cfg.Debug)
}

func TestLoad_PublishChatDefaultsToOperatorChat(t *testing.T) {
	clearEnv(t, "TELEGRAM_PUBLISH_CHAT")
	os.Setenv("TELEGRAM_OPERATOR_CHAT", "555")
	t.Cleanup(func() { os.Unsetenv("TELEGRAM_OPERATOR_CHAT") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(555), cfg.TelegramPublishChat)
}

func TestLoad_InvalidDecimalFallsBackToDefault(t *testing.T) {
	os.Setenv("RISK_PER_TRADE", "not-a-number")
	t.Cleanup(func() { os.Unsetenv("RISK_PER_TRADE") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.RiskPerTrade.Equal(d("0.02")))
}
