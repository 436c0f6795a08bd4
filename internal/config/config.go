// Package config loads all tunables for the pipeline from the environment:
// typed getEnv* helpers over os.Getenv, with defaults baked in so the
// process runs sanely with no .env file present.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PyramidScale is one rung of the pyramid ladder.
type PyramidScale struct {
	ThresholdPct decimal.Decimal
	AddFraction  decimal.Decimal
}

type Config struct {
	Debug bool

	// Chat source (Telegram). The operator bot needs its own token: Telegram
	// allows only one getUpdates consumer per bot, and the chat source
	// already holds that slot for the signal channels.
	TelegramToken         string
	TelegramOperatorToken string
	TelegramChannels      []int64
	TelegramOperatorChat  int64
	TelegramPublishChat   int64
	ExtractOnly           bool

	// Exchange gateway
	ExchangeBaseURL    string
	ExchangeAPIKey     string
	ExchangeAPISecret  string
	ExchangeRecvWindow time.Duration
	ExchangeTimeout    time.Duration

	// Storage
	SignalStorePath    string
	LifecycleStorePath string
	TelemetryPath      string

	// Ingestion
	DedupTTL time.Duration

	// Sizing / leverage
	RiskPerTrade    decimal.Decimal
	PlannedMargin   decimal.Decimal
	LeverageMin     decimal.Decimal
	LeverageMax     decimal.Decimal
	FastFallbackPct decimal.Decimal
	FastLeverage    decimal.Decimal

	// Dual-limit entry
	HalfSpreadPct decimal.Decimal

	// Lifecycle
	LifecyclePollInterval time.Duration
	LifecycleIdlePoll     time.Duration
	BreakevenEpsilonPct   decimal.Decimal
	TrailingStartPct      decimal.Decimal
	TrailingDistancePct   decimal.Decimal
	TrailingMinInterval   time.Duration

	// Pyramid
	PyramidPollInterval  time.Duration
	PyramidLadder        []PyramidScale
	PyramidMaxMultiplier decimal.Decimal

	// Hedge & re-entry
	HedgeRePollInterval time.Duration
	HedgeAdversePct     decimal.Decimal
	MaxReentryAttempts  int

	// Watchdog / capacity / maintenance
	MaxActivePositions  int
	MaintenanceInterval time.Duration
	StaleEntryAge       time.Duration
	PurgeAge            time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		TelegramToken:         os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramOperatorToken: getEnv("TELEGRAM_OPERATOR_BOT_TOKEN", os.Getenv("TELEGRAM_BOT_TOKEN")),
		TelegramChannels:      getEnvInt64List("TELEGRAM_CHANNELS", nil),
		TelegramOperatorChat:  getEnvInt64("TELEGRAM_OPERATOR_CHAT", 0),
		TelegramPublishChat:   getEnvInt64("TELEGRAM_PUBLISH_CHAT", getEnvInt64("TELEGRAM_OPERATOR_CHAT", 0)),
		ExtractOnly:           getEnvBool("EXTRACT_ONLY", false),

		ExchangeBaseURL:    getEnv("EXCHANGE_BASE_URL", "https://api.bybit.com"),
		ExchangeAPIKey:     os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret:  os.Getenv("EXCHANGE_API_SECRET"),
		ExchangeRecvWindow: getEnvDuration("EXCHANGE_RECV_WINDOW", 5*time.Second),
		ExchangeTimeout:    getEnvDuration("EXCHANGE_TIMEOUT", 5*time.Second),

		SignalStorePath:    getEnv("SIGNAL_STORE_PATH", "data/signals.db"),
		LifecycleStorePath: getEnv("LIFECYCLE_STORE_PATH", "data/lifecycle.db"),
		TelemetryPath:      getEnv("TELEMETRY_PATH", "data/telemetry.ndjson"),

		DedupTTL: getEnvDuration("DEDUP_TTL", 2*time.Hour),

		RiskPerTrade:    getEnvDecimal("RISK_PER_TRADE", decimal.NewFromFloat(0.02)),
		PlannedMargin:   getEnvDecimal("PLANNED_MARGIN", decimal.NewFromFloat(20)),
		LeverageMin:     getEnvDecimal("LEVERAGE_MIN", decimal.NewFromFloat(6.00)),
		LeverageMax:     getEnvDecimal("LEVERAGE_MAX", decimal.NewFromFloat(50.00)),
		FastFallbackPct: getEnvDecimal("FAST_FALLBACK_PCT", decimal.NewFromFloat(0.02)),
		FastLeverage:    getEnvDecimal("FAST_LEVERAGE", decimal.NewFromFloat(10.00)),

		HalfSpreadPct: getEnvDecimal("HALF_SPREAD_PCT", decimal.NewFromFloat(0.0008)),

		LifecyclePollInterval: getEnvDuration("LIFECYCLE_POLL_INTERVAL", 3*time.Second),
		LifecycleIdlePoll:     getEnvDuration("LIFECYCLE_IDLE_POLL", 20*time.Second),
		BreakevenEpsilonPct:   getEnvDecimal("BREAKEVEN_EPSILON_PCT", decimal.NewFromFloat(0.000015)),
		TrailingStartPct:      getEnvDecimal("TRAILING_START_PCT", decimal.NewFromFloat(0.061)),
		TrailingDistancePct:   getEnvDecimal("TRAILING_DISTANCE_PCT", decimal.NewFromFloat(0.025)),
		TrailingMinInterval:   getEnvDuration("TRAILING_MIN_INTERVAL", 10*time.Second),

		PyramidPollInterval:  getEnvDuration("PYRAMID_POLL_INTERVAL", 30*time.Second),
		PyramidMaxMultiplier: getEnvDecimal("PYRAMID_MAX_MULTIPLIER", decimal.NewFromFloat(2.0)),
		PyramidLadder: []PyramidScale{
			{ThresholdPct: getEnvDecimal("PYRAMID_SCALE1_PCT", decimal.NewFromFloat(3.0)), AddFraction: getEnvDecimal("PYRAMID_SCALE1_FRACTION", decimal.NewFromFloat(0.50))},
			{ThresholdPct: getEnvDecimal("PYRAMID_SCALE2_PCT", decimal.NewFromFloat(6.0)), AddFraction: getEnvDecimal("PYRAMID_SCALE2_FRACTION", decimal.NewFromFloat(0.25))},
		},

		HedgeRePollInterval: getEnvDuration("HEDGE_REENTRY_POLL_INTERVAL", 30*time.Second),
		HedgeAdversePct:     getEnvDecimal("HEDGE_ADVERSE_PCT", decimal.NewFromFloat(2.0)),
		MaxReentryAttempts:  getEnvInt("MAX_REENTRY_ATTEMPTS", 3),

		MaxActivePositions:  getEnvInt("MAX_ACTIVE_POSITIONS", 10),
		MaintenanceInterval: getEnvDuration("MAINTENANCE_INTERVAL", time.Hour),
		StaleEntryAge:       getEnvDuration("STALE_ENTRY_AGE", 24*time.Hour),
		PurgeAge:            getEnvDuration("PURGE_AGE", 6*24*time.Hour),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvInt64List(key string, fallback []int64) []int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		i, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback
	}
	return d
}
