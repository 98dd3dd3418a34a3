package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the order-routing core
// (§6 "CLI / env"): broker/gateway endpoints, channel prefix, risk
// thresholds, throttle, queue sizing, per-instrument tick sizes,
// commission, and lock TTL.
type Config struct {
	Port string

	// Message bus
	BrokerURL     string
	ChannelPrefix string

	// Gateway RPC
	GatewayURL     string
	GatewayTimeout time.Duration

	// Risk Manager (§4.3)
	MinOrderSize       float64
	MaxOrderSize       float64
	MaxPositions       int
	MaxDailyLoss       float64
	MaxDailyProfit     float64
	MaxRiskPctPerTrade float64
	TradingHoursEnabled bool
	TradingHoursStart   string // "HH:MM"
	TradingHoursEnd     string // "HH:MM"

	// Priority Queue + Throttle (§4.4)
	QueueCapacity         int
	MaxConcurrentInFlight int
	ThrottleOrdersPerSec  float64
	ThrottleBurst         float64

	// SL/TP Calculator (§4.6) and Fill Handler (§4.7). ContractMultipliers
	// and CommissionPerRoundTrip externalize the committed Open Question
	// resolution (spec.md §9): a per-instrument multiplier table defaulting
	// to 10, and a round-trip commission defaulting to $1.24 (matching the
	// source), both overridable via env.
	TickSizes                 map[string]float64
	DefaultTickSize            float64
	ContractMultipliers        map[string]float64
	DefaultContractMultiplier  float64
	CommissionPerRoundTrip     float64
	MinRiskReward              float64

	// Order Mutex / Idempotency (§4.8)
	LockTTL             time.Duration
	LockPollInterval    time.Duration
	LockCleanupInterval time.Duration
	IdempotencyCacheSize int

	// Source Registry (§4.9)
	JWTSecret          string
	SourceTokenTTL     time.Duration
	AutoRegisterSource bool

	// Health & Metrics (§4.10)
	AlertMaxQueueDepth     int
	AlertMaxP95Millis      float64
	AlertMaxViolationRate  float64

	// Dispatch
	DispatchTimeout time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port: getEnv("PORT", "8080"),

		BrokerURL:     getEnv("BROKER_URL", "ws://localhost:9000/ws"),
		ChannelPrefix: getEnv("CHANNEL_PREFIX", "aggregator"),

		GatewayURL:     getEnv("GATEWAY_URL", "http://localhost:9100"),
		GatewayTimeout: getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),

		MinOrderSize:        getEnvFloat("RISK_MIN_ORDER_SIZE", 1),
		MaxOrderSize:        getEnvFloat("RISK_MAX_ORDER_SIZE", 100),
		MaxPositions:        getEnvInt("RISK_MAX_POSITIONS", 10),
		MaxDailyLoss:        getEnvFloat("RISK_MAX_DAILY_LOSS", 5000),
		MaxDailyProfit:      getEnvFloat("RISK_MAX_DAILY_PROFIT", 0),
		MaxRiskPctPerTrade:  getEnvFloat("RISK_MAX_PCT_PER_TRADE", 2),
		TradingHoursEnabled: getEnv("RISK_TRADING_HOURS_ENABLED", "false") == "true",
		TradingHoursStart:   getEnv("RISK_TRADING_HOURS_START", "09:30"),
		TradingHoursEnd:     getEnv("RISK_TRADING_HOURS_END", "16:00"),

		QueueCapacity:         getEnvInt("QUEUE_CAPACITY", 1000),
		MaxConcurrentInFlight: getEnvInt("QUEUE_MAX_IN_FLIGHT", 10),
		ThrottleOrdersPerSec:  getEnvFloat("THROTTLE_ORDERS_PER_SEC", 20),
		ThrottleBurst:         getEnvFloat("THROTTLE_BURST", 50),

		TickSizes:                 parseTickSizes(getEnv("TICK_SIZES", "ES=0.25,NQ=0.25,CL=0.01")),
		DefaultTickSize:           getEnvFloat("DEFAULT_TICK_SIZE", 0.01),
		ContractMultipliers:       parseFloatTable(getEnv("CONTRACT_MULTIPLIERS", "")),
		DefaultContractMultiplier: getEnvFloat("DEFAULT_CONTRACT_MULTIPLIER", 10),
		CommissionPerRoundTrip:    getEnvFloat("COMMISSION_PER_ROUND_TRIP", 1.24),
		MinRiskReward:             getEnvFloat("MIN_RISK_REWARD", 0),

		LockTTL:              getEnvDuration("LOCK_TTL", 30*time.Second),
		LockPollInterval:     getEnvDuration("LOCK_POLL_INTERVAL", 10*time.Millisecond),
		LockCleanupInterval:  getEnvDuration("LOCK_CLEANUP_INTERVAL", time.Minute),
		IdempotencyCacheSize: getEnvInt("IDEMPOTENCY_CACHE_SIZE", 1000),

		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		SourceTokenTTL:     getEnvDuration("SOURCE_TOKEN_TTL", 24*time.Hour),
		AutoRegisterSource: getEnv("AUTO_REGISTER_SOURCE", "true") == "true",

		AlertMaxQueueDepth:    getEnvInt("ALERT_MAX_QUEUE_DEPTH", 500),
		AlertMaxP95Millis:     getEnvFloat("ALERT_MAX_P95_MILLIS", 500),
		AlertMaxViolationRate: getEnvFloat("ALERT_MAX_VIOLATION_RATE", 5),

		DispatchTimeout: getEnvDuration("DISPATCH_TIMEOUT", 10*time.Second),
	}, nil
}

// TickSizeFor returns the configured tick size for instrument, or the
// default when the instrument has no explicit entry.
func (c *Config) TickSizeFor(instrument string) float64 {
	if v, ok := c.TickSizes[instrument]; ok {
		return v
	}
	return c.DefaultTickSize
}

// ContractMultiplierFor returns the configured contract multiplier for
// instrument, or DefaultContractMultiplier when the instrument has no
// explicit entry (spec.md §9).
func (c *Config) ContractMultiplierFor(instrument string) float64 {
	if v, ok := c.ContractMultipliers[instrument]; ok {
		return v
	}
	return c.DefaultContractMultiplier
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseTickSizes parses a "SYM=value,SYM=value" list into a lookup table
// (§6 "tick-size table per instrument").
func parseTickSizes(val string) map[string]float64 {
	return parseFloatTable(val)
}

// parseFloatTable parses a "SYM=value,SYM=value" list into a lookup table,
// skipping malformed pairs. Shared by the tick-size and contract-multiplier
// per-instrument tables (§6, §9).
func parseFloatTable(val string) map[string]float64 {
	out := make(map[string]float64)
	for _, pair := range strings.Split(val, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64); err == nil {
			out[strings.TrimSpace(kv[0])] = f
		}
	}
	return out
}
