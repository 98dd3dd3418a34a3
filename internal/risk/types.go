// Package risk implements the Risk Manager (spec §4.3): order validation,
// daily P&L gates, and position/exposure accounting.
package risk

import "time"

// TradingWindow is a wall-clock trading-hours gate, expressed in UTC
// minutes-since-midnight. A disabled window always passes (§4.3).
type TradingWindow struct {
	Enabled  bool
	StartMin int // minutes since midnight, UTC
	EndMin   int
}

// Config holds the risk thresholds the core is launched with (§6 CLI/env).
type Config struct {
	MinOrderSize       float64
	MaxOrderSize       float64
	MaxPositions       int
	MaxDailyLoss       float64 // positive number; dailyPnL <= -MaxDailyLoss trips
	MaxDailyProfit     float64
	MaxRiskPctPerTrade float64 // percent, e.g. 2.0 = 2%
	TradingHours       TradingWindow

	AccountBalanceFallback float64
	AccountBalanceCacheTTL time.Duration
}

// DefaultConfig returns sane defaults suitable for tests and local dry runs.
func DefaultConfig() Config {
	return Config{
		MinOrderSize:           1,
		MaxOrderSize:           1000,
		MaxPositions:           10,
		MaxDailyLoss:           800,
		MaxDailyProfit:         5000,
		MaxRiskPctPerTrade:     2.0,
		TradingHours:           TradingWindow{Enabled: false},
		AccountBalanceFallback: 10000,
		AccountBalanceCacheTTL: 5 * time.Minute,
	}
}

// Metrics tracks running risk statistics (§4.10 gauges/counters).
type Metrics struct {
	ChecksTotal       uint64
	RejectionsTotal   uint64
	CheckLatencyNanos uint64
	CheckLatencyCount uint64
}

// violationRetention bounds how long tripped violations stay in the
// in-memory history before they age out (§4.3 "bounded violation log").
const violationRetention = 7 * 24 * time.Hour

