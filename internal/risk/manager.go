package risk

import (
	"fmt"
	"log"
	"sync"
	"time"

	"trading-core/internal/types"

	"github.com/shopspring/decimal"
)

// Input is what the Risk Manager needs to evaluate an incoming order against
// the account's current exposure (§4.3).
type Input struct {
	Order         types.Order
	AccountID     string
	EstPrice      float64 // best-known reference price, used for notional and risk-pct checks
	StopLossPrice float64 // 0 if the order carries no stop, skips EXCESSIVE_RISK
}

// Decision is the outcome of one risk evaluation. Manager never
// short-circuits on the first violation (§4.3 "collect every violation");
// Allowed is false if Violations is non-empty.
type Decision struct {
	Allowed    bool
	Violations []types.Violation
}

// Manager evaluates orders against configured risk thresholds and tracks
// daily P&L and open-position counts in memory, per account (§4.3).
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	metrics Metrics

	accounts map[string]*accountState
}

type accountState struct {
	dailyPnL         float64
	dailyLossCount   int // fills whose realizedDelta was negative since the last ResetDaily (§3, §4.7 step 3)
	openPositions    map[types.PositionKey]struct{}
	violationHistory []types.Violation
	balance          float64
	balanceFetchedAt time.Time
}

// NewManager constructs an in-memory Risk Manager. There is no database
// behind it: thresholds come entirely from cfg (§4.3 design note — state is
// ephemeral: it starts empty on every process start and is never persisted).
func NewManager(cfg Config) *Manager {
	log.Printf("risk: manager initialized min=%.2f max=%.2f maxPositions=%d dailyLoss=%.2f",
		cfg.MinOrderSize, cfg.MaxOrderSize, cfg.MaxPositions, cfg.MaxDailyLoss)
	return &Manager{
		cfg:      cfg,
		accounts: make(map[string]*accountState),
	}
}

func (m *Manager) state(accountID string) *accountState {
	st, ok := m.accounts[accountID]
	if !ok {
		st = &accountState{
			openPositions: make(map[types.PositionKey]struct{}),
			balance:       m.cfg.AccountBalanceFallback,
		}
		m.accounts[accountID] = st
	}
	return st
}

// Evaluate runs every configured rule against in and returns every violation
// tripped, not just the first (§4.3, §8 invariant 3). A nil/empty
// Violations slice means the order is allowed.
func (m *Manager) Evaluate(in Input) Decision {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		m.metrics.ChecksTotal++
		m.metrics.CheckLatencyNanos += uint64(time.Since(start).Nanoseconds())
		m.metrics.CheckLatencyCount++
	}()

	st := m.state(in.AccountID)
	now := time.Now()

	var violations []types.Violation
	add := func(kind types.ViolationKind, sev types.ViolationSeverity, detail string) {
		violations = append(violations, types.Violation{Kind: kind, Severity: sev, Detail: detail, At: now})
	}

	if in.Order.Quantity < m.cfg.MinOrderSize {
		add(types.ViolationMinOrderSize, types.SeverityLow,
			fmt.Sprintf("qty %.4f below minimum %.4f", in.Order.Quantity, m.cfg.MinOrderSize))
	}
	if in.Order.Quantity > m.cfg.MaxOrderSize {
		add(types.ViolationMaxOrderSize, types.SeverityMedium,
			fmt.Sprintf("qty %.4f exceeds maximum %.4f", in.Order.Quantity, m.cfg.MaxOrderSize))
	}

	key := types.PositionKey{Instrument: in.Order.Instrument, Source: in.Order.Source}
	if in.Order.Side == types.SideBuy {
		if _, alreadyOpen := st.openPositions[key]; !alreadyOpen && len(st.openPositions) >= m.cfg.MaxPositions {
			add(types.ViolationMaxPositions, types.SeverityHigh,
				fmt.Sprintf("open positions %d at cap %d", len(st.openPositions), m.cfg.MaxPositions))
		}
	}

	// Daily loss limit trips inclusive of the exact threshold (§8 boundary case).
	if m.cfg.MaxDailyLoss > 0 && st.dailyPnL <= -m.cfg.MaxDailyLoss {
		add(types.ViolationDailyLossLimit, types.SeverityCritical,
			fmt.Sprintf("daily pnl %.2f at or below -%.2f", st.dailyPnL, m.cfg.MaxDailyLoss))
	}
	if m.cfg.MaxDailyProfit > 0 && st.dailyPnL >= m.cfg.MaxDailyProfit {
		add(types.ViolationDailyProfitLim, types.SeverityLow,
			fmt.Sprintf("daily pnl %.2f at or above %.2f", st.dailyPnL, m.cfg.MaxDailyProfit))
	}

	if m.cfg.TradingHours.Enabled && !withinWindow(now, m.cfg.TradingHours) {
		add(types.ViolationOutsideHours, types.SeverityMedium, "outside configured trading hours")
	}

	if in.StopLossPrice > 0 && in.EstPrice > 0 {
		riskAmt := decimal.NewFromFloat(in.Order.Quantity).
			Mul(decimal.NewFromFloat(in.EstPrice).Sub(decimal.NewFromFloat(in.StopLossPrice)).Abs())
		balance := decimal.NewFromFloat(st.balance)
		if balance.IsPositive() {
			riskPct := riskAmt.Div(balance).Mul(decimal.NewFromInt(100))
			limit := decimal.NewFromFloat(m.cfg.MaxRiskPctPerTrade)
			if riskPct.GreaterThan(limit) {
				f, _ := riskPct.Float64()
				add(types.ViolationExcessiveRisk, types.SeverityHigh,
					fmt.Sprintf("risking %.2f%% of balance, limit %.2f%%", f, m.cfg.MaxRiskPctPerTrade))
			}
		}
	}

	if len(violations) > 0 {
		m.metrics.RejectionsTotal++
		st.violationHistory = append(st.violationHistory, violations...)
		st.violationHistory = pruneViolations(st.violationHistory, now)
	}

	return Decision{Allowed: len(violations) == 0, Violations: violations}
}

func withinWindow(t time.Time, w TradingWindow) bool {
	minutes := t.UTC().Hour()*60 + t.UTC().Minute()
	if w.StartMin <= w.EndMin {
		return minutes >= w.StartMin && minutes < w.EndMin
	}
	// Window wraps past midnight.
	return minutes >= w.StartMin || minutes < w.EndMin
}

func pruneViolations(v []types.Violation, now time.Time) []types.Violation {
	cutoff := now.Add(-violationRetention)
	i := 0
	for i < len(v) && v[i].At.Before(cutoff) {
		i++
	}
	return v[i:]
}

// RecordFill updates daily P&L and the open-position set for an account
// following a fill (§4.7 hands this to the Risk Manager after bracket
// bookkeeping). realizedDelta is the P&L realized by this fill, zero for
// position-opening fills.
func (m *Manager) RecordFill(accountID string, key types.PositionKey, netQuantity, realizedDelta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(accountID)
	st.dailyPnL += realizedDelta
	if realizedDelta < 0 {
		st.dailyLossCount++
	}

	if netQuantity == 0 {
		delete(st.openPositions, key)
	} else {
		st.openPositions[key] = struct{}{}
	}
}

// SetBalance refreshes the cached account balance used for EXCESSIVE_RISK
// checks (§4.3). main's balance-refresh loop calls this every 5 minutes with
// the gateway's AccountBalance result.
func (m *Manager) SetBalance(accountID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(accountID)
	st.balance = balance
	st.balanceFetchedAt = time.Now()
}

// ResetDaily clears the rolling daily P&L counters (called by a scheduler at
// the exchange's daily-reset boundary).
func (m *Manager) ResetDaily(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(accountID)
	log.Printf("risk: daily reset for %s, prior pnl=%.2f, loss count=%d", accountID, st.dailyPnL, st.dailyLossCount)
	st.dailyPnL = 0
	st.dailyLossCount = 0
}

// Violations returns a copy of the account's recent violation history,
// newest last.
func (m *Manager) Violations(accountID string) []types.Violation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]types.Violation, len(st.violationHistory))
	copy(out, st.violationHistory)
	return out
}

// DailyLossCount returns the number of negative-P&L fills recorded for
// accountID since its last ResetDaily (§3 RiskState.dailyLossCount).
func (m *Manager) DailyLossCount(accountID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[accountID]
	if !ok {
		return 0
	}
	return st.dailyLossCount
}

// GetMetrics returns a snapshot of running check/rejection counters (§4.10).
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// GetConfig returns a copy of the active configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}
