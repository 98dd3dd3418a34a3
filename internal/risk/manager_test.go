package risk

import (
	"testing"
	"time"

	"trading-core/internal/types"
)

func testOrder(qty float64) types.Order {
	return types.Order{
		ID:         "o1",
		Source:     "bot-1",
		Instrument: "ES",
		Side:       types.SideBuy,
		Type:       types.OrderTypeMarket,
		Quantity:   qty,
	}
}

func TestEvaluateCollectsAllViolations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOrderSize = 5
	cfg.MaxDailyLoss = 100
	m := NewManager(cfg)
	m.RecordFill("acct-1", types.PositionKey{Instrument: "ES", Source: "bot-1"}, 1, -150)

	dec := m.Evaluate(Input{Order: testOrder(10), AccountID: "acct-1", EstPrice: 100})

	if dec.Allowed {
		t.Fatal("expected rejection")
	}
	kinds := map[types.ViolationKind]bool{}
	for _, v := range dec.Violations {
		kinds[v.Kind] = true
	}
	if !kinds[types.ViolationMaxOrderSize] {
		t.Error("expected MAX_ORDER_SIZE violation")
	}
	if !kinds[types.ViolationDailyLossLimit] {
		t.Error("expected DAILY_LOSS_LIMIT violation")
	}
	if len(dec.Violations) < 2 {
		t.Fatalf("expected multiple violations collected, got %d", len(dec.Violations))
	}
}

func TestEvaluateDailyLossBoundaryIsInclusive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyLoss = 100
	m := NewManager(cfg)
	m.RecordFill("acct-1", types.PositionKey{Instrument: "ES", Source: "bot-1"}, 1, -100)

	dec := m.Evaluate(Input{Order: testOrder(1), AccountID: "acct-1", EstPrice: 100})

	if dec.Allowed {
		t.Fatal("expected rejection: daily loss exactly at threshold must trip")
	}
}

func TestEvaluateAllowsWithinThresholds(t *testing.T) {
	m := NewManager(DefaultConfig())
	dec := m.Evaluate(Input{Order: testOrder(2), AccountID: "acct-1", EstPrice: 100})
	if !dec.Allowed {
		t.Fatalf("expected allowed, got violations: %+v", dec.Violations)
	}
}

func TestEvaluateMaxPositionsCountsDistinctKeysOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositions = 1
	m := NewManager(cfg)
	m.RecordFill("acct-1", types.PositionKey{Instrument: "ES", Source: "bot-1"}, 1, 0)

	// Same key already open: must not double count against the cap.
	dec := m.Evaluate(Input{Order: testOrder(1), AccountID: "acct-1", EstPrice: 100})
	if !dec.Allowed {
		t.Fatalf("expected allowed for existing position key, got %+v", dec.Violations)
	}

	// A second, distinct instrument trips the cap.
	other := testOrder(1)
	other.Instrument = "NQ"
	dec = m.Evaluate(Input{Order: other, AccountID: "acct-1", EstPrice: 100})
	if dec.Allowed {
		t.Fatal("expected MAX_POSITIONS rejection for a new distinct key")
	}
}

func TestEvaluateOutsideTradingHours(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now().UTC()
	curMin := now.Hour()*60 + now.Minute()
	cfg.TradingHours = TradingWindow{Enabled: true, StartMin: (curMin + 60) % 1440, EndMin: (curMin + 120) % 1440}
	m := NewManager(cfg)

	dec := m.Evaluate(Input{Order: testOrder(1), AccountID: "acct-1", EstPrice: 100})
	if dec.Allowed {
		t.Fatal("expected OUTSIDE_TRADING_HOURS rejection")
	}
}

func TestEvaluateExcessiveRisk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPctPerTrade = 1.0
	m := NewManager(cfg)
	m.SetBalance("acct-1", 1000)

	// Risking 50 on a 1000 balance is 5%, above the 1% cap.
	dec := m.Evaluate(Input{
		Order:         testOrder(1),
		AccountID:     "acct-1",
		EstPrice:      100,
		StopLossPrice: 50,
	})
	if dec.Allowed {
		t.Fatal("expected EXCESSIVE_RISK rejection")
	}
}

func TestRecordFillClosesPositionOnFlat(t *testing.T) {
	m := NewManager(DefaultConfig())
	key := types.PositionKey{Instrument: "ES", Source: "bot-1"}
	m.RecordFill("acct-1", key, 1, 0)
	m.RecordFill("acct-1", key, 0, 50)

	st := m.state("acct-1")
	if _, open := st.openPositions[key]; open {
		t.Fatal("expected position to be closed once net quantity returns to zero")
	}
	if st.dailyPnL != 50 {
		t.Fatalf("dailyPnL = %v, want 50", st.dailyPnL)
	}
}

func TestResetDailyClearsPnL(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordFill("acct-1", types.PositionKey{Instrument: "ES", Source: "bot-1"}, 1, -40)
	m.ResetDaily("acct-1")

	if pnl := m.state("acct-1").dailyPnL; pnl != 0 {
		t.Fatalf("dailyPnL = %v, want 0 after reset", pnl)
	}
}

func TestRecordFillIncrementsDailyLossCountOnNegativeDeltaOnly(t *testing.T) {
	m := NewManager(DefaultConfig())
	key := types.PositionKey{Instrument: "ES", Source: "bot-1"}
	m.RecordFill("acct-1", key, 1, -10)
	m.RecordFill("acct-1", key, 2, 25) // positive delta must not count
	m.RecordFill("acct-1", key, 1, -5)

	if got := m.DailyLossCount("acct-1"); got != 2 {
		t.Fatalf("DailyLossCount = %d, want 2", got)
	}
}

func TestResetDailyClearsLossCount(t *testing.T) {
	m := NewManager(DefaultConfig())
	key := types.PositionKey{Instrument: "ES", Source: "bot-1"}
	m.RecordFill("acct-1", key, 1, -10)
	m.ResetDaily("acct-1")

	if got := m.DailyLossCount("acct-1"); got != 0 {
		t.Fatalf("DailyLossCount = %d, want 0 after reset", got)
	}
}
