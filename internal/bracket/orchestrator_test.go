package bracket

import (
	"context"
	"testing"
	"time"

	"trading-core/internal/bus"
	"trading-core/internal/types"
)

type fakeGateway struct {
	brokerID string
	err      error
	submits  []types.Order
}

func (f *fakeGateway) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	f.submits = append(f.submits, order)
	return f.brokerID, f.err
}

type fakeRisk struct {
	calls []struct {
		accountID     string
		key           types.PositionKey
		netQuantity   float64
		realizedDelta float64
	}
}

func (f *fakeRisk) RecordFill(accountID string, key types.PositionKey, netQuantity, realizedDelta float64) {
	f.calls = append(f.calls, struct {
		accountID     string
		key           types.PositionKey
		netQuantity   float64
		realizedDelta float64
	}{accountID, key, netQuantity, realizedDelta})
}

func newOrchestrator(gw *fakeGateway, risk *fakeRisk) *Orchestrator {
	return New(DefaultConfig(), gw, risk, bus.New())
}

func TestProcessFillUnknownOrderReturnsErr(t *testing.T) {
	o := newOrchestrator(&fakeGateway{}, &fakeRisk{})
	_, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "missing"})
	if err != types.ErrFillUnassociated {
		t.Fatalf("err = %v, want ErrFillUnassociated", err)
	}
}

func TestProcessFillFullFillMarksFilled(t *testing.T) {
	o := newOrchestrator(&fakeGateway{}, &fakeRisk{})
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o1", Source: "bot-1", Instrument: "ES", Side: types.SideBuy, Quantity: 2}})

	res, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o1", Instrument: "ES", Side: types.SideBuy, FillPrice: 100, Quantity: 2, AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}
	if res.Status != types.StatusFilled {
		t.Errorf("status = %v, want FILLED", res.Status)
	}
	if res.Position.NetQuantity != 2 {
		t.Errorf("netQuantity = %v, want 2", res.Position.NetQuantity)
	}
	if res.Position.AvgPrice != 100 {
		t.Errorf("avgPrice = %v, want 100", res.Position.AvgPrice)
	}
}

func TestProcessFillPartialFillMarksPartial(t *testing.T) {
	o := newOrchestrator(&fakeGateway{}, &fakeRisk{})
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o1", Source: "bot-1", Instrument: "ES", Side: types.SideBuy, Quantity: 4}})

	res, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o1", Instrument: "ES", Side: types.SideBuy, FillPrice: 100, Quantity: 1, AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}
	if res.Status != types.StatusPartiallyFilled {
		t.Errorf("status = %v, want PARTIALLY_FILLED", res.Status)
	}
}

func TestProcessFillReducingFillPostsRealizedPnL(t *testing.T) {
	// Neutral multiplier/commission isolates the average-price and
	// realized-delta arithmetic from the per-instrument defaults exercised
	// in TestProcessFillAppliesPerInstrumentContractMultiplier below.
	cfg := DefaultConfig()
	cfg.DefaultContractMultiplier = 1
	cfg.CommissionPerRoundTrip = 0
	o := New(cfg, &fakeGateway{}, &fakeRisk{}, bus.New())
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o1", Source: "bot-1", Instrument: "ES", Side: types.SideBuy, Quantity: 1}})
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o2", Source: "bot-1", Instrument: "ES", Side: types.SideSell, Quantity: 1}})

	if _, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o1", Instrument: "ES", Side: types.SideBuy, FillPrice: 100, Quantity: 1, AccountID: "acct-1"}); err != nil {
		t.Fatalf("opening fill: %v", err)
	}
	res, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o2", Instrument: "ES", Side: types.SideSell, FillPrice: 110, Quantity: 1, AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("closing fill: %v", err)
	}
	if res.RealizedDelta != 10 {
		t.Errorf("realizedDelta = %v, want 10", res.RealizedDelta)
	}
	if res.Position.NetQuantity != 0 {
		t.Errorf("netQuantity = %v, want 0", res.Position.NetQuantity)
	}
}

func TestProcessFillAppliesPerInstrumentContractMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContractMultipliers = map[string]float64{"ES": 50}
	cfg.CommissionPerRoundTrip = 1.24
	o := New(cfg, &fakeGateway{}, &fakeRisk{}, bus.New())
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o1", Source: "bot-1", Instrument: "ES", Side: types.SideBuy, Quantity: 1}})
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o2", Source: "bot-1", Instrument: "ES", Side: types.SideSell, Quantity: 1}})
	// NQ is absent from the override table, so it falls back to
	// DefaultContractMultiplier (10) instead of ES's 50.
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o3", Source: "bot-1", Instrument: "NQ", Side: types.SideBuy, Quantity: 1}})
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o4", Source: "bot-1", Instrument: "NQ", Side: types.SideSell, Quantity: 1}})

	if _, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o1", Instrument: "ES", Side: types.SideBuy, FillPrice: 100, Quantity: 1, AccountID: "acct-1"}); err != nil {
		t.Fatalf("ES opening fill: %v", err)
	}
	res, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o2", Instrument: "ES", Side: types.SideSell, FillPrice: 110, Quantity: 1, AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("ES closing fill: %v", err)
	}
	if want := 10*50 - 1.24; res.RealizedDelta != want {
		t.Errorf("ES realizedDelta = %v, want %v", res.RealizedDelta, want)
	}

	if _, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o3", Instrument: "NQ", Side: types.SideBuy, FillPrice: 100, Quantity: 1, AccountID: "acct-1"}); err != nil {
		t.Fatalf("NQ opening fill: %v", err)
	}
	res, err = o.ProcessFill(context.Background(), types.Fill{OrderID: "o4", Instrument: "NQ", Side: types.SideSell, FillPrice: 110, Quantity: 1, AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("NQ closing fill: %v", err)
	}
	if want := 10*10 - 1.24; res.RealizedDelta != want {
		t.Errorf("NQ realizedDelta = %v, want %v", res.RealizedDelta, want)
	}
}

func TestProcessFillEmitsBracketChildrenOnPendingFirstFill(t *testing.T) {
	gw := &fakeGateway{brokerID: "brk-1"}
	o := newOrchestrator(gw, &fakeRisk{})
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o1", Source: "bot-1", Instrument: "ES", Side: types.SideBuy, Quantity: 1}})
	o.Store(types.PendingBracket{
		ParentOrderID:  "o1",
		Instrument:     "ES",
		Side:           types.SideBuy,
		StopLossSpec:   &types.LevelSpec{Kind: types.SpecKindPoints, Value: 5},
		TakeProfitSpec: &types.LevelSpec{Kind: types.SpecKindPoints, Value: 10},
		AccountID:      "acct-1",
		OriginalQty:    1,
		CreatedAt:      time.Now(),
	})

	res, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o1", Instrument: "ES", Side: types.SideBuy, FillPrice: 100, Quantity: 1, AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}
	if len(res.ChildOrderIDs) != 2 {
		t.Fatalf("childOrderIDs = %d, want 2", len(res.ChildOrderIDs))
	}
	if len(gw.submits) != 2 {
		t.Fatalf("gateway submits = %d, want 2", len(gw.submits))
	}
	for _, child := range gw.submits {
		if child.Side != types.SideSell {
			t.Errorf("child side = %v, want SELL (opposite of BUY parent)", child.Side)
		}
		if child.Metadata["parentOrderId"] != "o1" {
			t.Errorf("child metadata parentOrderId = %q, want o1", child.Metadata["parentOrderId"])
		}
	}
}

func TestProcessFillInvalidQtyRejectsBracketButStillFillsOrder(t *testing.T) {
	gw := &fakeGateway{}
	o := newOrchestrator(gw, &fakeRisk{})
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o1", Source: "bot-1", Instrument: "ES", Side: types.SideBuy, Quantity: 0}})
	o.Store(types.PendingBracket{
		ParentOrderID: "o1",
		Instrument:    "ES",
		Side:          types.SideBuy,
		StopLossSpec:  &types.LevelSpec{Kind: types.SpecKindPoints, Value: 5},
		AccountID:     "acct-1",
		OriginalQty:   0,
	})

	res, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o1", Instrument: "ES", Side: types.SideBuy, FillPrice: 100, Quantity: 0, AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}
	if res.Status != types.StatusFilled {
		t.Errorf("status = %v, want FILLED despite the rejected bracket", res.Status)
	}
	if len(res.ChildOrderIDs) != 0 {
		t.Errorf("expected no child orders for invalid bracket qty, got %d", len(res.ChildOrderIDs))
	}
	if len(gw.submits) != 0 {
		t.Errorf("expected no gateway submits, got %d", len(gw.submits))
	}
}

func TestProcessFillRecordsRiskDelta(t *testing.T) {
	risk := &fakeRisk{}
	o := newOrchestrator(&fakeGateway{}, risk)
	o.Track(types.TrackedOrder{Order: types.Order{ID: "o1", Source: "bot-1", Instrument: "ES", Side: types.SideBuy, Quantity: 1}})

	if _, err := o.ProcessFill(context.Background(), types.Fill{OrderID: "o1", Instrument: "ES", Side: types.SideBuy, FillPrice: 100, Quantity: 1, AccountID: "acct-1"}); err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}
	if len(risk.calls) != 1 {
		t.Fatalf("risk.RecordFill calls = %d, want 1", len(risk.calls))
	}
	if risk.calls[0].accountID != "acct-1" {
		t.Errorf("accountID = %q, want acct-1", risk.calls[0].accountID)
	}
}
