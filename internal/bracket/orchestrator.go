// Package bracket implements the Fill Handler & Bracket Orchestrator (spec
// §4.7): it owns TrackedOrder and Position state, applies each reported Fill
// to both, and — when a PendingBracket exists for the filled order — emits
// the STOP and LIMIT child orders that realize the bracket.
package bracket

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"trading-core/internal/bus"
	"trading-core/internal/sltp"
	"trading-core/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GatewayClient is the narrow surface needed to send a bracket's child
// orders directly to the gateway, bypassing the priority queue (§4.7 "emit
// two child orders on the dispatch path, bypassing priority ranking").
type GatewayClient interface {
	SubmitOrder(ctx context.Context, order types.Order) (brokerID string, err error)
}

// RiskRecorder is the narrow surface needed to post a fill's P&L delta into
// the Risk Manager's per-account state (§4.3, §4.7 step 3).
type RiskRecorder interface {
	RecordFill(accountID string, key types.PositionKey, netQuantity, realizedDelta float64)
}

// Config bounds the P&L arithmetic applied on every fill. Per spec.md §9's
// open question on commission/contract-multiplier, both are externalized
// here rather than hard-coded: ContractMultipliers is a per-instrument
// override table (falling back to DefaultContractMultiplier, 10, when an
// instrument is absent), and CommissionPerRoundTrip defaults to 1.24 to
// match the source. TickSizes/DefaultTickSize mirror pkg/config's
// per-instrument tick table so SL/TP rounds each instrument to its own
// grid instead of one global tick (§4.6, §4.7).
type Config struct {
	ContractMultipliers       map[string]float64 // instrument -> price-to-dollar multiplier per unit quantity
	DefaultContractMultiplier float64
	CommissionPerRoundTrip    float64
	TickSizes                 map[string]float64
	DefaultTickSize           float64
	DollarPerPoint            float64
	MinRR                     float64
	GatewayTimeout            time.Duration
}

// contractMultiplierFor returns instrument's configured multiplier,
// falling back to DefaultContractMultiplier when unlisted.
func (c Config) contractMultiplierFor(instrument string) float64 {
	if v, ok := c.ContractMultipliers[instrument]; ok && v > 0 {
		return v
	}
	return c.DefaultContractMultiplier
}

// tickSizeFor returns instrument's configured tick size, falling back to
// DefaultTickSize when unlisted.
func (c Config) tickSizeFor(instrument string) float64 {
	if v, ok := c.TickSizes[instrument]; ok && v > 0 {
		return v
	}
	return c.DefaultTickSize
}

// DefaultConfig matches the committed Open Question resolution (spec.md
// §9, SPEC_FULL.md §13): contract multiplier defaults to 10 (overridable per
// instrument through ContractMultipliers) and round-trip commission to
// $1.24, a single value applied to every instrument.
func DefaultConfig() Config {
	return Config{
		DefaultContractMultiplier: 10,
		CommissionPerRoundTrip:    1.24,
		DefaultTickSize:           0.25,
		DollarPerPoint:            1,
		MinRR:                     0,
		GatewayTimeout:            10 * time.Second,
	}
}

// FillResult summarizes what ProcessFill did, published on fillProcessed.
type FillResult struct {
	OrderID         string
	Status          types.OrderStatus
	RealizedDelta   float64
	Position        types.Position
	ChildOrderIDs   []string
	StopLossPrice   float64
	TakeProfitPrice float64
}

// Orchestrator owns the TrackedOrder map, the per-(instrument,source)
// Position map, and the PendingBracket store — the "Aggregator" state of
// §3's ownership model, scoped to the fill-handling path.
type Orchestrator struct {
	cfg     Config
	gateway GatewayClient
	risk    RiskRecorder
	bus     *bus.Bus

	mu        sync.Mutex
	orders    map[string]*types.TrackedOrder
	positions map[types.PositionKey]*types.Position
	pending   map[string]*types.PendingBracket
}

// New constructs an Orchestrator. It logs the contract-multiplier and
// commission configuration once at startup so the per-instrument
// discrepancy (default 10x / $1.24) is visible in the operator's logs.
func New(cfg Config, gateway GatewayClient, risk RiskRecorder, b *bus.Bus) *Orchestrator {
	if cfg.DefaultTickSize <= 0 {
		cfg.DefaultTickSize = 0.25
	}
	if cfg.DefaultContractMultiplier <= 0 {
		cfg.DefaultContractMultiplier = 10
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	log.Printf("bracket: default contract multiplier=%.2f overrides=%v commission/round-trip=$%.2f default tick=%v tick overrides=%v",
		cfg.DefaultContractMultiplier, cfg.ContractMultipliers, cfg.CommissionPerRoundTrip, cfg.DefaultTickSize, cfg.TickSizes)
	return &Orchestrator{
		cfg:       cfg,
		gateway:   gateway,
		risk:      risk,
		bus:       b,
		orders:    make(map[string]*types.TrackedOrder),
		positions: make(map[types.PositionKey]*types.Position),
		pending:   make(map[string]*types.PendingBracket),
	}
}

// Track registers a TrackedOrder so a later Fill can be matched to it (§4.7
// step 1's lookup target). Called once the order leaves the queue.
func (o *Orchestrator) Track(order types.TrackedOrder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := order
	o.orders[order.ID] = &cp
}

// Store caches a PendingBracket at dispatch time, satisfying
// dispatcher.BracketStore structurally.
func (o *Orchestrator) Store(b types.PendingBracket) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := b
	o.pending[b.ParentOrderID] = &cp
}

// Position returns a snapshot of the position for key, the zero value if
// none exists yet.
func (o *Orchestrator) Position(key types.PositionKey) types.Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.positions[key]; ok {
		return *p
	}
	return types.Position{Key: key}
}

// ProcessFill applies one Fill to TrackedOrder and Position state, posts the
// realized P&L delta to the Risk Manager, and — if a PendingBracket is
// outstanding for the fill's order — emits the STOP/LIMIT child orders
// (§4.7). Gateway submission of child orders happens outside the lock.
func (o *Orchestrator) ProcessFill(ctx context.Context, fill types.Fill) (FillResult, error) {
	o.mu.Lock()

	tracked, ok := o.orders[fill.OrderID]
	if !ok {
		o.mu.Unlock()
		return FillResult{}, types.ErrFillUnassociated
	}

	tracked.FilledQty += fill.Quantity
	tracked.LastUpdate = time.Now()
	if tracked.IsFullyFilled() {
		tracked.Status = types.StatusFilled
	} else {
		tracked.Status = types.StatusPartiallyFilled
	}

	key := types.PositionKey{Instrument: fill.Instrument, Source: tracked.Source}
	pos, ok := o.positions[key]
	if !ok {
		pos = &types.Position{Key: key, OpenedAt: time.Now()}
		o.positions[key] = pos
	}
	realizedDelta := applyFill(pos, fill, tracked.Side, o.cfg.contractMultiplierFor(fill.Instrument), o.cfg.CommissionPerRoundTrip)

	pb := o.pending[fill.OrderID]
	var children []types.Order
	var slPrice, tpPrice float64
	var bracketErr error

	if pb != nil {
		qty, err := validatedBracketQty(fill, tracked.Quantity)
		if err != nil {
			bracketErr = err
		} else {
			res, err := sltp.Compute(sltp.Params{
				Side:           pb.Side,
				FillPrice:      fill.FillPrice,
				Quantity:       qty,
				StopLossSpec:   pb.StopLossSpec,
				TakeProfitSpec: pb.TakeProfitSpec,
				TickSize:       o.cfg.tickSizeFor(pb.Instrument),
				DollarPerPoint: o.cfg.DollarPerPoint,
				MinRR:          o.cfg.MinRR,
			})
			if err != nil {
				bracketErr = err
			} else {
				slPrice, tpPrice = res.StopLossPrice, res.TakeProfitPrice
				children = buildChildOrders(pb, res, qty)
			}
		}
		if tracked.IsFullyFilled() || bracketErr != nil {
			delete(o.pending, fill.OrderID)
		}
	}

	snapshot := *pos
	o.mu.Unlock()

	if o.risk != nil {
		o.risk.RecordFill(fill.AccountID, key, snapshot.NetQuantity, realizedDelta)
	}

	if bracketErr != nil {
		log.Printf("bracket: order %s: %v", fill.OrderID, bracketErr)
	}

	childIDs := o.dispatchChildren(ctx, children)

	result := FillResult{
		OrderID:         fill.OrderID,
		Status:          tracked.Status,
		RealizedDelta:   realizedDelta,
		Position:        snapshot,
		ChildOrderIDs:   childIDs,
		StopLossPrice:   slPrice,
		TakeProfitPrice: tpPrice,
	}

	if o.bus != nil {
		o.bus.Publish(bus.ChanFillEnhancedOut, result)
	}
	return result, nil
}

// validatedBracketQty resolves the quantity a bracket's child orders should
// use: the fill's own quantity, falling back to the order's original
// quantity, or INVALID_QTY if neither is usable (§4.7 step 4).
func validatedBracketQty(fill types.Fill, orderQty float64) (float64, error) {
	if fill.Quantity > 0 && !math.IsNaN(fill.Quantity) && !math.IsInf(fill.Quantity, 0) {
		return fill.Quantity, nil
	}
	if orderQty > 0 {
		return orderQty, nil
	}
	return 0, types.ErrInvalidBracketQty
}

// buildChildOrders constructs the STOP and LIMIT legs of a bracket, both
// opposite side, tagged with metadata.parentOrderId/kind (§4.7 step 4).
func buildChildOrders(pb *types.PendingBracket, res sltp.Result, qty float64) []types.Order {
	var children []types.Order
	opposite := pb.Side.Opposite()

	if res.HasStopLoss {
		children = append(children, types.Order{
			ID:         uuid.NewString(),
			Source:     "bracket",
			Instrument: pb.Instrument,
			Side:       opposite,
			Type:       types.OrderTypeStop,
			Quantity:   qty,
			StopPrice:  res.StopLossPrice,
			HasStop:    true,
			AccountID:  pb.AccountID,
			Metadata: map[string]string{
				"parentOrderId": pb.ParentOrderID,
				"kind":          "SL",
			},
			SubmittedAt: time.Now(),
		})
	}
	if res.HasTakeProfit {
		children = append(children, types.Order{
			ID:         uuid.NewString(),
			Source:     "bracket",
			Instrument: pb.Instrument,
			Side:       opposite,
			Type:       types.OrderTypeLimit,
			Quantity:   qty,
			LimitPrice: res.TakeProfitPrice,
			HasLimit:   true,
			AccountID:  pb.AccountID,
			Metadata: map[string]string{
				"parentOrderId": pb.ParentOrderID,
				"kind":          "TP",
			},
			SubmittedAt: time.Now(),
		})
	}
	return children
}

// dispatchChildren submits bracket children straight to the gateway,
// bypassing the priority queue (§4.7), after a shape-only validation.
func (o *Orchestrator) dispatchChildren(ctx context.Context, children []types.Order) []string {
	var ids []string
	for _, child := range children {
		if err := child.Validate(); err != nil {
			log.Printf("bracket: child order %s failed shape validation: %v", child.ID, err)
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
		brokerID, err := o.gateway.SubmitOrder(dctx, child)
		cancel()
		if err != nil {
			log.Printf("bracket: child order %s dispatch failed: %v", child.ID, err)
			continue
		}
		_ = brokerID
		ids = append(ids, child.ID)
	}
	return ids
}

// applyFill updates pos in place for one fill and returns the realized P&L
// delta posted by a reducing fill (0 for an adding fill), grounded on the
// teacher's state.Manager.RecordFill average-price recomputation,
// generalized to a signed net quantity and decimal P&L arithmetic (§3, §4.7
// step 2).
func applyFill(pos *types.Position, fill types.Fill, side types.Side, contractMultiplier, commissionPerRoundTrip float64) float64 {
	signedQty := decimal.NewFromFloat(fill.Quantity)
	if side == types.SideSell {
		signedQty = signedQty.Neg()
	}

	oldQty := decimal.NewFromFloat(pos.NetQuantity)
	oldAvg := decimal.NewFromFloat(pos.AvgPrice)
	price := decimal.NewFromFloat(fill.FillPrice)
	newQty := oldQty.Add(signedQty)

	multiplier := decimal.NewFromFloat(contractMultiplier)
	if contractMultiplier == 0 {
		multiplier = decimal.NewFromInt(1)
	}
	commission := decimal.NewFromFloat(commissionPerRoundTrip)

	sameSideAdd := oldQty.Sign() == 0 || oldQty.Sign() == signedQty.Sign()

	var realizedDelta decimal.Decimal
	var newAvg decimal.Decimal

	if sameSideAdd {
		// Opening or extending a position: recompute the weighted average,
		// no P&L to realize yet.
		if newQty.IsZero() {
			newAvg = decimal.Zero
		} else {
			notional := oldAvg.Mul(oldQty).Add(price.Mul(signedQty))
			newAvg = notional.Div(newQty)
		}
	} else {
		// Reducing or flipping: close min(|old|,|fill|) at the existing
		// average and post realized P&L; any excess fill quantity opens a
		// new position at the fill price.
		closedQty := decimal.Min(oldQty.Abs(), signedQty.Abs())
		exitSign := decimal.NewFromInt(1)
		if oldQty.Sign() < 0 {
			exitSign = decimal.NewFromInt(-1)
		}
		realizedDelta = price.Sub(oldAvg).Mul(closedQty).Mul(exitSign).Mul(multiplier).Sub(commission)

		if newQty.Sign() != 0 && newQty.Sign() != oldQty.Sign() {
			// Flipped through flat: the remainder opens a new position.
			newAvg = price
		} else if newQty.IsZero() {
			newAvg = decimal.Zero
		} else {
			newAvg = oldAvg
		}
	}

	pos.NetQuantity, _ = newQty.Float64()
	pos.AvgPrice, _ = newAvg.Float64()
	delta, _ := realizedDelta.Float64()
	pos.RealizedPnL += delta
	return delta
}
