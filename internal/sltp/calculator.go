// Package sltp implements the SL/TP Calculator (spec §4.6): a pure function
// from a fill price and a pair of stop-loss/take-profit specs to tick-rounded
// price levels, plus an opt-in per-position trailing-stop mode.
package sltp

import (
	"fmt"
	"math"
	"sync"

	"trading-core/internal/types"

	"github.com/shopspring/decimal"
)

// ErrInvalidTick is returned when tickSize is non-positive or the computed
// price is non-finite (§4.6, §7).
var ErrInvalidTick = types.ErrInvalidTick

// Result carries the computed bracket prices and their dollar/ratio
// summaries (§4.6).
type Result struct {
	HasStopLoss     bool
	StopLossPrice   float64
	HasTakeProfit   bool
	TakeProfitPrice float64
	StopLossDollars float64
	TakeProfitDollars float64
	RiskReward      float64
}

// Params bundles the inputs needed to compute bracket levels for one fill.
type Params struct {
	Side           types.Side
	FillPrice      float64
	Quantity       float64
	StopLossSpec   *types.LevelSpec
	TakeProfitSpec *types.LevelSpec
	TickSize       float64
	DollarPerPoint float64 // contract multiplier, used for kind=dollars conversion
	MinRR          float64 // 0 disables the minRR extension
	ATR            float64 // only consulted for kind=atr
	ATRMulSL       float64
	ATRMulTP       float64
}

// Compute derives stop-loss/take-profit prices from fill price and specs,
// tick-rounds them, extends TP to meet MinRR if needed, and validates
// ordering (§4.6).
func Compute(p Params) (Result, error) {
	if p.TickSize <= 0 {
		return Result{}, ErrInvalidTick
	}

	var res Result

	if p.StopLossSpec != nil {
		dist, err := distanceFor(*p.StopLossSpec, p, true)
		if err != nil {
			return Result{}, err
		}
		price := applySide(p.Side, p.FillPrice, dist, true)
		if p.StopLossSpec.Kind == types.SpecKindPrice {
			price = p.StopLossSpec.Value // an absolute price is used as-is
		}
		rounded, err := tickRound(price, p.TickSize)
		if err != nil {
			return Result{}, err
		}
		res.HasStopLoss = true
		res.StopLossPrice = rounded
	}

	if p.TakeProfitSpec != nil {
		dist, err := distanceFor(*p.TakeProfitSpec, p, false)
		if err != nil {
			return Result{}, err
		}
		price := applySide(p.Side, p.FillPrice, dist, false)
		if p.TakeProfitSpec.Kind == types.SpecKindPrice {
			price = p.TakeProfitSpec.Value // an absolute price is used as-is
		}
		rounded, err := tickRound(price, p.TickSize)
		if err != nil {
			return Result{}, err
		}
		res.HasTakeProfit = true
		res.TakeProfitPrice = rounded
	}

	if res.HasStopLoss && res.HasTakeProfit {
		if err := validateOrdering(p.Side, p.FillPrice, res.StopLossPrice, res.TakeProfitPrice); err != nil {
			return Result{}, err
		}

		rr := riskReward(p.FillPrice, res.StopLossPrice, res.TakeProfitPrice)
		if p.MinRR > 0 && rr < p.MinRR {
			extended, err := extendTP(p.Side, p.FillPrice, res.StopLossPrice, p.MinRR, p.TickSize)
			if err != nil {
				return Result{}, err
			}
			res.TakeProfitPrice = extended
			rr = riskReward(p.FillPrice, res.StopLossPrice, res.TakeProfitPrice)
		}
		res.RiskReward = rr
	}

	if res.HasStopLoss {
		res.StopLossDollars = math.Abs(p.FillPrice-res.StopLossPrice) * p.Quantity * dollarMultiplier(p.DollarPerPoint)
	}
	if res.HasTakeProfit {
		res.TakeProfitDollars = math.Abs(res.TakeProfitPrice-p.FillPrice) * p.Quantity * dollarMultiplier(p.DollarPerPoint)
	}

	return res, nil
}

func dollarMultiplier(dpp float64) float64 {
	if dpp <= 0 {
		return 1
	}
	return dpp
}

// distanceFor converts a LevelSpec into a price distance from the fill,
// always expressed as a positive number (§4.6). isStopLoss selects which of
// Params.ATRMulSL/ATRMulTP scales an ATR spec: the multiplier, not
// spec.Value, is the ATR distance in units of ATR — spec.Value is used as the
// ATR multiplier whenever the matching one is unset, so callers that don't
// configure ATRMulSL/ATRMulTP keep the old single-value behavior.
func distanceFor(spec types.LevelSpec, p Params, isStopLoss bool) (float64, error) {
	switch spec.Kind {
	case types.SpecKindPrice:
		return math.Abs(p.FillPrice - spec.Value), nil
	case types.SpecKindPoints:
		return spec.Value, nil
	case types.SpecKindDollars:
		if p.Quantity <= 0 || dollarMultiplier(p.DollarPerPoint) <= 0 {
			return 0, ErrInvalidTick
		}
		return spec.Value / (p.Quantity * dollarMultiplier(p.DollarPerPoint)), nil
	case types.SpecKindPercent:
		return p.FillPrice * spec.Value / 100, nil
	case types.SpecKindATR:
		if p.ATR <= 0 {
			return 0, ErrInvalidTick
		}
		mult := spec.Value
		if isStopLoss && p.ATRMulSL > 0 {
			mult = p.ATRMulSL
		} else if !isStopLoss && p.ATRMulTP > 0 {
			mult = p.ATRMulTP
		}
		return p.ATR * mult, nil
	default:
		return 0, fmt.Errorf("sltp: unknown spec kind %q", spec.Kind)
	}
}

// applySide turns a distance into an absolute price, for a stop (isStop) or
// a target, mirrored for SELL.
func applySide(side types.Side, fill, distance float64, isStop bool) float64 {
	below := (side == types.SideBuy) == isStop
	if below {
		return fill - distance
	}
	return fill + distance
}

// tickRound snaps price to the tick grid via decimal arithmetic so float
// drift never produces an off-grid price (§9 design note).
func tickRound(price, tickSize float64) (float64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, ErrInvalidTick
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(tickSize)
	ticks := p.Div(tick).Round(0)
	rounded := ticks.Mul(tick)
	f, _ := rounded.Float64()
	return f, nil
}

func validateOrdering(side types.Side, fill, sl, tp float64) error {
	if side == types.SideBuy {
		if !(sl < fill && fill < tp) {
			return fmt.Errorf("sltp: invalid BUY bracket: sl=%.4f fill=%.4f tp=%.4f", sl, fill, tp)
		}
		return nil
	}
	if !(tp < fill && fill < sl) {
		return fmt.Errorf("sltp: invalid SELL bracket: tp=%.4f fill=%.4f sl=%.4f", tp, fill, sl)
	}
	return nil
}

func riskReward(fill, sl, tp float64) float64 {
	risk := math.Abs(fill - sl)
	if risk == 0 {
		return 0
	}
	return math.Abs(tp-fill) / risk
}

// extendTP pushes the take-profit out to satisfy minRR without touching the
// stop-loss (§4.6 "extend TP to meet minRR, do not shrink SL").
func extendTP(side types.Side, fill, sl, minRR, tickSize float64) (float64, error) {
	risk := math.Abs(fill - sl)
	distance := risk * minRR
	var tp float64
	if side == types.SideBuy {
		tp = fill + distance
	} else {
		tp = fill - distance
	}
	return tickRound(tp, tickSize)
}

// TrailingState tracks one position's trailing-stop high/low-water marks
// (§4.6, opt-in per position).
type TrailingState struct {
	Side              types.Side
	EntryPrice        float64
	TriggerPct        float64
	DistancePct       float64
	TickSize          float64
	HighWaterMark     float64
	LowWaterMark      float64
	TrailingActivated bool
	CurrentStop       float64
}

// TrailingManager tracks trailing-stop state per tracked order ID.
type TrailingManager struct {
	mu    sync.Mutex
	state map[string]*TrailingState
}

// NewTrailingManager creates an empty trailing-stop tracker.
func NewTrailingManager() *TrailingManager {
	return &TrailingManager{state: make(map[string]*TrailingState)}
}

// Arm registers a position for trailing-stop tracking.
func (m *TrailingManager) Arm(orderID string, st TrailingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.HighWaterMark = st.EntryPrice
	st.LowWaterMark = st.EntryPrice
	m.state[orderID] = &st
}

// Update feeds a new market price and returns the new stop if it moved
// (§4.6: accepted only if strictly tighter than the previous stop).
func (m *TrailingManager) Update(orderID string, currentPrice float64) (newStop float64, moved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[orderID]
	if !ok {
		return 0, false
	}

	if !st.TrailingActivated {
		if st.Side == types.SideBuy {
			if currentPrice >= st.EntryPrice*(1+st.TriggerPct/100) {
				st.TrailingActivated = true
			}
		} else {
			if currentPrice <= st.EntryPrice*(1-st.TriggerPct/100) {
				st.TrailingActivated = true
			}
		}
		if !st.TrailingActivated {
			return 0, false
		}
	}

	if st.Side == types.SideBuy {
		if currentPrice > st.HighWaterMark {
			st.HighWaterMark = currentPrice
		}
		candidate := st.HighWaterMark * (1 - st.DistancePct/100)
		rounded, err := tickRound(candidate, st.TickSize)
		if err != nil || (st.CurrentStop != 0 && rounded <= st.CurrentStop) {
			return 0, false
		}
		st.CurrentStop = rounded
		return rounded, true
	}

	if currentPrice < st.LowWaterMark || st.LowWaterMark == 0 {
		st.LowWaterMark = currentPrice
	}
	candidate := st.LowWaterMark * (1 + st.DistancePct/100)
	rounded, err := tickRound(candidate, st.TickSize)
	if err != nil || (st.CurrentStop != 0 && rounded >= st.CurrentStop) {
		return 0, false
	}
	st.CurrentStop = rounded
	return rounded, true
}

// Release removes a position from trailing-stop tracking.
func (m *TrailingManager) Release(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, orderID)
}
