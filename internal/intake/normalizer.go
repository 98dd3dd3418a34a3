// Package intake implements the Intake / Normalizer (spec §4.2): it accepts
// loosely-shaped inbound order messages — canonical, MANUAL_ORDER, or the
// legacy PLACE_ORDER shape — and produces a canonical types.Order, or fails
// silently with MalformedOrder.
package intake

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"trading-core/internal/types"
)

// Raw is the loosely-typed inbound shape as decoded off the bus: field
// names cover all three accepted shapes so callers don't need to branch on
// message kind before calling Normalize.
type Raw struct {
	ID         string
	Source     string
	Instrument string // canonical
	Symbol     string // PLACE_ORDER shape
	Side       string // canonical
	Action     string // MANUAL_ORDER shape
	Direction  string // LONG/SHORT shape

	Type string

	Quantity interface{} // accepts numeric or numeric string
	Qty      interface{} // PLACE_ORDER alias

	LimitPrice interface{}
	StopPrice  interface{}

	StopLossPoints   interface{}
	TakeProfitPoints interface{}
	StopLossPrice    interface{}
	TakeProfitPrice  interface{}

	AccountID string
	Urgency   bool
	Metadata  map[string]string
}

// Normalize converts a Raw message into a canonical Order. It never panics
// or returns past a handler boundary: any problem comes back as
// types.ErrMalformedOrder (§4.2, §7).
func Normalize(r Raw) (types.Order, error) {
	instrument := firstNonEmpty(r.Instrument, r.Symbol)
	if instrument == "" {
		return types.Order{}, types.ErrMalformedOrder
	}

	side, ok := normalizeSide(firstNonEmpty(r.Side, r.Action, r.Direction))
	if !ok {
		return types.Order{}, types.ErrMalformedOrder
	}

	qty, ok := toFloat(firstNonNil(r.Quantity, r.Qty))
	if !ok || qty <= 0 {
		return types.Order{}, types.ErrMalformedOrder
	}

	id := r.ID
	if id == "" {
		id = generateID(r.Source)
	}

	order := types.Order{
		ID:          id,
		Source:      r.Source,
		Instrument:  instrument,
		Side:        side,
		Type:        normalizeType(r.Type),
		Quantity:    qty,
		AccountID:   r.AccountID,
		Urgency:     r.Urgency,
		Metadata:    r.Metadata,
		SubmittedAt: currentTime(),
	}

	if v, ok := toFloat(r.LimitPrice); ok {
		order.LimitPrice = v
		order.HasLimit = true
	}
	if v, ok := toFloat(r.StopPrice); ok {
		order.StopPrice = v
		order.HasStop = true
	}

	if spec, ok := pointsSpec(r.StopLossPoints); ok {
		order.StopLossSpec = &spec
	} else if spec, ok := priceSpec(r.StopLossPrice); ok {
		order.StopLossSpec = &spec
	}
	if spec, ok := pointsSpec(r.TakeProfitPoints); ok {
		order.TakeProfitSpec = &spec
	} else if spec, ok := priceSpec(r.TakeProfitPrice); ok {
		order.TakeProfitSpec = &spec
	}

	if err := order.Validate(); err != nil {
		return types.Order{}, err
	}

	return order, nil
}

// currentTime is a seam so tests can avoid depending on wall-clock skew;
// production callers get time.Now.
var currentTime = time.Now

func normalizeSide(raw string) (types.Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG":
		return types.SideBuy, true
	case "SELL", "SHORT":
		return types.SideSell, true
	default:
		return "", false
	}
}

func normalizeType(raw string) types.OrderType {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LIMIT":
		return types.OrderTypeLimit
	case "STOP":
		return types.OrderTypeStop
	case "STOP_LOSS":
		return types.OrderTypeStopLoss
	case "TAKE_PROFIT":
		return types.OrderTypeTakeProfit
	case "MODIFY":
		return types.OrderTypeModify
	case "CANCEL":
		return types.OrderTypeCancel
	default:
		return types.OrderTypeMarket
	}
}

func pointsSpec(v interface{}) (types.LevelSpec, bool) {
	f, ok := toFloat(v)
	if !ok {
		return types.LevelSpec{}, false
	}
	return types.LevelSpec{Kind: types.SpecKindPoints, Value: f}, true
}

func priceSpec(v interface{}) (types.LevelSpec, bool) {
	f, ok := toFloat(v)
	if !ok {
		return types.LevelSpec{}, false
	}
	return types.LevelSpec{Kind: types.SpecKindPrice, Value: f}, true
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		if t == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonNil(vals ...interface{}) interface{} {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// generateID mints a monotonic-looking ID when the caller didn't supply one
// (§4.2 "SOURCE_<timestamp>_<rand>").
func generateID(source string) string {
	if source == "" {
		source = "UNKNOWN"
	}
	return fmt.Sprintf("%s_%d_%04d", source, currentTime().UnixNano(), rand.Intn(10000))
}
