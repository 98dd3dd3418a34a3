package queue

import "trading-core/internal/types"

// Band is one of the three priority bands orders are routed into (§4.4).
type Band int

const (
	BandLow Band = iota
	BandMedium
	BandHigh
)

func (b Band) String() string {
	switch b {
	case BandHigh:
		return "high"
	case BandMedium:
		return "medium"
	default:
		return "low"
	}
}

// DerivePriority computes an order's priority score 0-10 per §4.4's rules.
func DerivePriority(o types.Order, sourceKind types.SourceKind) int {
	p := 5

	switch o.Type {
	case types.OrderTypeMarket:
		p = 10
	case types.OrderTypeStopLoss:
		p = 9
	case types.OrderTypeModify, types.OrderTypeCancel:
		p = 8
	case types.OrderTypeTakeProfit:
		p = 7
	case types.OrderTypeLimit:
		p = 5
	}

	if o.Urgency {
		p += 2
	}
	if sourceKind == types.SourceManual {
		p += 1
	}
	if o.RetryCount > 0 {
		p += 1
	}

	if p > 10 {
		p = 10
	}
	return p
}

// BandFor buckets a priority score into its FIFO band.
func BandFor(priority int) Band {
	switch {
	case priority >= 8:
		return BandHigh
	case priority >= 5:
		return BandMedium
	default:
		return BandLow
	}
}
