// Package types holds the canonical data model shared by every component of
// the order-routing core: orders, fills, positions, pending brackets, risk
// state and registered sources.
package types

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the opposite side, used when deriving bracket children.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the order types the core understands.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
	OrderTypeModify     OrderType = "MODIFY"
	OrderTypeCancel     OrderType = "CANCEL"
)

// OrderStatus is the lifecycle state of a TrackedOrder.
type OrderStatus string

const (
	StatusQueued          OrderStatus = "QUEUED"
	StatusProcessing      OrderStatus = "PROCESSING"
	StatusSent            OrderStatus = "SENT"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusFailed          OrderStatus = "FAILED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// IsTerminal reports whether status is one of the terminal states (§3, §8 invariant 2).
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusFailed, StatusCancelled, StatusFilled:
		return true
	}
	return false
}

// SpecKind is the unit a StopLoss/TakeProfit spec is expressed in.
type SpecKind string

const (
	SpecKindPoints  SpecKind = "points"
	SpecKindDollars SpecKind = "dollars"
	SpecKindPrice   SpecKind = "price"
	SpecKindPercent SpecKind = "percent"
	SpecKindATR     SpecKind = "atr"
)

// LevelSpec describes a stop-loss or take-profit request before a fill price is known.
type LevelSpec struct {
	Kind  SpecKind
	Value float64
}

// Order is the canonical, immutable-after-normalization order representation (§3).
type Order struct {
	ID         string
	Source     string
	Instrument string
	Side       Side
	Type       OrderType

	Quantity    float64
	LimitPrice  float64
	StopPrice   float64
	HasLimit    bool
	HasStop     bool

	StopLossSpec   *LevelSpec
	TakeProfitSpec *LevelSpec

	AccountID   string
	Urgency     bool
	Metadata    map[string]string
	SubmittedAt time.Time

	RetryCount int
}

// Validate enforces the Order invariants from §3.
func (o Order) Validate() error {
	if o.Quantity <= 0 {
		return ErrMalformedOrder
	}
	if o.Type == OrderTypeLimit && !o.HasLimit {
		return ErrMalformedOrder
	}
	if o.Type == OrderTypeStop && !o.HasStop {
		return ErrMalformedOrder
	}
	return nil
}

// TrackedOrder is the mutable lifecycle wrapper the Aggregator owns (§3).
type TrackedOrder struct {
	Order

	Status       OrderStatus
	QueueID      string
	QueuedAt     time.Time
	DispatchedAt time.Time
	LastUpdate   time.Time
	Error        string
	BrokerID     string
	FilledQty    float64
}

// IsFullyFilled reports whether the cumulative fill quantity covers the order.
func (t *TrackedOrder) IsFullyFilled() bool {
	return t.FilledQty >= t.Quantity
}

// Fill is a single broker-reported execution, possibly partial (§3).
type Fill struct {
	OrderID    string
	Instrument string
	Side       Side
	FillPrice  float64
	Quantity   float64
	Timestamp  time.Time
	AccountID  string
	BrokerID   string
}

// PositionKey identifies a Position by instrument and source (§3, §8 invariant 5).
type PositionKey struct {
	Instrument string
	Source     string
}

// Position is the per-instrument-per-source net exposure (§3).
type Position struct {
	Key            PositionKey
	NetQuantity    float64 // signed: positive long, negative short
	AvgPrice       float64
	RealizedPnL    float64
	UnrealizedPnL  float64
	OpenedAt       time.Time
}

// PendingBracket is stored at dispatch and used by each fill of the order;
// the orchestrator removes it once the order is fully filled or its bracket
// cannot be built (§3, §4.7).
type PendingBracket struct {
	ParentOrderID  string
	Instrument     string
	Side           Side
	StopLossSpec   *LevelSpec
	TakeProfitSpec *LevelSpec
	AccountID      string
	OriginalQty    float64
	CreatedAt      time.Time
}

// SourceKind enumerates the typed producer variants (§3, §9 Design Notes).
type SourceKind string

const (
	SourceBot      SourceKind = "BOT"
	SourceManual   SourceKind = "MANUAL"
	SourceAPI      SourceKind = "API"
	SourceStrategy SourceKind = "STRATEGY"
	SourceExternal SourceKind = "EXTERNAL"
)

// SourceStatus is the lifecycle status of a registered Source.
type SourceStatus string

const (
	SourceActive      SourceStatus = "ACTIVE"
	SourcePaused      SourceStatus = "PAUSED"
	SourceDisabled    SourceStatus = "DISABLED"
	SourceMaintenance SourceStatus = "MAINTENANCE"
)

// Source is a registered order producer (§3, §4.9).
type Source struct {
	ID           string
	Kind         SourceKind
	Status       SourceStatus
	OrderCount   uint64
	SuccessCount uint64
	RejectCount  uint64
	CancelCount  uint64
	LastActivity time.Time
}

// SuccessRate returns the running success ratio, 1.0 when no orders observed yet.
func (s *Source) SuccessRate() float64 {
	if s.OrderCount == 0 {
		return 1.0
	}
	return float64(s.SuccessCount) / float64(s.OrderCount)
}

// ViolationSeverity ranks risk violations (§4.3).
type ViolationSeverity string

const (
	SeverityLow      ViolationSeverity = "LOW"
	SeverityMedium   ViolationSeverity = "MEDIUM"
	SeverityHigh     ViolationSeverity = "HIGH"
	SeverityCritical ViolationSeverity = "CRITICAL"
)

// ViolationKind enumerates the risk rule that tripped (§4.3).
type ViolationKind string

const (
	ViolationMinOrderSize    ViolationKind = "MIN_ORDER_SIZE"
	ViolationMaxOrderSize    ViolationKind = "MAX_ORDER_SIZE"
	ViolationMaxPositions    ViolationKind = "MAX_POSITIONS"
	ViolationDailyLossLimit  ViolationKind = "DAILY_LOSS_LIMIT"
	ViolationDailyProfitLim  ViolationKind = "DAILY_PROFIT_LIMIT"
	ViolationOutsideHours    ViolationKind = "OUTSIDE_TRADING_HOURS"
	ViolationExcessiveRisk   ViolationKind = "EXCESSIVE_RISK"
)

// Violation records one tripped risk rule.
type Violation struct {
	Kind     ViolationKind
	Severity ViolationSeverity
	Detail   string
	At       time.Time
}
