package domain

import "time"

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusTpHit     OrderStatus = "TP_HIT"
	StatusCancelled OrderStatus = "CANCELLED"
)

// TrackedOrder is one exchange order (pending) or one consolidated fill
// awaiting take-profit (filled). The tracker owns these for the lifetime
// of the bot process.
type TrackedOrder struct {
	OrderID           string
	EntryPrice        float64
	TPPrice           float64
	TPPercent         float64
	Quantity          float64
	Status            OrderStatus
	CreatedAt         time.Time
	FilledAt          *time.Time
	ClosedAt          *time.Time
	ExchangeTPOrderID string
	TradeID           int64
	LastTPAdjust      time.Time
}

// TradeRecord is produced when a position's TP executes.
type TradeRecord struct {
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
	EntryTime  time.Time
	ExitTime   time.Time
}

func (t TradeRecord) PnLPercent() float64 {
	notional := t.EntryPrice * t.Quantity
	if notional == 0 {
		return 0
	}
	return t.PnL / notional * 100
}

// GridLevel is a candidate entry/TP price pair on the ladder. Ephemeral,
// recomputed every cycle.
type GridLevel struct {
	EntryPrice float64
	TPPrice    float64
	Index      int
}

// PositionTPUpdate is an audit record of one dynamic-TP adjustment.
type PositionTPUpdate struct {
	OrderID            string
	OldTPPercent       float64
	NewTPPercent       float64
	FundingAccumulated float64
	UpdatedAt          time.Time
}

type LifecycleState string

const (
	StateWait     LifecycleState = "WAIT"
	StateActivate LifecycleState = "ACTIVATE"
	StateActive   LifecycleState = "ACTIVE"
	StatePause    LifecycleState = "PAUSE"
	StateInactive LifecycleState = "INACTIVE"
)
