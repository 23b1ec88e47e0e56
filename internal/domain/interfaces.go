package domain

import (
	"context"
	"time"
)

// Exchange defines the protocol client against the perpetual-futures
// exchange. Implementations sign REST requests and maintain the market
// and account WebSocket streams internally.
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
	GetPosition(ctx context.Context, symbol string) (*ExchangePosition, error)
	GetFundingRate(ctx context.Context, symbol string) (*FundingInfo, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
	// GetRealizedPnL sums the symbol's realized-PnL income history, used
	// to seed the tracker's PnL baseline at startup.
	GetRealizedPnL(ctx context.Context, symbol string) (float64, error)

	// PlaceLimitOrder submits a LIMIT entry with an attached take-profit
	// price. The exchange materializes one TP order per fill.
	PlaceLimitOrder(ctx context.Context, symbol string, side OrderSide, price, qty, tpPrice float64) (*ExchangeOrder, error)
	PlaceTPOrder(ctx context.Context, symbol string, side OrderSide, stopPrice, qty float64) (*ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// CancelAllLimitOrders cancels pending LIMIT orders only; TP/SL orders
	// tied to open positions are preserved.
	CancelAllLimitOrders(ctx context.Context, symbol string) (int, error)

	OnAccountEvent(cb func(AccountEvent))
	OnPriceUpdate(cb func(symbol string, price float64))
	Connect(ctx context.Context, symbols []string) error
	Close() error
}

// PersistedTrade mirrors one row of the external trade table. The engine
// reads and patches these during reconciliation but never owns them.
type PersistedTrade struct {
	ID         int64
	OrderID    string
	Symbol     string
	EntryPrice float64
	Quantity   float64
	TPPrice    float64
	TPOrderID  string
	Leverage   int
	Fees       float64
	Status     string
	ExitPrice  float64
	PnL        float64
	OpenedAt   time.Time
	ClosedAt   *time.Time
}

const (
	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"
)

// TradeStore is the persistence collaborator. All calls from the engine
// are best-effort: failures are logged and never roll back exchange
// actions.
type TradeStore interface {
	SaveTrade(ctx context.Context, trade *PersistedTrade) (int64, error)
	UpdateTradeExit(ctx context.Context, id int64, exitPrice, pnl float64, closedAt time.Time) error
	UpdateTradeTP(ctx context.Context, id int64, tpPrice float64, tpOrderID string) error
	SaveTPAdjustment(ctx context.Context, upd *PositionTPUpdate) error
	LogActivity(ctx context.Context, event, detail string) error
	ListOpenTrades(ctx context.Context, symbol string) ([]*PersistedTrade, error)
}

// SignalFilter decides whether trading is currently allowed and reports
// the coarse lifecycle state. Indicator math lives behind this interface.
type SignalFilter interface {
	Evaluate(candles []Candle) (allowTrading bool, state LifecycleState)
}

// GridSettings is the runtime grid configuration, polled once per
// coordination cycle.
type GridSettings struct {
	SpacingType    string  // "absolute" or "percent"
	Spacing        float64 // price units, or percent of current price
	RangePercent   float64 // grid extends this far below current price
	MaxTotalOrders int
	AnchorEnabled  bool
	AnchorValue    float64 // round derived entries to this increment
	TPPercent      float64
	OrderSizeUSDT  float64
}

// SpacingAt resolves the configured spacing to price units at the given
// price.
func (s GridSettings) SpacingAt(price float64) float64 {
	if s.SpacingType == "percent" {
		return price * s.Spacing / 100
	}
	return s.Spacing
}

// GridConfigProvider supplies grid settings. Callers fall back to static
// defaults when it errors.
type GridConfigProvider interface {
	GridSettings(ctx context.Context) (GridSettings, error)
}
