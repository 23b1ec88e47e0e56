package domain

import "time"

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type ExchangeOrderType string

const (
	OrderTypeLimit      ExchangeOrderType = "LIMIT"
	OrderTypeTakeProfit ExchangeOrderType = "TAKE_PROFIT_MARKET"
	OrderTypeStopLoss   ExchangeOrderType = "STOP_MARKET"
)

// ExchangeOrder is an order as reported by the exchange.
type ExchangeOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          ExchangeOrderType
	Price         float64
	StopPrice     float64
	Quantity      float64
	ReduceOnly    bool
	CreatedAt     time.Time
}

// IsTP reports whether the order is a take-profit order protecting a fill.
func (o ExchangeOrder) IsTP() bool {
	return o.Type == OrderTypeTakeProfit
}

// ExchangePosition is the consolidated position as reported by the
// exchange. Multiple fills are averaged into one entry.
type ExchangePosition struct {
	Symbol        string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

type FundingInfo struct {
	Symbol          string
	Rate            float64
	NextFundingTime int64
}
