package domain

// AccountEventType discriminates account stream events. The stream is
// dispatched as a tagged union so handlers match on the type explicitly
// instead of branching on raw topic strings.
type AccountEventType int

const (
	EventUnknown AccountEventType = iota
	EventOrderUpdate
	EventPositionUpdate
	EventSessionExpired
)

type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        string
	Type          ExchangeOrderType
	Side          OrderSide
	Price         float64
	StopPrice     float64
	Quantity      float64
	FilledQty     float64
	AvgFillPrice  float64
}

type PositionUpdate struct {
	Symbol     string
	Size       float64
	EntryPrice float64
}

// AccountEvent carries exactly one payload matching its Type.
type AccountEvent struct {
	Type     AccountEventType
	Order    *OrderUpdate
	Position *PositionUpdate
}
