package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// MockExchange for coordinator, sync and adjuster tests.
type MockExchange struct {
	mu sync.Mutex

	Price       float64
	PriceErr    error
	Klines      []domain.Candle
	KlinesErr   error
	OpenOrders  []domain.ExchangeOrder
	Position    *domain.ExchangePosition
	Funding     *domain.FundingInfo
	FundingErr  error
	Balance     float64
	RealizedPnL float64

	PlaceLimitErr error
	PlaceTPErr    error

	PlacedLimits []domain.ExchangeOrder
	PlacedTPs    []domain.ExchangeOrder
	Cancelled    []string

	nextID int

	accountCB func(domain.AccountEvent)
	priceCB   func(symbol string, price float64)
}

func (m *MockExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return m.Price, m.PriceErr
}

func (m *MockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return m.Klines, m.KlinesErr
}

func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ExchangeOrder, len(m.OpenOrders))
	copy(out, m.OpenOrders)
	return out, nil
}

func (m *MockExchange) GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, error) {
	return m.Position, nil
}

func (m *MockExchange) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingInfo, error) {
	return m.Funding, m.FundingErr
}

func (m *MockExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	return m.Balance, nil
}

func (m *MockExchange) GetRealizedPnL(ctx context.Context, symbol string) (float64, error) {
	return m.RealizedPnL, nil
}

func (m *MockExchange) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, price, qty, tpPrice float64) (*domain.ExchangeOrder, error) {
	if m.PlaceLimitErr != nil {
		return nil, m.PlaceLimitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	order := domain.ExchangeOrder{
		OrderID:   fmt.Sprintf("mock-%d", m.nextID),
		Symbol:    symbol,
		Side:      side,
		Type:      domain.OrderTypeLimit,
		Price:     price,
		Quantity:  qty,
		CreatedAt: time.Now(),
	}
	m.PlacedLimits = append(m.PlacedLimits, order)
	m.OpenOrders = append(m.OpenOrders, order)
	return &order, nil
}

func (m *MockExchange) PlaceTPOrder(ctx context.Context, symbol string, side domain.OrderSide, stopPrice, qty float64) (*domain.ExchangeOrder, error) {
	if m.PlaceTPErr != nil {
		return nil, m.PlaceTPErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	order := domain.ExchangeOrder{
		OrderID:    fmt.Sprintf("mock-tp-%d", m.nextID),
		Symbol:     symbol,
		Side:       side,
		Type:       domain.OrderTypeTakeProfit,
		StopPrice:  stopPrice,
		Quantity:   qty,
		ReduceOnly: true,
		CreatedAt:  time.Now(),
	}
	m.PlacedTPs = append(m.PlacedTPs, order)
	return &order, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, orderID)
	for i, o := range m.OpenOrders {
		if o.OrderID == orderID {
			m.OpenOrders = append(m.OpenOrders[:i], m.OpenOrders[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockExchange) CancelAllLimitOrders(ctx context.Context, symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.ExchangeOrder
	cancelled := 0
	for _, o := range m.OpenOrders {
		if o.Type == domain.OrderTypeLimit && !o.ReduceOnly {
			m.Cancelled = append(m.Cancelled, o.OrderID)
			cancelled++
			continue
		}
		kept = append(kept, o)
	}
	m.OpenOrders = kept
	return cancelled, nil
}

func (m *MockExchange) OnAccountEvent(cb func(domain.AccountEvent)) { m.accountCB = cb }
func (m *MockExchange) OnPriceUpdate(cb func(symbol string, price float64)) {
	m.priceCB = cb
}
func (m *MockExchange) Connect(ctx context.Context, symbols []string) error { return nil }
func (m *MockExchange) Close() error                                        { return nil }

// PushOrderUpdate delivers an account event the way the stream would.
func (m *MockExchange) PushOrderUpdate(upd domain.OrderUpdate) {
	if m.accountCB != nil {
		m.accountCB(domain.AccountEvent{Type: domain.EventOrderUpdate, Order: &upd})
	}
}

// MockStore records persistence calls for assertions.
type MockStore struct {
	mu sync.Mutex

	nextID     int64
	Trades     []*domain.PersistedTrade
	Exits      map[int64][2]float64 // id -> exit price, pnl
	TPPatches  map[int64][2]any     // id -> tp price, tp order id
	TPUpdates  []domain.PositionTPUpdate
	Activities []string
	OpenTrades []*domain.PersistedTrade
	ListErr    error
}

func NewMockStore() *MockStore {
	return &MockStore{
		Exits:     make(map[int64][2]float64),
		TPPatches: make(map[int64][2]any),
	}
}

func (s *MockStore) SaveTrade(ctx context.Context, trade *domain.PersistedTrade) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	trade.ID = s.nextID
	s.Trades = append(s.Trades, trade)
	return s.nextID, nil
}

func (s *MockStore) UpdateTradeExit(ctx context.Context, id int64, exitPrice, pnl float64, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Exits[id] = [2]float64{exitPrice, pnl}
	return nil
}

func (s *MockStore) UpdateTradeTP(ctx context.Context, id int64, tpPrice float64, tpOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TPPatches[id] = [2]any{tpPrice, tpOrderID}
	return nil
}

func (s *MockStore) SaveTPAdjustment(ctx context.Context, upd *domain.PositionTPUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TPUpdates = append(s.TPUpdates, *upd)
	return nil
}

func (s *MockStore) LogActivity(ctx context.Context, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Activities = append(s.Activities, event)
	return nil
}

func (s *MockStore) ListOpenTrades(ctx context.Context, symbol string) ([]*domain.PersistedTrade, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	return s.OpenTrades, nil
}
