package usecase

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/metrics"
)

const (
	tradeHistoryLimit = 500
	tpUpdateLimit     = 100
)

// Stats is a point-in-time aggregate over the tracker.
type Stats struct {
	PendingCount  int
	PositionCount int
	TotalTrades   int
	TotalPnL      float64
	WinRate       float64
}

// OrderTracker is the authoritative in-memory model of pending orders and
// open positions. It owns slot-occupancy bookkeeping: a slot is one price
// bucket of width = grid spacing, occupied while a fill in that bucket
// awaits its take-profit. All mutation happens under one mutex because
// the coordination loop, the TP adjuster and the account-stream callback
// all touch the same orders.
type OrderTracker struct {
	mu sync.Mutex

	orders  map[string]*domain.TrackedOrder
	byPrice map[float64]string // exact entry price -> order id
	slots   map[float64]string // slot -> order id, Filled orders only

	spacing       float64
	anchorEnabled bool
	anchorValue   float64

	history   []domain.TradeRecord
	tpUpdates []domain.PositionTPUpdate

	initialPnL float64
	realized   float64
	wins       int

	logger *zap.Logger
}

func NewOrderTracker(spacing float64, logger *zap.Logger) *OrderTracker {
	return &OrderTracker{
		orders:  make(map[string]*domain.TrackedOrder),
		byPrice: make(map[float64]string),
		slots:   make(map[float64]string),
		spacing: spacing,
		logger:  logger,
	}
}

// Slot maps a price to its bucket: floor(price / spacing) * spacing.
func (t *OrderTracker) Slot(price float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slot(price)
}

func (t *OrderTracker) slot(price float64) float64 {
	if t.spacing <= 0 {
		return price
	}
	return math.Floor(price/t.spacing) * t.spacing
}

// SetGridParams updates the slot width and anchor settings. Occupied
// slots are recomputed from the filled orders so a spacing change does
// not orphan old bucket keys.
func (t *OrderTracker) SetGridParams(spacing float64, anchorEnabled bool, anchorValue float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spacing = spacing
	t.anchorEnabled = anchorEnabled
	t.anchorValue = anchorValue

	t.slots = make(map[float64]string)
	for id, o := range t.orders {
		if o.Status == domain.StatusFilled {
			t.slots[t.slot(o.EntryPrice)] = id
		}
	}
}

// SetInitialPnL seeds the realized-PnL baseline from the exchange at
// startup.
func (t *OrderTracker) SetInitialPnL(pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialPnL = pnl
}

// AddOrder inserts a Pending order. Returns nil when an order already
// exists at that exact entry price.
func (t *OrderTracker) AddOrder(orderID string, entryPrice, tpPrice, qty float64) *domain.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byPrice[entryPrice]; exists {
		return nil
	}
	if _, exists := t.orders[orderID]; exists {
		return nil
	}

	order := &domain.TrackedOrder{
		OrderID:    orderID,
		EntryPrice: entryPrice,
		TPPrice:    tpPrice,
		Quantity:   qty,
		Status:     domain.StatusPending,
		CreatedAt:  time.Now(),
	}
	if entryPrice > 0 {
		order.TPPercent = (tpPrice/entryPrice - 1) * 100
	}
	t.orders[orderID] = order
	t.byPrice[entryPrice] = orderID

	copied := *order
	return &copied
}

// HasOrderAtPrice reports whether an order is tracked at this exact entry
// price.
func (t *OrderTracker) HasOrderAtPrice(price float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byPrice[price]
	return ok
}

// IsSlotOccupied reports whether a filled position already occupies the
// price bucket containing price.
func (t *OrderTracker) IsSlotOccupied(price float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.slots[t.slot(price)]
	return ok
}

// MarkFilled transitions Pending -> Filled and occupies the slot. Calling
// it on an already-Filled order is a no-op; duplicate fill notifications
// from the account stream are expected.
func (t *OrderTracker) MarkFilled(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok || order.Status != domain.StatusPending {
		return
	}
	now := time.Now()
	order.Status = domain.StatusFilled
	order.FilledAt = &now
	t.slots[t.slot(order.EntryPrice)] = orderID
	metrics.OrdersFilled.Inc()
}

// MarkTpHit transitions Filled -> TpHit, removes the order from all
// indices, releases the slot and appends a TradeRecord. Returns nil when
// the order is unknown or not Filled.
func (t *OrderTracker) MarkTpHit(orderID string, exitPrice float64) *domain.TradeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok || order.Status != domain.StatusFilled {
		return nil
	}

	now := time.Now()
	order.Status = domain.StatusTpHit
	order.ClosedAt = &now

	record := domain.TradeRecord{
		EntryPrice: order.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   order.Quantity,
		PnL:        (exitPrice - order.EntryPrice) * order.Quantity,
		ExitTime:   now,
	}
	if order.FilledAt != nil {
		record.EntryTime = *order.FilledAt
	}

	t.removeLocked(order)

	t.history = append(t.history, record)
	if len(t.history) > tradeHistoryLimit {
		t.history = t.history[len(t.history)-tradeHistoryLimit:]
	}
	t.realized += record.PnL
	if record.PnL > 0 {
		t.wins++
	}
	metrics.TpHits.Inc()
	metrics.RealizedPnL.Set(t.initialPnL + t.realized)

	return &record
}

// CancelOrder transitions Pending -> Cancelled and removes the order.
// Slots are untouched: pending orders never occupy one.
func (t *OrderTracker) CancelOrder(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok || order.Status != domain.StatusPending {
		return
	}
	order.Status = domain.StatusCancelled
	t.removeLocked(order)
}

func (t *OrderTracker) removeLocked(order *domain.TrackedOrder) {
	delete(t.orders, order.OrderID)
	if id, ok := t.byPrice[order.EntryPrice]; ok && id == order.OrderID {
		delete(t.byPrice, order.EntryPrice)
	}
	s := t.slot(order.EntryPrice)
	if id, ok := t.slots[s]; ok && id == order.OrderID {
		delete(t.slots, s)
	}
}

// BindTPOrder links an exchange TP order to the filled position it
// protects, matched by stop price and quantity. The exchange
// materializes the attached TP only after the entry fills, so its id is
// not known at placement time; this is how the live fill path learns it.
// No-op when the id is already bound to some fill.
func (t *OrderTracker) BindTPOrder(tpOrderID string, stopPrice, qty float64) bool {
	if tpOrderID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, o := range t.orders {
		if o.ExchangeTPOrderID == tpOrderID {
			return false
		}
	}
	for _, o := range t.orders {
		if o.Status != domain.StatusFilled || o.ExchangeTPOrderID != "" {
			continue
		}
		if math.Abs(o.TPPrice-stopPrice) > reconcilePriceTolerance {
			continue
		}
		if math.Abs(o.Quantity-qty) > reconcileQtyTolerance {
			continue
		}
		o.ExchangeTPOrderID = tpOrderID
		return true
	}
	return false
}

// UpdateTP records a successful take-profit replacement for a filled
// order. Only called after the new exchange TP order is confirmed.
func (t *OrderTracker) UpdateTP(orderID string, tpPrice, tpPercent float64, exchangeTPOrderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok || order.Status != domain.StatusFilled {
		return false
	}
	order.TPPrice = tpPrice
	order.TPPercent = tpPercent
	order.ExchangeTPOrderID = exchangeTPOrderID
	order.LastTPAdjust = time.Now()
	return true
}

// SetTradeID correlates a tracked order with its persisted trade record.
func (t *OrderTracker) SetTradeID(orderID string, tradeID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if order, ok := t.orders[orderID]; ok {
		order.TradeID = tradeID
	}
}

// RecordTPUpdate appends to the bounded adjustment ring kept for
// observability.
func (t *OrderTracker) RecordTPUpdate(upd domain.PositionTPUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tpUpdates = append(t.tpUpdates, upd)
	if len(t.tpUpdates) > tpUpdateLimit {
		t.tpUpdates = t.tpUpdates[len(t.tpUpdates)-tpUpdateLimit:]
	}
}

// TPUpdates returns a copy of the recent adjustment history.
func (t *OrderTracker) TPUpdates() []domain.PositionTPUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.PositionTPUpdate, len(t.tpUpdates))
	copy(out, t.tpUpdates)
	return out
}

// Order returns a copy of one tracked order.
func (t *OrderTracker) Order(orderID string) (domain.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[orderID]
	if !ok {
		return domain.TrackedOrder{}, false
	}
	return *order, true
}

// PendingOrders returns copies of all Pending orders, oldest first.
func (t *OrderTracker) PendingOrders() []domain.TrackedOrder {
	return t.ordersByStatus(domain.StatusPending)
}

// FilledOrders returns copies of all Filled orders, oldest fill first.
func (t *OrderTracker) FilledOrders() []domain.TrackedOrder {
	return t.ordersByStatus(domain.StatusFilled)
}

func (t *OrderTracker) ordersByStatus(status domain.OrderStatus) []domain.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []domain.TrackedOrder
	for _, o := range t.orders {
		if o.Status == status {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CreatedAt, out[j].CreatedAt
		if out[i].FilledAt != nil {
			ti = *out[i].FilledAt
		}
		if out[j].FilledAt != nil {
			tj = *out[j].FilledAt
		}
		return ti.Before(tj)
	})
	return out
}

// TradeHistory returns a copy of the bounded rolling trade history.
func (t *OrderTracker) TradeHistory() []domain.TradeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.TradeRecord, len(t.history))
	copy(out, t.history)
	return out
}

func (t *OrderTracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		TotalTrades: len(t.history),
		TotalPnL:    t.initialPnL + t.realized,
	}
	for _, o := range t.orders {
		switch o.Status {
		case domain.StatusPending:
			stats.PendingCount++
		case domain.StatusFilled:
			stats.PositionCount++
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(t.wins) / float64(stats.TotalTrades) * 100
	}
	return stats
}

// --- startup reconstruction ---

// deriveEntry reverses the TP formula: entry = tp / (1 + tpPercent/100).
// With anchoring enabled the result is rounded to the nearest anchor
// increment to absorb exchange-side rounding drift; otherwise to 2
// decimals.
func (t *OrderTracker) deriveEntry(tpPrice, tpPercent float64) float64 {
	entry := tpPrice / (1 + tpPercent/100)
	if t.anchorEnabled && t.anchorValue > 0 {
		return math.Round(entry/t.anchorValue) * t.anchorValue
	}
	return math.Round(entry*100) / 100
}

// DeriveOccupiedPrices reverse-derives the entry prices protected by the
// exchange's open TP orders. The coordinator checks candidates against
// this set in addition to the exact-price and slot indices; each of the
// three can miss a case the others catch.
func (t *OrderTracker) DeriveOccupiedPrices(openOrders []domain.ExchangeOrder, tpPercent float64) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var prices []float64
	for _, o := range openOrders {
		if !o.IsTP() {
			continue
		}
		prices = append(prices, t.deriveEntry(o.StopPrice, tpPercent))
	}
	return prices
}

// LoadExistingPositions reconstructs Filled orders from exchange state at
// startup. The exchange consolidates fills into one averaged position but
// keeps one TP order per fill, so each TP order yields one tracked fill
// via reverse entry derivation. Idempotent: entries already tracked are
// skipped.
func (t *OrderTracker) LoadExistingPositions(positions []domain.ExchangePosition, openOrders []domain.ExchangeOrder, fallbackTPPercent float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	totalSize := 0.0
	for _, p := range positions {
		totalSize += p.Size
	}
	if totalSize == 0 {
		return 0
	}

	var tpOrders []domain.ExchangeOrder
	for _, o := range openOrders {
		if o.IsTP() {
			tpOrders = append(tpOrders, o)
		}
	}

	loaded := 0
	if len(tpOrders) == 0 {
		// No TP orders to derive from: fall back to the averaged
		// position entry itself.
		for _, p := range positions {
			if p.Size == 0 {
				continue
			}
			entry := math.Round(p.EntryPrice*100) / 100
			if _, exists := t.byPrice[entry]; exists {
				continue
			}
			tp := entry * (1 + fallbackTPPercent/100)
			t.insertFilledLocked(entry, tp, p.Size, "")
			loaded++
		}
		return loaded
	}

	for _, o := range tpOrders {
		entry := t.deriveEntry(o.StopPrice, fallbackTPPercent)
		if _, exists := t.byPrice[entry]; exists {
			continue
		}
		t.insertFilledLocked(entry, o.StopPrice, o.Quantity, o.OrderID)
		loaded++
	}

	if loaded > 0 {
		t.logger.Info("Restored positions from exchange TP orders",
			zap.Int("loaded", loaded),
			zap.Float64("position_size", totalSize))
	}
	return loaded
}

func (t *OrderTracker) insertFilledLocked(entry, tp, qty float64, tpOrderID string) {
	now := time.Now()
	order := &domain.TrackedOrder{
		OrderID:           "restored-" + uuid.NewString()[:13],
		EntryPrice:        entry,
		TPPrice:           tp,
		Quantity:          qty,
		Status:            domain.StatusFilled,
		CreatedAt:         now,
		FilledAt:          &now,
		ExchangeTPOrderID: tpOrderID,
	}
	if entry > 0 {
		order.TPPercent = (tp/entry - 1) * 100
	}
	t.orders[order.OrderID] = order
	t.byPrice[entry] = order.OrderID
	t.slots[t.slot(entry)] = order.OrderID
}

// LoadExistingOrders reconstructs Pending orders from exchange open LIMIT
// orders not already tracked. Idempotent by exact entry price.
func (t *OrderTracker) LoadExistingOrders(openOrders []domain.ExchangeOrder, tpPercent float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	loaded := 0
	for _, o := range openOrders {
		if o.Type != domain.OrderTypeLimit || o.ReduceOnly {
			continue
		}
		if _, exists := t.byPrice[o.Price]; exists {
			continue
		}
		if _, exists := t.orders[o.OrderID]; exists {
			continue
		}
		order := &domain.TrackedOrder{
			OrderID:    o.OrderID,
			EntryPrice: o.Price,
			TPPrice:    o.Price * (1 + tpPercent/100),
			TPPercent:  tpPercent,
			Quantity:   o.Quantity,
			Status:     domain.StatusPending,
			CreatedAt:  o.CreatedAt,
		}
		t.orders[o.OrderID] = order
		t.byPrice[o.Price] = o.OrderID
		loaded++
	}
	return loaded
}

// Clear drops all tracked state. Used on shutdown after exchange-side
// cleanup.
func (t *OrderTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders = make(map[string]*domain.TrackedOrder)
	t.byPrice = make(map[float64]string)
	t.slots = make(map[float64]string)
}
