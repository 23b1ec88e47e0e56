package usecase

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

func newTestTracker(spacing float64) *OrderTracker {
	return NewOrderTracker(spacing, zap.NewNop())
}

func TestSlotComputation(t *testing.T) {
	cases := []struct {
		spacing float64
		price   float64
		want    float64
	}{
		{100, 94737, 94700},
		{100, 94700, 94700},
		{100, 94699.99, 94600},
		{50, 94737, 94700},
		{50, 94749.5, 94700},
		{200, 94737, 94600},
	}
	for _, c := range cases {
		tr := newTestTracker(c.spacing)
		if got := tr.Slot(c.price); got != c.want {
			t.Errorf("Slot(%v) with spacing %v = %v, want %v", c.price, c.spacing, got, c.want)
		}
	}
}

func TestSlotOccupancyLifecycle(t *testing.T) {
	tr := newTestTracker(100)

	order := tr.AddOrder("o1", 94700, 95031.45, 0.001)
	if order == nil {
		t.Fatal("AddOrder returned nil for fresh price")
	}

	// Pending orders never occupy a slot.
	if tr.IsSlotOccupied(94750) {
		t.Error("slot occupied while order still pending")
	}

	tr.MarkFilled("o1")
	if !tr.IsSlotOccupied(94750) {
		t.Error("slot not occupied after fill")
	}
	if !tr.IsSlotOccupied(94700) {
		t.Error("slot lower bound not occupied after fill")
	}
	if tr.IsSlotOccupied(94800) {
		t.Error("adjacent slot reported occupied")
	}

	record := tr.MarkTpHit("o1", 95031.45)
	if record == nil {
		t.Fatal("MarkTpHit returned nil for filled order")
	}
	wantPnL := (95031.45 - 94700) * 0.001
	if math.Abs(record.PnL-wantPnL) > 1e-9 {
		t.Errorf("PnL = %v, want %v", record.PnL, wantPnL)
	}
	if tr.IsSlotOccupied(94750) {
		t.Error("slot still occupied after TP hit")
	}
	if len(tr.TradeHistory()) != 1 {
		t.Errorf("history length = %d, want 1", len(tr.TradeHistory()))
	}
}

func TestDuplicatePriceRejected(t *testing.T) {
	tr := newTestTracker(100)

	if tr.AddOrder("o1", 94700, 95031.45, 0.001) == nil {
		t.Fatal("first AddOrder failed")
	}
	if tr.AddOrder("o2", 94700, 95031.45, 0.001) != nil {
		t.Error("duplicate exact price accepted")
	}
	if tr.AddOrder("o1", 94800, 95131.8, 0.001) != nil {
		t.Error("duplicate order id accepted")
	}
}

func TestMarkFilledIdempotent(t *testing.T) {
	tr := newTestTracker(100)
	tr.AddOrder("o1", 94700, 95031.45, 0.001)
	tr.MarkFilled("o1")
	tr.MarkFilled("o1")
	tr.MarkFilled("unknown")

	stats := tr.GetStats()
	if stats.PositionCount != 1 {
		t.Errorf("PositionCount = %d, want 1", stats.PositionCount)
	}
}

func TestMarkTpHitRequiresFilled(t *testing.T) {
	tr := newTestTracker(100)
	tr.AddOrder("o1", 94700, 95031.45, 0.001)

	if tr.MarkTpHit("o1", 95031.45) != nil {
		t.Error("TP hit accepted for pending order")
	}
	if tr.MarkTpHit("unknown", 95031.45) != nil {
		t.Error("TP hit accepted for unknown order")
	}
}

func TestCancelPendingOnly(t *testing.T) {
	tr := newTestTracker(100)
	tr.AddOrder("o1", 94700, 95031.45, 0.001)
	tr.AddOrder("o2", 94600, 94931.1, 0.001)
	tr.MarkFilled("o2")

	tr.CancelOrder("o1")
	tr.CancelOrder("o2") // filled, must be a no-op

	if tr.HasOrderAtPrice(94700) {
		t.Error("cancelled order still indexed by price")
	}
	if !tr.IsSlotOccupied(94600) {
		t.Error("cancel removed a filled position")
	}
}

func TestReverseEntryDerivation(t *testing.T) {
	tr := newTestTracker(100)

	tpOrders := []domain.ExchangeOrder{
		{OrderID: "tp1", Type: domain.OrderTypeTakeProfit, StopPrice: 95500, Quantity: 0.001, ReduceOnly: true},
	}
	// entry = 95500 / 1.005 = 95024.875..., rounded to 2 decimals.
	prices := tr.DeriveOccupiedPrices(tpOrders, 0.5)
	if len(prices) != 1 {
		t.Fatalf("derived %d prices, want 1", len(prices))
	}
	if prices[0] != 95024.88 {
		t.Errorf("derived entry = %v, want 95024.88", prices[0])
	}

	// With anchoring the same derivation snaps to the increment.
	tr.SetGridParams(100, true, 50)
	prices = tr.DeriveOccupiedPrices(tpOrders, 0.5)
	if prices[0] != 95000 {
		t.Errorf("anchored derived entry = %v, want 95000", prices[0])
	}
}

func TestLoadExistingPositionsFromTPOrders(t *testing.T) {
	tr := newTestTracker(100)

	positions := []domain.ExchangePosition{{Symbol: "BTCUSDT", Size: 0.002, EntryPrice: 94650}}
	openOrders := []domain.ExchangeOrder{
		{OrderID: "tp1", Type: domain.OrderTypeTakeProfit, StopPrice: 95031.45, Quantity: 0.001, ReduceOnly: true},
		{OrderID: "tp2", Type: domain.OrderTypeTakeProfit, StopPrice: 94931.1, Quantity: 0.001, ReduceOnly: true},
		{OrderID: "lim1", Type: domain.OrderTypeLimit, Price: 94500, Quantity: 0.001},
	}

	loaded := tr.LoadExistingPositions(positions, openOrders, 0.35)
	if loaded != 2 {
		t.Fatalf("loaded = %d, want 2", loaded)
	}
	stats := tr.GetStats()
	if stats.PositionCount != 2 {
		t.Errorf("PositionCount = %d, want 2", stats.PositionCount)
	}

	// Second load must not duplicate.
	if again := tr.LoadExistingPositions(positions, openOrders, 0.35); again != 0 {
		t.Errorf("second load created %d positions, want 0", again)
	}
}

func TestLoadExistingPositionsNoTPFallback(t *testing.T) {
	tr := newTestTracker(100)

	positions := []domain.ExchangePosition{{Symbol: "BTCUSDT", Size: 0.003, EntryPrice: 94650.123}}
	loaded := tr.LoadExistingPositions(positions, nil, 0.35)
	if loaded != 1 {
		t.Fatalf("loaded = %d, want 1", loaded)
	}
	filled := tr.FilledOrders()
	if filled[0].EntryPrice != 94650.12 {
		t.Errorf("fallback entry = %v, want 94650.12", filled[0].EntryPrice)
	}
	if filled[0].Quantity != 0.003 {
		t.Errorf("fallback qty = %v, want 0.003", filled[0].Quantity)
	}
}

func TestLoadExistingOrders(t *testing.T) {
	tr := newTestTracker(100)
	tr.AddOrder("o1", 94500, 94830.75, 0.001)

	openOrders := []domain.ExchangeOrder{
		{OrderID: "o1", Type: domain.OrderTypeLimit, Price: 94500, Quantity: 0.001},
		{OrderID: "o2", Type: domain.OrderTypeLimit, Price: 94400, Quantity: 0.001, CreatedAt: time.Now()},
		{OrderID: "tp1", Type: domain.OrderTypeTakeProfit, StopPrice: 95000, Quantity: 0.001, ReduceOnly: true},
	}
	loaded := tr.LoadExistingOrders(openOrders, 0.35)
	if loaded != 1 {
		t.Fatalf("loaded = %d, want 1", loaded)
	}
	if !tr.HasOrderAtPrice(94400) {
		t.Error("restored pending order not tracked")
	}
}

func TestSpacingChangeRecomputesSlots(t *testing.T) {
	tr := newTestTracker(100)
	tr.AddOrder("o1", 94700, 95031.45, 0.001)
	tr.MarkFilled("o1")

	tr.SetGridParams(200, false, 0)
	if !tr.IsSlotOccupied(94700) {
		t.Error("occupied slot lost after spacing change")
	}
	// 94700 falls into bucket 94600 at spacing 200.
	if !tr.IsSlotOccupied(94650) {
		t.Error("wider bucket not occupied after spacing change")
	}
}

func TestGetStatsPnLAndWinRate(t *testing.T) {
	tr := newTestTracker(100)
	tr.SetInitialPnL(10)

	tr.AddOrder("o1", 94700, 95031.45, 0.001)
	tr.MarkFilled("o1")
	tr.MarkTpHit("o1", 95031.45)

	tr.AddOrder("o2", 94600, 94931.1, 0.001)
	tr.MarkFilled("o2")
	tr.MarkTpHit("o2", 94000) // forced loss

	stats := tr.GetStats()
	if stats.TotalTrades != 2 {
		t.Fatalf("TotalTrades = %d, want 2", stats.TotalTrades)
	}
	if stats.WinRate != 50 {
		t.Errorf("WinRate = %v, want 50", stats.WinRate)
	}
	wantPnL := 10 + (95031.45-94700)*0.001 + (94000.0-94600)*0.001
	if math.Abs(stats.TotalPnL-wantPnL) > 1e-9 {
		t.Errorf("TotalPnL = %v, want %v", stats.TotalPnL, wantPnL)
	}
}

func TestUpdateTPOnlyFilled(t *testing.T) {
	tr := newTestTracker(100)
	tr.AddOrder("o1", 94700, 95031.45, 0.001)

	if tr.UpdateTP("o1", 95100, 0.42, "tp-new") {
		t.Error("UpdateTP accepted for pending order")
	}
	tr.MarkFilled("o1")
	if !tr.UpdateTP("o1", 95100, 0.42, "tp-new") {
		t.Fatal("UpdateTP rejected for filled order")
	}
	order, _ := tr.Order("o1")
	if order.TPPrice != 95100 || order.ExchangeTPOrderID != "tp-new" {
		t.Errorf("TP not applied: %+v", order)
	}
	if order.LastTPAdjust.IsZero() {
		t.Error("LastTPAdjust not stamped")
	}
}
