package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/exchange"
)

func testGridSettings() domain.GridSettings {
	return domain.GridSettings{
		SpacingType:    "absolute",
		Spacing:        100,
		RangePercent:   5,
		MaxTotalOrders: 20,
		TPPercent:      0.35,
		OrderSizeUSDT:  100,
	}
}

func newTestCoordinator(ex *MockExchange, settings domain.GridSettings) (*Coordinator, *OrderTracker, *MockStore) {
	log := zap.NewNop()
	tracker := NewOrderTracker(settings.Spacing, log)
	store := NewMockStore()
	persist := NewPersistWorker(store, log)

	c := NewCoordinator(
		CoordinatorConfig{
			Symbol:     "BTCUSDT",
			OrderDelay: time.Millisecond,
			Defaults:   settings,
			Leverage:   10,
		},
		ex,
		tracker,
		&StaticSignalFilter{Allow: true, State: domain.StateActive},
		&StaticGridConfig{Settings: settings},
		persist,
		log,
	)
	return c, tracker, store
}

func TestUpdateCreatesGridOrders(t *testing.T) {
	ex := &MockExchange{Price: 94737}
	c, tracker, _ := newTestCoordinator(ex, testGridSettings())

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Budget 20, grid depth limited by the per-cycle cap of 10.
	if len(ex.PlacedLimits) != 10 {
		t.Fatalf("placed %d orders, want 10", len(ex.PlacedLimits))
	}
	if ex.PlacedLimits[0].Price != 94700 {
		t.Errorf("first level = %v, want 94700", ex.PlacedLimits[0].Price)
	}
	if got := tracker.GetStats().PendingCount; got != 10 {
		t.Errorf("tracked pending = %d, want 10", got)
	}
}

func TestUpdateSkipsExistingLevels(t *testing.T) {
	ex := &MockExchange{Price: 94737}
	s := testGridSettings()
	s.MaxTotalOrders = 3
	c, tracker, _ := newTestCoordinator(ex, s)

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	placed := len(ex.PlacedLimits)
	if placed != 3 {
		t.Fatalf("placed %d orders, want 3", placed)
	}

	// Second cycle at the same price must not duplicate anything.
	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	if len(ex.PlacedLimits) != placed {
		t.Errorf("second cycle placed %d extra orders", len(ex.PlacedLimits)-placed)
	}
	if got := tracker.GetStats().PendingCount; got != 3 {
		t.Errorf("tracked pending = %d, want 3", got)
	}
}

func TestUpdateRespectsSlotOccupancy(t *testing.T) {
	ex := &MockExchange{Price: 94737}
	s := testGridSettings()
	s.MaxTotalOrders = 5
	c, tracker, _ := newTestCoordinator(ex, s)

	// A filled position occupies the 94700 slot; its entry differs from
	// the grid level so only the slot check can catch it.
	tracker.SetGridParams(100, false, 0)
	tracker.AddOrder("pos1", 94712, 95043.49, 0.001)
	tracker.MarkFilled("pos1")
	ex.Position = &domain.ExchangePosition{Symbol: "BTCUSDT", Size: 0.001, EntryPrice: 94712}

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	for _, o := range ex.PlacedLimits {
		if o.Price == 94700 {
			t.Error("created order in occupied slot 94700")
		}
	}
}

func TestMarginErrorCooldown(t *testing.T) {
	ex := &MockExchange{Price: 94737, PlaceLimitErr: &exchange.APIError{Code: -2019, Msg: "Margin is insufficient."}}
	c, _, _ := newTestCoordinator(ex, testGridSettings())

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	snap := c.Snapshot()
	if !snap.MarginError {
		t.Error("margin cooldown not set after -2019")
	}

	// While cooling down no creation is attempted.
	ex.PlaceLimitErr = nil
	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update during cooldown failed: %v", err)
	}
	if len(ex.PlacedLimits) != 0 {
		t.Errorf("placed %d orders during margin cooldown", len(ex.PlacedLimits))
	}
}

func TestRateLimitCooldown(t *testing.T) {
	ex := &MockExchange{Price: 94737, PlaceLimitErr: &exchange.APIError{Code: -1003, Msg: "Too many requests."}}
	c, _, _ := newTestCoordinator(ex, testGridSettings())

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !c.Snapshot().RateLimited {
		t.Error("rate-limit cooldown not set after -1003")
	}
}

func TestConsecutiveErrorsAbortCycle(t *testing.T) {
	ex := &MockExchange{Price: 94737, PlaceLimitErr: &exchange.APIError{Code: -1111, Msg: "Precision is over the maximum."}}
	c, _, _ := newTestCoordinator(ex, testGridSettings())

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	// Cycle stops after 3 consecutive failures; no cooldown for generic
	// errors.
	snap := c.Snapshot()
	if snap.MarginError || snap.RateLimited {
		t.Error("generic error set a cooldown")
	}
}

func TestLifecycleInactiveCancelsPending(t *testing.T) {
	ex := &MockExchange{Price: 94737}
	c, tracker, _ := newTestCoordinator(ex, testGridSettings())

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if tracker.GetStats().PendingCount == 0 {
		t.Fatal("no pending orders created")
	}

	c.signal = &StaticSignalFilter{Allow: false, State: domain.StateInactive}
	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := tracker.GetStats().PendingCount; got != 0 {
		t.Errorf("pending after INACTIVE = %d, want 0", got)
	}
	if c.Snapshot().State != domain.StateInactive {
		t.Errorf("state = %v, want INACTIVE", c.Snapshot().State)
	}
}

func TestKlineFailureKeepsPreviousVerdict(t *testing.T) {
	ex := &MockExchange{Price: 94737}
	s := testGridSettings()
	s.MaxTotalOrders = 3
	c, tracker, _ := newTestCoordinator(ex, s)

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if tracker.GetStats().PendingCount != 3 {
		t.Fatal("no pending orders created")
	}

	// Klines become unavailable and the signal would now read the empty
	// window as a halt. The cycle must not consult it blind: the grid
	// stays up on the last real verdict.
	ex.KlinesErr = &exchange.APIError{Code: -1000, Msg: "unknown"}
	c.signal = &StaticSignalFilter{Allow: false, State: domain.StateInactive}
	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update with failing klines failed: %v", err)
	}

	if got := tracker.GetStats().PendingCount; got != 3 {
		t.Errorf("pending after kline failure = %d, want 3", got)
	}
	if len(ex.Cancelled) != 0 {
		t.Errorf("cancelled %d orders over a transient kline failure", len(ex.Cancelled))
	}
	if c.Snapshot().State != domain.StateActive {
		t.Errorf("state = %v, want unchanged ACTIVE", c.Snapshot().State)
	}
}

func TestCancelOutOfRange(t *testing.T) {
	ex := &MockExchange{Price: 94737}
	s := testGridSettings()
	s.MaxTotalOrders = 3
	c, tracker, _ := newTestCoordinator(ex, s)

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Price collapses: old levels fall below the 5% range floor.
	ex.Price = 80000
	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update after price drop failed: %v", err)
	}
	for _, o := range tracker.PendingOrders() {
		if o.EntryPrice > 80000 {
			t.Errorf("stale out-of-range order %v still tracked", o.EntryPrice)
		}
	}
}

func TestRestoreSeedsStateFromExchange(t *testing.T) {
	ex := &MockExchange{
		Price:       94737,
		RealizedPnL: 12.5,
		Position:    &domain.ExchangePosition{Symbol: "BTCUSDT", Size: 0.001, EntryPrice: 94600},
		OpenOrders: []domain.ExchangeOrder{
			{OrderID: "tp1", Type: domain.OrderTypeTakeProfit, StopPrice: 94931.1, Quantity: 0.001, ReduceOnly: true},
			{OrderID: "lim1", Type: domain.OrderTypeLimit, Price: 94500, Quantity: 0.001},
		},
	}
	c, tracker, _ := newTestCoordinator(ex, testGridSettings())

	if err := c.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	stats := tracker.GetStats()
	if stats.PositionCount != 1 {
		t.Errorf("restored positions = %d, want 1", stats.PositionCount)
	}
	if stats.PendingCount != 1 {
		t.Errorf("restored pending = %d, want 1", stats.PendingCount)
	}
	if stats.TotalPnL != 12.5 {
		t.Errorf("seeded PnL = %v, want 12.5", stats.TotalPnL)
	}
}

func TestSnapshotReflectsHealth(t *testing.T) {
	ex := &MockExchange{Price: 94737}
	c, _, _ := newTestCoordinator(ex, testGridSettings())

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !c.Snapshot().ExchangeHealthy {
		t.Error("healthy not set after successful probe")
	}

	ex.PriceErr = &exchange.APIError{Code: -1000, Msg: "unknown"}
	if err := c.Update(context.Background()); err == nil {
		t.Fatal("Update succeeded with failing price probe")
	}
	if c.Snapshot().ExchangeHealthy {
		t.Error("healthy still set after failed probe")
	}
}
