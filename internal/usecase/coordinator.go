package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/infrastructure/exchange"
	"github.com/vitos/crypto_grid_bot/internal/metrics"
)

type CoordinatorConfig struct {
	Symbol               string
	CycleInterval        time.Duration
	KlineInterval        string
	KlineLimit           int
	PerCycleOrderCap     int
	OrderDelay           time.Duration
	MarginCooldown       time.Duration
	RateLimitCooldown    time.Duration
	MaxConsecutiveErrors int
	Defaults             domain.GridSettings
	Leverage             int
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 5 * time.Second
	}
	if c.KlineInterval == "" {
		c.KlineInterval = "5m"
	}
	if c.KlineLimit <= 0 {
		c.KlineLimit = 100
	}
	if c.PerCycleOrderCap <= 0 {
		c.PerCycleOrderCap = 10
	}
	if c.OrderDelay <= 0 {
		c.OrderDelay = 200 * time.Millisecond
	}
	if c.MarginCooldown <= 0 {
		c.MarginCooldown = 5 * time.Minute
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 8 * time.Minute
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 3
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
}

// StatusSnapshot is the point-in-time view exposed to the dashboard
// layer.
type StatusSnapshot struct {
	State           domain.LifecycleState `json:"state"`
	CurrentPrice    float64               `json:"current_price"`
	PendingOrders   int                   `json:"pending_orders"`
	OpenPositions   int                   `json:"open_positions"`
	TotalTrades     int                   `json:"total_trades"`
	TotalPnL        float64               `json:"total_pnl"`
	WinRate         float64               `json:"win_rate"`
	MarginError     bool                  `json:"margin_error"`
	RateLimited     bool                  `json:"rate_limited"`
	ExchangeHealthy bool                  `json:"exchange_healthy"`
}

// Coordinator drives the grid strategy: it consumes price/kline data and
// the external trading-allowed signal, computes which grid levels to
// create or cancel, and keeps the tracker consistent with the exchange
// via push events and the per-cycle polling sync.
type Coordinator struct {
	cfg      CoordinatorConfig
	exchange domain.Exchange
	tracker  *OrderTracker
	signal   domain.SignalFilter
	gridCfg  domain.GridConfigProvider
	persist  *PersistWorker
	logger   *zap.Logger

	mu               sync.Mutex
	state            domain.LifecycleState
	currentPrice     float64
	marginErrorUntil time.Time
	rateLimitedUntil time.Time
	healthy          bool
	lastAllow        bool
	settings         domain.GridSettings
}

func NewCoordinator(
	cfg CoordinatorConfig,
	ex domain.Exchange,
	tracker *OrderTracker,
	signal domain.SignalFilter,
	gridCfg domain.GridConfigProvider,
	persist *PersistWorker,
	logger *zap.Logger,
) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:      cfg,
		exchange: ex,
		tracker:  tracker,
		signal:   signal,
		gridCfg:  gridCfg,
		persist:  persist,
		logger:   logger,
		state:    domain.StateWait,
		settings: cfg.Defaults,
	}
	ex.OnAccountEvent(c.handleAccountEvent)
	ex.OnPriceUpdate(func(symbol string, price float64) {
		if symbol != cfg.Symbol {
			return
		}
		c.mu.Lock()
		c.currentPrice = price
		c.mu.Unlock()
	})
	return c
}

// Restore rebuilds the tracker from exchange-observed truth. Restart
// always begins from what the exchange reports, never from persistence.
func (c *Coordinator) Restore(ctx context.Context) error {
	settings := c.refreshSettings(ctx)

	pos, err := c.exchange.GetPosition(ctx, c.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch position: %w", err)
	}
	openOrders, err := c.exchange.GetOpenOrders(ctx, c.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch open orders: %w", err)
	}

	positions := []domain.ExchangePosition{}
	if pos != nil && pos.Size > 0 {
		positions = append(positions, *pos)
	}

	loadedPositions := c.tracker.LoadExistingPositions(positions, openOrders, settings.TPPercent)
	loadedOrders := c.tracker.LoadExistingOrders(openOrders, settings.TPPercent)

	if pnl, err := c.exchange.GetRealizedPnL(ctx, c.cfg.Symbol); err != nil {
		c.logger.Warn("Failed to seed initial PnL", zap.Error(err))
	} else {
		c.tracker.SetInitialPnL(pnl)
	}

	c.logger.Info("Tracker restored from exchange",
		zap.Int("positions", loadedPositions),
		zap.Int("pending_orders", loadedOrders))
	return nil
}

// Run drives the coordination loop until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CycleInterval)
	defer ticker.Stop()

	c.logger.Info("Grid coordinator started",
		zap.String("symbol", c.cfg.Symbol),
		zap.Duration("cycle", c.cfg.CycleInterval))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Grid coordinator stopped")
			return
		case <-ticker.C:
			if err := c.Update(ctx); err != nil {
				metrics.CycleErrors.Inc()
				c.logger.Error("Cycle failed", zap.Error(err))
			}
		}
	}
}

// Update runs one coordination cycle. A failure leaves state as of the
// last successful step; the next tick retries from the top.
func (c *Coordinator) Update(ctx context.Context) error {
	price, err := c.exchange.GetPrice(ctx, c.cfg.Symbol)
	if err != nil {
		c.mu.Lock()
		c.healthy = false
		c.mu.Unlock()
		return fmt.Errorf("price probe failed: %w", err)
	}
	c.mu.Lock()
	c.healthy = true
	c.currentPrice = price
	c.mu.Unlock()

	// A failed kline fetch keeps the previous verdict instead of feeding
	// the signal an empty window: a blind evaluation could flip the
	// lifecycle to inactive and cancel every pending order over a
	// transient fetch error.
	candles, err := c.exchange.GetKlines(ctx, c.cfg.Symbol, c.cfg.KlineInterval, c.cfg.KlineLimit)
	if err != nil {
		c.logger.Warn("Kline fetch failed, keeping previous signal verdict", zap.Error(err))
		c.mu.Lock()
		allow := c.lastAllow
		c.mu.Unlock()
		if allow && !c.coolingDown() {
			if err := c.manageGrid(ctx, price); err != nil {
				c.logger.Error("Grid management failed", zap.Error(err))
			}
		}
		return c.syncWithExchange(ctx, price)
	}

	allow, newState := c.signal.Evaluate(candles)
	c.mu.Lock()
	c.lastAllow = allow
	c.mu.Unlock()
	c.applyLifecycle(ctx, newState)

	if allow && !c.coolingDown() {
		if err := c.manageGrid(ctx, price); err != nil {
			c.logger.Error("Grid management failed", zap.Error(err))
		}
	}

	// Sync runs every cycle regardless of whether orders were created;
	// it is the source of truth when the account stream is silent.
	return c.syncWithExchange(ctx, price)
}

func (c *Coordinator) applyLifecycle(ctx context.Context, newState domain.LifecycleState) {
	c.mu.Lock()
	old := c.state
	if old == newState {
		c.mu.Unlock()
		return
	}
	c.state = newState
	c.mu.Unlock()

	c.logger.Info("Lifecycle transition",
		zap.String("from", string(old)),
		zap.String("to", string(newState)))
	c.persist.LogActivity("lifecycle", fmt.Sprintf("%s -> %s", old, newState))

	if newState == domain.StateInactive {
		c.cancelAllPending(ctx)
	}
}

// cancelAllPending cancels pending LIMIT orders, preserving TP orders
// protecting open positions.
func (c *Coordinator) cancelAllPending(ctx context.Context) {
	cancelled, err := c.exchange.CancelAllLimitOrders(ctx, c.cfg.Symbol)
	if err != nil {
		c.logger.Error("Failed to cancel pending orders", zap.Error(err))
		return
	}
	for _, o := range c.tracker.PendingOrders() {
		c.tracker.CancelOrder(o.OrderID)
		metrics.OrdersCancelled.Inc()
	}
	c.logger.Info("Cancelled pending orders", zap.Int("count", cancelled))
}

func (c *Coordinator) coolingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	return now.Before(c.marginErrorUntil) || now.Before(c.rateLimitedUntil)
}

func (c *Coordinator) refreshSettings(ctx context.Context) domain.GridSettings {
	settings, err := c.gridCfg.GridSettings(ctx)
	if err != nil {
		c.logger.Warn("Config collaborator unavailable, using defaults", zap.Error(err))
		settings = c.cfg.Defaults
	}
	c.mu.Lock()
	c.settings = settings
	price := c.currentPrice
	c.mu.Unlock()

	c.tracker.SetGridParams(settings.SpacingAt(price), settings.AnchorEnabled, settings.AnchorValue)
	return settings
}

// manageGrid performs steps 4a-4f of the cycle: refresh config, cancel
// out-of-range orders, then create missing levels.
func (c *Coordinator) manageGrid(ctx context.Context, price float64) error {
	settings := c.refreshSettings(ctx)

	openOrders, err := c.exchange.GetOpenOrders(ctx, c.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch open orders: %w", err)
	}

	// Cancel first: freed order-count budget is usable within the same
	// cycle.
	cancelled := c.cancelOutOfRange(ctx, openOrders, price, settings)
	if cancelled > 0 {
		openOrders, err = c.exchange.GetOpenOrders(ctx, c.cfg.Symbol)
		if err != nil {
			return fmt.Errorf("failed to re-fetch open orders: %w", err)
		}
	}

	// Filled positions are counted by their TP orders, not by the
	// consolidated position: one TP order exists per fill.
	filledCount := 0
	pendingLimitCount := 0
	openAtPrice := make(map[float64]bool)
	for _, o := range openOrders {
		switch {
		case o.IsTP():
			filledCount++
		case o.Type == domain.OrderTypeLimit && !o.ReduceOnly:
			pendingLimitCount++
			openAtPrice[o.Price] = true
		}
	}
	occupied := c.tracker.DeriveOccupiedPrices(openOrders, settings.TPPercent)

	budget := settings.MaxTotalOrders - filledCount - pendingLimitCount
	if budget <= 0 {
		return nil
	}

	levels := ComputeGridLevels(price, settings, budget)
	var candidates []domain.GridLevel
	for _, lvl := range levels {
		if openAtPrice[lvl.EntryPrice] {
			continue
		}
		if c.tracker.HasOrderAtPrice(lvl.EntryPrice) {
			continue
		}
		if c.tracker.IsSlotOccupied(lvl.EntryPrice) {
			continue
		}
		if matchesAny(occupied, lvl.EntryPrice) {
			continue
		}
		candidates = append(candidates, lvl)
	}

	return c.createOrders(ctx, candidates, price, settings)
}

func matchesAny(prices []float64, price float64) bool {
	for _, p := range prices {
		if math.Abs(p-price) < 1e-9 {
			return true
		}
	}
	return false
}

func (c *Coordinator) cancelOutOfRange(ctx context.Context, openOrders []domain.ExchangeOrder, price float64, settings domain.GridSettings) int {
	floor := price * (1 - settings.RangePercent/100)
	ceiling := price + settings.SpacingAt(price)

	cancelled := 0
	for _, o := range openOrders {
		if o.Type != domain.OrderTypeLimit || o.ReduceOnly {
			continue
		}
		if o.Price >= floor && o.Price <= ceiling {
			continue
		}
		if err := c.exchange.CancelOrder(ctx, c.cfg.Symbol, o.OrderID); err != nil {
			c.logger.Warn("Failed to cancel out-of-range order",
				zap.String("order_id", o.OrderID),
				zap.Float64("price", o.Price),
				zap.Error(err))
			continue
		}
		c.tracker.CancelOrder(o.OrderID)
		metrics.OrdersCancelled.Inc()
		cancelled++
	}
	if cancelled > 0 {
		c.logger.Info("Cancelled out-of-range orders", zap.Int("count", cancelled))
	}
	return cancelled
}

func (c *Coordinator) createOrders(ctx context.Context, candidates []domain.GridLevel, price float64, settings domain.GridSettings) error {
	qty := OrderQuantity(settings.OrderSizeUSDT, price)
	if qty == 0 {
		c.logger.Warn("Order size below exchange minimum, skipping creation",
			zap.Float64("order_size_usdt", settings.OrderSizeUSDT),
			zap.Float64("price", price))
		return nil
	}

	created := 0
	consecutiveErrors := 0
	for _, lvl := range candidates {
		if created >= c.cfg.PerCycleOrderCap {
			break
		}

		order, err := c.exchange.PlaceLimitOrder(ctx, c.cfg.Symbol, domain.SideBuy, lvl.EntryPrice, qty, lvl.TPPrice)
		if err != nil {
			switch {
			case exchange.IsInsufficientMargin(err):
				c.mu.Lock()
				c.marginErrorUntil = time.Now().Add(c.cfg.MarginCooldown)
				c.mu.Unlock()
				c.logger.Warn("Insufficient margin, cooling down",
					zap.Duration("cooldown", c.cfg.MarginCooldown))
				c.persist.LogActivity("margin_error", err.Error())
				return nil
			case exchange.IsRateLimit(err):
				c.mu.Lock()
				c.rateLimitedUntil = time.Now().Add(c.cfg.RateLimitCooldown)
				c.mu.Unlock()
				c.logger.Warn("Rate limited, cooling down",
					zap.Duration("cooldown", c.cfg.RateLimitCooldown))
				c.persist.LogActivity("rate_limited", err.Error())
				return nil
			default:
				consecutiveErrors++
				c.logger.Error("Order creation failed",
					zap.Float64("entry", lvl.EntryPrice),
					zap.Error(err))
				if consecutiveErrors >= c.cfg.MaxConsecutiveErrors {
					c.logger.Warn("Too many consecutive order errors, stopping cycle")
					select {
					case <-ctx.Done():
					case <-time.After(2 * time.Second):
					}
					return nil
				}
				continue
			}
		}
		consecutiveErrors = 0

		if tracked := c.tracker.AddOrder(order.OrderID, lvl.EntryPrice, lvl.TPPrice, qty); tracked == nil {
			// Lost the race against a concurrent creation path; the
			// exchange order stands and polling sync will pick it up.
			c.logger.Warn("Order placed but already tracked at price",
				zap.Float64("entry", lvl.EntryPrice))
		}
		metrics.OrdersCreated.Inc()
		created++
		c.logger.Info("Grid order created",
			zap.String("order_id", order.OrderID),
			zap.Float64("entry", lvl.EntryPrice),
			zap.Float64("tp", lvl.TPPrice),
			zap.Float64("qty", qty))

		// Small fixed delay between submissions as a rate-limit guard.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.OrderDelay):
		}
	}
	return nil
}

// Snapshot returns the current status view.
func (c *Coordinator) Snapshot() StatusSnapshot {
	stats := c.tracker.GetStats()

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	return StatusSnapshot{
		State:           c.state,
		CurrentPrice:    c.currentPrice,
		PendingOrders:   stats.PendingCount,
		OpenPositions:   stats.PositionCount,
		TotalTrades:     stats.TotalTrades,
		TotalPnL:        stats.TotalPnL,
		WinRate:         stats.WinRate,
		MarginError:     now.Before(c.marginErrorUntil),
		RateLimited:     now.Before(c.rateLimitedUntil),
		ExchangeHealthy: c.healthy,
	}
}

// Orders returns the tracker's pending and filled orders for listing
// views.
func (c *Coordinator) Orders() []domain.TrackedOrder {
	return append(c.tracker.PendingOrders(), c.tracker.FilledOrders()...)
}

// Stop cancels pending LIMIT orders on the exchange (preserving TP/SL
// orders tied to open positions) and clears local tracker state. Called
// after background loops have been cancelled.
func (c *Coordinator) Stop(ctx context.Context) {
	c.cancelAllPending(ctx)
	c.tracker.Clear()
	c.logger.Info("Coordinator shut down, tracker cleared")
}
