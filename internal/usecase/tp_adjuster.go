package usecase

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/metrics"
)

const (
	// minTPDeltaPercent is the smallest TP change worth the replacement
	// round-trip: below this the fee drag exceeds the gain.
	minTPDeltaPercent = 0.02
	// tpProximityPercent skips replacement when the mark price is this
	// close to the current TP: cancelling there risks missing the fill.
	tpProximityPercent = 0.1
	// fundingPeriodHours is the venue's funding settlement interval.
	fundingPeriodHours = 8.0
)

type TPAdjusterConfig struct {
	Symbol        string
	Interval      time.Duration
	BaseTPPercent float64
	MarginPercent float64 // safety margin added on top of accumulated funding
	MinTPPercent  float64
	MaxTPPercent  float64
	MinAge        time.Duration // positions younger than this are left alone
	Cooldown      time.Duration // per-position spacing between adjustments
}

func (c *TPAdjusterConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.MinAge <= 0 {
		c.MinAge = 8 * time.Hour
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Minute
	}
	if c.MaxTPPercent <= 0 {
		c.MaxTPPercent = c.BaseTPPercent + 1
	}
}

// TPAdjuster raises take-profit targets on long-held positions to recover
// the funding payments they accumulate. Runs on its own timer,
// independent of the coordination cycle.
type TPAdjuster struct {
	cfg      TPAdjusterConfig
	exchange domain.Exchange
	tracker  *OrderTracker
	persist  *PersistWorker
	logger   *zap.Logger
	audit    *zap.Logger
}

// NewTPAdjuster wires the adjuster. audit receives one structured line
// per replacement for offline review; pass the main logger to disable the
// separate file.
func NewTPAdjuster(cfg TPAdjusterConfig, ex domain.Exchange, tracker *OrderTracker, persist *PersistWorker, logger, audit *zap.Logger) *TPAdjuster {
	cfg.applyDefaults()
	return &TPAdjuster{
		cfg:      cfg,
		exchange: ex,
		tracker:  tracker,
		persist:  persist,
		logger:   logger,
		audit:    audit,
	}
}

func (a *TPAdjuster) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("TP adjuster started",
		zap.Duration("interval", a.cfg.Interval),
		zap.Float64("base_tp_percent", a.cfg.BaseTPPercent))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("TP adjuster stopped")
			return
		case <-ticker.C:
			a.Adjust(ctx)
		}
	}
}

// Adjust runs one adjustment pass over all filled positions.
func (a *TPAdjuster) Adjust(ctx context.Context) {
	filled := a.tracker.FilledOrders()
	if len(filled) == 0 {
		return
	}

	funding, err := a.exchange.GetFundingRate(ctx, a.cfg.Symbol)
	if err != nil {
		// Without the rate every computation below is wrong; wait for
		// the next tick.
		a.logger.Warn("Funding rate unavailable, skipping adjustment pass", zap.Error(err))
		return
	}

	price, err := a.exchange.GetPrice(ctx, a.cfg.Symbol)
	if err != nil {
		a.logger.Warn("Price unavailable, skipping adjustment pass", zap.Error(err))
		return
	}

	openOrders, err := a.exchange.GetOpenOrders(ctx, a.cfg.Symbol)
	if err != nil {
		a.logger.Warn("Open orders unavailable, skipping adjustment pass", zap.Error(err))
		return
	}

	now := time.Now()
	for _, o := range filled {
		a.adjustOne(ctx, o, openOrders, funding.Rate, price, now)
	}
}

func (a *TPAdjuster) adjustOne(ctx context.Context, o domain.TrackedOrder, openOrders []domain.ExchangeOrder, rate, price float64, now time.Time) {
	if o.FilledAt == nil {
		return
	}
	age := now.Sub(*o.FilledAt)
	if age < a.cfg.MinAge {
		return
	}
	if !o.LastTPAdjust.IsZero() && now.Sub(o.LastTPAdjust) < a.cfg.Cooldown {
		return
	}

	// Each elapsed funding period has charged |rate| of the notional.
	settlements := math.Floor(age.Hours() / fundingPeriodHours)
	accumulated := settlements * math.Abs(rate) * 100
	target := a.cfg.BaseTPPercent + accumulated + a.cfg.MarginPercent
	target = math.Max(a.cfg.MinTPPercent, math.Min(a.cfg.MaxTPPercent, target))

	// Adjustments only ever raise the target. A funding rate that has
	// collapsed since the last pass never walks an already-raised TP back
	// down toward a worse exit.
	if target-o.TPPercent <= minTPDeltaPercent {
		return
	}
	if o.TPPrice > 0 && math.Abs(price-o.TPPrice)/o.TPPrice*100 <= tpProximityPercent {
		a.logger.Debug("Price too close to current TP, deferring adjustment",
			zap.String("order_id", o.OrderID),
			zap.Float64("price", price),
			zap.Float64("tp", o.TPPrice))
		return
	}

	newTPPrice := math.Round(o.EntryPrice*(1+target/100)*100) / 100

	// The exchange materializes attached TP orders after the entry fills,
	// so a fill may carry no TP order id yet. Resolve it from the live
	// open orders before replacing, or the old TP would be left behind.
	if o.ExchangeTPOrderID == "" {
		for _, open := range openOrders {
			if !open.IsTP() {
				continue
			}
			if math.Abs(open.StopPrice-o.TPPrice) > reconcilePriceTolerance {
				continue
			}
			if math.Abs(open.Quantity-o.Quantity) > reconcileQtyTolerance {
				continue
			}
			o.ExchangeTPOrderID = open.OrderID
			a.tracker.BindTPOrder(open.OrderID, open.StopPrice, open.Quantity)
			break
		}
	}

	// Cancel-then-recreate is not atomic. The tracker keeps the old TP
	// until the new order is confirmed, so a failure between the two
	// calls leaves a position the reconciler will flag as unprotected
	// rather than a tracker lying about protection.
	if o.ExchangeTPOrderID != "" {
		if err := a.exchange.CancelOrder(ctx, a.cfg.Symbol, o.ExchangeTPOrderID); err != nil {
			a.logger.Error("Failed to cancel old TP order",
				zap.String("order_id", o.OrderID),
				zap.String("tp_order_id", o.ExchangeTPOrderID),
				zap.Error(err))
			return
		}
	}

	tpOrder, err := a.exchange.PlaceTPOrder(ctx, a.cfg.Symbol, domain.SideSell, newTPPrice, o.Quantity)
	if err != nil {
		a.logger.Error("Failed to place replacement TP order",
			zap.String("order_id", o.OrderID),
			zap.Float64("new_tp", newTPPrice),
			zap.Error(err))
		return
	}

	if !a.tracker.UpdateTP(o.OrderID, newTPPrice, target, tpOrder.OrderID) {
		// Position closed between the read and the update; the fresh TP
		// order is now an orphan for the reconciler to report.
		a.logger.Warn("Position gone after TP replacement",
			zap.String("order_id", o.OrderID))
		return
	}

	upd := domain.PositionTPUpdate{
		OrderID:            o.OrderID,
		OldTPPercent:       o.TPPercent,
		NewTPPercent:       target,
		FundingAccumulated: accumulated,
		UpdatedAt:          now,
	}
	a.tracker.RecordTPUpdate(upd)
	a.persist.SaveTPAdjustment(upd)
	a.persist.UpdateTradeTP(o.TradeID, newTPPrice, tpOrder.OrderID)
	metrics.TPAdjustments.Inc()

	a.audit.Info("TP adjusted",
		zap.String("order_id", o.OrderID),
		zap.Float64("entry", o.EntryPrice),
		zap.Float64("old_tp_percent", o.TPPercent),
		zap.Float64("new_tp_percent", target),
		zap.Float64("new_tp_price", newTPPrice),
		zap.Float64("funding_rate", rate),
		zap.Float64("funding_accumulated", accumulated),
		zap.Float64("hours_open", age.Hours()))
}
