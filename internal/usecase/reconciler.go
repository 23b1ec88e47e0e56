package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/metrics"
)

const (
	reconcilePriceTolerance = 0.01
	reconcileQtyTolerance   = 0.00001
)

// ReconcileResult counts what one reconciliation pass changed.
type ReconcileResult struct {
	Attached int // open trades linked to their exchange TP order
	Closed   int // open trades closed because their TP order vanished
	Orphans  int // exchange TP orders matching no open trade
}

// Reconciler repairs drift between the persisted trade table and the
// exchange. The store is written by the asynchronous persistence worker,
// so crashes and dropped writes can leave open trades without TP order
// ids, or trades still open after their TP executed.
type Reconciler struct {
	symbol   string
	feeRate  float64 // taker fee fraction per side, e.g. 0.0005
	exchange domain.Exchange
	store    domain.TradeStore
	logger   *zap.Logger
}

func NewReconciler(symbol string, feeRate float64, ex domain.Exchange, store domain.TradeStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		symbol:   symbol,
		feeRate:  feeRate,
		exchange: ex,
		store:    store,
		logger:   logger,
	}
}

// Run reconciles on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// Reconcile runs one pass: attach missing TP order ids, close trades
// whose TP order vanished, and report orphaned TP orders.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	trades, err := r.store.ListOpenTrades(ctx, r.symbol)
	if err != nil {
		return res, fmt.Errorf("failed to list open trades: %w", err)
	}
	openOrders, err := r.exchange.GetOpenOrders(ctx, r.symbol)
	if err != nil {
		return res, fmt.Errorf("failed to fetch open orders: %w", err)
	}

	var tpOrders []domain.ExchangeOrder
	tpByID := make(map[string]domain.ExchangeOrder)
	for _, o := range openOrders {
		if o.IsTP() {
			tpOrders = append(tpOrders, o)
			tpByID[o.OrderID] = o
		}
	}

	claimed := make(map[string]bool)
	for _, trade := range trades {
		if trade.TPOrderID != "" {
			if _, open := tpByID[trade.TPOrderID]; open {
				claimed[trade.TPOrderID] = true
				continue
			}
			// The recorded TP order is gone. It may have been replaced
			// by the adjuster without the store write landing; try to
			// rebind before concluding it executed.
		}

		if match, ok := r.matchTPOrder(tpOrders, claimed, trade); ok {
			claimed[match.OrderID] = true
			if err := r.store.UpdateTradeTP(ctx, trade.ID, match.StopPrice, match.OrderID); err != nil {
				r.logger.Warn("Failed to attach TP order to trade",
					zap.Int64("trade_id", trade.ID), zap.Error(err))
				continue
			}
			res.Attached++
			metrics.ReconcilerFixes.WithLabelValues("tp_attached").Inc()
			r.logger.Info("Attached TP order to open trade",
				zap.Int64("trade_id", trade.ID),
				zap.String("tp_order_id", match.OrderID),
				zap.Float64("tp_price", match.StopPrice))
			continue
		}

		if trade.TPOrderID == "" {
			// Never had a TP recorded and none matches; leave it for
			// the tracker-side sync to resolve.
			r.logger.Warn("Open trade has no matching TP order",
				zap.Int64("trade_id", trade.ID),
				zap.Float64("entry", trade.EntryPrice))
			continue
		}

		// Recorded TP vanished and nothing matches: it executed while
		// the bot was down. Close the trade at its target.
		r.closeTrade(ctx, trade, &res)
	}

	for _, o := range tpOrders {
		if claimed[o.OrderID] {
			continue
		}
		res.Orphans++
		metrics.ReconcilerFixes.WithLabelValues("orphan_tp").Inc()
		r.logger.Warn("TP order matches no open trade",
			zap.String("tp_order_id", o.OrderID),
			zap.Float64("stop_price", o.StopPrice),
			zap.Float64("qty", o.Quantity))
	}

	if res.Attached > 0 || res.Closed > 0 {
		r.logger.Info("Reconciliation applied fixes",
			zap.Int("attached", res.Attached),
			zap.Int("closed", res.Closed),
			zap.Int("orphans", res.Orphans))
	}
	return res, nil
}

func (r *Reconciler) matchTPOrder(tpOrders []domain.ExchangeOrder, claimed map[string]bool, trade *domain.PersistedTrade) (domain.ExchangeOrder, bool) {
	for _, o := range tpOrders {
		if claimed[o.OrderID] {
			continue
		}
		if math.Abs(o.StopPrice-trade.TPPrice) <= reconcilePriceTolerance &&
			math.Abs(o.Quantity-trade.Quantity) <= reconcileQtyTolerance {
			return o, true
		}
	}
	return domain.ExchangeOrder{}, false
}

func (r *Reconciler) closeTrade(ctx context.Context, trade *domain.PersistedTrade, res *ReconcileResult) {
	exit := trade.TPPrice
	gross := (exit - trade.EntryPrice) * trade.Quantity
	fees := (trade.EntryPrice + exit) * trade.Quantity * r.feeRate
	pnl := gross - fees

	if err := r.store.UpdateTradeExit(ctx, trade.ID, exit, pnl, time.Now()); err != nil {
		r.logger.Warn("Failed to close reconciled trade",
			zap.Int64("trade_id", trade.ID), zap.Error(err))
		return
	}
	res.Closed++
	metrics.ReconcilerFixes.WithLabelValues("trade_closed").Inc()
	r.logger.Info("Closed trade whose TP order executed offline",
		zap.Int64("trade_id", trade.ID),
		zap.Float64("exit", exit),
		zap.Float64("pnl", pnl))
}
