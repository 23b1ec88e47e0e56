package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/metrics"
)

// fillQtyTolerance absorbs fee-deducted fill sizes: a position delta of
// at least 99% of the order quantity counts as a fill of that order.
const fillQtyTolerance = 0.99

// syncWithExchange reconciles the tracker against polled exchange state.
// It is the fallback truth source when the account stream drops events:
// tracked pending orders that vanished from the open-order list are
// classified as filled or cancelled by how much position size appeared,
// and tracked positions with no remaining position are closed out.
func (c *Coordinator) syncWithExchange(ctx context.Context, price float64) error {
	openOrders, err := c.exchange.GetOpenOrders(ctx, c.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("sync: failed to fetch open orders: %w", err)
	}
	pos, err := c.exchange.GetPosition(ctx, c.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("sync: failed to fetch position: %w", err)
	}

	positionSize := 0.0
	if pos != nil {
		positionSize = pos.Size
	}

	openByID := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		openByID[o.OrderID] = true
	}

	c.resolveDisappearedPending(openByID, positionSize)

	// Fills detected by polling never saw the TP order's NEW push; bind
	// the materialized TPs after classification so the adjuster and the
	// TP-hit push path can find them.
	for _, o := range openOrders {
		if o.IsTP() {
			c.tracker.BindTPOrder(o.OrderID, o.StopPrice, o.Quantity)
		}
	}

	c.resolveClosedPositions(positionSize, price)
	return nil
}

// resolveDisappearedPending classifies tracked pending orders that are no
// longer open on the exchange. Walking oldest-first, each disappearance
// is a fill if the exchange position still has room for its quantity
// beyond what already-tracked fills explain; otherwise it was cancelled
// externally.
func (c *Coordinator) resolveDisappearedPending(openByID map[string]bool, positionSize float64) {
	expectedPosition := 0.0
	for _, o := range c.tracker.FilledOrders() {
		expectedPosition += o.Quantity
	}

	for _, o := range c.tracker.PendingOrders() {
		if openByID[o.OrderID] {
			continue
		}
		delta := positionSize - expectedPosition
		if delta >= o.Quantity*fillQtyTolerance {
			c.handleFill(o.OrderID, o.EntryPrice, o.Quantity)
			expectedPosition += o.Quantity
			c.logger.Info("Sync: pending order classified as filled",
				zap.String("order_id", o.OrderID),
				zap.Float64("entry", o.EntryPrice))
		} else {
			c.tracker.CancelOrder(o.OrderID)
			metrics.OrdersCancelled.Inc()
			c.logger.Info("Sync: pending order classified as cancelled",
				zap.String("order_id", o.OrderID),
				zap.Float64("entry", o.EntryPrice))
		}
	}
}

// resolveClosedPositions handles tracked fills whose exchange position
// has shrunk. Zero position means every take-profit triggered; a partial
// close releases the oldest fills first, matching the exchange's own
// close ordering.
func (c *Coordinator) resolveClosedPositions(positionSize, price float64) {
	filled := c.tracker.FilledOrders()
	if len(filled) == 0 {
		return
	}

	trackedSize := 0.0
	for _, o := range filled {
		trackedSize += o.Quantity
	}

	if positionSize == 0 {
		for _, o := range filled {
			c.closeAtTP(o)
		}
		c.logger.Info("Sync: position fully closed, all take-profits assumed hit",
			zap.Int("count", len(filled)))
		return
	}

	// Within 1% of the tracked total is fee-deduction noise, not a close.
	excess := trackedSize - positionSize
	if excess < trackedSize*0.01 {
		return
	}
	for _, o := range filled {
		if excess < o.Quantity*fillQtyTolerance {
			break
		}
		c.closeAtTP(o)
		excess -= o.Quantity
		c.logger.Info("Sync: partial close attributed to oldest fill",
			zap.String("order_id", o.OrderID),
			zap.Float64("tp", o.TPPrice))
	}
}

// closeAtTP marks a fill's take-profit as hit using its target price as
// the exit. Polling cannot observe the actual fill price; the TP target
// is the best available estimate.
func (c *Coordinator) closeAtTP(o domain.TrackedOrder) {
	c.handleTpHit(o.OrderID, o.TPPrice)
}

// --- account stream ---

// handleAccountEvent consumes pushed account events. Push and the polled
// sync are both idempotent against the tracker, so an event observed
// twice, or first by one path and then the other, converges to the same
// state.
func (c *Coordinator) handleAccountEvent(ev domain.AccountEvent) {
	switch ev.Type {
	case domain.EventOrderUpdate:
		c.handleOrderUpdate(ev.Order)
	case domain.EventPositionUpdate:
		// Position pushes are informational; reconciliation against
		// position size happens in the polled sync.
	case domain.EventSessionExpired:
		// Listen-key renewal is handled inside the exchange adapter.
	}
}

func (c *Coordinator) handleOrderUpdate(upd *domain.OrderUpdate) {
	if upd == nil || upd.Symbol != c.cfg.Symbol {
		return
	}

	switch upd.Type {
	case domain.OrderTypeLimit:
		switch upd.Status {
		case "FILLED":
			c.handleFill(upd.OrderID, upd.Price, upd.Quantity)
		case "CANCELED", "EXPIRED":
			c.tracker.CancelOrder(upd.OrderID)
			metrics.OrdersCancelled.Inc()
		}
	case domain.OrderTypeTakeProfit:
		stop := upd.StopPrice
		if stop == 0 {
			stop = upd.Price
		}
		switch upd.Status {
		case "NEW":
			// The exchange just materialized the TP attached to a fill.
			c.tracker.BindTPOrder(upd.OrderID, stop, upd.Quantity)
		case "FILLED":
			id, ok := c.findFillByTPOrder(upd.OrderID)
			if !ok {
				// The NEW push may have been missed; bind late.
				if c.tracker.BindTPOrder(upd.OrderID, stop, upd.Quantity) {
					id, ok = c.findFillByTPOrder(upd.OrderID)
				}
			}
			if ok {
				exit := upd.AvgFillPrice
				if exit == 0 {
					exit = stop
				}
				c.handleTpHit(id, exit)
			}
		}
	}
}

func (c *Coordinator) findFillByTPOrder(tpOrderID string) (string, bool) {
	for _, o := range c.tracker.FilledOrders() {
		if o.ExchangeTPOrderID == tpOrderID {
			return o.OrderID, true
		}
	}
	return "", false
}

// handleFill transitions a tracked order to Filled and records the open
// trade. The persisted trade id flows back asynchronously via SetTradeID.
func (c *Coordinator) handleFill(orderID string, entryPrice, qty float64) {
	order, ok := c.tracker.Order(orderID)
	if !ok || order.Status != domain.StatusPending {
		return
	}
	c.tracker.MarkFilled(orderID)

	c.persist.SaveTrade(&domain.PersistedTrade{
		OrderID:    orderID,
		Symbol:     c.cfg.Symbol,
		EntryPrice: order.EntryPrice,
		Quantity:   order.Quantity,
		TPPrice:    order.TPPrice,
		Leverage:   c.cfg.Leverage,
		Status:     domain.TradeStatusOpen,
		OpenedAt:   time.Now(),
	}, func(id int64) {
		c.tracker.SetTradeID(orderID, id)
	})

	c.logger.Info("Order filled",
		zap.String("order_id", orderID),
		zap.Float64("entry", order.EntryPrice),
		zap.Float64("qty", order.Quantity))
}

// handleTpHit closes out a tracked fill. The trade id is read before
// MarkTpHit removes the order from the tracker.
func (c *Coordinator) handleTpHit(orderID string, exitPrice float64) {
	order, ok := c.tracker.Order(orderID)
	if !ok {
		return
	}
	record := c.tracker.MarkTpHit(orderID, exitPrice)
	if record == nil {
		return
	}
	c.persist.UpdateTradeExit(order.TradeID, exitPrice, record.PnL, record.ExitTime)

	c.logger.Info("Take-profit hit",
		zap.String("order_id", orderID),
		zap.Float64("entry", record.EntryPrice),
		zap.Float64("exit", exitPrice),
		zap.Float64("pnl", record.PnL))
}
