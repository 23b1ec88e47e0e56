package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

const persistQueueSize = 256

// PersistWorker decouples store writes from the trading path: callers
// enqueue and move on, a single consumer goroutine performs the writes.
// Store failures are logged and never propagate back to exchange logic.
type PersistWorker struct {
	store  domain.TradeStore
	queue  chan func(ctx context.Context, store domain.TradeStore) error
	logger *zap.Logger
}

func NewPersistWorker(store domain.TradeStore, logger *zap.Logger) *PersistWorker {
	return &PersistWorker{
		store:  store,
		queue:  make(chan func(ctx context.Context, store domain.TradeStore) error, persistQueueSize),
		logger: logger,
	}
}

func (w *PersistWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.queue:
			jobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job(jobCtx, w.store); err != nil {
				w.logger.Warn("Persistence write failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (w *PersistWorker) enqueue(job func(ctx context.Context, store domain.TradeStore) error) {
	select {
	case w.queue <- job:
	default:
		w.logger.Warn("Persistence queue full, dropping write")
	}
}

func (w *PersistWorker) SaveTrade(trade *domain.PersistedTrade, onSaved func(id int64)) {
	w.enqueue(func(ctx context.Context, store domain.TradeStore) error {
		id, err := store.SaveTrade(ctx, trade)
		if err != nil {
			return err
		}
		if onSaved != nil {
			onSaved(id)
		}
		return nil
	})
}

func (w *PersistWorker) UpdateTradeExit(id int64, exitPrice, pnl float64, closedAt time.Time) {
	if id == 0 {
		return
	}
	w.enqueue(func(ctx context.Context, store domain.TradeStore) error {
		return store.UpdateTradeExit(ctx, id, exitPrice, pnl, closedAt)
	})
}

func (w *PersistWorker) UpdateTradeTP(id int64, tpPrice float64, tpOrderID string) {
	if id == 0 {
		return
	}
	w.enqueue(func(ctx context.Context, store domain.TradeStore) error {
		return store.UpdateTradeTP(ctx, id, tpPrice, tpOrderID)
	})
}

func (w *PersistWorker) SaveTPAdjustment(upd domain.PositionTPUpdate) {
	w.enqueue(func(ctx context.Context, store domain.TradeStore) error {
		return store.SaveTPAdjustment(ctx, &upd)
	})
}

func (w *PersistWorker) LogActivity(event, detail string) {
	w.enqueue(func(ctx context.Context, store domain.TradeStore) error {
		return store.LogActivity(ctx, event, detail)
	})
}
