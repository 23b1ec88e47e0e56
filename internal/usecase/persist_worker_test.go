package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

func TestPersistWorkerDeliversWrites(t *testing.T) {
	store := NewMockStore()
	w := NewPersistWorker(store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	idCh := make(chan int64, 1)
	w.SaveTrade(&domain.PersistedTrade{OrderID: "o1", Symbol: "BTCUSDT"}, func(id int64) {
		idCh <- id
	})

	var id int64
	select {
	case id = <-idCh:
	case <-time.After(2 * time.Second):
		t.Fatal("SaveTrade callback never fired")
	}
	if id != 1 {
		t.Errorf("assigned id = %d, want 1", id)
	}

	w.UpdateTradeExit(id, 94329, 0.329, time.Now())
	w.LogActivity("test", "detail")

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		done := len(store.Exits) == 1 && len(store.Activities) == 1
		store.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queued writes never landed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPersistWorkerSkipsZeroIDs(t *testing.T) {
	store := NewMockStore()
	w := NewPersistWorker(store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// A trade whose SaveTrade never completed has id 0; exit and TP
	// patches for it must be dropped, not written to row 0.
	w.UpdateTradeExit(0, 94329, 0.329, time.Now())
	w.UpdateTradeTP(0, 94357.2, "tp-1")

	time.Sleep(50 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.Exits) != 0 || len(store.TPPatches) != 0 {
		t.Error("zero-id writes reached the store")
	}
}
