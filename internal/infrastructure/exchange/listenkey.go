package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	keepAliveInterval = 20 * time.Minute
	renewAttempts     = 3
	renewBackoffStart = 5 * time.Second
	renewBackoffCap   = 30 * time.Second
)

func (b *BinanceAdapter) createListenKey(ctx context.Context) (string, error) {
	body, err := b.sendRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, true)
	if err != nil {
		return "", err
	}
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	return result.ListenKey, nil
}

func (b *BinanceAdapter) keepAliveListenKey(ctx context.Context) error {
	_, err := b.sendRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, true)
	return err
}

func (b *BinanceAdapter) closeListenKey(ctx context.Context) error {
	_, err := b.sendRequest(ctx, http.MethodDelete, "/fapi/v1/listenKey", nil, true)
	return err
}

// keepAliveLoop extends the listen key every 20 minutes. A failed
// keep-alive goes straight to renewal instead of waiting for the expiry
// push.
func (b *BinanceAdapter) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			if err := b.keepAliveListenKey(ctx); err != nil {
				b.logger.Warn("Listen key keep-alive failed, renewing", zap.Error(err))
				b.renewListenKey()
			} else {
				b.logger.Debug("Listen key extended")
			}
		}
	}
}

// renewListenKey replaces the listen key. The in-flight guard makes
// renewal exactly-once per expiration even when the expiry push and a
// failed keep-alive race each other.
func (b *BinanceAdapter) renewListenKey() {
	b.renewMu.Lock()
	if b.renewing {
		b.renewMu.Unlock()
		return
	}
	b.renewing = true
	b.renewMu.Unlock()

	go func() {
		defer func() {
			b.renewMu.Lock()
			b.renewing = false
			b.renewMu.Unlock()
		}()

		backoff := renewBackoffStart
		for attempt := 1; attempt <= renewAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			key, err := b.createListenKey(ctx)
			cancel()
			if err == nil {
				b.lkMu.Lock()
				b.listenKey = key
				b.lkMu.Unlock()
				b.account.setListenKey(key)
				b.logger.Info("Listen key renewed", zap.Int("attempt", attempt))
				return
			}

			b.logger.Warn("Listen key renewal failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt == renewAttempts {
				break
			}

			select {
			case <-b.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > renewBackoffCap {
				backoff = renewBackoffCap
			}
		}
		b.logger.Error("Giving up on listen key renewal; account stream will retry on reconnect")
	}()
}
