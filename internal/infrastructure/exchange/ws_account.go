package exchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
	"github.com/vitos/crypto_grid_bot/internal/metrics"
)

const (
	accountBackoffStart = 1 * time.Second
	accountBackoffCap   = 60 * time.Second
)

// accountStream maintains the authenticated user-data connection keyed by
// the listen key. Disconnects are routine here, so the backoff multiplier
// is gentler (x1.5) than the market stream's.
type accountStream struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	listenKey string
	callbacks []func(domain.AccountEvent)

	onSessionExpired func()

	done     chan struct{}
	doneOnce sync.Once
}

func newAccountStream(url string, logger *zap.Logger) *accountStream {
	return &accountStream{
		url:    url,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (a *accountStream) onEvent(cb func(domain.AccountEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = append(a.callbacks, cb)
}

func (a *accountStream) setListenKey(key string) {
	a.mu.Lock()
	a.listenKey = key
	conn := a.conn
	a.mu.Unlock()
	// Reconnect so the read loop picks up the new key.
	if conn != nil {
		conn.Close()
	}
}

func (a *accountStream) run(ctx context.Context) {
	retry := newBackoff(accountBackoffStart, accountBackoffCap, 1.5)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
		}

		a.mu.Lock()
		key := a.listenKey
		a.mu.Unlock()
		if key == "" {
			if !sleepCtx(ctx, a.done, accountBackoffStart) {
				return
			}
			continue
		}

		conn, _, err := websocket.DefaultDialer.Dial(a.url+"/"+key, nil)
		if err != nil {
			delay := retry.next()
			a.logger.Warn("Account stream dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			metrics.WSReconnects.WithLabelValues("account").Inc()
			if !sleepCtx(ctx, a.done, delay) {
				return
			}
			continue
		}
		retry.reset()

		conn.SetPingHandler(func(appData string) error {
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		})

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()

		a.logger.Info("Account stream connected")
		a.readLoop(conn)

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		metrics.WSReconnects.WithLabelValues("account").Inc()

		if !sleepCtx(ctx, a.done, accountBackoffStart) {
			return
		}
	}
}

func (a *accountStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			a.logger.Warn("Account stream read error", zap.Error(err))
			return
		}

		if msgType == websocket.BinaryMessage {
			message, err = gunzip(message)
			if err != nil {
				a.logger.Warn("Failed to decompress account frame", zap.Error(err))
				continue
			}
		}

		event := parseAccountEvent(message)
		if event.Type == domain.EventSessionExpired && a.onSessionExpired != nil {
			a.logger.Warn("Listen key expired, triggering renewal")
			a.onSessionExpired()
		}

		a.mu.Lock()
		callbacks := make([]func(domain.AccountEvent), len(a.callbacks))
		copy(callbacks, a.callbacks)
		a.mu.Unlock()

		for _, cb := range callbacks {
			cb(event)
		}
	}
}

func (a *accountStream) close() {
	a.doneOnce.Do(func() { close(a.done) })
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.mu.Unlock()
}

// parseAccountEvent maps a raw user-data frame to the tagged event union.
func parseAccountEvent(message []byte) domain.AccountEvent {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		return domain.AccountEvent{Type: domain.EventUnknown}
	}

	switch head.Event {
	case "ORDER_TRADE_UPDATE":
		var frame struct {
			Order struct {
				Symbol        string `json:"s"`
				ClientOrderID string `json:"c"`
				Side          string `json:"S"`
				Type          string `json:"o"`
				Status        string `json:"X"`
				OrderID       int64  `json:"i"`
				Price         string `json:"p"`
				StopPrice     string `json:"sp"`
				Quantity      string `json:"q"`
				FilledQty     string `json:"z"`
				AvgPrice      string `json:"ap"`
			} `json:"o"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			return domain.AccountEvent{Type: domain.EventUnknown}
		}
		price, _ := strconv.ParseFloat(frame.Order.Price, 64)
		stop, _ := strconv.ParseFloat(frame.Order.StopPrice, 64)
		qty, _ := strconv.ParseFloat(frame.Order.Quantity, 64)
		filled, _ := strconv.ParseFloat(frame.Order.FilledQty, 64)
		avg, _ := strconv.ParseFloat(frame.Order.AvgPrice, 64)
		return domain.AccountEvent{
			Type: domain.EventOrderUpdate,
			Order: &domain.OrderUpdate{
				OrderID:       strconv.FormatInt(frame.Order.OrderID, 10),
				ClientOrderID: frame.Order.ClientOrderID,
				Symbol:        frame.Order.Symbol,
				Status:        frame.Order.Status,
				Type:          domain.ExchangeOrderType(frame.Order.Type),
				Side:          domain.OrderSide(frame.Order.Side),
				Price:         price,
				StopPrice:     stop,
				Quantity:      qty,
				FilledQty:     filled,
				AvgFillPrice:  avg,
			},
		}

	case "ACCOUNT_UPDATE":
		var frame struct {
			Account struct {
				Positions []struct {
					Symbol      string `json:"s"`
					PositionAmt string `json:"pa"`
					EntryPrice  string `json:"ep"`
				} `json:"P"`
			} `json:"a"`
		}
		if err := json.Unmarshal(message, &frame); err != nil || len(frame.Account.Positions) == 0 {
			return domain.AccountEvent{Type: domain.EventUnknown}
		}
		p := frame.Account.Positions[0]
		size, _ := strconv.ParseFloat(p.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		if size < 0 {
			size = -size
		}
		return domain.AccountEvent{
			Type: domain.EventPositionUpdate,
			Position: &domain.PositionUpdate{
				Symbol:     p.Symbol,
				Size:       size,
				EntryPrice: entry,
			},
		}

	case "listenKeyExpired":
		return domain.AccountEvent{Type: domain.EventSessionExpired}
	}

	return domain.AccountEvent{Type: domain.EventUnknown}
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
