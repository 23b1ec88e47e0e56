package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/metrics"
)

const (
	marketBackoffStart = 1 * time.Second
	marketBackoffCap   = 60 * time.Second
)

// marketStream maintains the public market-data connection. On every
// (re)connect it re-subscribes to all registered channels. Reconnect
// delays double from 1s up to a 60s ceiling and reset after a successful
// connect.
type marketStream struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	channels  map[string]bool
	callbacks []func(symbol string, price float64)
	subID     int

	done     chan struct{}
	doneOnce sync.Once
}

func newMarketStream(url string, logger *zap.Logger) *marketStream {
	return &marketStream{
		url:      url,
		logger:   logger,
		channels: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

func (m *marketStream) onPrice(cb func(symbol string, price float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *marketStream) register(channels []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range channels {
		m.channels[ch] = true
	}
}

func (m *marketStream) run(ctx context.Context) {
	retry := newBackoff(marketBackoffStart, marketBackoffCap, 2)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(m.url, nil)
		if err != nil {
			delay := retry.next()
			m.logger.Warn("Market stream dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			metrics.WSReconnects.WithLabelValues("market").Inc()
			if !sleepCtx(ctx, m.done, delay) {
				return
			}
			continue
		}
		retry.reset()

		conn.SetPingHandler(func(appData string) error {
			// Echo immediately; the exchange drops silent connections.
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		})

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()

		if err := m.resubscribe(conn); err != nil {
			m.logger.Warn("Market stream resubscribe failed", zap.Error(err))
			conn.Close()
			continue
		}
		m.logger.Info("Market stream connected", zap.Int("channels", m.channelCount()))

		m.readLoop(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		metrics.WSReconnects.WithLabelValues("market").Inc()

		if !sleepCtx(ctx, m.done, marketBackoffStart) {
			return
		}
	}
}

func (m *marketStream) channelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

func (m *marketStream) resubscribe(conn *websocket.Conn) error {
	m.mu.Lock()
	channels := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	m.subID++
	id := m.subID
	m.mu.Unlock()

	if len(channels) == 0 {
		return nil
	}
	return conn.WriteJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": channels,
		"id":     id,
	})
}

func (m *marketStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.logger.Warn("Market stream read error", zap.Error(err))
			return
		}

		var event struct {
			Event  string `json:"e"`
			Symbol string `json:"s"`
			Price  string `json:"p"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Event != "markPriceUpdate" || event.Symbol == "" {
			continue
		}

		price, err := strconv.ParseFloat(event.Price, 64)
		if err != nil || price <= 0 {
			continue
		}

		m.mu.Lock()
		callbacks := make([]func(string, float64), len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()

		for _, cb := range callbacks {
			cb(event.Symbol, price)
		}
	}
}

func (m *marketStream) close() {
	m.doneOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
}

// sleepCtx waits for d, returning false if the context or stream was
// closed first.
func sleepCtx(ctx context.Context, done chan struct{}, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case <-time.After(d):
		return true
	}
}
