package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/crypto_grid_bot/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL      = "https://fapi.binance.com"
	DefaultMarketWSURL  = "wss://fstream.binance.com/ws"
	DefaultAccountWSURL = "wss://fstream.binance.com/ws"

	recvWindow = 5000
)

// BinanceAdapter implements domain.Exchange against a Binance-style
// USDT-perpetual REST/WebSocket API.
type BinanceAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	cache     *ttlCache
	logger    *zap.Logger

	market  *marketStream
	account *accountStream

	lkMu      sync.Mutex
	listenKey string

	renewMu   sync.Mutex
	renewing  bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewBinanceAdapter(apiKey, apiSecret, baseURL, marketWSURL, accountWSURL string, logger *zap.Logger) *BinanceAdapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if marketWSURL == "" {
		marketWSURL = DefaultMarketWSURL
	}
	if accountWSURL == "" {
		accountWSURL = DefaultAccountWSURL
	}
	b := &BinanceAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		cache:     newTTLCache(),
		logger:    logger,
		done:      make(chan struct{}),
	}
	b.market = newMarketStream(marketWSURL, logger)
	b.account = newAccountStream(accountWSURL, logger)
	b.account.onSessionExpired = b.renewListenKey
	return b
}

// --- REST plumbing ---

func (b *BinanceAdapter) sign(query string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BinanceAdapter) sendRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindow))
	}

	// Encode sorts keys, giving the canonical query string the signature
	// is computed over.
	query := params.Encode()
	if signed {
		query += "&signature=" + b.sign(query)
	}

	reqURL := b.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			if resp.StatusCode == http.StatusTooManyRequests {
				apiErr.Msg += " (HTTP 429)"
			}
			return nil, &APIError{Code: apiErr.Code, Msg: apiErr.Msg}
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func (b *BinanceAdapter) cachedGet(ctx context.Context, path string, params url.Values, signed bool, ttl time.Duration) ([]byte, error) {
	key := path
	if params != nil {
		key += "?" + params.Encode()
	}
	if body, ok := b.cache.get(key); ok {
		return body, nil
	}
	body, err := b.sendRequest(ctx, http.MethodGet, path, params, signed)
	if err != nil {
		return nil, err
	}
	b.cache.set(key, body, ttl)
	return body, nil
}

// --- Market data ---

func (b *BinanceAdapter) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{"symbol": {symbol}}
	// Uncached: this doubles as the connectivity health probe.
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return 0, err
	}
	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(result.Price, 64)
}

func (b *BinanceAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := b.cachedGet(ctx, "/fapi/v1/klines", params, false, klinesTTL)
	if err != nil {
		return nil, err
	}

	// Format: [openTime, open, high, low, close, volume, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	var candles []domain.Candle
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		var ts int64
		var o, h, l, c, v string
		json.Unmarshal(k[0], &ts)
		json.Unmarshal(k[1], &o)
		json.Unmarshal(k[2], &h)
		json.Unmarshal(k[3], &l)
		json.Unmarshal(k[4], &c)
		json.Unmarshal(k[5], &v)

		open, _ := strconv.ParseFloat(o, 64)
		high, _ := strconv.ParseFloat(h, 64)
		low, _ := strconv.ParseFloat(l, 64)
		closePrice, _ := strconv.ParseFloat(c, 64)
		volume, _ := strconv.ParseFloat(v, 64)

		candles = append(candles, domain.Candle{
			Time:   ts / 1000,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}
	return candles, nil
}

func (b *BinanceAdapter) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingInfo, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := b.cachedGet(ctx, "/fapi/v1/premiumIndex", params, false, fundingTTL)
	if err != nil {
		return nil, err
	}
	var result struct {
		Symbol          string `json:"symbol"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	rate, _ := strconv.ParseFloat(result.LastFundingRate, 64)
	return &domain.FundingInfo{
		Symbol:          result.Symbol,
		Rate:            rate,
		NextFundingTime: result.NextFundingTime,
	}, nil
}

// --- Account ---

func (b *BinanceAdapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	body, err := b.cachedGet(ctx, "/fapi/v2/balance", nil, true, balanceTTL)
	if err != nil {
		return 0, err
	}
	var result []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, err
	}
	for _, entry := range result {
		if entry.Asset == asset {
			return strconv.ParseFloat(entry.Balance, 64)
		}
	}
	return 0, fmt.Errorf("asset %s not found in balance", asset)
}

func (b *BinanceAdapter) GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := b.cachedGet(ctx, "/fapi/v2/positionRisk", params, true, positionsTTL)
	if err != nil {
		return nil, err
	}
	var result []struct {
		Symbol        string `json:"symbol"`
		PositionAmt   string `json:"positionAmt"`
		EntryPrice    string `json:"entryPrice"`
		MarkPrice     string `json:"markPrice"`
		UnrealizedPnL string `json:"unRealizedProfit"`
		Leverage      string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return &domain.ExchangePosition{Symbol: symbol}, nil
	}

	raw := result[0]
	size, _ := strconv.ParseFloat(raw.PositionAmt, 64)
	entry, _ := strconv.ParseFloat(raw.EntryPrice, 64)
	mark, _ := strconv.ParseFloat(raw.MarkPrice, 64)
	pnl, _ := strconv.ParseFloat(raw.UnrealizedPnL, 64)
	lev, _ := strconv.Atoi(raw.Leverage)

	if size < 0 {
		size = -size
	}

	return &domain.ExchangePosition{
		Symbol:        raw.Symbol,
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
		Leverage:      lev,
	}, nil
}

func (b *BinanceAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := b.cachedGet(ctx, "/fapi/v1/openOrders", params, true, ordersTTL)
	if err != nil {
		return nil, err
	}
	return parseOrderList(body)
}

func parseOrderList(body []byte) ([]domain.ExchangeOrder, error) {
	var result []rawOrder
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	orders := make([]domain.ExchangeOrder, 0, len(result))
	for _, raw := range result {
		orders = append(orders, raw.toDomain())
	}
	return orders, nil
}

type rawOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r rawOrder) toDomain() domain.ExchangeOrder {
	price, _ := strconv.ParseFloat(r.Price, 64)
	stop, _ := strconv.ParseFloat(r.StopPrice, 64)
	qty, _ := strconv.ParseFloat(r.OrigQty, 64)
	created := r.Time
	if created == 0 {
		created = r.UpdateTime
	}
	return domain.ExchangeOrder{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          domain.OrderSide(r.Side),
		Type:          domain.ExchangeOrderType(r.Type),
		Price:         price,
		StopPrice:     stop,
		Quantity:      qty,
		ReduceOnly:    r.ReduceOnly,
		CreatedAt:     time.UnixMilli(created),
	}
}

// GetRealizedPnL sums the realized-PnL income history for the symbol.
func (b *BinanceAdapter) GetRealizedPnL(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{
		"symbol":     {symbol},
		"incomeType": {"REALIZED_PNL"},
		"limit":      {"1000"},
	}
	body, err := b.cachedGet(ctx, "/fapi/v1/income", params, true, balanceTTL)
	if err != nil {
		return 0, err
	}
	var result []struct {
		Income string `json:"income"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, err
	}
	total := 0.0
	for _, entry := range result {
		v, _ := strconv.ParseFloat(entry.Income, 64)
		total += v
	}
	return total, nil
}

// --- Orders ---

func (b *BinanceAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, price, qty, tpPrice float64) (*domain.ExchangeOrder, error) {
	params := url.Values{
		"symbol":           {symbol},
		"side":             {string(side)},
		"type":             {"LIMIT"},
		"timeInForce":      {"GTC"},
		"price":            {formatPrice(price)},
		"quantity":         {formatQty(qty)},
		"newClientOrderId": {"grid-" + uuid.NewString()[:18]},
	}
	if tpPrice > 0 {
		params.Set("takeProfitPrice", formatPrice(tpPrice))
	}

	body, err := b.sendRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	b.cache.invalidatePrefix("/fapi/v1/openOrders")

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	order := raw.toDomain()
	return &order, nil
}

func (b *BinanceAdapter) PlaceTPOrder(ctx context.Context, symbol string, side domain.OrderSide, stopPrice, qty float64) (*domain.ExchangeOrder, error) {
	params := url.Values{
		"symbol":           {symbol},
		"side":             {string(side)},
		"type":             {"TAKE_PROFIT_MARKET"},
		"stopPrice":        {formatPrice(stopPrice)},
		"quantity":         {formatQty(qty)},
		"reduceOnly":       {"true"},
		"newClientOrderId": {"tp-" + uuid.NewString()[:18]},
	}

	body, err := b.sendRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	b.cache.invalidatePrefix("/fapi/v1/openOrders")

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	order := raw.toDomain()
	return &order, nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {orderID},
	}
	_, err := b.sendRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		return err
	}
	b.cache.invalidatePrefix("/fapi/v1/openOrders")
	return nil
}

// CancelAllLimitOrders cancels every pending LIMIT order individually so
// that TP/SL orders protecting open positions survive.
func (b *BinanceAdapter) CancelAllLimitOrders(ctx context.Context, symbol string) (int, error) {
	b.cache.invalidatePrefix("/fapi/v1/openOrders")
	orders, err := b.GetOpenOrders(ctx, symbol)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, o := range orders {
		if o.Type != domain.OrderTypeLimit || o.ReduceOnly {
			continue
		}
		if err := b.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			b.logger.Warn("Failed to cancel limit order",
				zap.String("order_id", o.OrderID),
				zap.Error(err))
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// --- Streams ---

func (b *BinanceAdapter) OnPriceUpdate(cb func(symbol string, price float64)) {
	b.market.onPrice(cb)
}

func (b *BinanceAdapter) OnAccountEvent(cb func(domain.AccountEvent)) {
	b.account.onEvent(cb)
}

func (b *BinanceAdapter) Connect(ctx context.Context, symbols []string) error {
	key, err := b.createListenKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to create listen key: %w", err)
	}
	b.lkMu.Lock()
	b.listenKey = key
	b.lkMu.Unlock()
	b.account.setListenKey(key)

	channels := make([]string, 0, len(symbols))
	for _, s := range symbols {
		channels = append(channels, strings.ToLower(s)+"@markPrice")
	}
	b.market.register(channels)

	go b.market.run(ctx)
	go b.account.run(ctx)
	go b.keepAliveLoop(ctx)
	return nil
}

func (b *BinanceAdapter) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		// Best effort: the listen key expires on its own anyway.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.closeListenKey(ctx); err != nil {
			b.logger.Debug("Listen key close failed", zap.Error(err))
		}
		b.market.close()
		b.account.close()
	})
	return nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
