package exchange

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsInsufficientMargin(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&APIError{Code: -2019, Msg: "Margin is insufficient."}, true},
		{&APIError{Code: -4164, Msg: "margin is insufficient for this order"}, true},
		{&APIError{Code: -1003, Msg: "Too many requests."}, false},
		{fmt.Errorf("placing order: %w", &APIError{Code: -2019, Msg: "Margin is insufficient."}), true},
		{errors.New("margin is insufficient"), false}, // plain errors are never classified
		{nil, false},
	}
	for _, c := range cases {
		if got := IsInsufficientMargin(c.err); got != c.want {
			t.Errorf("IsInsufficientMargin(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestIsRateLimit(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&APIError{Code: -1003, Msg: "Too many requests."}, true},
		{&APIError{Code: -1015, Msg: "Too many new orders."}, true},
		{&APIError{Code: -1000, Msg: "Too many requests; banned (HTTP 429)"}, true},
		{&APIError{Code: -2019, Msg: "Margin is insufficient."}, false},
		{fmt.Errorf("wrapped: %w", &APIError{Code: -1015, Msg: "Too many new orders."}), true},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsRateLimit(c.err); got != c.want {
			t.Errorf("IsRateLimit(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestCacheExpiryAndInvalidation(t *testing.T) {
	c := newTTLCache()

	c.set("/fapi/v1/openOrders?symbol=BTCUSDT", []byte("a"), ordersTTL)
	c.set("/fapi/v1/openOrders?symbol=ETHUSDT", []byte("b"), ordersTTL)
	c.set("/fapi/v1/klines?symbol=BTCUSDT", []byte("c"), klinesTTL)

	if _, ok := c.get("/fapi/v1/openOrders?symbol=BTCUSDT"); !ok {
		t.Fatal("fresh entry missing")
	}

	c.invalidatePrefix("/fapi/v1/openOrders")
	if _, ok := c.get("/fapi/v1/openOrders?symbol=BTCUSDT"); ok {
		t.Error("invalidated entry still served")
	}
	if _, ok := c.get("/fapi/v1/openOrders?symbol=ETHUSDT"); ok {
		t.Error("prefix invalidation missed a sibling key")
	}
	if _, ok := c.get("/fapi/v1/klines?symbol=BTCUSDT"); !ok {
		t.Error("prefix invalidation removed an unrelated key")
	}

	c.set("stale", []byte("x"), -time.Second)
	if _, ok := c.get("stale"); ok {
		t.Error("expired entry served")
	}
}
