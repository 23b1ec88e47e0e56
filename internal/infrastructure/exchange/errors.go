package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a non-success application code returned by the exchange.
// Callers distinguish business failures by code or message substring;
// the exchange does not expose a cleaner taxonomy.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}

// IsInsufficientMargin reports whether the error is the exchange's
// margin-insufficient rejection (code -2019 on order placement).
func IsInsufficientMargin(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == -2019 {
			return true
		}
		return strings.Contains(strings.ToLower(apiErr.Msg), "margin is insufficient")
	}
	return false
}

// IsRateLimit reports whether the error is a request-weight or order-rate
// rejection (codes -1003/-1015, or HTTP 429 surfaced in the message).
func IsRateLimit(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == -1003 || apiErr.Code == -1015 {
			return true
		}
		msg := strings.ToLower(apiErr.Msg)
		return strings.Contains(msg, "too many requests") || strings.Contains(msg, "429")
	}
	return false
}
