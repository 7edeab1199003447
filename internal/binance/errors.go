package binance

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lsventura/cryptoTrader/internal/exchange"
)

// Binance error codes the gateway reacts to
const (
	CodeDisconnected        = -1001
	CodeTooManyRequests     = -1003
	CodeTooManyOrders       = -1015
	CodeServiceShuttingDown = -1016
	CodeInvalidSymbol       = -1121
	CodeMinNotional         = -4164
)

// APIError is a non-2xx response from the REST API
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d (http %d): %s", e.Code, e.Status, e.Msg)
}

// Unwrap maps exchange rejections onto the gateway sentinels
func (e *APIError) Unwrap() error {
	if e.BelowMinNotional() {
		return exchange.ErrBelowMinNotional
	}
	if e.Status >= 400 && e.Status < 500 && !e.RateLimited() {
		return exchange.ErrRejected
	}
	return nil
}

// BelowMinNotional reports a minimum-notional rejection
func (e *APIError) BelowMinNotional() bool {
	return e.Code == CodeMinNotional || strings.Contains(strings.ToLower(e.Msg), "notional")
}

// RateLimited reports a weight or IP ban response
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot || e.Code == CodeTooManyRequests
}

// Retryable reports a transient failure worth repeating
func (e *APIError) Retryable() bool {
	if e.RateLimited() || e.Status >= 500 {
		return true
	}
	switch e.Code {
	case CodeDisconnected, CodeTooManyOrders, CodeServiceShuttingDown:
		return true
	}
	return false
}

// parseAPIError builds an APIError from a response body. Bodies that are not
// the usual {"code","msg"} shape keep the raw text as the message.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Code == 0 && apiErr.Msg == "") {
		apiErr.Msg = strings.TrimSpace(string(body))
	}
	return apiErr
}

// IsAPIError extracts an APIError from err
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
