package exchange

import (
	"context"
	"fmt"
	"strings"
)

var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD"}

// SplitSymbol returns base and quote for any of the spellings
// "BTC/USDT", "BTCUSDT", "BTC/USDT:USDT" or "BTC-USDT".
func SplitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return parts[0], parts[1]
		}
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q), q
		}
	}
	return s, ""
}

// NativeSymbol returns the concatenated exchange spelling, e.g. BTCUSDT
func NativeSymbol(symbol string) string {
	base, quote := SplitSymbol(symbol)
	return base + quote
}

// SymbolVariants returns the configured spelling followed by the common
// alternates exchanges report for the same perpetual contract.
func SymbolVariants(symbol string) []string {
	variants := []string{symbol}
	base, quote := SplitSymbol(symbol)
	if quote == "" {
		return variants
	}
	for _, v := range []string{
		base + "/" + quote,
		base + quote,
		base + "/" + quote + ":" + quote,
	} {
		if !contains(variants, v) {
			variants = append(variants, v)
		}
	}
	return variants
}

// LookupAttempt records one spelling tried by FindPosition
type LookupAttempt struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error,omitempty"`
	Found  bool   `json:"found"`
}

// FindPosition queries each spelling variant of symbol until one reports an
// open position. It returns nil and the attempts when nothing is open; the
// error is non-nil only when every attempt failed.
func FindPosition(ctx context.Context, q PositionQuery, symbol string) (*Position, []LookupAttempt, error) {
	variants := SymbolVariants(symbol)
	attempts := make([]LookupAttempt, 0, len(variants))
	failures := 0
	var lastErr error

	for _, v := range variants {
		pos, err := q.GetPosition(ctx, v)
		if err != nil {
			failures++
			lastErr = err
			attempts = append(attempts, LookupAttempt{Symbol: v, Error: err.Error()})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if pos != nil && pos.Amount > 0 {
			attempts = append(attempts, LookupAttempt{Symbol: v, Found: true})
			return pos, attempts, nil
		}
		attempts = append(attempts, LookupAttempt{Symbol: v})
	}

	if failures == len(attempts) && lastErr != nil {
		return nil, attempts, fmt.Errorf("position lookup failed for %d spellings of %s: %w", failures, symbol, lastErr)
	}
	return nil, attempts, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
