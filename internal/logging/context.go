package logging

import (
	"github.com/rs/zerolog"
)

// WithComponent tags a logger with the owning component
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// WithMonitor creates a logger context for a single position monitor
func WithMonitor(l zerolog.Logger, id, symbol, side string) zerolog.Logger {
	return l.With().
		Str("component", "monitor").
		Str("monitor_id", id).
		Str("symbol", symbol).
		Str("side", side).
		Logger()
}

// WithPosition creates a logger context for position operations
func WithPosition(l zerolog.Logger, symbol, side string, amount, entryPrice float64) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Str("side", side).
		Float64("amount", amount).
		Float64("entry_price", entryPrice).
		Logger()
}

// WithOrder creates a logger context for order operations
func WithOrder(l zerolog.Logger, symbol, side, orderType string) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Str("side", side).
		Str("order_type", orderType).
		Logger()
}
