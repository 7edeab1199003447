package risk

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSize is returned when inputs cannot produce a positive size
var ErrInvalidSize = errors.New("invalid position size")

// Config holds position sizing parameters
type Config struct {
	RiskPerTradePct  float64 // percent of balance committed as margin per trade
	Leverage         int
	MinNotional      float64 // exchange minimum order value in quote currency
	MinNotionalScale float64 // growth factor after a min-notional rejection
}

// RiskManager sizes entries from account balance
type RiskManager struct {
	config Config
}

// NewRiskManager creates a new risk manager
func NewRiskManager(config Config) *RiskManager {
	if config.Leverage < 1 {
		config.Leverage = 1
	}
	if config.MinNotionalScale <= 1 {
		config.MinNotionalScale = 1.1
	}
	return &RiskManager{config: config}
}

// Config returns the sizing parameters
func (rm *RiskManager) Config() Config {
	return rm.config
}

// CalculatePositionSize returns the base-asset amount for an entry:
// balance × risk% × leverage / price, raised so the notional reaches the
// exchange minimum.
func (rm *RiskManager) CalculatePositionSize(balance, price float64) (float64, error) {
	if !(price > 0) {
		return 0, fmt.Errorf("%w: price %v", ErrInvalidSize, price)
	}
	if balance < 0 || math.IsNaN(balance) {
		return 0, fmt.Errorf("%w: balance %v", ErrInvalidSize, balance)
	}

	notional := balance * rm.config.RiskPerTradePct / 100 * float64(rm.config.Leverage)
	if notional < rm.config.MinNotional {
		notional = rm.config.MinNotional
	}

	amount := notional / price
	if !(amount > 0) {
		return 0, fmt.Errorf("%w: notional %v at price %v", ErrInvalidSize, notional, price)
	}
	return amount, nil
}

// ScaleUp grows an amount rejected for being below minimum notional
func (rm *RiskManager) ScaleUp(amount float64) float64 {
	return amount * rm.config.MinNotionalScale
}

// StopLossPrice returns the protective stop for an entry
func StopLossPrice(long bool, entry, stopLossPct float64) float64 {
	if long {
		return entry * (1 - stopLossPct)
	}
	return entry * (1 + stopLossPct)
}

// GetRiskMetrics reports the sizing configuration for status endpoints
func (rm *RiskManager) GetRiskMetrics() map[string]interface{} {
	return map[string]interface{}{
		"risk_per_trade_pct": rm.config.RiskPerTradePct,
		"leverage":           rm.config.Leverage,
		"min_notional":       rm.config.MinNotional,
		"min_notional_scale": rm.config.MinNotionalScale,
	}
}
