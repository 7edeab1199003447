// Package exchange defines the gateway the risk core consumes to talk to a
// derivatives exchange: prices, balances, positions and order placement.
package exchange

import (
	"context"
	"errors"
	"strings"
)

// Errors surfaced by gateway implementations
var (
	// ErrBelowMinNotional is returned when the exchange rejects an order for
	// being smaller than the instrument's minimum notional.
	ErrBelowMinNotional = errors.New("order below minimum notional")
	// ErrNoPosition means no open position exists for the symbol.
	ErrNoPosition = errors.New("no open position")
	// ErrRejected wraps any other order rejection.
	ErrRejected = errors.New("order rejected")
)

// Side is an order side
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other order side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide returns the position an order of this side opens
func (s Side) PositionSide() PositionSide {
	if s == SideBuy {
		return Long
	}
	return Short
}

// ParseSide accepts buy/sell as well as long/short in any case
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return SideBuy, true
	case "sell", "short":
		return SideSell, true
	}
	return "", false
}

// PositionSide is the direction of an open position
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// EntrySide is the order side that opens this position
func (p PositionSide) EntrySide() Side {
	if p == Short {
		return SideSell
	}
	return SideBuy
}

// CloseSide is the order side that reduces this position
func (p PositionSide) CloseSide() Side {
	return p.EntrySide().Opposite()
}

// Opposite returns the reversed position direction
func (p PositionSide) Opposite() PositionSide {
	if p == Long {
		return Short
	}
	return Long
}

// ParsePositionSide accepts long/short and buy/sell; empty defaults to long
func ParsePositionSide(s string) (PositionSide, bool) {
	if strings.TrimSpace(s) == "" {
		return Long, true
	}
	side, ok := ParseSide(s)
	if !ok {
		return "", false
	}
	return side.PositionSide(), true
}

// Position is an open position as reported by the exchange
type Position struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Amount     float64      `json:"amount"`
	EntryPrice float64      `json:"entry_price"`
	MarkPrice  float64      `json:"mark_price,omitempty"`
}

// OrderRef identifies an order accepted by the exchange
type OrderRef struct {
	ID         string  `json:"id"`
	ClientID   string  `json:"client_id,omitempty"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Type       string  `json:"type"`
	Amount     float64 `json:"amount"`
	Price      float64 `json:"price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
	ReduceOnly bool    `json:"reduce_only"`
}

// Gateway is the exchange surface used by monitors and the orchestrator
type Gateway interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	// GetPosition returns nil, nil when the symbol has no open position.
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
	CreateMarketOrder(ctx context.Context, symbol string, side Side, amount float64, reduceOnly bool) (*OrderRef, error)
	CreateStopOrder(ctx context.Context, symbol string, side Side, amount, stopPrice float64, reduceOnly bool) (*OrderRef, error)
	CreateTrailingStopOrder(ctx context.Context, symbol string, side Side, amount, callbackRatePct float64, reduceOnly bool) (*OrderRef, error)
	CancelOpenOrders(ctx context.Context, symbol string) error
}

// PriceSource is the read-only slice of Gateway a monitor polls
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// PositionQuery looks up live positions
type PositionQuery interface {
	GetPosition(ctx context.Context, symbol string) (*Position, error)
}
