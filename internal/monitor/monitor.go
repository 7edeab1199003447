// Package monitor implements the per-position risk watcher, the registry that
// owns running watchers, and startup reconciliation against the exchange.
package monitor

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lsventura/cryptoTrader/internal/exchange"
)

// ExitReason describes why a watcher stopped
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitCloseFailed  ExitReason = "close_failed"
	ExitCancelled    ExitReason = "cancelled"
	ExitShutdown     ExitReason = "shutdown"
	ExitFault        ExitReason = "fault"
)

// Params seeds a monitor. Risk percentages are ratios (0.02 = 2%) except
// CallbackRatePct which follows the exchange convention (1.0 = 1%).
type Params struct {
	ID                    string
	Symbol                string
	Side                  exchange.PositionSide
	EntryPrice            float64
	Amount                float64
	StopLossPct           float64
	TrailingActivationPct float64
	CallbackRatePct       float64
	StopOrderCreated      bool
	TrailingOrderCreated  bool

	// Restored state, zero for fresh monitors
	TrailingActivated bool
	Watermark         float64
	TrailingStopPrice float64
	StartedAt         time.Time

	Extra map[string]interface{}
}

// Validate checks the parameters a watcher cannot run without
func (p Params) Validate() error {
	switch {
	case strings.TrimSpace(p.Symbol) == "":
		return errors.New("symbol is required")
	case p.Side != exchange.Long && p.Side != exchange.Short:
		return fmt.Errorf("invalid side %q", p.Side)
	case !(p.EntryPrice > 0):
		return fmt.Errorf("entry price must be positive, got %v", p.EntryPrice)
	case !(p.Amount > 0):
		return fmt.Errorf("amount must be positive, got %v", p.Amount)
	case !(p.StopLossPct > 0) || p.StopLossPct >= 1:
		return fmt.Errorf("stop loss pct must be in (0,1), got %v", p.StopLossPct)
	case p.TrailingActivationPct < 0:
		return fmt.Errorf("trailing activation pct must not be negative, got %v", p.TrailingActivationPct)
	case !(p.CallbackRatePct > 0) || p.CallbackRatePct >= 100:
		return fmt.Errorf("callback rate must be in (0,100), got %v", p.CallbackRatePct)
	}
	return nil
}

// Evaluation is the outcome of one price tick
type Evaluation struct {
	Close     bool
	Reason    ExitReason
	Activated bool // trailing activated on this tick
	Changed   bool // persisted metadata changed
}

// Monitor is the exit-policy state of one position. It is owned by a single
// watcher goroutine; other goroutines only ever see Record copies.
type Monitor struct {
	id                    string
	symbol                string
	side                  exchange.PositionSide
	entryPrice            float64
	amount                float64
	stopLossPct           float64
	trailingActivationPct float64
	callbackRatePct       float64

	highWatermark     float64
	lowWatermark      float64
	trailingActivated bool
	trailingStopPrice float64

	stopOrderCreated     bool
	trailingOrderCreated bool
	startedAt            time.Time
	extra                map[string]interface{}
}

// New creates a monitor from params, generating an id when none is supplied
func New(p Params) (*Monitor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		id:                    p.ID,
		symbol:                p.Symbol,
		side:                  p.Side,
		entryPrice:            p.EntryPrice,
		amount:                math.Abs(p.Amount),
		stopLossPct:           p.StopLossPct,
		trailingActivationPct: p.TrailingActivationPct,
		callbackRatePct:       p.CallbackRatePct,
		highWatermark:         p.EntryPrice,
		lowWatermark:          p.EntryPrice,
		trailingActivated:     p.TrailingActivated,
		stopOrderCreated:      p.StopOrderCreated,
		trailingOrderCreated:  p.TrailingOrderCreated,
		startedAt:             p.StartedAt,
		extra:                 copyExtra(p.Extra),
	}
	if m.id == "" {
		m.id = uuid.NewString()
	}
	if m.startedAt.IsZero() {
		m.startedAt = time.Now().UTC()
	}

	// A restored watermark may only be more favorable than entry
	if p.Watermark > 0 {
		if m.side == exchange.Long {
			m.highWatermark = math.Max(m.highWatermark, p.Watermark)
		} else {
			m.lowWatermark = math.Min(m.lowWatermark, p.Watermark)
		}
	}
	if m.trailingActivated {
		m.trailingStopPrice = m.trailFromWatermark()
		if p.TrailingStopPrice > 0 {
			m.trailingStopPrice = m.tighter(m.trailingStopPrice, p.TrailingStopPrice)
		}
	}
	return m, nil
}

// ID returns the monitor identifier
func (m *Monitor) ID() string { return m.id }

// Symbol returns the monitored instrument
func (m *Monitor) Symbol() string { return m.symbol }

// Side returns the position direction
func (m *Monitor) Side() exchange.PositionSide { return m.side }

// Amount returns the position size the close order uses
func (m *Monitor) Amount() float64 { return m.amount }

// Watermark returns the most favorable price seen on the relevant side
func (m *Monitor) Watermark() float64 {
	if m.side == exchange.Long {
		return m.highWatermark
	}
	return m.lowWatermark
}

// TrailingActivated reports whether the trailing stop is armed
func (m *Monitor) TrailingActivated() bool { return m.trailingActivated }

// TrailingStopPrice is zero until activation
func (m *Monitor) TrailingStopPrice() float64 { return m.trailingStopPrice }

// StopLossPrice is the fixed hard stop derived from entry
func (m *Monitor) StopLossPrice() float64 {
	if m.side == exchange.Long {
		return m.entryPrice * (1 - m.stopLossPct)
	}
	return m.entryPrice * (1 + m.stopLossPct)
}

// ReturnRatio is the unrealized return at price, positive when in profit
func (m *Monitor) ReturnRatio(price float64) float64 {
	r := (price - m.entryPrice) / m.entryPrice
	if m.side == exchange.Short {
		return -r
	}
	return r
}

// Evaluate applies one price tick: watermark, stop-loss, trailing activation
// and trailing enforcement, in that order.
func (m *Monitor) Evaluate(price float64) Evaluation {
	var ev Evaluation

	if m.side == exchange.Long && price > m.highWatermark {
		m.highWatermark = price
		ev.Changed = true
	}
	if m.side == exchange.Short && price < m.lowWatermark {
		m.lowWatermark = price
		ev.Changed = true
	}

	if m.stopLossHit(price) {
		ev.Close = true
		ev.Reason = ExitStopLoss
		return ev
	}

	if !m.trailingActivated && m.ReturnRatio(price) >= m.trailingActivationPct {
		m.trailingActivated = true
		m.trailingStopPrice = m.trailFromWatermark()
		ev.Activated = true
		ev.Changed = true
	}

	if m.trailingActivated {
		next := m.tighter(m.trailingStopPrice, m.trailFromWatermark())
		if next != m.trailingStopPrice {
			m.trailingStopPrice = next
			ev.Changed = true
		}
		if m.trailingHit(price) {
			ev.Close = true
			ev.Reason = ExitTrailingStop
		}
	}
	return ev
}

func (m *Monitor) stopLossHit(price float64) bool {
	if m.side == exchange.Long {
		return price <= m.StopLossPrice()
	}
	return price >= m.StopLossPrice()
}

func (m *Monitor) trailingHit(price float64) bool {
	if m.side == exchange.Long {
		return price <= m.trailingStopPrice
	}
	return price >= m.trailingStopPrice
}

func (m *Monitor) trailFromWatermark() float64 {
	cb := m.callbackRatePct / 100
	if m.side == exchange.Long {
		return m.highWatermark * (1 - cb)
	}
	return m.lowWatermark * (1 + cb)
}

// tighter returns whichever stop sits closer to price: the higher one for a
// long, the lower one for a short. Zero means unset.
func (m *Monitor) tighter(a, b float64) float64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if m.side == exchange.Long {
		return math.Max(a, b)
	}
	return math.Min(a, b)
}

// Record returns a copy of the persisted metadata
func (m *Monitor) Record() Record {
	return Record{
		ID:                    m.id,
		Symbol:                m.symbol,
		Side:                  m.side,
		EntryPrice:            m.entryPrice,
		Amount:                m.amount,
		StopLossPct:           m.stopLossPct,
		TrailingActivationPct: m.trailingActivationPct,
		CallbackRatePct:       m.callbackRatePct,
		TrailingActivated:     m.trailingActivated,
		StopOrderCreated:      m.stopOrderCreated,
		TrailingOrderCreated:  m.trailingOrderCreated,
		Watermark:             m.Watermark(),
		TrailingStopPrice:     m.trailingStopPrice,
		StartedAt:             m.startedAt,
		Extra:                 copyExtra(m.extra),
	}
}

func copyExtra(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
