package execution

import (
	"context"
	"fmt"

	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/exchange"
	"github.com/lsventura/cryptoTrader/internal/metrics"
	"github.com/lsventura/cryptoTrader/internal/monitor"
)

// CloseStatus is the outcome of Close
type CloseStatus string

const (
	CloseStatusClosed     CloseStatus = "closed"
	CloseStatusNoPosition CloseStatus = "no_position"
	CloseStatusFailed     CloseStatus = "failed"
)

// CloseResult reports a close and the spellings tried to find the position
type CloseResult struct {
	Status   CloseStatus              `json:"status"`
	Position *exchange.Position       `json:"position,omitempty"`
	Order    *exchange.OrderRef       `json:"order,omitempty"`
	Attempts []exchange.LookupAttempt `json:"attempts,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// Close flattens the symbol with a reduce-only market order. Local monitors
// on the symbol are stopped first so they cannot race the close.
func (o *Orchestrator) Close(ctx context.Context) (res *CloseResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.recoverFault("close", &err)
	return o.close(ctx)
}

func (o *Orchestrator) close(ctx context.Context) (*CloseResult, error) {
	symbol := o.cfg.Symbol

	if err := o.monitors.StopSymbol(symbol, o.cfg.JoinTimeout); err != nil {
		o.logger.Warn().Err(err).Msg("Monitors did not stop cleanly before close")
	}
	if err := o.gw.CancelOpenOrders(ctx, symbol); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to cancel open orders")
	}

	pos, attempts, err := exchange.FindPosition(ctx, o.gw, symbol)
	if err != nil {
		o.logger.Error().Err(err).Interface("attempts", attempts).Msg("Position lookup failed for every spelling")
		return &CloseResult{Status: CloseStatusFailed, Attempts: attempts, Error: err.Error()}, err
	}
	if pos == nil {
		o.logger.Info().Msg("No open position to close")
		return &CloseResult{Status: CloseStatusNoPosition, Attempts: attempts}, nil
	}

	order, err := o.gw.CreateMarketOrder(ctx, pos.Symbol, pos.Side.CloseSide(), pos.Amount, true)
	metrics.Orders.WithLabelValues("close", metrics.OrderResult(err)).Inc()
	if err != nil {
		o.logger.Error().Err(err).Str("side", string(pos.Side)).Float64("amount", pos.Amount).Msg("Close order failed")
		return &CloseResult{Status: CloseStatusFailed, Position: pos, Attempts: attempts, Error: err.Error()},
			fmt.Errorf("close order failed: %w", err)
	}

	o.logger.Info().
		Str("side", string(pos.Side)).
		Float64("amount", pos.Amount).
		Float64("price", order.Price).
		Msg("Position closed")
	o.publishOrder(order)
	o.publish(events.EventPositionClosed, map[string]interface{}{
		"side":        string(pos.Side),
		"amount":      pos.Amount,
		"entry_price": pos.EntryPrice,
		"exit_price":  order.Price,
		"order_id":    order.ID,
	})
	return &CloseResult{Status: CloseStatusClosed, Position: pos, Order: order, Attempts: attempts}, nil
}

// StopUpdateResult reports a stop-loss replacement
type StopUpdateResult struct {
	StopPrice     float64            `json:"stop_price"`
	StopOrder     *exchange.OrderRef `json:"stop_order,omitempty"`
	TrailingOrder *exchange.OrderRef `json:"trailing_order,omitempty"`
	MonitorID     string             `json:"monitor_id,omitempty"`
}

// UpdateStopLoss replaces the native stop with one at price, or at the
// entry price (breakeven) when price is zero. Cancelling also removes the
// native trailing stop, so it is placed again. When the new stop is refused
// a local monitor keeps guarding the position.
func (o *Orchestrator) UpdateStopLoss(ctx context.Context, price float64) (res *StopUpdateResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.recoverFault("update_stop_loss", &err)
	return o.updateStopLoss(ctx, price)
}

func (o *Orchestrator) updateStopLoss(ctx context.Context, price float64) (*StopUpdateResult, error) {
	symbol := o.cfg.Symbol
	pos, _, err := exchange.FindPosition(ctx, o.gw, symbol)
	if err != nil {
		return nil, fmt.Errorf("position lookup failed: %w", err)
	}
	if pos == nil {
		return nil, exchange.ErrNoPosition
	}
	if price <= 0 {
		price = pos.EntryPrice
	}
	closeSide := pos.Side.CloseSide()
	res := &StopUpdateResult{StopPrice: price}

	if err := o.gw.CancelOpenOrders(ctx, symbol); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to cancel orders before stop update")
	}

	stop, stopErr := o.gw.CreateStopOrder(ctx, symbol, closeSide, pos.Amount, price, true)
	metrics.Orders.WithLabelValues("stop_market", metrics.OrderResult(stopErr)).Inc()
	if stopErr == nil {
		res.StopOrder = stop
		o.publishOrder(stop)
		o.logger.Info().Float64("stop_price", price).Msg("Stop loss moved")
	} else {
		o.logger.Warn().Err(stopErr).Float64("stop_price", price).Msg("Stop loss update failed")
	}

	trailing, trailErr := o.gw.CreateTrailingStopOrder(ctx, symbol, closeSide, pos.Amount, o.cfg.CallbackRatePct, true)
	metrics.Orders.WithLabelValues("trailing_stop_market", metrics.OrderResult(trailErr)).Inc()
	if trailErr == nil {
		res.TrailingOrder = trailing
		o.publishOrder(trailing)
	} else {
		o.logger.Warn().Err(trailErr).Msg("Trailing stop re-placement failed")
	}

	running := o.monitors.ForSymbol(symbol)
	for _, rec := range running {
		if err := o.monitors.SetNativeOrders(rec.ID, stop != nil, trailing != nil); err != nil {
			o.logger.Warn().Err(err).Str("monitor_id", rec.ID).Msg("Failed to record native orders")
		}
	}

	if stopErr == nil && trailErr == nil {
		return res, nil
	}
	if len(running) > 0 {
		res.MonitorID = running[0].ID
		return res, nil
	}

	id, err := o.monitors.Start(monitor.Params{
		Symbol:                symbol,
		Side:                  pos.Side,
		EntryPrice:            pos.EntryPrice,
		Amount:                pos.Amount,
		StopLossPct:           o.cfg.StopLossPct,
		TrailingActivationPct: o.cfg.TrailingActivationPct,
		CallbackRatePct:       o.cfg.CallbackRatePct,
		StopOrderCreated:      stop != nil,
		TrailingOrderCreated:  trailing != nil,
	})
	if err != nil {
		return res, fmt.Errorf("stop update failed and fallback monitor could not start: %w", err)
	}
	res.MonitorID = id
	o.logger.Info().Str("monitor_id", id).Msg("Local monitor started after stop update failure")
	return res, nil
}
